// Package report renders run results and schedules for people and machines.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/tyemirov/conveyor/internal/coordinator"
	"github.com/tyemirov/conveyor/internal/pipeline"
)

const (
	unsupportedFormatTemplateConstant = "unsupported output format %q (expected one of %s)"
	renderFailureTemplateConstant     = "failed to render %s output: %w"
	jsonIndentConstant                = "  "
	jobColumnMinimumWidthConstant     = 12
	stateColumnWidthConstant          = 10
	durationPrecisionConstant         = time.Millisecond
)

// Format selects the output encoding.
type Format string

// Supported formats.
const (
	FormatHuman Format = "human"
	FormatYAML  Format = "yaml"
	FormatJSON  Format = "json"
)

// Formats lists the supported formats.
func Formats() []Format {
	return []Format{FormatHuman, FormatYAML, FormatJSON}
}

// ParseFormat normalizes a user supplied format name. Empty means human.
func ParseFormat(raw string) (Format, error) {
	normalized := Format(strings.ToLower(strings.TrimSpace(raw)))
	if len(normalized) == 0 {
		return FormatHuman, nil
	}
	for _, format := range Formats() {
		if format == normalized {
			return format, nil
		}
	}
	names := make([]string, 0, len(Formats()))
	for _, format := range Formats() {
		names = append(names, string(format))
	}
	return "", fmt.Errorf(unsupportedFormatTemplateConstant, raw, strings.Join(names, ", "))
}

// Wave is one ready set of a schedule.
type Wave struct {
	Index int      `json:"wave" yaml:"wave"`
	Jobs  []string `json:"jobs" yaml:"jobs"`
}

// Schedule is the serializable form of a pipeline's ready sets.
type Schedule struct {
	Pipeline string `json:"pipeline" yaml:"pipeline"`
	Jobs     int    `json:"jobs" yaml:"jobs"`
	Waves    []Wave `json:"waves" yaml:"waves"`
}

// NewSchedule captures the topological schedule of the pipeline.
func NewSchedule(runPipeline *pipeline.Pipeline) Schedule {
	readySets := runPipeline.Graph.TopologicalSchedule()
	schedule := Schedule{Pipeline: runPipeline.Name, Jobs: runPipeline.Graph.Len(), Waves: make([]Wave, 0, len(readySets))}
	for index, readySet := range readySets {
		schedule.Waves = append(schedule.Waves, Wave{Index: index + 1, Jobs: readySet.IDs()})
	}
	return schedule
}

// Renderer writes results in one format.
type Renderer struct {
	format Format
	styles styles
}

type styles struct {
	header    lipgloss.Style
	label     lipgloss.Style
	detail    lipgloss.Style
	success   lipgloss.Style
	failure   lipgloss.Style
	skipped   lipgloss.Style
	cancelled lipgloss.Style
	pending   lipgloss.Style
	dryRun    lipgloss.Style
}

// NewRenderer builds a renderer whose colours follow the capabilities of the writer.
func NewRenderer(format Format, writer io.Writer) *Renderer {
	terminal := lipgloss.NewRenderer(writer)
	return &Renderer{
		format: format,
		styles: styles{
			header:    terminal.NewStyle().Bold(true),
			label:     terminal.NewStyle().Foreground(lipgloss.Color("#A0AEC0")),
			detail:    terminal.NewStyle().Foreground(lipgloss.Color("#999999")),
			success:   terminal.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true),
			failure:   terminal.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true),
			skipped:   terminal.NewStyle().Foreground(lipgloss.Color("#999999")),
			cancelled: terminal.NewStyle().Foreground(lipgloss.Color("#F7B801")),
			pending:   terminal.NewStyle().Foreground(lipgloss.Color("#5B8DEF")),
			dryRun:    terminal.NewStyle().Foreground(lipgloss.Color("#F7B801")).Italic(true),
		},
	}
}

// RenderResult writes a run result.
func (renderer *Renderer) RenderResult(writer io.Writer, result coordinator.Result) error {
	switch renderer.format {
	case FormatJSON:
		return encodeJSON(writer, result)
	case FormatYAML:
		return encodeYAML(writer, result)
	default:
		_, writeError := io.WriteString(writer, renderer.humanResult(result))
		return writeError
	}
}

// RenderResults writes several run results, as a list for machine formats.
func (renderer *Renderer) RenderResults(writer io.Writer, results []coordinator.Result) error {
	switch renderer.format {
	case FormatJSON:
		return encodeJSON(writer, results)
	case FormatYAML:
		return encodeYAML(writer, results)
	default:
		var builder strings.Builder
		for index, result := range results {
			if index > 0 {
				builder.WriteString("\n")
			}
			builder.WriteString(renderer.humanResult(result))
		}
		_, writeError := io.WriteString(writer, builder.String())
		return writeError
	}
}

// RenderSchedule writes the ready sets of a pipeline.
func (renderer *Renderer) RenderSchedule(writer io.Writer, schedule Schedule) error {
	switch renderer.format {
	case FormatJSON:
		return encodeJSON(writer, schedule)
	case FormatYAML:
		return encodeYAML(writer, schedule)
	default:
		var builder strings.Builder
		builder.WriteString(renderer.styles.header.Render(fmt.Sprintf("pipeline %s (%d jobs, %d waves)", schedule.Pipeline, schedule.Jobs, len(schedule.Waves))))
		builder.WriteString("\n")
		for _, wave := range schedule.Waves {
			builder.WriteString(fmt.Sprintf("  %s %s\n", renderer.styles.label.Render(fmt.Sprintf("wave %d:", wave.Index)), strings.Join(wave.Jobs, ", ")))
		}
		_, writeError := io.WriteString(writer, builder.String())
		return writeError
	}
}

func (renderer *Renderer) humanResult(result coordinator.Result) string {
	var builder strings.Builder
	builder.WriteString(renderer.styles.header.Render(fmt.Sprintf("run %s (%s)", result.RunID, result.Pipeline)))
	builder.WriteString("\n")
	builder.WriteString(fmt.Sprintf("  %s %s  %s %s", renderer.styles.label.Render("trigger:"), result.Trigger, renderer.styles.label.Render("ref:"), result.Ref))
	if len(result.GroupKey) > 0 {
		builder.WriteString(fmt.Sprintf("  %s %s", renderer.styles.label.Render("group:"), result.GroupKey))
	}
	builder.WriteString("\n")
	builder.WriteString(fmt.Sprintf("  %s %s", renderer.styles.label.Render("outcome:"), renderer.outcomeStyle(result.Outcome).Render(string(result.Outcome))))
	if len(result.CancelReason) > 0 {
		builder.WriteString(" " + renderer.styles.detail.Render("("+result.CancelReason+")"))
	}
	builder.WriteString("\n")

	jobWidth := jobColumnMinimumWidthConstant
	for _, jobID := range result.JobOrder {
		jobWidth = max(jobWidth, len(jobID))
	}
	jobColumn := lipgloss.NewStyle().Width(jobWidth + 2)
	stateColumn := lipgloss.NewStyle().Width(stateColumnWidthConstant)

	builder.WriteString(renderer.styles.label.Render("  jobs:"))
	builder.WriteString("\n")
	for _, jobID := range result.JobOrder {
		jobResult := result.Jobs[jobID]
		line := "    " + jobColumn.Render(jobID) + renderer.stateStyle(jobResult.State).Render(stateColumn.Render(string(jobResult.State)))
		if jobResult.DryRun() {
			line += " " + renderer.styles.dryRun.Render("[dry-run]")
		}
		if jobResult.Duration > 0 {
			line += " " + renderer.styles.detail.Render(jobResult.Duration.Round(durationPrecisionConstant).String())
		}
		if explanation := explainJob(jobResult); len(explanation) > 0 {
			line += " " + renderer.styles.detail.Render(explanation)
		}
		builder.WriteString(strings.TrimRight(line, " "))
		builder.WriteString("\n")
	}

	if len(result.Artifacts) > 0 {
		builder.WriteString(renderer.styles.label.Render("  artifacts:"))
		builder.WriteString("\n")
		for _, name := range sortedArtifactNames(result) {
			locator := result.Artifacts[name]
			builder.WriteString(fmt.Sprintf("    %s %s %d bytes %s\n", name, locator.Digest, locator.Size, renderer.styles.detail.Render(locator.URI)))
		}
	}
	if dryRunJobs := result.DryRunJobs(); len(dryRunJobs) > 0 {
		builder.WriteString(fmt.Sprintf("  %s %s\n", renderer.styles.dryRun.Render("dry-run publications:"), strings.Join(dryRunJobs, ", ")))
	}
	return builder.String()
}

func explainJob(jobResult coordinator.JobResult) string {
	switch {
	case len(jobResult.Error) > 0:
		return jobResult.Error
	case len(jobResult.Reason) > 0 && len(jobResult.Detail) > 0:
		return jobResult.Reason + ": " + jobResult.Detail
	case len(jobResult.Reason) > 0:
		return jobResult.Reason
	default:
		return jobResult.Detail
	}
}

func (renderer *Renderer) outcomeStyle(outcome coordinator.Outcome) lipgloss.Style {
	switch outcome {
	case coordinator.OutcomeSuccess:
		return renderer.styles.success
	case coordinator.OutcomeFailure:
		return renderer.styles.failure
	case coordinator.OutcomeCancelled:
		return renderer.styles.cancelled
	default:
		return renderer.styles.pending
	}
}

func (renderer *Renderer) stateStyle(state pipeline.JobState) lipgloss.Style {
	switch state {
	case pipeline.JobStateSuccess:
		return renderer.styles.success
	case pipeline.JobStateFailure:
		return renderer.styles.failure
	case pipeline.JobStateSkipped:
		return renderer.styles.skipped
	case pipeline.JobStateCancelled:
		return renderer.styles.cancelled
	default:
		return renderer.styles.pending
	}
}

func encodeJSON(writer io.Writer, value any) error {
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", jsonIndentConstant)
	if encodeError := encoder.Encode(value); encodeError != nil {
		return fmt.Errorf(renderFailureTemplateConstant, FormatJSON, encodeError)
	}
	return nil
}

func encodeYAML(writer io.Writer, value any) error {
	encoder := yaml.NewEncoder(writer)
	encoder.SetIndent(2)
	if encodeError := encoder.Encode(value); encodeError != nil {
		return fmt.Errorf(renderFailureTemplateConstant, FormatYAML, encodeError)
	}
	if closeError := encoder.Close(); closeError != nil {
		return fmt.Errorf(renderFailureTemplateConstant, FormatYAML, closeError)
	}
	return nil
}

func sortedArtifactNames(result coordinator.Result) []string {
	names := make([]string, 0, len(result.Artifacts))
	for name := range result.Artifacts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
