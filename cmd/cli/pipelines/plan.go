package pipelines

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tyemirov/conveyor/internal/report"
	"github.com/tyemirov/conveyor/internal/utils"
	flagutils "github.com/tyemirov/conveyor/internal/utils/flags"
)

const (
	planCommandUseConstant                     = "plan [pipeline|preset]"
	planCommandShortDescriptionConstant        = "Print the ready sets of a pipeline"
	planCommandLongDescriptionConstant         = "plan validates a pipeline and prints its jobs grouped into waves; every job of a wave may run in parallel once the previous waves have settled."
	planCommandExampleConstant                 = "conveyor plan rust-release\n  conveyor plan ./release.yaml -o yaml"
	validateCommandUseConstant                 = "validate [pipeline|preset]"
	validateCommandShortDescriptionConstant    = "Check a pipeline definition without running it"
	validateCommandLongDescriptionConstant     = "validate parses a pipeline, rejects duplicate jobs, unknown dependencies, cycles, task kinds no runner provides, and artifacts consumed without an upstream producer, and reports the job count."
	validateCommandExampleConstant             = "conveyor validate ./release.yaml"
	presetsCommandUseConstant                  = "presets"
	presetsCommandShortDescriptionConstant     = "List embedded pipeline presets"
	presetsCommandLongDescriptionConstant      = "presets lists the pipelines bundled with conveyor; pass a preset name wherever a pipeline file is accepted."
	validationSucceededTemplateConstant        = "pipeline %s is valid (%d jobs, %d waves)\n"
	presetListHeaderConstant                   = "Embedded pipelines:"
	presetListEntryTemplateConstant            = "  %-*s  %s\n"
	pipelineValidatedEventConstant             = "pipeline_validated"
	pipelineFieldConstant                      = "pipeline"
	jobsFieldConstant                          = "jobs"
	wavesFieldConstant                         = "waves"
	presetListWriteErrorTemplateConstant       = "unable to write preset list: %w"
	validationReportWriteErrorTemplateConstant = "unable to write validation report: %w"
)

// PlanCommandBuilder assembles the plan command.
type PlanCommandBuilder struct {
	LoggerProvider        LoggerProvider
	RuntimeProvider       RuntimeProvider
	ConfigurationProvider func() CommandConfiguration
}

// Build constructs the plan command.
func (builder *PlanCommandBuilder) Build() (*cobra.Command, error) {
	command := &cobra.Command{
		Use:     planCommandUseConstant,
		Short:   planCommandShortDescriptionConstant,
		Long:    planCommandLongDescriptionConstant,
		Example: planCommandExampleConstant,
		Args:    cobra.MaximumNArgs(1),
		RunE:    builder.run,
	}
	return command, nil
}

func (builder *PlanCommandBuilder) run(command *cobra.Command, arguments []string) error {
	runBuilder := RunCommandBuilder{
		LoggerProvider:        builder.LoggerProvider,
		RuntimeProvider:       builder.RuntimeProvider,
		ConfigurationProvider: builder.ConfigurationProvider,
	}
	configuration := runBuilder.resolveConfiguration()
	runtime := runBuilder.resolveRuntime(configuration)

	reference := pipelineReference(arguments, configuration.Orchestrator.Pipelines)
	if len(reference) == 0 {
		if helpError := displayCommandHelp(command); helpError != nil {
			return helpError
		}
		return ErrPipelineReferenceMissing
	}

	outputFormat := configuration.OutputFormat
	if executionFlags, available := flagutils.ResolveExecutionFlags(command); available && executionFlags.OutputSet {
		outputFormat = executionFlags.OutputFormat
	}
	format, formatError := report.ParseFormat(outputFormat)
	if formatError != nil {
		return formatError
	}

	runPipeline, pipelineError := runtime.ResolvePipeline(reference)
	if pipelineError != nil {
		return pipelineError
	}

	output := utils.NewFlushingWriter(command.OutOrStdout())
	return report.NewRenderer(format, command.OutOrStdout()).RenderSchedule(output, report.NewSchedule(runPipeline))
}

// ValidateCommandBuilder assembles the validate command.
type ValidateCommandBuilder struct {
	LoggerProvider        LoggerProvider
	RuntimeProvider       RuntimeProvider
	ConfigurationProvider func() CommandConfiguration
}

// Build constructs the validate command.
func (builder *ValidateCommandBuilder) Build() (*cobra.Command, error) {
	command := &cobra.Command{
		Use:     validateCommandUseConstant,
		Short:   validateCommandShortDescriptionConstant,
		Long:    validateCommandLongDescriptionConstant,
		Example: validateCommandExampleConstant,
		Args:    cobra.MaximumNArgs(1),
		RunE:    builder.run,
	}
	return command, nil
}

func (builder *ValidateCommandBuilder) run(command *cobra.Command, arguments []string) error {
	runBuilder := RunCommandBuilder{
		LoggerProvider:        builder.LoggerProvider,
		RuntimeProvider:       builder.RuntimeProvider,
		ConfigurationProvider: builder.ConfigurationProvider,
	}
	configuration := runBuilder.resolveConfiguration()
	runtime := runBuilder.resolveRuntime(configuration)

	references := configuration.Orchestrator.Pipelines
	if len(arguments) > 0 {
		references = []string{strings.TrimSpace(arguments[0])}
	}
	if len(references) == 0 {
		if helpError := displayCommandHelp(command); helpError != nil {
			return helpError
		}
		return ErrPipelineReferenceMissing
	}

	logger := resolveLogger(builder.LoggerProvider)
	output := utils.NewFlushingWriter(command.OutOrStdout())
	for _, reference := range references {
		runPipeline, pipelineError := runtime.ResolvePipeline(reference)
		if pipelineError != nil {
			return pipelineError
		}
		schedule := report.NewSchedule(runPipeline)
		logger.Debug(
			pipelineValidatedEventConstant,
			zap.String(pipelineFieldConstant, schedule.Pipeline),
			zap.Int(jobsFieldConstant, schedule.Jobs),
			zap.Int(wavesFieldConstant, len(schedule.Waves)),
		)
		if _, writeError := fmt.Fprintf(output, validationSucceededTemplateConstant, schedule.Pipeline, schedule.Jobs, len(schedule.Waves)); writeError != nil {
			return fmt.Errorf(validationReportWriteErrorTemplateConstant, writeError)
		}
	}
	return nil
}

// PresetsCommandBuilder assembles the presets command.
type PresetsCommandBuilder struct {
	PresetCatalogFactory func() PresetCatalog
}

// Build constructs the presets command.
func (builder *PresetsCommandBuilder) Build() (*cobra.Command, error) {
	command := &cobra.Command{
		Use:   presetsCommandUseConstant,
		Short: presetsCommandShortDescriptionConstant,
		Long:  presetsCommandLongDescriptionConstant,
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, arguments []string) error {
			return printPresetList(utils.NewFlushingWriter(command.OutOrStdout()), builder.resolvePresetCatalog())
		},
	}
	return command, nil
}

func (builder *PresetsCommandBuilder) resolvePresetCatalog() PresetCatalog {
	if builder.PresetCatalogFactory == nil {
		return NewEmbeddedPresetCatalog()
	}
	return builder.PresetCatalogFactory()
}

func printPresetList(writer io.Writer, catalog PresetCatalog) error {
	if catalog == nil {
		return nil
	}
	presets := catalog.List()
	if len(presets) == 0 {
		return nil
	}

	nameWidth := 0
	for _, preset := range presets {
		if len(preset.Name) > nameWidth {
			nameWidth = len(preset.Name)
		}
	}

	var builder strings.Builder
	builder.WriteString(presetListHeaderConstant)
	builder.WriteString("\n")
	for _, preset := range presets {
		builder.WriteString(fmt.Sprintf(presetListEntryTemplateConstant, nameWidth, preset.Name, preset.Description))
	}
	if _, writeError := io.WriteString(writer, builder.String()); writeError != nil {
		return fmt.Errorf(presetListWriteErrorTemplateConstant, writeError)
	}
	return nil
}
