package pipelines

import (
	"strings"
	"time"
)

const (
	// ArtifactBackendMemory keeps artifacts in process memory.
	ArtifactBackendMemory = "memory"
	// ArtifactBackendFilesystem writes artifacts below a root directory.
	ArtifactBackendFilesystem = "filesystem"

	defaultArtifactRootConstant = ".conveyor/artifacts"
	defaultOutputFormatConstant = "human"
)

// OrchestratorConfiguration tunes how runs are scheduled.
type OrchestratorConfiguration struct {
	Pipelines     []string      `mapstructure:"pipelines"`
	JobTimeout    time.Duration `mapstructure:"job_timeout"`
	MaxParallel   int           `mapstructure:"max_parallel"`
	GroupTemplate string        `mapstructure:"group_template"`
	HistoryLimit  int           `mapstructure:"history_limit"`
}

// ArtifactsConfiguration selects the artifact backend.
type ArtifactsConfiguration struct {
	Backend   string        `mapstructure:"backend"`
	Root      string        `mapstructure:"root"`
	Retention time.Duration `mapstructure:"retention"`
}

// SecretsConfiguration names where run credentials come from.
type SecretsConfiguration struct {
	EnvFile string   `mapstructure:"env_file"`
	Names   []string `mapstructure:"names"`
}

// CommandConfiguration captures the settings shared by the pipeline commands.
type CommandConfiguration struct {
	Orchestrator OrchestratorConfiguration
	Artifacts    ArtifactsConfiguration
	Secrets      SecretsConfiguration
	OutputFormat string
	DryRun       bool
}

// DefaultCommandConfiguration provides the settings used when nothing is configured.
func DefaultCommandConfiguration() CommandConfiguration {
	return CommandConfiguration{
		Artifacts:    ArtifactsConfiguration{Backend: ArtifactBackendMemory},
		OutputFormat: defaultOutputFormatConstant,
	}
}

// Sanitize normalizes configuration values.
func (configuration CommandConfiguration) Sanitize() CommandConfiguration {
	sanitized := configuration

	pipelineReferences := make([]string, 0, len(configuration.Orchestrator.Pipelines))
	for _, reference := range configuration.Orchestrator.Pipelines {
		if trimmed := strings.TrimSpace(reference); len(trimmed) > 0 {
			pipelineReferences = append(pipelineReferences, trimmed)
		}
	}
	sanitized.Orchestrator.Pipelines = pipelineReferences
	sanitized.Orchestrator.GroupTemplate = strings.TrimSpace(configuration.Orchestrator.GroupTemplate)

	sanitized.Artifacts.Backend = strings.ToLower(strings.TrimSpace(configuration.Artifacts.Backend))
	if len(sanitized.Artifacts.Backend) == 0 {
		sanitized.Artifacts.Backend = ArtifactBackendMemory
	}
	sanitized.Artifacts.Root = strings.TrimSpace(configuration.Artifacts.Root)
	if sanitized.Artifacts.Backend == ArtifactBackendFilesystem && len(sanitized.Artifacts.Root) == 0 {
		sanitized.Artifacts.Root = defaultArtifactRootConstant
	}

	sanitized.Secrets.EnvFile = strings.TrimSpace(configuration.Secrets.EnvFile)
	sanitized.OutputFormat = strings.ToLower(strings.TrimSpace(configuration.OutputFormat))
	if len(sanitized.OutputFormat) == 0 {
		sanitized.OutputFormat = defaultOutputFormatConstant
	}
	return sanitized
}
