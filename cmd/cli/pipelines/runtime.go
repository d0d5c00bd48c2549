package pipelines

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/tyemirov/conveyor/internal/artifacts"
	"github.com/tyemirov/conveyor/internal/coordinator"
	"github.com/tyemirov/conveyor/internal/execshell"
	"github.com/tyemirov/conveyor/internal/gate"
	"github.com/tyemirov/conveyor/internal/metrics"
	"github.com/tyemirov/conveyor/internal/pipeline"
	"github.com/tyemirov/conveyor/internal/secrets"
	"github.com/tyemirov/conveyor/internal/tasks"
	"github.com/tyemirov/conveyor/pkg/taskrunner"
)

const (
	pipelineReferenceMissingMessageConstant = "pipeline file or preset name required; provide a positional argument or configure orchestrator.pipelines"
	unknownArtifactBackendTemplateConstant  = "unknown artifact backend %q (expected %s or %s)"
	loadPresetErrorTemplateConstant         = "unable to load embedded pipeline %q: %w"
	loadPipelineErrorTemplateConstant       = "unable to load pipeline %q: %w"
	buildPipelineErrorTemplateConstant      = "pipeline %q is invalid: %w"
	secretAssignmentTemplateConstant        = "secret %q must be NAME or NAME=VALUE"
	secretAssignmentSeparatorConstant       = "="
	unsupportedTaskTemplateConstant         = "job %q: %w"
)

// ErrPipelineReferenceMissing indicates that no pipeline was named on the command line or in configuration.
var ErrPipelineReferenceMissing = errors.New(pipelineReferenceMissingMessageConstant)

// Runtime assembles the collaborators a pipeline run needs.
type Runtime struct {
	Configuration        CommandConfiguration
	Logger               *zap.Logger
	HumanReadableLogging bool
	Metrics              metrics.Recorder
	CommandRunner        execshell.CommandRunner
	FileSystem           afero.Fs
	Publisher            tasks.Publisher
	RunnerFactory        taskrunner.Factory
	PresetCatalog        PresetCatalog
	EnvironmentLookup    func(string) (string, bool)
}

// ResolvePipeline loads an embedded preset by name or a pipeline file by path and builds it.
func (runtime Runtime) ResolvePipeline(reference string) (*pipeline.Pipeline, error) {
	trimmedReference := strings.TrimSpace(reference)
	if len(trimmedReference) == 0 {
		return nil, ErrPipelineReferenceMissing
	}

	var definition pipeline.Definition
	loadedFromPreset := false
	if runtime.PresetCatalog != nil {
		presetDefinition, presetFound, presetError := runtime.PresetCatalog.Load(trimmedReference)
		if presetError != nil {
			return nil, fmt.Errorf(loadPresetErrorTemplateConstant, trimmedReference, presetError)
		}
		if presetFound {
			definition = presetDefinition
			loadedFromPreset = true
		}
	}
	if !loadedFromPreset {
		fileDefinition, loadError := pipeline.LoadDefinition(trimmedReference)
		if loadError != nil {
			return nil, fmt.Errorf(loadPipelineErrorTemplateConstant, trimmedReference, loadError)
		}
		definition = fileDefinition
	}

	built, buildError := definition.Build()
	if buildError != nil {
		return nil, fmt.Errorf(buildPipelineErrorTemplateConstant, trimmedReference, buildError)
	}
	if taskError := runtime.checkTasks(built); taskError != nil {
		return nil, fmt.Errorf(buildPipelineErrorTemplateConstant, trimmedReference, taskError)
	}
	return built, nil
}

// checkTasks rejects jobs whose task kind the built-in registry cannot run. A RunnerFactory
// owns its own task kinds, so the check is skipped when one is configured.
func (runtime Runtime) checkTasks(runPipeline *pipeline.Pipeline) error {
	if runtime.RunnerFactory != nil {
		return nil
	}
	registry, registryError := runtime.newRegistry()
	if registryError != nil {
		return registryError
	}
	for _, job := range runPipeline.Graph.Jobs() {
		if !registry.Supports(job.Task()) {
			return fmt.Errorf(unsupportedTaskTemplateConstant, job.ID(), &tasks.UnknownTaskError{Task: job.Task(), Registered: registry.Kinds()})
		}
	}
	return nil
}

// NewStore builds the configured artifact store.
func (runtime Runtime) NewStore() (*artifacts.Store, error) {
	configuration := runtime.Configuration.Sanitize().Artifacts

	var backend artifacts.Backend
	switch configuration.Backend {
	case ArtifactBackendMemory:
		backend = artifacts.NewMemoryBackend()
	case ArtifactBackendFilesystem:
		filesystemBackend, backendError := artifacts.NewFilesystemBackend(configuration.Root)
		if backendError != nil {
			return nil, backendError
		}
		backend = filesystemBackend
	default:
		return nil, fmt.Errorf(unknownArtifactBackendTemplateConstant, configuration.Backend, ArtifactBackendMemory, ArtifactBackendFilesystem)
	}

	return artifacts.NewStore(
		backend,
		artifacts.WithRetention(configuration.Retention),
		artifacts.WithLogger(runtime.logger()),
	)
}

// NewCoordinator wires the task runner to a coordinator for the pipeline. The built-in task
// registry serves jobs unless RunnerFactory supplies a runner.
func (runtime Runtime) NewCoordinator(runPipeline *pipeline.Pipeline, store *artifacts.Store) (*coordinator.Coordinator, error) {
	registry, registryError := runtime.newRegistry()
	if registryError != nil {
		return nil, registryError
	}

	orchestrator := runtime.Configuration.Sanitize().Orchestrator
	return coordinator.New(
		runPipeline,
		coordinator.Dependencies{
			Runner:    taskrunner.Resolve(runtime.RunnerFactory, taskrunner.Dependencies{LoggerProvider: runtime.logger}, registry),
			Store:     store,
			Evaluator: gate.NewEvaluator(),
			Metrics:   runtime.Metrics,
			Logger:    runtime.logger(),
		},
		coordinator.Options{
			MaxParallel:       orchestrator.MaxParallel,
			DefaultJobTimeout: orchestrator.JobTimeout,
			GroupTemplate:     orchestrator.GroupTemplate,
			HistoryLimit:      orchestrator.HistoryLimit,
		},
	)
}

// LoadSecrets reads the configured secrets and applies NAME or NAME=VALUE assignments on top.
// A bare NAME is looked up in the environment; when it is unset the secret is withheld.
func (runtime Runtime) LoadSecrets(assignments []string) (map[string]string, error) {
	configuration := runtime.Configuration.Sanitize().Secrets
	lookup := runtime.EnvironmentLookup
	if lookup == nil {
		lookup = os.LookupEnv
	}

	loaded, loadError := secrets.NewSource(configuration.EnvFile, configuration.Names, secrets.WithLookup(lookup)).Load()
	if loadError != nil {
		return nil, loadError
	}

	overrides := make(map[string]string, len(assignments))
	for _, assignment := range assignments {
		trimmed := strings.TrimSpace(assignment)
		if len(trimmed) == 0 {
			continue
		}
		name, value, hasValue := strings.Cut(trimmed, secretAssignmentSeparatorConstant)
		name = strings.TrimSpace(name)
		if len(name) == 0 {
			return nil, fmt.Errorf(secretAssignmentTemplateConstant, assignment)
		}
		if !hasValue {
			value, _ = lookup(name)
		}
		overrides[name] = value
	}
	return secrets.Overlay(loaded, overrides), nil
}

func (runtime Runtime) newRegistry() (*tasks.Registry, error) {
	commandRunner := runtime.CommandRunner
	if commandRunner == nil {
		commandRunner = execshell.ExecCommandRunner{}
	}
	executor, executorError := execshell.NewShellExecutor(runtime.logger(), commandRunner, runtime.HumanReadableLogging)
	if executorError != nil {
		return nil, executorError
	}
	return tasks.NewDefaultRegistry(tasks.Dependencies{
		Logger:     runtime.logger(),
		Executor:   executor,
		FileSystem: runtime.FileSystem,
		Publisher:  runtime.Publisher,
	})
}

func (runtime Runtime) logger() *zap.Logger {
	if runtime.Logger == nil {
		return zap.NewNop()
	}
	return runtime.Logger
}
