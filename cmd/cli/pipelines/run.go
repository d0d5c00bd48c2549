package pipelines

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tyemirov/conveyor/internal/coordinator"
	"github.com/tyemirov/conveyor/internal/pipeline"
	"github.com/tyemirov/conveyor/internal/report"
	"github.com/tyemirov/conveyor/internal/secrets"
	"github.com/tyemirov/conveyor/internal/utils"
	flagutils "github.com/tyemirov/conveyor/internal/utils/flags"
)

const (
	runCommandUseConstant              = "run [pipeline|preset]"
	runCommandShortDescriptionConstant = "Run a pipeline file or embedded preset once"
	runCommandLongDescriptionConstant  = "run submits a single trigger to a pipeline, waits for every job to settle, and prints the run report. Gated publish jobs rehearse in dry-run mode when their secret is absent; --dry-run withholds every secret."
	runCommandExampleConstant          = "conveyor run rust-release --kind tag-push --ref refs/tags/v1.4.0 --secret CRATES_TOKEN\n  conveyor run ./release.yaml --kind dispatch --input version=v1.4.0 --dry-run -o json"
	defaultTriggerKindConstant         = "dispatch"
	runFailedTemplateConstant          = "run %s finished with outcome %s"
	runInterruptedEventConstant        = "run_interrupted"
	runCompletedEventConstant          = "run_completed"
	coordinatorShutdownEventConstant   = "coordinator_shutdown_failed"
	dryRunSecretsWithheldEventConstant = "dry_run_secrets_withheld"
	runIDFieldConstant                 = "run_id"
	outcomeFieldConstant               = "outcome"
	secretsFieldConstant               = "secrets"
	dryRunJobsFieldConstant            = "dry_run_jobs"
)

// RunFailedError reports a run that did not finish successfully.
type RunFailedError struct {
	RunID   string
	Outcome coordinator.Outcome
}

// Error implements the error interface.
func (failedError RunFailedError) Error() string {
	return fmt.Sprintf(runFailedTemplateConstant, failedError.RunID, failedError.Outcome)
}

// RunCommandBuilder assembles the run command.
type RunCommandBuilder struct {
	LoggerProvider        LoggerProvider
	RuntimeProvider       RuntimeProvider
	ConfigurationProvider func() CommandConfiguration
}

// Build constructs the run command.
func (builder *RunCommandBuilder) Build() (*cobra.Command, error) {
	command := &cobra.Command{
		Use:     runCommandUseConstant,
		Short:   runCommandShortDescriptionConstant,
		Long:    runCommandLongDescriptionConstant,
		Example: runCommandExampleConstant,
		Args:    cobra.MaximumNArgs(1),
	}

	triggerValues := flagutils.BindTriggerFlags(
		command,
		flagutils.TriggerFlagValues{Kind: defaultTriggerKindConstant},
		flagutils.DefaultTriggerFlagDefinitions(),
	)
	if kindFlag := command.Flags().Lookup(flagutils.KindFlagName); kindFlag != nil {
		kindFlag.Usage = flagutils.FormatChoiceUsage(defaultTriggerKindConstant, triggerKindNames(), flagutils.KindFlagUsage)
	}

	command.RunE = func(command *cobra.Command, arguments []string) error {
		return builder.run(command, arguments, triggerValues)
	}
	return command, nil
}

func (builder *RunCommandBuilder) run(command *cobra.Command, arguments []string, triggerValues *flagutils.TriggerFlagValues) error {
	logger := resolveLogger(builder.LoggerProvider)
	configuration := builder.resolveConfiguration()
	runtime := builder.resolveRuntime(configuration)

	reference := pipelineReference(arguments, configuration.Orchestrator.Pipelines)
	if len(reference) == 0 {
		if helpError := displayCommandHelp(command); helpError != nil {
			return helpError
		}
		return ErrPipelineReferenceMissing
	}

	dryRun := configuration.DryRun
	outputFormat := configuration.OutputFormat
	if executionFlags, available := flagutils.ResolveExecutionFlags(command); available {
		if executionFlags.DryRunSet {
			dryRun = executionFlags.DryRun
		}
		if executionFlags.OutputSet {
			outputFormat = executionFlags.OutputFormat
		}
	}
	format, formatError := report.ParseFormat(outputFormat)
	if formatError != nil {
		return formatError
	}

	trigger, triggerError := builder.resolveTrigger(command, triggerValues, runtime, dryRun, logger)
	if triggerError != nil {
		return triggerError
	}

	runPipeline, pipelineError := runtime.ResolvePipeline(reference)
	if pipelineError != nil {
		return pipelineError
	}
	store, storeError := runtime.NewStore()
	if storeError != nil {
		return storeError
	}
	runCoordinator, coordinatorError := runtime.NewCoordinator(runPipeline, store)
	if coordinatorError != nil {
		return coordinatorError
	}

	signalContext, stopSignals := signal.NotifyContext(command.Context(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	handle, submitError := runCoordinator.Submit(signalContext, trigger)
	if submitError != nil {
		return submitError
	}

	result, waitError := handle.Wait(signalContext)
	if waitError != nil {
		logger.Warn(runInterruptedEventConstant, zap.String(runIDFieldConstant, handle.ID()), zap.Error(waitError))
		handle.Cancel()
		result, _ = handle.Wait(context.WithoutCancel(command.Context()))
	}
	if shutdownError := runCoordinator.Shutdown(context.WithoutCancel(command.Context())); shutdownError != nil {
		logger.Warn(coordinatorShutdownEventConstant, zap.Error(shutdownError))
	}

	logger.Info(
		runCompletedEventConstant,
		zap.String(runIDFieldConstant, result.RunID),
		zap.String(outcomeFieldConstant, string(result.Outcome)),
		zap.Strings(dryRunJobsFieldConstant, result.DryRunJobs()),
	)

	output := utils.NewFlushingWriter(command.OutOrStdout())
	if renderError := report.NewRenderer(format, command.OutOrStdout()).RenderResult(output, result); renderError != nil {
		return renderError
	}

	if result.Outcome != coordinator.OutcomeSuccess {
		return RunFailedError{RunID: result.RunID, Outcome: result.Outcome}
	}
	return nil
}

func (builder *RunCommandBuilder) resolveTrigger(command *cobra.Command, triggerValues *flagutils.TriggerFlagValues, runtime Runtime, dryRun bool, logger *zap.Logger) (pipeline.TriggerEvent, error) {
	rawKind := triggerValues.Kind
	ref := triggerValues.Ref
	if triggerContext, available := utils.NewCommandContextAccessor().TriggerContext(command.Context()); available {
		if len(triggerContext.Kind) > 0 {
			rawKind = triggerContext.Kind
		}
		if len(triggerContext.Ref) > 0 {
			ref = triggerContext.Ref
		}
	}

	kind, kindError := pipeline.ParseTriggerKind(rawKind)
	if kindError != nil {
		return pipeline.TriggerEvent{}, kindError
	}

	inputs, inputsError := parseInputAssignments(triggerValues.Inputs)
	if inputsError != nil {
		return pipeline.TriggerEvent{}, inputsError
	}

	runSecrets, secretsError := runtime.LoadSecrets(triggerValues.Secrets)
	if secretsError != nil {
		return pipeline.TriggerEvent{}, secretsError
	}
	if dryRun {
		if len(runSecrets) > 0 {
			logger.Info(dryRunSecretsWithheldEventConstant, zap.Strings(secretsFieldConstant, secrets.Names(runSecrets)))
		}
		runSecrets = nil
	}

	return pipeline.TriggerEvent{
		Kind:    kind,
		Ref:     strings.TrimSpace(ref),
		Secrets: runSecrets,
		Inputs:  inputs,
	}, nil
}

func (builder *RunCommandBuilder) resolveConfiguration() CommandConfiguration {
	if builder.ConfigurationProvider == nil {
		return DefaultCommandConfiguration().Sanitize()
	}
	return builder.ConfigurationProvider().Sanitize()
}

func (builder *RunCommandBuilder) resolveRuntime(configuration CommandConfiguration) Runtime {
	runtime := Runtime{PresetCatalog: NewEmbeddedPresetCatalog()}
	if builder.RuntimeProvider != nil {
		runtime = builder.RuntimeProvider()
	}
	runtime.Configuration = configuration
	if runtime.Logger == nil {
		runtime.Logger = resolveLogger(builder.LoggerProvider)
	}
	return runtime
}

func triggerKindNames() []string {
	kinds := pipeline.TriggerKinds()
	names := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		names = append(names, string(kind))
	}
	return names
}
