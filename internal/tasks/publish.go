package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/tyemirov/conveyor/internal/artifacts"
	"github.com/tyemirov/conveyor/internal/execshell"
	"github.com/tyemirov/conveyor/pkg/taskrunner"
)

const (
	publishTargetMissingMessageConstant    = "publish task requires a target"
	publishCommandMissingMessageConstant   = "publish task requires a command"
	publishDefaultDryRunArgumentConstant   = "--dry-run"
	publishDefaultTokenEnvironmentConstant = "CONVEYOR_PUBLISH_TOKEN"
	publishModeOutputConstant              = "publish_mode"
	publishTargetOutputConstant            = "target"
	publishReferenceOutputConstant         = "reference"
	publishStartedEventConstant            = "publish_started"
	publishCompletedEventConstant          = "publish_completed"
	publishFailedTemplateConstant          = "publish to %s failed: %v"
	runIDFieldConstant                     = "run_id"
	jobIDFieldConstant                     = "job_id"
	targetFieldConstant                    = "target"
	dryRunFieldConstant                    = "dry_run"
)

var (
	errPublishTargetMissing  = errors.New(publishTargetMissingMessageConstant)
	errPublishCommandMissing = errors.New(publishCommandMissingMessageConstant)
)

// PublishRequest describes one registry publication.
type PublishRequest struct {
	RunID            string
	JobID            string
	Target           string
	Version          string
	DryRun           bool
	Credential       string
	Command          []string
	DryRunArguments  []string
	TokenEnvironment string
	WorkingDirectory string
	Environment      map[string]string
	Artifacts        map[string]artifacts.Locator
}

// PublishReceipt is returned by a Publisher after a real or rehearsed publication.
type PublishReceipt struct {
	Target    string
	Reference string
	DryRun    bool
}

// Publisher pushes release artifacts to an external registry.
type Publisher interface {
	Publish(ctx context.Context, request PublishRequest) (PublishReceipt, error)
}

type publishOptions struct {
	Target           string            `mapstructure:"target"`
	Command          []string          `mapstructure:"command"`
	DryRunArguments  []string          `mapstructure:"dry_run_arguments"`
	TokenEnvironment string            `mapstructure:"token_environment"`
	WorkingDirectory string            `mapstructure:"working_directory"`
	Environment      map[string]string `mapstructure:"environment"`
}

// PublishTask selects real or dry-run publication purely from the resolved publish mode.
type PublishTask struct {
	publisher Publisher
	logger    *zap.Logger
}

// NewPublishTask builds a publish task.
func NewPublishTask(publisher Publisher, logger *zap.Logger) *PublishTask {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublishTask{publisher: publisher, logger: logger}
}

// Run publishes through the Publisher and reports the publish mode as an output.
func (task *PublishTask) Run(ctx context.Context, request taskrunner.Request) (taskrunner.Result, error) {
	var options publishOptions
	if decodeError := decodeOptions(taskKindPublishConstant, request.Options, &options); decodeError != nil {
		return taskrunner.Result{}, decodeError
	}
	target := strings.TrimSpace(options.Target)
	if len(target) == 0 {
		return taskrunner.Result{}, errPublishTargetMissing
	}

	data := newTemplateData(request)
	command, commandError := expandValues(taskKindPublishConstant, options.Command, data)
	if commandError != nil {
		return taskrunner.Result{}, commandError
	}
	environment, environmentError := expandMap(taskKindPublishConstant, options.Environment, data)
	if environmentError != nil {
		return taskrunner.Result{}, environmentError
	}

	credential, _ := request.PublishMode.Credential()
	publishRequest := PublishRequest{
		RunID:            request.RunID,
		JobID:            request.JobID,
		Target:           target,
		Version:          data.Version,
		DryRun:           request.PublishMode.IsDryRun(),
		Credential:       credential,
		Command:          command,
		DryRunArguments:  options.DryRunArguments,
		TokenEnvironment: options.TokenEnvironment,
		WorkingDirectory: options.WorkingDirectory,
		Environment:      environment,
		Artifacts:        request.ResolvedArtifacts,
	}

	task.logger.Info(publishStartedEventConstant,
		zap.String(runIDFieldConstant, request.RunID),
		zap.String(jobIDFieldConstant, request.JobID),
		zap.String(targetFieldConstant, target),
		zap.Bool(dryRunFieldConstant, publishRequest.DryRun),
	)
	receipt, publishError := task.publisher.Publish(ctx, publishRequest)
	if publishError != nil {
		var failedError execshell.CommandFailedError
		if errors.As(publishError, &failedError) {
			return taskrunner.Failed(fmt.Sprintf(publishFailedTemplateConstant, target, failedError)), nil
		}
		return taskrunner.Result{}, publishError
	}
	task.logger.Info(publishCompletedEventConstant,
		zap.String(runIDFieldConstant, request.RunID),
		zap.String(jobIDFieldConstant, request.JobID),
		zap.String(targetFieldConstant, receipt.Target),
		zap.Bool(dryRunFieldConstant, receipt.DryRun),
	)

	mode := taskrunner.PublishModeReal
	if receipt.DryRun {
		mode = taskrunner.PublishModeDryRun
	}
	return taskrunner.Succeeded(map[string]string{
		publishModeOutputConstant:      string(mode),
		publishTargetOutputConstant:    receipt.Target,
		publishReferenceOutputConstant: receipt.Reference,
	}), nil
}

// CommandPublisher publishes by running a registry client such as `cargo publish`.
// Dry runs append the dry-run arguments; real runs export the credential to the client.
type CommandPublisher struct {
	executor *execshell.ShellExecutor
}

// NewCommandPublisher builds a command publisher.
func NewCommandPublisher(executor *execshell.ShellExecutor) *CommandPublisher {
	return &CommandPublisher{executor: executor}
}

// Publish runs the configured command.
func (publisher *CommandPublisher) Publish(ctx context.Context, request PublishRequest) (PublishReceipt, error) {
	if len(request.Command) == 0 || len(strings.TrimSpace(request.Command[0])) == 0 {
		return PublishReceipt{}, errPublishCommandMissing
	}

	arguments := append([]string(nil), request.Command[1:]...)
	environment := make(map[string]string, len(request.Environment)+1)
	for name, value := range request.Environment {
		environment[name] = value
	}
	var secretValues []string
	if request.DryRun {
		dryRunArguments := request.DryRunArguments
		if len(dryRunArguments) == 0 {
			dryRunArguments = []string{publishDefaultDryRunArgumentConstant}
		}
		arguments = append(arguments, dryRunArguments...)
	} else if len(request.Credential) > 0 {
		tokenEnvironment := strings.TrimSpace(request.TokenEnvironment)
		if len(tokenEnvironment) == 0 {
			tokenEnvironment = publishDefaultTokenEnvironmentConstant
		}
		environment[tokenEnvironment] = request.Credential
		secretValues = append(secretValues, request.Credential)
	}

	executionResult, executionError := publisher.executor.Execute(ctx, execshell.ShellCommand{
		Name: execshell.CommandName(request.Command[0]),
		Details: execshell.CommandDetails{
			Arguments:            arguments,
			WorkingDirectory:     request.WorkingDirectory,
			EnvironmentVariables: environment,
			SecretValues:         secretValues,
		},
	})
	if executionError != nil {
		return PublishReceipt{}, executionError
	}

	reference := request.Version
	if firstLine := strings.TrimSpace(strings.SplitN(executionResult.StandardOutput, "\n", 2)[0]); len(firstLine) > 0 && len(reference) == 0 {
		reference = firstLine
	}
	return PublishReceipt{Target: request.Target, Reference: reference, DryRun: request.DryRun}, nil
}
