package tasks

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/tyemirov/conveyor/internal/execshell"
	"github.com/tyemirov/conveyor/pkg/taskrunner"
)

const (
	commandMissingMessageConstant       = "command task requires a non-empty command"
	commandArtifactReadTemplateConstant = "command task could not read artifact %q from %s: %w"
)

var errCommandMissing = errors.New(commandMissingMessageConstant)

type commandOptions struct {
	Command          []string          `mapstructure:"command"`
	WorkingDirectory string            `mapstructure:"working_directory"`
	Environment      map[string]string `mapstructure:"environment"`
	Artifacts        map[string]string `mapstructure:"artifacts"`
	CaptureOutput    string            `mapstructure:"capture_output"`
	Outputs          map[string]string `mapstructure:"outputs"`
}

// CommandTask runs an external command and publishes files it produced as artifacts.
type CommandTask struct {
	executor   *execshell.ShellExecutor
	fileSystem afero.Fs
}

// NewCommandTask builds a command task.
func NewCommandTask(executor *execshell.ShellExecutor, fileSystem afero.Fs) *CommandTask {
	return &CommandTask{executor: executor, fileSystem: fileSystem}
}

// Run executes the configured command. A non-zero exit is a task failure, not an error.
func (task *CommandTask) Run(ctx context.Context, request taskrunner.Request) (taskrunner.Result, error) {
	var options commandOptions
	if decodeError := decodeOptions(taskKindCommandConstant, request.Options, &options); decodeError != nil {
		return taskrunner.Result{}, decodeError
	}
	if len(options.Command) == 0 || len(strings.TrimSpace(options.Command[0])) == 0 {
		return taskrunner.Result{}, errCommandMissing
	}

	data := newTemplateData(request)
	arguments, expandError := expandValues(taskKindCommandConstant, options.Command, data)
	if expandError != nil {
		return taskrunner.Result{}, expandError
	}
	configuredEnvironment, environmentError := expandMap(taskKindCommandConstant, options.Environment, data)
	if environmentError != nil {
		return taskrunner.Result{}, environmentError
	}
	staticOutputs, outputsError := expandMap(taskKindCommandConstant, options.Outputs, data)
	if outputsError != nil {
		return taskrunner.Result{}, outputsError
	}

	environment := requestEnvironment(request)
	for name, value := range configuredEnvironment {
		environment[name] = value
	}

	executionResult, executionError := task.executor.Execute(ctx, execshell.ShellCommand{
		Name: execshell.CommandName(arguments[0]),
		Details: execshell.CommandDetails{
			Arguments:            arguments[1:],
			WorkingDirectory:     options.WorkingDirectory,
			EnvironmentVariables: environment,
		},
	})
	if executionError != nil {
		var failedError execshell.CommandFailedError
		if errors.As(executionError, &failedError) {
			return taskrunner.Failed(failedError.Error()), nil
		}
		return taskrunner.Result{}, executionError
	}

	outputs := make(map[string]string, len(staticOutputs)+1)
	for key, value := range staticOutputs {
		outputs[key] = value
	}
	if captureKey := strings.TrimSpace(options.CaptureOutput); len(captureKey) > 0 {
		outputs[captureKey] = strings.TrimSpace(executionResult.StandardOutput)
	}

	published := make([]taskrunner.PublishedArtifact, 0, len(options.Artifacts))
	for _, name := range sortedNames(options.Artifacts) {
		artifactPath := options.Artifacts[name]
		if !filepath.IsAbs(artifactPath) && len(options.WorkingDirectory) > 0 {
			artifactPath = filepath.Join(options.WorkingDirectory, artifactPath)
		}
		content, readError := afero.ReadFile(task.fileSystem, artifactPath)
		if readError != nil {
			return taskrunner.Failed(fmt.Errorf(commandArtifactReadTemplateConstant, name, artifactPath, readError).Error()), nil
		}
		published = append(published, taskrunner.PublishedArtifact{Name: name, Content: content})
	}

	return taskrunner.Succeeded(outputs, published...), nil
}
