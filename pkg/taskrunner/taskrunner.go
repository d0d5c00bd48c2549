package taskrunner

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/tyemirov/conveyor/internal/artifacts"
	"github.com/tyemirov/conveyor/internal/pipeline"
)

const (
	runnerUnavailableMessageConstant = "task runner not configured"
	taskStartedEventConstant         = "task_started"
	taskFinishedEventConstant        = "task_finished"
	taskErroredEventConstant         = "task_errored"
	runIDFieldConstant               = "run_id"
	jobIDFieldConstant               = "job_id"
	taskFieldConstant                = "task"
	publishModeFieldConstant         = "publish_mode"
	durationFieldConstant            = "duration"
	summaryFieldConstant             = "summary"
)

// ErrRunnerUnavailable is returned by the fallback runner when nothing was injected.
var ErrRunnerUnavailable = errors.New(runnerUnavailableMessageConstant)

// Status is the task-reported result of a job body.
type Status string

// Task statuses.
const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Request carries everything a task needs to execute one job of a run.
type Request struct {
	RunID             string
	JobID             string
	Task              string
	Options           map[string]any
	Inputs            map[string]string
	ResolvedArtifacts map[string]artifacts.Locator
	PublishMode       PublishMode
	Trigger           pipeline.TriggerEvent
}

// PublishedArtifact is a blob a task hands back for the store to publish.
type PublishedArtifact struct {
	Name    string
	Content []byte
	Outputs map[string]string
}

// Result is returned by a task when it ran to completion.
type Result struct {
	Status             Status
	Message            string
	Outputs            map[string]string
	PublishedArtifacts []PublishedArtifact
}

// Succeeded builds a success result with the given outputs.
func Succeeded(outputs map[string]string, published ...PublishedArtifact) Result {
	return Result{Status: StatusSuccess, Outputs: outputs, PublishedArtifacts: published}
}

// Failed builds a failure result with a human-readable message.
func Failed(message string) Result {
	return Result{Status: StatusFailure, Message: message}
}

// Runner executes the body of one job. Implementations must honour context cancellation.
type Runner interface {
	Run(ctx context.Context, request Request) (Result, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, request Request) (Result, error)

// Run calls the function.
func (function RunnerFunc) Run(ctx context.Context, request Request) (Result, error) {
	return function(ctx, request)
}

// Dependencies captures providers shared by every runner built through Resolve.
type Dependencies struct {
	LoggerProvider     func() *zap.Logger
	DisableTaskLogging bool
}

// Factory constructs a Runner given shared dependencies.
type Factory func(Dependencies) Runner

// Resolve returns the factory result, or the fallback when the factory yields nothing,
// decorated with lifecycle logging.
func Resolve(factory Factory, dependencies Dependencies, fallback Runner) Runner {
	var base Runner
	if factory != nil {
		base = factory(dependencies)
	}
	if base == nil {
		base = fallback
	}
	if base == nil {
		base = RunnerFunc(func(context.Context, Request) (Result, error) {
			return Result{}, ErrRunnerUnavailable
		})
	}
	if dependencies.DisableTaskLogging {
		return base
	}
	return loggingRunner{
		delegate: base,
		logger:   resolveLogger(dependencies.LoggerProvider),
	}
}

type loggingRunner struct {
	delegate Runner
	logger   *zap.Logger
}

func (runner loggingRunner) Run(ctx context.Context, request Request) (Result, error) {
	fields := []zap.Field{
		zap.String(runIDFieldConstant, request.RunID),
		zap.String(jobIDFieldConstant, request.JobID),
		zap.String(taskFieldConstant, request.Task),
	}
	if request.PublishMode.Gated() {
		fields = append(fields, zap.String(publishModeFieldConstant, request.PublishMode.String()))
	}
	runner.logger.Debug(taskStartedEventConstant, fields...)

	startTime := time.Now()
	result, runError := runner.delegate.Run(ctx, request)
	fields = append(fields, zap.Duration(durationFieldConstant, time.Since(startTime)))
	if runError != nil {
		runner.logger.Warn(taskErroredEventConstant, append(fields, zap.Error(runError))...)
		return result, runError
	}
	runner.logger.Debug(taskFinishedEventConstant, append(fields, zap.String(summaryFieldConstant, RenderSummaryLine(result)))...)
	return result, nil
}

func resolveLogger(provider func() *zap.Logger) *zap.Logger {
	if provider == nil {
		return zap.NewNop()
	}
	logger := provider()
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}
