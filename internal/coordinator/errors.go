package coordinator

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tyemirov/conveyor/internal/pipeline"
)

const (
	illegalTransitionMessageConstant   = "illegal job state transition"
	transitionErrorTemplateConstant    = "job %q cannot move from %s to %s: %v"
	timeoutErrorTemplateConstant       = "job %q exceeded its timeout of %s"
	taskFailureTemplateConstant        = "job %q task %q failed: %s"
	taskErrorTemplateConstant          = "job %q task %q failed: %v"
	contractViolationTemplateConstant  = "job %q finished without publishing declared artifacts: %s"
	pipelineMissingMessageConstant     = "coordinator requires a pipeline"
	runnerMissingMessageConstant       = "coordinator requires a task runner"
	storeMissingMessageConstant        = "coordinator requires an artifact store"
	unknownTriggerTemplateConstant     = "unknown trigger kind %q"
	groupTemplateParseTemplateConstant = "invalid concurrency group template %q: %w"
	groupKeyTemplateConstant           = "failed to derive concurrency group for ref %q: %w"
	submitClosedMessageConstant        = "coordinator is shut down"
	runNotFoundMessageConstant         = "run not found"
	runLookupTemplateConstant          = "run %q: %w"
)

var (
	// ErrIllegalTransition is returned when a job instance is asked to leave a terminal state
	// or to skip a step of its lifecycle.
	ErrIllegalTransition = errors.New(illegalTransitionMessageConstant)
	// ErrPipelineMissing indicates that the coordinator was built without a pipeline.
	ErrPipelineMissing = errors.New(pipelineMissingMessageConstant)
	// ErrRunnerMissing indicates that the coordinator was built without a task runner.
	ErrRunnerMissing = errors.New(runnerMissingMessageConstant)
	// ErrStoreMissing indicates that the coordinator was built without an artifact store.
	ErrStoreMissing = errors.New(storeMissingMessageConstant)
	// ErrCoordinatorClosed is returned by Submit after Shutdown.
	ErrCoordinatorClosed = errors.New(submitClosedMessageConstant)
	// ErrRunNotFound indicates an unknown or expired run identifier.
	ErrRunNotFound = errors.New(runNotFoundMessageConstant)
)

// TransitionError describes a rejected job state change.
type TransitionError struct {
	JobID string
	From  pipeline.JobState
	To    pipeline.JobState
}

func (transitionError *TransitionError) Error() string {
	return fmt.Sprintf(transitionErrorTemplateConstant, transitionError.JobID, transitionError.From, transitionError.To, ErrIllegalTransition)
}

// Unwrap exposes ErrIllegalTransition.
func (transitionError *TransitionError) Unwrap() error {
	return ErrIllegalTransition
}

// TimeoutError reports a job that ran longer than its timeout.
type TimeoutError struct {
	JobID   string
	Timeout time.Duration
}

func (timeoutError *TimeoutError) Error() string {
	return fmt.Sprintf(timeoutErrorTemplateConstant, timeoutError.JobID, timeoutError.Timeout)
}

// TaskFailureError reports a task that returned an error or a failure status.
type TaskFailureError struct {
	JobID   string
	Task    string
	Message string
	Cause   error
}

func (failureError *TaskFailureError) Error() string {
	if failureError.Cause != nil {
		return fmt.Sprintf(taskErrorTemplateConstant, failureError.JobID, failureError.Task, failureError.Cause)
	}
	return fmt.Sprintf(taskFailureTemplateConstant, failureError.JobID, failureError.Task, failureError.Message)
}

// Unwrap returns the underlying task error, if any.
func (failureError *TaskFailureError) Unwrap() error {
	return failureError.Cause
}

// ContractViolationError reports a job that succeeded without publishing every declared artifact.
type ContractViolationError struct {
	JobID   string
	Missing []string
}

func (violationError *ContractViolationError) Error() string {
	return fmt.Sprintf(contractViolationTemplateConstant, violationError.JobID, strings.Join(violationError.Missing, ", "))
}
