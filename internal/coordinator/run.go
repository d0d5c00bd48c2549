package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/tyemirov/conveyor/internal/artifacts"
	"github.com/tyemirov/conveyor/internal/pipeline"
)

// run owns the job instances and artifacts of one pipeline execution.
type run struct {
	id        string
	pipeline  *pipeline.Pipeline
	trigger   pipeline.TriggerEvent
	groupKey  string
	startedAt time.Time
	table     *instanceTable
	artifacts *artifacts.RunArtifacts

	context context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	mutex        sync.Mutex
	cancelled    bool
	cancelReason string
	finalized    bool
	finishedAt   time.Time
	outcome      Outcome
}

// requestCancel marks every unfinished job cancelled and stops in-flight tasks.
// It returns false when the run already finished or was already cancelled.
func (current *run) requestCancel(reason string) bool {
	current.mutex.Lock()
	if current.finalized || current.cancelled {
		current.mutex.Unlock()
		return false
	}
	current.cancelled = true
	current.cancelReason = reason
	current.table.cancelPending(reason)
	current.mutex.Unlock()

	current.cancel()
	return true
}

// finalize fixes the outcome. It runs once, inside the group's critical section when grouped.
func (current *run) finalize(now time.Time) (Outcome, time.Time) {
	current.mutex.Lock()
	defer current.mutex.Unlock()
	if current.finalized {
		return current.outcome, current.finishedAt
	}
	_, jobs := current.table.snapshot()
	current.outcome = decideOutcome(current.cancelled, jobs)
	current.finalized = true
	current.finishedAt = now
	return current.outcome, current.finishedAt
}

func (current *run) isFinalized() bool {
	current.mutex.Lock()
	defer current.mutex.Unlock()
	return current.finalized
}

// result assembles the result surface. In-progress runs report OutcomePending.
func (current *run) result() Result {
	current.mutex.Lock()
	outcome := OutcomePending
	if current.finalized {
		outcome = current.outcome
	}
	cancelReason := current.cancelReason
	finishedAt := current.finishedAt
	current.mutex.Unlock()

	order, jobs := current.table.snapshot()
	return Result{
		RunID:        current.id,
		Pipeline:     current.pipeline.Name,
		Trigger:      current.trigger.Kind,
		Ref:          current.trigger.Ref,
		GroupKey:     current.groupKey,
		Outcome:      outcome,
		CancelReason: cancelReason,
		StartedAt:    current.startedAt,
		FinishedAt:   finishedAt,
		JobOrder:     order,
		Jobs:         jobs,
		Artifacts:    current.artifacts.Locators(),
	}
}
