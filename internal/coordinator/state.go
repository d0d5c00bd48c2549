package coordinator

import (
	"sync"
	"time"

	"github.com/tyemirov/conveyor/internal/gate"
	"github.com/tyemirov/conveyor/internal/pipeline"
	"github.com/tyemirov/conveyor/pkg/taskrunner"
)

var allowedTransitions = map[pipeline.JobState][]pipeline.JobState{
	pipeline.JobStatePending: {pipeline.JobStateBlocked, pipeline.JobStateCancelled},
	pipeline.JobStateBlocked: {pipeline.JobStateReady, pipeline.JobStateSkipped, pipeline.JobStateCancelled},
	pipeline.JobStateReady:   {pipeline.JobStateRunning, pipeline.JobStateCancelled},
	pipeline.JobStateRunning: {pipeline.JobStateSuccess, pipeline.JobStateFailure, pipeline.JobStateCancelled},
}

// CanTransition reports whether a job instance may move from one state to another.
func CanTransition(from pipeline.JobState, to pipeline.JobState) bool {
	for _, candidate := range allowedTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// instanceUpdate carries the optional details recorded with a transition.
type instanceUpdate struct {
	reason      gate.SkipReason
	detail      string
	err         error
	publishMode taskrunner.PublishMode
	outputs     map[string]string
}

type instance struct {
	job         *pipeline.Job
	state       pipeline.JobState
	reason      gate.SkipReason
	detail      string
	err         error
	publishMode taskrunner.PublishMode
	outputs     map[string]string
	startedAt   time.Time
	finishedAt  time.Time
}

// instanceTable holds the job instances of one run.
type instanceTable struct {
	now   func() time.Time
	mutex sync.RWMutex
	order []string
	byID  map[string]*instance
}

func newInstanceTable(jobs []*pipeline.Job, now func() time.Time) *instanceTable {
	table := &instanceTable{now: now, order: make([]string, 0, len(jobs)), byID: make(map[string]*instance, len(jobs))}
	for _, job := range jobs {
		table.order = append(table.order, job.ID())
		table.byID[job.ID()] = &instance{job: job, state: pipeline.JobStatePending}
	}
	return table
}

// transition moves one instance to the next state, rejecting anything the lifecycle forbids.
func (table *instanceTable) transition(jobID string, to pipeline.JobState, update instanceUpdate) error {
	table.mutex.Lock()
	defer table.mutex.Unlock()

	current := table.byID[jobID]
	if current == nil || !CanTransition(current.state, to) {
		from := pipeline.JobState("")
		if current != nil {
			from = current.state
		}
		return &TransitionError{JobID: jobID, From: from, To: to}
	}

	current.state = to
	if len(update.reason) > 0 {
		current.reason = update.reason
	}
	if len(update.detail) > 0 {
		current.detail = update.detail
	}
	if update.err != nil {
		current.err = update.err
	}
	if update.publishMode.Gated() {
		current.publishMode = update.publishMode
	}
	if update.outputs != nil {
		current.outputs = update.outputs
	}
	now := table.now()
	if to == pipeline.JobStateRunning {
		current.startedAt = now
	}
	if to.IsTerminal() {
		current.finishedAt = now
	}
	return nil
}

// cancelPending moves every non-terminal instance to cancelled and returns their ids.
func (table *instanceTable) cancelPending(detail string) []string {
	table.mutex.Lock()
	defer table.mutex.Unlock()

	cancelled := make([]string, 0)
	now := table.now()
	for _, jobID := range table.order {
		current := table.byID[jobID]
		if current.state.IsTerminal() {
			continue
		}
		current.state = pipeline.JobStateCancelled
		current.detail = detail
		current.finishedAt = now
		cancelled = append(cancelled, jobID)
	}
	return cancelled
}

func (table *instanceTable) state(jobID string) pipeline.JobState {
	table.mutex.RLock()
	defer table.mutex.RUnlock()
	if current := table.byID[jobID]; current != nil {
		return current.state
	}
	return ""
}

// upstream collects the outcomes of the job's direct dependencies for gate evaluation.
func (table *instanceTable) upstream(job *pipeline.Job) map[string]gate.UpstreamOutcome {
	table.mutex.RLock()
	defer table.mutex.RUnlock()

	outcomes := make(map[string]gate.UpstreamOutcome, len(job.Needs()))
	for _, dependencyID := range job.Needs() {
		dependency := table.byID[dependencyID]
		if dependency == nil {
			continue
		}
		outcomes[dependencyID] = gate.UpstreamOutcome{State: dependency.state, Optional: dependency.job.Optional()}
	}
	return outcomes
}

// neededOutputs returns the outputs of successful direct dependencies keyed as needs.<job>.outputs.<key>.
func (table *instanceTable) neededOutputs(job *pipeline.Job) map[string]string {
	table.mutex.RLock()
	defer table.mutex.RUnlock()

	inputs := make(map[string]string)
	for _, dependencyID := range job.Needs() {
		dependency := table.byID[dependencyID]
		if dependency == nil || dependency.state != pipeline.JobStateSuccess {
			continue
		}
		for key, value := range dependency.outputs {
			inputs[taskrunner.NeedsInputKey(dependencyID, key)] = value
		}
	}
	return inputs
}

func (table *instanceTable) jobResult(jobID string) JobResult {
	table.mutex.RLock()
	defer table.mutex.RUnlock()
	return table.byID[jobID].result()
}

func (table *instanceTable) snapshot() ([]string, map[string]JobResult) {
	table.mutex.RLock()
	defer table.mutex.RUnlock()

	jobs := make(map[string]JobResult, len(table.order))
	for _, jobID := range table.order {
		jobs[jobID] = table.byID[jobID].result()
	}
	return append([]string(nil), table.order...), jobs
}

func (current *instance) result() JobResult {
	jobResult := JobResult{
		State:      current.state,
		Reason:     string(current.reason),
		Detail:     current.detail,
		Err:        current.err,
		Outputs:    copyStrings(current.outputs),
		Required:   current.job.Required(),
		StartedAt:  current.startedAt,
		FinishedAt: current.finishedAt,
	}
	if current.err != nil {
		jobResult.Error = current.err.Error()
	}
	if current.publishMode.Gated() {
		jobResult.PublishMode = current.publishMode.String()
	}
	if !current.startedAt.IsZero() && !current.finishedAt.IsZero() {
		jobResult.Duration = current.finishedAt.Sub(current.startedAt)
	}
	return jobResult
}

func copyStrings(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	copied := make(map[string]string, len(values))
	for key, value := range values {
		copied[key] = value
	}
	return copied
}
