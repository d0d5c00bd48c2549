package coordinator

import (
	"time"

	"github.com/tyemirov/conveyor/internal/artifacts"
	"github.com/tyemirov/conveyor/internal/gate"
	"github.com/tyemirov/conveyor/internal/pipeline"
	"github.com/tyemirov/conveyor/pkg/taskrunner"
)

// Outcome is the aggregated result of a run.
type Outcome string

// Run outcomes.
const (
	OutcomePending   Outcome = "pending"
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeCancelled Outcome = "cancelled"
)

// IsFinal reports whether the run has finished.
func (outcome Outcome) IsFinal() bool {
	return outcome != OutcomePending && len(outcome) > 0
}

// JobResult reports the final or current state of one job instance.
type JobResult struct {
	State       pipeline.JobState `json:"state" yaml:"state"`
	Reason      string            `json:"reason,omitempty" yaml:"reason,omitempty"`
	Detail      string            `json:"detail,omitempty" yaml:"detail,omitempty"`
	Error       string            `json:"error,omitempty" yaml:"error,omitempty"`
	PublishMode string            `json:"publish_mode,omitempty" yaml:"publish_mode,omitempty"`
	Outputs     map[string]string `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Required    bool              `json:"required" yaml:"required"`
	StartedAt   time.Time         `json:"started_at,omitzero" yaml:"started_at,omitempty"`
	FinishedAt  time.Time         `json:"finished_at,omitzero" yaml:"finished_at,omitempty"`
	Duration    time.Duration     `json:"duration,omitempty" yaml:"duration,omitempty"`
	Err         error             `json:"-" yaml:"-"`
}

// DryRun reports whether the job ran in rehearsal mode because its secret was absent.
func (jobResult JobResult) DryRun() bool {
	return jobResult.PublishMode == string(taskrunner.PublishModeDryRun)
}

// Result is the run result surface.
type Result struct {
	RunID        string                       `json:"run_id" yaml:"run_id"`
	Pipeline     string                       `json:"pipeline" yaml:"pipeline"`
	Trigger      pipeline.TriggerKind         `json:"trigger" yaml:"trigger"`
	Ref          string                       `json:"ref" yaml:"ref"`
	GroupKey     string                       `json:"group_key,omitempty" yaml:"group_key,omitempty"`
	Outcome      Outcome                      `json:"outcome" yaml:"outcome"`
	CancelReason string                       `json:"cancel_reason,omitempty" yaml:"cancel_reason,omitempty"`
	StartedAt    time.Time                    `json:"started_at" yaml:"started_at"`
	FinishedAt   time.Time                    `json:"finished_at,omitzero" yaml:"finished_at,omitempty"`
	JobOrder     []string                     `json:"job_order" yaml:"job_order"`
	Jobs         map[string]JobResult         `json:"jobs" yaml:"jobs"`
	Artifacts    map[string]artifacts.Locator `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
}

// DryRunJobs lists the jobs that succeeded in dry-run publish mode, in declaration order.
func (result Result) DryRunJobs() []string {
	dryRunJobs := make([]string, 0)
	for _, jobID := range result.JobOrder {
		if jobResult := result.Jobs[jobID]; jobResult.DryRun() && jobResult.State == pipeline.JobStateSuccess {
			dryRunJobs = append(dryRunJobs, jobID)
		}
	}
	return dryRunJobs
}

// JobsInState lists the jobs currently in the state, in declaration order.
func (result Result) JobsInState(state pipeline.JobState) []string {
	matching := make([]string, 0)
	for _, jobID := range result.JobOrder {
		if result.Jobs[jobID].State == state {
			matching = append(matching, jobID)
		}
	}
	return matching
}

// decideOutcome aggregates job states. A required job that failed, or that was skipped
// because something upstream failed, fails the run. Condition skips never do.
func decideOutcome(cancelled bool, jobs map[string]JobResult) Outcome {
	if cancelled {
		return OutcomeCancelled
	}
	for _, jobResult := range jobs {
		if !jobResult.Required {
			continue
		}
		if jobResult.State == pipeline.JobStateFailure {
			return OutcomeFailure
		}
		if jobResult.State == pipeline.JobStateSkipped && jobResult.Reason == string(gate.SkipReasonUpstreamFailed) {
			return OutcomeFailure
		}
	}
	return OutcomeSuccess
}
