package pipeline

// JobState is the lifecycle state of one job instance inside a run.
type JobState string

// Job instance states.
const (
	JobStatePending   JobState = "pending"
	JobStateBlocked   JobState = "blocked"
	JobStateReady     JobState = "ready"
	JobStateRunning   JobState = "running"
	JobStateSuccess   JobState = "success"
	JobStateFailure   JobState = "failure"
	JobStateSkipped   JobState = "skipped"
	JobStateCancelled JobState = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed from the state.
func (state JobState) IsTerminal() bool {
	switch state {
	case JobStateSuccess, JobStateFailure, JobStateSkipped, JobStateCancelled:
		return true
	default:
		return false
	}
}
