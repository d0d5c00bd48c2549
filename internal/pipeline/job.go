package pipeline

import (
	"time"
)

// Condition is a pure predicate over the run context and upstream outcomes.
// Every populated clause must hold for the condition to be true; an empty condition is always true.
type Condition struct {
	Triggers       []TriggerKind         `yaml:"trigger,omitempty"`
	RefPatterns    []string              `yaml:"ref,omitempty"`
	RefRegex       string                `yaml:"ref_regex,omitempty"`
	VersionTag     bool                  `yaml:"version_tag,omitempty"`
	SecretsPresent []string              `yaml:"secrets_present,omitempty"`
	SecretsAbsent  []string              `yaml:"secrets_absent,omitempty"`
	NeedsOutcome   map[string][]JobState `yaml:"needs_outcome,omitempty"`
}

// JobSpec declares a job before it is added to a graph.
type JobSpec struct {
	ID           string
	Needs        []string
	Condition    Condition
	Task         string
	Options      map[string]any
	Produces     []string
	Consumes     []string
	AlwaysRun    bool
	Optional     bool
	AllowFailure bool
	Secret       string
	Timeout      time.Duration
}

// Job is a node stored in the graph arena.
type Job struct {
	index        int
	spec         JobSpec
	dependencies []int
}

// ID returns the job identifier.
func (job *Job) ID() string { return job.spec.ID }

// Index returns the declaration position of the job.
func (job *Job) Index() int { return job.index }

// Spec returns a copy of the job declaration.
func (job *Job) Spec() JobSpec {
	spec := job.spec
	spec.Needs = append([]string(nil), job.spec.Needs...)
	spec.Produces = append([]string(nil), job.spec.Produces...)
	spec.Consumes = append([]string(nil), job.spec.Consumes...)
	return spec
}

// Needs returns the identifiers of the direct dependencies in declaration order.
func (job *Job) Needs() []string { return append([]string(nil), job.spec.Needs...) }

// Condition returns the gate predicate.
func (job *Job) Condition() Condition { return job.spec.Condition }

// Task returns the task kind executed by the job.
func (job *Job) Task() string { return job.spec.Task }

// Options returns the task options.
func (job *Job) Options() map[string]any { return job.spec.Options }

// Produces returns the artifact names the job declares it publishes.
func (job *Job) Produces() []string { return append([]string(nil), job.spec.Produces...) }

// Consumes returns the artifact names the job resolves before running.
func (job *Job) Consumes() []string { return append([]string(nil), job.spec.Consumes...) }

// AlwaysRun reports whether the job runs after failed or skipped dependencies.
func (job *Job) AlwaysRun() bool { return job.spec.AlwaysRun }

// Optional reports whether a skip of this job leaves its dependents eligible.
func (job *Job) Optional() bool { return job.spec.Optional }

// Required reports whether the job's failure affects the run outcome.
func (job *Job) Required() bool { return !job.spec.AllowFailure }

// Secret returns the credential name that selects the publish mode.
func (job *Job) Secret() string { return job.spec.Secret }

// Timeout returns the per-job timeout; zero means the coordinator default applies.
func (job *Job) Timeout() time.Duration { return job.spec.Timeout }
