package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

const (
	jobIdentifierMissingMessageConstant = "pipeline job identifier not provided"
	jobTaskMissingTemplateConstant      = "pipeline job %q does not name a task"
	duplicateJobTemplateConstant        = "pipeline job %q defined multiple times"
	unknownDependencyTemplateConstant   = "pipeline job %q depends on unknown job %q"
	cycleTemplateConstant               = "pipeline jobs form a dependency cycle: %s"
	validationTemplateConstant          = "pipeline %q failed validation"
	unknownOutcomeJobTemplateConstant   = "pipeline job %q conditions on outcome of %q which is not a dependency"
	invalidOutcomeStateTemplateConstant = "pipeline job %q conditions on invalid state %q"
	invalidRefRegexTemplateConstant     = "pipeline job %q has invalid ref_regex: %w"
	ambiguousArtifactTemplateConstant   = "pipeline job %q consumes artifact %q produced by multiple ancestors (%s)"
)

// ErrJobIdentifierMissing indicates that a job spec carried an empty identifier.
var ErrJobIdentifierMissing = errors.New(jobIdentifierMissingMessageConstant)

// DuplicateJobError reports a repeated job identifier.
type DuplicateJobError struct {
	JobID string
}

func (duplicateError *DuplicateJobError) Error() string {
	return fmt.Sprintf(duplicateJobTemplateConstant, duplicateError.JobID)
}

// UnknownDependencyError reports a dependency that was not declared before the dependent job.
type UnknownDependencyError struct {
	JobID        string
	DependencyID string
}

func (dependencyError *UnknownDependencyError) Error() string {
	return fmt.Sprintf(unknownDependencyTemplateConstant, dependencyError.JobID, dependencyError.DependencyID)
}

// CycleError names the jobs forming a dependency cycle in traversal order.
type CycleError struct {
	Members []string
}

func (cycleError *CycleError) Error() string {
	if len(cycleError.Members) == 0 {
		return fmt.Sprintf(cycleTemplateConstant, "")
	}
	path := append(append([]string(nil), cycleError.Members...), cycleError.Members[0])
	return fmt.Sprintf(cycleTemplateConstant, strings.Join(path, " -> "))
}

// ValidationError aggregates static problems found before any run starts.
type ValidationError struct {
	Pipeline string
	Problems []error
}

func (validationError *ValidationError) Error() string {
	messages := make([]string, 0, len(validationError.Problems))
	for _, problem := range validationError.Problems {
		messages = append(messages, problem.Error())
	}
	return fmt.Sprintf(validationTemplateConstant, validationError.Pipeline) + ": " + strings.Join(messages, "; ")
}

// Unwrap exposes the individual problems to errors.Is and errors.As.
func (validationError *ValidationError) Unwrap() []error {
	return validationError.Problems
}
