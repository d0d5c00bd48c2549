package artifacts

import (
	"errors"
	"fmt"
)

const (
	duplicateArtifactTemplateConstant  = "job %q already published artifact %q"
	notFoundTemplateConstant           = "artifact %q is not available"
	notFoundConsumerTemplateConstant   = "artifact %q consumed by job %q is not produced by any completed ancestor"
	backendMissingMessageConstant      = "artifact store backend not configured"
	artifactNameMissingMessageConstant = "artifact name not provided"
	producerMissingMessageConstant     = "artifact producer job not provided"
	runClosedTemplateConstant          = "artifact run %q is closed"
	invalidKeyTemplateConstant         = "artifact %s %q is not a valid path segment"
	keyFieldRunConstant                = "run"
	keyFieldJobConstant                = "job"
	keyFieldNameConstant               = "name"
)

var (
	// ErrBackendNotConfigured indicates a store was built without a blob backend.
	ErrBackendNotConfigured = errors.New(backendMissingMessageConstant)
	// ErrArtifactNameMissing indicates an empty artifact name.
	ErrArtifactNameMissing = errors.New(artifactNameMissingMessageConstant)
	// ErrProducerMissing indicates an empty producer job identifier.
	ErrProducerMissing = errors.New(producerMissingMessageConstant)
)

// DuplicateArtifactError reports a second publication of the same (job, name) pair.
type DuplicateArtifactError struct {
	JobID string
	Name  string
}

func (duplicateError *DuplicateArtifactError) Error() string {
	return fmt.Sprintf(duplicateArtifactTemplateConstant, duplicateError.JobID, duplicateError.Name)
}

// NotFoundError reports an artifact that no visible completed job published.
type NotFoundError struct {
	Name     string
	Consumer string
}

func (notFoundError *NotFoundError) Error() string {
	if len(notFoundError.Consumer) > 0 {
		return fmt.Sprintf(notFoundConsumerTemplateConstant, notFoundError.Name, notFoundError.Consumer)
	}
	return fmt.Sprintf(notFoundTemplateConstant, notFoundError.Name)
}

// RunClosedError reports a publication attempted after the run finished.
type RunClosedError struct {
	RunID string
}

func (closedError *RunClosedError) Error() string {
	return fmt.Sprintf(runClosedTemplateConstant, closedError.RunID)
}

// InvalidKeyError reports a run, job or artifact name that cannot address a blob, such as "..".
type InvalidKeyError struct {
	Field string
	Value string
}

func (keyError *InvalidKeyError) Error() string {
	return fmt.Sprintf(invalidKeyTemplateConstant, keyError.Field, keyError.Value)
}
