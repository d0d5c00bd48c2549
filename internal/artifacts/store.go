package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	digestPrefixConstant           = "sha256:"
	artifactPublishedEventConstant = "artifact_published"
	artifactRunPrunedEventConstant = "artifact_run_pruned"
	runIDFieldConstant             = "run_id"
	jobIDFieldConstant             = "job_id"
	artifactFieldConstant          = "artifact"
	sizeFieldConstant              = "size"
	qualifiedNameSeparatorConstant = "/"
)

// Locator points at a stored blob.
type Locator struct {
	URI    string `json:"uri" yaml:"uri"`
	Digest string `json:"digest" yaml:"digest"`
	Size   int64  `json:"size" yaml:"size"`
}

// Artifact is an immutable blob published by one job of a run.
type Artifact struct {
	Name        string            `json:"name" yaml:"name"`
	Producer    string            `json:"producer" yaml:"producer"`
	Locator     Locator           `json:"locator" yaml:"locator"`
	Outputs     map[string]string `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	PublishedAt time.Time         `json:"published_at" yaml:"published_at"`
}

// Resolver finds artifacts by name.
type Resolver interface {
	Resolve(name string) (Artifact, error)
}

// Store owns the artifacts of every run and expires closed runs after the retention window.
type Store struct {
	backend   Backend
	retention time.Duration
	now       func() time.Time
	logger    *zap.Logger

	mutex sync.Mutex
	runs  map[string]*RunArtifacts
}

// StoreOption customizes a Store during construction.
type StoreOption func(*Store)

// WithClock overrides the clock used for timestamps and retention.
func WithClock(clock func() time.Time) StoreOption {
	return func(store *Store) {
		if clock != nil {
			store.now = clock
		}
	}
}

// WithRetention sets how long closed runs are kept; zero keeps them until the process exits.
func WithRetention(retention time.Duration) StoreOption {
	return func(store *Store) {
		store.retention = retention
	}
}

// WithLogger attaches a diagnostic logger.
func WithLogger(logger *zap.Logger) StoreOption {
	return func(store *Store) {
		if logger != nil {
			store.logger = logger
		}
	}
}

// NewStore builds a store writing blobs to the backend.
func NewStore(backend Backend, options ...StoreOption) (*Store, error) {
	if backend == nil {
		return nil, ErrBackendNotConfigured
	}
	store := &Store{
		backend: backend,
		now:     time.Now,
		logger:  zap.NewNop(),
		runs:    make(map[string]*RunArtifacts),
	}
	for _, option := range options {
		option(store)
	}
	return store, nil
}

// Begin returns the artifact scope of a run, creating it on first use.
func (store *Store) Begin(runID string) *RunArtifacts {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if existing, exists := store.runs[runID]; exists {
		return existing
	}
	runArtifacts := &RunArtifacts{
		runID:     runID,
		store:     store,
		published: make(map[publicationKey]Artifact),
		completed: make(map[string]struct{}),
	}
	store.runs[runID] = runArtifacts
	return runArtifacts
}

// Open reads the blob behind a locator.
func (store *Store) Open(locator Locator) ([]byte, error) {
	return store.backend.Read(locator.URI)
}

// Prune removes closed runs whose retention window elapsed and returns their identifiers.
func (store *Store) Prune() ([]string, error) {
	if store.retention <= 0 {
		return nil, nil
	}

	now := store.now()
	store.mutex.Lock()
	expired := make([]string, 0)
	for runID, runArtifacts := range store.runs {
		closedAt, closed := runArtifacts.closedAt()
		if !closed || now.Sub(closedAt) < store.retention {
			continue
		}
		expired = append(expired, runID)
		delete(store.runs, runID)
	}
	store.mutex.Unlock()

	var removalErrors []error
	for _, runID := range expired {
		if removeError := store.backend.RemoveRun(runID); removeError != nil {
			removalErrors = append(removalErrors, removeError)
			continue
		}
		store.logger.Info(artifactRunPrunedEventConstant, zap.String(runIDFieldConstant, runID))
	}
	return expired, errors.Join(removalErrors...)
}

type publicationKey struct {
	jobID string
	name  string
}

// RunArtifacts is the artifact scope of a single run.
type RunArtifacts struct {
	runID     string
	store     *Store

	mutex      sync.RWMutex
	published  map[publicationKey]Artifact
	order      []publicationKey
	completed  map[string]struct{}
	closed     bool
	closedTime time.Time
}

// RunID returns the owning run identifier.
func (runArtifacts *RunArtifacts) RunID() string { return runArtifacts.runID }

// Publish stores the content as an artifact of the job.
// It returns a *DuplicateArtifactError when the job already published the name.
func (runArtifacts *RunArtifacts) Publish(jobID string, name string, content []byte, outputs map[string]string) (Locator, error) {
	trimmedJobID := strings.TrimSpace(jobID)
	trimmedName := strings.TrimSpace(name)
	if len(trimmedJobID) == 0 {
		return Locator{}, ErrProducerMissing
	}
	if len(trimmedName) == 0 {
		return Locator{}, ErrArtifactNameMissing
	}

	runArtifacts.mutex.Lock()
	defer runArtifacts.mutex.Unlock()

	if runArtifacts.closed {
		return Locator{}, &RunClosedError{RunID: runArtifacts.runID}
	}
	key := publicationKey{jobID: trimmedJobID, name: trimmedName}
	if _, exists := runArtifacts.published[key]; exists {
		return Locator{}, &DuplicateArtifactError{JobID: trimmedJobID, Name: trimmedName}
	}

	uri, writeError := runArtifacts.store.backend.Write(Key{RunID: runArtifacts.runID, JobID: trimmedJobID, Name: trimmedName}, content)
	if writeError != nil {
		return Locator{}, writeError
	}

	checksum := sha256.Sum256(content)
	locator := Locator{
		URI:    uri,
		Digest: digestPrefixConstant + hex.EncodeToString(checksum[:]),
		Size:   int64(len(content)),
	}
	runArtifacts.published[key] = Artifact{
		Name:        trimmedName,
		Producer:    trimmedJobID,
		Locator:     locator,
		Outputs:     copyOutputs(outputs),
		PublishedAt: runArtifacts.store.now(),
	}
	runArtifacts.order = append(runArtifacts.order, key)

	runArtifacts.store.logger.Debug(artifactPublishedEventConstant,
		zap.String(runIDFieldConstant, runArtifacts.runID),
		zap.String(jobIDFieldConstant, trimmedJobID),
		zap.String(artifactFieldConstant, trimmedName),
		zap.Int64(sizeFieldConstant, locator.Size),
	)
	return locator, nil
}

// MarkCompleted makes the job's artifacts resolvable.
func (runArtifacts *RunArtifacts) MarkCompleted(jobID string) {
	runArtifacts.mutex.Lock()
	defer runArtifacts.mutex.Unlock()
	runArtifacts.completed[jobID] = struct{}{}
}

// PublishedBy returns the names the job published, in publication order.
func (runArtifacts *RunArtifacts) PublishedBy(jobID string) []string {
	runArtifacts.mutex.RLock()
	defer runArtifacts.mutex.RUnlock()

	names := make([]string, 0)
	for _, key := range runArtifacts.order {
		if key.jobID == jobID {
			names = append(names, key.name)
		}
	}
	return names
}

// Resolve returns the first artifact of the name published by any completed job of the run.
func (runArtifacts *RunArtifacts) Resolve(name string) (Artifact, error) {
	return runArtifacts.resolve(name, nil)
}

// Scoped returns a resolver limited to the given jobs, typically a consumer's ancestors.
func (runArtifacts *RunArtifacts) Scoped(visibleJobs map[string]struct{}) Resolver {
	visible := make(map[string]struct{}, len(visibleJobs))
	for jobID := range visibleJobs {
		visible[jobID] = struct{}{}
	}
	return scopedResolver{runArtifacts: runArtifacts, visible: visible}
}

// Locators returns the locators of artifacts published by completed jobs.
// Names published by more than one job are qualified as "<job>/<name>".
func (runArtifacts *RunArtifacts) Locators() map[string]Locator {
	runArtifacts.mutex.RLock()
	defer runArtifacts.mutex.RUnlock()

	producerCount := make(map[string]int)
	for _, key := range runArtifacts.order {
		if _, completed := runArtifacts.completed[key.jobID]; completed {
			producerCount[key.name]++
		}
	}

	locators := make(map[string]Locator, len(producerCount))
	for _, key := range runArtifacts.order {
		if _, completed := runArtifacts.completed[key.jobID]; !completed {
			continue
		}
		name := key.name
		if producerCount[key.name] > 1 {
			name = key.jobID + qualifiedNameSeparatorConstant + key.name
		}
		locators[name] = runArtifacts.published[key].Locator
	}
	return locators
}

// Close rejects further publications and starts the retention window.
func (runArtifacts *RunArtifacts) Close() {
	runArtifacts.mutex.Lock()
	defer runArtifacts.mutex.Unlock()
	if runArtifacts.closed {
		return
	}
	runArtifacts.closed = true
	runArtifacts.closedTime = runArtifacts.store.now()
}

func (runArtifacts *RunArtifacts) closedAt() (time.Time, bool) {
	runArtifacts.mutex.RLock()
	defer runArtifacts.mutex.RUnlock()
	return runArtifacts.closedTime, runArtifacts.closed
}

func (runArtifacts *RunArtifacts) resolve(name string, visible map[string]struct{}) (Artifact, error) {
	trimmedName := strings.TrimSpace(name)

	runArtifacts.mutex.RLock()
	defer runArtifacts.mutex.RUnlock()

	for _, key := range runArtifacts.order {
		if key.name != trimmedName {
			continue
		}
		if _, completed := runArtifacts.completed[key.jobID]; !completed {
			continue
		}
		if visible != nil {
			if _, isVisible := visible[key.jobID]; !isVisible {
				continue
			}
		}
		artifact := runArtifacts.published[key]
		artifact.Outputs = copyOutputs(artifact.Outputs)
		return artifact, nil
	}
	return Artifact{}, &NotFoundError{Name: trimmedName}
}

type scopedResolver struct {
	runArtifacts *RunArtifacts
	visible      map[string]struct{}
}

func (resolver scopedResolver) Resolve(name string) (Artifact, error) {
	return resolver.runArtifacts.resolve(name, resolver.visible)
}

func copyOutputs(outputs map[string]string) map[string]string {
	if len(outputs) == 0 {
		return nil
	}
	copied := make(map[string]string, len(outputs))
	for key, value := range outputs {
		copied[key] = value
	}
	return copied
}
