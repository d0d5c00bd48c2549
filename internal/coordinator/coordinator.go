// Package coordinator drives pipeline runs: it gates jobs, dispatches them wave by wave,
// propagates artifacts and outputs, and enforces concurrency groups.
package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/tyemirov/conveyor/internal/artifacts"
	"github.com/tyemirov/conveyor/internal/gate"
	"github.com/tyemirov/conveyor/internal/metrics"
	"github.com/tyemirov/conveyor/internal/pipeline"
	"github.com/tyemirov/conveyor/pkg/taskrunner"
)

const (
	defaultMaxParallelConstant       = 4
	defaultHistoryLimitConstant      = 100
	groupTemplateNameConstant        = "concurrency-group"
	supersededReasonTemplateConstant = "superseded by run %s"
	cancelledByRequestReasonConstant = "cancelled by request"
	shutdownReasonConstant           = "coordinator shutting down"
	runSubmittedEventConstant        = "run_submitted"
	runSupersededEventConstant       = "run_superseded"
	runFinishedEventConstant         = "run_finished"
	waveStartedEventConstant         = "wave_started"
	jobSkippedEventConstant          = "job_skipped"
	jobStartedEventConstant          = "job_started"
	jobFinishedEventConstant         = "job_finished"
	transitionIgnoredEventConstant   = "job_transition_ignored"
	artifactPruneFailedEventConstant = "artifact_prune_failed"
	runIDFieldConstant               = "run_id"
	supersededByFieldConstant        = "superseded_by"
	pipelineFieldConstant            = "pipeline"
	triggerFieldConstant             = "trigger"
	refFieldConstant                 = "ref"
	groupFieldConstant               = "group"
	waveFieldConstant                = "wave"
	jobsFieldConstant                = "jobs"
	jobIDFieldConstant               = "job_id"
	stateFieldConstant               = "state"
	reasonFieldConstant              = "reason"
	detailFieldConstant              = "detail"
	publishModeFieldConstant         = "publish_mode"
	outcomeFieldConstant             = "outcome"
	durationFieldConstant            = "duration"
)

// Options tune run execution.
type Options struct {
	// MaxParallel bounds the jobs of one wave running at the same time.
	MaxParallel int
	// DefaultJobTimeout applies to jobs without their own timeout. Zero means no limit.
	DefaultJobTimeout time.Duration
	// GroupTemplate is used when the pipeline does not declare a concurrency group.
	GroupTemplate string
	// HistoryLimit caps how many finished runs stay addressable.
	HistoryLimit int
}

// Dependencies are the collaborators of a Coordinator.
type Dependencies struct {
	Runner      taskrunner.Runner
	Store       *artifacts.Store
	Evaluator   *gate.Evaluator
	Metrics     metrics.Recorder
	Logger      *zap.Logger
	Clock       func() time.Time
	IDGenerator func() string
}

// Coordinator submits runs of one pipeline.
type Coordinator struct {
	pipeline      *pipeline.Pipeline
	runner        taskrunner.Runner
	store         *artifacts.Store
	evaluator     *gate.Evaluator
	metrics       metrics.Recorder
	logger        *zap.Logger
	now           func() time.Time
	newID         func() string
	groupTemplate *template.Template
	options       Options
	groups        *groupRegistry

	mutex   sync.RWMutex
	closed  bool
	handles map[string]*RunHandle
	order   []string
	active  sync.WaitGroup
}

// New builds a coordinator for the pipeline.
func New(runPipeline *pipeline.Pipeline, dependencies Dependencies, options Options) (*Coordinator, error) {
	if runPipeline == nil || runPipeline.Graph == nil {
		return nil, ErrPipelineMissing
	}
	if dependencies.Runner == nil {
		return nil, ErrRunnerMissing
	}
	if dependencies.Store == nil {
		return nil, ErrStoreMissing
	}

	var groupTemplate *template.Template
	if !runPipeline.Concurrency.Disabled() {
		templateText := runPipeline.Concurrency.Template()
		if len(strings.TrimSpace(runPipeline.Concurrency.Group)) == 0 && len(strings.TrimSpace(options.GroupTemplate)) > 0 {
			templateText = strings.TrimSpace(options.GroupTemplate)
		}
		parsed, parseError := template.New(groupTemplateNameConstant).Option("missingkey=zero").Parse(templateText)
		if parseError != nil {
			return nil, fmt.Errorf(groupTemplateParseTemplateConstant, templateText, parseError)
		}
		groupTemplate = parsed
	}

	if options.MaxParallel <= 0 {
		options.MaxParallel = defaultMaxParallelConstant
	}
	if options.HistoryLimit <= 0 {
		options.HistoryLimit = defaultHistoryLimitConstant
	}

	coordinator := &Coordinator{
		pipeline:      runPipeline,
		runner:        dependencies.Runner,
		store:         dependencies.Store,
		evaluator:     dependencies.Evaluator,
		metrics:       dependencies.Metrics,
		logger:        dependencies.Logger,
		now:           dependencies.Clock,
		newID:         dependencies.IDGenerator,
		groupTemplate: groupTemplate,
		options:       options,
		groups:        newGroupRegistry(),
		handles:       make(map[string]*RunHandle),
	}
	if coordinator.evaluator == nil {
		coordinator.evaluator = gate.NewEvaluator()
	}
	if coordinator.metrics == nil {
		coordinator.metrics = metrics.NopRecorder{}
	}
	if coordinator.logger == nil {
		coordinator.logger = zap.NewNop()
	}
	if coordinator.now == nil {
		coordinator.now = time.Now
	}
	if coordinator.newID == nil {
		coordinator.newID = uuid.NewString
	}
	return coordinator, nil
}

// Pipeline returns the pipeline the coordinator runs.
func (coordinator *Coordinator) Pipeline() *pipeline.Pipeline {
	return coordinator.pipeline
}

// Submit starts a run for the trigger. An in-progress run of the same concurrency group is
// cancelled before the new run is admitted. The run outlives ctx; use the handle to cancel it.
func (coordinator *Coordinator) Submit(ctx context.Context, trigger pipeline.TriggerEvent) (*RunHandle, error) {
	if contextError := ctx.Err(); contextError != nil {
		return nil, contextError
	}
	if !slices.Contains(pipeline.TriggerKinds(), trigger.Kind) {
		return nil, fmt.Errorf(unknownTriggerTemplateConstant, trigger.Kind)
	}
	groupKey, groupError := coordinator.groupKey(trigger)
	if groupError != nil {
		return nil, groupError
	}

	coordinator.mutex.Lock()
	if coordinator.closed {
		coordinator.mutex.Unlock()
		return nil, ErrCoordinatorClosed
	}
	runID := coordinator.newID()
	runContext, cancel := context.WithCancel(context.WithoutCancel(ctx))
	current := &run{
		id:        runID,
		pipeline:  coordinator.pipeline,
		trigger:   trigger.Clone(),
		groupKey:  groupKey,
		startedAt: coordinator.now(),
		table:     newInstanceTable(coordinator.pipeline.Graph.Jobs(), coordinator.now),
		artifacts: coordinator.store.Begin(runID),
		context:   runContext,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	handle := &RunHandle{run: current}
	coordinator.handles[runID] = handle
	coordinator.order = append(coordinator.order, runID)
	coordinator.active.Add(1)
	coordinator.mutex.Unlock()

	coordinator.logger.Info(runSubmittedEventConstant,
		zap.String(runIDFieldConstant, runID),
		zap.String(pipelineFieldConstant, coordinator.pipeline.Name),
		zap.String(triggerFieldConstant, string(trigger.Kind)),
		zap.String(refFieldConstant, trigger.Ref),
		zap.String(groupFieldConstant, groupKey),
	)
	coordinator.metrics.RunStarted(coordinator.pipeline.Name)

	if len(groupKey) > 0 {
		coordinator.groups.admit(groupKey, current, func(previous *run) {
			if previous.requestCancel(fmt.Sprintf(supersededReasonTemplateConstant, runID)) {
				coordinator.metrics.RunSuperseded(coordinator.pipeline.Name)
				coordinator.logger.Info(runSupersededEventConstant,
					zap.String(runIDFieldConstant, previous.id),
					zap.String(supersededByFieldConstant, runID),
					zap.String(groupFieldConstant, groupKey),
				)
			}
		})
	}

	go coordinator.drive(current)
	return handle, nil
}

// Lookup returns the handle of a known run.
func (coordinator *Coordinator) Lookup(runID string) (*RunHandle, bool) {
	coordinator.mutex.RLock()
	defer coordinator.mutex.RUnlock()
	handle, exists := coordinator.handles[runID]
	return handle, exists
}

// List returns the known runs in submission order.
func (coordinator *Coordinator) List() []*RunHandle {
	coordinator.mutex.RLock()
	defer coordinator.mutex.RUnlock()
	handles := make([]*RunHandle, 0, len(coordinator.order))
	for _, runID := range coordinator.order {
		handles = append(handles, coordinator.handles[runID])
	}
	return handles
}

// ReadArtifact returns an artifact published by a completed job of the run, with its content.
func (coordinator *Coordinator) ReadArtifact(runID string, name string) (artifacts.Artifact, []byte, error) {
	handle, exists := coordinator.Lookup(runID)
	if !exists {
		return artifacts.Artifact{}, nil, fmt.Errorf(runLookupTemplateConstant, runID, ErrRunNotFound)
	}
	artifact, resolveError := handle.Artifacts().Resolve(name)
	if resolveError != nil {
		return artifacts.Artifact{}, nil, resolveError
	}
	content, readError := coordinator.store.Open(artifact.Locator)
	if readError != nil {
		return artifacts.Artifact{}, nil, readError
	}
	return artifact, content, nil
}

// Active returns the run currently holding the concurrency group of the trigger.
func (coordinator *Coordinator) Active(trigger pipeline.TriggerEvent) (*RunHandle, bool) {
	groupKey, groupError := coordinator.groupKey(trigger)
	if groupError != nil || len(groupKey) == 0 {
		return nil, false
	}
	holder, exists := coordinator.groups.holder(groupKey)
	if !exists {
		return nil, false
	}
	return coordinator.Lookup(holder.id)
}

// Shutdown refuses new runs, cancels the in-progress ones and waits for them to finish.
func (coordinator *Coordinator) Shutdown(ctx context.Context) error {
	coordinator.mutex.Lock()
	coordinator.closed = true
	handles := make([]*RunHandle, 0, len(coordinator.handles))
	for _, handle := range coordinator.handles {
		handles = append(handles, handle)
	}
	coordinator.mutex.Unlock()

	for _, handle := range handles {
		handle.run.requestCancel(shutdownReasonConstant)
	}

	finished := make(chan struct{})
	go func() {
		coordinator.active.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (coordinator *Coordinator) groupKey(trigger pipeline.TriggerEvent) (string, error) {
	if coordinator.groupTemplate == nil {
		return "", nil
	}
	var rendered bytes.Buffer
	if executeError := coordinator.groupTemplate.Execute(&rendered, trigger); executeError != nil {
		return "", fmt.Errorf(groupKeyTemplateConstant, trigger.Ref, executeError)
	}
	return strings.TrimSpace(rendered.String()), nil
}

// drive walks the schedule wave by wave and finalizes the run.
func (coordinator *Coordinator) drive(current *run) {
	defer coordinator.active.Done()
	defer close(current.done)
	defer current.cancel()

	for _, jobID := range current.table.order {
		coordinator.move(current, jobID, pipeline.JobStateBlocked, instanceUpdate{})
	}

	runContext := gate.RunContext{Trigger: current.trigger}
	limiter := semaphore.NewWeighted(int64(coordinator.options.MaxParallel))

	for waveIndex, readySet := range current.pipeline.Graph.TopologicalSchedule() {
		if current.context.Err() != nil {
			break
		}
		coordinator.logger.Debug(waveStartedEventConstant,
			zap.String(runIDFieldConstant, current.id),
			zap.Int(waveFieldConstant, waveIndex),
			zap.Strings(jobsFieldConstant, readySet.IDs()),
		)

		eligible := make([]*pipeline.Job, 0, len(readySet))
		decisions := make(map[string]gate.Decision, len(readySet))
		for _, job := range readySet {
			decision := coordinator.evaluator.Evaluate(job, runContext, current.table.upstream(job))
			if !decision.Eligible {
				if coordinator.move(current, job.ID(), pipeline.JobStateSkipped, instanceUpdate{reason: decision.Reason, detail: decision.Detail}) {
					coordinator.logger.Info(jobSkippedEventConstant,
						zap.String(runIDFieldConstant, current.id),
						zap.String(jobIDFieldConstant, job.ID()),
						zap.String(reasonFieldConstant, string(decision.Reason)),
						zap.String(detailFieldConstant, decision.Detail),
					)
					coordinator.metrics.JobFinished(current.pipeline.Name, job.ID(), string(pipeline.JobStateSkipped), "", 0)
				}
				continue
			}
			if coordinator.move(current, job.ID(), pipeline.JobStateReady, instanceUpdate{publishMode: decision.PublishMode}) {
				eligible = append(eligible, job)
				decisions[job.ID()] = decision
			}
		}

		var waitGroup sync.WaitGroup
		for _, job := range eligible {
			if acquireError := limiter.Acquire(current.context, 1); acquireError != nil {
				break
			}
			waitGroup.Add(1)
			go func(job *pipeline.Job, decision gate.Decision) {
				defer waitGroup.Done()
				defer limiter.Release(1)
				coordinator.executeJob(current, job, decision)
			}(job, decisions[job.ID()])
		}
		waitGroup.Wait()
	}

	coordinator.finish(current)
}

// executeJob runs one eligible job and records its terminal state.
func (coordinator *Coordinator) executeJob(current *run, job *pipeline.Job, decision gate.Decision) {
	timeout := job.Timeout()
	if timeout <= 0 {
		timeout = coordinator.options.DefaultJobTimeout
	}
	var jobContext context.Context
	var cancelJob context.CancelFunc
	if timeout > 0 {
		jobContext, cancelJob = context.WithTimeout(current.context, timeout)
	} else {
		jobContext, cancelJob = context.WithCancel(current.context)
	}
	defer cancelJob()

	visible := current.pipeline.Graph.Ancestors(job.ID())
	resolved, resolveError := resolveConsumed(current.artifacts.Scoped(visible), job.ID(), job.Consumes())

	if !coordinator.move(current, job.ID(), pipeline.JobStateRunning, instanceUpdate{}) {
		return
	}
	coordinator.logger.Info(jobStartedEventConstant,
		zap.String(runIDFieldConstant, current.id),
		zap.String(jobIDFieldConstant, job.ID()),
		zap.String(publishModeFieldConstant, decision.PublishMode.String()),
	)
	if resolveError != nil {
		coordinator.completeJob(current, job, pipeline.JobStateFailure, instanceUpdate{err: resolveError})
		return
	}

	request := taskrunner.Request{
		RunID:             current.id,
		JobID:             job.ID(),
		Task:              job.Task(),
		Options:           job.Options(),
		Inputs:            coordinator.jobInputs(current, job),
		ResolvedArtifacts: resolved,
		PublishMode:       decision.PublishMode,
		Trigger:           current.trigger.Clone(),
	}

	type taskOutcome struct {
		result taskrunner.Result
		err    error
	}
	outcomes := make(chan taskOutcome, 1)
	go func() {
		result, runError := coordinator.runner.Run(jobContext, request)
		outcomes <- taskOutcome{result: result, err: runError}
	}()

	var outcome taskOutcome
	received := false
	select {
	case outcome = <-outcomes:
		received = true
	case <-jobContext.Done():
	}

	if current.context.Err() != nil {
		// Cancellation already moved the instance to cancelled.
		return
	}
	if (!received || outcome.err != nil) && errors.Is(jobContext.Err(), context.DeadlineExceeded) {
		coordinator.completeJob(current, job, pipeline.JobStateFailure, instanceUpdate{err: &TimeoutError{JobID: job.ID(), Timeout: timeout}})
		return
	}
	if outcome.err != nil {
		coordinator.completeJob(current, job, pipeline.JobStateFailure, instanceUpdate{err: &TaskFailureError{JobID: job.ID(), Task: job.Task(), Cause: outcome.err}})
		return
	}
	if outcome.result.Status != taskrunner.StatusSuccess {
		coordinator.completeJob(current, job, pipeline.JobStateFailure, instanceUpdate{
			err:     &TaskFailureError{JobID: job.ID(), Task: job.Task(), Message: outcome.result.Message},
			outputs: outcome.result.Outputs,
		})
		return
	}

	for _, published := range outcome.result.PublishedArtifacts {
		if _, publishError := current.artifacts.Publish(job.ID(), published.Name, published.Content, published.Outputs); publishError != nil {
			coordinator.completeJob(current, job, pipeline.JobStateFailure, instanceUpdate{err: publishError})
			return
		}
	}
	if missing := missingArtifacts(job.Produces(), current.artifacts.PublishedBy(job.ID())); len(missing) > 0 {
		coordinator.completeJob(current, job, pipeline.JobStateFailure, instanceUpdate{err: &ContractViolationError{JobID: job.ID(), Missing: missing}})
		return
	}

	current.artifacts.MarkCompleted(job.ID())
	coordinator.completeJob(current, job, pipeline.JobStateSuccess, instanceUpdate{detail: outcome.result.Message, outputs: outcome.result.Outputs})
}

// jobInputs layers trigger inputs, string options and upstream outputs.
func (coordinator *Coordinator) jobInputs(current *run, job *pipeline.Job) map[string]string {
	inputs := make(map[string]string, len(current.trigger.Inputs)+len(job.Options()))
	for key, value := range current.trigger.Inputs {
		inputs[key] = value
	}
	for key, value := range job.Options() {
		if text, isString := value.(string); isString {
			inputs[key] = text
		}
	}
	for key, value := range current.table.neededOutputs(job) {
		inputs[key] = value
	}
	return inputs
}

func (coordinator *Coordinator) completeJob(current *run, job *pipeline.Job, state pipeline.JobState, update instanceUpdate) {
	if !coordinator.move(current, job.ID(), state, update) {
		return
	}
	jobResult := current.table.jobResult(job.ID())
	fields := []zap.Field{
		zap.String(runIDFieldConstant, current.id),
		zap.String(jobIDFieldConstant, job.ID()),
		zap.String(stateFieldConstant, string(state)),
		zap.Duration(durationFieldConstant, jobResult.Duration),
	}
	if len(jobResult.PublishMode) > 0 {
		fields = append(fields, zap.String(publishModeFieldConstant, jobResult.PublishMode))
	}
	if update.err != nil {
		fields = append(fields, zap.Error(update.err))
		coordinator.logger.Warn(jobFinishedEventConstant, fields...)
	} else {
		coordinator.logger.Info(jobFinishedEventConstant, fields...)
	}
	coordinator.metrics.JobFinished(current.pipeline.Name, job.ID(), string(state), jobResult.PublishMode, jobResult.Duration)
}

// move applies a transition and reports whether it happened. Transitions lost to a
// concurrent cancellation are expected and only logged at debug level.
func (coordinator *Coordinator) move(current *run, jobID string, state pipeline.JobState, update instanceUpdate) bool {
	if transitionError := current.table.transition(jobID, state, update); transitionError != nil {
		coordinator.logger.Debug(transitionIgnoredEventConstant,
			zap.String(runIDFieldConstant, current.id),
			zap.String(jobIDFieldConstant, jobID),
			zap.Error(transitionError),
		)
		return false
	}
	return true
}

// finish fixes the outcome, releases the concurrency group and closes the run's artifacts.
func (coordinator *Coordinator) finish(current *run) {
	var outcome Outcome
	var finishedAt time.Time
	finalize := func() { outcome, finishedAt = current.finalize(coordinator.now()) }
	if len(current.groupKey) > 0 {
		coordinator.groups.release(current.groupKey, current, finalize)
	} else {
		finalize()
	}
	for _, jobID := range current.table.order {
		if current.table.state(jobID) == pipeline.JobStateCancelled {
			coordinator.metrics.JobFinished(current.pipeline.Name, jobID, string(pipeline.JobStateCancelled), "", 0)
		}
	}
	current.artifacts.Close()

	duration := finishedAt.Sub(current.startedAt)
	coordinator.logger.Info(runFinishedEventConstant,
		zap.String(runIDFieldConstant, current.id),
		zap.String(outcomeFieldConstant, string(outcome)),
		zap.Duration(durationFieldConstant, duration),
	)
	coordinator.metrics.RunFinished(current.pipeline.Name, string(outcome), duration)

	if pruned, pruneError := coordinator.store.Prune(); pruneError != nil {
		coordinator.logger.Warn(artifactPruneFailedEventConstant, zap.Strings(runIDFieldConstant, pruned), zap.Error(pruneError))
	}
	coordinator.trimHistory()
}

// trimHistory forgets the oldest finished runs beyond the history limit.
func (coordinator *Coordinator) trimHistory() {
	coordinator.mutex.Lock()
	defer coordinator.mutex.Unlock()

	finished := 0
	for _, runID := range coordinator.order {
		if coordinator.handles[runID].finished() {
			finished++
		}
	}
	excess := finished - coordinator.options.HistoryLimit
	if excess <= 0 {
		return
	}
	retained := coordinator.order[:0]
	for _, runID := range coordinator.order {
		if excess > 0 && coordinator.handles[runID].finished() {
			delete(coordinator.handles, runID)
			excess--
			continue
		}
		retained = append(retained, runID)
	}
	coordinator.order = retained
}

func resolveConsumed(resolver artifacts.Resolver, consumer string, names []string) (map[string]artifacts.Locator, error) {
	resolved := make(map[string]artifacts.Locator, len(names))
	for _, name := range names {
		artifact, resolveError := resolver.Resolve(name)
		if resolveError != nil {
			var notFoundError *artifacts.NotFoundError
			if errors.As(resolveError, &notFoundError) {
				notFoundError.Consumer = consumer
			}
			return nil, resolveError
		}
		resolved[name] = artifact.Locator
	}
	return resolved, nil
}

func missingArtifacts(declared []string, published []string) []string {
	missing := make([]string, 0)
	for _, name := range declared {
		if !slices.Contains(published, name) {
			missing = append(missing, name)
		}
	}
	return missing
}
