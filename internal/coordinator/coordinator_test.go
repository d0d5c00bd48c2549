package coordinator_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tyemirov/conveyor/internal/artifacts"
	"github.com/tyemirov/conveyor/internal/coordinator"
	"github.com/tyemirov/conveyor/internal/pipeline"
	"github.com/tyemirov/conveyor/pkg/taskrunner"
)

const (
	testTagRefConstant      = "refs/tags/v0.3.0"
	testBranchRefConstant   = "refs/heads/main"
	testSecretNameConstant  = "CRATES_TOKEN"
	testWaitTimeoutConstant = 5 * time.Second
	testRustReleaseConstant = `name: rust-release
pipeline:
  - job:
      name: check
      task: static
  - job:
      name: check-msrv
      task: static
  - job:
      name: coverage
      task: static
      optional: true
  - job:
      name: licenses
      task: static
  - job:
      name: release
      task: manifest
      needs: [check, check-msrv, coverage, licenses]
      if:
        trigger: [tag-push, dispatch]
      produces: [release-manifest]
  - job:
      name: tag_release_artifacts
      task: static
      needs: [release]
      consumes: [release-manifest]
      if:
        trigger: [tag-push]
        version_tag: true
  - job:
      name: cargo-publish
      task: publish
      needs: [release]
      consumes: [release-manifest]
      secret: CRATES_TOKEN
`
	testLinearPipelineConstant = `name: linear
pipeline:
  - job:
      name: build
      task: static
      produces: [crate]
  - job:
      name: test
      task: static
      needs: [build]
  - job:
      name: package
      task: static
      needs: [test]
      consumes: [crate]
`
)

type scriptedBehavior func(ctx context.Context, request taskrunner.Request) (taskrunner.Result, error)

type scriptedRunner struct {
	mutex     sync.Mutex
	behaviors map[string]scriptedBehavior
	requests  map[string]taskrunner.Request
	order     []string
}

func newScriptedRunner(behaviors map[string]scriptedBehavior) *scriptedRunner {
	return &scriptedRunner{behaviors: behaviors, requests: make(map[string]taskrunner.Request)}
}

func (runner *scriptedRunner) Run(ctx context.Context, request taskrunner.Request) (taskrunner.Result, error) {
	runner.mutex.Lock()
	runner.requests[request.RunID+"/"+request.JobID] = request
	runner.order = append(runner.order, request.JobID)
	behavior := runner.behaviors[request.JobID]
	runner.mutex.Unlock()

	if behavior == nil {
		return taskrunner.Succeeded(nil), nil
	}
	return behavior(ctx, request)
}

func (runner *scriptedRunner) request(runID string, jobID string) (taskrunner.Request, bool) {
	runner.mutex.Lock()
	defer runner.mutex.Unlock()
	request, exists := runner.requests[runID+"/"+jobID]
	return request, exists
}

func (runner *scriptedRunner) ran(jobID string) bool {
	runner.mutex.Lock()
	defer runner.mutex.Unlock()
	for _, recorded := range runner.order {
		if recorded == jobID {
			return true
		}
	}
	return false
}

func publishing(outputs map[string]string, names ...string) scriptedBehavior {
	return func(context.Context, taskrunner.Request) (taskrunner.Result, error) {
		published := make([]taskrunner.PublishedArtifact, 0, len(names))
		for _, name := range names {
			published = append(published, taskrunner.PublishedArtifact{Name: name, Content: []byte(name + "-content")})
		}
		return taskrunner.Succeeded(outputs, published...), nil
	}
}

func failing(message string) scriptedBehavior {
	return func(context.Context, taskrunner.Request) (taskrunner.Result, error) {
		return taskrunner.Failed(message), nil
	}
}

func blockingUntilCancelled(started chan<- struct{}) scriptedBehavior {
	return func(ctx context.Context, _ taskrunner.Request) (taskrunner.Result, error) {
		if started != nil {
			started <- struct{}{}
		}
		<-ctx.Done()
		return taskrunner.Result{}, ctx.Err()
	}
}

func buildPipeline(testInstance *testing.T, content string) *pipeline.Pipeline {
	testInstance.Helper()
	definition, parseError := pipeline.ParseDefinition([]byte(content))
	require.NoError(testInstance, parseError)
	built, buildError := definition.Build()
	require.NoError(testInstance, buildError)
	return built
}

func newCoordinator(testInstance *testing.T, runPipeline *pipeline.Pipeline, runner taskrunner.Runner, options coordinator.Options) *coordinator.Coordinator {
	testInstance.Helper()
	store, storeError := artifacts.NewStore(artifacts.NewMemoryBackend())
	require.NoError(testInstance, storeError)
	instance, coordinatorError := coordinator.New(runPipeline, coordinator.Dependencies{Runner: runner, Store: store}, options)
	require.NoError(testInstance, coordinatorError)
	return instance
}

func submitAndWait(testInstance *testing.T, instance *coordinator.Coordinator, trigger pipeline.TriggerEvent) coordinator.Result {
	testInstance.Helper()
	handle, submitError := instance.Submit(context.Background(), trigger)
	require.NoError(testInstance, submitError)
	waitContext, cancel := context.WithTimeout(context.Background(), testWaitTimeoutConstant)
	defer cancel()
	result, waitError := handle.Wait(waitContext)
	require.NoError(testInstance, waitError)
	return result
}

func TestNewRejectsMissingCollaborators(testInstance *testing.T) {
	runPipeline := buildPipeline(testInstance, testLinearPipelineConstant)
	store, storeError := artifacts.NewStore(artifacts.NewMemoryBackend())
	require.NoError(testInstance, storeError)
	runner := newScriptedRunner(nil)

	testCases := []struct {
		name          string
		pipeline      *pipeline.Pipeline
		dependencies  coordinator.Dependencies
		expectedError error
	}{
		{name: "pipeline", dependencies: coordinator.Dependencies{Runner: runner, Store: store}, expectedError: coordinator.ErrPipelineMissing},
		{name: "runner", pipeline: runPipeline, dependencies: coordinator.Dependencies{Store: store}, expectedError: coordinator.ErrRunnerMissing},
		{name: "store", pipeline: runPipeline, dependencies: coordinator.Dependencies{Runner: runner}, expectedError: coordinator.ErrStoreMissing},
	}
	for testCaseIndex, testCase := range testCases {
		testInstance.Run(fmt.Sprintf("%d_%s", testCaseIndex, testCase.name), func(testInstance *testing.T) {
			_, newError := coordinator.New(testCase.pipeline, testCase.dependencies, coordinator.Options{})
			require.ErrorIs(testInstance, newError, testCase.expectedError)
		})
	}

	runPipeline.Concurrency = pipeline.ConcurrencyPolicy{Group: "{{ .Ref "}
	_, templateError := coordinator.New(runPipeline, coordinator.Dependencies{Runner: runner, Store: store}, coordinator.Options{})
	require.ErrorContains(testInstance, templateError, "invalid concurrency group template")
}

func TestSubmitPropagatesOutputsAndArtifactsDownstream(testInstance *testing.T) {
	runner := newScriptedRunner(map[string]scriptedBehavior{
		"build": publishing(map[string]string{"version": "0.3.0"}, "crate"),
		"test":  publishing(map[string]string{"report": "ok"}),
	})
	instance := newCoordinator(testInstance, buildPipeline(testInstance, testLinearPipelineConstant), runner, coordinator.Options{})

	result := submitAndWait(testInstance, instance, pipeline.TriggerEvent{Kind: pipeline.TriggerKindDispatch, Ref: testBranchRefConstant, Inputs: map[string]string{"channel": "stable"}})
	require.Equal(testInstance, coordinator.OutcomeSuccess, result.Outcome)
	require.Equal(testInstance, []string{"build", "test", "package"}, result.JobOrder)
	require.Equal(testInstance, []string{"build", "test", "package"}, result.JobsInState(pipeline.JobStateSuccess))
	require.Contains(testInstance, result.Artifacts, "crate")

	testRequest, recorded := runner.request(result.RunID, "test")
	require.True(testInstance, recorded)
	require.Equal(testInstance, "0.3.0", testRequest.Inputs["needs.build.outputs.version"])
	require.Equal(testInstance, "stable", testRequest.Inputs["channel"])

	packageRequest, recorded := runner.request(result.RunID, "package")
	require.True(testInstance, recorded)
	require.Equal(testInstance, result.Artifacts["crate"], packageRequest.ResolvedArtifacts["crate"])
	require.NotContains(testInstance, packageRequest.Inputs, "needs.build.outputs.version")
	require.Equal(testInstance, "ok", packageRequest.Inputs["needs.test.outputs.report"])

	artifact, resolveError := mustLookup(testInstance, instance, result.RunID).Artifacts().Resolve("crate")
	require.NoError(testInstance, resolveError)
	require.Equal(testInstance, "build", artifact.Producer)
}

func mustLookup(testInstance *testing.T, instance *coordinator.Coordinator, runID string) *coordinator.RunHandle {
	testInstance.Helper()
	handle, exists := instance.Lookup(runID)
	require.True(testInstance, exists)
	return handle
}

func TestFailurePropagatesSkipsAndFailsRun(testInstance *testing.T) {
	const content = `pipeline:
  - job:
      name: check
      task: static
  - job:
      name: release
      task: static
      needs: [check]
  - job:
      name: notify
      task: static
      needs: [check]
      always_run: true
`
	runner := newScriptedRunner(map[string]scriptedBehavior{"check": failing("clippy found 3 warnings")})
	instance := newCoordinator(testInstance, buildPipeline(testInstance, content), runner, coordinator.Options{})

	result := submitAndWait(testInstance, instance, pipeline.TriggerEvent{Kind: pipeline.TriggerKindPullRequest, Ref: "refs/pull/7/merge"})
	require.Equal(testInstance, coordinator.OutcomeFailure, result.Outcome)

	check := result.Jobs["check"]
	require.Equal(testInstance, pipeline.JobStateFailure, check.State)
	var failureError *coordinator.TaskFailureError
	require.ErrorAs(testInstance, check.Err, &failureError)
	require.Equal(testInstance, "clippy found 3 warnings", failureError.Message)

	release := result.Jobs["release"]
	require.Equal(testInstance, pipeline.JobStateSkipped, release.State)
	require.Equal(testInstance, "upstream-failed", release.Reason)
	require.False(testInstance, runner.ran("release"))

	require.Equal(testInstance, pipeline.JobStateSuccess, result.Jobs["notify"].State)
}

func TestAllowFailureKeepsRunSuccessful(testInstance *testing.T) {
	const content = `pipeline:
  - job:
      name: coverage
      task: static
      allow_failure: true
  - job:
      name: check
      task: static
`
	runner := newScriptedRunner(map[string]scriptedBehavior{"coverage": failing("tarpaulin crashed")})
	instance := newCoordinator(testInstance, buildPipeline(testInstance, content), runner, coordinator.Options{})

	result := submitAndWait(testInstance, instance, pipeline.TriggerEvent{Kind: pipeline.TriggerKindDispatch, Ref: testBranchRefConstant})
	require.Equal(testInstance, coordinator.OutcomeSuccess, result.Outcome)
	require.Equal(testInstance, pipeline.JobStateFailure, result.Jobs["coverage"].State)
	require.False(testInstance, result.Jobs["coverage"].Required)
}

func TestTimeoutFailsJob(testInstance *testing.T) {
	const content = `pipeline:
  - job:
      name: slow
      task: static
      timeout: 20ms
`
	runner := newScriptedRunner(map[string]scriptedBehavior{"slow": blockingUntilCancelled(nil)})
	instance := newCoordinator(testInstance, buildPipeline(testInstance, content), runner, coordinator.Options{})

	result := submitAndWait(testInstance, instance, pipeline.TriggerEvent{Kind: pipeline.TriggerKindDispatch, Ref: testBranchRefConstant})
	require.Equal(testInstance, coordinator.OutcomeFailure, result.Outcome)
	var timeoutError *coordinator.TimeoutError
	require.ErrorAs(testInstance, result.Jobs["slow"].Err, &timeoutError)
	require.Equal(testInstance, 20*time.Millisecond, timeoutError.Timeout)
}

func TestDefaultTimeoutAppliesToJobsWithoutOwnTimeout(testInstance *testing.T) {
	const content = `pipeline:
  - job:
      name: slow
      task: static
`
	runner := newScriptedRunner(map[string]scriptedBehavior{"slow": blockingUntilCancelled(nil)})
	instance := newCoordinator(testInstance, buildPipeline(testInstance, content), runner, coordinator.Options{DefaultJobTimeout: 15 * time.Millisecond})

	result := submitAndWait(testInstance, instance, pipeline.TriggerEvent{Kind: pipeline.TriggerKindDispatch, Ref: testBranchRefConstant})
	var timeoutError *coordinator.TimeoutError
	require.ErrorAs(testInstance, result.Jobs["slow"].Err, &timeoutError)
}

func TestMissingDeclaredArtifactIsContractViolation(testInstance *testing.T) {
	runner := newScriptedRunner(map[string]scriptedBehavior{"build": publishing(nil)})
	instance := newCoordinator(testInstance, buildPipeline(testInstance, testLinearPipelineConstant), runner, coordinator.Options{})

	result := submitAndWait(testInstance, instance, pipeline.TriggerEvent{Kind: pipeline.TriggerKindDispatch, Ref: testBranchRefConstant})
	require.Equal(testInstance, coordinator.OutcomeFailure, result.Outcome)

	var violationError *coordinator.ContractViolationError
	require.ErrorAs(testInstance, result.Jobs["build"].Err, &violationError)
	require.Equal(testInstance, []string{"crate"}, violationError.Missing)
	require.Equal(testInstance, "upstream-failed", result.Jobs["test"].Reason)
	require.Empty(testInstance, result.Artifacts)
}

func TestRunnerErrorBecomesTaskFailure(testInstance *testing.T) {
	runnerError := errors.New("cargo not installed")
	runner := newScriptedRunner(map[string]scriptedBehavior{
		"build": func(context.Context, taskrunner.Request) (taskrunner.Result, error) {
			return taskrunner.Result{}, runnerError
		},
	})
	instance := newCoordinator(testInstance, buildPipeline(testInstance, testLinearPipelineConstant), runner, coordinator.Options{})

	result := submitAndWait(testInstance, instance, pipeline.TriggerEvent{Kind: pipeline.TriggerKindDispatch, Ref: testBranchRefConstant})
	require.ErrorIs(testInstance, result.Jobs["build"].Err, runnerError)
	require.Contains(testInstance, result.Jobs["build"].Error, "cargo not installed")
}

func TestSupersedeCancelsInProgressRunOfSameGroup(testInstance *testing.T) {
	const content = `pipeline:
  - job:
      name: check
      task: static
  - job:
      name: release
      task: static
      needs: [check]
`
	started := make(chan struct{}, 4)
	var callCount int
	var callMutex sync.Mutex
	runner := newScriptedRunner(map[string]scriptedBehavior{
		"check": func(ctx context.Context, request taskrunner.Request) (taskrunner.Result, error) {
			callMutex.Lock()
			callCount++
			first := callCount == 1
			callMutex.Unlock()
			if first {
				return blockingUntilCancelled(started)(ctx, request)
			}
			return taskrunner.Succeeded(nil), nil
		},
	})
	instance := newCoordinator(testInstance, buildPipeline(testInstance, content), runner, coordinator.Options{})
	trigger := pipeline.TriggerEvent{Kind: pipeline.TriggerKindDispatch, Ref: testBranchRefConstant}

	firstHandle, firstError := instance.Submit(context.Background(), trigger)
	require.NoError(testInstance, firstError)
	<-started

	active, exists := instance.Active(trigger)
	require.True(testInstance, exists)
	require.Equal(testInstance, firstHandle.ID(), active.ID())

	secondResult := submitAndWait(testInstance, instance, trigger)
	waitContext, cancel := context.WithTimeout(context.Background(), testWaitTimeoutConstant)
	defer cancel()
	firstResult, waitError := firstHandle.Wait(waitContext)
	require.NoError(testInstance, waitError)

	require.Equal(testInstance, coordinator.OutcomeCancelled, firstResult.Outcome)
	require.Contains(testInstance, firstResult.CancelReason, secondResult.RunID)
	require.Equal(testInstance, pipeline.JobStateCancelled, firstResult.Jobs["check"].State)
	require.Equal(testInstance, pipeline.JobStateCancelled, firstResult.Jobs["release"].State)
	require.Equal(testInstance, coordinator.OutcomeSuccess, secondResult.Outcome)
	require.Equal(testInstance, testBranchRefConstant, secondResult.GroupKey)

	_, stillActive := instance.Active(trigger)
	require.False(testInstance, stillActive)
}

func TestConcurrentSubmissionsProduceAtMostOneSuccess(testInstance *testing.T) {
	const content = `pipeline:
  - job:
      name: check
      task: static
`
	runner := newScriptedRunner(map[string]scriptedBehavior{
		"check": func(ctx context.Context, _ taskrunner.Request) (taskrunner.Result, error) {
			select {
			case <-ctx.Done():
				return taskrunner.Result{}, ctx.Err()
			case <-time.After(30 * time.Millisecond):
				return taskrunner.Succeeded(nil), nil
			}
		},
	})
	instance := newCoordinator(testInstance, buildPipeline(testInstance, content), runner, coordinator.Options{})
	trigger := pipeline.TriggerEvent{Kind: pipeline.TriggerKindTagPush, Ref: testTagRefConstant}

	handles := make([]*coordinator.RunHandle, 0, 5)
	for submission := 0; submission < 5; submission++ {
		handle, submitError := instance.Submit(context.Background(), trigger)
		require.NoError(testInstance, submitError)
		handles = append(handles, handle)
	}

	successes := 0
	waitContext, cancel := context.WithTimeout(context.Background(), testWaitTimeoutConstant)
	defer cancel()
	for _, handle := range handles {
		result, waitError := handle.Wait(waitContext)
		require.NoError(testInstance, waitError)
		if result.Outcome == coordinator.OutcomeSuccess {
			successes++
		}
	}
	require.Equal(testInstance, 1, successes)
	require.Equal(testInstance, coordinator.OutcomeSuccess, handles[len(handles)-1].Result().Outcome)
}

func TestDifferentGroupsRunIndependently(testInstance *testing.T) {
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	runner := newScriptedRunner(map[string]scriptedBehavior{
		"build": func(ctx context.Context, _ taskrunner.Request) (taskrunner.Result, error) {
			started <- struct{}{}
			<-release
			return taskrunner.Succeeded(nil, taskrunner.PublishedArtifact{Name: "crate", Content: []byte("crate")}), nil
		},
	})
	instance := newCoordinator(testInstance, buildPipeline(testInstance, testLinearPipelineConstant), runner, coordinator.Options{})

	mainHandle, mainError := instance.Submit(context.Background(), pipeline.TriggerEvent{Kind: pipeline.TriggerKindDispatch, Ref: testBranchRefConstant})
	require.NoError(testInstance, mainError)
	tagHandle, tagError := instance.Submit(context.Background(), pipeline.TriggerEvent{Kind: pipeline.TriggerKindTagPush, Ref: testTagRefConstant})
	require.NoError(testInstance, tagError)
	<-started
	<-started
	close(release)

	waitContext, cancel := context.WithTimeout(context.Background(), testWaitTimeoutConstant)
	defer cancel()
	for _, handle := range []*coordinator.RunHandle{mainHandle, tagHandle} {
		result, waitError := handle.Wait(waitContext)
		require.NoError(testInstance, waitError)
		require.Equal(testInstance, coordinator.OutcomeSuccess, result.Outcome)
	}
}

func TestDisabledConcurrencyNeverSupersedes(testInstance *testing.T) {
	runPipeline := buildPipeline(testInstance, testLinearPipelineConstant)
	runPipeline.Concurrency = pipeline.ConcurrencyPolicy{Group: "none"}
	runner := newScriptedRunner(map[string]scriptedBehavior{"build": publishing(nil, "crate")})
	instance := newCoordinator(testInstance, runPipeline, runner, coordinator.Options{})

	trigger := pipeline.TriggerEvent{Kind: pipeline.TriggerKindDispatch, Ref: testBranchRefConstant}
	first := submitAndWait(testInstance, instance, trigger)
	second := submitAndWait(testInstance, instance, trigger)
	require.Equal(testInstance, coordinator.OutcomeSuccess, first.Outcome)
	require.Equal(testInstance, coordinator.OutcomeSuccess, second.Outcome)
	require.Empty(testInstance, first.GroupKey)
}

func TestConfiguredGroupTemplateAppliesWhenPipelineHasNone(testInstance *testing.T) {
	runner := newScriptedRunner(map[string]scriptedBehavior{"build": publishing(nil, "crate")})
	instance := newCoordinator(testInstance, buildPipeline(testInstance, testLinearPipelineConstant), runner, coordinator.Options{GroupTemplate: "{{ .Kind }}"})

	result := submitAndWait(testInstance, instance, pipeline.TriggerEvent{Kind: pipeline.TriggerKindCall, Ref: testBranchRefConstant})
	require.Equal(testInstance, "call", result.GroupKey)
}

func TestCancelStopsRunningJobs(testInstance *testing.T) {
	started := make(chan struct{}, 1)
	runner := newScriptedRunner(map[string]scriptedBehavior{"build": blockingUntilCancelled(started)})
	instance := newCoordinator(testInstance, buildPipeline(testInstance, testLinearPipelineConstant), runner, coordinator.Options{})

	handle, submitError := instance.Submit(context.Background(), pipeline.TriggerEvent{Kind: pipeline.TriggerKindDispatch, Ref: testBranchRefConstant})
	require.NoError(testInstance, submitError)
	<-started
	require.Equal(testInstance, coordinator.OutcomePending, handle.Result().Outcome)
	require.Equal(testInstance, pipeline.JobStateRunning, handle.Result().Jobs["build"].State)

	require.True(testInstance, handle.Cancel())
	require.False(testInstance, handle.Cancel())

	waitContext, cancel := context.WithTimeout(context.Background(), testWaitTimeoutConstant)
	defer cancel()
	result, waitError := handle.Wait(waitContext)
	require.NoError(testInstance, waitError)
	require.Equal(testInstance, coordinator.OutcomeCancelled, result.Outcome)
	for _, jobID := range result.JobOrder {
		require.Equal(testInstance, pipeline.JobStateCancelled, result.Jobs[jobID].State, jobID)
	}
	require.False(testInstance, handle.Cancel())
}

func TestSubmitValidatesTriggerAndContext(testInstance *testing.T) {
	instance := newCoordinator(testInstance, buildPipeline(testInstance, testLinearPipelineConstant), newScriptedRunner(nil), coordinator.Options{})

	_, kindError := instance.Submit(context.Background(), pipeline.TriggerEvent{Kind: "schedule", Ref: testBranchRefConstant})
	require.ErrorContains(testInstance, kindError, "unknown trigger kind")

	cancelledContext, cancel := context.WithCancel(context.Background())
	cancel()
	_, contextError := instance.Submit(cancelledContext, pipeline.TriggerEvent{Kind: pipeline.TriggerKindDispatch})
	require.ErrorIs(testInstance, contextError, context.Canceled)
}

func TestRunOutlivesSubmitContext(testInstance *testing.T) {
	runner := newScriptedRunner(map[string]scriptedBehavior{"build": publishing(nil, "crate")})
	instance := newCoordinator(testInstance, buildPipeline(testInstance, testLinearPipelineConstant), runner, coordinator.Options{})

	submitContext, cancel := context.WithCancel(context.Background())
	handle, submitError := instance.Submit(submitContext, pipeline.TriggerEvent{Kind: pipeline.TriggerKindDispatch, Ref: testBranchRefConstant})
	require.NoError(testInstance, submitError)
	cancel()

	waitContext, waitCancel := context.WithTimeout(context.Background(), testWaitTimeoutConstant)
	defer waitCancel()
	result, waitError := handle.Wait(waitContext)
	require.NoError(testInstance, waitError)
	require.Equal(testInstance, coordinator.OutcomeSuccess, result.Outcome)
}

func TestHistoryLimitForgetsOldestFinishedRuns(testInstance *testing.T) {
	runPipeline := buildPipeline(testInstance, testLinearPipelineConstant)
	runPipeline.Concurrency = pipeline.ConcurrencyPolicy{Group: "none"}
	runner := newScriptedRunner(map[string]scriptedBehavior{"build": publishing(nil, "crate")})
	instance := newCoordinator(testInstance, runPipeline, runner, coordinator.Options{HistoryLimit: 2})

	runIDs := make([]string, 0, 3)
	for submission := 0; submission < 3; submission++ {
		result := submitAndWait(testInstance, instance, pipeline.TriggerEvent{Kind: pipeline.TriggerKindDispatch, Ref: testBranchRefConstant})
		runIDs = append(runIDs, result.RunID)
	}

	require.Eventually(testInstance, func() bool { return len(instance.List()) == 2 }, testWaitTimeoutConstant, 5*time.Millisecond)
	_, exists := instance.Lookup(runIDs[0])
	require.False(testInstance, exists)
	require.Equal(testInstance, runIDs[2], instance.List()[1].ID())
}

func TestShutdownCancelsRunsAndRejectsSubmissions(testInstance *testing.T) {
	started := make(chan struct{}, 1)
	runner := newScriptedRunner(map[string]scriptedBehavior{"build": blockingUntilCancelled(started)})
	instance := newCoordinator(testInstance, buildPipeline(testInstance, testLinearPipelineConstant), runner, coordinator.Options{})

	handle, submitError := instance.Submit(context.Background(), pipeline.TriggerEvent{Kind: pipeline.TriggerKindDispatch, Ref: testBranchRefConstant})
	require.NoError(testInstance, submitError)
	<-started

	shutdownContext, cancel := context.WithTimeout(context.Background(), testWaitTimeoutConstant)
	defer cancel()
	require.NoError(testInstance, instance.Shutdown(shutdownContext))
	require.Equal(testInstance, coordinator.OutcomeCancelled, handle.Result().Outcome)

	_, closedError := instance.Submit(context.Background(), pipeline.TriggerEvent{Kind: pipeline.TriggerKindDispatch, Ref: testBranchRefConstant})
	require.ErrorIs(testInstance, closedError, coordinator.ErrCoordinatorClosed)
}
