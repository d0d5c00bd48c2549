package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tyemirov/conveyor/internal/artifacts"
	"github.com/tyemirov/conveyor/internal/coordinator"
	"github.com/tyemirov/conveyor/internal/metrics"
	"github.com/tyemirov/conveyor/internal/pipeline"
	"github.com/tyemirov/conveyor/internal/server"
	"github.com/tyemirov/conveyor/pkg/taskrunner"
)

const (
	testSecretNameConstant    = "CRATES_TOKEN"
	testCrateContentConstant  = "crate-bytes"
	testWaitTimeoutConstant   = 5 * time.Second
	testCratePipelineConstant = `name: crate
pipeline:
  - job:
      name: build
      task: static
      produces: [crate]
  - job:
      name: publish
      task: static
      needs: [build]
      consumes: [crate]
      secret: CRATES_TOKEN
`
	testDocsPipelineConstant = `name: docs
pipeline:
  - job:
      name: render
      task: static
`
)

type runEnvelope struct {
	Run coordinator.Result `json:"run"`
}

type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func crateRunner() taskrunner.Runner {
	return taskrunner.RunnerFunc(func(ctx context.Context, request taskrunner.Request) (taskrunner.Result, error) {
		if request.JobID == "build" {
			return taskrunner.Succeeded(
				map[string]string{"version": "1.0.0"},
				taskrunner.PublishedArtifact{Name: "crate", Content: []byte(testCrateContentConstant)},
			), nil
		}
		return taskrunner.Succeeded(map[string]string{"mode": request.PublishMode.String()}), nil
	})
}

func blockingRunner() taskrunner.Runner {
	return taskrunner.RunnerFunc(func(ctx context.Context, request taskrunner.Request) (taskrunner.Result, error) {
		<-ctx.Done()
		return taskrunner.Result{}, ctx.Err()
	})
}

func newCoordinator(testInstance *testing.T, content string, runner taskrunner.Runner, recorder metrics.Recorder) *coordinator.Coordinator {
	testInstance.Helper()
	definition, parseError := pipeline.ParseDefinition([]byte(content))
	require.NoError(testInstance, parseError)
	built, buildError := definition.Build()
	require.NoError(testInstance, buildError)

	store, storeError := artifacts.NewStore(artifacts.NewMemoryBackend())
	require.NoError(testInstance, storeError)

	instance, coordinatorError := coordinator.New(built, coordinator.Dependencies{Runner: runner, Store: store, Metrics: recorder}, coordinator.Options{})
	require.NoError(testInstance, coordinatorError)
	testInstance.Cleanup(func() {
		shutdownContext, cancel := context.WithTimeout(context.Background(), testWaitTimeoutConstant)
		defer cancel()
		_ = instance.Shutdown(shutdownContext)
	})
	return instance
}

func newServer(testInstance *testing.T, dependencies server.Dependencies, coordinators ...*coordinator.Coordinator) *server.Server {
	testInstance.Helper()
	instance, serverError := server.New(coordinators, dependencies, server.Options{StreamInterval: 5 * time.Millisecond})
	require.NoError(testInstance, serverError)
	return instance
}

func perform(testInstance *testing.T, handler http.Handler, method string, target string, body any) *httptest.ResponseRecorder {
	testInstance.Helper()
	var requestBody io.Reader
	if body != nil {
		encoded, encodeError := json.Marshal(body)
		require.NoError(testInstance, encodeError)
		requestBody = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, target, requestBody)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeRun(testInstance *testing.T, recorder *httptest.ResponseRecorder) coordinator.Result {
	testInstance.Helper()
	var envelope runEnvelope
	require.NoError(testInstance, json.Unmarshal(recorder.Body.Bytes(), &envelope))
	return envelope.Run
}

func TestNewRequiresCoordinators(testInstance *testing.T) {
	_, serverError := server.New(nil, server.Dependencies{}, server.Options{})
	require.ErrorIs(testInstance, serverError, server.ErrCoordinatorsMissing)

	first := newCoordinator(testInstance, testDocsPipelineConstant, crateRunner(), nil)
	second := newCoordinator(testInstance, testDocsPipelineConstant, crateRunner(), nil)
	_, duplicateError := server.New([]*coordinator.Coordinator{first, second}, server.Dependencies{}, server.Options{})
	require.Error(testInstance, duplicateError)
	require.Contains(testInstance, duplicateError.Error(), "docs")
}

func TestHealth(testInstance *testing.T) {
	instance := newServer(testInstance, server.Dependencies{}, newCoordinator(testInstance, testDocsPipelineConstant, crateRunner(), nil))
	recorder := perform(testInstance, instance.Handler(), http.MethodGet, "/health", nil)
	require.Equal(testInstance, http.StatusOK, recorder.Code)
	require.JSONEq(testInstance, `{"status":"ok"}`, recorder.Body.String())
}

func TestSubmitRunResolvesPublishModeFromSecrets(testInstance *testing.T) {
	testCases := []struct {
		name            string
		serverSecrets   map[string]string
		requestSecrets  map[string]string
		expectedMode    string
		expectedDryRuns []string
	}{
		{
			name:            "request_secret",
			requestSecrets:  map[string]string{testSecretNameConstant: "token"},
			expectedMode:    string(taskrunner.PublishModeReal),
			expectedDryRuns: []string{},
		},
		{
			name:            "server_secret",
			serverSecrets:   map[string]string{testSecretNameConstant: "token"},
			expectedMode:    string(taskrunner.PublishModeReal),
			expectedDryRuns: []string{},
		},
		{
			name:            "request_withholds_server_secret",
			serverSecrets:   map[string]string{testSecretNameConstant: "token"},
			requestSecrets:  map[string]string{testSecretNameConstant: ""},
			expectedMode:    string(taskrunner.PublishModeDryRun),
			expectedDryRuns: []string{"publish"},
		},
		{
			name:            "no_secret",
			expectedMode:    string(taskrunner.PublishModeDryRun),
			expectedDryRuns: []string{"publish"},
		},
	}

	for testCaseIndex, testCase := range testCases {
		testInstance.Run(fmt.Sprintf("%d_%s", testCaseIndex, testCase.name), func(testInstance *testing.T) {
			instance := newServer(
				testInstance,
				server.Dependencies{Secrets: testCase.serverSecrets},
				newCoordinator(testInstance, testCratePipelineConstant, crateRunner(), nil),
			)

			recorder := perform(testInstance, instance.Handler(), http.MethodPost, "/v1/runs", map[string]any{
				"kind":    "tag-push",
				"ref":     "refs/tags/v1.0.0",
				"secrets": testCase.requestSecrets,
				"wait":    true,
			})
			require.Equal(testInstance, http.StatusOK, recorder.Code, recorder.Body.String())
			require.NotContains(testInstance, recorder.Body.String(), "token")

			result := decodeRun(testInstance, recorder)
			require.Equal(testInstance, coordinator.OutcomeSuccess, result.Outcome)
			require.Equal(testInstance, testCase.expectedMode, result.Jobs["publish"].PublishMode)
			require.Equal(testInstance, testCase.expectedMode, result.Jobs["publish"].Outputs["mode"])
			require.Equal(testInstance, testCase.expectedDryRuns, result.DryRunJobs())
		})
	}
}

func TestSubmitRunRejectsInvalidRequests(testInstance *testing.T) {
	crate := newCoordinator(testInstance, testCratePipelineConstant, crateRunner(), nil)
	docs := newCoordinator(testInstance, testDocsPipelineConstant, crateRunner(), nil)
	multiple := newServer(testInstance, server.Dependencies{}, crate, docs)

	testCases := []struct {
		name           string
		body           any
		expectedStatus int
		expectedText   string
	}{
		{
			name:           "missing_kind",
			body:           map[string]any{"pipeline": "crate"},
			expectedStatus: http.StatusBadRequest,
			expectedText:   "invalid request body",
		},
		{
			name:           "unknown_kind",
			body:           map[string]any{"pipeline": "crate", "kind": "schedule"},
			expectedStatus: http.StatusBadRequest,
			expectedText:   "unknown trigger kind",
		},
		{
			name:           "ambiguous_pipeline",
			body:           map[string]any{"kind": "call"},
			expectedStatus: http.StatusBadRequest,
			expectedText:   "pipeline is required",
		},
		{
			name:           "unknown_pipeline",
			body:           map[string]any{"pipeline": "site", "kind": "call"},
			expectedStatus: http.StatusNotFound,
			expectedText:   "pipeline not found",
		},
	}

	for testCaseIndex, testCase := range testCases {
		testInstance.Run(fmt.Sprintf("%d_%s", testCaseIndex, testCase.name), func(testInstance *testing.T) {
			recorder := perform(testInstance, multiple.Handler(), http.MethodPost, "/v1/runs", testCase.body)
			require.Equal(testInstance, testCase.expectedStatus, recorder.Code)

			var envelope errorEnvelope
			require.NoError(testInstance, json.Unmarshal(recorder.Body.Bytes(), &envelope))
			require.Equal(testInstance, testCase.expectedStatus, envelope.Error.Code)
			require.Contains(testInstance, envelope.Error.Message, testCase.expectedText)
		})
	}
}

func TestSubmitRunAfterShutdown(testInstance *testing.T) {
	crate := newCoordinator(testInstance, testCratePipelineConstant, crateRunner(), nil)
	instance := newServer(testInstance, server.Dependencies{}, crate)
	require.NoError(testInstance, crate.Shutdown(context.Background()))

	recorder := perform(testInstance, instance.Handler(), http.MethodPost, "/v1/runs", map[string]any{"kind": "call"})
	require.Equal(testInstance, http.StatusServiceUnavailable, recorder.Code)
}

func TestRunLookupAndArtifacts(testInstance *testing.T) {
	instance := newServer(testInstance, server.Dependencies{}, newCoordinator(testInstance, testCratePipelineConstant, crateRunner(), nil))
	handler := instance.Handler()

	submitted := perform(testInstance, handler, http.MethodPost, "/v1/runs", map[string]any{"kind": "call", "ref": "refs/heads/main"})
	require.Equal(testInstance, http.StatusAccepted, submitted.Code)
	runID := decodeRun(testInstance, submitted).RunID
	require.NotEmpty(testInstance, runID)

	waited := perform(testInstance, handler, http.MethodGet, "/v1/runs/"+runID+"?wait=true", nil)
	require.Equal(testInstance, http.StatusOK, waited.Code)
	result := decodeRun(testInstance, waited)
	require.Equal(testInstance, coordinator.OutcomeSuccess, result.Outcome)
	require.Equal(testInstance, []string{"build", "publish"}, result.JobOrder)

	listed := perform(testInstance, handler, http.MethodGet, "/v1/runs?pipeline=crate", nil)
	require.Equal(testInstance, http.StatusOK, listed.Code)
	var runs struct {
		Runs []coordinator.Result `json:"runs"`
	}
	require.NoError(testInstance, json.Unmarshal(listed.Body.Bytes(), &runs))
	require.Len(testInstance, runs.Runs, 1)
	require.Equal(testInstance, runID, runs.Runs[0].RunID)

	artifactList := perform(testInstance, handler, http.MethodGet, "/v1/runs/"+runID+"/artifacts", nil)
	require.Equal(testInstance, http.StatusOK, artifactList.Code)
	var locators struct {
		Artifacts map[string]artifacts.Locator `json:"artifacts"`
	}
	require.NoError(testInstance, json.Unmarshal(artifactList.Body.Bytes(), &locators))
	require.Contains(testInstance, locators.Artifacts, "crate")
	require.Equal(testInstance, int64(len(testCrateContentConstant)), locators.Artifacts["crate"].Size)

	download := perform(testInstance, handler, http.MethodGet, "/v1/runs/"+runID+"/artifacts/crate", nil)
	require.Equal(testInstance, http.StatusOK, download.Code)
	require.Equal(testInstance, testCrateContentConstant, download.Body.String())
	require.Equal(testInstance, locators.Artifacts["crate"].Digest, download.Header().Get("X-Artifact-Digest"))
	require.Equal(testInstance, "build", download.Header().Get("X-Artifact-Producer"))

	missingArtifact := perform(testInstance, handler, http.MethodGet, "/v1/runs/"+runID+"/artifacts/docs", nil)
	require.Equal(testInstance, http.StatusNotFound, missingArtifact.Code)

	missingRun := perform(testInstance, handler, http.MethodGet, "/v1/runs/unknown", nil)
	require.Equal(testInstance, http.StatusNotFound, missingRun.Code)

	badWait := perform(testInstance, handler, http.MethodGet, "/v1/runs/"+runID+"?wait=soon", nil)
	require.Equal(testInstance, http.StatusBadRequest, badWait.Code)

	unknownPipeline := perform(testInstance, handler, http.MethodGet, "/v1/runs?pipeline=site", nil)
	require.Equal(testInstance, http.StatusNotFound, unknownPipeline.Code)
}

func TestCancelRun(testInstance *testing.T) {
	instance := newServer(testInstance, server.Dependencies{}, newCoordinator(testInstance, testDocsPipelineConstant, blockingRunner(), nil))
	handler := instance.Handler()

	submitted := perform(testInstance, handler, http.MethodPost, "/v1/runs", map[string]any{"kind": "call"})
	require.Equal(testInstance, http.StatusAccepted, submitted.Code)
	runID := decodeRun(testInstance, submitted).RunID

	cancelled := perform(testInstance, handler, http.MethodPost, "/v1/runs/"+runID+"/cancel", nil)
	require.Equal(testInstance, http.StatusOK, cancelled.Code)
	var cancelEnvelope struct {
		Cancelled bool `json:"cancelled"`
	}
	require.NoError(testInstance, json.Unmarshal(cancelled.Body.Bytes(), &cancelEnvelope))
	require.True(testInstance, cancelEnvelope.Cancelled)

	waited := perform(testInstance, handler, http.MethodGet, "/v1/runs/"+runID+"?wait=1", nil)
	result := decodeRun(testInstance, waited)
	require.Equal(testInstance, coordinator.OutcomeCancelled, result.Outcome)
	require.Equal(testInstance, pipeline.JobStateCancelled, result.Jobs["render"].State)

	again := perform(testInstance, handler, http.MethodPost, "/v1/runs/"+runID+"/cancel", nil)
	require.NoError(testInstance, json.Unmarshal(again.Body.Bytes(), &cancelEnvelope))
	require.False(testInstance, cancelEnvelope.Cancelled)

	missing := perform(testInstance, handler, http.MethodPost, "/v1/runs/unknown/cancel", nil)
	require.Equal(testInstance, http.StatusNotFound, missing.Code)
}

func TestStreamRunEventsEndsWithResult(testInstance *testing.T) {
	instance := newServer(testInstance, server.Dependencies{}, newCoordinator(testInstance, testCratePipelineConstant, crateRunner(), nil))
	handler := instance.Handler()

	submitted := perform(testInstance, handler, http.MethodPost, "/v1/runs", map[string]any{"kind": "call", "wait": true})
	runID := decodeRun(testInstance, submitted).RunID

	streamed := perform(testInstance, handler, http.MethodGet, "/v1/runs/"+runID+"/events", nil)
	require.Equal(testInstance, http.StatusOK, streamed.Code)
	require.Contains(testInstance, streamed.Header().Get("Content-Type"), "text/event-stream")
	require.Contains(testInstance, streamed.Body.String(), "event:result")
	require.Contains(testInstance, streamed.Body.String(), `"outcome":"success"`)
}

func TestPipelinesListsSchedules(testInstance *testing.T) {
	instance := newServer(
		testInstance,
		server.Dependencies{},
		newCoordinator(testInstance, testCratePipelineConstant, crateRunner(), nil),
		newCoordinator(testInstance, testDocsPipelineConstant, crateRunner(), nil),
	)

	recorder := perform(testInstance, instance.Handler(), http.MethodGet, "/v1/pipelines", nil)
	require.Equal(testInstance, http.StatusOK, recorder.Code)

	var envelope struct {
		Pipelines []struct {
			Name     string `json:"name"`
			Schedule struct {
				Waves []struct {
					Jobs []string `json:"jobs"`
				} `json:"waves"`
			} `json:"schedule"`
		} `json:"pipelines"`
	}
	require.NoError(testInstance, json.Unmarshal(recorder.Body.Bytes(), &envelope))
	require.Len(testInstance, envelope.Pipelines, 2)
	require.Equal(testInstance, "crate", envelope.Pipelines[0].Name)
	require.Len(testInstance, envelope.Pipelines[0].Schedule.Waves, 2)
	require.Equal(testInstance, []string{"publish"}, envelope.Pipelines[0].Schedule.Waves[1].Jobs)
}

func TestMetricsEndpoint(testInstance *testing.T) {
	recorder := metrics.NewPrometheusRecorder()
	instance := newServer(
		testInstance,
		server.Dependencies{MetricsHandler: recorder.Handler()},
		newCoordinator(testInstance, testDocsPipelineConstant, crateRunner(), recorder),
	)
	handler := instance.Handler()

	submitted := perform(testInstance, handler, http.MethodPost, "/v1/runs", map[string]any{"kind": "call", "wait": true})
	require.Equal(testInstance, http.StatusOK, submitted.Code)

	scraped := perform(testInstance, handler, http.MethodGet, "/metrics", nil)
	require.Equal(testInstance, http.StatusOK, scraped.Code)
	require.Contains(testInstance, scraped.Body.String(), `conveyor_runs_total{outcome="success",pipeline="docs"} 1`)
}

func TestCORSPreflight(testInstance *testing.T) {
	instance, serverError := server.New(
		[]*coordinator.Coordinator{newCoordinator(testInstance, testDocsPipelineConstant, crateRunner(), nil)},
		server.Dependencies{},
		server.Options{AllowedOrigins: []string{"https://ci.example.com"}},
	)
	require.NoError(testInstance, serverError)

	request := httptest.NewRequest(http.MethodOptions, "/v1/runs", nil)
	request.Header.Set("Origin", "https://ci.example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	recorder := httptest.NewRecorder()
	instance.Handler().ServeHTTP(recorder, request)

	require.Equal(testInstance, "https://ci.example.com", recorder.Header().Get("Access-Control-Allow-Origin"))
	require.True(testInstance, strings.Contains(recorder.Header().Get("Access-Control-Allow-Methods"), http.MethodPost))
}

func TestStartStopsWhenContextEnds(testInstance *testing.T) {
	instance, serverError := server.New(
		[]*coordinator.Coordinator{newCoordinator(testInstance, testDocsPipelineConstant, crateRunner(), nil)},
		server.Dependencies{},
		server.Options{Address: "127.0.0.1:0"},
	)
	require.NoError(testInstance, serverError)

	serveContext, cancel := context.WithCancel(context.Background())
	finished := make(chan error, 1)
	go func() {
		finished <- instance.Start(serveContext)
	}()
	cancel()

	select {
	case startError := <-finished:
		require.NoError(testInstance, startError)
	case <-time.After(testWaitTimeoutConstant):
		testInstance.Fatal("server did not stop")
	}
}
