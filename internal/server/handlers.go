package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tyemirov/conveyor/internal/artifacts"
	"github.com/tyemirov/conveyor/internal/coordinator"
	"github.com/tyemirov/conveyor/internal/pipeline"
	"github.com/tyemirov/conveyor/internal/report"
	"github.com/tyemirov/conveyor/internal/secrets"
)

const (
	healthPathConstant              = "/health"
	metricsPathConstant             = "/metrics"
	apiPrefixConstant               = "/v1"
	pipelinesPathConstant           = "/pipelines"
	runsPathConstant                = "/runs"
	runPathConstant                 = "/runs/:" + runIDParameterConstant
	runEventsPathConstant           = runPathConstant + "/events"
	runArtifactsPathConstant        = runPathConstant + "/artifacts"
	runArtifactPathConstant         = runArtifactsPathConstant + "/:" + artifactNameParameterConstant
	runCancelPathConstant           = runPathConstant + "/cancel"
	runIDParameterConstant          = "run_id"
	artifactNameParameterConstant   = "name"
	pipelineQueryConstant           = "pipeline"
	waitQueryConstant               = "wait"
	statusOKConstant                = "ok"
	statusKeyConstant               = "status"
	errorKeyConstant                = "error"
	messageKeyConstant              = "message"
	codeKeyConstant                 = "code"
	runKeyConstant                  = "run"
	runsKeyConstant                 = "runs"
	pipelinesKeyConstant            = "pipelines"
	artifactsKeyConstant            = "artifacts"
	cancelledKeyConstant            = "cancelled"
	snapshotEventNameConstant       = "snapshot"
	resultEventNameConstant         = "result"
	octetStreamContentTypeConstant  = "application/octet-stream"
	digestHeaderConstant            = "X-Artifact-Digest"
	producerHeaderConstant          = "X-Artifact-Producer"
	invalidRequestMessageConstant   = "invalid request body"
	pipelineRequiredMessageConstant = "pipeline is required when more than one pipeline is served"
	pipelineNotFoundMessageConstant = "pipeline not found"
	runNotFoundMessageConstant      = "run not found"
	artifactNotFoundMessageConstant = "artifact not found"
	serverClosingMessageConstant    = "server is shutting down"
	invalidWaitMessageConstant      = "wait must be a boolean"
	requestFailedEventConstant      = "request_failed"
	runSubmittedEventConstant       = "run_submitted_over_http"
	runIDFieldConstant              = "run_id"
	errorFieldConstant              = "error"
)

// submitRequest is the body of POST /v1/runs.
type submitRequest struct {
	Pipeline string            `json:"pipeline"`
	Kind     string            `json:"kind" binding:"required"`
	Ref      string            `json:"ref"`
	Inputs   map[string]string `json:"inputs"`
	Secrets  map[string]string `json:"secrets"`
	Wait     bool              `json:"wait"`
}

type pipelineSummary struct {
	Name     string          `json:"name"`
	Schedule report.Schedule `json:"schedule"`
}

func (server *Server) health(ginContext *gin.Context) {
	ginContext.JSON(http.StatusOK, gin.H{statusKeyConstant: statusOKConstant})
}

func (server *Server) listPipelines(ginContext *gin.Context) {
	summaries := make([]pipelineSummary, 0, len(server.pipelineNames))
	for _, name := range server.pipelineNames {
		summaries = append(summaries, pipelineSummary{
			Name:     name,
			Schedule: report.NewSchedule(server.coordinators[name].Pipeline()),
		})
	}
	ginContext.JSON(http.StatusOK, gin.H{pipelinesKeyConstant: summaries})
}

func (server *Server) submitRun(ginContext *gin.Context) {
	var request submitRequest
	if bindError := ginContext.ShouldBindJSON(&request); bindError != nil {
		server.respondError(ginContext, http.StatusBadRequest, invalidRequestMessageConstant, bindError)
		return
	}

	instance, resolveStatus, resolveMessage := server.resolvePipeline(request.Pipeline)
	if instance == nil {
		server.respondError(ginContext, resolveStatus, resolveMessage, nil)
		return
	}

	kind, kindError := pipeline.ParseTriggerKind(request.Kind)
	if kindError != nil {
		server.respondError(ginContext, http.StatusBadRequest, kindError.Error(), kindError)
		return
	}

	trigger := pipeline.TriggerEvent{
		Kind:    kind,
		Ref:     strings.TrimSpace(request.Ref),
		Secrets: secrets.Overlay(server.secrets, request.Secrets),
		Inputs:  request.Inputs,
	}
	handle, submitError := instance.Submit(ginContext.Request.Context(), trigger)
	if submitError != nil {
		if errors.Is(submitError, coordinator.ErrCoordinatorClosed) {
			server.respondError(ginContext, http.StatusServiceUnavailable, serverClosingMessageConstant, submitError)
			return
		}
		server.respondError(ginContext, http.StatusBadRequest, submitError.Error(), submitError)
		return
	}
	server.logger.Info(runSubmittedEventConstant, zap.String(runIDFieldConstant, handle.ID()))

	if !request.Wait {
		ginContext.JSON(http.StatusAccepted, gin.H{runKeyConstant: handle.Result()})
		return
	}
	result, waitError := handle.Wait(ginContext.Request.Context())
	if waitError != nil {
		ginContext.JSON(http.StatusAccepted, gin.H{runKeyConstant: handle.Result()})
		return
	}
	ginContext.JSON(http.StatusOK, gin.H{runKeyConstant: result})
}

func (server *Server) listRuns(ginContext *gin.Context) {
	names := server.pipelineNames
	if requested := strings.TrimSpace(ginContext.Query(pipelineQueryConstant)); len(requested) > 0 {
		if _, exists := server.coordinators[requested]; !exists {
			server.respondError(ginContext, http.StatusNotFound, pipelineNotFoundMessageConstant, nil)
			return
		}
		names = []string{requested}
	}

	results := make([]coordinator.Result, 0)
	for _, name := range names {
		for _, handle := range server.coordinators[name].List() {
			results = append(results, handle.Result())
		}
	}
	ginContext.JSON(http.StatusOK, gin.H{runsKeyConstant: results})
}

func (server *Server) getRun(ginContext *gin.Context) {
	_, handle, exists := server.findRun(ginContext.Param(runIDParameterConstant))
	if !exists {
		server.respondError(ginContext, http.StatusNotFound, runNotFoundMessageConstant, nil)
		return
	}

	wait := false
	if rawWait := strings.TrimSpace(ginContext.Query(waitQueryConstant)); len(rawWait) > 0 {
		parsedWait, parseError := strconv.ParseBool(rawWait)
		if parseError != nil {
			server.respondError(ginContext, http.StatusBadRequest, invalidWaitMessageConstant, parseError)
			return
		}
		wait = parsedWait
	}

	if wait {
		if result, waitError := handle.Wait(ginContext.Request.Context()); waitError == nil {
			ginContext.JSON(http.StatusOK, gin.H{runKeyConstant: result})
			return
		}
	}
	ginContext.JSON(http.StatusOK, gin.H{runKeyConstant: handle.Result()})
}

// streamRunEvents sends a snapshot whenever a job changes state and a final result event.
func (server *Server) streamRunEvents(ginContext *gin.Context) {
	_, handle, exists := server.findRun(ginContext.Param(runIDParameterConstant))
	if !exists {
		server.respondError(ginContext, http.StatusNotFound, runNotFoundMessageConstant, nil)
		return
	}

	ginContext.Header("Cache-Control", "no-cache")
	ginContext.Header("Connection", "keep-alive")
	ginContext.Header("X-Accel-Buffering", "no")

	ticker := time.NewTicker(server.options.StreamInterval)
	defer ticker.Stop()

	requestContext := ginContext.Request.Context()
	lastFingerprint := ""
	for {
		result := handle.Result()
		if result.Outcome.IsFinal() {
			ginContext.SSEvent(resultEventNameConstant, result)
			ginContext.Writer.Flush()
			return
		}
		if fingerprint := stateFingerprint(result); fingerprint != lastFingerprint {
			ginContext.SSEvent(snapshotEventNameConstant, result)
			ginContext.Writer.Flush()
			lastFingerprint = fingerprint
		}

		select {
		case <-requestContext.Done():
			return
		case <-handle.Done():
		case <-ticker.C:
		}
	}
}

func (server *Server) listRunArtifacts(ginContext *gin.Context) {
	_, handle, exists := server.findRun(ginContext.Param(runIDParameterConstant))
	if !exists {
		server.respondError(ginContext, http.StatusNotFound, runNotFoundMessageConstant, nil)
		return
	}
	locators := handle.Result().Artifacts
	if locators == nil {
		locators = map[string]artifacts.Locator{}
	}
	ginContext.JSON(http.StatusOK, gin.H{artifactsKeyConstant: locators})
}

func (server *Server) downloadRunArtifact(ginContext *gin.Context) {
	instance, _, exists := server.findRun(ginContext.Param(runIDParameterConstant))
	if !exists {
		server.respondError(ginContext, http.StatusNotFound, runNotFoundMessageConstant, nil)
		return
	}

	artifact, content, readError := instance.ReadArtifact(ginContext.Param(runIDParameterConstant), ginContext.Param(artifactNameParameterConstant))
	if readError != nil {
		var notFoundError *artifacts.NotFoundError
		switch {
		case errors.As(readError, &notFoundError):
			server.respondError(ginContext, http.StatusNotFound, artifactNotFoundMessageConstant, readError)
		case errors.Is(readError, coordinator.ErrRunNotFound):
			server.respondError(ginContext, http.StatusNotFound, runNotFoundMessageConstant, readError)
		default:
			server.respondError(ginContext, http.StatusInternalServerError, readError.Error(), readError)
		}
		return
	}

	ginContext.Header(digestHeaderConstant, artifact.Locator.Digest)
	ginContext.Header(producerHeaderConstant, artifact.Producer)
	ginContext.Data(http.StatusOK, octetStreamContentTypeConstant, content)
}

func (server *Server) cancelRun(ginContext *gin.Context) {
	_, handle, exists := server.findRun(ginContext.Param(runIDParameterConstant))
	if !exists {
		server.respondError(ginContext, http.StatusNotFound, runNotFoundMessageConstant, nil)
		return
	}
	cancelled := handle.Cancel()
	ginContext.JSON(http.StatusOK, gin.H{cancelledKeyConstant: cancelled, runKeyConstant: handle.Result()})
}

func (server *Server) resolvePipeline(requested string) (*coordinator.Coordinator, int, string) {
	trimmed := strings.TrimSpace(requested)
	if len(trimmed) == 0 {
		if len(server.pipelineNames) == 1 {
			return server.coordinators[server.pipelineNames[0]], http.StatusOK, ""
		}
		return nil, http.StatusBadRequest, pipelineRequiredMessageConstant
	}
	instance, exists := server.coordinators[trimmed]
	if !exists {
		return nil, http.StatusNotFound, pipelineNotFoundMessageConstant
	}
	return instance, http.StatusOK, ""
}

func (server *Server) respondError(ginContext *gin.Context, status int, message string, cause error) {
	fields := []zap.Field{
		zap.String(methodFieldConstant, ginContext.Request.Method),
		zap.String(pathFieldConstant, ginContext.Request.URL.Path),
		zap.Int(statusFieldConstant, status),
	}
	if cause != nil {
		fields = append(fields, zap.String(errorFieldConstant, cause.Error()))
	}
	server.logger.Warn(requestFailedEventConstant, fields...)

	ginContext.AbortWithStatusJSON(status, gin.H{
		errorKeyConstant: gin.H{
			messageKeyConstant: message,
			codeKeyConstant:    status,
		},
	})
}

func stateFingerprint(result coordinator.Result) string {
	var builder strings.Builder
	for _, jobID := range result.JobOrder {
		builder.WriteString(jobID)
		builder.WriteByte('=')
		builder.WriteString(string(result.Jobs[jobID].State))
		builder.WriteByte(';')
	}
	return builder.String()
}
