// Package server exposes pipeline runs over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/tyemirov/conveyor/internal/coordinator"
)

const (
	defaultAddressConstant             = ":8080"
	defaultReadTimeoutConstant         = 15 * time.Second
	defaultShutdownTimeoutConstant     = 30 * time.Second
	defaultStreamIntervalConstant      = 500 * time.Millisecond
	corsMaxAgeSecondsConstant          = 300
	coordinatorsMissingMessageConstant = "server requires at least one pipeline coordinator"
	duplicatePipelineTemplateConstant  = "pipeline %q is served twice"
	listenErrorTemplateConstant        = "http server failed: %w"
	shutdownErrorTemplateConstant      = "http server shutdown failed: %w"
	serverListeningEventConstant       = "server_listening"
	serverStoppingEventConstant        = "server_stopping"
	requestHandledEventConstant        = "request_handled"
	addressFieldConstant               = "address"
	methodFieldConstant                = "method"
	pathFieldConstant                  = "path"
	statusFieldConstant                = "status"
	latencyFieldConstant               = "latency"
	pipelinesFieldConstant             = "pipelines"
	headerAcceptConstant               = "Accept"
	headerAuthorizationConstant        = "Authorization"
	headerContentTypeConstant          = "Content-Type"
	headerLinkConstant                 = "Link"
	allowedOriginWildcardConstant      = "*"
)

// ErrCoordinatorsMissing indicates a server built without pipelines.
var ErrCoordinatorsMissing = errors.New(coordinatorsMissingMessageConstant)

// Options tune the HTTP listener.
type Options struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	StreamInterval  time.Duration
}

// Dependencies are the collaborators of a Server.
type Dependencies struct {
	// Secrets are the server-side credentials every submitted run starts from.
	Secrets map[string]string
	// MetricsHandler serves /metrics when set.
	MetricsHandler http.Handler
	Logger         *zap.Logger
}

// Server routes HTTP requests to pipeline coordinators.
type Server struct {
	coordinators   map[string]*coordinator.Coordinator
	pipelineNames  []string
	secrets        map[string]string
	metricsHandler http.Handler
	logger         *zap.Logger
	options        Options
	handler        http.Handler
}

// New builds a Server for the coordinators, keyed by pipeline name.
func New(coordinators []*coordinator.Coordinator, dependencies Dependencies, options Options) (*Server, error) {
	if len(coordinators) == 0 {
		return nil, ErrCoordinatorsMissing
	}

	indexed := make(map[string]*coordinator.Coordinator, len(coordinators))
	names := make([]string, 0, len(coordinators))
	for _, instance := range coordinators {
		name := instance.Pipeline().Name
		if _, exists := indexed[name]; exists {
			return nil, fmt.Errorf(duplicatePipelineTemplateConstant, name)
		}
		indexed[name] = instance
		names = append(names, name)
	}
	sort.Strings(names)

	if len(strings.TrimSpace(options.Address)) == 0 {
		options.Address = defaultAddressConstant
	}
	if options.ReadTimeout <= 0 {
		options.ReadTimeout = defaultReadTimeoutConstant
	}
	if options.ShutdownTimeout <= 0 {
		options.ShutdownTimeout = defaultShutdownTimeoutConstant
	}
	if options.StreamInterval <= 0 {
		options.StreamInterval = defaultStreamIntervalConstant
	}
	if len(options.AllowedOrigins) == 0 {
		options.AllowedOrigins = []string{allowedOriginWildcardConstant}
	}

	server := &Server{
		coordinators:   indexed,
		pipelineNames:  names,
		secrets:        dependencies.Secrets,
		metricsHandler: dependencies.MetricsHandler,
		logger:         dependencies.Logger,
		options:        options,
	}
	if server.logger == nil {
		server.logger = zap.NewNop()
	}
	server.handler = server.routes()
	return server, nil
}

// Handler returns the HTTP handler with CORS applied.
func (server *Server) Handler() http.Handler {
	return server.handler
}

// Start serves until ctx ends, then shuts the listener down gracefully.
func (server *Server) Start(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              server.options.Address,
		Handler:           server.handler,
		ReadHeaderTimeout: server.options.ReadTimeout,
		ReadTimeout:       server.options.ReadTimeout,
		WriteTimeout:      server.options.WriteTimeout,
	}

	serveErrors := make(chan error, 1)
	go func() {
		server.logger.Info(serverListeningEventConstant,
			zap.String(addressFieldConstant, server.options.Address),
			zap.Strings(pipelinesFieldConstant, server.pipelineNames),
		)
		serveErrors <- httpServer.ListenAndServe()
	}()

	select {
	case serveError := <-serveErrors:
		if errors.Is(serveError, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf(listenErrorTemplateConstant, serveError)
	case <-ctx.Done():
	}

	server.logger.Info(serverStoppingEventConstant, zap.String(addressFieldConstant, server.options.Address))
	shutdownContext, cancel := context.WithTimeout(context.WithoutCancel(ctx), server.options.ShutdownTimeout)
	defer cancel()
	if shutdownError := httpServer.Shutdown(shutdownContext); shutdownError != nil {
		return fmt.Errorf(shutdownErrorTemplateConstant, shutdownError)
	}
	return nil
}

func (server *Server) routes() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), server.requestLogger())

	engine.GET(healthPathConstant, server.health)
	if server.metricsHandler != nil {
		engine.GET(metricsPathConstant, gin.WrapH(server.metricsHandler))
	}

	version := engine.Group(apiPrefixConstant)
	version.GET(pipelinesPathConstant, server.listPipelines)
	version.POST(runsPathConstant, server.submitRun)
	version.GET(runsPathConstant, server.listRuns)
	version.GET(runPathConstant, server.getRun)
	version.GET(runEventsPathConstant, server.streamRunEvents)
	version.GET(runArtifactsPathConstant, server.listRunArtifacts)
	version.GET(runArtifactPathConstant, server.downloadRunArtifact)
	version.POST(runCancelPathConstant, server.cancelRun)

	corsHandler := cors.Handler(cors.Options{
		AllowedOrigins:   server.options.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{headerAcceptConstant, headerAuthorizationConstant, headerContentTypeConstant},
		ExposedHeaders:   []string{headerLinkConstant},
		AllowCredentials: false,
		MaxAge:           corsMaxAgeSecondsConstant,
	})
	return corsHandler(engine)
}

func (server *Server) requestLogger() gin.HandlerFunc {
	return func(ginContext *gin.Context) {
		startedAt := time.Now()
		ginContext.Next()
		server.logger.Debug(requestHandledEventConstant,
			zap.String(methodFieldConstant, ginContext.Request.Method),
			zap.String(pathFieldConstant, ginContext.FullPath()),
			zap.Int(statusFieldConstant, ginContext.Writer.Status()),
			zap.Duration(latencyFieldConstant, time.Since(startedAt)),
		)
	}
}

// findRun locates a run across every served pipeline.
func (server *Server) findRun(runID string) (*coordinator.Coordinator, *coordinator.RunHandle, bool) {
	for _, name := range server.pipelineNames {
		instance := server.coordinators[name]
		if handle, exists := instance.Lookup(runID); exists {
			return instance, handle, true
		}
	}
	return nil, nil, false
}
