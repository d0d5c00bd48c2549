// Package serve provides the command that exposes pipelines over HTTP.
package serve

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tyemirov/conveyor/cmd/cli/pipelines"
	"github.com/tyemirov/conveyor/internal/coordinator"
	"github.com/tyemirov/conveyor/internal/metrics"
	"github.com/tyemirov/conveyor/internal/secrets"
	"github.com/tyemirov/conveyor/internal/server"
	flagutils "github.com/tyemirov/conveyor/internal/utils/flags"
)

const (
	commandUseConstant                 = "serve [pipeline|preset]..."
	commandShortDescriptionConstant    = "Serve pipelines over HTTP"
	commandLongDescriptionConstant     = "serve loads one or more pipelines and accepts triggers over HTTP. Runs of the same concurrency group supersede each other; /metrics exposes Prometheus counters for runs and jobs."
	commandExampleConstant             = "conveyor serve rust-release --address :8080\n  conveyor serve ./release.yaml ./docs.yaml"
	addressFlagNameConstant            = "address"
	addressFlagUsageConstant           = "Listen address (host:port)"
	serverStartingEventConstant        = "server_starting"
	coordinatorShutdownEventConstant   = "coordinator_shutdown_failed"
	pipelinesFieldConstant             = "pipelines"
	secretsFieldConstant               = "secrets"
	addressFieldConstant               = "address"
	coordinatorShutdownTimeoutConstant = 30 * time.Second
)

// Configuration captures the HTTP listener settings.
type Configuration struct {
	Address         string        `mapstructure:"address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// CommandBuilder assembles the serve command.
type CommandBuilder struct {
	LoggerProvider              pipelines.LoggerProvider
	RuntimeProvider             pipelines.RuntimeProvider
	ConfigurationProvider       func() pipelines.CommandConfiguration
	ServerConfigurationProvider func() Configuration
}

// Build constructs the serve command.
func (builder *CommandBuilder) Build() (*cobra.Command, error) {
	command := &cobra.Command{
		Use:     commandUseConstant,
		Short:   commandShortDescriptionConstant,
		Long:    commandLongDescriptionConstant,
		Example: commandExampleConstant,
		RunE:    builder.run,
	}
	command.Flags().String(addressFlagNameConstant, "", addressFlagUsageConstant)
	return command, nil
}

func (builder *CommandBuilder) run(command *cobra.Command, arguments []string) error {
	logger := builder.resolveLogger()
	configuration := builder.resolveConfiguration()
	serverConfiguration := builder.resolveServerConfiguration()

	if address, changed, addressError := flagutils.StringFlag(command, addressFlagNameConstant); addressError == nil && changed {
		serverConfiguration.Address = strings.TrimSpace(address)
	}

	references := configuration.Orchestrator.Pipelines
	if len(arguments) > 0 {
		references = arguments
	}
	if len(references) == 0 {
		if helpError := command.Help(); helpError != nil {
			return helpError
		}
		return pipelines.ErrPipelineReferenceMissing
	}

	recorder := metrics.NewPrometheusRecorder()
	runtime := pipelines.Runtime{PresetCatalog: pipelines.NewEmbeddedPresetCatalog()}
	if builder.RuntimeProvider != nil {
		runtime = builder.RuntimeProvider()
	}
	runtime.Configuration = configuration
	runtime.Metrics = recorder
	if runtime.Logger == nil {
		runtime.Logger = logger
	}

	store, storeError := runtime.NewStore()
	if storeError != nil {
		return storeError
	}

	coordinators := make([]*coordinator.Coordinator, 0, len(references))
	defer func() {
		shutdownContext, cancel := context.WithTimeout(context.WithoutCancel(command.Context()), coordinatorShutdownTimeoutConstant)
		defer cancel()
		for _, instance := range coordinators {
			if shutdownError := instance.Shutdown(shutdownContext); shutdownError != nil {
				logger.Warn(coordinatorShutdownEventConstant, zap.Error(shutdownError))
			}
		}
	}()
	for _, reference := range references {
		runPipeline, pipelineError := runtime.ResolvePipeline(reference)
		if pipelineError != nil {
			return pipelineError
		}
		instance, coordinatorError := runtime.NewCoordinator(runPipeline, store)
		if coordinatorError != nil {
			return coordinatorError
		}
		coordinators = append(coordinators, instance)
	}

	serverSecrets, secretsError := runtime.LoadSecrets(nil)
	if secretsError != nil {
		return secretsError
	}

	httpServer, serverError := server.New(
		coordinators,
		server.Dependencies{
			Secrets:        serverSecrets,
			MetricsHandler: recorder.Handler(),
			Logger:         logger,
		},
		server.Options{
			Address:         serverConfiguration.Address,
			ReadTimeout:     serverConfiguration.ReadTimeout,
			WriteTimeout:    serverConfiguration.WriteTimeout,
			ShutdownTimeout: serverConfiguration.ShutdownTimeout,
			AllowedOrigins:  serverConfiguration.AllowedOrigins,
		},
	)
	if serverError != nil {
		return serverError
	}

	logger.Info(
		serverStartingEventConstant,
		zap.String(addressFieldConstant, serverConfiguration.Address),
		zap.Strings(pipelinesFieldConstant, references),
		zap.Strings(secretsFieldConstant, secrets.Names(serverSecrets)),
	)

	signalContext, stopSignals := signal.NotifyContext(command.Context(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	if startError := httpServer.Start(signalContext); startError != nil && !errors.Is(startError, context.Canceled) {
		return startError
	}
	return nil
}

func (builder *CommandBuilder) resolveLogger() *zap.Logger {
	if builder.LoggerProvider == nil {
		return zap.NewNop()
	}
	if logger := builder.LoggerProvider(); logger != nil {
		return logger
	}
	return zap.NewNop()
}

func (builder *CommandBuilder) resolveConfiguration() pipelines.CommandConfiguration {
	if builder.ConfigurationProvider == nil {
		return pipelines.DefaultCommandConfiguration().Sanitize()
	}
	return builder.ConfigurationProvider().Sanitize()
}

func (builder *CommandBuilder) resolveServerConfiguration() Configuration {
	if builder.ServerConfigurationProvider == nil {
		return Configuration{}
	}
	configuration := builder.ServerConfigurationProvider()
	configuration.Address = strings.TrimSpace(configuration.Address)
	return configuration
}
