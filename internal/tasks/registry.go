package tasks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/tyemirov/conveyor/internal/execshell"
	"github.com/tyemirov/conveyor/internal/releases"
	"github.com/tyemirov/conveyor/pkg/taskrunner"
)

const (
	unknownTaskTemplateConstant       = "unknown task %q (registered: %s)"
	executorMissingMessageConstant    = "command tasks require a shell executor"
	taskKindCommandConstant           = "command"
	taskKindStaticConstant            = "static"
	taskKindManifestConstant          = "manifest"
	taskKindPublishConstant           = "publish"
	taskKindTagConstant               = "tag"
	registryDuplicateTemplateConstant = "task %q registered twice"
)

// ErrExecutorMissing indicates the default registry was built without a shell executor.
var ErrExecutorMissing = errors.New(executorMissingMessageConstant)

// UnknownTaskError reports a job that names a task kind nobody registered.
type UnknownTaskError struct {
	Task       string
	Registered []string
}

func (unknownError *UnknownTaskError) Error() string {
	return fmt.Sprintf(unknownTaskTemplateConstant, unknownError.Task, strings.Join(unknownError.Registered, ", "))
}

// Registry dispatches requests to runners by task kind.
type Registry struct {
	runners map[string]taskrunner.Runner
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]taskrunner.Runner)}
}

// Register binds a task kind to a runner.
func (registry *Registry) Register(kind string, runner taskrunner.Runner) error {
	normalizedKind := strings.TrimSpace(kind)
	if _, exists := registry.runners[normalizedKind]; exists {
		return fmt.Errorf(registryDuplicateTemplateConstant, normalizedKind)
	}
	registry.runners[normalizedKind] = runner
	return nil
}

// Kinds returns the registered task kinds in sorted order.
func (registry *Registry) Kinds() []string {
	kinds := make([]string, 0, len(registry.runners))
	for kind := range registry.runners {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// Supports reports whether the kind is registered.
func (registry *Registry) Supports(kind string) bool {
	_, exists := registry.runners[strings.TrimSpace(kind)]
	return exists
}

// Run dispatches the request to the runner of its task kind.
func (registry *Registry) Run(ctx context.Context, request taskrunner.Request) (taskrunner.Result, error) {
	runner, exists := registry.runners[strings.TrimSpace(request.Task)]
	if !exists {
		return taskrunner.Result{}, &UnknownTaskError{Task: request.Task, Registered: registry.Kinds()}
	}
	return runner.Run(ctx, request)
}

// Dependencies are the collaborators of the built-in tasks.
type Dependencies struct {
	Logger     *zap.Logger
	Executor   *execshell.ShellExecutor
	FileSystem afero.Fs
	Publisher  Publisher
}

// NewDefaultRegistry registers the built-in command, static, manifest, publish and tag tasks.
func NewDefaultRegistry(dependencies Dependencies) (*Registry, error) {
	if dependencies.Executor == nil {
		return nil, ErrExecutorMissing
	}
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	fileSystem := dependencies.FileSystem
	if fileSystem == nil {
		fileSystem = afero.NewOsFs()
	}
	publisher := dependencies.Publisher
	if publisher == nil {
		publisher = NewCommandPublisher(dependencies.Executor)
	}

	releaseService, releaseServiceError := releases.NewService(releases.ServiceDependencies{Executor: dependencies.Executor})
	if releaseServiceError != nil {
		return nil, releaseServiceError
	}

	registry := NewRegistry()
	registrations := map[string]taskrunner.Runner{
		taskKindCommandConstant:  NewCommandTask(dependencies.Executor, fileSystem),
		taskKindStaticConstant:   NewStaticTask(),
		taskKindManifestConstant: NewManifestTask(),
		taskKindPublishConstant:  NewPublishTask(publisher, logger),
		taskKindTagConstant:      NewTagTask(releaseService),
	}
	for kind, runner := range registrations {
		if registerError := registry.Register(kind, runner); registerError != nil {
			return nil, registerError
		}
	}
	return registry, nil
}
