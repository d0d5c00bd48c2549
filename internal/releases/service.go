// Package releases annotates release tags and pushes them to a remote.
package releases

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tyemirov/conveyor/internal/execshell"
)

const (
	repositoryPathRequiredMessageConstant       = "repository path must be provided"
	tagNameRequiredMessageConstant              = "tag name must be provided"
	commandExecutorMissingMessageConstant       = "command executor not configured"
	annotateTagFailureTemplateConstant          = "failed to create tag %q: %w"
	pushTagFailureTemplateConstant              = "failed to push tag %q to %s: %w"
	defaultMessageTemplateConstant              = "Release %s"
	defaultRemoteNameConstant                   = "origin"
	gitCommandNameConstant                      = "git"
	gitTagSubcommandConstant                    = "tag"
	gitTagAnnotatedFlagConstant                 = "-a"
	gitTagMessageFlagConstant                   = "-m"
	gitPushSubcommandConstant                   = "push"
	gitTerminalPromptEnvironmentNameConstant    = "GIT_TERMINAL_PROMPT"
	gitTerminalPromptEnvironmentDisableConstant = "0"
)

// ErrRepositoryPathRequired indicates the repository path option was empty.
var ErrRepositoryPathRequired = errors.New(repositoryPathRequiredMessageConstant)

// ErrTagNameRequired indicates the tag name option was empty.
var ErrTagNameRequired = errors.New(tagNameRequiredMessageConstant)

// ErrCommandExecutorNotConfigured indicates the executor dependency was missing.
var ErrCommandExecutorNotConfigured = errors.New(commandExecutorMissingMessageConstant)

// CommandExecutor runs git.
type CommandExecutor interface {
	Execute(executionContext context.Context, command execshell.ShellCommand) (execshell.ExecutionResult, error)
}

// ServiceDependencies enumerates collaborators required by the release service.
type ServiceDependencies struct {
	Executor CommandExecutor
}

// Options configure a release operation.
type Options struct {
	RepositoryPath string
	TagName        string
	Message        string
	RemoteName     string
	DryRun         bool
}

// Result captures the outcome of a release.
type Result struct {
	RepositoryPath string
	TagName        string
	RemoteName     string
	DryRun         bool
}

// Service orchestrates tag creation and pushing.
type Service struct {
	executor CommandExecutor
}

// NewService constructs a Service from dependencies.
func NewService(dependencies ServiceDependencies) (*Service, error) {
	if dependencies.Executor == nil {
		return nil, ErrCommandExecutorNotConfigured
	}
	return &Service{executor: dependencies.Executor}, nil
}

// Release annotates a tag and pushes it to the selected remote. Dry runs validate the options and stop.
func (service *Service) Release(executionContext context.Context, options Options) (Result, error) {
	repositoryPath := strings.TrimSpace(options.RepositoryPath)
	if len(repositoryPath) == 0 {
		return Result{}, ErrRepositoryPathRequired
	}

	tagName := strings.TrimSpace(options.TagName)
	if len(tagName) == 0 {
		return Result{}, ErrTagNameRequired
	}

	remoteName := strings.TrimSpace(options.RemoteName)
	if len(remoteName) == 0 {
		remoteName = defaultRemoteNameConstant
	}

	result := Result{RepositoryPath: repositoryPath, TagName: tagName, RemoteName: remoteName, DryRun: options.DryRun}
	if options.DryRun {
		return result, nil
	}

	message := strings.TrimSpace(options.Message)
	if len(message) == 0 {
		message = fmt.Sprintf(defaultMessageTemplateConstant, tagName)
	}

	if _, err := service.executeGit(executionContext, repositoryPath,
		gitTagSubcommandConstant, gitTagAnnotatedFlagConstant, tagName, gitTagMessageFlagConstant, message,
	); err != nil {
		return Result{}, fmt.Errorf(annotateTagFailureTemplateConstant, tagName, err)
	}

	if _, err := service.executeGit(executionContext, repositoryPath,
		gitPushSubcommandConstant, remoteName, tagName,
	); err != nil {
		return Result{}, fmt.Errorf(pushTagFailureTemplateConstant, tagName, remoteName, err)
	}

	return result, nil
}

func (service *Service) executeGit(executionContext context.Context, repositoryPath string, arguments ...string) (execshell.ExecutionResult, error) {
	return service.executor.Execute(executionContext, execshell.ShellCommand{
		Name: gitCommandNameConstant,
		Details: execshell.CommandDetails{
			Arguments:            arguments,
			WorkingDirectory:     repositoryPath,
			EnvironmentVariables: map[string]string{gitTerminalPromptEnvironmentNameConstant: gitTerminalPromptEnvironmentDisableConstant},
		},
	})
}
