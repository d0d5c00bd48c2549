package releases

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tyemirov/conveyor/internal/execshell"
)

const testSubtestNameTemplateConstant = "%d_%s"

type recordingCommandExecutor struct {
	commands []execshell.ShellCommand
	errors   []error
}

func (executor *recordingCommandExecutor) Execute(_ context.Context, command execshell.ShellCommand) (execshell.ExecutionResult, error) {
	executor.commands = append(executor.commands, command)
	if len(executor.errors) == 0 {
		return execshell.ExecutionResult{}, nil
	}
	value := executor.errors[0]
	executor.errors = executor.errors[1:]
	return execshell.ExecutionResult{}, value
}

func TestReleaseExecutesTagAndPush(testInstance *testing.T) {
	executor := &recordingCommandExecutor{}
	service, err := NewService(ServiceDependencies{Executor: executor})
	require.NoError(testInstance, err)

	result, releaseError := service.Release(context.Background(), Options{RepositoryPath: "/tmp/repo", TagName: "v1.2.3", RemoteName: "upstream"})
	require.NoError(testInstance, releaseError)
	require.Equal(testInstance, Result{RepositoryPath: "/tmp/repo", TagName: "v1.2.3", RemoteName: "upstream"}, result)
	require.Len(testInstance, executor.commands, 2)

	require.Equal(testInstance, execshell.CommandName("git"), executor.commands[0].Name)
	require.Equal(testInstance, []string{"tag", "-a", "v1.2.3", "-m", "Release v1.2.3"}, executor.commands[0].Details.Arguments)
	require.Equal(testInstance, "/tmp/repo", executor.commands[0].Details.WorkingDirectory)
	require.Equal(testInstance, "0", executor.commands[0].Details.EnvironmentVariables["GIT_TERMINAL_PROMPT"])
	require.Equal(testInstance, []string{"push", "upstream", "v1.2.3"}, executor.commands[1].Details.Arguments)
}

func TestReleaseDryRunSkipsGitCommands(testInstance *testing.T) {
	executor := &recordingCommandExecutor{}
	service, err := NewService(ServiceDependencies{Executor: executor})
	require.NoError(testInstance, err)

	result, releaseError := service.Release(context.Background(), Options{RepositoryPath: "/tmp/repo", TagName: "v1.0.0", DryRun: true})
	require.NoError(testInstance, releaseError)
	require.True(testInstance, result.DryRun)
	require.Equal(testInstance, "origin", result.RemoteName)
	require.Empty(testInstance, executor.commands)
}

func TestReleaseValidatesInputs(testInstance *testing.T) {
	service, err := NewService(ServiceDependencies{Executor: &recordingCommandExecutor{}})
	require.NoError(testInstance, err)

	_, releaseError := service.Release(context.Background(), Options{TagName: "v1.0.0"})
	require.ErrorIs(testInstance, releaseError, ErrRepositoryPathRequired)

	_, releaseError = service.Release(context.Background(), Options{RepositoryPath: "/tmp/repo"})
	require.ErrorIs(testInstance, releaseError, ErrTagNameRequired)

	_, constructionError := NewService(ServiceDependencies{})
	require.ErrorIs(testInstance, constructionError, ErrCommandExecutorNotConfigured)
}

func TestReleasePropagatesErrors(testInstance *testing.T) {
	tagFailure := errors.New("tag failed")
	pushFailure := errors.New("push rejected")

	testCases := []struct {
		name             string
		errors           []error
		expectedError    error
		expectedFragment string
		expectedCommands int
	}{
		{name: "tag", errors: []error{tagFailure}, expectedError: tagFailure, expectedFragment: "failed to create tag", expectedCommands: 1},
		{name: "push", errors: []error{nil, pushFailure}, expectedError: pushFailure, expectedFragment: "failed to push tag", expectedCommands: 2},
	}

	for testCaseIndex, testCase := range testCases {
		testInstance.Run(fmt.Sprintf(testSubtestNameTemplateConstant, testCaseIndex, testCase.name), func(testInstance *testing.T) {
			executor := &recordingCommandExecutor{errors: testCase.errors}
			service, err := NewService(ServiceDependencies{Executor: executor})
			require.NoError(testInstance, err)

			_, releaseError := service.Release(context.Background(), Options{RepositoryPath: "/tmp/repo", TagName: "v1.0.0"})
			require.ErrorIs(testInstance, releaseError, testCase.expectedError)
			require.ErrorContains(testInstance, releaseError, testCase.expectedFragment)
			require.Len(testInstance, executor.commands, testCase.expectedCommands)
		})
	}
}
