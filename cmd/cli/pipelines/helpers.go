package pipelines

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	inputAssignmentTemplateConstant = "inputs must be in key=value format: %s"
	inputKeyEmptyTemplateConstant   = "input key cannot be empty (%s)"
)

// LoggerProvider yields a zap logger for command execution.
type LoggerProvider func() *zap.Logger

// RuntimeProvider builds the run collaborators for the current configuration.
type RuntimeProvider func() Runtime

func resolveLogger(provider LoggerProvider) *zap.Logger {
	if provider == nil {
		return zap.NewNop()
	}
	logger := provider()
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

func displayCommandHelp(command *cobra.Command) error {
	if command == nil {
		return nil
	}
	return command.Help()
}

func parseInputAssignments(assignments []string) (map[string]string, error) {
	if len(assignments) == 0 {
		return nil, nil
	}

	result := make(map[string]string, len(assignments))
	for _, assignment := range assignments {
		trimmed := strings.TrimSpace(assignment)
		if len(trimmed) == 0 {
			continue
		}
		key, value, found := strings.Cut(trimmed, "=")
		if !found {
			return nil, fmt.Errorf(inputAssignmentTemplateConstant, assignment)
		}
		key = strings.TrimSpace(key)
		if len(key) == 0 {
			return nil, fmt.Errorf(inputKeyEmptyTemplateConstant, assignment)
		}
		result[key] = value
	}

	if len(result) == 0 {
		return nil, nil
	}
	return result, nil
}

// pipelineReference prefers the positional argument, then the first configured pipeline.
func pipelineReference(arguments []string, configured []string) string {
	if len(arguments) > 0 {
		return strings.TrimSpace(arguments[0])
	}
	if len(configured) > 0 {
		return configured[0]
	}
	return ""
}
