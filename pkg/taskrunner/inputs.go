package taskrunner

import "strings"

const (
	needsInputPrefixConstant    = "needs."
	needsInputSeparatorConstant = ".outputs."
)

// NeedsInputKey names the input through which a dependency output reaches a downstream job.
func NeedsInputKey(jobID string, outputKey string) string {
	return needsInputPrefixConstant + jobID + needsInputSeparatorConstant + outputKey
}

// ParseNeedsInput splits an input key built by NeedsInputKey.
func ParseNeedsInput(key string) (string, string, bool) {
	if !strings.HasPrefix(key, needsInputPrefixConstant) {
		return "", "", false
	}
	remainder := strings.TrimPrefix(key, needsInputPrefixConstant)
	separatorIndex := strings.Index(remainder, needsInputSeparatorConstant)
	if separatorIndex <= 0 {
		return "", "", false
	}
	outputKey := remainder[separatorIndex+len(needsInputSeparatorConstant):]
	if len(outputKey) == 0 {
		return "", "", false
	}
	return remainder[:separatorIndex], outputKey, true
}
