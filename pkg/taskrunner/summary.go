package taskrunner

import (
	"fmt"
	"sort"
	"strings"
)

// RenderSummaryLine returns a one-line description of a task result for logs.
func RenderSummaryLine(result Result) string {
	status := result.Status
	if len(status) == 0 {
		status = StatusFailure
	}
	parts := []string{fmt.Sprintf("status=%s", status)}

	if len(result.Outputs) > 0 {
		keys := make([]string, 0, len(result.Outputs))
		for key := range result.Outputs {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		parts = append(parts, fmt.Sprintf("outputs=%s", strings.Join(keys, ",")))
	}

	if len(result.PublishedArtifacts) > 0 {
		names := make([]string, 0, len(result.PublishedArtifacts))
		totalBytes := 0
		for _, published := range result.PublishedArtifacts {
			names = append(names, published.Name)
			totalBytes += len(published.Content)
		}
		parts = append(parts, fmt.Sprintf("artifacts=%s", strings.Join(names, ",")))
		parts = append(parts, fmt.Sprintf("artifact_bytes=%d", totalBytes))
	}

	message := strings.TrimSpace(result.Message)
	if len(message) > 0 {
		parts = append(parts, fmt.Sprintf("message=%q", message))
	}

	return strings.Join(parts, " ")
}
