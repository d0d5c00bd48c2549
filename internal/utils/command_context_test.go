package utils

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithTriggerContextStoresNormalizedValues(t *testing.T) {
	accessor := NewCommandContextAccessor()
	base := context.Background()
	enriched := accessor.WithTriggerContext(base, TriggerContext{Kind: "  Tag-Push ", Ref: " refs/tags/v1.2.0 "})

	triggerContext, exists := accessor.TriggerContext(enriched)
	require.True(t, exists)
	require.Equal(t, "tag-push", triggerContext.Kind)
	require.Equal(t, "refs/tags/v1.2.0", triggerContext.Ref)
}

func TestWithTriggerContextStoresRefWithoutKind(t *testing.T) {
	accessor := NewCommandContextAccessor()
	enriched := accessor.WithTriggerContext(context.Background(), TriggerContext{Ref: "refs/heads/main"})

	triggerContext, exists := accessor.TriggerContext(enriched)
	require.True(t, exists)
	require.Equal(t, "", triggerContext.Kind)
	require.Equal(t, "refs/heads/main", triggerContext.Ref)
}

func TestWithTriggerContextSkipsEmptyValues(t *testing.T) {
	accessor := NewCommandContextAccessor()
	base := context.Background()
	enriched := accessor.WithTriggerContext(base, TriggerContext{Kind: "  "})

	_, exists := accessor.TriggerContext(enriched)
	require.False(t, exists)
}

func TestWithConfigurationFilePathRoundTrips(t *testing.T) {
	accessor := NewCommandContextAccessor()
	enriched := accessor.WithConfigurationFilePath(context.Background(), "/etc/conveyor/config.yaml")

	configurationFilePath, exists := accessor.ConfigurationFilePath(enriched)
	require.True(t, exists)
	require.Equal(t, "/etc/conveyor/config.yaml", configurationFilePath)
}

func TestWithLogLevelSkipsBlankValues(t *testing.T) {
	accessor := NewCommandContextAccessor()
	base := context.Background()

	_, exists := accessor.LogLevel(accessor.WithLogLevel(base, "   "))
	require.False(t, exists)

	logLevel, exists := accessor.LogLevel(accessor.WithLogLevel(base, " debug "))
	require.True(t, exists)
	require.Equal(t, "debug", logLevel)
}

func TestWithExecutionFlagsStoresValues(t *testing.T) {
	accessor := NewCommandContextAccessor()
	base := context.Background()
	flags := ExecutionFlags{DryRun: true, DryRunSet: true, OutputFormat: "json", OutputSet: true}

	enriched := accessor.WithExecutionFlags(base, flags)

	retrieved, exists := accessor.ExecutionFlags(enriched)
	require.True(t, exists)
	require.Equal(t, flags, retrieved)
}

func TestWithExecutionFlagsHandlesMissingContext(t *testing.T) {
	accessor := NewCommandContextAccessor()

	_, exists := accessor.ExecutionFlags(context.Background())
	require.False(t, exists)
}
