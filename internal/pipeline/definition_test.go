package pipeline_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tyemirov/conveyor/internal/pipeline"
)

const (
	testDefinitionContentConstant = `name: crate-release
concurrency:
  group: "release-{{ .Ref }}"
pipeline:
  - job:
      name: check
      task: static
  - job:
      name: release
      task: static
      needs: [check]
      if:
        trigger: [tag-push, dispatch]
        version_tag: true
      produces: [release-manifest]
      timeout: 5m
  - job:
      name: publish
      task: publish
      needs: [release]
      consumes: [release-manifest]
      secret: CRATES_TOKEN
      with:
        command: ["cargo", "publish"]
`
	testForwardReferenceContentConstant = `pipeline:
  - job:
      name: publish
      task: static
      needs: [build]
  - job:
      name: build
      task: static
`
	testInterleavedForwardReferenceContentConstant = `pipeline:
  - job:
      name: a
      task: static
  - job:
      name: p
      task: static
      needs: [c]
      if:
        needs_outcome:
          c: [success]
  - job:
      name: s
      task: static
      needs: [a, " "]
  - job:
      name: c
      task: static
`
	testCyclicDefinitionContentConstant = `pipeline:
  - job:
      name: alpha
      task: static
      needs: [gamma]
  - job:
      name: beta
      task: static
      needs: [alpha]
  - job:
      name: gamma
      task: static
      needs: [beta]
`
	testMappingDefinitionContentConstant = `pipeline:
  job:
    name: alpha
    task: static
`
	testMissingTaskContentConstant = `pipeline:
  - job:
      name: alpha
`
	testInvalidTimeoutContentConstant = `pipeline:
  - job:
      name: alpha
      task: static
      timeout: soon
`
	testUnknownTriggerContentConstant = `pipeline:
  - job:
      name: alpha
      task: static
      if:
        trigger: [nightly]
`
	testDefinitionFileNameConstant = "pipeline.yaml"
)

func TestLoadDefinitionBuildsPipeline(testInstance *testing.T) {
	definitionPath := filepath.Join(testInstance.TempDir(), testDefinitionFileNameConstant)
	require.NoError(testInstance, os.WriteFile(definitionPath, []byte(testDefinitionContentConstant), 0o600))

	definition, loadError := pipeline.LoadDefinition(definitionPath)
	require.NoError(testInstance, loadError)
	require.Equal(testInstance, "crate-release", definition.Name)
	require.Len(testInstance, definition.Jobs, 3)

	built, buildError := definition.Build()
	require.NoError(testInstance, buildError)
	require.Equal(testInstance, "release-{{ .Ref }}", built.Concurrency.Template())
	require.False(testInstance, built.Concurrency.Disabled())

	release, found := built.Graph.Job("release")
	require.True(testInstance, found)
	require.Equal(testInstance, 5*time.Minute, release.Timeout())
	require.True(testInstance, release.Condition().VersionTag)
	require.Equal(testInstance, []pipeline.TriggerKind{pipeline.TriggerKindTagPush, pipeline.TriggerKindDispatch}, release.Condition().Triggers)

	publish, found := built.Graph.Job("publish")
	require.True(testInstance, found)
	require.Equal(testInstance, "CRATES_TOKEN", publish.Secret())
	require.Equal(testInstance, []any{"cargo", "publish"}, publish.Options()["command"])
	require.True(testInstance, publish.Required())
}

func TestDefinitionBuildAcceptsForwardReferences(testInstance *testing.T) {
	definition, parseError := pipeline.ParseDefinition([]byte(testForwardReferenceContentConstant))
	require.NoError(testInstance, parseError)
	require.Equal(testInstance, "pipeline", definition.Name)

	built, buildError := definition.Build()
	require.NoError(testInstance, buildError)
	require.Equal(testInstance, [][]string{{"build"}, {"publish"}}, scheduleIDs(built.Graph.TopologicalSchedule()))
}

func TestDefinitionBuildKeepsDeclarationOrder(testInstance *testing.T) {
	definition, parseError := pipeline.ParseDefinition([]byte(testInterleavedForwardReferenceContentConstant))
	require.NoError(testInstance, parseError)

	built, buildError := definition.Build()
	require.NoError(testInstance, buildError)
	require.Equal(testInstance, [][]string{{"a", "c"}, {"p", "s"}}, scheduleIDs(built.Graph.TopologicalSchedule()))

	declared := make([]string, 0, built.Graph.Len())
	for _, job := range built.Graph.Jobs() {
		declared = append(declared, job.ID())
	}
	require.Equal(testInstance, []string{"a", "p", "s", "c"}, declared)

	forward, _ := built.Graph.Job("p")
	require.Equal(testInstance, []string{"c"}, forward.Needs())
	require.Equal(testInstance, []pipeline.JobState{pipeline.JobStateSuccess}, forward.Condition().NeedsOutcome["c"])

	blankNeed, _ := built.Graph.Job("s")
	require.Equal(testInstance, []string{"a"}, blankNeed.Needs())
}

func TestDefinitionBuildReportsCycles(testInstance *testing.T) {
	definition, parseError := pipeline.ParseDefinition([]byte(testCyclicDefinitionContentConstant))
	require.NoError(testInstance, parseError)

	built, buildError := definition.Build()
	require.Nil(testInstance, built)
	var cycleError *pipeline.CycleError
	require.ErrorAs(testInstance, buildError, &cycleError)
	require.ElementsMatch(testInstance, []string{"alpha", "beta", "gamma"}, cycleError.Members)
}

func TestParseDefinitionRejectsMalformedContent(testInstance *testing.T) {
	testCases := []struct {
		name            string
		content         string
		expectedMessage string
		buildOnly       bool
	}{
		{name: "mapping_instead_of_sequence", content: testMappingDefinitionContentConstant, expectedMessage: "sequence"},
		{name: "no_jobs", content: "name: empty\n", expectedMessage: "at least one job"},
		{name: "missing_task", content: testMissingTaskContentConstant, expectedMessage: "does not name a task", buildOnly: true},
		{name: "invalid_timeout", content: testInvalidTimeoutContentConstant, expectedMessage: "invalid timeout", buildOnly: true},
		{name: "unknown_trigger", content: testUnknownTriggerContentConstant, expectedMessage: "unknown trigger kind", buildOnly: true},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			definition, parseError := pipeline.ParseDefinition([]byte(testCase.content))
			if !testCase.buildOnly {
				require.ErrorContains(testInstance, parseError, testCase.expectedMessage)
				return
			}
			require.NoError(testInstance, parseError)
			_, buildError := definition.Build()
			require.ErrorContains(testInstance, buildError, testCase.expectedMessage)
		})
	}
}

func TestLoadDefinitionRequiresPath(testInstance *testing.T) {
	_, loadError := pipeline.LoadDefinition("  ")
	require.ErrorContains(testInstance, loadError, "path must be provided")
}

func TestParseTriggerKindNormalizesInput(testInstance *testing.T) {
	kind, parseError := pipeline.ParseTriggerKind(" Pull_Request ")
	require.NoError(testInstance, parseError)
	require.Equal(testInstance, pipeline.TriggerKindPullRequest, kind)

	_, parseError = pipeline.ParseTriggerKind("cron")
	require.Error(testInstance, parseError)
}
