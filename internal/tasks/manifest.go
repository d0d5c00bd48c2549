package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/tyemirov/conveyor/internal/artifacts"
	"github.com/tyemirov/conveyor/internal/gate"
	"github.com/tyemirov/conveyor/pkg/taskrunner"
)

const (
	manifestDefaultArtifactConstant = "release-manifest"
	manifestVersionOutputConstant   = "version"
	manifestEncodeTemplateConstant  = "manifest task failed to encode manifest: %w"
	manifestNeedsPrefixConstant     = "needs."
	manifestVersionMissingConstant  = "manifest task could not determine a release version from ref %q or input %q"
	manifestVersionInputConstant    = "version"
	manifestCommitInputConstant     = "commit"
)

type manifestOptions struct {
	Artifact       string `mapstructure:"artifact"`
	Name           string `mapstructure:"name"`
	RequireVersion bool   `mapstructure:"require_version"`
}

// ReleaseManifest describes one release for downstream tagging and publishing jobs.
type ReleaseManifest struct {
	Name      string                       `json:"name,omitempty"`
	RunID     string                       `json:"run_id"`
	Trigger   string                       `json:"trigger"`
	Ref       string                       `json:"ref"`
	Version   string                       `json:"version,omitempty"`
	Commit    string                       `json:"commit,omitempty"`
	Upstream  map[string]map[string]string `json:"upstream,omitempty"`
	Artifacts map[string]artifacts.Locator `json:"artifacts,omitempty"`
}

// ManifestTask writes a release manifest artifact summarising the run so far.
type ManifestTask struct{}

// NewManifestTask builds a manifest task.
func NewManifestTask() ManifestTask {
	return ManifestTask{}
}

// Run assembles the manifest from the trigger, upstream outputs and resolved artifacts.
func (ManifestTask) Run(_ context.Context, request taskrunner.Request) (taskrunner.Result, error) {
	var options manifestOptions
	if decodeError := decodeOptions(taskKindManifestConstant, request.Options, &options); decodeError != nil {
		return taskrunner.Result{}, decodeError
	}
	artifactName := strings.TrimSpace(options.Artifact)
	if len(artifactName) == 0 {
		artifactName = manifestDefaultArtifactConstant
	}

	version, fromTag := gate.Version(request.Trigger.Ref)
	if !fromTag {
		version = strings.TrimSpace(request.Inputs[manifestVersionInputConstant])
	}
	if len(version) == 0 && options.RequireVersion {
		return taskrunner.Failed(fmt.Sprintf(manifestVersionMissingConstant, request.Trigger.Ref, manifestVersionInputConstant)), nil
	}

	manifest := ReleaseManifest{
		Name:      strings.TrimSpace(options.Name),
		RunID:     request.RunID,
		Trigger:   string(request.Trigger.Kind),
		Ref:       request.Trigger.Ref,
		Version:   version,
		Commit:    request.Inputs[manifestCommitInputConstant],
		Upstream:  upstreamOutputs(request.Inputs),
		Artifacts: request.ResolvedArtifacts,
	}
	encoded, encodeError := json.MarshalIndent(manifest, "", "  ")
	if encodeError != nil {
		return taskrunner.Result{}, fmt.Errorf(manifestEncodeTemplateConstant, encodeError)
	}

	outputs := map[string]string{manifestVersionOutputConstant: version}
	return taskrunner.Succeeded(outputs, taskrunner.PublishedArtifact{
		Name:    artifactName,
		Content: encoded,
		Outputs: map[string]string{manifestVersionOutputConstant: version},
	}), nil
}

// upstreamOutputs regroups needs.<job>.outputs.<key> inputs by job.
func upstreamOutputs(inputs map[string]string) map[string]map[string]string {
	keys := make([]string, 0, len(inputs))
	for key := range inputs {
		if strings.HasPrefix(key, manifestNeedsPrefixConstant) {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return nil
	}
	sort.Strings(keys)

	grouped := make(map[string]map[string]string)
	for _, key := range keys {
		jobID, outputKey, parsed := taskrunner.ParseNeedsInput(key)
		if !parsed {
			continue
		}
		if grouped[jobID] == nil {
			grouped[jobID] = make(map[string]string)
		}
		grouped[jobID][outputKey] = inputs[key]
	}
	return grouped
}
