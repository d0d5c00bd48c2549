package tasks

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"text/template"

	"github.com/go-viper/mapstructure/v2"

	"github.com/tyemirov/conveyor/internal/gate"
	"github.com/tyemirov/conveyor/pkg/taskrunner"
)

const (
	optionsDecodeTemplateConstant     = "task %q has invalid options: %w"
	templateParseTemplateConstant     = "task %q has an invalid template %q: %w"
	templateExecuteTemplateConstant   = "task %q failed to expand %q: %w"
	environmentPrefixConstant         = "CONVEYOR_"
	artifactEnvironmentPrefixConstant = "CONVEYOR_ARTIFACT_"
	environmentRunIDConstant          = "CONVEYOR_RUN_ID"
	environmentJobIDConstant          = "CONVEYOR_JOB_ID"
	environmentRefConstant            = "CONVEYOR_REF"
	environmentTriggerConstant        = "CONVEYOR_TRIGGER"
	environmentPublishModeConstant    = "CONVEYOR_PUBLISH_MODE"
	templateOpenDelimiterConstant     = "{{"
)

var environmentNameSanitizer = regexp.MustCompile(`[^A-Za-z0-9]+`)

func decodeOptions(taskKind string, options map[string]any, target any) error {
	decoder, decoderError := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if decoderError != nil {
		return fmt.Errorf(optionsDecodeTemplateConstant, taskKind, decoderError)
	}
	if decodeError := decoder.Decode(options); decodeError != nil {
		return fmt.Errorf(optionsDecodeTemplateConstant, taskKind, decodeError)
	}
	return nil
}

// templateData is exposed to {{ }} expressions inside string options.
type templateData struct {
	RunID    string
	JobID    string
	Ref      string
	ShortRef string
	Trigger  string
	Version  string
	Inputs   map[string]string
}

func newTemplateData(request taskrunner.Request) templateData {
	version, _ := gate.Version(request.Trigger.Ref)
	if len(version) == 0 {
		version = request.Inputs["version"]
	}
	return templateData{
		RunID:    request.RunID,
		JobID:    request.JobID,
		Ref:      request.Trigger.Ref,
		ShortRef: gate.ShortRef(request.Trigger.Ref),
		Trigger:  string(request.Trigger.Kind),
		Version:  version,
		Inputs:   request.Inputs,
	}
}

func expandValue(taskKind string, raw string, data templateData) (string, error) {
	if !strings.Contains(raw, templateOpenDelimiterConstant) {
		return raw, nil
	}
	parsed, parseError := template.New(taskKind).Option("missingkey=zero").Parse(raw)
	if parseError != nil {
		return "", fmt.Errorf(templateParseTemplateConstant, taskKind, raw, parseError)
	}
	var buffer bytes.Buffer
	if executeError := parsed.Execute(&buffer, data); executeError != nil {
		return "", fmt.Errorf(templateExecuteTemplateConstant, taskKind, raw, executeError)
	}
	return buffer.String(), nil
}

func expandValues(taskKind string, raw []string, data templateData) ([]string, error) {
	expanded := make([]string, 0, len(raw))
	for _, value := range raw {
		expandedValue, expandError := expandValue(taskKind, value, data)
		if expandError != nil {
			return nil, expandError
		}
		expanded = append(expanded, expandedValue)
	}
	return expanded, nil
}

func expandMap(taskKind string, raw map[string]string, data templateData) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	expanded := make(map[string]string, len(raw))
	for key, value := range raw {
		expandedValue, expandError := expandValue(taskKind, value, data)
		if expandError != nil {
			return nil, expandError
		}
		expanded[key] = expandedValue
	}
	return expanded, nil
}

// requestEnvironment exports the run context, inputs and resolved artifacts to child processes.
func requestEnvironment(request taskrunner.Request) map[string]string {
	environment := map[string]string{
		environmentRunIDConstant:       request.RunID,
		environmentJobIDConstant:       request.JobID,
		environmentRefConstant:         request.Trigger.Ref,
		environmentTriggerConstant:     string(request.Trigger.Kind),
		environmentPublishModeConstant: request.PublishMode.String(),
	}
	for key, value := range request.Inputs {
		environment[environmentName(environmentPrefixConstant, key)] = value
	}
	for name, locator := range request.ResolvedArtifacts {
		environment[environmentName(artifactEnvironmentPrefixConstant, name)] = locator.URI
	}
	return environment
}

func environmentName(prefix string, key string) string {
	sanitized := environmentNameSanitizer.ReplaceAllString(key, "_")
	return prefix + strings.ToUpper(strings.Trim(sanitized, "_"))
}

func sortedNames[V any](values map[string]V) []string {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
