package pipeline

import (
	"fmt"
	"strings"
)

const (
	triggerKindTagPushConstant     = "tag-push"
	triggerKindDispatchConstant    = "dispatch"
	triggerKindPullRequestConstant = "pull-request"
	triggerKindCallConstant        = "call"

	unknownTriggerKindTemplateConstant = "unknown trigger kind %q (expected one of %s)"
)

// TriggerKind identifies the event that started a run.
type TriggerKind string

// Supported trigger kinds.
const (
	TriggerKindTagPush     TriggerKind = TriggerKind(triggerKindTagPushConstant)
	TriggerKindDispatch    TriggerKind = TriggerKind(triggerKindDispatchConstant)
	TriggerKindPullRequest TriggerKind = TriggerKind(triggerKindPullRequestConstant)
	TriggerKindCall        TriggerKind = TriggerKind(triggerKindCallConstant)
)

// TriggerKinds lists every supported trigger kind in display order.
func TriggerKinds() []TriggerKind {
	return []TriggerKind{TriggerKindTagPush, TriggerKindDispatch, TriggerKindPullRequest, TriggerKindCall}
}

// ParseTriggerKind normalizes user input into a TriggerKind.
func ParseTriggerKind(raw string) (TriggerKind, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.ReplaceAll(normalized, "_", "-")
	for _, kind := range TriggerKinds() {
		if string(kind) == normalized {
			return kind, nil
		}
	}

	names := make([]string, 0, len(TriggerKinds()))
	for _, kind := range TriggerKinds() {
		names = append(names, string(kind))
	}
	return "", fmt.Errorf(unknownTriggerKindTemplateConstant, raw, strings.Join(names, ", "))
}

// TriggerEvent is the input that starts a run.
type TriggerEvent struct {
	Kind    TriggerKind       `json:"kind" yaml:"kind"`
	Ref     string            `json:"ref" yaml:"ref"`
	Secrets map[string]string `json:"-" yaml:"-"`
	Inputs  map[string]string `json:"inputs,omitempty" yaml:"inputs,omitempty"`
}

// Secret returns the named secret when present and non-empty.
func (event TriggerEvent) Secret(name string) (string, bool) {
	if len(event.Secrets) == 0 {
		return "", false
	}
	value, exists := event.Secrets[name]
	if !exists || len(strings.TrimSpace(value)) == 0 {
		return "", false
	}
	return value, true
}

// Clone returns a copy whose maps can be mutated independently.
func (event TriggerEvent) Clone() TriggerEvent {
	cloned := TriggerEvent{Kind: event.Kind, Ref: event.Ref}
	if len(event.Secrets) > 0 {
		cloned.Secrets = make(map[string]string, len(event.Secrets))
		for name, value := range event.Secrets {
			cloned.Secrets[name] = value
		}
	}
	if len(event.Inputs) > 0 {
		cloned.Inputs = make(map[string]string, len(event.Inputs))
		for name, value := range event.Inputs {
			cloned.Inputs[name] = value
		}
	}
	return cloned
}
