package pipeline

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	definitionLoadErrorTemplateConstant      = "failed to load pipeline definition: %w"
	definitionParseErrorTemplateConstant     = "failed to parse pipeline definition: %w"
	definitionPathRequiredMessageConstant    = "pipeline definition path must be provided"
	definitionEmptyJobsMessageConstant       = "pipeline definition must declare at least one job"
	definitionSequenceMessageConstant        = "pipeline block must be defined as a sequence of jobs"
	definitionTimeoutTemplateConstant        = "pipeline job %q has invalid timeout %q: %w"
	definitionTriggerTemplateConstant        = "pipeline job %q: %w"
	definitionDefaultNameConstant            = "pipeline"
	definitionDefaultGroupTemplateConstant   = "{{ .Ref }}"
	definitionConcurrencyDisabledKeyConstant = "none"
)

// ConcurrencyPolicy derives the concurrency-group key of a run from its trigger.
// Group is a text/template evaluated against the TriggerEvent; "none" disables grouping.
type ConcurrencyPolicy struct {
	Group string `yaml:"group" json:"group"`
}

// Disabled reports whether runs of the pipeline never supersede each other.
func (policy ConcurrencyPolicy) Disabled() bool {
	return strings.EqualFold(strings.TrimSpace(policy.Group), definitionConcurrencyDisabledKeyConstant)
}

// Template returns the group template, defaulting to the trigger ref.
func (policy ConcurrencyPolicy) Template() string {
	trimmed := strings.TrimSpace(policy.Group)
	if len(trimmed) == 0 {
		return definitionDefaultGroupTemplateConstant
	}
	return trimmed
}

// Pipeline is a validated graph together with its run-level policies.
type Pipeline struct {
	Name        string
	Concurrency ConcurrencyPolicy
	Graph       *Graph
}

// Definition is the declarative form of a pipeline as read from YAML.
type Definition struct {
	Name        string
	Concurrency ConcurrencyPolicy
	Jobs        []JobDefinition
}

type pipelineFile struct {
	Name        string               `yaml:"name"`
	Concurrency ConcurrencyPolicy    `yaml:"concurrency"`
	Pipeline    []pipelineJobWrapper `yaml:"pipeline"`
}

type pipelineJobWrapper struct {
	Job JobDefinition `yaml:"job"`
}

// JobDefinition declares one job of a pipeline file.
type JobDefinition struct {
	Name         string         `yaml:"name"`
	Needs        []string       `yaml:"needs"`
	If           Condition      `yaml:"if"`
	Task         string         `yaml:"task"`
	Options      map[string]any `yaml:"with"`
	Produces     []string       `yaml:"produces"`
	Consumes     []string       `yaml:"consumes"`
	AlwaysRun    bool           `yaml:"always_run"`
	Optional     bool           `yaml:"optional"`
	AllowFailure bool           `yaml:"allow_failure"`
	Secret       string         `yaml:"secret"`
	Timeout      string         `yaml:"timeout"`
}

// LoadDefinition reads a pipeline definition from disk.
func LoadDefinition(filePath string) (Definition, error) {
	trimmedPath := strings.TrimSpace(filePath)
	if len(trimmedPath) == 0 {
		return Definition{}, errors.New(definitionPathRequiredMessageConstant)
	}

	contentBytes, readError := os.ReadFile(trimmedPath)
	if readError != nil {
		return Definition{}, fmt.Errorf(definitionLoadErrorTemplateConstant, readError)
	}
	return ParseDefinition(contentBytes)
}

// ParseDefinition decodes a pipeline definition from YAML content.
func ParseDefinition(contentBytes []byte) (Definition, error) {
	if sequenceError := ensurePipelineSequence(contentBytes); sequenceError != nil {
		return Definition{}, fmt.Errorf(definitionParseErrorTemplateConstant, sequenceError)
	}

	var parsed pipelineFile
	if unmarshalError := yaml.Unmarshal(contentBytes, &parsed); unmarshalError != nil {
		return Definition{}, fmt.Errorf(definitionParseErrorTemplateConstant, unmarshalError)
	}

	definition := Definition{
		Name:        strings.TrimSpace(parsed.Name),
		Concurrency: parsed.Concurrency,
		Jobs:        make([]JobDefinition, 0, len(parsed.Pipeline)),
	}
	if len(definition.Name) == 0 {
		definition.Name = definitionDefaultNameConstant
	}
	for index := range parsed.Pipeline {
		jobDefinition := parsed.Pipeline[index].Job
		jobDefinition.Name = strings.TrimSpace(jobDefinition.Name)
		jobDefinition.Task = strings.TrimSpace(jobDefinition.Task)
		definition.Jobs = append(definition.Jobs, jobDefinition)
	}

	if len(definition.Jobs) == 0 {
		return Definition{}, errors.New(definitionEmptyJobsMessageConstant)
	}
	return definition, nil
}

// Build converts the definition into a validated Pipeline.
// Every job keeps its position in the file as its declaration index. References to jobs
// declared later in the file are added as edges once all jobs exist, so a loop among them
// surfaces as a *CycleError.
func (definition Definition) Build() (*Pipeline, error) {
	specs := make([]JobSpec, 0, len(definition.Jobs))
	declared := make(map[string]struct{}, len(definition.Jobs))
	for _, jobDefinition := range definition.Jobs {
		spec, specError := jobDefinition.spec()
		if specError != nil {
			return nil, specError
		}
		specs = append(specs, spec)
		declared[spec.ID] = struct{}{}
	}

	for _, spec := range specs {
		for _, rawDependency := range spec.Needs {
			dependencyID := strings.TrimSpace(rawDependency)
			if len(dependencyID) == 0 {
				continue
			}
			if _, exists := declared[dependencyID]; !exists {
				return nil, &UnknownDependencyError{JobID: spec.ID, DependencyID: dependencyID}
			}
		}
	}

	graph := NewGraph(definition.Name)
	forwardEdges := make(map[string][]string)
	for _, spec := range specs {
		earlier := make([]string, 0, len(spec.Needs))
		for _, rawDependency := range spec.Needs {
			dependencyID := strings.TrimSpace(rawDependency)
			if len(dependencyID) == 0 {
				continue
			}
			if _, added := graph.Job(dependencyID); added {
				earlier = append(earlier, dependencyID)
				continue
			}
			forwardEdges[spec.ID] = append(forwardEdges[spec.ID], dependencyID)
		}
		declaredSpec := spec
		declaredSpec.Needs = earlier
		if len(forwardEdges[spec.ID]) > 0 {
			declaredSpec.Condition.NeedsOutcome = nil
		}
		if addError := graph.AddJob(declaredSpec); addError != nil {
			return nil, addError
		}
	}

	for _, spec := range specs {
		edges := forwardEdges[spec.ID]
		if len(edges) == 0 {
			continue
		}
		for _, dependencyID := range edges {
			if edgeError := graph.AddDependency(spec.ID, dependencyID); edgeError != nil {
				return nil, edgeError
			}
		}
		if conditionError := graph.setCondition(spec.ID, spec.Condition); conditionError != nil {
			return nil, conditionError
		}
	}

	if validationError := graph.Validate(); validationError != nil {
		return nil, validationError
	}

	return &Pipeline{Name: definition.Name, Concurrency: definition.Concurrency, Graph: graph}, nil
}

func (jobDefinition JobDefinition) spec() (JobSpec, error) {
	if len(jobDefinition.Name) == 0 {
		return JobSpec{}, ErrJobIdentifierMissing
	}
	if len(jobDefinition.Task) == 0 {
		return JobSpec{}, fmt.Errorf(jobTaskMissingTemplateConstant, jobDefinition.Name)
	}

	var timeout time.Duration
	if trimmedTimeout := strings.TrimSpace(jobDefinition.Timeout); len(trimmedTimeout) > 0 {
		parsedTimeout, parseError := time.ParseDuration(trimmedTimeout)
		if parseError != nil {
			return JobSpec{}, fmt.Errorf(definitionTimeoutTemplateConstant, jobDefinition.Name, trimmedTimeout, parseError)
		}
		timeout = parsedTimeout
	}

	condition := jobDefinition.If
	for index, rawKind := range condition.Triggers {
		kind, kindError := ParseTriggerKind(string(rawKind))
		if kindError != nil {
			return JobSpec{}, fmt.Errorf(definitionTriggerTemplateConstant, jobDefinition.Name, kindError)
		}
		condition.Triggers[index] = kind
	}

	return JobSpec{
		ID:           jobDefinition.Name,
		Needs:        jobDefinition.Needs,
		Condition:    condition,
		Task:         jobDefinition.Task,
		Options:      jobDefinition.Options,
		Produces:     jobDefinition.Produces,
		Consumes:     jobDefinition.Consumes,
		AlwaysRun:    jobDefinition.AlwaysRun,
		Optional:     jobDefinition.Optional,
		AllowFailure: jobDefinition.AllowFailure,
		Secret:       jobDefinition.Secret,
		Timeout:      timeout,
	}, nil
}

func ensurePipelineSequence(contentBytes []byte) error {
	var pipelineWrapper struct {
		Pipeline yaml.Node `yaml:"pipeline"`
	}

	if unmarshalError := yaml.Unmarshal(contentBytes, &pipelineWrapper); unmarshalError != nil {
		return unmarshalError
	}

	switch pipelineWrapper.Pipeline.Kind {
	case 0, yaml.SequenceNode:
		return nil
	default:
		return errors.New(definitionSequenceMessageConstant)
	}
}
