package pipeline

import (
	"fmt"
	"regexp"
	"strings"
)

const unknownJobTemplateConstant = "pipeline job %q not found"

// ReadySet groups jobs whose dependencies are all satisfied by earlier ready sets.
type ReadySet []*Job

// IDs returns the job identifiers of the ready set in declaration order.
func (readySet ReadySet) IDs() []string {
	identifiers := make([]string, 0, len(readySet))
	for _, job := range readySet {
		identifiers = append(identifiers, job.ID())
	}
	return identifiers
}

// Graph stores jobs in declaration order with dependency edges kept as index sets.
// A Graph is built once and then shared read-only by every run.
type Graph struct {
	name      string
	jobs      []*Job
	indexByID map[string]int
}

// NewGraph creates an empty graph.
func NewGraph(name string) *Graph {
	return &Graph{
		name:      strings.TrimSpace(name),
		indexByID: make(map[string]int),
	}
}

// Name returns the pipeline name the graph was built for.
func (graph *Graph) Name() string { return graph.name }

// Len returns the number of jobs.
func (graph *Graph) Len() int { return len(graph.jobs) }

// Jobs returns the jobs in declaration order.
func (graph *Graph) Jobs() []*Job { return append([]*Job(nil), graph.jobs...) }

// Job returns the job with the given identifier.
func (graph *Graph) Job(jobID string) (*Job, bool) {
	index, exists := graph.indexByID[jobID]
	if !exists {
		return nil, false
	}
	return graph.jobs[index], true
}

// AddJob appends a job whose dependencies must already be declared.
// The graph is left unchanged when an error is returned.
func (graph *Graph) AddJob(spec JobSpec) error {
	jobID := strings.TrimSpace(spec.ID)
	if len(jobID) == 0 {
		return ErrJobIdentifierMissing
	}
	if _, exists := graph.indexByID[jobID]; exists {
		return &DuplicateJobError{JobID: jobID}
	}

	dependencies := make([]int, 0, len(spec.Needs))
	needs := make([]string, 0, len(spec.Needs))
	seen := make(map[string]struct{}, len(spec.Needs))
	for _, rawDependency := range spec.Needs {
		dependencyID := strings.TrimSpace(rawDependency)
		if len(dependencyID) == 0 {
			continue
		}
		if _, duplicate := seen[dependencyID]; duplicate {
			continue
		}
		seen[dependencyID] = struct{}{}
		if dependencyID == jobID {
			return &CycleError{Members: []string{jobID}}
		}
		dependencyIndex, exists := graph.indexByID[dependencyID]
		if !exists {
			return &UnknownDependencyError{JobID: jobID, DependencyID: dependencyID}
		}
		dependencies = append(dependencies, dependencyIndex)
		needs = append(needs, dependencyID)
	}

	if conditionError := validateCondition(jobID, spec.Condition, seen); conditionError != nil {
		return conditionError
	}

	spec.ID = jobID
	spec.Needs = needs
	spec.Produces = normalizeNames(spec.Produces)
	spec.Consumes = normalizeNames(spec.Consumes)
	spec.Secret = strings.TrimSpace(spec.Secret)

	job := &Job{index: len(graph.jobs), spec: spec, dependencies: dependencies}
	graph.jobs = append(graph.jobs, job)
	graph.indexByID[jobID] = job.index
	return nil
}

// AddDependency adds an edge from jobID to dependencyID between two declared jobs.
// It rejects the edge with a CycleError and leaves the graph unchanged when the edge would close a cycle.
func (graph *Graph) AddDependency(jobID string, dependencyID string) error {
	jobIndex, jobExists := graph.indexByID[jobID]
	if !jobExists {
		return fmt.Errorf(unknownJobTemplateConstant, jobID)
	}
	dependencyIndex, dependencyExists := graph.indexByID[dependencyID]
	if !dependencyExists {
		return &UnknownDependencyError{JobID: jobID, DependencyID: dependencyID}
	}
	if jobIndex == dependencyIndex {
		return &CycleError{Members: []string{jobID}}
	}

	job := graph.jobs[jobIndex]
	for _, existing := range job.dependencies {
		if existing == dependencyIndex {
			return nil
		}
	}

	job.dependencies = append(job.dependencies, dependencyIndex)
	if members := graph.findCycle(); len(members) > 0 {
		job.dependencies = job.dependencies[:len(job.dependencies)-1]
		return &CycleError{Members: members}
	}
	job.spec.Needs = append(job.spec.Needs, dependencyID)
	return nil
}

// setCondition replaces the condition of a declared job once all of its edges exist.
func (graph *Graph) setCondition(jobID string, condition Condition) error {
	jobIndex, exists := graph.indexByID[jobID]
	if !exists {
		return fmt.Errorf(unknownJobTemplateConstant, jobID)
	}
	job := graph.jobs[jobIndex]
	needs := make(map[string]struct{}, len(job.spec.Needs))
	for _, dependencyID := range job.spec.Needs {
		needs[dependencyID] = struct{}{}
	}
	if conditionError := validateCondition(jobID, condition, needs); conditionError != nil {
		return conditionError
	}
	job.spec.Condition = condition
	return nil
}

// TopologicalSchedule returns ready sets in execution order with ties broken by declaration order.
func (graph *Graph) TopologicalSchedule() []ReadySet {
	if len(graph.jobs) == 0 {
		return nil
	}

	inDegree := make([]int, len(graph.jobs))
	dependents := make([][]int, len(graph.jobs))
	for _, job := range graph.jobs {
		inDegree[job.index] = len(job.dependencies)
		for _, dependencyIndex := range job.dependencies {
			dependents[dependencyIndex] = append(dependents[dependencyIndex], job.index)
		}
	}

	ready := make([]int, 0)
	for _, job := range graph.jobs {
		if inDegree[job.index] == 0 {
			ready = append(ready, job.index)
		}
	}

	schedule := make([]ReadySet, 0)
	for len(ready) > 0 {
		readySet := make(ReadySet, 0, len(ready))
		nextReady := make(map[int]struct{})
		for _, index := range ready {
			readySet = append(readySet, graph.jobs[index])
			for _, dependentIndex := range dependents[index] {
				inDegree[dependentIndex]--
				if inDegree[dependentIndex] == 0 {
					nextReady[dependentIndex] = struct{}{}
				}
			}
		}
		schedule = append(schedule, readySet)

		ready = ready[:0]
		for _, job := range graph.jobs {
			if _, available := nextReady[job.index]; available {
				ready = append(ready, job.index)
			}
		}
	}

	return schedule
}

// Ancestors returns the transitive dependency identifiers of the job.
func (graph *Graph) Ancestors(jobID string) map[string]struct{} {
	ancestors := make(map[string]struct{})
	index, exists := graph.indexByID[jobID]
	if !exists {
		return ancestors
	}

	pending := append([]int(nil), graph.jobs[index].dependencies...)
	for len(pending) > 0 {
		current := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		currentID := graph.jobs[current].ID()
		if _, visited := ancestors[currentID]; visited {
			continue
		}
		ancestors[currentID] = struct{}{}
		pending = append(pending, graph.jobs[current].dependencies...)
	}
	return ancestors
}

type visitColour int

const (
	colourWhite visitColour = iota
	colourGrey
	colourBlack
)

// findCycle walks dependency edges with DFS colouring and returns the first cycle found.
func (graph *Graph) findCycle() []string {
	colours := make([]visitColour, len(graph.jobs))
	path := make([]int, 0, len(graph.jobs))

	var visit func(index int) []string
	visit = func(index int) []string {
		colours[index] = colourGrey
		path = append(path, index)
		for _, dependencyIndex := range graph.jobs[index].dependencies {
			switch colours[dependencyIndex] {
			case colourGrey:
				start := 0
				for position := range path {
					if path[position] == dependencyIndex {
						start = position
						break
					}
				}
				members := make([]string, 0, len(path)-start)
				for _, memberIndex := range path[start:] {
					members = append(members, graph.jobs[memberIndex].ID())
				}
				return members
			case colourWhite:
				if members := visit(dependencyIndex); len(members) > 0 {
					return members
				}
			}
		}
		path = path[:len(path)-1]
		colours[index] = colourBlack
		return nil
	}

	for index := range graph.jobs {
		if colours[index] != colourWhite {
			continue
		}
		if members := visit(index); len(members) > 0 {
			return members
		}
	}
	return nil
}

func validateCondition(jobID string, condition Condition, needs map[string]struct{}) error {
	for upstreamID, states := range condition.NeedsOutcome {
		if _, isDependency := needs[upstreamID]; !isDependency {
			return fmt.Errorf(unknownOutcomeJobTemplateConstant, jobID, upstreamID)
		}
		for _, state := range states {
			if !state.IsTerminal() {
				return fmt.Errorf(invalidOutcomeStateTemplateConstant, jobID, state)
			}
		}
	}
	if len(condition.RefRegex) > 0 {
		if _, compileError := regexp.Compile(condition.RefRegex); compileError != nil {
			return fmt.Errorf(invalidRefRegexTemplateConstant, jobID, compileError)
		}
	}
	return nil
}

func normalizeNames(names []string) []string {
	normalized := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		trimmed := strings.TrimSpace(name)
		if len(trimmed) == 0 {
			continue
		}
		if _, duplicate := seen[trimmed]; duplicate {
			continue
		}
		seen[trimmed] = struct{}{}
		normalized = append(normalized, trimmed)
	}
	return normalized
}
