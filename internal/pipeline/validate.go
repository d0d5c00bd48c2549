package pipeline

import (
	"fmt"
	"strings"

	"github.com/tyemirov/conveyor/internal/artifacts"
)

// Validate cross-checks every consumed artifact against the producers among the consumer's ancestors.
// It returns a *ValidationError wrapping *artifacts.NotFoundError values for unresolvable names.
func (graph *Graph) Validate() error {
	problems := make([]error, 0)
	for _, job := range graph.jobs {
		if len(job.spec.Consumes) == 0 {
			continue
		}
		ancestors := graph.Ancestors(job.ID())
		for _, artifactName := range job.spec.Consumes {
			producers := graph.producersAmong(artifactName, ancestors)
			switch len(producers) {
			case 0:
				problems = append(problems, &artifacts.NotFoundError{Name: artifactName, Consumer: job.ID()})
			case 1:
			default:
				problems = append(problems, fmt.Errorf(ambiguousArtifactTemplateConstant, job.ID(), artifactName, strings.Join(producers, ", ")))
			}
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return &ValidationError{Pipeline: graph.name, Problems: problems}
}

func (graph *Graph) producersAmong(artifactName string, candidates map[string]struct{}) []string {
	producers := make([]string, 0, 1)
	for _, job := range graph.jobs {
		if _, candidate := candidates[job.ID()]; !candidate {
			continue
		}
		for _, produced := range job.spec.Produces {
			if produced == artifactName {
				producers = append(producers, job.ID())
				break
			}
		}
	}
	return producers
}
