package gate

import (
	"fmt"
	"path"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/tyemirov/conveyor/internal/pipeline"
	"github.com/tyemirov/conveyor/pkg/taskrunner"
)

const (
	upstreamCancelledDetailTemplateConstant = "dependency %q was cancelled"
	upstreamFailedDetailTemplateConstant    = "dependency %q failed"
	upstreamSkippedDetailTemplateConstant   = "dependency %q was skipped"
	triggerDetailTemplateConstant           = "trigger %s is not one of %s"
	refPatternDetailTemplateConstant        = "ref %q matches none of %s"
	refRegexDetailTemplateConstant          = "ref %q does not match %s"
	invalidRegexDetailTemplateConstant      = "ref_regex %s is invalid"
	versionTagDetailTemplateConstant        = "ref %q is not a version tag"
	secretMissingDetailTemplateConstant     = "secret %s is not present"
	secretPresentDetailTemplateConstant     = "secret %s is present"
	outcomeDetailTemplateConstant           = "dependency %q ended %s, expected one of %v"
)

// SkipReason classifies why a job was not run.
type SkipReason string

// Skip reasons in policy order.
const (
	SkipReasonUpstreamCancelled SkipReason = "upstream-cancelled"
	SkipReasonUpstreamFailed    SkipReason = "upstream-failed"
	SkipReasonUpstreamSkipped   SkipReason = "upstream-skipped"
	SkipReasonCondition         SkipReason = "condition"
)

// RunContext is the run-level input to gate evaluation.
type RunContext struct {
	Trigger pipeline.TriggerEvent
}

// UpstreamOutcome is the terminal state of a dependency together with its optional flag.
type UpstreamOutcome struct {
	State    pipeline.JobState
	Optional bool
}

// Decision is the result of evaluating one job.
type Decision struct {
	Eligible    bool
	Reason      SkipReason
	Detail      string
	PublishMode taskrunner.PublishMode
}

// Evaluator applies the skip policy and job conditions. It has no side effects
// apart from caching compiled ref expressions.
type Evaluator struct {
	mutex       sync.Mutex
	expressions map[string]*regexp.Regexp
}

// NewEvaluator creates an evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{expressions: make(map[string]*regexp.Regexp)}
}

// Evaluate decides whether the job runs. Upstream outcomes are keyed by dependency id.
func (evaluator *Evaluator) Evaluate(job *pipeline.Job, runContext RunContext, upstream map[string]UpstreamOutcome) Decision {
	needs := job.Needs()

	for _, dependencyID := range needs {
		if upstream[dependencyID].State == pipeline.JobStateCancelled {
			return skip(SkipReasonUpstreamCancelled, fmt.Sprintf(upstreamCancelledDetailTemplateConstant, dependencyID))
		}
	}

	if !job.AlwaysRun() {
		for _, dependencyID := range needs {
			if upstream[dependencyID].State == pipeline.JobStateFailure {
				return skip(SkipReasonUpstreamFailed, fmt.Sprintf(upstreamFailedDetailTemplateConstant, dependencyID))
			}
		}
		for _, dependencyID := range needs {
			outcome := upstream[dependencyID]
			if outcome.State == pipeline.JobStateSkipped && !outcome.Optional {
				return skip(SkipReasonUpstreamSkipped, fmt.Sprintf(upstreamSkippedDetailTemplateConstant, dependencyID))
			}
		}
	}

	if matched, detail := evaluator.Matches(job.Condition(), runContext, upstream); !matched {
		return skip(SkipReasonCondition, detail)
	}

	decision := Decision{Eligible: true}
	if secretName := job.Secret(); len(secretName) > 0 {
		if credential, present := runContext.Trigger.Secret(secretName); present {
			decision.PublishMode = taskrunner.RealPublish(secretName, credential)
		} else {
			decision.PublishMode = taskrunner.DryRunPublish(secretName)
		}
	}
	return decision
}

// Matches evaluates the condition and, when it is false, explains the first clause that failed.
func (evaluator *Evaluator) Matches(condition pipeline.Condition, runContext RunContext, upstream map[string]UpstreamOutcome) (bool, string) {
	trigger := runContext.Trigger

	if len(condition.Triggers) > 0 && !slices.Contains(condition.Triggers, trigger.Kind) {
		return false, fmt.Sprintf(triggerDetailTemplateConstant, trigger.Kind, joinKinds(condition.Triggers))
	}

	if len(condition.RefPatterns) > 0 && !matchesAnyPattern(condition.RefPatterns, trigger.Ref) {
		return false, fmt.Sprintf(refPatternDetailTemplateConstant, trigger.Ref, strings.Join(condition.RefPatterns, ", "))
	}

	if len(condition.RefRegex) > 0 {
		expression := evaluator.compile(condition.RefRegex)
		if expression == nil {
			return false, fmt.Sprintf(invalidRegexDetailTemplateConstant, condition.RefRegex)
		}
		if !expression.MatchString(trigger.Ref) {
			return false, fmt.Sprintf(refRegexDetailTemplateConstant, trigger.Ref, condition.RefRegex)
		}
	}

	if condition.VersionTag && !IsVersionTag(trigger.Ref) {
		return false, fmt.Sprintf(versionTagDetailTemplateConstant, trigger.Ref)
	}

	for _, secretName := range condition.SecretsPresent {
		if _, present := trigger.Secret(secretName); !present {
			return false, fmt.Sprintf(secretMissingDetailTemplateConstant, secretName)
		}
	}
	for _, secretName := range condition.SecretsAbsent {
		if _, present := trigger.Secret(secretName); present {
			return false, fmt.Sprintf(secretPresentDetailTemplateConstant, secretName)
		}
	}

	for _, dependencyID := range sortedKeys(condition.NeedsOutcome) {
		allowed := condition.NeedsOutcome[dependencyID]
		state := upstream[dependencyID].State
		if !slices.Contains(allowed, state) {
			return false, fmt.Sprintf(outcomeDetailTemplateConstant, dependencyID, state, allowed)
		}
	}

	return true, ""
}

func (evaluator *Evaluator) compile(pattern string) *regexp.Regexp {
	evaluator.mutex.Lock()
	defer evaluator.mutex.Unlock()

	if expression, cached := evaluator.expressions[pattern]; cached {
		return expression
	}
	expression, compileError := regexp.Compile(pattern)
	if compileError != nil {
		expression = nil
	}
	evaluator.expressions[pattern] = expression
	return expression
}

func skip(reason SkipReason, detail string) Decision {
	return Decision{Reason: reason, Detail: detail}
}

func matchesAnyPattern(patterns []string, ref string) bool {
	candidates := []string{strings.TrimSpace(ref), ShortRef(ref)}
	for _, pattern := range patterns {
		for _, candidate := range candidates {
			if matched, matchError := path.Match(strings.TrimSpace(pattern), candidate); matchError == nil && matched {
				return true
			}
		}
	}
	return false
}

func joinKinds(kinds []pipeline.TriggerKind) string {
	names := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		names = append(names, string(kind))
	}
	return strings.Join(names, ", ")
}

func sortedKeys(outcomes map[string][]pipeline.JobState) []string {
	keys := make([]string, 0, len(outcomes))
	for key := range outcomes {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}
