// Package rules evaluates template-defined discriminators against session
// counters. Evaluation is a pure function of the counters and the supplied
// candidate list; the only side channel is the returned stage label.
package rules

import (
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog/log"

	"github.com/maruntime/maruntime/pkg/models"
)

// Env is the session view a rule condition may inspect.
type Env struct {
	Iteration          int
	SearchesUsed       int
	ClarificationsUsed int
	State              string
	Stage              string
}

// Outcome is the result of applying every matching rule of one phase.
type Outcome struct {
	Tools []string
	// Stage is non-empty when a set_stage action fired; the caller folds it
	// into the context snapshot at the next transaction.
	Stage string
}

// Apply runs the rules of one phase over the candidate tool list. Rules are
// evaluated in declaration order; effects compose left-to-right. Within one
// rule keep_only takes precedence over exclude. Name matching is
// case-insensitive.
func Apply(phase models.RulePhase, ruleset []models.Rule, env Env, policy models.ExecutionPolicy, candidates []string) Outcome {
	out := Outcome{Tools: candidates}
	for i := range ruleset {
		rule := &ruleset[i]
		if !rule.AppliesTo(phase) {
			continue
		}
		if !matches(&rule.When, env, policy) {
			continue
		}
		if len(rule.Actions.KeepOnly) > 0 {
			out.Tools = intersect(out.Tools, rule.Actions.KeepOnly)
		} else if len(rule.Actions.Exclude) > 0 {
			out.Tools = subtract(out.Tools, rule.Actions.Exclude)
		}
		if rule.Actions.SetStage != "" {
			out.Stage = rule.Actions.SetStage
		}
	}
	return out
}

// matches evaluates one condition set. Conditions are conjunctive;
// unspecified ones trivially hold. A threshold that cannot resolve (bad
// policy field reference) fails the condition rather than the step.
func matches(cond *models.RuleCondition, env Env, policy models.ExecutionPolicy) bool {
	if !thresholdHolds(cond.IterationGTE, env.Iteration, policy) {
		return false
	}
	if !thresholdHolds(cond.SearchesUsedGTE, env.SearchesUsed, policy) {
		return false
	}
	if !thresholdHolds(cond.ClarificationsUsedGTE, env.ClarificationsUsed, policy) {
		return false
	}
	if cond.StateEquals != "" && cond.StateEquals != env.State {
		return false
	}
	if cond.Expr != "" && !evalExpr(cond.Expr, env) {
		return false
	}
	return true
}

func thresholdHolds(t *models.Threshold, current int, policy models.ExecutionPolicy) bool {
	if t == nil {
		return true
	}
	target, ok := t.Resolve(policy)
	if !ok {
		log.Warn().Str("ref", t.Ref).Msg("rule threshold reference unresolved")
		return false
	}
	return current >= target
}

// ── Expression conditions ────────────────────────────────────

var programs sync.Map

// evalExpr runs a compiled boolean expression over the counter env. Compile
// and runtime errors disable the condition (fail closed) with a warning.
func evalExpr(src string, env Env) bool {
	input := map[string]any{
		"iteration":           env.Iteration,
		"searches_used":       env.SearchesUsed,
		"clarifications_used": env.ClarificationsUsed,
		"state":               env.State,
		"stage":               env.Stage,
	}

	var program *vm.Program
	if cached, ok := programs.Load(src); ok {
		program = cached.(*vm.Program)
	} else {
		compiled, err := expr.Compile(src, expr.AsBool(), expr.AllowUndefinedVariables())
		if err != nil {
			log.Warn().Err(err).Str("expr", src).Msg("rule expression failed to compile")
			return false
		}
		programs.Store(src, compiled)
		program = compiled
	}

	result, err := expr.Run(program, input)
	if err != nil {
		log.Warn().Err(err).Str("expr", src).Msg("rule expression failed")
		return false
	}
	ok, _ := result.(bool)
	return ok
}

// ── Set operations ───────────────────────────────────────────

func canonicalSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[models.CanonicalToolName(n)] = struct{}{}
	}
	return set
}

func intersect(candidates, keep []string) []string {
	set := canonicalSet(keep)
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if _, ok := set[models.CanonicalToolName(c)]; ok {
			out = append(out, c)
		}
	}
	return out
}

func subtract(candidates, drop []string) []string {
	set := canonicalSet(drop)
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if _, ok := set[models.CanonicalToolName(c)]; !ok {
			out = append(out, c)
		}
	}
	return out
}
