package selector_test

import (
	"context"
	"testing"

	"github.com/maruntime/maruntime/internal/selector"
	"github.com/maruntime/maruntime/internal/store"
	"github.com/maruntime/maruntime/internal/tools"
	"github.com/maruntime/maruntime/pkg/models"
)

func newSelector(t *testing.T) *selector.Selector {
	t.Helper()
	s := store.NewMemoryStore()
	if err := tools.SeedBuiltins(context.Background(), s); err != nil {
		t.Fatalf("seed builtins: %v", err)
	}
	return selector.New(tools.NewCatalog(s, tools.Deps{Turns: s}), nil)
}

func version(settings models.TemplateSettings, toolNames ...string) *models.TemplateVersion {
	return &models.TemplateVersion{
		ID:       "v1",
		Version:  1,
		Settings: settings,
		Tools:    toolNames,
	}
}

func names(descriptors []*tools.Descriptor) []string {
	out := make([]string, len(descriptors))
	for i, d := range descriptors {
		out[i] = d.Name()
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSelectToolsStaticOrder(t *testing.T) {
	sel := newSelector(t)
	v := version(models.TemplateSettings{}, tools.NameWebSearch, tools.NameReasoning, tools.NameFinalAnswer)

	got, err := sel.SelectTools(context.Background(), &models.ContextSnapshot{}, models.SessionResearching, v, "")
	if err != nil {
		t.Fatalf("SelectTools: %v", err)
	}
	want := []string{tools.NameWebSearch, tools.NameReasoning, tools.NameFinalAnswer}
	if !equal(names(got), want) {
		t.Errorf("tools = %v, want declaration order %v", names(got), want)
	}
}

func TestSelectToolsSkipsUnknown(t *testing.T) {
	sel := newSelector(t)
	v := version(models.TemplateSettings{}, "NoSuchTool", tools.NameEcho)

	got, err := sel.SelectTools(context.Background(), &models.ContextSnapshot{}, models.SessionResearching, v, "")
	if err != nil {
		t.Fatalf("SelectTools: %v", err)
	}
	if !equal(names(got), []string{tools.NameEcho}) {
		t.Errorf("tools = %v, want unknown names dropped", names(got))
	}
}

func TestSelectToolsDenylist(t *testing.T) {
	sel := newSelector(t)
	v := version(models.TemplateSettings{
		ToolPol: models.ToolPolicy{Denylist: []string{"websearchtool"}},
	}, tools.NameWebSearch, tools.NameFinalAnswer)

	got, err := sel.SelectTools(context.Background(), &models.ContextSnapshot{}, models.SessionResearching, v, "")
	if err != nil {
		t.Fatalf("SelectTools: %v", err)
	}
	if !equal(names(got), []string{tools.NameFinalAnswer}) {
		t.Errorf("tools = %v, want denylisted tool removed", names(got))
	}
}

func TestSelectToolsAllowlist(t *testing.T) {
	sel := newSelector(t)
	v := version(models.TemplateSettings{
		ToolPol: models.ToolPolicy{Allowlist: []string{tools.NameReasoning, tools.NameFinalAnswer}},
	}, tools.NameWebSearch, tools.NameReasoning, tools.NameFinalAnswer)

	got, err := sel.SelectTools(context.Background(), &models.ContextSnapshot{}, models.SessionResearching, v, "")
	if err != nil {
		t.Fatalf("SelectTools: %v", err)
	}
	want := []string{tools.NameReasoning, tools.NameFinalAnswer}
	if !equal(names(got), want) {
		t.Errorf("tools = %v, want %v", names(got), want)
	}
}

func TestSelectToolsRequiredFirst(t *testing.T) {
	sel := newSelector(t)
	v := version(models.TemplateSettings{
		ToolPol: models.ToolPolicy{RequiredTools: []string{tools.NameFinalAnswer}},
	}, tools.NameWebSearch, tools.NameEcho, tools.NameFinalAnswer)

	got, err := sel.SelectTools(context.Background(), &models.ContextSnapshot{}, models.SessionResearching, v, "")
	if err != nil {
		t.Fatalf("SelectTools: %v", err)
	}
	if names(got)[0] != tools.NameFinalAnswer {
		t.Errorf("tools = %v, want required tool first", names(got))
	}
	if len(got) != 3 {
		t.Errorf("required tool duplicated or dropped: %v", names(got))
	}
}

func TestSelectToolsMaxToolsTruncation(t *testing.T) {
	sel := newSelector(t)
	v := version(models.TemplateSettings{
		ToolPol: models.ToolPolicy{MaxToolsInPrompt: 2},
	}, tools.NameWebSearch, tools.NameReasoning, tools.NameFinalAnswer, tools.NameEcho)

	got, err := sel.SelectTools(context.Background(), &models.ContextSnapshot{}, models.SessionResearching, v, "")
	if err != nil {
		t.Fatalf("SelectTools: %v", err)
	}
	want := []string{tools.NameWebSearch, tools.NameReasoning}
	if !equal(names(got), want) {
		t.Errorf("tools = %v, want first %d in order", names(got), 2)
	}
}

func TestSelectToolsRuleKeepOnly(t *testing.T) {
	sel := newSelector(t)
	v := version(models.TemplateSettings{
		Rules: []models.Rule{
			{
				When:    models.RuleCondition{IterationGTE: &models.Threshold{Value: 3}},
				Actions: models.RuleAction{KeepOnly: []string{tools.NameFinalAnswer}, SetStage: "wrap_up"},
			},
		},
	}, tools.NameWebSearch, tools.NameFinalAnswer)

	snap := &models.ContextSnapshot{Iteration: 3}
	got, err := sel.SelectTools(context.Background(), snap, models.SessionResearching, v, "")
	if err != nil {
		t.Fatalf("SelectTools: %v", err)
	}
	if !equal(names(got), []string{tools.NameFinalAnswer}) {
		t.Errorf("tools = %v, want rule keep_only applied", names(got))
	}
	if snap.Stage != "wrap_up" {
		t.Errorf("stage = %q, want set_stage folded into snapshot", snap.Stage)
	}
}

func TestSelectToolsFinalAnswerFallback(t *testing.T) {
	sel := newSelector(t)
	v := version(models.TemplateSettings{
		Rules: []models.Rule{
			{Actions: models.RuleAction{KeepOnly: []string{"NothingMatches"}}},
		},
	}, tools.NameWebSearch, tools.NameEcho)

	got, err := sel.SelectTools(context.Background(), &models.ContextSnapshot{}, models.SessionResearching, v, "")
	if err != nil {
		t.Fatalf("SelectTools: %v", err)
	}
	if !equal(names(got), []string{tools.NameFinalAnswer}) {
		t.Errorf("tools = %v, want FinalAnswerTool fallback", names(got))
	}
}

func TestSelectToolsQuotaOverride(t *testing.T) {
	sel := newSelector(t)
	v := version(models.TemplateSettings{
		ToolPol: models.ToolPolicy{
			Quotas: map[string]models.ToolQuota{
				tools.NameEcho: {MaxCalls: 2},
			},
		},
	}, tools.NameEcho)

	got, err := sel.SelectTools(context.Background(), &models.ContextSnapshot{}, models.SessionResearching, v, "")
	if err != nil {
		t.Fatalf("SelectTools: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("tools = %v", names(got))
	}
	if got[0].Quota.MaxCalls != 2 {
		t.Errorf("quota override = %d, want 2", got[0].Quota.MaxCalls)
	}
}

func TestSelectToolsRequiredSurvivesPreFilter(t *testing.T) {
	sel := newSelector(t)
	v := version(models.TemplateSettings{
		ToolPol: models.ToolPolicy{RequiredTools: []string{tools.NameFinalAnswer}},
		Rules: []models.Rule{
			{
				ApplyTo: []models.RulePhase{models.PhasePreRetrieval},
				Actions: models.RuleAction{Exclude: []string{tools.NameFinalAnswer}},
			},
		},
	}, tools.NameWebSearch, tools.NameFinalAnswer)

	got, err := sel.SelectTools(context.Background(), &models.ContextSnapshot{}, models.SessionResearching, v, "")
	if err != nil {
		t.Fatalf("SelectTools: %v", err)
	}
	want := []string{tools.NameFinalAnswer, tools.NameWebSearch}
	if !equal(names(got), want) {
		t.Errorf("tools = %v, want required tool restored after the pre-retrieval phase", names(got))
	}
}

func TestSelectToolsPostFilterMayDropRequired(t *testing.T) {
	sel := newSelector(t)
	v := version(models.TemplateSettings{
		ToolPol: models.ToolPolicy{RequiredTools: []string{tools.NameFinalAnswer}},
		Rules: []models.Rule{
			{
				ApplyTo: []models.RulePhase{models.PhasePostRetrieval},
				Actions: models.RuleAction{Exclude: []string{tools.NameFinalAnswer}},
			},
		},
	}, tools.NameWebSearch, tools.NameFinalAnswer)

	got, err := sel.SelectTools(context.Background(), &models.ContextSnapshot{}, models.SessionResearching, v, "")
	if err != nil {
		t.Fatalf("SelectTools: %v", err)
	}
	if !equal(names(got), []string{tools.NameWebSearch}) {
		t.Errorf("tools = %v, want post-retrieval phase to drop the required tool", names(got))
	}
}

func TestQuery(t *testing.T) {
	snap := &models.ContextSnapshot{
		Task:           "compare go web frameworks",
		RemainingSteps: []string{"benchmark routers", "summarize"},
		Stage:          "research",
	}
	got := selector.Query(snap)
	want := "compare go web frameworks\nbenchmark routers\nresearch"
	if got != want {
		t.Errorf("query = %q, want %q", got, want)
	}

	if got := selector.Query(&models.ContextSnapshot{Task: "t"}); got != "t" {
		t.Errorf("minimal query = %q", got)
	}
}
