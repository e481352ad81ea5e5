package driver

import (
	"encoding/json"
	"reflect"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/maruntime/maruntime/internal/tools"
	"github.com/maruntime/maruntime/pkg/models"
)

func TestNormalizeToolCalls(t *testing.T) {
	calls := []models.ToolCallRef{
		{ID: "provider-id-1", Function: models.FunctionCall{Name: "WebSearchTool"}},
		{Type: "function", Function: models.FunctionCall{Name: "EchoTool"}},
	}
	normalizeToolCalls(3, calls)

	if calls[0].ID != "3-action-0" || calls[1].ID != "3-action-1" {
		t.Errorf("ids = %q, %q", calls[0].ID, calls[1].ID)
	}
	if calls[0].Type != "function" {
		t.Errorf("empty type not defaulted: %q", calls[0].Type)
	}
	if calls[1].Type != "function" {
		t.Errorf("explicit type changed: %q", calls[1].Type)
	}
}

func TestRawJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "empty", in: "", want: "{}"},
		{name: "valid object", in: `{"query":"go"}`, want: `{"query":"go"}`},
		{name: "valid array", in: `[1,2]`, want: `[1,2]`},
		{name: "garbage quoted", in: `{"query": unterminated`, want: `"{\"query\": unterminated"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := rawJSON(tt.in)
			if string(got) != tt.want {
				t.Errorf("rawJSON(%q) = %s, want %s", tt.in, got, tt.want)
			}
			if !json.Valid(got) {
				t.Errorf("rawJSON(%q) produced invalid JSON", tt.in)
			}
		})
	}
}

func TestFallbackFinalAnswer(t *testing.T) {
	tc := fallbackFinalAnswer("the model rambled instead")
	if tc.Function.Name != tools.NameFinalAnswer {
		t.Errorf("name = %q", tc.Function.Name)
	}
	if tc.Type != "function" {
		t.Errorf("type = %q", tc.Type)
	}

	fa, err := tools.ParseFinalAnswer(json.RawMessage(tc.Function.Arguments))
	if err != nil {
		t.Fatalf("arguments not parsable: %v", err)
	}
	if fa.Status != "failed" {
		t.Errorf("status = %q, want failed", fa.Status)
	}
	if fa.Answer != "the model rambled instead" {
		t.Errorf("answer = %q", fa.Answer)
	}
}

func TestConversation(t *testing.T) {
	msgs := []models.SessionMessage{
		{Role: models.RoleSystem, Content: "system prompt"},
		{Role: models.RoleUser, Content: "do the thing"},
		{
			Role: models.RoleAssistant,
			ToolCalls: []models.ToolCallRef{{
				ID:       "1-action-0",
				Type:     "function",
				Function: models.FunctionCall{Name: "EchoTool", Arguments: `{"message":"hi"}`},
			}},
		},
		{Role: models.RoleTool, Content: `{"message":"hi"}`, ToolCallID: "1-action-0"},
	}

	conv := conversation(msgs)
	if len(conv) != 3 {
		t.Fatalf("len = %d, want system message skipped", len(conv))
	}
	if conv[0].Role != openai.ChatMessageRoleUser {
		t.Errorf("first role = %q", conv[0].Role)
	}
	if len(conv[1].ToolCalls) != 1 {
		t.Fatalf("assistant tool calls = %d", len(conv[1].ToolCalls))
	}
	tc := conv[1].ToolCalls[0]
	if tc.ID != "1-action-0" || tc.Function.Name != "EchoTool" || tc.Function.Arguments != `{"message":"hi"}` {
		t.Errorf("tool call = %+v", tc)
	}
	if conv[2].Role != openai.ChatMessageRoleTool || conv[2].ToolCallID != "1-action-0" {
		t.Errorf("tool message = %+v", conv[2])
	}
}

func TestIndexOfTool(t *testing.T) {
	calls := []models.ToolCallRef{
		{Function: models.FunctionCall{Name: "WebSearchTool"}},
		{Function: models.FunctionCall{Name: "clarificationtool"}},
	}
	if i := indexOfTool(calls, tools.NameClarification); i != 1 {
		t.Errorf("index = %d, want case-insensitive match at 1", i)
	}
	if i := indexOfTool(calls, tools.NameFinalAnswer); i != -1 {
		t.Errorf("index = %d, want -1 for absent tool", i)
	}
}

func TestFindTool(t *testing.T) {
	selected := []*tools.Descriptor{
		{Tool: models.Tool{Name: "WebSearchTool"}},
		{Tool: models.Tool{Name: "FinalAnswerTool"}},
	}
	if d := findTool(selected, "finalanswertool"); d == nil || d.Name() != "FinalAnswerTool" {
		t.Errorf("findTool = %v", d)
	}
	if d := findTool(selected, "EchoTool"); d != nil {
		t.Errorf("absent tool resolved: %v", d)
	}
}

func TestStrategyFor(t *testing.T) {
	tests := []struct {
		base models.AgentBaseClass
		want reflect.Type
	}{
		{models.BaseSimple, reflect.TypeOf(directStrategy{})},
		{models.BaseToolCalling, reflect.TypeOf(directStrategy{})},
		{models.BaseFlexible, reflect.TypeOf(flexibleStrategy{})},
		{models.BaseSGR, reflect.TypeOf(sgrStrategy{})},
		{"", reflect.TypeOf(directStrategy{})},
	}
	for _, tt := range tests {
		if got := reflect.TypeOf(strategyFor(tt.base)); got != tt.want {
			t.Errorf("strategyFor(%q) = %v, want %v", tt.base, got, tt.want)
		}
	}
}

func TestUnionSchema(t *testing.T) {
	selected := []*tools.Descriptor{
		{Tool: models.Tool{Name: "EchoTool"}, Schema: json.RawMessage(`{"type":"object","properties":{"message":{"type":"string"}}}`)},
		{Tool: models.Tool{Name: "FinalAnswerTool"}},
	}
	raw, err := unionSchema(selected)
	if err != nil {
		t.Fatalf("unionSchema: %v", err)
	}

	var schema struct {
		AnyOf []struct {
			Properties struct {
				Tool struct {
					Const string `json:"const"`
				} `json:"tool"`
				Arguments json.RawMessage `json:"arguments"`
			} `json:"properties"`
			Required []string `json:"required"`
		} `json:"anyOf"`
	}
	if err := json.Unmarshal(raw, &schema); err != nil {
		t.Fatalf("decode union: %v", err)
	}
	if len(schema.AnyOf) != 2 {
		t.Fatalf("branches = %d, want 2", len(schema.AnyOf))
	}
	if schema.AnyOf[0].Properties.Tool.Const != "EchoTool" {
		t.Errorf("first branch tool = %q", schema.AnyOf[0].Properties.Tool.Const)
	}
	if !reflect.DeepEqual(schema.AnyOf[0].Required, []string{"tool", "arguments"}) {
		t.Errorf("required = %v", schema.AnyOf[0].Required)
	}
	// Schemaless descriptor defaults to an open object branch.
	if string(schema.AnyOf[1].Properties.Arguments) != `{"type":"object"}` {
		t.Errorf("default branch arguments = %s", schema.AnyOf[1].Properties.Arguments)
	}
}

func TestExecutionRecord(t *testing.T) {
	tc := models.ToolCallRef{
		ID:       "2-action-0",
		Type:     "function",
		Function: models.FunctionCall{Name: "EchoTool", Arguments: `{"message":"hi"}`},
	}
	rec := executionRecord("sess-1", tc, tools.Result{Content: `{"message":"hi"}`, Status: models.ExecOK})
	if rec.ID == "" {
		t.Error("execution record missing id")
	}
	if rec.SessionID != "sess-1" || rec.ToolName != "EchoTool" {
		t.Errorf("record = %+v", rec)
	}
	if rec.Status != models.ExecOK {
		t.Errorf("status = %s", rec.Status)
	}
	if rec.FinishedAt.Before(rec.StartedAt) {
		t.Error("finished before started")
	}
}
