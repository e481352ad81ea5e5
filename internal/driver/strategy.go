package driver

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
	"github.com/rs/zerolog/log"

	"github.com/maruntime/maruntime/internal/llm"
	"github.com/maruntime/maruntime/internal/tools"
	"github.com/maruntime/maruntime/pkg/models"
)

// phase is what the reasoning phase hands to the rest of the step. persisted
// and execs are already-completed artifacts to include in the step write.
// A non-empty toolCalls carries the step's actions and skips the selection
// call entirely.
type phase struct {
	persisted []*models.SessionMessage
	execs     []*models.ToolExecution
	toolCalls []models.ToolCallRef
	content   string
}

// strategy is the per-base-class reasoning phase. Everything after reasoning
// is identical across base classes.
type strategy interface {
	reason(ctx context.Context, r *run, step int, selected []*tools.Descriptor) (*phase, error)
}

func strategyFor(base models.AgentBaseClass) strategy {
	switch base {
	case models.BaseFlexible:
		return flexibleStrategy{}
	case models.BaseSGR:
		return sgrStrategy{}
	default:
		return directStrategy{}
	}
}

// directStrategy covers SimpleAgent and ToolCallingAgent: no reasoning phase.
type directStrategy struct{}

func (directStrategy) reason(context.Context, *run, int, []*tools.Descriptor) (*phase, error) {
	return &phase{}, nil
}

// ── FlexibleToolCallingAgent ─────────────────────────────────

// flexibleStrategy forces a ReasoningTool call before the selection phase.
// The rationale lands in the transcript as a completed tool round, so the
// selection call sees the plan the model just committed to.
type flexibleStrategy struct{}

func (flexibleStrategy) reason(ctx context.Context, r *run, step int, selected []*tools.Descriptor) (*phase, error) {
	desc := findTool(selected, tools.NameReasoning)
	if desc == nil {
		// ReasoningTool filtered out for this step; behave like a direct agent.
		return &phase{}, nil
	}

	completion, err := r.client.StreamChat(ctx, llm.Request{
		Messages: r.messages(selected),
		Tools:    openaiTools(selected),
		ToolChoice: &openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: desc.Name()},
		},
	}, r.stream.PublishDelta)
	if err != nil {
		return nil, err
	}
	if len(completion.ToolCalls) == 0 {
		if completion.Content != "" {
			r.stream.Thinking(step, completion.Content)
		}
		return &phase{}, nil
	}

	tc := completion.ToolCalls[0]
	tc.ID = fmt.Sprintf("%d-reasoning-0", step)
	if tc.Type == "" {
		tc.Type = "function"
	}

	r.stream.ToolCall(step, tc.Function.Name, rawJSON(tc.Function.Arguments))
	inv := r.inv.WithConfig(r.invocationConfig(desc))
	res := r.d.catalog.Execute(ctx, desc, inv, rawJSON(tc.Function.Arguments))
	r.stream.ToolResult(step, tc.Function.Name, res.Content, res.Success(), res.Duration)
	if res.Success() {
		r.stream.Thinking(step, r.snapshot.LastReasoning)
	}
	r.out.ToolCalls++

	assistant := &models.SessionMessage{
		SessionID: r.sess.ID,
		Role:      models.RoleAssistant,
		ToolCalls: []models.ToolCallRef{tc},
		Type:      models.TypeToolCall,
		Step:      step,
	}
	toolMsg := &models.SessionMessage{
		SessionID:  r.sess.ID,
		Role:       models.RoleTool,
		Content:    res.Content,
		ToolCallID: tc.ID,
		Type:       models.TypeToolResult,
		Step:       step,
	}
	r.conv = append(r.conv,
		assistantMessage("", []models.ToolCallRef{tc}),
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleTool, Content: res.Content, ToolCallID: tc.ID},
	)

	return &phase{
		persisted: []*models.SessionMessage{assistant, toolMsg},
		execs:     []*models.ToolExecution{executionRecord(r.sess.ID, tc, res)},
	}, nil
}

// ── SGRToolCallingAgent ──────────────────────────────────────

// sgrStrategy reasons via structured output: the model fills a discriminated
// union built from the step's candidate tool schemas, and the chosen branch
// becomes the step's tool call. No separate selection call happens.
type sgrStrategy struct{}

type sgrDecision struct {
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
}

func (sgrStrategy) reason(ctx context.Context, r *run, step int, selected []*tools.Descriptor) (*phase, error) {
	schema, err := unionSchema(selected)
	if err != nil {
		return nil, err
	}

	completion, err := r.client.StreamChat(ctx, llm.Request{
		Messages: r.messages(selected),
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   "next_action",
				Schema: schema,
				Strict: true,
			},
		},
	}, r.stream.PublishDelta)
	if err != nil {
		return nil, err
	}

	var decision sgrDecision
	if err := json.Unmarshal([]byte(completion.Content), &decision); err != nil || decision.Tool == "" {
		// Undecodable structured output; fall through to required tool calling.
		log.Warn().Str("session_id", r.sess.ID).Int("step", step).Msg("schema-guided output unusable, falling back to tool choice")
		return &phase{}, nil
	}
	if findTool(selected, decision.Tool) == nil {
		log.Warn().Str("session_id", r.sess.ID).Str("tool", decision.Tool).Msg("schema-guided output picked an unselected tool")
		return &phase{}, nil
	}

	args := "{}"
	if len(decision.Arguments) > 0 {
		args = string(decision.Arguments)
	}
	return &phase{
		toolCalls: []models.ToolCallRef{{
			Type:     "function",
			Function: models.FunctionCall{Name: decision.Tool, Arguments: args},
		}},
	}, nil
}

// unionSchema builds the anyOf union of {tool, arguments} branches, one per
// candidate descriptor.
func unionSchema(selected []*tools.Descriptor) (json.RawMessage, error) {
	branches := make([]map[string]any, 0, len(selected))
	for _, d := range selected {
		params := json.RawMessage(`{"type":"object"}`)
		if len(d.Schema) > 0 {
			params = d.Schema
		}
		branches = append(branches, map[string]any{
			"type": "object",
			"properties": map[string]any{
				"tool":      map[string]any{"const": d.Name()},
				"arguments": params,
			},
			"required":             []string{"tool", "arguments"},
			"additionalProperties": false,
		})
	}
	return json.Marshal(map[string]any{"anyOf": branches})
}
