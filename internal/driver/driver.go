// Package driver runs the agent loop on a claimed session: reasoning,
// selection and action phases per step, with durable suspension on
// clarification and atomic per-step persistence. The loop holds no state of
// its own; everything needed to resume lives in the session's context
// snapshot and message log.
package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/maruntime/maruntime/internal/events"
	"github.com/maruntime/maruntime/internal/llm"
	"github.com/maruntime/maruntime/internal/prompts"
	"github.com/maruntime/maruntime/internal/selector"
	"github.com/maruntime/maruntime/internal/store"
	"github.com/maruntime/maruntime/internal/tools"
	"github.com/maruntime/maruntime/pkg/models"
)

// maxParallelTools caps concurrent tool executions within one step.
const maxParallelTools = 4

// defaultMaxIterations applies when the execution policy leaves it unset.
const defaultMaxIterations = 10

// minLLMCallTimeout floors the per-call deadline derived from the remaining
// time budget.
const minLLMCallTimeout = 30 * time.Second

var tracer = otel.Tracer("maruntime/driver")

// Driver executes the agent loop. One Driver serves all workers; per-run
// state lives in the run struct.
type Driver struct {
	store   store.Store
	catalog *tools.Catalog
	sel     *selector.Selector
}

// New builds the loop driver.
func New(st store.Store, catalog *tools.Catalog, sel *selector.Selector) *Driver {
	return &Driver{store: st, catalog: catalog, sel: sel}
}

// Outcome summarizes one run for the releasing worker.
type Outcome struct {
	State     models.SessionState
	Suspended bool
	Messages  int64
	ToolCalls int64
	Errors    int64
}

type run struct {
	d        *Driver
	sess     *models.Session
	version  *models.TemplateVersion
	client   *llm.Client
	stream   *events.Stream
	snapshot models.ContextSnapshot
	conv     []openai.ChatCompletionMessage
	inv      *tools.Invocation
	deadline time.Time
	out      Outcome
}

// Run drives the claimed session to completion, suspension or error. Stream
// events are emitted as the loop progresses; the stream is closed with a
// done event on every exit path so attached SSE clients always observe
// [DONE]. A returned error means the worker faulted; the session stays
// RESEARCHING for another claim.
func (d *Driver) Run(ctx context.Context, sess *models.Session, version *models.TemplateVersion, client *llm.Client, stream *events.Stream) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "driver.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", sess.ID),
		attribute.String("template.version_id", version.ID),
	)

	policy := version.Settings.Execution
	maxIter := policy.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}

	_, logMsgs, err := d.store.LoadSession(ctx, sess.ID)
	if err != nil {
		stream.Error(0, "session load failed")
		stream.FinishDone("stop")
		return Outcome{State: sess.State}, err
	}

	r := &run{
		d:        d,
		sess:     sess,
		version:  version,
		client:   client,
		stream:   stream,
		snapshot: sess.Context.Clone(),
		conv:     conversation(logMsgs),
		out:      Outcome{State: models.SessionResearching},
	}
	r.inv = tools.NewInvocation(sess.ID, &r.snapshot)
	if policy.TimeBudgetSeconds > 0 {
		r.deadline = time.Now().Add(time.Duration(policy.TimeBudgetSeconds) * time.Second)
	}

	strat := strategyFor(version.Settings.BaseClass)

	for {
		if !r.deadline.IsZero() && time.Now().After(r.deadline) {
			return r.finalizePolicy(ctx, "time_budget_exceeded", "budget")
		}
		if r.snapshot.Iteration >= maxIter {
			return r.finalizePolicy(ctx, "iteration_limit", "length")
		}

		r.snapshot.Iteration++
		step := r.snapshot.Iteration
		stepStarted := time.Now()
		stream.StepStart(step, maxIter, "Analyzing...")

		selected, err := d.sel.SelectTools(ctx, &r.snapshot, models.SessionResearching, version, selector.Query(&r.snapshot))
		if err != nil {
			return r.fault(step, "tool selection failed", err)
		}

		var stepMsgs []*models.SessionMessage
		var stepExecs []*models.ToolExecution

		// Reasoning phase.
		callCtx, cancel := r.callCtx(ctx)
		pre, err := strat.reason(callCtx, r, step, selected)
		cancel()
		if err != nil {
			return r.fault(step, "reasoning call failed", err)
		}
		stepMsgs = append(stepMsgs, pre.persisted...)
		stepExecs = append(stepExecs, pre.execs...)

		// Selection phase, unless the reasoning output already carries the
		// step's actions.
		toolCalls := pre.toolCalls
		content := ""
		if len(toolCalls) == 0 {
			callCtx, cancel := r.callCtx(ctx)
			completion, err := r.client.StreamChat(callCtx, llm.Request{
				Messages:          r.messages(selected),
				Tools:             openaiTools(selected),
				ToolChoice:        "required",
				ParallelToolCalls: true,
			}, stream.PublishDelta)
			cancel()
			if err != nil {
				return r.fault(step, "selection call failed", err)
			}
			toolCalls = completion.ToolCalls
			content = completion.Content
			if len(toolCalls) == 0 {
				toolCalls = []models.ToolCallRef{fallbackFinalAnswer(completion.Content)}
			}
		}
		normalizeToolCalls(step, toolCalls)

		// ClarificationTool must arrive alone.
		clarIdx := indexOfTool(toolCalls, tools.NameClarification)
		if clarIdx >= 0 && len(toolCalls) > 1 {
			stream.Error(step, "ClarificationTool cannot be combined with other tool calls")
			stream.StepEnd(step, "error", time.Since(stepStarted))
			r.out.Errors++
			if ok, err := r.commit(ctx, store.StepWrite{Snapshot: r.snapshotCopy()}); !ok {
				return r.released(err)
			}
			continue
		}
		if clarIdx == 0 && len(toolCalls) == 1 {
			done, err := r.suspendOnClarification(ctx, step, stepStarted, selected, toolCalls[0], stepMsgs, stepExecs)
			if done || err != nil {
				return r.out, err
			}
			continue
		}

		// Action phase.
		assistant := &models.SessionMessage{
			SessionID: r.sess.ID,
			Role:      models.RoleAssistant,
			Content:   content,
			ToolCalls: toolCalls,
			Type:      models.TypeToolCall,
			Step:      step,
		}
		stepMsgs = append(stepMsgs, assistant)
		r.conv = append(r.conv, assistantMessage(content, toolCalls))

		for _, tc := range toolCalls {
			stream.ToolCall(step, tc.Function.Name, rawJSON(tc.Function.Arguments))
		}

		results := r.executeParallel(ctx, selected, toolCalls)

		finalState := models.SessionState("")
		for i, tc := range toolCalls {
			res := results[i]
			stream.ToolResult(step, tc.Function.Name, res.Content, res.Success(), res.Duration)

			stepMsgs = append(stepMsgs, &models.SessionMessage{
				SessionID:  r.sess.ID,
				Role:       models.RoleTool,
				Content:    res.Content,
				ToolCallID: tc.ID,
				Type:       models.TypeToolResult,
				Step:       step,
			})
			r.conv = append(r.conv, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    res.Content,
				ToolCallID: tc.ID,
			})
			stepExecs = append(stepExecs, executionRecord(r.sess.ID, tc, res))

			canonical := models.CanonicalToolName(tc.Function.Name)
			if res.Code == tools.CodeToolError {
				r.out.Errors++
			}
			if canonical == models.CanonicalToolName(tools.NameReasoning) && res.Success() {
				stream.Thinking(step, r.snapshot.LastReasoning)
			}
			if canonical == models.CanonicalToolName(tools.NameFinalAnswer) {
				fa, err := tools.ParseFinalAnswer(rawJSON(tc.Function.Arguments))
				if err != nil || fa.Status != "completed" {
					finalState = models.SessionFailed
				} else {
					finalState = models.SessionCompleted
				}
				if fa.Answer != "" {
					r.snapshot.ExecutionResult = fa.Answer
				}
			}
		}
		r.out.ToolCalls += int64(len(toolCalls))

		write := store.StepWrite{
			Messages:   stepMsgs,
			Executions: stepExecs,
			Snapshot:   r.snapshotCopy(),
		}
		if finalState != "" {
			write.FromState = models.SessionResearching
			write.ToState = finalState
		}
		if ok, err := r.commit(ctx, write); !ok {
			return r.released(err)
		}
		r.out.Messages += int64(len(stepMsgs))

		stream.StepEnd(step, "completed", time.Since(stepStarted))

		if finalState != "" {
			r.out.State = finalState
			if finalState == models.SessionCompleted {
				r.recordChatTurn(ctx)
			}
			if r.snapshot.ExecutionResult != "" {
				stream.PublishDelta(r.snapshot.ExecutionResult)
			}
			stream.FinishDone("stop")
			log.Info().
				Str("session_id", r.sess.ID).
				Str("state", string(finalState)).
				Int("iterations", r.snapshot.Iteration).
				Msg("session finished")
			return r.out, nil
		}
	}
}

// suspendOnClarification executes the lone clarification call and, when it
// produces questions, transitions the session to WAITING_FOR_CLARIFICATION
// and ends the run. done=false means the call failed and the loop should
// continue with the recorded failure.
func (r *run) suspendOnClarification(ctx context.Context, step int, stepStarted time.Time, selected []*tools.Descriptor, tc models.ToolCallRef, stepMsgs []*models.SessionMessage, stepExecs []*models.ToolExecution) (bool, error) {
	res := r.executeOne(ctx, selected, tc)
	r.stream.ToolCall(step, tc.Function.Name, rawJSON(tc.Function.Arguments))
	r.stream.ToolResult(step, tc.Function.Name, res.Content, res.Success(), res.Duration)

	stepMsgs = append(stepMsgs,
		&models.SessionMessage{
			SessionID: r.sess.ID,
			Role:      models.RoleAssistant,
			ToolCalls: []models.ToolCallRef{tc},
			Type:      models.TypeToolCall,
			Step:      step,
		},
		&models.SessionMessage{
			SessionID:  r.sess.ID,
			Role:       models.RoleTool,
			Content:    res.Content,
			ToolCallID: tc.ID,
			Type:       models.TypeToolResult,
			Step:       step,
		})
	stepExecs = append(stepExecs, executionRecord(r.sess.ID, tc, res))
	r.conv = append(r.conv,
		assistantMessage("", []models.ToolCallRef{tc}),
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleTool, Content: res.Content, ToolCallID: tc.ID},
	)
	r.out.ToolCalls++

	write := store.StepWrite{Messages: stepMsgs, Executions: stepExecs, Snapshot: r.snapshotCopy()}
	if res.Success() {
		write.FromState = models.SessionResearching
		write.ToState = models.SessionWaitingForClarification
	}
	if ok, err := r.commit(ctx, write); !ok {
		_, err = r.released(err)
		return true, err
	}
	r.out.Messages += int64(len(stepMsgs))

	if !res.Success() {
		// Malformed clarification; the failed result is in the transcript and
		// the loop moves on.
		r.out.Errors++
		r.stream.StepEnd(step, "completed", time.Since(stepStarted))
		return false, nil
	}

	r.stream.StepEnd(step, "completed", time.Since(stepStarted))
	r.stream.PublishDelta(res.Content)
	r.stream.FinishDone("stop")
	r.out.State = models.SessionWaitingForClarification
	r.out.Suspended = true
	log.Info().Str("session_id", r.sess.ID).Int("step", step).Msg("session suspended for clarification")
	return true, nil
}

// recordChatTurn derives the Q/A pair searched later by ChatSearchTool.
// Best effort; a failed write never fails the run.
func (r *run) recordChatTurn(ctx context.Context) {
	if r.snapshot.Task == "" || r.snapshot.ExecutionResult == "" {
		return
	}
	err := r.d.store.CreateChatTurn(ctx, &models.ChatTurn{
		ID:        uuid.NewString(),
		SessionID: r.sess.ID,
		Question:  r.snapshot.Task,
		Answer:    r.snapshot.ExecutionResult,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		log.Warn().Err(err).Str("session_id", r.sess.ID).Msg("chat turn write failed")
	}
}

// finalizePolicy ends the run on an exhausted iteration or time budget.
func (r *run) finalizePolicy(ctx context.Context, reason, finishReason string) (Outcome, error) {
	msg := "Task could not be completed: " + reason
	if r.snapshot.ExecutionResult == "" {
		r.snapshot.ExecutionResult = msg
	}
	write := store.StepWrite{
		Messages: []*models.SessionMessage{{
			SessionID: r.sess.ID,
			Role:      models.RoleAssistant,
			Content:   msg,
			Type:      models.TypeMessage,
			Step:      r.snapshot.Iteration,
		}},
		Snapshot:  r.snapshotCopy(),
		FromState: models.SessionResearching,
		ToState:   models.SessionFailed,
	}
	if ok, err := r.commit(ctx, write); !ok {
		return r.released(err)
	}
	r.out.Messages++
	r.out.State = models.SessionFailed
	r.stream.PublishDelta(r.snapshot.ExecutionResult)
	r.stream.FinishDone(finishReason)
	log.Warn().Str("session_id", r.sess.ID).Str("reason", reason).Msg("session failed on policy limit")
	return r.out, nil
}

// fault ends the run on a worker-level error: the error surfaces to the pool
// and the session remains RESEARCHING for another claim.
func (r *run) fault(step int, msg string, err error) (Outcome, error) {
	log.Error().Err(err).Str("session_id", r.sess.ID).Int("step", step).Msg(msg)
	r.stream.Error(step, msg)
	r.stream.StepEnd(step, "error", 0)
	r.stream.FinishDone("stop")
	r.out.Errors++
	return r.out, fmt.Errorf("%s: %w", msg, err)
}

// released ends the run after a stale write: another writer owns the
// session, so this worker backs off cleanly.
func (r *run) released(err error) (Outcome, error) {
	r.stream.FinishDone("stop")
	if err != nil {
		return r.out, err
	}
	log.Warn().Str("session_id", r.sess.ID).Msg("session write lost to a concurrent owner")
	return r.out, nil
}

// commit applies a step write with transient-error retry. ok=false with a
// nil error means a stale CAS: abort the run without faulting the worker.
func (r *run) commit(ctx context.Context, write store.StepWrite) (bool, error) {
	err := store.WithRetry(ctx, func() error {
		return r.d.store.ApplyStepWrite(ctx, r.sess.ID, write)
	})
	if err == nil {
		return true, nil
	}
	if store.IsStale(err) {
		return false, nil
	}
	return false, err
}

// executeParallel runs the step's tool calls with bounded concurrency.
// Results land at the call's original index so appends preserve the order
// the LLM emitted.
func (r *run) executeParallel(ctx context.Context, selected []*tools.Descriptor, calls []models.ToolCallRef) []tools.Result {
	results := make([]tools.Result, len(calls))
	if len(calls) == 1 {
		results[0] = r.executeOne(ctx, selected, calls[0])
		return results
	}

	g := new(errgroup.Group)
	g.SetLimit(maxParallelTools)
	for i, tc := range calls {
		g.Go(func() error {
			results[i] = r.executeOne(ctx, selected, tc)
			return nil
		})
	}
	g.Wait()
	return results
}

// executeOne resolves the descriptor among the step's selected tools and
// runs the call under the catalog's enforcement.
func (r *run) executeOne(ctx context.Context, selected []*tools.Descriptor, tc models.ToolCallRef) tools.Result {
	desc := findTool(selected, tc.Function.Name)
	if desc == nil {
		// The fallback final answer is synthesized, not selected.
		if models.CanonicalToolName(tc.Function.Name) == models.CanonicalToolName(tools.NameFinalAnswer) {
			if resolved, err := r.d.catalog.Resolve(ctx, tools.NameFinalAnswer); err == nil {
				desc = resolved
			}
		}
	}
	if desc == nil {
		return tools.Result{
			Content: fmt.Sprintf(`{"success":false,"error":%q,"message":"unknown tool %s"}`, tools.CodeToolError, tc.Function.Name),
			Status:  models.ExecError,
			Code:    tools.CodeToolError,
		}
	}
	inv := r.inv.WithConfig(r.invocationConfig(desc))
	return r.d.catalog.Execute(ctx, desc, inv, rawJSON(tc.Function.Arguments))
}

// invocationConfig resolves the tool's stored config and overlays the
// template's MCP server settings for MCP-backed tools.
func (r *run) invocationConfig(d *tools.Descriptor) map[string]any {
	cfg := tools.ResolveConfig(d.Tool.Config)
	server, _, ok := tools.ParseMCPBinding(d.Tool.Binding)
	if !ok {
		return cfg
	}
	mcp, found := r.version.Settings.MCP[server]
	if !found {
		return cfg
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	cfg["endpoint"] = mcp.Endpoint
	if len(mcp.Headers) > 0 {
		headers := make(map[string]any, len(mcp.Headers))
		for k, v := range mcp.Headers {
			headers[k] = v
		}
		cfg["headers"] = headers
	}
	return cfg
}

// messages is the LLM view of the conversation: a freshly rendered system
// prompt followed by the transcript.
func (r *run) messages(selected []*tools.Descriptor) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(r.conv)+1)
	out = append(out, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: prompts.System(r.snapshot.Prompts, selected),
	})
	return append(out, r.conv...)
}

// callCtx bounds one LLM call by the remaining time budget.
func (r *run) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.deadline.IsZero() {
		return context.WithCancel(ctx)
	}
	remaining := time.Until(r.deadline)
	if remaining < minLLMCallTimeout {
		remaining = minLLMCallTimeout
	}
	return context.WithTimeout(ctx, remaining)
}

func (r *run) snapshotCopy() *models.ContextSnapshot {
	snap := r.snapshot.Clone()
	return &snap
}

// ── Helpers ──────────────────────────────────────────────────

// conversation maps the persisted log to LLM messages. System messages are
// skipped; the loop renders a fresh system prompt per step.
func conversation(msgs []models.SessionMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for i := range msgs {
		m := &msgs[i]
		if m.Role == models.RoleSystem {
			continue
		}
		cm := openai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolType(tc.Type),
				Function: openai.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		out = append(out, cm)
	}
	return out
}

func assistantMessage(content string, calls []models.ToolCallRef) openai.ChatCompletionMessage {
	cm := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content}
	for _, tc := range calls {
		cm.ToolCalls = append(cm.ToolCalls, openai.ToolCall{
			ID:   tc.ID,
			Type: openai.ToolType(tc.Type),
			Function: openai.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	return cm
}

func openaiTools(selected []*tools.Descriptor) []openai.Tool {
	out := make([]openai.Tool, 0, len(selected))
	for _, d := range selected {
		out = append(out, d.OpenAITool())
	}
	return out
}

func findTool(selected []*tools.Descriptor, name string) *tools.Descriptor {
	canonical := models.CanonicalToolName(name)
	for _, d := range selected {
		if d.Canonical() == canonical {
			return d
		}
	}
	return nil
}

func indexOfTool(calls []models.ToolCallRef, name string) int {
	canonical := models.CanonicalToolName(name)
	for i, tc := range calls {
		if models.CanonicalToolName(tc.Function.Name) == canonical {
			return i
		}
	}
	return -1
}

// normalizeToolCalls assigns the step-scoped call ids and defaults the type.
func normalizeToolCalls(step int, calls []models.ToolCallRef) {
	for i := range calls {
		calls[i].ID = fmt.Sprintf("%d-action-%d", step, i)
		if calls[i].Type == "" {
			calls[i].Type = "function"
		}
	}
}

// fallbackFinalAnswer closes the run when the provider refused the tool
// protocol: the last text becomes a failed final answer.
func fallbackFinalAnswer(lastText string) models.ToolCallRef {
	args, _ := json.Marshal(tools.FinalAnswerArgs{
		Reasoning: "model produced no tool call",
		Answer:    lastText,
		Status:    "failed",
	})
	return models.ToolCallRef{
		Type:     "function",
		Function: models.FunctionCall{Name: tools.NameFinalAnswer, Arguments: string(args)},
	}
}

func executionRecord(sessionID string, tc models.ToolCallRef, res tools.Result) *models.ToolExecution {
	finished := time.Now()
	result, _ := json.Marshal(res.Content)
	return &models.ToolExecution{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		ToolName:   tc.Function.Name,
		Arguments:  rawJSON(tc.Function.Arguments),
		Result:     result,
		Status:     res.Status,
		StartedAt:  finished.Add(-res.Duration),
		FinishedAt: finished,
	}
}

// rawJSON returns the argument string as JSON, string-encoding it when the
// provider emitted something unparsable.
func rawJSON(s string) json.RawMessage {
	if s == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	quoted, _ := json.Marshal(s)
	return quoted
}
