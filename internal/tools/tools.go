// Package tools implements the tool catalog: name resolution, JSON-Schema
// generation for the LLM function interface, per-call quota enforcement and
// the builtin tool set. Tool rows live in the store; bindings resolve to
// registered Go executors or MCP round-trips.
package tools

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"
	openai "github.com/sashabaranov/go-openai"

	"github.com/maruntime/maruntime/pkg/models"
)

// Canonical builtin tool names. Lookup is case-insensitive everywhere; the
// CamelCase form is what the LLM sees.
const (
	NameReasoning     = "ReasoningTool"
	NameFinalAnswer   = "FinalAnswerTool"
	NameClarification = "ClarificationTool"
	NameWebSearch     = "WebSearchTool"
	NameCreateReport  = "CreateReportTool"
	NameChatSearch    = "ChatSearchTool"
	NameEcho          = "EchoTool"
)

// Synthetic error codes recorded when a call is refused or fails.
const (
	CodeQuotaExceeded = "quota_exceeded"
	CodeCooldown      = "cooldown"
	CodeInvalidArgs   = "invalid_arguments"
	CodeTimeout       = "timeout"
	CodeToolError     = "tool_error"
)

// Invocation carries the session-scoped context handed to an executor. The
// snapshot is the worker's working copy; executors may mutate it (sources,
// execution result) and the driver persists it at the end of the step.
// Parallel tool calls within a step share the snapshot, so access to it goes
// through the invocation lock.
type Invocation struct {
	SessionID string
	Snapshot  *models.ContextSnapshot
	Config    map[string]any

	mu *sync.Mutex
}

// NewInvocation builds the step-scoped invocation shared by every tool call
// of the step.
func NewInvocation(sessionID string, snapshot *models.ContextSnapshot) *Invocation {
	return &Invocation{SessionID: sessionID, Snapshot: snapshot, mu: &sync.Mutex{}}
}

// WithConfig returns a view of the invocation carrying the given resolved
// tool config. The snapshot and its lock stay shared.
func (inv *Invocation) WithConfig(cfg map[string]any) *Invocation {
	return &Invocation{
		SessionID: inv.SessionID,
		Snapshot:  inv.Snapshot,
		Config:    cfg,
		mu:        inv.mu,
	}
}

// Lock guards snapshot access while tool calls run concurrently.
func (inv *Invocation) Lock() {
	if inv.mu != nil {
		inv.mu.Lock()
	}
}

func (inv *Invocation) Unlock() {
	if inv.mu != nil {
		inv.mu.Unlock()
	}
}

// Executor runs one tool call. The returned string becomes the tool message
// content; errors are recorded as failed results, never as session faults.
type Executor interface {
	Execute(ctx context.Context, inv *Invocation, args json.RawMessage) (string, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, inv *Invocation, args json.RawMessage) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, inv *Invocation, args json.RawMessage) (string, error) {
	return f(ctx, inv, args)
}

// Descriptor is a resolved catalog entry: the stored row joined with its
// executor, parameter schema and effective quota.
type Descriptor struct {
	Tool     models.Tool
	Schema   json.RawMessage
	Quota    models.ToolQuota
	Exec     Executor
	compiled *jsonschema.Schema
}

// Name returns the CamelCase tool name.
func (d *Descriptor) Name() string { return d.Tool.Name }

// Canonical returns the case-folded logical key.
func (d *Descriptor) Canonical() string { return models.CanonicalToolName(d.Tool.Name) }

// OpenAITool renders the descriptor as an OpenAI function tool.
func (d *Descriptor) OpenAITool() openai.Tool {
	return openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        d.Tool.Name,
			Description: d.Tool.Description,
			Parameters:  d.Schema,
		},
	}
}

// WithQuota returns a copy with the template-level quota override applied.
// Zero fields keep the descriptor's defaults.
func (d *Descriptor) WithQuota(q models.ToolQuota) *Descriptor {
	out := *d
	if q.MaxCalls > 0 {
		out.Quota.MaxCalls = q.MaxCalls
	}
	if q.TimeoutSeconds > 0 {
		out.Quota.TimeoutSeconds = q.TimeoutSeconds
	}
	if q.CooldownSeconds > 0 {
		out.Quota.CooldownSeconds = q.CooldownSeconds
	}
	return &out
}

// ValidateArgs checks a raw argument payload against the tool's schema.
func (d *Descriptor) ValidateArgs(args json.RawMessage) error {
	if d.compiled == nil {
		return nil
	}
	var decoded any
	if len(args) == 0 {
		decoded = map[string]any{}
	} else if err := json.Unmarshal(args, &decoded); err != nil {
		return err
	}
	return d.compiled.Validate(decoded)
}

// Result is the outcome of one enforced tool call.
type Result struct {
	Content  string
	Status   models.ToolExecStatus
	Code     string
	Duration time.Duration
}

// Success reports whether the call completed normally.
func (r Result) Success() bool { return r.Status == models.ExecOK }

// ── Config resolution ────────────────────────────────────────

// ResolveConfig expands *_ref entries against the environment, so stored
// tool rows never contain secrets. {"api_key_ref": "TAVILY_API_KEY"}
// resolves to {"api_key": "<value>"}.
func ResolveConfig(config map[string]any) map[string]any {
	if len(config) == 0 {
		return map[string]any{}
	}
	resolved := make(map[string]any, len(config))
	for key, value := range config {
		ref, ok := value.(string)
		if ok && strings.HasSuffix(key, "_ref") {
			resolved[strings.TrimSuffix(key, "_ref")] = os.Getenv(ref)
			continue
		}
		resolved[key] = value
	}
	return resolved
}

func configString(config map[string]any, key string) string {
	if v, ok := config[key].(string); ok {
		return v
	}
	return ""
}

func configInt(config map[string]any, key string) int {
	switch v := config[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// quotaFromConfig reads the per-tool execution policy defaults from the
// stored config column.
func quotaFromConfig(config map[string]any) models.ToolQuota {
	return models.ToolQuota{
		MaxCalls:        configInt(config, "max_calls"),
		TimeoutSeconds:  configInt(config, "timeout_seconds"),
		CooldownSeconds: configInt(config, "cooldown_seconds"),
	}
}

// ── Schema helpers ───────────────────────────────────────────

// schemaOf reflects a parameter struct into an inline JSON Schema suitable
// for the OpenAI function-tool interface.
func schemaOf(v any) json.RawMessage {
	r := &invopop.Reflector{DoNotReference: true}
	s := r.Reflect(v)
	s.Version = ""
	data, err := json.Marshal(s)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return data
}

// compileSchema compiles a schema for argument validation. A nil return
// means validation is skipped for this tool.
func compileSchema(schema json.RawMessage) *jsonschema.Schema {
	if len(schema) == 0 {
		return nil
	}
	compiled, err := jsonschema.CompileString("tool.schema.json", string(schema))
	if err != nil {
		return nil
	}
	return compiled
}
