// Package models defines the persistent entities of the maruntime core:
// templates, template versions, the tool catalog, agent instances, sessions
// and their append-only message log.
package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ── Session State Machine ────────────────────────────────────

type SessionState string

const (
	SessionInited                  SessionState = "INITED"
	SessionResearching             SessionState = "RESEARCHING"
	SessionWaitingForClarification SessionState = "WAITING_FOR_CLARIFICATION"
	SessionCompleted               SessionState = "COMPLETED"
	SessionFailed                  SessionState = "FAILED"
)

// Terminal reports whether the state is sticky: no further transitions
// are accepted once a session reaches it.
func (s SessionState) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// ── Instance Status ──────────────────────────────────────────

type InstanceStatus string

const (
	InstanceOffline  InstanceStatus = "OFFLINE"
	InstanceStarting InstanceStatus = "STARTING"
	InstanceIdle     InstanceStatus = "IDLE"
	InstanceBusy     InstanceStatus = "BUSY"
	InstanceError    InstanceStatus = "ERROR"
	InstanceStopping InstanceStatus = "STOPPING"
)

// ── Template ─────────────────────────────────────────────────

// Template is a named logical agent. The active version pointer is the only
// mutable part; versions themselves are immutable once created.
type Template struct {
	ID              string    `json:"id" db:"id"`
	Name            string    `json:"name" db:"name"`
	Description     string    `json:"description" db:"description"`
	ActiveVersionID string    `json:"active_version_id" db:"active_version_id"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// TemplateVersion pins the full behavior of an agent: settings, tool list
// and prompts. Exactly one version per template is active at any moment.
type TemplateVersion struct {
	ID         string           `json:"id" db:"id"`
	TemplateID string           `json:"template_id" db:"template_id"`
	Version    int              `json:"version" db:"version"`
	Settings   TemplateSettings `json:"settings" db:"settings"`
	Tools      []string         `json:"tools" db:"tools"`
	Active     bool             `json:"active" db:"active"`
	CreatedAt  time.Time        `json:"created_at" db:"created_at"`
}

// AgentBaseClass selects the reasoning-phase variant of the agent loop.
// The loop skeleton is shared; variants differ only in how the reasoning
// phase is produced.
type AgentBaseClass string

const (
	// BaseSimple skips the reasoning phase entirely.
	BaseSimple AgentBaseClass = "SimpleAgent"
	// BaseToolCalling goes straight to tool selection with tool_choice=required.
	BaseToolCalling AgentBaseClass = "ToolCallingAgent"
	// BaseFlexible forces a ReasoningTool call before the selection phase.
	BaseFlexible AgentBaseClass = "FlexibleToolCallingAgent"
	// BaseSGR reasons via a structured-output discriminated union of the
	// candidate tool argument schemas, built per step.
	BaseSGR AgentBaseClass = "SGRToolCallingAgent"
)

type TemplateSettings struct {
	BaseClass AgentBaseClass             `json:"base_class"`
	LLM       LLMPolicy                  `json:"llm_policy"`
	Execution ExecutionPolicy            `json:"execution_policy"`
	ToolPol   ToolPolicy                 `json:"tool_policy"`
	Prompts   PromptSet                  `json:"prompts"`
	Rules     []Rule                     `json:"rules,omitempty"`
	MCP       map[string]MCPServerConfig `json:"mcp,omitempty"`
}

type LLMPolicy struct {
	Model       string  `json:"model"`
	BaseURL     string  `json:"base_url,omitempty"`
	APIKeyRef   string  `json:"api_key_ref,omitempty"` // env var name; OPENAI_API_KEY when empty
	Temperature float32 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Streaming   bool    `json:"streaming"`
}

type ExecutionPolicy struct {
	MaxIterations     int `json:"max_iterations"`
	TimeBudgetSeconds int `json:"time_budget_seconds"`
}

// Field resolves a policy field by its JSON name. Rule thresholds may
// reference these by string instead of carrying a literal.
func (p ExecutionPolicy) Field(name string) (int, bool) {
	switch name {
	case "max_iterations":
		return p.MaxIterations, true
	case "time_budget_seconds":
		return p.TimeBudgetSeconds, true
	}
	return 0, false
}

type SelectionStrategy string

const (
	SelectionStatic    SelectionStrategy = "static"
	SelectionRetrieval SelectionStrategy = "retrieval"
)

type ToolPolicy struct {
	RequiredTools    []string             `json:"required_tools,omitempty"`
	Allowlist        []string             `json:"allowlist,omitempty"`
	Denylist         []string             `json:"denylist,omitempty"`
	Quotas           map[string]ToolQuota `json:"quotas,omitempty"` // keyed by canonical tool name
	MaxToolsInPrompt int                  `json:"max_tools_in_prompt,omitempty"`
	Strategy         SelectionStrategy    `json:"selection_strategy,omitempty"`
}

// ToolQuota bounds a single tool within one session.
type ToolQuota struct {
	MaxCalls        int `json:"max_calls,omitempty"` // 0 = unlimited
	TimeoutSeconds  int `json:"timeout_seconds,omitempty"`
	CooldownSeconds int `json:"cooldown_seconds,omitempty"`
}

type PromptSet struct {
	System        string `json:"system,omitempty"`
	InitialUser   string `json:"initial_user,omitempty"`
	Clarification string `json:"clarification,omitempty"`
}

type MCPServerConfig struct {
	Endpoint string            `json:"endpoint"`
	Headers  map[string]string `json:"headers,omitempty"`
}

// ── Rules ────────────────────────────────────────────────────

type RulePhase string

const (
	PhasePreRetrieval  RulePhase = "pre_retrieval"
	PhasePostRetrieval RulePhase = "post_retrieval"
)

// Rule is a declarative discriminator over the candidate tool set. Rules are
// evaluated in declaration order; effects compose left-to-right.
type Rule struct {
	ApplyTo []RulePhase   `json:"apply_to,omitempty"` // empty = both phases
	When    RuleCondition `json:"when"`
	Actions RuleAction    `json:"actions"`
}

// AppliesTo reports whether the rule participates in the given phase.
func (r Rule) AppliesTo(phase RulePhase) bool {
	if len(r.ApplyTo) == 0 {
		return true
	}
	for _, p := range r.ApplyTo {
		if p == phase {
			return true
		}
	}
	return false
}

// RuleCondition is a conjunction; unspecified fields trivially hold.
// Thresholds can be literal integers or string references to
// execution-policy fields such as "max_iterations".
type RuleCondition struct {
	IterationGTE          *Threshold `json:"iteration_gte,omitempty"`
	SearchesUsedGTE       *Threshold `json:"searches_used_gte,omitempty"`
	ClarificationsUsedGTE *Threshold `json:"clarifications_used_gte,omitempty"`
	StateEquals           string     `json:"state_equals,omitempty"`

	// Expr is an optional expr-lang condition evaluated against the session
	// counters (iteration, searches_used, clarifications_used, stage, state).
	Expr string `json:"expr,omitempty"`
}

type RuleAction struct {
	Exclude  []string `json:"exclude,omitempty"`
	KeepOnly []string `json:"keep_only,omitempty"`
	SetStage string   `json:"set_stage,omitempty"`
}

// Threshold is an int-or-string JSON value. String values name an
// execution-policy field resolved at evaluation time.
type Threshold struct {
	Value int
	Ref   string
}

func (t *Threshold) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		t.Value = n
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		t.Ref = s
		return nil
	}
	return fmt.Errorf("threshold must be int or string, got %s", string(data))
}

func (t Threshold) MarshalJSON() ([]byte, error) {
	if t.Ref != "" {
		return json.Marshal(t.Ref)
	}
	return json.Marshal(t.Value)
}

// Resolve returns the concrete threshold, consulting the policy for
// string references. ok=false when the reference is unknown.
func (t Threshold) Resolve(policy ExecutionPolicy) (int, bool) {
	if t.Ref == "" {
		return t.Value, true
	}
	if v, ok := policy.Field(t.Ref); ok {
		return v, true
	}
	if n, err := strconv.Atoi(t.Ref); err == nil {
		return n, true
	}
	return 0, false
}

// ── Tool ─────────────────────────────────────────────────────

type ToolCategory string

const (
	CategoryResearch ToolCategory = "research"
	CategoryMemory   ToolCategory = "memory"
	CategoryUtility  ToolCategory = "utility"
)

// Tool is a catalog entry. Name is the CamelCase canonical form; lookups are
// case-insensitive. Binding is "module/path:TypeName" for builtin executors
// or "mcp:<server>/<tool>" for MCP-backed tools.
type Tool struct {
	ID          string         `json:"id" db:"id"`
	Name        string         `json:"name" db:"name"`
	Description string         `json:"description" db:"description"`
	Binding     string         `json:"binding" db:"binding"`
	Config      map[string]any `json:"config,omitempty" db:"config"`
	Embedding   []float64      `json:"embedding,omitempty" db:"embedding"`
	Category    ToolCategory   `json:"category" db:"category"`
	Active      bool           `json:"active" db:"active"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at" db:"updated_at"`
}

// CanonicalToolName folds a tool name to its case-insensitive logical key.
func CanonicalToolName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ── Agent Instance ───────────────────────────────────────────

// AgentInstance is a named worker slot pinned to one template version.
// current_session_id is non-empty iff status is BUSY.
type AgentInstance struct {
	ID                string           `json:"id" db:"id"`
	Name              string           `json:"name" db:"name"`
	DisplayName       string           `json:"display_name" db:"display_name"`
	TemplateID        string           `json:"template_id" db:"template_id"`
	TemplateVersionID string           `json:"template_version_id" db:"template_version_id"`
	Status            InstanceStatus   `json:"status" db:"status"`
	CurrentSessionID  string           `json:"current_session_id,omitempty" db:"current_session_id"`
	Enabled           bool             `json:"enabled" db:"enabled"`
	AutoStart         bool             `json:"auto_start" db:"auto_start"`
	Priority          int              `json:"priority" db:"priority"`
	HeartbeatAt       time.Time        `json:"heartbeat_at" db:"heartbeat_at"`
	Counters          InstanceCounters `json:"counters" db:"counters"`
	LastError         string           `json:"last_error,omitempty" db:"last_error"`
	LastErrorAt       *time.Time       `json:"last_error_at,omitempty" db:"last_error_at"`
	CreatedAt         time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at" db:"updated_at"`
}

// InstanceCounters are cumulative over the instance lifetime.
type InstanceCounters struct {
	Sessions  int64 `json:"sessions"`
	Messages  int64 `json:"messages"`
	ToolCalls int64 `json:"tool_calls"`
	Errors    int64 `json:"errors"`
}

// ── Session ──────────────────────────────────────────────────

// Session is one conversation bound to a template version. It is mutated
// only by the worker currently holding it (instance_id pointer).
type Session struct {
	ID                string          `json:"id" db:"id"`
	TemplateVersionID string          `json:"template_version_id" db:"template_version_id"`
	InstanceID        string          `json:"instance_id,omitempty" db:"instance_id"`
	Title             string          `json:"title" db:"title"`
	State             SessionState    `json:"state" db:"state"`
	Context           ContextSnapshot `json:"context_snapshot" db:"context_snapshot"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// ContextSnapshot is the only session-scoped state a worker may rely on
// across suspensions and restarts. Everything the loop needs to resume at
// iteration N+1 lives here or in the message log.
type ContextSnapshot struct {
	Task               string               `json:"task,omitempty"`
	Iteration          int                  `json:"iteration"`
	SearchesUsed       int                  `json:"searches_used"`
	ClarificationsUsed int                  `json:"clarifications_used"`
	ToolCalls          map[string]int       `json:"tool_calls,omitempty"`    // canonical name → ok-call count
	LastCallAt         map[string]time.Time `json:"last_call_at,omitempty"`  // canonical name → last invocation
	Stage              string               `json:"stage,omitempty"`
	LastReasoning      string               `json:"last_reasoning,omitempty"`
	RemainingSteps     []string             `json:"remaining_steps,omitempty"`
	Sources            []string             `json:"sources,omitempty"`
	ExecutionResult    string               `json:"execution_result,omitempty"`
	Prompts            PromptSet            `json:"prompts,omitempty"` // captured at start, immutable thereafter
}

// Clone returns a deep copy so workers can mutate without aliasing the
// stored snapshot.
func (c ContextSnapshot) Clone() ContextSnapshot {
	out := c
	if c.ToolCalls != nil {
		out.ToolCalls = make(map[string]int, len(c.ToolCalls))
		for k, v := range c.ToolCalls {
			out.ToolCalls[k] = v
		}
	}
	if c.LastCallAt != nil {
		out.LastCallAt = make(map[string]time.Time, len(c.LastCallAt))
		for k, v := range c.LastCallAt {
			out.LastCallAt[k] = v
		}
	}
	out.RemainingSteps = append([]string(nil), c.RemainingSteps...)
	out.Sources = append([]string(nil), c.Sources...)
	return out
}

// CountToolCall bumps the ok-call counter for a tool.
func (c *ContextSnapshot) CountToolCall(name string) {
	if c.ToolCalls == nil {
		c.ToolCalls = make(map[string]int)
	}
	c.ToolCalls[CanonicalToolName(name)]++
}

// ── Session Messages ─────────────────────────────────────────

type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

type MessageType string

const (
	TypeMessage    MessageType = "message"
	TypeStepStart  MessageType = "step_start"
	TypeToolCall   MessageType = "tool_call"
	TypeToolResult MessageType = "tool_result"
	TypeStepEnd    MessageType = "step_end"
	TypeThinking   MessageType = "thinking"
	TypeError      MessageType = "error"
)

// ToolCallRef is an OpenAI-compatible tool_call entry on an assistant message.
type ToolCallRef struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"` // always "function"
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // raw JSON string, as emitted by the LLM
}

// SessionMessage is one row of the append-only, gap-free ordered log.
// Seq is assigned atomically by the store.
type SessionMessage struct {
	ID         string          `json:"id" db:"id"`
	SessionID  string          `json:"session_id" db:"session_id"`
	Seq        int             `json:"seq" db:"seq"`
	Role       MessageRole     `json:"role" db:"role"`
	Content    string          `json:"content" db:"content"`
	ToolCalls  []ToolCallRef   `json:"tool_calls,omitempty" db:"tool_calls"`
	ToolCallID string          `json:"tool_call_id,omitempty" db:"tool_call_id"`
	Type       MessageType     `json:"message_type" db:"message_type"`
	Step       int             `json:"step" db:"step"`
	StepData   json.RawMessage `json:"step_data,omitempty" db:"step_data"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// ── Tool Executions ──────────────────────────────────────────

type ToolExecStatus string

const (
	ExecOK      ToolExecStatus = "ok"
	ExecError   ToolExecStatus = "error"
	ExecTimeout ToolExecStatus = "timeout"
)

// ToolExecution records one tool invocation, synthetic refusals included.
type ToolExecution struct {
	ID         string          `json:"id" db:"id"`
	SessionID  string          `json:"session_id" db:"session_id"`
	ToolID     string          `json:"tool_id,omitempty" db:"tool_id"`
	ToolName   string          `json:"tool_name" db:"tool_name"`
	Arguments  json.RawMessage `json:"arguments" db:"arguments"`
	Result     json.RawMessage `json:"result,omitempty" db:"result"`
	Status     ToolExecStatus  `json:"status" db:"status"`
	StartedAt  time.Time       `json:"started_at" db:"started_at"`
	FinishedAt time.Time       `json:"finished_at" db:"finished_at"`
}

// ── Chat Turns ───────────────────────────────────────────────

// ChatTurn is a derived Q/A pair. The driver records one when a run
// completes with a result; ChatSearchTool reads them.
type ChatTurn struct {
	ID        string    `json:"id" db:"id"`
	SessionID string    `json:"session_id" db:"session_id"`
	Question  string    `json:"question" db:"question"`
	Answer    string    `json:"answer" db:"answer"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
