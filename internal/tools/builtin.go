package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// ── ReasoningTool ────────────────────────────────────────────

// ReasoningArgs is the structured rationale the LLM must produce before
// acting. The call runs entirely locally: the rationale is echoed into the
// transcript and its plan fields land in the context snapshot.
type ReasoningArgs struct {
	ReasoningSteps   []string `json:"reasoning_steps" jsonschema:"description=Step-by-step reasoning (brief, 1 sentence each)"`
	CurrentSituation string   `json:"current_situation" jsonschema:"description=Current research situation (2-3 sentences MAX)"`
	PlanStatus       string   `json:"plan_status" jsonschema:"description=Status of current plan (1 sentence)"`
	EnoughData       bool     `json:"enough_data,omitempty" jsonschema:"description=Sufficient data collected for a comprehensive answer?"`
	RemainingSteps   []string `json:"remaining_steps,omitempty" jsonschema:"description=Remaining steps (empty if task_completed=true)"`
	TaskCompleted    bool     `json:"task_completed" jsonschema:"description=Is the task finished?"`
}

func reasoningExec(_ context.Context, inv *Invocation, args json.RawMessage) (string, error) {
	var a ReasoningArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return "", err
	}
	inv.Lock()
	inv.Snapshot.LastReasoning = strings.Join(a.ReasoningSteps, "\n")
	inv.Snapshot.RemainingSteps = a.RemainingSteps
	inv.Unlock()
	out, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// ── FinalAnswerTool ──────────────────────────────────────────

// FinalAnswerArgs finalizes the run. The driver inspects Status to decide
// the terminal session state.
type FinalAnswerArgs struct {
	Reasoning      string   `json:"reasoning" jsonschema:"description=Why the task is now complete and how the answer was verified"`
	CompletedSteps []string `json:"completed_steps" jsonschema:"description=Summary of completed steps including verification"`
	Answer         string   `json:"answer" jsonschema:"description=Comprehensive final answer with exact factual details (dates, numbers, names)"`
	Status         string   `json:"status" jsonschema:"enum=completed,enum=failed,description=Task completion status"`
}

// ParseFinalAnswer decodes FinalAnswerTool arguments, defaulting the status
// to failed when absent.
func ParseFinalAnswer(args json.RawMessage) (FinalAnswerArgs, error) {
	var a FinalAnswerArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return a, err
	}
	if a.Status == "" {
		a.Status = "failed"
	}
	return a, nil
}

func finalAnswerExec(_ context.Context, inv *Invocation, args json.RawMessage) (string, error) {
	a, err := ParseFinalAnswer(args)
	if err != nil {
		return "", err
	}
	inv.Lock()
	inv.Snapshot.ExecutionResult = a.Answer
	inv.Unlock()
	out, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// ── ClarificationTool ────────────────────────────────────────

// ClarificationArgs suspends the run with questions for the user. The
// driver transitions the session to WAITING_FOR_CLARIFICATION; the tool
// itself only renders the questions.
type ClarificationArgs struct {
	Reasoning    string   `json:"reasoning" jsonschema:"description=Why clarification is needed (1-2 sentences MAX)"`
	UnclearTerms []string `json:"unclear_terms" jsonschema:"description=List of unclear terms (brief, 1-3 words each)"`
	Assumptions  []string `json:"assumptions" jsonschema:"description=Possible interpretations (short, 1 sentence each)"`
	Questions    []string `json:"questions" jsonschema:"description=Up to 3 specific clarifying questions (short and direct)"`
}

// ParseClarification decodes ClarificationTool arguments.
func ParseClarification(args json.RawMessage) (ClarificationArgs, error) {
	var a ClarificationArgs
	err := json.Unmarshal(args, &a)
	return a, err
}

func clarificationExec(_ context.Context, _ *Invocation, args json.RawMessage) (string, error) {
	a, err := ParseClarification(args)
	if err != nil {
		return "", err
	}
	if len(a.Questions) == 0 {
		return "", fmt.Errorf("clarification without questions")
	}
	return strings.Join(a.Questions, "\n"), nil
}

// ── EchoTool ─────────────────────────────────────────────────

// EchoArgs returns the payload back to the caller. Useful for testing.
type EchoArgs struct {
	Message  string         `json:"message" jsonschema:"description=Message to echo back"`
	Metadata map[string]any `json:"metadata,omitempty" jsonschema:"description=Optional metadata to include"`
}

func echoExec(_ context.Context, _ *Invocation, args json.RawMessage) (string, error) {
	var a EchoArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return "", err
	}
	out, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}
