// Package events carries the per-session step event fabric. A worker
// publishes typed events while driving a session; at most one reader (the
// gateway handler) converts them into SSE frames. Streaming is a view over
// the run, never a transaction: a disconnected reader must not stall or
// abort the producer.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Kind names an event type on the wire.
type Kind string

const (
	KindStepStart  Kind = "step_start"
	KindToolCall   Kind = "tool_call"
	KindToolResult Kind = "tool_result"
	KindStepEnd    Kind = "step_end"
	KindThinking   Kind = "thinking"
	KindError      Kind = "error"
	KindMessage    Kind = "message"
	KindDone       Kind = "done"
)

const (
	maxResultChars   = 2000
	maxThinkingChars = 1000
)

// Event is one frame: a kind plus its JSON payload.
type Event struct {
	Kind    Kind
	Payload any
}

// ── Payloads ─────────────────────────────────────────────────

type StepStart struct {
	Step        int    `json:"step"`
	MaxSteps    int    `json:"max_steps"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Timestamp   int64  `json:"timestamp"`
}

type ToolCall struct {
	Step      int             `json:"step"`
	Tool      string          `json:"tool"`
	Args      json.RawMessage `json:"args"`
	Status    string          `json:"status"`
	Timestamp int64           `json:"timestamp"`
}

type ToolResult struct {
	Step       int    `json:"step"`
	Tool       string `json:"tool"`
	Result     string `json:"result"`
	Success    bool   `json:"success"`
	DurationMS int64  `json:"duration_ms"`
	Timestamp  int64  `json:"timestamp"`
}

type StepEnd struct {
	Step       int    `json:"step"`
	Status     string `json:"status"`
	DurationMS int64  `json:"duration_ms"`
	Timestamp  int64  `json:"timestamp"`
}

type Thinking struct {
	Step      int    `json:"step"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

type ErrorPayload struct {
	Step      int    `json:"step"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

type Done struct {
	FinishReason string `json:"finish_reason"`
}

// MessageChunk mirrors the OpenAI chat.completion.chunk shape so plain
// OpenAI clients can consume the message events unchanged.
type MessageChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

type ChunkChoice struct {
	Delta        Delta  `json:"delta"`
	FinishReason string `json:"finish_reason,omitempty"`
}

type Delta struct {
	Content string `json:"content"`
}

func nowMillis() int64 { return time.Now().UnixMilli() }

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

// ── Stream ───────────────────────────────────────────────────

// DefaultBuffer is the bounded channel size per session stream.
const DefaultBuffer = 256

// Stream is the per-session event channel. One producer (the driver), at
// most one consumer. Typed events are never dropped: when the buffer is
// full the producer blocks until the consumer drains or the stream closes.
// Message deltas are the exception; under backpressure consecutive deltas
// are coalesced into a single chunk.
type Stream struct {
	sessionID string
	model     string

	ch   chan Event
	done chan struct{}

	mu      sync.Mutex
	pending string
	closed  bool
}

// NewStream creates a stream for one claimed session.
func NewStream(sessionID, model string) *Stream {
	return &Stream{
		sessionID: sessionID,
		model:     model,
		ch:        make(chan Event, DefaultBuffer),
		done:      make(chan struct{}),
	}
}

// SessionID returns the session this stream belongs to.
func (s *Stream) SessionID() string { return s.sessionID }

// Events returns the consumer side of the channel.
func (s *Stream) Events() <-chan Event { return s.ch }

// Done is closed when the stream is closed from either side.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Close detaches the stream. Idempotent; pending publishers unblock and
// subsequent publishes become no-ops.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

// publish blocks until the event is buffered or the stream closes.
func (s *Stream) publish(ev Event) {
	select {
	case <-s.done:
	default:
		select {
		case s.ch <- ev:
		case <-s.done:
		}
	}
}

func (s *Stream) chunk(content string) Event {
	return Event{Kind: KindMessage, Payload: MessageChunk{
		ID:      s.sessionID,
		Object:  "chat.completion.chunk",
		Model:   s.model,
		Choices: []ChunkChoice{{Delta: Delta{Content: content}}},
	}}
}

// flushPending drains the coalesced delta buffer, blocking until it fits.
func (s *Stream) flushPending() {
	s.mu.Lock()
	pending := s.pending
	s.pending = ""
	s.mu.Unlock()
	if pending != "" {
		s.publish(s.chunk(pending))
	}
}

// Publish emits a typed event. Never drops; any coalesced deltas are
// flushed first so ordering is preserved.
func (s *Stream) Publish(ev Event) {
	s.flushPending()
	s.publish(ev)
}

// PublishDelta emits a message content delta. When the buffer is full the
// delta is appended to the coalescing buffer instead of blocking.
func (s *Stream) PublishDelta(content string) {
	if content == "" {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.pending != "" {
		s.pending += content
		pending := s.pending
		select {
		case s.ch <- s.chunk(pending):
			s.pending = ""
		default:
		}
		s.mu.Unlock()
		return
	}
	select {
	case s.ch <- s.chunk(content):
	default:
		s.pending = content
	}
	s.mu.Unlock()
}

// ── Constructors ─────────────────────────────────────────────

func (s *Stream) StepStart(step, maxSteps int, description string) {
	s.Publish(Event{Kind: KindStepStart, Payload: StepStart{
		Step: step, MaxSteps: maxSteps, Description: description,
		Status: "running", Timestamp: nowMillis(),
	}})
}

func (s *Stream) ToolCall(step int, tool string, args json.RawMessage) {
	s.Publish(Event{Kind: KindToolCall, Payload: ToolCall{
		Step: step, Tool: tool, Args: args, Status: "running", Timestamp: nowMillis(),
	}})
}

func (s *Stream) ToolResult(step int, tool, result string, success bool, duration time.Duration) {
	s.Publish(Event{Kind: KindToolResult, Payload: ToolResult{
		Step: step, Tool: tool, Result: truncate(result, maxResultChars),
		Success: success, DurationMS: duration.Milliseconds(), Timestamp: nowMillis(),
	}})
}

func (s *Stream) StepEnd(step int, status string, duration time.Duration) {
	s.Publish(Event{Kind: KindStepEnd, Payload: StepEnd{
		Step: step, Status: status, DurationMS: duration.Milliseconds(), Timestamp: nowMillis(),
	}})
}

func (s *Stream) Thinking(step int, content string) {
	s.Publish(Event{Kind: KindThinking, Payload: Thinking{
		Step: step, Content: truncate(content, maxThinkingChars), Timestamp: nowMillis(),
	}})
}

func (s *Stream) Error(step int, message string) {
	s.Publish(Event{Kind: KindError, Payload: ErrorPayload{
		Step: step, Message: message, Timestamp: nowMillis(),
	}})
}

// FinishDone emits the terminal done event and closes the stream.
func (s *Stream) FinishDone(finishReason string) {
	s.Publish(Event{Kind: KindDone, Payload: Done{FinishReason: finishReason}})
	s.Close()
}
