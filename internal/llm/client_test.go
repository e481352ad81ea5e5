package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/maruntime/maruntime/pkg/models"
)

func TestBuildRequestToolGating(t *testing.T) {
	c := New(models.LLMPolicy{Model: "gpt-4o-mini", Temperature: 0.2, MaxTokens: 512}, "test-key")

	// No tools: tool fields stay off the wire even when set on the request.
	out := c.buildRequest(Request{
		Messages:          []openai.ChatCompletionMessage{{Role: "user", Content: "hi"}},
		ToolChoice:        "required",
		ParallelToolCalls: true,
	}, true)
	if out.Model != "gpt-4o-mini" || !out.Stream {
		t.Errorf("model/stream = %q/%v", out.Model, out.Stream)
	}
	if out.MaxTokens != 512 {
		t.Errorf("max tokens = %d", out.MaxTokens)
	}
	if out.ToolChoice != nil {
		t.Errorf("tool choice sent without tools: %v", out.ToolChoice)
	}
	if out.ParallelToolCalls != nil {
		t.Errorf("parallel tool calls sent without tools: %v", out.ParallelToolCalls)
	}

	// With tools the full tool surface goes out.
	tools := []openai.Tool{{Type: openai.ToolTypeFunction, Function: &openai.FunctionDefinition{Name: "EchoTool"}}}
	out = c.buildRequest(Request{Tools: tools, ToolChoice: "required", ParallelToolCalls: true}, false)
	if len(out.Tools) != 1 {
		t.Errorf("tools = %v", out.Tools)
	}
	if out.ToolChoice != "required" {
		t.Errorf("tool choice = %v", out.ToolChoice)
	}
	if out.ParallelToolCalls != true {
		t.Errorf("parallel tool calls = %v", out.ParallelToolCalls)
	}
	if out.Stream {
		t.Error("non-streaming request marked streaming")
	}
}

func TestBuildRequestResponseFormat(t *testing.T) {
	c := New(models.LLMPolicy{Model: "gpt-4o-mini"}, "test-key")

	out := c.buildRequest(Request{}, false)
	if out.ResponseFormat != nil {
		t.Error("response format sent unset")
	}

	rf := &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONSchema}
	out = c.buildRequest(Request{ResponseFormat: rf}, false)
	if out.ResponseFormat != rf {
		t.Error("response format dropped")
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "rate limited", err: &openai.APIError{HTTPStatusCode: 429}, want: true},
		{name: "server error", err: &openai.APIError{HTTPStatusCode: 503}, want: true},
		{name: "bad request", err: &openai.APIError{HTTPStatusCode: 400}, want: false},
		{name: "unauthorized", err: &openai.APIError{HTTPStatusCode: 401}, want: false},
		{name: "network", err: net.Error(timeoutErr{}), want: true},
		{name: "truncated body", err: fmt.Errorf("read: %w", io.ErrUnexpectedEOF), want: true},
		{name: "plain error", err: errors.New("boom"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Transient(tt.err); got != tt.want {
				t.Errorf("Transient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestChatAgainstLocalServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openai.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "test-model" {
			t.Errorf("model = %q", req.Model)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "cmpl-1",
			"object": "chat.completion",
			"choices": [{
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [{
						"id": "call_abc",
						"type": "function",
						"function": {"name": "EchoTool", "arguments": "{\"message\":\"hi\"}"}
					}]
				},
				"finish_reason": "tool_calls"
			}]
		}`)
	}))
	defer srv.Close()

	c := New(models.LLMPolicy{Model: "test-model", BaseURL: srv.URL + "/v1"}, "test-key")
	got, err := c.Chat(context.Background(), Request{
		Messages: []openai.ChatCompletionMessage{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got.FinishReason != "tool_calls" {
		t.Errorf("finish reason = %q", got.FinishReason)
	}
	if len(got.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d", len(got.ToolCalls))
	}
	tc := got.ToolCalls[0]
	if tc.ID != "call_abc" || tc.Function.Name != "EchoTool" || tc.Function.Arguments != `{"message":"hi"}` {
		t.Errorf("tool call = %+v", tc)
	}
}

func TestChatSurfacesPermanentError(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"bad schema","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	c := New(models.LLMPolicy{Model: "test-model", BaseURL: srv.URL + "/v1"}, "test-key")
	if _, err := c.Chat(context.Background(), Request{}); err == nil {
		t.Fatal("expected error")
	}
	if hits != 1 {
		t.Errorf("permanent error retried %d times", hits)
	}
}

func TestStreamChatAccumulatesFragments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"id":"cmpl-1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"thinking "}}]}`,
			`{"id":"cmpl-1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"EchoTool","arguments":"{\"mess"}}]}}]}`,
			`{"id":"cmpl-1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"age\":\"hi\"}"}}]}}]}`,
			`{"id":"cmpl-1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		}
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := New(models.LLMPolicy{Model: "test-model", BaseURL: srv.URL + "/v1"}, "test-key")

	var deltas string
	got, err := c.StreamChat(context.Background(), Request{
		Messages: []openai.ChatCompletionMessage{{Role: "user", Content: "hi"}},
	}, func(s string) { deltas += s })
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	if deltas != "thinking " {
		t.Errorf("deltas = %q", deltas)
	}
	if got.FinishReason != "tool_calls" {
		t.Errorf("finish reason = %q", got.FinishReason)
	}
	if len(got.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d", len(got.ToolCalls))
	}
	tc := got.ToolCalls[0]
	if tc.Function.Arguments != `{"message":"hi"}` {
		t.Errorf("accumulated arguments = %q", tc.Function.Arguments)
	}
	if tc.ID != "call_1" || tc.Type != "function" {
		t.Errorf("tool call meta = %+v", tc)
	}
}
