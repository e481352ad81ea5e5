// Package llm wraps the OpenAI-compatible chat completions endpoint used
// by the agent loop. The provider is a black box: any server speaking the
// chat-completions protocol with streaming and tool-calling works.
package llm

import (
	"context"
	"errors"
	"io"
	"net"
	"sort"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/rs/zerolog/log"

	"github.com/maruntime/maruntime/pkg/models"
)

// maxAttempts bounds retries of a single provider call. Transient failures
// (429, 5xx, network) retry twice; everything else surfaces immediately.
const maxAttempts = 3

// Client is a per-template-version chat client. Construction is cheap; the
// pool builds one per worker from the pinned LLM policy.
type Client struct {
	api    *openai.Client
	policy models.LLMPolicy
}

// New builds a client from an LLM policy and a resolved API key.
func New(policy models.LLMPolicy, apiKey string) *Client {
	cfg := openai.DefaultConfig(apiKey)
	if policy.BaseURL != "" {
		cfg.BaseURL = policy.BaseURL
	}
	return &Client{api: openai.NewClientWithConfig(cfg), policy: policy}
}

// Request is one chat completion call.
type Request struct {
	Messages []openai.ChatCompletionMessage
	Tools    []openai.Tool

	// ToolChoice is "required", "auto", a *openai.ToolChoice pinning one
	// function, or nil for the provider default.
	ToolChoice any

	// ResponseFormat forces a JSON schema response (schema-guided phases).
	ResponseFormat *openai.ChatCompletionResponseFormat

	ParallelToolCalls bool
}

// Completion is the aggregated result of one call.
type Completion struct {
	Content      string
	ToolCalls    []models.ToolCallRef
	FinishReason string
}

// Transient reports whether a provider error is worth retrying.
func Transient(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}

func (c *Client) buildRequest(req Request, stream bool) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model:       c.policy.Model,
		Messages:    req.Messages,
		Temperature: c.policy.Temperature,
		Stream:      stream,
	}
	if c.policy.MaxTokens > 0 {
		out.MaxTokens = c.policy.MaxTokens
	}
	if len(req.Tools) > 0 {
		out.Tools = req.Tools
		out.ToolChoice = req.ToolChoice
		if req.ParallelToolCalls {
			out.ParallelToolCalls = true
		}
	}
	if req.ResponseFormat != nil {
		out.ResponseFormat = req.ResponseFormat
	}
	return out
}

// StreamChat runs one streaming completion. Content deltas are forwarded to
// onDelta as they arrive; tool call fragments are accumulated by index and
// returned in the order the provider emitted them.
func (c *Client) StreamChat(ctx context.Context, req Request, onDelta func(string)) (*Completion, error) {
	chatReq := c.buildRequest(req, true)

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
			log.Debug().Int("attempt", attempt).Str("model", c.policy.Model).Msg("retrying llm call")
		}

		stream, err := c.api.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
			if !Transient(err) {
				return nil, err
			}
			lastErr = err
			continue
		}

		completion, err := consumeStream(stream, onDelta)
		if err != nil {
			if !Transient(err) {
				return nil, err
			}
			lastErr = err
			continue
		}
		return completion, nil
	}
	return nil, lastErr
}

// Chat runs one non-streaming completion with the same retry policy.
func (c *Client) Chat(ctx context.Context, req Request) (*Completion, error) {
	chatReq := c.buildRequest(req, false)

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}

		resp, err := c.api.CreateChatCompletion(ctx, chatReq)
		if err != nil {
			if !Transient(err) {
				return nil, err
			}
			lastErr = err
			continue
		}
		if len(resp.Choices) == 0 {
			return &Completion{FinishReason: "stop"}, nil
		}
		choice := resp.Choices[0]
		out := &Completion{
			Content:      choice.Message.Content,
			FinishReason: string(choice.FinishReason),
		}
		for _, tc := range choice.Message.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, models.ToolCallRef{
				ID:   tc.ID,
				Type: string(tc.Type),
				Function: models.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		return out, nil
	}
	return nil, lastErr
}

// consumeStream drains one streaming response, accumulating tool call
// fragments. Providers stream each tool call's name first, then argument
// fragments, keyed by a stable index.
func consumeStream(stream *openai.ChatCompletionStream, onDelta func(string)) (*Completion, error) {
	defer stream.Close()

	type partial struct {
		index int
		call  models.ToolCallRef
	}
	calls := make(map[int]*partial)
	out := &Completion{}

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(resp.Choices) == 0 {
			continue
		}

		choice := resp.Choices[0]
		if choice.Delta.Content != "" {
			out.Content += choice.Delta.Content
			if onDelta != nil {
				onDelta(choice.Delta.Content)
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			p, ok := calls[index]
			if !ok {
				p = &partial{index: index}
				calls[index] = p
			}
			if tc.ID != "" {
				p.call.ID = tc.ID
			}
			if tc.Type != "" {
				p.call.Type = string(tc.Type)
			}
			if tc.Function.Name != "" {
				p.call.Function.Name += tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				p.call.Function.Arguments += tc.Function.Arguments
			}
		}
		if choice.FinishReason != "" {
			out.FinishReason = string(choice.FinishReason)
		}
	}

	ordered := make([]*partial, 0, len(calls))
	for _, p := range calls {
		ordered = append(ordered, p)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].index < ordered[j].index })
	for _, p := range ordered {
		if p.call.Type == "" {
			p.call.Type = "function"
		}
		out.ToolCalls = append(out.ToolCalls, p.call)
	}
	return out, nil
}
