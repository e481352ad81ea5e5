package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// mcpBindingPrefix marks tool rows backed by a remote MCP server. The
// binding format is "mcp:<server>/<tool>"; the server key is resolved
// against the template's MCP configuration at call time.
const mcpBindingPrefix = "mcp:"

// ParseMCPBinding splits an MCP binding into its server key and remote tool
// name. ok is false for non-MCP bindings.
func ParseMCPBinding(binding string) (server, tool string, ok bool) {
	if !strings.HasPrefix(binding, mcpBindingPrefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(binding, mcpBindingPrefix)
	server, tool, found := strings.Cut(rest, "/")
	if !found || server == "" || tool == "" {
		return "", "", false
	}
	return server, tool, true
}

// mcpTool proxies a tool call to a remote MCP server as a JSON-RPC 2.0
// tools/call round-trip.
type mcpTool struct {
	client *http.Client
	server string
	remote string
}

type mcpRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params"`
	ID      string         `json:"id"`
}

type mcpResponse struct {
	Result *mcpToolResult `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type mcpToolResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

func (t *mcpTool) Execute(ctx context.Context, inv *Invocation, args json.RawMessage) (string, error) {
	endpoint := configString(inv.Config, "endpoint")
	if endpoint == "" {
		return "", fmt.Errorf("mcp server %q has no endpoint configured", t.server)
	}

	var arguments map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &arguments); err != nil {
			return "", err
		}
	}

	body, err := json.Marshal(mcpRequest{
		JSONRPC: "2.0",
		Method:  "tools/call",
		Params:  map[string]any{"name": t.remote, "arguments": arguments},
		ID:      uuid.New().String(),
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if headers, ok := inv.Config["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("mcp call failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read mcp response: %w", err)
	}

	var rpc mcpResponse
	if err := json.Unmarshal(raw, &rpc); err != nil || (rpc.Result == nil && rpc.Error == nil) {
		// Not a proper MCP envelope; surface the raw body.
		return string(raw), nil
	}
	if rpc.Error != nil {
		return "", fmt.Errorf("mcp error %d: %s", rpc.Error.Code, rpc.Error.Message)
	}

	var parts []string
	for _, c := range rpc.Result.Content {
		if c.Type == "text" && c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if rpc.Result.IsError {
		return "", fmt.Errorf("mcp tool error: %s", text)
	}
	return text, nil
}
