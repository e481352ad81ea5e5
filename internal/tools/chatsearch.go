package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/maruntime/maruntime/internal/store"
)

// ChatSearchArgs searches previously derived Q/A pairs from the user's chat
// history and returns the most relevant ones.
type ChatSearchArgs struct {
	Query string `json:"query" jsonschema:"description=Search query"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Max results to return (1-20),minimum=1,maximum=20"`
}

type chatSearch struct {
	turns store.ChatTurnStore
}

func (t *chatSearch) Execute(ctx context.Context, _ *Invocation, args json.RawMessage) (string, error) {
	var a ChatSearchArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return "", err
	}
	if a.Limit <= 0 {
		a.Limit = 5
	}

	turns, err := t.turns.SearchChatTurns(ctx, a.Query, a.Limit)
	if err != nil {
		return "", fmt.Errorf("chat history search: %w", err)
	}
	if len(turns) == 0 {
		return "No matching chat history found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d relevant chat turns:\n\n", len(turns))
	for i, turn := range turns {
		fmt.Fprintf(&sb, "%d. Q: %s\n   A: %s\n\n", i+1, turn.Question, turn.Answer)
	}
	return sb.String(), nil
}
