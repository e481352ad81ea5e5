package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// CreateReportArgs composes the research findings into a structured
// markdown report. The report body is produced by the LLM through the tool
// arguments; the tool anchors it with the collected source list and records
// it as the execution result.
type CreateReportArgs struct {
	Reasoning string `json:"reasoning" jsonschema:"description=Why the collected data is sufficient for a report"`
	Title     string `json:"title" jsonschema:"description=Report title"`
	Content   string `json:"content" jsonschema:"description=Full report body in markdown with inline [N] citations"`
	Confident bool   `json:"confident" jsonschema:"description=Is every claim grounded in the collected sources?"`
}

func createReportExec(_ context.Context, inv *Invocation, args json.RawMessage) (string, error) {
	var a CreateReportArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return "", err
	}
	if strings.TrimSpace(a.Content) == "" {
		return "", fmt.Errorf("empty report content")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n%s\n", a.Title, a.Content)
	inv.Lock()
	if len(inv.Snapshot.Sources) > 0 {
		sb.WriteString("\n## Sources\n\n")
		for i, url := range inv.Snapshot.Sources {
			fmt.Fprintf(&sb, "[%d] %s\n", i+1, url)
		}
	}
	report := sb.String()
	inv.Snapshot.ExecutionResult = report
	inv.Unlock()
	return report, nil
}
