package tools

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/maruntime/maruntime/internal/store"
	"github.com/maruntime/maruntime/pkg/models"
)

// seedRows are the builtin tool rows installed on first boot. Existing rows
// win: operators may edit descriptions, configs and quotas freely.
var seedRows = []models.Tool{
	{
		Name:        NameReasoning,
		Description: "Record structured step-by-step reasoning about the current task before acting.",
		Binding:     "maruntime/tools:ReasoningTool",
		Category:    models.CategoryUtility,
	},
	{
		Name:        NameFinalAnswer,
		Description: "Deliver the final answer and finish the task.",
		Binding:     "maruntime/tools:FinalAnswerTool",
		Category:    models.CategoryUtility,
	},
	{
		Name:        NameClarification,
		Description: "Ask the user clarifying questions when the task is ambiguous. Suspends the session until the user replies.",
		Binding:     "maruntime/tools:ClarificationTool",
		Config:      map[string]any{"max_calls": 3},
		Category:    models.CategoryUtility,
	},
	{
		Name:        NameWebSearch,
		Description: "Search the web for real-time information. Returns titles, links and short snippets.",
		Binding:     "maruntime/tools:WebSearchTool",
		Config:      map[string]any{"api_key_ref": "TAVILY_API_KEY", "max_calls": 10, "timeout_seconds": 30},
		Category:    models.CategoryResearch,
	},
	{
		Name:        NameCreateReport,
		Description: "Compose the collected findings into a structured markdown report with cited sources.",
		Binding:     "maruntime/tools:CreateReportTool",
		Category:    models.CategoryResearch,
	},
	{
		Name:        NameChatSearch,
		Description: "Search previous conversations for relevant questions and answers.",
		Binding:     "maruntime/tools:ChatSearchTool",
		Category:    models.CategoryMemory,
	},
	{
		Name:        NameEcho,
		Description: "Echo the given payload back. Diagnostic only.",
		Binding:     "maruntime/tools:EchoTool",
		Config:      map[string]any{"max_calls": 5},
		Category:    models.CategoryUtility,
	},
}

// SeedBuiltins installs the builtin tool rows that are not already present.
func SeedBuiltins(ctx context.Context, st store.ToolStore) error {
	for i := range seedRows {
		row := seedRows[i]
		if _, err := st.GetToolByName(ctx, row.Name); err == nil {
			continue
		} else if !store.IsNotFound(err) {
			return fmt.Errorf("seed lookup %s: %w", row.Name, err)
		}
		row.ID = uuid.NewString()
		row.Active = true
		if err := st.UpsertTool(ctx, &row); err != nil {
			return fmt.Errorf("seed %s: %w", row.Name, err)
		}
	}
	return nil
}
