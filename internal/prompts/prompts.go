// Package prompts renders the per-template prompt set. Placeholders use the
// single-brace {name} form; unknown placeholders pass through untouched.
package prompts

import (
	"strings"
	"time"

	"github.com/maruntime/maruntime/internal/tools"
	"github.com/maruntime/maruntime/pkg/models"
)

// Defaults applied when a template omits a prompt.
const (
	DefaultSystem        = "You are a helpful agent. Available tools:\n{available_tools}"
	DefaultInitialUser   = "{task}"
	DefaultClarification = "Please clarify: {clarifications}"
)

// WithDefaults fills empty prompt slots with the defaults. The result is what
// gets captured into the session snapshot at start.
func WithDefaults(p models.PromptSet) models.PromptSet {
	if p.System == "" {
		p.System = DefaultSystem
	}
	if p.InitialUser == "" {
		p.InitialUser = DefaultInitialUser
	}
	if p.Clarification == "" {
		p.Clarification = DefaultClarification
	}
	return p
}

// Render substitutes {key} placeholders with values from vars.
func Render(tmpl string, vars map[string]string) string {
	result := tmpl
	for key, val := range vars {
		result = strings.ReplaceAll(result, "{"+key+"}", val)
	}
	return result
}

// DescribeTools renders the tool roster for {available_tools}: one line per
// tool, name and description.
func DescribeTools(descriptors []*tools.Descriptor) string {
	if len(descriptors) == 0 {
		return "No tools configured."
	}
	lines := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		line := "- " + d.Name()
		if desc := d.Tool.Description; desc != "" {
			line += ": " + desc
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// System renders the system prompt against the tool subset of the current step.
func System(p models.PromptSet, descriptors []*tools.Descriptor) string {
	return Render(p.System, map[string]string{
		"available_tools": DescribeTools(descriptors),
		"current_date":    time.Now().Format("2006-01-02"),
	})
}

// InitialUser renders the opening user message from the task text.
func InitialUser(p models.PromptSet, task string) string {
	return Render(p.InitialUser, map[string]string{
		"task":         task,
		"current_date": time.Now().Format("2006-01-02"),
	})
}

// Clarification renders the user's clarification reply.
func Clarification(p models.PromptSet, reply string) string {
	return Render(p.Clarification, map[string]string{
		"clarifications": reply,
		"task":           reply,
	})
}
