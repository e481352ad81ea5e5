// Package session implements the session lifecycle operations: starting a
// conversation against a template version, resuming it after a clarification
// wait, and the paired append operations the agent loop drives.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/maruntime/maruntime/internal/prompts"
	"github.com/maruntime/maruntime/internal/selector"
	"github.com/maruntime/maruntime/internal/store"
	"github.com/maruntime/maruntime/pkg/models"
)

// maxTitleLen bounds auto-derived session titles.
const maxTitleLen = 60

// ErrNotWaiting is returned when a clarification resume targets a session
// that is not waiting for one.
var ErrNotWaiting = errors.New("session is not waiting for clarification")

// Service wraps the store with the session state-machine operations. All
// transitions go through compare-and-set; callers observing ErrStale must
// re-read before retrying.
type Service struct {
	store    store.Store
	selector *selector.Selector
}

// NewService builds the session service.
func NewService(st store.Store, sel *selector.Selector) *Service {
	return &Service{store: st, selector: sel}
}

// Start creates a session in INITED, writes its opening messages (rendered
// system prompt plus the initial user message) and flips it to RESEARCHING in
// the same transaction, making it claimable by the pool.
func (s *Service) Start(ctx context.Context, templateVersionID, userMessage, title string) (*models.Session, error) {
	version, err := s.store.GetTemplateVersion(ctx, templateVersionID)
	if err != nil {
		return nil, err
	}

	snapshot := models.ContextSnapshot{
		Task:    userMessage,
		Prompts: prompts.WithDefaults(version.Settings.Prompts),
	}

	if title == "" {
		title = deriveTitle(userMessage)
	}

	sess := &models.Session{
		ID:                uuid.New().String(),
		TemplateVersionID: templateVersionID,
		Title:             title,
		State:             models.SessionInited,
		Context:           snapshot,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	// The system message captures the tool roster the first step would see.
	// Later steps re-render it against their own selection.
	selected, err := s.selector.SelectTools(ctx, &snapshot, sess.State, version, selector.Query(&snapshot))
	if err != nil {
		return nil, fmt.Errorf("selecting tools for opening prompt: %w", err)
	}

	write := store.StepWrite{
		Messages: []*models.SessionMessage{
			{
				SessionID: sess.ID,
				Role:      models.RoleSystem,
				Content:   prompts.System(snapshot.Prompts, selected),
				Type:      models.TypeMessage,
			},
			{
				SessionID: sess.ID,
				Role:      models.RoleUser,
				Content:   prompts.InitialUser(snapshot.Prompts, userMessage),
				Type:      models.TypeMessage,
			},
		},
		Snapshot:  &snapshot,
		FromState: models.SessionInited,
		ToState:   models.SessionResearching,
	}
	if err := s.store.ApplyStepWrite(ctx, sess.ID, write); err != nil {
		return nil, err
	}

	sess.State = models.SessionResearching
	sess.Context = snapshot
	log.Info().Str("session_id", sess.ID).Str("template_version_id", templateVersionID).Msg("session started")
	return sess, nil
}

// ResumeWithClarification appends the user's reply rendered through the
// clarification prompt, bumps clarifications_used and transitions
// WAITING_FOR_CLARIFICATION to RESEARCHING. Exactly one of two concurrent
// resumes wins; the loser observes ErrStale.
func (s *Service) ResumeWithClarification(ctx context.Context, sessionID, userMessage string) (*models.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.State != models.SessionWaitingForClarification {
		return nil, fmt.Errorf("%w: state=%s", ErrNotWaiting, sess.State)
	}

	snapshot := sess.Context.Clone()
	snapshot.ClarificationsUsed++

	write := store.StepWrite{
		Messages: []*models.SessionMessage{
			{
				SessionID: sessionID,
				Role:      models.RoleUser,
				Content:   prompts.Clarification(snapshot.Prompts, userMessage),
				Type:      models.TypeMessage,
			},
		},
		Snapshot:  &snapshot,
		FromState: models.SessionWaitingForClarification,
		ToState:   models.SessionResearching,
	}
	if err := s.store.ApplyStepWrite(ctx, sessionID, write); err != nil {
		return nil, err
	}

	sess.State = models.SessionResearching
	sess.Context = snapshot
	log.Info().Str("session_id", sessionID).Int("clarifications_used", snapshot.ClarificationsUsed).Msg("session resumed after clarification")
	return sess, nil
}

// AppendAssistantWithToolCalls writes the assistant turn carrying the step's
// tool calls.
func (s *Service) AppendAssistantWithToolCalls(ctx context.Context, sessionID string, step int, content string, toolCalls []models.ToolCallRef) error {
	_, err := s.store.AppendMessage(ctx, &models.SessionMessage{
		SessionID: sessionID,
		Role:      models.RoleAssistant,
		Content:   content,
		ToolCalls: toolCalls,
		Type:      models.TypeToolCall,
		Step:      step,
	})
	return err
}

// AppendToolResult writes the tool role message answering one tool call.
func (s *Service) AppendToolResult(ctx context.Context, sessionID string, step int, toolCallID, result string) error {
	_, err := s.store.AppendMessage(ctx, &models.SessionMessage{
		SessionID:  sessionID,
		Role:       models.RoleTool,
		Content:    result,
		ToolCallID: toolCallID,
		Type:       models.TypeToolResult,
		Step:       step,
	})
	return err
}

// Snapshot overwrites the session's context snapshot without touching state.
func (s *Service) Snapshot(ctx context.Context, sessionID string, snapshot *models.ContextSnapshot) error {
	return s.store.ApplyStepWrite(ctx, sessionID, store.StepWrite{Snapshot: snapshot})
}

// deriveTitle produces a short session title from the opening message.
func deriveTitle(message string) string {
	title := strings.TrimSpace(message)
	if line, _, found := strings.Cut(title, "\n"); found {
		title = strings.TrimSpace(line)
	}
	runes := []rune(title)
	if len(runes) > maxTitleLen {
		title = strings.TrimSpace(string(runes[:maxTitleLen])) + "..."
	}
	if title == "" {
		title = "Untitled session " + time.Now().Format("2006-01-02 15:04")
	}
	return title
}
