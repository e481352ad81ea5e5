package session_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/maruntime/maruntime/internal/selector"
	"github.com/maruntime/maruntime/internal/session"
	"github.com/maruntime/maruntime/internal/store"
	"github.com/maruntime/maruntime/internal/tools"
	"github.com/maruntime/maruntime/pkg/models"
)

func newService(t *testing.T) (*session.Service, store.Store, *models.TemplateVersion) {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	if err := tools.SeedBuiltins(ctx, s); err != nil {
		t.Fatalf("seed builtins: %v", err)
	}

	tmpl := &models.Template{Name: "research-agent"}
	if err := s.CreateTemplate(ctx, tmpl); err != nil {
		t.Fatalf("create template: %v", err)
	}
	version := &models.TemplateVersion{
		TemplateID: tmpl.ID,
		Settings:   models.TemplateSettings{BaseClass: models.BaseToolCalling},
		Tools:      []string{tools.NameWebSearch, tools.NameClarification, tools.NameFinalAnswer},
		Active:     true,
	}
	if err := s.CreateTemplateVersion(ctx, version); err != nil {
		t.Fatalf("create version: %v", err)
	}

	sel := selector.New(tools.NewCatalog(s, tools.Deps{Turns: s}), nil)
	return session.NewService(s, sel), s, version
}

func TestStart(t *testing.T) {
	svc, s, version := newService(t)
	ctx := context.Background()

	sess, err := svc.Start(ctx, version.ID, "what changed in go 1.22?", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sess.State != models.SessionResearching {
		t.Errorf("state = %s, want RESEARCHING", sess.State)
	}
	if sess.Title != "what changed in go 1.22?" {
		t.Errorf("title = %q", sess.Title)
	}
	if sess.Context.Prompts.System == "" {
		t.Error("snapshot prompts not captured")
	}

	_, msgs, err := s.LoadSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("opening log has %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != models.RoleSystem {
		t.Errorf("first message role = %s, want system", msgs[0].Role)
	}
	if !strings.Contains(msgs[0].Content, tools.NameWebSearch) {
		t.Errorf("system prompt missing tool roster: %q", msgs[0].Content)
	}
	if msgs[1].Role != models.RoleUser || msgs[1].Content != "what changed in go 1.22?" {
		t.Errorf("user message = %s %q", msgs[1].Role, msgs[1].Content)
	}

	stored, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if stored.State != models.SessionResearching {
		t.Errorf("stored state = %s", stored.State)
	}
	if stored.Context.Task != "what changed in go 1.22?" {
		t.Errorf("stored task = %q", stored.Context.Task)
	}
}

func TestStartTitleDerivation(t *testing.T) {
	svc, _, version := newService(t)
	ctx := context.Background()

	long := strings.Repeat("word ", 30)
	sess, err := svc.Start(ctx, version.ID, long, "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !strings.HasSuffix(sess.Title, "...") {
		t.Errorf("long title not truncated: %q", sess.Title)
	}
	if len([]rune(sess.Title)) > 63 {
		t.Errorf("title too long: %d runes", len([]rune(sess.Title)))
	}

	sess, err = svc.Start(ctx, version.ID, "first line\nsecond line", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sess.Title != "first line" {
		t.Errorf("multiline title = %q, want first line only", sess.Title)
	}

	sess, err = svc.Start(ctx, version.ID, "task text", "explicit title")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sess.Title != "explicit title" {
		t.Errorf("explicit title overridden: %q", sess.Title)
	}
}

func TestStartUnknownVersion(t *testing.T) {
	svc, _, _ := newService(t)
	if _, err := svc.Start(context.Background(), "no-such-version", "task", ""); !store.IsNotFound(err) {
		t.Errorf("err = %v, want not-found", err)
	}
}

func TestResumeWithClarification(t *testing.T) {
	svc, s, version := newService(t)
	ctx := context.Background()

	sess, err := svc.Start(ctx, version.ID, "ambiguous task", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.UpdateSessionState(ctx, sess.ID, models.SessionResearching, models.SessionWaitingForClarification, nil); err != nil {
		t.Fatalf("move to waiting: %v", err)
	}

	resumed, err := svc.ResumeWithClarification(ctx, sess.ID, "use the last 30 days")
	if err != nil {
		t.Fatalf("ResumeWithClarification: %v", err)
	}
	if resumed.State != models.SessionResearching {
		t.Errorf("state = %s, want RESEARCHING", resumed.State)
	}
	if resumed.Context.ClarificationsUsed != 1 {
		t.Errorf("clarifications used = %d, want 1", resumed.Context.ClarificationsUsed)
	}

	_, msgs, err := s.LoadSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	last := msgs[len(msgs)-1]
	if last.Role != models.RoleUser {
		t.Errorf("reply role = %s", last.Role)
	}
	if !strings.Contains(last.Content, "use the last 30 days") {
		t.Errorf("reply content = %q", last.Content)
	}
}

func TestResumeRequiresWaitingState(t *testing.T) {
	svc, _, version := newService(t)
	ctx := context.Background()

	sess, err := svc.Start(ctx, version.ID, "task", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := svc.ResumeWithClarification(ctx, sess.ID, "reply"); !errors.Is(err, session.ErrNotWaiting) {
		t.Errorf("resume from RESEARCHING: err = %v, want ErrNotWaiting", err)
	}
}

func TestAppendToolExchange(t *testing.T) {
	svc, s, version := newService(t)
	ctx := context.Background()

	sess, err := svc.Start(ctx, version.ID, "task", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	calls := []models.ToolCallRef{{
		ID:       "1-action-0",
		Type:     "function",
		Function: models.FunctionCall{Name: tools.NameWebSearch, Arguments: `{"query":"go"}`},
	}}
	if err := svc.AppendAssistantWithToolCalls(ctx, sess.ID, 1, "", calls); err != nil {
		t.Fatalf("append assistant: %v", err)
	}
	if err := svc.AppendToolResult(ctx, sess.ID, 1, "1-action-0", `{"results":[]}`); err != nil {
		t.Fatalf("append tool result: %v", err)
	}

	_, msgs, err := s.LoadSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("log has %d messages, want 4", len(msgs))
	}
	if msgs[2].Type != models.TypeToolCall || len(msgs[2].ToolCalls) != 1 {
		t.Errorf("assistant turn = %+v", msgs[2])
	}
	if msgs[3].Type != models.TypeToolResult || msgs[3].ToolCallID != "1-action-0" {
		t.Errorf("tool turn = %+v", msgs[3])
	}
}
