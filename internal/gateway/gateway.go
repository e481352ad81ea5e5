// Package gateway adapts the session runtime to the OpenAI chat-completions
// protocol. The model field routes: a template name starts a session, a
// session id resumes one waiting for clarification. Responses stream the
// session's event channel as SSE or collect it into one completion body.
package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/maruntime/maruntime/internal/events"
	"github.com/maruntime/maruntime/internal/pool"
	"github.com/maruntime/maruntime/internal/session"
	"github.com/maruntime/maruntime/internal/store"
	"github.com/maruntime/maruntime/pkg/models"
)

var tracer = otel.Tracer("maruntime/gateway")

// listLimit bounds the chat browsing endpoint.
const listLimit = 100

// Gateway serves the /v1 surface.
type Gateway struct {
	store    store.Store
	sessions *session.Service
	pool     *pool.Pool
}

// New builds the gateway over the session service and the worker pool.
func New(st store.Store, sessions *session.Service, p *pool.Pool) *Gateway {
	return &Gateway{store: st, sessions: sessions, pool: p}
}

// Routes mounts the gateway endpoints.
func (g *Gateway) Routes(r chi.Router) {
	r.Post("/chat/completions", g.ChatCompletions)
	r.Get("/models", g.ListModels)
	r.Get("/chats", g.ListChats)
	r.Get("/chats/{sessionID}", g.GetChat)
	r.Get("/chats/{sessionID}/messages", g.GetChatMessages)
	r.Put("/chats/{sessionID}", g.RenameChat)
	r.Delete("/chats/{sessionID}", g.DeleteChat)
}

// ── Chat completions ─────────────────────────────────────────

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	ChatID   string        `json:"chat_id,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
}

type completionChoice struct {
	Index        int               `json:"index"`
	Message      completionMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type completionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletions routes the request to a new or resumed session and
// answers from the session's event stream.
func (g *Gateway) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "gateway.chat_completions")
	defer span.End()

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "malformed JSON body")
		return
	}
	task := lastUserMessage(req.Messages)
	if req.Model == "" || task == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "model and a user message are required")
		return
	}
	span.SetAttributes(attribute.String("gateway.model", req.Model), attribute.Bool("gateway.stream", req.Stream))

	sess, templateID, errCode, err := g.route(r, req, task)
	if err != nil {
		switch errCode {
		case "model_not_found":
			writeError(w, http.StatusNotFound, "invalid_request_error", "model_not_found")
		case "stale_session":
			w.Header().Set("X-Session-Error", "stale_session")
			writeError(w, http.StatusConflict, "invalid_request_error", "stale_session")
		case "not_waiting":
			w.Header().Set("X-Session-Error", "not_waiting_for_clarification")
			writeError(w, http.StatusConflict, "invalid_request_error", "session is not waiting for clarification")
		default:
			log.Error().Err(err).Str("model", req.Model).Msg("chat completion routing failed")
			writeError(w, http.StatusInternalServerError, "internal_error", "session could not be started")
		}
		return
	}
	span.SetAttributes(attribute.String("session.id", sess.ID))

	// Attach before waking the pool so no event frame is lost to the race.
	stream := g.pool.Attach(sess.ID, req.Model)
	g.pool.Notify(ctx, templateID)
	w.Header().Set("X-Session-Id", sess.ID)

	if req.Stream {
		sw, err := events.NewSSEWriter(w)
		if err != nil {
			stream.Close()
			writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
			return
		}
		if err := events.Pump(ctx, stream, sw); err != nil {
			log.Debug().Err(err).Str("session_id", sess.ID).Msg("sse client gone")
		}
		return
	}

	content, finishReason, err := events.Collect(ctx, stream)
	if err != nil {
		w.Header().Set("X-Session-Error", "client_cancelled")
		writeError(w, http.StatusRequestTimeout, "internal_error", "request cancelled before completion")
		return
	}
	if finishReason == "" {
		finishReason = "stop"
	}
	writeJSON(w, http.StatusOK, completionResponse{
		ID:      sess.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []completionChoice{{
			Message:      completionMessage{Role: "assistant", Content: content},
			FinishReason: finishReason,
		}},
	})
}

// route resolves the model field: template name → start, session id →
// resume. Returns the session and the template id to wake.
func (g *Gateway) route(r *http.Request, req chatRequest, task string) (*models.Session, string, string, error) {
	ctx := r.Context()

	if tmpl, err := g.store.GetTemplateByName(ctx, req.Model); err == nil {
		version, err := g.store.GetActiveTemplateVersion(ctx, tmpl.ID)
		if err != nil {
			return nil, "", "model_not_found", err
		}
		sess, err := g.sessions.Start(ctx, version.ID, task, "")
		if err != nil {
			return nil, "", "", err
		}
		return sess, tmpl.ID, "", nil
	}

	sess, err := g.store.GetSession(ctx, req.Model)
	if err != nil {
		return nil, "", "model_not_found", err
	}
	if sess.State != models.SessionWaitingForClarification && req.ChatID != sess.ID {
		return nil, "", "not_waiting", session.ErrNotWaiting
	}
	resumed, err := g.sessions.ResumeWithClarification(ctx, sess.ID, task)
	if err != nil {
		if store.IsStale(err) {
			return nil, "", "stale_session", err
		}
		if err == session.ErrNotWaiting {
			return nil, "", "not_waiting", err
		}
		return nil, "", "", err
	}
	version, err := g.store.GetTemplateVersion(ctx, resumed.TemplateVersionID)
	if err != nil {
		return nil, "", "", err
	}
	return resumed, version.TemplateID, "", nil
}

// ── Models ───────────────────────────────────────────────────

type modelEntry struct {
	ID        string `json:"id"`
	Object    string `json:"object"`
	OwnedBy   string `json:"owned_by"`
	VersionID string `json:"version_id"`
}

// ListModels exposes every template with an active version as a model id.
func (g *Gateway) ListModels(w http.ResponseWriter, r *http.Request) {
	templates, err := g.store.ListTemplates(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "template listing failed")
		return
	}
	data := make([]modelEntry, 0, len(templates))
	for _, tmpl := range templates {
		if tmpl.ActiveVersionID == "" {
			continue
		}
		data = append(data, modelEntry{
			ID:        tmpl.Name,
			Object:    "model",
			OwnedBy:   "maruntime",
			VersionID: tmpl.ActiveVersionID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

// ── Chat browsing ────────────────────────────────────────────

func (g *Gateway) ListChats(w http.ResponseWriter, r *http.Request) {
	sessions, err := g.store.ListSessions(r.Context(), listLimit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "session listing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": sessions})
}

func (g *Gateway) GetChat(w http.ResponseWriter, r *http.Request) {
	sess, err := g.store.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "invalid_request_error", "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (g *Gateway) GetChatMessages(w http.ResponseWriter, r *http.Request) {
	_, msgs, err := g.store.LoadSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "invalid_request_error", "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": msgs})
}

func (g *Gateway) RenameChat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Title) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "title is required")
		return
	}
	id := chi.URLParam(r, "sessionID")
	if err := g.store.UpdateSessionTitle(r.Context(), id, body.Title); err != nil {
		writeError(w, http.StatusNotFound, "invalid_request_error", "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "title": body.Title})
}

func (g *Gateway) DeleteChat(w http.ResponseWriter, r *http.Request) {
	if err := g.store.DeleteSession(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		writeError(w, http.StatusNotFound, "invalid_request_error", "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Helpers ──────────────────────────────────────────────────

func lastUserMessage(msgs []chatMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" && strings.TrimSpace(msgs[i].Content) != "" {
			return msgs[i].Content
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("response write failed")
	}
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	code := ""
	if !strings.Contains(message, " ") {
		code = message
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Message: message, Type: errType, Code: code}})
}
