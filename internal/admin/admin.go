// Package admin serves the operator CRUD surface over templates, template
// versions, tools and instances. The core runtime reads the same store; the
// only cross-wiring is catalog invalidation on tool changes and pool
// start/stop on instance commands.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/maruntime/maruntime/internal/embeddings"
	"github.com/maruntime/maruntime/internal/pool"
	"github.com/maruntime/maruntime/internal/store"
	"github.com/maruntime/maruntime/internal/tools"
	"github.com/maruntime/maruntime/pkg/models"
)

// Admin carries the handler dependencies.
type Admin struct {
	store     store.Store
	catalog   *tools.Catalog
	pool      *pool.Pool
	embedders *embeddings.Registry
}

// New builds the admin surface.
func New(st store.Store, catalog *tools.Catalog, p *pool.Pool, emb *embeddings.Registry) *Admin {
	return &Admin{store: st, catalog: catalog, pool: p, embedders: emb}
}

// Routes mounts the admin endpoints.
func (a *Admin) Routes(r chi.Router) {
	r.Route("/templates", func(r chi.Router) {
		r.Get("/", a.ListTemplates)
		r.Post("/", a.CreateTemplate)
		r.Route("/{templateID}", func(r chi.Router) {
			r.Get("/", a.GetTemplate)
			r.Put("/", a.UpdateTemplate)
			r.Get("/versions", a.ListVersions)
			r.Post("/versions", a.CreateVersion)
		})
	})
	r.Post("/versions/{versionID}/activate", a.ActivateVersion)

	r.Route("/tools", func(r chi.Router) {
		r.Get("/", a.ListTools)
		r.Post("/", a.UpsertTool)
		r.Route("/{toolID}", func(r chi.Router) {
			r.Get("/", a.GetTool)
			r.Delete("/", a.DeleteTool)
		})
	})

	r.Route("/instances", func(r chi.Router) {
		r.Get("/", a.ListInstances)
		r.Post("/", a.CreateInstance)
		r.Route("/{instanceID}", func(r chi.Router) {
			r.Get("/", a.GetInstance)
			r.Put("/", a.UpdateInstance)
			r.Delete("/", a.DeleteInstance)
			r.Post("/start", a.StartInstance)
			r.Post("/stop", a.StopInstance)
		})
	})
}

// ── Templates ────────────────────────────────────────────────

func (a *Admin) ListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := a.store.ListTemplates(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": templates})
}

func (a *Admin) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var tmpl models.Template
	if err := json.NewDecoder(r.Body).Decode(&tmpl); err != nil {
		writeMsg(w, http.StatusBadRequest, "malformed body")
		return
	}
	if strings.TrimSpace(tmpl.Name) == "" {
		writeMsg(w, http.StatusBadRequest, "name is required")
		return
	}
	if tmpl.ID == "" {
		tmpl.ID = uuid.NewString()
	}
	if err := a.store.CreateTemplate(r.Context(), &tmpl); err != nil {
		writeErr(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusCreated, tmpl)
}

func (a *Admin) GetTemplate(w http.ResponseWriter, r *http.Request) {
	tmpl, err := a.store.GetTemplate(r.Context(), chi.URLParam(r, "templateID"))
	if err != nil {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, tmpl)
}

func (a *Admin) UpdateTemplate(w http.ResponseWriter, r *http.Request) {
	tmpl, err := a.store.GetTemplate(r.Context(), chi.URLParam(r, "templateID"))
	if err != nil {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	var body struct {
		Name        *string `json:"name"`
		Description *string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeMsg(w, http.StatusBadRequest, "malformed body")
		return
	}
	if body.Name != nil {
		tmpl.Name = *body.Name
	}
	if body.Description != nil {
		tmpl.Description = *body.Description
	}
	if err := a.store.UpdateTemplate(r.Context(), tmpl); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, tmpl)
}

// ── Template versions ────────────────────────────────────────

func (a *Admin) ListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := a.store.ListTemplateVersions(r.Context(), chi.URLParam(r, "templateID"))
	if err != nil {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": versions})
}

func (a *Admin) CreateVersion(w http.ResponseWriter, r *http.Request) {
	templateID := chi.URLParam(r, "templateID")
	if _, err := a.store.GetTemplate(r.Context(), templateID); err != nil {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	var version models.TemplateVersion
	if err := json.NewDecoder(r.Body).Decode(&version); err != nil {
		writeMsg(w, http.StatusBadRequest, "malformed body")
		return
	}
	version.TemplateID = templateID
	if version.ID == "" {
		version.ID = uuid.NewString()
	}
	if err := a.store.CreateTemplateVersion(r.Context(), &version); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, version)
}

func (a *Admin) ActivateVersion(w http.ResponseWriter, r *http.Request) {
	versionID := chi.URLParam(r, "versionID")
	if err := a.store.ActivateTemplateVersion(r.Context(), versionID); err != nil {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": versionID, "active": true})
}

// ── Tools ────────────────────────────────────────────────────

func (a *Admin) ListTools(w http.ResponseWriter, r *http.Request) {
	rows, err := a.store.ListTools(r.Context(), false)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": rows})
}

func (a *Admin) GetTool(w http.ResponseWriter, r *http.Request) {
	row, err := a.store.GetTool(r.Context(), chi.URLParam(r, "toolID"))
	if err != nil {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// UpsertTool writes a tool row, re-embeds its description and invalidates
// the catalog so the next resolution sees the change.
func (a *Admin) UpsertTool(w http.ResponseWriter, r *http.Request) {
	var row models.Tool
	if err := json.NewDecoder(r.Body).Decode(&row); err != nil {
		writeMsg(w, http.StatusBadRequest, "malformed body")
		return
	}
	if strings.TrimSpace(row.Name) == "" || strings.TrimSpace(row.Binding) == "" {
		writeMsg(w, http.StatusBadRequest, "name and binding are required")
		return
	}
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	a.embedTool(r.Context(), &row)
	if err := a.store.UpsertTool(r.Context(), &row); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	a.catalog.Invalidate()
	writeJSON(w, http.StatusOK, row)
}

func (a *Admin) DeleteTool(w http.ResponseWriter, r *http.Request) {
	if err := a.store.DeleteTool(r.Context(), chi.URLParam(r, "toolID")); err != nil {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	a.catalog.Invalidate()
	w.WriteHeader(http.StatusNoContent)
}

// embedTool refreshes the description embedding used by retrieval ranking.
// Missing embedder or provider failure leaves the tool unranked, not broken.
func (a *Admin) embedTool(ctx context.Context, row *models.Tool) {
	if a.embedders == nil || row.Description == "" {
		return
	}
	drv := a.embedders.Default()
	if drv == nil {
		return
	}
	embedCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	vecs, err := drv.Embed(embedCtx, []string{row.Name + ": " + row.Description})
	if err != nil || len(vecs) == 0 {
		log.Warn().Err(err).Str("tool", row.Name).Msg("tool embedding failed")
		return
	}
	row.Embedding = vecs[0]
}

// ── Instances ────────────────────────────────────────────────

func (a *Admin) ListInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := a.store.ListInstances(r.Context(), false)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": instances})
}

func (a *Admin) CreateInstance(w http.ResponseWriter, r *http.Request) {
	var inst models.AgentInstance
	if err := json.NewDecoder(r.Body).Decode(&inst); err != nil {
		writeMsg(w, http.StatusBadRequest, "malformed body")
		return
	}
	if strings.TrimSpace(inst.Name) == "" || inst.TemplateVersionID == "" {
		writeMsg(w, http.StatusBadRequest, "name and template_version_id are required")
		return
	}
	version, err := a.store.GetTemplateVersion(r.Context(), inst.TemplateVersionID)
	if err != nil {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	inst.TemplateID = version.TemplateID
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	inst.Status = models.InstanceOffline
	if err := a.store.CreateInstance(r.Context(), &inst); err != nil {
		writeErr(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

func (a *Admin) GetInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := a.store.GetInstance(r.Context(), chi.URLParam(r, "instanceID"))
	if err != nil {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (a *Admin) UpdateInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := a.store.GetInstance(r.Context(), chi.URLParam(r, "instanceID"))
	if err != nil {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	var body struct {
		DisplayName *string `json:"display_name"`
		Enabled     *bool   `json:"enabled"`
		AutoStart   *bool   `json:"auto_start"`
		Priority    *int    `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeMsg(w, http.StatusBadRequest, "malformed body")
		return
	}
	if body.DisplayName != nil {
		inst.DisplayName = *body.DisplayName
	}
	if body.Enabled != nil {
		inst.Enabled = *body.Enabled
	}
	if body.AutoStart != nil {
		inst.AutoStart = *body.AutoStart
	}
	if body.Priority != nil {
		inst.Priority = *body.Priority
	}
	if err := a.store.UpdateInstance(r.Context(), inst); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (a *Admin) DeleteInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "instanceID")
	inst, err := a.store.GetInstance(r.Context(), id)
	if err != nil {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	if inst.Status == models.InstanceBusy {
		writeMsg(w, http.StatusConflict, "instance is busy")
		return
	}
	if err := a.store.DeleteInstance(r.Context(), id); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Admin) StartInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "instanceID")
	if err := a.pool.StartInstance(r.Context(), id); err != nil {
		writeErr(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": "starting"})
}

func (a *Admin) StopInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "instanceID")
	if err := a.pool.StopInstance(r.Context(), id); err != nil {
		writeErr(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": "stopping"})
}

// ── Helpers ──────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("response write failed")
	}
}

func writeErr(w http.ResponseWriter, status int, err error) {
	if store.IsNotFound(err) {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMsg(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
