package admin_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/maruntime/maruntime/internal/admin"
	"github.com/maruntime/maruntime/internal/store"
	"github.com/maruntime/maruntime/internal/tools"
	"github.com/maruntime/maruntime/pkg/models"
)

// newAdmin wires the admin surface over the memory store with no pool and
// no embedders. Instance start/stop needs a live pool and is not exercised
// here.
func newAdmin(t *testing.T) (http.Handler, store.Store, *tools.Catalog) {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	if err := tools.SeedBuiltins(ctx, s); err != nil {
		t.Fatalf("seed builtins: %v", err)
	}
	catalog := tools.NewCatalog(s, tools.Deps{Turns: s})

	a := admin.New(s, catalog, nil, nil)
	r := chi.NewRouter()
	a.Routes(r)
	return r, s, catalog
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response: %v\n%s", err, w.Body.String())
	}
	return v
}

func TestTemplateLifecycle(t *testing.T) {
	h, s, _ := newAdmin(t)
	ctx := context.Background()

	w := do(t, h, http.MethodPost, "/templates", `{"name":"research-agent","description":"digs things up"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", w.Code, w.Body.String())
	}
	tmpl := decode[models.Template](t, w)
	if tmpl.ID == "" || tmpl.Name != "research-agent" {
		t.Fatalf("template = %+v", tmpl)
	}

	// Name is mandatory.
	if w := do(t, h, http.MethodPost, "/templates", `{"description":"anonymous"}`); w.Code != http.StatusBadRequest {
		t.Errorf("nameless create status = %d", w.Code)
	}
	// Duplicate names collide.
	if w := do(t, h, http.MethodPost, "/templates", `{"name":"research-agent"}`); w.Code != http.StatusConflict {
		t.Errorf("duplicate create status = %d", w.Code)
	}

	w = do(t, h, http.MethodPut, "/templates/"+tmpl.ID, `{"description":"updated"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d", w.Code)
	}
	got, err := s.GetTemplate(ctx, tmpl.ID)
	if err != nil {
		t.Fatalf("get template: %v", err)
	}
	if got.Description != "updated" || got.Name != "research-agent" {
		t.Errorf("after partial update: %+v", got)
	}

	if w := do(t, h, http.MethodGet, "/templates/no-such-id", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing template status = %d", w.Code)
	}
}

func TestVersionCreateAndActivate(t *testing.T) {
	h, s, _ := newAdmin(t)
	ctx := context.Background()

	tmpl := decode[models.Template](t, do(t, h, http.MethodPost, "/templates", `{"name":"research-agent"}`))

	w := do(t, h, http.MethodPost, "/templates/"+tmpl.ID+"/versions",
		`{"tools":["WebSearchTool","FinalAnswerTool"],"settings":{"base_class":"FlexibleAgent"}}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create version status = %d: %s", w.Code, w.Body.String())
	}
	v1 := decode[models.TemplateVersion](t, w)
	if v1.TemplateID != tmpl.ID {
		t.Errorf("template id = %q", v1.TemplateID)
	}
	if v1.Active {
		t.Error("new version active before activation")
	}

	v2 := decode[models.TemplateVersion](t, do(t, h, http.MethodPost, "/templates/"+tmpl.ID+"/versions", `{}`))

	if w := do(t, h, http.MethodPost, "/versions/"+v1.ID+"/activate", ""); w.Code != http.StatusOK {
		t.Fatalf("activate v1 status = %d", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/versions/"+v2.ID+"/activate", ""); w.Code != http.StatusOK {
		t.Fatalf("activate v2 status = %d", w.Code)
	}

	// Activation flips to exactly one active version.
	active, err := s.GetActiveTemplateVersion(ctx, tmpl.ID)
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if active.ID != v2.ID {
		t.Errorf("active = %s, want %s", active.ID, v2.ID)
	}
	old, err := s.GetTemplateVersion(ctx, v1.ID)
	if err != nil {
		t.Fatalf("get v1: %v", err)
	}
	if old.Active {
		t.Error("previous version still active")
	}

	if w := do(t, h, http.MethodPost, "/versions/no-such-id/activate", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing version activate status = %d", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/templates/no-such-id/versions", `{}`); w.Code != http.StatusNotFound {
		t.Errorf("version under missing template status = %d", w.Code)
	}
}

func TestUpsertToolInvalidatesCatalog(t *testing.T) {
	h, _, catalog := newAdmin(t)
	ctx := context.Background()

	// Warm the cache so the test proves invalidation, not just a cold load.
	if _, err := catalog.Resolve(ctx, tools.NameEcho); err != nil {
		t.Fatalf("warm catalog: %v", err)
	}
	if _, err := catalog.Resolve(ctx, "GreetTool"); err == nil {
		t.Fatal("unregistered tool resolved")
	}

	w := do(t, h, http.MethodPost, "/tools",
		`{"name":"GreetTool","description":"Echoes a greeting.","binding":"maruntime/tools:EchoTool","active":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("upsert status = %d: %s", w.Code, w.Body.String())
	}

	d, err := catalog.Resolve(ctx, "GreetTool")
	if err != nil {
		t.Fatalf("resolve after upsert: %v", err)
	}
	if d.Name() != "GreetTool" {
		t.Errorf("descriptor name = %q", d.Name())
	}
}

func TestUpsertToolValidation(t *testing.T) {
	h, _, _ := newAdmin(t)

	tests := []struct {
		name string
		body string
	}{
		{name: "missing name", body: `{"binding":"maruntime/tools:EchoTool"}`},
		{name: "missing binding", body: `{"name":"GreetTool"}`},
		{name: "malformed body", body: `{"name":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(t, h, http.MethodPost, "/tools", tt.body); w.Code != http.StatusBadRequest {
				t.Errorf("status = %d", w.Code)
			}
		})
	}
}

func TestDeleteToolInvalidatesCatalog(t *testing.T) {
	h, s, catalog := newAdmin(t)
	ctx := context.Background()

	row, err := s.GetToolByName(ctx, tools.NameEcho)
	if err != nil {
		t.Fatalf("get tool: %v", err)
	}
	if _, err := catalog.Resolve(ctx, tools.NameEcho); err != nil {
		t.Fatalf("warm catalog: %v", err)
	}

	w := do(t, h, http.MethodDelete, "/tools/"+row.ID, "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", w.Code)
	}
	if _, err := catalog.Resolve(ctx, tools.NameEcho); err == nil {
		t.Error("deleted tool still resolvable")
	}
}

func TestInstanceLifecycle(t *testing.T) {
	h, s, _ := newAdmin(t)
	ctx := context.Background()

	tmpl := decode[models.Template](t, do(t, h, http.MethodPost, "/templates", `{"name":"research-agent"}`))
	version := decode[models.TemplateVersion](t, do(t, h, http.MethodPost, "/templates/"+tmpl.ID+"/versions", `{}`))

	w := do(t, h, http.MethodPost, "/instances",
		`{"name":"worker-1","template_version_id":"`+version.ID+`","enabled":true}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", w.Code, w.Body.String())
	}
	inst := decode[models.AgentInstance](t, w)
	if inst.TemplateID != tmpl.ID {
		t.Errorf("template id not derived from version: %q", inst.TemplateID)
	}
	if inst.Status != models.InstanceOffline {
		t.Errorf("status = %s, want OFFLINE", inst.Status)
	}

	// Unknown version, missing fields.
	if w := do(t, h, http.MethodPost, "/instances", `{"name":"worker-2","template_version_id":"no-such-id"}`); w.Code != http.StatusNotFound {
		t.Errorf("unknown version status = %d", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/instances", `{"name":"worker-3"}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing version status = %d", w.Code)
	}

	w = do(t, h, http.MethodPut, "/instances/"+inst.ID, `{"enabled":false,"priority":7}`)
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d", w.Code)
	}
	got, err := s.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if got.Enabled || got.Priority != 7 {
		t.Errorf("after update: enabled=%v priority=%d", got.Enabled, got.Priority)
	}

	w = do(t, h, http.MethodDelete, "/instances/"+inst.ID, "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", w.Code)
	}
	if _, err := s.GetInstance(ctx, inst.ID); !store.IsNotFound(err) {
		t.Errorf("instance survived delete: %v", err)
	}
}

func TestDeleteBusyInstanceRefused(t *testing.T) {
	h, s, _ := newAdmin(t)
	ctx := context.Background()

	tmpl := decode[models.Template](t, do(t, h, http.MethodPost, "/templates", `{"name":"research-agent"}`))
	version := decode[models.TemplateVersion](t, do(t, h, http.MethodPost, "/templates/"+tmpl.ID+"/versions", `{}`))
	inst := decode[models.AgentInstance](t, do(t, h, http.MethodPost, "/instances",
		`{"name":"worker-1","template_version_id":"`+version.ID+`"}`))

	if err := s.CASInstanceStatus(ctx, inst.ID, []models.InstanceStatus{models.InstanceOffline}, models.InstanceBusy); err != nil {
		t.Fatalf("mark busy: %v", err)
	}

	w := do(t, h, http.MethodDelete, "/instances/"+inst.ID, "")
	if w.Code != http.StatusConflict {
		t.Fatalf("busy delete status = %d", w.Code)
	}
	if _, err := s.GetInstance(ctx, inst.ID); err != nil {
		t.Errorf("busy instance deleted: %v", err)
	}
}
