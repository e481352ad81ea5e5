package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maruntime/maruntime/pkg/models"
)

// MemoryStore is a thread-safe in-memory Store. It backs tests and
// zero-config runs; all compare-and-set semantics match the PostgreSQL
// implementation so the pool and driver behave identically against both.
type MemoryStore struct {
	mu sync.RWMutex

	templates map[string]*models.Template
	versions  map[string]*models.TemplateVersion
	tools     map[string]*models.Tool // keyed by canonical name
	instances map[string]*models.AgentInstance
	sessions  map[string]*models.Session
	messages  map[string][]models.SessionMessage // session id → ordered log
	execs     map[string][]models.ToolExecution  // session id → executions
	turns     []models.ChatTurn
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		templates: make(map[string]*models.Template),
		versions:  make(map[string]*models.TemplateVersion),
		tools:     make(map[string]*models.Tool),
		instances: make(map[string]*models.AgentInstance),
		sessions:  make(map[string]*models.Session),
		messages:  make(map[string][]models.SessionMessage),
		execs:     make(map[string][]models.ToolExecution),
	}
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }
func (s *MemoryStore) Close() error                 { return nil }

// ── Templates ───────────────────────────────────────────────

func (s *MemoryStore) CreateTemplate(_ context.Context, t *models.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	for _, existing := range s.templates {
		if existing.Name == t.Name {
			return fmt.Errorf("template %q already exists", t.Name)
		}
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	s.templates[t.ID] = copyTemplate(t)
	return nil
}

func (s *MemoryStore) GetTemplate(_ context.Context, id string) (*models.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.templates[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "template", Key: id}
	}
	return copyTemplate(t), nil
}

func (s *MemoryStore) GetTemplateByName(_ context.Context, name string) (*models.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.templates {
		if t.Name == name {
			return copyTemplate(t), nil
		}
	}
	return nil, &ErrNotFound{Entity: "template", Key: name}
}

func (s *MemoryStore) ListTemplates(_ context.Context) ([]models.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Template, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, *copyTemplate(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) UpdateTemplate(_ context.Context, t *models.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.templates[t.ID]; !ok {
		return &ErrNotFound{Entity: "template", Key: t.ID}
	}
	t.UpdatedAt = time.Now().UTC()
	s.templates[t.ID] = copyTemplate(t)
	return nil
}

func (s *MemoryStore) CreateTemplateVersion(_ context.Context, v *models.TemplateVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.templates[v.TemplateID]
	if !ok {
		return &ErrNotFound{Entity: "template", Key: v.TemplateID}
	}
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.Version == 0 {
		max := 0
		for _, existing := range s.versions {
			if existing.TemplateID == v.TemplateID && existing.Version > max {
				max = existing.Version
			}
		}
		v.Version = max + 1
	}
	v.CreatedAt = time.Now().UTC()
	if v.Active {
		for _, existing := range s.versions {
			if existing.TemplateID == v.TemplateID {
				existing.Active = false
			}
		}
		t.ActiveVersionID = v.ID
		t.UpdatedAt = v.CreatedAt
	}
	s.versions[v.ID] = copyVersion(v)
	return nil
}

func (s *MemoryStore) GetTemplateVersion(_ context.Context, id string) (*models.TemplateVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.versions[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "template_version", Key: id}
	}
	return copyVersion(v), nil
}

func (s *MemoryStore) GetActiveTemplateVersion(_ context.Context, templateID string) (*models.TemplateVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, v := range s.versions {
		if v.TemplateID == templateID && v.Active {
			return copyVersion(v), nil
		}
	}
	return nil, &ErrNotFound{Entity: "template_version", Key: "active for " + templateID}
}

func (s *MemoryStore) ListTemplateVersions(_ context.Context, templateID string) ([]models.TemplateVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.TemplateVersion
	for _, v := range s.versions {
		if v.TemplateID == templateID {
			out = append(out, *copyVersion(v))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (s *MemoryStore) ActivateTemplateVersion(_ context.Context, versionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.versions[versionID]
	if !ok {
		return &ErrNotFound{Entity: "template_version", Key: versionID}
	}
	for _, existing := range s.versions {
		if existing.TemplateID == v.TemplateID {
			existing.Active = existing.ID == versionID
		}
	}
	if t, ok := s.templates[v.TemplateID]; ok {
		t.ActiveVersionID = versionID
		t.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// ── Tools ───────────────────────────────────────────────────

func (s *MemoryStore) ListTools(_ context.Context, activeOnly bool) ([]models.Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Tool, 0, len(s.tools))
	for _, t := range s.tools {
		if activeOnly && !t.Active {
			continue
		}
		out = append(out, *copyTool(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) GetTool(_ context.Context, id string) (*models.Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.tools {
		if t.ID == id {
			return copyTool(t), nil
		}
	}
	return nil, &ErrNotFound{Entity: "tool", Key: id}
}

func (s *MemoryStore) GetToolByName(_ context.Context, name string) (*models.Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tools[models.CanonicalToolName(name)]
	if !ok {
		return nil, &ErrNotFound{Entity: "tool", Key: name}
	}
	return copyTool(t), nil
}

func (s *MemoryStore) UpsertTool(_ context.Context, tool *models.Tool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := models.CanonicalToolName(tool.Name)
	now := time.Now().UTC()
	if existing, ok := s.tools[key]; ok {
		tool.ID = existing.ID
		tool.CreatedAt = existing.CreatedAt
	} else {
		if tool.ID == "" {
			tool.ID = uuid.New().String()
		}
		tool.CreatedAt = now
	}
	tool.UpdatedAt = now
	s.tools[key] = copyTool(tool)
	return nil
}

func (s *MemoryStore) DeleteTool(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, t := range s.tools {
		if t.ID == id {
			delete(s.tools, key)
			return nil
		}
	}
	return &ErrNotFound{Entity: "tool", Key: id}
}

// ── Instances ───────────────────────────────────────────────

func (s *MemoryStore) CreateInstance(_ context.Context, inst *models.AgentInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inst.ID == "" {
		inst.ID = uuid.New().String()
	}
	for _, existing := range s.instances {
		if existing.Name == inst.Name {
			return fmt.Errorf("instance %q already exists", inst.Name)
		}
	}
	if inst.Status == "" {
		inst.Status = models.InstanceOffline
	}
	now := time.Now().UTC()
	inst.CreatedAt, inst.UpdatedAt = now, now
	s.instances[inst.ID] = copyInstance(inst)
	return nil
}

func (s *MemoryStore) GetInstance(_ context.Context, id string) (*models.AgentInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "instance", Key: id}
	}
	return copyInstance(inst), nil
}

func (s *MemoryStore) GetInstanceByName(_ context.Context, name string) (*models.AgentInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, inst := range s.instances {
		if inst.Name == name {
			return copyInstance(inst), nil
		}
	}
	return nil, &ErrNotFound{Entity: "instance", Key: name}
}

func (s *MemoryStore) ListInstances(_ context.Context, enabledOnly bool) ([]models.AgentInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.AgentInstance, 0, len(s.instances))
	for _, inst := range s.instances {
		if enabledOnly && !inst.Enabled {
			continue
		}
		out = append(out, *copyInstance(inst))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) UpdateInstance(_ context.Context, inst *models.AgentInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst.ID]; !ok {
		return &ErrNotFound{Entity: "instance", Key: inst.ID}
	}
	inst.UpdatedAt = time.Now().UTC()
	s.instances[inst.ID] = copyInstance(inst)
	return nil
}

func (s *MemoryStore) DeleteInstance(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[id]; !ok {
		return &ErrNotFound{Entity: "instance", Key: id}
	}
	delete(s.instances, id)
	return nil
}

func (s *MemoryStore) CASInstanceStatus(_ context.Context, id string, from []models.InstanceStatus, to models.InstanceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return &ErrNotFound{Entity: "instance", Key: id}
	}
	if !statusIn(inst.Status, from) {
		return &ErrStale{Entity: "instance", Key: id}
	}
	inst.Status = to
	inst.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ClaimInstance(_ context.Context, instanceID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		return &ErrNotFound{Entity: "instance", Key: instanceID}
	}
	sess, ok := s.sessions[sessionID]
	if !ok {
		return &ErrNotFound{Entity: "session", Key: sessionID}
	}
	if !statusIn(inst.Status, []models.InstanceStatus{models.InstanceIdle, models.InstanceStarting}) {
		return &ErrStale{Entity: "instance", Key: instanceID}
	}
	if sess.InstanceID != "" {
		return &ErrStale{Entity: "session", Key: sessionID}
	}
	now := time.Now().UTC()
	inst.Status = models.InstanceBusy
	inst.CurrentSessionID = sessionID
	inst.UpdatedAt = now
	sess.InstanceID = instanceID
	sess.UpdatedAt = now
	return nil
}

func (s *MemoryStore) ReleaseInstance(_ context.Context, instanceID string, outcome ReleaseOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		return &ErrNotFound{Entity: "instance", Key: instanceID}
	}
	now := time.Now().UTC()
	if sess, ok := s.sessions[inst.CurrentSessionID]; ok && sess.InstanceID == instanceID {
		sess.InstanceID = ""
		sess.UpdatedAt = now
	}
	inst.CurrentSessionID = ""
	inst.Status = outcome.Status
	if inst.Status == "" {
		inst.Status = models.InstanceIdle
	}
	inst.Counters.Sessions += outcome.Counters.Sessions
	inst.Counters.Messages += outcome.Counters.Messages
	inst.Counters.ToolCalls += outcome.Counters.ToolCalls
	inst.Counters.Errors += outcome.Counters.Errors
	if outcome.LastError != "" {
		inst.LastError = outcome.LastError
		t := now
		inst.LastErrorAt = &t
	}
	inst.UpdatedAt = now
	return nil
}

func (s *MemoryStore) FindIdleInstance(_ context.Context, templateID string) (*models.AgentInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *models.AgentInstance
	for _, inst := range s.instances {
		if !inst.Enabled || inst.TemplateID != templateID || inst.Status != models.InstanceIdle {
			continue
		}
		if best == nil || inst.Priority > best.Priority {
			best = inst
		}
	}
	if best == nil {
		return nil, &ErrNotFound{Entity: "instance", Key: "idle for " + templateID}
	}
	return copyInstance(best), nil
}

func (s *MemoryStore) Heartbeat(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return &ErrNotFound{Entity: "instance", Key: id}
	}
	inst.HeartbeatAt = at
	return nil
}

// ── Sessions ────────────────────────────────────────────────

func (s *MemoryStore) CreateSession(_ context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	if _, exists := s.sessions[sess.ID]; exists {
		return fmt.Errorf("session %s already exists", sess.ID)
	}
	if sess.State == "" {
		sess.State = models.SessionInited
	}
	now := time.Now().UTC()
	sess.CreatedAt, sess.UpdatedAt = now, now
	s.sessions[sess.ID] = copySession(sess)
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "session", Key: id}
	}
	return copySession(sess), nil
}

func (s *MemoryStore) LoadSession(_ context.Context, id string) (*models.Session, []models.SessionMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil, &ErrNotFound{Entity: "session", Key: id}
	}
	log := append([]models.SessionMessage(nil), s.messages[id]...)
	return copySession(sess), log, nil
}

func (s *MemoryStore) ListSessions(_ context.Context, limit int) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *copySession(sess))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateSessionTitle(_ context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return &ErrNotFound{Entity: "session", Key: id}
	}
	sess.Title = title
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return &ErrNotFound{Entity: "session", Key: id}
	}
	delete(s.sessions, id)
	delete(s.messages, id)
	delete(s.execs, id)
	return nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, msg *models.SessionMessage) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.appendLocked(msg)
}

// appendLocked assigns the next gap-free sequence number. Callers hold mu.
func (s *MemoryStore) appendLocked(msg *models.SessionMessage) (int, error) {
	sess, ok := s.sessions[msg.SessionID]
	if !ok {
		return 0, &ErrNotFound{Entity: "session", Key: msg.SessionID}
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	msg.Seq = len(s.messages[msg.SessionID]) + 1
	msg.CreatedAt = time.Now().UTC()
	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], *msg)
	sess.UpdatedAt = msg.CreatedAt
	return msg.Seq, nil
}

func (s *MemoryStore) ApplyStepWrite(_ context.Context, sessionID string, w StepWrite) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return &ErrNotFound{Entity: "session", Key: sessionID}
	}
	if w.FromState != "" && w.ToState != "" {
		if sess.State != w.FromState || sess.State.Terminal() {
			return &ErrStale{Entity: "session", Key: sessionID}
		}
	}
	for _, msg := range w.Messages {
		msg.SessionID = sessionID
		if _, err := s.appendLocked(msg); err != nil {
			return err
		}
	}
	for _, exec := range w.Executions {
		exec.SessionID = sessionID
		if exec.ID == "" {
			exec.ID = uuid.New().String()
		}
		s.execs[sessionID] = append(s.execs[sessionID], *exec)
	}
	if w.Snapshot != nil {
		sess.Context = w.Snapshot.Clone()
	}
	if w.FromState != "" && w.ToState != "" {
		sess.State = w.ToState
	}
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) UpdateSessionState(_ context.Context, id string, from, to models.SessionState, snapshot *models.ContextSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return &ErrNotFound{Entity: "session", Key: id}
	}
	if sess.State != from || sess.State.Terminal() {
		return &ErrStale{Entity: "session", Key: id}
	}
	sess.State = to
	if snapshot != nil {
		sess.Context = snapshot.Clone()
	}
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) FindClaimableSession(_ context.Context, templateVersionID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *models.Session
	for _, sess := range s.sessions {
		if sess.State != models.SessionResearching || sess.InstanceID != "" {
			continue
		}
		if sess.TemplateVersionID != templateVersionID {
			continue
		}
		if best == nil || sess.UpdatedAt.Before(best.UpdatedAt) {
			best = sess
		}
	}
	if best == nil {
		return nil, &ErrNotFound{Entity: "session", Key: "claimable for " + templateVersionID}
	}
	return copySession(best), nil
}

func (s *MemoryStore) RecordToolExecution(_ context.Context, exec *models.ToolExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	s.execs[exec.SessionID] = append(s.execs[exec.SessionID], *exec)
	return nil
}

func (s *MemoryStore) ListToolExecutions(_ context.Context, sessionID string) ([]models.ToolExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]models.ToolExecution(nil), s.execs[sessionID]...), nil
}

func (s *MemoryStore) PurgeTerminalSessions(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, sess := range s.sessions {
		if sess.State.Terminal() && sess.UpdatedAt.Before(before) {
			delete(s.sessions, id)
			delete(s.messages, id)
			delete(s.execs, id)
			purged++
		}
	}
	return purged, nil
}

// ── Chat Turns ──────────────────────────────────────────────

func (s *MemoryStore) CreateChatTurn(_ context.Context, turn *models.ChatTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if turn.ID == "" {
		turn.ID = uuid.New().String()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	s.turns = append(s.turns, *turn)
	return nil
}

func (s *MemoryStore) SearchChatTurns(_ context.Context, query string, limit int) ([]models.ChatTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(query)
	var out []models.ChatTurn
	for i := len(s.turns) - 1; i >= 0; i-- {
		turn := s.turns[i]
		if strings.Contains(strings.ToLower(turn.Question), needle) ||
			strings.Contains(strings.ToLower(turn.Answer), needle) {
			out = append(out, turn)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// ── Copy helpers ────────────────────────────────────────────

func statusIn(status models.InstanceStatus, set []models.InstanceStatus) bool {
	for _, s := range set {
		if status == s {
			return true
		}
	}
	return false
}

func copyTemplate(t *models.Template) *models.Template {
	out := *t
	return &out
}

func copyVersion(v *models.TemplateVersion) *models.TemplateVersion {
	out := *v
	out.Tools = append([]string(nil), v.Tools...)
	return &out
}

func copyTool(t *models.Tool) *models.Tool {
	out := *t
	out.Embedding = append([]float64(nil), t.Embedding...)
	if t.Config != nil {
		out.Config = make(map[string]any, len(t.Config))
		for k, v := range t.Config {
			out.Config[k] = v
		}
	}
	return &out
}

func copyInstance(inst *models.AgentInstance) *models.AgentInstance {
	out := *inst
	if inst.LastErrorAt != nil {
		t := *inst.LastErrorAt
		out.LastErrorAt = &t
	}
	return &out
}

func copySession(sess *models.Session) *models.Session {
	out := *sess
	out.Context = sess.Context.Clone()
	return &out
}
