// Package store provides the storage interface and implementations for the
// maruntime core. The in-memory store backs tests and zero-config runs;
// PostgreSQL (pgx) is the production backend.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/maruntime/maruntime/pkg/models"
)

// Store is the primary storage interface. All runtime code depends on this
// interface, making it easy to swap between in-memory (tests) and
// PostgreSQL (production) implementations.
type Store interface {
	TemplateStore
	ToolStore
	InstanceStore
	SessionStore
	ChatTurnStore

	// Ping checks if the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Template Store ──────────────────────────────────────────

type TemplateStore interface {
	CreateTemplate(ctx context.Context, t *models.Template) error
	GetTemplate(ctx context.Context, id string) (*models.Template, error)
	GetTemplateByName(ctx context.Context, name string) (*models.Template, error)
	ListTemplates(ctx context.Context) ([]models.Template, error)
	UpdateTemplate(ctx context.Context, t *models.Template) error

	// CreateTemplateVersion appends an immutable version. When v.Active is
	// set, the previously active version of the template is deactivated in
	// the same transaction, preserving the one-active invariant.
	CreateTemplateVersion(ctx context.Context, v *models.TemplateVersion) error
	GetTemplateVersion(ctx context.Context, id string) (*models.TemplateVersion, error)
	GetActiveTemplateVersion(ctx context.Context, templateID string) (*models.TemplateVersion, error)
	ListTemplateVersions(ctx context.Context, templateID string) ([]models.TemplateVersion, error)

	// ActivateTemplateVersion atomically flips the active flag to the given
	// version and updates the template's active pointer.
	ActivateTemplateVersion(ctx context.Context, versionID string) error
}

// ── Tool Store ──────────────────────────────────────────────

type ToolStore interface {
	ListTools(ctx context.Context, activeOnly bool) ([]models.Tool, error)
	GetTool(ctx context.Context, id string) (*models.Tool, error)
	// GetToolByName resolves by the case-insensitive logical key.
	GetToolByName(ctx context.Context, name string) (*models.Tool, error)
	UpsertTool(ctx context.Context, tool *models.Tool) error
	DeleteTool(ctx context.Context, id string) error
}

// ── Instance Store ──────────────────────────────────────────

// ReleaseOutcome carries the result of a finished (or faulted) run back to
// the instance row when it is released.
type ReleaseOutcome struct {
	Status    models.InstanceStatus // IDLE or ERROR
	Counters  models.InstanceCounters
	LastError string
}

type InstanceStore interface {
	CreateInstance(ctx context.Context, inst *models.AgentInstance) error
	GetInstance(ctx context.Context, id string) (*models.AgentInstance, error)
	GetInstanceByName(ctx context.Context, name string) (*models.AgentInstance, error)
	ListInstances(ctx context.Context, enabledOnly bool) ([]models.AgentInstance, error)
	UpdateInstance(ctx context.Context, inst *models.AgentInstance) error
	DeleteInstance(ctx context.Context, id string) error

	// CASInstanceStatus transitions status iff the current status is one of
	// from. Returns ErrStale on mismatch.
	CASInstanceStatus(ctx context.Context, id string, from []models.InstanceStatus, to models.InstanceStatus) error

	// ClaimInstance binds a session to an instance in one transaction:
	// instance status IDLE/STARTING→BUSY with current_session_id set, and
	// session.instance_id set. First writer wins; losers get ErrStale.
	ClaimInstance(ctx context.Context, instanceID, sessionID string) error

	// ReleaseInstance clears the binding, applies counter deltas and sets
	// the outcome status. The session's instance pointer is cleared in the
	// same transaction.
	ReleaseInstance(ctx context.Context, instanceID string, outcome ReleaseOutcome) error

	// FindIdleInstance returns the enabled IDLE instance with the highest
	// priority for a template, or ErrNotFound.
	FindIdleInstance(ctx context.Context, templateID string) (*models.AgentInstance, error)

	// Heartbeat refreshes the liveness timestamp.
	Heartbeat(ctx context.Context, id string, at time.Time) error
}

// ── Session Store ───────────────────────────────────────────

// StepWrite is the atomic unit of session mutation from within the agent
// loop: message appends, tool execution records and the context snapshot
// commit together, optionally with a state CAS.
type StepWrite struct {
	Messages   []*models.SessionMessage
	Executions []*models.ToolExecution
	Snapshot   *models.ContextSnapshot

	// FromState/ToState, when both set, perform a compare-and-set state
	// transition in the same transaction.
	FromState models.SessionState
	ToState   models.SessionState
}

type SessionStore interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	// LoadSession returns the session with its full ordered message log.
	LoadSession(ctx context.Context, id string) (*models.Session, []models.SessionMessage, error)
	ListSessions(ctx context.Context, limit int) ([]models.Session, error)
	UpdateSessionTitle(ctx context.Context, id, title string) error
	DeleteSession(ctx context.Context, id string) error

	// AppendMessage appends one message, assigning the next sequence number
	// atomically.
	AppendMessage(ctx context.Context, msg *models.SessionMessage) (int, error)

	// ApplyStepWrite commits a StepWrite atomically. Returns ErrStale when
	// the state CAS fails; nothing is written in that case.
	ApplyStepWrite(ctx context.Context, sessionID string, w StepWrite) error

	// UpdateSessionState is a compare-and-set on the state column, with an
	// optional snapshot overwrite. Transitions out of terminal states are
	// rejected with ErrStale.
	UpdateSessionState(ctx context.Context, id string, from, to models.SessionState, snapshot *models.ContextSnapshot) error

	// FindClaimableSession returns the oldest-updated RESEARCHING session
	// without an instance for the pinned template version, or ErrNotFound.
	FindClaimableSession(ctx context.Context, templateVersionID string) (*models.Session, error)

	RecordToolExecution(ctx context.Context, exec *models.ToolExecution) error
	ListToolExecutions(ctx context.Context, sessionID string) ([]models.ToolExecution, error)

	// PurgeTerminalSessions deletes COMPLETED/FAILED sessions last updated
	// before the cutoff, cascading to messages and executions. Returns the
	// number of sessions removed.
	PurgeTerminalSessions(ctx context.Context, before time.Time) (int, error)
}

// ── Chat Turn Store ─────────────────────────────────────────

type ChatTurnStore interface {
	CreateChatTurn(ctx context.Context, turn *models.ChatTurn) error
	// SearchChatTurns performs a best-effort full-text search over derived
	// Q/A pairs.
	SearchChatTurns(ctx context.Context, query string, limit int) ([]models.ChatTurn, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrStale is returned when a compare-and-set lost against a concurrent
// writer. The caller must re-read before retrying.
type ErrStale struct {
	Entity string
	Key    string
}

func (e *ErrStale) Error() string {
	return "stale " + e.Entity + ": " + e.Key
}

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}

// IsStale reports whether err is an ErrStale.
func IsStale(err error) bool {
	var st *ErrStale
	return errors.As(err, &st)
}

// Transient marks an error as retryable (DB timeout, serialization failure).
type Transient struct {
	Err error
}

func (t *Transient) Error() string { return "transient store error: " + t.Err.Error() }
func (t *Transient) Unwrap() error { return t.Err }

// IsTransient reports whether err is marked retryable.
func IsTransient(err error) bool {
	var tr *Transient
	return errors.As(err, &tr)
}

// ── Retry ───────────────────────────────────────────────────

// WithRetry runs op, retrying transient errors up to 3 times with
// exponential backoff (50ms, 200ms, ~1s). Non-transient errors abort
// immediately.
func WithRetry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.Multiplier = 4
	bo.MaxInterval = time.Second
	bo.RandomizationFactor = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, 3), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}
