package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/maruntime/maruntime/pkg/models"
)

// PostgresStore is the production Store backed by a pgx connection pool.
// All multi-row mutations run inside transactions; compare-and-set checks
// are expressed as WHERE clauses so losers see zero rows affected.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, pings and migrates the schema.
func NewPostgresStore(ctx context.Context, connURL string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres config: %w", err)
	}
	cfg.MaxConns = 16

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if err := Migrate(pool); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().Msg("postgres store initialized")
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return classify(s.pool.Ping(ctx)) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// classify wraps retryable failures (serialization conflicts, deadlocks,
// timeouts) in Transient so WithRetry can tell them apart.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03", "57014":
			return &Transient{Err: err}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Transient{Err: err}
	}
	return err
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return classify(tx.Commit(ctx))
}

// ── Templates ────────────────────────────────────────────────

func (s *PostgresStore) CreateTemplate(ctx context.Context, t *models.Template) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO templates (id, name, description, active_version_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.Name, t.Description, t.ActiveVersionID, t.CreatedAt, t.UpdatedAt)
	return classify(err)
}

func scanTemplate(row pgx.Row) (*models.Template, error) {
	var t models.Template
	err := row.Scan(&t.ID, &t.Name, &t.Description, &t.ActiveVersionID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

const templateCols = `id, name, description, active_version_id, created_at, updated_at`

func (s *PostgresStore) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	t, err := scanTemplate(s.pool.QueryRow(ctx,
		`SELECT `+templateCols+` FROM templates WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "template", Key: id}
	}
	return t, classify(err)
}

func (s *PostgresStore) GetTemplateByName(ctx context.Context, name string) (*models.Template, error) {
	t, err := scanTemplate(s.pool.QueryRow(ctx,
		`SELECT `+templateCols+` FROM templates WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "template", Key: name}
	}
	return t, classify(err)
}

func (s *PostgresStore) ListTemplates(ctx context.Context) ([]models.Template, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+templateCols+` FROM templates ORDER BY name`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []models.Template
	for rows.Next() {
		var t models.Template
		if err := rows.Scan(&t.ID, &t.Name, &t.Description, &t.ActiveVersionID, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, classify(err)
		}
		out = append(out, t)
	}
	return out, classify(rows.Err())
}

func (s *PostgresStore) UpdateTemplate(ctx context.Context, t *models.Template) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE templates
		SET name = $2, description = $3, active_version_id = $4, updated_at = now()
		WHERE id = $1`,
		t.ID, t.Name, t.Description, t.ActiveVersionID)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "template", Key: t.ID}
	}
	return nil
}

// ── Template Versions ────────────────────────────────────────

func (s *PostgresStore) CreateTemplateVersion(ctx context.Context, v *models.TemplateVersion) error {
	settings, err := marshalJSON(v.Settings)
	if err != nil {
		return err
	}
	tools, err := marshalJSON(v.Tools)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if v.Active {
			if _, err := tx.Exec(ctx,
				`UPDATE template_versions SET active = false WHERE template_id = $1 AND active`,
				v.TemplateID); err != nil {
				return classify(err)
			}
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO template_versions (id, template_id, version, settings, tools, active, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			v.ID, v.TemplateID, v.Version, settings, tools, v.Active, v.CreatedAt); err != nil {
			return classify(err)
		}
		if v.Active {
			if _, err := tx.Exec(ctx,
				`UPDATE templates SET active_version_id = $2, updated_at = now() WHERE id = $1`,
				v.TemplateID, v.ID); err != nil {
				return classify(err)
			}
		}
		return nil
	})
}

const versionCols = `id, template_id, version, settings, tools, active, created_at`

func scanVersion(row pgx.Row) (*models.TemplateVersion, error) {
	var (
		v        models.TemplateVersion
		settings []byte
		tools    []byte
	)
	if err := row.Scan(&v.ID, &v.TemplateID, &v.Version, &settings, &tools, &v.Active, &v.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(settings, &v.Settings); err != nil {
		return nil, fmt.Errorf("decode settings for version %s: %w", v.ID, err)
	}
	if err := json.Unmarshal(tools, &v.Tools); err != nil {
		return nil, fmt.Errorf("decode tools for version %s: %w", v.ID, err)
	}
	return &v, nil
}

func (s *PostgresStore) GetTemplateVersion(ctx context.Context, id string) (*models.TemplateVersion, error) {
	v, err := scanVersion(s.pool.QueryRow(ctx,
		`SELECT `+versionCols+` FROM template_versions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "template_version", Key: id}
	}
	return v, classify(err)
}

func (s *PostgresStore) GetActiveTemplateVersion(ctx context.Context, templateID string) (*models.TemplateVersion, error) {
	v, err := scanVersion(s.pool.QueryRow(ctx,
		`SELECT `+versionCols+` FROM template_versions WHERE template_id = $1 AND active`, templateID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "active template_version", Key: templateID}
	}
	return v, classify(err)
}

func (s *PostgresStore) ListTemplateVersions(ctx context.Context, templateID string) ([]models.TemplateVersion, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+versionCols+` FROM template_versions WHERE template_id = $1 ORDER BY version`, templateID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []models.TemplateVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, *v)
	}
	return out, classify(rows.Err())
}

func (s *PostgresStore) ActivateTemplateVersion(ctx context.Context, versionID string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var templateID string
		err := tx.QueryRow(ctx,
			`SELECT template_id FROM template_versions WHERE id = $1 FOR UPDATE`, versionID).
			Scan(&templateID)
		if errors.Is(err, pgx.ErrNoRows) {
			return &ErrNotFound{Entity: "template_version", Key: versionID}
		}
		if err != nil {
			return classify(err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE template_versions SET active = false WHERE template_id = $1 AND active AND id <> $2`,
			templateID, versionID); err != nil {
			return classify(err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE template_versions SET active = true WHERE id = $1`, versionID); err != nil {
			return classify(err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE templates SET active_version_id = $2, updated_at = now() WHERE id = $1`,
			templateID, versionID); err != nil {
			return classify(err)
		}
		return nil
	})
}

// ── Tools ────────────────────────────────────────────────────

const toolCols = `id, name, canonical, description, binding, config, embedding, category, active, created_at, updated_at`

func scanTool(row pgx.Row) (*models.Tool, error) {
	var (
		t         models.Tool
		canonical string
		config    []byte
		embedding []byte
	)
	if err := row.Scan(&t.ID, &t.Name, &canonical, &t.Description, &t.Binding,
		&config, &embedding, &t.Category, &t.Active, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if len(config) > 0 {
		if err := json.Unmarshal(config, &t.Config); err != nil {
			return nil, fmt.Errorf("decode config for tool %s: %w", t.ID, err)
		}
	}
	if len(embedding) > 0 && string(embedding) != "null" {
		if err := json.Unmarshal(embedding, &t.Embedding); err != nil {
			return nil, fmt.Errorf("decode embedding for tool %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

func (s *PostgresStore) ListTools(ctx context.Context, activeOnly bool) ([]models.Tool, error) {
	q := `SELECT ` + toolCols + ` FROM tools`
	if activeOnly {
		q += ` WHERE active`
	}
	q += ` ORDER BY name`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []models.Tool
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, *t)
	}
	return out, classify(rows.Err())
}

func (s *PostgresStore) GetTool(ctx context.Context, id string) (*models.Tool, error) {
	t, err := scanTool(s.pool.QueryRow(ctx,
		`SELECT `+toolCols+` FROM tools WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "tool", Key: id}
	}
	return t, classify(err)
}

func (s *PostgresStore) GetToolByName(ctx context.Context, name string) (*models.Tool, error) {
	t, err := scanTool(s.pool.QueryRow(ctx,
		`SELECT `+toolCols+` FROM tools WHERE canonical = $1`, models.CanonicalToolName(name)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "tool", Key: name}
	}
	return t, classify(err)
}

func (s *PostgresStore) UpsertTool(ctx context.Context, tool *models.Tool) error {
	config, err := marshalJSON(tool.Config)
	if err != nil {
		return err
	}
	embedding, err := marshalJSON(tool.Embedding)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tools (id, name, canonical, description, binding, config, embedding, category, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (canonical) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			binding = EXCLUDED.binding,
			config = EXCLUDED.config,
			embedding = EXCLUDED.embedding,
			category = EXCLUDED.category,
			active = EXCLUDED.active,
			updated_at = now()`,
		tool.ID, tool.Name, models.CanonicalToolName(tool.Name), tool.Description, tool.Binding,
		config, embedding, tool.Category, tool.Active, tool.CreatedAt, tool.UpdatedAt)
	return classify(err)
}

func (s *PostgresStore) DeleteTool(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tools WHERE id = $1`, id)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "tool", Key: id}
	}
	return nil
}

// ── Instances ────────────────────────────────────────────────

const instanceCols = `id, name, display_name, template_id, template_version_id, status,
	current_session_id, enabled, auto_start, priority, heartbeat_at, counters,
	last_error, last_error_at, created_at, updated_at`

func scanInstance(row pgx.Row) (*models.AgentInstance, error) {
	var (
		inst      models.AgentInstance
		heartbeat *time.Time
		counters  []byte
	)
	if err := row.Scan(&inst.ID, &inst.Name, &inst.DisplayName, &inst.TemplateID,
		&inst.TemplateVersionID, &inst.Status, &inst.CurrentSessionID, &inst.Enabled,
		&inst.AutoStart, &inst.Priority, &heartbeat, &counters,
		&inst.LastError, &inst.LastErrorAt, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
		return nil, err
	}
	if heartbeat != nil {
		inst.HeartbeatAt = *heartbeat
	}
	if len(counters) > 0 {
		if err := json.Unmarshal(counters, &inst.Counters); err != nil {
			return nil, fmt.Errorf("decode counters for instance %s: %w", inst.ID, err)
		}
	}
	return &inst, nil
}

func (s *PostgresStore) CreateInstance(ctx context.Context, inst *models.AgentInstance) error {
	counters, err := marshalJSON(inst.Counters)
	if err != nil {
		return err
	}
	var heartbeat *time.Time
	if !inst.HeartbeatAt.IsZero() {
		heartbeat = &inst.HeartbeatAt
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO agent_instances (id, name, display_name, template_id, template_version_id,
			status, current_session_id, enabled, auto_start, priority, heartbeat_at, counters,
			last_error, last_error_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		inst.ID, inst.Name, inst.DisplayName, inst.TemplateID, inst.TemplateVersionID,
		inst.Status, inst.CurrentSessionID, inst.Enabled, inst.AutoStart, inst.Priority,
		heartbeat, counters, inst.LastError, inst.LastErrorAt, inst.CreatedAt, inst.UpdatedAt)
	return classify(err)
}

func (s *PostgresStore) GetInstance(ctx context.Context, id string) (*models.AgentInstance, error) {
	inst, err := scanInstance(s.pool.QueryRow(ctx,
		`SELECT `+instanceCols+` FROM agent_instances WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "instance", Key: id}
	}
	return inst, classify(err)
}

func (s *PostgresStore) GetInstanceByName(ctx context.Context, name string) (*models.AgentInstance, error) {
	inst, err := scanInstance(s.pool.QueryRow(ctx,
		`SELECT `+instanceCols+` FROM agent_instances WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "instance", Key: name}
	}
	return inst, classify(err)
}

func (s *PostgresStore) ListInstances(ctx context.Context, enabledOnly bool) ([]models.AgentInstance, error) {
	q := `SELECT ` + instanceCols + ` FROM agent_instances`
	if enabledOnly {
		q += ` WHERE enabled`
	}
	q += ` ORDER BY priority DESC, name`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []models.AgentInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, *inst)
	}
	return out, classify(rows.Err())
}

func (s *PostgresStore) UpdateInstance(ctx context.Context, inst *models.AgentInstance) error {
	counters, err := marshalJSON(inst.Counters)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE agent_instances
		SET display_name = $2, template_id = $3, template_version_id = $4, enabled = $5,
			auto_start = $6, priority = $7, counters = $8, last_error = $9, last_error_at = $10,
			updated_at = now()
		WHERE id = $1`,
		inst.ID, inst.DisplayName, inst.TemplateID, inst.TemplateVersionID, inst.Enabled,
		inst.AutoStart, inst.Priority, counters, inst.LastError, inst.LastErrorAt)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "instance", Key: inst.ID}
	}
	return nil
}

func (s *PostgresStore) DeleteInstance(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM agent_instances WHERE id = $1`, id)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "instance", Key: id}
	}
	return nil
}

func (s *PostgresStore) CASInstanceStatus(ctx context.Context, id string, from []models.InstanceStatus, to models.InstanceStatus) error {
	states := make([]string, len(from))
	for i, st := range from {
		states[i] = string(st)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE agent_instances
		SET status = $2, updated_at = now()
		WHERE id = $1 AND status = ANY($3)`,
		id, to, states)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		if _, gerr := s.GetInstance(ctx, id); IsNotFound(gerr) {
			return gerr
		}
		return &ErrStale{Entity: "instance", Key: id}
	}
	return nil
}

func (s *PostgresStore) ClaimInstance(ctx context.Context, instanceID, sessionID string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE agent_instances
			SET status = 'BUSY', current_session_id = $2, updated_at = now()
			WHERE id = $1 AND status IN ('IDLE', 'STARTING') AND enabled`,
			instanceID, sessionID)
		if err != nil {
			return classify(err)
		}
		if tag.RowsAffected() == 0 {
			return &ErrStale{Entity: "instance", Key: instanceID}
		}
		tag, err = tx.Exec(ctx, `
			UPDATE sessions
			SET instance_id = $2, updated_at = now()
			WHERE id = $1 AND instance_id = ''`,
			sessionID, instanceID)
		if err != nil {
			return classify(err)
		}
		if tag.RowsAffected() == 0 {
			return &ErrStale{Entity: "session", Key: sessionID}
		}
		return nil
	})
}

func (s *PostgresStore) ReleaseInstance(ctx context.Context, instanceID string, outcome ReleaseOutcome) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var (
			sessionID string
			counters  []byte
		)
		err := tx.QueryRow(ctx,
			`SELECT current_session_id, counters FROM agent_instances WHERE id = $1 FOR UPDATE`,
			instanceID).Scan(&sessionID, &counters)
		if errors.Is(err, pgx.ErrNoRows) {
			return &ErrNotFound{Entity: "instance", Key: instanceID}
		}
		if err != nil {
			return classify(err)
		}

		var total models.InstanceCounters
		if len(counters) > 0 {
			if err := json.Unmarshal(counters, &total); err != nil {
				return fmt.Errorf("decode counters for instance %s: %w", instanceID, err)
			}
		}
		total.Sessions += outcome.Counters.Sessions
		total.Messages += outcome.Counters.Messages
		total.ToolCalls += outcome.Counters.ToolCalls
		total.Errors += outcome.Counters.Errors
		merged, err := marshalJSON(total)
		if err != nil {
			return err
		}

		var lastErrorAt any
		if outcome.LastError != "" {
			lastErrorAt = time.Now().UTC()
		}
		if _, err := tx.Exec(ctx, `
			UPDATE agent_instances
			SET status = $2, current_session_id = '', counters = $3,
				last_error = COALESCE(NULLIF($4, ''), last_error),
				last_error_at = COALESCE($5, last_error_at),
				updated_at = now()
			WHERE id = $1`,
			instanceID, outcome.Status, merged, outcome.LastError, lastErrorAt); err != nil {
			return classify(err)
		}

		if sessionID != "" {
			if _, err := tx.Exec(ctx, `
				UPDATE sessions SET instance_id = '', updated_at = now()
				WHERE id = $1 AND instance_id = $2`,
				sessionID, instanceID); err != nil {
				return classify(err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) FindIdleInstance(ctx context.Context, templateID string) (*models.AgentInstance, error) {
	inst, err := scanInstance(s.pool.QueryRow(ctx, `
		SELECT `+instanceCols+` FROM agent_instances
		WHERE template_id = $1 AND status = 'IDLE' AND enabled
		ORDER BY priority DESC, name
		LIMIT 1`, templateID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "idle instance", Key: templateID}
	}
	return inst, classify(err)
}

func (s *PostgresStore) Heartbeat(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_instances SET heartbeat_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "instance", Key: id}
	}
	return nil
}

// ── Sessions ─────────────────────────────────────────────────

const sessionCols = `id, template_version_id, instance_id, title, state, context_snapshot, created_at, updated_at`

func scanSession(row pgx.Row) (*models.Session, error) {
	var (
		sess     models.Session
		snapshot []byte
	)
	if err := row.Scan(&sess.ID, &sess.TemplateVersionID, &sess.InstanceID, &sess.Title,
		&sess.State, &snapshot, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return nil, err
	}
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &sess.Context); err != nil {
			return nil, fmt.Errorf("decode snapshot for session %s: %w", sess.ID, err)
		}
	}
	return &sess, nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess *models.Session) error {
	snapshot, err := marshalJSON(sess.Context)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sessions (id, template_version_id, instance_id, title, state, context_snapshot, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sess.ID, sess.TemplateVersionID, sess.InstanceID, sess.Title, sess.State,
		snapshot, sess.CreatedAt, sess.UpdatedAt)
	return classify(err)
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "session", Key: id}
	}
	return sess, classify(err)
}

const messageCols = `id, session_id, seq, role, content, tool_calls, tool_call_id, message_type, step, step_data, created_at`

func scanMessage(row pgx.Row) (*models.SessionMessage, error) {
	var (
		msg       models.SessionMessage
		toolCalls []byte
	)
	if err := row.Scan(&msg.ID, &msg.SessionID, &msg.Seq, &msg.Role, &msg.Content,
		&toolCalls, &msg.ToolCallID, &msg.Type, &msg.Step, &msg.StepData, &msg.CreatedAt); err != nil {
		return nil, err
	}
	if len(toolCalls) > 0 && string(toolCalls) != "null" {
		if err := json.Unmarshal(toolCalls, &msg.ToolCalls); err != nil {
			return nil, fmt.Errorf("decode tool_calls for message %s: %w", msg.ID, err)
		}
	}
	return &msg, nil
}

func (s *PostgresStore) LoadSession(ctx context.Context, id string) (*models.Session, []models.SessionMessage, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+messageCols+` FROM session_messages WHERE session_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, nil, classify(err)
	}
	defer rows.Close()

	var msgs []models.SessionMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, nil, classify(err)
		}
		msgs = append(msgs, *msg)
	}
	return sess, msgs, classify(rows.Err())
}

func (s *PostgresStore) ListSessions(ctx context.Context, limit int) ([]models.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionCols+` FROM sessions ORDER BY updated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, *sess)
	}
	return out, classify(rows.Err())
}

func (s *PostgresStore) UpdateSessionTitle(ctx context.Context, id, title string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET title = $2, updated_at = now() WHERE id = $1`, id, title)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "session", Key: id}
	}
	return nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "session", Key: id}
	}
	return nil
}

// insertMessage assigns the next gap-free sequence number. The caller must
// hold the session row lock so concurrent appends serialize.
func insertMessage(ctx context.Context, tx pgx.Tx, msg *models.SessionMessage) (int, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	var seq int
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM session_messages WHERE session_id = $1`,
		msg.SessionID).Scan(&seq); err != nil {
		return 0, classify(err)
	}

	toolCalls, err := marshalJSON(msg.ToolCalls)
	if err != nil {
		return 0, err
	}
	var stepData any
	if len(msg.StepData) > 0 {
		stepData = []byte(msg.StepData)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO session_messages (id, session_id, seq, role, content, tool_calls, tool_call_id, message_type, step, step_data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		msg.ID, msg.SessionID, seq, msg.Role, msg.Content, toolCalls, msg.ToolCallID,
		msg.Type, msg.Step, stepData, msg.CreatedAt); err != nil {
		return 0, classify(err)
	}
	msg.Seq = seq
	return seq, nil
}

func lockSession(ctx context.Context, tx pgx.Tx, id string) (models.SessionState, error) {
	var state models.SessionState
	err := tx.QueryRow(ctx,
		`SELECT state FROM sessions WHERE id = $1 FOR UPDATE`, id).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", &ErrNotFound{Entity: "session", Key: id}
	}
	return state, classify(err)
}

func (s *PostgresStore) AppendMessage(ctx context.Context, msg *models.SessionMessage) (int, error) {
	var seq int
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := lockSession(ctx, tx, msg.SessionID); err != nil {
			return err
		}
		var err error
		seq, err = insertMessage(ctx, tx, msg)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE sessions SET updated_at = now() WHERE id = $1`, msg.SessionID)
		return classify(err)
	})
	return seq, err
}

func insertExecution(ctx context.Context, tx pgx.Tx, exec *models.ToolExecution) error {
	var args, result any
	if len(exec.Arguments) > 0 {
		args = []byte(exec.Arguments)
	}
	if len(exec.Result) > 0 {
		result = []byte(exec.Result)
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO tool_executions (id, session_id, tool_id, tool_name, arguments, result, status, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		exec.ID, exec.SessionID, exec.ToolID, exec.ToolName, args, result,
		exec.Status, exec.StartedAt, exec.FinishedAt)
	return classify(err)
}

func (s *PostgresStore) ApplyStepWrite(ctx context.Context, sessionID string, w StepWrite) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		state, err := lockSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if w.FromState != "" && w.ToState != "" && state != w.FromState {
			return &ErrStale{Entity: "session", Key: sessionID}
		}

		for _, msg := range w.Messages {
			if _, err := insertMessage(ctx, tx, msg); err != nil {
				return err
			}
		}
		for _, exec := range w.Executions {
			if err := insertExecution(ctx, tx, exec); err != nil {
				return err
			}
		}

		set := `updated_at = now()`
		args := []any{sessionID}
		if w.Snapshot != nil {
			snapshot, err := marshalJSON(*w.Snapshot)
			if err != nil {
				return err
			}
			args = append(args, snapshot)
			set += fmt.Sprintf(`, context_snapshot = $%d`, len(args))
		}
		if w.FromState != "" && w.ToState != "" {
			args = append(args, w.ToState)
			set += fmt.Sprintf(`, state = $%d`, len(args))
		}
		_, err = tx.Exec(ctx, `UPDATE sessions SET `+set+` WHERE id = $1`, args...)
		return classify(err)
	})
}

func (s *PostgresStore) UpdateSessionState(ctx context.Context, id string, from, to models.SessionState, snapshot *models.ContextSnapshot) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		state, err := lockSession(ctx, tx, id)
		if err != nil {
			return err
		}
		if state != from || state.Terminal() {
			return &ErrStale{Entity: "session", Key: id}
		}

		if snapshot != nil {
			snap, err := marshalJSON(*snapshot)
			if err != nil {
				return err
			}
			_, err = tx.Exec(ctx,
				`UPDATE sessions SET state = $2, context_snapshot = $3, updated_at = now() WHERE id = $1`,
				id, to, snap)
			return classify(err)
		}
		_, err = tx.Exec(ctx,
			`UPDATE sessions SET state = $2, updated_at = now() WHERE id = $1`, id, to)
		return classify(err)
	})
}

func (s *PostgresStore) FindClaimableSession(ctx context.Context, templateVersionID string) (*models.Session, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx, `
		SELECT `+sessionCols+` FROM sessions
		WHERE template_version_id = $1 AND state = 'RESEARCHING' AND instance_id = ''
		ORDER BY updated_at
		LIMIT 1`, templateVersionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "claimable session", Key: templateVersionID}
	}
	return sess, classify(err)
}

func (s *PostgresStore) RecordToolExecution(ctx context.Context, exec *models.ToolExecution) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		return insertExecution(ctx, tx, exec)
	})
}

func (s *PostgresStore) ListToolExecutions(ctx context.Context, sessionID string) ([]models.ToolExecution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, tool_id, tool_name, arguments, result, status, started_at, finished_at
		FROM tool_executions WHERE session_id = $1 ORDER BY started_at`, sessionID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []models.ToolExecution
	for rows.Next() {
		var exec models.ToolExecution
		if err := rows.Scan(&exec.ID, &exec.SessionID, &exec.ToolID, &exec.ToolName,
			&exec.Arguments, &exec.Result, &exec.Status, &exec.StartedAt, &exec.FinishedAt); err != nil {
			return nil, classify(err)
		}
		out = append(out, exec)
	}
	return out, classify(rows.Err())
}

func (s *PostgresStore) PurgeTerminalSessions(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM sessions
		WHERE state IN ('COMPLETED', 'FAILED') AND updated_at < $1`, before)
	if err != nil {
		return 0, classify(err)
	}
	return int(tag.RowsAffected()), nil
}

// ── Chat Turns ───────────────────────────────────────────────

func (s *PostgresStore) CreateChatTurn(ctx context.Context, turn *models.ChatTurn) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chat_turns (id, session_id, question, answer, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		turn.ID, turn.SessionID, turn.Question, turn.Answer, turn.CreatedAt)
	return classify(err)
}

func (s *PostgresStore) SearchChatTurns(ctx context.Context, query string, limit int) ([]models.ChatTurn, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, question, answer, created_at
		FROM chat_turns
		WHERE to_tsvector('simple', question || ' ' || answer) @@ plainto_tsquery('simple', $1)
		ORDER BY created_at DESC
		LIMIT $2`, query, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []models.ChatTurn
	for rows.Next() {
		var turn models.ChatTurn
		if err := rows.Scan(&turn.ID, &turn.SessionID, &turn.Question, &turn.Answer, &turn.CreatedAt); err != nil {
			return nil, classify(err)
		}
		out = append(out, turn)
	}
	return out, classify(rows.Err())
}
