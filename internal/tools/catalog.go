package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/maruntime/maruntime/internal/store"
	"github.com/maruntime/maruntime/pkg/models"
)

var tracer = otel.Tracer("maruntime/tools")

// cacheTTL bounds how stale a resolved binding may be observed after an
// admin update without an explicit invalidation.
const cacheTTL = 60 * time.Second

// defaultTimeout applies when neither the tool row nor the template policy
// sets one.
const defaultTimeout = 60 * time.Second

// Deps are the shared collaborators handed to executors at resolution time.
type Deps struct {
	Turns      store.ChatTurnStore
	HTTPClient *http.Client
}

// Catalog resolves stored tool rows into executable descriptors. Resolution
// is cached process-wide; Invalidate flips a generation counter and readers
// re-resolve lazily.
type Catalog struct {
	tools store.ToolStore
	deps  Deps

	generation atomic.Uint64

	mu        sync.RWMutex
	loadedGen uint64
	loadedAt  time.Time
	byName    map[string]*Descriptor
}

// NewCatalog builds a catalog over the tool store.
func NewCatalog(tools store.ToolStore, deps Deps) *Catalog {
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 90 * time.Second}
	}
	return &Catalog{tools: tools, deps: deps, byName: map[string]*Descriptor{}}
}

// Invalidate forces re-resolution on the next read. Called by the admin
// layer after a tool row changes.
func (c *Catalog) Invalidate() {
	c.generation.Add(1)
}

// Resolve returns the descriptor for a tool name (case-insensitive).
func (c *Catalog) Resolve(ctx context.Context, name string) (*Descriptor, error) {
	all, err := c.Descriptors(ctx)
	if err != nil {
		return nil, err
	}
	d, ok := all[models.CanonicalToolName(name)]
	if !ok {
		return nil, &store.ErrNotFound{Entity: "tool", Key: name}
	}
	return d, nil
}

// Descriptors returns the resolved view of all active tools, keyed by
// canonical name. The map is shared; callers must not mutate it.
func (c *Catalog) Descriptors(ctx context.Context) (map[string]*Descriptor, error) {
	gen := c.generation.Load()

	c.mu.RLock()
	fresh := c.loadedGen == gen && time.Since(c.loadedAt) < cacheTTL && c.byName != nil && len(c.byName) > 0
	byName := c.byName
	c.mu.RUnlock()
	if fresh {
		return byName, nil
	}

	rows, err := c.tools.ListTools(ctx, true)
	if err != nil {
		return nil, err
	}

	resolved := make(map[string]*Descriptor, len(rows))
	for i := range rows {
		d, err := c.resolve(&rows[i])
		if err != nil {
			log.Warn().Err(err).Str("tool", rows[i].Name).Str("binding", rows[i].Binding).Msg("skipping unresolvable tool")
			continue
		}
		resolved[d.Canonical()] = d
	}

	c.mu.Lock()
	c.loadedGen = gen
	c.loadedAt = time.Now()
	c.byName = resolved
	c.mu.Unlock()
	return resolved, nil
}

// resolve turns one stored row into a descriptor via its binding string.
func (c *Catalog) resolve(row *models.Tool) (*Descriptor, error) {
	var (
		exec   Executor
		schema json.RawMessage
	)

	if server, remote, ok := ParseMCPBinding(row.Binding); ok {
		exec = &mcpTool{client: c.deps.HTTPClient, server: server, remote: remote}
		schema = mcpSchema(row.Config)
	} else {
		typeName, err := bindingTypeName(row.Binding)
		if err != nil {
			return nil, err
		}
		b, ok := builtins[models.CanonicalToolName(typeName)]
		if !ok {
			return nil, fmt.Errorf("unknown binding type %q", typeName)
		}
		exec = b.build(c.deps)
		schema = b.schema
	}

	return &Descriptor{
		Tool:     *row,
		Schema:   schema,
		Quota:    quotaFromConfig(row.Config),
		Exec:     exec,
		compiled: compileSchema(schema),
	}, nil
}

// bindingTypeName extracts TypeName from a "module/path:TypeName" binding.
func bindingTypeName(binding string) (string, error) {
	_, name, found := strings.Cut(binding, ":")
	if !found || name == "" {
		return "", fmt.Errorf("malformed binding %q", binding)
	}
	return name, nil
}

// mcpSchema reads the remote tool's declared input schema from the config
// column, defaulting to an open object.
func mcpSchema(config map[string]any) json.RawMessage {
	if params, ok := config["parameters"]; ok {
		if data, err := json.Marshal(params); err == nil {
			return data
		}
	}
	return json.RawMessage(`{"type":"object","additionalProperties":true}`)
}

// ── Builtin registry ─────────────────────────────────────────

type builtin struct {
	schema json.RawMessage
	build  func(deps Deps) Executor
}

var builtins = map[string]builtin{
	models.CanonicalToolName(NameReasoning): {
		schema: schemaOf(&ReasoningArgs{}),
		build:  func(Deps) Executor { return ExecutorFunc(reasoningExec) },
	},
	models.CanonicalToolName(NameFinalAnswer): {
		schema: schemaOf(&FinalAnswerArgs{}),
		build:  func(Deps) Executor { return ExecutorFunc(finalAnswerExec) },
	},
	models.CanonicalToolName(NameClarification): {
		schema: schemaOf(&ClarificationArgs{}),
		build:  func(Deps) Executor { return ExecutorFunc(clarificationExec) },
	},
	models.CanonicalToolName(NameWebSearch): {
		schema: schemaOf(&WebSearchArgs{}),
		build:  func(deps Deps) Executor { return &webSearch{client: deps.HTTPClient} },
	},
	models.CanonicalToolName(NameCreateReport): {
		schema: schemaOf(&CreateReportArgs{}),
		build:  func(Deps) Executor { return ExecutorFunc(createReportExec) },
	},
	models.CanonicalToolName(NameChatSearch): {
		schema: schemaOf(&ChatSearchArgs{}),
		build:  func(deps Deps) Executor { return &chatSearch{turns: deps.Turns} },
	},
	models.CanonicalToolName(NameEcho): {
		schema: schemaOf(&EchoArgs{}),
		build:  func(Deps) Executor { return ExecutorFunc(echoExec) },
	},
}

// ── Enforced execution ───────────────────────────────────────

func refused(code string, started time.Time) Result {
	return Result{
		Content:  fmt.Sprintf(`{"success":false,"error":%q}`, code),
		Status:   models.ExecError,
		Code:     code,
		Duration: time.Since(started),
	}
}

// Execute runs one tool call under the descriptor's execution policy:
// quota and cooldown are checked before invocation, the call runs under the
// tool's deadline, and the snapshot counters advance on success. Refusals
// and failures come back as failed results, never as errors.
func (c *Catalog) Execute(ctx context.Context, d *Descriptor, inv *Invocation, args json.RawMessage) Result {
	ctx, span := tracer.Start(ctx, "tool.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("tool.name", d.Name()),
		attribute.String("session.id", inv.SessionID),
	)

	started := time.Now()
	canonical := d.Canonical()

	inv.Lock()
	if d.Quota.MaxCalls > 0 && inv.Snapshot.ToolCalls[canonical] >= d.Quota.MaxCalls {
		inv.Unlock()
		return refused(CodeQuotaExceeded, started)
	}
	if d.Quota.CooldownSeconds > 0 {
		if last, ok := inv.Snapshot.LastCallAt[canonical]; ok {
			if time.Since(last) < time.Duration(d.Quota.CooldownSeconds)*time.Second {
				inv.Unlock()
				return refused(CodeCooldown, started)
			}
		}
	}
	inv.Unlock()
	if err := d.ValidateArgs(args); err != nil {
		log.Debug().Err(err).Str("tool", d.Name()).Msg("tool arguments rejected")
		return refused(CodeInvalidArgs, started)
	}

	timeout := defaultTimeout
	if d.Quota.TimeoutSeconds > 0 {
		timeout = time.Duration(d.Quota.TimeoutSeconds) * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if inv.Config == nil {
		inv.Config = ResolveConfig(d.Tool.Config)
	}

	content, err := d.Exec.Execute(callCtx, inv, args)
	duration := time.Since(started)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return Result{
				Content:  fmt.Sprintf(`{"success":false,"error":%q}`, CodeTimeout),
				Status:   models.ExecTimeout,
				Code:     CodeTimeout,
				Duration: duration,
			}
		}
		log.Warn().Err(err).Str("tool", d.Name()).Msg("tool execution failed")
		return Result{
			Content:  fmt.Sprintf(`{"success":false,"error":%q,"message":%q}`, CodeToolError, err.Error()),
			Status:   models.ExecError,
			Code:     CodeToolError,
			Duration: duration,
		}
	}

	inv.Lock()
	inv.Snapshot.CountToolCall(canonical)
	if inv.Snapshot.LastCallAt == nil {
		inv.Snapshot.LastCallAt = map[string]time.Time{}
	}
	inv.Snapshot.LastCallAt[canonical] = time.Now()
	inv.Unlock()

	return Result{Content: content, Status: models.ExecOK, Duration: duration}
}
