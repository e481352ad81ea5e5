// Package pool runs the named worker slots. One goroutine per enabled
// AgentInstance row claims RESEARCHING sessions pinned to its template
// version and drives them through the agent loop. Workers are long-lived;
// sessions pass through them one at a time.
package pool

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/maruntime/maruntime/internal/driver"
	"github.com/maruntime/maruntime/internal/events"
	"github.com/maruntime/maruntime/internal/llm"
	"github.com/maruntime/maruntime/internal/store"
	"github.com/maruntime/maruntime/pkg/models"
)

const (
	heartbeatInterval = 5 * time.Second
	claimPollInterval = 250 * time.Millisecond

	// drainTimeout bounds how long Shutdown waits for busy workers before
	// cancelling their runs.
	drainTimeout = 30 * time.Second
)

// defaultAPIKeyEnv is consulted when the LLM policy names no api_key_ref.
const defaultAPIKeyEnv = "OPENAI_API_KEY"

var tracer = otel.Tracer("maruntime/pool")

// Pool owns the worker goroutines and the stream registry that hands
// per-session event channels from the gateway to the claiming worker.
type Pool struct {
	store   store.Store
	driver  *driver.Driver
	streams *streamRegistry

	mu      sync.Mutex
	workers map[string]*worker        // instance id → running worker
	wake    map[string]chan struct{}  // instance id → dispatch signal

	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup
}

// New builds the pool. Start launches the auto-start workers.
func New(st store.Store, drv *driver.Driver) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		store:     st,
		driver:    drv,
		streams:   newStreamRegistry(),
		workers:   make(map[string]*worker),
		wake:      make(map[string]chan struct{}),
		runCtx:    ctx,
		cancelRun: cancel,
	}
}

// Start boots workers for every enabled auto-start instance.
func (p *Pool) Start(ctx context.Context) error {
	instances, err := p.store.ListInstances(ctx, true)
	if err != nil {
		return fmt.Errorf("list instances: %w", err)
	}
	for i := range instances {
		inst := instances[i]
		if !inst.AutoStart {
			continue
		}
		if err := p.StartInstance(ctx, inst.ID); err != nil {
			log.Warn().Err(err).Str("instance", inst.Name).Msg("auto-start failed")
		}
	}
	return nil
}

// StartInstance launches the worker for one instance. A second start while
// the worker is running is a no-op.
func (p *Pool) StartInstance(ctx context.Context, instanceID string) error {
	inst, err := p.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if !inst.Enabled {
		return fmt.Errorf("instance %s is disabled", inst.Name)
	}

	p.mu.Lock()
	if _, running := p.workers[instanceID]; running {
		p.mu.Unlock()
		return nil
	}
	w := &worker{
		pool:     p,
		instance: inst,
		stop:     make(chan struct{}),
	}
	p.workers[instanceID] = w
	p.mu.Unlock()

	// STARTING and IDLE are accepted so rows left behind by a crashed
	// process can be re-adopted on boot.
	err = p.store.CASInstanceStatus(ctx, instanceID,
		[]models.InstanceStatus{models.InstanceOffline, models.InstanceError, models.InstanceStarting, models.InstanceIdle},
		models.InstanceStarting)
	if err != nil {
		p.mu.Lock()
		delete(p.workers, instanceID)
		p.mu.Unlock()
		return fmt.Errorf("instance %s not startable: %w", inst.Name, err)
	}

	p.wg.Add(1)
	go w.run(p.runCtx)
	log.Info().Str("instance", inst.Name).Str("template", inst.TemplateID).Msg("worker starting")
	return nil
}

// StopInstance signals the worker to finish its current session and go
// OFFLINE. Stopping an instance with no running worker only fixes the row.
func (p *Pool) StopInstance(ctx context.Context, instanceID string) error {
	p.mu.Lock()
	w := p.workers[instanceID]
	p.mu.Unlock()
	if w == nil {
		return p.store.CASInstanceStatus(ctx, instanceID,
			[]models.InstanceStatus{models.InstanceStarting, models.InstanceIdle, models.InstanceError},
			models.InstanceOffline)
	}
	w.requestStop()
	return nil
}

// Notify wakes the highest-priority idle worker pinned to a template.
// Called by the gateway after a session becomes claimable so work starts
// without waiting for the next poll tick. With no idle worker the session
// waits for the next poll tick instead.
func (p *Pool) Notify(ctx context.Context, templateID string) {
	inst, err := p.store.FindIdleInstance(ctx, templateID)
	if err != nil {
		if !store.IsNotFound(err) {
			log.Warn().Err(err).Str("template", templateID).Msg("idle instance lookup failed")
		}
		return
	}

	p.mu.Lock()
	ch, ok := p.wake[inst.ID]
	p.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Attach registers a stream for a session before it is claimed. The worker
// that claims the session publishes into it; when no stream was attached
// the worker runs against a drained one.
func (p *Pool) Attach(sessionID, model string) *events.Stream {
	return p.streams.attach(sessionID, model)
}

// wakeChan returns the dispatch channel for one instance.
func (p *Pool) wakeChan(instanceID string) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.wake[instanceID]
	if !ok {
		ch = make(chan struct{}, 1)
		p.wake[instanceID] = ch
	}
	return ch
}

func (p *Pool) removeWorker(instanceID string) {
	p.mu.Lock()
	delete(p.workers, instanceID)
	p.mu.Unlock()
}

// Shutdown stops claiming, waits for busy workers to drain and then cancels
// any runs still in flight. Sessions interrupted mid-run stay RESEARCHING
// and are claimable after restart.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	for _, w := range p.workers {
		w.requestStop()
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-ctx.Done():
		p.cancelRun()
		<-done
	case <-timer.C:
		log.Warn().Msg("pool drain timed out, cancelling in-flight runs")
		p.cancelRun()
		<-done
	}
	p.cancelRun()
}

// ── Worker ───────────────────────────────────────────────────

type worker struct {
	pool     *Pool
	instance *models.AgentInstance

	stopOnce sync.Once
	stop     chan struct{}
}

func (w *worker) requestStop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *worker) stopped() bool {
	select {
	case <-w.stop:
		return true
	default:
		return false
	}
}

// run is the worker main loop: prewarm, then claim/run/release until
// stopped. Status rows track the lifecycle so operators see the same state
// the loop does.
func (w *worker) run(ctx context.Context) {
	defer w.pool.wg.Done()
	defer w.pool.removeWorker(w.instance.ID)

	st := w.pool.store
	version, client, err := w.prewarm(ctx)
	if err != nil {
		log.Error().Err(err).Str("instance", w.instance.Name).Msg("worker prewarm failed")
		w.markError(ctx, err)
		return
	}
	if err := st.CASInstanceStatus(ctx, w.instance.ID,
		[]models.InstanceStatus{models.InstanceStarting}, models.InstanceIdle); err != nil {
		log.Warn().Err(err).Str("instance", w.instance.Name).Msg("worker lost starting status")
		return
	}
	log.Info().Str("instance", w.instance.Name).Msg("worker idle")

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	poll := time.NewTicker(claimPollInterval)
	defer poll.Stop()
	wake := w.pool.wakeChan(w.instance.ID)

	for {
		select {
		case <-ctx.Done():
			w.goOffline(ctx)
			return
		case <-w.stop:
			w.goOffline(ctx)
			return
		case <-heartbeat.C:
			if err := st.Heartbeat(ctx, w.instance.ID, time.Now()); err != nil {
				log.Warn().Err(err).Str("instance", w.instance.Name).Msg("heartbeat failed")
			}
		case <-wake:
			w.claimAndRun(ctx, version, client)
		case <-poll.C:
			w.claimAndRun(ctx, version, client)
		}
	}
}

// prewarm pins the template version and builds the per-worker LLM client.
func (w *worker) prewarm(ctx context.Context) (*models.TemplateVersion, *llm.Client, error) {
	version, err := w.pool.store.GetTemplateVersion(ctx, w.instance.TemplateVersionID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve pinned version: %w", err)
	}
	keyEnv := version.Settings.LLM.APIKeyRef
	if keyEnv == "" {
		keyEnv = defaultAPIKeyEnv
	}
	client := llm.New(version.Settings.LLM, os.Getenv(keyEnv))
	return version, client, nil
}

// claimAndRun takes at most one claimable session and drives it. Losing
// the claim race is normal; the worker just waits for the next signal.
func (w *worker) claimAndRun(ctx context.Context, version *models.TemplateVersion, client *llm.Client) {
	if w.stopped() {
		return
	}
	st := w.pool.store

	sess, err := st.FindClaimableSession(ctx, w.instance.TemplateVersionID)
	if err != nil {
		if !store.IsNotFound(err) {
			log.Warn().Err(err).Str("instance", w.instance.Name).Msg("claim scan failed")
		}
		return
	}
	if err := st.ClaimInstance(ctx, w.instance.ID, sess.ID); err != nil {
		if !store.IsStale(err) {
			log.Warn().Err(err).Str("instance", w.instance.Name).Msg("claim failed")
		}
		return
	}

	stream := w.pool.streams.take(sess.ID, version.Settings.LLM.Model)
	log.Info().
		Str("instance", w.instance.Name).
		Str("session_id", sess.ID).
		Int("iteration", sess.Context.Iteration).
		Msg("session claimed")

	runCtx, span := tracer.Start(ctx, "pool.session_run")
	span.SetAttributes(
		attribute.String("instance.name", w.instance.Name),
		attribute.String("session.id", sess.ID),
	)
	outcome, runErr := w.pool.driver.Run(runCtx, sess, version, client, stream)
	if runErr != nil {
		span.RecordError(runErr)
	}
	span.End()

	release := store.ReleaseOutcome{
		Status: models.InstanceIdle,
		Counters: models.InstanceCounters{
			Sessions:  1,
			Messages:  outcome.Messages,
			ToolCalls: outcome.ToolCalls,
			Errors:    outcome.Errors,
		},
	}
	if runErr != nil {
		release.Status = models.InstanceError
		release.LastError = runErr.Error()
		log.Error().Err(runErr).Str("instance", w.instance.Name).Str("session_id", sess.ID).Msg("driver fault")
	}
	if err := store.WithRetry(ctx, func() error {
		return st.ReleaseInstance(ctx, w.instance.ID, release)
	}); err != nil {
		log.Error().Err(err).Str("instance", w.instance.Name).Msg("release failed")
	}

	if runErr != nil {
		// ERROR status parks the worker until an admin restarts it.
		w.requestStop()
	}
}

func (w *worker) markError(ctx context.Context, cause error) {
	inst, err := w.pool.store.GetInstance(ctx, w.instance.ID)
	if err != nil {
		return
	}
	inst.Status = models.InstanceError
	inst.LastError = cause.Error()
	now := time.Now()
	inst.LastErrorAt = &now
	if err := w.pool.store.UpdateInstance(ctx, inst); err != nil {
		log.Warn().Err(err).Str("instance", w.instance.Name).Msg("error status write failed")
	}
}

func (w *worker) goOffline(ctx context.Context) {
	err := w.pool.store.CASInstanceStatus(ctx, w.instance.ID,
		[]models.InstanceStatus{models.InstanceStarting, models.InstanceIdle, models.InstanceStopping},
		models.InstanceOffline)
	if err != nil && !store.IsStale(err) {
		log.Warn().Err(err).Str("instance", w.instance.Name).Msg("offline transition failed")
	}
	log.Info().Str("instance", w.instance.Name).Msg("worker stopped")
}
