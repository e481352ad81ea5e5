// Package retention runs the background housekeeping: cron-scheduled purge
// of terminal sessions past their retention window, and a heartbeat sweep
// that marks silent instances OFFLINE so their sessions become claimable
// again.
package retention

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/maruntime/maruntime/internal/config"
	"github.com/maruntime/maruntime/internal/store"
	"github.com/maruntime/maruntime/pkg/models"
)

// Janitor owns the purge schedule and the heartbeat sweep loop.
type Janitor struct {
	store store.Store
	cfg   config.RetentionConfig

	cron   *cron.Cron
	cancel context.CancelFunc
}

// NewJanitor builds the janitor from the retention config.
func NewJanitor(st store.Store, cfg config.RetentionConfig) *Janitor {
	return &Janitor{store: st, cfg: cfg}
}

// Start schedules the purge and launches the heartbeat sweep. An empty
// schedule disables purging; a zero grace disables the sweep.
func (j *Janitor) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	j.cancel = cancel

	if j.cfg.Schedule != "" {
		j.cron = cron.New()
		_, err := j.cron.AddFunc(j.cfg.Schedule, func() { j.purge(ctx) })
		if err != nil {
			cancel()
			return err
		}
		j.cron.Start()
	}

	if j.cfg.HeartbeatGrace > 0 {
		go j.sweepLoop(ctx)
	}

	log.Info().
		Str("schedule", j.cfg.Schedule).
		Dur("max_session_age", j.cfg.MaxSessionAge).
		Dur("heartbeat_grace", j.cfg.HeartbeatGrace).
		Msg("retention janitor started")
	return nil
}

// Stop halts the schedule and the sweep loop. A purge in flight finishes.
func (j *Janitor) Stop() {
	if j.cron != nil {
		<-j.cron.Stop().Done()
	}
	if j.cancel != nil {
		j.cancel()
	}
	log.Info().Msg("retention janitor stopped")
}

// purge removes terminal sessions older than the retention window.
func (j *Janitor) purge(ctx context.Context) {
	if j.cfg.MaxSessionAge <= 0 {
		return
	}
	start := time.Now()
	cutoff := start.Add(-j.cfg.MaxSessionAge)
	purged, err := j.store.PurgeTerminalSessions(ctx, cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("session purge failed")
		return
	}
	if purged > 0 {
		log.Info().
			Int("sessions", purged).
			Time("cutoff", cutoff).
			Dur("elapsed", time.Since(start)).
			Msg("terminal sessions purged")
	}
}

func (j *Janitor) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(j.cfg.HeartbeatGrace)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweepHeartbeats(ctx)
		}
	}
}

// sweepHeartbeats marks instances with expired heartbeats OFFLINE. A dead
// BUSY instance is released first so its session loses the binding and the
// next idle worker can claim it.
func (j *Janitor) sweepHeartbeats(ctx context.Context) {
	instances, err := j.store.ListInstances(ctx, false)
	if err != nil {
		log.Warn().Err(err).Msg("heartbeat sweep listing failed")
		return
	}
	deadline := time.Now().Add(-j.cfg.HeartbeatGrace * 2)
	for i := range instances {
		inst := &instances[i]
		switch inst.Status {
		case models.InstanceStarting, models.InstanceIdle, models.InstanceBusy:
		default:
			continue
		}
		if inst.HeartbeatAt.After(deadline) {
			continue
		}

		if inst.Status == models.InstanceBusy {
			err := j.store.ReleaseInstance(ctx, inst.ID, store.ReleaseOutcome{
				Status:    models.InstanceError,
				LastError: "heartbeat expired",
			})
			if err != nil {
				log.Warn().Err(err).Str("instance", inst.Name).Msg("dead instance release failed")
				continue
			}
		}
		err := j.store.CASInstanceStatus(ctx, inst.ID,
			[]models.InstanceStatus{models.InstanceStarting, models.InstanceIdle, models.InstanceError},
			models.InstanceOffline)
		if err != nil && !store.IsStale(err) {
			log.Warn().Err(err).Str("instance", inst.Name).Msg("dead instance offline transition failed")
			continue
		}
		log.Warn().
			Str("instance", inst.Name).
			Time("last_heartbeat", inst.HeartbeatAt).
			Msg("instance marked offline after heartbeat silence")
	}
}
