package retention

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/maruntime/maruntime/internal/config"
	"github.com/maruntime/maruntime/internal/store"
	"github.com/maruntime/maruntime/pkg/models"
)

func seed(t *testing.T) (store.Store, *models.TemplateVersion) {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })

	tmpl := &models.Template{Name: "research-agent"}
	if err := s.CreateTemplate(ctx, tmpl); err != nil {
		t.Fatalf("create template: %v", err)
	}
	version := &models.TemplateVersion{TemplateID: tmpl.ID, Active: true}
	if err := s.CreateTemplateVersion(ctx, version); err != nil {
		t.Fatalf("create version: %v", err)
	}
	return s, version
}

func addSession(t *testing.T, s store.Store, versionID string, state models.SessionState) *models.Session {
	t.Helper()
	sess := &models.Session{TemplateVersionID: versionID, State: state}
	if err := s.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

var instanceSeq int

func addInstance(t *testing.T, s store.Store, version *models.TemplateVersion, status models.InstanceStatus) *models.AgentInstance {
	t.Helper()
	instanceSeq++
	inst := &models.AgentInstance{
		Name:              fmt.Sprintf("worker-%d", instanceSeq),
		TemplateID:        version.TemplateID,
		TemplateVersionID: version.ID,
		Status:            status,
		Enabled:           true,
	}
	if err := s.CreateInstance(context.Background(), inst); err != nil {
		t.Fatalf("create instance: %v", err)
	}
	return inst
}

func TestPurgeRemovesOldTerminalSessions(t *testing.T) {
	s, version := seed(t)
	ctx := context.Background()

	completed := addSession(t, s, version.ID, models.SessionCompleted)
	failed := addSession(t, s, version.ID, models.SessionFailed)
	active := addSession(t, s, version.ID, models.SessionResearching)

	j := NewJanitor(s, config.RetentionConfig{MaxSessionAge: time.Nanosecond})
	time.Sleep(5 * time.Millisecond)
	j.purge(ctx)

	if _, err := s.GetSession(ctx, completed.ID); !store.IsNotFound(err) {
		t.Errorf("completed session survived purge: %v", err)
	}
	if _, err := s.GetSession(ctx, failed.ID); !store.IsNotFound(err) {
		t.Errorf("failed session survived purge: %v", err)
	}
	if _, err := s.GetSession(ctx, active.ID); err != nil {
		t.Errorf("active session purged: %v", err)
	}
}

func TestPurgeRespectsRetentionWindow(t *testing.T) {
	s, version := seed(t)
	ctx := context.Background()

	fresh := addSession(t, s, version.ID, models.SessionCompleted)

	j := NewJanitor(s, config.RetentionConfig{MaxSessionAge: 24 * time.Hour})
	j.purge(ctx)

	if _, err := s.GetSession(ctx, fresh.ID); err != nil {
		t.Errorf("fresh terminal session purged: %v", err)
	}
}

func TestPurgeDisabledWithoutMaxAge(t *testing.T) {
	s, version := seed(t)
	ctx := context.Background()

	sess := addSession(t, s, version.ID, models.SessionCompleted)

	j := NewJanitor(s, config.RetentionConfig{})
	time.Sleep(time.Millisecond)
	j.purge(ctx)

	if _, err := s.GetSession(ctx, sess.ID); err != nil {
		t.Errorf("purge ran without a retention window: %v", err)
	}
}

func TestSweepHeartbeatsMarksSilentInstancesOffline(t *testing.T) {
	s, version := seed(t)
	ctx := context.Background()

	silent := addInstance(t, s, version, models.InstanceIdle)
	if err := s.Heartbeat(ctx, silent.ID, time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("backdate heartbeat: %v", err)
	}
	alive := addInstance(t, s, version, models.InstanceIdle)
	if err := s.Heartbeat(ctx, alive.ID, time.Now()); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	j := NewJanitor(s, config.RetentionConfig{HeartbeatGrace: 30 * time.Second})
	j.sweepHeartbeats(ctx)

	got, err := s.GetInstance(ctx, silent.ID)
	if err != nil {
		t.Fatalf("get silent: %v", err)
	}
	if got.Status != models.InstanceOffline {
		t.Errorf("silent instance status = %s, want OFFLINE", got.Status)
	}

	got, err = s.GetInstance(ctx, alive.ID)
	if err != nil {
		t.Fatalf("get alive: %v", err)
	}
	if got.Status != models.InstanceIdle {
		t.Errorf("alive instance status = %s, want IDLE untouched", got.Status)
	}
}

func TestSweepHeartbeatsReleasesDeadBusyInstance(t *testing.T) {
	s, version := seed(t)
	ctx := context.Background()

	inst := addInstance(t, s, version, models.InstanceIdle)
	sess := addSession(t, s, version.ID, models.SessionResearching)
	if err := s.ClaimInstance(ctx, inst.ID, sess.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.Heartbeat(ctx, inst.ID, time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("backdate heartbeat: %v", err)
	}

	j := NewJanitor(s, config.RetentionConfig{HeartbeatGrace: 30 * time.Second})
	j.sweepHeartbeats(ctx)

	got, err := s.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if got.Status != models.InstanceOffline {
		t.Errorf("dead busy instance status = %s, want OFFLINE", got.Status)
	}
	if got.CurrentSessionID != "" {
		t.Errorf("session binding not cleared: %q", got.CurrentSessionID)
	}

	// The orphaned session is claimable again.
	claimable, err := s.FindClaimableSession(ctx, version.ID)
	if err != nil {
		t.Fatalf("find claimable: %v", err)
	}
	if claimable.ID != sess.ID {
		t.Errorf("claimable = %s, want %s", claimable.ID, sess.ID)
	}
}

func TestSweepHeartbeatsIgnoresOfflineInstances(t *testing.T) {
	s, version := seed(t)
	ctx := context.Background()

	inst := addInstance(t, s, version, models.InstanceOffline)
	if err := s.Heartbeat(ctx, inst.ID, time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("backdate heartbeat: %v", err)
	}

	j := NewJanitor(s, config.RetentionConfig{HeartbeatGrace: 30 * time.Second})
	j.sweepHeartbeats(ctx)

	got, err := s.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if got.Status != models.InstanceOffline {
		t.Errorf("offline instance touched: %s", got.Status)
	}
}
