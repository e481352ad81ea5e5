package pool

import (
	"testing"
	"time"

	"github.com/maruntime/maruntime/internal/events"
)

func TestAttachThenTake(t *testing.T) {
	r := newStreamRegistry()
	attached := r.attach("sess-1", "research-agent")
	taken := r.take("sess-1", "research-agent")
	if taken != attached {
		t.Fatal("take did not return the attached stream")
	}

	// A second take finds nothing pending and builds a drained stand-in.
	standin := r.take("sess-1", "research-agent")
	if standin == attached {
		t.Fatal("taken stream was not removed from the registry")
	}
}

func TestAttachReplacesAndClosesPrevious(t *testing.T) {
	r := newStreamRegistry()
	first := r.attach("sess-1", "research-agent")
	second := r.attach("sess-1", "research-agent")

	select {
	case <-first.Done():
	case <-time.After(time.Second):
		t.Fatal("replaced stream not closed")
	}

	if taken := r.take("sess-1", "research-agent"); taken != second {
		t.Fatal("take returned a stale stream")
	}
}

func TestTakeWithoutAttachNeverBlocksProducer(t *testing.T) {
	r := newStreamRegistry()
	s := r.take("sess-1", "research-agent")

	// Publish far past the buffer size; the drain goroutine must keep up.
	done := make(chan struct{})
	go func() {
		for i := 0; i < events.DefaultBuffer*2; i++ {
			s.StepStart(i, 100, "busy")
		}
		s.FinishDone("stop")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("producer blocked on unattended stream")
	}
}
