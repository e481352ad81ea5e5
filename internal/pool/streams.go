package pool

import (
	"sync"

	"github.com/maruntime/maruntime/internal/events"
)

// streamRegistry hands event streams from the gateway to the worker that
// ends up claiming the session. Attach-then-claim is the normal order; a
// claim with no attached stream gets a drained stand-in so the driver never
// blocks on a missing reader.
type streamRegistry struct {
	mu      sync.Mutex
	pending map[string]*events.Stream
}

func newStreamRegistry() *streamRegistry {
	return &streamRegistry{pending: make(map[string]*events.Stream)}
}

// attach registers the gateway's stream for a not-yet-claimed session.
// Attaching twice replaces the previous stream, which is closed so its
// reader observes [DONE].
func (r *streamRegistry) attach(sessionID, model string) *events.Stream {
	s := events.NewStream(sessionID, model)
	r.mu.Lock()
	prev := r.pending[sessionID]
	r.pending[sessionID] = s
	r.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
	return s
}

// take removes and returns the attached stream, or builds a drained one
// when no client is waiting.
func (r *streamRegistry) take(sessionID, model string) *events.Stream {
	r.mu.Lock()
	s, ok := r.pending[sessionID]
	if ok {
		delete(r.pending, sessionID)
	}
	r.mu.Unlock()
	if ok {
		return s
	}
	s = events.NewStream(sessionID, model)
	go drain(s)
	return s
}

// drain consumes events until the done frame so an unattended producer
// never stalls on a full buffer.
func drain(s *events.Stream) {
	for {
		select {
		case ev := <-s.Events():
			if ev.Kind == events.KindDone {
				return
			}
		case <-s.Done():
			for {
				select {
				case ev := <-s.Events():
					if ev.Kind == events.KindDone {
						return
					}
				default:
					return
				}
			}
		}
	}
}
