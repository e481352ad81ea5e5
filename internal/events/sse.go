package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// SSEWriter renders events as Server-Sent Event frames on an HTTP response.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter sets the streaming headers and returns a writer. Fails when
// the underlying ResponseWriter cannot flush.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	return &SSEWriter{w: w, flusher: flusher}, nil
}

// Comment writes an SSE comment line. Used for the leading session id so
// clients can learn it without parsing a body.
func (sw *SSEWriter) Comment(text string) error {
	if _, err := fmt.Fprintf(sw.w, ": %s\n\n", text); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// WriteEvent encodes one event as "event: <kind>\ndata: <json>\n\n".
func (sw *SSEWriter) WriteEvent(ev Event) error {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// Terminate writes the synthetic end-of-stream marker.
func (sw *SSEWriter) Terminate() error {
	if _, err := fmt.Fprint(sw.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// Pump copies events from the stream to the writer until the done event,
// stream closure or context cancellation. The terminal [DONE] marker is
// always written on a still-writable connection. Client disconnects close
// the stream; the producer keeps running.
func Pump(ctx context.Context, s *Stream, sw *SSEWriter) error {
	if err := sw.Comment("session_id=" + s.SessionID()); err != nil {
		s.Close()
		return err
	}
	for {
		select {
		case <-ctx.Done():
			s.Close()
			return ctx.Err()
		case ev, ok := <-s.Events():
			if !ok {
				return sw.Terminate()
			}
			if err := sw.WriteEvent(ev); err != nil {
				s.Close()
				return err
			}
			if ev.Kind == KindDone {
				return sw.Terminate()
			}
		case <-s.Done():
			// Drain anything buffered before the close won the race.
			for {
				select {
				case ev := <-s.Events():
					if err := sw.WriteEvent(ev); err != nil {
						return err
					}
					if ev.Kind == KindDone {
						return sw.Terminate()
					}
				default:
					return sw.Terminate()
				}
			}
		}
	}
}

// Collect accumulates message deltas until the done event and returns the
// concatenated content plus the finish reason. Used by the non-streaming
// gateway path.
func Collect(ctx context.Context, s *Stream) (content, finishReason string, err error) {
	for {
		select {
		case <-ctx.Done():
			s.Close()
			return content, finishReason, ctx.Err()
		case ev, ok := <-s.Events():
			if !ok {
				return content, finishReason, nil
			}
			switch p := ev.Payload.(type) {
			case MessageChunk:
				for _, c := range p.Choices {
					content += c.Delta.Content
				}
			case Done:
				return content, p.FinishReason, nil
			}
		case <-s.Done():
			for {
				select {
				case ev := <-s.Events():
					switch p := ev.Payload.(type) {
					case MessageChunk:
						for _, c := range p.Choices {
							content += c.Delta.Content
						}
					case Done:
						return content, p.FinishReason, nil
					}
				default:
					return content, finishReason, nil
				}
			}
		}
	}
}
