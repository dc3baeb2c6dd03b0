package stream

import (
	"context"
	"fmt"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"caption-server/internal/domain"
)

// DefaultKeepAlive is how long the stream may stay silent before a
// keep-alive comment is written.
const DefaultKeepAlive = 2 * time.Second

var keepAliveFrame = []byte(": keep-alive\n\n")

// SSEWriter maps events to server-sent event frames on an HTTP response.
type SSEWriter struct {
	w         http.ResponseWriter
	rc        *http.ResponseController
	keepAlive time.Duration

	frames     int
	keepAlives int
}

// NewSSEWriter commits the response to an event stream: it writes the
// headers and a 200 status immediately so the client sees the stream open
// before the first event is produced.
func NewSSEWriter(w http.ResponseWriter, keepAlive time.Duration) (*SSEWriter, error) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	s := &SSEWriter{
		w:         w,
		rc:        http.NewResponseController(w),
		keepAlive: keepAlive,
	}
	if err := s.flush(); err != nil {
		return nil, fmt.Errorf("streaming not supported: %w", err)
	}
	return s, nil
}

// WriteEvent writes one `data:` frame and flushes it.
func (s *SSEWriter) WriteEvent(ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Kind, err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.frames++
	return s.flush()
}

func (s *SSEWriter) writeKeepAlive() error {
	if _, err := s.w.Write(keepAliveFrame); err != nil {
		return err
	}
	s.keepAlives++
	return s.flush()
}

func (s *SSEWriter) flush() error {
	return s.rc.Flush()
}

// Pump relays events until the channel is closed, the context is done, or a
// write fails. A keep-alive comment is written after every keepAlive period
// without traffic. Nothing is written after the channel closes.
func (s *SSEWriter) Pump(ctx context.Context, events <-chan domain.Event) error {
	var idle <-chan time.Time
	var timer *time.Timer
	if s.keepAlive > 0 {
		timer = time.NewTimer(s.keepAlive)
		defer timer.Stop()
		idle = timer.C
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := s.WriteEvent(ev); err != nil {
				return err
			}
			if timer != nil {
				timer.Reset(s.keepAlive)
			}
		case <-idle:
			if err := s.writeKeepAlive(); err != nil {
				return err
			}
			timer.Reset(s.keepAlive)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Frames returns the number of data frames written.
func (s *SSEWriter) Frames() int { return s.frames }

// KeepAlives returns the number of keep-alive comments written.
func (s *SSEWriter) KeepAlives() int { return s.keepAlives }
