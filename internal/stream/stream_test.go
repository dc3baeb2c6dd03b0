package stream

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"caption-server/internal/domain"
)

func TestChannel_SendAndClose(t *testing.T) {
	ch := NewChannel(context.Background(), 4)

	if err := ch.Send(domain.Status("a")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := ch.Send(domain.Token("b")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	ch.Close()
	ch.Close() // second close is a no-op

	var got []domain.Event
	for ev := range ch.Events() {
		got = append(got, ev)
	}
	if len(got) != 2 || got[0].Text != "a" || got[1].Text != "b" {
		t.Errorf("Unexpected events: %+v", got)
	}

	if err := ch.Send(domain.Status("late")); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed after Close, got %v", err)
	}
	if ch.Sent() != 2 {
		t.Errorf("Expected 2 sent, got %d", ch.Sent())
	}
}

func TestChannel_DefaultCapacity(t *testing.T) {
	ch := NewChannel(context.Background(), 0)
	if cap(ch.events) != DefaultCapacity {
		t.Errorf("Expected capacity %d, got %d", DefaultCapacity, cap(ch.events))
	}
}

func TestChannel_SendFailsWhenConsumerGone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := NewChannel(ctx, 1)

	if err := ch.Send(domain.Status("fills buffer")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		// Buffer is full, so this blocks until the consumer goes away
		errCh <- ch.Send(domain.Status("blocked"))
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Expected ErrClosed, got %v", err)
		}
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected cause context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Send stayed blocked after consumer cancellation")
	}
}

func TestSSEWriter_Headers(t *testing.T) {
	rec := httptest.NewRecorder()
	if _, err := NewSSEWriter(rec, DefaultKeepAlive); err != nil {
		t.Fatalf("NewSSEWriter failed: %v", err)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Expected text/event-stream, got %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Expected no-cache, got %q", cc)
	}
	if !rec.Flushed {
		t.Error("Expected headers to be flushed immediately")
	}
}

func TestSSEWriter_PumpFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec, DefaultKeepAlive)
	if err != nil {
		t.Fatalf("NewSSEWriter failed: %v", err)
	}

	events := make(chan domain.Event, 4)
	events <- domain.Status(domain.StatusLoadingModel)
	events <- domain.Token("hello")
	events <- domain.Token(" world")
	events <- domain.Status(domain.StatusDone)
	close(events)

	if err := w.Pump(context.Background(), events); err != nil {
		t.Fatalf("Pump failed: %v", err)
	}

	want := `data: {"status":"Loading model..."}` + "\n\n" +
		`data: {"status":"token","token":"hello"}` + "\n\n" +
		`data: {"status":"token","token":" world"}` + "\n\n" +
		`data: {"status":"Done"}` + "\n\n"
	if got := rec.Body.String(); got != want {
		t.Errorf("Unexpected body:\n%s\nwant:\n%s", got, want)
	}
	if w.Frames() != 4 {
		t.Errorf("Expected 4 frames, got %d", w.Frames())
	}
}

func TestSSEWriter_KeepAlive(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("NewSSEWriter failed: %v", err)
	}

	events := make(chan domain.Event)
	go func() {
		time.Sleep(55 * time.Millisecond)
		close(events)
	}()

	if err := w.Pump(context.Background(), events); err != nil {
		t.Fatalf("Pump failed: %v", err)
	}

	if w.KeepAlives() == 0 {
		t.Fatal("Expected at least one keep-alive during silence")
	}
	body := rec.Body.String()
	if strings.Count(body, ": keep-alive\n\n") != w.KeepAlives() {
		t.Errorf("Keep-alive count mismatch in body %q", body)
	}
	if strings.Contains(body, "data:") {
		t.Errorf("No data frames expected, got %q", body)
	}
}

func TestSSEWriter_PumpStopsOnContext(t *testing.T) {
	rec := httptest.NewRecorder()
	w, _ := NewSSEWriter(rec, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	events := make(chan domain.Event)
	if err := w.Pump(ctx, events); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
