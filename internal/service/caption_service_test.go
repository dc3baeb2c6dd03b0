package service

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"caption-server/internal/domain"
	"caption-server/internal/stream"
)

func drain(ch *stream.Channel) []string {
	var out []string
	for ev := range ch.Events() {
		if ev.Kind == domain.EventToken {
			out = append(out, "token:"+ev.Text)
		} else {
			out = append(out, ev.Text)
		}
	}
	return out
}

func newLoadedService(t *testing.T, res *domain.ModelResources) (*CaptionService, *ModelService) {
	t.Helper()
	models := NewModelService()
	if err := models.LoadModel(context.Background(), &MockLoader{res: res}); err != nil {
		t.Fatalf("LoadModel failed: %v", err)
	}
	return NewCaptionService(models, noDelay(1000), 100), models
}

func TestCaptionService_EventSequence(t *testing.T) {
	res, _ := newMockResources(4, 6, 2)
	svc, _ := newLoadedService(t, res)

	got := drain(svc.Start(context.Background(), []byte("img")))

	want := []string{
		domain.StatusLoadingModel,
		domain.StatusLoadingImage,
		domain.StatusGenerating,
		domain.StatusEncoded,
		"token:t4",
		"token:t6",
		domain.StatusDone,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}

	if err := svc.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	m := svc.Metrics()
	if m.CompletedRequests != 1 || m.TotalDecodeSteps != 3 || m.TotalTokensGenerated != 3 {
		t.Errorf("Unexpected metrics: %+v", m)
	}
	if m.LockHeld {
		t.Error("Lock still held after the task finished")
	}
}

func TestCaptionService_NoOverlappingGenerations(t *testing.T) {
	res, model := newMockResources(5, 9, 2)
	model.hold = 2 * time.Millisecond
	svc, _ := newLoadedService(t, res)

	const n = 8
	var wg sync.WaitGroup
	results := make([][]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = drain(svc.Start(context.Background(), []byte("img")))
		}(i)
	}
	wg.Wait()

	if max := model.maxActive.Load(); max != 1 {
		t.Errorf("Expected at most one active model call, saw %d", max)
	}
	for i, events := range results {
		if len(events) == 0 || events[len(events)-1] != domain.StatusDone {
			t.Errorf("request %d: expected stream to end with Done, got %v", i, events)
		}
		for _, ev := range events {
			if strings.HasPrefix(ev, "Error: ") {
				t.Errorf("request %d: unexpected error %q", i, ev)
			}
		}
	}
	if model.Decodes() != n*3 {
		t.Errorf("Expected %d decode steps, got %d", n*3, model.Decodes())
	}
}

func TestCaptionService_RecoversAfterFailedRequest(t *testing.T) {
	res, model := newMockResources(5, 9, 2)
	model.failAt = 1
	svc, _ := newLoadedService(t, res)

	first := drain(svc.Start(context.Background(), []byte("img")))
	if len(first) < 2 || !strings.HasPrefix(first[len(first)-2], "Error: decode step 1") {
		t.Fatalf("Expected first request to fail at step 1, got %v", first)
	}

	// A leftover cache would make the next step-0 offset check fail
	second := drain(svc.Start(context.Background(), []byte("img")))
	for _, ev := range second {
		if strings.HasPrefix(ev, "Error: ") {
			t.Fatalf("Second request inherited broken state: %v", second)
		}
	}
	if second[len(second)-1] != domain.StatusDone {
		t.Errorf("Expected Done, got %v", second)
	}

	_ = svc.Wait(context.Background())
	m := svc.Metrics()
	if m.FailedRequests != 1 || m.CompletedRequests != 1 {
		t.Errorf("Unexpected metrics: %+v", m)
	}
}

func TestCaptionService_ClientDisconnect(t *testing.T) {
	res, model := newMockResources(7) // never hits EOS
	model.hold = time.Millisecond
	svc, models := newLoadedService(t, res)

	ctx, cancel := context.WithCancel(context.Background())
	ch := svc.Start(ctx, []byte("img"))

	// Read a few events, then walk away
	for i := 0; i < 6; i++ {
		<-ch.Events()
	}
	cancel()

	if err := svc.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if model.Decodes() >= DefaultMaxSteps {
		t.Errorf("Loop ran to the cap after disconnect: %d steps", model.Decodes())
	}
	if model.Cached() != 0 {
		t.Error("Model state not reset after disconnect")
	}
	if models.LockStats().Held {
		t.Error("Lock not released after disconnect")
	}
	if !ch.Closed() {
		t.Error("Channel not closed after task exit")
	}
	if got := svc.Metrics().CancelledRequests; got != 1 {
		t.Errorf("Expected 1 cancelled request, got %d", got)
	}

	// The next caller gets the model straight away
	res.Sampler = &MockSampler{seq: []uint32{2}}
	next := drain(svc.Start(context.Background(), []byte("img")))
	if next[len(next)-1] != domain.StatusDone {
		t.Errorf("Expected follow-up request to finish, got %v", next)
	}
}

func TestCaptionService_ModelNotLoaded(t *testing.T) {
	svc := NewCaptionService(NewModelService(), noDelay(10), 10)

	got := drain(svc.Start(context.Background(), []byte("img")))
	if len(got) != 3 || got[0] != domain.StatusLoadingModel ||
		!strings.HasPrefix(got[1], "Error: ") || got[2] != domain.StatusDone {
		t.Errorf("Unexpected events: %v", got)
	}
}

func TestCaptionService_Reject(t *testing.T) {
	res, model := newMockResources(2)
	svc, _ := newLoadedService(t, res)

	got := drain(svc.Reject(context.Background(), domain.Status(domain.StatusNoImage)))
	if !reflect.DeepEqual(got, []string{domain.StatusNoImage}) {
		t.Errorf("Expected a single error status, got %v", got)
	}
	if model.Decodes() != 0 {
		t.Error("Rejected request must not touch the model")
	}
	if m := svc.Metrics(); m.RejectedRequests != 1 || m.TotalRequests != 1 {
		t.Errorf("Unexpected metrics: %+v", m)
	}
}

func TestModelService_LoadOnce(t *testing.T) {
	res, _ := newMockResources(2)
	models := NewModelService()

	if models.GetLoadingStatus() != StatusIdle {
		t.Errorf("Expected idle, got %s", models.GetLoadingStatus())
	}
	if _, err := models.Acquire(context.Background()); err == nil {
		t.Error("Acquire must fail before loading")
	}

	if err := models.LoadModel(context.Background(), &MockLoader{res: res}); err != nil {
		t.Fatalf("LoadModel failed: %v", err)
	}
	if !models.IsReady() || models.GetCurrentModel() != "mock" {
		t.Errorf("Unexpected state %s / %q", models.GetLoadingStatus(), models.GetCurrentModel())
	}
	if err := models.LoadModel(context.Background(), &MockLoader{res: res}); !errors.Is(err, ErrAlreadyLoaded) {
		t.Errorf("Expected ErrAlreadyLoaded, got %v", err)
	}
}

func TestModelService_LoadFailure(t *testing.T) {
	models := NewModelService()
	loadErr := errors.New("weights missing")

	if err := models.LoadModel(context.Background(), &MockLoader{err: loadErr}); !errors.Is(err, loadErr) {
		t.Fatalf("Expected load error, got %v", err)
	}
	if models.GetLoadingStatus() != StatusFailed {
		t.Errorf("Expected failed, got %s", models.GetLoadingStatus())
	}
	if !errors.Is(models.GetLoadingError(), loadErr) {
		t.Errorf("Expected stored error, got %v", models.GetLoadingError())
	}
}

func TestModelService_CloseWakesWaiters(t *testing.T) {
	res, _ := newMockResources(2)
	models := NewModelService()
	_ = models.LoadModel(context.Background(), &MockLoader{res: res})

	lease, err := models.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := models.Acquire(context.Background())
		errCh <- err
	}()
	for models.LockStats().Waiters == 0 {
		time.Sleep(time.Millisecond)
	}

	models.Close()
	if err := <-errCh; err == nil {
		t.Error("Queued Acquire should fail after Close")
	}
	lease.Release()
	lease.Release()
}
