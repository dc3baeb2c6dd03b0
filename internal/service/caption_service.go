package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"caption-server/internal/domain"
	"caption-server/internal/stream"
)

// CaptionService runs one background generation task per upload and hands
// the caller the event stream for it.
type CaptionService struct {
	models    *ModelService
	generator *Generator
	buffer    int

	tasks sync.WaitGroup

	totalRequests  atomic.Int64
	rejected       atomic.Int64
	active         atomic.Int64
	completed      atomic.Int64
	failed         atomic.Int64
	cancelled      atomic.Int64
	tokensProduced atomic.Int64
	decodeSteps    atomic.Int64
}

// NewCaptionService wires the generator to the model owner. buffer is the
// per-request event channel capacity.
func NewCaptionService(models *ModelService, cfg GenerationConfig, buffer int) *CaptionService {
	if buffer <= 0 {
		buffer = stream.DefaultCapacity
	}
	return &CaptionService{
		models:    models,
		generator: NewGenerator(cfg),
		buffer:    buffer,
	}
}

// Start spawns the generation task for image and returns its event stream.
// The task lives no longer than ctx, which should end when the stream's
// reader does. The channel is closed exactly once, when the task returns.
func (s *CaptionService) Start(ctx context.Context, image []byte) *stream.Channel {
	ch := stream.NewChannel(ctx, s.buffer)
	s.totalRequests.Add(1)
	s.tasks.Add(1)
	go s.run(ctx, ch, image, slog.With(slog.String("task_id", uuid.NewString())))
	return ch
}

// Reject records a request that never reached generation. The returned
// stream holds reason alone and is already closed.
func (s *CaptionService) Reject(ctx context.Context, reason domain.Event) *stream.Channel {
	s.totalRequests.Add(1)
	s.rejected.Add(1)

	ch := stream.NewChannel(ctx, 1)
	_ = ch.Send(reason)
	ch.Close()
	return ch
}

func (s *CaptionService) run(ctx context.Context, ch *stream.Channel, image []byte, log *slog.Logger) {
	defer s.tasks.Done()
	defer ch.Close()
	defer func() {
		if r := recover(); r != nil {
			s.failed.Add(1)
			log.Error("generation task panicked", slog.Any("panic", r))
			if ch.Send(domain.StatusError(fmt.Errorf("internal error: %v", r))) == nil {
				_ = ch.Send(domain.Status(domain.StatusDone))
			}
		}
	}()

	s.active.Add(1)
	defer s.active.Add(-1)
	log.Debug("generation task started", slog.Int("image_bytes", len(image)))

	if err := ch.Send(domain.Status(domain.StatusLoadingModel)); err != nil {
		s.cancelled.Add(1)
		return
	}

	lease, err := s.models.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			s.cancelled.Add(1)
			return
		}
		s.failed.Add(1)
		log.Error("model unavailable", slog.String("error", err.Error()))
		if ch.Send(domain.StatusError(err)) == nil {
			_ = ch.Send(domain.Status(domain.StatusDone))
		}
		return
	}
	defer lease.Release()

	log.Debug("model lease acquired", slog.Duration("waited", lease.Waited()))

	if err := ch.Send(domain.Status(domain.StatusLoadingImage)); err != nil {
		s.cancelled.Add(1)
		return
	}

	result, err := s.generator.Run(ctx, lease.Resources(), image, ch.Send)
	s.tokensProduced.Add(int64(len(result.Tokens)))
	s.decodeSteps.Add(int64(result.Steps))

	var collab *CollaboratorError
	switch {
	case err == nil:
		s.completed.Add(1)
		log.Debug("generation task finished", slog.Int("tokens", len(result.Tokens)))
	case errors.Is(err, ErrConsumerGone):
		s.cancelled.Add(1)
		log.Info("client went away, generation aborted", slog.Int("steps", result.Steps))
	case errors.As(err, &collab):
		s.failed.Add(1)
	default:
		s.failed.Add(1)
		log.Error("generation task failed", slog.String("error", err.Error()))
	}
}

// Wait blocks until every running task has finished or ctx is done.
func (s *CaptionService) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Metrics returns a snapshot of request and lock counters.
func (s *CaptionService) Metrics() domain.GenerationMetrics {
	lock := s.models.LockStats()
	return domain.GenerationMetrics{
		TotalRequests:        s.totalRequests.Load(),
		RejectedRequests:     s.rejected.Load(),
		ActiveGenerations:    s.active.Load(),
		CompletedRequests:    s.completed.Load(),
		FailedRequests:       s.failed.Load(),
		CancelledRequests:    s.cancelled.Load(),
		TotalTokensGenerated: s.tokensProduced.Load(),
		TotalDecodeSteps:     s.decodeSteps.Load(),
		LockWaiters:          lock.Waiters,
		LockAcquisitions:     lock.TotalAcquired,
		LockHeld:             lock.Held,
	}
}
