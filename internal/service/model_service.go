package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"caption-server/internal/domain"
	"caption-server/internal/queue"
)

// LoadingStatus tracks the model loading state for startup checks
type LoadingStatus int32

const (
	StatusIdle    LoadingStatus = 0
	StatusLoading LoadingStatus = 1
	StatusReady   LoadingStatus = 2
	StatusFailed  LoadingStatus = 3
)

func (s LoadingStatus) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusReady:
		return "ready"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrAlreadyLoaded is returned by a second LoadModel call.
var ErrAlreadyLoaded = errors.New("model already loaded")

// ModelService owns the process-wide ModelResources and the lock that
// guards them. Resources are loaded once and are only reachable through a
// Lease.
type ModelService struct {
	lock *queue.ResourceLock

	mu        sync.RWMutex
	resources *domain.ModelResources
	loadedAt  time.Time
	loadTime  time.Duration

	// Atomic status for non-blocking startup check
	loadingStatus atomic.Int32
	loadingError  atomic.Value // stores error
}

func NewModelService() *ModelService {
	return &ModelService{
		lock: queue.NewResourceLock(),
	}
}

// LoadModel builds the resources with loader. It may succeed only once per
// process; a failure leaves the service in StatusFailed.
func (s *ModelService) LoadModel(ctx context.Context, loader domain.ResourceLoader) error {
	if !s.loadingStatus.CompareAndSwap(int32(StatusIdle), int32(StatusLoading)) &&
		!s.loadingStatus.CompareAndSwap(int32(StatusFailed), int32(StatusLoading)) {
		return ErrAlreadyLoaded
	}
	s.loadingError.Store(errBox{})

	start := time.Now()
	res, err := loader.Load(ctx)
	if err == nil && res == nil {
		err = errors.New("loader returned no resources")
	}
	if err != nil {
		s.loadingError.Store(errBox{err})
		s.loadingStatus.Store(int32(StatusFailed))
		return err
	}

	s.mu.Lock()
	s.resources = res
	s.loadedAt = time.Now()
	s.loadTime = s.loadedAt.Sub(start)
	s.mu.Unlock()

	s.loadingStatus.Store(int32(StatusReady))
	slog.Info("model loaded",
		slog.String("model", res.Name),
		slog.Duration("load_time", s.loadTime),
	)
	return nil
}

// Acquire waits in line for exclusive use of the model. The lease must be
// released; releasing it wakes the next waiter.
func (s *ModelService) Acquire(ctx context.Context) (*Lease, error) {
	s.mu.RLock()
	res := s.resources
	s.mu.RUnlock()
	if res == nil {
		return nil, domain.ErrModelNotLoaded("no model loaded")
	}

	h, err := s.lock.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &Lease{handle: h, resources: res}, nil
}

// Close rejects new leases and wakes every queued caller.
func (s *ModelService) Close() {
	s.lock.Close()
}

// LockStats reports queueing on the model lock.
func (s *ModelService) LockStats() queue.LockStats {
	return s.lock.Stats()
}

// GetCurrentModel returns the loaded model's name, or "" before loading.
func (s *ModelService) GetCurrentModel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.resources == nil {
		return ""
	}
	return s.resources.Name
}

// LoadedAt returns when loading finished and how long it took.
func (s *ModelService) LoadedAt() (time.Time, time.Duration) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadedAt, s.loadTime
}

// GetLoadingStatus returns the current loading status for startup checks.
func (s *ModelService) GetLoadingStatus() LoadingStatus {
	return LoadingStatus(s.loadingStatus.Load())
}

// GetLoadingError returns the last loading error, if any.
func (s *ModelService) GetLoadingError() error {
	if b, ok := s.loadingError.Load().(errBox); ok {
		return b.err
	}
	return nil
}

// IsReady returns true once resources are available.
func (s *ModelService) IsReady() bool {
	return s.GetLoadingStatus() == StatusReady
}

// errBox lets atomic.Value hold a nil error.
type errBox struct{ err error }

// Lease is exclusive access to the model resources.
type Lease struct {
	handle    *queue.Handle
	resources *domain.ModelResources
}

// Resources returns the guarded resources. Do not retain them past Release.
func (l *Lease) Resources() *domain.ModelResources {
	return l.resources
}

// Waited is how long the lease holder queued for the lock.
func (l *Lease) Waited() time.Duration {
	return l.handle.Waited
}

// Release hands the model to the next waiter. Safe to call more than once.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.handle.Release()
}
