package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"caption-server/internal/domain"
)

// MockPreprocessor accepts any non-empty input.
type MockPreprocessor struct {
	err error
}

func (p *MockPreprocessor) Normalize(raw []byte) (*domain.Image, error) {
	if p.err != nil {
		return nil, p.err
	}
	if len(raw) == 0 {
		return nil, errors.New("empty image")
	}
	return &domain.Image{Channels: 1, Height: 1, Width: 1, Pixels: []float32{0}}, nil
}

// MockModel records decode calls and enforces cache continuity: a step's
// offset must match the number of positions already cached, so a missing
// reset surfaces as an error on the next request.
type MockModel struct {
	mu        sync.Mutex
	cached    int
	windows   [][]uint32
	offsets   []int
	resets    int
	encodeErr error
	failAt    int // decode call index that fails, -1 for never
	decodes   int
	hold      time.Duration

	active    atomic.Int32
	maxActive atomic.Int32
}

func NewMockModel() *MockModel {
	return &MockModel{failAt: -1}
}

func (m *MockModel) enter() func() {
	n := m.active.Add(1)
	for {
		cur := m.maxActive.Load()
		if n <= cur || m.maxActive.CompareAndSwap(cur, n) {
			break
		}
	}
	return func() { m.active.Add(-1) }
}

func (m *MockModel) Encode(ctx context.Context, img *domain.Image) (*domain.EncodedContext, error) {
	defer m.enter()()
	if m.encodeErr != nil {
		return nil, m.encodeErr
	}
	return &domain.EncodedContext{States: [][]float32{{1}}}, nil
}

func (m *MockModel) DecodeStep(tokens []uint32, enc *domain.EncodedContext, offset int) ([]float32, error) {
	defer m.enter()()
	if m.hold > 0 {
		time.Sleep(m.hold)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	call := m.decodes
	m.decodes++
	m.windows = append(m.windows, append([]uint32(nil), tokens...))
	m.offsets = append(m.offsets, offset)

	if offset != m.cached {
		return nil, fmt.Errorf("offset %d does not match cache length %d", offset, m.cached)
	}
	if call == m.failAt {
		return nil, errors.New("numeric failure")
	}
	m.cached += len(tokens)
	return []float32{0, 0, 0}, nil
}

func (m *MockModel) ResetState() {
	m.mu.Lock()
	m.cached = 0
	m.resets++
	m.mu.Unlock()
}

func (m *MockModel) Decodes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.decodes
}

func (m *MockModel) Cached() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cached
}

// MockSampler replays a fixed id sequence, cycling when it runs out.
type MockSampler struct {
	mu  sync.Mutex
	seq []uint32
	pos int
	err error
}

func (s *MockSampler) Sample(scores []float32) (uint32, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.seq[s.pos%len(s.seq)]
	s.pos++
	return id, nil
}

// MockTokenizer maps every id except eos to "t<id>". When buffered is set,
// odd ids are held back and released with the following token or by Flush.
type MockTokenizer struct {
	eos      uint32
	buffered bool
	pending  string
	resets   atomic.Int32
}

func (t *MockTokenizer) Next(id uint32) (string, bool, error) {
	if id == t.eos {
		return "", false, nil
	}
	piece := fmt.Sprintf("t%d", id)
	if t.buffered && id%2 == 1 {
		t.pending += piece
		return "", false, nil
	}
	out := t.pending + piece
	t.pending = ""
	return out, true, nil
}

func (t *MockTokenizer) Flush() (string, bool, error) {
	if t.pending == "" {
		return "", false, nil
	}
	out := t.pending
	t.pending = ""
	return out, true, nil
}

func (t *MockTokenizer) Reset() {
	t.pending = ""
	t.resets.Add(1)
}

const (
	testStartToken = 2
	testEOSToken   = 2
)

func newMockResources(seq ...uint32) (*domain.ModelResources, *MockModel) {
	model := NewMockModel()
	return &domain.ModelResources{
		Name:         "mock",
		Preprocessor: &MockPreprocessor{},
		Model:        model,
		Sampler:      &MockSampler{seq: seq},
		Tokenizer:    &MockTokenizer{eos: testEOSToken},
		StartTokenID: testStartToken,
		EOSTokenID:   testEOSToken,
	}, model
}

// MockLoader hands out prebuilt resources.
type MockLoader struct {
	res *domain.ModelResources
	err error
}

func (l *MockLoader) Load(ctx context.Context) (*domain.ModelResources, error) {
	return l.res, l.err
}

// recorder collects emitted events and can simulate a consumer that leaves
// after a number of events.
type recorder struct {
	mu     sync.Mutex
	events []domain.Event
	limit  int // 0 means unlimited
}

func (r *recorder) emit(ev domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.limit > 0 && len(r.events) >= r.limit {
		return errors.New("broken pipe")
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		if ev.Kind == domain.EventToken {
			out[i] = "token:" + ev.Text
		} else {
			out[i] = ev.Text
		}
	}
	return out
}
