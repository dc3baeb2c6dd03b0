package engine

import (
	"errors"
	"math"
	"math/rand"
	"sort"
)

// SamplerConfig configures token selection.
type SamplerConfig struct {
	Seed        int64
	Temperature float64 // <= 0 means greedy
	TopP        float64 // 0 or >= 1 disables nucleus filtering
}

// Sampler picks the next token from a score vector. It is stateful (the
// random source advances) and must not be shared across goroutines.
type Sampler struct {
	cfg    SamplerConfig
	rng    *rand.Rand
	greedy bool

	idx  []int
	prob []float64
}

// NewSampler returns a seeded sampler.
func NewSampler(cfg SamplerConfig) *Sampler {
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	return &Sampler{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		greedy: cfg.Temperature <= 0,
	}
}

// Sample implements domain.Sampler.
func (s *Sampler) Sample(scores []float32) (uint32, error) {
	if len(scores) == 0 {
		return 0, errors.New("empty score vector")
	}
	if s.greedy {
		return uint32(argmax(scores)), nil
	}

	n := len(scores)
	if cap(s.prob) < n {
		s.prob = make([]float64, n)
		s.idx = make([]int, n)
	}
	prob := s.prob[:n]
	idx := s.idx[:n]

	maxv := float64(scores[argmax(scores)])
	var sum float64
	for i, v := range scores {
		e := math.Exp((float64(v) - maxv) / s.cfg.Temperature)
		prob[i] = e
		idx[i] = i
		sum += e
	}
	if sum == 0 || math.IsNaN(sum) {
		return 0, errors.New("degenerate score distribution")
	}

	keep := n
	if s.cfg.TopP < 1 {
		sort.Slice(idx, func(a, b int) bool { return prob[idx[a]] > prob[idx[b]] })
		var cum float64
		for i, id := range idx {
			cum += prob[id] / sum
			if cum >= s.cfg.TopP {
				keep = i + 1
				break
			}
		}
		sum = 0
		for _, id := range idx[:keep] {
			sum += prob[id]
		}
	}

	r := s.rng.Float64() * sum
	for _, id := range idx[:keep] {
		r -= prob[id]
		if r <= 0 {
			return uint32(id), nil
		}
	}
	return uint32(idx[keep-1]), nil
}

func argmax(v []float32) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}
