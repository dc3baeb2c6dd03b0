package engine

import "testing"

func TestSampler_Greedy(t *testing.T) {
	s := NewSampler(SamplerConfig{Seed: 1337})

	tests := []struct {
		name   string
		scores []float32
		want   uint32
	}{
		{"first", []float32{3, 1, 2}, 0},
		{"last", []float32{-1, -2, 5}, 2},
		{"ties pick lowest id", []float32{1, 4, 4}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Sample(tt.scores)
			if err != nil {
				t.Fatalf("Sample failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, got)
			}
		})
	}

	if _, err := s.Sample(nil); err == nil {
		t.Error("Expected error for empty scores")
	}
}

func TestSampler_SeededIsDeterministic(t *testing.T) {
	scores := []float32{1, 1.2, 0.8, 1.1, 0.9}
	a := NewSampler(SamplerConfig{Seed: 42, Temperature: 1})
	b := NewSampler(SamplerConfig{Seed: 42, Temperature: 1})

	seen := map[uint32]bool{}
	for i := 0; i < 50; i++ {
		x, err := a.Sample(scores)
		if err != nil {
			t.Fatal(err)
		}
		y, _ := b.Sample(scores)
		if x != y {
			t.Fatalf("draw %d differs: %d vs %d", i, x, y)
		}
		seen[x] = true
	}
	if len(seen) < 2 {
		t.Error("Temperature sampling should not collapse to a single id")
	}
}

func TestSampler_TopPKeepsHead(t *testing.T) {
	s := NewSampler(SamplerConfig{Seed: 7, Temperature: 1, TopP: 0.5})
	scores := []float32{0, 10, 0, 0} // id 1 holds almost all mass

	for i := 0; i < 20; i++ {
		got, err := s.Sample(scores)
		if err != nil {
			t.Fatal(err)
		}
		if got != 1 {
			t.Fatalf("Expected nucleus to keep only id 1, got %d", got)
		}
	}
}
