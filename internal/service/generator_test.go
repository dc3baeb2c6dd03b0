package service

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"caption-server/internal/domain"
)

func noDelay(maxSteps int) GenerationConfig {
	return GenerationConfig{MaxSteps: maxSteps}
}

func TestGenerator_StopsOnEOS(t *testing.T) {
	res, model := newMockResources(5, 9, 2)
	g := NewGenerator(noDelay(1000))
	rec := &recorder{}

	result, err := g.Run(context.Background(), res, []byte("img"), rec.emit)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if model.Decodes() != 3 {
		t.Errorf("Expected exactly 3 decode steps, got %d", model.Decodes())
	}
	if !result.StoppedOnEOS {
		t.Error("Expected StoppedOnEOS")
	}
	if want := []uint32{5, 9, 2}; !reflect.DeepEqual(result.Tokens, want) {
		t.Errorf("Expected tokens %v, got %v", want, result.Tokens)
	}

	// Whole sequence on step 0, newest token only afterwards
	wantWindows := [][]uint32{{testStartToken}, {5}, {9}}
	if !reflect.DeepEqual(model.windows, wantWindows) {
		t.Errorf("Expected windows %v, got %v", wantWindows, model.windows)
	}
	if want := []int{0, 1, 2}; !reflect.DeepEqual(model.offsets, want) {
		t.Errorf("Expected offsets %v, got %v", want, model.offsets)
	}
}

func TestGenerator_StopsAtCap(t *testing.T) {
	tests := []struct {
		name     string
		maxSteps int
		want     int
	}{
		{"stock cap", 1000, 1000},
		{"tuned cap", 17, 17},
		{"non-positive falls back to stock", 0, DefaultMaxSteps},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, model := newMockResources(7)
			g := NewGenerator(noDelay(tt.maxSteps))

			result, err := g.Run(context.Background(), res, []byte("img"), (&recorder{}).emit)
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			if model.Decodes() != tt.want {
				t.Errorf("Expected %d decode steps, got %d", tt.want, model.Decodes())
			}
			if result.StoppedOnEOS {
				t.Error("Loop must not report EOS when it hit the cap")
			}
		})
	}
}

func TestGenerator_EventOrder(t *testing.T) {
	res, _ := newMockResources(4, 6, 2)
	g := NewGenerator(noDelay(1000))
	rec := &recorder{}

	if _, err := g.Run(context.Background(), res, []byte("img"), rec.emit); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := []string{
		domain.StatusGenerating,
		domain.StatusEncoded,
		"token:t4",
		"token:t6",
		domain.StatusDone,
	}
	if got := rec.texts(); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected events %v, got %v", want, got)
	}
}

func TestGenerator_FlushesBufferedText(t *testing.T) {
	res, _ := newMockResources(4, 3, 2)
	res.Tokenizer = &MockTokenizer{eos: testEOSToken, buffered: true}
	g := NewGenerator(noDelay(1000))
	rec := &recorder{}

	result, err := g.Run(context.Background(), res, []byte("img"), rec.emit)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := []string{
		domain.StatusGenerating,
		domain.StatusEncoded,
		"token:t4",
		"token:t3",
		domain.StatusDone,
	}
	if got := rec.texts(); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected events %v, got %v", want, got)
	}
	if result.Caption != "t4t3" {
		t.Errorf("Expected caption t4t3, got %q", result.Caption)
	}
}

func TestGenerator_EmitCaption(t *testing.T) {
	res, _ := newMockResources(4, 6, 2)
	g := NewGenerator(GenerationConfig{MaxSteps: 1000, EmitCaption: true})
	rec := &recorder{}

	if _, err := g.Run(context.Background(), res, []byte("img"), rec.emit); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got := rec.texts()
	if len(got) < 2 || got[len(got)-2] != "t4t6" || got[len(got)-1] != domain.StatusDone {
		t.Errorf("Expected caption status before Done, got %v", got)
	}
}

func TestGenerator_CollaboratorErrors(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(res *domain.ModelResources, model *MockModel)
		wantStage string
		wantSteps int
	}{
		{
			name: "malformed image",
			setup: func(res *domain.ModelResources, _ *MockModel) {
				res.Preprocessor = &MockPreprocessor{err: errors.New("unknown format")}
			},
			wantStage: "load image",
		},
		{
			name: "encode failure",
			setup: func(_ *domain.ModelResources, model *MockModel) {
				model.encodeErr = errors.New("encoder exploded")
			},
			wantStage: "encode",
		},
		{
			name: "decode failure mid-loop",
			setup: func(_ *domain.ModelResources, model *MockModel) {
				model.failAt = 2
			},
			wantStage: "decode step 2",
			wantSteps: 2,
		},
		{
			name: "sampler failure",
			setup: func(res *domain.ModelResources, _ *MockModel) {
				res.Sampler = &MockSampler{err: errors.New("nan scores")}
			},
			wantStage: "sample step 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, model := newMockResources(7)
			tt.setup(res, model)
			g := NewGenerator(noDelay(1000))
			rec := &recorder{}

			result, err := g.Run(context.Background(), res, []byte("img"), rec.emit)

			var collab *CollaboratorError
			if !errors.As(err, &collab) {
				t.Fatalf("Expected CollaboratorError, got %v", err)
			}
			if collab.Stage != tt.wantStage {
				t.Errorf("Expected stage %q, got %q", tt.wantStage, collab.Stage)
			}
			if result.Steps != tt.wantSteps {
				t.Errorf("Expected %d steps, got %d", tt.wantSteps, result.Steps)
			}

			got := rec.texts()
			if len(got) < 2 {
				t.Fatalf("Expected error status and Done, got %v", got)
			}
			if !strings.HasPrefix(got[len(got)-2], "Error: "+tt.wantStage) {
				t.Errorf("Expected error status for %q, got %q", tt.wantStage, got[len(got)-2])
			}
			if got[len(got)-1] != domain.StatusDone {
				t.Errorf("Expected Done last, got %q", got[len(got)-1])
			}
			if model.Cached() != 0 {
				t.Errorf("Model state not reset after failure: %d cached", model.Cached())
			}
		})
	}
}

func TestGenerator_ConsumerGone(t *testing.T) {
	res, model := newMockResources(7)
	g := NewGenerator(noDelay(1000))
	rec := &recorder{limit: 4} // statuses plus two tokens, then the pipe breaks

	_, err := g.Run(context.Background(), res, []byte("img"), rec.emit)
	if !errors.Is(err, ErrConsumerGone) {
		t.Fatalf("Expected ErrConsumerGone, got %v", err)
	}

	if model.Decodes() != 3 {
		t.Errorf("Expected loop to stop at the failed send (3 decodes), got %d", model.Decodes())
	}
	if got := rec.texts(); len(got) != 4 {
		t.Errorf("Nothing may be delivered after the consumer left, got %v", got)
	}
	if model.Cached() != 0 {
		t.Error("Model state not reset after disconnect")
	}
}

func TestGenerator_ContextCancelled(t *testing.T) {
	res, model := newMockResources(7)
	g := NewGenerator(noDelay(1000))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Run(ctx, res, []byte("img"), (&recorder{}).emit)
	if !errors.Is(err, ErrConsumerGone) {
		t.Fatalf("Expected ErrConsumerGone, got %v", err)
	}
	if model.Decodes() != 0 {
		t.Errorf("Expected no decode steps after cancellation, got %d", model.Decodes())
	}
}

func TestGenerator_ResetsTokenizer(t *testing.T) {
	res, _ := newMockResources(3, 2)
	tok := &MockTokenizer{eos: testEOSToken, buffered: true}
	res.Tokenizer = tok
	g := NewGenerator(noDelay(1))

	if _, err := g.Run(context.Background(), res, []byte("img"), (&recorder{}).emit); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if tok.pending != "" {
		t.Errorf("Tokenizer still holds %q after run", tok.pending)
	}
	if tok.resets.Load() < 2 {
		t.Errorf("Expected reset before and after the run, got %d", tok.resets.Load())
	}
}
