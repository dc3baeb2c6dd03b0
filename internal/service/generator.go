package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"caption-server/internal/domain"
)

const (
	// DefaultMaxSteps bounds the decode loop.
	DefaultMaxSteps = 1000
	// DefaultStepDelay paces event delivery between decode steps.
	DefaultStepDelay = time.Millisecond
)

// ErrConsumerGone is returned when an event could not be delivered because
// the reader of the stream went away. Nothing more is sent after it.
var ErrConsumerGone = errors.New("event consumer gone")

// EmitFunc delivers one event to the stream consumer.
type EmitFunc func(domain.Event) error

// GenerationConfig bounds one generation run.
type GenerationConfig struct {
	MaxSteps    int
	StepDelay   time.Duration
	EmitCaption bool
}

// DefaultGenerationConfig returns the stock loop bounds.
func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		MaxSteps:  DefaultMaxSteps,
		StepDelay: DefaultStepDelay,
	}
}

// GenerationResult describes how a run ended.
type GenerationResult struct {
	Steps        int
	Tokens       []uint32 // sampled ids, start token excluded
	Caption      string
	StoppedOnEOS bool
}

// CollaboratorError is a model, preprocessing or tokenizer failure. It has
// already been reported on the stream when Run returns it.
type CollaboratorError struct {
	Stage string
	Err   error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *CollaboratorError) Unwrap() error {
	return e.Err
}

// Generator drives the autoregressive decode loop against a ModelResources
// the caller holds exclusively.
type Generator struct {
	cfg    GenerationConfig
	tracer trace.Tracer
}

// NewGenerator creates a generator. A non-positive MaxSteps falls back to
// DefaultMaxSteps so the loop is always bounded.
func NewGenerator(cfg GenerationConfig) *Generator {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.StepDelay < 0 {
		cfg.StepDelay = 0
	}
	return &Generator{
		cfg:    cfg,
		tracer: otel.Tracer("caption-server/generator"),
	}
}

// Config returns the effective loop bounds.
func (g *Generator) Config() GenerationConfig {
	return g.cfg
}

// Run captions one image. The model state is reset before the first step
// and again before Run returns, on every path.
//
// Collaborator failures are sent as an error status followed by "Done" and
// returned as *CollaboratorError. If the consumer disappears, Run stops
// without sending anything further and returns an error wrapping
// ErrConsumerGone.
func (g *Generator) Run(ctx context.Context, res *domain.ModelResources, raw []byte, emit EmitFunc) (GenerationResult, error) {
	ctx, span := g.tracer.Start(ctx, "caption.generate",
		trace.WithAttributes(
			attribute.String("model.name", res.Name),
			attribute.Int("image.bytes", len(raw)),
		))
	defer span.End()

	res.Reset()
	defer res.Reset()

	send := func(ev domain.Event) error {
		if err := emit(ev); err != nil {
			return fmt.Errorf("%w: %w", ErrConsumerGone, err)
		}
		return nil
	}

	result, err := g.generate(ctx, res, raw, send)

	// Clean slate before the terminal events, whatever happened above.
	res.Reset()

	span.SetAttributes(
		attribute.Int("generation.steps", result.Steps),
		attribute.Bool("generation.eos", result.StoppedOnEOS),
	)

	if errors.Is(err, ErrConsumerGone) {
		span.SetStatus(codes.Error, "consumer gone")
		return result, err
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Warn("generation failed",
			slog.String("model", res.Name),
			slog.Int("steps", result.Steps),
			slog.String("error", err.Error()),
		)
		if sendErr := send(domain.StatusError(err)); sendErr != nil {
			return result, sendErr
		}
	} else {
		slog.Info("generation finished",
			slog.String("model", res.Name),
			slog.Int("steps", result.Steps),
			slog.Bool("eos", result.StoppedOnEOS),
			slog.String("caption", result.Caption),
		)
		if g.cfg.EmitCaption {
			if sendErr := send(domain.Status(result.Caption)); sendErr != nil {
				return result, sendErr
			}
		}
	}

	if sendErr := send(domain.Status(domain.StatusDone)); sendErr != nil {
		return result, sendErr
	}
	return result, err
}

func (g *Generator) generate(ctx context.Context, res *domain.ModelResources, raw []byte, send EmitFunc) (GenerationResult, error) {
	var result GenerationResult

	img, err := res.Preprocessor.Normalize(raw)
	if err != nil {
		return result, &CollaboratorError{Stage: "load image", Err: err}
	}

	if err := send(domain.Status(domain.StatusGenerating)); err != nil {
		return result, err
	}

	enc, err := res.Model.Encode(ctx, img)
	if err != nil {
		if ctx.Err() != nil {
			return result, fmt.Errorf("%w: %w", ErrConsumerGone, context.Cause(ctx))
		}
		return result, &CollaboratorError{Stage: "encode", Err: err}
	}

	if err := send(domain.Status(domain.StatusEncoded)); err != nil {
		return result, err
	}

	tokens := make([]uint32, 1, 64)
	tokens[0] = res.StartTokenID

	var caption strings.Builder
	for step := 0; step < g.cfg.MaxSteps; step++ {
		if ctx.Err() != nil {
			return result, fmt.Errorf("%w: %w", ErrConsumerGone, context.Cause(ctx))
		}

		// Full history on the first step, then only the newest token; the
		// model keeps the rest in its cache.
		window := 1
		if step == 0 {
			window = len(tokens)
		}
		offset := len(tokens) - window

		scores, err := res.Model.DecodeStep(tokens[offset:], enc, offset)
		if err != nil {
			return result, &CollaboratorError{Stage: fmt.Sprintf("decode step %d", step), Err: err}
		}

		next, err := res.Sampler.Sample(scores)
		if err != nil {
			return result, &CollaboratorError{Stage: fmt.Sprintf("sample step %d", step), Err: err}
		}
		tokens = append(tokens, next)
		result.Steps++
		result.Tokens = tokens[1:]

		text, ok, err := res.Tokenizer.Next(next)
		if err != nil {
			return result, &CollaboratorError{Stage: "detokenize", Err: err}
		}
		if ok {
			caption.WriteString(text)
			result.Caption = caption.String()
			if err := send(domain.Token(text)); err != nil {
				return result, err
			}
		}

		if err := g.pause(ctx); err != nil {
			return result, err
		}

		if next == res.EOSTokenID {
			result.StoppedOnEOS = true
			break
		}
	}

	rest, ok, err := res.Tokenizer.Flush()
	if err != nil {
		return result, &CollaboratorError{Stage: "detokenize", Err: err}
	}
	if ok && rest != "" {
		caption.WriteString(rest)
		result.Caption = caption.String()
		if err := send(domain.Token(rest)); err != nil {
			return result, err
		}
	}

	return result, nil
}

func (g *Generator) pause(ctx context.Context) error {
	if g.cfg.StepDelay <= 0 {
		return nil
	}
	t := time.NewTimer(g.cfg.StepDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrConsumerGone, context.Cause(ctx))
	}
}
