package engine

import (
	"context"
	"errors"
	"fmt"

	"caption-server/internal/domain"
)

// ErrOffsetMismatch means a decode step did not continue from the cached
// sequence, usually because state was not reset between requests.
var ErrOffsetMismatch = errors.New("decode offset does not match cached length")

// Captioner is an image-to-text encoder-decoder. It keeps per-sequence
// attention caches between DecodeStep calls and is not safe for concurrent
// use; callers serialize access.
type Captioner struct {
	cfg     ModelConfig
	encoder *vitEncoder
	decoder *textDecoder
	threads int

	selfCache []kvCache
	cross     []kvCache
	crossFor  *domain.EncodedContext
	cached    int
}

// NewCaptioner builds the model from src. threads bounds the parallelism of
// each matrix product.
func NewCaptioner(cfg ModelConfig, src WeightSource, threads int) (*Captioner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if threads < 1 {
		threads = 1
	}

	l := &weightLoader{src: src}
	enc := loadViT(l, cfg.Encoder)
	dec := loadTextDecoder(l, cfg.Decoder, cfg.Encoder.HiddenSize)
	if l.err != nil {
		return nil, fmt.Errorf("load weights: %w", l.err)
	}

	return &Captioner{
		cfg:       cfg,
		encoder:   enc,
		decoder:   dec,
		threads:   threads,
		selfCache: make([]kvCache, cfg.Decoder.DecoderLayers),
	}, nil
}

// Config returns the model configuration.
func (c *Captioner) Config() ModelConfig {
	return c.cfg
}

// Encode runs the image encoder once.
func (c *Captioner) Encode(ctx context.Context, img *domain.Image) (*domain.EncodedContext, error) {
	e := c.cfg.Encoder
	if img == nil || img.Channels != e.NumChannels || img.Height != e.ImageSize || img.Width != e.ImageSize {
		return nil, fmt.Errorf("encoder expects %dx%dx%d input", e.NumChannels, e.ImageSize, e.ImageSize)
	}
	if len(img.Pixels) != img.Channels*img.Height*img.Width {
		return nil, fmt.Errorf("image has %d values, want %d", len(img.Pixels), img.Channels*img.Height*img.Width)
	}

	out, err := c.encoder.forward(ctx, img, c.threads)
	if err != nil {
		return nil, err
	}

	states := make([][]float32, out.rows)
	for i := range states {
		states[i] = out.row(i)
	}
	return &domain.EncodedContext{States: states}, nil
}

// DecodeStep feeds tokens at position offset and returns next-token scores.
// offset must equal the number of positions already decoded since the last
// ResetState.
func (c *Captioner) DecodeStep(tokens []uint32, enc *domain.EncodedContext, offset int) ([]float32, error) {
	if len(tokens) == 0 {
		return nil, errors.New("decode step needs at least one token")
	}
	if offset != c.cached {
		return nil, fmt.Errorf("%w: offset %d, cached %d", ErrOffsetMismatch, offset, c.cached)
	}
	if enc.Len() == 0 {
		return nil, errors.New("empty encoder context")
	}

	if c.crossFor != enc {
		if c.cached != 0 {
			return nil, errors.New("encoder context changed mid-sequence")
		}
		c.cross = c.decoder.crossCache(contextMatrix(enc), c.threads)
		c.crossFor = enc
	}

	logits, err := c.decoder.forward(tokens, offset, c.selfCache, c.cross, c.threads)
	if err != nil {
		return nil, err
	}
	c.cached += len(tokens)
	return logits, nil
}

// ResetState drops all per-sequence caches.
func (c *Captioner) ResetState() {
	for i := range c.selfCache {
		c.selfCache[i] = kvCache{}
	}
	c.cross = nil
	c.crossFor = nil
	c.cached = 0
}

// CachedPositions is the number of positions held in the attention cache.
func (c *Captioner) CachedPositions() int {
	return c.cached
}

func contextMatrix(enc *domain.EncodedContext) *matrix {
	cols := len(enc.States[0])
	m := newMatrix(len(enc.States), cols)
	for i, s := range enc.States {
		copy(m.row(i), s)
	}
	return m
}
