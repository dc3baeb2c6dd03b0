package domain

import "context"

// Preprocessor turns raw upload bytes into the encoder's input representation.
type Preprocessor interface {
	Normalize(raw []byte) (*Image, error)
}

// Model is the stateful encoder/decoder. DecodeStep keeps cached
// intermediate state between calls; ResetState discards it.
type Model interface {
	Encode(ctx context.Context, img *Image) (*EncodedContext, error)
	DecodeStep(tokens []uint32, enc *EncodedContext, offset int) ([]float32, error)
	ResetState()
}

// Sampler picks the next token id from a score distribution.
type Sampler interface {
	Sample(scores []float32) (uint32, error)
}

// TokenStream is the incremental tokenizer decoder. Next may buffer partial
// sub-word pieces and report ok=false until a printable fragment is ready.
type TokenStream interface {
	Next(id uint32) (text string, ok bool, err error)
	Flush() (text string, ok bool, err error)
	Reset()
}

// ModelResources owns everything a generation mutates. It lives for the
// whole process and must only be touched while holding the resource lock.
type ModelResources struct {
	Name         string
	Preprocessor Preprocessor
	Model        Model
	Sampler      Sampler
	Tokenizer    TokenStream

	StartTokenID uint32
	EOSTokenID   uint32
}

// Reset returns the model and tokenizer stream to a clean state.
func (r *ModelResources) Reset() {
	if r.Model != nil {
		r.Model.ResetState()
	}
	if r.Tokenizer != nil {
		r.Tokenizer.Reset()
	}
}

// ResourceLoader builds the process-wide ModelResources once at startup.
type ResourceLoader interface {
	Load(ctx context.Context) (*ModelResources, error)
}
