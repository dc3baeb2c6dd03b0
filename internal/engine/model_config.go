package engine

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
)

// EncoderConfig describes the ViT image encoder.
type EncoderConfig struct {
	HiddenSize        int     `json:"hidden_size"`
	NumHiddenLayers   int     `json:"num_hidden_layers"`
	NumAttentionHeads int     `json:"num_attention_heads"`
	IntermediateSize  int     `json:"intermediate_size"`
	HiddenAct         string  `json:"hidden_act"`
	LayerNormEps      float32 `json:"layer_norm_eps"`
	ImageSize         int     `json:"image_size"`
	PatchSize         int     `json:"patch_size"`
	NumChannels       int     `json:"num_channels"`
	QKVBias           *bool   `json:"qkv_bias"`
}

// Patches returns the number of image patches, excluding the class token.
func (c EncoderConfig) Patches() int {
	side := c.ImageSize / c.PatchSize
	return side * side
}

// DecoderConfig describes the autoregressive text decoder.
type DecoderConfig struct {
	DModel                       int    `json:"d_model"`
	DecoderLayers                int    `json:"decoder_layers"`
	DecoderAttentionHeads        int    `json:"decoder_attention_heads"`
	DecoderFFNDim                int    `json:"decoder_ffn_dim"`
	ActivationFunction           string `json:"activation_function"`
	MaxPositionEmbeddings        int    `json:"max_position_embeddings"`
	VocabSize                    int    `json:"vocab_size"`
	LayernormEmbedding           bool   `json:"layernorm_embedding"`
	ScaleEmbedding               bool   `json:"scale_embedding"`
	UseLearnedPositionEmbeddings *bool  `json:"use_learned_position_embeddings"`
	TieWordEmbeddings            bool   `json:"tie_word_embeddings"`
	DecoderStartTokenID          *int   `json:"decoder_start_token_id"`
	EOSTokenID                   *int   `json:"eos_token_id"`
	PadTokenID                   *int   `json:"pad_token_id"`
}

// ModelConfig is the vision encoder-decoder config.json.
type ModelConfig struct {
	Encoder             EncoderConfig `json:"encoder"`
	Decoder             DecoderConfig `json:"decoder"`
	DecoderStartTokenID *int          `json:"decoder_start_token_id"`
	EOS                 *int          `json:"eos_token_id"`
}

// positionOffset is the learned position table's reserved prefix.
const positionOffset = 2

const (
	defaultStartTokenID = 2
	defaultEOSTokenID   = 2
)

// ParseModelConfig reads config.json and fills defaults.
func ParseModelConfig(data []byte) (ModelConfig, error) {
	var cfg ModelConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse model config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

func (c *ModelConfig) applyDefaults() {
	if c.Encoder.LayerNormEps == 0 {
		c.Encoder.LayerNormEps = 1e-12
	}
	if c.Encoder.NumChannels == 0 {
		c.Encoder.NumChannels = 3
	}
	if c.Encoder.ImageSize == 0 {
		c.Encoder.ImageSize = 384
	}
	if c.Encoder.PatchSize == 0 {
		c.Encoder.PatchSize = 16
	}
	if c.Encoder.QKVBias == nil {
		t := true
		c.Encoder.QKVBias = &t
	}
}

// Validate checks that the dimensions are usable.
func (c ModelConfig) Validate() error {
	e, d := c.Encoder, c.Decoder
	switch {
	case e.HiddenSize <= 0 || e.NumHiddenLayers <= 0 || e.IntermediateSize <= 0:
		return errors.New("model config: encoder dimensions missing")
	case e.NumAttentionHeads <= 0 || e.HiddenSize%e.NumAttentionHeads != 0:
		return fmt.Errorf("model config: encoder hidden size %d not divisible by %d heads", e.HiddenSize, e.NumAttentionHeads)
	case e.ImageSize%e.PatchSize != 0:
		return fmt.Errorf("model config: image size %d not divisible by patch size %d", e.ImageSize, e.PatchSize)
	case d.DModel <= 0 || d.DecoderLayers <= 0 || d.DecoderFFNDim <= 0 || d.VocabSize <= 0:
		return errors.New("model config: decoder dimensions missing")
	case d.DecoderAttentionHeads <= 0 || d.DModel%d.DecoderAttentionHeads != 0:
		return fmt.Errorf("model config: decoder width %d not divisible by %d heads", d.DModel, d.DecoderAttentionHeads)
	case d.MaxPositionEmbeddings <= 0:
		return errors.New("model config: max_position_embeddings missing")
	case d.UseLearnedPositionEmbeddings != nil && !*d.UseLearnedPositionEmbeddings:
		return errors.New("model config: sinusoidal decoder positions are not supported")
	}
	if _, err := activationByName(e.HiddenAct); err != nil {
		return fmt.Errorf("model config: encoder: %w", err)
	}
	if _, err := activationByName(d.ActivationFunction); err != nil {
		return fmt.Errorf("model config: decoder: %w", err)
	}
	return nil
}

// StartTokenID is the id that seeds every sequence.
func (c ModelConfig) StartTokenID() uint32 {
	return uint32(firstSet(defaultStartTokenID, c.DecoderStartTokenID, c.Decoder.DecoderStartTokenID))
}

// EOSTokenID is the id that ends generation.
func (c ModelConfig) EOSTokenID() uint32 {
	return uint32(firstSet(defaultEOSTokenID, c.EOS, c.Decoder.EOSTokenID))
}

func firstSet(fallback int, vals ...*int) int {
	for _, v := range vals {
		if v != nil && *v >= 0 {
			return *v
		}
	}
	return fallback
}
