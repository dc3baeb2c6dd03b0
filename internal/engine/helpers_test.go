package engine

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sort"
	"testing"

	json "github.com/goccy/go-json"
)

// mapSource serves tensors from memory.
type mapSource map[string][]float32

func (m mapSource) Tensor(name string) ([]float32, []int, error) {
	v, ok := m[name]
	if !ok {
		return nil, nil, fmt.Errorf("tensor not found: %s", name)
	}
	return v, []int{len(v)}, nil
}

const tinyConfigJSON = `{
  "encoder": {
    "hidden_size": 8, "num_hidden_layers": 1, "num_attention_heads": 2,
    "intermediate_size": 16, "hidden_act": "gelu", "layer_norm_eps": 1e-12,
    "image_size": 8, "patch_size": 4, "num_channels": 3
  },
  "decoder": {
    "d_model": 8, "decoder_layers": 2, "decoder_attention_heads": 2,
    "decoder_ffn_dim": 16, "activation_function": "gelu",
    "max_position_embeddings": 16, "vocab_size": 11,
    "layernorm_embedding": true, "scale_embedding": false,
    "use_learned_position_embeddings": true
  },
  "decoder_start_token_id": 2,
  "eos_token_id": 2
}`

func tinyConfig(t *testing.T) ModelConfig {
	t.Helper()
	cfg, err := ParseModelConfig([]byte(tinyConfigJSON))
	if err != nil {
		t.Fatalf("ParseModelConfig failed: %v", err)
	}
	return cfg
}

func tinyWeights(cfg ModelConfig) mapSource {
	rng := rand.New(rand.NewSource(7))
	src := mapSource{}
	add := func(name string, n int) {
		v := make([]float32, n)
		for i := range v {
			v[i] = float32(rng.NormFloat64() * 0.3)
		}
		src[name] = v
	}
	addLinear := func(prefix string, in, out int) {
		add(prefix+".weight", in*out)
		add(prefix+".bias", out)
	}
	addNorm := func(prefix string, dim int) {
		add(prefix+".weight", dim)
		add(prefix+".bias", dim)
		for i := range src[prefix+".weight"] {
			src[prefix+".weight"][i] += 1
		}
	}

	e := cfg.Encoder
	h, p := e.HiddenSize, e.PatchSize
	addLinear("encoder.embeddings.patch_embeddings.projection", e.NumChannels*p*p, h)
	add("encoder.embeddings.cls_token", h)
	add("encoder.embeddings.position_embeddings", (e.Patches()+1)*h)
	addNorm("encoder.layernorm", h)
	for i := 0; i < e.NumHiddenLayers; i++ {
		base := fmt.Sprintf("encoder.encoder.layer.%d", i)
		addLinear(base+".attention.attention.query", h, h)
		addLinear(base+".attention.attention.key", h, h)
		addLinear(base+".attention.attention.value", h, h)
		addLinear(base+".attention.output.dense", h, h)
		addLinear(base+".intermediate.dense", h, e.IntermediateSize)
		addLinear(base+".output.dense", e.IntermediateSize, h)
		addNorm(base+".layernorm_before", h)
		addNorm(base+".layernorm_after", h)
	}

	d := cfg.Decoder
	D := d.DModel
	add("decoder.model.decoder.embed_tokens.weight", d.VocabSize*D)
	add("decoder.model.decoder.embed_positions.weight", (d.MaxPositionEmbeddings+positionOffset)*D)
	addNorm("decoder.model.decoder.layernorm_embedding", D)
	for i := 0; i < d.DecoderLayers; i++ {
		base := fmt.Sprintf("decoder.model.decoder.layers.%d", i)
		for _, proj := range []string{"q_proj", "k_proj", "v_proj", "out_proj"} {
			addLinear(base+".self_attn."+proj, D, D)
		}
		addLinear(base+".encoder_attn.q_proj", D, D)
		addLinear(base+".encoder_attn.k_proj", h, D)
		addLinear(base+".encoder_attn.v_proj", h, D)
		addLinear(base+".encoder_attn.out_proj", D, D)
		addLinear(base+".fc1", D, d.DecoderFFNDim)
		addLinear(base+".fc2", d.DecoderFFNDim, D)
		addNorm(base+".self_attn_layer_norm", D)
		addNorm(base+".encoder_attn_layer_norm", D)
		addNorm(base+".final_layer_norm", D)
	}
	add("decoder.output_projection.weight", D*d.VocabSize)
	return src
}

// writeSafeTensors stores tensors as 1-D arrays in the given dtype.
func writeSafeTensors(t *testing.T, path string, tensors map[string][]float32, dtype string) {
	t.Helper()

	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	width := 4
	if dtype != "F32" {
		width = 2
	}

	header := map[string]any{"__metadata__": map[string]string{"format": "pt"}}
	var data []byte
	for _, name := range names {
		vals := tensors[name]
		start := len(data)
		for _, v := range vals {
			switch dtype {
			case "F32":
				data = binary.LittleEndian.AppendUint32(data, math.Float32bits(v))
			case "BF16":
				data = binary.LittleEndian.AppendUint16(data, uint16(math.Float32bits(v)>>16))
			default:
				t.Fatalf("unsupported test dtype %s", dtype)
			}
		}
		header[name] = map[string]any{
			"dtype":        dtype,
			"shape":        []int{len(vals)},
			"data_offsets": []int{start, start + len(vals)*width},
		}
	}

	hdr, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	out := binary.LittleEndian.AppendUint64(nil, uint64(len(hdr)))
	out = append(out, hdr...)
	out = append(out, data...)
	if err := os.WriteFile(path, out, 0o644); err != nil {
		t.Fatalf("write safetensors: %v", err)
	}
}

// tinyTokenizerJSON is a byte-level vocabulary. "Ã" and "©" are the
// byte-level spellings of the two UTF-8 bytes of "é".
const tinyTokenizerJSON = `{
  "model": {
    "type": "BPE",
    "vocab": {
      "<s>": 0, "<pad>": 1, "</s>": 2, "Hello": 3, "Ġworld": 4,
      ".": 5, "Ġ": 6, "Ã": 7, "©": 8, "42": 9, "!": 10
    }
  },
  "decoder": {"type": "ByteLevel"},
  "added_tokens": [
    {"id": 0, "content": "<s>", "special": true},
    {"id": 1, "content": "<pad>", "special": true},
    {"id": 2, "content": "</s>", "special": true}
  ]
}`

func randomImagePixels(cfg EncoderConfig) []float32 {
	rng := rand.New(rand.NewSource(3))
	px := make([]float32, cfg.NumChannels*cfg.ImageSize*cfg.ImageSize)
	for i := range px {
		px[i] = float32(rng.Float64()*2 - 1)
	}
	return px
}
