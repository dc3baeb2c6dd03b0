package engine

import (
	"fmt"
	"math"
)

type decoderLayer struct {
	selfQ, selfK, selfV, selfO     *linear
	crossQ, crossK, crossV, crossO *linear
	fc1, fc2                       *linear
	selfLN, crossLN, finalLN       *layerNorm
}

// kvCache holds the projected keys and values seen so far by one layer.
type kvCache struct {
	k, v *matrix
}

// textDecoder is a post-norm transformer decoder with learned positions and
// cross-attention over the encoder output.
type textDecoder struct {
	cfg     DecoderConfig
	act     activation
	embed   *matrix // [vocab, d]
	pos     *matrix // [maxPos+positionOffset, d]
	embedLN *layerNorm
	layers  []decoderLayer
	out     *linear
	scale   float32
}

const decoderNormEps = 1e-5

func loadTextDecoder(l *weightLoader, cfg DecoderConfig, encoderHidden int) *textDecoder {
	d := cfg.DModel
	act, _ := activationByName(cfg.ActivationFunction)

	dec := &textDecoder{
		cfg:   cfg,
		act:   act,
		embed: l.matrix("decoder.model.decoder.embed_tokens.weight", cfg.VocabSize, d),
		pos:   l.matrix("decoder.model.decoder.embed_positions.weight", cfg.MaxPositionEmbeddings+positionOffset, d),
		scale: 1,
	}
	if cfg.ScaleEmbedding {
		dec.scale = float32(math.Sqrt(float64(d)))
	}
	if cfg.LayernormEmbedding {
		dec.embedLN = l.norm("decoder.model.decoder.layernorm_embedding", d, decoderNormEps)
	}

	for i := 0; i < cfg.DecoderLayers; i++ {
		base := fmt.Sprintf("decoder.model.decoder.layers.%d", i)
		dec.layers = append(dec.layers, decoderLayer{
			selfQ:   l.linear(base+".self_attn.q_proj", d, d, true),
			selfK:   l.linear(base+".self_attn.k_proj", d, d, true),
			selfV:   l.linear(base+".self_attn.v_proj", d, d, true),
			selfO:   l.linear(base+".self_attn.out_proj", d, d, true),
			selfLN:  l.norm(base+".self_attn_layer_norm", d, decoderNormEps),
			crossQ:  l.linear(base+".encoder_attn.q_proj", d, d, true),
			crossK:  l.linear(base+".encoder_attn.k_proj", encoderHidden, d, true),
			crossV:  l.linear(base+".encoder_attn.v_proj", encoderHidden, d, true),
			crossO:  l.linear(base+".encoder_attn.out_proj", d, d, true),
			crossLN: l.norm(base+".encoder_attn_layer_norm", d, decoderNormEps),
			fc1:     l.linear(base+".fc1", d, cfg.DecoderFFNDim, true),
			fc2:     l.linear(base+".fc2", cfg.DecoderFFNDim, d, true),
			finalLN: l.norm(base+".final_layer_norm", d, decoderNormEps),
		})
	}

	if l.has("decoder.output_projection.weight") {
		dec.out = l.linear("decoder.output_projection", d, cfg.VocabSize, false)
	} else {
		// Tied head: reuse the token embedding table.
		dec.out = &linear{in: d, out: cfg.VocabSize, w: dec.embed.data}
	}
	return dec
}

// crossCache projects the encoder states once per image.
func (dec *textDecoder) crossCache(enc *matrix, threads int) []kvCache {
	caches := make([]kvCache, len(dec.layers))
	for i := range dec.layers {
		layer := &dec.layers[i]
		caches[i] = kvCache{
			k: layer.crossK.forward(enc, threads),
			v: layer.crossV.forward(enc, threads),
		}
	}
	return caches
}

// forward runs tokens at positions [past, past+len(tokens)) and returns the
// logits of the last one. selfCache is extended in place.
func (dec *textDecoder) forward(tokens []uint32, past int, selfCache, cross []kvCache, threads int) ([]float32, error) {
	d := dec.cfg.DModel
	if past+len(tokens) > dec.cfg.MaxPositionEmbeddings {
		return nil, fmt.Errorf("sequence length %d exceeds %d positions", past+len(tokens), dec.cfg.MaxPositionEmbeddings)
	}

	x := newMatrix(len(tokens), d)
	for i, id := range tokens {
		if int(id) >= dec.cfg.VocabSize {
			return nil, fmt.Errorf("token id %d out of vocabulary", id)
		}
		row := x.row(i)
		emb := dec.embed.row(int(id))
		pos := dec.pos.row(past + i + positionOffset)
		for j := range row {
			row[j] = emb[j]*dec.scale + pos[j]
		}
	}
	if dec.embedLN != nil {
		dec.embedLN.apply(x)
	}

	heads := dec.cfg.DecoderAttentionHeads
	for i := range dec.layers {
		layer := &dec.layers[i]

		k := layer.selfK.forward(x, threads)
		v := layer.selfV.forward(x, threads)
		if selfCache[i].k == nil {
			selfCache[i] = kvCache{k: k, v: v}
		} else {
			selfCache[i].k.appendRows(k)
			selfCache[i].v.appendRows(v)
		}
		attn := attend(layer.selfQ.forward(x, threads), selfCache[i].k, selfCache[i].v, heads, true, threads)
		x.addInPlace(layer.selfO.forward(attn, threads))
		layer.selfLN.apply(x)

		attn = attend(layer.crossQ.forward(x, threads), cross[i].k, cross[i].v, heads, false, threads)
		x.addInPlace(layer.crossO.forward(attn, threads))
		layer.crossLN.apply(x)

		mid := layer.fc1.forward(x, threads)
		mid.apply(dec.act)
		x.addInPlace(layer.fc2.forward(mid, threads))
		layer.finalLN.apply(x)
	}

	last := &matrix{rows: 1, cols: d, data: x.row(x.rows - 1)}
	logits := dec.out.forward(last, threads)
	return logits.data, nil
}
