package engine

import (
	"context"
	"fmt"

	"caption-server/internal/domain"
)

type vitLayer struct {
	q, k, v, o *linear
	fc1, fc2   *linear
	lnBefore   *layerNorm
	lnAfter    *layerNorm
}

// vitEncoder is a pre-norm vision transformer over fixed-size patches.
type vitEncoder struct {
	cfg    EncoderConfig
	act    activation
	patch  *linear // conv kernel flattened to [hidden, C*P*P]
	cls    []float32
	pos    *matrix // [patches+1, hidden]
	layers []vitLayer
	final  *layerNorm
}

func loadViT(l *weightLoader, cfg EncoderConfig) *vitEncoder {
	h := cfg.HiddenSize
	p := cfg.PatchSize
	bias := *cfg.QKVBias
	act, _ := activationByName(cfg.HiddenAct)

	e := &vitEncoder{
		cfg:   cfg,
		act:   act,
		patch: l.linear("encoder.embeddings.patch_embeddings.projection", cfg.NumChannels*p*p, h, true),
		cls:   l.tensor("encoder.embeddings.cls_token", h),
		pos:   l.matrix("encoder.embeddings.position_embeddings", cfg.Patches()+1, h),
		final: l.norm("encoder.layernorm", h, cfg.LayerNormEps),
	}

	for i := 0; i < cfg.NumHiddenLayers; i++ {
		base := fmt.Sprintf("encoder.encoder.layer.%d", i)
		e.layers = append(e.layers, vitLayer{
			q:        l.linear(base+".attention.attention.query", h, h, bias),
			k:        l.linear(base+".attention.attention.key", h, h, bias),
			v:        l.linear(base+".attention.attention.value", h, h, bias),
			o:        l.linear(base+".attention.output.dense", h, h, true),
			fc1:      l.linear(base+".intermediate.dense", h, cfg.IntermediateSize, true),
			fc2:      l.linear(base+".output.dense", cfg.IntermediateSize, h, true),
			lnBefore: l.norm(base+".layernorm_before", h, cfg.LayerNormEps),
			lnAfter:  l.norm(base+".layernorm_after", h, cfg.LayerNormEps),
		})
	}
	return e
}

// embed cuts the image into patches, projects them and adds positions.
func (e *vitEncoder) embed(img *domain.Image, threads int) *matrix {
	p := e.cfg.PatchSize
	side := e.cfg.ImageSize / p
	c := e.cfg.NumChannels
	w := img.Width

	patches := newMatrix(side*side, c*p*p)
	for py := 0; py < side; py++ {
		for px := 0; px < side; px++ {
			dst := patches.row(py*side + px)
			i := 0
			for ch := 0; ch < c; ch++ {
				plane := img.Pixels[ch*img.Height*w:]
				for dy := 0; dy < p; dy++ {
					rowStart := (py*p+dy)*w + px*p
					copy(dst[i:i+p], plane[rowStart:rowStart+p])
					i += p
				}
			}
		}
	}

	proj := e.patch.forward(patches, threads)

	x := newMatrix(proj.rows+1, e.cfg.HiddenSize)
	copy(x.row(0), e.cls)
	copy(x.data[x.cols:], proj.data)
	x.addInPlace(e.pos)
	return x
}

func (e *vitEncoder) forward(ctx context.Context, img *domain.Image, threads int) (*matrix, error) {
	x := e.embed(img, threads)
	heads := e.cfg.NumAttentionHeads

	for i := range e.layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		layer := &e.layers[i]

		h := cloneMatrix(x)
		layer.lnBefore.apply(h)
		attn := attend(layer.q.forward(h, threads), layer.k.forward(h, threads), layer.v.forward(h, threads), heads, false, threads)
		x.addInPlace(layer.o.forward(attn, threads))

		h = cloneMatrix(x)
		layer.lnAfter.apply(h)
		mid := layer.fc1.forward(h, threads)
		mid.apply(e.act)
		x.addInPlace(layer.fc2.forward(mid, threads))
	}

	e.final.apply(x)
	return x, nil
}

func cloneMatrix(m *matrix) *matrix {
	c := &matrix{rows: m.rows, cols: m.cols, data: make([]float32, len(m.data))}
	copy(c.data, m.data)
	return c
}
