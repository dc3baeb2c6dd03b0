package engine

import (
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"
)

// matrix is a dense row-major float32 matrix.
type matrix struct {
	rows, cols int
	data       []float32
}

func newMatrix(rows, cols int) *matrix {
	return &matrix{rows: rows, cols: cols, data: make([]float32, rows*cols)}
}

func (m *matrix) row(i int) []float32 {
	return m.data[i*m.cols : (i+1)*m.cols]
}

// appendRows grows m by the rows of o, which must have the same width.
func (m *matrix) appendRows(o *matrix) {
	m.data = append(m.data, o.data...)
	m.rows += o.rows
}

// parallelFor splits [0,n) into contiguous chunks, one per worker.
func parallelFor(n, threads int, fn func(lo, hi int)) {
	if threads <= 1 || n < 2 {
		fn(0, n)
		return
	}
	chunk := (n + threads - 1) / threads
	var g errgroup.Group
	for lo := 0; lo < n; lo += chunk {
		lo, hi := lo, min(lo+chunk, n)
		g.Go(func() error {
			fn(lo, hi)
			return nil
		})
	}
	_ = g.Wait()
}

func dot(a, b []float32) float32 {
	var s0, s1, s2, s3 float32
	n := len(a)
	i := 0
	for ; i+4 <= n; i += 4 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
	}
	for ; i < n; i++ {
		s0 += a[i] * b[i]
	}
	return s0 + s1 + s2 + s3
}

// linear is y = x Wᵀ + b with W stored [out, in].
type linear struct {
	in, out int
	w       []float32
	b       []float32 // nil when the layer has no bias
}

func (l *linear) forward(x *matrix, threads int) *matrix {
	y := newMatrix(x.rows, l.out)
	parallelFor(l.out, threads, func(lo, hi int) {
		for o := lo; o < hi; o++ {
			w := l.w[o*l.in : (o+1)*l.in]
			var bias float32
			if l.b != nil {
				bias = l.b[o]
			}
			for r := 0; r < x.rows; r++ {
				y.data[r*l.out+o] = dot(x.row(r), w) + bias
			}
		}
	})
	return y
}

type layerNorm struct {
	w, b []float32
	eps  float32
}

// apply normalizes every row of x in place.
func (n *layerNorm) apply(x *matrix) {
	for r := 0; r < x.rows; r++ {
		row := x.row(r)
		var mean float32
		for _, v := range row {
			mean += v
		}
		mean /= float32(len(row))
		var variance float32
		for _, v := range row {
			d := v - mean
			variance += d * d
		}
		variance /= float32(len(row))
		inv := 1 / float32(math.Sqrt(float64(variance+n.eps)))
		for i, v := range row {
			row[i] = (v-mean)*inv*n.w[i] + n.b[i]
		}
	}
}

type activation func(float32) float32

func gelu(x float32) float32 {
	return 0.5 * x * (1 + float32(math.Erf(float64(x)/math.Sqrt2)))
}

func geluTanh(x float32) float32 {
	const c = 0.7978845608028654 // sqrt(2/pi)
	x64 := float64(x)
	return float32(0.5 * x64 * (1 + math.Tanh(c*(x64+0.044715*x64*x64*x64))))
}

func relu(x float32) float32 {
	if x < 0 {
		return 0
	}
	return x
}

func activationByName(name string) (activation, error) {
	switch name {
	case "", "gelu":
		return gelu, nil
	case "gelu_new", "gelu_pytorch_tanh":
		return geluTanh, nil
	case "relu":
		return relu, nil
	default:
		return nil, fmt.Errorf("unsupported activation %q", name)
	}
}

func (m *matrix) apply(fn activation) {
	for i, v := range m.data {
		m.data[i] = fn(v)
	}
}

// addInPlace sets m += o elementwise.
func (m *matrix) addInPlace(o *matrix) {
	for i := range m.data {
		m.data[i] += o.data[i]
	}
}

func softmaxInPlace(x []float32) {
	maxv := float32(math.Inf(-1))
	for _, v := range x {
		if v > maxv {
			maxv = v
		}
	}
	var sum float32
	for i, v := range x {
		e := float32(math.Exp(float64(v - maxv)))
		x[i] = e
		sum += e
	}
	if sum == 0 {
		return
	}
	for i := range x {
		x[i] /= sum
	}
}

// attend runs multi-head scaled dot-product attention. q is [tq, d], k and v
// are [tk, d]. With causal set, query i sees keys up to past+i, where past is
// the number of keys that precede the first query.
func attend(q, k, v *matrix, heads int, causal bool, threads int) *matrix {
	d := q.cols
	hd := d / heads
	scale := 1 / float32(math.Sqrt(float64(hd)))
	past := k.rows - q.rows
	out := newMatrix(q.rows, d)

	parallelFor(heads, threads, func(lo, hi int) {
		scores := make([]float32, k.rows)
		for h := lo; h < hi; h++ {
			off := h * hd
			for i := 0; i < q.rows; i++ {
				qi := q.row(i)[off : off+hd]
				visible := k.rows
				if causal {
					visible = past + i + 1
				}
				s := scores[:visible]
				for j := 0; j < visible; j++ {
					s[j] = dot(qi, k.row(j)[off:off+hd]) * scale
				}
				softmaxInPlace(s)
				o := out.row(i)[off : off+hd]
				for j, p := range s {
					vj := v.row(j)[off : off+hd]
					for t := range o {
						o[t] += p * vj[t]
					}
				}
			}
		}
	})
	return out
}
