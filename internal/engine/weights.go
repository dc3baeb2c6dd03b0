package engine

import "fmt"

// weightLoader pulls typed layers out of a WeightSource. The first failure
// sticks; later calls return zero values and the caller checks err once.
type weightLoader struct {
	src WeightSource
	err error
}

func (l *weightLoader) tensor(name string, want int) []float32 {
	if l.err != nil {
		return nil
	}
	data, shape, err := l.src.Tensor(name)
	if err != nil {
		l.err = err
		return nil
	}
	if len(data) != want {
		l.err = fmt.Errorf("tensor %s: shape %v has %d elements, want %d", name, shape, len(data), want)
		return nil
	}
	return data
}

func (l *weightLoader) linear(prefix string, in, out int, bias bool) *linear {
	lin := &linear{in: in, out: out}
	lin.w = l.tensor(prefix+".weight", in*out)
	if bias {
		lin.b = l.tensor(prefix+".bias", out)
	}
	return lin
}

func (l *weightLoader) norm(prefix string, dim int, eps float32) *layerNorm {
	return &layerNorm{
		w:   l.tensor(prefix+".weight", dim),
		b:   l.tensor(prefix+".bias", dim),
		eps: eps,
	}
}

func (l *weightLoader) matrix(name string, rows, cols int) *matrix {
	return &matrix{rows: rows, cols: cols, data: l.tensor(name, rows*cols)}
}

// has reports whether the source knows name, without recording an error.
func (l *weightLoader) has(name string) bool {
	if st, ok := l.src.(*SafeTensors); ok {
		_, found := st.Info(name)
		return found
	}
	_, _, err := l.src.Tensor(name)
	return err == nil
}
