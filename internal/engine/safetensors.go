package engine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	json "github.com/goccy/go-json"
	"github.com/x448/float16"
)

const maxHeaderSize = 100 << 20

// WeightSource hands out named tensors as float32 with their shape.
type WeightSource interface {
	Tensor(name string) ([]float32, []int, error)
}

// TensorInfo locates one tensor inside a safetensors file.
type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// SafeTensors reads tensors lazily from a safetensors file.
type SafeTensors struct {
	path      string
	file      *os.File
	dataStart int64
	tensors   map[string]TensorInfo
}

// OpenSafeTensors parses the header; tensor data is read on demand.
func OpenSafeTensors(path string) (*SafeTensors, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	st, err := parseSafeTensorsHeader(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	st.path = path
	st.file = f
	return st, nil
}

func parseSafeTensorsHeader(r io.Reader) (*SafeTensors, error) {
	var lenBuf [8]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read header length: %w", err)
	}
	headerLen := binary.LittleEndian.Uint64(lenBuf[:])
	if headerLen == 0 || headerLen > maxHeaderSize {
		return nil, fmt.Errorf("invalid header length %d", headerLen)
	}

	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(header, &raw); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}
	delete(raw, "__metadata__")

	tensors := make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		if len(th.DataOffsets) != 2 || th.DataOffsets[1] < th.DataOffsets[0] {
			return nil, fmt.Errorf("tensor %s: invalid data_offsets", name)
		}
		tensors[name] = TensorInfo{
			DType: th.DType,
			Shape: th.Shape,
			Start: th.DataOffsets[0],
			End:   th.DataOffsets[1],
		}
	}

	return &SafeTensors{
		dataStart: int64(8 + headerLen),
		tensors:   tensors,
	}, nil
}

// Close releases the underlying file.
func (s *SafeTensors) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

// Names lists tensor names in sorted order.
func (s *SafeTensors) Names() []string {
	names := make([]string, 0, len(s.tensors))
	for name := range s.tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Info returns the header entry for name.
func (s *SafeTensors) Info(name string) (TensorInfo, bool) {
	t, ok := s.tensors[name]
	return t, ok
}

// Tensor reads name and converts it to float32.
func (s *SafeTensors) Tensor(name string) ([]float32, []int, error) {
	info, ok := s.tensors[name]
	if !ok {
		return nil, nil, fmt.Errorf("tensor not found: %s", name)
	}

	raw := make([]byte, info.End-info.Start)
	if _, err := s.file.ReadAt(raw, s.dataStart+info.Start); err != nil {
		return nil, nil, fmt.Errorf("read tensor %s: %w", name, err)
	}

	out, err := decodeTensor(raw, info)
	if err != nil {
		return nil, nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	return out, info.Shape, nil
}

func decodeTensor(raw []byte, info TensorInfo) ([]float32, error) {
	n, err := numElements(info.Shape)
	if err != nil {
		return nil, err
	}

	switch info.DType {
	case "F32":
		if len(raw) != n*4 {
			return nil, errors.New("invalid f32 data size")
		}
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out, nil
	case "F16":
		if len(raw) != n*2 {
			return nil, errors.New("invalid f16 data size")
		}
		out := make([]float32, n)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
		return out, nil
	case "BF16":
		if len(raw) != n*2 {
			return nil, errors.New("invalid bf16 data size")
		}
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(raw[i*2:])) << 16)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported dtype %s", info.DType)
	}
}

func numElements(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if n > math.MaxInt/d {
			return 0, errors.New("tensor too large")
		}
		n *= d
	}
	return n, nil
}
