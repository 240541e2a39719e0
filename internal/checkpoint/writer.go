package checkpoint

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"maps"
	"math"
	"os"
	"path/filepath"
	"slices"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/goccy/go-json"
	"github.com/x448/float16"

	"github.com/samcharles93/quantsim/internal/tensor"
)

// headerAlign pads the JSON header so tensor data starts 8-byte aligned.
const headerAlign = 8

type pendingTensor struct {
	dtype DType
	shape []int
	data  []byte
}

// Writer accumulates tensors and metadata and serialises them as one
// safetensors image. Tensors are laid out in name order so identical inputs
// produce identical files.
type Writer struct {
	tensors  map[string]pendingTensor
	metadata map[string]string
}

func NewWriter() *Writer {
	return &Writer{
		tensors:  make(map[string]pendingTensor),
		metadata: make(map[string]string),
	}
}

func (w *Writer) SetMetadata(key, value string) {
	w.metadata[key] = value
}

// Add encodes data as dtype. I64 is rejected; use AddI64.
func (w *Writer) Add(name string, dtype DType, shape []int, data []float32) error {
	if err := w.check(name, shape, len(data)); err != nil {
		return err
	}
	var buf []byte
	switch dtype {
	case F32:
		buf = make([]byte, 4*len(data))
		for i, v := range data {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
		}
	case F16:
		buf = make([]byte, 2*len(data))
		for i, v := range data {
			binary.LittleEndian.PutUint16(buf[i*2:], float16.Fromfloat32(v).Bits())
		}
	case BF16:
		buf = bfloat16.EncodeFloat32(data)
	default:
		return fmt.Errorf("%w: cannot encode float data as %s", ErrUnsupportedDType, dtype)
	}
	w.tensors[name] = pendingTensor{dtype: dtype, shape: slices.Clone(shape), data: buf}
	return nil
}

func (w *Writer) AddF32(name string, shape []int, data []float32) error {
	return w.Add(name, F32, shape, data)
}

// AddTensor stores t as F32.
func (w *Writer) AddTensor(name string, t *tensor.Tensor) error {
	return w.Add(name, F32, t.Shape, t.Data)
}

func (w *Writer) AddI64(name string, shape []int, data []int64) error {
	if err := w.check(name, shape, len(data)); err != nil {
		return err
	}
	buf := make([]byte, 8*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(v))
	}
	w.tensors[name] = pendingTensor{dtype: I64, shape: slices.Clone(shape), data: buf}
	return nil
}

func (w *Writer) check(name string, shape []int, n int) error {
	if name == "" || name == metadataKey {
		return fmt.Errorf("checkpoint: invalid tensor name %q", name)
	}
	want, err := tensor.NumElements(shape)
	if err != nil {
		return err
	}
	if want != n {
		return fmt.Errorf("checkpoint: tensor %s: shape %v holds %d elements, got %d", name, shape, want, n)
	}
	return nil
}

// WriteTo writes the safetensors image to out.
func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	names := slices.Sorted(maps.Keys(w.tensors))
	header := make(map[string]any, len(names)+1)
	var off int64
	for _, name := range names {
		t := w.tensors[name]
		end := off + int64(len(t.data))
		header[name] = tensorHeader{DType: t.dtype, Shape: t.shape, DataOffsets: []int64{off, end}}
		off = end
	}
	if len(w.metadata) > 0 {
		header[metadataKey] = w.metadata
	}
	hb, err := json.Marshal(header)
	if err != nil {
		return 0, fmt.Errorf("checkpoint: encode header: %w", err)
	}
	if pad := len(hb) % headerAlign; pad != 0 {
		hb = append(hb, bytes.Repeat([]byte{' '}, headerAlign-pad)...)
	}

	var n int64
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hb)))
	for _, chunk := range [][]byte{lenBuf[:], hb} {
		m, err := out.Write(chunk)
		n += int64(m)
		if err != nil {
			return n, err
		}
	}
	for _, name := range names {
		m, err := out.Write(w.tensors[name].data)
		n += int64(m)
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// WriteFile writes the image next to path and renames it into place.
func (w *Writer) WriteFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	cleanup := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if _, err := w.WriteTo(tmp); err != nil {
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
