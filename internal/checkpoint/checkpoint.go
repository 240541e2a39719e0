// Package checkpoint reads and writes safetensors files. quantsim uses them
// both for input tensors and for persisting quantizer state between runs.
package checkpoint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"maps"
	"math"
	"os"
	"slices"
	"strings"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/goccy/go-json"
	"github.com/x448/float16"

	"github.com/samcharles93/quantsim/internal/tensor"
)

var (
	ErrCorruptFile      = errors.New("checkpoint: corrupt file")
	ErrTensorNotFound   = errors.New("checkpoint: tensor not found")
	ErrUnsupportedDType = errors.New("checkpoint: unsupported dtype")
)

type DType string

const (
	F32  DType = "F32"
	F16  DType = "F16"
	BF16 DType = "BF16"
	I64  DType = "I64"
)

// ParseDType accepts the float dtypes a Writer can encode, case-insensitively.
func ParseDType(s string) (DType, error) {
	switch d := DType(strings.ToUpper(strings.TrimSpace(s))); d {
	case F32, F16, BF16:
		return d, nil
	case "":
		return F32, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedDType, s)
	}
}

func (d DType) size() (int, bool) {
	switch d {
	case F32:
		return 4, true
	case F16, BF16:
		return 2, true
	case I64:
		return 8, true
	default:
		return 0, false
	}
}

const metadataKey = "__metadata__"

type TensorInfo struct {
	DType DType
	Shape []int
	Start int64
	End   int64
}

type tensorHeader struct {
	DType       DType   `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// File is an opened safetensors file. Tensor bytes stay mapped (or loaded)
// until Close.
type File struct {
	Path     string
	Tensors  map[string]TensorInfo
	Metadata map[string]string

	data  []byte
	raw   []byte
	unmap func([]byte) error
}

// Open maps path read-only and parses its header. If mmap is unavailable it
// falls back to reading the whole file.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	if size < 8 || size > int64(math.MaxInt) {
		return nil, fmt.Errorf("%w: size %d", ErrCorruptFile, size)
	}

	raw, unmap, err := mapFile(f, int(size))
	if err != nil {
		raw = make([]byte, size)
		if _, err := f.ReadAt(raw, 0); err != nil && err != io.EOF {
			return nil, err
		}
		unmap = nil
	}

	cf, err := parse(raw)
	if err != nil {
		if unmap != nil {
			_ = unmap(raw)
		}
		return nil, err
	}
	cf.Path = path
	cf.raw = raw
	cf.unmap = unmap
	return cf, nil
}

// Parse reads a safetensors image held in memory.
func Parse(raw []byte) (*File, error) {
	return parse(raw)
}

func parse(raw []byte) (*File, error) {
	if len(raw) < 8 {
		return nil, fmt.Errorf("%w: missing header length", ErrCorruptFile)
	}
	headerLen := binary.LittleEndian.Uint64(raw[:8])
	if headerLen > uint64(len(raw)-8) {
		return nil, fmt.Errorf("%w: header length %d exceeds file", ErrCorruptFile, headerLen)
	}
	header := raw[8 : 8+headerLen]
	data := raw[8+headerLen:]

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(header, &entries); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrCorruptFile, err)
	}

	out := &File{
		Tensors:  make(map[string]TensorInfo, len(entries)),
		Metadata: map[string]string{},
		data:     data,
	}
	if msg, ok := entries[metadataKey]; ok {
		if err := json.Unmarshal(msg, &out.Metadata); err != nil {
			return nil, fmt.Errorf("%w: metadata: %v", ErrCorruptFile, err)
		}
		delete(entries, metadataKey)
	}

	for name, msg := range entries {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("%w: tensor %s: %v", ErrCorruptFile, name, err)
		}
		info, err := validateEntry(name, th, int64(len(data)))
		if err != nil {
			return nil, err
		}
		out.Tensors[name] = info
	}
	return out, nil
}

func validateEntry(name string, th tensorHeader, dataLen int64) (TensorInfo, error) {
	if len(th.DataOffsets) != 2 {
		return TensorInfo{}, fmt.Errorf("%w: tensor %s: invalid data_offsets", ErrCorruptFile, name)
	}
	start, end := th.DataOffsets[0], th.DataOffsets[1]
	if start < 0 || end < start || end > dataLen {
		return TensorInfo{}, fmt.Errorf("%w: tensor %s: offsets [%d, %d) outside data of %d bytes", ErrCorruptFile, name, start, end, dataLen)
	}
	elem, ok := th.DType.size()
	if !ok {
		return TensorInfo{}, fmt.Errorf("%w: tensor %s: %s", ErrUnsupportedDType, name, th.DType)
	}
	n, err := tensor.NumElements(th.Shape)
	if err != nil {
		return TensorInfo{}, fmt.Errorf("%w: tensor %s: %v", ErrCorruptFile, name, err)
	}
	if int64(n)*int64(elem) != end-start {
		return TensorInfo{}, fmt.Errorf("%w: tensor %s: %d bytes for %d %s elements", ErrCorruptFile, name, end-start, n, th.DType)
	}
	return TensorInfo{DType: th.DType, Shape: th.Shape, Start: start, End: end}, nil
}

// Close releases the mapping. Slices returned by Read* remain valid.
func (f *File) Close() error {
	if f == nil || f.raw == nil {
		return nil
	}
	var err error
	if f.unmap != nil {
		err = f.unmap(f.raw)
	}
	f.raw, f.data, f.unmap = nil, nil, nil
	return err
}

// Names returns the tensor names in sorted order.
func (f *File) Names() []string {
	return slices.Sorted(maps.Keys(f.Tensors))
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

func (f *File) bytes(name string) ([]byte, TensorInfo, error) {
	info, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	if f.data == nil && info.End > info.Start {
		return nil, TensorInfo{}, fmt.Errorf("checkpoint: read %s after close", name)
	}
	return f.data[info.Start:info.End], info, nil
}

// ReadF32 decodes a floating point tensor (F32, F16 or BF16) into float32.
func (f *File) ReadF32(name string) ([]float32, TensorInfo, error) {
	raw, info, err := f.bytes(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	switch info.DType {
	case F32:
		out := make([]float32, len(raw)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out, info, nil
	case F16:
		out := make([]float32, len(raw)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
		return out, info, nil
	case BF16:
		return bfloat16.DecodeFloat32(raw), info, nil
	default:
		return nil, TensorInfo{}, fmt.Errorf("%w: %s is %s, want a float dtype", ErrUnsupportedDType, name, info.DType)
	}
}

// ReadTensor decodes a floating point tensor together with its shape.
func (f *File) ReadTensor(name string) (*tensor.Tensor, error) {
	data, info, err := f.ReadF32(name)
	if err != nil {
		return nil, err
	}
	return tensor.FromData(info.Shape, data)
}

// ReadI64 decodes an I64 tensor.
func (f *File) ReadI64(name string) ([]int64, TensorInfo, error) {
	raw, info, err := f.bytes(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	if info.DType != I64 {
		return nil, TensorInfo{}, fmt.Errorf("%w: %s is %s, want I64", ErrUnsupportedDType, name, info.DType)
	}
	out := make([]int64, len(raw)/8)
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(raw[i*8:]))
	}
	return out, info, nil
}
