package checkpoint

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeTestFile(t *testing.T, w *Writer) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.safetensors")
	if err := w.WriteFile(path); err != nil {
		t.Fatalf("write file: %v", err)
	}
	return path
}

func TestWriteOpenRoundTrip(t *testing.T) {
	t.Parallel()

	w := NewWriter()
	w.SetMetadata("run_id", "abc")
	if err := w.AddF32("conv1.weight", []int{2, 2}, []float32{1.5, -2.0, 3.25, 4.5}); err != nil {
		t.Fatalf("add f32: %v", err)
	}
	if err := w.AddI64("conv1.window.iter", []int{1}, []int64{42}); err != nil {
		t.Fatalf("add i64: %v", err)
	}
	if err := w.Add("act.half", F16, []int{3}, []float32{0.5, -1, 2}); err != nil {
		t.Fatalf("add f16: %v", err)
	}
	if err := w.Add("act.brain", BF16, []int{3}, []float32{0.5, -1, 2}); err != nil {
		t.Fatalf("add bf16: %v", err)
	}
	path := writeTestFile(t, w)

	f, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			t.Fatalf("close: %v", cerr)
		}
	}()

	if got := f.Metadata["run_id"]; got != "abc" {
		t.Fatalf("metadata run_id: got %q want abc", got)
	}
	wantNames := []string{"act.brain", "act.half", "conv1.weight", "conv1.window.iter"}
	names := f.Names()
	if len(names) != len(wantNames) {
		t.Fatalf("names: got %v want %v", names, wantNames)
	}
	for i := range names {
		if names[i] != wantNames[i] {
			t.Fatalf("names: got %v want %v", names, wantNames)
		}
	}

	x, err := f.ReadTensor("conv1.weight")
	if err != nil {
		t.Fatalf("read tensor: %v", err)
	}
	if len(x.Shape) != 2 || x.Shape[0] != 2 || x.Shape[1] != 2 {
		t.Fatalf("shape mismatch: got %v", x.Shape)
	}
	want := []float32{1.5, -2.0, 3.25, 4.5}
	for i := range want {
		if x.Data[i] != want[i] {
			t.Fatalf("value mismatch at %d: got %v want %v", i, x.Data[i], want[i])
		}
	}

	for _, name := range []string{"act.half", "act.brain"} {
		vals, info, err := f.ReadF32(name)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if info.Shape[0] != 3 {
			t.Fatalf("%s shape: got %v", name, info.Shape)
		}
		// 0.5, -1 and 2 are exact in both half formats.
		for i, v := range []float32{0.5, -1, 2} {
			if vals[i] != v {
				t.Fatalf("%s[%d]: got %v want %v", name, i, vals[i], v)
			}
		}
	}

	iter, _, err := f.ReadI64("conv1.window.iter")
	if err != nil {
		t.Fatalf("read i64: %v", err)
	}
	if len(iter) != 1 || iter[0] != 42 {
		t.Fatalf("iter: got %v want [42]", iter)
	}
}

func TestDeterministicOutput(t *testing.T) {
	t.Parallel()

	build := func() []byte {
		w := NewWriter()
		for _, name := range []string{"b", "a", "c"} {
			if err := w.AddF32(name, []int{1}, []float32{1}); err != nil {
				t.Fatalf("add: %v", err)
			}
		}
		var buf bytes.Buffer
		if _, err := w.WriteTo(&buf); err != nil {
			t.Fatalf("write: %v", err)
		}
		return buf.Bytes()
	}
	a, b := build(), build()
	if !bytes.Equal(a, b) {
		t.Fatal("expected identical images for identical input")
	}
	if hl := binary.LittleEndian.Uint64(a[:8]); hl%headerAlign != 0 {
		t.Fatalf("header length %d not aligned", hl)
	}
}

func TestReadErrors(t *testing.T) {
	t.Parallel()

	w := NewWriter()
	if err := w.AddI64("iter", []int{1}, []int64{1}); err != nil {
		t.Fatalf("add: %v", err)
	}
	f, err := Open(writeTestFile(t, w))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = f.Close() }()

	if _, _, err := f.ReadF32("iter"); !errors.Is(err, ErrUnsupportedDType) {
		t.Fatalf("expected ErrUnsupportedDType, got %v", err)
	}
	if _, _, err := f.ReadF32("missing"); !errors.Is(err, ErrTensorNotFound) {
		t.Fatalf("expected ErrTensorNotFound, got %v", err)
	}
}

func TestWriterRejectsBadInput(t *testing.T) {
	t.Parallel()

	w := NewWriter()
	if err := w.AddF32("x", []int{2, 2}, []float32{1}); err == nil {
		t.Fatal("expected shape error")
	}
	if err := w.AddF32(metadataKey, []int{1}, []float32{1}); err == nil {
		t.Fatal("expected reserved name error")
	}
	if err := w.Add("x", I64, []int{1}, []float32{1}); !errors.Is(err, ErrUnsupportedDType) {
		t.Fatalf("expected ErrUnsupportedDType, got %v", err)
	}
}

func TestParseCorrupt(t *testing.T) {
	t.Parallel()

	cases := map[string][]byte{
		"short":        {1, 2, 3},
		"header_large": append(binary.LittleEndian.AppendUint64(nil, 1<<20), '{', '}'),
		"bad_json":     append(binary.LittleEndian.AppendUint64(nil, 2), '{', '['),
	}
	badOffsets := []byte(`{"x":{"dtype":"F32","shape":[2],"data_offsets":[0,16]}}`)
	cases["offsets"] = append(binary.LittleEndian.AppendUint64(nil, uint64(len(badOffsets))), append(badOffsets, make([]byte, 8)...)...)

	for name, raw := range cases {
		if _, err := Parse(raw); !errors.Is(err, ErrCorruptFile) {
			t.Fatalf("%s: expected ErrCorruptFile, got %v", name, err)
		}
	}
}

func TestOpenMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Open(filepath.Join(t.TempDir(), "nope.safetensors"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not exist error, got %v", err)
	}
}

func TestParseDType(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]DType{"": F32, "f32": F32, "F16": F16, " bf16 ": BF16} {
		got, err := ParseDType(in)
		if err != nil || got != want {
			t.Fatalf("ParseDType(%q): got %q, %v want %q", in, got, err, want)
		}
	}
	if _, err := ParseDType("i64"); !errors.Is(err, ErrUnsupportedDType) {
		t.Fatalf("expected ErrUnsupportedDType, got %v", err)
	}
}
