package plan

import (
	"errors"
	"fmt"

	"github.com/samcharles93/quantsim/internal/checkpoint"
	"github.com/samcharles93/quantsim/internal/fakequant"
)

const (
	StateFormat = "quantsim-state"

	metaFormat = "format"
	metaRunID  = "run_id"
)

// Tensor names used for persisted layer state.
func windowScalesName(layer string) string { return layer + ".window.scales" }
func windowIterName(layer string) string   { return layer + ".window.iter" }
func movingAccumName(layer string) string  { return layer + ".moving.accum" }
func movingStateName(layer string) string  { return layer + ".moving.state" }
func scaleName(layer string) string        { return layer + ".scale" }

// WriteState adds every layer's state to w.
func (s *Session) WriteState(w *checkpoint.Writer) error {
	w.SetMetadata(metaFormat, StateFormat)
	w.SetMetadata(metaRunID, s.RunID)
	for _, l := range s.Layers() {
		name := l.Spec.Name
		if l.Window != nil {
			if err := w.AddF32(windowScalesName(name), []int{len(l.Window.Scales)}, l.Window.Scales); err != nil {
				return err
			}
			if err := w.AddI64(windowIterName(name), []int{1}, []int64{l.Window.Iter}); err != nil {
				return err
			}
		}
		if l.Moving != nil {
			if err := w.AddF32(movingAccumName(name), []int{1}, []float32{l.Moving.Accum}); err != nil {
				return err
			}
			if err := w.AddF32(movingStateName(name), []int{1}, []float32{l.Moving.State}); err != nil {
				return err
			}
		}
		scales := []float32{l.Scale}
		if l.Spec.Strategy == ChannelWiseAbsMax {
			if len(l.Scales) == 0 {
				continue
			}
			scales = l.Scales
		}
		if err := w.AddF32(scaleName(name), []int{len(scales)}, scales); err != nil {
			return err
		}
	}
	return nil
}

// SaveState writes the session state to path as a safetensors file.
func (s *Session) SaveState(path string) error {
	w := checkpoint.NewWriter()
	if err := s.WriteState(w); err != nil {
		return err
	}
	return w.WriteFile(path)
}

// LoadState restores layer state from f. Layers with no entries in f keep
// their current state; entries whose size disagrees with the plan are
// rejected.
func (s *Session) LoadState(f *checkpoint.File) error {
	if format, ok := f.Metadata[metaFormat]; ok && format != StateFormat {
		return fmt.Errorf("%w: format %q, want %q", checkpoint.ErrCorruptFile, format, StateFormat)
	}
	for _, l := range s.Layers() {
		if err := l.load(f); err != nil {
			return fmt.Errorf("layer %q: %w", l.Spec.Name, err)
		}
	}
	if id := f.Metadata[metaRunID]; id != "" {
		s.RunID = id
	}
	return nil
}

// LoadStateFile opens path and restores layer state from it.
func (s *Session) LoadStateFile(path string) error {
	f, err := checkpoint.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	return s.LoadState(f)
}

func (l *Layer) load(f *checkpoint.File) error {
	name := l.Spec.Name
	if l.Window != nil {
		scales, _, err := readOptionalF32(f, windowScalesName(name))
		if err != nil {
			return err
		}
		if scales != nil {
			if len(scales) != l.Config.WindowSize {
				return fmt.Errorf("%w: window of %d entries, plan wants %d", fakequant.ErrShapeMismatch, len(scales), l.Config.WindowSize)
			}
			iter, _, err := f.ReadI64(windowIterName(name))
			if err != nil {
				return err
			}
			if len(iter) != 1 || iter[0] < 0 {
				return fmt.Errorf("%w: window iter %v", fakequant.ErrInvalidState, iter)
			}
			l.Window.Scales = scales
			l.Window.Iter = iter[0]
		}
	}
	if l.Moving != nil {
		accum, _, err := readOptionalF32(f, movingAccumName(name))
		if err != nil {
			return err
		}
		if accum != nil {
			state, _, err := f.ReadF32(movingStateName(name))
			if err != nil {
				return err
			}
			if len(accum) != 1 || len(state) != 1 {
				return fmt.Errorf("%w: moving state must be scalars", fakequant.ErrShapeMismatch)
			}
			l.Moving.Accum, l.Moving.State = accum[0], state[0]
			l.Scale = l.Moving.Scale()
		}
	}
	scales, _, err := readOptionalF32(f, scaleName(name))
	if err != nil || scales == nil {
		return err
	}
	if l.Spec.Strategy == ChannelWiseAbsMax {
		l.Scales = scales
		return nil
	}
	if len(scales) != 1 {
		return fmt.Errorf("%w: scale has %d entries, want 1", fakequant.ErrShapeMismatch, len(scales))
	}
	l.Scale = scales[0]
	return nil
}

func readOptionalF32(f *checkpoint.File, name string) ([]float32, checkpoint.TensorInfo, error) {
	v, info, err := f.ReadF32(name)
	if errors.Is(err, checkpoint.ErrTensorNotFound) {
		return nil, info, nil
	}
	return v, info, err
}
