package fakequant

import (
	"fmt"

	"github.com/samcharles93/quantsim/internal/tensor"
)

// Quantizer runs the fake-quantization operators for one validated Config.
// It holds no per-call state: window and moving-average state is owned by the
// caller and passed in by pointer, so a Quantizer is safe for concurrent use
// as long as no two calls share a state object.
type Quantizer struct {
	cfg    Config
	moving MovingStateTracker
	window WindowTracker
}

// NewQuantizer validates cfg. Configuration errors surface here, not per call.
func NewQuantizer(cfg Config) (*Quantizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Quantizer{
		cfg:    cfg,
		moving: MovingStateTracker{Rate: cfg.MovingRate},
		window: WindowTracker{Size: cfg.WindowSize},
	}, nil
}

func (q *Quantizer) Config() Config { return q.cfg }

// Result is the output of a fake-quantization operator.
type Result struct {
	// Out has the shape of the input. It holds integer levels for quantize
	// operators and snapped values for quantize-dequantize operators.
	Out *tensor.Tensor
	// Scale is the scalar scale used by the global strategies.
	Scale float32
	// Scales holds one scale per channel for the channel-wise strategies.
	Scales []float32
	// Differentiable is set on fused quantize-dequantize results.
	Differentiable bool
}

func (q *Quantizer) apply(x *tensor.Tensor, scale float32, clip, dequant bool) *Result {
	out := x.ZerosLike()
	levels := Levels(q.cfg.BitLength)
	quantizeRun(out.Data, x.Data, scale, levels, clip)
	if dequant {
		dequantizeRun(out.Data, out.Data, scale, levels)
	}
	return &Result{Out: out, Scale: scale, Differentiable: dequant}
}

func (q *Quantizer) applyChannelWise(x *tensor.Tensor, dequant bool) (*Result, error) {
	scales, err := ChannelWiseAbsMax(x, q.cfg.QuantAxis)
	if err != nil {
		return nil, err
	}
	out := x.ZerosLike()
	if err := QuantizeChannelWise(out, x, scales, q.cfg.QuantAxis, q.cfg.BitLength); err != nil {
		return nil, err
	}
	if dequant {
		if err := DequantizeChannelWise(out, out, scales, q.cfg.QuantAxis, q.cfg.BitLength); err != nil {
			return nil, err
		}
	}
	return &Result{Out: out, Scales: scales, Differentiable: dequant}, nil
}

// FakeQuantizeAbsMax quantizes x with its own global abs-max.
func (q *Quantizer) FakeQuantizeAbsMax(x *tensor.Tensor) *Result {
	return q.apply(x, AbsMax(x), false, false)
}

// FakeQuantizeDequantizeAbsMax snaps x onto the grid defined by its abs-max.
func (q *Quantizer) FakeQuantizeDequantizeAbsMax(x *tensor.Tensor) *Result {
	return q.apply(x, AbsMax(x), false, true)
}

// FakeChannelWiseQuantizeAbsMax quantizes every channel along the configured
// axis with that channel's abs-max.
func (q *Quantizer) FakeChannelWiseQuantizeAbsMax(x *tensor.Tensor) (*Result, error) {
	return q.applyChannelWise(x, false)
}

func (q *Quantizer) FakeChannelWiseQuantizeDequantizeAbsMax(x *tensor.Tensor) (*Result, error) {
	return q.applyChannelWise(x, true)
}

// FakeQuantizeRangeAbsMax quantizes x with the max over a window of recent
// abs-max values. In Infer mode the window is untouched, inScale is used as
// the scale and x is clipped to it.
func (q *Quantizer) FakeQuantizeRangeAbsMax(x *tensor.Tensor, ws *WindowState, inScale float32, mode Mode) (*Result, error) {
	return q.rangeAbsMax(x, ws, inScale, mode, false)
}

func (q *Quantizer) FakeQuantizeDequantizeRangeAbsMax(x *tensor.Tensor, ws *WindowState, inScale float32, mode Mode) (*Result, error) {
	return q.rangeAbsMax(x, ws, inScale, mode, true)
}

func (q *Quantizer) rangeAbsMax(x *tensor.Tensor, ws *WindowState, inScale float32, mode Mode, dequant bool) (*Result, error) {
	switch mode {
	case Infer:
		return q.apply(x, inScale, true, dequant), nil
	case Train:
		if ws == nil {
			return nil, fmt.Errorf("%w: nil window state", ErrInvalidState)
		}
		scale, err := q.window.Update(ws, AbsMax(x), Train, inScale)
		if err != nil {
			return nil, err
		}
		return q.apply(x, scale, false, dequant), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidMode, int(mode))
	}
}

// MovingAverageAbsMaxScale only updates the moving-average state and reports
// the resulting scale; Out is a copy of x.
func (q *Quantizer) MovingAverageAbsMaxScale(x *tensor.Tensor, st *MovingAverageState, mode Mode) (*Result, error) {
	if err := checkMode(mode); err != nil {
		return nil, err
	}
	if st == nil {
		return nil, errNilMovingState
	}
	scale, next := q.moving.Update(*st, AbsMax(x), mode)
	*st = next
	return &Result{Out: x.Clone(), Scale: scale}, nil
}

// FakeQuantizeMovingAverageAbsMax quantizes x with an exponential moving
// average of abs-max values, clipping to the averaged scale. In Infer mode st
// is untouched and inScale is used.
func (q *Quantizer) FakeQuantizeMovingAverageAbsMax(x *tensor.Tensor, st *MovingAverageState, inScale float32, mode Mode) (*Result, error) {
	return q.movingAverage(x, st, inScale, mode, false)
}

func (q *Quantizer) FakeQuantizeDequantizeMovingAverageAbsMax(x *tensor.Tensor, st *MovingAverageState, inScale float32, mode Mode) (*Result, error) {
	return q.movingAverage(x, st, inScale, mode, true)
}

func (q *Quantizer) movingAverage(x *tensor.Tensor, st *MovingAverageState, inScale float32, mode Mode, dequant bool) (*Result, error) {
	if err := checkMode(mode); err != nil {
		return nil, err
	}
	scale := inScale
	if mode == Train {
		if st == nil {
			return nil, errNilMovingState
		}
		var next MovingAverageState
		scale, next = q.moving.Update(*st, AbsMax(x), Train)
		*st = next
	}
	return q.apply(x, scale, true, dequant), nil
}

func checkMode(mode Mode) error {
	if mode != Train && mode != Infer {
		return fmt.Errorf("%w: %d", ErrInvalidMode, int(mode))
	}
	return nil
}

var errNilMovingState = fmt.Errorf("%w: nil moving-average state", ErrInvalidState)
