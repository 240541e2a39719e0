package fakequant

import (
	"fmt"
	"math"

	"github.com/samcharles93/quantsim/internal/tensor"
)

const (
	// zeroScale is the magnitude below which a scale is treated as zero.
	zeroScale = 1e-30
	// scaleEpsilon is added to a zero scale before inverting it.
	scaleEpsilon = 1e-6
)

// InverseScale returns 1/scale, substituting 1/(scale+1e-6) when the scale is
// below 1e-30 so that all-zero inputs never divide by zero.
func InverseScale(scale float32) float32 {
	if scale < zeroScale {
		return 1 / (scale + scaleEpsilon)
	}
	return 1 / scale
}

// IsZeroScale reports whether scale falls under the epsilon guard.
func IsZeroScale(scale float32) bool { return scale < zeroScale }

// Quantize maps src onto the integer grid of bits using scale:
//
//	dst[i] = round(src[i] * InverseScale(scale) * Levels(bits))
//
// Rounding is half away from zero. When clip is set, values are first clamped
// to [-scale, scale]. dst may alias src.
func Quantize(dst, src []float32, scale float32, bits int, clip bool) error {
	if err := checkBits(bits); err != nil {
		return err
	}
	if len(dst) != len(src) {
		return fmt.Errorf("%w: dst %d, src %d", ErrShapeMismatch, len(dst), len(src))
	}
	quantizeRun(dst, src, scale, Levels(bits), clip)
	return nil
}

func quantizeRun(dst, src []float32, scale, levels float32, clip bool) {
	inv := InverseScale(scale)
	for i, v := range src {
		if clip {
			v = min(max(v, -scale), scale)
		}
		dst[i] = float32(math.Round(float64(v * inv * levels)))
	}
}

// Dequantize maps quantized levels back to the original range:
// dst[i] = src[i] * scale / Levels(bits). dst may alias src.
func Dequantize(dst, src []float32, scale float32, bits int) error {
	if err := checkBits(bits); err != nil {
		return err
	}
	return DequantizeMaxRange(dst, src, scale, Levels(bits))
}

// DequantizeMaxRange is Dequantize with an explicit level count.
// A zero maxRange (one-bit quantization) produces zeros.
func DequantizeMaxRange(dst, src []float32, scale, maxRange float32) error {
	if len(dst) != len(src) {
		return fmt.Errorf("%w: dst %d, src %d", ErrShapeMismatch, len(dst), len(src))
	}
	dequantizeRun(dst, src, scale, maxRange)
	return nil
}

func dequantizeRun(dst, src []float32, scale, levels float32) {
	if levels == 0 {
		clear(dst)
		return
	}
	for i, v := range src {
		dst[i] = v * scale / levels
	}
}

// QuantizeChannelWise quantizes every channel of src along axis with its own
// entry of scales.
func QuantizeChannelWise(dst, src *tensor.Tensor, scales []float32, axis QuantAxis, bits int) error {
	if err := checkBits(bits); err != nil {
		return err
	}
	l, err := channelLayout(dst, src, scales, axis)
	if err != nil {
		return err
	}
	levels := Levels(bits)
	for c, s := range scales {
		l.Runs(c, func(start, end int) {
			quantizeRun(dst.Data[start:end], src.Data[start:end], s, levels, false)
		})
	}
	return nil
}

// DequantizeChannelWise is the inverse of QuantizeChannelWise.
func DequantizeChannelWise(dst, src *tensor.Tensor, scales []float32, axis QuantAxis, bits int) error {
	if err := checkBits(bits); err != nil {
		return err
	}
	l, err := channelLayout(dst, src, scales, axis)
	if err != nil {
		return err
	}
	levels := Levels(bits)
	for c, s := range scales {
		l.Runs(c, func(start, end int) {
			dequantizeRun(dst.Data[start:end], src.Data[start:end], s, levels)
		})
	}
	return nil
}

func channelLayout(dst, src *tensor.Tensor, scales []float32, axis QuantAxis) (tensor.Layout, error) {
	if !tensor.SameShape(dst, src) {
		return tensor.Layout{}, fmt.Errorf("%w: dst %v, src %v", ErrShapeMismatch, dst.Shape, src.Shape)
	}
	l, err := axisLayout(src, axis)
	if err != nil {
		return tensor.Layout{}, err
	}
	if len(scales) != l.Channels {
		return tensor.Layout{}, fmt.Errorf("%w: %d scales for %d channels", ErrShapeMismatch, len(scales), l.Channels)
	}
	return l, nil
}

func axisLayout(x *tensor.Tensor, axis QuantAxis) (tensor.Layout, error) {
	if axis != Axis0 && axis != Axis1 {
		return tensor.Layout{}, fmt.Errorf("%w: %d (must be 0 or 1)", ErrInvalidAxis, int(axis))
	}
	if x.Rank() < 2 {
		return tensor.Layout{}, fmt.Errorf("%w: channel-wise quantization needs rank >= 2, got shape %v", ErrInvalidAxis, x.Shape)
	}
	return tensor.AxisLayout(x.Shape, int(axis))
}
