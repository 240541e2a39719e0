package tensor

import (
	"errors"
	"fmt"
)

var ErrInvalidRange = errors.New("tensor: invalid clip range")

// Clip writes src clamped to [lo, hi] into dst. dst may alias src.
func Clip(dst, src []float32, lo, hi float32) error {
	if lo > hi {
		return fmt.Errorf("%w: min %v > max %v", ErrInvalidRange, lo, hi)
	}
	if len(dst) != len(src) {
		return fmt.Errorf("%w: dst %d, src %d", ErrShapeMismatch, len(dst), len(src))
	}
	for i, v := range src {
		dst[i] = min(max(v, lo), hi)
	}
	return nil
}

// ClipGrad is the backward pass of Clip. The upstream gradient passes through
// where lo < x < hi and is zeroed where x was clamped.
func ClipGrad(dx, x, dOut []float32, lo, hi float32) error {
	if lo > hi {
		return fmt.Errorf("%w: min %v > max %v", ErrInvalidRange, lo, hi)
	}
	if len(dx) != len(x) || len(dOut) != len(x) {
		return fmt.Errorf("%w: dx %d, x %d, dout %d", ErrShapeMismatch, len(dx), len(x), len(dOut))
	}
	for i, v := range x {
		if v > lo && v < hi {
			dx[i] = dOut[i]
		} else {
			dx[i] = 0
		}
	}
	return nil
}
