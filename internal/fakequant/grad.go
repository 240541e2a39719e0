package fakequant

import (
	"fmt"
	"slices"
)

// StraightThrough is the backward pass of every fused quantize-dequantize
// operator: rounding and clipping are treated as the identity, so the input
// gradient equals the upstream gradient.
func StraightThrough(dOut []float32) []float32 {
	return slices.Clone(dOut)
}

// MeanLossGrad is the upstream gradient of a mean-reduced loss over n
// elements: every element receives 1/n.
func MeanLossGrad(n int) []float32 {
	g := make([]float32, n)
	if n == 0 {
		return g
	}
	v := 1 / float32(n)
	for i := range g {
		g[i] = v
	}
	return g
}

// Backward returns d(loss)/d(input) for a fused quantize-dequantize result.
// Plain quantize results are not differentiable and return ErrNoGradient.
func (r *Result) Backward(dOut []float32) ([]float32, error) {
	if !r.Differentiable {
		return nil, ErrNoGradient
	}
	if len(dOut) != r.Out.Len() {
		return nil, fmt.Errorf("%w: gradient has %d elements, output %d", ErrShapeMismatch, len(dOut), r.Out.Len())
	}
	return StraightThrough(dOut), nil
}
