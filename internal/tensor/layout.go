package tensor

import "fmt"

// Layout views a row-major tensor as Outer x Channels x Inner around a
// single axis. Element (o, c, k) lives at index (o*Channels+c)*Inner + k, so
// every channel is Outer contiguous runs of Inner values.
type Layout struct {
	Outer    int
	Channels int
	Inner    int
}

// AxisLayout computes the layout of shape around axis.
func AxisLayout(shape []int, axis int) (Layout, error) {
	if axis < 0 || axis >= len(shape) {
		return Layout{}, fmt.Errorf("%w: axis %d out of range for rank %d", ErrInvalidShape, axis, len(shape))
	}
	l := Layout{Outer: 1, Channels: shape[axis], Inner: 1}
	for _, d := range shape[:axis] {
		l.Outer *= d
	}
	for _, d := range shape[axis+1:] {
		l.Inner *= d
	}
	return l, nil
}

// Runs calls fn with the [start, end) bounds of every contiguous run that
// belongs to channel c.
func (l Layout) Runs(c int, fn func(start, end int)) {
	if l.Inner == 0 {
		return
	}
	for o := range l.Outer {
		start := (o*l.Channels + c) * l.Inner
		fn(start, start+l.Inner)
	}
}

// ChannelAbsMax returns max(|x|) for each channel of data, in channel order.
func (l Layout) ChannelAbsMax(data []float32) []float32 {
	out := make([]float32, l.Channels)
	for c := range l.Channels {
		var m float32
		l.Runs(c, func(start, end int) {
			m = max(m, AbsMax(data[start:end]))
		})
		out[c] = m
	}
	return out
}
