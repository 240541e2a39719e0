package fakequant

import "slices"

// WindowState is the circular buffer of recent abs-max observations used by
// the range abs-max strategy. len(Scales) is the window size; Iter counts the
// training calls seen so far.
type WindowState struct {
	Scales []float32
	Iter   int64
}

func NewWindowState(size int) *WindowState {
	return &WindowState{Scales: make([]float32, size)}
}

// Valid returns the buffer entries written so far.
func (w *WindowState) Valid() []float32 {
	n := min(w.Iter, int64(len(w.Scales)))
	return w.Scales[:n]
}

func (w *WindowState) Clone() *WindowState {
	return &WindowState{Scales: slices.Clone(w.Scales), Iter: w.Iter}
}

// MovingAverageState is the exponentially decayed (accum, state) pair behind
// the moving-average abs-max strategy.
type MovingAverageState struct {
	Accum float32
	State float32
}

// NewMovingAverageState returns the conventional (1, 1) starting state, which
// yields a defined scale of 1 before any data is seen.
func NewMovingAverageState() *MovingAverageState {
	return &MovingAverageState{Accum: 1, State: 1}
}

// Scale is Accum/State, or 0 while State is not positive.
func (s MovingAverageState) Scale() float32 {
	if s.State <= 0 {
		return 0
	}
	return s.Accum / s.State
}
