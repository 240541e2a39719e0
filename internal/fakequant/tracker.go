package fakequant

import "fmt"

// MovingStateTracker applies one exponential decay step per training call.
// It is shared by MovingAverageAbsMaxScale and the moving-average quantize
// operators so they update state identically.
type MovingStateTracker struct {
	Rate float32
}

// Update folds cur (the abs-max of the current tensor) into st. In Infer mode
// the state is returned unchanged together with its current scale.
func (t MovingStateTracker) Update(st MovingAverageState, cur float32, mode Mode) (float32, MovingAverageState) {
	if mode == Infer {
		return st.Scale(), st
	}
	next := MovingAverageState{
		Accum: t.Rate*st.Accum + cur,
		State: t.Rate*st.State + 1,
	}
	return next.Accum / next.State, next
}

// WindowTracker maintains the range abs-max window.
type WindowTracker struct {
	Size int
}

// Update records cur in ws and returns the max over the window. In Infer mode
// ws is neither read nor written and inScale is returned.
func (t WindowTracker) Update(ws *WindowState, cur float32, mode Mode, inScale float32) (float32, error) {
	if mode == Infer {
		return inScale, nil
	}
	if ws == nil {
		return 0, fmt.Errorf("%w: nil window state", ErrInvalidState)
	}
	if t.Size < 1 {
		return 0, fmt.Errorf("%w: window size %d", ErrInvalidState, t.Size)
	}
	if len(ws.Scales) != t.Size {
		return 0, fmt.Errorf("%w: window buffer has %d slots, want %d", ErrShapeMismatch, len(ws.Scales), t.Size)
	}
	if ws.Iter < 0 {
		return 0, fmt.Errorf("%w: negative window iteration %d", ErrInvalidState, ws.Iter)
	}
	ws.Scales[ws.Iter%int64(t.Size)] = cur
	ws.Iter++
	var scale float32
	for _, v := range ws.Valid() {
		scale = max(scale, v)
	}
	return scale, nil
}
