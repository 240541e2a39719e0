package fakequant

import "errors"

var (
	ErrInvalidBitLength  = errors.New("fakequant: invalid bit length")
	ErrInvalidAxis       = errors.New("fakequant: invalid quant axis")
	ErrInvalidWindowSize = errors.New("fakequant: invalid window size")
	ErrInvalidMovingRate = errors.New("fakequant: invalid moving rate")
	ErrInvalidMode       = errors.New("fakequant: invalid mode")
	ErrShapeMismatch     = errors.New("fakequant: shape mismatch")
	ErrInvalidState      = errors.New("fakequant: invalid state")
	ErrNoGradient        = errors.New("fakequant: operator has no gradient")
)
