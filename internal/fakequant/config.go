package fakequant

import (
	"fmt"
	"strings"
)

const (
	DefaultBitLength  = 8
	DefaultWindowSize = 10000
	DefaultMovingRate = 0.9

	// MaxBitLength keeps every level of the grid exactly representable in
	// a float32 mantissa.
	MaxBitLength = 24

	// MaxWindowSize bounds the range_abs_max buffer allocated per layer.
	MaxWindowSize = 1 << 20
)

// QuantAxis selects the tensor dimension treated as the channel axis by the
// channel-wise strategies. Only the first two dimensions are supported.
type QuantAxis int

const (
	Axis0 QuantAxis = iota
	Axis1
)

func (a QuantAxis) String() string {
	switch a {
	case Axis0:
		return "axis0"
	case Axis1:
		return "axis1"
	default:
		return fmt.Sprintf("axis(%d)", int(a))
	}
}

// Mode switches the stateful strategies between recomputing and mutating
// their state (Train) and reading fixed state without mutation (Infer).
type Mode int

const (
	Train Mode = iota
	Infer
)

func (m Mode) String() string {
	if m == Infer {
		return "infer"
	}
	return "train"
}

// ParseMode accepts "train" or "infer" ("test" and "eval" are aliases of
// infer).
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "train", "training":
		return Train, nil
	case "infer", "inference", "test", "eval":
		return Infer, nil
	default:
		return Train, fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// Config holds the declarative parameters of a quantizer.
type Config struct {
	BitLength  int       `yaml:"bit_length" json:"bit_length"`
	QuantAxis  QuantAxis `yaml:"quant_axis" json:"quant_axis"`
	WindowSize int       `yaml:"window_size" json:"window_size"`
	MovingRate float32   `yaml:"moving_rate" json:"moving_rate"`
}

func DefaultConfig() Config {
	return Config{
		BitLength:  DefaultBitLength,
		QuantAxis:  Axis0,
		WindowSize: DefaultWindowSize,
		MovingRate: DefaultMovingRate,
	}
}

// Validate rejects configurations that can never run.
func (c Config) Validate() error {
	if c.BitLength < 1 || c.BitLength > MaxBitLength {
		return fmt.Errorf("%w: %d (must be in [1, %d])", ErrInvalidBitLength, c.BitLength, MaxBitLength)
	}
	if c.QuantAxis != Axis0 && c.QuantAxis != Axis1 {
		return fmt.Errorf("%w: %d (must be 0 or 1)", ErrInvalidAxis, int(c.QuantAxis))
	}
	if c.WindowSize < 1 || c.WindowSize > MaxWindowSize {
		return fmt.Errorf("%w: %d (must be in [1, %d])", ErrInvalidWindowSize, c.WindowSize, MaxWindowSize)
	}
	if !(c.MovingRate > 0 && c.MovingRate <= 1) {
		return fmt.Errorf("%w: %v (must be in (0, 1])", ErrInvalidMovingRate, c.MovingRate)
	}
	return nil
}

// Levels returns the largest quantized magnitude for bits, 2^(bits-1) - 1.
// Bit lengths outside [1, MaxBitLength] give 0; callers validate first.
func Levels(bits int) float32 {
	if bits < 1 || bits > MaxBitLength {
		return 0
	}
	return float32(int(1)<<(bits-1) - 1)
}

func checkBits(bits int) error {
	if bits < 1 || bits > MaxBitLength {
		return fmt.Errorf("%w: %d (must be in [1, %d])", ErrInvalidBitLength, bits, MaxBitLength)
	}
	return nil
}
