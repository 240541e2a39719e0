// Package plan describes which fake-quantization strategy applies to which
// named tensor, and runs those strategies while owning their state.
package plan

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/quantsim/internal/fakequant"
)

var (
	ErrInvalidPlan     = errors.New("plan: invalid plan")
	ErrUnknownStrategy = errors.New("plan: unknown strategy")
	ErrUnknownLayer    = errors.New("plan: unknown layer")
)

type Strategy string

const (
	AbsMax              Strategy = "abs_max"
	ChannelWiseAbsMax   Strategy = "channel_wise_abs_max"
	RangeAbsMax         Strategy = "range_abs_max"
	MovingAverageAbsMax Strategy = "moving_average_abs_max"
)

var strategies = []Strategy{AbsMax, ChannelWiseAbsMax, RangeAbsMax, MovingAverageAbsMax}

func ParseStrategy(s string) (Strategy, error) {
	st := Strategy(strings.ToLower(strings.TrimSpace(s)))
	if slices.Contains(strategies, st) {
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

// Stateful reports whether the strategy carries state across calls.
func (s Strategy) Stateful() bool {
	return s == RangeAbsMax || s == MovingAverageAbsMax
}

// Overrides holds optional quantizer parameters. Unset fields fall through to
// the next level (layer -> plan defaults -> built-in defaults).
type Overrides struct {
	BitLength  *int                 `yaml:"bit_length,omitempty" json:"bit_length,omitempty"`
	QuantAxis  *fakequant.QuantAxis `yaml:"quant_axis,omitempty" json:"quant_axis,omitempty"`
	WindowSize *int                 `yaml:"window_size,omitempty" json:"window_size,omitempty"`
	MovingRate *float32             `yaml:"moving_rate,omitempty" json:"moving_rate,omitempty"`
}

// Apply returns base with every set field of o replaced.
func (o Overrides) Apply(base fakequant.Config) fakequant.Config {
	if o.BitLength != nil {
		base.BitLength = *o.BitLength
	}
	if o.QuantAxis != nil {
		base.QuantAxis = *o.QuantAxis
	}
	if o.WindowSize != nil {
		base.WindowSize = *o.WindowSize
	}
	if o.MovingRate != nil {
		base.MovingRate = *o.MovingRate
	}
	return base
}

type LayerSpec struct {
	Name       string   `yaml:"name" json:"name"`
	Strategy   Strategy `yaml:"strategy" json:"strategy"`
	Dequantize bool     `yaml:"dequantize,omitempty" json:"dequantize,omitempty"`

	Overrides `yaml:",inline"`
}

type Plan struct {
	Defaults Overrides   `yaml:"defaults,omitempty" json:"defaults,omitempty"`
	Layers   []LayerSpec `yaml:"layers" json:"layers"`
}

// LayerConfig resolves the quantizer configuration of one layer.
func (p *Plan) LayerConfig(l LayerSpec) fakequant.Config {
	return l.Overrides.Apply(p.Defaults.Apply(fakequant.DefaultConfig()))
}

// Layer looks a layer up by name.
func (p *Plan) Layer(name string) (LayerSpec, bool) {
	for _, l := range p.Layers {
		if l.Name == name {
			return l, true
		}
	}
	return LayerSpec{}, false
}

// Validate checks names, strategies and every resolved layer config.
func (p *Plan) Validate() error {
	if len(p.Layers) == 0 {
		return fmt.Errorf("%w: no layers", ErrInvalidPlan)
	}
	seen := make(map[string]struct{}, len(p.Layers))
	for i, l := range p.Layers {
		if strings.TrimSpace(l.Name) == "" {
			return fmt.Errorf("%w: layer %d has no name", ErrInvalidPlan, i)
		}
		if _, dup := seen[l.Name]; dup {
			return fmt.Errorf("%w: duplicate layer %q", ErrInvalidPlan, l.Name)
		}
		seen[l.Name] = struct{}{}
		if !slices.Contains(strategies, l.Strategy) {
			return fmt.Errorf("%w: layer %q: %w: %q", ErrInvalidPlan, l.Name, ErrUnknownStrategy, l.Strategy)
		}
		if err := p.LayerConfig(l).Validate(); err != nil {
			return fmt.Errorf("%w: layer %q: %w", ErrInvalidPlan, l.Name, err)
		}
	}
	return nil
}

// Normalize canonicalises strategy names and validates the result. Plans
// decoded from JSON go through it before use.
func (p *Plan) Normalize() error {
	for i := range p.Layers {
		st, err := ParseStrategy(string(p.Layers[i].Strategy))
		if err != nil {
			return fmt.Errorf("%w: layer %q: %w", ErrInvalidPlan, p.Layers[i].Name, err)
		}
		p.Layers[i].Strategy = st
	}
	return p.Validate()
}

// Parse decodes and validates a YAML plan. Unknown keys are rejected.
func Parse(data []byte) (*Plan, error) {
	var p Plan
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	if err := p.Normalize(); err != nil {
		return nil, err
	}
	return &p, nil
}

func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Uniform builds a plan applying one strategy and config to every name.
func Uniform(names []string, strategy Strategy, dequantize bool, cfg fakequant.Config) *Plan {
	bits, axis, window, rate := cfg.BitLength, cfg.QuantAxis, cfg.WindowSize, cfg.MovingRate
	p := &Plan{Defaults: Overrides{
		BitLength:  &bits,
		QuantAxis:  &axis,
		WindowSize: &window,
		MovingRate: &rate,
	}}
	for _, name := range names {
		p.Layers = append(p.Layers, LayerSpec{Name: name, Strategy: strategy, Dequantize: dequantize})
	}
	return p
}
