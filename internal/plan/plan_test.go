package plan

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/samcharles93/quantsim/internal/fakequant"
)

const samplePlan = `
defaults:
  bit_length: 4
  window_size: 3
layers:
  - name: conv1.weight
    strategy: channel_wise_abs_max
    quant_axis: 1
  - name: conv1.input
    strategy: Moving_Average_Abs_Max
    dequantize: true
    moving_rate: 0.5
  - name: fc.input
    strategy: range_abs_max
    bit_length: 8
`

func TestParsePlan(t *testing.T) {
	t.Parallel()

	p, err := Parse([]byte(samplePlan))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(p.Layers) != 3 {
		t.Fatalf("layers: got %d want 3", len(p.Layers))
	}

	conv, ok := p.Layer("conv1.weight")
	if !ok {
		t.Fatal("conv1.weight missing")
	}
	cfg := p.LayerConfig(conv)
	if cfg.BitLength != 4 || cfg.QuantAxis != fakequant.Axis1 || cfg.WindowSize != 3 {
		t.Fatalf("conv1.weight config: %+v", cfg)
	}
	if cfg.MovingRate != fakequant.DefaultMovingRate {
		t.Fatalf("moving rate should fall back to default, got %v", cfg.MovingRate)
	}

	in, _ := p.Layer("conv1.input")
	if in.Strategy != MovingAverageAbsMax {
		t.Fatalf("strategy not normalised: %q", in.Strategy)
	}
	if !in.Dequantize {
		t.Fatal("dequantize flag lost")
	}
	if got := p.LayerConfig(in).MovingRate; got != 0.5 {
		t.Fatalf("moving rate override: got %v want 0.5", got)
	}

	fc, _ := p.Layer("fc.input")
	if got := p.LayerConfig(fc).BitLength; got != 8 {
		t.Fatalf("bit length override: got %d want 8", got)
	}
}

func TestParsePlanErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
		want error
	}{
		{
			name: "empty",
			yaml: "layers: []\n",
			want: ErrInvalidPlan,
		},
		{
			name: "unknown strategy",
			yaml: "layers:\n  - {name: a, strategy: log_scale}\n",
			want: ErrUnknownStrategy,
		},
		{
			name: "duplicate",
			yaml: "layers:\n  - {name: a, strategy: abs_max}\n  - {name: a, strategy: abs_max}\n",
			want: ErrInvalidPlan,
		},
		{
			name: "missing name",
			yaml: "layers:\n  - {strategy: abs_max}\n",
			want: ErrInvalidPlan,
		},
		{
			name: "bad bits",
			yaml: "layers:\n  - {name: a, strategy: abs_max, bit_length: 0}\n",
			want: fakequant.ErrInvalidBitLength,
		},
		{
			name: "bad default rate",
			yaml: "defaults: {moving_rate: 1.5}\nlayers:\n  - {name: a, strategy: moving_average_abs_max}\n",
			want: fakequant.ErrInvalidMovingRate,
		},
		{
			name: "oversized window",
			yaml: "defaults: {window_size: 4294967296}\nlayers:\n  - {name: a, strategy: range_abs_max}\n",
			want: fakequant.ErrInvalidWindowSize,
		},
		{
			name: "bad axis",
			yaml: "layers:\n  - {name: a, strategy: channel_wise_abs_max, quant_axis: 2}\n",
			want: fakequant.ErrInvalidAxis,
		},
		{
			name: "unknown key",
			yaml: "layers:\n  - {name: a, strategy: abs_max, bits: 4}\n",
			want: ErrInvalidPlan,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tt.yaml))
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadPlan(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "plan.yaml")
	if err := os.WriteFile(path, []byte(samplePlan), 0o644); err != nil {
		t.Fatalf("write plan: %v", err)
	}
	p, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(p.Layers) != 3 {
		t.Fatalf("layers: got %d want 3", len(p.Layers))
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not exist, got %v", err)
	}
}

func TestUniformPlan(t *testing.T) {
	t.Parallel()

	cfg := fakequant.DefaultConfig()
	cfg.BitLength = 5
	p := Uniform([]string{"a", "b"}, RangeAbsMax, true, cfg)
	if err := p.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	for _, l := range p.Layers {
		if got := p.LayerConfig(l); got != cfg {
			t.Fatalf("%s config: got %+v want %+v", l.Name, got, cfg)
		}
		if l.Strategy != RangeAbsMax || !l.Dequantize {
			t.Fatalf("%s spec: %+v", l.Name, l)
		}
	}

	cfg.BitLength = 0
	if err := Uniform([]string{"a"}, AbsMax, false, cfg).Validate(); !errors.Is(err, fakequant.ErrInvalidBitLength) {
		t.Fatalf("expected ErrInvalidBitLength, got %v", err)
	}
}
