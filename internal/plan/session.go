package plan

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/quantsim/internal/fakequant"
	"github.com/samcharles93/quantsim/internal/logger"
	"github.com/samcharles93/quantsim/internal/metrics"
	"github.com/samcharles93/quantsim/internal/tensor"
)

// Layer is the runtime side of a LayerSpec: its validated quantizer plus
// whatever state its strategy keeps.
type Layer struct {
	Spec   LayerSpec
	Config fakequant.Config

	// Window is set for range_abs_max layers.
	Window *fakequant.WindowState
	// Moving is set for moving_average_abs_max layers.
	Moving *fakequant.MovingAverageState
	// Scale is the latest scalar scale. Stateful layers use it as the input
	// scale in Infer mode.
	Scale  float32
	Scales []float32
	Calls  int64

	q    *fakequant.Quantizer
	last *fakequant.Result
}

// Session runs a plan. It is not safe for concurrent use; callers serialise
// access (see internal/session).
type Session struct {
	RunID string

	// metricsID labels this session's gauge series. It stays fixed when
	// LoadState adopts a stored run id.
	metricsID string
	plan      *Plan
	layers map[string]*Layer
	log    logger.Logger
}

// NewSession validates p and allocates fresh state for every layer.
func NewSession(p *Plan, log logger.Logger) (*Session, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Discard()
	}
	id := uuid.NewString()
	s := &Session{
		RunID:     id,
		metricsID: id,
		plan:      p,
		layers:    make(map[string]*Layer, len(p.Layers)),
		log:       log,
	}
	for _, spec := range p.Layers {
		cfg := p.LayerConfig(spec)
		q, err := fakequant.NewQuantizer(cfg)
		if err != nil {
			return nil, fmt.Errorf("layer %q: %w", spec.Name, err)
		}
		l := &Layer{Spec: spec, Config: cfg, q: q}
		l.reset()
		s.layers[spec.Name] = l
	}
	return s, nil
}

func (l *Layer) reset() {
	l.Window, l.Moving, l.Scales, l.last = nil, nil, nil, nil
	l.Scale, l.Calls = 0, 0
	switch l.Spec.Strategy {
	case RangeAbsMax:
		l.Window = fakequant.NewWindowState(l.Config.WindowSize)
	case MovingAverageAbsMax:
		l.Moving = fakequant.NewMovingAverageState()
		l.Scale = l.Moving.Scale()
	}
}

func (s *Session) Plan() *Plan { return s.plan }

func (s *Session) Layer(name string) (*Layer, error) {
	l, ok := s.layers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLayer, name)
	}
	return l, nil
}

// Layers returns the layers in plan order.
func (s *Session) Layers() []*Layer {
	out := make([]*Layer, 0, len(s.plan.Layers))
	for _, spec := range s.plan.Layers {
		out = append(out, s.layers[spec.Name])
	}
	return out
}

// Reset drops all accumulated state.
func (s *Session) Reset() {
	for _, l := range s.layers {
		l.reset()
	}
	metrics.ForgetSession(s.metricsID)
}

// Close releases the session's metric series. The session stays usable.
func (s *Session) Close() {
	metrics.ForgetSession(s.metricsID)
}

// Run applies the named layer's strategy to x. inScale overrides the layer's
// stored scale for Infer mode when non-nil. Only Train runs update the
// layer's stored scales.
func (s *Session) Run(name string, x *tensor.Tensor, mode fakequant.Mode, inScale *float32) (*fakequant.Result, error) {
	l, err := s.Layer(name)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := l.run(x, mode, inScale)
	if err != nil {
		return nil, fmt.Errorf("layer %q: %w", name, err)
	}
	strategy := string(l.Spec.Strategy)
	metrics.RecordDuration(strategy, time.Since(start))

	l.Calls++
	l.last = res
	train := mode == fakequant.Train
	if res.Scales != nil {
		if train {
			l.Scales = res.Scales
		}
		metrics.RecordQuantize(strategy, mode.String(), x.Len(), slices.ContainsFunc(res.Scales, fakequant.IsZeroScale))
	} else {
		if train {
			l.Scale = res.Scale
			metrics.LayerScale.WithLabelValues(s.metricsID, name).Set(float64(res.Scale))
		}
		metrics.RecordQuantize(strategy, mode.String(), x.Len(), fakequant.IsZeroScale(res.Scale))
	}
	s.log.Debug("layer quantized",
		"layer", name,
		"strategy", strategy,
		"mode", mode,
		"scale", res.Scale,
		"channels", len(res.Scales),
		"calls", l.Calls,
	)
	return res, nil
}

func (l *Layer) run(x *tensor.Tensor, mode fakequant.Mode, inScale *float32) (*fakequant.Result, error) {
	if mode != fakequant.Train && mode != fakequant.Infer {
		return nil, fmt.Errorf("%w: %d", fakequant.ErrInvalidMode, int(mode))
	}
	scale := l.Scale
	if inScale != nil {
		scale = *inScale
	}
	dq := l.Spec.Dequantize
	switch l.Spec.Strategy {
	case AbsMax:
		if dq {
			return l.q.FakeQuantizeDequantizeAbsMax(x), nil
		}
		return l.q.FakeQuantizeAbsMax(x), nil
	case ChannelWiseAbsMax:
		if dq {
			return l.q.FakeChannelWiseQuantizeDequantizeAbsMax(x)
		}
		return l.q.FakeChannelWiseQuantizeAbsMax(x)
	case RangeAbsMax:
		if dq {
			return l.q.FakeQuantizeDequantizeRangeAbsMax(x, l.Window, scale, mode)
		}
		return l.q.FakeQuantizeRangeAbsMax(x, l.Window, scale, mode)
	case MovingAverageAbsMax:
		if dq {
			return l.q.FakeQuantizeDequantizeMovingAverageAbsMax(x, l.Moving, scale, mode)
		}
		return l.q.FakeQuantizeMovingAverageAbsMax(x, l.Moving, scale, mode)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, l.Spec.Strategy)
	}
}

// Backward propagates dOut through the layer's most recent forward result.
func (s *Session) Backward(name string, dOut []float32) ([]float32, error) {
	l, err := s.Layer(name)
	if err != nil {
		return nil, err
	}
	if l.last == nil {
		return nil, fmt.Errorf("%w: layer %q has not run", fakequant.ErrNoGradient, name)
	}
	return l.last.Backward(dOut)
}

// LayerState is a read-only view of one layer for reporting.
type LayerState struct {
	Name       string           `json:"name"`
	Strategy   Strategy         `json:"strategy"`
	Dequantize bool             `json:"dequantize"`
	Config     fakequant.Config `json:"config"`
	Calls      int64            `json:"calls"`
	Scale      float32          `json:"scale"`
	Scales     []float32        `json:"scales,omitempty"`
	Window     *WindowSnapshot  `json:"window,omitempty"`
	Moving     *MovingSnapshot  `json:"moving,omitempty"`
}

type WindowSnapshot struct {
	Size   int       `json:"size"`
	Iter   int64     `json:"iter"`
	Recent []float32 `json:"recent"`
}

type MovingSnapshot struct {
	Accum float32 `json:"accum"`
	State float32 `json:"state"`
}

// Snapshot copies every layer's state in plan order.
func (s *Session) Snapshot() []LayerState {
	out := make([]LayerState, 0, len(s.plan.Layers))
	for _, l := range s.Layers() {
		st := LayerState{
			Name:       l.Spec.Name,
			Strategy:   l.Spec.Strategy,
			Dequantize: l.Spec.Dequantize,
			Config:     l.Config,
			Calls:      l.Calls,
			Scale:      l.Scale,
			Scales:     slices.Clone(l.Scales),
		}
		if l.Window != nil {
			st.Window = &WindowSnapshot{
				Size:   len(l.Window.Scales),
				Iter:   l.Window.Iter,
				Recent: slices.Clone(l.Window.Valid()),
			}
		}
		if l.Moving != nil {
			st.Moving = &MovingSnapshot{Accum: l.Moving.Accum, State: l.Moving.State}
		}
		out = append(out, st)
	}
	return out
}
