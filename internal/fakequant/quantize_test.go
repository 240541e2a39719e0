package fakequant

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/quantsim/internal/tensor"
)

// refQuantize is the element formula written out independently of the
// package helpers.
func refQuantize(v, scale float32, bits int) float32 {
	inv := 1 / scale
	if scale < 1e-30 {
		inv = 1 / (scale + 1e-6)
	}
	levels := float32(int(1)<<(bits-1) - 1)
	return float32(math.Round(float64(v * inv * levels)))
}

func randTensor(seed int64, lo, hi float32, shape ...int) *tensor.Tensor {
	x := tensor.New(shape...)
	tensor.FillUniform(x, lo, hi, seed)
	return x
}

func mustQuantizer(t *testing.T, cfg Config) *Quantizer {
	t.Helper()
	q, err := NewQuantizer(cfg)
	require.NoError(t, err)
	return q
}

func TestConcreteScenario(t *testing.T) {
	t.Parallel()

	x, err := tensor.FromData([]int{1, 2}, []float32{0.6, -0.6})
	require.NoError(t, err)
	q := mustQuantizer(t, DefaultConfig())

	quant := q.FakeQuantizeAbsMax(x)
	assert.Equal(t, float32(0.6), quant.Scale)
	assert.Equal(t, []float32{127, -127}, quant.Out.Data)
	assert.Equal(t, []int{1, 2}, quant.Out.Shape)

	deq := make([]float32, 2)
	require.NoError(t, Dequantize(deq, quant.Out.Data, quant.Scale, 8))
	assert.Equal(t, []float32{0.6, -0.6}, deq)

	fused := q.FakeQuantizeDequantizeAbsMax(x)
	assert.Equal(t, []float32{0.6, -0.6}, fused.Out.Data)
}

func TestRoundingHalfAwayFromZero(t *testing.T) {
	t.Parallel()

	// bits=2 gives one level, so v*inv lands exactly on the tie for +-0.5.
	src := []float32{0.5, -0.5, 0.49, -0.49, 1.5}
	dst := make([]float32, len(src))
	require.NoError(t, Quantize(dst, src, 1, 2, false))
	assert.Equal(t, []float32{1, -1, 0, 0, 2}, dst)
}

func TestFakeQuantizeAbsMaxMatchesReference(t *testing.T) {
	t.Parallel()

	x := randTensor(1, 0, 1, 124, 240)
	q := mustQuantizer(t, DefaultConfig())
	res := q.FakeQuantizeAbsMax(x)

	scale := tensor.AbsMax(x.Data)
	require.Equal(t, scale, res.Scale)
	for i, v := range x.Data {
		require.Equal(t, refQuantize(v, scale, 8), res.Out.Data[i], "element %d", i)
	}
	assert.False(t, res.Differentiable)
}

func TestAbsMaxRoundTripBound(t *testing.T) {
	t.Parallel()

	for _, bits := range []int{5, 6, 7, 8} {
		x := randTensor(int64(bits), -3, 3, 32, 64)
		cfg := DefaultConfig()
		cfg.BitLength = bits
		res := mustQuantizer(t, cfg).FakeQuantizeDequantizeAbsMax(x)

		bound := float64(res.Scale / Levels(bits))
		for i, v := range x.Data {
			diff := math.Abs(float64(res.Out.Data[i] - v))
			require.LessOrEqual(t, diff, bound, "bits=%d element %d", bits, i)
		}
	}
}

func TestEpsilonGuard(t *testing.T) {
	t.Parallel()

	q := mustQuantizer(t, DefaultConfig())

	zeros := tensor.New(10, 10)
	res := q.FakeQuantizeAbsMax(zeros)
	assert.Zero(t, res.Scale)
	for i, v := range res.Out.Data {
		require.False(t, math.IsNaN(float64(v)), "element %d is NaN", i)
		require.Zero(t, v)
	}

	tiny := tensor.New(10, 10)
	for i := range tiny.Data {
		tiny.Data[i] = 1e-40
	}
	res = q.FakeQuantizeAbsMax(tiny)
	scale := res.Scale
	require.Less(t, scale, float32(1e-30))

	wantInv := 1 / (scale + 1e-6)
	assert.Equal(t, wantInv, InverseScale(scale))
	assert.NotEqual(t, 1/scale, InverseScale(scale))
	for i, v := range tiny.Data {
		want := float32(math.Round(float64(v * wantInv * 127)))
		require.Equal(t, want, res.Out.Data[i], "element %d", i)
	}
}

func TestEmptyTensor(t *testing.T) {
	t.Parallel()

	x := tensor.New(0, 4)
	q := mustQuantizer(t, DefaultConfig())

	res := q.FakeQuantizeDequantizeAbsMax(x)
	assert.Zero(t, res.Scale)
	assert.Empty(t, res.Out.Data)

	ws := NewWindowState(DefaultWindowSize)
	rng, err := q.FakeQuantizeRangeAbsMax(x, ws, 0, Train)
	require.NoError(t, err)
	assert.Zero(t, rng.Scale)
}

func TestOneBitQuantizesToZero(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.BitLength = 1
	x := randTensor(4, -1, 1, 4, 4)
	res := mustQuantizer(t, cfg).FakeQuantizeDequantizeAbsMax(x)
	for _, v := range res.Out.Data {
		require.Zero(t, v)
	}
}

func TestLevels(t *testing.T) {
	t.Parallel()

	assert.Equal(t, float32(0), Levels(1))
	assert.Equal(t, float32(7), Levels(4))
	assert.Equal(t, float32(127), Levels(8))
	assert.Equal(t, float32(1<<23-1), Levels(MaxBitLength))
	// Every level at the widest grid is exact in float32.
	assert.Equal(t, int64(1<<23-1), int64(Levels(MaxBitLength)))
	assert.Zero(t, Levels(0))
	assert.Zero(t, Levels(MaxBitLength+1))
}

func TestBitLengthValidatedPerCall(t *testing.T) {
	t.Parallel()

	src := []float32{0.6, -0.6}
	dst := make([]float32, len(src))
	x, err := tensor.FromData([]int{1, 2}, src)
	require.NoError(t, err)
	y := x.ZerosLike()

	for _, bits := range []int{0, -3, MaxBitLength + 1} {
		assert.ErrorIs(t, Quantize(dst, src, 0.6, bits, false), ErrInvalidBitLength, "bits %d", bits)
		assert.ErrorIs(t, Dequantize(dst, src, 0.6, bits), ErrInvalidBitLength, "bits %d", bits)
		assert.ErrorIs(t, QuantizeChannelWise(y, x, []float32{0.6}, Axis0, bits), ErrInvalidBitLength, "bits %d", bits)
		assert.ErrorIs(t, DequantizeChannelWise(y, x, []float32{0.6}, Axis0, bits), ErrInvalidBitLength, "bits %d", bits)
	}

	require.NoError(t, Quantize(dst, src, 0.6, 8, false))
	assert.Equal(t, []float32{127, -127}, dst)
}

func TestQuantizeLengthMismatch(t *testing.T) {
	t.Parallel()

	err := Quantize(make([]float32, 2), make([]float32, 3), 1, 8, false)
	assert.ErrorIs(t, err, ErrShapeMismatch)
	err = Dequantize(make([]float32, 2), make([]float32, 3), 1, 8)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestDequantizeMaxRange(t *testing.T) {
	t.Parallel()

	src := []float32{127, -64, 0}
	dst := make([]float32, 3)
	require.NoError(t, DequantizeMaxRange(dst, src, 2, 127))
	assert.InDeltaSlice(t, []float64{2, -128.0 / 127, 0}, toF64(dst), 1e-6)
}

// naiveChannelScales indexes the tensor directly instead of going through a
// Layout.
func naiveChannelScales(x *tensor.Tensor, axis int) []float32 {
	n := x.Shape[axis]
	scales := make([]float32, n)
	inner := 1
	for _, d := range x.Shape[2:] {
		inner *= d
	}
	d0, d1 := x.Shape[0], x.Shape[1]
	for i := range d0 {
		for j := range d1 {
			base := (i*d1 + j) * inner
			c := i
			if axis == 1 {
				c = j
			}
			scales[c] = max(scales[c], tensor.AbsMax(x.Data[base:base+inner]))
		}
	}
	return scales
}

func TestChannelWiseQuantize(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		shape []int
		axis  QuantAxis
		bits  int
	}{
		{"4d_axis0", []int{20, 15, 6, 6}, Axis0, 8},
		{"4d_axis1", []int{15, 20, 5, 5}, Axis1, 8},
		{"2d_axis0", []int{30, 15}, Axis0, 8},
		{"2d_axis1", []int{30, 15}, Axis1, 8},
		{"2d_axis1_5bit", []int{30, 15}, Axis1, 5},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			x := randTensor(int64(i+1), -1, 1, tc.shape...)
			cfg := DefaultConfig()
			cfg.QuantAxis = tc.axis
			cfg.BitLength = tc.bits
			q := mustQuantizer(t, cfg)

			res, err := q.FakeChannelWiseQuantizeAbsMax(x)
			require.NoError(t, err)
			want := naiveChannelScales(x, int(tc.axis))
			require.Equal(t, want, res.Scales)

			l, err := tensor.AxisLayout(x.Shape, int(tc.axis))
			require.NoError(t, err)
			for c, s := range res.Scales {
				l.Runs(c, func(start, end int) {
					for k := start; k < end; k++ {
						require.Equal(t, refQuantize(x.Data[k], s, tc.bits), res.Out.Data[k])
					}
				})
			}

			fused, err := q.FakeChannelWiseQuantizeDequantizeAbsMax(x)
			require.NoError(t, err)
			require.True(t, fused.Differentiable)
			for c, s := range fused.Scales {
				bound := float64(s / Levels(tc.bits))
				l.Runs(c, func(start, end int) {
					for k := start; k < end; k++ {
						require.LessOrEqual(t, math.Abs(float64(fused.Out.Data[k]-x.Data[k])), bound)
					}
				})
			}
		})
	}
}

func TestChannelWiseIndependentOfNonAxisPermutation(t *testing.T) {
	t.Parallel()

	const rows, cols = 12, 9
	x := randTensor(7, -2, 2, rows, cols)
	perm := rand.New(rand.NewSource(3)).Perm(cols)

	permuted := x.ZerosLike()
	for r := range rows {
		for c := range cols {
			permuted.Data[r*cols+c] = x.Data[r*cols+perm[c]]
		}
	}

	q := mustQuantizer(t, DefaultConfig())
	a, err := q.FakeChannelWiseQuantizeAbsMax(x)
	require.NoError(t, err)
	b, err := q.FakeChannelWiseQuantizeAbsMax(permuted)
	require.NoError(t, err)

	require.Equal(t, a.Scales, b.Scales)
	for r := range rows {
		for c := range cols {
			require.Equal(t, a.Out.Data[r*cols+perm[c]], b.Out.Data[r*cols+c])
		}
	}
}

func TestChannelWiseErrors(t *testing.T) {
	t.Parallel()

	q := mustQuantizer(t, DefaultConfig())
	_, err := q.FakeChannelWiseQuantizeAbsMax(tensor.New(8))
	assert.ErrorIs(t, err, ErrInvalidAxis)

	x := randTensor(1, -1, 1, 4, 3)
	err = QuantizeChannelWise(x.ZerosLike(), x, []float32{1, 1}, Axis1, 8)
	assert.ErrorIs(t, err, ErrShapeMismatch)
	err = QuantizeChannelWise(tensor.New(3, 4), x, []float32{1, 1, 1, 1}, Axis0, 8)
	assert.ErrorIs(t, err, ErrShapeMismatch)
	err = DequantizeChannelWise(x.ZerosLike(), x, []float32{1, 1, 1}, QuantAxis(2), 8)
	assert.ErrorIs(t, err, ErrInvalidAxis)
}

func toF64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}
