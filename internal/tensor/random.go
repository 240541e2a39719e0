package tensor

import (
	"math/rand"
	"time"
)

// newRand returns a seeded generator. Seed 0 picks a time based seed so that
// repeated unseeded fills differ.
func newRand(seed int64) *rand.Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}

// FillUniform fills t with values drawn uniformly from [lo, hi).
func FillUniform(t *Tensor, lo, hi float32, seed int64) {
	rng := newRand(seed)
	span := hi - lo
	for i := range t.Data {
		t.Data[i] = lo + rng.Float32()*span
	}
}

// FillGaussian fills t with values drawn from N(mean, std^2).
func FillGaussian(t *Tensor, mean, std float32, seed int64) {
	rng := newRand(seed)
	for i := range t.Data {
		t.Data[i] = mean + float32(rng.NormFloat64())*std
	}
}
