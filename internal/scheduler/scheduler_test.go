package scheduler

import (
	"math/rand"
	"testing"

	"github.com/kvmfuzz/kvmfuzz/internal/testrunner/assert"
	"github.com/kvmfuzz/kvmfuzz/internal/testrunner/prop"
)

// Invariant 7 (age half): skip_factor decreases as idx approaches
// fuzz_input_count (newer inputs are more likely to be picked).
func TestAgePenaltyMonotonicTowardNewer(t *testing.T) {
	const count = 1000
	prevPenalty := AgePenalty(AgePercentile(0, count))
	for _, idx := range []uint64{100, 400, 700, 800, 900, 970, 999} {
		p := AgePenalty(AgePercentile(idx, count))
		assert.Equal(t, true, p <= prevPenalty)
		prevPenalty = p
	}
}

// Invariant 7 (size half): skip_factor increases with len >= 1KiB.
func TestSizePenaltyIncreasesWithSize(t *testing.T) {
	assert.Equal(t, 0, SizePenalty(0))
	small := SizePenalty(512)
	atKiB := SizePenalty(1024)
	larger := SizePenalty(1 << 20)
	assert.Equal(t, true, atKiB >= small)
	assert.Equal(t, true, larger >= atKiB)
}

// Property: SizePenalty always stays within its documented clamp range,
// for any randomly generated positive length.
func TestSizePenaltyStaysClamped(t *testing.T) {
	genLen := func(r *rand.Rand, size int) int {
		if size <= 0 {
			size = 1
		}
		return 1 + r.Intn(1<<uint(min(size, 24)))
	}
	result := prop.ForAll1(genLen, nil, func(length int) bool {
		p := SizePenalty(length)
		return p >= -5 && p <= 5
	}, prop.Options{Trials: 200, Seed: 12345})
	assert.Equal(t, false, result.Failed)
}

func TestSpeedFactorClampedRange(t *testing.T) {
	assert.Equal(t, 2, SpeedFactor(1000, 1))
	assert.Equal(t, -10, SpeedFactor(1, 1_000_000))
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
