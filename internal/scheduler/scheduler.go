// Package scheduler implements the skip-factor heuristic (spec §4.I):
// newer, faster, smaller inputs are more likely to be selected from the
// corpus. Pure arithmetic; no third-party library applies here, so this
// package is standard-library only (see DESIGN.md).
package scheduler

import "math/bits"

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clamp64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// AvgUsecsPerInput computes total elapsed microseconds / total mutations
// / jobs, clamped to [1, 1_000_000].
func AvgUsecsPerInput(totalElapsedUsec int64, totalMutations uint64, jobs int) int64 {
	if totalMutations == 0 || jobs <= 0 {
		return 1
	}
	avg := totalElapsedUsec / int64(totalMutations) / int64(jobs)
	return clamp64(avg, 1, 1_000_000)
}

// SpeedFactor compares sampleUsec against avgUsec: positive (sample/avg)
// when slower than average, negative (-avg/sample) when faster; clamped
// to [-10, 2].
func SpeedFactor(sampleUsec, avgUsec int64) int {
	if avgUsec <= 0 {
		avgUsec = 1
	}
	if sampleUsec <= 0 {
		sampleUsec = 1
	}
	var factor int
	if sampleUsec >= avgUsec {
		factor = int(sampleUsec / avgUsec)
	} else {
		factor = -int(avgUsec / sampleUsec)
	}
	return clamp(factor, -10, 2)
}

// AgePercentile computes p = idx*100/fuzzInputCount, the age band used by
// AgePenalty.
func AgePercentile(idx, fuzzInputCount uint64) int {
	if fuzzInputCount == 0 {
		return 0
	}
	return int(idx * 100 / fuzzInputCount)
}

// AgePenalty buckets a percentile into the spec §4.I bands. p<=100 is
// treated as the final band (see DESIGN.md open-question decision 3):
// values above 100 are unreachable given how AgePercentile is computed.
func AgePenalty(percentile int) int {
	switch {
	case percentile <= 40:
		return 2
	case percentile <= 70:
		return 1
	case percentile <= 80:
		return 0
	case percentile <= 90:
		return -1
	case percentile <= 97:
		return -2
	default: // percentile <= 100
		return -3
	}
}

// SizePenalty is clamp(floor(log2(len))-10, -5, 5), zero for empty inputs.
func SizePenalty(length int) int {
	if length <= 0 {
		return 0
	}
	log2 := bits.Len(uint(length)) - 1
	return clamp(log2-10, -5, 5)
}

// SkipFactor combines the three components (spec §4.I). Larger values
// bias toward skipping; a candidate is more likely to be picked as the
// result approaches or goes below zero.
func SkipFactor(sampleUsec, avgUsec int64, idx, fuzzInputCount uint64, dataLen int) int {
	speed := SpeedFactor(sampleUsec, avgUsec)
	age := AgePenalty(AgePercentile(idx, fuzzInputCount))
	size := SizePenalty(dataLen)
	return speed + age + size
}
