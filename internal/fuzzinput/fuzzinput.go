// Package fuzzinput defines FuzzInput and FuzzCov (spec §3) and the
// mutator contract (spec §4.G). The default mutator is adapted from the
// teacher's byte-mutation harness (internal/testrunner/fuzz.DefaultMutator),
// which already operates purely on bytes+RNG and needed no change in
// behavior to fit this domain — only its entrypoint signature.
package fuzzinput

import (
	"math/bits"
	"math/rand"
)

// FuzzCov is a coverage signature: a lexicographically comparable tuple
// of counters. Coordinate 0 is a size-bias tiebreaker, `64 -
// floor(log2(len(data)))`; the remaining coordinates are
// engine-supplied (e.g. distinct coverage-point hit counts). max(a, b)
// yields the componentwise upper envelope.
type FuzzCov []uint32

// NewFuzzCov builds a coverage signature for an input of the given
// length plus the raw per-input coverage counters supplied by the VM
// engine.
func NewFuzzCov(dataLen int, counters []uint32) FuzzCov {
	cov := make(FuzzCov, 0, 1+len(counters))
	cov = append(cov, sizeBias(dataLen))
	cov = append(cov, counters...)
	return cov
}

func sizeBias(dataLen int) uint32 {
	if dataLen <= 0 {
		return 64
	}
	return uint32(64 - bits.Len(uint(dataLen)) + 1)
}

// Compare returns -1, 0, or 1 lexicographically comparing a and b
// coordinate by coordinate; shorter vectors are treated as zero-padded.
func (a FuzzCov) Compare(b FuzzCov) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		var av, bv uint32
		if i < len(a) {
			av = a[i]
		}
		if i < len(b) {
			bv = b[i]
		}
		if av < bv {
			return -1
		}
		if av > bv {
			return 1
		}
	}
	return 0
}

// IsGain reports whether a is strictly greater than b on at least one
// coordinate with no coordinate where a regresses below b.
func (a FuzzCov) IsGain(b FuzzCov) bool {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	gained := false
	for i := 0; i < n; i++ {
		var av, bv uint32
		if i < len(a) {
			av = a[i]
		}
		if i < len(b) {
			bv = b[i]
		}
		if av < bv {
			return false
		}
		if av > bv {
			gained = true
		}
	}
	return gained
}

// Envelope returns the componentwise maximum of a and b.
func Envelope(a, b FuzzCov) FuzzCov {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	out := make(FuzzCov, n)
	for i := 0; i < n; i++ {
		var av, bv uint32
		if i < len(a) {
			av = a[i]
		}
		if i < len(b) {
			bv = b[i]
		}
		if av > bv {
			out[i] = av
		} else {
			out[i] = bv
		}
	}
	return out
}

// FuzzInput is one fuzzer test case (spec §3).
type FuzzInput struct {
	Data     []byte
	Cov      FuzzCov
	Idx      uint64 // monotonically assigned at corpus insertion
	ExecUsec int64  // last observed execution time
	Refs     uint64 // reference counter for selection accounting
	Filename string // derived from a content hash of Data
}

// Mutator returns a mutated version of data given the case's RNG and the
// computed speed factor; the caller uses the returned slice. It never
// touches VM state or the corpus (spec §4.G).
type Mutator func(r *rand.Rand, speedFactor int, data []byte) []byte

// DefaultMutator is the default byte-level mutation strategy, adapted
// from the teacher's fuzz.DefaultMutator (speed factor is accepted for
// interface conformance but not consulted by this simple strategy; a
// speed-aware mutator can be substituted via the Mutator variant set).
func DefaultMutator() Mutator {
	return func(r *rand.Rand, _ int, data []byte) []byte {
		out := append([]byte(nil), data...)
		switch {
		case len(out) == 0 || r.Intn(3) == 0:
			pos := r.Intn(len(out) + 1)
			b := byte(r.Intn(256))
			out = append(out[:pos], append([]byte{b}, out[pos:]...)...)
		case r.Intn(2) == 0:
			pos := r.Intn(len(out))
			if r.Intn(2) == 0 {
				out[pos] ^= 1 << uint(r.Intn(8))
			} else {
				out[pos] = byte(r.Intn(256))
			}
		case len(out) > 0:
			pos := r.Intn(len(out))
			out = append(out[:pos], out[pos+1:]...)
		}
		return out
	}
}
