package corpus

import (
	"math/rand"
	"testing"

	"github.com/kvmfuzz/kvmfuzz/internal/fuzzinput"
	"github.com/kvmfuzz/kvmfuzz/internal/testrunner/assert"
	"github.com/kvmfuzz/kvmfuzz/internal/testrunner/prop"
)

func makeInput(data []byte) *fuzzinput.FuzzInput {
	return &fuzzinput.FuzzInput{Data: data, Filename: ContentHashFilename(data)}
}

// Invariant 6 / E4: add_file is idempotent; fuzz_input_count increments once.
func TestAddFileIdempotent(t *testing.T) {
	c := New()
	in := makeInput(make([]byte, 64))

	assert.Equal(t, true, c.AddFile(in))
	assert.Equal(t, false, c.AddFile(makeInput(append([]byte(nil), in.Data...))))

	assert.Equal(t, 1, c.Len())
	assert.Equal(t, uint64(1), c.FuzzInputCount())
}

// Invariant 6 as a property: for any randomly generated byte slice,
// adding it once always reports inserted and bumps Len/FuzzInputCount
// by exactly one, and adding the identical content again always reports
// a duplicate and leaves both counters unchanged.
func TestAddFileIdempotentProperty(t *testing.T) {
	gen := func(r *rand.Rand, size int) []byte {
		if size <= 0 {
			size = 1
		}
		data := make([]byte, 1+r.Intn(size*4))
		r.Read(data)
		return data
	}
	result := prop.ForAll1(gen, nil, func(data []byte) bool {
		c := New()
		if !c.AddFile(makeInput(append([]byte(nil), data...))) {
			return false
		}
		before := c.FuzzInputCount()
		if c.AddFile(makeInput(append([]byte(nil), data...))) {
			return false
		}
		return c.Len() == 1 && c.FuzzInputCount() == before
	}, prop.Options{Trials: 150, Seed: 99})
	assert.Equal(t, false, result.Failed)
}

// E6: equal data produces equal filenames; differing data differs.
func TestContentHashFilename(t *testing.T) {
	a := ContentHashFilename([]byte("same"))
	b := ContentHashFilename([]byte("same"))
	c := ContentHashFilename([]byte("different"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestIterFromResumesAfterName(t *testing.T) {
	corp := New()
	names := make([]string, 0, 3)
	for _, s := range [][]byte{[]byte("a"), []byte("b"), []byte("c")} {
		in := makeInput(s)
		corp.AddFile(in)
		names = append(names, in.Filename)
	}
	rest := corp.IterFrom(names[0])
	assert.Equal(t, 2, len(rest))
	assert.Equal(t, names[1], rest[0].Filename)
	assert.Equal(t, names[2], rest[1].Filename)

	assert.Equal(t, 0, len(corp.IterFrom("not-present.bin")))
}
