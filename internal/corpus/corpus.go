// Package corpus implements the ordered, content-keyed FuzzInput
// collection (spec §4.F). Content-hash filenames use
// golang.org/x/crypto/blake2b in place of the teacher's sha256 use in
// cmd/orizon-fuzz/main.go's corpus loader, keeping the filename scheme
// stable-and-collision-resistant while exercising a DOMAIN STACK
// dependency the rest of the pack already vendors.
package corpus

import (
	"encoding/hex"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/kvmfuzz/kvmfuzz/internal/fuzzinput"
)

// ContentHashFilename derives a FuzzInput's stable filename from a
// blake2b-256 hash of its content: equal inputs share a filename.
func ContentHashFilename(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:]) + ".bin"
}

// Corpus is an ordered, content-keyed collection of FuzzInput. A single
// mutex protects the whole corpus (spec §5); callers must not hold it
// across file I/O or mutator invocations.
type Corpus struct {
	mu      sync.Mutex
	byName  map[string]*fuzzinput.FuzzInput
	order   []string // insertion order, stable and re-entrant for iteration
	inputCount uint64
}

func New() *Corpus {
	return &Corpus{byName: make(map[string]*fuzzinput.FuzzInput)}
}

// Contains reports whether filename is present.
func (c *Corpus) Contains(filename string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.byName[filename]
	return ok
}

// AddFile inserts input if its filename is absent, assigning idx =
// current count and incrementing the global fuzz_input_count. Idempotent:
// a second add_file for the same filename is a no-op and returns false.
func (c *Corpus) AddFile(input *fuzzinput.FuzzInput) (inserted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.byName[input.Filename]; exists {
		return false
	}
	input.Idx = uint64(len(c.order))
	c.byName[input.Filename] = input
	c.order = append(c.order, input.Filename)
	c.inputCount++
	return true
}

// Len returns the number of distinct entries.
func (c *Corpus) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

// FuzzInputCount returns the monotonically-incrementing insertion counter
// (distinct from Len only in that both only ever grow together; kept
// separate to match spec's naming of a dedicated counter).
func (c *Corpus) FuzzInputCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inputCount
}

// Get returns the entry for filename, or nil if absent.
func (c *Corpus) Get(filename string) *fuzzinput.FuzzInput {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byName[filename]
}

// Iter returns a snapshot of entries in stable insertion order, starting
// from the beginning.
func (c *Corpus) Iter() []*fuzzinput.FuzzInput {
	return c.IterFrom("")
}

// IterFrom returns a snapshot of entries starting just after name; empty
// if name is absent. An empty name means "from the start".
func (c *Corpus) IterFrom(name string) []*fuzzinput.FuzzInput {
	c.mu.Lock()
	defer c.mu.Unlock()
	start := 0
	if name != "" {
		idx := -1
		for i, n := range c.order {
			if n == name {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil
		}
		start = idx + 1
	}
	out := make([]*fuzzinput.FuzzInput, 0, len(c.order)-start)
	for _, n := range c.order[start:] {
		out = append(out, c.byName[n])
	}
	return out
}
