// Package nonce partitions a template's reserved byte region into
// collision-free slices handed out to concurrent sessions.
package nonce

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrExhausted means the generation has no free slice left.
	ErrExhausted = errors.New("nonce region exhausted")
	// ErrRetired means the generation is unknown or already retired.
	ErrRetired = errors.New("generation retired")
)

// Range is a half-open byte range [Start, End) within the template blob.
type Range struct {
	Start uint64
	End   uint64
}

// Width returns the number of bytes covered by the range.
func (r Range) Width() uint64 { return r.End - r.Start }

// Contains reports whether the byte offset n falls inside the range.
func (r Range) Contains(n uint64) bool { return n >= r.Start && n < r.End }

func (r Range) String() string { return fmt.Sprintf("[%d,%d)", r.Start, r.End) }

type generation struct {
	free []Range
	live map[Range]struct{}
}

// Allocator maintains per-generation free-lists of reserved-region slices.
// Ranges are only ever recycled into the generation they came from; retired
// generations drop their bookkeeping wholesale, which keeps cross-generation
// overlap impossible without any extra accounting.
type Allocator struct {
	mu       sync.Mutex
	width    uint64
	minWidth uint64
	shrunk   bool
	gens     map[uint64]*generation
	newest   uint64
}

// NewAllocator creates an allocator slicing regions into width-byte ranges.
// Under exhaustion pressure the width is halved once for generations opened
// afterwards, never below minWidth.
func NewAllocator(width, minWidth uint64) *Allocator {
	if width == 0 {
		width = 1
	}
	if minWidth == 0 {
		minWidth = 1
	}
	if minWidth > width {
		minWidth = width
	}
	return &Allocator{
		width:    width,
		minWidth: minWidth,
		gens:     make(map[uint64]*generation),
	}
}

// Open registers a new generation covering [offset, offset+size) and builds
// its free-list. Opening an already-known generation is a no-op.
func (a *Allocator) Open(gen, offset, size uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.gens[gen]; ok {
		return
	}
	g := &generation{live: make(map[Range]struct{})}
	for start := offset; start < offset+size; {
		end := start + a.width
		if end > offset+size {
			end = offset + size
		}
		g.free = append(g.free, Range{Start: start, End: end})
		start = end
	}
	a.gens[gen] = g
	if gen > a.newest {
		a.newest = gen
	}
}

// Allocate pops a free slice for the generation. Returns ErrRetired for
// unknown generations and ErrExhausted when no slice is free; exhaustion also
// arms the shrink-on-pressure policy for future generations.
func (a *Allocator) Allocate(gen uint64) (Range, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	g, ok := a.gens[gen]
	if !ok {
		return Range{}, ErrRetired
	}
	if len(g.free) == 0 {
		if !a.shrunk && a.width/2 >= a.minWidth {
			a.width /= 2
			a.shrunk = true
		}
		return Range{}, ErrExhausted
	}
	r := g.free[len(g.free)-1]
	g.free = g.free[:len(g.free)-1]
	g.live[r] = struct{}{}
	return r, nil
}

// Release returns a slice to its generation's free-list. Releases against
// retired generations, or of ranges not currently live, are discarded.
func (a *Allocator) Release(gen uint64, r Range) {
	a.mu.Lock()
	defer a.mu.Unlock()
	g, ok := a.gens[gen]
	if !ok {
		return
	}
	if _, held := g.live[r]; !held {
		return
	}
	delete(g.live, r)
	g.free = append(g.free, r)
}

// Retire drops a generation and all of its bookkeeping.
func (a *Allocator) Retire(gen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.gens, gen)
}

// RetireOlderThan drops every generation strictly below keep.
func (a *Allocator) RetireOlderThan(keep uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for gen := range a.gens {
		if gen < keep {
			delete(a.gens, gen)
		}
	}
}

// SliceWidth returns the width used for generations opened from now on.
func (a *Allocator) SliceWidth() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.width
}

// LiveCount returns how many slices of the generation are currently held.
func (a *Allocator) LiveCount(gen uint64) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	g, ok := a.gens[gen]
	if !ok {
		return 0
	}
	return len(g.live)
}

// FreeWidth returns the total free byte width remaining in the generation.
func (a *Allocator) FreeWidth(gen uint64) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	g, ok := a.gens[gen]
	if !ok {
		return 0
	}
	var total uint64
	for _, r := range g.free {
		total += r.Width()
	}
	return total
}
