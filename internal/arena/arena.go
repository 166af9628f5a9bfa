// Package arena implements the scoped bump allocator shared by the
// linker and archiver engines (spec.md §4.1). It owns one
// contiguous byte region per job; individual objects are never
// freed, only the whole region is reset or dropped.
//
// Grounded on the bump-allocation scheme in
// _examples/xyproto-flapc/arena.go, generalized from "emit code that
// bumps a pointer at runtime" to "bump a pointer over a []byte held
// by this process" since the core here runs host-side, not in
// generated machine code.
package arena

import "fmt"

const (
	// MinSize and MaxSize bound a region's configured size
	// (spec.md §4.1: 4 KiB ≤ size ≤ 1 GiB).
	MinSize = 4 * 1024
	MaxSize = 1 * 1024 * 1024 * 1024
)

// Stats is a point-in-time snapshot of an Arena's usage.
type Stats struct {
	Total     int
	Used      int
	Peak      int
	AllocCount int
	FreeCalls int // individual Free calls observed; always a no-op otherwise
}

// Arena is a bump allocator over one fixed-size byte region.
// It is not safe for concurrent use; spec.md §5 assumes one arena
// per job, never shared between jobs.
type Arena struct {
	region []byte
	cursor int
	peak   int
	allocs int
	frees  int
}

// New creates an arena over a freshly allocated region of the given
// size. Size must satisfy MinSize <= size <= MaxSize.
func New(size int) (*Arena, error) {
	if size < MinSize || size > MaxSize {
		return nil, fmt.Errorf("arena: size %d out of bounds [%d, %d]", size, MinSize, MaxSize)
	}
	return &Arena{region: make([]byte, size)}, nil
}

// ErrOutOfMemory is returned by Alloc/AllocZero when the region is
// exhausted. No partial effect is observable: the arena's cursor is
// left unchanged on failure.
var ErrOutOfMemory = fmt.Errorf("arena: out of memory")

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// Alloc reserves n bytes aligned to align (must be a power of two)
// and returns a slice view into the arena's region. The returned
// bytes are not zeroed; use AllocZero for that.
func (a *Arena) Alloc(n, align int) ([]byte, error) {
	if align <= 0 || align&(align-1) != 0 {
		return nil, fmt.Errorf("arena: alignment %d is not a power of two", align)
	}
	start := alignUp(a.cursor, align)
	end := start + n
	if end > len(a.region) || end < start {
		return nil, ErrOutOfMemory
	}
	a.cursor = end
	a.allocs++
	if a.cursor > a.peak {
		a.peak = a.cursor
	}
	return a.region[start:end:end], nil
}

// AllocZero is Alloc followed by a guaranteed zero-fill. Since the
// arena never reuses bytes between a Reset, a fresh region is
// already zero, but previously-reset ranges are not — this method
// clears them explicitly so callers never depend on region history.
func (a *Arena) AllocZero(n, align int) ([]byte, error) {
	b, err := a.Alloc(n, align)
	if err != nil {
		return nil, err
	}
	for i := range b {
		b[i] = 0
	}
	return b, nil
}

// Free is a no-op: the arena design assumes phase-scoped lifetime
// and never frees individual objects. It only counts the call so
// Stats can report callers that still try.
func (a *Arena) Free() {
	a.frees++
}

// Reset rewinds the arena to empty without releasing the
// underlying region, invalidating every slice previously handed out.
func (a *Arena) Reset() {
	a.cursor = 0
}

// Stats returns a snapshot of the arena's usage.
func (a *Arena) Stats() Stats {
	return Stats{
		Total:      len(a.region),
		Used:       a.cursor,
		Peak:       a.peak,
		AllocCount: a.allocs,
		FreeCalls:  a.frees,
	}
}
