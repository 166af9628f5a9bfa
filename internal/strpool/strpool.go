// Package strpool implements the OBJ string table (spec.md §3/§4.3):
// an append-only, NUL-terminated byte buffer starting with a leading
// NUL so offset 0 denotes the empty string, with exact-string
// deduplication via an auxiliary hash index.
//
// Grounded on the teacher's repeated "build one flat byte buffer,
// track offsets as you append" idiom (dynstr/rodata construction in
// _examples/xyproto-flapc/elf_complete.go) and on the string-table
// encoding notes in
// _examples/other_examples/445ccebf_Tanmay451-go__...objfile.go.go
// (length+offset pairs into one shared byte blob).
package strpool

// Pool is a deduplicated, append-only string table.
type Pool struct {
	buf     []byte
	offsets map[string]uint32
}

// New returns an empty pool whose buffer already holds the leading
// NUL byte required by the wire format.
func New() *Pool {
	return &Pool{
		buf:     []byte{0},
		offsets: make(map[string]uint32),
	}
}

// Intern returns the offset of s within the pool, appending it (plus
// a trailing NUL) if it is not already present. Repeated interning
// of the same string returns the same offset without growing the
// pool (spec.md §8 testable property).
func (p *Pool) Intern(s string) uint32 {
	if s == "" {
		return 0
	}
	if off, ok := p.offsets[s]; ok {
		return off
	}
	off := uint32(len(p.buf))
	p.buf = append(p.buf, s...)
	p.buf = append(p.buf, 0)
	p.offsets[s] = off
	return off
}

// String resolves an offset back to its NUL-terminated string. An off
// past the end of the pool yields the empty string, and an off inside
// an interned string yields the rest of that string; callers validate
// offsets against the table before calling this (see objfmt.Parse).
func (p *Pool) String(off uint32) string {
	if int(off) >= len(p.buf) {
		return ""
	}
	end := off
	for end < uint32(len(p.buf)) && p.buf[end] != 0 {
		end++
	}
	return string(p.buf[off:end])
}

// Bytes exposes the pool's backing buffer for serialization.
func (p *Pool) Bytes() []byte { return p.buf }

// Len returns the current size of the pool in bytes, including the
// leading NUL.
func (p *Pool) Len() int { return len(p.buf) }

// FromBytes wraps a previously-serialized string table (as read from
// an OBJ file) for lookups, without requiring re-interning. The
// caller is responsible for validating that buf starts with a NUL
// and terminates correctly (objfmt.Parse does this).
func FromBytes(buf []byte) *Pool {
	p := &Pool{buf: buf, offsets: make(map[string]uint32)}
	return p
}
