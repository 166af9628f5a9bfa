// Package archive implements the AR container of spec.md §4.9/§6:
// member storage with optional per-member compression, an index
// supporting lookup by name/offset/size-range/flags, and a
// round-trippable on-disk serialization.
//
// The hash-index/linked-overflow shape is grounded on
// _examples/xyproto-flapc/hashmap.go's FlapHashMap, adapted from
// chaining to the open-addressing-with-linear-probing scheme
// spec.md §4.9 calls for, and from FNV to
// github.com/cespare/xxhash/v2 (see index.go) since archive member
// names are arbitrary-length strings rather than the teacher's
// fixed 8-byte integer keys.
package archive

import (
	"hash/crc32"
	"sort"
	"time"

	"github.com/xyproto/stld/internal/errs"
)

// EntryFlags is the archive index entry's bitset (spec.md §3/§6).
type EntryFlags uint32

const (
	FlagCompressed EntryFlags = 1 << iota
	FlagExecutable
)

// Entry is one archive member's index record.
type Entry struct {
	Name         string
	BodyOffset   uint32
	OriginalSize uint32
	StoredSize   uint32
	CRC32        uint32
	Timestamp    uint64
	Flags        EntryFlags
}

// AddOptions controls how Add stores a member.
type AddOptions struct {
	Compress   bool
	Executable bool
	// Timestamp overrides the recorded time; zero means "use the
	// current time", exposed mainly so tests get deterministic
	// archives.
	Timestamp uint64
}

// Archive is an in-memory archive: an ordered list of members plus
// the index views spec.md §4.9 requires.
type Archive struct {
	entries []Entry
	bodies  [][]byte // as stored on disk: raw or compressed, per entry
	index   *nameIndex
	// iterOrder is the public iteration order after Sort; it holds
	// indices into entries/bodies and never invalidates offsets.
	iterOrder []int
}

// New returns an empty archive.
func New() *Archive {
	return &Archive{index: newNameIndex(8)}
}

// Add stores name's bytes as a new member, recording its CRC32,
// timestamp, and (optionally) compressing the body before append
// (spec.md §4.9). Duplicate names are rejected.
func (a *Archive) Add(name string, data []byte, opts AddOptions, compress func([]byte) ([]byte, error)) error {
	if _, ok := a.index.get(name); ok {
		return errs.New(errs.DuplicateSymbol, "archive member %q already present", name)
	}

	ts := opts.Timestamp
	if ts == 0 {
		ts = uint64(time.Now().UnixNano())
	}

	stored := data
	flags := EntryFlags(0)
	if opts.Executable {
		flags |= FlagExecutable
	}
	if opts.Compress {
		c, err := compress(data)
		if err != nil {
			return errs.Wrap(errs.CompressionFailed, err, "compressing member %q", name)
		}
		stored = c
		flags |= FlagCompressed
	}

	e := Entry{
		Name:         name,
		BodyOffset:   0, // finalized at Serialize time
		OriginalSize: uint32(len(data)),
		StoredSize:   uint32(len(stored)),
		CRC32:        crc32.ChecksumIEEE(data),
		Timestamp:    ts,
		Flags:        flags,
	}

	idx := len(a.entries)
	a.entries = append(a.entries, e)
	a.bodies = append(a.bodies, stored)
	a.iterOrder = append(a.iterOrder, idx)
	a.index.put(name, idx)
	return nil
}

// FindByName returns the entry and its stored body for name.
func (a *Archive) FindByName(name string) (Entry, []byte, bool) {
	idx, ok := a.index.get(name)
	if !ok {
		return Entry{}, nil, false
	}
	return a.entries[idx], a.bodies[idx], true
}

// FindByOffset returns the entry whose BodyOffset equals offset by
// binary search over a sorted-by-offset view (spec.md §3). The view is
// rebuilt and sorted on every call, so a lookup costs O(n log n).
func (a *Archive) FindByOffset(offset uint32) (Entry, bool) {
	order := a.sortedByOffset()
	i := sort.Search(len(order), func(i int) bool {
		return a.entries[order[i]].BodyOffset >= offset
	})
	if i < len(order) && a.entries[order[i]].BodyOffset == offset {
		return a.entries[order[i]], true
	}
	return Entry{}, false
}

func (a *Archive) sortedByOffset() []int {
	order := make([]int, len(a.entries))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool {
		return a.entries[order[i]].BodyOffset < a.entries[order[j]].BodyOffset
	})
	return order
}

// SearchBySizeRange returns every entry whose OriginalSize falls in
// [lo, hi].
func (a *Archive) SearchBySizeRange(lo, hi uint32) []Entry {
	var out []Entry
	for _, e := range a.entries {
		if e.OriginalSize >= lo && e.OriginalSize <= hi {
			out = append(out, e)
		}
	}
	return out
}

// SearchByFlags returns entries whose Flags, masked by mask, equal
// mask if wantSet is true (every bit in mask must be set), or equal
// zero if wantSet is false (every bit in mask must be clear).
func (a *Archive) SearchByFlags(mask EntryFlags, wantSet bool) []Entry {
	var out []Entry
	for _, e := range a.entries {
		masked := e.Flags & mask
		if wantSet && masked == mask {
			out = append(out, e)
		} else if !wantSet && masked == 0 {
			out = append(out, e)
		}
	}
	return out
}

// SearchBySubstring returns every entry whose name contains s.
func (a *Archive) SearchBySubstring(s string) []Entry {
	var out []Entry
	for _, e := range a.entries {
		if containsSubstring(e.Name, s) {
			out = append(out, e)
		}
	}
	return out
}

func containsSubstring(haystack, needle string) bool {
	if needle == "" {
		return true
	}
	if len(needle) > len(haystack) {
		return false
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

// SortKey selects the field Sort orders by.
type SortKey int

const (
	SortByName SortKey = iota
	SortBySize
	SortByTimestamp
)

// SortOrder selects ascending or descending order.
type SortOrder int

const (
	Ascending SortOrder = iota
	Descending
)

// Sort reorders the archive's public iteration order (Entries) by
// key without touching BodyOffset or the underlying storage
// (spec.md §4.9: "reorders the public iteration order ... without
// invalidating offsets").
func (a *Archive) Sort(key SortKey, order SortOrder) {
	sort.SliceStable(a.iterOrder, func(i, j int) bool {
		ei, ej := a.entries[a.iterOrder[i]], a.entries[a.iterOrder[j]]
		var less bool
		switch key {
		case SortByName:
			less = ei.Name < ej.Name
		case SortBySize:
			less = ei.OriginalSize < ej.OriginalSize
		case SortByTimestamp:
			less = ei.Timestamp < ej.Timestamp
		}
		if order == Descending {
			var greater bool
			switch key {
			case SortByName:
				greater = ei.Name > ej.Name
			case SortBySize:
				greater = ei.OriginalSize > ej.OriginalSize
			case SortByTimestamp:
				greater = ei.Timestamp > ej.Timestamp
			}
			return greater
		}
		return less
	})
}

// Entries returns every entry in the archive's current public
// iteration order.
func (a *Archive) Entries() []Entry {
	out := make([]Entry, len(a.iterOrder))
	for i, idx := range a.iterOrder {
		out[i] = a.entries[idx]
	}
	return out
}

// Len returns the number of members in the archive.
func (a *Archive) Len() int { return len(a.entries) }

// OptimizeStats summarizes the result of Optimize (spec.md §4.9).
type OptimizeStats struct {
	Entries   int
	TableSize int
	LoadFactor float64
}

// Optimize rebuilds the hash index so its load factor is at most
// 0.75, as spec.md §4.9 requires.
func (a *Archive) Optimize() OptimizeStats {
	size := nextPow2(int(float64(len(a.entries))/0.75) + 1)
	if size < 8 {
		size = 8
	}
	a.index = newNameIndex(size)
	for i, e := range a.entries {
		a.index.put(e.Name, i)
	}
	return OptimizeStats{
		Entries:    len(a.entries),
		TableSize:  len(a.index.slots),
		LoadFactor: float64(len(a.entries)) / float64(len(a.index.slots)),
	}
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
