package archive

import (
	"github.com/cespare/xxhash/v2"
)

// nameIndex is an open-addressing hash table mapping member name ->
// index into Archive.entries, using linear probing (spec.md §4.9:
// "open addressing with linear probing", target load factor 0.5).
// Adapted from the chained FlapHashMap in
// _examples/xyproto-flapc/hashmap.go: same bucket-array idea, but
// probing forward through the array instead of following a chain
// pointer, and hashing with xxhash instead of FNV since keys here
// are member filenames rather than fixed 8-byte integers.
type nameIndex struct {
	slots []indexSlot
	count int
}

type indexSlot struct {
	name     string
	value    int
	occupied bool
}

func newNameIndex(size int) *nameIndex {
	if size < 8 {
		size = 8
	}
	return &nameIndex{slots: make([]indexSlot, size)}
}

func (n *nameIndex) hash(name string) uint64 {
	return xxhash.Sum64String(name)
}

func (n *nameIndex) get(name string) (int, bool) {
	size := len(n.slots)
	start := int(n.hash(name) % uint64(size))
	for i := 0; i < size; i++ {
		idx := (start + i) % size
		slot := &n.slots[idx]
		if !slot.occupied {
			return 0, false
		}
		if slot.name == name {
			return slot.value, true
		}
	}
	return 0, false
}

func (n *nameIndex) put(name string, value int) {
	if float64(n.count+1)/float64(len(n.slots)) > 0.5 {
		n.grow()
	}
	n.insert(name, value)
}

func (n *nameIndex) insert(name string, value int) {
	size := len(n.slots)
	start := int(n.hash(name) % uint64(size))
	for i := 0; i < size; i++ {
		idx := (start + i) % size
		slot := &n.slots[idx]
		if !slot.occupied {
			slot.name = name
			slot.value = value
			slot.occupied = true
			n.count++
			return
		}
		if slot.name == name {
			slot.value = value
			return
		}
	}
	// Table is full despite the 0.5 load-factor growth trigger; this
	// should be unreachable, but grow once more defensively rather
	// than silently dropping the entry.
	n.grow()
	n.insert(name, value)
}

func (n *nameIndex) grow() {
	old := n.slots
	n.slots = make([]indexSlot, len(old)*2)
	n.count = 0
	for _, slot := range old {
		if slot.occupied {
			n.insert(slot.name, slot.value)
		}
	}
}
