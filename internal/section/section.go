// Package section implements the section manager of spec.md §4.5:
// section creation, data append, alignment, merging, and the
// address-layout algorithm that is the core of the linker.
//
// Grounded on the layout-map bookkeeping in
// _examples/xyproto-flapc/elf_complete.go (WriteCompleteDynamicELF
// computes a running cursor and records {offset, addr, size} per
// section) generalized from ELF's fixed segment list into spec.md's
// four-category (text/rodata/data/bss) stable sort.
package section

import (
	"fmt"

	"github.com/xyproto/stld/internal/errs"
	"github.com/xyproto/stld/internal/objfmt"
)

// Section is a mutable, in-progress section as built by the link
// driver before final address assignment.
type Section struct {
	Name      string
	Flags     objfmt.SectionFlags
	Align     uint32 // power of two
	Data      []byte // absent (nil) for zero-fill sections
	ZeroSize  uint32 // size for zero-fill sections
	Address   uint32 // filled in by Layout
	InputOrder int    // stable-sort tiebreaker: order of first appearance
}

// Size returns the section's logical size, whether backed by data or
// zero-fill.
func (s *Section) Size() uint32 {
	if s.Flags.Has(objfmt.SectionZeroFill) {
		return s.ZeroSize
	}
	return uint32(len(s.Data))
}

// Manager owns the set of sections accumulated during a link job's
// ingest phase, keyed by name so same-named sections across inputs
// merge.
type Manager struct {
	byName map[string]*Section
	order  []*Section
}

func NewManager() *Manager {
	return &Manager{byName: make(map[string]*Section)}
}

// Create starts a new named section, or returns the existing one if
// name was already created (ingest merges by calling Create then
// Append repeatedly across inputs).
func (m *Manager) Create(name string, flags objfmt.SectionFlags, align uint32) (*Section, error) {
	if align == 0 || align&(align-1) != 0 {
		return nil, fmt.Errorf("section: alignment %d is not a power of two", align)
	}
	if existing, ok := m.byName[name]; ok {
		return existing, nil
	}
	s := &Section{Name: name, Flags: flags, Align: align, InputOrder: len(m.order)}
	m.byName[name] = s
	m.order = append(m.order, s)
	return s, nil
}

// Append adds bytes to a non-zero-fill section, in input order.
func (s *Section) Append(data []byte) {
	s.Data = append(s.Data, data...)
}

// SetSize sets the logical size of a zero-fill (.bss-like) section.
func (s *Section) SetSize(size uint32) error {
	if !s.Flags.Has(objfmt.SectionZeroFill) {
		return fmt.Errorf("section %q: SetSize only valid on zero-fill sections", s.Name)
	}
	s.ZeroSize = size
	return nil
}

// SetAlignment updates a section's alignment; align must be a power
// of two.
func (s *Section) SetAlignment(align uint32) error {
	if align == 0 || align&(align-1) != 0 {
		return fmt.Errorf("section %q: alignment %d is not a power of two", s.Name, align)
	}
	s.Align = align
	return nil
}

// Merge combines other into s in place, requiring compatible flags
// (spec.md §4.5: executable-with-executable, writable-with-writable;
// otherwise an error). Content order preserves input order: other's
// bytes are appended after s's.
func (s *Section) Merge(other *Section) error {
	sExec, oExec := s.Flags.Has(objfmt.SectionExecutable), other.Flags.Has(objfmt.SectionExecutable)
	sWrite, oWrite := s.Flags.Has(objfmt.SectionWritable), other.Flags.Has(objfmt.SectionWritable)
	if sExec != oExec || sWrite != oWrite {
		return fmt.Errorf("section %q: cannot merge incompatible flags (exec %v/%v, write %v/%v)", s.Name, sExec, oExec, sWrite, oWrite)
	}
	if s.Flags.Has(objfmt.SectionZeroFill) {
		s.ZeroSize += other.ZeroSize
	} else {
		s.Data = append(s.Data, other.Data...)
	}
	if other.Align > s.Align {
		s.Align = other.Align
	}
	return nil
}

// All returns every section in creation order.
func (m *Manager) All() []*Section {
	return append([]*Section(nil), m.order...)
}

// Filter returns sections whose Flags, masked by mask, equal
// match (spec.md §4.5: "filter by flag bitmask").
func (m *Manager) Filter(mask, match objfmt.SectionFlags) []*Section {
	var out []*Section
	for _, s := range m.order {
		if s.Flags&mask == match {
			out = append(out, s)
		}
	}
	return out
}

// category classifies a section per spec.md §4.5 step 1.
type category int

const (
	catText category = iota
	catRodata
	catData
	catBSS
)

func classify(s *Section) category {
	switch {
	case s.Flags.Has(objfmt.SectionExecutable) && !s.Flags.Has(objfmt.SectionWritable):
		return catText
	case s.Flags.Has(objfmt.SectionZeroFill):
		return catBSS
	case !s.Flags.Has(objfmt.SectionWritable) && !s.Flags.Has(objfmt.SectionExecutable):
		return catRodata
	case s.Flags.Has(objfmt.SectionWritable):
		return catData
	default:
		return catRodata
	}
}

func alignUp(addr, align uint32) uint32 {
	return (addr + align - 1) &^ (align - 1)
}

// Layout assigns absolute addresses to every allocatable section in
// sections, following spec.md §4.5's algorithm: stable sort by
// (category, input order), then walk assigning
// cursor = align_up(cursor, align); address = cursor; cursor += size.
// Non-allocatable sections (those without SectionAllocatable) are
// left unaddressed.
//
// When optimizeSize is set (spec.md §6: "optimize_size — packs
// sections with minimal padding subject to alignment"), the secondary
// sort key within each category switches from input order to
// descending alignment: placing the most-aligned sections first means
// later, less-aligned sections rarely need their own padding to reach
// the cursor's natural alignment, which cuts the total align_up
// padding accumulated across the category.
func Layout(sections []*Section, base uint32, optimizeSize bool) error {
	loadable := make([]*Section, 0, len(sections))
	for _, s := range sections {
		if s.Flags.Has(objfmt.SectionAllocatable) {
			loadable = append(loadable, s)
		}
	}
	stableSortByCategory(loadable, optimizeSize)

	cursor := uint64(base)
	for _, s := range loadable {
		cursor = uint64(alignUp(uint32(cursor), s.Align))
		if cursor > 1<<32 {
			return errs.New(errs.OutputTooLarge, "layout cursor 0x%x exceeds 32-bit address space", cursor)
		}
		s.Address = uint32(cursor)
		cursor += uint64(s.Size())
		if cursor > 1<<32 {
			return errs.New(errs.OutputTooLarge, "layout cursor 0x%x exceeds 32-bit address space", cursor)
		}
	}
	return nil
}

func stableSortByCategory(sections []*Section, optimizeSize bool) {
	// Insertion sort: stable, and n is small (section counts are
	// capped at 255 by the format), so this is simpler than pulling
	// in sort.SliceStable for a handful of elements.
	for i := 1; i < len(sections); i++ {
		j := i
		for j > 0 && less(sections[j], sections[j-1], optimizeSize) {
			sections[j], sections[j-1] = sections[j-1], sections[j]
			j--
		}
	}
}

func less(a, b *Section, optimizeSize bool) bool {
	ca, cb := classify(a), classify(b)
	if ca != cb {
		return ca < cb
	}
	if optimizeSize && a.Align != b.Align {
		return a.Align > b.Align
	}
	return a.InputOrder < b.InputOrder
}

// Overlaps reports whether two address ranges [addrA, addrA+sizeA)
// and [addrB, addrB+sizeB) intersect (spec.md §8 testable property).
func Overlaps(addrA, sizeA, addrB, sizeB uint32) bool {
	endA := uint64(addrA) + uint64(sizeA)
	endB := uint64(addrB) + uint64(sizeB)
	return uint64(addrA) < endB && uint64(addrB) < endA
}
