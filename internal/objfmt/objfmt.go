// Package objfmt implements the bit-exact OBJ binary format
// (spec.md §3/§4.2/§6): header, section table, symbol table,
// relocation table, import table and string table, plus the codec
// that parses and validates a byte stream into an in-memory Object
// and emits an Object back to bytes.
//
// Record layout and field widths follow the teacher's habit of
// hand-rolling fixed-width binary records with encoding/binary
// (see _examples/xyproto-flapc/elf_complete.go and
// _examples/xyproto-flapc/codegen_elf_writer.go), generalized from
// ELF's layout to this repository's compact OBJ format. Field
// ordering within each record mirrors the goobj2 notes in
// _examples/other_examples/445ccebf_Tanmay451-go__...objfile.go.go
// (explicit offsets into a shared byte blob rather than pointers).
package objfmt

// Magic identifies the format on disk.
var Magic = [4]byte{'S', 'O', 'B', 'J'}

const Version uint16 = 1

// Header flag bits (spec.md §3).
const (
	FlagExecutable Flags = 1 << iota
	FlagRelocatable
	FlagShared
	FlagDebug
	FlagLittleEndian
	FlagBigEndian
	FlagPositionIndependent
	FlagStripped
	FlagStatic
	FlagCompressed
	FlagEncrypted // reserved
)

// Flags is the header's bitset of format-level flags.
type Flags uint16

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// HeaderSize is the fixed on-disk size of Header (spec.md §3: 36 bytes).
const HeaderSize = 36

// Header is the fixed 36-byte OBJ header record.
type Header struct {
	Magic              [4]byte
	Version            uint16
	Flags              Flags
	EntryPoint         uint32
	SectionCount       uint16
	SymbolCount        uint16
	StringTableOffset  uint32
	StringTableSize    uint32
	SectionTableOffset uint32
	RelocTableOffset   uint32
	RelocCount         uint16
	ImportCount        uint16
}

// SectionFlags is the section record's bitset (spec.md §3).
type SectionFlags uint16

const (
	SectionWritable SectionFlags = 1 << iota
	SectionAllocatable
	SectionExecutable
	SectionMerge
	SectionStrings
	SectionZeroFill
	SectionCompressed
)

func (f SectionFlags) Has(bit SectionFlags) bool { return f&bit != 0 }

// SectionRecordSize is the fixed on-disk size of a Section (spec.md §3: 20 bytes).
const SectionRecordSize = 20

// Section is one OBJ section record plus its body bytes once parsed.
type Section struct {
	NameOffset    uint32
	VirtualAddr   uint32
	Size          uint32
	FileOffset    uint32
	SectFlags     SectionFlags
	AlignmentLog2 uint8
	Reserved      uint8

	// Name and Data are populated by Parse for convenience; they are
	// not part of the fixed-width wire record.
	Name string
	Data []byte
}

// Alignment returns 2^AlignmentLog2, the section's required address
// alignment.
func (s *Section) Alignment() uint32 {
	return uint32(1) << s.AlignmentLog2
}

// SymbolType enumerates the kind of entity a symbol denotes.
type SymbolType uint8

const (
	SymTypeNone SymbolType = iota
	SymTypeObject
	SymTypeFunc
	SymTypeSection
	SymTypeFile
)

// SymbolBinding enumerates a symbol's linkage visibility.
type SymbolBinding uint8

const (
	BindLocal SymbolBinding = iota
	BindGlobal
	BindWeak
)

// UndefinedSection marks a symbol with no defining section.
const UndefinedSection = 0xFFFF

// SymbolRecordSize is the fixed on-disk size of a Symbol (spec.md §3: 16 bytes).
const SymbolRecordSize = 16

// Symbol is one OBJ symbol table record.
type Symbol struct {
	NameOffset   uint32
	Value        uint32
	Size         uint32
	SectionIndex uint16
	Type         SymbolType
	Binding      SymbolBinding

	Name string
}

func (s *Symbol) Undefined() bool { return s.SectionIndex == UndefinedSection }

// RelocType enumerates the supported relocation kinds (spec.md §3/§4.6).
type RelocType uint8

const (
	RelocNone RelocType = iota
	RelocAbs8
	RelocAbs16
	RelocAbs32
	RelocPCRel8
	RelocPCRel16
	RelocPCRel32
	RelocGOT32
	RelocPLT32
	RelocCopy
	RelocGlobDat
	RelocJmpSlot
	RelocRelative
)

// RelocRecordSize is the fixed on-disk size of a Reloc (spec.md §3: 8 bytes).
const RelocRecordSize = 8

// Reloc is one relocation table record.
type Reloc struct {
	Offset             uint32 // offset within the target section
	SymbolIndex        uint16
	Type               RelocType
	TargetSectionIndex uint8
}

// ImportRecordSize is the fixed on-disk size of an Import (spec.md §3: 8 bytes).
const ImportRecordSize = 8

// Import is one dynamic-import record.
type Import struct {
	LibraryNameOffset uint32
	SymbolNameOffset  uint32

	LibraryName string
	SymbolName  string
}

// Object is the fully parsed, in-memory representation of an OBJ
// file: everything the link/archive engines need, with borrowed
// string references already resolved for convenience.
type Object struct {
	Header   Header
	Sections []Section
	Symbols  []Symbol
	Relocs   []Reloc
	Imports  []Import
	// Strings holds the raw string-table bytes so Emit can
	// reserialize exactly, and so Parse-time name resolution has a
	// single source of truth.
	Strings []byte
}
