package objfmt

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/xyproto/stld/internal/errs"
)

// byteOrder picks the wire endianness carried by the header's flag
// bits. In-memory values are always host-native Go integers; this is
// the only place the codec cares about byte order (spec.md §4.2).
func byteOrder(flags Flags) (binary.ByteOrder, error) {
	little := flags.Has(FlagLittleEndian)
	big := flags.Has(FlagBigEndian)
	if little == big {
		return nil, fmt.Errorf("exactly one of little/big endian flags must be set")
	}
	if big {
		return binary.BigEndian, nil
	}
	return binary.LittleEndian, nil
}

// MaxOutputSize is the largest file Emit will produce (spec.md §4.2:
// 2^31 - 1).
const MaxOutputSize = 1<<31 - 1

// Parse validates and decodes an OBJ byte stream into an Object.
// Every offset/size in the header and every section/symbol/
// relocation record is cross-checked against the file bounds before
// any data is trusted (spec.md §4.2).
func Parse(data []byte) (*Object, error) {
	if len(data) < HeaderSize {
		return nil, errs.New(errs.CorruptHeader, "file too small for header: %d bytes", len(data))
	}

	var raw struct {
		Magic              [4]byte
		Version            uint16
		Flags              uint16
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
	// The magic is a byte array and reads the same in either order.
	// Decode little-endian first; if the flags word read that way does
	// not carry exactly one endianness bit, read it big-endian instead,
	// then re-decode the whole header in the declared order if
	// big-endian was actually requested.
	if err := binary.Read(bytes.NewReader(data[:HeaderSize]), binary.LittleEndian, &raw); err != nil {
		return nil, errs.Wrap(errs.CorruptHeader, err, "decoding header")
	}
	if raw.Magic != Magic {
		return nil, errs.New(errs.InvalidMagic, "got %v", raw.Magic)
	}
	flags := Flags(raw.Flags)
	if _, err := byteOrder(flags); err != nil {
		flags = Flags(binary.BigEndian.Uint16(data[6:8]))
	}
	order, err := byteOrder(flags)
	if err != nil {
		return nil, errs.Wrap(errs.CorruptHeader, err, "header flags")
	}
	if order == binary.BigEndian {
		if err := binary.Read(bytes.NewReader(data[:HeaderSize]), binary.BigEndian, &raw); err != nil {
			return nil, errs.Wrap(errs.CorruptHeader, err, "decoding big-endian header")
		}
	}
	if raw.Version != Version {
		return nil, errs.New(errs.UnsupportedVersion, "version %d", raw.Version)
	}
	if raw.SectionCount > 255 {
		return nil, errs.New(errs.CorruptHeader, "section_count %d exceeds 255", raw.SectionCount)
	}

	h := Header{
		Magic:              raw.Magic,
		Version:            raw.Version,
		Flags:              Flags(raw.Flags),
		EntryPoint:         raw.EntryPoint,
		SectionCount:       raw.SectionCount,
		SymbolCount:        raw.SymbolCount,
		StringTableOffset:  raw.StringTableOffset,
		StringTableSize:    raw.StringTableSize,
		SectionTableOffset: raw.SectionTableOffset,
		RelocTableOffset:   raw.RelocTableOffset,
		RelocCount:         raw.RelocCount,
		ImportCount:        raw.ImportCount,
	}

	fileLen := uint64(len(data))
	inBounds := func(off, size uint32) bool {
		end := uint64(off) + uint64(size)
		return end <= fileLen
	}

	if !inBounds(h.StringTableOffset, h.StringTableSize) {
		return nil, errs.New(errs.CorruptHeader, "string table out of bounds")
	}
	strTab := data[h.StringTableOffset : h.StringTableOffset+h.StringTableSize]
	if len(strTab) == 0 || strTab[0] != 0 {
		return nil, errs.New(errs.CorruptHeader, "string table missing leading NUL")
	}
	if len(strTab) > 0 && strTab[len(strTab)-1] != 0 {
		return nil, errs.New(errs.CorruptHeader, "string table missing trailing NUL")
	}

	sectionTableSize := uint32(h.SectionCount) * SectionRecordSize
	if !inBounds(h.SectionTableOffset, sectionTableSize) {
		return nil, errs.New(errs.CorruptHeader, "section table out of bounds")
	}
	relocTableSize := uint32(h.RelocCount) * RelocRecordSize
	if !inBounds(h.RelocTableOffset, relocTableSize) {
		return nil, errs.New(errs.CorruptHeader, "relocation table out of bounds")
	}

	sections, err := parseSections(data, h, order, strTab)
	if err != nil {
		return nil, err
	}
	symbolTableOffset := h.SectionTableOffset + sectionTableSize
	if !inBounds(symbolTableOffset, uint32(h.SymbolCount)*SymbolRecordSize) {
		return nil, errs.New(errs.CorruptHeader, "symbol table out of bounds")
	}
	symbols, err := parseSymbols(data, h, order, strTab, symbolTableOffset)
	if err != nil {
		return nil, err
	}
	importTableOffset := symbolTableOffset + uint32(h.SymbolCount)*SymbolRecordSize
	imports, err := parseImports(data, h, order, strTab, importTableOffset)
	if err != nil {
		return nil, err
	}
	relocs, err := parseRelocs(data, h, order, sections)
	if err != nil {
		return nil, err
	}
	if err := validateLocalsFirst(symbols); err != nil {
		return nil, err
	}

	return &Object{
		Header:   h,
		Sections: sections,
		Symbols:  symbols,
		Relocs:   relocs,
		Imports:  imports,
		Strings:  strTab,
	}, nil
}

func readString(strTab []byte, off uint32) (string, error) {
	if int(off) >= len(strTab) {
		return "", errs.New(errs.CorruptHeader, "name offset %d out of range", off)
	}
	end := off
	for end < uint32(len(strTab)) && strTab[end] != 0 {
		end++
	}
	if end == uint32(len(strTab)) {
		return "", errs.New(errs.CorruptHeader, "unterminated string at offset %d", off)
	}
	return string(strTab[off:end]), nil
}

func parseSections(data []byte, h Header, order binary.ByteOrder, strTab []byte) ([]Section, error) {
	sections := make([]Section, 0, h.SectionCount)
	for i := 0; i < int(h.SectionCount); i++ {
		off := int(h.SectionTableOffset) + i*SectionRecordSize
		r := bytes.NewReader(data[off : off+SectionRecordSize])
		var raw struct {
			NameOffset    uint32
			VirtualAddr   uint32
			Size          uint32
			FileOffset    uint32
			SectFlags     uint16
			AlignmentLog2 uint8
			Reserved      uint8
		}
		if err := binary.Read(r, order, &raw); err != nil {
			return nil, errs.Wrap(errs.InvalidSection, err, "section %d", i)
		}
		if raw.AlignmentLog2 > 15 {
			return nil, errs.New(errs.InvalidSection, "section %d alignment_log2 %d > 15", i, raw.AlignmentLog2)
		}
		sf := SectionFlags(raw.SectFlags)
		if sf.Has(SectionZeroFill) && raw.FileOffset != 0 {
			return nil, errs.New(errs.InvalidSection, "section %d is zero-fill but file_offset != 0", i)
		}
		if !sf.Has(SectionZeroFill) {
			end := uint64(raw.FileOffset) + uint64(raw.Size)
			if end > uint64(len(data)) {
				return nil, errs.New(errs.InvalidSection, "section %d body out of bounds", i)
			}
		}
		name, err := readString(strTab, raw.NameOffset)
		if err != nil {
			return nil, errs.Wrap(errs.InvalidSection, err, "section %d name", i)
		}
		sec := Section{
			NameOffset:    raw.NameOffset,
			VirtualAddr:   raw.VirtualAddr,
			Size:          raw.Size,
			FileOffset:    raw.FileOffset,
			SectFlags:     sf,
			AlignmentLog2: raw.AlignmentLog2,
			Reserved:      raw.Reserved,
			Name:          name,
		}
		if !sf.Has(SectionZeroFill) {
			sec.Data = append([]byte(nil), data[raw.FileOffset:raw.FileOffset+raw.Size]...)
		}
		sections = append(sections, sec)
	}
	if err := validateDisjoint(sections); err != nil {
		return nil, err
	}
	return sections, nil
}

func validateDisjoint(sections []Section) error {
	type span struct{ lo, hi uint64 }
	var spans []span
	for i := range sections {
		s := &sections[i]
		if s.SectFlags.Has(SectionZeroFill) {
			continue
		}
		spans = append(spans, span{uint64(s.FileOffset), uint64(s.FileOffset) + uint64(s.Size)})
	}
	for i := 0; i < len(spans); i++ {
		for j := i + 1; j < len(spans); j++ {
			if spans[i].lo < spans[j].hi && spans[j].lo < spans[i].hi {
				return errs.New(errs.InvalidSection, "overlapping section file ranges")
			}
		}
	}
	return nil
}

func parseSymbols(data []byte, h Header, order binary.ByteOrder, strTab []byte, tableOff uint32) ([]Symbol, error) {
	symbols := make([]Symbol, 0, h.SymbolCount)
	for i := 0; i < int(h.SymbolCount); i++ {
		off := int(tableOff) + i*SymbolRecordSize
		r := bytes.NewReader(data[off : off+SymbolRecordSize])
		var raw struct {
			NameOffset   uint32
			Value        uint32
			Size         uint32
			SectionIndex uint16
			Type         uint8
			Binding      uint8
		}
		if err := binary.Read(r, order, &raw); err != nil {
			return nil, errs.Wrap(errs.InvalidSymbol, err, "symbol %d", i)
		}
		if raw.SectionIndex != UndefinedSection && raw.SectionIndex >= h.SectionCount {
			return nil, errs.New(errs.InvalidSymbol, "symbol %d section_index %d >= section_count %d", i, raw.SectionIndex, h.SectionCount)
		}
		name, err := readString(strTab, raw.NameOffset)
		if err != nil {
			return nil, errs.Wrap(errs.InvalidSymbol, err, "symbol %d name", i)
		}
		symbols = append(symbols, Symbol{
			NameOffset:   raw.NameOffset,
			Value:        raw.Value,
			Size:         raw.Size,
			SectionIndex: raw.SectionIndex,
			Type:         SymbolType(raw.Type),
			Binding:      SymbolBinding(raw.Binding),
			Name:         name,
		})
	}
	return symbols, nil
}

func validateLocalsFirst(symbols []Symbol) error {
	seenNonLocal := false
	for i, s := range symbols {
		if s.Binding != BindLocal {
			seenNonLocal = true
			continue
		}
		if seenNonLocal {
			return errs.New(errs.InvalidSymbol, "local symbol %d (%s) follows a non-local symbol", i, s.Name)
		}
	}
	return nil
}

func parseImports(data []byte, h Header, order binary.ByteOrder, strTab []byte, tableOff uint32) ([]Import, error) {
	imports := make([]Import, 0, h.ImportCount)
	for i := 0; i < int(h.ImportCount); i++ {
		off := int(tableOff) + i*ImportRecordSize
		if off+ImportRecordSize > len(data) {
			return nil, errs.New(errs.CorruptHeader, "import %d out of bounds", i)
		}
		r := bytes.NewReader(data[off : off+ImportRecordSize])
		var raw struct {
			LibraryNameOffset uint32
			SymbolNameOffset  uint32
		}
		if err := binary.Read(r, order, &raw); err != nil {
			return nil, errs.Wrap(errs.CorruptHeader, err, "import %d", i)
		}
		lib, err := readString(strTab, raw.LibraryNameOffset)
		if err != nil {
			return nil, err
		}
		sym, err := readString(strTab, raw.SymbolNameOffset)
		if err != nil {
			return nil, err
		}
		imports = append(imports, Import{
			LibraryNameOffset: raw.LibraryNameOffset,
			SymbolNameOffset:  raw.SymbolNameOffset,
			LibraryName:       lib,
			SymbolName:        sym,
		})
	}
	return imports, nil
}

func parseRelocs(data []byte, h Header, order binary.ByteOrder, sections []Section) ([]Reloc, error) {
	relocs := make([]Reloc, 0, h.RelocCount)
	for i := 0; i < int(h.RelocCount); i++ {
		off := int(h.RelocTableOffset) + i*RelocRecordSize
		r := bytes.NewReader(data[off : off+RelocRecordSize])
		var raw struct {
			Offset             uint32
			SymbolIndex        uint16
			Type               uint8
			TargetSectionIndex uint8
		}
		if err := binary.Read(r, order, &raw); err != nil {
			return nil, errs.Wrap(errs.InvalidRelocation, err, "relocation %d", i)
		}
		if int(raw.TargetSectionIndex) >= len(sections) {
			return nil, errs.New(errs.InvalidRelocation, "relocation %d target_section %d out of range", i, raw.TargetSectionIndex)
		}
		if !sections[raw.TargetSectionIndex].SectFlags.Has(SectionAllocatable) {
			return nil, errs.New(errs.InvalidRelocation, "relocation %d targets non-loadable section %d", i, raw.TargetSectionIndex)
		}
		relocs = append(relocs, Reloc{
			Offset:             raw.Offset,
			SymbolIndex:        raw.SymbolIndex,
			Type:               RelocType(raw.Type),
			TargetSectionIndex: raw.TargetSectionIndex,
		})
	}
	return relocs, nil
}

// Emit serializes obj back to bytes: header first with placeholder
// table offsets, then section bodies (padded to each section's
// alignment), then the section/symbol/relocation/string tables, then
// the header is backpatched with the real offsets (spec.md §4.2).
func Emit(obj *Object) ([]byte, error) {
	order, err := byteOrder(obj.Header.Flags)
	if err != nil {
		return nil, errs.Wrap(errs.CorruptHeader, err, "emit header flags")
	}

	var out bytes.Buffer
	out.Write(make([]byte, HeaderSize)) // placeholder

	sectionFileOffsets := make([]uint32, len(obj.Sections))
	for i := range obj.Sections {
		s := &obj.Sections[i]
		if s.SectFlags.Has(SectionZeroFill) {
			sectionFileOffsets[i] = 0
			continue
		}
		align := int(s.Alignment())
		pad := (align - out.Len()%align) % align
		out.Write(make([]byte, pad))
		sectionFileOffsets[i] = uint32(out.Len())
		out.Write(s.Data)
	}

	sectionTableOffset := uint32(out.Len())
	for i := range obj.Sections {
		s := &obj.Sections[i]
		fileOff := sectionFileOffsets[i]
		raw := struct {
			NameOffset    uint32
			VirtualAddr   uint32
			Size          uint32
			FileOffset    uint32
			SectFlags     uint16
			AlignmentLog2 uint8
			Reserved      uint8
		}{s.NameOffset, s.VirtualAddr, s.Size, fileOff, uint16(s.SectFlags), s.AlignmentLog2, s.Reserved}
		binary.Write(&out, order, raw)
	}

	symbolTableOffset := uint32(out.Len())
	for i := range obj.Symbols {
		s := &obj.Symbols[i]
		raw := struct {
			NameOffset   uint32
			Value        uint32
			Size         uint32
			SectionIndex uint16
			Type         uint8
			Binding      uint8
		}{s.NameOffset, s.Value, s.Size, s.SectionIndex, uint8(s.Type), uint8(s.Binding)}
		binary.Write(&out, order, raw)
	}
	_ = symbolTableOffset // symbol table directly follows the section table; Parse derives its offset, no header field stores it

	importTableOffset := uint32(out.Len())
	for i := range obj.Imports {
		imp := &obj.Imports[i]
		raw := struct {
			LibraryNameOffset uint32
			SymbolNameOffset  uint32
		}{imp.LibraryNameOffset, imp.SymbolNameOffset}
		binary.Write(&out, order, raw)
	}
	_ = importTableOffset // import table directly follows symbols; offset is derivable, no header field stores it separately per spec.md §3

	relocTableOffset := uint32(out.Len())
	for i := range obj.Relocs {
		r := &obj.Relocs[i]
		raw := struct {
			Offset             uint32
			SymbolIndex        uint16
			Type               uint8
			TargetSectionIndex uint8
		}{r.Offset, r.SymbolIndex, uint8(r.Type), r.TargetSectionIndex}
		binary.Write(&out, order, raw)
	}

	stringTableOffset := uint32(out.Len())
	out.Write(obj.Strings)

	if out.Len() > MaxOutputSize {
		return nil, errs.New(errs.OutputTooLarge, "emitted size %d exceeds %d", out.Len(), MaxOutputSize)
	}

	if len(obj.Sections) > 255 {
		return nil, errs.New(errs.InvalidSection, "section_count %d exceeds 255", len(obj.Sections))
	}

	final := out.Bytes()
	h := obj.Header
	h.SectionCount = uint16(len(obj.Sections))
	h.SymbolCount = uint16(len(obj.Symbols))
	h.RelocCount = uint16(len(obj.Relocs))
	h.ImportCount = uint16(len(obj.Imports))
	h.StringTableOffset = stringTableOffset
	h.StringTableSize = uint32(len(obj.Strings))
	h.SectionTableOffset = sectionTableOffset
	h.RelocTableOffset = relocTableOffset

	headerBuf := new(bytes.Buffer)
	rawHeader := struct {
		Magic              [4]byte
		Version            uint16
		Flags              uint16
		EntryPoint         uint32
		SectionCount       uint16
		SymbolCount        uint16
		StringTableOffset  uint32
		StringTableSize    uint32
		SectionTableOffset uint32
		RelocTableOffset   uint32
		RelocCount         uint16
		ImportCount        uint16
	}{h.Magic, h.Version, uint16(h.Flags), h.EntryPoint, h.SectionCount, h.SymbolCount,
		h.StringTableOffset, h.StringTableSize, h.SectionTableOffset, h.RelocTableOffset,
		h.RelocCount, h.ImportCount}
	binary.Write(headerBuf, order, rawHeader)
	copy(final[:HeaderSize], headerBuf.Bytes())

	return final, nil
}
