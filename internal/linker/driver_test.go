package linker

import (
	"encoding/binary"
	"testing"

	"github.com/xyproto/stld/internal/config"
	"github.com/xyproto/stld/internal/objfmt"
	"github.com/xyproto/stld/internal/strpool"
)

// buildCaller returns an input object whose .text calls an external
// "helper" symbol via an abs32 relocation at offset 4.
func buildCaller(t *testing.T) *objfmt.Object {
	t.Helper()
	pool := strpool.New()
	textOff := pool.Intern(".text")
	mainOff := pool.Intern("main")
	helperOff := pool.Intern("helper")

	data := make([]byte, 8)
	data[0], data[1], data[2], data[3] = 0x90, 0x90, 0x90, 0x90

	return &objfmt.Object{
		Header: objfmt.Header{Magic: objfmt.Magic, Version: objfmt.Version, Flags: objfmt.FlagRelocatable | objfmt.FlagLittleEndian},
		Sections: []objfmt.Section{{
			NameOffset: textOff, Size: 8, SectFlags: objfmt.SectionAllocatable | objfmt.SectionExecutable,
			Name: ".text", Data: data,
		}},
		Symbols: []objfmt.Symbol{
			{NameOffset: mainOff, Value: 0, SectionIndex: 0, Type: objfmt.SymTypeFunc, Binding: objfmt.BindGlobal, Name: "main"},
			{NameOffset: helperOff, SectionIndex: objfmt.UndefinedSection, Type: objfmt.SymTypeFunc, Binding: objfmt.BindGlobal, Name: "helper"},
		},
		Relocs: []objfmt.Reloc{
			{Offset: 4, SymbolIndex: 1, Type: objfmt.RelocAbs32, TargetSectionIndex: 0},
		},
		Strings: pool.Bytes(),
	}
}

// buildCallee returns an input object defining "helper" at value 0 of
// its own .text; that .text is appended after the caller's, so
// helper's merged address differs from its local value.
func buildCallee(t *testing.T) *objfmt.Object {
	t.Helper()
	pool := strpool.New()
	textOff := pool.Intern(".text")
	helperOff := pool.Intern("helper")

	data := bytes4(0xC3)

	return &objfmt.Object{
		Header: objfmt.Header{Magic: objfmt.Magic, Version: objfmt.Version, Flags: objfmt.FlagRelocatable | objfmt.FlagLittleEndian},
		Sections: []objfmt.Section{{
			NameOffset: textOff, Size: 4, SectFlags: objfmt.SectionAllocatable | objfmt.SectionExecutable,
			Name: ".text", Data: data,
		}},
		Symbols: []objfmt.Symbol{
			{NameOffset: helperOff, Value: 0, SectionIndex: 0, Type: objfmt.SymTypeFunc, Binding: objfmt.BindGlobal, Name: "helper"},
		},
		Strings: pool.Bytes(),
	}
}

func bytes4(b byte) []byte { return []byte{b, b, b, b} }

func TestLinkTwoInputsResolvesAndRelocates(t *testing.T) {
	cfg := config.Defaults()
	cfg.BaseAddress = 0x1000
	cfg.Entry = "main"

	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	if err := d.AddInput(buildCaller(t)); err != nil {
		t.Fatalf("AddInput(caller): %v", err)
	}
	if err := d.AddInput(buildCallee(t)); err != nil {
		t.Fatalf("AddInput(callee): %v", err)
	}

	if c := d.Resolve(); !c.Empty() {
		t.Fatalf("Resolve: %v", c.Err())
	}
	if err := d.Layout(); err != nil {
		t.Fatalf("Layout: %v", err)
	}
	if _, c := d.Relocate(); !c.Empty() {
		t.Fatalf("Relocate: %v", c.Err())
	}

	entry, err := d.EntryAddress()
	if err != nil {
		t.Fatalf("EntryAddress: %v", err)
	}
	if entry != cfg.BaseAddress {
		t.Fatalf("expected entry at base 0x%x, got 0x%x", cfg.BaseAddress, entry)
	}

	out, err := d.EmitObject()
	if err != nil {
		t.Fatalf("EmitObject: %v", err)
	}
	obj, err := objfmt.Parse(out)
	if err != nil {
		t.Fatalf("Parse emitted object: %v", err)
	}
	if len(obj.Sections) != 1 {
		t.Fatalf("expected merged single .text section, got %d", len(obj.Sections))
	}
	mergedText := obj.Sections[0].Data
	if len(mergedText) != 12 {
		t.Fatalf("expected merged .text of 12 bytes (8+4), got %d", len(mergedText))
	}

	helperAddr := cfg.BaseAddress + 8 // callee's .text appended after caller's 8 bytes
	patched := binary.LittleEndian.Uint32(mergedText[4:8])
	if patched != helperAddr {
		t.Fatalf("expected abs32 patch to 0x%x, got 0x%x", helperAddr, patched)
	}
}

// buildGOTUser returns an input whose .data section carries a GOT32
// relocation against an externally-defined "extern_data" symbol.
func buildGOTUser(t *testing.T) *objfmt.Object {
	t.Helper()
	pool := strpool.New()
	dataOff := pool.Intern(".data")
	symOff := pool.Intern("extern_data")

	return &objfmt.Object{
		Header: objfmt.Header{Magic: objfmt.Magic, Version: objfmt.Version, Flags: objfmt.FlagRelocatable | objfmt.FlagLittleEndian},
		Sections: []objfmt.Section{{
			NameOffset: dataOff, Size: 4, SectFlags: objfmt.SectionAllocatable | objfmt.SectionWritable,
			Name: ".data", Data: bytes4(0x00),
		}},
		Symbols: []objfmt.Symbol{
			{NameOffset: symOff, SectionIndex: objfmt.UndefinedSection, Type: objfmt.SymTypeObject, Binding: objfmt.BindGlobal, Name: "extern_data"},
		},
		Relocs: []objfmt.Reloc{
			{Offset: 0, SymbolIndex: 0, Type: objfmt.RelocGOT32, TargetSectionIndex: 0},
		},
		Strings: pool.Bytes(),
	}
}

// buildDataDefiner defines "extern_data" in its own .data section, so
// Resolve succeeds even though the GOT32 site never reads this
// definition directly (spec.md §4.6 step 2: the access still goes
// through the GOT at load time).
func buildDataDefiner(t *testing.T) *objfmt.Object {
	t.Helper()
	pool := strpool.New()
	dataOff := pool.Intern(".data")
	symOff := pool.Intern("extern_data")

	return &objfmt.Object{
		Header: objfmt.Header{Magic: objfmt.Magic, Version: objfmt.Version, Flags: objfmt.FlagRelocatable | objfmt.FlagLittleEndian},
		Sections: []objfmt.Section{{
			NameOffset: dataOff, Size: 4, SectFlags: objfmt.SectionAllocatable | objfmt.SectionWritable,
			Name: ".data", Data: bytes4(0x2A),
		}},
		Symbols: []objfmt.Symbol{
			{NameOffset: symOff, Value: 0, SectionIndex: 0, Type: objfmt.SymTypeObject, Binding: objfmt.BindGlobal, Name: "extern_data"},
		},
		Strings: pool.Bytes(),
	}
}

func TestDynamicRelocSurvivesSharedEmit(t *testing.T) {
	cfg := config.Defaults()
	cfg.OutputType = config.OutputShared

	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	if err := d.AddInput(buildGOTUser(t)); err != nil {
		t.Fatalf("AddInput(gotUser): %v", err)
	}
	if err := d.AddInput(buildDataDefiner(t)); err != nil {
		t.Fatalf("AddInput(dataDefiner): %v", err)
	}

	if c := d.Resolve(); !c.Empty() {
		t.Fatalf("Resolve: %v", c.Err())
	}
	if err := d.Layout(); err != nil {
		t.Fatalf("Layout: %v", err)
	}
	passed, c := d.Relocate()
	if !c.Empty() {
		t.Fatalf("Relocate: %v", c.Err())
	}
	if len(passed) != 1 {
		t.Fatalf("expected 1 passthrough relocation, got %d", len(passed))
	}

	out, err := d.EmitObject()
	if err != nil {
		t.Fatalf("EmitObject: %v", err)
	}
	obj, err := objfmt.Parse(out)
	if err != nil {
		t.Fatalf("Parse emitted object: %v", err)
	}
	if len(obj.Relocs) != 1 {
		t.Fatalf("expected emitted object to carry 1 relocation, got %d", len(obj.Relocs))
	}
	r := obj.Relocs[0]
	if r.Type != objfmt.RelocGOT32 {
		t.Fatalf("expected GOT32 relocation preserved, got type %d", r.Type)
	}
	if int(r.SymbolIndex) >= len(obj.Symbols) {
		t.Fatalf("relocation symbol_index %d out of range (%d symbols)", r.SymbolIndex, len(obj.Symbols))
	}
	if got := obj.Symbols[r.SymbolIndex].Name; got != "extern_data" {
		t.Fatalf("expected relocation to reference extern_data, got %q", got)
	}
}

// TestWeakAliasAtSameAddressResolves links an input defining two weak
// symbols at the same (section, value) address: "helper" comes first
// and is the canonical definition, and the input below adds a second
// weak name "helper_alias" at that same address, which
// AddInput should record as a weak alias of "helper" rather than a
// conflicting definition.
func TestWeakAliasAtSameAddressResolves(t *testing.T) {
	pool := strpool.New()
	textOff := pool.Intern(".text")
	helperOff := pool.Intern("helper")
	aliasOff := pool.Intern("helper_alias")

	aliasInput := &objfmt.Object{
		Header: objfmt.Header{Magic: objfmt.Magic, Version: objfmt.Version, Flags: objfmt.FlagRelocatable | objfmt.FlagLittleEndian},
		Sections: []objfmt.Section{{
			NameOffset: textOff, Size: 4, SectFlags: objfmt.SectionAllocatable | objfmt.SectionExecutable,
			Name: ".text", Data: bytes4(0xC3),
		}},
		Symbols: []objfmt.Symbol{
			{NameOffset: helperOff, Value: 0, SectionIndex: 0, Type: objfmt.SymTypeFunc, Binding: objfmt.BindWeak, Name: "helper"},
			{NameOffset: aliasOff, Value: 0, SectionIndex: 0, Type: objfmt.SymTypeFunc, Binding: objfmt.BindWeak, Name: "helper_alias"},
		},
		Strings: pool.Bytes(),
	}

	cfg := config.Defaults()
	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	if err := d.AddInput(aliasInput); err != nil {
		t.Fatalf("AddInput: %v", err)
	}
	if c := d.Resolve(); !c.Empty() {
		t.Fatalf("Resolve: %v", c.Err())
	}
	if _, ok := d.symbols.Lookup("helper_alias"); !ok {
		t.Fatal("expected helper_alias to still resolve as its own weak definition")
	}
}

func TestLinkMissingSymbolReported(t *testing.T) {
	cfg := config.Defaults()
	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	if err := d.AddInput(buildCaller(t)); err != nil {
		t.Fatalf("AddInput: %v", err)
	}
	c := d.Resolve()
	if c.Empty() {
		t.Fatal("expected unresolved \"helper\" reference to be reported")
	}
}

func TestEmitFlatZeroFillsGaps(t *testing.T) {
	cfg := config.Defaults()
	cfg.BaseAddress = 0x2000
	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	pool := strpool.New()
	textOff := pool.Intern(".text")
	bssOff := pool.Intern(".bss")
	obj := &objfmt.Object{
		Header: objfmt.Header{Magic: objfmt.Magic, Version: objfmt.Version, Flags: objfmt.FlagRelocatable | objfmt.FlagLittleEndian},
		Sections: []objfmt.Section{
			{NameOffset: textOff, Size: 4, SectFlags: objfmt.SectionAllocatable | objfmt.SectionExecutable, Name: ".text", Data: []byte{1, 2, 3, 4}, AlignmentLog2: 4},
			{NameOffset: bssOff, Size: 8, SectFlags: objfmt.SectionAllocatable | objfmt.SectionZeroFill, Name: ".bss", AlignmentLog2: 4},
		},
		Strings: pool.Bytes(),
	}
	if err := d.AddInput(obj); err != nil {
		t.Fatalf("AddInput: %v", err)
	}
	if err := d.Layout(); err != nil {
		t.Fatalf("Layout: %v", err)
	}

	flat, err := d.EmitFlat()
	if err != nil {
		t.Fatalf("EmitFlat: %v", err)
	}
	if flat[0] != 1 || flat[3] != 4 {
		t.Fatalf("expected .text bytes preserved at image start, got %v", flat[:4])
	}
	// .text ends at 0x2004 and the 16-aligned .bss starts at 0x2010.
	if len(flat) != 24 {
		t.Fatalf("expected image of 24 bytes (0x2000..0x2018), got %d", len(flat))
	}
	for _, b := range flat[4:16] {
		if b != 0 {
			t.Fatalf("expected zero-filled gap between .text and .bss, got %v", flat[4:16])
		}
	}
	for _, b := range flat[len(flat)-8:] {
		if b != 0 {
			t.Fatalf("expected zero-filled .bss tail, got %v", flat[len(flat)-8:])
		}
	}
}
