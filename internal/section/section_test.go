package section

import (
	"testing"

	"github.com/xyproto/stld/internal/objfmt"
)

func TestLayoutOrdersByCategory(t *testing.T) {
	m := NewManager()

	bss, _ := m.Create(".bss", objfmt.SectionAllocatable|objfmt.SectionWritable|objfmt.SectionZeroFill, 4)
	bss.SetSize(8)

	data, _ := m.Create(".data", objfmt.SectionAllocatable|objfmt.SectionWritable, 4)
	data.Append([]byte{1, 2, 3, 4})

	text, _ := m.Create(".text", objfmt.SectionAllocatable|objfmt.SectionExecutable, 16)
	text.Append(make([]byte, 16))

	rodata, _ := m.Create(".rodata", objfmt.SectionAllocatable, 4)
	rodata.Append([]byte{9, 9})

	if err := Layout(m.All(), 0x1000, false); err != nil {
		t.Fatalf("Layout: %v", err)
	}

	if text.Address != 0x1000 {
		t.Fatalf("text should be first at base, got 0x%x", text.Address)
	}
	if rodata.Address <= text.Address {
		t.Fatalf("rodata should follow text")
	}
	if data.Address <= rodata.Address {
		t.Fatalf("data should follow rodata")
	}
	if bss.Address <= data.Address {
		t.Fatalf("bss should follow data")
	}
}

func TestLayoutRespectsAlignment(t *testing.T) {
	m := NewManager()
	s, _ := m.Create(".text", objfmt.SectionAllocatable|objfmt.SectionExecutable, 64)
	s.Append([]byte{1})

	if err := Layout(m.All(), 1, false); err != nil {
		t.Fatalf("Layout: %v", err)
	}
	if s.Address%64 != 0 {
		t.Fatalf("expected address aligned to 64, got 0x%x", s.Address)
	}
}

func TestLayoutOptimizeSizeOrdersByAlignmentDescending(t *testing.T) {
	m := NewManager()
	a, _ := m.Create(".rodata.a", objfmt.SectionAllocatable, 1)
	a.Append([]byte{1})
	b, _ := m.Create(".rodata.b", objfmt.SectionAllocatable, 16)
	b.Append([]byte{2})
	c, _ := m.Create(".rodata.c", objfmt.SectionAllocatable, 4)
	c.Append([]byte{3})

	if err := Layout(m.All(), 0, true); err != nil {
		t.Fatalf("Layout: %v", err)
	}
	if !(b.Address < c.Address && c.Address < a.Address) {
		t.Fatalf("expected order by descending alignment (16,4,1), got a=0x%x b=0x%x c=0x%x", a.Address, b.Address, c.Address)
	}
}

func TestNoOverlapAfterLayout(t *testing.T) {
	m := NewManager()
	a, _ := m.Create(".text", objfmt.SectionAllocatable|objfmt.SectionExecutable, 1)
	a.Append(make([]byte, 100))
	b, _ := m.Create(".rodata", objfmt.SectionAllocatable, 1)
	b.Append(make([]byte, 50))

	if err := Layout(m.All(), 0, false); err != nil {
		t.Fatalf("Layout: %v", err)
	}
	if Overlaps(a.Address, a.Size(), b.Address, b.Size()) {
		t.Fatalf("sections must not overlap: a=[0x%x,+%d) b=[0x%x,+%d)", a.Address, a.Size(), b.Address, b.Size())
	}
}

func TestMergeRejectsIncompatibleFlags(t *testing.T) {
	exec := &Section{Name: ".text", Flags: objfmt.SectionExecutable}
	data := &Section{Name: ".text", Flags: objfmt.SectionWritable}
	if err := exec.Merge(data); err == nil {
		t.Fatal("expected error merging executable with writable section")
	}
}

func TestMergePreservesInputOrder(t *testing.T) {
	a := &Section{Name: ".data", Flags: objfmt.SectionWritable, Data: []byte{1, 2}}
	b := &Section{Name: ".data", Flags: objfmt.SectionWritable, Data: []byte{3, 4}}
	if err := a.Merge(b); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	want := []byte{1, 2, 3, 4}
	if string(a.Data) != string(want) {
		t.Fatalf("expected %v, got %v", want, a.Data)
	}
}
