package archive

import (
	"bytes"
	"testing"

	"github.com/xyproto/stld/internal/compress"
)

func TestArchiveRoundTrip(t *testing.T) {
	a := New()
	aData := bytes.Repeat([]byte{1, 2, 3}, 34) // ~100 bytes, compressible
	bData := bytes.Repeat([]byte{5}, 200)

	if err := a.Add("a.obj", aData[:100], AddOptions{Compress: true, Timestamp: 1000}, compress.Compress); err != nil {
		t.Fatalf("Add a.obj: %v", err)
	}
	if err := a.Add("b.obj", bData, AddOptions{Timestamp: 2000}, compress.Compress); err != nil {
		t.Fatalf("Add b.obj: %v", err)
	}

	var buf bytes.Buffer
	if _, err := a.Serialize(&buf); err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	back, err := Deserialize(buf.Bytes())
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}

	if back.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", back.Len())
	}

	aEntry, _, ok := back.FindByName("a.obj")
	if !ok {
		t.Fatal("expected to find a.obj")
	}
	wantCRC := entryCRC(t, a, "a.obj")
	if aEntry.CRC32 != wantCRC {
		t.Fatalf("CRC32 mismatch: got %d want %d", aEntry.CRC32, wantCRC)
	}
	if aEntry.OriginalSize != 100 {
		t.Fatalf("expected original size 100, got %d", aEntry.OriginalSize)
	}

	compressedOnly := back.SearchByFlags(FlagCompressed, true)
	if len(compressedOnly) != 1 || compressedOnly[0].Name != "a.obj" {
		t.Fatalf("expected exactly [a.obj] compressed, got %v", namesOf(compressedOnly))
	}
}

func entryCRC(t *testing.T, a *Archive, name string) uint32 {
	t.Helper()
	e, _, ok := a.FindByName(name)
	if !ok {
		t.Fatalf("entry %q not found in source archive", name)
	}
	return e.CRC32
}

func namesOf(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name
	}
	return out
}

func TestDuplicateNameRejected(t *testing.T) {
	a := New()
	if err := a.Add("x.obj", []byte("hi"), AddOptions{Timestamp: 1}, compress.Compress); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := a.Add("x.obj", []byte("bye"), AddOptions{Timestamp: 2}, compress.Compress); err == nil {
		t.Fatal("expected duplicate member name to be rejected")
	}
}

func TestSearchBySizeRangeAndSubstring(t *testing.T) {
	a := New()
	a.Add("small.obj", make([]byte, 10), AddOptions{Timestamp: 1}, compress.Compress)
	a.Add("big.obj", make([]byte, 1000), AddOptions{Timestamp: 2}, compress.Compress)

	small := a.SearchBySizeRange(0, 100)
	if len(small) != 1 || small[0].Name != "small.obj" {
		t.Fatalf("expected [small.obj], got %v", namesOf(small))
	}

	both := a.SearchBySubstring(".obj")
	if len(both) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(both))
	}
}

func TestSortByNameAscendingAndDescending(t *testing.T) {
	a := New()
	a.Add("zeta.obj", []byte{1}, AddOptions{Timestamp: 1}, compress.Compress)
	a.Add("alpha.obj", []byte{2}, AddOptions{Timestamp: 2}, compress.Compress)

	a.Sort(SortByName, Ascending)
	entries := a.Entries()
	if entries[0].Name != "alpha.obj" || entries[1].Name != "zeta.obj" {
		t.Fatalf("expected alpha before zeta, got %v", namesOf(entries))
	}

	a.Sort(SortByName, Descending)
	entries = a.Entries()
	if entries[0].Name != "zeta.obj" || entries[1].Name != "alpha.obj" {
		t.Fatalf("expected zeta before alpha, got %v", namesOf(entries))
	}
}

func TestOptimizeReturnsStats(t *testing.T) {
	a := New()
	for i := 0; i < 20; i++ {
		name := string(rune('a'+i)) + ".obj"
		a.Add(name, []byte{byte(i)}, AddOptions{Timestamp: uint64(i)}, compress.Compress)
	}
	stats := a.Optimize()
	if stats.Entries != 20 {
		t.Fatalf("expected 20 entries, got %d", stats.Entries)
	}
	if stats.LoadFactor > 0.75 {
		t.Fatalf("expected load factor <= 0.75, got %f", stats.LoadFactor)
	}
}
