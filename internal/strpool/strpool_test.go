package strpool

import "testing"

// TestInternDeduplicates reproduces spec.md §8 scenario 6: interning
// "hello" twice returns the same offset both times, and the pool's
// final size is the leading NUL plus "hello" plus its trailing NUL
// (1 + 5 + 1 = 7).
func TestInternDeduplicates(t *testing.T) {
	p := New()

	first := p.Intern("hello")
	second := p.Intern("hello")

	if first != second {
		t.Fatalf("expected repeated intern to return the same offset, got %d and %d", first, second)
	}
	if got, want := p.Len(), 7; got != want {
		t.Fatalf("expected pool size %d after one distinct string, got %d", want, got)
	}
	if got, want := p.String(first), "hello"; got != want {
		t.Fatalf("expected offset %d to resolve to %q, got %q", first, want, got)
	}
}

func TestInternEmptyStringReturnsZero(t *testing.T) {
	p := New()
	if off := p.Intern(""); off != 0 {
		t.Fatalf("expected empty string to intern at offset 0, got %d", off)
	}
	if got, want := p.Len(), 1; got != want {
		t.Fatalf("expected pool to stay at the leading NUL only, got size %d", got)
	}
}

func TestInternDistinctStringsGetDistinctOffsets(t *testing.T) {
	p := New()
	a := p.Intern("foo")
	b := p.Intern("bar")
	if a == b {
		t.Fatalf("expected distinct strings to get distinct offsets, both got %d", a)
	}
	if got, want := p.String(a), "foo"; got != want {
		t.Fatalf("offset %d: got %q, want %q", a, got, want)
	}
	if got, want := p.String(b), "bar"; got != want {
		t.Fatalf("offset %d: got %q, want %q", b, got, want)
	}
}

func TestBytesRoundTripsThroughFromBytes(t *testing.T) {
	p := New()
	off := p.Intern("round-trip")

	loaded := FromBytes(p.Bytes())
	if got, want := loaded.String(off), "round-trip"; got != want {
		t.Fatalf("expected loaded pool to resolve offset %d to %q, got %q", off, want, got)
	}
}
