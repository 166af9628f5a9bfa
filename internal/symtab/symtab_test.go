package symtab

import (
	"testing"

	"github.com/xyproto/stld/internal/errs"
	"github.com/xyproto/stld/internal/objfmt"
)

func TestDuplicateGlobal(t *testing.T) {
	tab := New()
	foo := objfmt.Symbol{Name: "foo", Binding: objfmt.BindGlobal, SectionIndex: 0}
	if err := tab.Ingest(0, 0, foo); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	err := tab.Ingest(1, 0, foo)
	if err == nil || err.Kind != errs.DuplicateSymbol {
		t.Fatalf("expected DuplicateSymbol, got %v", err)
	}
}

func TestWeakOverride(t *testing.T) {
	tab := New()
	weakFoo := objfmt.Symbol{Name: "foo", Binding: objfmt.BindWeak, SectionIndex: 0}
	globalFoo := objfmt.Symbol{Name: "foo", Binding: objfmt.BindGlobal, SectionIndex: 0, Value: 42}

	if err := tab.Ingest(0, 0, weakFoo); err != nil {
		t.Fatalf("ingest weak: %v", err)
	}
	if err := tab.Ingest(1, 0, globalFoo); err != nil {
		t.Fatalf("ingest global: %v", err)
	}

	origin, ok := tab.Lookup("foo")
	if !ok {
		t.Fatal("expected foo to resolve")
	}
	if origin.InputIndex != 1 || origin.Value != 42 {
		t.Fatalf("expected global definition to win, got %+v", origin)
	}
}

func TestWeakVsWeakFirstWins(t *testing.T) {
	tab := New()
	first := objfmt.Symbol{Name: "foo", Binding: objfmt.BindWeak, Value: 1}
	second := objfmt.Symbol{Name: "foo", Binding: objfmt.BindWeak, Value: 2}
	tab.Ingest(0, 0, first)
	tab.Ingest(1, 0, second)

	origin, _ := tab.Lookup("foo")
	if origin.Value != 1 {
		t.Fatalf("expected first weak definition to win, got value %d", origin.Value)
	}
}

func TestResolveReportsMissingSymbol(t *testing.T) {
	tab := New()
	c := tab.Resolve([]string{"bar"})
	if c.Empty() {
		t.Fatal("expected a SymbolNotFound error")
	}
	if c.Errors()[0].Kind != errs.SymbolNotFound {
		t.Fatalf("expected SymbolNotFound, got %v", c.Errors()[0].Kind)
	}
}

func TestResolveSucceedsWhenDefined(t *testing.T) {
	tab := New()
	tab.Ingest(0, 0, objfmt.Symbol{Name: "main", Binding: objfmt.BindGlobal})
	c := tab.Resolve([]string{"main"})
	if !c.Empty() {
		t.Fatalf("expected no errors, got %v", c.Errors())
	}
}

func TestCircularWeakAlias(t *testing.T) {
	tab := New()
	tab.Ingest(0, 0, objfmt.Symbol{Name: "a", Binding: objfmt.BindWeak})
	tab.Ingest(0, 0, objfmt.Symbol{Name: "b", Binding: objfmt.BindWeak})
	tab.AliasWeak("a", "b")
	tab.AliasWeak("b", "a")

	c := tab.Resolve(nil)
	if c.Empty() {
		t.Fatal("expected CircularDependency")
	}
	found := false
	for _, e := range c.Errors() {
		if e.Kind == errs.CircularDependency {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected CircularDependency among %v", c.Errors())
	}
}
