// Package symtab implements the cross-input symbol table and
// resolution rules of spec.md §4.4: a logical name -> symbol map
// with binding precedence, per-name origin tracking for relocation,
// and the resolution pass that ties every undefined reference to a
// definition.
//
// Grounded on the two-pass resolve-then-verify structure in
// _examples/other_examples/19da3dfe_gmofishsauce-wut4__lang-yld-linker.go.go
// (resolveSymbols: collect defined globals, then check every
// undefined reference), generalized to add the weak/global/local
// precedence ladder spec.md names and per-name origin bookkeeping.
package symtab

import (
	"fmt"

	"github.com/xyproto/stld/internal/errs"
	"github.com/xyproto/stld/internal/objfmt"
)

// Origin records where a resolved symbol's definition came from, so
// the relocation engine can later find the owning section's final
// address.
type Origin struct {
	InputIndex   int // index of the input OBJ that defined this symbol
	SectionIndex int // local section index within that input
	Value        uint32
	Size         uint32
	Binding      objfmt.SymbolBinding
	Type         objfmt.SymbolType
}

// Table is the cross-input symbol table built during C7's ingest
// phase.
type Table struct {
	defs map[string]Origin
	// order preserves first-seen order, useful for deterministic
	// map emission and for map-file output.
	order   []string
	aliases map[string]string
}

func New() *Table {
	return &Table{defs: make(map[string]Origin)}
}

// Ingest merges one input's symbol into the table, applying the
// duplicate/override precedence ladder of spec.md §4.4:
//
//  1. global vs global            -> DuplicateSymbol (fatal)
//  2. global vs weak               -> global wins, weak discarded
//  3. weak vs weak                  -> first seen wins
//  4. undefined vs defined         -> defined wins
//  5. section symbols               -> never checked here
//
// Undefined references (sym.Undefined()) are not recorded as
// definitions; callers track them separately and pass them to Resolve.
func (t *Table) Ingest(inputIndex, sectionIndex int, sym objfmt.Symbol) *errs.Err {
	if sym.Type == objfmt.SymTypeSection {
		return nil // scoped to the originating input, not subject to dedup
	}
	if sym.Binding == objfmt.BindLocal {
		return nil // locals never enter the global table
	}
	if sym.Undefined() {
		return nil // handled by the resolution pass, not ingest
	}

	origin := Origin{
		InputIndex:   inputIndex,
		SectionIndex: sectionIndex,
		Value:        sym.Value,
		Size:         sym.Size,
		Binding:      sym.Binding,
		Type:         sym.Type,
	}

	existing, ok := t.defs[sym.Name]
	if !ok {
		t.defs[sym.Name] = origin
		t.order = append(t.order, sym.Name)
		return nil
	}

	switch {
	case existing.Binding == objfmt.BindGlobal && sym.Binding == objfmt.BindGlobal:
		return errs.New(errs.DuplicateSymbol, "%s", sym.Name)
	case existing.Binding == objfmt.BindGlobal && sym.Binding == objfmt.BindWeak:
		// global wins; weak discarded silently
		return nil
	case existing.Binding == objfmt.BindWeak && sym.Binding == objfmt.BindGlobal:
		t.defs[sym.Name] = origin
		return nil
	case existing.Binding == objfmt.BindWeak && sym.Binding == objfmt.BindWeak:
		// first seen wins
		return nil
	default:
		return nil
	}
}

// Lookup returns the resolved origin of name, if any.
func (t *Table) Lookup(name string) (Origin, bool) {
	o, ok := t.defs[name]
	return o, ok
}

// Names returns every defined name in first-seen order.
func (t *Table) Names() []string {
	return append([]string(nil), t.order...)
}

// Resolve performs the cross-input resolution pass: every undefined
// reference in undefinedRefs must match exactly one entry in the
// table, else SymbolNotFound is recorded against it. All failures
// are collected, per spec.md §7 ("the driver reports every
// resolution error before failing").
func (t *Table) Resolve(undefinedRefs []string) *errs.Collector {
	c := &errs.Collector{}
	seen := make(map[string]bool)
	for _, name := range undefinedRefs {
		if seen[name] {
			continue
		}
		seen[name] = true
		if _, ok := t.defs[name]; !ok {
			c.Add(errs.New(errs.SymbolNotFound, "%s", name))
		}
	}
	if err := t.detectCircularWeak(); err != nil {
		c.Add(err)
	}
	return c
}

// detectCircularWeak reports cycles in weak-alias chains, where a
// weak symbol's AliasOf names the symbol it stands in for. The flat
// OBJ symbol record has no alias field of its own, so aliasing is
// represented out-of-band: internal/linker's AddInput calls AliasWeak
// whenever a weak symbol shares its (section, value) address with an
// earlier symbol from the same input, the same address-sharing
// convention ELF uses for .weak aliases.
func (t *Table) detectCircularWeak() *errs.Err {
	visiting := make(map[string]bool)
	var visit func(name string) *errs.Err
	visit = func(name string) *errs.Err {
		alias, ok := t.aliases[name]
		if !ok {
			return nil
		}
		if visiting[name] {
			return errs.New(errs.CircularDependency, "%s", name)
		}
		visiting[name] = true
		defer delete(visiting, name)
		return visit(alias)
	}
	for _, name := range t.order {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

// AliasWeak records that the weak symbol name stands in for target,
// enabling CircularDependency detection across weak-alias chains
// (spec.md §4.4).
func (t *Table) AliasWeak(name, target string) {
	if t.aliases == nil {
		t.aliases = make(map[string]string)
	}
	t.aliases[name] = target
}

// String implements fmt.Stringer for debugging/verbose dumps.
func (t *Table) String() string {
	return fmt.Sprintf("symtab.Table{%d definitions}", len(t.defs))
}
