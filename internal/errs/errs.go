// Package errs defines the error taxonomy shared by the linker and
// archiver engines: stable kinds, a severity level, and enough
// context (source location, optional cause) for a caller to build
// batch diagnostics without re-deriving what went wrong.
package errs

import (
	"fmt"
	"runtime"
)

// Kind is a stable identifier for a class of failure. Callers match
// on Kind, never on the formatted message.
type Kind int

const (
	InvalidArgument Kind = iota
	OutOfMemory
	FileNotFound
	FileIO
	PermissionDenied
	InvalidMagic
	UnsupportedVersion
	CorruptHeader
	InvalidSection
	InvalidSymbol
	InvalidRelocation
	SymbolNotFound
	DuplicateSymbol
	CircularDependency
	RelocationFailed
	SectionAlignment
	OutputTooLarge
	ArchiveCorrupt
	MemberNotFound
	CompressionFailed
	DecompressionFailed
	SystemLimit
	Internal
)

var kindNames = [...]string{
	"InvalidArgument", "OutOfMemory", "FileNotFound", "FileIO",
	"PermissionDenied", "InvalidMagic", "UnsupportedVersion",
	"CorruptHeader", "InvalidSection", "InvalidSymbol",
	"InvalidRelocation", "SymbolNotFound", "DuplicateSymbol",
	"CircularDependency", "RelocationFailed", "SectionAlignment",
	"OutputTooLarge", "ArchiveCorrupt", "MemberNotFound",
	"CompressionFailed", "DecompressionFailed", "SystemLimit",
	"Internal",
}

func (k Kind) String() string {
	if int(k) < 0 || int(k) >= len(kindNames) {
		return "Unknown"
	}
	return kindNames[k]
}

// Severity ranks how the job should react to an error.
type Severity int

const (
	Info Severity = iota
	Warning
	Error
	Fatal
)

func (s Severity) String() string {
	switch s {
	case Info:
		return "info"
	case Warning:
		return "warning"
	case Error:
		return "error"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Location pinpoints where an Err was raised, for diagnostics only.
type Location struct {
	File     string
	Line     int
	Function string
}

// Err is the context-carrying error value produced by every package
// in this module. It wraps an optional cause so callers can walk the
// chain with errors.Unwrap/errors.Is/errors.As.
type Err struct {
	Kind     Kind
	Severity Severity
	Message  string
	Where    Location
	Cause    error
}

func (e *Err) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Err) Unwrap() error { return e.Cause }

// IsFatal reports whether the job driving this error must abort
// immediately rather than collect it and continue (spec.md §7:
// OutOfMemory, Internal, and anything marked Fatal abort on sight).
func (e *Err) IsFatal() bool {
	return e.Severity == Fatal || e.Kind == OutOfMemory || e.Kind == Internal
}

func defaultSeverity(k Kind) Severity {
	switch k {
	case OutOfMemory, Internal:
		return Fatal
	case DuplicateSymbol, SymbolNotFound, CircularDependency, RelocationFailed,
		OutputTooLarge, ArchiveCorrupt, CorruptHeader, InvalidMagic,
		UnsupportedVersion, InvalidSection, InvalidSymbol, InvalidRelocation:
		return Error
	default:
		return Error
	}
}

// New builds an Err with caller location captured via runtime.Caller,
// skipping this helper's own frame.
func New(kind Kind, format string, args ...any) *Err {
	return wrap(kind, nil, format, args...)
}

// Wrap builds an Err that chains an existing error as its cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Err {
	return wrap(kind, cause, format, args...)
}

func wrap(kind Kind, cause error, format string, args ...any) *Err {
	where := Location{File: "unknown", Function: "unknown"}
	if pc, file, line, ok := runtime.Caller(2); ok {
		where.File = file
		where.Line = line
		if fn := runtime.FuncForPC(pc); fn != nil {
			where.Function = fn.Name()
		}
	}
	return &Err{
		Kind:     kind,
		Severity: defaultSeverity(kind),
		Message:  fmt.Sprintf(format, args...),
		Where:    where,
		Cause:    cause,
	}
}

// Collector gathers non-fatal errors across an entire phase so a
// driver can report every resolution failure before giving up
// (spec.md §7: "collects rather than stops on first").
type Collector struct {
	errs []*Err
}

func (c *Collector) Add(e *Err) {
	c.errs = append(c.errs, e)
}

func (c *Collector) Empty() bool { return len(c.errs) == 0 }

func (c *Collector) Errors() []*Err { return c.errs }

// Err returns a single combined error summarizing the collected
// failures, or nil if none were recorded.
func (c *Collector) Err() error {
	if len(c.errs) == 0 {
		return nil
	}
	if len(c.errs) == 1 {
		return c.errs[0]
	}
	return fmt.Errorf("%d errors, first: %w", len(c.errs), c.errs[0])
}
