// Package config models the job configuration surface of spec.md §6
// and §4.7: the recognized options for a link or archive job, plus
// environment-variable overrides for a handful of defaults.
//
// Grounded on the teacher's Platform/Target abstraction in
// _examples/xyproto-flapc/target.go (a small typed struct plus a
// GetDefaultTarget() that consults the runtime) and on the teacher's
// own (unused-in-sample) dependency on github.com/xyproto/env/v2,
// now wired in here for the environment-sourced defaults.
package config

import (
	"fmt"
	"strings"

	env "github.com/xyproto/env/v2"
)

// OutputType selects one of the link driver's three emission paths
// (spec.md §4.7).
type OutputType int

const (
	OutputObject OutputType = iota
	OutputShared
	OutputStatic
	OutputFlat
)

func ParseOutputType(s string) (OutputType, error) {
	switch strings.ToLower(s) {
	case "object", "":
		return OutputObject, nil
	case "shared":
		return OutputShared, nil
	case "static":
		return OutputStatic, nil
	case "flat":
		return OutputFlat, nil
	default:
		return 0, fmt.Errorf("unknown output type %q", s)
	}
}

// Options is the full recognized configuration surface of spec.md §6.
type Options struct {
	Output       string
	LibraryPaths []string // library_path, repeatable
	Libraries    []string // library, repeatable; resolved as lib<name>.{a,so}
	Entry        string   // entry symbol name
	BaseAddress  uint32
	OutputType   OutputType
	StripDebug   bool
	OptimizeSize bool
	GenerateMap  bool
	MapPath      string // path for map[=<path>]; there is no stdout fallback, cmd/lnk sets GenerateMap only when this is non-empty
	Verbose      bool

	// ArenaSize overrides the per-job arena's region size (internal
	// ambient concern, not part of spec.md §6's named surface, but
	// needed to size internal/arena.New per job).
	ArenaSize int
}

// Defaults returns an Options populated with this package's built-in
// defaults, then overridden by any of the recognized environment
// variables (STLD_VERBOSE, STLD_ARENA_SIZE, STLD_BASE_ADDRESS),
// mirroring how the teacher lets a handful of environment-sourced
// knobs adjust otherwise-static defaults.
func Defaults() Options {
	o := Options{
		OutputType: OutputObject,
		ArenaSize:  4 * 1024 * 1024,
	}
	o.Verbose = env.Bool("STLD_VERBOSE")
	if n := env.Int("STLD_ARENA_SIZE"); n > 0 {
		o.ArenaSize = n
	}
	if addr := env.Int("STLD_BASE_ADDRESS"); addr > 0 {
		o.BaseAddress = uint32(addr)
	}
	return o
}

// LibraryFileName resolves a -l style library name to the file name
// the linker searches for along LibraryPaths (spec.md §6:
// "resolved as lib<name>.{a,so}").
func LibraryFileName(name string, shared bool) string {
	if shared {
		return "lib" + name + ".so"
	}
	return "lib" + name + ".a"
}
