// Command lnk is the static linker CLI: it drives internal/linker
// over a set of OBJ inputs and writes one of the three output kinds
// spec.md §4.7 names.
//
// Grounded on the flag-parsing and log.Fatalf idiom of the teacher's
// own cmd-style entrypoint in _examples/xyproto-flapc/main.go (flag
// package, a small options struct, verbose logging gated by a -v
// flag) rather than the fuller c67-style subcommand CLI in
// _examples/xyproto-flapc/cli.go, since a linker's surface here is
// "one job, many flags" rather than "several named subcommands".
package main

import (
	"bytes"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/xyproto/stld/internal/config"
	"github.com/xyproto/stld/internal/linker"
	"github.com/xyproto/stld/internal/objfmt"
)

func main() {
	cfg := config.Defaults()

	var (
		output     string
		entry      string
		baseAddr   string
		outputKind string
		stripDebug bool
		optSize    bool
		mapPath    string
		verbose    bool
	)

	flag.StringVar(&output, "o", "a.out.obj", "output file path")
	flag.StringVar(&entry, "e", "", "entry symbol name")
	flag.StringVar(&baseAddr, "base", "0x0", "base address (hex or decimal)")
	flag.StringVar(&outputKind, "output-type", "object", "object|static|shared|flat")
	flag.BoolVar(&stripDebug, "strip", false, "drop local symbols and debug sections")
	flag.BoolVar(&optSize, "optimize-size", false, "favor smaller output over faster layout")
	flag.StringVar(&mapPath, "map", "", "write a link map to this path (default: no map)")
	flag.BoolVar(&verbose, "v", false, "verbose logging")
	flag.Parse()

	inputs := flag.Args()
	if len(inputs) == 0 {
		fmt.Fprintln(os.Stderr, "usage: lnk [flags] input.obj [input.obj ...]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	addr, err := parseAddress(baseAddr)
	if err != nil {
		log.Fatalf("lnk: %v", err)
	}
	kind, err := config.ParseOutputType(outputKind)
	if err != nil {
		log.Fatalf("lnk: %v", err)
	}

	cfg.Output = output
	cfg.Entry = entry
	cfg.BaseAddress = addr
	cfg.OutputType = kind
	cfg.StripDebug = stripDebug
	cfg.OptimizeSize = optSize
	cfg.GenerateMap = mapPath != ""
	cfg.MapPath = mapPath
	cfg.Verbose = cfg.Verbose || verbose

	if err := run(cfg, inputs); err != nil {
		log.Fatalf("lnk: %v", err)
	}
}

func run(cfg config.Options, inputPaths []string) error {
	if cfg.OutputType == config.OutputStatic {
		return runStatic(cfg, inputPaths)
	}

	d, err := linker.New(cfg)
	if err != nil {
		return fmt.Errorf("allocating job arena: %w", err)
	}
	defer d.Close()

	for _, path := range inputPaths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		obj, err := objfmt.Parse(raw)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
		if cfg.Verbose {
			log.Printf("lnk: ingested %s (%d sections, %d symbols)", path, len(obj.Sections), len(obj.Symbols))
		}
		if err := d.AddInput(obj); err != nil {
			return fmt.Errorf("ingesting %s: %w", path, err)
		}
	}

	if c := d.Resolve(); !c.Empty() {
		return c.Err()
	}
	if err := d.Layout(); err != nil {
		return fmt.Errorf("layout: %w", err)
	}
	if _, c := d.Relocate(); !c.Empty() {
		return c.Err()
	}

	var out []byte
	switch cfg.OutputType {
	case config.OutputFlat:
		out, err = d.EmitFlat()
	default:
		out, err = d.EmitObject()
	}
	if err != nil {
		return fmt.Errorf("emit: %w", err)
	}
	if err := os.WriteFile(cfg.Output, out, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", cfg.Output, err)
	}

	if cfg.GenerateMap {
		m, err := d.WriteMap()
		if err != nil {
			return fmt.Errorf("generating map: %w", err)
		}
		if err := os.WriteFile(cfg.MapPath, m, 0o644); err != nil {
			return fmt.Errorf("writing map %s: %w", cfg.MapPath, err)
		}
	}
	return nil
}

func runStatic(cfg config.Options, inputPaths []string) error {
	var names []string
	var raws [][]byte
	for _, path := range inputPaths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		names = append(names, path)
		raws = append(raws, raw)
	}
	a, err := linker.BuildStaticLibrary(names, raws)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if _, err := a.Serialize(&buf); err != nil {
		return fmt.Errorf("serializing archive: %w", err)
	}
	if err := os.WriteFile(cfg.Output, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", cfg.Output, err)
	}
	return nil
}

func parseAddress(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
		base = 16
	}
	n, err := strconv.ParseUint(s, base, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid base address %q: %w", s, err)
	}
	return uint32(n), nil
}
