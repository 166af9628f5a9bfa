// Command ar is the archiver CLI: add, list and extract members of
// the AR container spec.md §4.9/§6 describes, following the classic
// "ar r/t/x archive member..." subcommand shape.
//
// Grounded on the same flag-based entrypoint style as cmd/lnk, scaled
// down to ar's smaller subcommand set; member compression always runs
// through internal/compress the way the teacher's own CLI always runs
// input through one fixed pipeline rather than exposing per-call
// algorithm choices.
package main

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/xyproto/stld/internal/archive"
	"github.com/xyproto/stld/internal/compress"
)

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: ar r|t|x archive.a [member ...]")
		os.Exit(2)
	}

	subcmd := os.Args[1]
	archivePath := os.Args[2]
	members := os.Args[3:]

	var err error
	switch subcmd {
	case "r":
		err = cmdAdd(archivePath, members)
	case "t":
		err = cmdList(archivePath)
	case "x":
		err = cmdExtract(archivePath, members)
	default:
		err = fmt.Errorf("unknown subcommand %q (want r, t, or x)", subcmd)
	}
	if err != nil {
		log.Fatalf("ar: %v", err)
	}
}

func cmdAdd(archivePath string, memberPaths []string) error {
	a := archive.New()
	if existing, err := os.ReadFile(archivePath); err == nil {
		parsed, err := archive.Deserialize(existing)
		if err != nil {
			return fmt.Errorf("reading existing archive %s: %w", archivePath, err)
		}
		a = parsed
	}

	for _, path := range memberPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		name := filepath.Base(path)
		if err := a.Add(name, data, archive.AddOptions{Compress: true}, compress.Compress); err != nil {
			return fmt.Errorf("adding %s: %w", name, err)
		}
	}

	var buf bytes.Buffer
	if _, err := a.Serialize(&buf); err != nil {
		return fmt.Errorf("serializing %s: %w", archivePath, err)
	}
	return os.WriteFile(archivePath, buf.Bytes(), 0o644)
}

func cmdList(archivePath string) error {
	a, err := readArchive(archivePath)
	if err != nil {
		return err
	}
	for _, e := range a.Entries() {
		fmt.Printf("%-24s %8d %s\n", e.Name, e.OriginalSize, flagString(e.Flags))
	}
	return nil
}

func cmdExtract(archivePath string, names []string) error {
	a, err := readArchive(archivePath)
	if err != nil {
		return err
	}

	targets := names
	if len(targets) == 0 {
		for _, e := range a.Entries() {
			targets = append(targets, e.Name)
		}
	}

	for _, name := range targets {
		entry, stored, ok := a.FindByName(name)
		if !ok {
			return fmt.Errorf("member %q not found", name)
		}
		data := stored
		if entry.Flags&archive.FlagCompressed != 0 {
			data, err = compress.Decompress(stored, int(entry.OriginalSize))
			if err != nil {
				return fmt.Errorf("decompressing %s: %w", name, err)
			}
		}
		if err := os.WriteFile(name, data, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	return nil
}

func readArchive(path string) (*archive.Archive, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	a, err := archive.Deserialize(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return a, nil
}

func flagString(f archive.EntryFlags) string {
	var b []byte
	mark := func(bit archive.EntryFlags, c byte) {
		if f&bit != 0 {
			b = append(b, c)
		} else {
			b = append(b, '-')
		}
	}
	mark(archive.FlagCompressed, 'C')
	mark(archive.FlagExecutable, 'X')
	return string(b)
}
