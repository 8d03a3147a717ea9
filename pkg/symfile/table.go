package symfile

import (
	"fmt"
	"regexp"
	"sort"
)

// ModuleKey uniquely identifies one build's symbol file. It is the cache key
// and the join key between a memory-map entry and the stack frames that
// reference it.
type ModuleKey struct {
	DebugFile string
	DebugID   string
}

func (k ModuleKey) String() string {
	return k.DebugFile + "/" + k.DebugID
}

var (
	validDebugID = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// Debug filenames allow dots but never path separators, so a filename
	// is always a single path segment.
	validDebugFile = regexp.MustCompile(`^[a-zA-Z0-9. _+-]+$`)
)

// Validate checks that the key is safe to use in storage paths and URLs.
// Both fields arrive from untrusted request data and get spliced into
// storage paths, so anything that could traverse outside a single path
// segment is rejected.
func (k ModuleKey) Validate() error {
	if k.DebugFile == "" || k.DebugFile == "." || k.DebugFile == ".." || !validDebugFile.MatchString(k.DebugFile) {
		return fmt.Errorf("invalid debug filename: %q", k.DebugFile)
	}
	if k.DebugID == "" || !validDebugID.MatchString(k.DebugID) {
		return fmt.Errorf("invalid debug ID: %q", k.DebugID)
	}
	return nil
}

// Symbol is one function-start record: the lowest address covered by the
// function, and its name.
type Symbol struct {
	Addr uint64
	Name string
}

// SourceLine is an optional per-address source location.
type SourceLine struct {
	File string
	Line int
}

type lineEntry struct {
	addr uint64
	file int32
	line int32
}

// Table is the parsed, immutable address lookup structure for one module.
// Once constructed it is shared read-only between any number of concurrent
// readers without locking.
type Table struct {
	module    ModuleKey
	symbols   []Symbol // sorted ascending by Addr, unique
	lines     []lineEntry
	files     []string
	sizeBytes int
	skipped   int
}

// Module returns the key of the symbol file this table was parsed from.
func (t *Table) Module() ModuleKey { return t.module }

// Len returns the number of symbol records in the table.
func (t *Table) Len() int { return len(t.symbols) }

// SizeBytes is the size estimate used for cache accounting: the byte length
// of the raw symbol file the table was parsed from.
func (t *Table) SizeBytes() int { return t.sizeBytes }

// SkippedRecords reports how many malformed lines the parser discarded.
func (t *Table) SkippedRecords() int { return t.skipped }

// HasLines reports whether the symbol file carried source line records.
func (t *Table) HasLines() bool { return len(t.lines) > 0 }

// Lookup resolves addr to the symbol with the greatest start address that is
// less than or equal to addr. It returns false if the table is empty or addr
// is below the first symbol.
func (t *Table) Lookup(addr uint64) (Symbol, bool) {
	i := sort.Search(len(t.symbols), func(i int) bool {
		return t.symbols[i].Addr > addr
	})
	if i == 0 {
		return Symbol{}, false
	}
	return t.symbols[i-1], true
}

// SourceLineFor resolves addr to a source file and line using the auxiliary
// line records, if the symbol file had any.
func (t *Table) SourceLineFor(addr uint64) (SourceLine, bool) {
	i := sort.Search(len(t.lines), func(i int) bool {
		return t.lines[i].addr > addr
	})
	if i == 0 {
		return SourceLine{}, false
	}
	e := t.lines[i-1]
	if int(e.file) >= len(t.files) {
		return SourceLine{}, false
	}
	return SourceLine{File: t.files[e.file], Line: int(e.line)}, true
}
