package symfile

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Record tags of the Breakpad .sym text format. FUNC and PUBLIC records
// contribute symbols; FILE and line records contribute the auxiliary source
// line data; the remaining kinds are recognized and skipped.
const (
	tagModule       = "MODULE"
	tagFunc         = "FUNC"
	tagPublic       = "PUBLIC"
	tagFile         = "FILE"
	tagInline       = "INLINE"
	tagInlineOrigin = "INLINE_ORIGIN"
	tagStack        = "STACK"
	tagInfo         = "INFO"
)

// ParseError reports a symbol file that is present but unusable: the MODULE
// header is missing or malformed, or no usable symbol record was found.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unusable symbol file: %s", e.Reason)
}

// IsParseError reports whether err is (or wraps) a ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// Parse decodes a raw symbol file into an immutable Table. The input may be
// gzip- or zstd-compressed; compression is detected and undone transparently.
//
// Parsing is single-pass and line-oriented. Malformed lines invalidate only
// themselves and are counted, not fatal. When the same start address appears
// more than once the record closest to the end of the file wins.
func Parse(key ModuleKey, raw []byte) (*Table, error) {
	data, err := maybeDecompress(raw)
	if err != nil {
		return nil, &ParseError{Reason: err.Error()}
	}

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	if !sc.Scan() {
		return nil, &ParseError{Reason: "empty file"}
	}
	if err := parseModuleHeader(sc.Text()); err != nil {
		return nil, &ParseError{Reason: err.Error()}
	}

	var (
		symbols = make(map[uint64]string)
		lines   []lineEntry
		files   []string
		fileIdx = make(map[int]int32)
		skipped int
	)

	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		tag, rest, _ := strings.Cut(line, " ")
		switch tag {
		case tagFunc:
			addr, name, ok := parseFuncRecord(rest)
			if !ok {
				skipped++
				continue
			}
			symbols[addr] = name
		case tagPublic:
			addr, name, ok := parsePublicRecord(rest)
			if !ok {
				skipped++
				continue
			}
			symbols[addr] = name
		case tagFile:
			numStr, path, ok := strings.Cut(rest, " ")
			num, err := strconv.Atoi(numStr)
			if !ok || err != nil || path == "" {
				skipped++
				continue
			}
			fileIdx[num] = int32(len(files))
			files = append(files, path)
		case tagInline, tagInlineOrigin, tagStack, tagInfo, tagModule:
			// Recognized, not needed for address lookup.
		default:
			if isHexStart(tag) {
				e, ok := parseLineRecord(line, fileIdx)
				if !ok {
					skipped++
					continue
				}
				lines = append(lines, e)
				continue
			}
			skipped++
		}
	}
	if err := sc.Err(); err != nil {
		return nil, &ParseError{Reason: err.Error()}
	}

	if len(symbols) == 0 {
		return nil, &ParseError{Reason: "no usable symbol records"}
	}

	t := &Table{
		module:    key,
		symbols:   make([]Symbol, 0, len(symbols)),
		lines:     lines,
		files:     files,
		sizeBytes: len(data),
		skipped:   skipped,
	}
	for addr, name := range symbols {
		t.symbols = append(t.symbols, Symbol{Addr: addr, Name: name})
	}
	sort.Slice(t.symbols, func(i, j int) bool { return t.symbols[i].Addr < t.symbols[j].Addr })
	sort.Slice(t.lines, func(i, j int) bool { return t.lines[i].addr < t.lines[j].addr })
	return t, nil
}

func parseModuleHeader(line string) error {
	// MODULE <os> <arch> <debug id> <debug filename>
	fields := strings.Fields(line)
	if len(fields) < 5 || fields[0] != tagModule {
		return fmt.Errorf("missing MODULE header")
	}
	return nil
}

// parseFuncRecord parses "FUNC [m] <addr> <size> <param_size> <name>". The
// name may contain spaces. The record-level return of ok=false invalidates
// only this record.
func parseFuncRecord(rest string) (addr uint64, name string, ok bool) {
	rest = strings.TrimPrefix(rest, "m ")
	fields := strings.SplitN(rest, " ", 4)
	if len(fields) < 4 {
		return 0, "", false
	}
	addr, err := strconv.ParseUint(fields[0], 16, 64)
	if err != nil {
		return 0, "", false
	}
	if _, err := strconv.ParseUint(fields[1], 16, 64); err != nil {
		return 0, "", false
	}
	name = strings.TrimSpace(fields[3])
	if name == "" {
		return 0, "", false
	}
	return addr, name, true
}

// parsePublicRecord parses "PUBLIC [m] <addr> <param_size> <name>".
func parsePublicRecord(rest string) (addr uint64, name string, ok bool) {
	rest = strings.TrimPrefix(rest, "m ")
	fields := strings.SplitN(rest, " ", 3)
	if len(fields) < 3 {
		return 0, "", false
	}
	addr, err := strconv.ParseUint(fields[0], 16, 64)
	if err != nil {
		return 0, "", false
	}
	name = strings.TrimSpace(fields[2])
	if name == "" {
		return 0, "", false
	}
	return addr, name, true
}

// parseLineRecord parses "<addr> <size> <line> <file_num>".
func parseLineRecord(line string, fileIdx map[int]int32) (lineEntry, bool) {
	fields := strings.Fields(line)
	if len(fields) != 4 {
		return lineEntry{}, false
	}
	addr, err := strconv.ParseUint(fields[0], 16, 64)
	if err != nil {
		return lineEntry{}, false
	}
	lineNum, err := strconv.Atoi(fields[2])
	if err != nil {
		return lineEntry{}, false
	}
	fileNum, err := strconv.Atoi(fields[3])
	if err != nil {
		return lineEntry{}, false
	}
	idx, known := fileIdx[fileNum]
	if !known {
		return lineEntry{}, false
	}
	return lineEntry{addr: addr, file: idx, line: int32(lineNum)}, true
}

func isHexStart(s string) bool {
	if s == "" {
		return false
	}
	c := s[0]
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'
}
