package symbolicate

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/milescrabill/tecken/pkg/symfile"
)

// Frame is one raw stack entry, wire-encoded as a [module_index, offset]
// pair. A module index of -1 (or anything out of range of the memory map)
// means the frame has no owning module and cannot be symbolicated.
type Frame struct {
	ModuleIndex int
	Offset      uint64
}

func (f Frame) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{f.ModuleIndex, f.Offset})
}

func (f *Frame) UnmarshalJSON(data []byte) error {
	var raw []json.Number
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("frame must be a [module_index, offset] pair")
	}
	idx, err := raw[0].Int64()
	if err != nil {
		return fmt.Errorf("invalid module index %q: %w", raw[0], err)
	}
	offset, err := strconv.ParseUint(raw[1].String(), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid offset %q: %w", raw[1], err)
	}
	f.ModuleIndex = int(idx)
	f.Offset = offset
	return nil
}

// Module is one memory-map entry, wire-encoded as a
// ["debug_filename", "debug_id"] pair.
type Module struct {
	DebugFile string
	DebugID   string
}

func (m Module) Key() symfile.ModuleKey {
	return symfile.ModuleKey{DebugFile: m.DebugFile, DebugID: m.DebugID}
}

func (m Module) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{m.DebugFile, m.DebugID})
}

func (m *Module) UnmarshalJSON(data []byte) error {
	var raw []string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("memoryMap entry must be a [debug_filename, debug_id] pair")
	}
	m.DebugFile = raw[0]
	m.DebugID = raw[1]
	return nil
}

// Request is a symbolication batch. Frames index MemoryMap positionally.
type Request struct {
	Stacks    [][]Frame `json:"stacks"`
	MemoryMap []Module  `json:"memoryMap"`
}

// ResolvedFrame mirrors one input frame. Function and FunctionOffset are nil
// when no symbol covers the offset; Module is nil when the frame had no
// owning module. ModuleOffset always preserves the raw input offset.
type ResolvedFrame struct {
	Function       *string `json:"function"`
	FunctionOffset *uint64 `json:"function_offset"`
	Module         *string `json:"module"`
	ModuleOffset   uint64  `json:"module_offset"`
	File           string  `json:"file,omitempty"`
	Line           int     `json:"line,omitempty"`
}

// Response preserves input order and cardinality exactly: one entry per
// input stack, one frame result per input frame.
type Response struct {
	Stacks       [][]ResolvedFrame `json:"stacks"`
	KnownModules []bool            `json:"knownModules"`
}
