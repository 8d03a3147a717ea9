package symsource

import (
	"context"
	"strings"

	"github.com/milescrabill/tecken/pkg/symfile"
)

// Source is one backend able to retrieve raw symbol files. Fetch returns the
// file bytes, a NotFoundError when this backend does not have the file, or a
// FetchError when it failed transiently after retries.
type Source interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Fetch retrieves the raw symbol file for key.
	Fetch(ctx context.Context, key symfile.ModuleKey) ([]byte, error)

	// Authoritative reports whether a NotFound answer from this backend is
	// final, short-circuiting the remaining backends in a chain.
	Authoritative() bool
}

// StorageKey is the canonical object path for a symbol file:
// <debug filename>/<debug id>/<sym filename>, where the sym filename is the
// debug filename with its extension replaced by .sym.
func StorageKey(key symfile.ModuleKey) string {
	return key.DebugFile + "/" + key.DebugID + "/" + symFilename(key.DebugFile)
}

func symFilename(debugFile string) string {
	if i := strings.LastIndex(debugFile, "."); i > 0 {
		return debugFile[:i] + ".sym"
	}
	return debugFile + ".sym"
}
