package symsource

import (
	"errors"
	"fmt"

	"github.com/milescrabill/tecken/pkg/symfile"
)

// NotFoundError means no backend has the symbol file. It is a definitive
// answer and eligible for negative caching.
type NotFoundError struct {
	Key symfile.ModuleKey
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("symbol file not found: %s", e.Key)
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf NotFoundError
	return errors.As(err, &nf)
}

// FetchError is a transient backend failure that survived the retry policy.
// Unlike NotFound it must not be negatively cached.
type FetchError struct {
	Key symfile.ModuleKey
	Err error
}

func (e FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Key, e.Err)
}

func (e FetchError) Unwrap() error { return e.Err }

// IsFetchError reports whether err is (or wraps) a FetchError.
func IsFetchError(err error) bool {
	var fe FetchError
	return errors.As(err, &fe)
}

type httpStatusError struct {
	statusCode int
	body       string
}

func (e httpStatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status: %d %s", e.statusCode, e.body)
}

func isHTTPStatusError(err error) (int, bool) {
	var httpErr httpStatusError
	if errors.As(err, &httpErr) {
		return httpErr.statusCode, true
	}
	return 0, false
}
