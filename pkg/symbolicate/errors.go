package symbolicate

import (
	"errors"
	"fmt"
)

// InvalidRequestError rejects a structurally unusable request. It is the
// only error kind that aborts a whole batch; per-module failures degrade to
// unresolved frames instead.
type InvalidRequestError struct {
	Reason string
}

func (e InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid request: %s", e.Reason)
}

// IsInvalidRequest reports whether err is (or wraps) an InvalidRequestError.
func IsInvalidRequest(err error) bool {
	var ir InvalidRequestError
	return errors.As(err, &ir)
}
