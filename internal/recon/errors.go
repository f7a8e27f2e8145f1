package recon

import (
	"errors"
	"fmt"
)

// ErrPrecondition wraps every configuration error reported by Reconstruct.
var ErrPrecondition = errors.New("recon: precondition failed")

func preconditionf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrPrecondition, fmt.Sprintf(format, args...))
}
