package outcome

import "errors"

var (
	ErrInvalidPath            = errors.New("invalid path")
	ErrCorruptEntry           = errors.New("corrupt cache entry")
	ErrUnavailable            = errors.New("cache backend unavailable")
	ErrAuthenticationRejected = errors.New("authentication rejected")
	ErrLocalStoreFailure      = errors.New("local cache store failure")
	ErrNonTransient           = errors.New("non-transient failure")
	ErrEntryTooLarge          = errors.New("cache entry too large")
	ErrAlreadyExists          = errors.New("cache entry already exists")
)

// IsNonTransient reports whether retrying the operation later in the same
// build cannot succeed.
func IsNonTransient(err error) bool {
	return errors.Is(err, ErrAuthenticationRejected) || errors.Is(err, ErrNonTransient)
}
