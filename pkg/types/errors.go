package types

import "errors"

// Error taxonomy shared by every component. Wrap with %w and test with errors.Is.
var (
	// ErrUnavailable marks a transient environment failure (root unreachable,
	// database busy). Retried with backoff.
	ErrUnavailable = errors.New("resource unavailable")

	// ErrCorrupt marks content that cannot be extracted (binary, bad encoding).
	ErrCorrupt = errors.New("corrupt document")

	// ErrProvider marks an embedding or reasoning provider failure.
	ErrProvider = errors.New("provider failure")

	// ErrRejected marks a provider refusing specific input (content policy,
	// malformed request). Always permanent.
	ErrRejected = errors.New("input rejected by provider")

	// ErrIndexInconsistency is raised when the store observes two live records
	// for the same chunk key.
	ErrIndexInconsistency = errors.New("index inconsistency")

	// ErrEmptyContent is returned for empty text where content is required.
	ErrEmptyContent = errors.New("content cannot be empty")
)

// permanentError marks an error as not worth retrying.
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so that IsPermanent reports true. Nil stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	if IsPermanent(err) {
		return err
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err must not be retried.
// Corrupt content and provider rejections are permanent even when unmarked.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var p *permanentError
	if errors.As(err, &p) {
		return true
	}
	return errors.Is(err, ErrCorrupt) || errors.Is(err, ErrRejected)
}
