package continuation

import (
	"errors"
	"fmt"
)

// Token errors
var (
	// ErrMalformedToken indicates a token string could not be parsed.
	ErrMalformedToken = errors.New("malformed continuation token")

	// ErrTokenFromTheFuture indicates a token was written by a newer version
	// of this library.
	ErrTokenFromTheFuture = errors.New("continuation token is from a newer version")
)

// MalformedTokenError names the offending raw token.
type MalformedTokenError struct {
	Raw string
	Err error
}

func (e *MalformedTokenError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed continuation token %q: %v", e.Raw, e.Err)
	}
	return fmt.Sprintf("malformed continuation token %q", e.Raw)
}

func (e *MalformedTokenError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrMalformedToken}
	}
	return []error{ErrMalformedToken, e.Err}
}

// FutureTokenError is returned for tokens newer than Latest.
type FutureTokenError struct {
	Version Version
}

func (e *FutureTokenError) Error() string {
	return fmt.Sprintf("continuation token version %s is newer than supported version %s; upgrade to a newer release to resume from it",
		e.Version, Latest)
}

func (e *FutureTokenError) Unwrap() error {
	return ErrTokenFromTheFuture
}

// IsMalformed checks if an error reports an unparseable token.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedToken)
}

// IsFromTheFutureError checks if an error reports a token from a newer version.
func IsFromTheFutureError(err error) bool {
	return errors.Is(err, ErrTokenFromTheFuture)
}

func malformed(raw string, err error) error {
	return &MalformedTokenError{Raw: raw, Err: err}
}
