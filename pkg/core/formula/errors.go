package formula

import (
	"errors"
	"fmt"
)

var (
	// ErrSyntax is returned for malformed formula text.
	ErrSyntax = errors.New("formula syntax error")
	// ErrUnknownIdentifier is returned when a referenced name has no value in the environment.
	ErrUnknownIdentifier = errors.New("unknown identifier")
	// ErrDivisionByZero is returned when a divisor evaluates to zero.
	ErrDivisionByZero = errors.New("division by zero")
	// ErrDomain is returned when an operation produces a non-finite result.
	ErrDomain = errors.New("domain error")
)

// SyntaxError reports the byte offset of a parse failure.
type SyntaxError struct {
	Src string
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("formula syntax error at %d in %q: %s", e.Pos, e.Src, e.Msg)
}

func (e *SyntaxError) Unwrap() error { return ErrSyntax }

func unknownIdentifier(name string, offset int) error {
	if offset == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownIdentifier, name)
	}
	return fmt.Errorf("%w: %s[t%d]", ErrUnknownIdentifier, name, offset)
}
