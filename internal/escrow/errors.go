package escrow

import (
	"errors"
	"strings"
)

// Kind classifies an operation failure for callers.
type Kind uint8

const (
	Internal Kind = iota
	InvalidArgument
	NotFound
	FailedPrecondition
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid argument"
	case NotFound:
		return "not found"
	case FailedPrecondition:
		return "failed precondition"
	default:
		return "internal"
	}
}

var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrNotFound           = errors.New("not found")
	ErrFailedPrecondition = errors.New("failed precondition")
	ErrInternal           = errors.New("internal")

	// ErrConflict is returned by a Store when a conditional update finds the
	// record in a different status than expected.
	ErrConflict = errors.New("conflict")
)

func (k Kind) sentinel() error {
	switch k {
	case InvalidArgument:
		return ErrInvalidArgument
	case NotFound:
		return ErrNotFound
	case FailedPrecondition:
		return ErrFailedPrecondition
	default:
		return ErrInternal
	}
}

// Error is the error type returned by Service operations.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind.sentinel()}
	}
	return []error{e.Kind.sentinel(), e.Err}
}

func newError(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// KindOf maps any error to a Kind. Unknown errors are Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return InvalidArgument
	case errors.Is(err, ErrNotFound):
		return NotFound
	case errors.Is(err, ErrFailedPrecondition), errors.Is(err, ErrConflict):
		return FailedPrecondition
	default:
		return Internal
	}
}
