package cellular

import (
	"github.com/pkg/errors"
)

// Kind classifies an error surfaced by the state machine or an adapter
type Kind int

const (
	KindUnknown Kind = iota
	KindTransport
	KindBadResponse
	KindTimeout
	KindNoConnection
	KindAuth
	KindUnsupported
	KindNoMemory
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport error"
	case KindBadResponse:
		return "bad response"
	case KindTimeout:
		return "timeout"
	case KindNoConnection:
		return "no connection"
	case KindAuth:
		return "authentication error"
	case KindUnsupported:
		return "unsupported"
	case KindNoMemory:
		return "no memory"
	}
	return "unknown error"
}

// Fatal reports whether errors of this kind stop the state machine
// without retry
func (k Kind) Fatal() bool {
	return k == KindAuth || k == KindNoMemory
}

// Error is a tagged error value
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrTimeout)
// works through wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Err == nil && t.Kind == e.Kind
}

var (
	// ErrTransport is a serial or AT-level I/O failure
	ErrTransport = &Error{Kind: KindTransport}
	// ErrBadResponse means the modem answered ERROR or garbage
	ErrBadResponse = &Error{Kind: KindBadResponse}
	// ErrTimeout means an adapter deadline was exceeded
	ErrTimeout = &Error{Kind: KindTimeout}
	// ErrNoConnection means the retry policy ran out in the current state
	ErrNoConnection = &Error{Kind: KindNoConnection}
	// ErrAuth means the SIM rejected the PIN or PUK
	ErrAuth = &Error{Kind: KindAuth}
	// ErrUnsupported means the adapter lacks the requested feature
	ErrUnsupported = &Error{Kind: KindUnsupported}
	// ErrNoMemory means work could not be scheduled
	ErrNoMemory = &Error{Kind: KindNoMemory}
)

// NewError tags err with kind
func NewError(kind Kind, err error) error {
	return &Error{Kind: kind, Err: err}
}

// Errorf builds a tagged error from a format string
func Errorf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Err: errors.Errorf(format, args...)}
}

// KindOf returns the kind of the first tagged error in err's chain
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsUnsupported reports whether err is tagged KindUnsupported
func IsUnsupported(err error) bool {
	return KindOf(err) == KindUnsupported
}
