// Package fault classifies errors into the kinds callers branch on.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the class of a failure.
type Kind int

const (
	// Unknown is returned by KindOf for errors that were never classified.
	Unknown Kind = iota
	// Network covers transport and discovery failures: no reachable address, reset connections.
	Network
	// Authorization means the requester is not approved by the trust store.
	Authorization
	// Protocol means a message could not be parsed or violated the wire contract.
	Protocol
	// Repository means the repository actor failed.
	Repository
	// Timeout means no matching response arrived within the bound.
	Timeout
	// Configuration means persisted state or config is unreadable or corrupt. Fatal at startup.
	Configuration
)

func (k Kind) String() string {
	switch k {
	case Network:
		return "network"
	case Authorization:
		return "authorization"
	case Protocol:
		return "protocol"
	case Repository:
		return "repository"
	case Timeout:
		return "timeout"
	case Configuration:
		return "configuration"
	default:
		return "unknown"
	}
}

// Error attaches a Kind and the failing operation to an underlying error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	case e.Op != "":
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	default:
		return e.Kind.String() + " error"
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind, so that
// errors.Is(err, fault.E(fault.Timeout, "", nil)) style checks work.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// E builds a classified error.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Sentinels shared by the client flows.
var (
	ErrTimeout         = &Error{Kind: Timeout}
	ErrNotAuthorized   = errors.New("requester is not an approved peer")
	ErrPairingRejected = errors.New("pairing rejected by daemon")
)
