package types

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by how the agents react to it.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConnection: broker or store unreachable at startup. Fatal.
	KindConnection
	// KindPublish: a producer tick failed to publish. The tick's message is lost.
	KindPublish
	// KindParse: a delivery body is not a valid message. Never acked.
	KindParse
	// KindPersistence: the store write failed. Never acked, left for redelivery.
	KindPersistence
	// KindShutdown: closing the channel or connection failed. Logged only.
	KindShutdown
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "ConnectionError"
	case KindPublish:
		return "PublishError"
	case KindParse:
		return "ParseError"
	case KindPersistence:
		return "PersistenceError"
	case KindShutdown:
		return "ShutdownError"
	default:
		return "UnknownError"
	}
}

// Error carries a Kind and the operation that failed alongside the cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// E builds a classified error. A nil cause yields nil.
func E(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of the outermost classified error in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
