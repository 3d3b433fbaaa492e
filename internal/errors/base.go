package errors

import (
	"errors"
)

var (
	_ error = (*wrappedError)(nil)
	_ error = (*kindError)(nil)
)

// Kind classifies a failure by how the session must react to it.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindTransient is a transport hiccup; the session disconnects and waits for a new transport.
	KindTransient
	// KindProtocol is a wire or sequencing violation; the session rejects or logs out.
	KindProtocol
	// KindDurability is a store commit failure; the session halts.
	KindDurability
	// KindHeartbeat is a liveness timeout.
	KindHeartbeat
	// KindHandler is an application handler failure, isolated to one message.
	KindHandler
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindProtocol:
		return "protocol"
	case KindDurability:
		return "durability"
	case KindHeartbeat:
		return "heartbeat"
	case KindHandler:
		return "handler"
	default:
		return "unknown"
	}
}

func New(text string) error {
	return errors.New(text)
}

func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target any) bool {
	return errors.As(err, target)
}

func Wrap(err error, text string) error {
	if err == nil {
		return nil
	}

	if len(text) == 0 {
		return err
	}

	return &wrappedError{
		err: err,
		msg: text,
	}
}

// WithKind tags err with a kind. A nil err stays nil.
func WithKind(err error, kind Kind) error {
	if err == nil {
		return nil
	}

	return &kindError{err: err, kind: kind}
}

// KindOf returns the outermost kind attached to err.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}

	return KindUnknown
}

// IsKind reports whether any error in err's chain has the given kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		if ke, ok := err.(*kindError); ok && ke.kind == kind {
			return true
		}
		err = errors.Unwrap(err)
	}

	return false
}

type wrappedError struct {
	err error
	msg string
}

const sep = ", err: "

func (err wrappedError) Error() string {
	if err.err == nil {
		return err.msg
	}

	return err.msg + sep + err.err.Error()
}

func (err wrappedError) Unwrap() error {
	if err.err == nil {
		return errors.New(err.msg)
	}

	return err.err
}

type kindError struct {
	err  error
	kind Kind
}

func (err *kindError) Error() string {
	return err.kind.String() + ": " + err.err.Error()
}

func (err *kindError) Unwrap() error {
	return err.err
}
