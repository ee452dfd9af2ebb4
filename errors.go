package dbus

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an Error so callers can branch on failure category
// without string matching, see https://dbus.freedesktop.org/doc/dbus-specification.html.
type Kind int

// Error kinds mirror the taxonomy a D-Bus peer must surface to callers.
const (
	// KindTransport covers socket-level failures.
	KindTransport Kind = iota + 1
	// KindUnsupportedAddress is returned for listen-only or malformed bus addresses.
	KindUnsupportedAddress
	// KindUnsupportedProtocol is returned when a peer speaks a protocol major version other than 1.
	KindUnsupportedProtocol
	// KindAuthFailed is returned once every configured SASL mechanism has been exhausted.
	KindAuthFailed
	// KindCorrupted is returned for a framing or marshalling violation on the stream.
	KindCorrupted
	// KindFrameTooLarge is returned when a message or array claims a length over its limit.
	KindFrameTooLarge
	// KindExceededDepth is returned when a signature nests past the container depth bound.
	KindExceededDepth
	// KindInvalidSignature is returned for a signature that violates the grammar.
	KindInvalidSignature
	// KindInvalidUTF8 is returned for a STRING/OBJECT_PATH value that fails strict UTF-8 validation.
	KindInvalidUTF8
	// KindBusError is returned when a well-formed Error reply is surfaced to the awaiting caller.
	KindBusError
	// KindTimeout is returned when a reply isn't received before the configured deadline.
	KindTimeout
	// KindClosed is returned for an operation attempted on or during a closed connection.
	KindClosed
	// KindNotActive is returned when a send is attempted before the connection reaches ACTIVE.
	KindNotActive
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindUnsupportedAddress:
		return "unsupported address"
	case KindUnsupportedProtocol:
		return "unsupported protocol"
	case KindAuthFailed:
		return "auth failed"
	case KindCorrupted:
		return "corrupted"
	case KindFrameTooLarge:
		return "frame too large"
	case KindExceededDepth:
		return "exceeded depth"
	case KindInvalidSignature:
		return "invalid signature"
	case KindInvalidUTF8:
		return "invalid utf8"
	case KindBusError:
		return "bus error"
	case KindTimeout:
		return "timeout"
	case KindClosed:
		return "closed"
	case KindNotActive:
		return "not active"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned by this package.
// It wraps an underlying cause while exposing a stable Kind for errors.Is/As matching.
type Error struct {
	Kind  Kind
	Where string
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("dbus: %s: %s", e.Kind, e.Where)
	}
	return fmt.Sprintf("dbus: %s: %s: %v", e.Kind, e.Where, e.Err)
}

// Unwrap exposes the underlying cause to errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on Kind alone, e.g. errors.Is(err, dbus.Closed).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Err != nil {
		return false
	}
	return e.Kind == t.Kind
}

func newError(kind Kind, where string, err error) *Error {
	return &Error{Kind: kind, Where: where, Err: err}
}

// Sentinels for errors.Is comparisons against a bare Kind, e.g.:
//
//	if errors.Is(err, dbus.Closed) { ... }
var (
	Closed             = &Error{Kind: KindClosed}
	NotActive          = &Error{Kind: KindNotActive}
	UnsupportedAddress = &Error{Kind: KindUnsupportedAddress}
	UnsupportedProto   = &Error{Kind: KindUnsupportedProtocol}
)

// BusError is a well-formed Error-type reply surfaced to the caller that
// issued the originating method call.
type BusError struct {
	// Name is the D-Bus error name, e.g. "org.freedesktop.DBus.Error.ServiceUnknown".
	Name string
	// Message is the first string argument of the error body, if any.
	Message string
	// ReplySerial is the serial of the method call this is a reply to.
	ReplySerial uint32
}

func (e *BusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("dbus: %s (reply to #%d)", e.Name, e.ReplySerial)
	}
	return fmt.Sprintf("dbus: %s: %s (reply to #%d)", e.Name, e.Message, e.ReplySerial)
}

// Is lets errors.Is(err, new(BusError)) style checks work loosely on name.
func (e *BusError) Is(target error) bool {
	t, ok := target.(*BusError)
	if !ok {
		return false
	}
	if t.Name == "" {
		return true
	}
	return e.Name == t.Name
}

// Timeout is returned when a correlated reply doesn't arrive in time.
type Timeout struct {
	Serial  uint32
	Elapsed time.Duration
}

func (e *Timeout) Error() string {
	return fmt.Sprintf("dbus: serial %d timed out after %s", e.Serial, e.Elapsed)
}

func (e *Timeout) Is(target error) bool {
	_, ok := target.(*Timeout)
	return ok
}

// asBusError reports whether err is (or wraps) a *BusError.
func asBusError(err error) (*BusError, bool) {
	var be *BusError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}
