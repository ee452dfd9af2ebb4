package dbus

import "encoding/binary"

// MessageType is the second byte of a message's fixed header.
type MessageType byte

// Message types, see §3 of the specification.
const (
	TypeMethodCall MessageType = 1 + iota
	TypeMethodReturn
	TypeError
	TypeSignal
)

func (t MessageType) String() string {
	switch t {
	case TypeMethodCall:
		return "MethodCall"
	case TypeMethodReturn:
		return "MethodReturn"
	case TypeError:
		return "Error"
	case TypeSignal:
		return "Signal"
	default:
		return "Unknown"
	}
}

// Flags is a bitwise-OR of message flags.
type Flags byte

// Message flags, see §3 of the specification.
const (
	FlagNoReplyExpected Flags = 1 << iota
	FlagNoAutoStart
	FlagAllowInteractiveAuthorization
)

// Has reports whether all bits of want are set in f.
func (f Flags) Has(want Flags) bool { return f&want == want }

// HeaderFieldCode identifies a header field in the trailing a(yv) array.
type HeaderFieldCode byte

// Header field codes, see §3 of the specification. Ordered ascending: this
// is also the stable order the encoder emits them in (§9's open question on
// header-field ordering is resolved as ascending field code).
const (
	FieldPath HeaderFieldCode = 1 + iota
	FieldInterface
	FieldMember
	FieldErrorName
	FieldReplySerial
	FieldDestination
	FieldSender
	FieldSignature
	FieldUnixFDs
)

func (c HeaderFieldCode) String() string {
	switch c {
	case FieldPath:
		return "PATH"
	case FieldInterface:
		return "INTERFACE"
	case FieldMember:
		return "MEMBER"
	case FieldErrorName:
		return "ERROR_NAME"
	case FieldReplySerial:
		return "REPLY_SERIAL"
	case FieldDestination:
		return "DESTINATION"
	case FieldSender:
		return "SENDER"
	case FieldSignature:
		return "SIGNATURE"
	case FieldUnixFDs:
		return "UNIX_FDS"
	default:
		return "INVALID"
	}
}

// HeaderField is a single (code, value) pair from the header fields array.
// Value holds the variant's contents directly (unwrapped) for convenient
// access; its own Signature() describes the variant's inner type.
type HeaderField struct {
	Code  HeaderFieldCode
	Value Value
}

// littleEndianMark/bigEndianMark are the ASCII byte-order marks the wire
// protocol uses in place of a dedicated enum.
const (
	littleEndianMark byte = 'l'
	bigEndianMark    byte = 'B'
)

func byteOrderFromMark(mark byte) (binary.ByteOrder, bool) {
	switch mark {
	case littleEndianMark:
		return binary.LittleEndian, true
	case bigEndianMark:
		return binary.BigEndian, true
	default:
		return nil, false
	}
}

func markFromByteOrder(order binary.ByteOrder) byte {
	if order == binary.BigEndian {
		return bigEndianMark
	}
	return littleEndianMark
}

// Header is a D-Bus message header: the fixed 12-byte preamble plus the
// variable-length header fields array.
type Header struct {
	ByteOrder byte
	Type      MessageType
	Flags     Flags
	Protocol  byte
	BodyLen   uint32
	Serial    uint32
	Fields    []HeaderField
}

// Field returns the first header field with the given code, if present.
func (h *Header) Field(code HeaderFieldCode) (Value, bool) {
	for _, f := range h.Fields {
		if f.Code == code {
			return f.Value, true
		}
	}
	return nil, false
}

// Path returns the PATH header field, if present.
func (h *Header) Path() (ObjectPath, bool) {
	v, ok := h.Field(FieldPath)
	if !ok {
		return "", false
	}
	p, ok := v.(ObjectPath)
	return p, ok
}

// Interface returns the INTERFACE header field, if present.
func (h *Header) Interface() (string, bool) { return h.stringField(FieldInterface) }

// Member returns the MEMBER header field, if present.
func (h *Header) Member() (string, bool) { return h.stringField(FieldMember) }

// ErrorName returns the ERROR_NAME header field, if present.
func (h *Header) ErrorName() (string, bool) { return h.stringField(FieldErrorName) }

// Destination returns the DESTINATION header field, if present.
func (h *Header) Destination() (string, bool) { return h.stringField(FieldDestination) }

// Sender returns the SENDER header field, if present.
func (h *Header) Sender() (string, bool) { return h.stringField(FieldSender) }

func (h *Header) stringField(code HeaderFieldCode) (string, bool) {
	v, ok := h.Field(code)
	if !ok {
		return "", false
	}
	s, ok := v.(String)
	return string(s), ok
}

// ReplySerial returns the REPLY_SERIAL header field, if present.
func (h *Header) ReplySerial() (uint32, bool) {
	v, ok := h.Field(FieldReplySerial)
	if !ok {
		return 0, false
	}
	u, ok := v.(Uint32)
	return uint32(u), ok
}

// BodySignature returns the SIGNATURE header field, defaulting to the empty
// signature when absent (an absent SIGNATURE field means a zero-length body).
func (h *Header) BodySignature() Signature {
	v, ok := h.Field(FieldSignature)
	if !ok {
		return Signature{}
	}
	sv, ok := v.(SignatureValue)
	if !ok {
		return Signature{}
	}
	return sv.Sig
}

// requiredFields returns the header field codes §3 mandates for t.
func requiredFields(t MessageType) []HeaderFieldCode {
	switch t {
	case TypeMethodCall:
		return []HeaderFieldCode{FieldPath, FieldMember}
	case TypeSignal:
		return []HeaderFieldCode{FieldPath, FieldInterface, FieldMember}
	case TypeMethodReturn:
		return []HeaderFieldCode{FieldReplySerial}
	case TypeError:
		return []HeaderFieldCode{FieldReplySerial, FieldErrorName}
	default:
		return nil
	}
}

// Validate checks h against the required-field and serial invariants of §3.
// Unknown message types are accepted here, and the framer returns them like
// any other message; this only validates known types.
func (h *Header) Validate() error {
	if h.Serial == 0 {
		return newError(KindCorrupted, "validate header", errInvalidSignature("serial must not be zero"))
	}
	switch h.Type {
	case TypeMethodCall, TypeMethodReturn, TypeError, TypeSignal:
	default:
		return nil
	}
	for _, code := range requiredFields(h.Type) {
		if _, ok := h.Field(code); !ok {
			return newError(KindCorrupted, "validate header",
				errInvalidSignature("missing required header field "+code.String()+" for "+h.Type.String()))
		}
	}
	return nil
}
