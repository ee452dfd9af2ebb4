package dbus

import (
	"bytes"
	"encoding/binary"
	"math"
)

// maxArrayLen is the maximum length in bytes of an encoded array body (64 MiB).
const maxArrayLen = 64 * 1024 * 1024

// maxMessageLen is the maximum total marshalled size of a message (128 MiB).
const maxMessageLen = 128 * 1024 * 1024

// Encoder marshals Values to their D-Bus wire representation. Every value's
// storage begins at its natural alignment computed against the message
// start, so callers that encode a message in pieces (header, then body)
// must keep using the same Encoder, or construct a fresh one with the
// correct starting offset via Reset.
type Encoder struct {
	order  binary.ByteOrder
	dst    *bytes.Buffer
	offset uint32
}

// NewEncoder creates an Encoder writing into dst, starting at message offset 0.
func NewEncoder(dst *bytes.Buffer, order binary.ByteOrder) *Encoder {
	e := &Encoder{dst: dst}
	e.Reset(dst, order, 0)
	return e
}

// Reset rebinds the encoder to dst with the given byte order and starting
// absolute message offset.
func (e *Encoder) Reset(dst *bytes.Buffer, order binary.ByteOrder, startOffset uint32) {
	e.dst = dst
	e.order = order
	e.offset = startOffset
}

// Offset returns the current absolute message offset.
func (e *Encoder) Offset() uint32 { return e.offset }

// Align writes zero padding until the offset is a multiple of n.
func (e *Encoder) Align(n uint32) {
	next, padding := nextOffset(e.offset, n)
	if padding == 0 {
		return
	}
	e.dst.Write(make([]byte, padding))
	e.offset = next
}

// Byte encodes a BYTE.
func (e *Encoder) Byte(b byte) {
	e.dst.WriteByte(b)
	e.offset++
}

// Boolean encodes a BOOLEAN, which occupies 4 bytes on the wire.
func (e *Encoder) Boolean(b bool) {
	if b {
		e.Uint32(1)
	} else {
		e.Uint32(0)
	}
}

// Int16/Uint16 encode 2-byte integers.
func (e *Encoder) Uint16(v uint16) {
	e.Align(2)
	var b [2]byte
	e.order.PutUint16(b[:], v)
	e.dst.Write(b[:])
	e.offset += 2
}

func (e *Encoder) Int16(v int16) { e.Uint16(uint16(v)) }

// Uint32/Int32 encode 4-byte integers.
func (e *Encoder) Uint32(v uint32) {
	e.Align(4)
	var b [4]byte
	e.order.PutUint32(b[:], v)
	e.dst.Write(b[:])
	e.offset += 4
}

func (e *Encoder) Int32(v int32) { e.Uint32(uint32(v)) }

// Uint64/Int64/Double encode 8-byte values.
func (e *Encoder) Uint64(v uint64) {
	e.Align(8)
	var b [8]byte
	e.order.PutUint64(b[:], v)
	e.dst.Write(b[:])
	e.offset += 8
}

func (e *Encoder) Int64(v int64) { e.Uint64(uint64(v)) }

func (e *Encoder) Double(v float64) { e.Uint64(math.Float64bits(v)) }

// UnixFD encodes a u32 index into the out-of-band FD array.
func (e *Encoder) UnixFD(v uint32) { e.Uint32(v) }

// String encodes a STRING or OBJECT_PATH: a u32 byte length followed by the
// bytes and a trailing NUL not counted in the length.
func (e *Encoder) String(s string) error {
	if err := validateStringValue(s); err != nil {
		return newError(KindInvalidUTF8, "encode string", err)
	}
	e.Uint32(uint32(len(s)))
	e.dst.WriteString(s)
	e.dst.WriteByte(0)
	e.offset += uint32(len(s) + 1)
	return nil
}

// ObjectPath encodes an OBJECT_PATH after validating its grammar.
func (e *Encoder) ObjectPath(p ObjectPath) error {
	if !p.Valid() {
		return newError(KindCorrupted, "encode object path", errInvalidSignature("malformed object path: "+string(p)))
	}
	return e.String(string(p))
}

// Signature encodes a SIGNATURE: a u8 byte length, the bytes, then a
// trailing NUL not counted in the length. Never preceded by alignment
// padding.
func (e *Encoder) Signature(sig Signature) error {
	s := sig.String()
	if len(s) > maxSignatureLen {
		return newError(KindInvalidSignature, "encode signature", errSignatureTooLong)
	}
	e.Byte(byte(len(s)))
	e.dst.WriteString(s)
	e.dst.WriteByte(0)
	e.offset += uint32(len(s) + 1)
	return nil
}

// Array encodes an ARRAY: a u32 length in bytes, padding to the element
// alignment (emitted even for an empty array), then the elements.
func (e *Encoder) Array(a Array) error {
	e.Align(4)
	lenPos := e.dst.Len()
	e.Uint32(0) // placeholder, patched below

	e.Align(a.Elem.Alignment())
	start := e.offset
	for _, item := range a.Items {
		if err := e.Value(item); err != nil {
			return err
		}
	}
	length := e.offset - start
	if length > maxArrayLen {
		return newError(KindFrameTooLarge, "encode array", nil)
	}
	e.patchUint32(lenPos, length)
	return nil
}

// Struct encodes a STRUCT: always 8-byte aligned regardless of contents.
func (e *Encoder) Struct(s Struct) error {
	e.Align(8)
	for _, f := range s.Fields {
		if err := e.Value(f); err != nil {
			return err
		}
	}
	return nil
}

// DictEntry encodes a DICT_ENTRY: always 8-byte aligned, key then value.
func (e *Encoder) DictEntry(d DictEntry) error {
	e.Align(8)
	if err := e.Value(d.Key); err != nil {
		return err
	}
	return e.Value(d.Val)
}

// Variant encodes a VARIANT: the contained value's signature (never
// pre-padded) followed by the value at its own alignment.
func (e *Encoder) Variant(v Variant) error {
	sig := v.Val.Signature()
	if err := e.Signature(sig); err != nil {
		return err
	}
	return e.Value(v.Val)
}

// Value encodes any Value by dispatching on its concrete type.
func (e *Encoder) Value(v Value) error {
	switch x := v.(type) {
	case Byte:
		e.Byte(byte(x))
	case Boolean:
		e.Boolean(bool(x))
	case Int16:
		e.Int16(int16(x))
	case Uint16:
		e.Uint16(uint16(x))
	case Int32:
		e.Int32(int32(x))
	case Uint32:
		e.Uint32(uint32(x))
	case Int64:
		e.Int64(int64(x))
	case Uint64:
		e.Uint64(uint64(x))
	case Double:
		e.Double(float64(x))
	case UnixFD:
		e.UnixFD(uint32(x))
	case String:
		return e.String(string(x))
	case ObjectPath:
		return e.ObjectPath(x)
	case SignatureValue:
		return e.Signature(x.Sig)
	case Array:
		return e.Array(x)
	case Struct:
		return e.Struct(x)
	case DictEntry:
		return e.DictEntry(x)
	case Variant:
		return e.Variant(x)
	default:
		return newError(KindInvalidSignature, "encode value", errInvalidSignature("unsupported value: "+describe(v)))
	}
	return nil
}

// patchUint32 overwrites the 4 bytes at byte offset pos in the destination
// buffer with v, used to backfill array/header lengths known only after
// their contents are encoded.
func (e *Encoder) patchUint32(pos int, v uint32) {
	b := e.dst.Bytes()
	e.order.PutUint32(b[pos:pos+4], v)
}

func validateStringValue(s string) error {
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			return errInvalidSignature("string contains embedded NUL")
		}
	}
	if !validUTF8Strict(s) {
		return errInvalidSignature("string is not valid UTF-8")
	}
	return nil
}

// nextOffset returns the next byte position and the padding required to
// reach it, given the current offset and an alignment requirement.
func nextOffset(current, align uint32) (next, padding uint32) {
	if current%align == 0 {
		return current, 0
	}
	next = (current + align - 1) &^ (align - 1)
	padding = next - current
	return next, padding
}
