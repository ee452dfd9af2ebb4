package dbus

import (
	"encoding/binary"
	"io"
	"math"
	"unicode/utf8"
)

// Decoder unmarshals Values from their D-Bus wire representation. Like
// Encoder, every value's storage begins at its natural alignment computed
// against the message start, which the Decoder tracks across calls via its
// absolute offset.
type Decoder struct {
	order   binary.ByteOrder
	src     io.Reader
	offset  uint32
	scratch []byte
}

// NewDecoder creates a Decoder reading from src, starting at message offset 0.
func NewDecoder(src io.Reader, order binary.ByteOrder) *Decoder {
	d := &Decoder{scratch: make([]byte, 0, 256)}
	d.Reset(src, order, 0)
	return d
}

// Reset rebinds the decoder to src with the given byte order and starting
// absolute message offset.
func (d *Decoder) Reset(src io.Reader, order binary.ByteOrder, startOffset uint32) {
	d.src = src
	d.order = order
	d.offset = startOffset
}

// SetOrder changes the byte order used for subsequent multi-byte reads,
// used once the framer has decoded the endianness flag.
func (d *Decoder) SetOrder(order binary.ByteOrder) { d.order = order }

// Offset returns the current absolute message offset.
func (d *Decoder) Offset() uint32 { return d.offset }

// ReadN reads exactly n bytes. The returned slice is only valid until the
// next call into the Decoder; callers needing to retain bytes must copy them.
func (d *Decoder) ReadN(n uint32) ([]byte, error) {
	if cap(d.scratch) < int(n) {
		d.scratch = make([]byte, n)
	}
	b := d.scratch[:n]
	if _, err := io.ReadFull(d.src, b); err != nil {
		return nil, err
	}
	d.offset += n
	return b, nil
}

// Align reads and discards padding until the offset is a multiple of n,
// rejecting any non-NUL padding byte as Corrupted.
func (d *Decoder) Align(n uint32) error {
	next, padding := nextOffset(d.offset, n)
	if padding == 0 {
		return nil
	}
	b, err := d.ReadN(padding)
	if err != nil {
		return err
	}
	for _, c := range b {
		if c != 0 {
			return newError(KindCorrupted, "align padding", errInvalidSignature("non-NUL alignment padding"))
		}
	}
	d.offset = next
	return nil
}

// Byte decodes a BYTE.
func (d *Decoder) Byte() (byte, error) {
	b, err := d.ReadN(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Boolean decodes a BOOLEAN, rejecting any value other than 0 or 1.
func (d *Decoder) Boolean() (bool, error) {
	u, err := d.Uint32()
	if err != nil {
		return false, err
	}
	switch u {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, newError(KindCorrupted, "decode boolean", errInvalidSignature("boolean value out of range"))
	}
}

func (d *Decoder) Uint16() (uint16, error) {
	if err := d.Align(2); err != nil {
		return 0, err
	}
	b, err := d.ReadN(2)
	if err != nil {
		return 0, err
	}
	return d.order.Uint16(b), nil
}

func (d *Decoder) Int16() (int16, error) {
	u, err := d.Uint16()
	return int16(u), err
}

func (d *Decoder) Uint32() (uint32, error) {
	if err := d.Align(4); err != nil {
		return 0, err
	}
	b, err := d.ReadN(4)
	if err != nil {
		return 0, err
	}
	return d.order.Uint32(b), nil
}

func (d *Decoder) Int32() (int32, error) {
	u, err := d.Uint32()
	return int32(u), err
}

func (d *Decoder) Uint64() (uint64, error) {
	if err := d.Align(8); err != nil {
		return 0, err
	}
	b, err := d.ReadN(8)
	if err != nil {
		return 0, err
	}
	return d.order.Uint64(b), nil
}

func (d *Decoder) Int64() (int64, error) {
	u, err := d.Uint64()
	return int64(u), err
}

func (d *Decoder) Double() (float64, error) {
	u, err := d.Uint64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(u), nil
}

func (d *Decoder) UnixFD() (uint32, error) { return d.Uint32() }

// String decodes a STRING or OBJECT_PATH, validating it is strict UTF-8
// with no embedded NUL.
func (d *Decoder) String() (string, error) {
	n, err := d.Uint32()
	if err != nil {
		return "", err
	}
	b, err := d.ReadN(n + 1) // +1 for the trailing NUL
	if err != nil {
		return "", err
	}
	if b[n] != 0 {
		return "", newError(KindCorrupted, "decode string", errInvalidSignature("missing NUL terminator"))
	}
	s := b[:n]
	for _, c := range s {
		if c == 0 {
			return "", newError(KindCorrupted, "decode string", errInvalidSignature("embedded NUL in string"))
		}
	}
	if !validUTF8Strict(string(s)) {
		return "", newError(KindInvalidUTF8, "decode string", nil)
	}
	return string(s), nil
}

// ObjectPath decodes an OBJECT_PATH and validates its grammar.
func (d *Decoder) ObjectPath() (ObjectPath, error) {
	s, err := d.String()
	if err != nil {
		return "", err
	}
	p := ObjectPath(s)
	if !p.Valid() {
		return "", newError(KindCorrupted, "decode object path", errInvalidSignature("malformed object path: "+s))
	}
	return p, nil
}

// Signature decodes a SIGNATURE: a u8 length, the bytes, then a trailing
// NUL not counted in the length. Not pre-padded.
func (d *Decoder) Signature() (Signature, error) {
	n, err := d.Byte()
	if err != nil {
		return Signature{}, err
	}
	b, err := d.ReadN(uint32(n) + 1)
	if err != nil {
		return Signature{}, err
	}
	if b[n] != 0 {
		return Signature{}, newError(KindCorrupted, "decode signature", errInvalidSignature("missing NUL terminator"))
	}
	return ParseSignature(string(b[:n]))
}

// Decode reads one value of the given signature, returning the value and
// the number of bytes consumed from the current offset.
func (d *Decoder) Decode(sig Signature) (Value, uint32, error) {
	start := d.offset
	v, err := d.decodeOne(sig.String(), 0, 0)
	if err != nil {
		return nil, d.offset - start, err
	}
	return v, d.offset - start, nil
}

// decodeOne decodes the single complete type at the start of sig.
func (d *Decoder) decodeOne(sig string, arrayDepth, structDepth int) (Value, error) {
	if sig == "" {
		return nil, newError(KindInvalidSignature, "decode", errInvalidSignature("empty signature"))
	}
	if arrayDepth+structDepth > maxTypeDepthTotal {
		return nil, newError(KindExceededDepth, "decode", nil)
	}

	switch sig[0] {
	case TypeByte:
		b, err := d.Byte()
		return Byte(b), err
	case TypeBoolean:
		b, err := d.Boolean()
		return Boolean(b), err
	case TypeInt16:
		v, err := d.Int16()
		return Int16(v), err
	case TypeUint16:
		v, err := d.Uint16()
		return Uint16(v), err
	case TypeInt32:
		v, err := d.Int32()
		return Int32(v), err
	case TypeUint32:
		v, err := d.Uint32()
		return Uint32(v), err
	case TypeInt64:
		v, err := d.Int64()
		return Int64(v), err
	case TypeUint64:
		v, err := d.Uint64()
		return Uint64(v), err
	case TypeDouble:
		v, err := d.Double()
		return Double(v), err
	case TypeUnixFD:
		v, err := d.UnixFD()
		return UnixFD(v), err
	case TypeString:
		s, err := d.String()
		return String(s), err
	case TypeObjectPath:
		p, err := d.ObjectPath()
		return p, err
	case TypeSignature:
		s, err := d.Signature()
		return SignatureValue{Sig: s}, err
	case TypeVariant:
		return d.decodeVariant(arrayDepth, structDepth)
	case TypeArray:
		return d.decodeArray(sig[1:], arrayDepth, structDepth)
	case TypeStructOpen:
		return d.decodeStruct(sig, arrayDepth, structDepth)
	default:
		return nil, newError(KindInvalidSignature, "decode", errInvalidSignature("unknown type code"))
	}
}

func (d *Decoder) decodeVariant(arrayDepth, structDepth int) (Value, error) {
	sig, err := d.Signature()
	if err != nil {
		return nil, err
	}
	if sig.Quantity() != 1 {
		return nil, newError(KindInvalidSignature, "decode variant", errInvalidSignature("variant signature must be one single complete type"))
	}
	inner, err := d.decodeOne(sig.String(), arrayDepth, structDepth)
	if err != nil {
		return nil, err
	}
	return Variant{Val: inner}, nil
}

func (d *Decoder) decodeArray(elemSig string, arrayDepth, structDepth int) (Value, error) {
	if arrayDepth+1 > maxTypeDepthArray {
		return nil, newError(KindExceededDepth, "decode array", nil)
	}
	n, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	if n > maxArrayLen {
		return nil, newError(KindFrameTooLarge, "decode array", nil)
	}

	elemLen := singleCompleteTypeLen(elemSig)
	elemType := elemSig[:elemLen]
	elem, err := ParseSignature(elemType)
	if err != nil {
		return nil, err
	}

	if err := d.Align(elem.Alignment()); err != nil {
		return nil, err
	}

	end := d.offset + n
	var items []Value
	if elemType[0] == TypeDictOpen {
		for d.offset < end {
			entry, err := d.decodeDictEntry(elemType, arrayDepth+1, structDepth)
			if err != nil {
				return nil, err
			}
			items = append(items, entry)
		}
	} else {
		for d.offset < end {
			v, err := d.decodeOne(elemType, arrayDepth+1, structDepth)
			if err != nil {
				return nil, err
			}
			items = append(items, v)
		}
	}
	if d.offset != end {
		return nil, newError(KindCorrupted, "decode array", errInvalidSignature("array body length mismatch"))
	}
	return Array{Elem: elem, Items: items}, nil
}

func (d *Decoder) decodeDictEntry(sig string, arrayDepth, structDepth int) (Value, error) {
	if structDepth+1 > maxTypeDepthArray {
		return nil, newError(KindExceededDepth, "decode dict entry", nil)
	}
	if err := d.Align(8); err != nil {
		return nil, err
	}
	body := sig[1 : len(sig)-1]
	keyLen := singleCompleteTypeLen(body)
	keySig := body[:keyLen]
	valSig := body[keyLen:]

	key, err := d.decodeOne(keySig, arrayDepth, structDepth+1)
	if err != nil {
		return nil, err
	}
	val, err := d.decodeOne(valSig, arrayDepth, structDepth+1)
	if err != nil {
		return nil, err
	}
	return DictEntry{Key: key, Val: val}, nil
}

func (d *Decoder) decodeStruct(sig string, arrayDepth, structDepth int) (Value, error) {
	if structDepth+1 > maxTypeDepthArray {
		return nil, newError(KindExceededDepth, "decode struct", nil)
	}
	if err := d.Align(8); err != nil {
		return nil, err
	}
	body := sig[1 : len(sig)-1]

	var fields []Value
	for len(body) > 0 {
		n := singleCompleteTypeLen(body)
		v, err := d.decodeOne(body[:n], arrayDepth, structDepth+1)
		if err != nil {
			return nil, err
		}
		fields = append(fields, v)
		body = body[n:]
	}
	return Struct{Fields: fields}, nil
}

// validUTF8Strict validates s is well-formed UTF-8: no overlong sequences,
// no codepoints above U+10FFFF, no unpaired surrogates. Noncharacters
// (e.g. U+FFFE, U+FDD0-U+FDEF) are permitted, matching utf8.ValidString's
// behavior of accepting any valid Unicode scalar value.
func validUTF8Strict(s string) bool {
	return utf8.ValidString(s)
}
