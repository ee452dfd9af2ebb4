package dbus

import "fmt"

// Value is implemented by every D-Bus value representation: the ten
// fixed-size basic types (the integers, BOOLEAN, DOUBLE and UNIX_FD), the
// three string-like types, and the container types
// Array, Struct, DictEntry, and Variant. A value's signature is always
// derivable from its own tag, never supplied out of band.
type Value interface {
	Signature() Signature
	value() // unexported method seals the interface to this package
}

// Byte is the D-Bus BYTE type (y).
type Byte byte

func (Byte) Signature() Signature { return Signature{s: "y"} }
func (Byte) value()               {}

// Boolean is the D-Bus BOOLEAN type (b), transported as 0 or 1 in 4 bytes.
type Boolean bool

func (Boolean) Signature() Signature { return Signature{s: "b"} }
func (Boolean) value()               {}

// Int16 is the D-Bus INT16 type (n).
type Int16 int16

func (Int16) Signature() Signature { return Signature{s: "n"} }
func (Int16) value()               {}

// Uint16 is the D-Bus UINT16 type (q).
type Uint16 uint16

func (Uint16) Signature() Signature { return Signature{s: "q"} }
func (Uint16) value()               {}

// Int32 is the D-Bus INT32 type (i).
type Int32 int32

func (Int32) Signature() Signature { return Signature{s: "i"} }
func (Int32) value()               {}

// Uint32 is the D-Bus UINT32 type (u).
type Uint32 uint32

func (Uint32) Signature() Signature { return Signature{s: "u"} }
func (Uint32) value()               {}

// Int64 is the D-Bus INT64 type (x).
type Int64 int64

func (Int64) Signature() Signature { return Signature{s: "x"} }
func (Int64) value()               {}

// Uint64 is the D-Bus UINT64 type (t).
type Uint64 uint64

func (Uint64) Signature() Signature { return Signature{s: "t"} }
func (Uint64) value()               {}

// Double is the D-Bus DOUBLE type (d), IEEE-754 double precision.
type Double float64

func (Double) Signature() Signature { return Signature{s: "d"} }
func (Double) value()               {}

// UnixFD is a u32 index into the out-of-band file descriptor array that
// travels alongside a message (h).
type UnixFD uint32

func (UnixFD) Signature() Signature { return Signature{s: "h"} }
func (UnixFD) value()               {}

// String is the D-Bus STRING type (s): zero or more UTF-8 codepoints with no
// embedded NUL.
type String string

func (String) Signature() Signature { return Signature{s: "s"} }
func (String) value()               {}

// ObjectPath is the D-Bus OBJECT_PATH type (o).
type ObjectPath string

func (ObjectPath) Signature() Signature { return Signature{s: "o"} }
func (ObjectPath) value()               {}

// Valid reports whether p obeys the object path grammar: a slash-separated
// sequence of elements drawn from [A-Za-z0-9_], or the root path "/".
func (p ObjectPath) Valid() bool {
	s := string(p)
	if s == "/" {
		return true
	}
	if s == "" || s[0] != '/' || s[len(s)-1] == '/' {
		return false
	}
	elemLen := 0
	for i := 1; i < len(s); i++ {
		c := s[i]
		if c == '/' {
			if elemLen == 0 {
				return false
			}
			elemLen = 0
			continue
		}
		if !isPathElementByte(c) {
			return false
		}
		elemLen++
	}
	return elemLen > 0
}

func isPathElementByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
		return true
	default:
		return false
	}
}

// SignatureValue wraps a Signature so it can itself appear as a D-Bus
// SIGNATURE-typed value (g) within a message body, distinct from the
// Signature type used to describe other values' shapes.
type SignatureValue struct{ Sig Signature }

func (SignatureValue) Signature() Signature { return Signature{s: "g"} }
func (SignatureValue) value()               {}

// Array is the D-Bus ARRAY container (a + element type). All elements must
// share Elem's signature.
type Array struct {
	Elem  Signature
	Items []Value
}

func (a Array) Signature() Signature { return Signature{s: "a" + a.Elem.String()} }
func (Array) value()                 {}

// Struct is the D-Bus STRUCT container: always 8-byte aligned regardless of
// its field signatures, never empty.
type Struct struct {
	Fields []Value
}

func (s Struct) Signature() Signature {
	var sig string
	for _, f := range s.Fields {
		sig += f.Signature().String()
	}
	return Signature{s: "(" + sig + ")"}
}
func (Struct) value() {}

// DictEntry is the D-Bus DICT_ENTRY container, legal only as the element
// type of an Array. Key must be a basic-typed Value.
type DictEntry struct {
	Key Value
	Val Value
}

func (d DictEntry) Signature() Signature {
	return Signature{s: "{" + d.Key.Signature().String() + d.Val.Signature().String() + "}"}
}
func (DictEntry) value() {}

// Variant is the D-Bus VARIANT container: a self-describing value that
// carries its own single complete signature alongside its payload.
type Variant struct {
	Val Value
}

func (Variant) Signature() Signature { return Signature{s: "v"} }
func (Variant) value()               {}

// Dict is a convenience constructor building an Array of DictEntry from a
// key/value signature pair and entries, e.g. for "a{sv}" bodies.
func Dict(keySig, valSig Signature, entries []DictEntry) Array {
	items := make([]Value, len(entries))
	for i, e := range entries {
		items[i] = e
	}
	return Array{Elem: Signature{s: "{" + keySig.String() + valSig.String() + "}"}, Items: items}
}

// describe renders a Value for diagnostic error messages.
func describe(v Value) string {
	if v == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s(%T)", v.Signature(), v)
}
