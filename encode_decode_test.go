package dbus

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func roundTrip(t *testing.T, v Value) Value {
	t.Helper()
	var buf bytes.Buffer
	enc := NewEncoder(&buf, binary.LittleEndian)
	if err := enc.Value(v); err != nil {
		t.Fatalf("encode %v: %v", v, err)
	}
	dec := NewDecoder(&buf, binary.LittleEndian)
	got, _, err := dec.Decode(v.Signature())
	if err != nil {
		t.Fatalf("decode %v: %v", v, err)
	}
	return got
}

func TestEncodeDecodeScalars(t *testing.T) {
	tt := []Value{
		Byte(7),
		Boolean(true),
		Boolean(false),
		Int16(-1234),
		Uint16(1234),
		Int32(-123456),
		Uint32(123456),
		Int64(-123456789012),
		Uint64(123456789012),
		Double(3.14159),
		String("hello, world"),
		ObjectPath("/org/freedesktop/DBus"),
		UnixFD(3),
	}
	for _, v := range tt {
		got := roundTrip(t, v)
		if diff := cmp.Diff(v, got); diff != "" {
			t.Errorf("round trip %v mismatch (-want +got):\n%s", v, diff)
		}
	}
}

func TestEncodeDecodeArray(t *testing.T) {
	a := Array{Elem: MustParseSignature("s"), Items: []Value{String("a"), String("bb"), String("ccc")}}
	got := roundTrip(t, a)
	if diff := cmp.Diff(a, got); diff != "" {
		t.Errorf("round trip array mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeDecodeStruct(t *testing.T) {
	s := Struct{Fields: []Value{Byte(1), String("two"), Uint32(3)}}
	got := roundTrip(t, s)
	if diff := cmp.Diff(s, got); diff != "" {
		t.Errorf("round trip struct mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeDecodeVariant(t *testing.T) {
	v := Variant{Val: Uint32(42)}
	got := roundTrip(t, v)
	if diff := cmp.Diff(v, got); diff != "" {
		t.Errorf("round trip variant mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeDecodeDict(t *testing.T) {
	d := Dict(MustParseSignature("s"), MustParseSignature("v"), []DictEntry{
		{Key: String("k1"), Val: Variant{Val: Int32(1)}},
		{Key: String("k2"), Val: Variant{Val: String("v2")}},
	})
	got := roundTrip(t, d)
	if diff := cmp.Diff(d, got); diff != "" {
		t.Errorf("round trip dict mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeStringRejectsInvalidUTF8(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf, binary.LittleEndian)
	enc.Uint32(1)
	buf.Write([]byte{0xff, 0})

	dec := NewDecoder(&buf, binary.LittleEndian)
	if _, err := dec.String(); err == nil {
		t.Error("expected invalid UTF-8 to be rejected, got nil error")
	}
}

func TestDecodeStringRejectsMissingNUL(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf, binary.LittleEndian)
	enc.Uint32(1)
	buf.Write([]byte{'a', 'x'})

	dec := NewDecoder(&buf, binary.LittleEndian)
	if _, err := dec.String(); err == nil {
		t.Error("expected missing NUL terminator to be rejected, got nil error")
	}
}

func TestDecodeStringRejectsEmbeddedNUL(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf, binary.LittleEndian)
	enc.Uint32(3)
	buf.Write([]byte{'a', 0, 'b', 0})

	dec := NewDecoder(&buf, binary.LittleEndian)
	if _, err := dec.String(); err == nil {
		t.Error("expected an embedded NUL in the string body to be rejected, got nil error")
	}
}

func TestObjectPathValidation(t *testing.T) {
	valid := []ObjectPath{"/", "/org", "/org/freedesktop/DBus", "/a/b_c/d9"}
	for _, p := range valid {
		if !p.Valid() {
			t.Errorf("expected %q to be a valid object path", p)
		}
	}
	invalid := []ObjectPath{"", "org", "/org/", "/org//freedesktop", "/org/free.desktop"}
	for _, p := range invalid {
		if p.Valid() {
			t.Errorf("expected %q to be an invalid object path", p)
		}
	}
}

func TestAlignmentAgainstMessageStart(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf, binary.LittleEndian)
	enc.Byte(1) // offset 1
	if err := enc.Value(Uint32(99)); err != nil {
		t.Fatal(err)
	}
	// A byte then a 4-byte-aligned uint32 needs 3 bytes of padding.
	if got := buf.Len(); got != 8 {
		t.Fatalf("expected 8 bytes (1 + 3 padding + 4), got %d", got)
	}
}
