package dbus

import "testing"

func TestHeaderFieldAccessors(t *testing.T) {
	h := &Header{
		Type: TypeMethodCall,
		Fields: []HeaderField{
			{Code: FieldPath, Value: ObjectPath("/org/freedesktop/DBus")},
			{Code: FieldInterface, Value: String("org.freedesktop.DBus")},
			{Code: FieldMember, Value: String("Hello")},
			{Code: FieldDestination, Value: String("org.freedesktop.DBus")},
			{Code: FieldSignature, Value: SignatureValue{Sig: MustParseSignature("s")}},
		},
	}

	if p, ok := h.Path(); !ok || p != "/org/freedesktop/DBus" {
		t.Errorf("Path() = %q, %v", p, ok)
	}
	if iface, ok := h.Interface(); !ok || iface != "org.freedesktop.DBus" {
		t.Errorf("Interface() = %q, %v", iface, ok)
	}
	if member, ok := h.Member(); !ok || member != "Hello" {
		t.Errorf("Member() = %q, %v", member, ok)
	}
	if dest, ok := h.Destination(); !ok || dest != "org.freedesktop.DBus" {
		t.Errorf("Destination() = %q, %v", dest, ok)
	}
	if sig := h.BodySignature(); sig.String() != "s" {
		t.Errorf("BodySignature() = %q, want %q", sig.String(), "s")
	}
	if _, ok := h.ReplySerial(); ok {
		t.Error("ReplySerial() ok = true for a method call header, want false")
	}
}

func TestHeaderValidateRequiredFields(t *testing.T) {
	tt := []struct {
		name string
		h    Header
		ok   bool
	}{
		{
			name: "method call missing member",
			h: Header{
				Serial: 1, Type: TypeMethodCall,
				Fields: []HeaderField{{Code: FieldPath, Value: ObjectPath("/a")}},
			},
			ok: false,
		},
		{
			name: "method call complete",
			h: Header{
				Serial: 1, Type: TypeMethodCall,
				Fields: []HeaderField{
					{Code: FieldPath, Value: ObjectPath("/a")},
					{Code: FieldMember, Value: String("M")},
				},
			},
			ok: true,
		},
		{
			name: "zero serial",
			h:    Header{Serial: 0, Type: TypeSignal},
			ok:   false,
		},
		{
			name: "signal missing interface",
			h: Header{
				Serial: 1, Type: TypeSignal,
				Fields: []HeaderField{
					{Code: FieldPath, Value: ObjectPath("/a")},
					{Code: FieldMember, Value: String("M")},
				},
			},
			ok: false,
		},
		{
			name: "error missing error name",
			h: Header{
				Serial: 1, Type: TypeError,
				Fields: []HeaderField{{Code: FieldReplySerial, Value: Uint32(1)}},
			},
			ok: false,
		},
	}
	for _, tc := range tt {
		err := tc.h.Validate()
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error: %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%s: expected error, got nil", tc.name)
		}
	}
}

func TestHeaderFieldCodeOrderingIsAscending(t *testing.T) {
	fields := []HeaderField{
		{Code: FieldSender, Value: String("s")},
		{Code: FieldPath, Value: ObjectPath("/a")},
		{Code: FieldMember, Value: String("M")},
	}
	sorted := sortedFields(fields)
	for i := 1; i < len(sorted); i++ {
		if sorted[i-1].Code > sorted[i].Code {
			t.Fatalf("sortedFields not ascending at index %d: %v", i, sorted)
		}
	}
}
