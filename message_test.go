package dbus

import "testing"

func TestBuildersSetRequiredFields(t *testing.T) {
	src := &fakeSerialSource{}

	call, err := NewMethodCall("/a/b", "Member").Interface("com.example.Iface").Build(src)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := call.Header.Path(); !ok {
		t.Error("method call missing PATH")
	}
	if _, ok := call.Header.Member(); !ok {
		t.Error("method call missing MEMBER")
	}

	sig, err := NewSignal("/a/b", "com.example.Iface", "Changed").Build(src)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := sig.Header.Interface(); !ok {
		t.Error("signal missing INTERFACE")
	}

	ret, err := NewMethodReturn(99).Build(src)
	if err != nil {
		t.Fatal(err)
	}
	if rs, ok := ret.Header.ReplySerial(); !ok || rs != 99 {
		t.Errorf("method return REPLY_SERIAL = %d, %v, want 99, true", rs, ok)
	}

	errMsg, err := NewError(99, "com.example.Error.Failed").Body(String("boom")).Build(src)
	if err != nil {
		t.Fatal(err)
	}
	if name, ok := errMsg.Header.ErrorName(); !ok || name != "com.example.Error.Failed" {
		t.Errorf("error ERROR_NAME = %q, %v", name, ok)
	}
}

func TestBuildersDrawSerialFromSource(t *testing.T) {
	src := &fakeSerialSource{}
	a, err := NewSignal("/a", "i", "m").Build(src)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewSignal("/a", "i", "m").Build(src)
	if err != nil {
		t.Fatal(err)
	}
	if a.Header.Serial == b.Header.Serial {
		t.Error("two builds drew the same serial from the shared source")
	}
}

func TestInboundMessageBusError(t *testing.T) {
	in := &InboundMessage{
		Header: Header{
			Type: TypeError,
			Fields: []HeaderField{
				{Code: FieldErrorName, Value: String("org.freedesktop.DBus.Error.Failed")},
				{Code: FieldReplySerial, Value: Uint32(5)},
			},
		},
		Body: []Value{String("details")},
	}
	be, ok := in.BusError()
	if !ok {
		t.Fatal("expected ok = true for an Error-typed message")
	}
	if be.Name != "org.freedesktop.DBus.Error.Failed" || be.Message != "details" || be.ReplySerial != 5 {
		t.Errorf("unexpected BusError: %+v", be)
	}

	notErr := &InboundMessage{Header: Header{Type: TypeMethodReturn}}
	if _, ok := notErr.BusError(); ok {
		t.Error("expected ok = false for a non-Error message")
	}
}
