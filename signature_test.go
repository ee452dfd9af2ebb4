package dbus

import "testing"

func TestParseSignatureValid(t *testing.T) {
	tt := []string{
		"",
		"y", "b", "n", "q", "i", "u", "x", "t", "d", "s", "o", "g", "h",
		"as", "ai", "a{sv}", "(ii)", "a(ii)", "(a{sv}s)", "v", "aav",
	}
	for _, s := range tt {
		if _, err := ParseSignature(s); err != nil {
			t.Errorf("ParseSignature(%q) = %v, want nil error", s, err)
		}
	}
}

func TestParseSignatureInvalid(t *testing.T) {
	tt := []string{
		"(", ")", "{sv}", "a{v}", "a{ss", "a{sss}", "a{is}s}", "(", "z",
		"a", "{", "()",
	}
	for _, s := range tt {
		if _, err := ParseSignature(s); err == nil {
			t.Errorf("ParseSignature(%q) = nil, want error", s)
		}
	}
}

func TestSignatureChildren(t *testing.T) {
	sig := MustParseSignature("ysa{sv}(ii)")
	children := sig.Children()
	want := []string{"y", "s", "a{sv}", "(ii)"}
	if len(children) != len(want) {
		t.Fatalf("got %d children, want %d", len(children), len(want))
	}
	for i, c := range children {
		if c.String() != want[i] {
			t.Errorf("children[%d] = %q, want %q", i, c.String(), want[i])
		}
	}
}

func TestSignatureAlignment(t *testing.T) {
	tt := map[string]uint32{
		"":     1,
		"y":    1,
		"n":    2,
		"q":    2,
		"u":    4,
		"s":    4,
		"a{sv}": 4,
		"x":    8,
		"(ii)": 8,
		"v":    1,
		"g":    1,
	}
	for s, want := range tt {
		sig := MustParseSignature(s)
		if got := sig.Alignment(); got != want {
			t.Errorf("Alignment(%q) = %d, want %d", s, got, want)
		}
	}
}

func TestValidateSignatureDepthLimit(t *testing.T) {
	// 33 nested arrays exceeds the 32-deep array bound.
	deep := ""
	for i := 0; i < 33; i++ {
		deep += "a"
	}
	deep += "y"
	if _, err := ParseSignature(deep); err == nil {
		t.Error("expected error for array depth exceeding bound, got nil")
	}
}

func TestValidateSignatureTooLong(t *testing.T) {
	long := make([]byte, maxSignatureLen+1)
	for i := range long {
		long[i] = 'y'
	}
	if _, err := ParseSignature(string(long)); err == nil {
		t.Error("expected error for signature exceeding 255 bytes, got nil")
	}
}
