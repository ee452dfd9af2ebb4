package dbus

import "strings"

// Type codes from the D-Bus wire protocol alphabet.
const (
	TypeByte       = 'y'
	TypeBoolean    = 'b'
	TypeInt16      = 'n'
	TypeUint16     = 'q'
	TypeInt32      = 'i'
	TypeUint32     = 'u'
	TypeInt64      = 'x'
	TypeUint64     = 't'
	TypeDouble     = 'd'
	TypeString     = 's'
	TypeObjectPath = 'o'
	TypeSignature  = 'g'
	TypeUnixFD     = 'h'
	TypeArray      = 'a'
	TypeStructOpen = '('
	TypeStructEnd  = ')'
	TypeDictOpen   = '{'
	TypeDictEnd    = '}'
	TypeVariant    = 'v'
)

const (
	maxSignatureLen   = 255
	maxTypeDepthArray = 32
	maxTypeDepthTotal = 64
)

// Signature is an immutable, validated D-Bus type signature: an ordered
// sequence of single complete types.
//
// The zero value is the empty signature.
type Signature struct {
	s string
}

// ParseSignature validates s against the D-Bus signature grammar (§3 of the
// specification) and returns an immutable Signature.
func ParseSignature(s string) (Signature, error) {
	if len(s) > maxSignatureLen {
		return Signature{}, newError(KindInvalidSignature, "parse", errSignatureTooLong)
	}
	if err := validateSignature(s); err != nil {
		return Signature{}, newError(KindInvalidSignature, "parse", err)
	}
	return Signature{s: s}, nil
}

// MustParseSignature is like ParseSignature but panics on error. Intended
// for package-level literals, not for parsing untrusted input.
func MustParseSignature(s string) Signature {
	sig, err := ParseSignature(s)
	if err != nil {
		panic(err)
	}
	return sig
}

// String returns the wire representation of the signature.
func (s Signature) String() string { return s.s }

// Empty reports whether the signature describes zero values.
func (s Signature) Empty() bool { return s.s == "" }

// Children splits the signature into its top-level single complete types.
func (s Signature) Children() []Signature {
	var out []Signature
	rest := s.s
	for len(rest) > 0 {
		n := singleCompleteTypeLen(rest)
		out = append(out, Signature{s: rest[:n]})
		rest = rest[n:]
	}
	return out
}

// Alignment returns the wire alignment (1, 2, 4, or 8) of the signature's
// first single complete type. An empty signature aligns to 1.
func (s Signature) Alignment() uint32 {
	if s.s == "" {
		return 1
	}
	return alignmentOf(s.s[0])
}

// Quantity reports how many single complete types the signature contains.
func (s Signature) Quantity() int { return len(s.Children()) }

func alignmentOf(c byte) uint32 {
	switch c {
	case TypeByte, TypeSignature, TypeVariant:
		return 1
	case TypeInt16, TypeUint16:
		return 2
	case TypeInt32, TypeUint32, TypeBoolean, TypeString, TypeObjectPath, TypeUnixFD, TypeArray:
		return 4
	case TypeInt64, TypeUint64, TypeDouble, TypeStructOpen, TypeDictOpen:
		return 8
	default:
		return 1
	}
}

// isBasicType reports whether c is one of the non-container, non-variant types.
func isBasicType(c byte) bool {
	switch c {
	case TypeByte, TypeBoolean, TypeInt16, TypeUint16, TypeInt32, TypeUint32,
		TypeInt64, TypeUint64, TypeDouble, TypeString, TypeObjectPath,
		TypeSignature, TypeUnixFD:
		return true
	default:
		return false
	}
}

var errSignatureTooLong = errInvalidSignature("signature exceeds 255 bytes")

type errInvalidSignature string

func (e errInvalidSignature) Error() string { return string(e) }

// singleCompleteTypeLen returns the byte length of the single complete type
// that begins s. Callers must have already validated s with validateSignature.
func singleCompleteTypeLen(s string) int {
	switch s[0] {
	case TypeArray:
		return 1 + singleCompleteTypeLen(s[1:])
	case TypeStructOpen:
		depth := 0
		for i := 0; i < len(s); i++ {
			switch s[i] {
			case TypeStructOpen:
				depth++
			case TypeStructEnd:
				depth--
				if depth == 0 {
					return i + 1
				}
			}
		}
		return len(s)
	case TypeDictOpen:
		depth := 0
		for i := 0; i < len(s); i++ {
			switch s[i] {
			case TypeDictOpen:
				depth++
			case TypeDictEnd:
				depth--
				if depth == 0 {
					return i + 1
				}
			}
		}
		return len(s)
	default:
		return 1
	}
}

// validateSignature walks s enforcing the grammar in §3: balanced struct and
// dict-entry brackets, non-empty structs, dict-entries only inside arrays
// with exactly two basic-keyed children, and depth bounds.
func validateSignature(s string) error {
	_, rest, err := validateTypes(s, 0, 0)
	if err != nil {
		return err
	}
	if rest != "" {
		return errInvalidSignature("trailing unparsed signature: " + rest)
	}
	return nil
}

// validateTypes consumes as many single complete types as are present at the
// start of s, returning the unconsumed remainder.
func validateTypes(s string, arrayDepth, structDepth int) (consumed int, rest string, err error) {
	rest = s
	for len(rest) > 0 {
		n, e := validateOne(rest, arrayDepth, structDepth)
		if e != nil {
			return consumed, rest, e
		}
		consumed += n
		rest = rest[n:]
	}
	return consumed, rest, nil
}

func validateOne(s string, arrayDepth, structDepth int) (int, error) {
	if s == "" {
		return 0, errInvalidSignature("empty type")
	}
	if arrayDepth+structDepth > maxTypeDepthTotal {
		return 0, newError(KindExceededDepth, "validate", nil)
	}

	switch c := s[0]; {
	case isBasicType(c), c == TypeVariant:
		return 1, nil

	case c == TypeArray:
		if arrayDepth+1 > maxTypeDepthArray {
			return 0, errDepth
		}
		if len(s) < 2 {
			return 0, errInvalidSignature("array missing element type")
		}
		// Array element may be a dict-entry; validate it specially so we can
		// enforce the "basic key, exactly two children" dict-entry rule.
		if s[1] == TypeDictOpen {
			n, err := validateDictEntry(s[1:], arrayDepth+1, structDepth)
			if err != nil {
				return 0, err
			}
			return 1 + n, nil
		}
		n, err := validateOne(s[1:], arrayDepth+1, structDepth)
		if err != nil {
			return 0, err
		}
		return 1 + n, nil

	case c == TypeStructOpen:
		if structDepth+1 > maxTypeDepthArray {
			return 0, errDepth
		}
		inner := s[1:]
		end := matchingBracket(s, TypeStructOpen, TypeStructEnd)
		if end < 0 {
			return 0, errInvalidSignature("unterminated struct")
		}
		body := s[1:end]
		if body == "" {
			return 0, errInvalidSignature("empty struct")
		}
		if _, rest, err := validateTypes(body, arrayDepth, structDepth+1); err != nil {
			return 0, err
		} else if rest != "" {
			return 0, errInvalidSignature("malformed struct body")
		}
		_ = inner
		return end + 1, nil

	case c == TypeDictEnd, c == TypeStructEnd:
		return 0, errInvalidSignature("unbalanced bracket")

	case c == TypeDictOpen:
		return 0, errInvalidSignature("dict-entry outside of array")

	default:
		return 0, errInvalidSignature("unknown type code: " + string(c))
	}
}

// validateDictEntry validates a "{kv}" that must immediately follow an "a".
func validateDictEntry(s string, arrayDepth, structDepth int) (int, error) {
	if structDepth+1 > maxTypeDepthArray {
		return 0, errDepth
	}
	end := matchingBracket(s, TypeDictOpen, TypeDictEnd)
	if end < 0 {
		return 0, errInvalidSignature("unterminated dict entry")
	}
	body := s[1:end]
	if body == "" {
		return 0, errInvalidSignature("empty dict entry")
	}
	if !isBasicType(body[0]) {
		return 0, errInvalidSignature("dict entry key must be a basic type")
	}
	keyLen, err := validateOne(body, arrayDepth, structDepth+1)
	if err != nil {
		return 0, err
	}
	valBody := body[keyLen:]
	if valBody == "" {
		return 0, errInvalidSignature("dict entry missing value type")
	}
	valLen, err := validateOne(valBody, arrayDepth, structDepth+1)
	if err != nil {
		return 0, err
	}
	if keyLen+valLen != len(body) {
		return 0, errInvalidSignature("dict entry must have exactly two children")
	}
	return end + 1, nil
}

var errDepth = newError(KindExceededDepth, "validate", nil)

// matchingBracket returns the index of the bracket matching open's first
// occurrence at s[0], or -1 if unterminated.
func matchingBracket(s string, open, close byte) int {
	if s == "" || s[0] != open {
		return -1
	}
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// joinSignatures concatenates signatures, used when building struct/variant bodies.
func joinSignatures(sigs ...Signature) Signature {
	var b strings.Builder
	for _, s := range sigs {
		b.WriteString(s.s)
	}
	return Signature{s: b.String()}
}
