package dbus

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// DefaultSystemBusAddress is the well-known fallback used when
// DBUS_SYSTEM_BUS_ADDRESS is unset, see §6 of the specification.
const DefaultSystemBusAddress = "unix:path=/var/run/dbus/system_bus_socket"

// SystemBusAddress returns DBUS_SYSTEM_BUS_ADDRESS, or
// DefaultSystemBusAddress if it is unset.
func SystemBusAddress() string {
	if addr := os.Getenv("DBUS_SYSTEM_BUS_ADDRESS"); addr != "" {
		return addr
	}
	return DefaultSystemBusAddress
}

// SessionBusAddress returns DBUS_SESSION_BUS_ADDRESS, which the D-Bus
// specification requires a session-bus client to have present in its
// environment; callers get an explicit error rather than a guessed address.
func SessionBusAddress() (string, error) {
	addr := os.Getenv("DBUS_SESSION_BUS_ADDRESS")
	if addr == "" {
		return "", newError(KindUnsupportedAddress, "session bus address", fmt.Errorf("DBUS_SESSION_BUS_ADDRESS is not set"))
	}
	return addr, nil
}

// Address is one parsed, connectable D-Bus server address, e.g.
// "unix:path=/run/dbus/system_bus_socket" or "tcp:host=localhost,port=1234".
type Address struct {
	Transport string
	Params    map[string]string
}

// ParseAddresses splits a ';'-separated D-Bus address string into its
// component addresses, validating each against the grammar in §6:
// "<transport>:key=value[,key=value...][;...]", values percent-escaped
// outside [-0-9A-Za-z_/.*].
func ParseAddresses(s string) ([]Address, error) {
	var out []Address
	for _, part := range strings.Split(s, ";") {
		if part == "" {
			continue
		}
		addr, err := parseOneAddress(part)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	if len(out) == 0 {
		return nil, newError(KindUnsupportedAddress, "parse address", fmt.Errorf("empty address string"))
	}
	return out, nil
}

func parseOneAddress(s string) (Address, error) {
	idx := strings.IndexByte(s, ':')
	if idx < 0 {
		return Address{}, newError(KindUnsupportedAddress, "parse address", fmt.Errorf("missing transport prefix: %q", s))
	}
	transport := s[:idx]
	rest := s[idx+1:]

	params := map[string]string{}
	if rest != "" {
		for _, kv := range strings.Split(rest, ",") {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return Address{}, newError(KindUnsupportedAddress, "parse address", fmt.Errorf("malformed key=value: %q", kv))
			}
			dec, err := percentDecode(v)
			if err != nil {
				return Address{}, newError(KindUnsupportedAddress, "parse address", err)
			}
			params[k] = dec
		}
	}

	switch transport {
	case "unix":
		if _, ok := params["tmpdir"]; ok && params["path"] == "" && params["abstract"] == "" {
			return Address{}, newError(KindUnsupportedAddress, "parse address",
				fmt.Errorf("unix:tmpdir= is listen-only, not connectable"))
		}
	case "tcp", "nonce-tcp":
		if params["host"] == "" {
			return Address{}, newError(KindUnsupportedAddress, "parse address", fmt.Errorf("%s address missing host", transport))
		}
		if _, err := strconv.Atoi(params["port"]); params["port"] != "" && err != nil {
			return Address{}, newError(KindUnsupportedAddress, "parse address", fmt.Errorf("invalid port: %q", params["port"]))
		}
	default:
		return Address{}, newError(KindUnsupportedAddress, "parse address", fmt.Errorf("unsupported transport: %q", transport))
	}

	return Address{Transport: transport, Params: params}, nil
}

// String renders the address back to its percent-escaped wire form.
func (a Address) String() string {
	var b strings.Builder
	b.WriteString(a.Transport)
	b.WriteByte(':')
	first := true
	for k, v := range a.Params {
		if !first {
			b.WriteByte(',')
		}
		first = false
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(percentEncode(v))
	}
	return b.String()
}

func isUnreservedAddrByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_' || c == '/' || c == '.' || c == '*':
		return true
	default:
		return false
	}
}

func percentEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreservedAddrByte(c) {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02x", c)
	}
	return b.String()
}

func percentDecode(s string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("truncated percent escape in %q", s)
		}
		n, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
		if err != nil {
			return "", fmt.Errorf("invalid percent escape in %q: %w", s, err)
		}
		b.WriteByte(byte(n))
		i += 2
	}
	return b.String(), nil
}
