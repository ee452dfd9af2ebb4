package dbus

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Transport is the byte-stream abstraction the core consumes; concrete
// socket I/O is a collaborator injected into the core, never implemented by
// it (§1). Two standard implementations are provided: UnixTransport and
// TCPTransport.
type Transport interface {
	io.ReadWriteCloser

	// SupportsUnixFD reports whether this transport can carry out-of-band
	// file descriptors alongside message bytes.
	SupportsUnixFD() bool
	// SendFDs transmits fds as ancillary data alongside the next Write
	// call's bytes. It is a hard error to call it on a transport that
	// doesn't SupportsUnixFD.
	SendFDs(fds []int) error
	// RecvFDs returns up to n file descriptors received out-of-band with
	// the most recent Read call.
	RecvFDs(n int) ([]int, error)
	// Credentials returns the peer's numeric UID, if the transport
	// obtained one during the handshake (only the Unix transport does).
	Credentials() (uid uint32, ok bool)
}

// Dialer connects to one parsed Address and returns a live Transport.
type Dialer interface {
	Dial(ctx context.Context, addr Address) (Transport, error)
}

// dialers maps a D-Bus transport name to the Dialer that handles it.
var dialers = map[string]Dialer{
	"unix":      UnixDialer{},
	"tcp":       TCPDialer{},
	"nonce-tcp": TCPDialer{},
}

// RegisterDialer installs (or overrides) the Dialer used for a transport
// name, letting callers plug in nonstandard transports without modifying
// this package.
func RegisterDialer(transport string, d Dialer) {
	dialers[transport] = d
}

// DialFirst tries each address in order, returning the first transport that
// connects successfully. It mirrors how real D-Bus clients fall back across
// a ';'-separated address list.
func DialFirst(ctx context.Context, addrs []Address) (Transport, error) {
	var lastErr error
	for _, addr := range addrs {
		d, ok := dialers[addr.Transport]
		if !ok {
			lastErr = newError(KindUnsupportedAddress, "dial", fmt.Errorf("no dialer for transport %q", addr.Transport))
			continue
		}
		t, err := d.Dial(ctx, addr)
		if err != nil {
			lastErr = err
			continue
		}
		return t, nil
	}
	if lastErr == nil {
		lastErr = newError(KindUnsupportedAddress, "dial", errors.New("no addresses given"))
	}
	return nil, lastErr
}
