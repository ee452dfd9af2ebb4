package dbus

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

/*
Package-level SASL engine implementing the client side of the D-Bus
authentication protocol, see
https://dbus.freedesktop.org/doc/dbus-specification.html#auth-protocol.

The protocol is line-based, each line terminated by \r\n:

	client: (send a single NUL byte)
	client: AUTH EXTERNAL 31303030
	server: OK bde8d2222a9e966420ee8c1a63e972b4
	client: BEGIN

After BEGIN the stream carries framed D-Bus messages and no further SASL
parsing occurs.
*/

// Mechanism is a pluggable SASL authentication mechanism.
type Mechanism interface {
	// Name is the mechanism name sent in the AUTH command, e.g. "EXTERNAL".
	Name() string
	// InitialResponse returns the bytes to send hex-encoded as the argument
	// to the first AUTH command. Returning a nil slice with a nil error
	// sends a bare "AUTH <name>" with no argument.
	InitialResponse() ([]byte, error)
	// Continue computes a response to a server DATA challenge. Mechanisms
	// that never expect a challenge (EXTERNAL, ANONYMOUS) return an error,
	// which the engine reports as a failure of this mechanism (not fatal
	// to the whole handshake; the next mechanism is tried).
	Continue(challenge []byte) ([]byte, error)
}

// authResult is the outcome of attempting one mechanism.
type authResult struct {
	guid    string
	ok      bool
	fatal   error // a transport-level error; aborts the whole handshake
	skipped bool  // the mechanism declined to run (e.g. platform unsupported)
}

// Authenticate runs the client SASL state machine over rw, trying each
// mechanism in order until one succeeds or the list is exhausted. br must
// wrap the same reader side as w so that any bytes the server sends after
// BEGIN (the start of the framed message stream) are not lost; the caller
// should keep using br to read messages afterward.
//
// On success it returns the server's GUID and whether UNIX_FDS negotiation
// (if negotiateUnixFD was requested) was agreed to.
func Authenticate(w io.Writer, br *bufio.Reader, mechanisms []Mechanism, negotiateUnixFD bool) (guid string, fdAgreed bool, err error) {
	if len(mechanisms) == 0 {
		return "", false, newError(KindAuthFailed, "authenticate", errors.New("no mechanisms configured"))
	}

	// The client always begins the protocol with a single NUL byte, which
	// on platforms with SCM_CREDENTIALS support may carry out-of-band
	// credentials alongside it (handled by the Unix transport).
	if _, err = w.Write([]byte{0}); err != nil {
		return "", false, newError(KindTransport, "send initial NUL", err)
	}

	var lastErr error
	for _, mech := range mechanisms {
		res := tryMechanism(w, br, mech)
		if res.fatal != nil {
			return "", false, res.fatal
		}
		if res.skipped {
			continue
		}
		if res.ok {
			guid = res.guid
			fdAgreed, err = completeHandshake(w, br, negotiateUnixFD)
			if err != nil {
				return "", false, err
			}
			return guid, fdAgreed, nil
		}
		lastErr = fmt.Errorf("mechanism %s rejected", mech.Name())
	}

	return "", false, newError(KindAuthFailed, "authenticate", lastErr)
}

func tryMechanism(w io.Writer, br *bufio.Reader, mech Mechanism) authResult {
	initial, err := mech.InitialResponse()
	if err != nil {
		return authResult{skipped: true}
	}

	cmd := "AUTH " + mech.Name()
	if initial != nil {
		cmd += " " + hex.EncodeToString(initial)
	}
	if err := writeLine(w, cmd); err != nil {
		return authResult{fatal: newError(KindTransport, "sasl write", err)}
	}

	for {
		line, err := readLine(br)
		if err != nil {
			return authResult{fatal: newError(KindTransport, "sasl read", err)}
		}

		switch {
		case strings.HasPrefix(line, "OK"):
			return authResult{ok: true, guid: strings.TrimSpace(strings.TrimPrefix(line, "OK"))}

		case strings.HasPrefix(line, "REJECTED"):
			return authResult{}

		case strings.HasPrefix(line, "DATA"):
			challengeHex := strings.TrimSpace(strings.TrimPrefix(line, "DATA"))
			challenge, decErr := hex.DecodeString(challengeHex)
			if decErr != nil {
				_ = writeLine(w, "ERROR invalid hex encoding")
				continue
			}
			resp, cerr := mech.Continue(challenge)
			if cerr != nil {
				_ = writeLine(w, "CANCEL")
				continue
			}
			if err := writeLine(w, "DATA "+hex.EncodeToString(resp)); err != nil {
				return authResult{fatal: newError(KindTransport, "sasl write", err)}
			}

		case strings.HasPrefix(line, "ERROR"):
			_ = writeLine(w, "CANCEL")

		default:
			_ = writeLine(w, "ERROR unknown command")
		}
	}
}

// completeHandshake negotiates UNIX_FDS (if requested) and sends BEGIN,
// after which the stream is framed D-Bus messages.
func completeHandshake(w io.Writer, br *bufio.Reader, negotiateUnixFD bool) (fdAgreed bool, err error) {
	if negotiateUnixFD {
		if err := writeLine(w, "NEGOTIATE_UNIX_FD"); err != nil {
			return false, newError(KindTransport, "sasl write", err)
		}
		line, err := readLine(br)
		if err != nil {
			return false, newError(KindTransport, "sasl read", err)
		}
		switch {
		case strings.HasPrefix(line, "AGREE_UNIX_FD"):
			fdAgreed = true
		case strings.HasPrefix(line, "ERROR"):
			fdAgreed = false
		default:
			return false, newError(KindCorrupted, "sasl", errors.New("unexpected reply to NEGOTIATE_UNIX_FD: "+line))
		}
	}

	if err := writeLine(w, "BEGIN"); err != nil {
		return false, newError(KindTransport, "sasl write", err)
	}
	return fdAgreed, nil
}

func writeLine(w io.Writer, s string) error {
	var buf bytes.Buffer
	buf.WriteString(s)
	buf.WriteString("\r\n")
	_, err := w.Write(buf.Bytes())
	return err
}

func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
