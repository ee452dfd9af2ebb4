package dbus

import "errors"

// AnonymousMechanism implements the ANONYMOUS SASL mechanism: it sends no
// credentials at all, optionally carrying a human-readable trace string
// (e.g. a contact address) purely for the server's logs.
type AnonymousMechanism struct {
	// TraceInfo is an optional, informational string sent as the initial
	// response. May be left empty.
	TraceInfo string
}

func (AnonymousMechanism) Name() string { return "ANONYMOUS" }

func (m AnonymousMechanism) InitialResponse() ([]byte, error) {
	return []byte(m.TraceInfo), nil
}

func (AnonymousMechanism) Continue([]byte) ([]byte, error) {
	return nil, newError(KindAuthFailed, "anonymous", errors.New("ANONYMOUS does not accept challenges"))
}
