package dbus

import (
	"errors"
	"os"
	"strconv"
)

// ExternalMechanism implements the EXTERNAL SASL mechanism, which proves
// identity via the credentials carried out-of-band on the initial NUL byte
// (SCM_CREDENTIALS on platforms that support it) and asserts the local
// numeric UID as its initial response.
type ExternalMechanism struct{}

func (ExternalMechanism) Name() string { return "EXTERNAL" }

// InitialResponse sends the local effective UID as ASCII decimal.
func (ExternalMechanism) InitialResponse() ([]byte, error) {
	return []byte(strconv.Itoa(os.Geteuid())), nil
}

// Continue always fails: EXTERNAL accepts no challenges.
func (ExternalMechanism) Continue([]byte) ([]byte, error) {
	return nil, newError(KindAuthFailed, "external", errors.New("EXTERNAL does not accept challenges"))
}
