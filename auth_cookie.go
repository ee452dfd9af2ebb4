package dbus

import (
	"bufio"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"
)

// CookieSHA1Mechanism implements the DBUS_COOKIE_SHA1 SASL mechanism: the
// client proves it can read a shared-secret cookie from a keyring file only
// its own user can read.
//
// The D-Bus specification places the keyring at ~/.dbus-keyrings on
// POSIX hosts. There is no POSIX home directory concept on every platform
// Go targets (§9's open question), so KeyringDir lets a caller override the
// location explicitly instead of this package guessing one.
type CookieSHA1Mechanism struct {
	// KeyringDir overrides the keyring directory. Empty means
	// "$HOME/.dbus-keyrings" resolved via os.UserHomeDir.
	KeyringDir string
}

func (CookieSHA1Mechanism) Name() string { return "DBUS_COOKIE_SHA1" }

// InitialResponse sends the hex-encoded local username.
func (CookieSHA1Mechanism) InitialResponse() ([]byte, error) {
	u, err := user.Current()
	if err != nil {
		return nil, err
	}
	return []byte(u.Username), nil
}

// Continue expects a challenge of the form "<context> <cookie-id> <server-challenge>",
// reads the matching cookie from the keyring, and responds with
// "<client-challenge> SHA1(server-challenge:client-challenge:cookie)".
func (m CookieSHA1Mechanism) Continue(challenge []byte) ([]byte, error) {
	parts := strings.Fields(string(challenge))
	if len(parts) != 3 {
		return nil, newError(KindAuthFailed, "cookie challenge", errors.New("malformed DBUS_COOKIE_SHA1 challenge"))
	}
	context, cookieID, serverChallenge := parts[0], parts[1], parts[2]

	cookie, err := m.readCookie(context, cookieID)
	if err != nil {
		return nil, err
	}

	clientChallenge, err := randomHex(16)
	if err != nil {
		return nil, newError(KindAuthFailed, "cookie challenge", err)
	}

	sum := sha1.Sum([]byte(serverChallenge + ":" + clientChallenge + ":" + cookie))
	resp := clientChallenge + " " + hex.EncodeToString(sum[:])
	return []byte(resp), nil
}

// keyringDir resolves the directory holding cookie context files.
func (m CookieSHA1Mechanism) keyringDir() (string, error) {
	if m.KeyringDir != "" {
		return m.KeyringDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".dbus-keyrings"), nil
}

// readCookie locates cookieID within the context keyring file, refusing to
// read it at all if the file is group- or other-accessible: a keyring file
// with mode 0644 must be ignored rather than trusted.
func (m CookieSHA1Mechanism) readCookie(context, cookieID string) (string, error) {
	dir, err := m.keyringDir()
	if err != nil {
		return "", newError(KindAuthFailed, "cookie keyring", err)
	}
	path := filepath.Join(dir, context)

	fi, err := os.Stat(path)
	if err != nil {
		return "", newError(KindAuthFailed, "cookie keyring", err)
	}
	if fi.Mode().Perm()&0o077 != 0 {
		return "", newError(KindAuthFailed, "cookie keyring",
			fmt.Errorf("keyring file %s must not be group- or other-readable", path))
	}

	f, err := os.Open(path)
	if err != nil {
		return "", newError(KindAuthFailed, "cookie keyring", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) != 3 {
			continue
		}
		if fields[0] == cookieID {
			return fields[2], nil
		}
	}
	if err := sc.Err(); err != nil {
		return "", newError(KindAuthFailed, "cookie keyring", err)
	}
	return "", newError(KindAuthFailed, "cookie keyring", fmt.Errorf("cookie id %s not found in context %s", cookieID, context))
}

// PruneKeyring deletes cookie entries older than maxAge from the context
// keyring file, tolerating stale entries the way the reference
// implementation does. It never touches another user's keyring: it only
// ever operates within keyringDir().
func (m CookieSHA1Mechanism) PruneKeyring(context string, maxAge time.Duration) error {
	dir, err := m.keyringDir()
	if err != nil {
		return err
	}
	path := filepath.Join(dir, context)

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	var kept []string
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 3 {
			continue
		}
		var created int64
		if _, err := fmt.Sscanf(fields[1], "%d", &created); err != nil {
			continue
		}
		if time.Duration(now-created)*time.Second > maxAge {
			continue
		}
		kept = append(kept, line)
	}
	return os.WriteFile(path, []byte(strings.Join(kept, "\n")+"\n"), 0o600)
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
