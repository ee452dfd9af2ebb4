package dbus

import (
	"context"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"
)

// UnixDialer connects to a "unix:" address, either a filesystem path or an
// abstract-namespace socket (leading NUL, Linux only).
type UnixDialer struct{}

func (UnixDialer) Dial(ctx context.Context, addr Address) (Transport, error) {
	var sockAddr string
	switch {
	case addr.Params["path"] != "":
		sockAddr = addr.Params["path"]
	case addr.Params["abstract"] != "":
		sockAddr = "@" + addr.Params["abstract"]
	default:
		return nil, newError(KindUnsupportedAddress, "unix dial", fmt.Errorf("unix address needs path= or abstract="))
	}

	d := net.Dialer{}
	nc, err := d.DialContext(ctx, "unix", sockAddr)
	if err != nil {
		return nil, newError(KindTransport, "unix dial", err)
	}
	uc, ok := nc.(*net.UnixConn)
	if !ok {
		nc.Close()
		return nil, newError(KindTransport, "unix dial", fmt.Errorf("unexpected conn type %T", nc))
	}
	return &UnixTransport{conn: uc}, nil
}

// UnixTransport carries D-Bus messages over a Unix domain socket, the only
// transport able to negotiate UNIX_FDS and to authenticate a peer's UID via
// SCM_CREDENTIALS ancillary data instead of a SASL challenge.
type UnixTransport struct {
	conn *net.UnixConn

	mu     sync.Mutex
	uid    uint32
	haveID bool

	pendingFDs  []int // received, not yet claimed via RecvFDs
	pendingSend []int // queued for the next Write
}

func (t *UnixTransport) Read(p []byte) (int, error) {
	oob := make([]byte, unix.CmsgSpace(64*4)+unix.CmsgSpace(unix.SizeofUcred))
	n, oobn, _, _, err := t.conn.ReadMsgUnix(p, oob)
	if err != nil {
		return n, err
	}
	if oobn > 0 {
		t.absorbOOB(oob[:oobn])
	}
	return n, nil
}

func (t *UnixTransport) absorbOOB(oob []byte) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range msgs {
		if fds, err := unix.ParseUnixRights(&m); err == nil {
			t.pendingFDs = append(t.pendingFDs, fds...)
			continue
		}
		if cred, err := unix.ParseUnixCredentials(&m); err == nil {
			t.uid = cred.Uid
			t.haveID = true
		}
	}
}

func (t *UnixTransport) Write(p []byte) (int, error) {
	t.mu.Lock()
	fds := t.pendingSend
	t.pendingSend = nil
	t.mu.Unlock()

	if len(fds) == 0 {
		return t.conn.Write(p)
	}
	oob := unix.UnixRights(fds...)
	n, _, err := t.conn.WriteMsgUnix(p, oob, nil)
	return n, err
}

func (t *UnixTransport) Close() error { return t.conn.Close() }

func (t *UnixTransport) SupportsUnixFD() bool { return true }

func (t *UnixTransport) SendFDs(fds []int) error {
	t.mu.Lock()
	t.pendingSend = append(t.pendingSend, fds...)
	t.mu.Unlock()
	return nil
}

func (t *UnixTransport) RecvFDs(n int) ([]int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n > len(t.pendingFDs) {
		n = len(t.pendingFDs)
	}
	out := t.pendingFDs[:n]
	t.pendingFDs = t.pendingFDs[n:]
	return out, nil
}

func (t *UnixTransport) Credentials() (uint32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.uid, t.haveID
}
