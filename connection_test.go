package dbus

import (
	"bufio"
	"context"
	"encoding/binary"
	"net"
	"strings"
	"testing"
	"time"
)

// pipeTransport adapts a net.Conn (one end of a net.Pipe) to the Transport
// interface for tests; it carries no out-of-band credentials or FDs.
type pipeTransport struct{ net.Conn }

func (pipeTransport) SupportsUnixFD() bool         { return false }
func (pipeTransport) SendFDs(fds []int) error      { return newError(KindUnsupportedProtocol, "send fds", nil) }
func (pipeTransport) RecvFDs(n int) ([]int, error) { return nil, newError(KindUnsupportedProtocol, "recv fds", nil) }
func (pipeTransport) Credentials() (uint32, bool)  { return 0, false }

// fakeBus is a minimal in-memory D-Bus daemon used to drive Connection
// end-to-end without a real dbus-daemon: it completes SASL EXTERNAL, answers
// Hello, and lets the test script further replies or push signals.
type fakeBus struct {
	conn   net.Conn
	br     *bufio.Reader
	framer *Framer
}

func newFakeBus(conn net.Conn) *fakeBus {
	return &fakeBus{conn: conn, br: bufio.NewReader(conn), framer: NewFramer()}
}

func (b *fakeBus) handshake(t *testing.T, busName string) {
	t.Helper()
	if _, err := b.br.ReadByte(); err != nil {
		t.Fatalf("reading initial NUL: %v", err)
	}
	for {
		line, err := b.br.ReadString('\n')
		if err != nil {
			t.Fatalf("reading SASL line: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case strings.HasPrefix(line, "AUTH EXTERNAL"):
			b.conn.Write([]byte("OK deadbeefdeadbeefdeadbeefdeadbeef\r\n"))
		case strings.HasPrefix(line, "BEGIN"):
			goto afterSASL
		default:
			t.Fatalf("unexpected SASL line: %q", line)
		}
	}
afterSASL:
	h, body, err := b.framer.DecodeMessage(b.br)
	if err != nil {
		t.Fatalf("decoding Hello: %v", err)
	}
	member, _ := h.Member()
	if member != "Hello" {
		t.Fatalf("first method call = %q, want Hello", member)
	}
	_ = body
	b.reply(t, h.Serial, []Value{String(busName)})
}

func (b *fakeBus) reply(t *testing.T, replySerial uint32, vals []Value) {
	t.Helper()
	out, err := NewMethodReturn(replySerial).Body(vals...).Build(&fakeSerialSource{n: replySerial + 1000})
	if err != nil {
		t.Fatalf("building reply: %v", err)
	}
	b.send(t, out)
}

func (b *fakeBus) replyError(t *testing.T, replySerial uint32, name, message string) {
	t.Helper()
	out, err := NewError(replySerial, name).Body(String(message)).Build(&fakeSerialSource{n: replySerial + 2000})
	if err != nil {
		t.Fatalf("building error reply: %v", err)
	}
	b.send(t, out)
}

func (b *fakeBus) signal(t *testing.T, path ObjectPath, iface, member string, vals ...Value) {
	t.Helper()
	out, err := NewSignal(path, iface, member).Body(vals...).Build(&fakeSerialSource{n: 9000})
	if err != nil {
		t.Fatalf("building signal: %v", err)
	}
	b.send(t, out)
}

func (b *fakeBus) send(t *testing.T, out *OutboundMessage) {
	t.Helper()
	body, err := marshalBody(binary.LittleEndian, out.Body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	raw, err := b.framer.EncodeMessage(&out.Header, body)
	if err != nil {
		t.Fatalf("encode message: %v", err)
	}
	if _, err := b.conn.Write(raw); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readCall decodes the next inbound method call, useful for scripting a
// specific reply to it.
func (b *fakeBus) readCall(t *testing.T) *Header {
	t.Helper()
	h, _, err := b.framer.DecodeMessage(b.br)
	if err != nil {
		t.Fatalf("decoding inbound call: %v", err)
	}
	return h
}

func dialFakeBus(t *testing.T, busName string, extraOpts ...Option) (*Connection, *fakeBus) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	bus := newFakeBus(serverConn)

	handshakeDone := make(chan struct{})
	go func() {
		bus.handshake(t, busName)
		close(handshakeDone)
	}()

	opts := append([]Option{WithTransport(pipeTransport{clientConn}), WithConnectTimeout(2 * time.Second)}, extraOpts...)
	c, err := Connect(context.Background(), opts...)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	<-handshakeDone
	return c, bus
}

func TestConnectPerformsHelloHandshake(t *testing.T) {
	c, _ := dialFakeBus(t, ":1.42")
	defer c.Close()

	if c.AssignedBusName() != ":1.42" {
		t.Errorf("AssignedBusName() = %q, want :1.42", c.AssignedBusName())
	}
	if c.State() != StateActive {
		t.Errorf("State() = %v, want Active", c.State())
	}
}

func TestConnectionSendRequestRoundTrip(t *testing.T) {
	c, bus := dialFakeBus(t, ":1.1")
	defer c.Close()

	go func() {
		h := bus.readCall(t)
		bus.reply(t, h.Serial, []Value{String("pong")})
	}()

	msg, err := NewMethodCall("/test", "Ping").Interface("test.Iface").Destination("test.Dest").Build(c)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reply, err := c.SendRequest(ctx, msg)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if len(reply.Body) != 1 || reply.Body[0] != String("pong") {
		t.Errorf("reply body = %v, want [pong]", reply.Body)
	}
}

func TestConnectionSendRequestSurfacesBusError(t *testing.T) {
	c, bus := dialFakeBus(t, ":1.1")
	defer c.Close()

	go func() {
		h := bus.readCall(t)
		bus.replyError(t, h.Serial, "test.Error.NotFound", "no such object")
	}()

	msg, err := NewMethodCall("/missing", "Do").Interface("test.Iface").Destination("test.Dest").Build(c)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = c.SendRequest(ctx, msg)
	if err == nil {
		t.Fatal("expected an error")
	}
	be, ok := asBusError(err)
	if !ok {
		t.Fatalf("error is %T, want *BusError", err)
	}
	if be.Name != "test.Error.NotFound" || be.Message != "no such object" {
		t.Errorf("unexpected BusError: %+v", be)
	}
}

func TestConnectionSendRequestTimesOut(t *testing.T) {
	c, _ := dialFakeBus(t, ":1.1")
	defer c.Close()

	msg, err := NewMethodCall("/slow", "Do").Interface("test.Iface").Destination("test.Dest").Build(c)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.SendRequest(ctx, msg)
	if err == nil {
		t.Fatal("expected a timeout error, the fake bus never replies")
	}
}

func TestConnectionDeliversSignalsToPipeline(t *testing.T) {
	c, bus := dialFakeBus(t, ":1.1")
	defer c.Close()

	received := make(chan *InboundMessage, 1)
	c.Pipeline().Append(HandlerFunc(func(msg *InboundMessage) bool {
		if msg.IsSignal() {
			received <- msg
			return true
		}
		return false
	}))

	bus.signal(t, "/test", "test.Iface", "Changed", Uint32(7))

	select {
	case msg := <-received:
		if len(msg.Body) != 1 || msg.Body[0] != Uint32(7) {
			t.Errorf("signal body = %v, want [7]", msg.Body)
		}
	case <-time.After(time.Second):
		t.Fatal("signal was not delivered to the pipeline")
	}
}

func TestConnectionClosePreventsFurtherRequests(t *testing.T) {
	c, _ := dialFakeBus(t, ":1.1")
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	msg, err := NewMethodCall("/test", "Ping").Interface("test.Iface").Destination("test.Dest").Build(c)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := c.SendRequest(ctx, msg); err == nil {
		t.Error("expected SendRequest to fail on a closed connection")
	}
}

func TestConnectionSendAndRouteDeliversThroughPipeline(t *testing.T) {
	c, bus := dialFakeBus(t, ":1.1")
	defer c.Close()

	routed := make(chan *InboundMessage, 1)
	c.Pipeline().Append(HandlerFunc(func(msg *InboundMessage) bool {
		if msg.IsMethodReturn() {
			routed <- msg
			return true
		}
		return false
	}))

	msg, err := NewMethodCall("/test", "LongRunning").Interface("test.Iface").Destination("test.Dest").Build(c)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.SendAndRoute(msg); err != nil {
		t.Fatalf("SendAndRoute: %v", err)
	}

	go func() {
		h := bus.readCall(t)
		bus.reply(t, h.Serial, []Value{String("done")})
	}()

	select {
	case reply := <-routed:
		if len(reply.Body) != 1 || reply.Body[0] != String("done") {
			t.Errorf("routed reply body = %v, want [done]", reply.Body)
		}
	case <-time.After(time.Second):
		t.Fatal("SendAndRoute's reply was never delivered to the pipeline")
	}
}

func TestConnectionSendRequestNoReplyExpectedShortCircuits(t *testing.T) {
	c, bus := dialFakeBus(t, ":1.1")
	defer c.Close()

	msg, err := NewMethodCall("/test", "FireAndForget").
		Interface("test.Iface").Destination("test.Dest").
		Flags(FlagNoReplyExpected).
		Build(c)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reply, err := c.SendRequest(ctx, msg)
	if err != nil {
		t.Fatalf("SendRequest with NO_REPLY_EXPECTED returned an error: %v", err)
	}
	if reply != nil {
		t.Errorf("reply = %v, want nil", reply)
	}

	h := bus.readCall(t)
	if h.Serial != msg.Header.Serial {
		t.Errorf("bus observed serial %d, want %d", h.Serial, msg.Header.Serial)
	}
}

func TestConnectionReconnectGivesUpAfterCircuitBreakerTrips(t *testing.T) {
	policy := NewBackoffPolicy(time.Millisecond, 2*time.Millisecond, 1.0, 0, 2)
	c, bus := dialFakeBus(t, ":1.1", WithAutoReconnect(true), WithReconnectPolicy(policy))
	defer c.Close()

	bus.conn.Close()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("connection never reached CLOSED after the circuit breaker tripped, last state %v", c.State())
		default:
		}
		if c.State() == StateClosed {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}
