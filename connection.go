package dbus

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const (
	busInterface   = "org.freedesktop.DBus"
	busPath        = ObjectPath("/org/freedesktop/DBus")
	busDestination = "org.freedesktop.DBus"
)

// Connection is a client-side D-Bus peer: one authenticated transport,
// driven by a reader goroutine that either resolves a pending method call
// (via Correlator) or hands the message to the Pipeline.
//
// A Connection's Send-side methods may be called from several goroutines
// (application code and pipeline handlers alike): writeMessage serializes
// them behind the blocking sendMu lock, so each message reaches the wire
// whole and in the order the lock was acquired.
type Connection struct {
	cfg Config

	connMu    sync.RWMutex // guards transport/bufR across reconnects
	transport Transport
	bufR      *bufio.Reader
	framer    *Framer
	order     binary.ByteOrder

	correlator *Correlator
	pipeline   *Pipeline
	sm         *stateMachine
	strConv    *stringConverter

	serial  uint32
	busName atomic.Value // string

	sendMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// Connect dials, authenticates, and performs the Hello handshake, returning
// an ACTIVE Connection ready for use.
func Connect(ctx context.Context, opts ...Option) (*Connection, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.autoReconnect && cfg.reconnectPolicy == nil {
		cfg.reconnectPolicy = NewBackoffPolicy(
			DefaultReconnectInitialDelay, DefaultReconnectMaxDelay,
			DefaultReconnectBackoffMultiplier, DefaultReconnectJitter, 0)
	}

	connectCtx := ctx
	var cancelConnect context.CancelFunc
	if cfg.connectTimeout > 0 {
		connectCtx, cancelConnect = context.WithTimeout(ctx, cfg.connectTimeout)
		defer cancelConnect()
	}

	c := &Connection{
		cfg:        cfg,
		framer:     NewFramer(),
		order:      binary.LittleEndian,
		correlator: NewCorrelator(),
		sm:         newStateMachine(),
		strConv:    newStringConverter(cfg.strConvSize),
	}
	c.busName.Store("")

	if !c.sm.Transition(StateConnecting) {
		return nil, newError(KindNotActive, "connect", fmt.Errorf("unexpected initial state"))
	}

	transport, err := c.dial(connectCtx)
	if err != nil {
		c.sm.Transition(StateDisconnected)
		return nil, err
	}
	c.setTransport(transport)

	name, err := c.authenticateAndHello(transport)
	if err != nil {
		transport.Close()
		return nil, err
	}
	c.busName.Store(name)

	if !c.sm.Transition(StateActive) {
		transport.Close()
		return nil, newError(KindNotActive, "connect", fmt.Errorf("unexpected state after hello"))
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.pipeline = NewPipeline(c.ctx, cfg.workerPoolSize)
	c.pipeline.Append(&PeerHandler{MachineID: "", Serials: c, Reply: c.Send})

	lifecycleCh := c.sm.Subscribe()

	c.wg.Add(1)
	go c.readLoop()

	c.wg.Add(1)
	go c.lifecycleLoop(lifecycleCh)

	if cfg.healthCheckEnabled {
		c.wg.Add(1)
		go c.healthCheckLoop()
	}

	cfg.logger.Infof("dbus: connected, assigned name %s", name)
	return c, nil
}

// dial resolves cfg.transport/cfg.addresses (or the well-known bus address
// variables) into a freshly dialed Transport. Used both by Connect and by
// the reconnect loop redialing after a drop.
func (c *Connection) dial(ctx context.Context) (Transport, error) {
	if c.cfg.transport != nil {
		return c.cfg.transport, nil
	}
	addrs := c.cfg.addresses
	if addrs == nil {
		parsed, err := ParseAddresses(SystemBusAddress())
		if err != nil {
			return nil, err
		}
		addrs = parsed
	}
	return DialFirst(ctx, addrs)
}

// authenticateAndHello drives SASL authentication and the mandatory Hello
// call over transport, advancing the state machine through AUTHENTICATING
// and AWAITING_HELLO. It leaves the Connection in AWAITING_HELLO on success;
// the caller transitions to ACTIVE once it's ready to start the reader.
func (c *Connection) authenticateAndHello(transport Transport) (string, error) {
	if !c.sm.Transition(StateAuthenticating) {
		return "", newError(KindNotActive, "connect", fmt.Errorf("unexpected state before auth"))
	}
	bufR := bufio.NewReaderSize(transport, c.cfg.connReadSize)
	_, fdAgreed, err := Authenticate(transport, bufR, c.cfg.saslMechanisms, c.cfg.allowUnixFD && transport.SupportsUnixFD())
	if err != nil {
		return "", err
	}
	_ = fdAgreed
	c.setBufR(bufR)

	if !c.sm.Transition(StateAwaitingHello) {
		return "", newError(KindNotActive, "connect", fmt.Errorf("unexpected state before hello"))
	}
	return c.sendHello()
}

func (c *Connection) setTransport(t Transport) {
	c.connMu.Lock()
	c.transport = t
	c.connMu.Unlock()
}

func (c *Connection) setBufR(r *bufio.Reader) {
	c.connMu.Lock()
	c.bufR = r
	c.connMu.Unlock()
}

func (c *Connection) currentTransport() Transport {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.transport
}

func (c *Connection) currentBufR() *bufio.Reader {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.bufR
}

// sendHello issues the mandatory Hello call synchronously, before the
// reader goroutine exists, and returns the unique bus name the daemon
// assigned.
func (c *Connection) sendHello() (string, error) {
	msg, err := NewMethodCall(busPath, "Hello").
		Interface(busInterface).
		Destination(busDestination).
		Build(c)
	if err != nil {
		return "", err
	}
	if err := c.writeMessage(msg); err != nil {
		return "", err
	}

	bufR := c.currentBufR()
	h, body, err := c.framer.DecodeMessage(bufR)
	if err != nil {
		return "", err
	}
	values, err := unmarshalBody(c.order, h.BodySignature(), body)
	if err != nil {
		return "", err
	}
	in := &InboundMessage{Header: *h, Body: values}
	if be, ok := in.BusError(); ok {
		return "", be
	}
	if len(values) != 1 {
		return "", newError(KindCorrupted, "hello", fmt.Errorf("expected one string reply, got %d values", len(values)))
	}
	name, ok := values[0].(String)
	if !ok {
		return "", newError(KindCorrupted, "hello", fmt.Errorf("expected STRING reply"))
	}
	return string(name), nil
}

// NextSerial returns the next outbound serial, wrapping past zero since a
// serial of zero is reserved (§3).
func (c *Connection) NextSerial() uint32 {
	for {
		n := atomic.AddUint32(&c.serial, 1)
		if n != 0 {
			return n
		}
	}
}

// AssignedBusName returns the unique name the bus daemon assigned during
// Hello, e.g. ":1.42".
func (c *Connection) AssignedBusName() string {
	return c.busName.Load().(string)
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() State { return c.sm.Current() }

// Subscribe returns a channel fed every lifecycle transition this
// Connection makes, letting a caller build its own health or
// observability logic atop state changes. Call Unsubscribe when done with
// it.
func (c *Connection) Subscribe() chan State { return c.sm.Subscribe() }

// Unsubscribe removes a channel returned by Subscribe.
func (c *Connection) Unsubscribe(ch chan State) { c.sm.Unsubscribe(ch) }

// Pipeline returns the inbound handler chain, so callers can Append their
// own Handlers for signals and incoming method calls.
func (c *Connection) Pipeline() *Pipeline { return c.pipeline }

// writeMessage marshals and writes msg without registering it for a reply;
// the lower-level primitive Send, SendRequest, SendAndRoute and sendHello
// all build on.
func (c *Connection) writeMessage(msg *OutboundMessage) error {
	body, err := marshalBody(c.order, msg.Body)
	if err != nil {
		return err
	}
	raw, err := c.framer.EncodeMessage(&msg.Header, body)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	transport := c.currentTransport()
	if _, err := transport.Write(raw); err != nil {
		return newError(KindTransport, "write message", err)
	}
	if c.pipeline != nil {
		c.pipeline.FireOutbound(msg)
	}
	return nil
}

// Send writes msg to the wire with no reply correlation: signals, and
// replies (MethodReturn/Error) a Handler constructs for an inbound call.
func (c *Connection) Send(msg *OutboundMessage) error {
	if c.State() != StateActive && c.State() != StateDegraded {
		return NotActive
	}
	return c.writeMessage(msg)
}

// SendRequest writes a MethodCall and blocks until its correlated reply
// arrives or the wait times out. The wait is bounded by the configured
// method-call timeout, shortened to ctx's deadline when ctx has an earlier
// one; cancelling ctx without a deadline does not end the wait. A
// well-formed Error reply is returned as a *BusError, not wrapped as a
// transport failure.
//
// A call with FlagNoReplyExpected set completes immediately on a
// successful write: no correlator entry is ever created, since the peer
// isn't expected to answer it.
func (c *Connection) SendRequest(ctx context.Context, msg *OutboundMessage) (*InboundMessage, error) {
	if msg.Header.Type != TypeMethodCall {
		return nil, newError(KindInvalidSignature, "send request", fmt.Errorf("not a method call"))
	}
	if c.State() != StateActive && c.State() != StateDegraded {
		return nil, NotActive
	}

	if msg.Header.Flags.Has(FlagNoReplyExpected) {
		if err := c.writeMessage(msg); err != nil {
			return nil, err
		}
		return nil, nil
	}

	ch := c.correlator.Register(msg.Header.Serial)
	if err := c.writeMessage(msg); err != nil {
		c.correlator.Forget(msg.Header.Serial)
		return nil, err
	}

	timeout := c.cfg.methodCallTimeout
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); timeout <= 0 || d < timeout {
			timeout = d
			if timeout <= 0 {
				timeout = time.Nanosecond // already expired: time out at once
			}
		}
	}

	reply, err := c.correlator.Await(msg.Header.Serial, ch, timeout)
	if err != nil {
		return nil, err
	}
	if be, ok := reply.BusError(); ok {
		return reply, be
	}
	return reply, nil
}

// SendAndRoute writes a MethodCall whose reply should be delivered through
// the Pipeline as an ordinary inbound event, instead of returned
// synchronously to the caller the way SendRequest does. It's for callers
// that issue a call and move on, picking the reply up later from a Handler
// keyed on REPLY_SERIAL — e.g. a request/response protocol layered on top
// of D-Bus signals and calls that doesn't want to block a goroutine per
// outstanding call.
func (c *Connection) SendAndRoute(msg *OutboundMessage) error {
	if msg.Header.Type != TypeMethodCall {
		return newError(KindInvalidSignature, "send and route", fmt.Errorf("not a method call"))
	}
	if c.State() != StateActive && c.State() != StateDegraded {
		return NotActive
	}
	if msg.Header.Flags.Has(FlagNoReplyExpected) {
		return c.writeMessage(msg)
	}

	c.correlator.MarkRouted(msg.Header.Serial)
	if err := c.writeMessage(msg); err != nil {
		c.correlator.ConsumeRouted(msg.Header.Serial)
		return err
	}
	return nil
}

// readLoop decodes frames until the transport closes or fails, routing each
// to the Correlator first and the Pipeline otherwise.
func (c *Connection) readLoop() {
	defer c.wg.Done()
	for {
		bufR := c.currentBufR()
		h, body, err := c.framer.DecodeMessage(bufR)
		if err != nil {
			c.handleReadError(err)
			return
		}
		values, err := unmarshalBody(c.order, h.BodySignature(), body)
		if err != nil {
			c.cfg.logger.Errorf("dbus: dropping malformed message: %v", err)
			continue
		}
		in := &InboundMessage{Header: *h, Body: values}

		if in.IsMethodReturn() || in.IsError() {
			if c.correlator.Resolve(in) {
				continue
			}
			if replySerial, ok := h.ReplySerial(); ok && c.correlator.ConsumeRouted(replySerial) {
				c.pipeline.Dispatch(in)
				continue
			}
			c.cfg.logger.Infof("dbus: discarding unsolicited reply for serial %d", h.Serial)
			continue
		}
		c.pipeline.Dispatch(in)
	}
}

func (c *Connection) handleReadError(err error) {
	c.correlator.Close()
	if c.State() == StateClosing || c.State() == StateClosed {
		return
	}
	if c.cfg.autoReconnect {
		c.sm.Transition(StateDegraded)
		c.cfg.logger.Errorf("dbus: connection degraded: %v", err)
	} else {
		c.sm.Transition(StateClosing)
		c.cfg.logger.Errorf("dbus: connection closed: %v", err)
	}
}

// lifecycleLoop is the sole subscriber that observes every state
// transition in order, translating them into Pipeline activation events
// and, when auto-reconnect is enabled, into reconnection attempts. It
// fires FireActive/FireInactive exactly once per activation cycle, which
// can repeat across however many DEGRADED-to-ACTIVE reconnects happen
// over the Connection's lifetime.
func (c *Connection) lifecycleLoop(ch chan State) {
	defer c.wg.Done()
	defer c.sm.Unsubscribe(ch)

	wasActive := true // Connect already transitioned to ACTIVE before subscribing
	c.pipeline.FireActive()

	for {
		select {
		case <-c.ctx.Done():
			if wasActive {
				c.pipeline.FireInactive()
			}
			return
		case s, ok := <-ch:
			if !ok {
				return
			}
			switch s {
			case StateActive:
				if !wasActive {
					wasActive = true
					c.pipeline.FireActive()
				}
			case StateDegraded:
				if wasActive {
					wasActive = false
					c.pipeline.FireInactive()
				}
				if c.cfg.autoReconnect {
					// attemptReconnect blocks this goroutine, so the
					// buffered(1) channel can only hold the first of
					// however many transitions it drives; drain the
					// stale backlog rather than replay it as events.
					drainStateChannel(ch)
					reconnected := c.attemptReconnect()
					drainStateChannel(ch)
					if reconnected {
						wasActive = true
						c.pipeline.FireActive()
					}
				}
			case StateClosing, StateClosed:
				if wasActive {
					wasActive = false
					c.pipeline.FireInactive()
				}
				return
			}
		}
	}
}

// drainStateChannel discards any backlog on ch without blocking.
func drainStateChannel(ch chan State) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

// attemptReconnect redials, re-authenticates, and re-Hellos, consulting
// ReconnectPolicy for backoff between tries, and reports whether it
// succeeded. It gives up — closing the connection — once the policy's
// circuit breaker trips.
func (c *Connection) attemptReconnect() bool {
	policy := c.cfg.reconnectPolicy
	if policy == nil {
		return false
	}

	for attempt := 1; ; attempt++ {
		delay, ok := policy.NextDelay(attempt)
		if !ok {
			c.cfg.logger.Errorf("dbus: reconnect circuit breaker open after %d attempts, giving up", attempt-1)
			go c.Close()
			return false
		}
		select {
		case <-c.ctx.Done():
			return false
		case <-time.After(delay):
		}
		if c.State() != StateDegraded {
			return false // closed, or someone else already reconnected
		}

		if err := c.reconnectOnce(); err != nil {
			c.cfg.logger.Errorf("dbus: reconnect attempt %d failed: %v", attempt, err)
			c.sm.Transition(StateDegraded)
			continue
		}
		policy.Reset()
		c.cfg.logger.Infof("dbus: reconnected, assigned name %s", c.AssignedBusName())
		return true
	}
}

func (c *Connection) reconnectOnce() error {
	if !c.sm.Transition(StateConnecting) {
		return newError(KindNotActive, "reconnect", fmt.Errorf("unexpected state before redial"))
	}
	if old := c.currentTransport(); old != nil {
		old.Close()
	}
	dialCtx := c.ctx
	if c.cfg.connectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(c.ctx, c.cfg.connectTimeout)
		defer cancel()
	}
	transport, err := c.dial(dialCtx)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	c.setTransport(transport)
	c.sendMu.Unlock()

	name, err := c.authenticateAndHello(transport)
	if err != nil {
		transport.Close()
		return err
	}
	c.busName.Store(name)

	if !c.sm.Transition(StateActive) {
		transport.Close()
		return newError(KindNotActive, "reconnect", fmt.Errorf("unexpected state after hello"))
	}

	c.wg.Add(1)
	go c.readLoop()
	return nil
}

// healthCheckLoop periodically calls Peer.Ping while ACTIVE, moving the
// connection to DEGRADED after too many consecutive failures.
func (c *Connection) healthCheckLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.healthCheckInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}
		if c.State() != StateActive {
			continue
		}
		msg, err := NewMethodCall(busPath, memberPing).Interface(peerInterface).Destination(busDestination).Build(c)
		if err != nil {
			continue
		}
		reqCtx, cancel := context.WithTimeout(c.ctx, c.cfg.healthCheckInterval)
		_, err = c.SendRequest(reqCtx, msg)
		cancel()
		if err != nil {
			failures++
			c.cfg.logger.Errorf("dbus: health check failed (%d/%d): %v", failures, c.cfg.maxHealthFailures, err)
			if failures >= c.cfg.maxHealthFailures {
				c.sm.Transition(StateDegraded)
				failures = 0
			}
			continue
		}
		failures = 0
	}
}

// Close shuts the connection down: stops accepting new work, waits up to
// the configured close timeout for in-flight pipeline handlers to finish,
// then closes the transport.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		if !c.sm.Transition(StateClosing) {
			// already past Active/Degraded (e.g. never finished connecting);
			// fall through to release resources regardless.
		}
		c.correlator.Close()
		if c.cancel != nil {
			c.cancel()
		}

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			if c.pipeline != nil {
				c.pipeline.Wait()
			}
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(c.cfg.closeTimeout):
			c.cfg.logger.Errorf("dbus: close timed out waiting for handlers to drain")
		}

		if transport := c.currentTransport(); transport != nil {
			c.closeErr = transport.Close()
		}
		c.sm.Transition(StateClosed)
	})
	return c.closeErr
}
