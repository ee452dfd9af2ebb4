package dbus

import (
	"testing"
	"time"
)

func TestCorrelatorResolveDeliversToAwait(t *testing.T) {
	c := NewCorrelator()
	ch := c.Register(7)

	reply := &InboundMessage{Header: Header{
		Type:   TypeMethodReturn,
		Fields: []HeaderField{{Code: FieldReplySerial, Value: Uint32(7)}},
	}}
	if !c.Resolve(reply) {
		t.Fatal("Resolve returned false for a registered serial")
	}

	got, err := c.Await(7, ch, time.Second)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if got != reply {
		t.Error("Await returned a different message than was resolved")
	}
}

func TestCorrelatorResolveUnknownSerial(t *testing.T) {
	c := NewCorrelator()
	reply := &InboundMessage{Header: Header{
		Type:   TypeMethodReturn,
		Fields: []HeaderField{{Code: FieldReplySerial, Value: Uint32(99)}},
	}}
	if c.Resolve(reply) {
		t.Error("Resolve returned true for a serial nobody registered")
	}
}

func TestCorrelatorResolveMessageWithoutReplySerial(t *testing.T) {
	c := NewCorrelator()
	sig := &InboundMessage{Header: Header{Type: TypeSignal}}
	if c.Resolve(sig) {
		t.Error("Resolve returned true for a message with no REPLY_SERIAL")
	}
}

func TestCorrelatorAwaitTimesOut(t *testing.T) {
	c := NewCorrelator()
	ch := c.Register(3)
	_, err := c.Await(3, ch, 10*time.Millisecond)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	to, ok := err.(*Timeout)
	if !ok {
		t.Fatalf("error is %T, want *Timeout", err)
	}
	if to.Serial != 3 {
		t.Errorf("Timeout.Serial = %d, want 3", to.Serial)
	}
}

func TestCorrelatorCloseFailsPending(t *testing.T) {
	c := NewCorrelator()
	ch := c.Register(1)
	c.Close()
	_, err := c.Await(1, ch, time.Second)
	if err != Closed {
		t.Errorf("Await after Close = %v, want Closed", err)
	}
}

func TestCorrelatorRegisterAfterCloseIsClosed(t *testing.T) {
	c := NewCorrelator()
	c.Close()
	ch := c.Register(5)
	if _, ok := <-ch; ok {
		t.Error("Register after Close should return an already-closed channel")
	}
}

func TestCorrelatorMarkRoutedConsumedOnce(t *testing.T) {
	c := NewCorrelator()
	c.MarkRouted(9)
	if !c.ConsumeRouted(9) {
		t.Fatal("ConsumeRouted returned false for a marked serial")
	}
	if c.ConsumeRouted(9) {
		t.Error("ConsumeRouted returned true a second time for the same serial")
	}
}

func TestCorrelatorConsumeRoutedUnknownSerial(t *testing.T) {
	c := NewCorrelator()
	if c.ConsumeRouted(42) {
		t.Error("ConsumeRouted returned true for a serial nobody marked")
	}
}

func TestCorrelatorCloseClearsRouted(t *testing.T) {
	c := NewCorrelator()
	c.MarkRouted(2)
	c.Close()
	if c.ConsumeRouted(2) {
		t.Error("ConsumeRouted returned true for a routed serial after Close")
	}
}

func TestCorrelatorForgetDropsRegistration(t *testing.T) {
	c := NewCorrelator()
	ch := c.Register(4)
	c.Forget(4)
	reply := &InboundMessage{Header: Header{
		Type:   TypeMethodReturn,
		Fields: []HeaderField{{Code: FieldReplySerial, Value: Uint32(4)}},
	}}
	if c.Resolve(reply) {
		t.Error("Resolve should fail for a forgotten serial")
	}
	select {
	case <-ch:
		t.Error("channel should not receive after Forget")
	default:
	}
}
