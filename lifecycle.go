package dbus

import (
	"sync"
)

// State is a Connection's position in its lifecycle, see §4.5.
type State int

// Lifecycle states, in the order a healthy connection passes through them.
const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateAwaitingHello
	StateActive
	StateDegraded
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateAwaitingHello:
		return "AWAITING_HELLO"
	case StateActive:
		return "ACTIVE"
	case StateDegraded:
		return "DEGRADED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// legalTransitions enumerates the lifecycle edges §4.5 permits. A
// transition not listed here is a programming error in this package, not a
// recoverable runtime condition.
// Connecting/Authenticating/AwaitingHello each also permit a direct move to
// Degraded: a reconnect attempt (always starting from Degraded) that fails
// partway through redialing or re-authenticating needs to land back on
// Degraded so the reconnect loop's retry check holds, rather than getting
// stuck in a connecting sub-state no further transition can leave.
var legalTransitions = map[State][]State{
	StateDisconnected:   {StateConnecting},
	StateConnecting:     {StateAuthenticating, StateClosing, StateDisconnected, StateDegraded},
	StateAuthenticating: {StateAwaitingHello, StateClosing, StateDisconnected, StateDegraded},
	StateAwaitingHello:  {StateActive, StateClosing, StateDisconnected, StateDegraded},
	StateActive:         {StateDegraded, StateClosing},
	StateDegraded:       {StateActive, StateClosing, StateConnecting},
	StateClosing:        {StateClosed},
	StateClosed:         {},
}

// stateMachine guards State transitions behind a mutex and notifies
// subscribers (the Connection's lifecycle loop, which drives reconnects, and
// any caller of Connection.Subscribe) of every change.
type stateMachine struct {
	mu    sync.Mutex
	state State
	subs  []chan State
}

func newStateMachine() *stateMachine {
	return &stateMachine{state: StateDisconnected}
}

// Current returns the current state.
func (m *stateMachine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves to next if legal from the current state, returning
// false (and leaving the state unchanged) otherwise.
func (m *stateMachine) Transition(next State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, allowed := range legalTransitions[m.state] {
		if allowed == next {
			m.state = next
			for _, ch := range m.subs {
				select {
				case ch <- next:
				default:
				}
			}
			return true
		}
	}
	return false
}

// Subscribe returns a channel fed every successful transition. The channel
// is buffered by 1 and never closed; callers select on it opportunistically
// (e.g. a health-check loop deciding whether to keep pinging). The
// connection's own reconnect loop is itself a subscriber.
func (m *stateMachine) Subscribe() chan State {
	ch := make(chan State, 1)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Unsubscribe removes a channel previously returned by Subscribe. A no-op
// if ch was already removed or never subscribed.
func (m *stateMachine) Unsubscribe(ch chan State) {
	m.mu.Lock()
	for i, sub := range m.subs {
		if sub == ch {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
}
