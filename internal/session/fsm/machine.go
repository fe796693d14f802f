package fsm

import (
	"fmt"
	"sync"
)

// State describes where a device session is in its connect/authenticate
// lifecycle.
type State string

const (
	StateDisconnected          State = "disconnected"
	StateConnecting            State = "connecting"
	StateAwaitingAuthChallenge State = "awaiting_auth_challenge"
	StateAuthenticating        State = "authenticating"
	StateReady                 State = "ready"
	StateClosing               State = "closing"
)

// Machine is a lightweight deterministic session state machine. Only
// StateReady permits outbound traffic.
type Machine struct {
	mu       sync.RWMutex
	state    State
	onChange func(from, to State)
}

// New creates a state machine in StateDisconnected.
func New() *Machine {
	return &Machine{state: StateDisconnected}
}

// OnChange registers a hook invoked after every state change. It runs with
// the machine unlocked.
func (m *Machine) OnChange(fn func(from, to State)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Ready reports whether commands and audio may be sent.
func (m *Machine) Ready() bool {
	return m.State() == StateReady
}

// OnConnectStart moves a disconnected session into connecting.
func (m *Machine) OnConnectStart() error {
	m.mu.Lock()
	if m.state != StateDisconnected {
		current := m.state
		m.mu.Unlock()
		return fmt.Errorf("cannot connect from state %s", current)
	}
	hook := m.setLocked(StateConnecting)
	m.mu.Unlock()
	hook()
	return nil
}

// OnConnectFailed returns a connecting session to disconnected.
func (m *Machine) OnConnectFailed() {
	m.transitionFrom(StateDisconnected, StateConnecting)
}

// OnTransportOpen marks the transport established; the device is expected
// to send an auth challenge next.
func (m *Machine) OnTransportOpen() bool {
	return m.transitionFrom(StateAwaitingAuthChallenge, StateConnecting)
}

// OnAuthChallenge enters authenticating. A challenge is honoured in any
// live state, including ready, so the device may re-authenticate mid-session.
func (m *Machine) OnAuthChallenge() bool {
	return m.transitionFrom(StateAuthenticating, StateAwaitingAuthChallenge, StateAuthenticating, StateReady)
}

// OnAuthSuccess enters ready. It reports false when no authentication was
// pending, so a duplicate success never fires the connect event twice.
func (m *Machine) OnAuthSuccess() bool {
	return m.transitionFrom(StateReady, StateAuthenticating)
}

// OnClosing starts tearing a session down. It reports false if the session
// was already closing or disconnected.
func (m *Machine) OnClosing() bool {
	return m.transitionFrom(StateClosing, StateConnecting, StateAwaitingAuthChallenge, StateAuthenticating, StateReady)
}

// OnClosed completes teardown.
func (m *Machine) OnClosed() {
	m.transition(StateDisconnected)
}

// Force sets state unconditionally.
func (m *Machine) Force(state State) error {
	switch state {
	case StateDisconnected, StateConnecting, StateAwaitingAuthChallenge, StateAuthenticating, StateReady, StateClosing:
		m.transition(state)
		return nil
	default:
		return fmt.Errorf("invalid state: %s", state)
	}
}

func (m *Machine) transitionFrom(to State, from ...State) bool {
	m.mu.Lock()
	allowed := false
	for _, s := range from {
		if m.state == s {
			allowed = true
			break
		}
	}
	if !allowed {
		m.mu.Unlock()
		return false
	}
	hook := m.setLocked(to)
	m.mu.Unlock()
	hook()
	return true
}

func (m *Machine) transition(state State) {
	m.mu.Lock()
	hook := m.setLocked(state)
	m.mu.Unlock()
	hook()
}

func (m *Machine) setLocked(state State) func() {
	from := m.state
	m.state = state
	fn := m.onChange
	if fn == nil || from == state {
		return func() {}
	}
	return func() { fn(from, state) }
}
