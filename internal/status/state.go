package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/bluetail-im/bluetail/internal/bus"
)

// State represents the push-channel connection state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
	Failed       State = "FAILED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Reconnecting, Failed},
	Connected:    {Reconnecting, Disconnected},
	Reconnecting: {Connecting, Connected, Failed, Disconnected},
	Failed:       {Connecting, Disconnected},
}

// Machine tracks and enforces push-channel state transitions, publishing
// socket.connected / socket.disconnected on the bus so interested parties
// (the timeline poll driver in particular) can gate on channel health.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// IsConnected reports whether the push channel is currently healthy.
func (m *Machine) IsConnected() bool {
	return m.Current() == Connected
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	from := m.current
	m.current = to
	m.mu.Unlock()

	if m.bus != nil {
		switch {
		case to == Connected:
			m.bus.Emit(bus.KindSocketConnected, StatusChange{From: from, To: to})
		case from == Connected:
			m.bus.Emit(bus.KindSocketDisconnected, StatusChange{From: from, To: to})
		}
	}
	return nil
}

// StatusChange is the payload for connection change events.
type StatusChange struct {
	From State
	To   State
}
