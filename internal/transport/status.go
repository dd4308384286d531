package transport

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/hostlink/internal/bus"
)

// State represents one host channel's runtime state.
type State string

const (
	Booting      State = "BOOTING"
	Connecting   State = "CONNECTING"
	Ready        State = "READY"
	Reconnecting State = "RECONNECTING"
	Closed       State = "CLOSED"
	Error        State = "ERROR"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:      {Connecting, Closed, Error},
	Connecting:   {Ready, Reconnecting, Closed, Error},
	Ready:        {Reconnecting, Closed, Error},
	Reconnecting: {Connecting, Ready, Closed, Error},
	Error:        {Connecting, Closed},
	Closed:       {},
}

// Machine tracks and enforces channel state transitions for one host.
type Machine struct {
	mu      sync.RWMutex
	hostID  string
	current State
	bus     *bus.Bus
}

// NewMachine creates a state machine for hostID starting in Booting state.
func NewMachine(hostID string, b *bus.Bus) *Machine {
	return &Machine{
		hostID:  hostID,
		current: Booting,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "transport.status_changed",
			Timestamp: time.Now(),
			Payload: StatusChange{
				HostID: m.hostID,
				From:   from,
				To:     to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for channel status change events.
type StatusChange struct {
	HostID string
	From   State
	To     State
}
