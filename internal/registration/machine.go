// Package registration implements the per-identity registration state
// machine for servers and proxies.
//
// One Machine instance exists per identity. Transitions are serialized by a
// mutex; listeners are notified after the mutex is released so observers can
// never deadlock or abort a transition.
package registration

import (
	"log/slog"
	"sync"
	"time"
)

// State is the registration state of an identity.
type State int

const (
	Unregistered State = iota
	Registering
	Registered
	Failed
	Disconnected
	ReRegistering
	Deregistering
)

// String returns the canonical wire representation of a state.
func (s State) String() string {
	switch s {
	case Unregistered:
		return "UNREGISTERED"
	case Registering:
		return "REGISTERING"
	case Registered:
		return "REGISTERED"
	case Failed:
		return "FAILED"
	case Disconnected:
		return "DISCONNECTED"
	case ReRegistering:
		return "RE_REGISTERING"
	case Deregistering:
		return "DEREGISTERING"
	default:
		return "UNKNOWN"
	}
}

// validTransitions is the full permitted transition set. Anything absent
// here is rejected.
var validTransitions = map[State][]State{
	Unregistered:  {Registering},
	Registering:   {Registered, Failed},
	Registered:    {Disconnected, Deregistering, ReRegistering},
	Disconnected:  {ReRegistering},
	ReRegistering: {Registered, Failed},
	Failed:        {Registering},
	Deregistering: {Unregistered},
}

// historySize bounds the transition journal attached to each machine.
const historySize = 10

// DefaultWatchdogTimeout is how long a machine may sit in REGISTERING
// before it is forced to FAILED.
const DefaultWatchdogTimeout = 30 * time.Second

// TransitionEvent records one observed transition for debugging.
type TransitionEvent struct {
	From      State
	To        State
	Timestamp time.Time
	Reason    string
	Err       error
}

// Listener is notified after every successful transition. Listeners run
// outside the machine lock; panics are recovered and logged.
type Listener func(from, to State, reason string)

// Machine is a mutex-guarded registration state machine with a bounded
// transition journal and an automatic REGISTERING watchdog.
type Machine struct {
	mu sync.Mutex

	identity string
	state    State

	// Ring journal of the last historySize transitions.
	history [historySize]TransitionEvent
	histPos int
	histLen int

	listeners []Listener

	watchdog        *time.Timer
	watchdogTimeout time.Duration
}

// NewMachine creates a machine in UNREGISTERED for the given identity label.
// The label is only used for logging; it may be a tempId until registration
// completes.
func NewMachine(identity string) *Machine {
	return &Machine{
		identity:        identity,
		state:           Unregistered,
		watchdogTimeout: DefaultWatchdogTimeout,
	}
}

// SetWatchdogTimeout overrides the REGISTERING watchdog duration. Must be
// called before entering REGISTERING to take effect.
func (m *Machine) SetWatchdogTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchdogTimeout = d
}

// SetIdentity updates the logging label, typically once the registry has
// assigned a permanent id.
func (m *Machine) SetIdentity(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identity = id
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsActive reports whether the identity is fully registered.
func (m *Machine) IsActive() bool {
	return m.State() == Registered
}

// AddStateChangeListener registers a listener for successful transitions.
func (m *Machine) AddStateChangeListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// TransitionTo attempts a transition to the target state. It returns false
// with no side effect if the transition is not permitted from the current
// state. Concurrent callers race; the loser observes false.
func (m *Machine) TransitionTo(to State, reason string, errs ...error) bool {
	m.mu.Lock()

	from := m.state
	if !allowed(from, to) {
		m.mu.Unlock()
		slog.Debug("[Registration] Transition rejected",
			"identity", m.identity, "from", from.String(), "to", to.String(), "reason", reason)
		return false
	}

	var cause error
	if len(errs) > 0 {
		cause = errs[0]
	}
	m.record(TransitionEvent{
		From:      from,
		To:        to,
		Timestamp: time.Now(),
		Reason:    reason,
		Err:       cause,
	})
	m.state = to

	// The watchdog guards REGISTERING only. Leaving by any path cancels it.
	if from == Registering && m.watchdog != nil {
		m.watchdog.Stop()
		m.watchdog = nil
	}
	if to == Registering {
		m.armWatchdogLocked()
	}

	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	slog.Info("[Registration] State changed",
		"identity", m.identity, "from", from.String(), "to", to.String(), "reason", reason)

	// Listener notifications run out-of-lock so they cannot block or abort
	// subsequent transitions.
	for _, l := range listeners {
		go notify(l, from, to, reason)
	}
	return true
}

// Reset forces a direct jump to UNREGISTERED and clears the journal except
// for the reset event itself.
func (m *Machine) Reset(reason string) {
	m.mu.Lock()

	from := m.state
	if m.watchdog != nil {
		m.watchdog.Stop()
		m.watchdog = nil
	}
	m.histPos = 0
	m.histLen = 0
	m.record(TransitionEvent{
		From:      from,
		To:        Unregistered,
		Timestamp: time.Now(),
		Reason:    reason,
	})
	m.state = Unregistered

	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	slog.Info("[Registration] Reset", "identity", m.identity, "from", from.String(), "reason", reason)
	for _, l := range listeners {
		go notify(l, from, Unregistered, reason)
	}
}

// History returns the journaled transitions, oldest first.
func (m *Machine) History() []TransitionEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]TransitionEvent, 0, m.histLen)
	start := m.histPos - m.histLen
	if start < 0 {
		start += historySize
	}
	for i := 0; i < m.histLen; i++ {
		out = append(out, m.history[(start+i)%historySize])
	}
	return out
}

// LastError returns the error attached to the most recent transition that
// carried one, or nil.
func (m *Machine) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := m.histPos - m.histLen
	if start < 0 {
		start += historySize
	}
	for i := m.histLen - 1; i >= 0; i-- {
		if err := m.history[(start+i)%historySize].Err; err != nil {
			return err
		}
	}
	return nil
}

func (m *Machine) record(ev TransitionEvent) {
	m.history[m.histPos] = ev
	m.histPos = (m.histPos + 1) % historySize
	if m.histLen < historySize {
		m.histLen++
	}
}

// armWatchdogLocked schedules the automatic REGISTERING → FAILED transition.
// Caller holds m.mu.
func (m *Machine) armWatchdogLocked() {
	timeout := m.watchdogTimeout
	m.watchdog = time.AfterFunc(timeout, func() {
		// TransitionTo re-checks the current state under the lock, so a
		// stale timer that lost the race to Stop is harmless.
		m.TransitionTo(Failed, "registration watchdog expired", ErrRegistrationTimeout)
	})
}

func allowed(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func notify(l Listener, from, to State, reason string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("[Registration] Listener panic", "from", from.String(), "to", to.String(), "panic", r)
		}
	}()
	l(from, to, reason)
}
