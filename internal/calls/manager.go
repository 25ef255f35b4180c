// Package calls holds the call orchestrator: the top-level entry and exit
// points for incoming and outgoing call flows, validation gating, ringer
// ordering, and the live-call registry.
package calls

import (
	"context"
	"log/slog"
	"time"

	"github.com/crosspoint/crosspoint/internal/backend"
	"github.com/crosspoint/crosspoint/internal/call"
	"github.com/crosspoint/crosspoint/internal/eventloop"
)

// commandTimeout bounds a single in-call backend command (answer, reject,
// hangup) issued off the event loop.
const commandTimeout = 10 * time.Second

// Router hands calls to the routing layer. Implemented by the switchboard.
type Router interface {
	PlaceOutgoingCall(c *call.Call)
	RetrieveIncomingCall(c *call.Call, b backend.Backend, extras map[string]string)
}

// InCallUI is the UI-facing notification channel. All notifications are
// fire-and-forget; no return value is consumed.
type InCallUI interface {
	AddCall(c *call.Call)
	MarkActive(callID string)
	MarkDisconnected(callID string)
	Unbind()
}

// Ringer controls the audible alert for unanswered incoming calls.
type Ringer interface {
	StartRinging(c *call.Call)
	StopRinging()
}

// Snapshot is a read-only view of a live call, safe to hand out off the
// event loop.
type Snapshot struct {
	ID        string           `json:"id"`
	Direction call.Direction   `json:"direction"`
	Handle    string           `json:"handle,omitempty"`
	Contact   call.ContactInfo `json:"contact"`
	State     call.State       `json:"state"`
	BackendID string           `json:"backend_id,omitempty"`
	Age       time.Duration    `json:"age"`
}

// Manager is the call orchestrator. One instance per process, constructed
// explicitly and handed to its collaborators by reference. All state lives
// on the event loop.
type Manager struct {
	logger *slog.Logger
	loop   *eventloop.Loop
	router Router
	ui     InCallUI
	ringer Ringer

	outValidators []OutgoingCallValidator
	inValidators  []IncomingCallValidator

	// Loop-owned state below.

	// calls is the live-call registry, keyed by call ID. Calls are added
	// once successfully placed or retrieved and removed on disconnect.
	calls map[string]*call.Call

	// unanswered keeps incoming calls in arrival order. The head of the
	// list owns the ringer.
	unanswered []*call.Call
}

// NewManager creates the orchestrator. The switchboard's delegate must be
// pointed at the returned manager before any call is submitted.
func NewManager(loop *eventloop.Loop, router Router, ui InCallUI, ringer Ringer, logger *slog.Logger) *Manager {
	return &Manager{
		logger: logger.With("subsystem", "calls"),
		loop:   loop,
		router: router,
		ui:     ui,
		ringer: ringer,
		calls:  make(map[string]*call.Call),
	}
}

// AddOutgoingValidator registers an outgoing-call validator. Validators run
// in registration order; the first rejection drops the call.
func (m *Manager) AddOutgoingValidator(v OutgoingCallValidator) {
	m.outValidators = append(m.outValidators, v)
}

// AddIncomingValidator registers an incoming-call validator.
func (m *Manager) AddIncomingValidator(v IncomingCallValidator) {
	m.inValidators = append(m.inValidators, v)
}

// PlaceCall runs the outgoing validators and, if none object, creates a call
// and hands it to the router. A rejected intent creates no call entity at
// all. Returns the new call ID and whether the intent was accepted.
func (m *Manager) PlaceCall(handle string, contact call.ContactInfo) (string, bool) {
	var (
		id string
		ok bool
	)
	m.loop.Sync(func() {
		for _, v := range m.outValidators {
			if !v.IsValid(handle, contact) {
				m.logger.Info("dropping restricted outgoing call", "handle", handle)
				return
			}
		}

		c := call.New(handle, contact)
		id, ok = c.ID(), true
		m.router.PlaceOutgoingCall(c)
	})
	return id, ok
}

// IncomingCall starts the incoming sequence: a bare call entity is created
// and the router is asked to retrieve its details from the announcing
// backend. Returns the new call ID.
func (m *Manager) IncomingCall(b backend.Backend, extras map[string]string) string {
	c := call.NewIncoming()
	m.loop.Post(func() {
		m.logger.Debug("incoming call announced", "call_id", c.ID(), "backend", b.ID())
		m.router.RetrieveIncomingCall(c, b, extras)
	})
	return c.ID()
}

// OutgoingPlaced is the routing delegate callback for a successfully placed
// outgoing call. Runs on the event loop.
func (m *Manager) OutgoingPlaced(c *call.Call) {
	if st := c.State(); st != call.StateDialing {
		m.logger.Error("placed call in unexpected state", "call_id", c.ID(), "state", st)
		return
	}
	m.addCall(c)
}

// OutgoingFailed is the routing delegate callback for an outgoing call no
// selector could place. The call was never registered; nothing to unwind.
func (m *Manager) OutgoingFailed(c *call.Call) {
	m.logger.Warn("outgoing call failed", "call_id", c.ID(), "handle", c.Handle())
}

// IncomingRetrieved is the routing delegate callback for a retrieved
// incoming call. Validators may still drop it; otherwise it joins the
// registry and the unanswered list, and the ringer starts if it is the only
// unanswered call.
func (m *Manager) IncomingRetrieved(c *call.Call) {
	if st := c.State(); st != call.StateRinging {
		m.logger.Error("retrieved call in unexpected state", "call_id", c.ID(), "state", st)
		return
	}

	for _, v := range m.inValidators {
		if !v.IsValid(c.Handle(), c.Contact()) {
			m.logger.Info("dropping restricted incoming call", "call_id", c.ID())
			return
		}
	}

	m.addCall(c)

	m.unanswered = append(m.unanswered, c)
	if len(m.unanswered) == 1 {
		m.ringer.StartRinging(c)
	}
}

// IncomingFailed is the routing delegate callback for an incoming call whose
// details could not be retrieved. The call never reached the registry.
func (m *Manager) IncomingFailed(c *call.Call) {
	m.logger.Warn("incoming call retrieval failed", "call_id", c.ID())
}

// Answer instructs the backend to answer the given call. The registry is not
// updated until the backend confirms through MarkActive.
func (m *Manager) Answer(callID string) {
	m.loop.Post(func() {
		c, ok := m.calls[callID]
		if !ok {
			m.logger.Warn("request to answer a non-existent call", "call_id", callID)
			return
		}
		m.stopRingingFor(c)
		m.command(c, "answer", c.Answer)
	})
}

// Reject instructs the backend to reject the given call.
func (m *Manager) Reject(callID string) {
	m.loop.Post(func() {
		c, ok := m.calls[callID]
		if !ok {
			m.logger.Warn("request to reject a non-existent call", "call_id", callID)
			return
		}
		m.stopRingingFor(c)
		m.command(c, "reject", c.Reject)
	})
}

// Disconnect instructs the backend to hang up the given call.
func (m *Manager) Disconnect(callID string) {
	m.loop.Post(func() {
		c, ok := m.calls[callID]
		if !ok {
			m.logger.Error("unknown call asked to disconnect", "call_id", callID)
			return
		}
		m.command(c, "disconnect", c.Disconnect)
	})
}

// MarkRinging records a backend report that the call is ringing.
func (m *Manager) MarkRinging(callID string) {
	m.loop.Post(func() { m.setCallState(callID, call.StateRinging) })
}

// MarkDialing records a backend report that the call is dialing.
func (m *Manager) MarkDialing(callID string) {
	m.loop.Post(func() { m.setCallState(callID, call.StateDialing) })
}

// MarkActive records a backend report that the call is connected, drops it
// from unanswered bookkeeping, and notifies the UI.
func (m *Manager) MarkActive(callID string) {
	m.loop.Post(func() {
		m.setCallState(callID, call.StateActive)
		m.removeFromUnanswered(callID)
		m.ui.MarkActive(callID)
	})
}

// MarkDisconnected records a backend report that the call has ended: the
// call leaves the registry and unanswered bookkeeping, its backend binding
// is cleared, and the UI is told — including to unbind entirely when no live
// calls remain.
func (m *Manager) MarkDisconnected(callID string) {
	m.loop.Post(func() {
		m.setCallState(callID, call.StateDisconnected)
		m.removeFromUnanswered(callID)

		c, ok := m.calls[callID]
		if !ok {
			return
		}
		delete(m.calls, callID)

		// The backend has confirmed the disconnect, so it is safe to
		// disassociate the call from it.
		c.ClearBackend()

		m.ui.MarkDisconnected(callID)
		if len(m.calls) == 0 {
			m.ui.Unbind()
		}
	})
}

// ListCalls returns snapshots of all live calls.
func (m *Manager) ListCalls() []Snapshot {
	var out []Snapshot
	m.loop.Sync(func() {
		out = make([]Snapshot, 0, len(m.calls))
		for _, c := range m.calls {
			out = append(out, snapshot(c))
		}
	})
	return out
}

// GetCall returns a snapshot of one live call.
func (m *Manager) GetCall(callID string) (Snapshot, bool) {
	var (
		snap Snapshot
		ok   bool
	)
	m.loop.Sync(func() {
		c, found := m.calls[callID]
		if found {
			snap, ok = snapshot(c), true
		}
	})
	return snap, ok
}

// ActiveCallCount returns the number of live calls. Used by metrics.
func (m *Manager) ActiveCallCount() int {
	var n int
	m.loop.Sync(func() { n = len(m.calls) })
	return n
}

// addCall puts c in the live-call registry and notifies the UI.
func (m *Manager) addCall(c *call.Call) {
	m.calls[c.ID()] = c
	m.ui.AddCall(c)
}

// setCallState is the shared state-update path: no-op for an unknown call or
// when the requested state equals the current one, so repeated reports have
// no observable side effect.
func (m *Manager) setCallState(callID string, newState call.State) {
	c, ok := m.calls[callID]
	if !ok {
		m.logger.Error("state update for unknown call", "call_id", callID, "state", newState)
		return
	}
	if c.State() == newState {
		return
	}

	// The backend is king: accept the reported state even when it does not
	// follow the nominal ordering.
	c.SetState(newState)
	m.logger.Debug("call state updated", "call_id", callID, "state", newState)
}

// removeFromUnanswered drops the call from the unanswered-incoming list and
// retargets the ringer: stopped when the list empties, restarted for the new
// head otherwise. Safe to call for calls not in the list.
func (m *Manager) removeFromUnanswered(callID string) {
	for i, c := range m.unanswered {
		if c.ID() != callID {
			continue
		}
		m.unanswered = append(m.unanswered[:i], m.unanswered[i+1:]...)
		if len(m.unanswered) == 0 {
			m.ringer.StopRinging()
		} else {
			m.ringer.StartRinging(m.unanswered[0])
		}
		return
	}
}

// stopRingingFor silences the ringer if c currently owns it, without
// touching the unanswered list. Used when answering or rejecting: the list
// entry is removed later, once the backend confirms the state change.
func (m *Manager) stopRingingFor(c *call.Call) {
	if len(m.unanswered) > 0 && m.unanswered[0] == c {
		m.ringer.StopRinging()
	}
}

// command runs a backend command off the loop so network latency never
// stalls call orchestration. Failures are logged; the backend's subsequent
// state reports are the source of truth.
func (m *Manager) command(c *call.Call, name string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			m.logger.Error("call command failed", "call_id", c.ID(), "command", name, "error", err)
		}
	}()
}

func snapshot(c *call.Call) Snapshot {
	s := Snapshot{
		ID:        c.ID(),
		Direction: c.Direction(),
		Handle:    c.Handle(),
		Contact:   c.Contact(),
		State:     c.State(),
		Age:       c.Age(),
	}
	if b := c.Backend(); b != nil {
		s.BackendID = b.ID()
	}
	return s
}
