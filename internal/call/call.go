package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State represents the lifecycle state of a call.
type State string

const (
	StateNew          State = "new"
	StateRinging      State = "ringing"
	StateDialing      State = "dialing"
	StateActive       State = "active"
	StateDisconnected State = "disconnected"
)

// ErrAlreadyBound is returned when binding a call that still has a backend
// association. The prior association must be cleared first.
var ErrAlreadyBound = errors.New("call already bound to a backend")

// ErrNoBackend is returned when an operation requires a backend binding and
// the call has none.
var ErrNoBackend = errors.New("call has no backend")

// ContactInfo describes the remote party of a call.
type ContactInfo struct {
	// DisplayName is the human-readable name of the contact, if known.
	DisplayName string `json:"display_name,omitempty"`

	// Organization is the contact's organization, if known.
	Organization string `json:"organization,omitempty"`
}

// Direction is the call direction, fixed at creation.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// Backend is the slice of a call-handling backend a call talks to directly
// once bound: in-call commands addressed by call ID.
type Backend interface {
	ID() string
	Answer(ctx context.Context, callID string) error
	Reject(ctx context.Context, callID string) error
	Hangup(ctx context.Context, callID string) error
}

// Call is the central call entity: identity, destination handle, contact
// metadata, lifecycle state, and at most one backend association.
//
// The state machine is deliberately permissive: the backend is the
// authoritative source of truth, so any requested transition is accepted
// even when it does not follow the nominal ordering. Queue membership and
// side effects are the orchestration layer's concern, not the entity's.
type Call struct {
	id        string
	direction Direction
	createdAt time.Time

	mu      sync.Mutex
	handle  string
	contact ContactInfo
	state   State
	backend Backend
}

// New creates an outgoing call to the given handle.
func New(handle string, contact ContactInfo) *Call {
	return &Call{
		id:        uuid.NewString(),
		direction: DirectionOutgoing,
		createdAt: time.Now(),
		handle:    handle,
		contact:   contact,
		state:     StateNew,
	}
}

// NewIncoming creates a bare incoming call. The handle and contact info are
// not yet known; they are filled in once the backend supplies call details.
func NewIncoming() *Call {
	return &Call{
		id:        uuid.NewString(),
		direction: DirectionIncoming,
		createdAt: time.Now(),
		state:     StateNew,
	}
}

// ID returns the immutable unique call ID.
func (c *Call) ID() string { return c.id }

// Direction returns the call direction.
func (c *Call) Direction() Direction { return c.direction }

// Handle returns the destination handle. Empty for incoming calls whose
// details have not been retrieved yet.
func (c *Call) Handle() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

// SetHandle records the destination handle once known.
func (c *Call) SetHandle(handle string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handle = handle
}

// Contact returns the contact metadata for the remote party.
func (c *Call) Contact() ContactInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.contact
}

// SetContact records the contact metadata once known.
func (c *Call) SetContact(contact ContactInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contact = contact
}

// State returns the last reported call state.
func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetState records the given state unconditionally. The backend's report is
// authoritative, so no transition ordering is enforced here.
func (c *Call) SetState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// Age returns the wall-clock time elapsed since the call was created. Used
// for expiry decisions only.
func (c *Call) Age() time.Duration {
	return time.Since(c.createdAt)
}

// Bind associates the call with a backend. A call has at most one backend at
// a time; rebinding without clearing the prior association is an error.
func (c *Call) Bind(b Backend) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backend != nil {
		return ErrAlreadyBound
	}
	c.backend = b
	return nil
}

// ClearBackend drops the backend association, if any.
func (c *Call) ClearBackend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backend = nil
}

// Backend returns the bound backend, or nil if the call is unbound.
func (c *Call) Backend() Backend {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backend
}

// Answer asks the bound backend to answer the call.
func (c *Call) Answer(ctx context.Context) error {
	b := c.Backend()
	if b == nil {
		return ErrNoBackend
	}
	return b.Answer(ctx, c.id)
}

// Reject asks the bound backend to reject the call.
func (c *Call) Reject(ctx context.Context) error {
	b := c.Backend()
	if b == nil {
		return ErrNoBackend
	}
	return b.Reject(ctx, c.id)
}

// Disconnect asks the bound backend to hang up the call.
func (c *Call) Disconnect(ctx context.Context) error {
	b := c.Backend()
	if b == nil {
		return ErrNoBackend
	}
	return b.Hangup(ctx, c.id)
}
