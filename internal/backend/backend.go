package backend

import (
	"context"

	"github.com/crosspoint/crosspoint/internal/call"
)

// Descriptor identifies a call-handling backend: an opaque ID plus the
// provisioning attributes needed to reach it. Produced by directory lookups;
// consumers treat it as a capability token, not as owned state.
type Descriptor struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Address  string `json:"address"`
	Priority int    `json:"priority"`
}

// CallDetails is what a backend reports about an incoming call when asked
// for its full particulars.
type CallDetails struct {
	Handle  string
	Contact call.ContactInfo
}

// Backend is a pluggable call-handling implementation. Place and Retrieve
// are the negotiation entry points used during dispatch; the embedded
// call.Backend methods drive an established call. Close releases the remote
// capability and is invoked exclusively by the lease tracker.
//
// All methods may be called from goroutines outside the coordinator's event
// loop and must be safe for concurrent use.
type Backend interface {
	call.Backend

	// Descriptor returns the descriptor this backend was opened from.
	Descriptor() Descriptor

	// Place attempts to place an outgoing call to handle. It returns once
	// the backend has accepted the call for dialing; progress past that
	// point is reported asynchronously through the backend's status sink.
	Place(ctx context.Context, callID, handle string) error

	// Retrieve fetches the full details of an incoming call previously
	// announced by this backend, using the opaque extras from the
	// announcement to correlate.
	Retrieve(ctx context.Context, callID string, extras map[string]string) (*CallDetails, error)

	// Close tears down the remote capability. Called only by the lease
	// tracker once the backend is no longer referenced.
	Close() error
}
