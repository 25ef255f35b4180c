package sipbe

import (
	"sync"

	"github.com/emiago/sipgo/sip"
)

// dialog tracks the SIP state of one call leg handled by this package.
// Incoming dialogs are created by the server when an INVITE arrives;
// outgoing dialogs are created by a backend once a placement is accepted.
type dialog struct {
	sipCallID string
	callID    string
	incoming  bool

	mu       sync.Mutex
	answered bool

	// Incoming leg.
	inviteReq *sip.Request
	inviteTx  sip.ServerTransaction

	// Outgoing leg.
	req    *sip.Request
	tx     sip.ClientTransaction
	res    *sip.Response
	cancel func()
}

func (d *dialog) setAnswered() {
	d.mu.Lock()
	d.answered = true
	d.mu.Unlock()
}

func (d *dialog) isAnswered() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.answered
}

// registry indexes dialogs by crosspoint call ID and by SIP Call-ID. It is
// shared between the incoming server and the per-backend clients.
type registry struct {
	mu       sync.Mutex
	byCallID map[string]*dialog
	bySIPID  map[string]*dialog
}

func newRegistry() *registry {
	return &registry{
		byCallID: make(map[string]*dialog),
		bySIPID:  make(map[string]*dialog),
	}
}

// add indexes d under its SIP Call-ID and, when set, its call ID.
func (r *registry) add(d *dialog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySIPID[d.sipCallID] = d
	if d.callID != "" {
		r.byCallID[d.callID] = d
	}
}

// associate binds an existing dialog to a crosspoint call ID.
func (r *registry) associate(d *dialog, callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d.callID = callID
	r.byCallID[callID] = d
}

func (r *registry) byCall(callID string) *dialog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byCallID[callID]
}

func (r *registry) bySIP(sipCallID string) *dialog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bySIPID[sipCallID]
}

// remove drops the dialog from both indexes.
func (r *registry) remove(d *dialog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bySIPID, d.sipCallID)
	if d.callID != "" {
		delete(r.byCallID, d.callID)
	}
}
