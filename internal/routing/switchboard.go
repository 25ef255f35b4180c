// Package routing coordinates placement of outgoing calls and retrieval of
// incoming ones across a dynamic set of call-handling backends and policy
// selectors discovered at runtime.
package routing

import (
	"log/slog"
	"time"

	"github.com/crosspoint/crosspoint/internal/backend"
	"github.com/crosspoint/crosspoint/internal/call"
	"github.com/crosspoint/crosspoint/internal/eventloop"
	"github.com/crosspoint/crosspoint/internal/lease"
)

// Repository enumerates remote components (backends or selectors)
// asynchronously. A lookup is time-boxed and may deliver a partial set: slow
// responders are simply absent from the result. Completed results are cached
// by the repository itself, so a fresh cycle can be answered immediately.
type Repository interface {
	InitiateLookup(cycleID int)
}

// RepositoryFunc adapts a function to the Repository interface. Useful when
// the repository is constructed after the switchboard.
type RepositoryFunc func(cycleID int)

func (f RepositoryFunc) InitiateLookup(cycleID int) { f(cycleID) }

// Delegate receives terminal call outcomes from the switchboard. All methods
// are invoked on the event loop.
type Delegate interface {
	OutgoingPlaced(c *call.Call)
	OutgoingFailed(c *call.Call)
	IncomingRetrieved(c *call.Call)
	IncomingFailed(c *call.Call)
}

// Config carries the switchboard's externally supplied timeouts.
type Config struct {
	// TickInterval is the delay between maintenance ticks.
	TickInterval time.Duration

	// NewCallTimeout is the maximum age of a queued outgoing call before
	// it is expired.
	NewCallTimeout time.Duration

	// AttemptTimeout bounds a single selector placement attempt.
	AttemptTimeout time.Duration

	// RetrieveTimeout bounds an incoming-call detail retrieval.
	RetrieveTimeout time.Duration
}

// Stats is a point-in-time snapshot of switchboard counters.
type Stats struct {
	NewQueued   int
	Pending     int
	LookupCycle int
	Placed      uint64
	Failed      uint64
	Expired     uint64
}

// Switchboard owns the discovery lifecycle, the queues of new and pending
// outgoing calls, the maintenance tick, and the expiry policy. All of its
// state lives on the event loop; public methods marshal onto it and return
// immediately.
type Switchboard struct {
	logger *slog.Logger
	loop   *eventloop.Loop
	cfg    Config

	leases       *lease.Tracker
	backendRepo  Repository
	selectorRepo Repository
	outgoing     *OutgoingDispatcher
	incoming     *IncomingRetriever
	delegate     Delegate

	// Loop-owned state below. Never touched off the event loop.
	newOutgoing     []*call.Call
	pendingOutgoing []*call.Call
	backends        map[string]backend.Backend
	selectors       []Selector
	lookupID        int
	ticking         bool

	placedTotal  uint64
	failedTotal  uint64
	expiredTotal uint64
}

// NewSwitchboard creates a switchboard. SetDelegate must be called before
// any call is submitted.
func NewSwitchboard(
	loop *eventloop.Loop,
	leases *lease.Tracker,
	backendRepo Repository,
	selectorRepo Repository,
	cfg Config,
	logger *slog.Logger,
) *Switchboard {
	s := &Switchboard{
		logger:       logger.With("subsystem", "switchboard"),
		loop:         loop,
		cfg:          cfg,
		leases:       leases,
		backendRepo:  backendRepo,
		selectorRepo: selectorRepo,
		backends:     make(map[string]backend.Backend),
	}
	s.outgoing = newOutgoingDispatcher(s, cfg.AttemptTimeout, logger)
	s.incoming = newIncomingRetriever(s, cfg.RetrieveTimeout, logger)
	return s
}

// SetDelegate wires the recipient of terminal call outcomes.
func (s *Switchboard) SetDelegate(d Delegate) {
	s.delegate = d
}

// PlaceOutgoingCall enqueues c and starts a discovery cycle for backends and
// selectors. The call is dispatched once both sets are known and no other
// call is in flight.
func (s *Switchboard) PlaceOutgoingCall(c *call.Call) {
	s.loop.Post(func() { s.placeOutgoingCall(c) })
}

// RetrieveIncomingCall binds c to the announcing backend and asks it for the
// call's full details.
func (s *Switchboard) RetrieveIncomingCall(c *call.Call, b backend.Backend, extras map[string]string) {
	s.loop.Post(func() { s.retrieveIncomingCall(c, b, extras) })
}

// SetBackends replaces the cached backend set with the (possibly partial)
// result of a lookup and attempts to advance queued calls. Intended to be
// invoked by the backend repository exclusively.
func (s *Switchboard) SetBackends(set []backend.Backend) {
	s.loop.Post(func() {
		refs := make([]lease.Ref, 0, len(set))
		for _, b := range set {
			refs = append(refs, b)
		}
		s.leases.UpdateReferences(refs)

		s.backends = make(map[string]backend.Backend, len(set))
		for _, b := range set {
			s.backends[b.ID()] = b
		}
		s.logger.Debug("backend set updated", "count", len(s.backends))
		s.processNewOutgoingCalls()
	})
}

// SetSelectors replaces the cached selector set with the (possibly partial)
// result of a lookup and attempts to advance queued calls. Intended to be
// invoked by the selector repository exclusively. Duplicates are dropped,
// first occurrence wins, order is preserved.
func (s *Switchboard) SetSelectors(set []Selector) {
	s.loop.Post(func() {
		seen := make(map[string]bool, len(set))
		selectors := make([]Selector, 0, len(set))
		for _, sel := range set {
			if seen[sel.ID()] {
				continue
			}
			seen[sel.ID()] = true
			selectors = append(selectors, sel)
		}
		s.selectors = selectors
		s.logger.Debug("selector set updated", "count", len(s.selectors))
		s.processNewOutgoingCalls()
	})
}

// Stats returns a snapshot of the switchboard counters.
func (s *Switchboard) Stats() Stats {
	var st Stats
	s.loop.Sync(func() {
		st = Stats{
			NewQueued:   len(s.newOutgoing),
			Pending:     len(s.pendingOutgoing),
			LookupCycle: s.lookupID,
			Placed:      s.placedTotal,
			Failed:      s.failedTotal,
			Expired:     s.expiredTotal,
		}
	})
	return st
}

func (s *Switchboard) placeOutgoingCall(c *call.Call) {
	s.leases.Acquire()

	// Reset the cached sets before initiating the next lookup: backend and
	// selector availability can change between calls (newly provisioned
	// components, changed settings). A still-running lookup from a previous
	// cycle is harmless — repositories cache completed results and answer
	// the new cycle from that cache.
	s.backends = make(map[string]backend.Backend)
	s.selectors = nil

	if !containsCall(s.newOutgoing, c) {
		s.newOutgoing = append(s.newOutgoing, c)
	}

	s.lookupID++
	s.logger.Info("outgoing call queued, initiating lookup",
		"call_id", c.ID(), "cycle", s.lookupID)
	s.backendRepo.InitiateLookup(s.lookupID)
	s.selectorRepo.InitiateLookup(s.lookupID)

	s.ensureTicking()
}

func (s *Switchboard) retrieveIncomingCall(c *call.Call, b backend.Backend, extras map[string]string) {
	s.logger.Debug("retrieving incoming call", "call_id", c.ID(), "backend", b.ID())
	s.leases.Acquire()

	if err := c.Bind(b); err != nil {
		s.logger.Error("cannot bind incoming call", "call_id", c.ID(), "error", err)
		s.leases.Release()
		s.delegate.IncomingFailed(c)
		return
	}

	s.incoming.Retrieve(c, b, extras)
}

// processNewOutgoingCalls advances at most one call from the new queue into
// the pending queue and submits it for dispatch. Specifically one call at a
// time, so backends are freed from dealing with concurrent placement
// requests.
func (s *Switchboard) processNewOutgoingCalls() {
	if len(s.backends) == 0 || len(s.selectors) == 0 {
		// At least one backend and one selector are required.
		return
	}
	if len(s.pendingOutgoing) > 0 {
		// A dispatch is already in flight.
		return
	}
	if len(s.newOutgoing) == 0 {
		return
	}

	c := s.newOutgoing[0]
	s.newOutgoing = s.newOutgoing[1:]
	s.pendingOutgoing = append(s.pendingOutgoing, c)

	backends := make(map[string]backend.Backend, len(s.backends))
	for id, b := range s.backends {
		backends[id] = b
	}
	selectors := make([]Selector, len(s.selectors))
	copy(selectors, s.selectors)

	s.outgoing.PlaceCall(c, backends, selectors)
}

// outgoingSucceeded is invoked by the dispatcher (off-loop) when a selector
// placed the call through b.
func (s *Switchboard) outgoingSucceeded(c *call.Call, b backend.Backend) {
	s.loop.Post(func() {
		if !s.removePending(c) {
			s.logger.Warn("outcome for call no longer pending", "call_id", c.ID())
			return
		}

		if err := c.Bind(b); err != nil {
			s.logger.Error("cannot bind placed call", "call_id", c.ID(), "error", err)
			s.failedTotal++
			s.delegate.OutgoingFailed(c)
		} else {
			c.SetState(call.StateDialing)
			s.placedTotal++
			s.delegate.OutgoingPlaced(c)
		}

		s.leases.Release()
		s.processNewOutgoingCalls()
	})
}

// outgoingFailed is invoked by the dispatcher (off-loop) when every selector
// declined or failed.
func (s *Switchboard) outgoingFailed(c *call.Call) {
	s.loop.Post(func() {
		if !s.removePending(c) {
			s.logger.Warn("outcome for call no longer pending", "call_id", c.ID())
			return
		}

		s.failedTotal++
		s.delegate.OutgoingFailed(c)
		s.leases.Release()
		s.processNewOutgoingCalls()
	})
}

// incomingRetrieved is invoked by the retriever (off-loop) with the enriched
// call details.
func (s *Switchboard) incomingRetrieved(c *call.Call, details *backend.CallDetails) {
	s.loop.Post(func() {
		c.SetHandle(details.Handle)
		c.SetContact(details.Contact)
		c.SetState(call.StateRinging)
		s.delegate.IncomingRetrieved(c)
		s.leases.Release()
	})
}

// incomingFailed is invoked by the retriever (off-loop). The backend binding
// set up before retrieval is cleared here.
func (s *Switchboard) incomingFailed(c *call.Call) {
	s.loop.Post(func() {
		c.ClearBackend()
		s.delegate.IncomingFailed(c)
		s.leases.Release()
	})
}

// ensureTicking arms the maintenance tick if it is not already running.
func (s *Switchboard) ensureTicking() {
	if s.ticking {
		return
	}
	s.ticking = true
	s.scheduleTick()
}

func (s *Switchboard) scheduleTick() {
	s.loop.PostDelayed(s.cfg.TickInterval, s.tick)
}

// tick expires stale calls from both queues, then re-arms itself only while
// there is outstanding work to watch. Ticks run on the event loop and the
// next tick is scheduled only after the current one completes, so no two
// tick executions ever overlap.
func (s *Switchboard) tick() {
	s.newOutgoing = s.expireStale(s.newOutgoing)
	s.pendingOutgoing = s.expireStale(s.pendingOutgoing)

	if s.isTicking() {
		s.scheduleTick()
	} else {
		s.ticking = false
	}
}

// isTicking reports whether the tick should continue: true while at least
// one outgoing call is waiting to be connected.
func (s *Switchboard) isTicking() bool {
	return len(s.newOutgoing)+len(s.pendingOutgoing) > 0
}

// expireStale evicts calls older than the new-call timeout: each is aborted
// through the dispatcher (a no-op if no attempt is outstanding) and its
// lease permit released.
func (s *Switchboard) expireStale(queue []*call.Call) []*call.Call {
	if len(queue) == 0 {
		return queue
	}

	kept := make([]*call.Call, 0, len(queue))
	for _, c := range queue {
		if c.Age() >= s.cfg.NewCallTimeout {
			s.logger.Info("outgoing call timed out", "call_id", c.ID(), "age", c.Age())
			s.outgoing.Abort(c)
			s.expiredTotal++
			s.leases.Release()
			continue
		}
		kept = append(kept, c)
	}
	return kept
}

// removePending removes c from the pending queue, reporting whether it was
// present. An absent call has already been expired; its outcome is ignored.
func (s *Switchboard) removePending(c *call.Call) bool {
	for i, pc := range s.pendingOutgoing {
		if pc == c {
			s.pendingOutgoing = append(s.pendingOutgoing[:i], s.pendingOutgoing[i+1:]...)
			return true
		}
	}
	return false
}

func containsCall(queue []*call.Call, c *call.Call) bool {
	for _, qc := range queue {
		if qc == c {
			return true
		}
	}
	return false
}
