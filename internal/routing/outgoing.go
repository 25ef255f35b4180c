package routing

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/crosspoint/crosspoint/internal/backend"
	"github.com/crosspoint/crosspoint/internal/call"
)

// ErrDeclined is returned by a selector that chooses not to handle a call.
// The dispatcher moves on to the next selector.
var ErrDeclined = errors.New("selector declined the call")

// Selector is a policy component that, offered a call and the full set of
// available backends, may pick one and attempt placement through it. The
// attempt is bounded by the context deadline.
type Selector interface {
	ID() string
	PlaceCall(ctx context.Context, c *call.Call, backends map[string]backend.Backend) (backend.Backend, error)
}

// outgoingSink receives the terminal outcome of a dispatch sequence.
type outgoingSink interface {
	outgoingSucceeded(c *call.Call, b backend.Backend)
	outgoingFailed(c *call.Call)
}

// dispatchAttempt tracks one in-flight dispatch sequence for a single call.
type dispatchAttempt struct {
	call    *call.Call
	cancel  context.CancelFunc
	aborted bool
}

// OutgoingDispatcher places one call at a time through an ordered list of
// selectors, accepting the first affirmative outcome. Distinct calls may be
// dispatched concurrently as separate sequences; the switchboard above it
// serializes submission so backends never see concurrent placement requests.
type OutgoingDispatcher struct {
	logger         *slog.Logger
	sink           outgoingSink
	attemptTimeout time.Duration

	mu       sync.Mutex
	attempts map[string]*dispatchAttempt
}

func newOutgoingDispatcher(sink outgoingSink, attemptTimeout time.Duration, logger *slog.Logger) *OutgoingDispatcher {
	return &OutgoingDispatcher{
		logger:         logger.With("subsystem", "outgoing-dispatch"),
		sink:           sink,
		attemptTimeout: attemptTimeout,
		attempts:       make(map[string]*dispatchAttempt),
	}
}

// PlaceCall starts a dispatch sequence for c. Selectors are tried in order
// until one accepts; exhaustion without success is reported as failure.
// Exactly one terminal outcome is delivered per call, and none at all once
// the call has been aborted.
func (d *OutgoingDispatcher) PlaceCall(c *call.Call, backends map[string]backend.Backend, selectors []Selector) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &dispatchAttempt{call: c, cancel: cancel}

	d.mu.Lock()
	if _, exists := d.attempts[c.ID()]; exists {
		d.mu.Unlock()
		cancel()
		d.logger.Error("dispatch already in flight for call", "call_id", c.ID())
		return
	}
	d.attempts[c.ID()] = a
	d.mu.Unlock()

	go d.run(ctx, a, backends, selectors)
}

// Abort cancels any outstanding attempt for c. After Abort returns, no
// outcome callback will fire for the call.
func (d *OutgoingDispatcher) Abort(c *call.Call) {
	d.mu.Lock()
	a := d.attempts[c.ID()]
	if a == nil {
		d.mu.Unlock()
		return
	}
	a.aborted = true
	delete(d.attempts, c.ID())
	d.mu.Unlock()

	a.cancel()
	d.logger.Info("dispatch aborted", "call_id", c.ID())
}

func (d *OutgoingDispatcher) run(ctx context.Context, a *dispatchAttempt, backends map[string]backend.Backend, selectors []Selector) {
	for _, sel := range selectors {
		if ctx.Err() != nil {
			// Aborted mid-sequence; the abort path owns the outcome.
			return
		}

		attemptCtx, cancel := context.WithTimeout(ctx, d.attemptTimeout)
		b, err := sel.PlaceCall(attemptCtx, a.call, backends)
		cancel()

		if err != nil {
			if errors.Is(err, ErrDeclined) {
				d.logger.Debug("selector declined call",
					"call_id", a.call.ID(), "selector", sel.ID())
			} else {
				d.logger.Warn("selector attempt failed",
					"call_id", a.call.ID(), "selector", sel.ID(), "error", err)
			}
			continue
		}
		if b != nil {
			d.logger.Info("call placed",
				"call_id", a.call.ID(), "selector", sel.ID(), "backend", b.ID())
			d.finish(a, b)
			return
		}
	}

	d.logger.Info("all selectors exhausted", "call_id", a.call.ID())
	d.finish(a, nil)
}

// finish delivers the terminal outcome unless the attempt was aborted. The
// aborted check and attempt removal share one critical section with Abort,
// which is what guarantees at most one terminal outcome per call.
func (d *OutgoingDispatcher) finish(a *dispatchAttempt, b backend.Backend) {
	d.mu.Lock()
	if a.aborted {
		d.mu.Unlock()
		return
	}
	delete(d.attempts, a.call.ID())
	d.mu.Unlock()

	if b != nil {
		d.sink.outgoingSucceeded(a.call, b)
	} else {
		d.sink.outgoingFailed(a.call)
	}
}

// inFlight reports the number of active dispatch sequences.
func (d *OutgoingDispatcher) inFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.attempts)
}
