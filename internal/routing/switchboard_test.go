package routing

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/crosspoint/crosspoint/internal/backend"
	"github.com/crosspoint/crosspoint/internal/call"
	"github.com/crosspoint/crosspoint/internal/eventloop"
	"github.com/crosspoint/crosspoint/internal/lease"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fakeBackend struct {
	desc backend.Descriptor

	mu       sync.Mutex
	placed   []string
	placeErr error

	retrieveDetails *backend.CallDetails
	retrieveErr     error
}

func newFakeBackend(id string) *fakeBackend {
	return &fakeBackend{desc: backend.Descriptor{ID: id, Name: id}}
}

func (b *fakeBackend) ID() string                    { return b.desc.ID }
func (b *fakeBackend) Descriptor() backend.Descriptor { return b.desc }
func (b *fakeBackend) Close() error                  { return nil }

func (b *fakeBackend) Place(_ context.Context, callID, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.placeErr != nil {
		return b.placeErr
	}
	b.placed = append(b.placed, callID)
	return nil
}

func (b *fakeBackend) Retrieve(_ context.Context, _ string, _ map[string]string) (*backend.CallDetails, error) {
	if b.retrieveErr != nil {
		return nil, b.retrieveErr
	}
	return b.retrieveDetails, nil
}

func (b *fakeBackend) Answer(context.Context, string) error { return nil }
func (b *fakeBackend) Reject(context.Context, string) error { return nil }
func (b *fakeBackend) Hangup(context.Context, string) error { return nil }

// fakeSelector delegates placement to a configurable func.
type fakeSelector struct {
	id    string
	place func(ctx context.Context, c *call.Call, backends map[string]backend.Backend) (backend.Backend, error)
}

func (s *fakeSelector) ID() string { return s.id }

func (s *fakeSelector) PlaceCall(ctx context.Context, c *call.Call, backends map[string]backend.Backend) (backend.Backend, error) {
	return s.place(ctx, c, backends)
}

func acceptVia(id string, b backend.Backend) *fakeSelector {
	return &fakeSelector{id: id, place: func(context.Context, *call.Call, map[string]backend.Backend) (backend.Backend, error) {
		return b, nil
	}}
}

func declining(id string) *fakeSelector {
	return &fakeSelector{id: id, place: func(context.Context, *call.Call, map[string]backend.Backend) (backend.Backend, error) {
		return nil, ErrDeclined
	}}
}

type fakeDelegate struct {
	placed    chan *call.Call
	failed    chan *call.Call
	retrieved chan *call.Call
	inFailed  chan *call.Call
}

func newFakeDelegate() *fakeDelegate {
	return &fakeDelegate{
		placed:    make(chan *call.Call, 8),
		failed:    make(chan *call.Call, 8),
		retrieved: make(chan *call.Call, 8),
		inFailed:  make(chan *call.Call, 8),
	}
}

func (d *fakeDelegate) OutgoingPlaced(c *call.Call)    { d.placed <- c }
func (d *fakeDelegate) OutgoingFailed(c *call.Call)    { d.failed <- c }
func (d *fakeDelegate) IncomingRetrieved(c *call.Call) { d.retrieved <- c }
func (d *fakeDelegate) IncomingFailed(c *call.Call)    { d.inFailed <- c }

func (d *fakeDelegate) expect(t *testing.T, ch chan *call.Call, what string) *call.Call {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return nil
	}
}

type fakeRepo struct {
	mu     sync.Mutex
	cycles []int
}

func (r *fakeRepo) InitiateLookup(cycleID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cycles = append(r.cycles, cycleID)
}

func (r *fakeRepo) lookups() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.cycles...)
}

type harness struct {
	sb       *Switchboard
	leases   *lease.Tracker
	delegate *fakeDelegate
	backends *fakeRepo
	sels     *fakeRepo
	loop     *eventloop.Loop
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	logger := testLogger()

	loop := eventloop.New(logger)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	h := &harness{
		leases:   lease.NewTracker(logger, false),
		delegate: newFakeDelegate(),
		backends: &fakeRepo{},
		sels:     &fakeRepo{},
		loop:     loop,
	}
	h.sb = NewSwitchboard(loop, h.leases, h.backends, h.sels, cfg, logger)
	h.sb.SetDelegate(h.delegate)
	return h
}

func defaultConfig() Config {
	return Config{
		TickInterval:    10 * time.Millisecond,
		NewCallTimeout:  time.Hour,
		AttemptTimeout:  time.Second,
		RetrieveTimeout: time.Second,
	}
}

func TestOutgoingCallPlacedThroughSelector(t *testing.T) {
	h := newHarness(t, defaultConfig())
	b := newFakeBackend("b1")

	c := call.New("0412345678", call.ContactInfo{})
	h.sb.PlaceOutgoingCall(c)
	h.loop.Drain()

	if got := h.backends.lookups(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("backend repo lookups = %v, want [1]", got)
	}
	if got := h.sels.lookups(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("selector repo lookups = %v, want [1]", got)
	}

	h.sb.SetBackends([]backend.Backend{b})
	h.sb.SetSelectors([]Selector{acceptVia("sel", b)})

	placed := h.delegate.expect(t, h.delegate.placed, "outgoing placed")
	if placed != c {
		t.Fatal("placed a different call than submitted")
	}
	if got := c.State(); got != call.StateDialing {
		t.Fatalf("call state = %q, want %q", got, call.StateDialing)
	}
	if c.Backend() == nil || c.Backend().ID() != "b1" {
		t.Fatal("call not bound to the selected backend")
	}

	waitFor(t, "permit release", func() bool { return h.leases.Outstanding() == 0 })
	st := h.sb.Stats()
	if st.Pending != 0 || st.NewQueued != 0 {
		t.Fatalf("queues not drained: %+v", st)
	}
	if st.Placed != 1 {
		t.Fatalf("Placed = %d, want 1", st.Placed)
	}
}

func TestOneDispatchInFlightAtATime(t *testing.T) {
	h := newHarness(t, defaultConfig())
	b := newFakeBackend("b1")

	started := make(chan *call.Call, 2)
	gate := make(chan struct{})
	sel := &fakeSelector{id: "slow", place: func(_ context.Context, c *call.Call, _ map[string]backend.Backend) (backend.Backend, error) {
		started <- c
		<-gate
		return b, nil
	}}

	c1 := call.New("100", call.ContactInfo{})
	c2 := call.New("200", call.ContactInfo{})

	h.sb.PlaceOutgoingCall(c1)
	h.sb.SetBackends([]backend.Backend{b})
	h.sb.SetSelectors([]Selector{sel})

	first := <-started
	if first != c1 {
		t.Fatal("dispatch started with the wrong call")
	}

	// Queue a second call while the first is still in flight. Its lookup
	// resets the cached sets, so feed them again.
	h.sb.PlaceOutgoingCall(c2)
	h.sb.SetBackends([]backend.Backend{b})
	h.sb.SetSelectors([]Selector{sel})
	h.loop.Drain()

	st := h.sb.Stats()
	if st.Pending != 1 || st.NewQueued != 1 {
		t.Fatalf("expected one pending and one queued call, got %+v", st)
	}
	select {
	case <-started:
		t.Fatal("second dispatch started while the first was in flight")
	default:
	}

	// Release the first dispatch; the second must follow.
	gate <- struct{}{}
	h.delegate.expect(t, h.delegate.placed, "first call placed")

	second := <-started
	if second != c2 {
		t.Fatal("second dispatch started with the wrong call")
	}
	gate <- struct{}{}
	h.delegate.expect(t, h.delegate.placed, "second call placed")

	waitFor(t, "permits drained", func() bool { return h.leases.Outstanding() == 0 })
}

func TestOutgoingFailsWhenAllSelectorsDecline(t *testing.T) {
	h := newHarness(t, defaultConfig())
	b := newFakeBackend("b1")

	c := call.New("100", call.ContactInfo{})
	h.sb.PlaceOutgoingCall(c)
	h.sb.SetBackends([]backend.Backend{b})
	h.sb.SetSelectors([]Selector{declining("first"), declining("second")})

	failed := h.delegate.expect(t, h.delegate.failed, "outgoing failed")
	if failed != c {
		t.Fatal("failure reported for a different call")
	}
	if c.Backend() != nil {
		t.Fatal("failed call must not be bound")
	}

	waitFor(t, "permit release", func() bool { return h.leases.Outstanding() == 0 })
	if st := h.sb.Stats(); st.Failed != 1 || st.Placed != 0 {
		t.Fatalf("unexpected counters: %+v", st)
	}
}

func TestSelectorsTriedInOrderFirstAcceptWins(t *testing.T) {
	h := newHarness(t, defaultConfig())
	b := newFakeBackend("b1")

	var mu sync.Mutex
	var tried []string
	record := func(id string) {
		mu.Lock()
		tried = append(tried, id)
		mu.Unlock()
	}

	first := &fakeSelector{id: "first", place: func(context.Context, *call.Call, map[string]backend.Backend) (backend.Backend, error) {
		record("first")
		return nil, ErrDeclined
	}}
	second := &fakeSelector{id: "second", place: func(context.Context, *call.Call, map[string]backend.Backend) (backend.Backend, error) {
		record("second")
		return b, nil
	}}
	third := &fakeSelector{id: "third", place: func(context.Context, *call.Call, map[string]backend.Backend) (backend.Backend, error) {
		record("third")
		return b, nil
	}}

	c := call.New("100", call.ContactInfo{})
	h.sb.PlaceOutgoingCall(c)
	h.sb.SetBackends([]backend.Backend{b})
	h.sb.SetSelectors([]Selector{first, second, third})

	h.delegate.expect(t, h.delegate.placed, "outgoing placed")

	mu.Lock()
	defer mu.Unlock()
	if len(tried) != 2 || tried[0] != "first" || tried[1] != "second" {
		t.Fatalf("selector order = %v, want [first second]", tried)
	}
}

func TestSelectorErrorFallsThroughToNext(t *testing.T) {
	h := newHarness(t, defaultConfig())
	b := newFakeBackend("b1")

	broken := &fakeSelector{id: "broken", place: func(context.Context, *call.Call, map[string]backend.Backend) (backend.Backend, error) {
		return nil, errors.New("backend unreachable")
	}}

	c := call.New("100", call.ContactInfo{})
	h.sb.PlaceOutgoingCall(c)
	h.sb.SetBackends([]backend.Backend{b})
	h.sb.SetSelectors([]Selector{broken, acceptVia("working", b)})

	h.delegate.expect(t, h.delegate.placed, "outgoing placed")
}

func TestDuplicateSelectorsDropped(t *testing.T) {
	h := newHarness(t, defaultConfig())
	b := newFakeBackend("b1")

	var calls int
	var mu sync.Mutex
	sel := &fakeSelector{id: "dup", place: func(context.Context, *call.Call, map[string]backend.Backend) (backend.Backend, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil, ErrDeclined
	}}

	c := call.New("100", call.ContactInfo{})
	h.sb.PlaceOutgoingCall(c)
	h.sb.SetBackends([]backend.Backend{b})
	h.sb.SetSelectors([]Selector{sel, sel, sel})

	h.delegate.expect(t, h.delegate.failed, "outgoing failed")

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("duplicate selector tried %d times, want 1", calls)
	}
}

func TestQueuedCallExpiresAndReleasesPermit(t *testing.T) {
	cfg := defaultConfig()
	cfg.TickInterval = 5 * time.Millisecond
	cfg.NewCallTimeout = 20 * time.Millisecond
	h := newHarness(t, cfg)

	c := call.New("100", call.ContactInfo{})
	h.sb.PlaceOutgoingCall(c)
	// Never deliver backends or selectors: the call must age out of the
	// new queue on its own.

	waitFor(t, "call expiry", func() bool { return h.sb.Stats().Expired == 1 })
	waitFor(t, "permit release", func() bool { return h.leases.Outstanding() == 0 })

	st := h.sb.Stats()
	if st.NewQueued != 0 || st.Pending != 0 {
		t.Fatalf("expired call still queued: %+v", st)
	}
}

func TestStaleOutcomeAfterExpiryIgnored(t *testing.T) {
	cfg := defaultConfig()
	cfg.TickInterval = 5 * time.Millisecond
	cfg.NewCallTimeout = 20 * time.Millisecond
	h := newHarness(t, cfg)
	b := newFakeBackend("b1")

	started := make(chan struct{})
	gate := make(chan struct{})
	sel := &fakeSelector{id: "slow", place: func(context.Context, *call.Call, map[string]backend.Backend) (backend.Backend, error) {
		close(started)
		<-gate
		return b, nil
	}}

	c := call.New("100", call.ContactInfo{})
	h.sb.PlaceOutgoingCall(c)
	h.sb.SetBackends([]backend.Backend{b})
	h.sb.SetSelectors([]Selector{sel})
	<-started

	// Let the call expire while the dispatch hangs, then release the
	// selector. The late success must be swallowed.
	waitFor(t, "call expiry", func() bool { return h.sb.Stats().Expired == 1 })
	close(gate)

	time.Sleep(50 * time.Millisecond)
	h.loop.Drain()

	select {
	case <-h.delegate.placed:
		t.Fatal("expired call delivered a success outcome")
	case <-h.delegate.failed:
		t.Fatal("expired call delivered a failure outcome")
	default:
	}
	if got := h.leases.Outstanding(); got != 0 {
		t.Fatalf("Outstanding() = %d, want 0 (exactly one release on expiry)", got)
	}
	if got := h.sb.outgoing.inFlight(); got != 0 {
		t.Fatalf("inFlight() = %d after abort, want 0", got)
	}
}

func TestIncomingCallRetrieved(t *testing.T) {
	h := newHarness(t, defaultConfig())
	b := newFakeBackend("b1")
	b.retrieveDetails = &backend.CallDetails{
		Handle:  "0400000000",
		Contact: call.ContactInfo{DisplayName: "Caller"},
	}

	c := call.NewIncoming()
	h.sb.RetrieveIncomingCall(c, b, map[string]string{"token": "x"})

	got := h.delegate.expect(t, h.delegate.retrieved, "incoming retrieved")
	if got != c {
		t.Fatal("retrieved a different call")
	}
	if c.Handle() != "0400000000" {
		t.Fatalf("Handle() = %q, want the retrieved handle", c.Handle())
	}
	if c.Contact().DisplayName != "Caller" {
		t.Fatalf("Contact() = %+v, want the retrieved contact", c.Contact())
	}
	if c.State() != call.StateRinging {
		t.Fatalf("State() = %q, want %q", c.State(), call.StateRinging)
	}
	if c.Backend() == nil || c.Backend().ID() != "b1" {
		t.Fatal("retrieved call not bound to the announcing backend")
	}
	waitFor(t, "permit release", func() bool { return h.leases.Outstanding() == 0 })
}

func TestIncomingRetrievalFailureClearsBinding(t *testing.T) {
	h := newHarness(t, defaultConfig())
	b := newFakeBackend("b1")
	b.retrieveErr = errors.New("no such dialog")

	c := call.NewIncoming()
	h.sb.RetrieveIncomingCall(c, b, nil)

	got := h.delegate.expect(t, h.delegate.inFailed, "incoming failed")
	if got != c {
		t.Fatal("failure reported for a different call")
	}
	if c.Backend() != nil {
		t.Fatal("failed retrieval left the backend binding in place")
	}
	waitFor(t, "permit release", func() bool { return h.leases.Outstanding() == 0 })
}

func TestIncomingBindConflictFailsFast(t *testing.T) {
	h := newHarness(t, defaultConfig())
	b := newFakeBackend("b1")
	other := newFakeBackend("other")

	c := call.NewIncoming()
	if err := c.Bind(other); err != nil {
		t.Fatalf("Bind() returned %v", err)
	}

	h.sb.RetrieveIncomingCall(c, b, nil)
	h.delegate.expect(t, h.delegate.inFailed, "incoming failed")
	waitFor(t, "permit release", func() bool { return h.leases.Outstanding() == 0 })
}
