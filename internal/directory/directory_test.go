package directory

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/crosspoint/crosspoint/internal/backend"
	"github.com/crosspoint/crosspoint/internal/routing"
	"github.com/crosspoint/crosspoint/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeBackendRepo struct {
	mu      sync.Mutex
	rows    []store.Backend
	listErr error
}

func (r *fakeBackendRepo) setRows(rows []store.Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = rows
}

func (r *fakeBackendRepo) ListEnabled(context.Context) ([]store.Backend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	return append([]store.Backend(nil), r.rows...), nil
}

func (r *fakeBackendRepo) List(context.Context) ([]store.Backend, error) {
	return r.ListEnabled(context.Background())
}

func (r *fakeBackendRepo) GetByID(context.Context, string) (*store.Backend, error) {
	return nil, nil
}
func (r *fakeBackendRepo) Create(context.Context, *store.Backend) error { return nil }
func (r *fakeBackendRepo) Update(context.Context, *store.Backend) error { return nil }
func (r *fakeBackendRepo) Delete(context.Context, string) error         { return nil }

type fakeSelectorRepo struct {
	rows    []store.Selector
	listErr error
}

func (r *fakeSelectorRepo) ListEnabled(context.Context) ([]store.Selector, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}
	return append([]store.Selector(nil), r.rows...), nil
}

func (r *fakeSelectorRepo) List(context.Context) ([]store.Selector, error) {
	return r.ListEnabled(context.Background())
}

func (r *fakeSelectorRepo) GetByID(context.Context, string) (*store.Selector, error) {
	return nil, nil
}
func (r *fakeSelectorRepo) Create(context.Context, *store.Selector) error { return nil }
func (r *fakeSelectorRepo) Update(context.Context, *store.Selector) error { return nil }
func (r *fakeSelectorRepo) Delete(context.Context, string) error          { return nil }

type stubBackend struct {
	desc backend.Descriptor
}

func (b *stubBackend) ID() string                     { return b.desc.ID }
func (b *stubBackend) Descriptor() backend.Descriptor { return b.desc }
func (b *stubBackend) Close() error                   { return nil }

func (b *stubBackend) Place(context.Context, string, string) error { return nil }

func (b *stubBackend) Retrieve(context.Context, string, map[string]string) (*backend.CallDetails, error) {
	return &backend.CallDetails{}, nil
}

func (b *stubBackend) Answer(context.Context, string) error { return nil }
func (b *stubBackend) Reject(context.Context, string) error { return nil }
func (b *stubBackend) Hangup(context.Context, string) error { return nil }

type fakeFactory struct {
	mu      sync.Mutex
	opened  []string
	failIDs map[string]bool
	block   chan struct{}
}

func (f *fakeFactory) Open(ctx context.Context, row store.Backend) (backend.Backend, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failIDs[row.ID] {
		return nil, errors.New("backend unreachable")
	}
	f.opened = append(f.opened, row.ID)
	return &stubBackend{desc: backend.Descriptor{ID: row.ID, Name: row.Name, Priority: row.Priority}}, nil
}

func (f *fakeFactory) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opened)
}

type backendSetSink struct {
	sets chan []backend.Backend
}

func (s *backendSetSink) SetBackends(set []backend.Backend) { s.sets <- set }

func (s *backendSetSink) next(t *testing.T) []backend.Backend {
	t.Helper()
	select {
	case set := <-s.sets:
		return set
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a backend set")
		return nil
	}
}

type selectorSetSink struct {
	sets chan []routing.Selector
}

func (s *selectorSetSink) SetSelectors(set []routing.Selector) { s.sets <- set }

func (s *selectorSetSink) next(t *testing.T) []routing.Selector {
	t.Helper()
	select {
	case set := <-s.sets:
		return set
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a selector set")
		return nil
	}
}

func TestBackendLookupOpensProvisionedRows(t *testing.T) {
	repo := &fakeBackendRepo{rows: []store.Backend{
		{ID: "a", Name: "alpha", Enabled: true},
		{ID: "b", Name: "beta", Enabled: true},
	}}
	factory := &fakeFactory{}
	sink := &backendSetSink{sets: make(chan []backend.Backend, 1)}

	d := NewBackendDirectory(repo, factory, sink, time.Second, testLogger())
	d.InitiateLookup(1)

	set := sink.next(t)
	if len(set) != 2 {
		t.Fatalf("delivered %d backends, want 2", len(set))
	}
}

func TestBackendLookupToleratesOpenFailure(t *testing.T) {
	repo := &fakeBackendRepo{rows: []store.Backend{
		{ID: "good", Name: "good", Enabled: true},
		{ID: "bad", Name: "bad", Enabled: true},
	}}
	factory := &fakeFactory{failIDs: map[string]bool{"bad": true}}
	sink := &backendSetSink{sets: make(chan []backend.Backend, 1)}

	d := NewBackendDirectory(repo, factory, sink, time.Second, testLogger())
	d.InitiateLookup(1)

	set := sink.next(t)
	if len(set) != 1 || set[0].ID() != "good" {
		t.Fatalf("delivered set = %v, want just the reachable backend", set)
	}
}

func TestBackendLookupCachesOpenedCapabilities(t *testing.T) {
	repo := &fakeBackendRepo{rows: []store.Backend{{ID: "a", Name: "alpha", Enabled: true}}}
	factory := &fakeFactory{}
	sink := &backendSetSink{sets: make(chan []backend.Backend, 2)}

	d := NewBackendDirectory(repo, factory, sink, time.Second, testLogger())
	d.InitiateLookup(1)
	sink.next(t)

	d.InitiateLookup(2)
	sink.next(t)

	if got := factory.openCount(); got != 1 {
		t.Fatalf("factory opened %d times across two cycles, want 1 (cached)", got)
	}
}

func TestBackendLookupDropsUnprovisionedFromCache(t *testing.T) {
	repo := &fakeBackendRepo{rows: []store.Backend{
		{ID: "a", Name: "alpha", Enabled: true},
		{ID: "b", Name: "beta", Enabled: true},
	}}
	factory := &fakeFactory{}
	sink := &backendSetSink{sets: make(chan []backend.Backend, 2)}

	d := NewBackendDirectory(repo, factory, sink, time.Second, testLogger())
	d.InitiateLookup(1)
	sink.next(t)

	repo.setRows([]store.Backend{{ID: "a", Name: "alpha", Enabled: true}})
	d.InitiateLookup(2)

	set := sink.next(t)
	if len(set) != 1 || set[0].ID() != "a" {
		t.Fatalf("delivered set after deprovisioning = %v, want just alpha", set)
	}
}

func TestBackendLookupTimeBoxDeliversPartialSet(t *testing.T) {
	repo := &fakeBackendRepo{rows: []store.Backend{{ID: "slow", Name: "slow", Enabled: true}}}
	factory := &fakeFactory{block: make(chan struct{})}
	sink := &backendSetSink{sets: make(chan []backend.Backend, 1)}

	d := NewBackendDirectory(repo, factory, sink, 20*time.Millisecond, testLogger())
	d.InitiateLookup(1)

	set := sink.next(t)
	if len(set) != 0 {
		t.Fatalf("delivered %d backends inside the time-box, want 0", len(set))
	}
	close(factory.block)
}

func TestBackendLookupFailureDeliversEmptySet(t *testing.T) {
	repo := &fakeBackendRepo{listErr: errors.New("database closed")}
	sink := &backendSetSink{sets: make(chan []backend.Backend, 1)}

	d := NewBackendDirectory(repo, &fakeFactory{}, sink, time.Second, testLogger())
	d.InitiateLookup(1)

	if set := sink.next(t); len(set) != 0 {
		t.Fatalf("delivered %d backends after a repo failure, want 0", len(set))
	}
}

func TestSelectorLookupBuildsPolicies(t *testing.T) {
	repo := &fakeSelectorRepo{rows: []store.Selector{
		{ID: "s1", Name: "intl", Kind: store.SelectorKindPrefix, Prefix: "0011", BackendID: "b1", Enabled: true},
		{ID: "s2", Name: "default", Kind: store.SelectorKindPriority, Enabled: true},
		{ID: "s3", Name: "bogus", Kind: "roundrobin", Enabled: true},
	}}
	sink := &selectorSetSink{sets: make(chan []routing.Selector, 1)}

	d := NewSelectorDirectory(repo, sink, time.Second, testLogger())
	d.InitiateLookup(1)

	set := sink.next(t)
	if len(set) != 2 {
		t.Fatalf("built %d selectors, want 2 (unknown kind skipped)", len(set))
	}
	if set[0].ID() != "s1" || set[1].ID() != "s2" {
		t.Fatalf("selector order = [%s %s], want provisioning order", set[0].ID(), set[1].ID())
	}
}

func TestSelectorLookupFailureDeliversEmptySet(t *testing.T) {
	repo := &fakeSelectorRepo{listErr: errors.New("database closed")}
	sink := &selectorSetSink{sets: make(chan []routing.Selector, 1)}

	d := NewSelectorDirectory(repo, sink, time.Second, testLogger())
	d.InitiateLookup(1)

	if set := sink.next(t); len(set) != 0 {
		t.Fatalf("delivered %d selectors after a repo failure, want 0", len(set))
	}
}
