// Package directory implements the discovery collaborators: repositories
// that enumerate provisioned backends and selectors on demand. Lookups are
// asynchronous and time-boxed — components that are slow to come up are
// simply absent from the delivered set — and completed results are cached so
// a later cycle can be answered immediately.
package directory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/crosspoint/crosspoint/internal/backend"
	"github.com/crosspoint/crosspoint/internal/store"
)

// BackendFactory opens a live backend capability from its provisioning row.
type BackendFactory interface {
	Open(ctx context.Context, row store.Backend) (backend.Backend, error)
}

// BackendSink receives the result of a backend lookup. Implemented by the
// switchboard.
type BackendSink interface {
	SetBackends(set []backend.Backend)
}

// BackendDirectory enumerates provisioned backends and opens capabilities to
// them. It never tears down a capability it handed out: the lease tracker is
// the sole teardown authority once a backend has been delivered.
type BackendDirectory struct {
	logger  *slog.Logger
	repo    store.BackendRepository
	factory BackendFactory
	sink    BackendSink
	timeout time.Duration

	mu    sync.Mutex
	cache map[string]backend.Backend
}

// NewBackendDirectory creates a backend directory. timeout is the lookup
// time-box.
func NewBackendDirectory(
	repo store.BackendRepository,
	factory BackendFactory,
	sink BackendSink,
	timeout time.Duration,
	logger *slog.Logger,
) *BackendDirectory {
	return &BackendDirectory{
		logger:  logger.With("subsystem", "backend-directory"),
		repo:    repo,
		factory: factory,
		sink:    sink,
		timeout: timeout,
		cache:   make(map[string]backend.Backend),
	}
}

// InitiateLookup starts an asynchronous lookup cycle. The delivered set is
// whatever completed within the time-box plus previously cached entries that
// are still provisioned. The cycle ID is recorded for diagnostics only; a
// slow lookup's result is delivered even if a newer cycle has started since
// (a known property of the discovery protocol, not corrected here).
func (d *BackendDirectory) InitiateLookup(cycleID int) {
	go d.lookup(cycleID)
}

func (d *BackendDirectory) lookup(cycleID int) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	rows, err := d.repo.ListEnabled(ctx)
	if err != nil {
		d.logger.Error("backend lookup failed", "cycle", cycleID, "error", err)
		d.sink.SetBackends(nil)
		return
	}

	type opened struct {
		id string
		b  backend.Backend
	}
	fresh := make(chan opened, len(rows))

	var pending int
	set := make(map[string]backend.Backend, len(rows))

	d.mu.Lock()
	for id := range d.cache {
		if !containsRow(rows, id) {
			// No longer provisioned. The switchboard's lease tracker owns
			// the teardown once it sees the shrunken set.
			delete(d.cache, id)
		}
	}
	for _, row := range rows {
		if b, ok := d.cache[row.ID]; ok {
			set[row.ID] = b
			continue
		}
		pending++
		go func(row store.Backend) {
			b, err := d.factory.Open(ctx, row)
			if err != nil {
				d.logger.Warn("backend did not open in time",
					"cycle", cycleID, "backend", row.Name, "error", err)
				fresh <- opened{id: row.ID}
				return
			}
			// Cache even when the time-box has lapsed: a completed result
			// answers the next cycle immediately.
			d.mu.Lock()
			d.cache[row.ID] = b
			d.mu.Unlock()
			fresh <- opened{id: row.ID, b: b}
		}(row)
	}
	d.mu.Unlock()

collect:
	for i := 0; i < pending; i++ {
		select {
		case o := <-fresh:
			if o.b != nil {
				set[o.id] = o.b
			}
		case <-ctx.Done():
			break collect
		}
	}

	out := make([]backend.Backend, 0, len(set))
	for _, b := range set {
		out = append(out, b)
	}

	d.logger.Info("backend lookup complete",
		"cycle", cycleID, "provisioned", len(rows), "available", len(out))
	d.sink.SetBackends(out)
}

func containsRow(rows []store.Backend, id string) bool {
	for _, row := range rows {
		if row.ID == id {
			return true
		}
	}
	return false
}
