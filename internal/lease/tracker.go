package lease

import (
	"fmt"
	"log/slog"
	"sync"
)

// Ref is a remote reference whose lifetime the tracker controls. Backend
// capabilities satisfy this interface.
type Ref interface {
	ID() string
	Close() error
}

// Tracker accounts outstanding "use permits": units of in-flight work that
// require remote references to stay alive. It is the sole teardown authority
// for tracked references — callers must never close references directly.
//
// References dropped from the tracked set while permits are outstanding are
// retired rather than closed; retired references are torn down once the
// permit count returns to zero.
type Tracker struct {
	logger *slog.Logger

	// strict makes a release-without-acquire fatal instead of logged.
	strict bool

	mu      sync.Mutex
	permits int
	refs    map[string]Ref
	retired []Ref
}

// NewTracker creates a lease tracker. With strict enabled, a permit
// underflow panics; otherwise it is logged at error level.
func NewTracker(logger *slog.Logger, strict bool) *Tracker {
	return &Tracker{
		logger: logger.With("subsystem", "lease"),
		strict: strict,
		refs:   make(map[string]Ref),
	}
}

// Acquire increments the outstanding-permit count, signaling that remote
// references must be kept alive.
func (t *Tracker) Acquire() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.permits++
	t.logger.Debug("permit acquired", "outstanding", t.permits)
}

// Release decrements the outstanding-permit count. Releasing below zero is a
// programming error: every release must match a prior acquire.
func (t *Tracker) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.permits == 0 {
		if t.strict {
			panic("lease: release without matching acquire")
		}
		t.logger.Error("permit released without matching acquire")
		return
	}

	t.permits--
	t.logger.Debug("permit released", "outstanding", t.permits)

	if t.permits == 0 {
		t.closeRetiredLocked()
	}
}

// Outstanding returns the current permit count.
func (t *Tracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.permits
}

// UpdateReferences replaces the tracked reference set with current.
// References no longer present are released (immediately if no permits are
// outstanding, otherwise once the count drains to zero); references present
// in both sets are left alone. Teardown failures are logged, not escalated.
func (t *Tracker) UpdateReferences(current []Ref) {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := make(map[string]Ref, len(current))
	for _, ref := range current {
		next[ref.ID()] = ref
	}

	for id, ref := range t.refs {
		if _, keep := next[id]; keep {
			continue
		}
		if t.permits > 0 {
			t.logger.Debug("reference retired pending teardown", "ref_id", id)
			t.retired = append(t.retired, ref)
			continue
		}
		t.closeRef(ref)
	}

	t.refs = next
}

// closeRetiredLocked tears down all retired references. Caller holds t.mu.
func (t *Tracker) closeRetiredLocked() {
	for _, ref := range t.retired {
		t.closeRef(ref)
	}
	t.retired = nil
}

func (t *Tracker) closeRef(ref Ref) {
	if err := ref.Close(); err != nil {
		t.logger.Warn("reference teardown failed", "ref_id", ref.ID(), "error", err)
		return
	}
	t.logger.Debug("reference released", "ref_id", ref.ID())
}

// String describes the tracker state for diagnostics.
func (t *Tracker) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fmt.Sprintf("lease.Tracker{permits: %d, refs: %d, retired: %d}",
		t.permits, len(t.refs), len(t.retired))
}
