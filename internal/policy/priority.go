// Package policy provides the built-in call-placement selectors. A selector
// is offered a call plus the set of available backends and decides whether
// and how to attempt placement.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/crosspoint/crosspoint/internal/backend"
	"github.com/crosspoint/crosspoint/internal/call"
	"github.com/crosspoint/crosspoint/internal/routing"
)

// PrioritySelector attempts backends in ascending provisioned priority
// (ties broken by name) until one accepts the call.
type PrioritySelector struct {
	id     string
	logger *slog.Logger
}

// NewPrioritySelector creates a priority selector with the given identity.
func NewPrioritySelector(id string, logger *slog.Logger) *PrioritySelector {
	return &PrioritySelector{
		id:     id,
		logger: logger.With("subsystem", "priority-selector", "selector", id),
	}
}

// ID implements routing.Selector.
func (s *PrioritySelector) ID() string { return s.id }

// PlaceCall implements routing.Selector. Backends are tried in priority
// order; the first successful placement wins. If every backend refuses, the
// last error is returned so the dispatcher can move to the next selector.
func (s *PrioritySelector) PlaceCall(ctx context.Context, c *call.Call, backends map[string]backend.Backend) (backend.Backend, error) {
	ordered := orderByPriority(backends)

	var lastErr error
	for _, b := range ordered {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		err := b.Place(ctx, c.ID(), c.Handle())
		if err == nil {
			return b, nil
		}
		s.logger.Debug("backend refused call",
			"call_id", c.ID(), "backend", b.ID(), "error", err)
		lastErr = err
	}

	if lastErr == nil {
		return nil, routing.ErrDeclined
	}
	return nil, fmt.Errorf("all backends refused: %w", lastErr)
}

// orderByPriority returns the backends sorted by ascending priority, name.
func orderByPriority(backends map[string]backend.Backend) []backend.Backend {
	ordered := make([]backend.Backend, 0, len(backends))
	for _, b := range backends {
		ordered = append(ordered, b)
	}
	sort.Slice(ordered, func(i, j int) bool {
		di, dj := ordered[i].Descriptor(), ordered[j].Descriptor()
		if di.Priority != dj.Priority {
			return di.Priority < dj.Priority
		}
		return di.Name < dj.Name
	})
	return ordered
}
