package policy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/crosspoint/crosspoint/internal/backend"
	"github.com/crosspoint/crosspoint/internal/call"
	"github.com/crosspoint/crosspoint/internal/routing"
)

// PrefixSelector routes calls whose destination handle starts with a
// configured prefix to one named backend. Calls that do not match are
// declined so the next selector can try.
type PrefixSelector struct {
	id        string
	prefix    string
	backendID string
	logger    *slog.Logger
}

// NewPrefixSelector creates a prefix selector. prefix is matched literally
// against the start of the destination handle; backendID names the backend
// that handles matching calls.
func NewPrefixSelector(id, prefix, backendID string, logger *slog.Logger) *PrefixSelector {
	return &PrefixSelector{
		id:        id,
		prefix:    prefix,
		backendID: backendID,
		logger:    logger.With("subsystem", "prefix-selector", "selector", id),
	}
}

// ID implements routing.Selector.
func (s *PrefixSelector) ID() string { return s.id }

// PlaceCall implements routing.Selector.
func (s *PrefixSelector) PlaceCall(ctx context.Context, c *call.Call, backends map[string]backend.Backend) (backend.Backend, error) {
	if !strings.HasPrefix(c.Handle(), s.prefix) {
		return nil, routing.ErrDeclined
	}

	b, ok := backends[s.backendID]
	if !ok {
		// The designated backend did not answer this lookup cycle.
		s.logger.Debug("designated backend unavailable",
			"call_id", c.ID(), "backend", s.backendID)
		return nil, routing.ErrDeclined
	}

	if err := b.Place(ctx, c.ID(), c.Handle()); err != nil {
		return nil, fmt.Errorf("placing via %s: %w", b.ID(), err)
	}
	return b, nil
}
