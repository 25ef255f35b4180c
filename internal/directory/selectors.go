package directory

import (
	"context"
	"log/slog"
	"time"

	"github.com/crosspoint/crosspoint/internal/policy"
	"github.com/crosspoint/crosspoint/internal/routing"
	"github.com/crosspoint/crosspoint/internal/store"
)

// SelectorSink receives the result of a selector lookup. Implemented by the
// switchboard.
type SelectorSink interface {
	SetSelectors(set []routing.Selector)
}

// SelectorDirectory enumerates provisioned placement selectors and builds
// the corresponding policy implementations, ordered by provisioned priority.
type SelectorDirectory struct {
	logger  *slog.Logger
	repo    store.SelectorRepository
	sink    SelectorSink
	timeout time.Duration
}

// NewSelectorDirectory creates a selector directory.
func NewSelectorDirectory(
	repo store.SelectorRepository,
	sink SelectorSink,
	timeout time.Duration,
	logger *slog.Logger,
) *SelectorDirectory {
	return &SelectorDirectory{
		logger:  logger.With("subsystem", "selector-directory"),
		repo:    repo,
		sink:    sink,
		timeout: timeout,
	}
}

// InitiateLookup starts an asynchronous lookup cycle.
func (d *SelectorDirectory) InitiateLookup(cycleID int) {
	go d.lookup(cycleID)
}

func (d *SelectorDirectory) lookup(cycleID int) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	rows, err := d.repo.ListEnabled(ctx)
	if err != nil {
		d.logger.Error("selector lookup failed", "cycle", cycleID, "error", err)
		d.sink.SetSelectors(nil)
		return
	}

	set := make([]routing.Selector, 0, len(rows))
	for _, row := range rows {
		sel := d.build(row)
		if sel == nil {
			continue
		}
		set = append(set, sel)
	}

	d.logger.Info("selector lookup complete", "cycle", cycleID, "available", len(set))
	d.sink.SetSelectors(set)
}

// build constructs the policy implementation for a provisioning row.
func (d *SelectorDirectory) build(row store.Selector) routing.Selector {
	switch row.Kind {
	case store.SelectorKindPriority:
		return policy.NewPrioritySelector(row.ID, d.logger)
	case store.SelectorKindPrefix:
		return policy.NewPrefixSelector(row.ID, row.Prefix, row.BackendID, d.logger)
	default:
		d.logger.Warn("unknown selector kind", "selector", row.Name, "kind", row.Kind)
		return nil
	}
}
