package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// selectorRepo implements SelectorRepository on SQLite.
type selectorRepo struct {
	db *DB
}

// NewSelectorRepository creates a new SelectorRepository.
func NewSelectorRepository(db *DB) SelectorRepository {
	return &selectorRepo{db: db}
}

// Create inserts a new selector, assigning an ID if none is set.
func (r *selectorRepo) Create(ctx context.Context, s *Selector) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Kind == "" {
		s.Kind = SelectorKindPriority
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO selectors (id, name, kind, prefix, backend_id, priority, enabled,
		 created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, datetime('now'), datetime('now'))`,
		s.ID, s.Name, s.Kind, s.Prefix, s.BackendID, s.Priority, s.Enabled,
	)
	if err != nil {
		return fmt.Errorf("inserting selector: %w", err)
	}
	return nil
}

// GetByID returns a selector by ID, or nil if absent.
func (r *selectorRepo) GetByID(ctx context.Context, id string) (*Selector, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, name, kind, prefix, backend_id, priority, enabled, created_at, updated_at
		 FROM selectors WHERE id = ?`, id)

	s, err := scanSelector(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying selector: %w", err)
	}
	return s, nil
}

// List returns all selectors ordered by priority then name.
func (r *selectorRepo) List(ctx context.Context) ([]Selector, error) {
	return r.list(ctx,
		`SELECT id, name, kind, prefix, backend_id, priority, enabled, created_at, updated_at
		 FROM selectors ORDER BY priority, name`)
}

// ListEnabled returns enabled selectors ordered by priority then name. This
// ordering is the selector evaluation order during dispatch.
func (r *selectorRepo) ListEnabled(ctx context.Context) ([]Selector, error) {
	return r.list(ctx,
		`SELECT id, name, kind, prefix, backend_id, priority, enabled, created_at, updated_at
		 FROM selectors WHERE enabled = 1 ORDER BY priority, name`)
}

// Update persists the mutable fields of s.
func (r *selectorRepo) Update(ctx context.Context, s *Selector) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE selectors SET name = ?, kind = ?, prefix = ?, backend_id = ?,
		 priority = ?, enabled = ?, updated_at = datetime('now')
		 WHERE id = ?`,
		s.Name, s.Kind, s.Prefix, s.BackendID, s.Priority, s.Enabled, s.ID,
	)
	if err != nil {
		return fmt.Errorf("updating selector: %w", err)
	}
	return nil
}

// Delete removes a selector by ID.
func (r *selectorRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM selectors WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting selector: %w", err)
	}
	return nil
}

func (r *selectorRepo) list(ctx context.Context, query string) ([]Selector, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying selectors: %w", err)
	}
	defer rows.Close()

	var out []Selector
	for rows.Next() {
		s, err := scanSelector(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning selector: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func scanSelector(s scanner) (*Selector, error) {
	var sel Selector
	err := s.Scan(&sel.ID, &sel.Name, &sel.Kind, &sel.Prefix, &sel.BackendID,
		&sel.Priority, &sel.Enabled, &sel.CreatedAt, &sel.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &sel, nil
}
