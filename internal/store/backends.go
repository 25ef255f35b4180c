package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// backendRepo implements BackendRepository on SQLite.
type backendRepo struct {
	db *DB
}

// NewBackendRepository creates a new BackendRepository.
func NewBackendRepository(db *DB) BackendRepository {
	return &backendRepo{db: db}
}

// Create inserts a new backend, assigning an ID if none is set.
func (r *backendRepo) Create(ctx context.Context, b *Backend) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.Kind == "" {
		b.Kind = "sip"
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO backends (id, name, kind, address, username, password, priority, enabled,
		 created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, datetime('now'), datetime('now'))`,
		b.ID, b.Name, b.Kind, b.Address, b.Username, b.Password, b.Priority, b.Enabled,
	)
	if err != nil {
		return fmt.Errorf("inserting backend: %w", err)
	}
	return nil
}

// GetByID returns a backend by ID, or nil if absent.
func (r *backendRepo) GetByID(ctx context.Context, id string) (*Backend, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, name, kind, address, username, password, priority, enabled,
		 created_at, updated_at
		 FROM backends WHERE id = ?`, id)

	b, err := scanBackend(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying backend: %w", err)
	}
	return b, nil
}

// List returns all backends ordered by priority then name.
func (r *backendRepo) List(ctx context.Context) ([]Backend, error) {
	return r.list(ctx,
		`SELECT id, name, kind, address, username, password, priority, enabled,
		 created_at, updated_at
		 FROM backends ORDER BY priority, name`)
}

// ListEnabled returns enabled backends ordered by priority then name.
func (r *backendRepo) ListEnabled(ctx context.Context) ([]Backend, error) {
	return r.list(ctx,
		`SELECT id, name, kind, address, username, password, priority, enabled,
		 created_at, updated_at
		 FROM backends WHERE enabled = 1 ORDER BY priority, name`)
}

// Update persists the mutable fields of b.
func (r *backendRepo) Update(ctx context.Context, b *Backend) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE backends SET name = ?, kind = ?, address = ?, username = ?, password = ?,
		 priority = ?, enabled = ?, updated_at = datetime('now')
		 WHERE id = ?`,
		b.Name, b.Kind, b.Address, b.Username, b.Password, b.Priority, b.Enabled, b.ID,
	)
	if err != nil {
		return fmt.Errorf("updating backend: %w", err)
	}
	return nil
}

// Delete removes a backend by ID.
func (r *backendRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM backends WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting backend: %w", err)
	}
	return nil
}

func (r *backendRepo) list(ctx context.Context, query string) ([]Backend, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying backends: %w", err)
	}
	defer rows.Close()

	var out []Backend
	for rows.Next() {
		b, err := scanBackend(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning backend: %w", err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// scanner abstracts over *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanBackend(s scanner) (*Backend, error) {
	var b Backend
	err := s.Scan(&b.ID, &b.Name, &b.Kind, &b.Address, &b.Username, &b.Password,
		&b.Priority, &b.Enabled, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}
