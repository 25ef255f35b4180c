// Package pgstore implements the provisioning-store repositories on
// PostgreSQL, for deployments where several crosspoint nodes share one
// provisioning database. The SQLite store remains the default.
package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/crosspoint/crosspoint/internal/store"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store provides PostgreSQL-backed repositories.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL connection and runs pending migrations.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgresql: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgresql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	slog.Info("postgresql store opened")
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Backends returns the backend repository.
func (s *Store) Backends() store.BackendRepository {
	return &backendRepo{db: s.db}
}

// Selectors returns the selector repository.
func (s *Store) Selectors() store.SelectorRepository {
	return &selectorRepo{db: s.db}
}

// AdminUsers returns the admin user repository.
func (s *Store) AdminUsers() store.AdminUserRepository {
	return &adminUserRepo{db: s.db}
}

// migrate runs all pending SQL migration files in order.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations WHERE version = $1`, version).Scan(&count); err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}

		if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}

		slog.Info("applied migration", "version", version)
	}

	return nil
}

// backendRepo implements store.BackendRepository on PostgreSQL.
type backendRepo struct {
	db *sql.DB
}

func (r *backendRepo) Create(ctx context.Context, b *store.Backend) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.Kind == "" {
		b.Kind = "sip"
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO backends (id, name, kind, address, username, password, priority, enabled)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		b.ID, b.Name, b.Kind, b.Address, b.Username, b.Password, b.Priority, b.Enabled,
	)
	if err != nil {
		return fmt.Errorf("inserting backend: %w", err)
	}
	return nil
}

func (r *backendRepo) GetByID(ctx context.Context, id string) (*store.Backend, error) {
	var b store.Backend
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, kind, address, username, password, priority, enabled, created_at, updated_at
		 FROM backends WHERE id = $1`, id,
	).Scan(&b.ID, &b.Name, &b.Kind, &b.Address, &b.Username, &b.Password,
		&b.Priority, &b.Enabled, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying backend: %w", err)
	}
	return &b, nil
}

func (r *backendRepo) List(ctx context.Context) ([]store.Backend, error) {
	return r.list(ctx,
		`SELECT id, name, kind, address, username, password, priority, enabled, created_at, updated_at
		 FROM backends ORDER BY priority, name`)
}

func (r *backendRepo) ListEnabled(ctx context.Context) ([]store.Backend, error) {
	return r.list(ctx,
		`SELECT id, name, kind, address, username, password, priority, enabled, created_at, updated_at
		 FROM backends WHERE enabled ORDER BY priority, name`)
}

func (r *backendRepo) Update(ctx context.Context, b *store.Backend) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE backends SET name = $1, kind = $2, address = $3, username = $4, password = $5,
		 priority = $6, enabled = $7, updated_at = NOW()
		 WHERE id = $8`,
		b.Name, b.Kind, b.Address, b.Username, b.Password, b.Priority, b.Enabled, b.ID,
	)
	if err != nil {
		return fmt.Errorf("updating backend: %w", err)
	}
	return nil
}

func (r *backendRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM backends WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deleting backend: %w", err)
	}
	return nil
}

func (r *backendRepo) list(ctx context.Context, query string) ([]store.Backend, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying backends: %w", err)
	}
	defer rows.Close()

	var out []store.Backend
	for rows.Next() {
		var b store.Backend
		if err := rows.Scan(&b.ID, &b.Name, &b.Kind, &b.Address, &b.Username, &b.Password,
			&b.Priority, &b.Enabled, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning backend: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// selectorRepo implements store.SelectorRepository on PostgreSQL.
type selectorRepo struct {
	db *sql.DB
}

func (r *selectorRepo) Create(ctx context.Context, sel *store.Selector) error {
	if sel.ID == "" {
		sel.ID = uuid.NewString()
	}
	if sel.Kind == "" {
		sel.Kind = store.SelectorKindPriority
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO selectors (id, name, kind, prefix, backend_id, priority, enabled)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sel.ID, sel.Name, sel.Kind, sel.Prefix, sel.BackendID, sel.Priority, sel.Enabled,
	)
	if err != nil {
		return fmt.Errorf("inserting selector: %w", err)
	}
	return nil
}

func (r *selectorRepo) GetByID(ctx context.Context, id string) (*store.Selector, error) {
	var sel store.Selector
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, kind, prefix, backend_id, priority, enabled, created_at, updated_at
		 FROM selectors WHERE id = $1`, id,
	).Scan(&sel.ID, &sel.Name, &sel.Kind, &sel.Prefix, &sel.BackendID,
		&sel.Priority, &sel.Enabled, &sel.CreatedAt, &sel.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying selector: %w", err)
	}
	return &sel, nil
}

func (r *selectorRepo) List(ctx context.Context) ([]store.Selector, error) {
	return r.list(ctx,
		`SELECT id, name, kind, prefix, backend_id, priority, enabled, created_at, updated_at
		 FROM selectors ORDER BY priority, name`)
}

func (r *selectorRepo) ListEnabled(ctx context.Context) ([]store.Selector, error) {
	return r.list(ctx,
		`SELECT id, name, kind, prefix, backend_id, priority, enabled, created_at, updated_at
		 FROM selectors WHERE enabled ORDER BY priority, name`)
}

func (r *selectorRepo) Update(ctx context.Context, sel *store.Selector) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE selectors SET name = $1, kind = $2, prefix = $3, backend_id = $4,
		 priority = $5, enabled = $6, updated_at = NOW()
		 WHERE id = $7`,
		sel.Name, sel.Kind, sel.Prefix, sel.BackendID, sel.Priority, sel.Enabled, sel.ID,
	)
	if err != nil {
		return fmt.Errorf("updating selector: %w", err)
	}
	return nil
}

func (r *selectorRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM selectors WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deleting selector: %w", err)
	}
	return nil
}

func (r *selectorRepo) list(ctx context.Context, query string) ([]store.Selector, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying selectors: %w", err)
	}
	defer rows.Close()

	var out []store.Selector
	for rows.Next() {
		var sel store.Selector
		if err := rows.Scan(&sel.ID, &sel.Name, &sel.Kind, &sel.Prefix, &sel.BackendID,
			&sel.Priority, &sel.Enabled, &sel.CreatedAt, &sel.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning selector: %w", err)
		}
		out = append(out, sel)
	}
	return out, rows.Err()
}

// adminUserRepo implements store.AdminUserRepository on PostgreSQL.
type adminUserRepo struct {
	db *sql.DB
}

func (r *adminUserRepo) Create(ctx context.Context, user *store.AdminUser) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO admin_users (username, password_hash) VALUES ($1, $2) RETURNING id`,
		user.Username, user.PasswordHash,
	).Scan(&user.ID)
	if err != nil {
		return fmt.Errorf("inserting admin user: %w", err)
	}
	return nil
}

func (r *adminUserRepo) GetByUsername(ctx context.Context, username string) (*store.AdminUser, error) {
	var u store.AdminUser
	err := r.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, created_at FROM admin_users WHERE username = $1`,
		username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying admin user: %w", err)
	}
	return &u, nil
}

func (r *adminUserRepo) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM admin_users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting admin users: %w", err)
	}
	return count, nil
}
