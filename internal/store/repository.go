package store

import "context"

// BackendRepository manages provisioned backends.
type BackendRepository interface {
	Create(ctx context.Context, b *Backend) error
	GetByID(ctx context.Context, id string) (*Backend, error)
	List(ctx context.Context) ([]Backend, error)
	ListEnabled(ctx context.Context) ([]Backend, error)
	Update(ctx context.Context, b *Backend) error
	Delete(ctx context.Context, id string) error
}

// SelectorRepository manages provisioned placement selectors.
type SelectorRepository interface {
	Create(ctx context.Context, s *Selector) error
	GetByID(ctx context.Context, id string) (*Selector, error)
	List(ctx context.Context) ([]Selector, error)
	ListEnabled(ctx context.Context) ([]Selector, error)
	Update(ctx context.Context, s *Selector) error
	Delete(ctx context.Context, id string) error
}

// AdminUserRepository manages admin API accounts.
type AdminUserRepository interface {
	Create(ctx context.Context, user *AdminUser) error
	GetByUsername(ctx context.Context, username string) (*AdminUser, error)
	Count(ctx context.Context) (int64, error)
}
