package store

import "time"

// Backend is a provisioned call-handling backend.
type Backend struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Address   string    `json:"address"`
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Priority  int       `json:"priority"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Selector kinds supported by the policy package.
const (
	SelectorKindPriority = "priority"
	SelectorKindPrefix   = "prefix"
)

// Selector is a provisioned placement policy. For the prefix kind, Prefix
// and BackendID carry the route; the priority kind needs neither.
type Selector struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Prefix    string    `json:"prefix,omitempty"`
	BackendID string    `json:"backend_id,omitempty"`
	Priority  int       `json:"priority"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AdminUser is an admin API account.
type AdminUser struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}
