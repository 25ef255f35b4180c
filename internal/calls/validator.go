package calls

import (
	"log/slog"
	"strings"

	"github.com/crosspoint/crosspoint/internal/call"
)

// OutgoingCallValidator approves or rejects an outgoing call intent before
// any call entity is created. A negative verdict drops the intent silently.
type OutgoingCallValidator interface {
	IsValid(handle string, contact call.ContactInfo) bool
}

// IncomingCallValidator approves or rejects a retrieved incoming call before
// it is added to the registry.
type IncomingCallValidator interface {
	IsValid(handle string, contact call.ContactInfo) bool
}

// HandleValidator rejects outgoing intents with an empty or malformed
// destination handle.
type HandleValidator struct{}

// IsValid implements OutgoingCallValidator.
func (HandleValidator) IsValid(handle string, _ call.ContactInfo) bool {
	return strings.TrimSpace(handle) != ""
}

// BlocklistValidator rejects calls whose handle appears on a blocklist.
// It serves both directions: blocked destinations for outgoing calls,
// blocked callers for incoming ones.
type BlocklistValidator struct {
	logger  *slog.Logger
	blocked map[string]bool
}

// NewBlocklistValidator creates a validator from a fixed set of handles.
func NewBlocklistValidator(handles []string, logger *slog.Logger) *BlocklistValidator {
	blocked := make(map[string]bool, len(handles))
	for _, h := range handles {
		h = strings.TrimSpace(h)
		if h != "" {
			blocked[h] = true
		}
	}
	return &BlocklistValidator{
		logger:  logger.With("subsystem", "blocklist"),
		blocked: blocked,
	}
}

// IsValid reports whether the handle is not blocklisted.
func (v *BlocklistValidator) IsValid(handle string, _ call.ContactInfo) bool {
	if v.blocked[handle] {
		v.logger.Info("handle is blocklisted", "handle", handle)
		return false
	}
	return true
}

// AnonymousCallValidator optionally rejects incoming calls that carry no
// caller handle.
type AnonymousCallValidator struct {
	// AllowAnonymous permits calls with an empty handle when true.
	AllowAnonymous bool
}

// IsValid implements IncomingCallValidator.
func (v AnonymousCallValidator) IsValid(handle string, _ call.ContactInfo) bool {
	if v.AllowAnonymous {
		return true
	}
	return strings.TrimSpace(handle) != ""
}
