package call

import (
	"context"
	"errors"
	"testing"
)

type fakeBackend struct {
	id         string
	answered   []string
	rejected   []string
	hungUp     []string
	commandErr error
}

func (b *fakeBackend) ID() string { return b.id }

func (b *fakeBackend) Answer(_ context.Context, callID string) error {
	b.answered = append(b.answered, callID)
	return b.commandErr
}

func (b *fakeBackend) Reject(_ context.Context, callID string) error {
	b.rejected = append(b.rejected, callID)
	return b.commandErr
}

func (b *fakeBackend) Hangup(_ context.Context, callID string) error {
	b.hungUp = append(b.hungUp, callID)
	return b.commandErr
}

func TestNewOutgoingCall(t *testing.T) {
	c := New("0412345678", ContactInfo{DisplayName: "Test"})

	if c.ID() == "" {
		t.Fatal("new call has no ID")
	}
	if c.Direction() != DirectionOutgoing {
		t.Fatalf("Direction() = %q, want %q", c.Direction(), DirectionOutgoing)
	}
	if c.Handle() != "0412345678" {
		t.Fatalf("Handle() = %q, want %q", c.Handle(), "0412345678")
	}
	if c.State() != StateNew {
		t.Fatalf("State() = %q, want %q", c.State(), StateNew)
	}
}

func TestNewIncomingCallStartsBare(t *testing.T) {
	c := NewIncoming()

	if c.Direction() != DirectionIncoming {
		t.Fatalf("Direction() = %q, want %q", c.Direction(), DirectionIncoming)
	}
	if c.Handle() != "" {
		t.Fatalf("Handle() = %q, want empty", c.Handle())
	}

	c.SetHandle("0400000000")
	c.SetContact(ContactInfo{DisplayName: "Caller"})
	if c.Handle() != "0400000000" {
		t.Fatalf("Handle() = %q after SetHandle", c.Handle())
	}
	if c.Contact().DisplayName != "Caller" {
		t.Fatalf("Contact() = %+v after SetContact", c.Contact())
	}
}

func TestCallIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewIncoming().ID()
		if seen[id] {
			t.Fatalf("duplicate call ID %q", id)
		}
		seen[id] = true
	}
}

func TestSetStateAcceptsAnyTransition(t *testing.T) {
	// The backend's report is authoritative, so even transitions that do
	// not follow the nominal ordering are recorded.
	transitions := []State{StateDialing, StateNew, StateDisconnected, StateActive, StateRinging}

	c := New("100", ContactInfo{})
	for _, s := range transitions {
		c.SetState(s)
		if got := c.State(); got != s {
			t.Fatalf("State() = %q after SetState(%q)", got, s)
		}
	}
}

func TestBindAllowsOneBackend(t *testing.T) {
	c := New("100", ContactInfo{})
	first := &fakeBackend{id: "first"}
	second := &fakeBackend{id: "second"}

	if err := c.Bind(first); err != nil {
		t.Fatalf("Bind() returned %v", err)
	}
	if err := c.Bind(second); !errors.Is(err, ErrAlreadyBound) {
		t.Fatalf("rebinding returned %v, want ErrAlreadyBound", err)
	}
	if got := c.Backend(); got != Backend(first) {
		t.Fatalf("Backend() = %v, want the first binding", got)
	}

	c.ClearBackend()
	if c.Backend() != nil {
		t.Fatal("Backend() non-nil after ClearBackend")
	}
	if err := c.Bind(second); err != nil {
		t.Fatalf("Bind() after clear returned %v", err)
	}
}

func TestCommandsRequireBackend(t *testing.T) {
	c := New("100", ContactInfo{})
	ctx := context.Background()

	if err := c.Answer(ctx); !errors.Is(err, ErrNoBackend) {
		t.Fatalf("Answer() on unbound call returned %v, want ErrNoBackend", err)
	}
	if err := c.Reject(ctx); !errors.Is(err, ErrNoBackend) {
		t.Fatalf("Reject() on unbound call returned %v, want ErrNoBackend", err)
	}
	if err := c.Disconnect(ctx); !errors.Is(err, ErrNoBackend) {
		t.Fatalf("Disconnect() on unbound call returned %v, want ErrNoBackend", err)
	}
}

func TestCommandsForwardToBackendWithCallID(t *testing.T) {
	c := New("100", ContactInfo{})
	b := &fakeBackend{id: "b1"}
	if err := c.Bind(b); err != nil {
		t.Fatalf("Bind() returned %v", err)
	}

	ctx := context.Background()
	if err := c.Answer(ctx); err != nil {
		t.Fatalf("Answer() returned %v", err)
	}
	if err := c.Reject(ctx); err != nil {
		t.Fatalf("Reject() returned %v", err)
	}
	if err := c.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect() returned %v", err)
	}

	for name, got := range map[string][]string{
		"answer": b.answered, "reject": b.rejected, "hangup": b.hungUp,
	} {
		if len(got) != 1 || got[0] != c.ID() {
			t.Fatalf("%s forwarded %v, want [%s]", name, got, c.ID())
		}
	}
}
