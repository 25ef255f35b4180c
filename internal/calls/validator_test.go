package calls

import (
	"testing"

	"github.com/crosspoint/crosspoint/internal/call"
)

func TestHandleValidator(t *testing.T) {
	tests := []struct {
		name   string
		handle string
		want   bool
	}{
		{name: "plain number", handle: "0412345678", want: true},
		{name: "service code", handle: "*100#", want: true},
		{name: "empty", handle: "", want: false},
		{name: "whitespace only", handle: "   ", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := (HandleValidator{}).IsValid(tt.handle, call.ContactInfo{}); got != tt.want {
				t.Fatalf("IsValid(%q) = %v, want %v", tt.handle, got, tt.want)
			}
		})
	}
}

func TestBlocklistValidator(t *testing.T) {
	v := NewBlocklistValidator([]string{"0412345678", " 0400000000 ", ""}, testLogger())

	tests := []struct {
		name   string
		handle string
		want   bool
	}{
		{name: "blocked", handle: "0412345678", want: false},
		{name: "blocked after trim", handle: "0400000000", want: false},
		{name: "unlisted", handle: "0499999999", want: true},
		{name: "empty handle not blocked by empty entry", handle: "", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := v.IsValid(tt.handle, call.ContactInfo{}); got != tt.want {
				t.Fatalf("IsValid(%q) = %v, want %v", tt.handle, got, tt.want)
			}
		})
	}
}

func TestAnonymousCallValidator(t *testing.T) {
	tests := []struct {
		name   string
		allow  bool
		handle string
		want   bool
	}{
		{name: "named caller always valid", allow: false, handle: "0412345678", want: true},
		{name: "anonymous rejected by default", allow: false, handle: "", want: false},
		{name: "anonymous allowed when configured", allow: true, handle: "", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := AnonymousCallValidator{AllowAnonymous: tt.allow}
			if got := v.IsValid(tt.handle, call.ContactInfo{}); got != tt.want {
				t.Fatalf("IsValid(%q) = %v, want %v", tt.handle, got, tt.want)
			}
		})
	}
}
