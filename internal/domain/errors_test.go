package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestProviderErrorTemporary(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   bool
	}{
		{name: "no response", status: 0, want: true},
		{name: "request timeout", status: 408, want: true},
		{name: "rate limited", status: 429, want: true},
		{name: "server error", status: 503, want: true},
		{name: "validation error", status: 422, want: false},
		{name: "bad request", status: 400, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &ProviderError{Op: "create_contract", StatusCode: tt.status, Err: errors.New("boom")}
			if got := err.Temporary(); got != tt.want {
				t.Errorf("Temporary() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsProviderError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "provider error",
			err:  &ProviderError{Op: "confirm_contract", Err: errors.New("timeout")},
			want: true,
		},
		{
			name: "wrapped provider error",
			err:  fmt.Errorf("step failed: %w", &ProviderError{Op: "get_print_form", StatusCode: 500, Err: errors.New("x")}),
			want: true,
		},
		{
			name: "other error",
			err:  ErrPolicyNotFound,
			want: false,
		},
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsProviderError(tt.err); got != tt.want {
				t.Errorf("IsProviderError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProviderErrorMessage(t *testing.T) {
	withStatus := &ProviderError{Op: "create_contract", StatusCode: 422, Err: errors.New("invalid passport")}
	if got := withStatus.Error(); got != "provider create_contract failed with status 422: invalid passport" {
		t.Fatalf("unexpected message: %q", got)
	}

	noStatus := &ProviderError{Op: "confirm_contract", Err: errors.New("connection reset")}
	if got := noStatus.Error(); got != "provider confirm_contract failed: connection reset" {
		t.Fatalf("unexpected message: %q", got)
	}
	if !errors.Is(noStatus, noStatus.Err) {
		t.Fatal("provider error must unwrap to cause")
	}
}
