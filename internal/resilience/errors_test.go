package resilience

import (
	"errors"
	"fmt"
	"syscall"
	"testing"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("invalid input"), false},
		{"transient wrapper", NewTransientError(errors.New("503"), 503), true},
		{"wrapped transient", fmt.Errorf("call failed: %w", NewTransientError(errors.New("429"), 429)), true},
		{"conn reset errno", syscall.ECONNRESET, true},
		{"conn refused errno", syscall.ECONNREFUSED, true},
		{"message heuristic", errors.New("read tcp: connection reset by peer"), true},
		{"io timeout heuristic", errors.New("dial tcp: i/o timeout"), true},
		{"throttled heuristic", errors.New("api error: 429 too many requests"), true},
		{"overloaded heuristic", errors.New("overloaded_error: try again later"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Fatalf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		if !IsTransientHTTPStatus(code) {
			t.Fatalf("expected %d to be transient", code)
		}
	}
	for _, code := range []int{200, 301, 400, 401, 404, 422} {
		if IsTransientHTTPStatus(code) {
			t.Fatalf("expected %d to be permanent", code)
		}
	}
}
