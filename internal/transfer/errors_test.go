package transfer

import (
	"errors"
	"fmt"
	"io"
	"testing"
	"time"
)

// TestNetworkError_Error verifies error message formatting
func TestNetworkError_Error(t *testing.T) {
	err := &NetworkError{Operation: "fetch", URL: "https://example.com/a.mp3", Err: io.ErrUnexpectedEOF}

	expected := "network error during fetch of https://example.com/a.mp3: unexpected EOF"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

// TestNetworkError_Unwrap verifies the wrapped error is reachable
func TestNetworkError_Unwrap(t *testing.T) {
	err := fmt.Errorf("transfer failed: %w", &NetworkError{Operation: "fetch", Err: io.ErrUnexpectedEOF})

	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("errors.Is should find the underlying error")
	}

	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("errors.As should find *NetworkError")
	}

	if netErr.Operation != "fetch" {
		t.Errorf("Operation = %q, want %q", netErr.Operation, "fetch")
	}
}

func TestHTTPStatusError_Error(t *testing.T) {
	err := &HTTPStatusError{URL: "https://example.com/a.mp3", StatusCode: 404}

	expected := "unexpected HTTP 404 from https://example.com/a.mp3"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestStalledError_Error(t *testing.T) {
	err := &StalledError{TaskID: "ep-1", Timeout: 30 * time.Second}

	expected := "transfer ep-1 made no progress for 30s"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestParseState(t *testing.T) {
	tests := []struct {
		in   string
		want State
	}{
		{"DOWNLOADING", StateDownloading},
		{"paused", StatePaused},
		{"DONE", StateDone},
		{"garbage", StateFailed},
		{"", StateFailed},
	}

	for _, tt := range tests {
		if got := ParseState(tt.in); got != tt.want {
			t.Errorf("ParseState(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
