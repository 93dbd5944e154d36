package protocol_test

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"tether/pkg/protocol"
)

func TestVersionConflictError_ErrorsAs(t *testing.T) {
	wrapped := fmt.Errorf("upload: %w", &protocol.VersionConflictError{LocalVersion: 3, RemoteVersion: 5})

	var target *protocol.VersionConflictError
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As failed to extract VersionConflictError")
	}
	if target.LocalVersion != 3 || target.RemoteVersion != 5 {
		t.Errorf("expected versions 3/5, got %d/%d", target.LocalVersion, target.RemoteVersion)
	}
	if got := target.Error(); got != "VERSION_CONFLICT: local version 3, remote version 5" {
		t.Errorf("unexpected message: %q", got)
	}
}

func TestNetworkError_Unwrap(t *testing.T) {
	err := &protocol.NetworkError{Op: "fetch dashboard", Err: io.ErrUnexpectedEOF}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Error("expected NetworkError to unwrap to its cause")
	}

	withStatus := &protocol.NetworkError{Op: "send telemetry", Status: 503}
	if got := withStatus.Error(); got != "send telemetry: remote returned HTTP 503" {
		t.Errorf("unexpected message: %q", got)
	}
}

func TestStorageError_Unwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := &protocol.StorageError{Op: "set", Key: protocol.KeyDashboard, Err: cause}
	if !errors.Is(err, cause) {
		t.Error("expected StorageError to unwrap to its cause")
	}
	if got := err.Error(); got != `storage set "dashboard.snapshot": disk full` {
		t.Errorf("unexpected message: %q", got)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"network", &protocol.NetworkError{Op: "x", Err: io.EOF}, true},
		{"wrapped network", fmt.Errorf("ctx: %w", &protocol.NetworkError{Op: "x", Status: 502}), true},
		{"auth", &protocol.AuthError{Op: "x", Reason: "bad secret"}, false},
		{"validation", &protocol.ValidationError{Field: "title", Reason: "empty"}, false},
		{"plain", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := protocol.IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsPermanent(t *testing.T) {
	if !protocol.IsPermanent(&protocol.AuthError{Op: "x"}) {
		t.Error("AuthError should be permanent")
	}
	if !protocol.IsPermanent(fmt.Errorf("wrap: %w", &protocol.ValidationError{Reason: "bad"})) {
		t.Error("wrapped ValidationError should be permanent")
	}
	if protocol.IsPermanent(&protocol.NetworkError{Op: "x", Status: 500}) {
		t.Error("NetworkError should not be permanent")
	}
}
