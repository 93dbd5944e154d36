package protocol

import (
	"errors"
	"fmt"
)

// NetworkError is a transport failure (timeout, refused connection, 5xx).
// It is the only retryable class.
type NetworkError struct {
	Op     string
	Status int // HTTP status, 0 when no response arrived
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: remote returned HTTP %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// AuthError means the remote rejected the device credentials. It stays
// fatal until the device is re-provisioned.
type AuthError struct {
	Op     string
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: credentials rejected: %s", e.Op, e.Reason)
}

// VersionConflictError reports that an upload was based on a stale
// version. The caller decides how to resolve it.
type VersionConflictError struct {
	LocalVersion  int
	RemoteVersion int
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("%s: local version %d, remote version %d",
		ErrCodeVersionConflict, e.LocalVersion, e.RemoteVersion)
}

// ValidationError reports malformed data, local or remote.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid data: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StorageError wraps a LocalStore failure.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is worth retrying unchanged.
func IsRetryable(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

// IsPermanent reports whether err can never succeed on retry without
// outside intervention (re-provisioning or fixing the payload).
func IsPermanent(err error) bool {
	var authErr *AuthError
	var valErr *ValidationError
	return errors.As(err, &authErr) || errors.As(err, &valErr)
}
