package pf

import (
	"errors"
	"fmt"
)

var (
	// ErrDecryptionFailure is returned for any cipher or padding error. Callers
	// treat it as "wrong passphrase" and must not try to tell corrupt data apart.
	ErrDecryptionFailure = errors.New("decryption failed")

	// ErrVersionNotFound matches *VersionNotFoundError via errors.Is.
	ErrVersionNotFound = errors.New("content version not found")

	// ErrUnexpectedState reports a collaborator bug: a stale record handle or a
	// record unknown to the context.
	ErrUnexpectedState = errors.New("unexpected record state")

	// ErrOffline means the remote could not be reached. Sync skips remote
	// steps for the rest of the pass instead of treating it as a failure.
	ErrOffline = errors.New("remote is offline")

	// ErrNotFound is returned by remotes for unknown record ids.
	ErrNotFound = errors.New("record not found")

	ErrPassphraseRequired = errors.New("passphrase required")
	ErrSyncInProgress     = errors.New("sync already in progress")
)

// VersionNotFoundError is returned by Storage.LoadContent when the exact
// (type, id, version) blob is not on disk.
type VersionNotFoundError struct {
	Type    Type
	ID      int64
	Version int
}

func (e *VersionNotFoundError) Error() string {
	return fmt.Sprintf("content not found: type=%d id=%d version=%d", e.Type, e.ID, e.Version)
}

func (e *VersionNotFoundError) Is(target error) bool {
	return target == ErrVersionNotFound
}

// RemoteError is a recoverable failure reported by the remote record API.
type RemoteError struct {
	Op      string
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: remote returned %d: %s", e.Op, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// Is lets a 404 from the remote match ErrNotFound.
func (e *RemoteError) Is(target error) bool {
	return target == ErrNotFound && e.Status == 404
}

// unexpected wraps ErrUnexpectedState with context about the offending record.
func unexpected(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnexpectedState, fmt.Sprintf(format, args...))
}
