package pf

import "context"

// RemoteAPI is the server-side record store.
//
// Every call reports one of three outcomes: nil on success, an error wrapping
// ErrOffline when the server is unreachable, or any other error (typically a
// *RemoteError) for a recoverable failure.
type RemoteAPI interface {
	// ListRecords returns the change-tracking fields of every record of t.
	ListRecords(ctx context.Context, t Type) ([]RemoteInfo, error)

	// GetRecordInfo returns the full metadata of a record.
	GetRecordInfo(ctx context.Context, id int64) (RemoteInfo, error)

	// GetVersionContent returns the transport-encrypted content of a version.
	GetVersionContent(ctx context.Context, id int64, version int) ([]byte, error)

	// AddRecord creates a record and returns it with its server-assigned id.
	AddRecord(ctx context.Context, info RemoteInfo) (RemoteInfo, error)

	// SaveInfo stores metadata and returns the confirmed record.
	SaveInfo(ctx context.Context, info RemoteInfo) (RemoteInfo, error)

	// SaveContent stores a new content version and returns the confirmed record.
	SaveContent(ctx context.Context, id int64, data []byte) (RemoteInfo, error)

	// Delete removes a record. secret confirms the deletion.
	Delete(ctx context.Context, id int64, secret string) error
}
