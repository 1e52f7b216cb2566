package pf

// AllVersions passed to Storage.DeleteContent removes every version of a record.
const AllVersions = 0

// Storage is the local, durable replica of a single user's records.
// Implementations are scoped to one user at construction time and are
// single-writer: only the owning RecordContext writes through them.
type Storage interface {
	// LoadList reads the manifest for t. A missing manifest is created empty.
	// An unparseable manifest is quarantined and replaced by an empty one;
	// this is logged, not returned as an error.
	LoadList(t Type) ([]Snapshot, error)

	// SaveList overwrites the manifest for t.
	SaveList(t Type, records []Snapshot) error

	// LoadContent reads the encrypted blob of an exact version. Returns a
	// *VersionNotFoundError when it does not exist.
	LoadContent(t Type, id int64, version int) ([]byte, error)

	// SaveContent writes the encrypted blob of a version.
	SaveContent(t Type, id int64, version int, data []byte) error

	// DeleteContent removes one version, or all of them for AllVersions.
	DeleteContent(t Type, id int64, version int) error

	// GetVersions lists the versions present for a record, ascending.
	GetVersions(t Type, id int64) ([]int, error)
}
