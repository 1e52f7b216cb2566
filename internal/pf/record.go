package pf

import (
	"fmt"
	"strings"
	"time"
)

// Type discriminates the content schema of a record. It is fixed at creation.
type Type int

const (
	TypePassword Type = 1
	TypeNote     Type = 2
)

func (t Type) String() string {
	switch t {
	case TypePassword:
		return "password"
	case TypeNote:
		return "note"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// ParseType accepts the names returned by Type.String.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "password", "passwords":
		return TypePassword, nil
	case "note", "notes":
		return TypeNote, nil
	default:
		return 0, fmt.Errorf("unknown record type: %q", s)
	}
}

// Marks are bit-flags recording transient sync outcomes for a record.
type Marks uint8

const (
	MarkNeedsMerge Marks = 1 << iota
	MarkUploadError
	MarkDownloadError
	MarkDeleteError
	// MarkMerged is set on content that came out of a manual merge. The next
	// sync uploads it as a linear update.
	MarkMerged
)

// problemMarks are reset at the start of each reconciliation step.
const problemMarks = MarkNeedsMerge | MarkUploadError | MarkDownloadError | MarkDeleteError

func (m Marks) Has(flag Marks) bool { return m&flag != 0 }

func (m Marks) String() string {
	var parts []string
	names := []struct {
		flag Marks
		name string
	}{
		{MarkNeedsMerge, "needs-merge"},
		{MarkUploadError, "upload-error"},
		{MarkDownloadError, "download-error"},
		{MarkDeleteError, "delete-error"},
		{MarkMerged, "merged"},
	}
	for _, n := range names {
		if m.Has(n.flag) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, ",")
}

// Stamps is the change-tracking snapshot captured the last time the local copy
// was known to equal the server copy.
type Stamps struct {
	ID               int64     `json:"id"`
	Version          int       `json:"version"`
	InfoChangedOn    time.Time `json:"info_changed_on"`
	VersionChangedOn time.Time `json:"version_changed_on"`
}

// Record is a single passfile. It is mutated only through RecordContext.
type Record struct {
	ID               int64
	Type             Type
	Name             string
	Color            string
	Version          int
	CreatedOn        time.Time
	InfoChangedOn    time.Time
	VersionChangedOn time.Time
	DeletedOn        *time.Time
	Origin           Stamps
	Content          Content
	Marks            Marks
}

// IsLocalOnly reports whether the record has never been assigned a server id.
func (r *Record) IsLocalOnly() bool { return r.ID < 0 }

// IsDeleted reports whether the record carries a pending soft-delete.
func (r *Record) IsDeleted() bool { return r.DeletedOn != nil }

// ContentChanged reports whether the content was edited locally since the
// last point it matched the server.
func (r *Record) ContentChanged() bool {
	return !r.VersionChangedOn.Equal(r.Origin.VersionChangedOn)
}

// stamps returns the record's current change-tracking fields.
func (r *Record) stamps() Stamps {
	return Stamps{
		ID:               r.ID,
		Version:          r.Version,
		InfoChangedOn:    r.InfoChangedOn,
		VersionChangedOn: r.VersionChangedOn,
	}
}

// Clone returns a copy that shares no mutable state with r.
// Content values are immutable once attached, so they are shared.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.DeletedOn != nil {
		t := *r.DeletedOn
		c.DeletedOn = &t
	}
	return &c
}

// Snapshot is the manifest form of a record: everything except content.
type Snapshot struct {
	ID               int64      `json:"id"`
	Type             Type       `json:"type"`
	Name             string     `json:"name"`
	Color            string     `json:"color,omitempty"`
	Version          int        `json:"version"`
	CreatedOn        time.Time  `json:"created_on"`
	InfoChangedOn    time.Time  `json:"info_changed_on"`
	VersionChangedOn time.Time  `json:"version_changed_on"`
	DeletedOn        *time.Time `json:"deleted_on,omitempty"`
	Origin           Stamps     `json:"origin"`
	Marks            Marks      `json:"marks,omitempty"`
}

// Snapshot returns the manifest form of r.
func (r *Record) Snapshot() Snapshot {
	c := r.Clone()
	return Snapshot{
		ID:               c.ID,
		Type:             c.Type,
		Name:             c.Name,
		Color:            c.Color,
		Version:          c.Version,
		CreatedOn:        c.CreatedOn,
		InfoChangedOn:    c.InfoChangedOn,
		VersionChangedOn: c.VersionChangedOn,
		DeletedOn:        c.DeletedOn,
		Origin:           c.Origin,
		Marks:            c.Marks,
	}
}

// Record converts a manifest entry back into a record with no content loaded.
func (s Snapshot) Record() *Record {
	r := &Record{
		ID:               s.ID,
		Type:             s.Type,
		Name:             s.Name,
		Color:            s.Color,
		Version:          s.Version,
		CreatedOn:        s.CreatedOn,
		InfoChangedOn:    s.InfoChangedOn,
		VersionChangedOn: s.VersionChangedOn,
		Origin:           s.Origin,
		Content:          NoContent{},
		Marks:            s.Marks,
	}
	if s.DeletedOn != nil {
		t := *s.DeletedOn
		r.DeletedOn = &t
	}
	return r
}

// RemoteInfo is the remote API's view of a record's metadata. Listing calls
// fill only the change-tracking fields.
type RemoteInfo struct {
	ID               int64     `json:"id"`
	Type             Type      `json:"type"`
	Name             string    `json:"name,omitempty"`
	Color            string    `json:"color,omitempty"`
	Version          int       `json:"version"`
	CreatedOn        time.Time `json:"created_on,omitempty"`
	InfoChangedOn    time.Time `json:"info_changed_on"`
	VersionChangedOn time.Time `json:"version_changed_on"`
}

// Info returns the remote metadata form of r.
func (r *Record) Info() RemoteInfo {
	return RemoteInfo{
		ID:               r.ID,
		Type:             r.Type,
		Name:             r.Name,
		Color:            r.Color,
		Version:          r.Version,
		CreatedOn:        r.CreatedOn,
		InfoChangedOn:    r.InfoChangedOn,
		VersionChangedOn: r.VersionChangedOn,
	}
}

// Stamps returns the change-tracking fields of the remote copy.
func (i RemoteInfo) Stamps() Stamps {
	return Stamps{
		ID:               i.ID,
		Version:          i.Version,
		InfoChangedOn:    i.InfoChangedOn,
		VersionChangedOn: i.VersionChangedOn,
	}
}
