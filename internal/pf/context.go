package pf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
)

// localIDSequence is the counter sequence that local placeholder ids come from.
const localIDSequence = "local_record_id"

// pair tracks a record's last committed value (source) and its live value
// (current). source is nil for records never committed; current is nil for
// records removed and awaiting commit. Both nil is never stored.
type pair struct {
	source  *Record
	current *Record
}

// RecordContext holds the in-memory state of one record type for a session.
// It is not safe for concurrent use; callers serialize access.
type RecordContext struct {
	session    *Session
	typ        Type
	state      map[int64]*pair
	anyChanged bool
}

// NewRecordContext creates an empty context for records of type t.
// Call LoadList to populate it.
func NewRecordContext(session *Session, t Type) *RecordContext {
	return &RecordContext{
		session: session,
		typ:     t,
		state:   make(map[int64]*pair),
	}
}

// Type returns the record type this context manages.
func (c *RecordContext) Type() Type { return c.typ }

// AnyChanged reports whether there are uncommitted changes.
func (c *RecordContext) AnyChanged() bool { return c.anyChanged }

// LoadList (re)populates the context from local storage, discarding any
// uncommitted changes.
func (c *RecordContext) LoadList() error {
	snaps, err := c.session.Storage.LoadList(c.typ)
	if err != nil {
		return fmt.Errorf("loading %s list: %w", c.typ, err)
	}

	state := make(map[int64]*pair, len(snaps))
	for _, s := range snaps {
		if s.Type != c.typ {
			c.session.Logger.Warn("skipping manifest entry of foreign type", "id", s.ID, "type", s.Type)
			continue
		}
		src := s.Record()
		state[src.ID] = &pair{source: src, current: src.Clone()}
	}

	c.state = state
	c.anyChanged = false
	return nil
}

// List returns the live records ordered by id. Soft-deleted records are included.
func (c *RecordContext) List() []*Record {
	records := make([]*Record, 0, len(c.state))
	for _, p := range c.state {
		if p.current != nil {
			records = append(records, p.current)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records
}

// Get returns the live record with the given id, or nil.
func (c *RecordContext) Get(id int64) *Record {
	if p, ok := c.state[id]; ok {
		return p.current
	}
	return nil
}

// Committed returns a copy of the last committed value of a record, or nil.
func (c *RecordContext) Committed(id int64) *Record {
	if p, ok := c.state[id]; ok {
		return p.source.Clone()
	}
	return nil
}

// lookup returns the pair whose live record is rec.
func (c *RecordContext) lookup(rec *Record) (*pair, error) {
	if rec == nil {
		return nil, unexpected("nil record")
	}
	p, ok := c.state[rec.ID]
	if !ok || p.current != rec {
		return nil, unexpected("stale handle for record %d", rec.ID)
	}
	return p, nil
}

// LoadContent attaches the record's encrypted content from local storage.
// Content that is already loaded is left untouched.
func (c *RecordContext) LoadContent(rec *Record) error {
	p, err := c.lookup(rec)
	if err != nil {
		return err
	}
	if _, ok := EncryptedData(rec.Content); ok {
		return nil
	}
	if _, ok := rec.Content.(DecryptedContent); ok {
		// Pending edit; the stored blob is of an older version.
		return nil
	}

	data, err := c.session.Storage.LoadContent(c.typ, rec.ID, rec.Version)
	if err != nil {
		return err
	}
	rec.Content = withData(rec.Content, data)
	if p.source != nil && p.source.ID == rec.ID && p.source.Version == rec.Version {
		p.source.Content = withData(p.source.Content, data)
	}
	return nil
}

// Decrypt loads and decrypts the record's content with passphrase.
// Returns ErrDecryptionFailure when the passphrase does not fit.
func (c *RecordContext) Decrypt(rec *Record, passphrase string) (Value, error) {
	if _, err := c.lookup(rec); err != nil {
		return nil, err
	}
	if v, p, ok := DecryptedValue(rec.Content); ok && p == passphrase {
		return v, nil
	}
	if err := c.LoadContent(rec); err != nil {
		return nil, err
	}
	data, ok := EncryptedData(rec.Content)
	if !ok {
		return nil, ErrDecryptionFailure
	}
	v, err := c.session.decryptValue(c.typ, data, passphrase)
	if err != nil {
		return nil, err
	}
	rec.Content = FullContent{Data: data, Value: v, Passphrase: passphrase}
	return v, nil
}

// DecryptVersion reads and decrypts a stored version of rec other than the
// current one. The record is not changed.
func (c *RecordContext) DecryptVersion(rec *Record, version int, passphrase string) (Value, error) {
	if _, err := c.lookup(rec); err != nil {
		return nil, err
	}
	data, err := c.session.Storage.LoadContent(c.typ, rec.ID, version)
	if err != nil {
		return nil, err
	}
	return c.session.decryptValue(c.typ, data, passphrase)
}

// Create allocates a new local record with a fresh negative id.
func (c *RecordContext) Create(ctx context.Context, name string) (*Record, error) {
	n, err := c.session.Counter.NextValue(ctx, localIDSequence)
	if err != nil {
		return nil, fmt.Errorf("allocating local id: %w", err)
	}
	id := -n
	if _, exists := c.state[id]; exists {
		return nil, unexpected("local id %d already in use", id)
	}

	now := c.session.Clock.Now()
	rec := &Record{
		ID:               id,
		Type:             c.typ,
		Name:             name,
		Version:          1,
		CreatedOn:        now,
		InfoChangedOn:    now,
		VersionChangedOn: now,
		Content:          NoContent{},
	}
	c.state[id] = &pair{current: rec}
	c.anyChanged = true
	return rec, nil
}

// Add inserts a remote-originated record. When replace is non-nil it names a
// local record that is being assigned its server identity: the pair keeps its
// committed source and the live value becomes origin. Pending content of
// replace carries over if origin has none.
func (c *RecordContext) Add(origin *Record, replace *Record) error {
	if origin == nil {
		return unexpected("nil record")
	}
	if origin.Type != c.typ {
		return unexpected("record %d has type %s, context holds %s", origin.ID, origin.Type, c.typ)
	}
	if origin.Content == nil {
		origin.Content = NoContent{}
	}

	if replace == nil {
		if _, exists := c.state[origin.ID]; exists {
			return unexpected("record %d already present", origin.ID)
		}
		c.state[origin.ID] = &pair{current: origin}
		c.anyChanged = true
		return nil
	}

	p, err := c.lookup(replace)
	if err != nil {
		return err
	}
	if origin.ID != replace.ID {
		if _, exists := c.state[origin.ID]; exists {
			return unexpected("record %d already present", origin.ID)
		}
	}
	if _, ok := origin.Content.(NoContent); ok {
		origin.Content = replace.Content
	}
	delete(c.state, replace.ID)
	c.state[origin.ID] = &pair{source: p.source, current: origin}
	c.anyChanged = true
	return nil
}

// UpdateInfo records a metadata change. With fromOrigin the record's info is
// now known to equal the server's; otherwise it is a local edit.
func (c *RecordContext) UpdateInfo(rec *Record, fromOrigin bool) error {
	if _, err := c.lookup(rec); err != nil {
		return err
	}
	if fromOrigin {
		rec.Origin.ID = rec.ID
		rec.Origin.InfoChangedOn = rec.InfoChangedOn
	} else {
		rec.InfoChangedOn = c.session.Clock.Now()
	}
	c.anyChanged = true
	return nil
}

// UpdateContent records a content change. A local edit bumps the version
// once per commit cycle.
func (c *RecordContext) UpdateContent(rec *Record, fromOrigin bool) error {
	p, err := c.lookup(rec)
	if err != nil {
		return err
	}
	if fromOrigin {
		rec.Origin.ID = rec.ID
		rec.Origin.Version = rec.Version
		rec.Origin.VersionChangedOn = rec.VersionChangedOn
	} else {
		if p.source != nil && rec.Version == p.source.Version {
			rec.Version++
		}
		rec.VersionChangedOn = c.session.Clock.Now()
	}
	c.anyChanged = true
	return nil
}

// Rename changes the user-facing metadata of a record.
func (c *RecordContext) Rename(rec *Record, name, color string) error {
	if _, err := c.lookup(rec); err != nil {
		return err
	}
	if rec.Name == name && rec.Color == color {
		return nil
	}
	rec.Name = name
	rec.Color = color
	return c.UpdateInfo(rec, false)
}

// SetValue replaces the record's content with a new decrypted value.
func (c *RecordContext) SetValue(rec *Record, v Value, passphrase string) error {
	if _, err := c.lookup(rec); err != nil {
		return err
	}
	if v.ContentType() != c.typ {
		return fmt.Errorf("content of type %s cannot be stored in a %s record", v.ContentType(), c.typ)
	}
	if passphrase == "" {
		return ErrPassphraseRequired
	}
	rec.Content = DecryptedContent{Value: v, Passphrase: passphrase}
	return c.UpdateContent(rec, false)
}

// SetMarks replaces the sync marks of a record.
func (c *RecordContext) SetMarks(rec *Record, marks Marks) error {
	if _, err := c.lookup(rec); err != nil {
		return err
	}
	if rec.Marks == marks {
		return nil
	}
	rec.Marks = marks
	c.anyChanged = true
	return nil
}

// Delete removes or soft-deletes a record. Records never committed disappear
// immediately; local-only records and deletions confirmed by the server
// (fromOrigin) are hard-removed at the next commit; anything else gets a
// pending soft-delete for the next sync.
func (c *RecordContext) Delete(id int64, fromOrigin bool) error {
	p, ok := c.state[id]
	if !ok || p.current == nil {
		return unexpected("no live record %d", id)
	}
	switch {
	case p.source == nil:
		delete(c.state, id)
	case p.current.IsLocalOnly() || fromOrigin:
		p.current = nil
	default:
		now := c.session.Clock.Now()
		p.current.DeletedOn = &now
	}
	c.anyChanged = true
	return nil
}

// Rollback discards all uncommitted changes. Decrypted content is carried
// over where the passphrase still fits, so the user is not asked again.
func (c *RecordContext) Rollback() {
	state := make(map[int64]*pair, len(c.state))
	for _, p := range c.state {
		if p.source == nil {
			continue
		}
		restored := p.source.Clone()
		if p.current != nil {
			restored.Content = c.transplant(p.source, p.current)
		}
		state[restored.ID] = &pair{source: p.source, current: restored}
	}
	c.state = state
	c.anyChanged = false
}

// transplant returns the content for a record restored from src, reusing
// what the discarded edit had already decrypted.
func (c *RecordContext) transplant(src, discarded *Record) Content {
	v, pass, ok := DecryptedValue(discarded.Content)
	if !ok {
		return src.Content
	}
	if discarded.ID == src.ID && discarded.Version == src.Version &&
		discarded.VersionChangedOn.Equal(src.VersionChangedOn) {
		if data, ok := EncryptedData(src.Content); ok {
			return FullContent{Data: data, Value: v, Passphrase: pass}
		}
		return discarded.Content
	}
	data, ok := EncryptedData(src.Content)
	if !ok {
		return src.Content
	}
	restored, err := c.session.decryptValue(c.typ, data, pass)
	if err != nil {
		return src.Content
	}
	return FullContent{Data: data, Value: restored, Passphrase: pass}
}

// Commit persists all uncommitted changes: content first, then the manifest.
// If any content write fails the manifest is left untouched and the error is
// returned. Calling Commit with nothing changed is a no-op.
func (c *RecordContext) Commit() error {
	if !c.anyChanged {
		return nil
	}

	pairs := c.sortedPairs()

	for _, p := range pairs {
		if p.current == nil {
			continue
		}
		if dc, ok := p.current.Content.(DecryptedContent); ok {
			data, err := c.session.encryptValue(dc.Value, dc.Passphrase)
			if err != nil {
				return fmt.Errorf("encrypting record %d: %w", p.current.ID, err)
			}
			p.current.Content = FullContent{Data: data, Value: dc.Value, Passphrase: dc.Passphrase}
		}
	}

	for _, p := range pairs {
		if p.current == nil || !contentDirty(p) {
			continue
		}
		if rewound(p) {
			// The old manifest still references source.Version; everything
			// else from the adopted version up is superseded.
			err := c.pruneVersions(p.current.ID, func(v int) bool {
				return v >= p.current.Version && v != p.source.Version
			})
			if err != nil {
				return fmt.Errorf("pruning superseded content of record %d: %w", p.current.ID, err)
			}
		}
		data, _ := EncryptedData(p.current.Content)
		if err := c.session.Storage.SaveContent(c.typ, p.current.ID, p.current.Version, data); err != nil {
			return fmt.Errorf("saving content of record %d: %w", p.current.ID, err)
		}
	}

	snaps := make([]Snapshot, 0, len(pairs))
	for _, p := range pairs {
		if p.current != nil {
			snaps = append(snaps, p.current.Snapshot())
		}
	}
	if err := c.session.Storage.SaveList(c.typ, snaps); err != nil {
		return fmt.Errorf("saving %s list: %w", c.typ, err)
	}

	state := make(map[int64]*pair, len(snaps))
	for _, p := range pairs {
		if p.source != nil && (p.current == nil || p.source.ID != p.current.ID) {
			if err := c.session.Storage.DeleteContent(c.typ, p.source.ID, AllVersions); err != nil {
				c.session.Logger.Warn("removing stale content", "id", p.source.ID, "error", err)
			}
		}
		if rewound(p) {
			if err := c.pruneVersions(p.current.ID, func(v int) bool { return v > p.current.Version }); err != nil {
				c.session.Logger.Warn("removing superseded content", "id", p.current.ID, "error", err)
			}
		}
		if p.current == nil {
			continue
		}
		state[p.current.ID] = &pair{source: p.current.Clone(), current: p.current}
	}
	c.state = state
	c.anyChanged = false
	return nil
}

func (c *RecordContext) sortedPairs() []*pair {
	pairs := make([]*pair, 0, len(c.state))
	for _, p := range c.state {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool { return pairKey(pairs[i]) < pairKey(pairs[j]) })
	return pairs
}

func pairKey(p *pair) int64 {
	if p.current != nil {
		return p.current.ID
	}
	return p.source.ID
}

// rewound reports whether the record moves to a lower version number, which
// happens when an upload of offline edits adopts the server's numbering.
func rewound(p *pair) bool {
	return p.source != nil && p.current != nil &&
		p.source.ID == p.current.ID && p.current.Version < p.source.Version
}

func (c *RecordContext) pruneVersions(id int64, drop func(int) bool) error {
	versions, err := c.session.Storage.GetVersions(c.typ, id)
	if err != nil {
		return err
	}
	for _, v := range versions {
		if !drop(v) {
			continue
		}
		if err := c.session.Storage.DeleteContent(c.typ, id, v); err != nil {
			return err
		}
	}
	return nil
}

// contentDirty reports whether the live content must be written to storage.
func contentDirty(p *pair) bool {
	cur, ok := EncryptedData(p.current.Content)
	if !ok {
		return false
	}
	if p.source == nil || p.source.ID != p.current.ID || p.source.Version != p.current.Version {
		return true
	}
	old, ok := EncryptedData(p.source.Content)
	return !ok || !bytes.Equal(old, cur)
}

// encryptedData returns the record's encrypted content, encrypting a pending
// edit or loading it from storage as needed.
func (c *RecordContext) encryptedData(rec *Record) ([]byte, error) {
	if _, err := c.lookup(rec); err != nil {
		return nil, err
	}
	if dc, ok := rec.Content.(DecryptedContent); ok {
		data, err := c.session.encryptValue(dc.Value, dc.Passphrase)
		if err != nil {
			return nil, err
		}
		rec.Content = FullContent{Data: data, Value: dc.Value, Passphrase: dc.Passphrase}
		return data, nil
	}
	if err := c.LoadContent(rec); err != nil {
		return nil, err
	}
	data, ok := EncryptedData(rec.Content)
	if !ok {
		return nil, errors.New("record has no content")
	}
	return data, nil
}
