package pf_test

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"passfiles/internal/pf"
	"passfiles/internal/testutil"
)

func TestRecordContext_Create(t *testing.T) {
	ctx := context.Background()

	t.Run("allocates negative ids from the counter", func(t *testing.T) {
		ts := testutil.NewTestSession(t)
		rc := newContext(t, ts)

		first, err := rc.Create(ctx, "bank")
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		second, err := rc.Create(ctx, "mail")
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		if first.ID != -1 || second.ID != -2 {
			t.Errorf("ids = %d, %d, want -1, -2", first.ID, second.ID)
		}
		if !first.IsLocalOnly() {
			t.Error("IsLocalOnly() = false for a new record")
		}
		if first.Version != 1 {
			t.Errorf("Version = %d, want 1", first.Version)
		}
		if !first.CreatedOn.Equal(ts.Clock.Now()) {
			t.Errorf("CreatedOn = %v, want %v", first.CreatedOn, ts.Clock.Now())
		}
		if _, ok := first.Content.(pf.NoContent); !ok {
			t.Errorf("Content = %T, want NoContent", first.Content)
		}
		if !rc.AnyChanged() {
			t.Error("AnyChanged() = false after Create")
		}
		if rc.Committed(first.ID) != nil {
			t.Error("Committed() returned a record that was never committed")
		}
	})

	t.Run("counter failure", func(t *testing.T) {
		ts := testutil.NewTestSession(t)
		ts.Counter.Err = errors.New("database locked")
		rc := newContext(t, ts)

		if _, err := rc.Create(ctx, "bank"); err == nil {
			t.Fatal("Create() expected error")
		}
		if rc.AnyChanged() {
			t.Error("AnyChanged() = true after failed Create")
		}
	})
}

func TestRecordContext_CommitPersists(t *testing.T) {
	ts := testutil.NewTestSession(t)
	rc := newContext(t, ts)

	rec := createRecord(t, rc, "bank", testSections)
	if rc.AnyChanged() {
		t.Error("AnyChanged() = true after Commit")
	}

	snaps := storedList(t, ts)
	if len(snaps) != 1 {
		t.Fatalf("stored list has %d records, want 1", len(snaps))
	}
	if !reflect.DeepEqual(snaps[0], rec.Snapshot()) {
		t.Errorf("stored = %+v, want %+v", snaps[0], rec.Snapshot())
	}
	if got := storedVersions(t, ts, rec.ID); !reflect.DeepEqual(got, []int{1}) {
		t.Errorf("stored versions = %v, want [1]", got)
	}

	// A fresh context sees the same record and can decrypt it.
	other := newContext(t, ts)
	loaded := other.Get(rec.ID)
	if loaded == nil {
		t.Fatalf("Get(%d) = nil in a fresh context", rec.ID)
	}
	v, err := other.Decrypt(loaded, testPass)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	checkValue(t, v, testSections)
}

func TestRecordContext_CommitIsNoOpWithoutChanges(t *testing.T) {
	ts := testutil.NewTestSession(t)
	store := &countingStorage{Storage: ts.Store}
	ts.Session.Storage = store
	rc := newContext(t, ts)

	createRecord(t, rc, "bank", testSections)
	if store.saveLists != 1 {
		t.Fatalf("SaveList calls = %d, want 1", store.saveLists)
	}

	if err := rc.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if store.saveLists != 1 {
		t.Errorf("SaveList calls = %d after empty Commit, want 1", store.saveLists)
	}
}

func TestRecordContext_CommitWritesContentBeforeManifest(t *testing.T) {
	ts := testutil.NewTestSession(t)
	store := &countingStorage{Storage: ts.Store, saveContentErr: errors.New("disk full")}
	ts.Session.Storage = store
	rc := newContext(t, ts)

	rec, err := rc.Create(context.Background(), "bank")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := rc.SetValue(rec, testSections, testPass); err != nil {
		t.Fatalf("SetValue() error = %v", err)
	}

	err = rc.Commit()
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("Commit() error = %v, want disk full", err)
	}
	if store.saveLists != 0 {
		t.Errorf("SaveList calls = %d, want 0", store.saveLists)
	}
	if !rc.AnyChanged() {
		t.Error("AnyChanged() = false after failed Commit")
	}
	if snaps := storedList(t, ts); len(snaps) != 0 {
		t.Errorf("stored list = %+v, want empty", snaps)
	}

	store.saveContentErr = nil
	if err := rc.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if store.saveLists != 1 {
		t.Errorf("SaveList calls = %d, want 1", store.saveLists)
	}
}

func TestRecordContext_VersionBumpsOncePerCommit(t *testing.T) {
	ts := testutil.NewTestSession(t)
	rc := newContext(t, ts)
	rec := createRecord(t, rc, "bank", testSections)
	if rec.Version != 1 {
		t.Fatalf("Version = %d, want 1", rec.Version)
	}

	edit := pf.Sections{{ID: "s1", Name: "Bank", Items: []pf.Item{{Name: "user", Value: "bob"}}}}

	ts.Clock.Advance(time.Minute)
	if err := rc.SetValue(rec, edit, testPass); err != nil {
		t.Fatalf("SetValue() error = %v", err)
	}
	if rec.Version != 2 {
		t.Errorf("Version = %d, want 2", rec.Version)
	}
	if !rec.VersionChangedOn.Equal(ts.Clock.Now()) {
		t.Errorf("VersionChangedOn = %v, want %v", rec.VersionChangedOn, ts.Clock.Now())
	}

	if err := rc.SetValue(rec, testSections, testPass); err != nil {
		t.Fatalf("SetValue() error = %v", err)
	}
	if rec.Version != 2 {
		t.Errorf("Version = %d, second edit in the same cycle keeps the version", rec.Version)
	}

	if err := rc.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if err := rc.SetValue(rec, edit, testPass); err != nil {
		t.Fatalf("SetValue() error = %v", err)
	}
	if rec.Version != 3 {
		t.Errorf("Version = %d, want 3", rec.Version)
	}

	if err := rc.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if got := storedVersions(t, ts, rec.ID); !reflect.DeepEqual(got, []int{1, 2, 3}) {
		t.Errorf("stored versions = %v, want [1 2 3]", got)
	}
}

func TestRecordContext_SetValue(t *testing.T) {
	ts := testutil.NewTestSession(t)
	rc := newContext(t, ts)
	rec, err := rc.Create(context.Background(), "bank")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := rc.SetValue(rec, testSections, ""); !errors.Is(err, pf.ErrPassphraseRequired) {
		t.Errorf("SetValue() without passphrase error = %v, want ErrPassphraseRequired", err)
	}
	if err := rc.SetValue(rec, pf.Note{Text: "x"}, testPass); err == nil {
		t.Error("SetValue() of a note in a password context expected error")
	}
}

func TestRecordContext_Rename(t *testing.T) {
	ts := testutil.NewTestSession(t)
	rc := newContext(t, ts)
	rec := createRecord(t, rc, "bank", testSections)
	created := rec.InfoChangedOn

	if err := rc.Rename(rec, "bank", ""); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	if rc.AnyChanged() {
		t.Error("AnyChanged() = true, unchanged name is a no-op")
	}

	ts.Clock.Advance(time.Minute)
	if err := rc.Rename(rec, "savings", "green"); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	if !rc.AnyChanged() {
		t.Error("AnyChanged() = false after Rename")
	}
	if rec.Name != "savings" || rec.Color != "green" {
		t.Errorf("record = %q/%q, want savings/green", rec.Name, rec.Color)
	}
	if want := created.Add(time.Minute); !rec.InfoChangedOn.Equal(want) {
		t.Errorf("InfoChangedOn = %v, want %v", rec.InfoChangedOn, want)
	}
	if rec.Version != 1 {
		t.Errorf("Version = %d, renaming leaves the content version alone", rec.Version)
	}
}

func TestRecordContext_Decrypt(t *testing.T) {
	ts := testutil.NewTestSession(t)
	rc := newContext(t, ts)
	createRecord(t, rc, "bank", testSections)

	other := newContext(t, ts)
	rec := other.Get(-1)
	if rec == nil {
		t.Fatal("Get(-1) = nil")
	}

	if _, err := other.Decrypt(rec, "wrong"); !errors.Is(err, pf.ErrDecryptionFailure) {
		t.Errorf("Decrypt() with wrong passphrase error = %v, want ErrDecryptionFailure", err)
	}

	v, err := other.Decrypt(rec, testPass)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	checkValue(t, v, testSections)
	if _, ok := rec.Content.(pf.FullContent); !ok {
		t.Errorf("Content = %T, want FullContent", rec.Content)
	}
}

func TestRecordContext_DecryptVersion(t *testing.T) {
	ts := testutil.NewTestSession(t)
	rc := newContext(t, ts)
	rec := createRecord(t, rc, "bank", testSections)

	edit := pf.Sections{{ID: "s1", Name: "Bank", Items: []pf.Item{{Name: "user", Value: "bob"}}}}
	if err := rc.SetValue(rec, edit, testPass); err != nil {
		t.Fatalf("SetValue() error = %v", err)
	}
	if err := rc.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	v, err := rc.DecryptVersion(rec, 1, testPass)
	if err != nil {
		t.Fatalf("DecryptVersion() error = %v", err)
	}
	checkValue(t, v, testSections)
	if rec.Version != 2 || rc.AnyChanged() {
		t.Errorf("record changed: Version = %d, AnyChanged = %v", rec.Version, rc.AnyChanged())
	}

	if _, err := rc.DecryptVersion(rec, 1, "wrong"); !errors.Is(err, pf.ErrDecryptionFailure) {
		t.Errorf("DecryptVersion() with wrong passphrase error = %v, want ErrDecryptionFailure", err)
	}
	if _, err := rc.DecryptVersion(rec, 9, testPass); !errors.Is(err, pf.ErrVersionNotFound) {
		t.Errorf("DecryptVersion(9) error = %v, want ErrVersionNotFound", err)
	}
}

func TestRecordContext_Delete(t *testing.T) {
	ctx := context.Background()

	addServerRecord := func(t *testing.T, rc *pf.RecordContext) {
		t.Helper()
		if err := rc.Add(&pf.Record{ID: 5, Type: pf.TypePassword, Name: "mail", Version: 1}, nil); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
		if err := rc.Commit(); err != nil {
			t.Fatalf("Commit() error = %v", err)
		}
	}

	t.Run("uncommitted record disappears at once", func(t *testing.T) {
		ts := testutil.NewTestSession(t)
		rc := newContext(t, ts)
		rec, err := rc.Create(ctx, "bank")
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		if err := rc.Delete(rec.ID, false); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if rc.Get(rec.ID) != nil || len(rc.List()) != 0 {
			t.Error("record still listed after Delete")
		}
	})

	t.Run("committed local record is removed at commit", func(t *testing.T) {
		ts := testutil.NewTestSession(t)
		rc := newContext(t, ts)
		rec := createRecord(t, rc, "bank", testSections)

		if err := rc.Delete(rec.ID, false); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if rc.Get(rec.ID) != nil {
			t.Error("record still present after Delete")
		}
		if err := rc.Commit(); err != nil {
			t.Fatalf("Commit() error = %v", err)
		}

		if snaps := storedList(t, ts); len(snaps) != 0 {
			t.Errorf("stored list = %+v, want empty", snaps)
		}
		if _, err := ts.Store.LoadContent(pf.TypePassword, rec.ID, 1); !errors.Is(err, pf.ErrVersionNotFound) {
			t.Errorf("LoadContent() error = %v, want ErrVersionNotFound", err)
		}
	})

	t.Run("server record is soft-deleted", func(t *testing.T) {
		ts := testutil.NewTestSession(t)
		rc := newContext(t, ts)
		addServerRecord(t, rc)

		ts.Clock.Advance(time.Minute)
		if err := rc.Delete(5, false); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		rec := rc.Get(5)
		if rec == nil {
			t.Fatal("Get(5) = nil, want soft-deleted record")
		}
		if !rec.IsDeleted() || !rec.DeletedOn.Equal(ts.Clock.Now()) {
			t.Errorf("DeletedOn = %v, want %v", rec.DeletedOn, ts.Clock.Now())
		}
		if n := len(rc.List()); n != 1 {
			t.Errorf("List() has %d records, want 1", n)
		}
	})

	t.Run("confirmed server deletion removes the record", func(t *testing.T) {
		ts := testutil.NewTestSession(t)
		rc := newContext(t, ts)
		addServerRecord(t, rc)

		if err := rc.Delete(5, true); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if rc.Get(5) != nil {
			t.Error("record 5 still present")
		}
	})

	t.Run("unknown record", func(t *testing.T) {
		ts := testutil.NewTestSession(t)
		rc := newContext(t, ts)
		if err := rc.Delete(42, false); !errors.Is(err, pf.ErrUnexpectedState) {
			t.Errorf("Delete(42) error = %v, want ErrUnexpectedState", err)
		}
	})
}

func TestRecordContext_Add(t *testing.T) {
	ts := testutil.NewTestSession(t)
	rc := newContext(t, ts)

	if err := rc.Add(&pf.Record{ID: 5, Type: pf.TypePassword}, nil); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	tests := []struct {
		name string
		rec  *pf.Record
	}{
		{"duplicate id", &pf.Record{ID: 5, Type: pf.TypePassword}},
		{"wrong type", &pf.Record{ID: 6, Type: pf.TypeNote}},
		{"nil record", nil},
	}
	for _, tt := range tests {
		if err := rc.Add(tt.rec, nil); !errors.Is(err, pf.ErrUnexpectedState) {
			t.Errorf("Add(%s) error = %v, want ErrUnexpectedState", tt.name, err)
		}
	}
	if _, ok := rc.Get(5).Content.(pf.NoContent); !ok {
		t.Errorf("Content = %T, want NoContent", rc.Get(5).Content)
	}
}

func TestRecordContext_AddReplaceKeepsPendingContent(t *testing.T) {
	ts := testutil.NewTestSession(t)
	rc := newContext(t, ts)
	local := createRecord(t, rc, "bank", testSections)

	assigned := local.Clone()
	assigned.ID = 10
	assigned.Content = pf.NoContent{}
	if err := rc.Add(assigned, local); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := rc.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	if rc.Get(local.ID) != nil {
		t.Errorf("placeholder %d still present", local.ID)
	}
	got := rc.Get(10)
	if got == nil {
		t.Fatal("Get(10) = nil")
	}
	v, _, ok := pf.DecryptedValue(got.Content)
	if !ok {
		t.Fatalf("Content = %T, want decrypted content", got.Content)
	}
	checkValue(t, v, testSections)

	if _, err := ts.Store.LoadContent(pf.TypePassword, 10, 1); err != nil {
		t.Errorf("LoadContent(10, 1) error = %v", err)
	}
	if _, err := ts.Store.LoadContent(pf.TypePassword, local.ID, 1); !errors.Is(err, pf.ErrVersionNotFound) {
		t.Errorf("placeholder content: error = %v, want ErrVersionNotFound", err)
	}
}

func TestRecordContext_Rollback(t *testing.T) {
	ctx := context.Background()

	t.Run("restores committed state", func(t *testing.T) {
		ts := testutil.NewTestSession(t)
		rc := newContext(t, ts)
		rec := createRecord(t, rc, "bank", testSections)

		if err := rc.Rename(rec, "renamed", ""); err != nil {
			t.Fatalf("Rename() error = %v", err)
		}
		if _, err := rc.Create(ctx, "scratch"); err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		rc.Rollback()
		if rc.AnyChanged() {
			t.Error("AnyChanged() = true after Rollback")
		}
		if n := len(rc.List()); n != 1 {
			t.Fatalf("List() has %d records, want 1", n)
		}
		if got := rc.Get(rec.ID).Name; got != "bank" {
			t.Errorf("Name = %q, want bank", got)
		}
	})

	t.Run("keeps decrypted content of the committed version", func(t *testing.T) {
		ts := testutil.NewTestSession(t)
		rc := newContext(t, ts)
		rec := createRecord(t, rc, "bank", testSections)

		edit := pf.Sections{{ID: "s1", Name: "Bank", Items: []pf.Item{{Name: "user", Value: "bob"}}}}
		if err := rc.SetValue(rec, edit, testPass); err != nil {
			t.Fatalf("SetValue() error = %v", err)
		}
		rc.Rollback()

		restored := rc.Get(rec.ID)
		if restored.Version != 1 {
			t.Errorf("Version = %d, want 1", restored.Version)
		}
		v, pass, ok := pf.DecryptedValue(restored.Content)
		if !ok {
			t.Fatalf("Content = %T, want decrypted content", restored.Content)
		}
		checkValue(t, v, testSections)
		if pass != testPass {
			t.Errorf("passphrase = %q, want %q", pass, testPass)
		}
	})

	t.Run("old handles become stale", func(t *testing.T) {
		ts := testutil.NewTestSession(t)
		rc := newContext(t, ts)
		rec := createRecord(t, rc, "bank", testSections)

		if err := rc.Rename(rec, "renamed", ""); err != nil {
			t.Fatalf("Rename() error = %v", err)
		}
		rc.Rollback()

		if err := rc.Rename(rec, "again", ""); !errors.Is(err, pf.ErrUnexpectedState) {
			t.Errorf("Rename() on stale handle error = %v, want ErrUnexpectedState", err)
		}
		if err := rc.SetMarks(rec, pf.MarkMerged); !errors.Is(err, pf.ErrUnexpectedState) {
			t.Errorf("SetMarks() on stale handle error = %v, want ErrUnexpectedState", err)
		}
	})
}

func TestRecordContext_LoadList(t *testing.T) {
	ts := testutil.NewTestSession(t)
	err := ts.Store.SaveList(pf.TypePassword, []pf.Snapshot{
		{ID: 2, Type: pf.TypePassword, Name: "b", Version: 1},
		{ID: 1, Type: pf.TypePassword, Name: "a", Version: 1},
		{ID: 3, Type: pf.TypeNote, Name: "stray", Version: 1},
	})
	if err != nil {
		t.Fatalf("SaveList() error = %v", err)
	}

	rc := newContext(t, ts)
	list := rc.List()
	if len(list) != 2 || list[0].ID != 1 || list[1].ID != 2 {
		t.Fatalf("List() = %+v, want records 1 and 2", list)
	}

	if _, err := rc.Create(context.Background(), "pending"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := rc.LoadList(); err != nil {
		t.Fatalf("LoadList() error = %v", err)
	}
	if n := len(rc.List()); n != 2 {
		t.Errorf("List() has %d records, reload discards uncommitted records", n)
	}
	if rc.AnyChanged() {
		t.Error("AnyChanged() = true after LoadList")
	}
}

func TestRecordContext_MarksArePersisted(t *testing.T) {
	ts := testutil.NewTestSession(t)
	rc := newContext(t, ts)
	rec := createRecord(t, rc, "bank", testSections)

	if err := rc.SetMarks(rec, pf.MarkUploadError); err != nil {
		t.Fatalf("SetMarks() error = %v", err)
	}
	if err := rc.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	other := newContext(t, ts)
	if got := other.Get(rec.ID).Marks; !got.Has(pf.MarkUploadError) {
		t.Errorf("Marks = %v, want upload-error", got)
	}
}

// listingStorage records every content deletion.
type listingStorage struct {
	pf.Storage
	deleted []int
}

func (s *listingStorage) DeleteContent(t pf.Type, id int64, version int) error {
	s.deleted = append(s.deleted, version)
	return s.Storage.DeleteContent(t, id, version)
}

func TestRecordContext_CommitPrunesVersionsAboveAdopted(t *testing.T) {
	ts := testutil.NewTestSession(t)
	store := &listingStorage{Storage: ts.Store}
	ts.Session.Storage = store
	rc := newContext(t, ts)
	if err := rc.Add(&pf.Record{ID: 5, Type: pf.TypePassword, Name: "mail", Version: 1}, nil); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := rc.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	rec := rc.Get(5)

	for i := 0; i < 3; i++ {
		ts.Clock.Advance(time.Minute)
		if err := rc.SetValue(rec, pf.Sections{section("s1", "Mail", string(rune('a'+i)))}, testPass); err != nil {
			t.Fatalf("SetValue() error = %v", err)
		}
		if err := rc.Commit(); err != nil {
			t.Fatalf("Commit() error = %v", err)
		}
	}
	if got := storedVersions(t, ts, 5); !reflect.DeepEqual(got, []int{2, 3, 4}) {
		t.Fatalf("stored versions = %v, want [2 3 4]", got)
	}

	// The server numbered the upload 2.
	rec.Version = 2
	if err := rc.UpdateContent(rec, true); err != nil {
		t.Fatalf("UpdateContent() error = %v", err)
	}
	if err := rc.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	if got := storedVersions(t, ts, 5); !reflect.DeepEqual(got, []int{2}) {
		t.Errorf("stored versions = %v, want [2]", got)
	}
	data, err := ts.Store.LoadContent(pf.TypePassword, 5, 2)
	if err != nil {
		t.Fatalf("LoadContent(5, 2) error = %v", err)
	}
	checkValue(t, decodeValue(t, pf.TypePassword, data, testPass), pf.Sections{section("s1", "Mail", "c")})
	if !reflect.DeepEqual(store.deleted, []int{2, 3, 4}) {
		t.Errorf("deleted versions = %v, want [2 3 4]", store.deleted)
	}
	if snaps := storedList(t, ts); len(snaps) != 1 || snaps[0].Version != 2 {
		t.Errorf("stored list = %+v, want record at version 2", snaps)
	}
}
