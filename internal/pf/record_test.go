package pf_test

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"passfiles/internal/pf"
)

func TestParseType(t *testing.T) {
	tests := []struct {
		in      string
		want    pf.Type
		wantErr bool
	}{
		{"password", pf.TypePassword, false},
		{"Passwords", pf.TypePassword, false},
		{"note", pf.TypeNote, false},
		{"notes", pf.TypeNote, false},
		{"card", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := pf.ParseType(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseType(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got != tt.want {
				t.Errorf("ParseType(%q) = %v, want %v", tt.in, got, tt.want)
			}
			back, err := pf.ParseType(got.String())
			if err != nil || back != got {
				t.Errorf("ParseType(%q) = %v, %v, want %v", got.String(), back, err, got)
			}
		})
	}
}

func TestMarks(t *testing.T) {
	m := pf.MarkNeedsMerge | pf.MarkDeleteError
	if !m.Has(pf.MarkNeedsMerge) || !m.Has(pf.MarkDeleteError) {
		t.Errorf("%v is missing a set mark", m)
	}
	if m.Has(pf.MarkMerged) {
		t.Errorf("%v.Has(merged) = true", m)
	}
	if got := m.String(); got != "needs-merge,delete-error" {
		t.Errorf("String() = %q, want needs-merge,delete-error", got)
	}
	if got := pf.Marks(0).String(); got != "" {
		t.Errorf("String() of no marks = %q, want empty", got)
	}
}

func TestRecord_ContentChanged(t *testing.T) {
	base := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	rec := &pf.Record{VersionChangedOn: base, Origin: pf.Stamps{VersionChangedOn: base}}
	if rec.ContentChanged() {
		t.Error("ContentChanged() = true with matching stamps")
	}

	rec.VersionChangedOn = base.Add(time.Second)
	if !rec.ContentChanged() {
		t.Error("ContentChanged() = false after a local edit")
	}
}

func TestRecord_CloneIsIndependent(t *testing.T) {
	deleted := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	rec := &pf.Record{ID: 3, Name: "bank", DeletedOn: &deleted}

	c := rec.Clone()
	c.Name = "mail"
	*c.DeletedOn = deleted.Add(time.Hour)

	if rec.Name != "bank" || !rec.DeletedOn.Equal(deleted) {
		t.Errorf("original changed through clone: %+v", rec)
	}
	if (*pf.Record)(nil).Clone() != nil {
		t.Error("Clone() of nil is not nil")
	}
}

func TestSnapshot_RoundTrip(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	rec := &pf.Record{
		ID:               7,
		Type:             pf.TypeNote,
		Name:             "wifi",
		Color:            "blue",
		Version:          3,
		CreatedOn:        now,
		InfoChangedOn:    now.Add(time.Minute),
		VersionChangedOn: now.Add(2 * time.Minute),
		DeletedOn:        &now,
		Origin:           pf.Stamps{ID: 7, Version: 2},
		Content:          pf.EncryptedContent{Data: []byte("x")},
		Marks:            pf.MarkUploadError,
	}

	back := rec.Snapshot().Record()

	if _, ok := back.Content.(pf.NoContent); !ok {
		t.Errorf("Content = %T, want NoContent", back.Content)
	}
	back.Content = rec.Content
	if !reflect.DeepEqual(back, rec) {
		t.Errorf("Record() = %+v, want %+v", back, rec)
	}
	if back.DeletedOn == rec.DeletedOn {
		t.Error("DeletedOn is shared with the snapshot source")
	}
}

func TestRecord_InfoAndStamps(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	rec := &pf.Record{ID: 4, Type: pf.TypePassword, Name: "a", Version: 2, InfoChangedOn: now, VersionChangedOn: now}

	info := rec.Info()
	want := pf.Stamps{ID: 4, Version: 2, InfoChangedOn: now, VersionChangedOn: now}
	if got := info.Stamps(); !reflect.DeepEqual(got, want) {
		t.Errorf("Stamps() = %+v, want %+v", got, want)
	}
	if info.Name != "a" {
		t.Errorf("Name = %q, want a", info.Name)
	}
}

func TestContentAccessors(t *testing.T) {
	v := pf.Note{Text: "hi"}
	tests := []struct {
		name     string
		content  pf.Content
		wantData bool
		wantVal  bool
	}{
		{"none", pf.NoContent{}, false, false},
		{"encrypted", pf.EncryptedContent{Data: []byte("d")}, true, false},
		{"decrypted", pf.DecryptedContent{Value: v, Passphrase: "p"}, false, true},
		{"full", pf.FullContent{Data: []byte("d"), Value: v, Passphrase: "p"}, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, ok := pf.EncryptedData(tt.content)
			if ok != tt.wantData {
				t.Errorf("EncryptedData() ok = %v, want %v", ok, tt.wantData)
			}
			if ok && !bytes.Equal(data, []byte("d")) {
				t.Errorf("EncryptedData() = %q, want d", data)
			}
			val, pass, ok := pf.DecryptedValue(tt.content)
			if ok != tt.wantVal {
				t.Errorf("DecryptedValue() ok = %v, want %v", ok, tt.wantVal)
			}
			if ok && (val != v || pass != "p") {
				t.Errorf("DecryptedValue() = %v, %q", val, pass)
			}
		})
	}
}

func TestSection_Equal(t *testing.T) {
	a := pf.Section{ID: "1", Name: "Bank", URL: "https://bank", Items: []pf.Item{{Name: "user", Value: "alice"}}}

	b := a
	b.ID = "2"
	if !a.Equal(b) {
		t.Error("Equal() = false, ids are not compared")
	}

	c := a
	c.Items = []pf.Item{{Name: "user", Value: "alice", Remark: "old"}}
	if a.Equal(c) {
		t.Error("Equal() = true with a different remark")
	}

	d := a
	d.Items = nil
	if a.Equal(d) {
		t.Error("Equal() = true with no items")
	}
}

func TestRegistry(t *testing.T) {
	r := pf.NewRegistry()
	if got, want := r.Types(), []pf.Type{pf.TypePassword, pf.TypeNote}; !reflect.DeepEqual(got, want) {
		t.Errorf("Types() = %v, want %v", got, want)
	}

	roundTrip := func(t *testing.T, typ pf.Type, v pf.Value) {
		t.Helper()
		ser, err := r.Lookup(typ)
		if err != nil {
			t.Fatalf("Lookup() error = %v", err)
		}
		data, err := ser.Marshal(v)
		if err != nil {
			t.Fatalf("Marshal() error = %v", err)
		}
		got, err := ser.Unmarshal(data)
		if err != nil {
			t.Fatalf("Unmarshal() error = %v", err)
		}
		checkValue(t, got, v)
	}

	t.Run("sections", func(t *testing.T) {
		roundTrip(t, pf.TypePassword, testSections)
	})

	t.Run("empty sections encode as a list", func(t *testing.T) {
		ser, err := r.Lookup(pf.TypePassword)
		if err != nil {
			t.Fatalf("Lookup() error = %v", err)
		}
		data, err := ser.Marshal(pf.Sections(nil))
		if err != nil {
			t.Fatalf("Marshal() error = %v", err)
		}
		if string(data) != "[]" {
			t.Errorf("Marshal(nil) = %s, want []", data)
		}
	})

	t.Run("note", func(t *testing.T) {
		roundTrip(t, pf.TypeNote, pf.Note{Text: "door code 1234"})
	})

	t.Run("wrong value type", func(t *testing.T) {
		ser, err := r.Lookup(pf.TypeNote)
		if err != nil {
			t.Fatalf("Lookup() error = %v", err)
		}
		if _, err := ser.Marshal(testSections); err == nil {
			t.Error("Marshal() of sections as a note expected error")
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		if _, err := r.Lookup(pf.Type(9)); err == nil {
			t.Error("Lookup(9) expected error")
		}
	})
}

func TestErrors(t *testing.T) {
	var err error = &pf.VersionNotFoundError{Type: pf.TypeNote, ID: 1, Version: 2}
	if !errors.Is(fmt.Errorf("wrapped: %w", err), pf.ErrVersionNotFound) {
		t.Error("wrapped VersionNotFoundError is not ErrVersionNotFound")
	}

	notFound := &pf.RemoteError{Op: "get", Status: 404, Message: "gone"}
	if !errors.Is(notFound, pf.ErrNotFound) {
		t.Error("404 RemoteError is not ErrNotFound")
	}
	if !strings.Contains(notFound.Error(), "404") {
		t.Errorf("Error() = %q, want the status", notFound.Error())
	}

	forbidden := &pf.RemoteError{Op: "delete", Status: 403, Message: "no"}
	if errors.Is(forbidden, pf.ErrNotFound) {
		t.Error("403 RemoteError is ErrNotFound")
	}
}
