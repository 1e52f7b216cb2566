package pf_test

import (
	"context"
	"reflect"
	"testing"

	"passfiles/internal/encryption"
	"passfiles/internal/pf"
	"passfiles/internal/testutil"
)

const testPass = "correct horse"

var testSections = pf.Sections{
	{
		ID:   "s1",
		Name: "Bank",
		URL:  "https://bank.example",
		Items: []pf.Item{
			{Name: "user", Value: "alice"},
			{Name: "password", Value: "hunter2"},
		},
	},
}

// newContext returns a loaded password context over the session's storage.
func newContext(t *testing.T, ts *testutil.TestSession) *pf.RecordContext {
	t.Helper()
	rc := pf.NewRecordContext(ts.Session, pf.TypePassword)
	if err := rc.LoadList(); err != nil {
		t.Fatalf("LoadList() error = %v", err)
	}
	return rc
}

// createRecord creates and commits a local record holding v.
func createRecord(t *testing.T, rc *pf.RecordContext, name string, v pf.Value) *pf.Record {
	t.Helper()
	rec, err := rc.Create(context.Background(), name)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := rc.SetValue(rec, v, testPass); err != nil {
		t.Fatalf("SetValue() error = %v", err)
	}
	if err := rc.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	return rec
}

// encryptValue encodes and encrypts v as it is kept in local storage.
func encryptValue(t *testing.T, v pf.Value, pass string) []byte {
	t.Helper()
	ser, err := pf.NewRegistry().Lookup(v.ContentType())
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	plain, err := ser.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	data, err := encryption.NewTestCipher().Encrypt(plain, pass)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	return data
}

// sealContent encodes and encrypts v the way a client stores it, then wraps
// it for the wire.
func sealContent(t *testing.T, v pf.Value, pass string) []byte {
	t.Helper()
	wire, err := encryption.NewTestCipher().Encrypt(encryptValue(t, v, pass), testutil.TestTransportKey)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	return wire
}

// openContent reverses sealContent.
func openContent(t *testing.T, typ pf.Type, wire []byte, pass string) pf.Value {
	t.Helper()
	data, err := encryption.NewTestCipher().Decrypt(wire, testutil.TestTransportKey)
	if err != nil {
		t.Fatalf("unwrapping content: %v", err)
	}
	return decodeValue(t, typ, data, pass)
}

// decodeValue decrypts and decodes content as kept in local storage.
func decodeValue(t *testing.T, typ pf.Type, data []byte, pass string) pf.Value {
	t.Helper()
	plain, err := encryption.NewTestCipher().Decrypt(data, pass)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	ser, err := pf.NewRegistry().Lookup(typ)
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	v, err := ser.Unmarshal(plain)
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	return v
}

// seedRemote creates a record with one content version directly on the server.
func seedRemote(t *testing.T, ts *testutil.TestSession, name string, v pf.Value) pf.RemoteInfo {
	t.Helper()
	ctx := context.Background()
	info, err := ts.Server.AddRecord(ctx, pf.RemoteInfo{Type: v.ContentType(), Name: name})
	if err != nil {
		t.Fatalf("AddRecord() error = %v", err)
	}
	info, err = ts.Server.SaveContent(ctx, info.ID, sealContent(t, v, testPass))
	if err != nil {
		t.Fatalf("SaveContent() error = %v", err)
	}
	return info
}

// remoteValue reads and decrypts a version stored on the server.
func remoteValue(t *testing.T, ts *testutil.TestSession, typ pf.Type, id int64, version int) pf.Value {
	t.Helper()
	wire, err := ts.Server.GetVersionContent(context.Background(), id, version)
	if err != nil {
		t.Fatalf("GetVersionContent(%d, %d) error = %v", id, version, err)
	}
	return openContent(t, typ, wire, testPass)
}

// storedVersions lists the local content versions of a password record.
func storedVersions(t *testing.T, ts *testutil.TestSession, id int64) []int {
	t.Helper()
	versions, err := ts.Store.GetVersions(pf.TypePassword, id)
	if err != nil {
		t.Fatalf("GetVersions(%d) error = %v", id, err)
	}
	return versions
}

// storedList reads the password manifest.
func storedList(t *testing.T, ts *testutil.TestSession) []pf.Snapshot {
	t.Helper()
	snaps, err := ts.Store.LoadList(pf.TypePassword)
	if err != nil {
		t.Fatalf("LoadList() error = %v", err)
	}
	return snaps
}

// checkIDs reports an error unless got holds exactly want, in order. Nil and
// empty are the same.
func checkIDs(t *testing.T, field string, got []int64, want ...int64) {
	t.Helper()
	if len(got) == 0 && len(want) == 0 {
		return
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("%s = %v, want %v", field, got, want)
	}
}

// checkValue reports an error unless got equals want.
func checkValue(t *testing.T, got, want pf.Value) {
	t.Helper()
	if !reflect.DeepEqual(got, want) {
		t.Errorf("value = %+v, want %+v", got, want)
	}
}

// countingStorage counts manifest writes and can fail content writes.
type countingStorage struct {
	pf.Storage
	saveLists      int
	saveContentErr error
}

func (s *countingStorage) SaveList(t pf.Type, records []pf.Snapshot) error {
	s.saveLists++
	return s.Storage.SaveList(t, records)
}

func (s *countingStorage) SaveContent(t pf.Type, id int64, version int, data []byte) error {
	if s.saveContentErr != nil {
		return s.saveContentErr
	}
	return s.Storage.SaveContent(t, id, version, data)
}
