package testutil

import (
	"testing"

	"passfiles/internal/database"
	"passfiles/internal/encryption"
	"passfiles/internal/pf"
	"passfiles/internal/remote"
	"passfiles/internal/storage"
)

const (
	// TestUserID is the identity of sessions built by NewTestSession.
	TestUserID = "user-1"
	// TestTransportKey keys the transport cipher of test sessions.
	TestTransportKey = "transport-key"
	// TestDeleteSecret confirms remote deletions in test sessions.
	TestDeleteSecret = "delete-secret"
)

// TestSession is a pf.Session wired to in-memory collaborators, with the
// concrete stubs exposed for assertions.
type TestSession struct {
	Session  *pf.Session
	Store    *storage.MemoryStorage
	Server   *remote.MemoryRemote
	Clock    *StubClock
	Counter  *StubCounter
	Prompt   *StubPrompt
	Notifier *RecordingNotifier
}

// Option adjusts the session before it is validated.
type Option func(*pf.Session)

// WithoutRemote builds a session that has no remote configured.
func WithoutRemote() Option {
	return func(s *pf.Session) {
		s.Remote = nil
		s.TransportCipher = nil
	}
}

// WithRealCiphers uses the AES content cipher and the layered transport
// cipher instead of the fast test cipher.
func WithRealCiphers() Option {
	return func(s *pf.Session) {
		s.ContentCipher = encryption.NewContentCipher()
		if s.Remote != nil {
			s.TransportCipher = encryption.NewTransportCipher()
		}
	}
}

// NewTestSession creates a session over memory storage and a memory remote,
// sharing one FixedClock.
func NewTestSession(t *testing.T, opts ...Option) *TestSession {
	t.Helper()

	ts := &TestSession{
		Store:    storage.NewMemoryStorage(),
		Clock:    FixedClock(),
		Counter:  NewStubCounter(),
		Prompt:   NewStubPrompt(),
		Notifier: NewRecordingNotifier(),
	}
	ts.Server = remote.NewMemoryRemote(ts.Clock, TestDeleteSecret)

	s := &pf.Session{
		Identity:        pf.StaticIdentity(TestUserID),
		Storage:         ts.Store,
		Remote:          ts.Server,
		ContentCipher:   encryption.NewTestCipher(),
		TransportCipher: encryption.NewTestCipher(),
		Counter:         ts.Counter,
		Prompt:          ts.Prompt,
		Notifier:        ts.Notifier,
		Clock:           ts.Clock,
		IDs:             NewStubIDGenerator(),
		TransportKey:    TestTransportKey,
		DeleteSecret:    TestDeleteSecret,
	}
	for _, opt := range opts {
		opt(s)
	}

	session, err := pf.NewSession(s)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	t.Cleanup(func() {
		session.Close()
	})
	ts.Session = session
	return ts
}

// NewTestStore creates a new in-memory SQLite store with schema applied.
// The store is automatically closed when the test completes.
func NewTestStore(t *testing.T) *database.SQLiteStore {
	t.Helper()

	s, err := database.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
	})
	return s
}
