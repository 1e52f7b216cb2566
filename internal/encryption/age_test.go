package encryption

import (
	"bytes"
	"io"
	"path/filepath"
	"testing"

	"passfiles/internal/config"
)

func newTestSealer(t *testing.T) *ArchiveSealer {
	t.Helper()
	dir := t.TempDir()
	return NewArchiveSealer(config.ExportConfig{
		PublicKeyPath:  filepath.Join(dir, "keys", "export.pub"),
		PrivateKeyPath: filepath.Join(dir, "keys", "export.key"),
	})
}

func TestArchiveSealer_IsConfigured_BeforeSetup(t *testing.T) {
	t.Parallel()
	s := newTestSealer(t)
	if s.IsConfigured() {
		t.Error("IsConfigured() = true before Setup, want false")
	}
}

func TestArchiveSealer_SetupTwice(t *testing.T) {
	t.Parallel()
	s := newTestSealer(t)
	if err := s.Setup("export-passphrase"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if !s.IsConfigured() {
		t.Fatal("IsConfigured() = false after Setup, want true")
	}
	if err := s.Setup("export-passphrase"); err == nil {
		t.Error("second Setup() should refuse to overwrite keys")
	}
}

func TestArchiveSealer_SealOpenRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input []byte
	}{
		{name: "simple text", input: []byte("manifest.json")},
		{name: "empty", input: []byte{}},
		{name: "large data", input: bytes.Repeat([]byte("abcdef"), 10000)},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			passphrase := "export-passphrase"
			s := newTestSealer(t)
			if err := s.Setup(passphrase); err != nil {
				t.Fatalf("Setup() error = %v", err)
			}

			var sealed bytes.Buffer
			w, err := s.Seal(&sealed)
			if err != nil {
				t.Fatalf("Seal() error = %v", err)
			}
			if _, err := w.Write(tt.input); err != nil {
				t.Fatalf("Write() error = %v", err)
			}
			if err := w.Close(); err != nil {
				t.Fatalf("Close() error = %v", err)
			}

			if len(tt.input) > 0 && bytes.Contains(sealed.Bytes(), tt.input) {
				t.Error("sealed output contains the plaintext")
			}

			opener, err := s.Unlock(passphrase)
			if err != nil {
				t.Fatalf("Unlock() error = %v", err)
			}
			r, err := opener.Open(bytes.NewReader(sealed.Bytes()))
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			got, err := io.ReadAll(r)
			if err != nil {
				t.Fatalf("ReadAll() error = %v", err)
			}
			if !bytes.Equal(got, tt.input) {
				t.Errorf("round-trip failed: got %d bytes, want %d bytes", len(got), len(tt.input))
			}
		})
	}
}

func TestArchiveSealer_UnlockWrongPassphrase(t *testing.T) {
	t.Parallel()

	s := newTestSealer(t)
	if err := s.Setup("correct-passphrase"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if _, err := s.Unlock("wrong-passphrase"); err == nil {
		t.Error("Unlock() with wrong passphrase should return error")
	}
}

func TestArchiveSealer_SealBeforeSetup(t *testing.T) {
	t.Parallel()

	s := newTestSealer(t)
	if _, err := s.Seal(io.Discard); err == nil {
		t.Error("Seal() before Setup should return error")
	}
}
