package encryption

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"filippo.io/age"

	"passfiles/internal/config"
)

// ArchiveSealer encrypts export archives with filippo.io/age to an X25519 key
// pair. The public key is stored in plaintext; the private key is encrypted
// with the user's export passphrase using age's scrypt recipient.
type ArchiveSealer struct {
	publicKeyPath  string
	privateKeyPath string
}

// NewArchiveSealer creates an ArchiveSealer from configuration.
func NewArchiveSealer(cfg config.ExportConfig) *ArchiveSealer {
	return &ArchiveSealer{
		publicKeyPath:  cfg.PublicKeyPath,
		privateKeyPath: cfg.PrivateKeyPath,
	}
}

// Setup generates the key pair. It refuses to overwrite existing keys.
func (s *ArchiveSealer) Setup(passphrase string) error {
	if s.IsConfigured() {
		return fmt.Errorf("export keys already exist at %s", s.publicKeyPath)
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generating key pair: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.publicKeyPath), 0700); err != nil {
		return fmt.Errorf("creating public key directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.privateKeyPath), 0700); err != nil {
		return fmt.Errorf("creating private key directory: %w", err)
	}

	if err := os.WriteFile(s.publicKeyPath, []byte(identity.Recipient().String()+"\n"), 0644); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}

	privFile, err := os.OpenFile(s.privateKeyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating private key file: %w", err)
	}
	defer privFile.Close()

	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return fmt.Errorf("creating scrypt recipient: %w", err)
	}

	w, err := age.Encrypt(privFile, recipient)
	if err != nil {
		return fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := io.WriteString(w, identity.String()+"\n"); err != nil {
		return fmt.Errorf("writing encrypted private key: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing encrypted private key: %w", err)
	}
	return nil
}

// IsConfigured returns true if both key files exist.
func (s *ArchiveSealer) IsConfigured() bool {
	if _, err := os.Stat(s.publicKeyPath); err != nil {
		return false
	}
	if _, err := os.Stat(s.privateKeyPath); err != nil {
		return false
	}
	return true
}

// Seal returns a writer that encrypts everything written to it into w.
// The caller must Close it to flush the final chunk.
func (s *ArchiveSealer) Seal(w io.Writer) (io.WriteCloser, error) {
	recipient, err := s.loadRecipient()
	if err != nil {
		return nil, fmt.Errorf("loading public key: %w", err)
	}
	enc, err := age.Encrypt(w, recipient)
	if err != nil {
		return nil, fmt.Errorf("creating encrypted writer: %w", err)
	}
	return enc, nil
}

// Unlock decrypts the private key with passphrase and returns an opener
// for sealed archives.
func (s *ArchiveSealer) Unlock(passphrase string) (*ArchiveOpener, error) {
	privData, err := os.ReadFile(s.privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key file: %w", err)
	}

	scrypt, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt identity: %w", err)
	}

	r, err := age.Decrypt(bytes.NewReader(privData), scrypt)
	if err != nil {
		return nil, fmt.Errorf("decrypting private key: %w", err)
	}

	identities, err := age.ParseIdentities(r)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	if len(identities) == 0 {
		return nil, fmt.Errorf("no identities found in private key")
	}

	return &ArchiveOpener{identity: identities[0]}, nil
}

func (s *ArchiveSealer) loadRecipient() (age.Recipient, error) {
	pubData, err := os.ReadFile(s.publicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading public key: %w", err)
	}

	recipients, err := age.ParseRecipients(bytes.NewReader(pubData))
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("no recipients found in public key file")
	}
	return recipients[0], nil
}

// ArchiveOpener holds an unlocked identity for reading sealed archives.
// The identity lives in memory only.
type ArchiveOpener struct {
	identity age.Identity
}

// Open returns a reader of the plaintext archive sealed in r.
func (o *ArchiveOpener) Open(r io.Reader) (io.Reader, error) {
	dec, err := age.Decrypt(r, o.identity)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	return dec, nil
}
