package encryption

import (
	"bytes"
	"crypto/sha256"

	"passfiles/internal/pf"
)

// testHeader marks data produced by TestCipher.
var testHeader = []byte("PFTEST\x00\x00")

// TestCipher is a deterministic, reversible cipher for tests. It prepends a
// header and a short fingerprint of the passphrase, so a wrong passphrase
// still fails with pf.ErrDecryptionFailure, but it does no real encryption.
type TestCipher struct{}

var _ pf.Cipher = TestCipher{}

// NewTestCipher creates a new TestCipher.
func NewTestCipher() TestCipher { return TestCipher{} }

func (TestCipher) Encrypt(data []byte, passphrase string) ([]byte, error) {
	out := append([]byte{}, testHeader...)
	out = append(out, fingerprint(passphrase)...)
	return append(out, data...), nil
}

func (TestCipher) Decrypt(data []byte, passphrase string) ([]byte, error) {
	prefix := append(append([]byte{}, testHeader...), fingerprint(passphrase)...)
	if !bytes.HasPrefix(data, prefix) {
		return nil, pf.ErrDecryptionFailure
	}
	return append([]byte{}, data[len(prefix):]...), nil
}

func fingerprint(passphrase string) []byte {
	sum := sha256.Sum256([]byte(passphrase))
	return sum[:4]
}
