package encryption

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"

	"passfiles/internal/pf"
)

// staticIV is the application-wide initialization vector of both ciphers.
var staticIV = []byte("passfiles:iv:v1\x00")

// ContentCipher encrypts record content with AES-256-CBC. The key is the
// SHA-256 of the passphrase.
type ContentCipher struct{}

var _ pf.Cipher = ContentCipher{}

// NewContentCipher creates the cipher used for locally stored content.
func NewContentCipher() ContentCipher { return ContentCipher{} }

// Encrypt pads data with PKCS#7 and encrypts it in a single pass.
func (ContentCipher) Encrypt(data []byte, passphrase string) ([]byte, error) {
	key := sha256.Sum256([]byte(passphrase))
	return encryptCBC(key[:], data)
}

// Decrypt reverses Encrypt. Any failure is reported as pf.ErrDecryptionFailure.
func (ContentCipher) Decrypt(data []byte, passphrase string) ([]byte, error) {
	key := sha256.Sum256([]byte(passphrase))
	plain, err := decryptCBC(key[:], data)
	if err != nil {
		return nil, pf.ErrDecryptionFailure
	}
	return plain, nil
}

func encryptCBC(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	padded := pad(data, block.BlockSize())
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, staticIV).CryptBlocks(out, padded)
	return out, nil
}

func decryptCBC(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	if len(data) == 0 || len(data)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a multiple of the block size", len(data))
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, staticIV).CryptBlocks(out, data)
	return unpad(out, block.BlockSize())
}

func pad(data []byte, size int) []byte {
	n := size - len(data)%size
	return append(append(make([]byte, 0, len(data)+n), data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(data []byte, size int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > size || n > len(data) {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return data[:len(data)-n], nil
}
