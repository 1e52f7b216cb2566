package encryption

import (
	"fmt"

	"passfiles/internal/config"
	"passfiles/internal/pf"
)

// NewContentCipherFromConfig creates the cipher for locally stored content.
func NewContentCipherFromConfig(cfg config.EncryptionConfig) (pf.Cipher, error) {
	switch cfg.ContentType {
	case "aes", "":
		return NewContentCipher(), nil
	case "test":
		return NewTestCipher(), nil
	default:
		return nil, fmt.Errorf("unknown content cipher type: %q", cfg.ContentType)
	}
}

// NewTransportCipherFromConfig creates the cipher for content exchanged with
// the remote.
func NewTransportCipherFromConfig(cfg config.EncryptionConfig) (pf.Cipher, error) {
	switch cfg.TransportType {
	case "aes", "":
		return NewTransportCipher(), nil
	case "test":
		return NewTestCipher(), nil
	default:
		return nil, fmt.Errorf("unknown transport cipher type: %q", cfg.TransportType)
	}
}
