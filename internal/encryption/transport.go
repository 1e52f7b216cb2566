package encryption

import (
	"crypto/sha256"
	"errors"
	"strconv"

	"passfiles/internal/pf"
)

// TransportIterations is the number of layers applied to content sent to or
// received from the remote store.
const TransportIterations = 100

// ErrEmptyPassphrase is returned when the transport key is empty.
var ErrEmptyPassphrase = errors.New("transport passphrase is empty")

// TransportCipher wraps content in K layers of AES-256-CBC, each with its own
// key derived from the passphrase. It multiplies the cost of guessing the
// passphrase; it is not a general purpose KDF.
type TransportCipher struct {
	iterations int
}

var _ pf.Cipher = (*TransportCipher)(nil)

// NewTransportCipher creates a transport cipher with TransportIterations layers.
func NewTransportCipher() *TransportCipher {
	return &TransportCipher{iterations: TransportIterations}
}

// Encrypt applies layers 0..K-1 in order.
func (c *TransportCipher) Encrypt(data []byte, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	out := data
	for i := 0; i < c.iterations; i++ {
		var err error
		out, err = encryptCBC(c.layerKey(passphrase, i), out)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Decrypt removes layers K-1..0. Any failure is pf.ErrDecryptionFailure.
func (c *TransportCipher) Decrypt(data []byte, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	out := data
	for i := c.iterations - 1; i >= 0; i-- {
		var err error
		out, err = decryptCBC(c.layerKey(passphrase, i), out)
		if err != nil {
			return nil, pf.ErrDecryptionFailure
		}
	}
	return out, nil
}

// layerKey derives the key of layer i: the decimal value of
// (K-i)^(i mod 5) is spliced into the passphrase at offset (K+i) mod len,
// and the result is hashed with SHA-256.
func (c *TransportCipher) layerKey(passphrase string, i int) []byte {
	k := c.iterations
	o := (k + i) % len(passphrase)
	salt := strconv.FormatInt(ipow(int64(k-i), i%5), 10)
	sum := sha256.Sum256([]byte(passphrase[:o] + salt + passphrase[o:]))
	return sum[:]
}

func ipow(base int64, exp int) int64 {
	result := int64(1)
	for ; exp > 0; exp-- {
		result *= base
	}
	return result
}
