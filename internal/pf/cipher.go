package pf

// Cipher encrypts and decrypts opaque blobs with a passphrase.
// Decrypt must return ErrDecryptionFailure for any cipher or padding error.
type Cipher interface {
	Encrypt(data []byte, passphrase string) ([]byte, error)
	Decrypt(data []byte, passphrase string) ([]byte, error)
}
