package pf

import (
	"errors"
	"fmt"
)

// Session carries everything the core needs for one authenticated user.
// It is created once per sign-in and closed on sign-out; the core keeps no
// process-wide state of its own.
type Session struct {
	Identity        Identity
	Storage         Storage
	Remote          RemoteAPI
	ContentCipher   Cipher
	TransportCipher Cipher
	Counter         Counter
	Prompt          Prompt
	Notifier        Notifier
	Logger          Logger
	Clock           Clock
	IDs             IDGenerator
	Registry        *Registry

	// TransportKey is the passphrase of the transport cipher.
	TransportKey string

	// DeleteSecret confirms remote deletions.
	DeleteSecret string

	closers []func() error
}

// NewSession validates s and fills optional collaborators with defaults.
func NewSession(s *Session) (*Session, error) {
	if s.Identity == nil || s.Identity.UserID() == "" {
		return nil, fmt.Errorf("session requires a user identity")
	}
	if s.Storage == nil {
		return nil, fmt.Errorf("session requires local storage")
	}
	if s.Counter == nil {
		return nil, fmt.Errorf("session requires a counter")
	}
	if s.ContentCipher == nil {
		return nil, fmt.Errorf("session requires a content cipher")
	}
	if s.Remote != nil && s.TransportCipher == nil {
		return nil, fmt.Errorf("session with a remote requires a transport cipher")
	}
	if s.Logger == nil {
		s.Logger = NewNopLogger()
	}
	if s.Notifier == nil {
		s.Notifier = NopNotifier{}
	}
	if s.Clock == nil {
		s.Clock = RealClock{}
	}
	if s.IDs == nil {
		s.IDs = UUIDGenerator{}
	}
	if s.Registry == nil {
		s.Registry = NewRegistry()
	}
	return s, nil
}

// OnClose registers fn to run when the session is closed, in reverse order.
func (s *Session) OnClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

// Close releases resources registered with OnClose.
func (s *Session) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// decryptValue decrypts and decodes a content blob of type t.
// Every failure maps to ErrDecryptionFailure.
func (s *Session) decryptValue(t Type, data []byte, passphrase string) (Value, error) {
	plain, err := s.ContentCipher.Decrypt(data, passphrase)
	if err != nil {
		return nil, ErrDecryptionFailure
	}
	ser, err := s.Registry.Lookup(t)
	if err != nil {
		return nil, err
	}
	v, err := ser.Unmarshal(plain)
	if err != nil {
		return nil, ErrDecryptionFailure
	}
	return v, nil
}

// encryptValue encodes and encrypts a typed value.
func (s *Session) encryptValue(v Value, passphrase string) ([]byte, error) {
	ser, err := s.Registry.Lookup(v.ContentType())
	if err != nil {
		return nil, err
	}
	plain, err := ser.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding content: %w", err)
	}
	data, err := s.ContentCipher.Encrypt(plain, passphrase)
	if err != nil {
		return nil, fmt.Errorf("encrypting content: %w", err)
	}
	return data, nil
}
