package dataprotection

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// PasswordIterations is the number of PBKDF2 iterations for password based keys
	PasswordIterations = 100000
	saltSize           = 16
	keySize            = 32
)

// sealer encrypts with AES-256-GCM, the nonce is prepended to the ciphertext
type sealer struct {
	gcm cipher.AEAD
}

func newSealer(key []byte) (*sealer, error) {
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	gcm, err := cipher.NewGCM(c)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &sealer{gcm: gcm}, nil
}

func (s *sealer) seal(data, ad []byte) ([]byte, error) {
	nonce := make([]byte, s.gcm.NonceSize(), s.gcm.NonceSize()+len(data)+s.gcm.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.WithStack(err)
	}
	return s.gcm.Seal(nonce, nonce, data, ad), nil
}

func (s *sealer) open(protected, ad []byte) ([]byte, error) {
	ns := s.gcm.NonceSize()
	if len(protected) < ns+s.gcm.Overhead() {
		return nil, errors.Errorf("invalid data")
	}
	plaintext, err := s.gcm.Open(nil, protected[:ns], protected[ns:], ad)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to unprotect")
	}
	return plaintext, nil
}

type symProvider struct {
	s *sealer
}

// NewSymmetric returns `Provider` based on AES256-GCM encryption,
// the key is derived from the secret with HKDF
func NewSymmetric(secret []byte) (Provider, error) {
	kdf := hkdf.New(sha256.New, secret, nil, nil)

	key := make([]byte, keySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, errors.WithStack(err)
	}
	s, err := newSealer(key)
	if err != nil {
		return nil, err
	}
	return &symProvider{s: s}, nil
}

func (p *symProvider) Protect(_ context.Context, data, ad []byte) ([]byte, error) {
	return p.s.seal(data, ad)
}

func (p *symProvider) Unprotect(_ context.Context, protected, ad []byte) ([]byte, error) {
	return p.s.open(protected, ad)
}

type passwordProvider struct {
	password   []byte
	iterations int
}

// NewPassword returns `Provider` based on AES256-GCM encryption,
// with a key derived from the password by PBKDF2 and a random salt per blob.
// The protected blob is salt || nonce || ciphertext, the salt is authenticated
// together with the associated data.
func NewPassword(password []byte, iterations int) (Provider, error) {
	if len(password) == 0 {
		return nil, errors.New("password is required")
	}
	if iterations <= 0 {
		iterations = PasswordIterations
	}
	return &passwordProvider{
		password:   append([]byte(nil), password...),
		iterations: iterations,
	}, nil
}

func (p *passwordProvider) sealer(salt []byte) (*sealer, error) {
	key := pbkdf2.Key(p.password, salt, p.iterations, keySize, sha256.New)
	return newSealer(key)
}

func (p *passwordProvider) Protect(_ context.Context, data, ad []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, errors.WithStack(err)
	}
	s, err := p.sealer(salt)
	if err != nil {
		return nil, err
	}
	sealed, err := s.seal(data, saltedAD(salt, ad))
	if err != nil {
		return nil, err
	}
	return append(salt, sealed...), nil
}

func (p *passwordProvider) Unprotect(_ context.Context, protected, ad []byte) ([]byte, error) {
	if len(protected) < saltSize {
		return nil, errors.Errorf("invalid data")
	}
	salt := protected[:saltSize]
	s, err := p.sealer(salt)
	if err != nil {
		return nil, err
	}
	return s.open(protected[saltSize:], saltedAD(salt, ad))
}

func saltedAD(salt, ad []byte) []byte {
	return append(append(make([]byte, 0, len(salt)+len(ad)), salt...), ad...)
}
