package storage

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Blob layout: version | salt | nonce | ciphertext.
const (
	sealVersion byte = 2
	saltSize         = 16

	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

var (
	ErrInvalidPassphrase = errors.New("storage: passphrase is required")
	ErrSealBroken        = errors.New("storage: sealed value cannot be opened")
)

// Sealed encrypts values before they reach the wrapped Store. Keys are
// stretched from the passphrase with Argon2id under a random salt that is
// stored in each blob. The storage key is bound as associated data, so a
// blob copied under another key fails to open.
type Sealed struct {
	inner      Store
	passphrase []byte

	// salt and aead seal every Put made through this instance.
	salt []byte
	aead cipher.AEAD

	mu     sync.Mutex
	opened map[string]cipher.AEAD
}

func NewSealed(inner Store, passphrase string) (*Sealed, error) {
	if inner == nil {
		return nil, errors.New("storage: inner store is required")
	}
	if passphrase == "" {
		return nil, ErrInvalidPassphrase
	}
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("salt: %w", err)
	}
	s := &Sealed{
		inner:      inner,
		passphrase: []byte(passphrase),
		salt:       salt,
		opened:     make(map[string]cipher.AEAD),
	}
	aead, err := s.cipherFor(salt)
	if err != nil {
		return nil, err
	}
	s.aead = aead
	return s, nil
}

// cipherFor derives the key for salt once and remembers it.
func (s *Sealed) cipherFor(salt []byte) (cipher.AEAD, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if aead, ok := s.opened[string(salt)]; ok {
		return aead, nil
	}
	key := argon2.IDKey(s.passphrase, salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	s.opened[string(salt)] = aead
	return aead, nil
}

func (s *Sealed) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := s.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	ns := s.aead.NonceSize()
	header := 1 + saltSize + ns
	if len(raw) < header+s.aead.Overhead() || raw[0] != sealVersion {
		return nil, ErrSealBroken
	}
	aead, err := s.cipherFor(raw[1 : 1+saltSize])
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, raw[1+saltSize:header], raw[header:], []byte(key))
	if err != nil {
		return nil, ErrSealBroken
	}
	return pt, nil
}

func (s *Sealed) Put(ctx context.Context, key string, value []byte) error {
	ns := s.aead.NonceSize()
	header := 1 + saltSize + ns
	out := make([]byte, header, header+len(value)+s.aead.Overhead())
	out[0] = sealVersion
	copy(out[1:], s.salt)
	if _, err := io.ReadFull(rand.Reader, out[1+saltSize:]); err != nil {
		return fmt.Errorf("nonce: %w", err)
	}
	out = s.aead.Seal(out, out[1+saltSize:header], value, []byte(key))
	return s.inner.Put(ctx, key, out)
}

func (s *Sealed) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

func (s *Sealed) Close(ctx context.Context) error {
	return s.inner.Close(ctx)
}
