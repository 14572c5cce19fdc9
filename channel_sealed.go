package authclient

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrSealedValue is returned when a stored value cannot be opened
var ErrSealedValue = errors.New("unable to open sealed value")

var _ Channel = (*SealedChannel)(nil)

// SealedChannel encrypts values before handing them to the wrapped channel.
// The key name is bound as additional data so values cannot be swapped
// between keys.
type SealedChannel struct {
	inner Channel
	key   []byte
}

// NewSealedChannel wraps inner using a 32 byte key.
func NewSealedChannel(inner Channel, key []byte) (*SealedChannel, error) {
	if inner == nil {
		return nil, errors.New("sealed channel requires an inner channel")
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("sealed channel key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &SealedChannel{inner: inner, key: k}, nil
}

func (s *SealedChannel) Get(ctx context.Context, key string) (string, bool, error) {
	raw, ok, err := s.inner.Get(ctx, key)
	if err != nil || !ok {
		return "", ok, err
	}

	plain, err := s.open(key, raw)
	if err != nil {
		return "", false, err
	}
	return plain, true, nil
}

func (s *SealedChannel) Set(ctx context.Context, key, value string) error {
	sealed, err := s.seal(key, value)
	if err != nil {
		return err
	}
	return s.inner.Set(ctx, key, sealed)
}

func (s *SealedChannel) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

func (s *SealedChannel) seal(key, value string) (string, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(value)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := aead.Seal(nonce, nonce, []byte(value), []byte(key))
	return base64.RawURLEncoding.EncodeToString(out), nil
}

func (s *SealedChannel) open(key, raw string) (string, error) {
	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return "", ErrSealedValue
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	if len(data) < aead.NonceSize() {
		return "", ErrSealedValue
	}

	nonce, ciphertext := data[:aead.NonceSize()], data[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(key))
	if err != nil {
		return "", ErrSealedValue
	}
	return string(plain), nil
}
