// Package secrets seals device passwords and subscriber secrets at rest.
package secrets

import (
	"errors"
	"fmt"

	"github.com/firdasafridi/gocrypt"
)

var ErrBadKey = errors.New("encryption key must be 16, 24 or 32 bytes")

// sealed carries one value through gocrypt's tag-driven field encryption.
type sealed struct {
	Value string `gocrypt:"aes"`
}

// Box encrypts and decrypts stored credentials. A Box built from an empty key
// passes values through unchanged, which is how development databases that
// hold plaintext credentials keep working.
type Box struct {
	gc structCipher
}

type structCipher interface {
	Encrypt(v any) error
	Decrypt(v any) error
}

func NewBox(key string) (*Box, error) {
	if key == "" {
		return &Box{}, nil
	}
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, ErrBadKey
	}
	aesOpt, err := gocrypt.NewAESOpt(key)
	if err != nil {
		return nil, fmt.Errorf("aes option: %w", err)
	}
	return &Box{gc: gocrypt.New(&gocrypt.Option{AESOpt: aesOpt})}, nil
}

// Enabled reports whether values are actually encrypted.
func (b *Box) Enabled() bool {
	return b != nil && b.gc != nil
}

func (b *Box) Seal(plain string) (string, error) {
	if !b.Enabled() || plain == "" {
		return plain, nil
	}
	s := sealed{Value: plain}
	if err := b.gc.Encrypt(&s); err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return s.Value, nil
}

func (b *Box) Open(ciphertext string) (string, error) {
	if !b.Enabled() || ciphertext == "" {
		return ciphertext, nil
	}
	s := sealed{Value: ciphertext}
	if err := b.gc.Decrypt(&s); err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return s.Value, nil
}
