package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

// ErrEmptyPassphrase is returned when DeriveKey is called with an empty
// passphrase; an empty passphrase is never a valid encryption key source.
var ErrEmptyPassphrase = errors.New("crypto: passphrase must not be empty")

const (
	scryptN      = 16384
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 128
	saltSize     = 32
)

// NewSalt generates fresh random salt material for DeriveKey. Callers
// persist it once alongside the manifest; losing it makes the derived key
// unrecoverable.
func NewSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generate salt: %w", err)
	}
	return salt, nil
}

// DeriveKey stretches passphrase+salt into a 32-byte AES-256 key via
// scrypt. The same passphrase and salt always yield the same key, which
// is why the key itself is never persisted — only the salt is.
func DeriveKey(passphrase string, salt []byte) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	dk, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("crypto: scrypt: %w", err)
	}
	return dk[:keySize], nil
}
