package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const (
	keySize   = 32
	nonceSize = 12
	tagSize   = 16
	// envelopeMinLen is nonce+tag with zero ciphertext bytes; a valid
	// envelope is always strictly longer.
	envelopeMinLen = nonceSize + tagSize
)

var (
	// ErrBadEnvelope is returned when an on-wire blob is too short to
	// carry a nonce, a tag, and at least one ciphertext byte.
	ErrBadEnvelope = errors.New("crypto: envelope too short for nonce, tag and ciphertext")

	// ErrKeySize is returned when the envelope key is not the 32 bytes
	// AES-256 requires. DeriveKey always produces the right size; seeing
	// this means a caller built a key some other way.
	ErrKeySize = errors.New("crypto: envelope key must be exactly 32 bytes")

	// ErrEnvelopeAuth is returned when an envelope's tag does not verify:
	// the blob was corrupted or tampered with after encryption.
	ErrEnvelopeAuth = errors.New("crypto: envelope failed authentication")
)

// newEnvelopeAEAD builds the AES-256-GCM instance every chunk envelope
// is sealed and opened with. Nonce and tag sizes are GCM's defaults,
// which is what the fixed envelope offsets rely on.
func newEnvelopeAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: init AES: %w", err)
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext under key with a freshly generated random nonce
// and returns the on-wire envelope: nonce(12) || tag(16) || ciphertext.
// Every call draws a new nonce; a (key, nonce) pair is never reused.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	aead, err := newEnvelopeAEAD(key)
	if err != nil {
		return nil, err
	}

	envelope := make([]byte, envelopeMinLen+len(plaintext))
	nonce := envelope[:nonceSize]
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generate nonce: %w", err)
	}

	// GCM emits ciphertext||tag; the envelope carries the tag up front
	// so a reader can split the blob by fixed offsets.
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	copy(envelope[nonceSize:envelopeMinLen], sealed[len(plaintext):])
	copy(envelope[envelopeMinLen:], sealed[:len(plaintext)])
	return envelope, nil
}

// Decrypt splits envelope into (nonce, tag, ciphertext) by fixed offsets
// and verifies and decrypts it under key. Returns ErrBadEnvelope if the
// envelope is too short to carry any ciphertext, or ErrEnvelopeAuth if
// the tag does not verify. Authentication is all-or-nothing: no partial
// plaintext is ever returned.
func Decrypt(key, envelope []byte) ([]byte, error) {
	if len(envelope) <= envelopeMinLen {
		return nil, ErrBadEnvelope
	}
	aead, err := newEnvelopeAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce := envelope[:nonceSize]
	tag := envelope[nonceSize:envelopeMinLen]
	ct := envelope[envelopeMinLen:]

	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnvelopeAuth, err)
	}
	return plaintext, nil
}
