// Package streamcrypto implements spec §4.2's optional per-topic
// payload encryption: AES-256-GCM, applied to a message's payload
// before it reaches the segment writer and reversed on read.
package streamcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

const (
	keySize   = 32 // AES-256
	nonceSize = 12 // standard GCM nonce
)

// Encryptor seals and opens message payloads with a single topic-scoped
// key. It is safe for concurrent use; cipher.AEAD values are stateless
// per call.
type Encryptor struct {
	gcm cipher.AEAD
}

// New builds an Encryptor from a 32-byte key.
func New(key []byte) (*Encryptor, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("streamcrypto: key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("streamcrypto: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("streamcrypto: new gcm: %w", err)
	}
	return &Encryptor{gcm: gcm}, nil
}

// Seal encrypts plaintext, returning nonce||ciphertext as a single
// buffer so callers have one opaque blob to store.
func (e *Encryptor) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("streamcrypto: generate nonce: %w", err)
	}
	sealed := e.gcm.Seal(nonce, nonce, plaintext, nil)
	return sealed, nil
}

// Open reverses Seal, failing with a wrapped error (mapped by callers
// to iggyerr.CodeCannotDecryptData) on any tamper or key mismatch.
func (e *Encryptor) Open(blob []byte) ([]byte, error) {
	if len(blob) < nonceSize {
		return nil, fmt.Errorf("streamcrypto: ciphertext shorter than nonce")
	}
	nonce, ciphertext := blob[:nonceSize], blob[nonceSize:]
	plaintext, err := e.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("streamcrypto: open: %w", err)
	}
	return plaintext, nil
}
