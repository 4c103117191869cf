package aesgcm

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// NonceSize is the standard 96 bit GCM nonce length.
const NonceSize = 12

var (
	ErrInvalidNonce         = errors.New("crypto/cipher: incorrect nonce length given to GCM")
	ErrMessageTooLarge      = errors.New("crypto/cipher: message too large for GCM")
	ErrInvalidBufferOverlap = errors.New("crypto/cipher: invalid buffer overlap")
)

// AESGCM is the authenticated encryption primitive used for the
// attestation database at rest and for wrapping the enterprise
// KeyInfo payload. Accepts an optional source of entropy, such as
// the TPM; defaults to the platform CSPRNG.
//
// The panics the Go runtime throws when a nonce is incorrect, a
// message is too large, or a buffer overlap is detected are
// converted to recoverable errors so a malformed blob can not
// crash the worker.
type AESGCM struct {
	random io.Reader
}

func NewAESGCM(random io.Reader) AESGCM {
	if random == nil {
		random = rand.Reader
	}
	return AESGCM{
		random: random,
	}
}

// Generates a random AES-256 key from the configured entropy source.
func (aesgcm AESGCM) GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(aesgcm.random, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Seal encrypts and authenticates the provided plaintext and
// additional data using AES-256 GCM. Returns the ciphertext and the
// randomly generated 96 bit nonce.
func (aesgcm AESGCM) Seal(key, data, additionalData []byte) ([]byte, []byte, error) {

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}

	// IVs longer than 96 bits require additional calculations
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(aesgcm.random, nonce); err != nil {
		return nil, nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}

	ciphertext := gcm.Seal(nil, nonce, data, additionalData)

	return ciphertext, nonce, nil
}

// Open decrypts and authenticates ciphertext produced by Seal.
func (aesgcm AESGCM) Open(key, ciphertext, nonce, additionalData []byte) (plaintext []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s", r)
			plaintext = nil
		}
	}()
	plaintext, err = gcm.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, err
	}

	return plaintext, nil
}
