package cryptox

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters used to derive the sealing key from a passphrase.
const (
	memory      = 19 * 1024 // Memory usage in KiB (19 MiB)
	iterations  = 2         // Iteration count
	parallelism = 1         // Number of threads
	keyLength   = 32        // AES-256
	saltLength  = 16
)

// sealedMagic prefixes every sealed blob so plaintext and sealed data can
// be told apart.
var sealedMagic = []byte("fls1")

var (
	// ErrSealed is returned when sealed data is opened without a passphrase.
	ErrSealed = errors.New("cryptox: data is sealed, passphrase required")

	// ErrOpen is returned when sealed data cannot be authenticated, either
	// because the passphrase is wrong or the data was tampered with.
	ErrOpen = errors.New("cryptox: unable to open sealed data")
)

// Sealer encrypts small blobs, such as a serialized token bundle, with a key
// derived from a passphrase. Each Seal uses a fresh salt and nonce.
//
// The output format is: [magic][16-byte salt][12-byte nonce][ciphertext+tag]
type Sealer struct {
	passphrase []byte
}

// NewSealer returns a Sealer for the given passphrase. An empty passphrase
// returns nil, and a nil *Sealer passes data through unchanged.
func NewSealer(passphrase string) *Sealer {
	if passphrase == "" {
		return nil
	}
	return &Sealer{passphrase: []byte(passphrase)}
}

// Seal encrypts plaintext. A nil Sealer returns plaintext as-is.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	if s == nil {
		return plaintext, nil
	}

	salt := make([]byte, saltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := s.aead(salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, len(sealedMagic)+saltLength+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, sealedMagic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, sealedMagic), nil
}

// Open decrypts data produced by Seal. Data that was never sealed is
// returned unchanged so stores written without a passphrase stay readable.
func (s *Sealer) Open(data []byte) ([]byte, error) {
	if !IsSealed(data) {
		return data, nil
	}
	if s == nil {
		return nil, ErrSealed
	}

	rest := data[len(sealedMagic):]
	if len(rest) < saltLength {
		return nil, ErrOpen
	}
	salt, rest := rest[:saltLength], rest[saltLength:]

	gcm, err := s.aead(salt)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(rest) < nonceSize+gcm.Overhead() {
		return nil, ErrOpen
	}
	nonce, ciphertext := rest[:nonceSize], rest[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, sealedMagic)
	if err != nil {
		return nil, ErrOpen
	}
	return plaintext, nil
}

// IsSealed reports whether data carries the sealed format prefix.
func IsSealed(data []byte) bool {
	return bytes.HasPrefix(data, sealedMagic)
}

func (s *Sealer) aead(salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey(s.passphrase, salt, iterations, memory, parallelism, keyLength)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
