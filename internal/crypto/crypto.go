// Package crypto provides envelope encryption for credential material and
// the HMAC used as the API-key lookup index.
package crypto

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Cipher encrypts and decrypts opaque byte blobs. Implementations must be
// safe for concurrent use.
type Cipher interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// CryptoError wraps every failure surfaced by this package.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("crypto: %s: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error { return e.Err }

// Service bundles the process-wide cipher and HMAC secret.
type Service struct {
	cipher     Cipher
	hmacSecret []byte
}

func NewService(cipher Cipher, hmacSecret string) *Service {
	return &Service{cipher: cipher, hmacSecret: []byte(hmacSecret)}
}

func (s *Service) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	return s.cipher.Encrypt(ctx, plaintext)
}

func (s *Service) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	return s.cipher.Decrypt(ctx, ciphertext)
}

// HMAC returns the hex-encoded HMAC-SHA256 of msg under the process secret.
func (s *Service) HMAC(msg string) string {
	mac := hmac.New(sha256.New, s.hmacSecret)
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

// SelfTest round-trips a known plaintext through the cipher. Startup aborts
// when it fails, so a misconfigured keyring is caught before serving.
func (s *Service) SelfTest(ctx context.Context) error {
	plaintext := []byte("toolbridge crypto self-test")
	ct, err := s.cipher.Encrypt(ctx, plaintext)
	if err != nil {
		return &CryptoError{Op: "self-test encrypt", Err: err}
	}
	pt, err := s.cipher.Decrypt(ctx, ct)
	if err != nil {
		return &CryptoError{Op: "self-test decrypt", Err: err}
	}
	if !bytes.Equal(pt, plaintext) {
		return &CryptoError{Op: "self-test", Err: fmt.Errorf("round-trip mismatch")}
	}
	return nil
}
