package crypto

import (
	"context"
	"crypto/sha256"
	"fmt"
)

// LocalCipher seals with a static AES-256-GCM key derived from a passphrase.
// Used for local development and tests where no KMS is available.
type LocalCipher struct {
	key []byte
}

func NewLocalCipher(passphrase string) (*LocalCipher, error) {
	if passphrase == "" {
		return nil, &CryptoError{Op: "new local cipher", Err: fmt.Errorf("empty passphrase")}
	}
	sum := sha256.Sum256([]byte(passphrase))
	return &LocalCipher{key: sum[:]}, nil
}

func (c *LocalCipher) Encrypt(_ context.Context, plaintext []byte) ([]byte, error) {
	return sealGCM(c.key, plaintext)
}

func (c *LocalCipher) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	return openGCM(c.key, ciphertext)
}
