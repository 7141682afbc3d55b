package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
)

// KMSCipher implements envelope encryption: each Encrypt call fetches a
// fresh data key from KMS, seals the plaintext locally with AES-256-GCM,
// and frames the encrypted data key alongside the sealed blob. The
// plaintext data key never leaves process memory.
//
// Frame layout: uint16 big-endian length of the encrypted data key,
// the encrypted data key, then nonce || sealed.
type KMSCipher struct {
	client *kms.Client
	keyID  string
}

func NewKMSCipher(ctx context.Context, keyID string, optFns ...func(*awsconfig.LoadOptions) error) (*KMSCipher, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, &CryptoError{Op: "load aws config", Err: err}
	}
	return &KMSCipher{client: kms.NewFromConfig(cfg), keyID: keyID}, nil
}

func (c *KMSCipher) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	out, err := c.client.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(c.keyID),
		KeySpec: types.DataKeySpecAes256,
	})
	if err != nil {
		return nil, &CryptoError{Op: "generate data key", Err: err}
	}
	sealed, err := sealGCM(out.Plaintext, plaintext)
	if err != nil {
		return nil, err
	}
	if len(out.CiphertextBlob) > 0xffff {
		return nil, &CryptoError{Op: "encrypt", Err: fmt.Errorf("encrypted data key too large")}
	}
	frame := make([]byte, 2, 2+len(out.CiphertextBlob)+len(sealed))
	binary.BigEndian.PutUint16(frame, uint16(len(out.CiphertextBlob)))
	frame = append(frame, out.CiphertextBlob...)
	frame = append(frame, sealed...)
	return frame, nil
}

func (c *KMSCipher) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < 2 {
		return nil, &CryptoError{Op: "decrypt", Err: fmt.Errorf("ciphertext too short")}
	}
	keyLen := int(binary.BigEndian.Uint16(ciphertext))
	if len(ciphertext) < 2+keyLen {
		return nil, &CryptoError{Op: "decrypt", Err: fmt.Errorf("truncated data key frame")}
	}
	encKey := ciphertext[2 : 2+keyLen]
	sealed := ciphertext[2+keyLen:]

	out, err := c.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:          aws.String(c.keyID),
		CiphertextBlob: encKey,
	})
	if err != nil {
		return nil, &CryptoError{Op: "decrypt data key", Err: err}
	}
	return openGCM(out.Plaintext, sealed)
}

func sealGCM(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &CryptoError{Op: "new cipher", Err: err}
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, &CryptoError{Op: "new gcm", Err: err}
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, &CryptoError{Op: "nonce", Err: err}
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func openGCM(key, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &CryptoError{Op: "new cipher", Err: err}
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, &CryptoError{Op: "new gcm", Err: err}
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, &CryptoError{Op: "decrypt", Err: fmt.Errorf("sealed blob too short")}
	}
	nonce, body := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	pt, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, &CryptoError{Op: "open", Err: err}
	}
	return pt, nil
}
