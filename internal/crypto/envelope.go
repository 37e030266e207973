package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"golang.org/x/crypto/hkdf"

	"tipline-service/internal/config"
	"tipline-service/internal/errs"
)

var (
	ErrMasterSecretUnset = fmt.Errorf("%w: master secret is not configured", errs.ErrConfig)
	ErrDecryptionFailed  = fmt.Errorf("%w: envelope decryption failed", errs.ErrDecryption)
)

const (
	// Field and wrap IVs are 16 bytes, carried as 32 lowercase hex chars.
	ivSize = 16
	// Tenant data keys are 256-bit, represented as 64 hex chars.
	rawKeySize = 32

	wrapPurpose = "tenant-data-key-wrap"
)

// EnvelopeManager implements two-tier envelope encryption: a per-tenant data
// key encrypts field content, and the data key itself is wrapped under a key
// derived from the system master secret (or under AWS KMS when enabled).
// Raw tenant keys are never persisted.
type EnvelopeManager struct {
	wrapKey   []byte
	kmsClient *kms.Client
	kmsCfg    config.KMSConfig
}

// NewEnvelopeManager derives the wrapping key from the master secret. The
// derivation is purpose-labelled HKDF, independent from the token MAC key,
// so compromise of one derived key reveals neither the secret nor the other.
func NewEnvelopeManager(sec config.SecurityConfig, kmsClient *kms.Client) (*EnvelopeManager, error) {
	m := &EnvelopeManager{
		kmsClient: kmsClient,
		kmsCfg:    sec.KMS,
	}

	if sec.MasterSecret != "" {
		r := hkdf.New(sha256.New, []byte(sec.MasterSecret), nil, []byte(wrapPurpose))
		key := make([]byte, rawKeySize)
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, fmt.Errorf("failed to derive wrapping key: %w", err)
		}
		m.wrapKey = key
	}

	return m, nil
}

// GenerateDataKey returns a fresh 256-bit tenant data key as a fixed-length
// hex string. The caller sees the plaintext exactly once; only the wrapped
// form and the verification digest are ever stored.
func (m *EnvelopeManager) GenerateDataKey() (string, error) {
	key := make([]byte, rawKeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate data key: %w", err)
	}
	return hex.EncodeToString(key), nil
}

// Wrap encrypts a raw tenant data key for storage. Returns the ciphertext
// and IV, both hex-encoded. With KMS enabled the ciphertext is the KMS blob
// (base64) and the IV is empty.
func (m *EnvelopeManager) Wrap(ctx context.Context, rawKeyHex string) (ciphertext, iv string, err error) {
	if m.kmsEnabled() {
		return m.wrapWithKMS(ctx, rawKeyHex)
	}

	if m.wrapKey == nil {
		return "", "", ErrMasterSecretUnset
	}

	return sealHex(m.wrapKey, []byte(rawKeyHex))
}

// Unwrap recovers a raw tenant data key from its stored wrapped form.
func (m *EnvelopeManager) Unwrap(ctx context.Context, ciphertext, iv string) (string, error) {
	if m.kmsEnabled() {
		return m.unwrapWithKMS(ctx, ciphertext)
	}

	if m.wrapKey == nil {
		return "", ErrMasterSecretUnset
	}

	plain, err := openHex(m.wrapKey, ciphertext, iv)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// HashKey returns a one-way digest of a raw key for possession checks.
func (m *EnvelopeManager) HashKey(rawKeyHex string) string {
	sum := sha256.Sum256([]byte(rawKeyHex))
	return hex.EncodeToString(sum[:])
}

// VerifyKeyHash recomputes and compares in constant time.
func (m *EnvelopeManager) VerifyKeyHash(candidateHex, digest string) bool {
	computed := m.HashKey(candidateHex)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(digest)) == 1
}

// EncryptField encrypts a field value under the tenant data key. Every call
// generates a fresh IV; the result is self-describing: hex(iv)+":"+hex(ct).
func (m *EnvelopeManager) EncryptField(plaintext, rawKeyHex string) (string, error) {
	key, err := decodeRawKey(rawKeyHex)
	if err != nil {
		return "", err
	}

	ciphertext, iv, err := sealHex(key, []byte(plaintext))
	if err != nil {
		return "", err
	}
	return iv + ":" + ciphertext, nil
}

// DecryptField parses the IV prefix and decrypts. A wrong key or malformed
// value fails with ErrDecryptionFailed; authenticated encryption makes a
// silent garbage result impossible.
func (m *EnvelopeManager) DecryptField(value, rawKeyHex string) (string, error) {
	key, err := decodeRawKey(rawKeyHex)
	if err != nil {
		return "", err
	}

	ivHex, cipherHex, ok := strings.Cut(value, ":")
	if !ok {
		return "", fmt.Errorf("%w: missing iv segment", ErrDecryptionFailed)
	}

	plain, err := openHex(key, cipherHex, ivHex)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// LooksEncrypted is a structural heuristic: the first colon segment is
// exactly 32 lowercase hex characters. Gates display logic only, never
// authorization.
func LooksEncrypted(value string) bool {
	ivHex, _, ok := strings.Cut(value, ":")
	if !ok || len(ivHex) != ivSize*2 {
		return false
	}
	for _, c := range ivHex {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func (m *EnvelopeManager) kmsEnabled() bool {
	return m.kmsCfg.Enabled && m.kmsClient != nil
}

func (m *EnvelopeManager) wrapWithKMS(ctx context.Context, rawKeyHex string) (string, string, error) {
	out, err := m.kmsClient.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     aws.String(m.kmsCfg.KeyID),
		Plaintext: []byte(rawKeyHex),
	})
	if err != nil {
		return "", "", fmt.Errorf("kms wrap failed: %w", err)
	}
	return base64.StdEncoding.EncodeToString(out.CiphertextBlob), "", nil
}

func (m *EnvelopeManager) unwrapWithKMS(ctx context.Context, ciphertext string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: invalid kms ciphertext", ErrDecryptionFailed)
	}
	out, err := m.kmsClient.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: blob})
	if err != nil {
		return "", fmt.Errorf("%w: kms unwrap: %v", ErrDecryptionFailed, err)
	}
	return string(out.Plaintext), nil
}

func decodeRawKey(rawKeyHex string) ([]byte, error) {
	key, err := hex.DecodeString(rawKeyHex)
	if err != nil || len(key) != rawKeySize {
		return nil, fmt.Errorf("%w: invalid data key", ErrDecryptionFailed)
	}
	return key, nil
}

// sealHex encrypts with AES-256-GCM under a random 16-byte IV and returns
// hex(ciphertext||tag) and hex(iv).
func sealHex(key, plaintext []byte) (ciphertext, iv string, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", "", fmt.Errorf("encryption failed: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return "", "", fmt.Errorf("encryption failed: %w", err)
	}

	nonce := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", "", fmt.Errorf("encryption failed: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	return hex.EncodeToString(sealed), hex.EncodeToString(nonce), nil
}

func openHex(key []byte, cipherHex, ivHex string) ([]byte, error) {
	nonce, err := hex.DecodeString(ivHex)
	if err != nil || len(nonce) != ivSize {
		return nil, fmt.Errorf("%w: invalid iv", ErrDecryptionFailed)
	}
	sealed, err := hex.DecodeString(cipherHex)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid ciphertext", ErrDecryptionFailed)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plain, nil
}
