package hashing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrInvalidHash       = errors.New("invalid hash format")
	ErrMasterSecretUnset = errors.New("master secret is not configured")
)

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultParams is tuned for interactive verification of short secrets
// (submitter passwords, 6-digit codes).
var DefaultParams = Argon2Params{
	Memory:      64 * 1024,
	Iterations:  2,
	Parallelism: 2,
	SaltLength:  16,
	KeyLength:   32,
}

// Hasher produces argon2id digests peppered with a key derived from the
// system master secret, plus deterministic HMAC digests for source
// identifiers that have to be countable (rate-limit keys).
type Hasher struct {
	params    Argon2Params
	pepper    []byte
	sourceKey []byte
}

// HashResult is the stored form of a peppered argon2id digest.
type HashResult struct {
	Hash          string `json:"hash"`
	Salt          string `json:"salt"`
	PepperVersion int    `json:"pepper_version"`
	Algorithm     string `json:"algorithm"`
}

// Encode packs the result into one string for single-column storage.
func (r *HashResult) Encode() string {
	return fmt.Sprintf("%s$v%d$%s$%s", r.Algorithm, r.PepperVersion, r.Salt, r.Hash)
}

// DecodeResult is the inverse of Encode.
func DecodeResult(encoded string) (*HashResult, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 4 || !strings.HasPrefix(parts[1], "v") {
		return nil, ErrInvalidHash
	}

	version, err := strconv.Atoi(strings.TrimPrefix(parts[1], "v"))
	if err != nil {
		return nil, ErrInvalidHash
	}

	return &HashResult{
		Algorithm:     parts[0],
		PepperVersion: version,
		Salt:          parts[2],
		Hash:          parts[3],
	}, nil
}

// NewHasher derives the pepper and the source-hash key from the master
// secret via independent HKDF expansions, so neither reveals the other.
func NewHasher(masterSecret string, params Argon2Params) (*Hasher, error) {
	if masterSecret == "" {
		return nil, ErrMasterSecretUnset
	}

	pepper, err := deriveKey(masterSecret, "secret-hash-pepper")
	if err != nil {
		return nil, fmt.Errorf("failed to derive pepper: %w", err)
	}
	sourceKey, err := deriveKey(masterSecret, "source-identifier-hash")
	if err != nil {
		return nil, fmt.Errorf("failed to derive source hash key: %w", err)
	}

	return &Hasher{
		params:    params,
		pepper:    pepper,
		sourceKey: sourceKey,
	}, nil
}

func deriveKey(masterSecret, purpose string) ([]byte, error) {
	r := hkdf.New(sha256.New, []byte(masterSecret), nil, []byte(purpose))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// HashPassword hashes a submitter-chosen password.
func (h *Hasher) HashPassword(password string) (*HashResult, error) {
	return h.hashWithPepper(password, "password")
}

// HashOTP hashes a one-time code for storage.
func (h *Hasher) HashOTP(code string) (*HashResult, error) {
	return h.hashWithPepper(code, "otp")
}

func (h *Hasher) hashWithPepper(data, context string) (*HashResult, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	// Context label prevents hash reuse across purposes
	contextualData := data + string(h.pepper) + context

	hash := argon2.IDKey(
		[]byte(contextualData),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		h.params.KeyLength,
	)

	return &HashResult{
		Hash:          base64.RawURLEncoding.EncodeToString(hash),
		Salt:          base64.RawURLEncoding.EncodeToString(salt),
		PepperVersion: 1,
		Algorithm:     "argon2id-v1",
	}, nil
}

// VerifyPassword recomputes and compares a password digest.
func (h *Hasher) VerifyPassword(password string, hashResult *HashResult) (bool, error) {
	return h.verifyWithPepper(password, hashResult, "password")
}

// VerifyOTP recomputes and compares a code digest.
func (h *Hasher) VerifyOTP(code string, hashResult *HashResult) (bool, error) {
	return h.verifyWithPepper(code, hashResult, "otp")
}

func (h *Hasher) verifyWithPepper(data string, hashResult *HashResult, context string) (bool, error) {
	salt, err := base64.RawURLEncoding.DecodeString(hashResult.Salt)
	if err != nil {
		return false, ErrInvalidHash
	}

	expectedHash, err := base64.RawURLEncoding.DecodeString(hashResult.Hash)
	if err != nil {
		return false, ErrInvalidHash
	}

	contextualData := data + string(h.pepper) + context

	computedHash := argon2.IDKey(
		[]byte(contextualData),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		uint32(len(expectedHash)),
	)

	return subtle.ConstantTimeCompare(computedHash, expectedHash) == 1, nil
}

// SourceHash maps a client IP (or similar source identifier) to a stable
// keyed digest. Deterministic so the same source always counts against the
// same rate-limit key, keyed so the ledger never leaks raw addresses.
func (h *Hasher) SourceHash(identifier string) string {
	mac := hmac.New(sha256.New, h.sourceKey)
	mac.Write([]byte(identifier))
	return hex.EncodeToString(mac.Sum(nil))
}
