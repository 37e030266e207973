package hashing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testParams = Argon2Params{
	Memory:      8 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

func newTestHasher(t *testing.T) *Hasher {
	t.Helper()
	h, err := NewHasher("test-master-secret", testParams)
	require.NoError(t, err)
	return h
}

func TestNewHasher_RequiresMasterSecret(t *testing.T) {
	_, err := NewHasher("", testParams)
	assert.ErrorIs(t, err, ErrMasterSecretUnset)
}

func TestHashPassword_RoundTrip(t *testing.T) {
	h := newTestHasher(t)

	result, err := h.HashPassword("correct horse battery staple")
	require.NoError(t, err)
	assert.Equal(t, "argon2id-v1", result.Algorithm)
	assert.NotContains(t, result.Hash, "correct horse")

	ok, err := h.VerifyPassword("correct horse battery staple", result)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.VerifyPassword("wrong password", result)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashPassword_UniqueSalts(t *testing.T) {
	h := newTestHasher(t)

	a, err := h.HashPassword("same input")
	require.NoError(t, err)
	b, err := h.HashPassword("same input")
	require.NoError(t, err)

	assert.NotEqual(t, a.Salt, b.Salt)
	assert.NotEqual(t, a.Hash, b.Hash)
}

func TestHashOTP_ContextSeparation(t *testing.T) {
	h := newTestHasher(t)

	result, err := h.HashOTP("123456")
	require.NoError(t, err)

	ok, err := h.VerifyOTP("123456", result)
	require.NoError(t, err)
	assert.True(t, ok)

	// A code digest must not verify as a password digest
	ok, err = h.VerifyPassword("123456", result)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEncode_DecodeRoundTrip(t *testing.T) {
	h := newTestHasher(t)

	result, err := h.HashPassword("hunter2hunter2")
	require.NoError(t, err)

	decoded, err := DecodeResult(result.Encode())
	require.NoError(t, err)
	assert.Equal(t, result, decoded)

	ok, err := h.VerifyPassword("hunter2hunter2", decoded)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDecodeResult_Malformed(t *testing.T) {
	for _, encoded := range []string{
		"",
		"argon2id-v1",
		"argon2id-v1$1$salt$hash",
		"argon2id-v1$vx$salt$hash",
		"too$v1$many$parts$here",
	} {
		_, err := DecodeResult(encoded)
		assert.ErrorIs(t, err, ErrInvalidHash, "input %q", encoded)
	}
}

func TestSourceHash_DeterministicAndKeyed(t *testing.T) {
	h := newTestHasher(t)

	a := h.SourceHash("203.0.113.7")
	b := h.SourceHash("203.0.113.7")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, h.SourceHash("203.0.113.8"))

	// A different master secret yields a different mapping
	other, err := NewHasher("another-secret", testParams)
	require.NoError(t, err)
	assert.NotEqual(t, a, other.SourceHash("203.0.113.7"))
}
