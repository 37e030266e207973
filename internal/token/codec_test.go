package token

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tipline-service/internal/config"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec(config.SecurityConfig{
		MasterSecret: "test-master-secret",
		TokenTTL:     time.Hour,
	})
	require.NoError(t, err)
	return c
}

func TestNewCodec_RequiresMasterSecret(t *testing.T) {
	_, err := NewCodec(config.SecurityConfig{})
	assert.ErrorIs(t, err, ErrMasterSecretUnset)
}

func TestIssueVerify_RoundTrip(t *testing.T) {
	c := newTestCodec(t)

	tok, err := c.Issue("sub-123", "tenant-9")
	require.NoError(t, err)
	assert.Contains(t, tok, ".")

	claims, err := c.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "sub-123", claims.SubmissionID)
	assert.Equal(t, "tenant-9", claims.TenantID)
	assert.WithinDuration(t, time.Now(), claims.IssuedAt, 5*time.Second)
}

func TestIssue_EmptySubjectRejected(t *testing.T) {
	c := newTestCodec(t)

	_, err := c.Issue("", "tenant-9")
	assert.Error(t, err)
	_, err = c.Issue("sub-123", "")
	assert.Error(t, err)
}

func TestVerify_TamperedPayload(t *testing.T) {
	c := newTestCodec(t)

	tok, err := c.Issue("sub-123", "tenant-9")
	require.NoError(t, err)

	payload, mac, ok := strings.Cut(tok, ".")
	require.True(t, ok)

	// Flip every position of the payload in turn; all must be rejected
	for i := 0; i < len(payload); i++ {
		mutated := flipChar(payload, i) + "." + mac
		_, err := c.Verify(mutated)
		assert.Error(t, err, "position %d", i)
	}
}

func TestVerify_TamperedMAC(t *testing.T) {
	c := newTestCodec(t)

	tok, err := c.Issue("sub-123", "tenant-9")
	require.NoError(t, err)

	payload, mac, ok := strings.Cut(tok, ".")
	require.True(t, ok)

	for i := 0; i < len(mac); i++ {
		mutated := payload + "." + flipChar(mac, i)
		_, err := c.Verify(mutated)
		assert.ErrorIs(t, err, ErrInvalidToken, "position %d", i)
	}
}

func TestVerify_MACLengthMismatch(t *testing.T) {
	c := newTestCodec(t)

	tok, err := c.Issue("sub-123", "tenant-9")
	require.NoError(t, err)

	_, err = c.Verify(tok + "00")
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = c.Verify(tok[:len(tok)-2])
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_Malformed(t *testing.T) {
	c := newTestCodec(t)

	for _, tok := range []string{
		"",
		"no-delimiter",
		".only-mac",
	} {
		_, err := c.Verify(tok)
		assert.ErrorIs(t, err, ErrMalformedToken, "token %q", tok)
	}
}

func TestVerify_ExpiryBoundary(t *testing.T) {
	c := newTestCodec(t)

	issued := time.Now()
	c.now = func() time.Time { return issued }

	tok, err := c.Issue("sub-123", "tenant-9")
	require.NoError(t, err)

	// Just inside the TTL
	c.now = func() time.Time { return issued.Add(time.Hour - time.Millisecond) }
	_, err = c.Verify(tok)
	assert.NoError(t, err)

	// Just past the TTL
	c.now = func() time.Time { return issued.Add(time.Hour + time.Millisecond) }
	_, err = c.Verify(tok)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestVerify_RepeatedUseWithinTTL(t *testing.T) {
	c := newTestCodec(t)

	tok, err := c.Issue("sub-123", "tenant-9")
	require.NoError(t, err)

	// Tokens are stateless; the same token verifies any number of times
	for i := 0; i < 3; i++ {
		_, err := c.Verify(tok)
		assert.NoError(t, err)
	}
}

func TestVerify_DifferentSecretRejects(t *testing.T) {
	c1 := newTestCodec(t)
	c2, err := NewCodec(config.SecurityConfig{MasterSecret: "another-secret"})
	require.NoError(t, err)

	tok, err := c1.Issue("sub-123", "tenant-9")
	require.NoError(t, err)

	_, err = c2.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func flipChar(s string, i int) string {
	b := []byte(s)
	if b[i] == 'A' {
		b[i] = 'B'
	} else {
		b[i] = 'A'
	}
	return string(b)
}
