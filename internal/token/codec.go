package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"

	"tipline-service/internal/config"
	"tipline-service/internal/errs"
)

var (
	ErrMasterSecretUnset = fmt.Errorf("%w: master secret is not configured", errs.ErrConfig)
	ErrMalformedToken    = fmt.Errorf("%w: malformed token", errs.ErrMalformedInput)
	ErrInvalidToken      = fmt.Errorf("%w: invalid token", errs.ErrAuthentication)
	ErrExpiredToken      = fmt.Errorf("%w: token expired", errs.ErrAuthentication)
)

const macPurpose = "submission-access-token"

// Claims is what a verified bearer token stands for.
type Claims struct {
	SubmissionID string
	TenantID     string
	IssuedAt     time.Time
}

// Codec issues and verifies self-contained bearer tokens. No token is ever
// stored server-side; the MAC key is derived from the system master secret
// with a purpose label independent from the key-wrapping derivation.
//
// Tokens cannot be revoked before expiry. Statelessness over revocability is
// a deliberate trade-off; the TTL is the sole mitigation.
type Codec struct {
	macKey []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewCodec derives the MAC key and fixes the TTL.
func NewCodec(sec config.SecurityConfig) (*Codec, error) {
	if sec.MasterSecret == "" {
		return nil, ErrMasterSecretUnset
	}

	r := hkdf.New(sha256.New, []byte(sec.MasterSecret), nil, []byte(macPurpose))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive token mac key: %w", err)
	}

	ttl := sec.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	return &Codec{
		macKey: key,
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// Issue binds a submission to its tenant with the current timestamp and
// returns `base64url(payload) + "." + hex(HMAC-SHA256)`.
func (c *Codec) Issue(submissionID, tenantID string) (string, error) {
	if submissionID == "" || tenantID == "" {
		return "", fmt.Errorf("%w: empty token subject", errs.ErrMalformedInput)
	}

	payload := fmt.Sprintf("%s:%s:%d", submissionID, tenantID, c.now().UnixMilli())
	encoded := base64.RawURLEncoding.EncodeToString([]byte(payload))
	return encoded + "." + c.sign(encoded), nil
}

// Verify authenticates a presented token and returns its claims. The MAC is
// checked over the exact encoded bytes, in constant time, before the payload
// is decoded; length mismatch rejects before comparison.
func (c *Codec) Verify(token string) (*Claims, error) {
	encoded, presentedMAC, ok := strings.Cut(token, ".")
	if !ok || encoded == "" {
		return nil, ErrMalformedToken
	}

	expectedMAC := c.sign(encoded)
	if len(presentedMAC) != len(expectedMAC) {
		return nil, ErrInvalidToken
	}
	if !hmac.Equal([]byte(presentedMAC), []byte(expectedMAC)) {
		return nil, ErrInvalidToken
	}

	// Only authenticated payloads get decoded
	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrMalformedToken
	}

	parts := strings.Split(string(payload), ":")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return nil, ErrMalformedToken
	}

	issuedMillis, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return nil, ErrMalformedToken
	}

	issuedAt := time.UnixMilli(issuedMillis)
	if c.now().Sub(issuedAt) > c.ttl {
		return nil, ErrExpiredToken
	}

	return &Claims{
		SubmissionID: parts[0],
		TenantID:     parts[1],
		IssuedAt:     issuedAt,
	}, nil
}

func (c *Codec) sign(encodedPayload string) string {
	mac := hmac.New(sha256.New, c.macKey)
	mac.Write([]byte(encodedPayload))
	return hex.EncodeToString(mac.Sum(nil))
}
