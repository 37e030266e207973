package otp

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tipline-service/internal/config"
	"tipline-service/internal/errs"
	"tipline-service/internal/hashing"
	"tipline-service/internal/model"
	"tipline-service/internal/util"
)

// memCodeStore mimics the conditional-update semantics of the real store.
type memCodeStore struct {
	codes []*model.VerificationCode
}

func (s *memCodeStore) InvalidateActive(_ context.Context, subjectID string) error {
	for _, c := range s.codes {
		if c.SubjectID == subjectID && !c.Used {
			c.Used = true
		}
	}
	return nil
}

func (s *memCodeStore) Create(_ context.Context, code *model.VerificationCode) error {
	s.codes = append(s.codes, code)
	return nil
}

func (s *memCodeStore) GetActive(_ context.Context, subjectID string) (*model.VerificationCode, error) {
	var newest *model.VerificationCode
	for _, c := range s.codes {
		if c.SubjectID != subjectID || c.Used || time.Now().UTC().After(c.ExpiresAt) {
			continue
		}
		if newest == nil || c.CreatedAt.After(newest.CreatedAt) {
			newest = c
		}
	}
	return newest, nil
}

func (s *memCodeStore) ConsumeIfUnused(_ context.Context, subjectID, codeID string) (bool, error) {
	for _, c := range s.codes {
		if c.SubjectID == subjectID && c.CodeID == codeID {
			if c.Used {
				return false, nil
			}
			c.Used = true
			return true, nil
		}
	}
	return false, nil
}

type memThrottle struct {
	failures map[string]int
	max      int
}

func newMemThrottle(max int) *memThrottle {
	return &memThrottle{failures: make(map[string]int), max: max}
}

func (t *memThrottle) TooManyFailures(_ context.Context, subjectID string) (bool, error) {
	return t.failures[subjectID] >= t.max, nil
}

func (t *memThrottle) RecordFailure(_ context.Context, subjectID string) error {
	t.failures[subjectID]++
	return nil
}

func (t *memThrottle) Reset(_ context.Context, subjectID string) error {
	delete(t.failures, subjectID)
	return nil
}

// capturingSender records delivered codes so tests can replay them.
type capturingSender struct {
	lastEmailCode string
	lastSMSCode   string
	emailErr      error
	smsErr        error
}

func (c *capturingSender) SendEmail(_ context.Context, to, subject, html string) error {
	if c.emailErr != nil {
		return c.emailErr
	}
	c.lastEmailCode = extractCode(html)
	return nil
}

func (c *capturingSender) SendSMS(_ context.Context, to, message string) error {
	if c.smsErr != nil {
		return c.smsErr
	}
	c.lastSMSCode = extractCode(message)
	return nil
}

func extractCode(s string) string {
	for i := 0; i+6 <= len(s); i++ {
		candidate := s[i : i+6]
		digits := true
		for _, ch := range candidate {
			if ch < '0' || ch > '9' {
				digits = false
				break
			}
		}
		if digits {
			return candidate
		}
	}
	return ""
}

func newTestService(t *testing.T, store *memCodeStore, throttle *memThrottle, sender *capturingSender) *Service {
	t.Helper()
	hasher, err := hashing.NewHasher("test-master-secret", hashing.Argon2Params{
		Memory: 8 * 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32,
	})
	require.NoError(t, err)

	return NewService(store, throttle, hasher, sender, sender, config.OTPConfig{
		CodeTTL:           5 * time.Minute,
		MaxVerifyAttempts: 5,
		AttemptWindow:     5 * time.Minute,
	}, util.Get())
}

func targets() DeliveryTargets {
	return DeliveryTargets{Email: "user@example.org", Phone: "+4915112345678"}
}

func TestIssue_DeliversAndPersists(t *testing.T) {
	store := &memCodeStore{}
	sender := &capturingSender{}
	svc := newTestService(t, store, newMemThrottle(5), sender)

	res, err := svc.Issue(context.Background(), "subject-1", targets(), ChannelBoth)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"email", "sms"}, res.ChannelsSucceeded)
	assert.Empty(t, res.ChannelFailures)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), res.ExpiresAt, 5*time.Second)

	require.Len(t, store.codes, 1)
	assert.NotEmpty(t, sender.lastEmailCode)
	assert.Equal(t, sender.lastEmailCode, sender.lastSMSCode)
	// The code itself is never persisted, only its digest
	assert.NotContains(t, store.codes[0].CodeHash, sender.lastEmailCode)
}

func TestIssue_SupersedesPriorCode(t *testing.T) {
	store := &memCodeStore{}
	sender := &capturingSender{}
	svc := newTestService(t, store, newMemThrottle(5), sender)
	ctx := context.Background()

	_, err := svc.Issue(ctx, "subject-1", targets(), ChannelEmail)
	require.NoError(t, err)
	firstCode := sender.lastEmailCode

	_, err = svc.Issue(ctx, "subject-1", targets(), ChannelEmail)
	require.NoError(t, err)

	// At most one live code per subject
	require.Len(t, store.codes, 2)
	assert.True(t, store.codes[0].Used, "prior code must be superseded")
	assert.False(t, store.codes[1].Used)

	// The superseded code no longer validates
	ok, err := svc.Validate(ctx, "subject-1", firstCode, false)
	require.NoError(t, err)
	if firstCode != sender.lastEmailCode {
		assert.False(t, ok)
	}
}

func TestIssue_PartialDeliveryStillSucceeds(t *testing.T) {
	store := &memCodeStore{}
	sender := &capturingSender{smsErr: errors.New("gateway down")}
	svc := newTestService(t, store, newMemThrottle(5), sender)

	res, err := svc.Issue(context.Background(), "subject-1", targets(), ChannelBoth)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"email", "sms"}, res.ChannelsAttempted)
	assert.Equal(t, []string{"email"}, res.ChannelsSucceeded)

	// The caller learns which channel failed and why
	require.Contains(t, res.ChannelFailures, "sms")
	assert.Contains(t, res.ChannelFailures["sms"], "gateway down")
	assert.NotContains(t, res.ChannelFailures, "email")

	require.Len(t, store.codes, 1)
	assert.Equal(t, []string{"email"}, store.codes[0].ChannelsSucceeded)
}

func TestIssue_AllChannelsFailAggregatesErrors(t *testing.T) {
	store := &memCodeStore{}
	sender := &capturingSender{
		emailErr: errors.New("smtp refused"),
		smsErr:   errors.New("gateway down"),
	}
	svc := newTestService(t, store, newMemThrottle(5), sender)

	_, err := svc.Issue(context.Background(), "subject-1", targets(), ChannelBoth)
	require.Error(t, err)

	var dErr *DeliveryError
	require.ErrorAs(t, err, &dErr)
	assert.Len(t, dErr.Failures, 2)

	// Commit last: nothing persisted when no channel delivered
	assert.Empty(t, store.codes)
}

func TestValidate_ConsumeExactlyOnce(t *testing.T) {
	store := &memCodeStore{}
	sender := &capturingSender{}
	svc := newTestService(t, store, newMemThrottle(5), sender)
	ctx := context.Background()

	_, err := svc.Issue(ctx, "subject-1", targets(), ChannelEmail)
	require.NoError(t, err)
	code := sender.lastEmailCode

	ok, err := svc.Validate(ctx, "subject-1", code, true)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second consumption of the same code fails
	ok, err = svc.Validate(ctx, "subject-1", code, true)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidate_PreCheckDoesNotConsume(t *testing.T) {
	store := &memCodeStore{}
	sender := &capturingSender{}
	svc := newTestService(t, store, newMemThrottle(5), sender)
	ctx := context.Background()

	_, err := svc.Issue(ctx, "subject-1", targets(), ChannelEmail)
	require.NoError(t, err)
	code := sender.lastEmailCode

	ok, err := svc.Validate(ctx, "subject-1", code, false)
	require.NoError(t, err)
	assert.True(t, ok)

	// Still consumable afterwards
	ok, err = svc.Validate(ctx, "subject-1", code, true)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestValidate_WrongCode(t *testing.T) {
	store := &memCodeStore{}
	sender := &capturingSender{}
	svc := newTestService(t, store, newMemThrottle(5), sender)
	ctx := context.Background()

	_, err := svc.Issue(ctx, "subject-1", targets(), ChannelEmail)
	require.NoError(t, err)

	wrong := "000000"
	if sender.lastEmailCode == wrong {
		wrong = "000001"
	}
	ok, err := svc.Validate(ctx, "subject-1", wrong, true)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidate_MalformedCode(t *testing.T) {
	svc := newTestService(t, &memCodeStore{}, newMemThrottle(5), &capturingSender{})

	_, err := svc.Validate(context.Background(), "subject-1", "12345", true)
	assert.ErrorIs(t, err, errs.ErrMalformedInput)
}

func TestValidate_ThrottleBlocksRegardlessOfCorrectness(t *testing.T) {
	store := &memCodeStore{}
	sender := &capturingSender{}
	throttle := newMemThrottle(5)
	svc := newTestService(t, store, throttle, sender)
	ctx := context.Background()

	_, err := svc.Issue(ctx, "subject-1", targets(), ChannelEmail)
	require.NoError(t, err)
	code := sender.lastEmailCode

	// Burn through the failure budget
	for i := 0; i < 5; i++ {
		wrong := fmt.Sprintf("%06d", 111111+i)
		if wrong == code {
			wrong = "999999"
		}
		ok, err := svc.Validate(ctx, "subject-1", wrong, false)
		require.NoError(t, err)
		assert.False(t, ok)
	}

	// Even the correct code is rejected now
	_, err = svc.Validate(ctx, "subject-1", code, true)
	assert.ErrorIs(t, err, errs.ErrTooManyAttempts)
}

func TestValidate_ConsumeResetsThrottle(t *testing.T) {
	store := &memCodeStore{}
	sender := &capturingSender{}
	throttle := newMemThrottle(5)
	svc := newTestService(t, store, throttle, sender)
	ctx := context.Background()

	_, err := svc.Issue(ctx, "subject-1", targets(), ChannelEmail)
	require.NoError(t, err)
	code := sender.lastEmailCode

	// A few wrong guesses before the right one
	for i := 0; i < 3; i++ {
		wrong := fmt.Sprintf("%06d", 111111+i)
		if wrong == code {
			wrong = "999999"
		}
		ok, err := svc.Validate(ctx, "subject-1", wrong, false)
		require.NoError(t, err)
		assert.False(t, ok)
	}
	require.Equal(t, 3, throttle.failures["subject-1"])

	ok, err := svc.Validate(ctx, "subject-1", code, true)
	require.NoError(t, err)
	require.True(t, ok)

	// The earlier failures no longer count against the subject
	assert.Zero(t, throttle.failures["subject-1"])
}

func TestValidate_PreCheckDoesNotResetThrottle(t *testing.T) {
	store := &memCodeStore{}
	sender := &capturingSender{}
	throttle := newMemThrottle(5)
	svc := newTestService(t, store, throttle, sender)
	ctx := context.Background()

	_, err := svc.Issue(ctx, "subject-1", targets(), ChannelEmail)
	require.NoError(t, err)
	code := sender.lastEmailCode

	require.NoError(t, throttle.RecordFailure(ctx, "subject-1"))

	ok, err := svc.Validate(ctx, "subject-1", code, false)
	require.NoError(t, err)
	require.True(t, ok)

	// Only consumption clears the budget
	assert.Equal(t, 1, throttle.failures["subject-1"])
}

func TestValidate_ExpiredCode(t *testing.T) {
	store := &memCodeStore{}
	sender := &capturingSender{}
	svc := newTestService(t, store, newMemThrottle(5), sender)
	ctx := context.Background()

	_, err := svc.Issue(ctx, "subject-1", targets(), ChannelEmail)
	require.NoError(t, err)
	code := sender.lastEmailCode

	store.codes[0].ExpiresAt = time.Now().UTC().Add(-time.Second)

	ok, err := svc.Validate(ctx, "subject-1", code, true)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGenerateCode_Shape(t *testing.T) {
	for i := 0; i < 50; i++ {
		code, err := generateCode()
		require.NoError(t, err)
		require.Len(t, code, 6)
		assert.GreaterOrEqual(t, code, "100000")
		assert.LessOrEqual(t, code, "999999")
	}
}
