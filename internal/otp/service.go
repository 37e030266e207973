package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tipline-service/internal/config"
	"tipline-service/internal/errs"
	"tipline-service/internal/hashing"
	"tipline-service/internal/model"
	"tipline-service/internal/util"
)

var ErrNoDeliveryChannel = errors.New("no delivery channel configured for request")

// CodeStore persists verification codes. GetActive returns (nil, nil) when
// the subject has no live code. ConsumeIfUnused must be an atomic
// conditional update on the used flag: two concurrent consumptions of the
// same code must not both report applied.
type CodeStore interface {
	InvalidateActive(ctx context.Context, subjectID string) error
	Create(ctx context.Context, code *model.VerificationCode) error
	GetActive(ctx context.Context, subjectID string) (*model.VerificationCode, error)
	ConsumeIfUnused(ctx context.Context, subjectID, codeID string) (bool, error)
}

// VerifyThrottle bounds repeated validation attempts per subject within a
// trailing window, independent of code correctness. Reset clears the
// subject's failure history once a code is successfully consumed.
type VerifyThrottle interface {
	TooManyFailures(ctx context.Context, subjectID string) (bool, error)
	RecordFailure(ctx context.Context, subjectID string) error
	Reset(ctx context.Context, subjectID string) error
}

// IssueResult reports which channels actually delivered. ChannelFailures
// carries the failure reason per channel that was attempted but did not
// deliver, so a partially successful issue is distinguishable from a clean
// one.
type IssueResult struct {
	ChannelsAttempted []string
	ChannelsSucceeded []string
	ChannelFailures   map[string]string
	ExpiresAt         time.Time
}

// Service runs the step-up passcode flow: issue with multi-channel fan-out,
// then verify/consume exactly once. Per subject the code lifecycle is
// NONE -> ISSUED -> VERIFIED | EXPIRED | SUPERSEDED.
type Service struct {
	store    CodeStore
	throttle VerifyThrottle
	hasher   *hashing.Hasher
	email    EmailSender
	sms      SMSSender
	cfg      config.OTPConfig
	logger   *zap.Logger
}

func NewService(
	store CodeStore,
	throttle VerifyThrottle,
	hasher *hashing.Hasher,
	email EmailSender,
	sms SMSSender,
	cfg config.OTPConfig,
	logger *zap.Logger,
) *Service {
	return &Service{
		store:    store,
		throttle: throttle,
		hasher:   hasher,
		email:    email,
		sms:      sms,
		cfg:      cfg,
		logger:   logger,
	}
}

// Issue supersedes any live code for the subject, generates a fresh 6-digit
// code and fans delivery out over the requested channels. The code is
// persisted only after at least one channel delivered (commit last), so a
// cancelled or fully failed issue leaves no live code behind.
func (s *Service) Issue(ctx context.Context, subjectID string, targets DeliveryTargets, channel Channel) (*IssueResult, error) {
	if err := s.store.InvalidateActive(ctx, subjectID); err != nil {
		return nil, fmt.Errorf("%w: failed to supersede active code: %v", errs.ErrTransientStore, err)
	}

	code, err := generateCode()
	if err != nil {
		return nil, fmt.Errorf("failed to generate code: %w", err)
	}

	attempted, succeeded, deliveryErr := s.deliver(ctx, code, targets, channel)
	if len(succeeded) == 0 {
		if deliveryErr != nil {
			return nil, deliveryErr
		}
		return nil, ErrNoDeliveryChannel
	}

	hashResult, err := s.hasher.HashOTP(code)
	if err != nil {
		return nil, fmt.Errorf("failed to hash code: %w", err)
	}

	now := time.Now().UTC()
	record := &model.VerificationCode{
		SubjectID:         subjectID,
		CodeID:            uuid.New().String(),
		CodeHash:          hashResult.Hash,
		CodeSalt:          hashResult.Salt,
		PepperVersion:     hashResult.PepperVersion,
		ChannelsAttempted: attempted,
		ChannelsSucceeded: succeeded,
		ExpiresAt:         now.Add(s.cfg.CodeTTL),
		CreatedAt:         now,
	}

	if err := s.store.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("%w: failed to persist code: %v", errs.ErrTransientStore, err)
	}

	s.logger.Info("Verification code issued",
		zap.String("subject_id", subjectID),
		zap.Strings("channels_succeeded", succeeded),
		zap.Time("expires_at", record.ExpiresAt))

	result := &IssueResult{
		ChannelsAttempted: attempted,
		ChannelsSucceeded: succeeded,
		ExpiresAt:         record.ExpiresAt,
	}
	var dErr *DeliveryError
	if errors.As(deliveryErr, &dErr) {
		result.ChannelFailures = make(map[string]string, len(dErr.Failures))
		for name, sendErr := range dErr.Failures {
			result.ChannelFailures[name] = sendErr.Error()
		}
	}
	return result, nil
}

// deliver fans out across the requested channel set and collects per-channel
// outcomes; individual failures are aggregated, never thrown.
func (s *Service) deliver(ctx context.Context, code string, targets DeliveryTargets, channel Channel) (attempted, succeeded []string, err error) {
	wantEmail := (channel == ChannelEmail || channel == ChannelBoth) && s.email != nil && targets.Email != ""
	wantSMS := (channel == ChannelSMS || channel == ChannelBoth) && s.sms != nil && targets.Phone != ""

	var mu sync.Mutex
	failures := make(map[string]error)
	g, gctx := errgroup.WithContext(ctx)

	record := func(name string, sendErr error) {
		mu.Lock()
		defer mu.Unlock()
		if sendErr != nil {
			failures[name] = sendErr
			return
		}
		succeeded = append(succeeded, name)
	}

	if wantEmail {
		attempted = append(attempted, string(ChannelEmail))
		g.Go(func() error {
			subject := "Your verification code"
			body := fmt.Sprintf("<p>Your verification code is <strong>%s</strong>. It expires in %d minutes.</p>",
				code, int(s.cfg.CodeTTL.Minutes()))
			record(string(ChannelEmail), s.email.SendEmail(gctx, targets.Email, subject, body))
			return nil
		})
	}
	if wantSMS {
		attempted = append(attempted, string(ChannelSMS))
		g.Go(func() error {
			message := fmt.Sprintf("Your verification code: %s", code)
			record(string(ChannelSMS), s.sms.SendSMS(gctx, targets.Phone, message))
			return nil
		})
	}

	_ = g.Wait()

	for name, sendErr := range failures {
		s.logger.Warn("Code delivery failed on channel",
			zap.String("channel", name),
			zap.Error(sendErr))
	}

	if len(failures) > 0 {
		err = &DeliveryError{Failures: failures}
	}
	return attempted, succeeded, err
}

// Validate checks a presented code against the subject's live code. With
// consume, the used flag is flipped by a single conditional update as part
// of the same verification pass; a lost race reports false, never a double
// success. Without consume this is a pre-check only; the caller's protocol
// accepts the window between pre-check and final consumption.
func (s *Service) Validate(ctx context.Context, subjectID, code string, consume bool) (bool, error) {
	if len(code) != 6 {
		return false, fmt.Errorf("%w: code must be 6 digits", errs.ErrMalformedInput)
	}

	blocked, err := s.throttle.TooManyFailures(ctx, subjectID)
	if err != nil {
		return false, fmt.Errorf("%w: throttle check failed: %v", errs.ErrTransientStore, err)
	}
	if blocked {
		return false, errs.ErrTooManyAttempts
	}

	record, err := s.store.GetActive(ctx, subjectID)
	if err != nil {
		return false, fmt.Errorf("%w: code lookup failed: %v", errs.ErrTransientStore, err)
	}
	if record == nil || time.Now().UTC().After(record.ExpiresAt) {
		s.recordFailure(ctx, subjectID)
		return false, nil
	}

	match, err := s.hasher.VerifyOTP(code, &hashing.HashResult{
		Hash:          record.CodeHash,
		Salt:          record.CodeSalt,
		PepperVersion: record.PepperVersion,
	})
	if err != nil {
		return false, fmt.Errorf("failed to verify code: %w", err)
	}
	if !match {
		s.recordFailure(ctx, subjectID)
		return false, nil
	}

	if consume {
		applied, err := s.store.ConsumeIfUnused(ctx, subjectID, record.CodeID)
		if err != nil {
			return false, fmt.Errorf("%w: failed to consume code: %v", errs.ErrTransientStore, err)
		}
		if !applied {
			// Another request consumed it first
			return false, nil
		}
		// A consumed code proves the subject; stale failures no longer count
		if err := s.throttle.Reset(ctx, subjectID); err != nil {
			util.Warn("Failed to reset validation throttle", zap.Error(err))
		}
		s.logger.Info("Verification code consumed",
			zap.String("subject_id", subjectID),
			zap.String("code_id", record.CodeID))
	}

	return true, nil
}

func (s *Service) recordFailure(ctx context.Context, subjectID string) {
	if err := s.throttle.RecordFailure(ctx, subjectID); err != nil {
		util.Warn("Failed to record validation failure", zap.Error(err))
	}
}

// generateCode draws a uniform 6-digit code from a CSPRNG.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}
