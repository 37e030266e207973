package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tipline-service/internal/audit"
	"tipline-service/internal/crypto"
	"tipline-service/internal/errs"
	"tipline-service/internal/gate"
	"tipline-service/internal/hashing"
	"tipline-service/internal/model"
	"tipline-service/internal/token"
	"tipline-service/internal/util"
)

// SubmissionStore is the persistence surface SubmissionService needs.
type SubmissionStore interface {
	CreateSubmission(ctx context.Context, sub *model.Submission) error
	GetSubmission(ctx context.Context, submissionID string) (*model.Submission, error)
	UpdateFields(ctx context.Context, submissionID string, fields map[string]string) error
	AppendEditHistory(ctx context.Context, entry *model.EditHistoryEntry) error
	ListEditHistory(ctx context.Context, submissionID string) ([]*model.EditHistoryEntry, error)
}

// TenantLookup is the read-only tenant view used on the submission path.
type TenantLookup interface {
	GetTenant(ctx context.Context, tenantID string) (*model.Tenant, error)
}

// FieldState tells a reader what it is looking at: recovered plaintext, a
// value that was never encrypted, or ciphertext the server cannot open.
type FieldState string

const (
	FieldStatePlaintext FieldState = "plaintext"
	FieldStateDecrypted FieldState = "decrypted"
	FieldStateLocked    FieldState = "encrypted"
)

// FieldValue is one field as presented to an authorized reader.
type FieldValue struct {
	Name  string     `json:"name"`
	Value string     `json:"value,omitempty"`
	State FieldState `json:"state"`
}

// CreateSubmissionResult is returned to the anonymous submitter exactly once.
// The submission number and token are not recoverable afterwards.
type CreateSubmissionResult struct {
	SubmissionID     string `json:"submission_id"`
	SubmissionNumber string `json:"submission_number"`
	AccessToken      string `json:"access_token"`
}

// SubmissionService runs the anonymous report lifecycle: gated intake,
// field encryption under the tenant key, append-only edit history.
type SubmissionService struct {
	store    SubmissionStore
	tenants  TenantLookup
	envelope *crypto.EnvelopeManager
	hasher   *hashing.Hasher
	gate     *gate.Gate
	codec    *token.Codec
	recorder *audit.Recorder
	logger   *zap.Logger
}

func NewSubmissionService(
	store SubmissionStore,
	tenants TenantLookup,
	envelope *crypto.EnvelopeManager,
	hasher *hashing.Hasher,
	g *gate.Gate,
	codec *token.Codec,
	recorder *audit.Recorder,
	logger *zap.Logger,
) *SubmissionService {
	return &SubmissionService{
		store:    store,
		tenants:  tenants,
		envelope: envelope,
		hasher:   hasher,
		gate:     g,
		codec:    codec,
		recorder: recorder,
		logger:   logger,
	}
}

// Create admits, stores and tokenizes a new anonymous submission. Fields are
// encrypted iff the tenant has a data key at write time; a key generated
// later never re-encrypts what was stored before it existed.
func (s *SubmissionService) Create(ctx context.Context, tenantID string, req gate.RequestInfo, password string, fields map[string]string) (*CreateSubmissionResult, error) {
	tenant, err := s.tenants.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrTransientStore, err)
	}
	if tenant == nil || !tenant.IsServiceActive(time.Now().UTC()) {
		return nil, errs.ErrUnauthorized
	}

	decision, err := s.gate.Evaluate(ctx, req, tenant, gate.EvalOptions{})
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		s.recordAttempt(ctx, tenant.TenantID, req, model.AttemptKindSubmission, false, string(decision.Reason))
		return nil, errs.Denied(decision.Reason)
	}

	if len(password) < 8 {
		return nil, fmt.Errorf("%w: password must be at least 8 characters", errs.ErrMalformedInput)
	}

	passwordHash, err := s.hasher.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	number, err := generateSubmissionNumber()
	if err != nil {
		return nil, err
	}

	stored, encrypted, err := s.sealFields(ctx, tenant, fields)
	if err != nil {
		return nil, err
	}

	sub := &model.Submission{
		SubmissionID:     uuid.New().String(),
		TenantID:         tenant.TenantID,
		SubmissionNumber: number,
		PasswordHash:     passwordHash.Encode(),
		Fields:           stored,
	}

	if err := s.store.CreateSubmission(ctx, sub); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrTransientStore, err)
	}

	for name := range stored {
		s.appendHistory(ctx, sub.SubmissionID, name, model.RoleSubmitter, encrypted)
	}

	accessToken, err := s.codec.Issue(sub.SubmissionID, sub.TenantID)
	if err != nil {
		return nil, err
	}

	s.recordAttempt(ctx, tenant.TenantID, req, model.AttemptKindSubmission, true, "")

	util.Info("Submission created",
		zap.String("submission_id", sub.SubmissionID),
		zap.String("tenant_id", tenant.TenantID),
		zap.Bool("encrypted", encrypted))

	return &CreateSubmissionResult{
		SubmissionID:     sub.SubmissionID,
		SubmissionNumber: number,
		AccessToken:      accessToken,
	}, nil
}

// Get returns the submission row without field interpretation.
func (s *SubmissionService) Get(ctx context.Context, submissionID string) (*model.Submission, error) {
	sub, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrTransientStore, err)
	}
	if sub == nil {
		return nil, errs.ErrNotFound
	}
	return sub, nil
}

// ReadFields resolves every field to what the reader may see. Plaintext
// passes through; ciphertext is opened with the tenant's unwrapped key. A
// value that cannot be opened is reported as locked, never as denial, and a
// failure to open with a present key surfaces as a decryption error.
func (s *SubmissionService) ReadFields(ctx context.Context, submissionID string) ([]FieldValue, error) {
	sub, err := s.Get(ctx, submissionID)
	if err != nil {
		return nil, err
	}

	tenant, err := s.tenants.GetTenant(ctx, sub.TenantID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrTransientStore, err)
	}
	if tenant == nil {
		return nil, errs.ErrNotFound
	}

	var rawKey string
	if tenant.HasDataKey() {
		rawKey, err = s.envelope.Unwrap(ctx, tenant.DataKeyCiphertext, tenant.DataKeyIV)
		if err != nil {
			return nil, err
		}
	}

	out := make([]FieldValue, 0, len(sub.Fields))
	for name, value := range sub.Fields {
		fv := FieldValue{Name: name}
		switch {
		case !crypto.LooksEncrypted(value):
			fv.Value = value
			fv.State = FieldStatePlaintext
		case rawKey == "":
			fv.State = FieldStateLocked
		default:
			plain, err := s.envelope.DecryptField(value, rawKey)
			if err != nil {
				return nil, err
			}
			fv.Value = plain
			fv.State = FieldStateDecrypted
		}
		out = append(out, fv)
	}
	return out, nil
}

// WriteField stores one field value, encrypting iff the tenant has a key at
// this moment, and appends a ledger row naming the editor's role.
func (s *SubmissionService) WriteField(ctx context.Context, submissionID, fieldName, value string, editor model.Role) error {
	if strings.TrimSpace(fieldName) == "" {
		return fmt.Errorf("%w: field name is required", errs.ErrMalformedInput)
	}

	sub, err := s.Get(ctx, submissionID)
	if err != nil {
		return err
	}

	tenant, err := s.tenants.GetTenant(ctx, sub.TenantID)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrTransientStore, err)
	}
	if tenant == nil {
		return errs.ErrNotFound
	}

	stored := value
	encrypted := false
	if tenant.HasDataKey() {
		rawKey, err := s.envelope.Unwrap(ctx, tenant.DataKeyCiphertext, tenant.DataKeyIV)
		if err != nil {
			return err
		}
		stored, err = s.envelope.EncryptField(value, rawKey)
		if err != nil {
			return err
		}
		encrypted = true
	}

	if sub.Fields == nil {
		sub.Fields = make(map[string]string)
	}
	sub.Fields[fieldName] = stored

	if err := s.store.UpdateFields(ctx, submissionID, sub.Fields); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrTransientStore, err)
	}

	s.appendHistory(ctx, submissionID, fieldName, editor, encrypted)
	return nil
}

// History returns the append-only edit ledger for a submission.
func (s *SubmissionService) History(ctx context.Context, submissionID string) ([]*model.EditHistoryEntry, error) {
	if _, err := s.Get(ctx, submissionID); err != nil {
		return nil, err
	}

	entries, err := s.store.ListEditHistory(ctx, submissionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrTransientStore, err)
	}
	return entries, nil
}

// Reauthenticate exchanges the submitter's receipt password for a fresh
// access token after the original one expired. The admission gate still
// applies minus the rate limit: a returning submitter proves possession of
// the password, they are not filing a new report. Unknown submissions fail
// exactly like wrong passwords so the endpoint discloses nothing about
// which IDs exist.
func (s *SubmissionService) Reauthenticate(ctx context.Context, submissionID string, req gate.RequestInfo, password string) (string, error) {
	sub, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrTransientStore, err)
	}
	if sub == nil {
		return "", errs.ErrAuthentication
	}

	tenant, err := s.tenants.GetTenant(ctx, sub.TenantID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrTransientStore, err)
	}
	if tenant == nil || !tenant.IsServiceActive(time.Now().UTC()) {
		return "", errs.ErrUnauthorized
	}

	decision, err := s.gate.Evaluate(ctx, req, tenant, gate.EvalOptions{SkipRateLimit: true})
	if err != nil {
		return "", err
	}
	if !decision.Allowed {
		s.recordAttempt(ctx, tenant.TenantID, req, model.AttemptKindAuthorize, false, string(decision.Reason))
		return "", errs.Denied(decision.Reason)
	}

	ok, err := s.CheckPassword(ctx, submissionID, password)
	if err != nil {
		return "", err
	}
	if !ok {
		s.recordAttempt(ctx, tenant.TenantID, req, model.AttemptKindAuthorize, false, "PASSWORD_MISMATCH")
		return "", errs.ErrAuthentication
	}

	accessToken, err := s.codec.Issue(sub.SubmissionID, sub.TenantID)
	if err != nil {
		return "", err
	}

	s.recordAttempt(ctx, tenant.TenantID, req, model.AttemptKindAuthorize, true, "")

	util.Info("Submitter reauthenticated",
		zap.String("submission_id", sub.SubmissionID),
		zap.String("tenant_id", tenant.TenantID))

	return accessToken, nil
}

// CheckPassword verifies the submitter's receipt password.
func (s *SubmissionService) CheckPassword(ctx context.Context, submissionID, password string) (bool, error) {
	sub, err := s.Get(ctx, submissionID)
	if err != nil {
		return false, err
	}

	stored, err := hashing.DecodeResult(sub.PasswordHash)
	if err != nil {
		return false, fmt.Errorf("failed to decode password hash: %w", err)
	}
	return s.hasher.VerifyPassword(password, stored)
}

func (s *SubmissionService) sealFields(ctx context.Context, tenant *model.Tenant, fields map[string]string) (map[string]string, bool, error) {
	if !tenant.HasDataKey() {
		return fields, false, nil
	}

	rawKey, err := s.envelope.Unwrap(ctx, tenant.DataKeyCiphertext, tenant.DataKeyIV)
	if err != nil {
		return nil, false, err
	}

	sealed := make(map[string]string, len(fields))
	for name, value := range fields {
		ct, err := s.envelope.EncryptField(value, rawKey)
		if err != nil {
			return nil, false, err
		}
		sealed[name] = ct
	}
	return sealed, true, nil
}

func (s *SubmissionService) appendHistory(ctx context.Context, submissionID, fieldName string, editor model.Role, encrypted bool) {
	entry := &model.EditHistoryEntry{
		SubmissionID: submissionID,
		EntryID:      uuid.New().String(),
		FieldName:    fieldName,
		EditorRole:   string(editor),
		Encrypted:    encrypted,
		EditedAt:     time.Now().UTC(),
	}
	if err := s.store.AppendEditHistory(ctx, entry); err != nil {
		util.Error("Failed to append edit history",
			zap.String("submission_id", submissionID),
			zap.String("field_name", fieldName),
			zap.Error(err))
	}
}

func (s *SubmissionService) recordAttempt(ctx context.Context, tenantID string, req gate.RequestInfo, kind string, success bool, reason string) {
	if s.recorder == nil {
		return
	}
	s.recorder.Record(ctx, &model.AccessAttempt{
		TenantID:   tenantID,
		SourceHash: s.hasher.SourceHash(req.ClientIP()),
		Kind:       kind,
		Success:    success,
		Reason:     reason,
	})
}

// generateSubmissionNumber draws sixteen random digits grouped for
// readability. The number is the submitter's receipt; it is shown once and
// only its holder can quote it.
func generateSubmissionNumber() (string, error) {
	var b strings.Builder
	for group := 0; group < 4; group++ {
		if group > 0 {
			b.WriteByte(' ')
		}
		for i := 0; i < 4; i++ {
			n, err := rand.Int(rand.Reader, big.NewInt(10))
			if err != nil {
				return "", fmt.Errorf("failed to generate submission number: %w", err)
			}
			b.WriteByte(byte('0' + n.Int64()))
		}
	}
	return b.String(), nil
}
