package scylla

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tipline-service/internal/model"
	"tipline-service/internal/util"
)

// CodeRepository implements otp.CodeStore. The subject's codes live in one
// partition; live-code selection happens client-side because the partition
// holds at most a handful of recent rows.
type CodeRepository struct {
	client *ScyllaClient
}

func NewCodeRepository(client *ScyllaClient) *CodeRepository {
	return &CodeRepository{
		client: client,
	}
}

func (r *CodeRepository) Create(ctx context.Context, code *model.VerificationCode) error {
	query := r.client.Query(r.client.Stmts.CreateCode,
		code.SubjectID, code.CodeID, code.CodeHash, code.CodeSalt, code.PepperVersion,
		code.ChannelsAttempted, code.ChannelsSucceeded, code.ExpiresAt, code.Used, code.CreatedAt,
	).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to create verification code",
			zap.String("subject_id", code.SubjectID),
			zap.String("code_id", code.CodeID),
			zap.Error(err))
		return fmt.Errorf("failed to create verification code: %w", err)
	}

	return nil
}

// GetActive returns the newest unconsumed, unexpired code for the subject,
// or (nil, nil) when none is live.
func (r *CodeRepository) GetActive(ctx context.Context, subjectID string) (*model.VerificationCode, error) {
	codes, err := r.scanSubject(ctx, subjectID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var newest *model.VerificationCode
	for _, code := range codes {
		if code.Used || now.After(code.ExpiresAt) {
			continue
		}
		if newest == nil || code.CreatedAt.After(newest.CreatedAt) {
			newest = code
		}
	}
	return newest, nil
}

// InvalidateActive marks every unconsumed code of the subject used,
// superseding them.
func (r *CodeRepository) InvalidateActive(ctx context.Context, subjectID string) error {
	codes, err := r.scanSubject(ctx, subjectID)
	if err != nil {
		return err
	}

	for _, code := range codes {
		if code.Used {
			continue
		}
		query := r.client.Query(r.client.Stmts.InvalidateCode, subjectID, code.CodeID).WithContext(ctx)
		if err := r.client.ExecuteWithRetry(query, 2); err != nil {
			util.Error("Failed to invalidate verification code",
				zap.String("subject_id", subjectID),
				zap.String("code_id", code.CodeID),
				zap.Error(err))
			return fmt.Errorf("failed to invalidate verification code: %w", err)
		}
	}
	return nil
}

// ConsumeIfUnused flips the used flag with a conditional update. Exactly one
// of any set of concurrent callers observes applied=true.
func (r *CodeRepository) ConsumeIfUnused(ctx context.Context, subjectID, codeID string) (bool, error) {
	query := r.client.Query(r.client.Stmts.ConsumeCode, subjectID, codeID).WithContext(ctx)

	applied, err := query.MapScanCAS(map[string]interface{}{})
	if err != nil {
		util.Error("Failed to consume verification code",
			zap.String("subject_id", subjectID),
			zap.String("code_id", codeID),
			zap.Error(err))
		return false, fmt.Errorf("failed to consume verification code: %w", err)
	}

	return applied, nil
}

func (r *CodeRepository) scanSubject(ctx context.Context, subjectID string) ([]*model.VerificationCode, error) {
	iter := r.client.Query(r.client.Stmts.GetCodesBySubject, subjectID).WithContext(ctx).Iter()

	var codes []*model.VerificationCode
	for {
		code := &model.VerificationCode{}
		if !iter.Scan(&code.SubjectID, &code.CodeID, &code.CodeHash, &code.CodeSalt, &code.PepperVersion,
			&code.ChannelsAttempted, &code.ChannelsSucceeded, &code.ExpiresAt, &code.Used, &code.CreatedAt) {
			break
		}
		codes = append(codes, code)
	}

	if err := iter.Close(); err != nil {
		util.Error("Failed to scan verification codes",
			zap.String("subject_id", subjectID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to scan verification codes: %w", err)
	}

	return codes, nil
}
