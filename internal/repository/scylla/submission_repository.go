package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"tipline-service/internal/model"
	"tipline-service/internal/util"
)

type SubmissionRepository struct {
	client *ScyllaClient
}

func NewSubmissionRepository(client *ScyllaClient) *SubmissionRepository {
	return &SubmissionRepository{
		client: client,
	}
}

func (r *SubmissionRepository) CreateSubmission(ctx context.Context, sub *model.Submission) error {
	now := time.Now().UTC()
	sub.CreatedAt = now
	sub.UpdatedAt = now

	query := r.client.Query(r.client.Stmts.CreateSubmission,
		sub.SubmissionID, sub.TenantID, sub.SubmissionNumber, sub.PasswordHash,
		sub.Fields, sub.CreatedAt, sub.UpdatedAt,
	).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to create submission",
			zap.String("submission_id", sub.SubmissionID),
			zap.String("tenant_id", sub.TenantID),
			zap.Error(err))
		return fmt.Errorf("failed to create submission: %w", err)
	}

	util.Info("Submission created",
		zap.String("submission_id", sub.SubmissionID),
		zap.String("tenant_id", sub.TenantID))
	return nil
}

// GetSubmission returns (nil, nil) when the submission does not exist.
func (r *SubmissionRepository) GetSubmission(ctx context.Context, submissionID string) (*model.Submission, error) {
	sub := &model.Submission{}

	query := r.client.Query(r.client.Stmts.GetSubmission, submissionID).WithContext(ctx)

	err := r.client.ScanWithRetry(query,
		&sub.SubmissionID, &sub.TenantID, &sub.SubmissionNumber, &sub.PasswordHash,
		&sub.Fields, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		util.Error("Failed to get submission",
			zap.String("submission_id", submissionID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get submission: %w", err)
	}

	return sub, nil
}

func (r *SubmissionRepository) UpdateFields(ctx context.Context, submissionID string, fields map[string]string) error {
	query := r.client.Query(r.client.Stmts.UpdateSubmissionFields,
		fields, time.Now().UTC(), submissionID,
	).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to update submission fields",
			zap.String("submission_id", submissionID),
			zap.Error(err))
		return fmt.Errorf("failed to update submission fields: %w", err)
	}

	return nil
}

// AppendEditHistory writes one ledger row. Rows are inserted only, never
// updated or deleted.
func (r *SubmissionRepository) AppendEditHistory(ctx context.Context, entry *model.EditHistoryEntry) error {
	query := r.client.Query(r.client.Stmts.AppendEditHistory,
		entry.SubmissionID, entry.EntryID, entry.FieldName,
		entry.EditorRole, entry.Encrypted, entry.EditedAt,
	).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to append edit history",
			zap.String("submission_id", entry.SubmissionID),
			zap.String("field_name", entry.FieldName),
			zap.Error(err))
		return fmt.Errorf("failed to append edit history: %w", err)
	}

	return nil
}

func (r *SubmissionRepository) ListEditHistory(ctx context.Context, submissionID string) ([]*model.EditHistoryEntry, error) {
	iter := r.client.Query(r.client.Stmts.ListEditHistory, submissionID).WithContext(ctx).Iter()

	var entries []*model.EditHistoryEntry
	for {
		entry := &model.EditHistoryEntry{}
		if !iter.Scan(&entry.SubmissionID, &entry.EntryID, &entry.FieldName,
			&entry.EditorRole, &entry.Encrypted, &entry.EditedAt) {
			break
		}
		entries = append(entries, entry)
	}

	if err := iter.Close(); err != nil {
		util.Error("Failed to list edit history",
			zap.String("submission_id", submissionID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to list edit history: %w", err)
	}

	return entries, nil
}
