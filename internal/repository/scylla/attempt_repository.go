package scylla

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tipline-service/internal/bucketing"
	"tipline-service/internal/model"
	"tipline-service/internal/util"
)

// AttemptRepository is the append-only admission ledger. It also implements
// gate.CounterStore: the rate limiter counts prior ledger rows for a
// tenant+source pair within a trailing window. Partitions are bucketed on
// (tenant, source) so a hot tenant never concentrates in one partition.
type AttemptRepository struct {
	client  *ScyllaClient
	buckets *bucketing.Manager
}

func NewAttemptRepository(client *ScyllaClient, buckets *bucketing.Manager) *AttemptRepository {
	return &AttemptRepository{
		client:  client,
		buckets: buckets,
	}
}

func (r *AttemptRepository) Append(ctx context.Context, attempt *model.AccessAttempt) error {
	attempt.Bucket = r.buckets.AttemptBucket(attempt.TenantID, attempt.SourceHash)

	query := r.client.Query(r.client.Stmts.AppendAttempt,
		attempt.TenantID, attempt.Bucket, attempt.SourceHash, attempt.AttemptID,
		attempt.Kind, attempt.Success, attempt.Reason, attempt.OccurredAt,
	).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to append access attempt",
			zap.String("tenant_id", attempt.TenantID),
			zap.String("kind", attempt.Kind),
			zap.Error(err))
		return fmt.Errorf("failed to append access attempt: %w", err)
	}

	return nil
}

// CountSince counts prior submission rows for a tenant+source within the
// trailing window. The bucket narrows the scan to the pair's own partition;
// verification and authorization rows never count against the limit.
func (r *AttemptRepository) CountSince(ctx context.Context, tenantID, sourceHash string, since time.Time) (int, error) {
	bucket := r.buckets.AttemptBucket(tenantID, sourceHash)

	var count int
	query := r.client.Query(r.client.Stmts.CountAttempts,
		tenantID, bucket, since, sourceHash, model.AttemptKindSubmission,
	).WithContext(ctx)

	if err := r.client.ScanWithRetry(query, &count); err != nil {
		util.Error("Failed to count access attempts",
			zap.String("tenant_id", tenantID),
			zap.Error(err))
		return 0, fmt.Errorf("failed to count access attempts: %w", err)
	}

	return count, nil
}
