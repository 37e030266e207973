package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tipline-service/internal/bucketing"
	"tipline-service/internal/client"
	"tipline-service/internal/config"
	"tipline-service/internal/model"
	"tipline-service/internal/util"
)

// LedgerAppender is the primary sink: the append-only attempt ledger the
// rate limiter counts against.
type LedgerAppender interface {
	Append(ctx context.Context, attempt *model.AccessAttempt) error
}

// Recorder writes every admission and authorization outcome to the ledger
// and fans it out to the analytics sinks. Everything is best-effort: a sink
// failure is logged, never surfaced to the request path. Sinks may be nil
// when their backend is not configured.
type Recorder struct {
	ledger     LedgerAppender
	clickhouse *client.ClickHouseClient
	kafka      *client.KafkaProducer
	es         *client.ESClient
	buckets    *bucketing.Manager
	topic      string
	index      string
	logger     *zap.Logger
}

func NewRecorder(
	ledger LedgerAppender,
	clickhouse *client.ClickHouseClient,
	kafka *client.KafkaProducer,
	es *client.ESClient,
	buckets *bucketing.Manager,
	cfg *config.Config,
	logger *zap.Logger,
) *Recorder {
	return &Recorder{
		ledger:     ledger,
		clickhouse: clickhouse,
		kafka:      kafka,
		es:         es,
		buckets:    buckets,
		topic:      cfg.Kafka.SecurityTopic,
		index:      cfg.Elastic.AuditIndex,
		logger:     logger,
	}
}

// Record persists one attempt. The ledger write happens on the caller's
// context; the analytics fan-out runs detached so a cancelled request still
// leaves a complete audit trail.
func (r *Recorder) Record(ctx context.Context, attempt *model.AccessAttempt) {
	if attempt.AttemptID == "" {
		attempt.AttemptID = uuid.New().String()
	}
	if attempt.OccurredAt.IsZero() {
		attempt.OccurredAt = time.Now().UTC()
	}

	if err := r.ledger.Append(ctx, attempt); err != nil {
		util.Error("Failed to write attempt to ledger",
			zap.String("tenant_id", attempt.TenantID),
			zap.String("kind", attempt.Kind),
			zap.Error(err))
	}

	go r.fanOut(attempt)
}

func (r *Recorder) fanOut(attempt *model.AccessAttempt) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r.archiveClickhouse(ctx, attempt)
	r.publishKafka(ctx, attempt)
	r.indexElastic(ctx, attempt)
}

func (r *Recorder) archiveClickhouse(ctx context.Context, attempt *model.AccessAttempt) {
	if r.clickhouse == nil {
		return
	}

	err := r.clickhouse.Exec(ctx, `
        INSERT INTO access_attempts_archive
            (day, tenant_id, source_hash, attempt_id, kind, success, reason, occurred_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.buckets.DayBucket(attempt.OccurredAt),
		attempt.TenantID, attempt.SourceHash, attempt.AttemptID,
		attempt.Kind, attempt.Success, attempt.Reason, attempt.OccurredAt,
	)
	if err != nil {
		util.Warn("Failed to archive attempt to ClickHouse",
			zap.String("attempt_id", attempt.AttemptID),
			zap.Error(err))
	}
}

func (r *Recorder) publishKafka(ctx context.Context, attempt *model.AccessAttempt) {
	if r.kafka == nil {
		return
	}

	payload, err := json.Marshal(attempt)
	if err != nil {
		util.Warn("Failed to encode attempt for Kafka", zap.Error(err))
		return
	}

	err = r.kafka.ProduceMessage(ctx, r.topic, []byte(attempt.TenantID), payload, map[string]string{
		"kind": attempt.Kind,
	})
	if err != nil {
		util.Warn("Failed to publish attempt to Kafka",
			zap.String("attempt_id", attempt.AttemptID),
			zap.Error(err))
	}
}

func (r *Recorder) indexElastic(ctx context.Context, attempt *model.AccessAttempt) {
	if r.es == nil {
		return
	}

	res, err := r.es.IndexDocument(ctx, r.index, attempt.AttemptID, attempt)
	if err != nil {
		util.Warn("Failed to index attempt into Elasticsearch",
			zap.String("attempt_id", attempt.AttemptID),
			zap.Error(err))
		return
	}
	defer res.Body.Close()

	if res.IsError() {
		util.Warn("Elasticsearch rejected attempt document",
			zap.String("attempt_id", attempt.AttemptID),
			zap.String("status", res.Status()))
	}
}
