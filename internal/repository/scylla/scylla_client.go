package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"tipline-service/internal/config"
	"tipline-service/internal/util"
)

// Statements holds the CQL text used by the repositories. Queries are built
// fresh per call from these; a *gocql.Query is not safe for concurrent Bind,
// and gocql prepares and caches per statement string on first execution
// anyway, so sharing the text is all the reuse that is needed.
type Statements struct {
	CreateTenant          string
	GetTenant             string
	ProvisionDataKey      string
	UpdateAdmissionPolicy string
	UpdateTenantLifecycle string

	CreateSubmission       string
	GetSubmission          string
	UpdateSubmissionFields string
	AppendEditHistory      string
	ListEditHistory        string

	CreateCode        string
	GetCodesBySubject string
	ConsumeCode       string
	InvalidateCode    string

	AppendAttempt string
	CountAttempts string
}

type ScyllaClient struct {
	Session *gocql.Session
	config  *config.ScyllaConfig
	Stmts   *Statements
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
		Stmts:   defaultStatements(),
	}

	util.Info("ScyllaDB client initialized",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func defaultStatements() *Statements {
	stmts := &Statements{}

	stmts.CreateTenant = `
        INSERT INTO tenants (
            tenant_id, name, data_key_ciphertext, data_key_iv, data_key_hash,
            geo_enabled, geo_allowed_countries, ip_blocklist,
            rate_enabled, rate_max_count, rate_window_seconds,
            active, service_ends_at, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	stmts.GetTenant = `
        SELECT tenant_id, name, data_key_ciphertext, data_key_iv, data_key_hash,
            geo_enabled, geo_allowed_countries, ip_blocklist,
            rate_enabled, rate_max_count, rate_window_seconds,
            active, service_ends_at, created_at, updated_at
        FROM tenants WHERE tenant_id = ?`

	// Conditional write: two concurrent generates cannot both apply
	stmts.ProvisionDataKey = `
        UPDATE tenants
        SET data_key_ciphertext = ?, data_key_iv = ?, data_key_hash = ?, updated_at = ?
        WHERE tenant_id = ?
        IF data_key_ciphertext = null`

	stmts.UpdateAdmissionPolicy = `
        UPDATE tenants
        SET geo_enabled = ?, geo_allowed_countries = ?, ip_blocklist = ?,
            rate_enabled = ?, rate_max_count = ?, rate_window_seconds = ?, updated_at = ?
        WHERE tenant_id = ?`

	stmts.UpdateTenantLifecycle = `
        UPDATE tenants SET active = ?, service_ends_at = ?, updated_at = ?
        WHERE tenant_id = ?`

	stmts.CreateSubmission = `
        INSERT INTO submissions (
            submission_id, tenant_id, submission_number, password_hash,
            fields, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?)`

	stmts.GetSubmission = `
        SELECT submission_id, tenant_id, submission_number, password_hash,
            fields, created_at, updated_at
        FROM submissions WHERE submission_id = ?`

	stmts.UpdateSubmissionFields = `
        UPDATE submissions SET fields = ?, updated_at = ?
        WHERE submission_id = ?`

	stmts.AppendEditHistory = `
        INSERT INTO submission_edit_history (
            submission_id, entry_id, field_name, editor_role, encrypted, edited_at
        ) VALUES (?, ?, ?, ?, ?, ?)`

	stmts.ListEditHistory = `
        SELECT submission_id, entry_id, field_name, editor_role, encrypted, edited_at
        FROM submission_edit_history WHERE submission_id = ?`

	stmts.CreateCode = `
        INSERT INTO verification_codes (
            subject_id, code_id, code_hash, code_salt, pepper_version,
            channels_attempted, channels_succeeded, expires_at, used, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	stmts.GetCodesBySubject = `
        SELECT subject_id, code_id, code_hash, code_salt, pepper_version,
            channels_attempted, channels_succeeded, expires_at, used, created_at
        FROM verification_codes WHERE subject_id = ?`

	// Conditional update: two concurrent consumptions never both apply
	stmts.ConsumeCode = `
        UPDATE verification_codes SET used = true
        WHERE subject_id = ? AND code_id = ?
        IF used = false`

	stmts.InvalidateCode = `
        UPDATE verification_codes SET used = true
        WHERE subject_id = ? AND code_id = ?`

	stmts.AppendAttempt = `
        INSERT INTO access_attempts (
            tenant_id, bucket, source_hash, attempt_id, kind, success, reason, occurred_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	stmts.CountAttempts = `
        SELECT COUNT(*) FROM access_attempts
        WHERE tenant_id = ? AND bucket = ? AND occurred_at >= ?
            AND source_hash = ? AND kind = ?
        ALLOW FILTERING`

	return stmts
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...)
}

func (s *ScyllaClient) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := query.Exec(); err != nil {
			lastErr = err
			if i < maxRetries {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}

func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		if err := query.Scan(dest...); err != nil {
			lastErr = err
			if i < 2 {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}
