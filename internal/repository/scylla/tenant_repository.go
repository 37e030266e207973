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

type TenantRepository struct {
	client *ScyllaClient
}

func NewTenantRepository(client *ScyllaClient) *TenantRepository {
	return &TenantRepository{
		client: client,
	}
}

func (r *TenantRepository) CreateTenant(ctx context.Context, tenant *model.Tenant) error {
	now := time.Now().UTC()
	tenant.CreatedAt = now
	tenant.UpdatedAt = now

	query := r.client.Query(r.client.Stmts.CreateTenant,
		tenant.TenantID, tenant.Name,
		tenant.DataKeyCiphertext, tenant.DataKeyIV, tenant.DataKeyHash,
		tenant.GeoPolicy.Enabled, tenant.GeoPolicy.AllowedCountryCodes, tenant.IPBlocklist,
		tenant.RatePolicy.Enabled, tenant.RatePolicy.MaxCount, tenant.RatePolicy.WindowSeconds,
		tenant.Active, tenant.ServiceEndsAt, tenant.CreatedAt, tenant.UpdatedAt,
	).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to create tenant",
			zap.String("tenant_id", tenant.TenantID),
			zap.Error(err))
		return fmt.Errorf("failed to create tenant: %w", err)
	}

	util.Info("Tenant created", zap.String("tenant_id", tenant.TenantID))
	return nil
}

// GetTenant returns (nil, nil) when the tenant does not exist.
func (r *TenantRepository) GetTenant(ctx context.Context, tenantID string) (*model.Tenant, error) {
	tenant := &model.Tenant{}

	query := r.client.Query(r.client.Stmts.GetTenant, tenantID).WithContext(ctx)

	err := r.client.ScanWithRetry(query,
		&tenant.TenantID, &tenant.Name,
		&tenant.DataKeyCiphertext, &tenant.DataKeyIV, &tenant.DataKeyHash,
		&tenant.GeoPolicy.Enabled, &tenant.GeoPolicy.AllowedCountryCodes, &tenant.IPBlocklist,
		&tenant.RatePolicy.Enabled, &tenant.RatePolicy.MaxCount, &tenant.RatePolicy.WindowSeconds,
		&tenant.Active, &tenant.ServiceEndsAt, &tenant.CreatedAt, &tenant.UpdatedAt,
	)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		util.Error("Failed to get tenant",
			zap.String("tenant_id", tenantID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}

	return tenant, nil
}

// ProvisionDataKey stores the wrapped data key iff none exists yet. The
// conditional write closes the race between two concurrent generate calls;
// applied reports whether this caller won.
func (r *TenantRepository) ProvisionDataKey(ctx context.Context, tenantID, ciphertext, iv, keyHash string) (bool, error) {
	query := r.client.Query(r.client.Stmts.ProvisionDataKey,
		ciphertext, iv, keyHash, time.Now().UTC(), tenantID,
	).WithContext(ctx)

	applied, err := query.MapScanCAS(map[string]interface{}{})
	if err != nil {
		util.Error("Failed to provision data key",
			zap.String("tenant_id", tenantID),
			zap.Error(err))
		return false, fmt.Errorf("failed to provision data key: %w", err)
	}

	if applied {
		util.Info("Tenant data key provisioned", zap.String("tenant_id", tenantID))
	} else {
		util.Warn("Data key provisioning rejected, key already present",
			zap.String("tenant_id", tenantID))
	}
	return applied, nil
}

func (r *TenantRepository) UpdateAdmissionPolicy(ctx context.Context, tenantID string, geo model.GeoPolicy, blocklist []string, rate model.RatePolicy) error {
	query := r.client.Query(r.client.Stmts.UpdateAdmissionPolicy,
		geo.Enabled, geo.AllowedCountryCodes, blocklist,
		rate.Enabled, rate.MaxCount, rate.WindowSeconds,
		time.Now().UTC(), tenantID,
	).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to update admission policy",
			zap.String("tenant_id", tenantID),
			zap.Error(err))
		return fmt.Errorf("failed to update admission policy: %w", err)
	}

	util.Info("Admission policy updated", zap.String("tenant_id", tenantID))
	return nil
}

func (r *TenantRepository) UpdateLifecycle(ctx context.Context, tenantID string, active bool, serviceEndsAt time.Time) error {
	query := r.client.Query(r.client.Stmts.UpdateTenantLifecycle,
		active, serviceEndsAt, time.Now().UTC(), tenantID,
	).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to update tenant lifecycle",
			zap.String("tenant_id", tenantID),
			zap.Error(err))
		return fmt.Errorf("failed to update tenant lifecycle: %w", err)
	}

	util.Info("Tenant lifecycle updated",
		zap.String("tenant_id", tenantID),
		zap.Bool("active", active))
	return nil
}
