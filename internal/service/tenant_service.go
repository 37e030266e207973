package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tipline-service/internal/crypto"
	"tipline-service/internal/errs"
	"tipline-service/internal/gate"
	"tipline-service/internal/model"
	"tipline-service/internal/util"
)

// TenantStore is the persistence surface TenantService needs.
type TenantStore interface {
	CreateTenant(ctx context.Context, tenant *model.Tenant) error
	GetTenant(ctx context.Context, tenantID string) (*model.Tenant, error)
	ProvisionDataKey(ctx context.Context, tenantID, ciphertext, iv, keyHash string) (bool, error)
	UpdateAdmissionPolicy(ctx context.Context, tenantID string, geo model.GeoPolicy, blocklist []string, rate model.RatePolicy) error
	UpdateLifecycle(ctx context.Context, tenantID string, active bool, serviceEndsAt time.Time) error
}

// TenantService manages tenant lifecycle, admission policy and data-key
// provisioning.
type TenantService struct {
	store    TenantStore
	envelope *crypto.EnvelopeManager
	logger   *zap.Logger
}

func NewTenantService(store TenantStore, envelope *crypto.EnvelopeManager, logger *zap.Logger) *TenantService {
	return &TenantService{
		store:    store,
		envelope: envelope,
		logger:   logger,
	}
}

func (s *TenantService) CreateTenant(ctx context.Context, name string) (*model.Tenant, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: tenant name is required", errs.ErrMalformedInput)
	}

	tenant := &model.Tenant{
		TenantID: uuid.New().String(),
		Name:     name,
		Active:   true,
	}

	if err := s.store.CreateTenant(ctx, tenant); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrTransientStore, err)
	}
	return tenant, nil
}

func (s *TenantService) GetTenant(ctx context.Context, tenantID string) (*model.Tenant, error) {
	tenant, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrTransientStore, err)
	}
	if tenant == nil {
		return nil, errs.ErrNotFound
	}
	return tenant, nil
}

// GenerateDataKey provisions the tenant's encryption key. The raw key is
// returned to the caller exactly once; only the wrapped form and a
// verification digest are stored. Generation is one-shot: a tenant that
// already has a key is refused, and the conditional write guarantees that
// two concurrent calls cannot both win.
func (s *TenantService) GenerateDataKey(ctx context.Context, tenantID string) (string, error) {
	tenant, err := s.GetTenant(ctx, tenantID)
	if err != nil {
		return "", err
	}
	if tenant.HasDataKey() {
		return "", fmt.Errorf("%w: tenant already has a data key", errs.ErrConflict)
	}

	rawKey, err := s.envelope.GenerateDataKey()
	if err != nil {
		return "", err
	}

	ciphertext, iv, err := s.envelope.Wrap(ctx, rawKey)
	if err != nil {
		return "", err
	}

	applied, err := s.store.ProvisionDataKey(ctx, tenantID, ciphertext, iv, s.envelope.HashKey(rawKey))
	if err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrTransientStore, err)
	}
	if !applied {
		// A concurrent generate won the conditional write
		return "", fmt.Errorf("%w: tenant already has a data key", errs.ErrConflict)
	}

	util.Info("Tenant data key generated", zap.String("tenant_id", tenantID))
	return rawKey, nil
}

// UpdateAdmissionPolicy replaces the tenant's geo, blocklist and rate
// settings after validating their shape.
func (s *TenantService) UpdateAdmissionPolicy(ctx context.Context, tenantID string, geo model.GeoPolicy, blocklist []string, rate model.RatePolicy) error {
	if _, err := s.GetTenant(ctx, tenantID); err != nil {
		return err
	}

	for i, code := range geo.AllowedCountryCodes {
		code = strings.ToUpper(strings.TrimSpace(code))
		if len(code) != 2 {
			return fmt.Errorf("%w: invalid country code %q", errs.ErrMalformedInput, code)
		}
		geo.AllowedCountryCodes[i] = code
	}

	for _, entry := range blocklist {
		if err := gate.ValidateBlocklistEntry(entry); err != nil {
			return err
		}
	}

	if rate.Enabled && (rate.MaxCount <= 0 || rate.WindowSeconds <= 0) {
		return fmt.Errorf("%w: rate policy requires positive max count and window", errs.ErrMalformedInput)
	}

	if err := s.store.UpdateAdmissionPolicy(ctx, tenantID, geo, blocklist, rate); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrTransientStore, err)
	}
	return nil
}

// SetLifecycle updates the tenant's active flag and service end date.
func (s *TenantService) SetLifecycle(ctx context.Context, tenantID string, active bool, serviceEndsAt time.Time) error {
	if _, err := s.GetTenant(ctx, tenantID); err != nil {
		return err
	}

	if err := s.store.UpdateLifecycle(ctx, tenantID, active, serviceEndsAt); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrTransientStore, err)
	}
	return nil
}
