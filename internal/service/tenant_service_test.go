package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tipline-service/internal/config"
	"tipline-service/internal/crypto"
	"tipline-service/internal/errs"
	"tipline-service/internal/model"
	"tipline-service/internal/util"
)

// memTenantStore mirrors the conditional-write semantics of the real store.
type memTenantStore struct {
	tenants map[string]*model.Tenant
}

func newMemTenantStore() *memTenantStore {
	return &memTenantStore{tenants: make(map[string]*model.Tenant)}
}

func (s *memTenantStore) CreateTenant(_ context.Context, tenant *model.Tenant) error {
	s.tenants[tenant.TenantID] = tenant
	return nil
}

func (s *memTenantStore) GetTenant(_ context.Context, tenantID string) (*model.Tenant, error) {
	return s.tenants[tenantID], nil
}

func (s *memTenantStore) ProvisionDataKey(_ context.Context, tenantID, ciphertext, iv, keyHash string) (bool, error) {
	t, ok := s.tenants[tenantID]
	if !ok {
		return false, nil
	}
	if t.DataKeyCiphertext != "" {
		return false, nil
	}
	t.DataKeyCiphertext = ciphertext
	t.DataKeyIV = iv
	t.DataKeyHash = keyHash
	return true, nil
}

func (s *memTenantStore) UpdateAdmissionPolicy(_ context.Context, tenantID string, geo model.GeoPolicy, blocklist []string, rate model.RatePolicy) error {
	t := s.tenants[tenantID]
	t.GeoPolicy = geo
	t.IPBlocklist = blocklist
	t.RatePolicy = rate
	return nil
}

func (s *memTenantStore) UpdateLifecycle(_ context.Context, tenantID string, active bool, serviceEndsAt time.Time) error {
	t := s.tenants[tenantID]
	t.Active = active
	t.ServiceEndsAt = serviceEndsAt
	return nil
}

func newTenantFixture(t *testing.T) (*TenantService, *memTenantStore, *crypto.EnvelopeManager) {
	t.Helper()
	envelope, err := crypto.NewEnvelopeManager(config.SecurityConfig{MasterSecret: "test-master-secret"}, nil)
	require.NoError(t, err)

	store := newMemTenantStore()
	return NewTenantService(store, envelope, util.Get()), store, envelope
}

func TestCreateTenant(t *testing.T) {
	svc, store, _ := newTenantFixture(t)

	tenant, err := svc.CreateTenant(context.Background(), "ACME Compliance")
	require.NoError(t, err)
	assert.NotEmpty(t, tenant.TenantID)
	assert.True(t, tenant.Active)
	assert.Contains(t, store.tenants, tenant.TenantID)

	_, err = svc.CreateTenant(context.Background(), "   ")
	assert.ErrorIs(t, err, errs.ErrMalformedInput)
}

func TestGenerateDataKey_ReturnsRawKeyOnce(t *testing.T) {
	svc, store, envelope := newTenantFixture(t)
	ctx := context.Background()

	tenant, err := svc.CreateTenant(ctx, "ACME")
	require.NoError(t, err)

	rawKey, err := svc.GenerateDataKey(ctx, tenant.TenantID)
	require.NoError(t, err)
	assert.Len(t, rawKey, 64)

	// Only the wrapped form and the digest land in the store
	stored := store.tenants[tenant.TenantID]
	assert.NotEmpty(t, stored.DataKeyCiphertext)
	assert.NotContains(t, stored.DataKeyCiphertext, rawKey)
	assert.True(t, envelope.VerifyKeyHash(rawKey, stored.DataKeyHash))

	// The stored form round-trips back to the raw key
	unwrapped, err := envelope.Unwrap(ctx, stored.DataKeyCiphertext, stored.DataKeyIV)
	require.NoError(t, err)
	assert.Equal(t, rawKey, unwrapped)
}

func TestGenerateDataKey_RefusesSecondGenerate(t *testing.T) {
	svc, _, _ := newTenantFixture(t)
	ctx := context.Background()

	tenant, err := svc.CreateTenant(ctx, "ACME")
	require.NoError(t, err)

	_, err = svc.GenerateDataKey(ctx, tenant.TenantID)
	require.NoError(t, err)

	_, err = svc.GenerateDataKey(ctx, tenant.TenantID)
	assert.ErrorIs(t, err, errs.ErrConflict)
}

func TestGenerateDataKey_LostConditionalWrite(t *testing.T) {
	svc, store, envelope := newTenantFixture(t)
	ctx := context.Background()

	tenant, err := svc.CreateTenant(ctx, "ACME")
	require.NoError(t, err)

	// Simulate a concurrent generate landing between the read and the write
	other, err := envelope.GenerateDataKey()
	require.NoError(t, err)
	wrapped, iv, err := envelope.Wrap(ctx, other)
	require.NoError(t, err)

	origGet := store.tenants[tenant.TenantID]
	raceStore := &racingTenantStore{memTenantStore: store, inject: func() {
		origGet.DataKeyCiphertext = wrapped
		origGet.DataKeyIV = iv
	}}
	racedSvc := NewTenantService(raceStore, envelope, util.Get())

	_, err = racedSvc.GenerateDataKey(ctx, tenant.TenantID)
	assert.ErrorIs(t, err, errs.ErrConflict)

	// The earlier writer's key survived
	assert.Equal(t, wrapped, store.tenants[tenant.TenantID].DataKeyCiphertext)
}

// racingTenantStore injects a concurrent write after the service's read.
type racingTenantStore struct {
	*memTenantStore
	inject func()
}

func (s *racingTenantStore) GetTenant(ctx context.Context, tenantID string) (*model.Tenant, error) {
	tenant, err := s.memTenantStore.GetTenant(ctx, tenantID)
	if err != nil || tenant == nil {
		return tenant, err
	}
	// Return a snapshot from before the racing write
	snapshot := *tenant
	snapshot.DataKeyCiphertext = ""
	snapshot.DataKeyIV = ""
	snapshot.DataKeyHash = ""
	s.inject()
	return &snapshot, nil
}

func TestGenerateDataKey_UnknownTenant(t *testing.T) {
	svc, _, _ := newTenantFixture(t)

	_, err := svc.GenerateDataKey(context.Background(), "no-such-tenant")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestUpdateAdmissionPolicy_Validation(t *testing.T) {
	svc, store, _ := newTenantFixture(t)
	ctx := context.Background()

	tenant, err := svc.CreateTenant(ctx, "ACME")
	require.NoError(t, err)

	err = svc.UpdateAdmissionPolicy(ctx, tenant.TenantID,
		model.GeoPolicy{Enabled: true, AllowedCountryCodes: []string{"de", " at "}},
		[]string{"203.0.113.7", "10.0.0.0/24"},
		model.RatePolicy{Enabled: true, MaxCount: 10, WindowSeconds: 3600})
	require.NoError(t, err)

	// Country codes are normalized
	assert.Equal(t, []string{"DE", "AT"}, store.tenants[tenant.TenantID].GeoPolicy.AllowedCountryCodes)

	err = svc.UpdateAdmissionPolicy(ctx, tenant.TenantID,
		model.GeoPolicy{}, []string{"not-an-ip"}, model.RatePolicy{})
	assert.ErrorIs(t, err, errs.ErrMalformedInput)

	err = svc.UpdateAdmissionPolicy(ctx, tenant.TenantID,
		model.GeoPolicy{}, nil, model.RatePolicy{Enabled: true, MaxCount: 0, WindowSeconds: 60})
	assert.ErrorIs(t, err, errs.ErrMalformedInput)
}

func TestSetLifecycle(t *testing.T) {
	svc, store, _ := newTenantFixture(t)
	ctx := context.Background()

	tenant, err := svc.CreateTenant(ctx, "ACME")
	require.NoError(t, err)

	ends := time.Now().UTC().Add(30 * 24 * time.Hour)
	require.NoError(t, svc.SetLifecycle(ctx, tenant.TenantID, false, ends))

	stored := store.tenants[tenant.TenantID]
	assert.False(t, stored.Active)
	assert.WithinDuration(t, ends, stored.ServiceEndsAt, time.Second)
}
