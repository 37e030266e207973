package access

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tipline-service/internal/config"
	"tipline-service/internal/errs"
	"tipline-service/internal/model"
	"tipline-service/internal/token"
	"tipline-service/internal/util"
)

type fakeStaffProvider struct {
	session *model.StaffSession
	err     error
}

func (f *fakeStaffProvider) StaffSession(_ context.Context, _ *http.Request) (*model.StaffSession, error) {
	return f.session, f.err
}

type fakeOperatorProvider struct {
	session *model.OperatorSession
	err     error
}

func (f *fakeOperatorProvider) OperatorSession(_ context.Context, _ *http.Request) (*model.OperatorSession, error) {
	return f.session, f.err
}

type fakeStore struct {
	submissions map[string]*model.Submission
	tenants     map[string]*model.Tenant
	err         error
}

func (f *fakeStore) GetSubmission(_ context.Context, id string) (*model.Submission, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.submissions[id], nil
}

func (f *fakeStore) GetTenant(_ context.Context, id string) (*model.Tenant, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.tenants[id], nil
}

type fixture struct {
	arbiter *Arbiter
	codec   *token.Codec
	store   *fakeStore
	staff   *fakeStaffProvider
	op      *fakeOperatorProvider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	codec, err := token.NewCodec(config.SecurityConfig{
		MasterSecret: "test-master-secret",
		TokenTTL:     time.Hour,
	})
	require.NoError(t, err)

	store := &fakeStore{
		submissions: map[string]*model.Submission{
			"sub-1": {SubmissionID: "sub-1", TenantID: "t-1"},
		},
		tenants: map[string]*model.Tenant{
			"t-1": {TenantID: "t-1", Active: true},
		},
	}
	staff := &fakeStaffProvider{}
	op := &fakeOperatorProvider{}

	return &fixture{
		arbiter: NewArbiter(staff, op, store, store, codec, util.Get()),
		codec:   codec,
		store:   store,
		staff:   staff,
		op:      op,
	}
}

func request() *http.Request {
	return httptest.NewRequest(http.MethodGet, "/submissions/sub-1", nil)
}

func TestAuthorize_StaffScopedToTenant(t *testing.T) {
	f := newFixture(t)
	f.staff.session = &model.StaffSession{SubjectID: "staff-7", TenantID: "t-1"}

	grant, err := f.arbiter.Authorize(context.Background(), request(), "sub-1", "")
	require.NoError(t, err)
	assert.Equal(t, model.RoleStaff, grant.Role)
	assert.Equal(t, "staff-7", grant.SubjectID)
	assert.Equal(t, "t-1", grant.TenantID)
}

func TestAuthorize_StaffFromForeignTenantDenied(t *testing.T) {
	f := newFixture(t)
	f.staff.session = &model.StaffSession{SubjectID: "staff-7", TenantID: "t-other"}

	_, err := f.arbiter.Authorize(context.Background(), request(), "sub-1", "")
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestAuthorize_OperatorIsUnscoped(t *testing.T) {
	f := newFixture(t)
	f.op.session = &model.OperatorSession{SubjectID: "op-1"}

	grant, err := f.arbiter.Authorize(context.Background(), request(), "sub-1", "")
	require.NoError(t, err)
	assert.Equal(t, model.RoleOperator, grant.Role)
	assert.Equal(t, "t-1", grant.TenantID)
}

func TestAuthorize_StaffWinsOverOperator(t *testing.T) {
	f := newFixture(t)
	f.staff.session = &model.StaffSession{SubjectID: "staff-7", TenantID: "t-1"}
	f.op.session = &model.OperatorSession{SubjectID: "op-1"}

	grant, err := f.arbiter.Authorize(context.Background(), request(), "sub-1", "")
	require.NoError(t, err)
	assert.Equal(t, model.RoleStaff, grant.Role)
}

func TestAuthorize_TokenFallbackGrantsSubmitter(t *testing.T) {
	f := newFixture(t)
	bearer, err := f.codec.Issue("sub-1", "t-1")
	require.NoError(t, err)

	grant, err := f.arbiter.Authorize(context.Background(), request(), "sub-1", bearer)
	require.NoError(t, err)
	assert.Equal(t, model.RoleSubmitter, grant.Role)
	assert.Equal(t, "sub-1", grant.SubjectID)
	assert.Equal(t, "t-1", grant.TenantID)
}

func TestAuthorize_TokenForDifferentSubmissionDenied(t *testing.T) {
	f := newFixture(t)
	f.store.submissions["sub-2"] = &model.Submission{SubmissionID: "sub-2", TenantID: "t-1"}
	bearer, err := f.codec.Issue("sub-2", "t-1")
	require.NoError(t, err)

	_, err = f.arbiter.Authorize(context.Background(), request(), "sub-1", bearer)
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestAuthorize_TokenForInactiveTenantDenied(t *testing.T) {
	f := newFixture(t)
	f.store.tenants["t-1"].Active = false
	bearer, err := f.codec.Issue("sub-1", "t-1")
	require.NoError(t, err)

	_, err = f.arbiter.Authorize(context.Background(), request(), "sub-1", bearer)
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestAuthorize_TokenAfterServiceEndDenied(t *testing.T) {
	f := newFixture(t)
	f.store.tenants["t-1"].ServiceEndsAt = time.Now().UTC().Add(-time.Hour)
	bearer, err := f.codec.Issue("sub-1", "t-1")
	require.NoError(t, err)

	_, err = f.arbiter.Authorize(context.Background(), request(), "sub-1", bearer)
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestAuthorize_GarbageTokenDenied(t *testing.T) {
	f := newFixture(t)

	_, err := f.arbiter.Authorize(context.Background(), request(), "sub-1", "not-a-token")
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestAuthorize_NoCredentialsDenied(t *testing.T) {
	f := newFixture(t)

	_, err := f.arbiter.Authorize(context.Background(), request(), "sub-1", "")
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestAuthorize_UnknownSubmissionDenied(t *testing.T) {
	f := newFixture(t)
	f.op.session = &model.OperatorSession{SubjectID: "op-1"}

	_, err := f.arbiter.Authorize(context.Background(), request(), "sub-missing", "")
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestAuthorize_ProviderFailureFallsThroughToToken(t *testing.T) {
	f := newFixture(t)
	f.staff.err = errors.New("provider unreachable")
	f.op.err = errors.New("provider unreachable")
	bearer, err := f.codec.Issue("sub-1", "t-1")
	require.NoError(t, err)

	grant, err := f.arbiter.Authorize(context.Background(), request(), "sub-1", bearer)
	require.NoError(t, err)
	assert.Equal(t, model.RoleSubmitter, grant.Role)
}

func TestAuthorize_StoreFailureIsTransient(t *testing.T) {
	f := newFixture(t)
	f.store.err = errors.New("timeout")

	_, err := f.arbiter.Authorize(context.Background(), request(), "sub-1", "")
	assert.ErrorIs(t, err, errs.ErrTransientStore)
}
