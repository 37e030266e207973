package gate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tipline-service/internal/errs"
	"tipline-service/internal/model"
)

type fakeCounter struct {
	count int
	err   error

	gotTenant string
	gotSource string
	gotSince  time.Time
}

func (f *fakeCounter) CountSince(_ context.Context, tenantID, sourceHash string, since time.Time) (int, error) {
	f.gotTenant = tenantID
	f.gotSource = sourceHash
	f.gotSince = since
	return f.count, f.err
}

type fakeSourceHasher struct{}

func (fakeSourceHasher) SourceHash(identifier string) string {
	return "hashed:" + identifier
}

func openTenant() *model.Tenant {
	return &model.Tenant{TenantID: "t-1", Active: true}
}

func TestClientIP_Resolution(t *testing.T) {
	tests := []struct {
		name string
		req  RequestInfo
		want string
	}{
		{"forwarded chain first entry", RequestInfo{ForwardedFor: "203.0.113.7, 10.0.0.1"}, "203.0.113.7"},
		{"forwarded single", RequestInfo{ForwardedFor: "203.0.113.7"}, "203.0.113.7"},
		{"real ip fallback", RequestInfo{RealIP: "198.51.100.2"}, "198.51.100.2"},
		{"forwarded beats real ip", RequestInfo{ForwardedFor: "203.0.113.7", RealIP: "198.51.100.2"}, "203.0.113.7"},
		{"nothing resolvable", RequestInfo{}, UnknownIP},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.req.ClientIP())
		})
	}
}

func TestEvaluate_GeoPolicy(t *testing.T) {
	g := NewGate(&fakeCounter{}, fakeSourceHasher{})
	tenant := openTenant()
	tenant.GeoPolicy = model.GeoPolicy{Enabled: true, AllowedCountryCodes: []string{"DE", "AT"}}

	d, err := g.Evaluate(context.Background(), RequestInfo{Country: "DE"}, tenant, EvalOptions{})
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = g.Evaluate(context.Background(), RequestInfo{Country: "US"}, tenant, EvalOptions{})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, errs.ReasonForeignIP, d.Reason)

	// Unknown country is admitted, not denied
	d, err = g.Evaluate(context.Background(), RequestInfo{}, tenant, EvalOptions{})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestEvaluate_BlocklistExactMatch(t *testing.T) {
	g := NewGate(&fakeCounter{}, fakeSourceHasher{})
	tenant := openTenant()
	tenant.IPBlocklist = []string{"203.0.113.7"}

	d, err := g.Evaluate(context.Background(), RequestInfo{ForwardedFor: "203.0.113.7"}, tenant, EvalOptions{})
	require.NoError(t, err)
	assert.Equal(t, errs.ReasonIPBlocked, d.Reason)

	// Bare entries match only the exact address
	d, err = g.Evaluate(context.Background(), RequestInfo{ForwardedFor: "203.0.113.8"}, tenant, EvalOptions{})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestEvaluate_BlocklistCIDR(t *testing.T) {
	g := NewGate(&fakeCounter{}, fakeSourceHasher{})
	tenant := openTenant()
	tenant.IPBlocklist = []string{"10.0.0.0/24"}

	d, err := g.Evaluate(context.Background(), RequestInfo{ForwardedFor: "10.0.0.5"}, tenant, EvalOptions{})
	require.NoError(t, err)
	assert.Equal(t, errs.ReasonIPBlocked, d.Reason)

	d, err = g.Evaluate(context.Background(), RequestInfo{ForwardedFor: "10.0.1.5"}, tenant, EvalOptions{})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestEvaluate_UnknownIPSkipsBlocklist(t *testing.T) {
	g := NewGate(&fakeCounter{}, fakeSourceHasher{})
	tenant := openTenant()
	tenant.IPBlocklist = []string{"0.0.0.0/0"}

	d, err := g.Evaluate(context.Background(), RequestInfo{}, tenant, EvalOptions{})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestEvaluate_RateLimit(t *testing.T) {
	counter := &fakeCounter{count: 3}
	g := NewGate(counter, fakeSourceHasher{})
	tenant := openTenant()
	tenant.RatePolicy = model.RatePolicy{Enabled: true, MaxCount: 3, WindowSeconds: 60}

	req := RequestInfo{ForwardedFor: "203.0.113.7"}

	// At the limit: the 4th qualifying event is denied
	d, err := g.Evaluate(context.Background(), req, tenant, EvalOptions{})
	require.NoError(t, err)
	assert.Equal(t, errs.ReasonRateLimited, d.Reason)
	assert.Equal(t, "t-1", counter.gotTenant)
	assert.Equal(t, "hashed:203.0.113.7", counter.gotSource)
	assert.WithinDuration(t, time.Now().Add(-time.Minute), counter.gotSince, 2*time.Second)

	// After the window elapses the count drops and admission resumes
	counter.count = 0
	d, err = g.Evaluate(context.Background(), req, tenant, EvalOptions{})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestEvaluate_SkipRateLimit(t *testing.T) {
	counter := &fakeCounter{count: 100}
	g := NewGate(counter, fakeSourceHasher{})
	tenant := openTenant()
	tenant.RatePolicy = model.RatePolicy{Enabled: true, MaxCount: 1, WindowSeconds: 60}

	d, err := g.Evaluate(context.Background(), RequestInfo{ForwardedFor: "203.0.113.7"}, tenant, EvalOptions{SkipRateLimit: true})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Empty(t, counter.gotTenant, "counter store must not be touched")
}

func TestEvaluate_ChecksShortCircuitInOrder(t *testing.T) {
	counter := &fakeCounter{count: 100}
	g := NewGate(counter, fakeSourceHasher{})
	tenant := openTenant()
	tenant.GeoPolicy = model.GeoPolicy{Enabled: true, AllowedCountryCodes: []string{"DE"}}
	tenant.IPBlocklist = []string{"203.0.113.7"}
	tenant.RatePolicy = model.RatePolicy{Enabled: true, MaxCount: 1, WindowSeconds: 60}

	// Geo fires first even though the IP is also blocked
	d, err := g.Evaluate(context.Background(), RequestInfo{ForwardedFor: "203.0.113.7", Country: "US"}, tenant, EvalOptions{})
	require.NoError(t, err)
	assert.Equal(t, errs.ReasonForeignIP, d.Reason)
	assert.Empty(t, counter.gotTenant)
}

func TestCIDRContains(t *testing.T) {
	tests := []struct {
		entry     string
		candidate string
		want      bool
	}{
		{"10.0.0.0/24", "10.0.0.5", true},
		{"10.0.0.0/24", "10.0.1.5", false},
		{"10.0.0.0/8", "10.200.1.1", true},
		{"192.168.1.128/25", "192.168.1.200", true},
		{"192.168.1.128/25", "192.168.1.5", false},
		{"0.0.0.0/0", "8.8.8.8", true},
		{"10.0.0.0/33", "10.0.0.1", false},  // bad prefix never matches
		{"10.0.0.0/24", "fe80::1", false},   // IPv6 is an explicit gap
		{"not-a-cidr/24", "10.0.0.1", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, cidrContains(tt.entry, tt.candidate), "%s in %s", tt.candidate, tt.entry)
	}
}

func TestValidateBlocklistEntry(t *testing.T) {
	assert.NoError(t, ValidateBlocklistEntry("203.0.113.7"))
	assert.NoError(t, ValidateBlocklistEntry("10.0.0.0/24"))
	assert.Error(t, ValidateBlocklistEntry("10.0.0.0/64"))
	assert.Error(t, ValidateBlocklistEntry("300.0.0.1"))
	assert.Error(t, ValidateBlocklistEntry("fe80::1"))
	assert.Error(t, ValidateBlocklistEntry("10.0.01.1"))
}
