package gate

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"tipline-service/internal/errs"
	"tipline-service/internal/model"
	"tipline-service/internal/util"
)

// UnknownIP marks a request whose client address could not be resolved.
// Unknown sources are never matched against the blocklist.
const UnknownIP = "unknown"

// RequestInfo is the network-level view of an inbound request.
type RequestInfo struct {
	ForwardedFor string // full X-Forwarded-For chain as received
	RealIP       string
	Country      string // ISO 3166-1 alpha-2, resolved by the edge, may be empty
}

// RequestInfoFromHTTP extracts the admission-relevant parts of a request.
func RequestInfoFromHTTP(r *http.Request) RequestInfo {
	return RequestInfo{
		ForwardedFor: r.Header.Get("X-Forwarded-For"),
		RealIP:       r.Header.Get("X-Real-IP"),
		Country:      strings.ToUpper(r.Header.Get("CF-IPCountry")),
	}
}

// ClientIP resolves the client address: first entry of the forwarded chain,
// else the direct-connection header, else UnknownIP.
func (ri RequestInfo) ClientIP() string {
	if ri.ForwardedFor != "" {
		first, _, _ := strings.Cut(ri.ForwardedFor, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ri.RealIP != "" {
		return ri.RealIP
	}
	return UnknownIP
}

// Decision is the admission verdict.
type Decision struct {
	Allowed bool
	Reason  errs.DenialReason // set only when denied
}

// EvalOptions tunes a single evaluation. Authentication/check flows skip the
// rate limiter entirely.
type EvalOptions struct {
	SkipRateLimit bool
}

// CounterStore counts prior qualifying events for a tenant+source within a
// trailing window. Backed by the access-attempt ledger.
type CounterStore interface {
	CountSince(ctx context.Context, tenantID, sourceHash string, since time.Time) (int, error)
}

// SourceHasher maps a raw client IP to the stable hashed identifier the
// ledger stores.
type SourceHasher interface {
	SourceHash(identifier string) string
}

// Gate evaluates inbound-request admission against a tenant's policy:
// country allow-list, then IP/CIDR blocklist, then sliding-window rate
// limiting. Checks short-circuit on the first failure.
type Gate struct {
	counters CounterStore
	hasher   SourceHasher
}

func NewGate(counters CounterStore, hasher SourceHasher) *Gate {
	return &Gate{
		counters: counters,
		hasher:   hasher,
	}
}

// Evaluate returns an allow/deny decision. Only the rate-limit check touches
// the backing store; a store failure surfaces as ErrTransientStore rather
// than a denial.
func (g *Gate) Evaluate(ctx context.Context, req RequestInfo, tenant *model.Tenant, opts EvalOptions) (Decision, error) {
	if d := checkGeo(req, tenant.GeoPolicy); !d.Allowed {
		return d, nil
	}

	if d := checkBlocklist(req, tenant.IPBlocklist); !d.Allowed {
		return d, nil
	}

	if !opts.SkipRateLimit && tenant.RatePolicy.Enabled {
		d, err := g.checkRateLimit(ctx, req, tenant)
		if err != nil {
			return Decision{}, err
		}
		if !d.Allowed {
			return d, nil
		}
	}

	return Decision{Allowed: true}, nil
}

func checkGeo(req RequestInfo, policy model.GeoPolicy) Decision {
	if !policy.Enabled || req.Country == "" {
		return Decision{Allowed: true}
	}
	for _, code := range policy.AllowedCountryCodes {
		if strings.EqualFold(code, req.Country) {
			return Decision{Allowed: true}
		}
	}
	return Decision{Reason: errs.ReasonForeignIP}
}

func checkBlocklist(req RequestInfo, blocklist []string) Decision {
	ip := req.ClientIP()
	if ip == UnknownIP || len(blocklist) == 0 {
		return Decision{Allowed: true}
	}

	for _, entry := range blocklist {
		if strings.Contains(entry, "/") {
			if cidrContains(entry, ip) {
				return Decision{Reason: errs.ReasonIPBlocked}
			}
			continue
		}
		// Bare entries match only the exact address
		if entry == ip {
			return Decision{Reason: errs.ReasonIPBlocked}
		}
	}
	return Decision{Allowed: true}
}

func (g *Gate) checkRateLimit(ctx context.Context, req RequestInfo, tenant *model.Tenant) (Decision, error) {
	ip := req.ClientIP()
	if ip == UnknownIP {
		return Decision{Allowed: true}, nil
	}

	window := time.Duration(tenant.RatePolicy.WindowSeconds) * time.Second
	since := time.Now().Add(-window)
	sourceHash := g.hasher.SourceHash(ip)

	count, err := g.counters.CountSince(ctx, tenant.TenantID, sourceHash, since)
	if err != nil {
		util.Error("Rate limit count failed",
			zap.String("tenant_id", tenant.TenantID),
			zap.Error(err))
		return Decision{}, err
	}

	if count >= tenant.RatePolicy.MaxCount {
		util.Warn("Rate limit exceeded",
			zap.String("tenant_id", tenant.TenantID),
			zap.Int("count", count),
			zap.Int("max_count", tenant.RatePolicy.MaxCount))
		return Decision{Reason: errs.ReasonRateLimited}, nil
	}
	return Decision{Allowed: true}, nil
}
