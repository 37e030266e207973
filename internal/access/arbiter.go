package access

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tipline-service/internal/errs"
	"tipline-service/internal/model"
	"tipline-service/internal/token"
)

// StaffSessionProvider and OperatorSessionProvider are the seams to the
// external login systems. Both return (nil, nil) when the request carries no
// session in their trust domain; an error means the provider itself failed.
type StaffSessionProvider interface {
	StaffSession(ctx context.Context, r *http.Request) (*model.StaffSession, error)
}

type OperatorSessionProvider interface {
	OperatorSession(ctx context.Context, r *http.Request) (*model.OperatorSession, error)
}

// SubmissionLookup and TenantLookup are the read-side store views the
// arbiter needs. Both return (nil, nil) when the row does not exist.
type SubmissionLookup interface {
	GetSubmission(ctx context.Context, submissionID string) (*model.Submission, error)
}

type TenantLookup interface {
	GetTenant(ctx context.Context, tenantID string) (*model.Tenant, error)
}

// Grant is a positive authorization verdict: who may act, in which trust
// domain, scoped to which tenant. Operator grants carry the submission's
// tenant for auditing even though operators are unscoped.
type Grant struct {
	Role      model.Role
	SubjectID string
	TenantID  string
}

// Arbiter is the single choke point for submission-scoped authorization. It
// composes the two external session providers with the stateless bearer-token
// fallback into one verdict.
type Arbiter struct {
	staff       StaffSessionProvider
	operator    OperatorSessionProvider
	submissions SubmissionLookup
	tenants     TenantLookup
	codec       *token.Codec
	logger      *zap.Logger
}

func NewArbiter(
	staff StaffSessionProvider,
	operator OperatorSessionProvider,
	submissions SubmissionLookup,
	tenants TenantLookup,
	codec *token.Codec,
	logger *zap.Logger,
) *Arbiter {
	return &Arbiter{
		staff:       staff,
		operator:    operator,
		submissions: submissions,
		tenants:     tenants,
		codec:       codec,
		logger:      logger,
	}
}

// Authorize resolves in order: staff session scoped to the submission's
// tenant, operator session (unscoped), then the bearer token presented by an
// anonymous submitter. The token path additionally requires the tenant to be
// active and within its service period. No match in any branch yields
// ErrUnauthorized; the caller learns nothing about which branch got how far.
func (a *Arbiter) Authorize(ctx context.Context, r *http.Request, submissionID, bearer string) (*Grant, error) {
	submission, err := a.submissions.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, fmt.Errorf("%w: submission lookup failed: %v", errs.ErrTransientStore, err)
	}
	if submission == nil {
		return nil, errs.ErrUnauthorized
	}

	staffSession, operatorSession := a.querySessions(ctx, r)

	if staffSession != nil && staffSession.TenantID == submission.TenantID {
		return &Grant{
			Role:      model.RoleStaff,
			SubjectID: staffSession.SubjectID,
			TenantID:  submission.TenantID,
		}, nil
	}

	if operatorSession != nil {
		return &Grant{
			Role:      model.RoleOperator,
			SubjectID: operatorSession.SubjectID,
			TenantID:  submission.TenantID,
		}, nil
	}

	if bearer != "" {
		grant, err := a.authorizeToken(ctx, submission, bearer)
		if err != nil {
			return nil, err
		}
		if grant != nil {
			return grant, nil
		}
	}

	return nil, errs.ErrUnauthorized
}

// querySessions asks both providers in parallel. A provider failure is logged
// and treated as no session; the remaining branches still get their chance.
func (a *Arbiter) querySessions(ctx context.Context, r *http.Request) (*model.StaffSession, *model.OperatorSession) {
	var (
		staffSession    *model.StaffSession
		operatorSession *model.OperatorSession
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s, err := a.staff.StaffSession(gctx, r)
		if err != nil {
			a.logger.Warn("Staff session provider failed", zap.Error(err))
			return nil
		}
		staffSession = s
		return nil
	})
	g.Go(func() error {
		s, err := a.operator.OperatorSession(gctx, r)
		if err != nil {
			a.logger.Warn("Operator session provider failed", zap.Error(err))
			return nil
		}
		operatorSession = s
		return nil
	})
	_ = g.Wait()

	return staffSession, operatorSession
}

// authorizeToken validates the submitter fallback: the token must verify,
// name this exact submission and tenant, and the tenant must still be served.
func (a *Arbiter) authorizeToken(ctx context.Context, submission *model.Submission, bearer string) (*Grant, error) {
	claims, err := a.codec.Verify(bearer)
	if err != nil {
		// Bad or expired tokens fall through to unauthorized, not 4xx
		return nil, nil
	}

	if claims.SubmissionID != submission.SubmissionID || claims.TenantID != submission.TenantID {
		return nil, nil
	}

	tenant, err := a.tenants.GetTenant(ctx, submission.TenantID)
	if err != nil {
		return nil, fmt.Errorf("%w: tenant lookup failed: %v", errs.ErrTransientStore, err)
	}
	if tenant == nil || !tenant.IsServiceActive(time.Now().UTC()) {
		return nil, nil
	}

	return &Grant{
		Role:      model.RoleSubmitter,
		SubjectID: submission.SubmissionID,
		TenantID:  submission.TenantID,
	}, nil
}
