package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tipline-service/internal/client"
	"tipline-service/internal/model"
	"tipline-service/internal/util"
)

const (
	staffSessionPrefix    = "staff_session:"
	operatorSessionPrefix = "operator_session:"

	staffSessionCookie    = "staff_session"
	operatorSessionCookie = "operator_session"
)

// SessionStore resolves staff and operator sessions against the shared Redis
// the external login services write into. A request carries an opaque session
// ID in a cookie; the login service owns the record's lifetime, we only read.
type SessionStore struct {
	client *client.RedisClient
}

func NewSessionStore(client *client.RedisClient) *SessionStore {
	return &SessionStore{client: client}
}

// StaffSession returns the staff session for the request, or (nil, nil) when
// the request carries no valid staff cookie.
func (s *SessionStore) StaffSession(ctx context.Context, r *http.Request) (*model.StaffSession, error) {
	raw, err := s.lookup(ctx, r, staffSessionCookie, staffSessionPrefix)
	if err != nil || raw == "" {
		return nil, err
	}

	var session model.StaffSession
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		util.Warn("Malformed staff session record", zap.Error(err))
		return nil, nil
	}
	if session.SubjectID == "" || session.TenantID == "" {
		return nil, nil
	}
	return &session, nil
}

// OperatorSession returns the operator session for the request, or (nil, nil)
// when the request carries no valid operator cookie.
func (s *SessionStore) OperatorSession(ctx context.Context, r *http.Request) (*model.OperatorSession, error) {
	raw, err := s.lookup(ctx, r, operatorSessionCookie, operatorSessionPrefix)
	if err != nil || raw == "" {
		return nil, err
	}

	var session model.OperatorSession
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		util.Warn("Malformed operator session record", zap.Error(err))
		return nil, nil
	}
	if session.SubjectID == "" {
		return nil, nil
	}
	return &session, nil
}

// lookup extracts the session cookie and fetches the backing record. A
// missing cookie or an expired record is absence, not an error.
func (s *SessionStore) lookup(ctx context.Context, r *http.Request, cookieName, prefix string) (string, error) {
	cookie, err := r.Cookie(cookieName)
	if err != nil || cookie.Value == "" {
		return "", nil
	}

	raw, err := s.client.Client.Get(ctx, prefix+cookie.Value).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("session lookup failed: %w", err)
	}
	return raw, nil
}
