package auth

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/venmail/vensuite-gateway/auth/db"
	"github.com/venmail/vensuite-gateway/internal/slogging"
)

// Authentication errors resolved by the upgrade pipeline.
var (
	// ErrInvalidToken indicates the token has no session record or the
	// record could not be parsed.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken indicates the session record exists but is past
	// its validity window.
	ErrExpiredToken = errors.New("expired token")
)

// Session is the record stored in the cache under the raw token key.
// Tokens are opaque to the gateway; the cache is the only authority.
type Session struct {
	UserID         string   `json:"user_id"`
	Accounts       []string `json:"accounts"`
	ValidUntil     int64    `json:"valid_until"` // unix seconds
	OrgChatEnabled bool     `json:"org_chat_enabled"`
	OrgID          string   `json:"org_id,omitempty"`
	EmployeeID     string   `json:"employee_id,omitempty"`
}

// SessionValidator resolves presented tokens against the session cache
type SessionValidator struct {
	cache *db.RedisDB
	keys  *db.RedisKeyBuilder
}

// NewSessionValidator creates a new session validator
func NewSessionValidator(cache *db.RedisDB) *SessionValidator {
	return &SessionValidator{
		cache: cache,
		keys:  db.NewRedisKeyBuilder(),
	}
}

// Validate looks up the token's session record and checks its validity
// window. Returns ErrInvalidToken for absent/unparsable records and
// ErrExpiredToken past the record's valid_until.
func (v *SessionValidator) Validate(ctx context.Context, token string) (*Session, error) {
	logger := slogging.Get()

	data, err := v.cache.Get(ctx, v.keys.SessionKey(token))
	if err != nil {
		if db.IsNotFound(err) {
			logger.Debug("No session record for presented token")
			return nil, ErrInvalidToken
		}
		logger.Error("Session lookup failed: %v", err)
		return nil, ErrInvalidToken
	}

	var session Session
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		logger.Warn("Unparsable session record for presented token: %v", err)
		return nil, ErrInvalidToken
	}

	if session.ValidUntil > 0 && time.Now().Unix() > session.ValidUntil {
		logger.Debug("Session for user %s expired at %d", session.UserID, session.ValidUntil)
		return nil, ErrExpiredToken
	}

	return &session, nil
}

// FilterAccounts keeps only the account ids whose per-account active
// token entry still equals the presented token. An account whose
// session has rotated to a newer token is dropped. Cache failures
// fail closed: the account is not kept.
func (v *SessionValidator) FilterAccounts(ctx context.Context, token string, accountIDs []string) []string {
	logger := slogging.Get()

	valid := make([]string, 0, len(accountIDs))
	for _, accountID := range accountIDs {
		stored, err := v.cache.Get(ctx, v.keys.ActiveTokenKey(accountID))
		if err != nil {
			if !db.IsNotFound(err) {
				logger.Warn("Active token lookup failed for account %s: %v", accountID, err)
			}
			continue
		}
		if stored == token {
			valid = append(valid, accountID)
		}
	}
	return valid
}

// InvalidateAccount deletes an account's active token entry. Called on
// connection teardown; failures are logged and swallowed since the
// entry carries its own TTL.
func (v *SessionValidator) InvalidateAccount(ctx context.Context, accountID string) {
	if err := v.cache.Del(ctx, v.keys.ActiveTokenKey(accountID)); err != nil {
		slogging.Get().Warn("Failed to invalidate active token for account %s: %v", accountID, err)
	}
}
