// Package auth verifies bearer tokens and tracks verified sessions.
// Tokens are issued by the account service; this subsystem only
// verifies them and caches the resulting session.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"netsentry/internal/config"
)

// Verification errors.
var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
)

// Session is one verified token.
type Session struct {
	Token        string    `json:"token"`
	UserID       string    `json:"user_id"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// Verifier validates bearer tokens and resolves them to user IDs.
type Verifier struct {
	secret  []byte
	storage SessionStorage
	ttl     time.Duration
	logger  *slog.Logger
}

// NewVerifier creates a token verifier backed by the given session
// storage.
func NewVerifier(cfg config.AuthConfig, storage SessionStorage, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Verifier{
		secret:  []byte(cfg.JWTSecret),
		storage: storage,
		ttl:     ttl,
		logger:  logger,
	}
}

// Authenticate verifies a token and returns the user it belongs to.
// Known sessions are served from storage; fresh tokens are parsed,
// verified and cached.
func (v *Verifier) Authenticate(ctx context.Context, token string) (uuid.UUID, error) {
	if token == "" {
		return uuid.Nil, ErrMissingToken
	}

	if session, err := v.storage.Get(ctx, token); err == nil {
		userID, err := uuid.Parse(session.UserID)
		if err != nil {
			return uuid.Nil, fmt.Errorf("%w: malformed session user id", ErrInvalidToken)
		}
		if err := v.storage.UpdateActivity(ctx, token, time.Now().UTC()); err != nil {
			v.logger.Debug("session activity update failed", "error", err)
		}
		return userID, nil
	}

	userID, expiresAt, err := v.parseToken(token)
	if err != nil {
		return uuid.Nil, err
	}

	now := time.Now().UTC()
	sessionExpiry := now.Add(v.ttl)
	if !expiresAt.IsZero() && expiresAt.Before(sessionExpiry) {
		sessionExpiry = expiresAt
	}
	session := &Session{
		Token:        token,
		UserID:       userID.String(),
		CreatedAt:    now,
		ExpiresAt:    sessionExpiry,
		LastActiveAt: now,
	}
	if err := v.storage.Store(ctx, session); err != nil {
		v.logger.Warn("session store failed", "error", err)
	}
	return userID, nil
}

// Invalidate drops a session from storage.
func (v *Verifier) Invalidate(ctx context.Context, token string) error {
	return v.storage.Delete(ctx, token)
}

func (v *Verifier) parseToken(tokenString string) (uuid.UUID, time.Time, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return uuid.Nil, time.Time{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return uuid.Nil, time.Time{}, ErrInvalidToken
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return uuid.Nil, time.Time{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	userID, err := uuid.Parse(sub)
	if err != nil {
		return uuid.Nil, time.Time{}, fmt.Errorf("%w: subject is not a user id", ErrInvalidToken)
	}

	var expiresAt time.Time
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		expiresAt = exp.Time
	}
	return userID, expiresAt, nil
}
