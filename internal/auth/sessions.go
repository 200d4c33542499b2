// Package auth issues and verifies session tokens and evaluates role,
// impersonation and application-grant checks.
package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/fgateway/fgapiserver/internal/db"
	"github.com/fgateway/fgapiserver/internal/models"
)

const tokenBytes = 32

var (
	// ErrInvalidCredentials covers unknown users, disabled users and wrong passwords alike.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidToken covers missing, expired and unknown tokens.
	ErrInvalidToken = errors.New("invalid or expired token")
	// ErrImpersonationDenied is returned when a delegated token is requested
	// without the user_impersonate role.
	ErrImpersonationDenied = errors.New("impersonation not allowed")
)

// SessionBackend is the persistence the session store needs.
type SessionBackend interface {
	GetUserByName(ctx context.Context, name string) (models.User, error)
	CreateSession(ctx context.Context, token models.SessionToken) error
	GetSessionIdentity(ctx context.Context, tokenHash string, now time.Time) (models.Identity, error)
	DeleteSession(ctx context.Context, tokenHash string) error
	UserHasRoles(ctx context.Context, userID int64, roles []string) (bool, error)
}

// Sessions issues opaque bearer tokens. Only token hashes are persisted and
// every verification re-evaluates expiry against the current time.
type Sessions struct {
	backend SessionBackend
	ttl     time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

func NewSessions(backend SessionBackend, ttl time.Duration, logger *zap.Logger) *Sessions {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sessions{
		backend: backend,
		ttl:     ttl,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger,
	}
}

// CreateSessionToken validates username/password and issues a new token.
// A user may hold any number of concurrent tokens.
func (s *Sessions) CreateSessionToken(ctx context.Context, username, password string) (string, error) {
	user, err := s.backend.GetUserByName(ctx, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrInvalidCredentials
		}
		return "", fmt.Errorf("lookup user %s: %w", username, err)
	}
	if !user.Enabled || !CheckPassword(user.PasswordHash, password) {
		s.logger.Info("session token rejected", zap.String("user", username))
		return "", ErrInvalidCredentials
	}
	return s.issue(ctx, user.ID, user.ID)
}

// VerifySessionToken resolves a token to the identity it acts as.
func (s *Sessions) VerifySessionToken(ctx context.Context, token string) (models.Identity, error) {
	hash, err := db.HashSessionToken(token)
	if err != nil {
		return models.Identity{}, ErrInvalidToken
	}
	id, err := s.backend.GetSessionIdentity(ctx, hash, s.now())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Identity{}, ErrInvalidToken
		}
		return models.Identity{}, fmt.Errorf("verify session: %w", err)
	}
	return id, nil
}

// CreateDelegatedToken issues a token acting as target on behalf of holder.
// The holder needs the user_impersonate role.
func (s *Sessions) CreateDelegatedToken(ctx context.Context, holder models.Identity, target string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", errors.New("delegated user is required")
	}
	allowed, err := s.backend.UserHasRoles(ctx, holder.SubjectOrUser(), []string{RoleUserImpersonate})
	if err != nil {
		return "", err
	}
	if !allowed {
		return "", ErrImpersonationDenied
	}
	user, err := s.backend.GetUserByName(ctx, target)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrInvalidCredentials
		}
		return "", fmt.Errorf("lookup user %s: %w", target, err)
	}
	if !user.Enabled {
		return "", ErrInvalidCredentials
	}
	s.logger.Info("delegated token issued", zap.String("subject", holder.Name), zap.String("user", target))
	return s.issue(ctx, user.ID, holder.SubjectOrUser())
}

// RevokeSessionToken deletes a token (logout).
func (s *Sessions) RevokeSessionToken(ctx context.Context, token string) error {
	hash, err := db.HashSessionToken(token)
	if err != nil {
		return ErrInvalidToken
	}
	if err := s.backend.DeleteSession(ctx, hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrInvalidToken
		}
		return err
	}
	return nil
}

func (s *Sessions) issue(ctx context.Context, userID, subjectID int64) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", err
	}
	hash, err := db.HashSessionToken(token)
	if err != nil {
		return "", err
	}
	if err := s.backend.CreateSession(ctx, models.SessionToken{
		TokenHash:     hash,
		UserID:        userID,
		SubjectUserID: subjectID,
		Creation:      s.now(),
		Expiry:        s.ttl,
	}); err != nil {
		return "", err
	}
	return token, nil
}

func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// HashPassword returns the bcrypt hash stored for a user.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword compares a password against its stored bcrypt hash.
func CheckPassword(hash, password string) bool {
	if hash == "" || password == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
