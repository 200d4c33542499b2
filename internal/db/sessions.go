// ABOUTME: Session token persistence keyed by token hash.
package db

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fgateway/fgapiserver/internal/models"
)

// HashSessionToken returns the SHA-256 hex digest of a session token.
func HashSessionToken(token string) (string, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return "", errors.New("token is required")
	}
	sum := sha256.Sum256([]byte(trimmed))
	return hex.EncodeToString(sum[:]), nil
}

// CreateSession stores a token hash with its creation time and expiry.
func (s *Store) CreateSession(ctx context.Context, token models.SessionToken) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if token.TokenHash == "" {
		return errors.New("session token hash is required")
	}
	if token.UserID <= 0 {
		return errors.New("session user id is required")
	}
	if token.Expiry <= 0 {
		return errors.New("session expiry must be positive")
	}
	subject := token.SubjectUserID
	if subject == 0 {
		subject = token.UserID
	}
	creation := token.Creation
	if creation.IsZero() {
		creation = time.Now().UTC()
	}
	_, err := s.q().exec(ctx, `INSERT INTO sessions (token_hash, user_id, subject_user_id, creation, expiry)
		VALUES (?, ?, ?, ?, ?)`,
		token.TokenHash, token.UserID, subject, creation.Unix(), int64(token.Expiry/time.Second))
	if err != nil {
		return fmt.Errorf("insert session for user %d: %w", token.UserID, err)
	}
	return nil
}

// GetSessionIdentity resolves a token hash to the acting and authenticated
// users. Expiry is evaluated in the query: a row is valid only while
// creation + expiry > now. Missing, expired and disabled-user tokens all
// return sql.ErrNoRows.
func (s *Store) GetSessionIdentity(ctx context.Context, tokenHash string, now time.Time) (models.Identity, error) {
	if s == nil || s.DB == nil {
		return models.Identity{}, errors.New("db store is nil")
	}
	var id models.Identity
	err := s.q().queryRow(ctx, `SELECT u.id, u.name, su.id, su.name
		FROM sessions t
		JOIN users u ON u.id = t.user_id
		JOIN users su ON su.id = t.subject_user_id
		WHERE t.token_hash = ? AND t.creation + t.expiry > ? AND u.enabled = ? AND su.enabled = ?`,
		tokenHash, now.Unix(), true, true).Scan(&id.UserID, &id.Name, &id.SubjectID, &id.SubjectName)
	if err != nil {
		return models.Identity{}, err
	}
	return id, nil
}

// DeleteSession removes a single token (logout).
func (s *Store) DeleteSession(ctx context.Context, tokenHash string) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	res, err := s.q().exec(ctx, `DELETE FROM sessions WHERE token_hash = ?`, tokenHash)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return requireAffected(res)
}

// PurgeExpiredSessions deletes tokens whose lifetime ended before now.
func (s *Store) PurgeExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("db store is nil")
	}
	res, err := s.q().exec(ctx, `DELETE FROM sessions WHERE creation + expiry <= ?`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return affected, nil
}
