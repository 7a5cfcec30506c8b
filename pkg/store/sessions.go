package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/interview"
)

// CreateSession mints an interview session: an opaque id plus access token
// bound to a candidate reference. The conversation binding stays empty until
// first inbound contact.
func (s *Store) CreateSession(ctx context.Context, candidateRef string, ttl time.Duration) (*interview.Session, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}

	now := time.Now().UTC()
	session := &interview.Session{
		ID:           uuid.New().String(),
		Token:        hex.EncodeToString(raw),
		CandidateRef: candidateRef,
		ExpiresAt:    now.Add(ttl),
		CreatedAt:    now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO interview_sessions (id, token, conversation_id, candidate_ref, expires_at, revoked_at, created_at)
		VALUES (?, ?, '', ?, ?, NULL, ?)`,
		session.ID, session.Token, session.CandidateRef, formatTime(session.ExpiresAt), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	return session, nil
}

// ResolveSession returns the session matching both the opaque session id and
// the access token. Unknown, mismatched, expired, and revoked sessions all
// yield interview.ErrSessionNotFound so callers learn nothing about which
// case they hit.
func (s *Store) ResolveSession(ctx context.Context, sessionID, token string) (*interview.Session, error) {
	var session interview.Session
	var expiresAt, createdAt string
	var revokedAt sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT id, token, conversation_id, candidate_ref, expires_at, revoked_at, created_at
		FROM interview_sessions WHERE id = ? AND token = ?`, sessionID, token).
		Scan(&session.ID, &session.Token, &session.ConversationID, &session.CandidateRef,
			&expiresAt, &revokedAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interview.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}

	session.ExpiresAt = parseTime(expiresAt)
	session.CreatedAt = parseTime(createdAt)
	session.RevokedAt = parseTimePtr(revokedAt)

	if !session.Usable(time.Now().UTC()) {
		return nil, interview.ErrSessionNotFound
	}

	return &session, nil
}

// BindSessionConversation attaches a conversation to a session once the
// first inbound contact creates it. A session resolves to at most one
// conversation; rebinding to a different conversation fails.
func (s *Store) BindSessionConversation(ctx context.Context, sessionID, conversationID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE interview_sessions SET conversation_id = ?
		WHERE id = ? AND (conversation_id = '' OR conversation_id = ?)`,
		conversationID, sessionID, conversationID)
	if err != nil {
		return fmt.Errorf("bind session conversation: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("bind session conversation: %w", err)
	}
	if affected == 0 {
		return interview.ErrSessionNotFound
	}

	return nil
}

// RevokeSession invalidates a session immediately.
func (s *Store) RevokeSession(ctx context.Context, sessionID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE interview_sessions SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		formatTime(time.Now().UTC()), sessionID)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	if affected == 0 {
		return interview.ErrSessionNotFound
	}

	return nil
}
