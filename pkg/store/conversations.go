package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/interview"
)

// CreateConversation starts a new ACTIVE conversation bound to one channel
// and candidate reference.
func (s *Store) CreateConversation(ctx context.Context, channel interview.Channel, candidateRef string) (*interview.Conversation, error) {
	now := time.Now().UTC()
	conv := &interview.Conversation{
		ID:           uuid.New().String(),
		Channel:      channel,
		CandidateRef: candidateRef,
		Status:       interview.StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, channel, candidate_ref, status, message_count, metadata_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, NULL, ?, ?)`,
		conv.ID, string(conv.Channel), conv.CandidateRef, string(conv.Status),
		formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}

	s.log.Debug("conversation created", "conversation_id", conv.ID, "channel", channel, "candidate_ref", candidateRef)
	return conv, nil
}

// GetConversation returns one conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*interview.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, channel, candidate_ref, status, message_count, metadata_json, created_at, updated_at
		FROM conversations WHERE id = ?`, id)

	return scanConversation(row)
}

// FindConversation returns the most recent conversation for a channel-bound
// candidate reference, or interview.ErrConversationNotFound.
func (s *Store) FindConversation(ctx context.Context, channel interview.Channel, candidateRef string) (*interview.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, channel, candidate_ref, status, message_count, metadata_json, created_at, updated_at
		FROM conversations
		WHERE channel = ? AND candidate_ref = ?
		ORDER BY created_at DESC LIMIT 1`, string(channel), candidateRef)

	return scanConversation(row)
}

// AppendMessage appends one message to a conversation's log. Terminal
// conversations reject appends with interview.ErrConversationClosed.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, msg interview.Message) (*interview.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	appended, err := appendMessageTx(ctx, tx, conversationID, msg)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}

	return appended, nil
}

// AppendTurn appends an inbound message and its outbound reply in a single
// transaction. Either both land in the log or neither does, which is what
// makes a cancelled turn leave history untouched.
func (s *Store) AppendTurn(ctx context.Context, conversationID string, inbound, outbound interview.Message) (*interview.Message, *interview.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin turn: %w", err)
	}
	defer tx.Rollback()

	in, err := appendMessageTx(ctx, tx, conversationID, inbound)
	if err != nil {
		return nil, nil, err
	}
	out, err := appendMessageTx(ctx, tx, conversationID, outbound)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit turn: %w", err)
	}

	return in, out, nil
}

func appendMessageTx(ctx context.Context, tx *sql.Tx, conversationID string, msg interview.Message) (*interview.Message, error) {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM conversations WHERE id = ?`, conversationID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interview.ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation status: %w", err)
	}
	if interview.Status(status).Terminal() {
		return nil, interview.ErrConversationClosed
	}

	msg.ConversationID = conversationID
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	// seq is assigned inside the transaction so read-back order equals
	// append order even when two messages share a timestamp.
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?`,
		conversationID).Scan(&msg.Seq)
	if err != nil {
		return nil, fmt.Errorf("assign sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender, content_type, content, file_ref, transcript, external_id, seq, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, string(msg.Sender), string(msg.ContentType),
		msg.Content, msg.FileRef, msg.Transcript, msg.ExternalID, msg.Seq, formatTime(msg.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations SET message_count = message_count + 1, updated_at = ? WHERE id = ?`,
		formatTime(time.Now().UTC()), conversationID)
	if err != nil {
		return nil, fmt.Errorf("bump message count: %w", err)
	}

	return &msg, nil
}

// TransitionStatus moves a conversation to a terminal status, enforcing the
// monotonic lifecycle ordering.
func (s *Store) TransitionStatus(ctx context.Context, conversationID string, next interview.Status) (*interview.Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM conversations WHERE id = ?`, conversationID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interview.ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation status: %w", err)
	}

	if !interview.Status(current).CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s -> %s", interview.ErrInvalidTransition, current, next)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET status = ?, updated_at = ? WHERE id = ?`,
		string(next), formatTime(time.Now().UTC()), conversationID); err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}

	s.log.Info("conversation status changed", "conversation_id", conversationID, "from", current, "to", next)
	return s.GetConversation(ctx, conversationID)
}

// History returns a conversation's messages in append order. When limit is
// positive only the most recent limit messages are returned, still oldest
// first, which is the shape prompt construction wants.
func (s *Store) History(ctx context.Context, conversationID string, limit int) ([]interview.Message, error) {
	query := `
		SELECT id, conversation_id, sender, content_type, content, file_ref, transcript, external_id, seq, created_at
		FROM messages WHERE conversation_id = ? ORDER BY seq ASC`
	args := []any{conversationID}
	if limit > 0 {
		query = `
			SELECT id, conversation_id, sender, content_type, content, file_ref, transcript, external_id, seq, created_at
			FROM (
				SELECT id, conversation_id, sender, content_type, content, file_ref, transcript, external_id, seq, created_at
				FROM messages WHERE conversation_id = ? ORDER BY seq DESC LIMIT ?
			) ORDER BY seq ASC`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var history []interview.Message
	for rows.Next() {
		var m interview.Message
		var sender, contentType, createdAt string
		if err := rows.Scan(&m.ID, &m.ConversationID, &sender, &contentType, &m.Content,
			&m.FileRef, &m.Transcript, &m.ExternalID, &m.Seq, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Sender = interview.Role(sender)
		m.ContentType = interview.ContentType(contentType)
		m.CreatedAt = parseTime(createdAt)
		history = append(history, m)
	}

	return history, rows.Err()
}

// GetMessage returns one message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (*interview.Message, error) {
	var m interview.Message
	var sender, contentType, createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, sender, content_type, content, file_ref, transcript, external_id, seq, created_at
		FROM messages WHERE id = ?`, id).
		Scan(&m.ID, &m.ConversationID, &sender, &contentType, &m.Content,
			&m.FileRef, &m.Transcript, &m.ExternalID, &m.Seq, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interview.ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query message: %w", err)
	}

	m.Sender = interview.Role(sender)
	m.ContentType = interview.ContentType(contentType)
	m.CreatedAt = parseTime(createdAt)
	return &m, nil
}

// UpdateTranscript writes a transcription result back onto an existing voice
// message. No new row is created; the message log stays append-only apart
// from this single write-back column.
func (s *Store) UpdateTranscript(ctx context.Context, messageID, transcript string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET transcript = ? WHERE id = ? AND content_type = 'VOICE'`,
		transcript, messageID)
	if err != nil {
		return fmt.Errorf("update transcript: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update transcript: %w", err)
	}
	if affected == 0 {
		return interview.ErrMessageNotFound
	}

	return nil
}

// CancelInactiveBefore transitions ACTIVE conversations idle since before the
// cutoff to CANCELLED and returns their ids. Used by the background sweep.
func (s *Store) CancelInactiveBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin sweep: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM conversations WHERE status = 'ACTIVE' AND updated_at < ?`,
		formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("query idle conversations: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan idle conversation: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	now := formatTime(time.Now().UTC())
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			UPDATE conversations SET status = 'CANCELLED', updated_at = ? WHERE id = ? AND status = 'ACTIVE'`,
			now, id); err != nil {
			return nil, fmt.Errorf("cancel conversation %s: %w", id, err)
		}
	}

	return ids, tx.Commit()
}

func scanConversation(row *sql.Row) (*interview.Conversation, error) {
	var conv interview.Conversation
	var channel, status, createdAt, updatedAt string
	var metadata sql.NullString

	err := row.Scan(&conv.ID, &channel, &conv.CandidateRef, &status,
		&conv.MessageCount, &metadata, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interview.ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}

	conv.Channel = interview.Channel(channel)
	conv.Status = interview.Status(status)
	conv.CreatedAt = parseTime(createdAt)
	conv.UpdatedAt = parseTime(updatedAt)
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &conv.Metadata); err != nil {
			return nil, fmt.Errorf("decode conversation metadata: %w", err)
		}
	}

	return &conv, nil
}
