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

// SaveScore records one scoring pass. A conversation may accumulate several
// passes as new material (late transcription) arrives; they are never
// overwritten.
func (s *Store) SaveScore(ctx context.Context, result interview.ScoringResult) (*interview.ScoringResult, error) {
	if result.ID == "" {
		result.ID = uuid.New().String()
	}
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now().UTC()
	}

	detailed, err := json.Marshal(result.Detailed)
	if err != nil {
		return nil, fmt.Errorf("encode detailed score: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scoring_results (id, conversation_id, pass, score, detailed_json, analysis, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		result.ID, result.ConversationID, result.Pass, result.Score,
		string(detailed), result.Analysis, formatTime(result.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert scoring result: %w", err)
	}

	s.log.Info("scoring pass recorded", "conversation_id", result.ConversationID, "pass", result.Pass, "score", result.Score)
	return &result, nil
}

// LatestScore returns the most recent scoring pass for a conversation, or
// nil when the conversation has not been scored yet.
func (s *Store) LatestScore(ctx context.Context, conversationID string) (*interview.ScoringResult, error) {
	var result interview.ScoringResult
	var detailed, createdAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, pass, score, detailed_json, analysis, created_at
		FROM scoring_results WHERE conversation_id = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`, conversationID).
		Scan(&result.ID, &result.ConversationID, &result.Pass, &result.Score,
			&detailed, &result.Analysis, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest score: %w", err)
	}

	if err := json.Unmarshal([]byte(detailed), &result.Detailed); err != nil {
		return nil, fmt.Errorf("decode detailed score: %w", err)
	}
	result.CreatedAt = parseTime(createdAt)
	return &result, nil
}

// ListScores returns all scoring passes for a conversation, oldest first.
func (s *Store) ListScores(ctx context.Context, conversationID string) ([]interview.ScoringResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, pass, score, detailed_json, analysis, created_at
		FROM scoring_results WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query scores: %w", err)
	}
	defer rows.Close()

	var results []interview.ScoringResult
	for rows.Next() {
		var result interview.ScoringResult
		var detailed, createdAt string
		if err := rows.Scan(&result.ID, &result.ConversationID, &result.Pass, &result.Score,
			&detailed, &result.Analysis, &createdAt); err != nil {
			return nil, fmt.Errorf("scan score: %w", err)
		}
		if err := json.Unmarshal([]byte(detailed), &result.Detailed); err != nil {
			return nil, fmt.Errorf("decode detailed score: %w", err)
		}
		result.CreatedAt = parseTime(createdAt)
		results = append(results, result)
	}

	return results, rows.Err()
}
