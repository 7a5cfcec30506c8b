package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/interview"
)

// UpsertChannelLogin creates or refreshes the per-workspace messaging-bot
// credential record.
func (s *Store) UpsertChannelLogin(ctx context.Context, login interview.ChannelLogin) error {
	userInfo := ""
	if len(login.UserInfo) > 0 {
		encoded, err := json.Marshal(login.UserInfo)
		if err != nil {
			return fmt.Errorf("encode login user info: %w", err)
		}
		userInfo = string(encoded)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_logins (workspace_id, channel, phone, user_info, active, in_use, auth_error, auth_error_at, last_used_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, '', NULL, NULL, ?)
		ON CONFLICT(workspace_id) DO UPDATE SET
			channel = excluded.channel,
			phone = excluded.phone,
			user_info = excluded.user_info,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		login.WorkspaceID, string(login.Channel), login.Phone, userInfo,
		boolToInt(login.Active), formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("upsert channel login: %w", err)
	}

	return nil
}

// GetChannelLogin returns the credential record for a workspace.
func (s *Store) GetChannelLogin(ctx context.Context, workspaceID string) (*interview.ChannelLogin, error) {
	var login interview.ChannelLogin
	var channel, updatedAt string
	var userInfo sql.NullString
	var active, inUse int
	var authErrorAt, lastUsedAt sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT workspace_id, channel, phone, user_info, active, in_use, auth_error, auth_error_at, last_used_at, updated_at
		FROM channel_logins WHERE workspace_id = ?`, workspaceID).
		Scan(&login.WorkspaceID, &channel, &login.Phone, &userInfo, &active, &inUse,
			&login.AuthError, &authErrorAt, &lastUsedAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interview.ErrLoginUnusable
	}
	if err != nil {
		return nil, fmt.Errorf("query channel login: %w", err)
	}

	login.Channel = interview.Channel(channel)
	login.Active = active != 0
	login.InUse = inUse != 0
	login.AuthErrorAt = parseTimePtr(authErrorAt)
	login.LastUsedAt = parseTimePtr(lastUsedAt)
	login.UpdatedAt = parseTime(updatedAt)
	if userInfo.Valid && userInfo.String != "" {
		if err := json.Unmarshal([]byte(userInfo.String), &login.UserInfo); err != nil {
			return nil, fmt.Errorf("decode login user info: %w", err)
		}
	}

	return &login, nil
}

// ClaimChannelLogin marks a login as exclusively owned by one adapter
// instance. A login already claimed fails with interview.ErrLoginInUse; a
// login with a pending auth error fails with interview.ErrLoginUnusable.
func (s *Store) ClaimChannelLogin(ctx context.Context, workspaceID string) error {
	login, err := s.GetChannelLogin(ctx, workspaceID)
	if err != nil {
		return err
	}
	if login.InUse {
		return interview.ErrLoginInUse
	}
	if !login.Usable() {
		return interview.ErrLoginUnusable
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE channel_logins SET in_use = 1, updated_at = ?
		WHERE workspace_id = ? AND in_use = 0 AND active = 1 AND auth_error = ''`,
		formatTime(time.Now().UTC()), workspaceID)
	if err != nil {
		return fmt.Errorf("claim channel login: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim channel login: %w", err)
	}
	if affected == 0 {
		// Lost the race to another instance or an auth error landed meanwhile.
		return interview.ErrLoginInUse
	}

	return nil
}

// ReleaseChannelLogin drops exclusive ownership of a login.
func (s *Store) ReleaseChannelLogin(ctx context.Context, workspaceID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE channel_logins SET in_use = 0, updated_at = ? WHERE workspace_id = ?`,
		formatTime(time.Now().UTC()), workspaceID)
	if err != nil {
		return fmt.Errorf("release channel login: %w", err)
	}

	return nil
}

// MarkLoginAuthError records an authentication failure; the login is
// unusable until re-authenticated.
func (s *Store) MarkLoginAuthError(ctx context.Context, workspaceID, authError string) error {
	now := formatTime(time.Now().UTC())
	_, err := s.db.ExecContext(ctx, `
		UPDATE channel_logins SET auth_error = ?, auth_error_at = ?, updated_at = ? WHERE workspace_id = ?`,
		authError, now, now, workspaceID)
	if err != nil {
		return fmt.Errorf("mark login auth error: %w", err)
	}

	return nil
}

// MarkLoginUsed records a successful authenticated use and clears any
// previous auth error.
func (s *Store) MarkLoginUsed(ctx context.Context, workspaceID string) error {
	now := formatTime(time.Now().UTC())
	_, err := s.db.ExecContext(ctx, `
		UPDATE channel_logins SET auth_error = '', auth_error_at = NULL, last_used_at = ?, updated_at = ? WHERE workspace_id = ?`,
		now, now, workspaceID)
	if err != nil {
		return fmt.Errorf("mark login used: %w", err)
	}

	return nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
