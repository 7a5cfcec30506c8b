package interview

import "errors"

// Closed error set exposed across component boundaries. Adapters and the
// gateway map internal failures onto these; raw provider or transport errors
// never reach a channel boundary.
var (
	// ErrConversationNotFound covers unknown conversation ids.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrConversationClosed rejects turns and appends on a terminal conversation.
	ErrConversationClosed = errors.New("conversation is closed")

	// ErrMessageNotFound covers unknown message ids.
	ErrMessageNotFound = errors.New("message not found")

	// ErrInvalidTransition rejects lifecycle moves that violate the monotonic
	// ACTIVE -> {COMPLETED, CANCELLED} ordering.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrTurnInProgress signals a concurrent turn on the same conversation when
	// the engine is configured to reject instead of wait.
	ErrTurnInProgress = errors.New("turn already in progress")

	// ErrSessionNotFound covers unknown, expired, and revoked access tokens
	// alike, so callers cannot distinguish existence from permission.
	ErrSessionNotFound = errors.New("interview session not found")

	// ErrSchemaViolation rejects a job payload that fails its event schema.
	ErrSchemaViolation = errors.New("job payload violates schema")

	// ErrUnknownEvent rejects enqueue attempts for unregistered event names.
	ErrUnknownEvent = errors.New("unknown job event name")

	// ErrLoginInUse signals that a channel login is already claimed by another
	// adapter instance.
	ErrLoginInUse = errors.New("channel login already in use")

	// ErrLoginUnusable signals a channel login with a pending auth error.
	ErrLoginUnusable = errors.New("channel login requires re-authentication")
)
