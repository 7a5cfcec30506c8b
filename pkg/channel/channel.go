package channel

import (
	"context"
	"time"

	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/interview"
)

// TurnHandler processes one canonical inbound candidate message and returns
// the persisted bot reply. Streaming-capable callers pass a non-nil emit to
// receive incremental reply text; emit returning an error cancels generation.
type TurnHandler func(ctx context.Context, conversationID string, inbound interview.Message, emit func(delta string) error) (*interview.Message, error)

// Capabilities describes what a delivery surface supports.
type Capabilities struct {
	Streaming bool
	Voice     bool
}

// ConversationRef is a resolved channel identity: which conversation a
// channel-native token or chat id belongs to.
type ConversationRef struct {
	ConversationID string
	CandidateRef   string
	ChatID         string
}

// DeliveryResult reports the outcome of one outbound delivery, including how
// many attempts it took.
type DeliveryResult struct {
	Delivered  bool
	Attempts   int
	ExternalID string
}

// Adapter bridges one external transport into the interview engine. The
// variant set is closed: one concrete adapter per interview.Channel value,
// selected by the tagged channel field on the conversation.
type Adapter interface {
	Name() string
	Capabilities() Capabilities

	// ResolveIdentity maps a channel-native token to a conversation
	// reference. Expired or unknown tokens fail with
	// interview.ErrSessionNotFound without revealing which.
	ResolveIdentity(ctx context.Context, token string) (ConversationRef, error)

	// DeliverOutbound pushes an already-persisted message out through the
	// transport with bounded retries. Exhausted retries report a failed
	// delivery but never roll the message back.
	DeliverOutbound(ctx context.Context, ref ConversationRef, msg interview.Message) (DeliveryResult, error)

	// Run starts the transport loop and blocks until ctx is done.
	Run(ctx context.Context, handler TurnHandler) error
}

// WithRetry runs op up to maxAttempts times with exponential backoff between
// failures. It returns the attempt count alongside the final error.
func WithRetry(ctx context.Context, maxAttempts int, base time.Duration, op func() error) (int, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = op(); err == nil {
			return attempt, nil
		}

		if attempt == maxAttempts {
			return attempt, err
		}

		delay := base << (attempt - 1)
		select {
		case <-ctx.Done():
			return attempt, ctx.Err()
		case <-time.After(delay):
		}
	}

	return maxAttempts, err
}
