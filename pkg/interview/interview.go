package interview

import (
	"strings"
	"time"
)

// Channel identifies the delivery surface a conversation is bound to.
type Channel string

const (
	ChannelWebchat  Channel = "webchat"
	ChannelTelegram Channel = "telegram"
)

// Status is the conversation lifecycle state.
//
// Transitions are monotonic: ACTIVE may move to COMPLETED or CANCELLED,
// terminal states never move again.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether a status accepts no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransitionTo reports whether moving from s to next respects the
// monotonic lifecycle ordering.
func (s Status) CanTransitionTo(next Status) bool {
	return s == StatusActive && next.Terminal()
}

// Role identifies who authored a message.
type Role string

const (
	RoleCandidate Role = "CANDIDATE"
	RoleBot       Role = "BOT"
	RoleAdmin     Role = "ADMIN"
)

// ContentType distinguishes text turns from voice turns.
type ContentType string

const (
	ContentText  ContentType = "TEXT"
	ContentVoice ContentType = "VOICE"
)

// Conversation is one interview instance.
type Conversation struct {
	ID           string
	Channel      Channel
	CandidateRef string
	Status       Status
	MessageCount int
	Metadata     map[string]string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Message is one turn half within a conversation's append-only log.
//
// Transcript is the only field written after creation: voice messages are
// stored with a file reference and an empty transcript, filled in later by
// the transcription job without creating a new row.
type Message struct {
	ID             string
	ConversationID string
	Sender         Role
	ContentType    ContentType
	Content        string
	FileRef        string
	Transcript     string
	ExternalID     string
	Seq            int
	CreatedAt      time.Time
}

// Text returns the content used for prompts and scoring: the transcript for
// voice messages when available, the content otherwise.
func (m Message) Text() string {
	if m.ContentType == ContentVoice {
		return strings.TrimSpace(m.Transcript)
	}

	return strings.TrimSpace(m.Content)
}

// Session binds an externally issued access token to a conversation. The
// streaming web channel addresses a session by its opaque id plus the token;
// both must match for the session to resolve.
type Session struct {
	ID             string
	Token          string
	ConversationID string
	CandidateRef   string
	ExpiresAt      time.Time
	RevokedAt      *time.Time
	CreatedAt      time.Time
}

// Usable reports whether the session still resolves at the given instant.
func (s Session) Usable(now time.Time) bool {
	if s.RevokedAt != nil {
		return false
	}

	return now.Before(s.ExpiresAt)
}

// ChannelLogin is the per-workspace messaging-bot credential record.
//
// A login with a populated AuthError is unusable until re-authenticated, and
// a login marked InUse is exclusively owned by one adapter instance.
type ChannelLogin struct {
	WorkspaceID string
	Channel     Channel
	Phone       string
	UserInfo    map[string]string
	Active      bool
	InUse       bool
	AuthError   string
	AuthErrorAt *time.Time
	LastUsedAt  *time.Time
	UpdatedAt   time.Time
}

// Usable reports whether the login may authenticate new sessions.
func (l ChannelLogin) Usable() bool {
	return l.Active && l.AuthError == ""
}

// Pass labels record what triggered a scoring pass.
const (
	ScorePassCompletion    = "completion"
	ScorePassTranscription = "transcription"
	ScorePassManual        = "manual"
)

// ScoringResult is one scoring pass over a conversation snapshot.
type ScoringResult struct {
	ID             string
	ConversationID string
	Pass           string
	Score          int
	Detailed       DetailedScore
	Analysis       string
	CreatedAt      time.Time
}

// DetailedScore breaks the base score into transcript-feature dimensions.
// Each dimension ranges 0-100.
type DetailedScore struct {
	Completeness   int `json:"completeness"`
	Depth          int `json:"depth"`
	Responsiveness int `json:"responsiveness"`
	Coverage       int `json:"coverage"`
}

// Base folds the dimensions into the single 0-100 screening score.
func (d DetailedScore) Base() int {
	return (d.Completeness + d.Depth + d.Responsiveness + d.Coverage) / 4
}
