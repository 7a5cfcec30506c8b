package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/channel"
	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/engine"
	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/interview"
)

// HandlerStore is the persistence surface the job handlers use.
type HandlerStore interface {
	GetMessage(ctx context.Context, id string) (*interview.Message, error)
	UpdateTranscript(ctx context.Context, messageID, transcript string) error
	GetConversation(ctx context.Context, id string) (*interview.Conversation, error)
	GetChannelLogin(ctx context.Context, workspaceID string) (*interview.ChannelLogin, error)
	UpsertChannelLogin(ctx context.Context, login interview.ChannelLogin) error
	MarkLoginAuthError(ctx context.Context, workspaceID, authError string) error
	MarkLoginUsed(ctx context.Context, workspaceID string) error
	CreateSession(ctx context.Context, candidateRef string, ttl time.Duration) (*interview.Session, error)
}

// Transcriber converts a stored audio attachment into text.
type Transcriber interface {
	Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error)
}

// AudioFetcher downloads the audio behind a channel file reference.
type AudioFetcher interface {
	FetchAudio(ctx context.Context, fileID string) (filename string, audio io.ReadCloser, err error)
}

// Scorer runs a scoring pass over a conversation.
type Scorer interface {
	Score(ctx context.Context, conversationID, pass string) (*interview.ScoringResult, error)
}

// ScoreEnqueuer schedules follow-up job events, typically a re-scoring
// pass after a late transcription.
type ScoreEnqueuer interface {
	Enqueue(ctx context.Context, name string, payload any) (*interview.JobEvent, error)
}

// CredentialVerifier checks channel credentials against the external
// messaging platform.
type CredentialVerifier interface {
	VerifyCredentials(ctx context.Context, email, password string) error
	VerifyLogin(ctx context.Context, login interview.ChannelLogin) error
}

// Handlers wires the built-in job event handlers to their dependencies and
// registers them on a dispatcher.
type Handlers struct {
	Store       HandlerStore
	Engine      *engine.Engine
	Transcriber Transcriber
	Fetcher     AudioFetcher
	Scorer      Scorer
	Verifier    CredentialVerifier
	Jobs        ScoreEnqueuer

	// Deliverers routes generated replies back out by channel.
	Deliverers map[interview.Channel]channel.Adapter

	InviteTTL time.Duration
	Log       *slog.Logger
}

// RegisterAll binds every built-in event handler.
func (h *Handlers) RegisterAll(d *Dispatcher) {
	if h.Log == nil {
		h.Log = slog.Default()
	}
	h.Log = h.Log.With("component", "jobs.handlers")

	d.Register(EventVoiceTranscribe, h.HandleVoiceTranscribe)
	d.Register(EventInterviewScore, h.HandleInterviewScore)
	d.Register(EventIntegrationVerify, h.HandleIntegrationVerify)
	d.Register(EventCredentialsVerify, h.HandleCredentialsVerify)
	d.Register(EventInvitationGenerate, h.HandleInvitationGenerate)
}

// HandleVoiceTranscribe downloads and transcribes a voice message, writes
// the transcript back onto the existing message row and lets the engine
// answer the now-readable turn. Redelivery after a completed transcription
// is a no-op.
func (h *Handlers) HandleVoiceTranscribe(ctx context.Context, payload json.RawMessage) error {
	var p VoiceTranscribePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	msg, err := h.Store.GetMessage(ctx, p.MessageID)
	if err != nil {
		if errors.Is(err, interview.ErrMessageNotFound) {
			h.Log.Debug("voice message gone, dropping transcription", "message_id", p.MessageID)
			return nil
		}
		return err
	}
	if strings.TrimSpace(msg.Transcript) == "" {
		filename, audio, err := h.Fetcher.FetchAudio(ctx, p.FileID)
		if err != nil {
			return fmt.Errorf("fetch audio %s: %w", p.FileID, err)
		}

		transcript, err := h.Transcriber.Transcribe(ctx, filename, audio)
		audio.Close()
		if err != nil {
			return fmt.Errorf("transcribe %s: %w", p.FileID, err)
		}

		if err := h.Store.UpdateTranscript(ctx, msg.ID, transcript); err != nil {
			return err
		}
		h.Log.Info("voice message transcribed",
			"message_id", msg.ID, "conversation_id", msg.ConversationID, "chars", len(transcript))

		// Late transcript changes the scored features, so take a fresh pass.
		if h.Jobs != nil {
			payload := InterviewScorePayload{
				ConversationID: msg.ConversationID,
				Trigger:        interview.ScorePassTranscription,
			}
			if _, err := h.Jobs.Enqueue(ctx, EventInterviewScore, payload); err != nil {
				h.Log.Warn("enqueue rescoring pass failed",
					"conversation_id", msg.ConversationID, "error", err)
			}
		}
	}

	result, err := h.Engine.RespondToLatest(ctx, msg.ConversationID)
	if err != nil {
		if errors.Is(err, interview.ErrConversationClosed) {
			return nil
		}
		return err
	}
	if result == nil {
		return nil
	}

	return h.deliver(ctx, msg.ConversationID, *result.Outbound)
}

// HandleInterviewScore runs a scoring pass over a conversation snapshot.
// Redelivery produces an additional identical pass, never a conflict.
func (h *Handlers) HandleInterviewScore(ctx context.Context, payload json.RawMessage) error {
	var p InterviewScorePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	_, err := h.Scorer.Score(ctx, p.ConversationID, p.Trigger)
	return err
}

// HandleIntegrationVerify re-checks a workspace's channel login against the
// platform and records the outcome on the login row.
func (h *Handlers) HandleIntegrationVerify(ctx context.Context, payload json.RawMessage) error {
	var p IntegrationVerifyPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	login, err := h.Store.GetChannelLogin(ctx, p.WorkspaceID)
	if err != nil {
		return err
	}

	if err := h.Verifier.VerifyLogin(ctx, *login); err != nil {
		h.Log.Warn("integration verification failed",
			"workspace_id", p.WorkspaceID, "integration_id", p.IntegrationID, "error", err)
		return h.Store.MarkLoginAuthError(ctx, p.WorkspaceID, err.Error())
	}

	return h.Store.MarkLoginUsed(ctx, p.WorkspaceID)
}

// HandleCredentialsVerify checks submitted channel credentials and records
// the login for the workspace when they pass.
func (h *Handlers) HandleCredentialsVerify(ctx context.Context, payload json.RawMessage) error {
	var p CredentialsVerifyPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	if err := h.Verifier.VerifyCredentials(ctx, p.Email, p.Password); err != nil {
		h.Log.Warn("credentials verification failed", "workspace_id", p.WorkspaceID, "error", err)
		return h.Store.MarkLoginAuthError(ctx, p.WorkspaceID, err.Error())
	}

	return h.Store.UpsertChannelLogin(ctx, interview.ChannelLogin{
		WorkspaceID: p.WorkspaceID,
		Channel:     interview.ChannelTelegram,
		UserInfo:    map[string]string{"email": p.Email},
		Active:      true,
	})
}

// HandleInvitationGenerate issues a web session token for a candidate
// response so an interview invitation link can be sent out.
func (h *Handlers) HandleInvitationGenerate(ctx context.Context, payload json.RawMessage) error {
	var p InvitationGeneratePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	ttl := h.InviteTTL
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}

	session, err := h.Store.CreateSession(ctx, p.ResponseID, ttl)
	if err != nil {
		return err
	}

	h.Log.Info("interview invitation generated",
		"response_id", p.ResponseID, "session_id", session.ID, "expires_at", session.ExpiresAt)
	return nil
}

func (h *Handlers) deliver(ctx context.Context, conversationID string, msg interview.Message) error {
	conv, err := h.Store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}

	adapter, ok := h.Deliverers[conv.Channel]
	if !ok {
		h.Log.Debug("no deliverer for channel, reply stays in log", "channel", conv.Channel)
		return nil
	}

	ref := channel.ConversationRef{
		ConversationID: conv.ID,
		CandidateRef:   conv.CandidateRef,
		ChatID:         conv.CandidateRef,
	}
	result, err := adapter.DeliverOutbound(ctx, ref, msg)
	if err != nil {
		return fmt.Errorf("deliver reply on %s: %w", conv.Channel, err)
	}

	h.Log.Debug("reply delivered", "conversation_id", conv.ID, "attempts", result.Attempts)
	return nil
}
