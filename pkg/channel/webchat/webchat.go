package webchat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/channel"
	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/interview"
)

const channelName = "webchat"

// Sessions resolves and binds web access tokens.
type Sessions interface {
	ResolveSession(ctx context.Context, sessionID, token string) (*interview.Session, error)
	BindSessionConversation(ctx context.Context, sessionID, conversationID string) error
}

// Conversations maps a resolved session to its conversation.
type Conversations interface {
	EnsureConversation(ctx context.Context, ch interview.Channel, candidateRef string) (*interview.Conversation, error)
}

// Adapter serves the streaming web channel: a token-authenticated HTTP
// endpoint that answers each candidate message with a Server-Sent Events
// stream of reply deltas.
type Adapter struct {
	sessions      Sessions
	conversations Conversations
	log           *slog.Logger

	mu      sync.RWMutex
	handler channel.TurnHandler
}

// turnRequest is the POST body for one web turn.
type turnRequest struct {
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
	Message   string `json:"message"`
}

func NewAdapter(sessions Sessions, conversations Conversations, log *slog.Logger) (*Adapter, error) {
	if sessions == nil || conversations == nil {
		return nil, errors.New("sessions and conversations dependencies are required")
	}
	if log == nil {
		log = slog.Default()
	}

	return &Adapter{
		sessions:      sessions,
		conversations: conversations,
		log:           log.With("component", "channel.webchat"),
	}, nil
}

// Name returns the channel identifier used in conversation rows and logs.
func (a *Adapter) Name() string {
	return channelName
}

// Capabilities reports webchat as a streaming, text-only surface.
func (a *Adapter) Capabilities() channel.Capabilities {
	return channel.Capabilities{Streaming: true, Voice: false}
}

// ResolveIdentity maps a "session_id:token" credential pair to its
// conversation, binding the session to a fresh conversation on first use.
// Unknown, expired and revoked credentials all fail identically.
func (a *Adapter) ResolveIdentity(ctx context.Context, token string) (channel.ConversationRef, error) {
	sessionID, secret, ok := strings.Cut(strings.TrimSpace(token), ":")
	if !ok {
		return channel.ConversationRef{}, interview.ErrSessionNotFound
	}

	session, err := a.sessions.ResolveSession(ctx, sessionID, secret)
	if err != nil {
		return channel.ConversationRef{}, err
	}

	conversationID := session.ConversationID
	if conversationID == "" {
		conv, err := a.conversations.EnsureConversation(ctx, interview.ChannelWebchat, session.CandidateRef)
		if err != nil {
			return channel.ConversationRef{}, err
		}
		if err := a.sessions.BindSessionConversation(ctx, session.ID, conv.ID); err != nil {
			return channel.ConversationRef{}, err
		}
		conversationID = conv.ID
	}

	return channel.ConversationRef{
		ConversationID: conversationID,
		CandidateRef:   session.CandidateRef,
	}, nil
}

// DeliverOutbound is a no-op for webchat: replies are only delivered inline
// on the SSE stream of the request that produced them.
func (a *Adapter) DeliverOutbound(ctx context.Context, ref channel.ConversationRef, msg interview.Message) (channel.DeliveryResult, error) {
	return channel.DeliveryResult{Delivered: false}, nil
}

// Run installs the turn handler and parks until ctx is done; the HTTP
// traffic itself arrives through HTTPHandler on the gateway's server.
func (a *Adapter) Run(ctx context.Context, handler channel.TurnHandler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	a.mu.Lock()
	a.handler = handler
	a.mu.Unlock()

	a.log.Info("Webchat channel started")
	<-ctx.Done()
	return nil
}

func (a *Adapter) currentHandler() channel.TurnHandler {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.handler
}

// HTTPHandler returns the endpoint serving web turns.
func (a *Adapter) HTTPHandler() http.Handler {
	return http.HandlerFunc(a.serveTurn)
}

// serveTurn handles one candidate message and streams the reply as SSE.
//
// Event order is fixed: one start event, zero or more delta events, then
// exactly one end or error event. A client disconnect cancels generation
// and no partial turn is committed.
func (a *Adapter) serveTurn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	handler := a.currentHandler()
	if handler == nil {
		http.Error(w, "channel not started", http.StatusServiceUnavailable)
		return
	}

	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	ref, err := a.ResolveIdentity(ctx, req.SessionID+":"+req.Token)
	if err != nil {
		if errors.Is(err, interview.ErrSessionNotFound) {
			http.Error(w, "session not found", http.StatusUnauthorized)
			return
		}
		a.log.Error("Failed to resolve web session", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	stream := &sseWriter{w: w, flusher: flusher}
	stream.event("start", map[string]string{"conversation_id": ref.ConversationID})

	inbound := interview.Message{
		Sender:      interview.RoleCandidate,
		ContentType: interview.ContentText,
		Content:     strings.TrimSpace(req.Message),
	}
	outbound, err := handler(ctx, ref.ConversationID, inbound, func(delta string) error {
		return stream.event("delta", map[string]string{"text": delta})
	})
	if err != nil {
		if ctx.Err() != nil {
			// Client went away; generation was cancelled and nothing was
			// committed. There is nobody left to send an error event to.
			a.log.Debug("Web turn cancelled by client", "conversation_id", ref.ConversationID)
			return
		}

		a.log.Error("Web turn failed", "conversation_id", ref.ConversationID, "error", err)
		stream.event("error", map[string]string{"message": publicError(err)})
		return
	}

	end := map[string]string{"message_id": outbound.ID, "text": outbound.Content}
	stream.event("end", end)
	a.log.Debug("Web turn completed", "conversation_id", ref.ConversationID, "message_id", outbound.ID)
}

// publicError maps internal failures to client-safe messages.
func publicError(err error) string {
	switch {
	case errors.Is(err, interview.ErrConversationClosed):
		return "interview is already closed"
	case errors.Is(err, interview.ErrTurnInProgress):
		return "another message is being processed"
	default:
		return "internal error"
	}
}

// sseWriter emits Server-Sent Events frames with JSON payloads.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseWriter) event(name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
