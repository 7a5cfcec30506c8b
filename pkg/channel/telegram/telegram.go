package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/channel"
	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/config"
	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/interview"
	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/jobs"
)

const channelName = "telegram"
const messagePreviewLimit = 240
const typingRefreshInterval = 4 * time.Second

const voiceAckText = "Получил голосовое сообщение, расшифровываю..."

const (
	deliveryMaxAttempts = 3
	deliveryBackoffBase = 500 * time.Millisecond
)

// Conversations is the engine surface the adapter needs: mapping a chat to
// its conversation and recording voice turns that get answered later.
type Conversations interface {
	EnsureConversation(ctx context.Context, ch interview.Channel, candidateRef string) (*interview.Conversation, error)
	RecordInbound(ctx context.Context, conversationID string, msg interview.Message) (*interview.Message, error)
}

// Enqueuer submits job events, used for voice transcription.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload any) (*interview.JobEvent, error)
}

// Logins manages the exclusive per-workspace bot credential claim.
type Logins interface {
	ClaimChannelLogin(ctx context.Context, workspaceID string) error
	ReleaseChannelLogin(ctx context.Context, workspaceID string) error
	MarkLoginAuthError(ctx context.Context, workspaceID, authError string) error
	MarkLoginUsed(ctx context.Context, workspaceID string) error
}

// Adapter bridges Telegram updates into interview conversations.
type Adapter struct {
	cfg           config.TelegramConfig
	conversations Conversations
	enqueuer      Enqueuer
	logins        Logins
	allowFrom     map[string]struct{}
	httpClient    *http.Client
	log           *slog.Logger

	bot *telego.Bot
}

// NewAdapter validates Telegram configuration and constructs an adapter instance.
func NewAdapter(cfg config.TelegramConfig, conversations Conversations, enqueuer Enqueuer, logins Logins, log *slog.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("channels.telegram.token is required")
	}
	if conversations == nil {
		return nil, errors.New("conversations dependency is required")
	}

	if log == nil {
		log = slog.Default()
	}

	return &Adapter{
		cfg:           cfg,
		conversations: conversations,
		enqueuer:      enqueuer,
		logins:        logins,
		allowFrom:     allowFromSet(cfg.AllowFrom),
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		log:           log.With("component", "channel.telegram"),
	}, nil
}

// Name returns the channel identifier used in conversation rows and logs.
func (a *Adapter) Name() string {
	return channelName
}

// Capabilities reports Telegram as a non-streaming, voice-capable surface.
func (a *Adapter) Capabilities() channel.Capabilities {
	return channel.Capabilities{Streaming: false, Voice: true}
}

// ResolveIdentity maps a chat id to its active conversation, creating one
// for a first contact.
func (a *Adapter) ResolveIdentity(ctx context.Context, token string) (channel.ConversationRef, error) {
	chatID := strings.TrimSpace(token)
	if chatID == "" {
		return channel.ConversationRef{}, interview.ErrSessionNotFound
	}

	conv, err := a.conversations.EnsureConversation(ctx, interview.ChannelTelegram, chatID)
	if err != nil {
		return channel.ConversationRef{}, err
	}

	return channel.ConversationRef{
		ConversationID: conv.ID,
		CandidateRef:   chatID,
		ChatID:         chatID,
	}, nil
}

// DeliverOutbound sends an already-persisted message to the chat with
// bounded retries. Exhausted retries report the failure but the message
// stays committed in the conversation log.
func (a *Adapter) DeliverOutbound(ctx context.Context, ref channel.ConversationRef, msg interview.Message) (channel.DeliveryResult, error) {
	if a.bot == nil {
		return channel.DeliveryResult{}, errors.New("telegram adapter is not running")
	}

	chatID, err := strconv.ParseInt(strings.TrimSpace(ref.ChatID), 10, 64)
	if err != nil {
		return channel.DeliveryResult{}, fmt.Errorf("invalid chat id %q: %w", ref.ChatID, err)
	}

	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return channel.DeliveryResult{Delivered: true}, nil
	}

	var sent *telego.Message
	attempts, err := channel.WithRetry(ctx, deliveryMaxAttempts, deliveryBackoffBase, func() error {
		var sendErr error
		sent, sendErr = a.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text))
		return sendErr
	})
	if err != nil {
		a.log.Error("Failed to deliver telegram message",
			"chat_id", ref.ChatID, "attempts", attempts, "error", err)
		return channel.DeliveryResult{Attempts: attempts}, err
	}

	result := channel.DeliveryResult{Delivered: true, Attempts: attempts}
	if sent != nil {
		result.ExternalID = strconv.Itoa(sent.MessageID)
	}
	return result, nil
}

// Run claims the workspace bot login, starts long polling and forwards
// updates through the turn handler until ctx is done.
func (a *Adapter) Run(ctx context.Context, handler channel.TurnHandler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	if err := a.claimLogin(ctx); err != nil {
		return err
	}
	defer a.releaseLogin()

	bot, err := telego.NewBot(strings.TrimSpace(a.cfg.Token))
	if err != nil {
		a.markAuthError(ctx, err)
		return fmt.Errorf("initialize telegram bot: %w", err)
	}
	a.bot = bot

	updates, err := bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		a.markAuthError(ctx, err)
		return fmt.Errorf("start long polling: %w", err)
	}

	a.markLoginUsed(ctx)
	a.log.Info("Telegram channel started")

	router := newChatRouter(func(update telego.Update) {
		a.handleUpdate(ctx, update, handler)
	})
	routerCtx, stopRouter := context.WithCancel(ctx)
	defer router.wait()
	defer stopRouter()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil
				}
				return errors.New("telegram updates channel closed")
			}

			router.dispatch(routerCtx, update)
		}
	}
}

const chatQueueDepth = 16

// chatRouter fans updates out to one worker per chat, so a slow turn in one
// conversation does not stall the others. Updates for the same chat keep
// their arrival order.
type chatRouter struct {
	handle func(telego.Update)

	mu     sync.Mutex
	queues map[int64]chan telego.Update
	wg     sync.WaitGroup
}

func newChatRouter(handle func(telego.Update)) *chatRouter {
	return &chatRouter{handle: handle, queues: make(map[int64]chan telego.Update)}
}

// dispatch hands the update to its chat's worker, spawning one on first
// contact. Blocks only when that single chat's queue is full.
func (r *chatRouter) dispatch(ctx context.Context, update telego.Update) {
	var chatID int64
	if update.Message != nil {
		chatID = update.Message.Chat.ID
	}

	r.mu.Lock()
	queue, ok := r.queues[chatID]
	if !ok {
		queue = make(chan telego.Update, chatQueueDepth)
		r.queues[chatID] = queue
		r.wg.Add(1)
		go r.runWorker(ctx, queue)
	}
	r.mu.Unlock()

	select {
	case <-ctx.Done():
	case queue <- update:
	}
}

func (r *chatRouter) runWorker(ctx context.Context, queue chan telego.Update) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case update := <-queue:
			r.handle(update)
		}
	}
}

func (r *chatRouter) wait() {
	r.wg.Wait()
}

func (a *Adapter) handleUpdate(ctx context.Context, update telego.Update, handler channel.TurnHandler) {
	message := update.Message
	if message == nil {
		return
	}
	if message.From == nil {
		a.log.Debug("Ignoring message without sender")
		return
	}

	senderID := strconv.FormatInt(message.From.ID, 10)
	if !a.senderAllowed(senderID) {
		a.log.Debug("Ignoring message from unauthorized sender", "sender_id", senderID)
		return
	}

	chatID := strconv.FormatInt(message.Chat.ID, 10)
	ref, err := a.ResolveIdentity(ctx, chatID)
	if err != nil {
		a.log.Error("Failed to resolve conversation for chat", "chat_id", chatID, "error", err)
		return
	}

	if message.Voice != nil {
		a.handleVoice(ctx, ref, message)
		return
	}

	content := strings.TrimSpace(message.Text)
	if content == "" {
		// Other update kinds (stickers, photos) are not interview answers.
		return
	}

	a.log.Info("Received message",
		"chat_id", chatID, "conversation_id", ref.ConversationID, "content", previewText(content))

	stopTyping := a.startTypingIndicator(ctx, message.Chat.ID)

	inbound := interview.Message{
		Sender:      interview.RoleCandidate,
		ContentType: interview.ContentText,
		Content:     content,
		ExternalID:  strconv.Itoa(message.MessageID),
	}
	outbound, err := handler(ctx, ref.ConversationID, inbound, nil)
	stopTyping()
	if err != nil {
		a.log.Error("Failed to process inbound message", "conversation_id", ref.ConversationID, "error", err)
		if errors.Is(err, interview.ErrConversationClosed) {
			a.sendText(ctx, message.Chat.ID, "Это интервью уже завершено. Спасибо за уделённое время!")
		}
		return
	}
	if outbound == nil {
		return
	}

	if _, err := a.DeliverOutbound(ctx, ref, *outbound); err != nil {
		a.log.Error("Failed to send reply", "conversation_id", ref.ConversationID, "error", err)
	}
}

// handleVoice records the voice answer with its file reference, queues
// transcription and acknowledges receipt. The substantive reply arrives once
// the transcription job finishes.
func (a *Adapter) handleVoice(ctx context.Context, ref channel.ConversationRef, message *telego.Message) {
	voice := message.Voice
	a.log.Info("Received voice message",
		"conversation_id", ref.ConversationID, "file_id", voice.FileID, "duration_s", voice.Duration)

	stored, err := a.conversations.RecordInbound(ctx, ref.ConversationID, interview.Message{
		Sender:      interview.RoleCandidate,
		ContentType: interview.ContentVoice,
		FileRef:     voice.FileID,
		ExternalID:  strconv.Itoa(message.MessageID),
	})
	if err != nil {
		a.log.Error("Failed to record voice message", "conversation_id", ref.ConversationID, "error", err)
		return
	}

	if a.enqueuer != nil {
		_, err := a.enqueuer.Enqueue(ctx, jobs.EventVoiceTranscribe, jobs.VoiceTranscribePayload{
			MessageID: stored.ID,
			FileID:    voice.FileID,
		})
		if err != nil {
			a.log.Error("Failed to enqueue transcription", "message_id", stored.ID, "error", err)
			return
		}
	}

	a.sendText(ctx, message.Chat.ID, voiceAckText)
}

// FetchAudio downloads the audio behind a Telegram file id. Used by the
// transcription job handler.
func (a *Adapter) FetchAudio(ctx context.Context, fileID string) (string, io.ReadCloser, error) {
	if a.bot == nil {
		return "", nil, errors.New("telegram adapter is not running")
	}

	file, err := a.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return "", nil, fmt.Errorf("resolve telegram file %s: %w", fileID, err)
	}

	url := a.bot.FileDownloadURL(file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, err
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("download telegram file %s: %w", fileID, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return "", nil, fmt.Errorf("download telegram file %s: status %d", fileID, resp.StatusCode)
	}

	filename := path.Base(file.FilePath)
	if filename == "" || filename == "." {
		filename = fileID + ".oga"
	}
	return filename, resp.Body, nil
}

func (a *Adapter) sendText(ctx context.Context, chatID int64, text string) {
	if _, err := a.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text)); err != nil {
		a.log.Error("Failed to send telegram message", "chat_id", chatID, "error", err)
	}
}

func (a *Adapter) claimLogin(ctx context.Context) error {
	if a.logins == nil || a.cfg.WorkspaceID == "" {
		return nil
	}

	if err := a.logins.ClaimChannelLogin(ctx, a.cfg.WorkspaceID); err != nil {
		return fmt.Errorf("claim channel login for workspace %s: %w", a.cfg.WorkspaceID, err)
	}
	return nil
}

func (a *Adapter) releaseLogin() {
	if a.logins == nil || a.cfg.WorkspaceID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.logins.ReleaseChannelLogin(ctx, a.cfg.WorkspaceID); err != nil {
		a.log.Error("Failed to release channel login", "workspace_id", a.cfg.WorkspaceID, "error", err)
	}
}

func (a *Adapter) markAuthError(ctx context.Context, cause error) {
	if a.logins == nil || a.cfg.WorkspaceID == "" {
		return
	}

	if err := a.logins.MarkLoginAuthError(ctx, a.cfg.WorkspaceID, cause.Error()); err != nil {
		a.log.Error("Failed to record auth error", "workspace_id", a.cfg.WorkspaceID, "error", err)
	}
}

func (a *Adapter) markLoginUsed(ctx context.Context) {
	if a.logins == nil || a.cfg.WorkspaceID == "" {
		return
	}

	if err := a.logins.MarkLoginUsed(ctx, a.cfg.WorkspaceID); err != nil {
		a.log.Error("Failed to mark login used", "workspace_id", a.cfg.WorkspaceID, "error", err)
	}
}

// senderAllowed checks whether a sender is permitted by allow_from config.
//
// When no allow list is configured, all senders are accepted.
func (a *Adapter) senderAllowed(senderID string) bool {
	if len(a.allowFrom) == 0 {
		return true
	}

	_, ok := a.allowFrom[strings.TrimSpace(senderID)]
	return ok
}

// allowFromSet normalizes allow_from values into a lookup set.
func allowFromSet(allowFrom []string) map[string]struct{} {
	if len(allowFrom) == 0 {
		return nil
	}

	allowed := make(map[string]struct{}, len(allowFrom))
	for _, value := range allowFrom {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		allowed[trimmed] = struct{}{}
	}

	if len(allowed) == 0 {
		return nil
	}

	return allowed
}

// previewText returns a bounded log-safe preview of message text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= messagePreviewLimit {
		return trimmed
	}

	return trimmed[:messagePreviewLimit] + "..."
}

// startTypingIndicator sends an initial typing action and refreshes it
// periodically until the returned cancel function is called.
func (a *Adapter) startTypingIndicator(ctx context.Context, chatID int64) context.CancelFunc {
	typingCtx, cancel := context.WithCancel(ctx)

	sendTyping := func() {
		if err := a.bot.SendChatAction(typingCtx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping)); err != nil && typingCtx.Err() == nil {
			a.log.Debug("Failed to send typing indicator", "chat_id", chatID, "error", err)
		}
	}

	sendTyping()

	go func() {
		ticker := time.NewTicker(typingRefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-typingCtx.Done():
				return
			case <-ticker.C:
				sendTyping()
			}
		}
	}()

	return cancel
}
