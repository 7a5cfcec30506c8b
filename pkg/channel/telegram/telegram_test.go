package telegram

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mymmrac/telego"

	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/config"
	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/interview"
)

type fakeConversations struct {
	conversations map[string]*interview.Conversation
	recorded      []interview.Message
}

func (f *fakeConversations) EnsureConversation(_ context.Context, ch interview.Channel, candidateRef string) (*interview.Conversation, error) {
	if f.conversations == nil {
		f.conversations = make(map[string]*interview.Conversation)
	}
	if conv, ok := f.conversations[candidateRef]; ok {
		return conv, nil
	}

	conv := &interview.Conversation{ID: "conv-" + candidateRef, Channel: ch, CandidateRef: candidateRef, Status: interview.StatusActive}
	f.conversations[candidateRef] = conv
	return conv, nil
}

func (f *fakeConversations) RecordInbound(_ context.Context, conversationID string, msg interview.Message) (*interview.Message, error) {
	msg.ID = "msg-1"
	msg.ConversationID = conversationID
	f.recorded = append(f.recorded, msg)
	return &msg, nil
}

func newTestTelegramAdapter(t *testing.T) (*Adapter, *fakeConversations) {
	t.Helper()

	conversations := &fakeConversations{}
	adapter, err := NewAdapter(config.TelegramConfig{Token: "123:abc"}, conversations, nil, nil, slog.Default())
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return adapter, conversations
}

func TestNewAdapterRequiresToken(t *testing.T) {
	_, err := NewAdapter(config.TelegramConfig{}, &fakeConversations{}, nil, nil, slog.Default())
	if err == nil {
		t.Fatal("expected error for missing token")
	}
}

func TestResolveIdentityReusesConversation(t *testing.T) {
	adapter, _ := newTestTelegramAdapter(t)
	ctx := context.Background()

	first, err := adapter.ResolveIdentity(ctx, "42")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if first.ChatID != "42" || first.ConversationID == "" {
		t.Fatalf("ref = %+v", first)
	}

	second, err := adapter.ResolveIdentity(ctx, " 42 ")
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if second.ConversationID != first.ConversationID {
		t.Fatalf("chat 42 mapped to two conversations: %s vs %s", first.ConversationID, second.ConversationID)
	}

	if _, err := adapter.ResolveIdentity(ctx, "  "); !errors.Is(err, interview.ErrSessionNotFound) {
		t.Fatalf("blank token error = %v, want ErrSessionNotFound", err)
	}
}

func TestAllowFromSet(t *testing.T) {
	allowed := allowFromSet([]string{" 123 ", "", "456", "123"})
	if len(allowed) != 2 {
		t.Fatalf("allowFromSet len = %d, want 2", len(allowed))
	}
	if _, ok := allowed["123"]; !ok {
		t.Fatal("allowFromSet missing 123")
	}
	if _, ok := allowed["456"]; !ok {
		t.Fatal("allowFromSet missing 456")
	}
}

func TestSenderAllowed(t *testing.T) {
	adapter := &Adapter{allowFrom: map[string]struct{}{"1": {}}}
	if !adapter.senderAllowed("1") {
		t.Fatal("expected sender 1 to be allowed")
	}
	if adapter.senderAllowed("2") {
		t.Fatal("expected sender 2 to be denied")
	}

	adapter.allowFrom = nil
	if !adapter.senderAllowed("any") {
		t.Fatal("expected sender to be allowed when allowlist empty")
	}
}

func TestPreviewText(t *testing.T) {
	short := " hello "
	if got := previewText(short); got != "hello" {
		t.Fatalf("previewText short = %q, want %q", got, "hello")
	}

	long := strings.Repeat("a", messagePreviewLimit+20)
	got := previewText(long)
	if len(got) != messagePreviewLimit+3 {
		t.Fatalf("previewText long len = %d, want %d", len(got), messagePreviewLimit+3)
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("previewText long = %q, want ellipsis suffix", got)
	}
}

func TestVerifierRejectsMalformedCredentials(t *testing.T) {
	verifier := NewVerifier(config.TelegramConfig{Token: "123:abc"})
	ctx := context.Background()

	if err := verifier.VerifyCredentials(ctx, "not-an-email", "secret"); err == nil {
		t.Fatal("expected invalid email to fail before any network call")
	}
	if err := verifier.VerifyCredentials(ctx, "a@b.example", "  "); err == nil {
		t.Fatal("expected blank password to fail before any network call")
	}
}

func TestVerifierRejectsInactiveLogin(t *testing.T) {
	verifier := NewVerifier(config.TelegramConfig{Token: "123:abc"})

	err := verifier.VerifyLogin(context.Background(), interview.ChannelLogin{WorkspaceID: "ws-1", Active: false})
	if err == nil {
		t.Fatal("expected inactive login to fail")
	}
}

func TestChatRouterRunsChatsInParallelKeepingPerChatOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	handled := make(map[int64][]string)
	slowRelease := make(chan struct{})
	fastDone := make(chan struct{})

	router := newChatRouter(func(u telego.Update) {
		chatID := u.Message.Chat.ID
		if chatID == 1 && u.Message.Text == "slow" {
			<-slowRelease
		}
		mu.Lock()
		handled[chatID] = append(handled[chatID], u.Message.Text)
		mu.Unlock()
		if chatID == 2 {
			close(fastDone)
		}
	})

	upd := func(chat int64, text string) telego.Update {
		return telego.Update{Message: &telego.Message{Chat: telego.Chat{ID: chat}, Text: text}}
	}

	router.dispatch(ctx, upd(1, "slow"))
	router.dispatch(ctx, upd(1, "second"))
	router.dispatch(ctx, upd(2, "other"))

	// Chat 2 must not wait for chat 1's in-flight turn.
	select {
	case <-fastDone:
	case <-time.After(2 * time.Second):
		t.Fatal("update for chat 2 was blocked behind chat 1")
	}

	close(slowRelease)
	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(handled[1])
		mu.Unlock()
		if n == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("chat 1 updates did not finish")
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if got := handled[1]; got[0] != "slow" || got[1] != "second" {
		t.Fatalf("chat 1 order = %v, want [slow second]", got)
	}
}
