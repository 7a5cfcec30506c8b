package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/interview"
	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "gateway.db"), slog.Default())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	return &Service{
		store:         st,
		log:           slog.Default(),
		channelStates: make(map[string]channelState),
	}
}

func TestReadinessRequiresRunningChannelAndHealthyProvider(t *testing.T) {
	svc := newTestService(t)

	if svc.isReady() {
		t.Fatal("service with no running channels must not be ready")
	}

	svc.setChannelState("telegram", channelState{Running: true})
	if svc.isReady() {
		t.Fatal("service without a provider health pass must not be ready")
	}

	svc.mu.Lock()
	svc.providerLastOKAt = time.Now().UTC()
	svc.mu.Unlock()
	if !svc.isReady() {
		t.Fatal("expected ready")
	}

	svc.mu.Lock()
	svc.providerLastErr = "timeout"
	svc.mu.Unlock()
	if svc.isReady() {
		t.Fatal("provider error must flip readiness off")
	}

	svc.mu.Lock()
	svc.providerLastErr = ""
	svc.mu.Unlock()
	svc.setChannelState("telegram", channelState{Running: false, Error: "closed"})
	if svc.isReady() {
		t.Fatal("dead channels must flip readiness off")
	}
}

func TestGetConversationIncludesLatestScore(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	conv, _ := svc.store.CreateConversation(ctx, interview.ChannelWebchat, "cand-1")
	if _, err := svc.store.SaveScore(ctx, interview.ScoringResult{
		ConversationID: conv.ID, Pass: "pass", Score: 64,
		Detailed: interview.DetailedScore{Completeness: 64, Depth: 64, Responsiveness: 64, Coverage: 64},
		Analysis: "ок",
	}); err != nil {
		t.Fatalf("save score: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/conversations/"+conv.ID, nil)
	req.SetPathValue("id", conv.ID)
	rec := httptest.NewRecorder()
	svc.handleGetConversation(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", rec.Code, rec.Body.String())
	}

	var resp conversationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ID != conv.ID || resp.Status != "ACTIVE" {
		t.Fatalf("response = %+v", resp)
	}
	if resp.LatestScore == nil || resp.LatestScore.Score != 64 {
		t.Fatalf("latest score = %+v, want 64", resp.LatestScore)
	}
}

func TestGetConversationNotFound(t *testing.T) {
	svc := newTestService(t)

	req := httptest.NewRequest(http.MethodGet, "/api/conversations/none", nil)
	req.SetPathValue("id", "none")
	rec := httptest.NewRecorder()
	svc.handleGetConversation(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestGetMessagesReturnsLogInOrder(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	conv, _ := svc.store.CreateConversation(ctx, interview.ChannelWebchat, "cand-1")
	_, _, err := svc.store.AppendTurn(ctx, conv.ID,
		interview.Message{Sender: interview.RoleCandidate, ContentType: interview.ContentText, Content: "привет"},
		interview.Message{Sender: interview.RoleBot, ContentType: interview.ContentText, Content: "здравствуйте"})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/conversations/"+conv.ID+"/messages", nil)
	req.SetPathValue("id", conv.ID)
	rec := httptest.NewRecorder()
	svc.handleGetMessages(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		Messages []messageResponse `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(resp.Messages))
	}
	if resp.Messages[0].Sender != "CANDIDATE" || resp.Messages[1].Sender != "BOT" {
		t.Fatalf("order = %s,%s", resp.Messages[0].Sender, resp.Messages[1].Sender)
	}
	if resp.Messages[0].Seq != 1 || resp.Messages[1].Seq != 2 {
		t.Fatalf("seqs = %d,%d", resp.Messages[0].Seq, resp.Messages[1].Seq)
	}
}
