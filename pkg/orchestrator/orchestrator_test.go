package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/interview"
	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/provider"
)

type fakeClient struct {
	replies  []string
	errs     []error
	requests []provider.CompletionRequest
	call     int
}

func (f *fakeClient) next(req provider.CompletionRequest) (string, error) {
	f.requests = append(f.requests, req)
	i := f.call
	f.call++
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if i < len(f.replies) {
		return f.replies[i], nil
	}
	return "", errors.New("no scripted reply")
}

func (f *fakeClient) Complete(_ context.Context, req provider.CompletionRequest) (string, error) {
	return f.next(req)
}

func (f *fakeClient) Stream(_ context.Context, req provider.CompletionRequest, emit func(string) error) (string, error) {
	f.requests = append(f.requests, req)
	i := f.call
	f.call++

	reply := ""
	if i < len(f.replies) {
		reply = f.replies[i]
	}

	// Feed the reply in small chunks like a live token stream.
	for at := 0; at < len(reply); at += 3 {
		end := at + 3
		if end > len(reply) {
			end = len(reply)
		}
		if err := emit(reply[at:end]); err != nil {
			return "", err
		}
	}

	// A scripted error after the chunks models a stream that cut out.
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	return reply, nil
}

func testConv() *interview.Conversation {
	return &interview.Conversation{ID: "conv-1", Status: interview.StatusActive}
}

func msg(role interview.Role, text string) interview.Message {
	return interview.Message{Sender: role, ContentType: interview.ContentText, Content: text}
}

func TestGenerateTurnPlainReply(t *testing.T) {
	client := &fakeClient{replies: []string{"Расскажите о вашем опыте."}}
	orch := New(client, Options{SystemPrompt: "interviewer"}, slog.Default())

	turn, err := orch.GenerateTurn(context.Background(), testConv(), nil, msg(interview.RoleCandidate, "Здравствуйте"), nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if turn.Reply != "Расскажите о вашем опыте." {
		t.Fatalf("reply = %q", turn.Reply)
	}
	if turn.Completed || turn.Fallback {
		t.Fatalf("turn flags = %+v, want plain reply", turn)
	}

	req := client.requests[0]
	if req.System != "interviewer" {
		t.Fatalf("system = %q", req.System)
	}
	if len(req.Turns) != 1 || req.Turns[0].Role != "user" {
		t.Fatalf("turns = %+v", req.Turns)
	}
}

func TestCompletionMarkerIsStrippedAndSignalled(t *testing.T) {
	client := &fakeClient{replies: []string{"Спасибо за интервью! " + completionMarker}}
	orch := New(client, Options{}, slog.Default())

	turn, err := orch.GenerateTurn(context.Background(), testConv(), nil, msg(interview.RoleCandidate, "готово"), nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !turn.Completed {
		t.Fatal("expected completion signal")
	}
	if strings.Contains(turn.Reply, completionMarker) {
		t.Fatalf("marker leaked into reply: %q", turn.Reply)
	}
	if turn.Reply != "Спасибо за интервью!" {
		t.Fatalf("reply = %q", turn.Reply)
	}
}

func TestStreamingNeverEmitsMarker(t *testing.T) {
	client := &fakeClient{replies: []string{"Всего доброго! " + completionMarker}}
	orch := New(client, Options{}, slog.Default())

	var streamed strings.Builder
	turn, err := orch.GenerateTurn(context.Background(), testConv(), nil, msg(interview.RoleCandidate, "пока"), func(delta string) error {
		streamed.WriteString(delta)
		return nil
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !turn.Completed {
		t.Fatal("expected completion signal")
	}
	if strings.Contains(streamed.String(), completionMarker) {
		t.Fatalf("marker leaked into stream: %q", streamed.String())
	}
	if streamed.String() != turn.Reply {
		t.Fatalf("stream %q != reply %q", streamed.String(), turn.Reply)
	}
}

func TestMarkerInsideReplyNeverReachesStream(t *testing.T) {
	reply := "Спасибо за ответы! " + completionMarker + " Мы свяжемся с вами после проверки результатов, хорошего дня."
	client := &fakeClient{replies: []string{reply}}
	orch := New(client, Options{}, slog.Default())

	var streamed strings.Builder
	turn, err := orch.GenerateTurn(context.Background(), testConv(), nil, msg(interview.RoleCandidate, "всё"), func(delta string) error {
		streamed.WriteString(delta)
		return nil
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !turn.Completed {
		t.Fatal("expected completion signal")
	}
	if strings.Contains(streamed.String(), "[") {
		t.Fatalf("marker leaked into stream: %q", streamed.String())
	}
	if streamed.String() != turn.Reply {
		t.Fatalf("stream %q != reply %q", streamed.String(), turn.Reply)
	}
}

func TestRetryDoesNotRepeatDeliveredPrefix(t *testing.T) {
	client := &fakeClient{
		replies: []string{"Полный ответ без повторов.", "Полный ответ без повторов."},
		errs:    []error{errors.New("stream cut"), nil},
	}
	orch := New(client, Options{RetryBase: time.Millisecond}, slog.Default())

	var streamed strings.Builder
	turn, err := orch.GenerateTurn(context.Background(), testConv(), nil, msg(interview.RoleCandidate, "вопрос"), func(delta string) error {
		streamed.WriteString(delta)
		return nil
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if streamed.String() != turn.Reply {
		t.Fatalf("stream %q != reply %q", streamed.String(), turn.Reply)
	}
	if client.call != 2 {
		t.Fatalf("calls = %d, want 2", client.call)
	}
}

func TestExhaustedRetriesFallBack(t *testing.T) {
	boom := errors.New("provider down")
	client := &fakeClient{errs: []error{boom, boom}}
	orch := New(client, Options{MaxRetries: 2, RetryBase: time.Millisecond, FallbackReply: "Секундочку, продолжим чуть позже."}, slog.Default())

	turn, err := orch.GenerateTurn(context.Background(), testConv(), nil, msg(interview.RoleCandidate, "вопрос"), nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !turn.Fallback {
		t.Fatal("expected fallback turn")
	}
	if turn.Reply != "Секундочку, продолжим чуть позже." {
		t.Fatalf("reply = %q", turn.Reply)
	}
}

func TestCancellationIsNotRetried(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := &fakeClient{errs: []error{context.Canceled}}
	orch := New(client, Options{RetryBase: time.Millisecond}, slog.Default())

	_, err := orch.GenerateTurn(ctx, testConv(), nil, msg(interview.RoleCandidate, "вопрос"), nil)
	if err == nil {
		t.Fatal("expected error on cancelled context")
	}
	if client.call > 1 {
		t.Fatalf("calls = %d, want at most 1", client.call)
	}
}

func TestScoreLookupToolInjectsScore(t *testing.T) {
	client := &fakeClient{replies: []string{scoreMarker, "Ваш текущий балл 72 из 100."}}
	orch := New(client, Options{
		ScoreLookup: func(context.Context, string) (string, error) {
			return "72/100", nil
		},
	}, slog.Default())

	turn, err := orch.GenerateTurn(context.Background(), testConv(), nil, msg(interview.RoleCandidate, "какой у меня балл?"), nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if turn.Reply != "Ваш текущий балл 72 из 100." {
		t.Fatalf("reply = %q", turn.Reply)
	}
	if len(client.requests) != 2 {
		t.Fatalf("requests = %d, want 2", len(client.requests))
	}
	if !strings.Contains(client.requests[1].System, "72/100") {
		t.Fatalf("second request system = %q, want injected score", client.requests[1].System)
	}
}

func TestWindowDropsOldestWholeMessages(t *testing.T) {
	client := &fakeClient{replies: []string{"ok"}}
	orch := New(client, Options{WindowBytes: 40}, slog.Default())

	history := []interview.Message{
		msg(interview.RoleBot, strings.Repeat("a", 30)),
		msg(interview.RoleCandidate, strings.Repeat("b", 20)),
		msg(interview.RoleBot, strings.Repeat("c", 10)),
	}
	inbound := msg(interview.RoleCandidate, strings.Repeat("d", 10))

	if _, err := orch.GenerateTurn(context.Background(), testConv(), history, inbound, nil); err != nil {
		t.Fatalf("generate: %v", err)
	}

	turns := client.requests[0].Turns
	if len(turns) != 2 {
		t.Fatalf("turns = %d, want 2 (oldest dropped whole)", len(turns))
	}
	if turns[0].Content != strings.Repeat("c", 10) {
		t.Fatalf("first kept turn = %q", turns[0].Content)
	}
	if turns[len(turns)-1].Content != strings.Repeat("d", 10) {
		t.Fatal("inbound message must always survive truncation")
	}
}

func TestVoiceWithoutTranscriptUsesPlaceholder(t *testing.T) {
	client := &fakeClient{replies: []string{"ok"}}
	orch := New(client, Options{}, slog.Default())

	history := []interview.Message{
		{Sender: interview.RoleCandidate, ContentType: interview.ContentVoice, FileRef: "f1"},
	}
	if _, err := orch.GenerateTurn(context.Background(), testConv(), history, msg(interview.RoleCandidate, "и ещё"), nil); err != nil {
		t.Fatalf("generate: %v", err)
	}

	turns := client.requests[0].Turns
	if turns[0].Content != voicePendingPlaceholder {
		t.Fatalf("voice turn content = %q", turns[0].Content)
	}
}
