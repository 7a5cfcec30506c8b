package scoring

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/interview"
	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/provider"
	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/store"
)

type fakeAnalyst struct {
	reply string
	err   error
}

func (f fakeAnalyst) Complete(context.Context, provider.CompletionRequest) (string, error) {
	return f.reply, f.err
}

func candidate(text string) interview.Message {
	return interview.Message{Sender: interview.RoleCandidate, ContentType: interview.ContentText, Content: text}
}

func bot(text string) interview.Message {
	return interview.Message{Sender: interview.RoleBot, ContentType: interview.ContentText, Content: text}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	history := []interview.Message{
		bot("Расскажите о себе."),
		candidate("Я работаю инженером пять лет, занимаюсь распределёнными системами и люблю Go."),
		bot("Какой проект был самым сложным?"),
		candidate("Миграция платёжного шлюза без простоя, мы переключали трафик постепенно."),
	}

	first := Evaluate(history)
	for i := 0; i < 10; i++ {
		if got := Evaluate(history); got != first {
			t.Fatalf("evaluation drifted: %+v != %+v", got, first)
		}
	}

	if first.Coverage != 100 {
		t.Fatalf("coverage = %d, want 100 (every question answered)", first.Coverage)
	}
	if first.Completeness <= 0 || first.Depth <= 0 || first.Responsiveness <= 0 {
		t.Fatalf("dimensions must be positive: %+v", first)
	}
}

func TestEvaluateEmptyTranscript(t *testing.T) {
	got := Evaluate(nil)
	if got != (interview.DetailedScore{}) {
		t.Fatalf("empty transcript score = %+v, want zeros", got)
	}
	if got.Base() != 0 {
		t.Fatalf("base = %d, want 0", got.Base())
	}
}

func TestEvaluateIgnoresPendingVoice(t *testing.T) {
	history := []interview.Message{
		bot("Вопрос?"),
		{Sender: interview.RoleCandidate, ContentType: interview.ContentVoice, FileRef: "f1"},
	}

	got := Evaluate(history)
	if got.Coverage != 0 {
		t.Fatalf("coverage = %d, want 0 (pending voice is not an answer)", got.Coverage)
	}
}

func TestScorePersistsAndSummarizes(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "scoring.db"), slog.Default())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()

	conv, _ := st.CreateConversation(ctx, interview.ChannelWebchat, "cand-1")
	_, _, err = st.AppendTurn(ctx, conv.ID,
		candidate("Я пять лет разрабатываю сервисы на Go и веду команду из трёх человек."),
		bot("Отлично, расскажите про архитектуру."))
	if err != nil {
		t.Fatalf("seed turn: %v", err)
	}

	scorer := New(st, fakeAnalyst{reply: "Сильный кандидат."}, slog.Default())

	result, err := scorer.Score(ctx, conv.ID, interview.ScorePassCompletion)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if result.Pass != interview.ScorePassCompletion {
		t.Fatalf("pass = %q, want %q", result.Pass, interview.ScorePassCompletion)
	}
	if result.Analysis != "Сильный кандидат." {
		t.Fatalf("analysis = %q", result.Analysis)
	}
	if result.Score != result.Detailed.Base() {
		t.Fatalf("score %d != detailed base %d", result.Score, result.Detailed.Base())
	}

	summary, err := scorer.Summary(ctx, conv.ID)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if !strings.Contains(summary, "/100") {
		t.Fatalf("summary = %q", summary)
	}
}

func TestAnalysisFailureFallsBackDeterministically(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "scoring.db"), slog.Default())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()

	conv, _ := st.CreateConversation(ctx, interview.ChannelWebchat, "cand-1")

	scorer := New(st, fakeAnalyst{err: errors.New("model down")}, slog.Default())
	result, err := scorer.Score(ctx, conv.ID, "")
	if err != nil {
		t.Fatalf("score must survive analyst failure: %v", err)
	}
	if result.Pass != interview.ScorePassManual {
		t.Fatalf("blank trigger pass = %q, want %q", result.Pass, interview.ScorePassManual)
	}
	if result.Analysis == "" {
		t.Fatal("expected fallback analysis text")
	}

	summary, err := scorer.Summary(ctx, conv.ID)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary == "" {
		t.Fatal("expected summary")
	}
}

func TestSummaryBeforeAnyPass(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "scoring.db"), slog.Default())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	scorer := New(st, nil, slog.Default())
	summary, err := scorer.Summary(context.Background(), "conv-missing")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary != "not scored yet" {
		t.Fatalf("summary = %q", summary)
	}
}
