package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/interview"
	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/provider"
)

// Analyst is the optional model-backed analysis step. A failing or absent
// analyst never fails a scoring pass; the deterministic result stands alone.
type Analyst interface {
	Complete(ctx context.Context, req provider.CompletionRequest) (string, error)
}

// Store is the persistence surface the scorer reads and writes.
type Store interface {
	GetConversation(ctx context.Context, id string) (*interview.Conversation, error)
	History(ctx context.Context, conversationID string, limit int) ([]interview.Message, error)
	SaveScore(ctx context.Context, result interview.ScoringResult) (*interview.ScoringResult, error)
	LatestScore(ctx context.Context, conversationID string) (*interview.ScoringResult, error)
}

// Scorer computes screening scores over conversation transcripts.
//
// The base score and its detailed breakdown are pure functions of the
// transcript: scoring the same conversation state twice yields identical
// numbers. The model contributes prose analysis only.
type Scorer struct {
	store   Store
	analyst Analyst
	log     *slog.Logger
}

const (
	historyLimit = 1000

	// Feature targets: answers at or above these thresholds earn the full
	// dimension score.
	targetAnswers     = 8
	targetAnswerRunes = 240
	targetWords       = 30
)

const analysisPrompt = `You are a recruiting analyst. Given an interview transcript, write a short assessment of the candidate in Russian: strengths, weaknesses and an overall impression. Three to five sentences, plain text.`

func New(store Store, analyst Analyst, log *slog.Logger) *Scorer {
	if log == nil {
		log = slog.Default()
	}

	return &Scorer{store: store, analyst: analyst, log: log.With("component", "scoring")}
}

// Score runs one scoring pass over the conversation's current transcript and
// persists the result. The pass label records what triggered it: interview
// completion, a late voice transcription, or a manual request when blank.
// Repeated passes append new rows; earlier results are never overwritten.
func (s *Scorer) Score(ctx context.Context, conversationID, pass string) (*interview.ScoringResult, error) {
	if strings.TrimSpace(pass) == "" {
		pass = interview.ScorePassManual
	}

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	history, err := s.store.History(ctx, conversationID, historyLimit)
	if err != nil {
		return nil, err
	}

	detailed := Evaluate(history)
	result := interview.ScoringResult{
		ConversationID: conv.ID,
		Pass:           pass,
		Score:          detailed.Base(),
		Detailed:       detailed,
		Analysis:       s.analyze(ctx, history),
	}

	saved, err := s.store.SaveScore(ctx, result)
	if err != nil {
		return nil, err
	}

	s.log.Info("conversation scored",
		"conversation_id", conv.ID, "pass", saved.Pass, "score", saved.Score)
	return saved, nil
}

// Summary renders the latest score as a short line for prompt injection.
func (s *Scorer) Summary(ctx context.Context, conversationID string) (string, error) {
	latest, err := s.store.LatestScore(ctx, conversationID)
	if err != nil {
		return "", err
	}
	if latest == nil {
		return "not scored yet", nil
	}

	d := latest.Detailed
	return fmt.Sprintf("%d/100 (completeness %d, depth %d, responsiveness %d, coverage %d)",
		latest.Score, d.Completeness, d.Depth, d.Responsiveness, d.Coverage), nil
}

func (s *Scorer) analyze(ctx context.Context, history []interview.Message) string {
	fallback := "Автоматический анализ недоступен; оценка рассчитана по метрикам стенограммы."
	if s.analyst == nil {
		return fallback
	}

	analysis, err := s.analyst.Complete(ctx, provider.CompletionRequest{
		System: analysisPrompt,
		Turns:  []provider.Turn{{Role: "user", Content: renderTranscript(history)}},
	})
	if err != nil || strings.TrimSpace(analysis) == "" {
		s.log.Warn("analysis generation failed, using deterministic fallback", "error", err)
		return fallback
	}

	return strings.TrimSpace(analysis)
}

// Evaluate computes the detailed score from a transcript. Voice messages
// without a transcript are invisible to scoring.
func Evaluate(history []interview.Message) interview.DetailedScore {
	var (
		questions int
		answers   []string
	)
	for _, msg := range history {
		text := msg.Text()
		if text == "" {
			continue
		}
		switch msg.Sender {
		case interview.RoleBot:
			questions++
		case interview.RoleCandidate:
			answers = append(answers, text)
		}
	}

	return interview.DetailedScore{
		Completeness:   ratio(len(answers), targetAnswers),
		Depth:          depth(answers),
		Responsiveness: responsiveness(answers),
		Coverage:       coverage(len(answers), questions),
	}
}

// depth rewards longer answers, averaged over all answers.
func depth(answers []string) int {
	if len(answers) == 0 {
		return 0
	}

	total := 0
	for _, a := range answers {
		total += ratio(utf8.RuneCountInString(a), targetAnswerRunes)
	}
	return total / len(answers)
}

// responsiveness measures how substantive a typical answer is by word count.
func responsiveness(answers []string) int {
	if len(answers) == 0 {
		return 0
	}

	total := 0
	for _, a := range answers {
		total += ratio(len(strings.Fields(a)), targetWords)
	}
	return total / len(answers)
}

// coverage is the share of bot questions that received any answer.
func coverage(answers, questions int) int {
	if questions == 0 {
		return 0
	}

	return ratio(answers, questions)
}

func ratio(have, want int) int {
	if want <= 0 || have >= want {
		return 100
	}
	if have <= 0 {
		return 0
	}

	return have * 100 / want
}

func renderTranscript(history []interview.Message) string {
	var b strings.Builder
	for _, msg := range history {
		text := msg.Text()
		if text == "" {
			continue
		}

		label := "Candidate"
		if msg.Sender == interview.RoleBot {
			label = "Interviewer"
		}
		b.WriteString(label)
		b.WriteString(": ")
		b.WriteString(text)
		b.WriteString("\n")
	}

	return b.String()
}
