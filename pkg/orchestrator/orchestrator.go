package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/interview"
	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/provider"
)

const (
	// completionMarker is how the model signals that the interview reached
	// its natural end. It is stripped from the delivered reply.
	completionMarker = "[INTERVIEW_COMPLETE]"

	// scoreMarker is the single auxiliary tool: a reply consisting of this
	// marker asks for the current screening score, which is injected as
	// context for one follow-up generation.
	scoreMarker = "[CHECK_SCORE]"

	voicePendingPlaceholder = "[voice message, transcription pending]"

	defaultWindowBytes = 24 * 1024
	defaultMaxRetries  = 3
	defaultRetryBase   = 500 * time.Millisecond
	defaultFallback    = "Спасибо! Мы зафиксировали ваш ответ и скоро продолжим интервью."
)

// ModelClient is the slice of the provider contract the orchestrator needs.
type ModelClient interface {
	Complete(ctx context.Context, req provider.CompletionRequest) (string, error)
	Stream(ctx context.Context, req provider.CompletionRequest, emit func(delta string) error) (string, error)
}

// Options configures turn generation.
type Options struct {
	SystemPrompt  string
	WindowBytes   int
	MaxRetries    int
	RetryBase     time.Duration
	FallbackReply string

	// ScoreLookup resolves the score tool call; nil disables the tool.
	ScoreLookup func(ctx context.Context, conversationID string) (string, error)
}

// Orchestrator builds prompts from conversation history and produces the
// next bot turn, streaming or single-shot depending on the caller.
type Orchestrator struct {
	client ModelClient
	opts   Options
	log    *slog.Logger
}

// Turn is the orchestrator's result: the reply text and whether the model
// declared the interview complete.
type Turn struct {
	Reply     string
	Completed bool
	Fallback  bool
}

// New constructs an orchestrator, applying defaults for unset options.
func New(client ModelClient, opts Options, log *slog.Logger) *Orchestrator {
	if opts.WindowBytes <= 0 {
		opts.WindowBytes = defaultWindowBytes
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = defaultRetryBase
	}
	if strings.TrimSpace(opts.FallbackReply) == "" {
		opts.FallbackReply = defaultFallback
	}
	if log == nil {
		log = slog.Default()
	}

	return &Orchestrator{
		client: client,
		opts:   opts,
		log:    log.With("component", "orchestrator"),
	}
}

// GenerateTurn produces the bot reply for an inbound message given the
// conversation history so far. When emit is non-nil the reply is generated
// as a token stream and each delta is forwarded to emit.
//
// Transient provider failures are retried with backoff; after exhaustion a
// deterministic fallback reply is returned so an accepted inbound turn is
// never left unanswered. Context cancellation is not retried and produces
// no reply at all.
func (o *Orchestrator) GenerateTurn(ctx context.Context, conv *interview.Conversation, history []interview.Message, inbound interview.Message, emit func(delta string) error) (Turn, error) {
	req := provider.CompletionRequest{
		System: o.opts.SystemPrompt,
		Turns:  o.buildTurns(history, inbound),
	}

	raw, err := o.generateWithRetry(ctx, conv.ID, req, emit)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return Turn{}, err
		}

		// Exhausted retries degrade to the fallback reply; the failure is
		// reported here rather than surfaced to the candidate.
		o.log.Error("turn generation exhausted retries, using fallback",
			"conversation_id", conv.ID, "error", err)
		if emit != nil {
			if emitErr := emit(o.opts.FallbackReply); emitErr != nil {
				return Turn{}, emitErr
			}
		}
		return Turn{Reply: o.opts.FallbackReply, Fallback: true}, nil
	}

	reply, completed := stripCompletionMarker(raw)
	return Turn{Reply: reply, Completed: completed}, nil
}

// generateWithRetry runs one generation with the retry and tool policy.
func (o *Orchestrator) generateWithRetry(ctx context.Context, conversationID string, req provider.CompletionRequest, emit func(string) error) (string, error) {
	stream := newReplayGuard(emit)

	raw, err := o.retry(ctx, func() (string, error) {
		return o.invoke(ctx, req, stream)
	})
	if err != nil {
		return "", err
	}

	if strings.TrimSpace(raw) == scoreMarker && o.opts.ScoreLookup != nil {
		// One tool round: inject the score as context and regenerate.
		// The marker never reached the consumer thanks to tail withholding.
		score, lookupErr := o.opts.ScoreLookup(ctx, conversationID)
		if lookupErr != nil {
			o.log.Warn("score lookup failed", "conversation_id", conversationID, "error", lookupErr)
			score = "score is not available yet"
		}

		toolReq := req
		toolReq.System = req.System + "\n\nCurrent screening score: " + score
		raw, err = o.retry(ctx, func() (string, error) {
			return o.invoke(ctx, toolReq, stream)
		})
		if err != nil {
			return "", err
		}
	}

	if err := stream.finish(raw); err != nil {
		return "", err
	}

	return raw, nil
}

func (o *Orchestrator) invoke(ctx context.Context, req provider.CompletionRequest, stream *replayGuard) (string, error) {
	if stream.active() {
		return o.client.Stream(ctx, req, stream.deltaFunc())
	}

	return o.client.Complete(ctx, req)
}

func (o *Orchestrator) retry(ctx context.Context, op func() (string, error)) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= o.opts.MaxRetries; attempt++ {
		raw, err := op()
		if err == nil {
			return raw, nil
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return "", err
		}

		lastErr = err
		o.log.Warn("turn generation attempt failed", "attempt", attempt, "error", err)

		if attempt == o.opts.MaxRetries {
			break
		}

		delay := o.opts.RetryBase << (attempt - 1)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}

	return "", lastErr
}

// buildTurns converts history plus the inbound message into provider turns,
// bounded to the configured byte window. Oldest messages are dropped first
// and always as whole messages, never mid-message.
func (o *Orchestrator) buildTurns(history []interview.Message, inbound interview.Message) []provider.Turn {
	messages := append(append([]interview.Message{}, history...), inbound)

	turns := make([]provider.Turn, 0, len(messages))
	for _, msg := range messages {
		text := promptText(msg)
		if text == "" {
			continue
		}

		role := "user"
		if msg.Sender == interview.RoleBot {
			role = "assistant"
		}
		turns = append(turns, provider.Turn{Role: role, Content: text})
	}

	total := 0
	for _, turn := range turns {
		total += len(turn.Content)
	}

	drop := 0
	for total > o.opts.WindowBytes && drop < len(turns)-1 {
		total -= len(turns[drop].Content)
		drop++
	}

	return turns[drop:]
}

// promptText is the prompt-facing content of one message. Voice messages
// without a transcript appear as a placeholder so the model knows an answer
// exists but is not readable yet.
func promptText(msg interview.Message) string {
	if msg.ContentType == interview.ContentVoice && strings.TrimSpace(msg.Transcript) == "" {
		return voicePendingPlaceholder
	}

	return msg.Text()
}

func stripCompletionMarker(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if !strings.Contains(trimmed, completionMarker) {
		return trimmed, false
	}

	return strings.TrimSpace(strings.ReplaceAll(trimmed, completionMarker, "")), true
}

// replayGuard adapts a consumer emit callback for retries and markers: it
// forwards the marker-stripped view of the attempt so far, withholds a small
// tail so a partially arrived marker never reaches the consumer wherever the
// model places it, and on retry it suppresses re-emission of the prefix the
// consumer already received.
type replayGuard struct {
	emit func(string) error
	sent int    // cleaned-reply bytes already forwarded to the consumer
	raw  []byte // bytes observed in the current attempt
	tail int
}

func newReplayGuard(emit func(string) error) *replayGuard {
	tail := len(completionMarker)
	if len(scoreMarker) > tail {
		tail = len(scoreMarker)
	}

	// Extra slack covers whitespace the model may put before a trailing
	// marker, which stripping removes from the final reply.
	return &replayGuard{emit: emit, tail: tail + 16}
}

func (g *replayGuard) active() bool {
	return g.emit != nil
}

// deltaFunc returns the per-attempt emit callback. Each call resets the
// attempt buffer.
func (g *replayGuard) deltaFunc() func(string) error {
	g.raw = g.raw[:0]

	return func(delta string) error {
		g.raw = append(g.raw, delta...)

		// Forward the cleaned text observed so far, minus the withheld
		// tail and any prefix a previous attempt already delivered. A
		// complete marker vanishes before forwarding no matter where it
		// sits; an incomplete one at the end stays inside the tail.
		cleaned, _ := stripCompletionMarker(string(g.raw))
		forwardable := len(cleaned) - g.tail
		if forwardable <= g.sent {
			return nil
		}

		if err := g.emit(cleaned[g.sent:forwardable]); err != nil {
			return err
		}
		g.sent = forwardable
		return nil
	}
}

// finish flushes whatever part of the final cleaned reply the consumer has
// not received yet.
func (g *replayGuard) finish(raw string) error {
	if g.emit == nil {
		return nil
	}

	cleaned, _ := stripCompletionMarker(raw)
	if strings.TrimSpace(cleaned) == scoreMarker {
		return nil
	}
	if g.sent >= len(cleaned) {
		return nil
	}

	if err := g.emit(cleaned[g.sent:]); err != nil {
		return err
	}
	g.sent = len(cleaned)
	return nil
}
