package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/interview"
	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/orchestrator"
)

// Store is the persistence surface the engine drives.
type Store interface {
	GetConversation(ctx context.Context, id string) (*interview.Conversation, error)
	FindConversation(ctx context.Context, channel interview.Channel, candidateRef string) (*interview.Conversation, error)
	CreateConversation(ctx context.Context, channel interview.Channel, candidateRef string) (*interview.Conversation, error)
	History(ctx context.Context, conversationID string, limit int) ([]interview.Message, error)
	AppendTurn(ctx context.Context, conversationID string, inbound, outbound interview.Message) (*interview.Message, *interview.Message, error)
	AppendMessage(ctx context.Context, conversationID string, msg interview.Message) (*interview.Message, error)
	TransitionStatus(ctx context.Context, conversationID string, next interview.Status) (*interview.Conversation, error)
	CancelInactiveBefore(ctx context.Context, cutoff time.Time) ([]string, error)
}

// Generator produces the bot half of a turn.
type Generator interface {
	GenerateTurn(ctx context.Context, conv *interview.Conversation, history []interview.Message, inbound interview.Message, emit func(delta string) error) (orchestrator.Turn, error)
}

// Completer receives conversations that reach a terminal state, typically to
// enqueue scoring.
type Completer func(ctx context.Context, conversationID string)

// Options tunes the engine's turn handling.
type Options struct {
	HistoryLimit     int
	TurnTimeout      time.Duration
	InactivityWindow time.Duration
	SweepInterval    time.Duration

	// RejectConcurrent makes a second simultaneous turn on the same
	// conversation fail with ErrTurnInProgress instead of waiting.
	RejectConcurrent bool
}

// Engine is the conversation state machine: it owns lifecycle transitions,
// serializes turns per conversation and commits accepted turns atomically.
type Engine struct {
	store       Store
	gen         Generator
	onCompleted Completer
	opts        Options
	locks       *keyedLocks
	log         *slog.Logger
}

// Result is one handled turn.
type Result struct {
	Inbound   *interview.Message
	Outbound  *interview.Message
	Completed bool
}

func New(store Store, gen Generator, opts Options, log *slog.Logger) *Engine {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 200
	}
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = 60 * time.Second
	}
	if opts.InactivityWindow <= 0 {
		opts.InactivityWindow = 24 * time.Hour
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 10 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}

	return &Engine{
		store: store,
		gen:   gen,
		opts:  opts,
		locks: newKeyedLocks(),
		log:   log.With("component", "engine"),
	}
}

// OnCompleted registers the callback fired after a conversation reaches a
// terminal state.
func (e *Engine) OnCompleted(fn Completer) {
	e.onCompleted = fn
}

// EnsureConversation returns the ACTIVE conversation for a channel identity,
// creating one when none exists. A terminal conversation is not resumed; a
// fresh one is started instead.
func (e *Engine) EnsureConversation(ctx context.Context, channel interview.Channel, candidateRef string) (*interview.Conversation, error) {
	conv, err := e.store.FindConversation(ctx, channel, candidateRef)
	if err == nil && !conv.Status.Terminal() {
		return conv, nil
	}
	if err != nil && !errors.Is(err, interview.ErrConversationNotFound) {
		return nil, err
	}

	return e.store.CreateConversation(ctx, channel, candidateRef)
}

// HandleInboundTurn runs one full turn: it takes the conversation's turn
// lock, verifies the conversation accepts messages, generates the bot reply
// and commits both halves in a single transaction. Nothing is persisted when
// generation is cancelled or fails.
func (e *Engine) HandleInboundTurn(ctx context.Context, conversationID string, inbound interview.Message, emit func(delta string) error) (*Result, error) {
	release, err := e.acquire(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer release()

	conv, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status.Terminal() {
		return nil, interview.ErrConversationClosed
	}

	history, err := e.store.History(ctx, conversationID, e.opts.HistoryLimit)
	if err != nil {
		return nil, err
	}

	turnCtx, cancel := context.WithTimeout(ctx, e.opts.TurnTimeout)
	defer cancel()

	start := time.Now()
	turn, err := e.gen.GenerateTurn(turnCtx, conv, history, inbound, emit)
	if err != nil {
		return nil, fmt.Errorf("generating turn: %w", err)
	}

	inbound.Sender = interview.RoleCandidate
	outbound := interview.Message{
		Sender:      interview.RoleBot,
		ContentType: interview.ContentText,
		Content:     turn.Reply,
	}

	storedIn, storedOut, err := e.store.AppendTurn(ctx, conversationID, inbound, outbound)
	if err != nil {
		return nil, err
	}

	e.log.Debug("turn handled",
		"conversation_id", conversationID,
		"seq", storedOut.Seq,
		"completed", turn.Completed,
		"fallback", turn.Fallback,
		"duration_ms", time.Since(start).Milliseconds())

	if turn.Completed {
		if _, err := e.store.TransitionStatus(ctx, conversationID, interview.StatusCompleted); err != nil {
			return nil, err
		}
		e.notifyCompleted(ctx, conversationID)
	}

	return &Result{Inbound: storedIn, Outbound: storedOut, Completed: turn.Completed}, nil
}

// RecordInbound appends a candidate message without generating a reply. Used
// for voice messages whose transcription is still pending.
func (e *Engine) RecordInbound(ctx context.Context, conversationID string, msg interview.Message) (*interview.Message, error) {
	release, err := e.acquire(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer release()

	msg.Sender = interview.RoleCandidate
	return e.store.AppendMessage(ctx, conversationID, msg)
}

// RespondToLatest generates and appends the bot reply to the newest
// candidate message. Used after a voice transcript arrives for a message
// that was recorded without an immediate reply. A no-op when the latest
// message is already from the bot.
func (e *Engine) RespondToLatest(ctx context.Context, conversationID string) (*Result, error) {
	release, err := e.acquire(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer release()

	conv, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status.Terminal() {
		return nil, interview.ErrConversationClosed
	}

	history, err := e.store.History(ctx, conversationID, e.opts.HistoryLimit)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 || history[len(history)-1].Sender != interview.RoleCandidate {
		return nil, nil
	}

	inbound := history[len(history)-1]
	turnCtx, cancel := context.WithTimeout(ctx, e.opts.TurnTimeout)
	defer cancel()

	turn, err := e.gen.GenerateTurn(turnCtx, conv, history[:len(history)-1], inbound, nil)
	if err != nil {
		return nil, fmt.Errorf("generating turn: %w", err)
	}

	outbound, err := e.store.AppendMessage(ctx, conversationID, interview.Message{
		Sender:      interview.RoleBot,
		ContentType: interview.ContentText,
		Content:     turn.Reply,
	})
	if err != nil {
		return nil, err
	}

	if turn.Completed {
		if _, err := e.store.TransitionStatus(ctx, conversationID, interview.StatusCompleted); err != nil {
			return nil, err
		}
		e.notifyCompleted(ctx, conversationID)
	}

	return &Result{Inbound: &inbound, Outbound: outbound, Completed: turn.Completed}, nil
}

// Complete moves a conversation to COMPLETED.
func (e *Engine) Complete(ctx context.Context, conversationID string) error {
	if _, err := e.store.TransitionStatus(ctx, conversationID, interview.StatusCompleted); err != nil {
		return err
	}
	e.notifyCompleted(ctx, conversationID)
	return nil
}

// Cancel moves a conversation to CANCELLED.
func (e *Engine) Cancel(ctx context.Context, conversationID string) error {
	_, err := e.store.TransitionStatus(ctx, conversationID, interview.StatusCancelled)
	return err
}

// RunSweep cancels conversations idle beyond the inactivity window on a
// fixed interval until ctx is done.
func (e *Engine) RunSweep(ctx context.Context) {
	ticker := time.NewTicker(e.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepOnce(ctx)
		}
	}
}

func (e *Engine) sweepOnce(ctx context.Context) {
	cutoff := time.Now().Add(-e.opts.InactivityWindow)
	ids, err := e.store.CancelInactiveBefore(ctx, cutoff)
	if err != nil {
		e.log.Error("inactivity sweep failed", "error", err)
		return
	}

	if len(ids) > 0 {
		e.log.Info("cancelled inactive conversations", "count", len(ids))
	}
}

func (e *Engine) acquire(ctx context.Context, conversationID string) (func(), error) {
	if e.opts.RejectConcurrent {
		release, ok := e.locks.TryAcquire(conversationID)
		if !ok {
			return nil, interview.ErrTurnInProgress
		}
		return release, nil
	}

	return e.locks.Acquire(ctx, conversationID)
}

func (e *Engine) notifyCompleted(ctx context.Context, conversationID string) {
	if e.onCompleted != nil {
		e.onCompleted(ctx, conversationID)
	}
}
