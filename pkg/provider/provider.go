package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/config"
	provideropenai "github.com/botcraftengineer/qbs-autonaim-sub012/pkg/provider/openai"
)

// Turn is one prompt-history entry in provider-neutral form.
type Turn struct {
	Role    string // "user" or "assistant"
	Content string
}

// CompletionRequest carries one generation request to the model provider.
type CompletionRequest struct {
	System string
	Turns  []Turn
	Model  string
}

// Client is the model provider contract used by the turn orchestrator, the
// scoring engine, and the transcription job handler.
type Client interface {
	Health(ctx context.Context) error

	// Complete runs a single-shot generation and returns the full reply.
	Complete(ctx context.Context, req CompletionRequest) (string, error)

	// Stream runs a streaming generation, calling emit for every text delta,
	// and returns the accumulated reply. A non-nil error from emit cancels
	// the stream.
	Stream(ctx context.Context, req CompletionRequest, emit func(delta string) error) (string, error)

	// Transcribe converts an audio attachment to text.
	Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error)
}

// New resolves the configured provider client.
func New(cfg *config.Config) (Client, error) {
	name := cfg.Provider.Name
	if name == "" {
		name = "openai"
	}

	slog.Default().With("component", "provider.factory").Debug("Resolving provider client", "provider", name)

	switch name {
	case "openai":
		client, err := provideropenai.New(cfg.Provider)
		if err != nil {
			return nil, err
		}
		return adapter{client}, nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", name)
	}
}

// adapter maps the neutral request shape onto the concrete client without
// the concrete package importing this one.
type adapter struct {
	client *provideropenai.Client
}

func (a adapter) Health(ctx context.Context) error {
	return a.client.Health(ctx)
}

func (a adapter) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	return a.client.Complete(ctx, toOpenAIRequest(req))
}

func (a adapter) Stream(ctx context.Context, req CompletionRequest, emit func(string) error) (string, error) {
	return a.client.Stream(ctx, toOpenAIRequest(req), emit)
}

func (a adapter) Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error) {
	return a.client.Transcribe(ctx, filename, audio)
}

func toOpenAIRequest(req CompletionRequest) provideropenai.Request {
	turns := make([]provideropenai.Turn, 0, len(req.Turns))
	for _, turn := range req.Turns {
		turns = append(turns, provideropenai.Turn{Role: turn.Role, Content: turn.Content})
	}

	return provideropenai.Request{System: req.System, Turns: turns, Model: req.Model}
}
