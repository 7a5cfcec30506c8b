package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	osdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/config"
)

const (
	defaultModel              = "gpt-4o-mini"
	defaultTranscriptionModel = "whisper-1"
)

// Turn is one prompt-history entry.
type Turn struct {
	Role    string
	Content string
}

// Request carries one generation request.
type Request struct {
	System string
	Turns  []Turn
	Model  string
}

// Client wraps the OpenAI SDK for chat generation and audio transcription.
type Client struct {
	client             osdk.Client
	model              string
	transcriptionModel string
	requestTimeout     time.Duration
}

// New validates provider configuration and constructs a client.
func New(cfg config.ProviderConfig) (*Client, error) {
	apiKey := resolveAPIKey(cfg)
	if apiKey == "" {
		return nil, errors.New("provider.api_key_env is required or OPENAI_API_KEY must be set")
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if organization := strings.TrimSpace(cfg.Organization); organization != "" {
		opts = append(opts, option.WithOrganization(organization))
	}
	if project := strings.TrimSpace(cfg.Project); project != "" {
		opts = append(opts, option.WithProject(project))
	}

	requestTimeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second
	if requestTimeout > 0 {
		opts = append(opts, option.WithRequestTimeout(requestTimeout))
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	transcriptionModel := strings.TrimSpace(cfg.TranscriptionModel)
	if transcriptionModel == "" {
		transcriptionModel = defaultTranscriptionModel
	}

	return &Client{
		client:             osdk.NewClient(opts...),
		model:              model,
		transcriptionModel: transcriptionModel,
		requestTimeout:     requestTimeout,
	}, nil
}

// Health verifies the API is reachable with the configured credentials.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := providerLogger().With("operation", "health")
	startedAt := time.Now()
	log.Debug("provider request started")

	if _, err := c.client.Models.List(ctx); err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Debug("provider request completed", "duration_ms", time.Since(startedAt).Milliseconds())

	return nil
}

// Complete runs a single-shot chat completion.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := providerLogger().With("operation", "complete")
	startedAt := time.Now()

	params, err := c.completionParams(req)
	if err != nil {
		return "", err
	}
	log.Debug("provider request started", "model", params.Model, "turns", len(req.Turns))

	response, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return "", fmt.Errorf("completion failed: %w", err)
	}
	if len(response.Choices) == 0 {
		return "", errors.New("completion returned no choices")
	}

	text := strings.TrimSpace(response.Choices[0].Message.Content)
	if text == "" {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", "no output text")
		return "", errors.New("completion succeeded but returned no text")
	}
	log.Debug("provider request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "response_length", len(text))

	return text, nil
}

// Stream runs a streaming chat completion, emitting each text delta.
func (c *Client) Stream(ctx context.Context, req Request, emit func(delta string) error) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := providerLogger().With("operation", "stream")
	startedAt := time.Now()

	params, err := c.completionParams(req)
	if err != nil {
		return "", err
	}
	log.Debug("provider request started", "model", params.Model, "turns", len(req.Turns))

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var reply strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		reply.WriteString(delta)

		if emit != nil {
			if err := emit(delta); err != nil {
				log.Debug("provider stream aborted by consumer", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
				return "", err
			}
		}
	}
	if err := stream.Err(); err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return "", fmt.Errorf("streaming completion failed: %w", err)
	}

	text := strings.TrimSpace(reply.String())
	if text == "" {
		return "", errors.New("streaming completion returned no text")
	}
	log.Debug("provider request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "response_length", len(text))

	return text, nil
}

// Transcribe converts an audio attachment to text via the transcription model.
func (c *Client) Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := providerLogger().With("operation", "transcribe")
	startedAt := time.Now()
	log.Debug("provider request started", "model", c.transcriptionModel, "filename", filename)

	transcription, err := c.client.Audio.Transcriptions.New(ctx, osdk.AudioTranscriptionNewParams{
		Model: osdk.AudioModel(c.transcriptionModel),
		File:  osdk.File(audio, filename, "application/octet-stream"),
	})
	if err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return "", fmt.Errorf("transcription failed: %w", err)
	}

	text := strings.TrimSpace(transcription.Text)
	log.Debug("provider request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "response_length", len(text))

	return text, nil
}

func (c *Client) completionParams(req Request) (osdk.ChatCompletionNewParams, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.model
	}

	messages := make([]osdk.ChatCompletionMessageParamUnion, 0, len(req.Turns)+1)
	if system := strings.TrimSpace(req.System); system != "" {
		messages = append(messages, osdk.SystemMessage(system))
	}
	for _, turn := range req.Turns {
		content := strings.TrimSpace(turn.Content)
		if content == "" {
			continue
		}
		switch turn.Role {
		case "assistant":
			messages = append(messages, osdk.AssistantMessage(content))
		case "user":
			messages = append(messages, osdk.UserMessage(content))
		default:
			return osdk.ChatCompletionNewParams{}, fmt.Errorf("unsupported turn role %q", turn.Role)
		}
	}
	if len(messages) == 0 {
		return osdk.ChatCompletionNewParams{}, errors.New("request has no content")
	}

	return osdk.ChatCompletionNewParams{
		Model:    osdk.ChatModel(model),
		Messages: messages,
	}, nil
}

func providerLogger() *slog.Logger {
	return slog.Default().With("component", "provider.openai")
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.requestTimeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, c.requestTimeout)
}

func resolveAPIKey(cfg config.ProviderConfig) string {
	if apiKeyEnv := strings.TrimSpace(cfg.APIKeyEnv); apiKeyEnv != "" {
		if apiKey := strings.TrimSpace(os.Getenv(apiKeyEnv)); apiKey != "" {
			return apiKey
		}
	}

	return strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
}
