package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/channel"
	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/channel/telegram"
	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/channel/webchat"
	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/config"
	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/engine"
	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/interview"
	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/jobs"
	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/orchestrator"
	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/provider"
	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/scoring"
	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/store"
)

const (
	defaultHTTPHost = "0.0.0.0"
	defaultHTTPPort = 18790
)

// Service assembles the interview runtime: the store, the model provider,
// the conversation engine, the job dispatcher and every enabled channel
// adapter, plus the HTTP surface for webchat and the read API.
type Service struct {
	cfg        *config.Config
	log        *slog.Logger
	store      *store.Store
	provider   provider.Client
	engine     *engine.Engine
	dispatcher *jobs.Dispatcher
	scorer     *scoring.Scorer
	channels   []channel.Adapter
	webchat    *webchat.Adapter

	mu               sync.RWMutex
	startedAt        time.Time
	providerLastOKAt time.Time
	providerLastErr  string
	channelStates    map[string]channelState
}

type channelState struct {
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

func NewService(ctx context.Context, cfg *config.Config, st *store.Store, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if st == nil {
		return nil, errors.New("store is required")
	}
	if log == nil {
		log = slog.Default()
	}

	client, err := provider.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize provider: %w", err)
	}

	scorer := scoring.New(st, client, log)

	orch := orchestrator.New(client, orchestrator.Options{
		SystemPrompt: cfg.Interview.SystemPrompt,
		WindowBytes:  cfg.Interview.HistoryWindowBytes,
		ScoreLookup: func(ctx context.Context, conversationID string) (string, error) {
			return scorer.Summary(ctx, conversationID)
		},
	}, log)

	eng := engine.New(st, orch, engine.Options{
		TurnTimeout:      time.Duration(cfg.Interview.TurnTimeoutSeconds) * time.Second,
		InactivityWindow: time.Duration(cfg.Interview.InactivityTimeoutMinutes) * time.Minute,
		SweepInterval:    time.Duration(cfg.Interview.SweepIntervalMinutes) * time.Minute,
		RejectConcurrent: cfg.Interview.RejectConcurrentTurns,
	}, log)

	dispatcher, err := jobs.New(st, jobs.Options{
		PollInterval:   time.Duration(cfg.Jobs.PollIntervalSeconds) * time.Second,
		HandlerTimeout: time.Duration(cfg.Jobs.HandlerTimeoutSeconds) * time.Second,
		MaxAttempts:    cfg.Jobs.MaxAttempts,
		BackoffBase:    time.Duration(cfg.Jobs.BackoffBaseSeconds) * time.Second,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("initialize job dispatcher: %w", err)
	}

	svc := &Service{
		cfg:           cfg,
		log:           log.With("component", "gateway.service"),
		store:         st,
		provider:      client,
		engine:        eng,
		dispatcher:    dispatcher,
		scorer:        scorer,
		channelStates: make(map[string]channelState),
	}

	deliverers := make(map[interview.Channel]channel.Adapter)
	handlers := &jobs.Handlers{
		Store:       st,
		Engine:      eng,
		Transcriber: client,
		Scorer:      scorer,
		Verifier:    telegram.NewVerifier(cfg.Channels.Telegram),
		Jobs:        dispatcher,
		Deliverers:  deliverers,
		InviteTTL:   time.Duration(cfg.Interview.InviteTTLHours) * time.Hour,
		Log:         log,
	}

	if cfg.Channels.Telegram.Enabled {
		tg, err := telegram.NewAdapter(cfg.Channels.Telegram, eng, dispatcher, st, log)
		if err != nil {
			return nil, fmt.Errorf("initialize telegram channel: %w", err)
		}
		svc.channels = append(svc.channels, tg)
		deliverers[interview.ChannelTelegram] = tg
		handlers.Fetcher = tg
	}

	if cfg.Channels.Webchat.Enabled {
		wc, err := webchat.NewAdapter(st, eng, log)
		if err != nil {
			return nil, fmt.Errorf("initialize webchat channel: %w", err)
		}
		svc.channels = append(svc.channels, wc)
		svc.webchat = wc
	}

	if len(svc.channels) == 0 {
		return nil, errors.New("at least one channel must be enabled")
	}

	handlers.RegisterAll(dispatcher)

	// Completed interviews get scored asynchronously.
	eng.OnCompleted(func(ctx context.Context, conversationID string) {
		_, err := dispatcher.Enqueue(ctx, jobs.EventInterviewScore, jobs.InterviewScorePayload{
			ConversationID: conversationID,
			Trigger:        interview.ScorePassCompletion,
		})
		if err != nil {
			log.Error("Failed to enqueue scoring", "conversation_id", conversationID, "error", err)
		}
	})

	for _, adapter := range svc.channels {
		svc.channelStates[adapter.Name()] = channelState{}
	}

	// An unreachable provider is a configuration problem; surface it here
	// instead of after the channels have started.
	if err := svc.checkProviderHealth(ctx); err != nil {
		return nil, err
	}

	return svc, nil
}

// Run starts every component and blocks until ctx is done or a component
// fails fatally.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	serverErrors := make(chan error, 1)
	go s.runHTTPServer(ctx, serverErrors)
	go s.dispatcher.Run(ctx)
	go s.engine.RunSweep(ctx)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = s.checkProviderHealth(ctx)
			}
		}
	}()

	errCh := make(chan error, len(s.channels))
	for _, adapter := range s.channels {
		adapter := adapter
		s.setChannelState(adapter.Name(), channelState{Running: true})

		go func() {
			err := adapter.Run(ctx, s.handleTurn)
			s.setChannelState(adapter.Name(), channelState{Running: false, Error: errorString(err)})
			if err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("run %s channel: %w", adapter.Name(), err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-serverErrors:
		return err
	case err := <-errCh:
		return err
	}
}

// handleTurn is the shared turn handler every channel adapter drives.
func (s *Service) handleTurn(ctx context.Context, conversationID string, inbound interview.Message, emit func(delta string) error) (*interview.Message, error) {
	result, err := s.engine.HandleInboundTurn(ctx, conversationID, inbound, emit)
	if err != nil {
		return nil, err
	}

	return result.Outbound, nil
}

func (s *Service) runHTTPServer(ctx context.Context, errCh chan<- error) {
	host := strings.TrimSpace(s.cfg.Gateway.Host)
	if host == "" {
		host = defaultHTTPHost
	}

	port := s.cfg.Gateway.Port
	if port <= 0 {
		port = defaultHTTPPort
	}

	addr := host + ":" + strconv.Itoa(port)
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.HandleFunc("GET /api/conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("GET /api/conversations/{id}/messages", s.handleGetMessages)
	mux.HandleFunc("GET /api/jobs/dead", s.handleDeadLetters)
	if s.webchat != nil {
		mux.Handle("POST /api/webchat/turn", s.webchat.HTTPHandler())
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Gateway HTTP server started", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("start http server: %w", err)
	}
}

func (s *Service) checkProviderHealth(ctx context.Context) error {
	if err := s.provider.Health(ctx); err != nil {
		s.mu.Lock()
		s.providerLastErr = err.Error()
		s.mu.Unlock()
		return fmt.Errorf("provider health check failed: %w", err)
	}

	s.mu.Lock()
	s.providerLastErr = ""
	s.providerLastOKAt = time.Now().UTC()
	s.mu.Unlock()

	return nil
}

func (s *Service) setChannelState(name string, state channelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelStates[name] = state
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
