package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/interview"
)

type statusResponse struct {
	Status           string                  `json:"status"`
	UptimeSeconds    int64                   `json:"uptime_seconds"`
	ProviderLastOKAt string                  `json:"provider_last_ok_at,omitempty"`
	ProviderLastErr  string                  `json:"provider_last_error,omitempty"`
	Channels         map[string]channelState `json:"channels"`
}

type conversationResponse struct {
	ID           string         `json:"id"`
	Channel      string         `json:"channel"`
	CandidateRef string         `json:"candidate_ref"`
	Status       string         `json:"status"`
	MessageCount int            `json:"message_count"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	LatestScore  *scoreResponse `json:"latest_score,omitempty"`
}

type scoreResponse struct {
	Score     int                     `json:"score"`
	Detailed  interview.DetailedScore `json:"detailed"`
	Analysis  string                  `json:"analysis"`
	CreatedAt time.Time               `json:"created_at"`
}

type messageResponse struct {
	ID          string    `json:"id"`
	Sender      string    `json:"sender"`
	ContentType string    `json:"content_type"`
	Content     string    `json:"content,omitempty"`
	Transcript  string    `json:"transcript,omitempty"`
	Seq         int       `json:"seq"`
	CreatedAt   time.Time `json:"created_at"`
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "ok")
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

// handleGetConversation serves one conversation with its latest score.
func (s *Service) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.store.GetConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		s.respondStoreError(w, err)
		return
	}

	resp := conversationResponse{
		ID:           conv.ID,
		Channel:      string(conv.Channel),
		CandidateRef: conv.CandidateRef,
		Status:       string(conv.Status),
		MessageCount: conv.MessageCount,
		CreatedAt:    conv.CreatedAt,
		UpdatedAt:    conv.UpdatedAt,
	}

	if latest, err := s.store.LatestScore(r.Context(), conv.ID); err == nil && latest != nil {
		resp.LatestScore = &scoreResponse{
			Score:     latest.Score,
			Detailed:  latest.Detailed,
			Analysis:  latest.Analysis,
			CreatedAt: latest.CreatedAt,
		}
	}

	s.respondJSON(w, http.StatusOK, resp)
}

// handleGetMessages serves the conversation's message log in seq order.
func (s *Service) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetConversation(r.Context(), id); err != nil {
		s.respondStoreError(w, err)
		return
	}

	history, err := s.store.History(r.Context(), id, 0)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}

	messages := make([]messageResponse, 0, len(history))
	for _, msg := range history {
		messages = append(messages, messageResponse{
			ID:          msg.ID,
			Sender:      string(msg.Sender),
			ContentType: string(msg.ContentType),
			Content:     msg.Content,
			Transcript:  msg.Transcript,
			Seq:         msg.Seq,
			CreatedAt:   msg.CreatedAt,
		})
	}

	s.respondJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

// handleDeadLetters lists jobs that exhausted their retries.
func (s *Service) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	dead, err := s.store.DeadLetters(r.Context(), 100)
	if err != nil {
		s.log.Error("Failed to list dead letters", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	type deadJob struct {
		ID        string          `json:"id"`
		Name      string          `json:"name"`
		Payload   json.RawMessage `json:"payload"`
		Attempts  int             `json:"attempts"`
		LastError string          `json:"last_error"`
		UpdatedAt time.Time       `json:"updated_at"`
	}

	out := make([]deadJob, 0, len(dead))
	for _, job := range dead {
		out = append(out, deadJob{
			ID:        job.ID,
			Name:      job.Name,
			Payload:   job.Payload,
			Attempts:  job.Attempts,
			LastError: job.LastError,
			UpdatedAt: job.UpdatedAt,
		})
	}

	s.respondJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (s *Service) respondStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, interview.ErrConversationNotFound) {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}

	s.log.Error("Store read failed", "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	s.respondJSON(w, statusCode, s.currentStatus(status))
}

func (s *Service) respondJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write response", "error", err)
	}
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	channels := make(map[string]channelState, len(s.channelStates))
	for name, state := range s.channelStates {
		channels[name] = state
	}

	providerLastOK := ""
	if !s.providerLastOKAt.IsZero() {
		providerLastOK = s.providerLastOKAt.Format(time.RFC3339)
	}

	return statusResponse{
		Status:           status,
		UptimeSeconds:    uptime,
		ProviderLastOKAt: providerLastOK,
		ProviderLastErr:  s.providerLastErr,
		Channels:         channels,
	}
}

func (s *Service) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	anyRunning := false
	for _, state := range s.channelStates {
		if state.Running {
			anyRunning = true
			break
		}
	}
	if !anyRunning {
		return false
	}

	if s.providerLastOKAt.IsZero() || s.providerLastErr != "" {
		return false
	}

	return true
}
