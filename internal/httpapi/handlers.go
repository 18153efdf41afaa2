package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/stellarlinkco/jarvis-core/internal/state"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func queryLimit(r *http.Request, def int) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return def
}

type statusResponse struct {
	Directive        string   `json:"directive"`
	ShortTermGoals   []string `json:"short_term_goals"`
	MidTermGoals     []string `json:"mid_term_goals"`
	LongTermGoals    []string `json:"long_term_goals"`
	Iteration        int64    `json:"iteration"`
	Paused           bool     `json:"paused"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.Load()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "state_io")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Directive:      snap.Directive,
		ShortTermGoals: snap.Goals.ShortTerm,
		MidTermGoals:   snap.Goals.MidTerm,
		LongTermGoals:  snap.Goals.LongTerm,
		Iteration:      snap.Iteration,
		Paused:         snap.Paused,
	})
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	status, err := s.budget.GetStatus()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "state_io")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type memoryStatsResponse struct {
	VectorCount    int `json:"vector_count"`
	BufferTokens   int `json:"buffer_tokens"`
}

func (s *Server) handleMemoryStats(w http.ResponseWriter, r *http.Request) {
	count, err := s.memory.VectorCount()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "state_io")
		return
	}
	tokens, err := s.memory.BufferTokenCount()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "state_io")
		return
	}
	writeJSON(w, http.StatusOK, memoryStatsResponse{VectorCount: count, BufferTokens: tokens})
}

func (s *Server) handleMemoryVector(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("query")
	if q == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	limit := queryLimit(r, 20)

	vec, err := s.embedder.Embed(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusBadGateway, "embed_failed")
		return
	}
	entries, err := s.memory.SearchVectors(vec, limit, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "state_io")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleMemoryBlob(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50)
	events, err := s.blobLog.Tail(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "state_io")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleMemoryWorking(w http.ResponseWriter, r *http.Request) {
	profile, err := s.memory.LoadTier1()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "state_io")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"profile": profile})
}

func (s *Server) handleMemoryShortTerm(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50)
	notes, err := s.store.ScratchpadNotes(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "state_io")
		return
	}
	writeJSON(w, http.StatusOK, notes)
}

func (s *Server) handleMemoryConfig(w http.ResponseWriter, r *http.Request) {
	var cfg state.MemoryConfig
	if err := decodeBody(r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if cfg.RetrievalCount < 1 || cfg.RetrievalCount > 100 {
		writeError(w, http.StatusBadRequest, "retrieval_count must be 1-100")
		return
	}
	if cfg.RelevanceThresh < 0 || cfg.RelevanceThresh > 1 {
		writeError(w, http.StatusBadRequest, "relevance_threshold must be 0-1")
		return
	}
	if cfg.DecayFactor < 0.5 || cfg.DecayFactor > 1 {
		writeError(w, http.StatusBadRequest, "decay_factor must be 0.5-1")
		return
	}
	if err := s.store.SetMemoryConfig(cfg); err != nil {
		writeError(w, http.StatusInternalServerError, "state_io")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetDirective(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Directive string `json:"directive"`
	}
	if err := decodeBody(r, &body); err != nil || body.Directive == "" {
		writeError(w, http.StatusBadRequest, "directive is required")
		return
	}
	if err := s.store.SetDirective(body.Directive); err != nil {
		writeError(w, http.StatusInternalServerError, "state_io")
		return
	}
	s.loop.Wake()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetGoals(w http.ResponseWriter, r *http.Request) {
	var goals state.Goals
	if err := decodeBody(r, &goals); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := s.store.SetGoals(goals); err != nil {
		writeError(w, http.StatusInternalServerError, "state_io")
		return
	}
	s.loop.Wake()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleControlPause(w http.ResponseWriter, r *http.Request) {
	if err := s.store.SetPaused(true); err != nil {
		writeError(w, http.StatusInternalServerError, "state_io")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleControlResume(w http.ResponseWriter, r *http.Request) {
	if err := s.store.SetPaused(false); err != nil {
		writeError(w, http.StatusInternalServerError, "state_io")
		return
	}
	s.loop.Wake()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleControlWake(w http.ResponseWriter, r *http.Request) {
	s.loop.Wake()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBudgetOverride(w http.ResponseWriter, r *http.Request) {
	var body struct {
		NewCapUSD float64 `json:"new_cap_usd"`
	}
	if err := decodeBody(r, &body); err != nil || body.NewCapUSD <= 0 {
		writeError(w, http.StatusBadRequest, "new_cap_usd must be positive")
		return
	}
	if err := s.budget.SetMonthlyCap(body.NewCapUSD); err != nil {
		writeError(w, http.StatusInternalServerError, "state_io")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRegisterProvider(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name         string   `json:"name"`
		Tier         string   `json:"tier"`
		Currency     string   `json:"currency"`
		KnownBalance *float64 `json:"known_balance,omitempty"`
		Notes        string   `json:"notes,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil || body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := s.budget.UpdateProviderBalance(body.Name, body.KnownBalance, body.Tier, body.Currency, body.Notes, false); err != nil {
		writeError(w, http.StatusInternalServerError, "state_io")
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleAdjustProvider(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var body struct {
		Tier           string   `json:"tier,omitempty"`
		Currency       string   `json:"currency,omitempty"`
		KnownBalance   *float64 `json:"known_balance,omitempty"`
		Notes          string   `json:"notes,omitempty"`
		ResetSpending  bool     `json:"reset_spending,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := s.budget.UpdateProviderBalance(name, body.KnownBalance, body.Tier, body.Currency, body.Notes, body.ResetSpending); err != nil {
		writeError(w, http.StatusInternalServerError, "state_io")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type chatResponse struct {
	Reply      string `json:"reply"`
	Model      string `json:"model"`
	Provider   string `json:"provider"`
	TokensUsed int    `json:"tokens_used"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message string `json:"message"`
	}
	if err := decodeBody(r, &body); err != nil || body.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 90*time.Second)
	defer cancel()

	reply, err := s.loop.EnqueueChat(ctx, body.Message, "http")
	if err != nil {
		writeJSON(w, http.StatusOK, chatResponse{Reply: "Sorry, I couldn't process that in time."})
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{
		Reply:      reply.Text,
		Model:      reply.Model,
		Provider:   reply.Provider,
		TokensUsed: reply.Tokens,
	})
}

func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50)
	history, err := s.store.ChatHistory(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "state_io")
		return
	}
	writeJSON(w, http.StatusOK, history)
}

type analyticsBucket struct {
	Date   string         `json:"date"`
	Counts map[string]int `json:"counts"`
}

// handleAnalytics buckets blob events by day and event type over the
// requested range, giving the dashboard a coarse activity time series
// without needing a dedicated metrics store.
func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	rangeDays := queryLimit(r, 7)

	dates, err := s.blobLog.Dates()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "state_io")
		return
	}
	if len(dates) > rangeDays {
		dates = dates[len(dates)-rangeDays:]
	}

	buckets := make([]analyticsBucket, 0, len(dates))
	for _, date := range dates {
		events, err := s.blobLog.ReadDate(date)
		if err != nil {
			continue
		}
		counts := make(map[string]int)
		for _, ev := range events {
			counts[string(ev.Type)]++
		}
		buckets = append(buckets, analyticsBucket{Date: date, Counts: counts})
	}
	writeJSON(w, http.StatusOK, buckets)
}
