// Package gateway is the HTTP surface: synchronous and asynchronous
// deliberation, task polling, SSE streaming, and the studio endpoints
// for prompts, experiments, and metrics.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/quorum/internal/agent"
	"github.com/basket/quorum/internal/audit"
	"github.com/basket/quorum/internal/bus"
	"github.com/basket/quorum/internal/deliberate"
	"github.com/basket/quorum/internal/experiment"
	"github.com/basket/quorum/internal/prompt"
	"github.com/basket/quorum/internal/store"
)

type Config struct {
	Store       store.Store
	Registry    *agent.Registry
	Engine      *deliberate.Engine
	Prompts     *prompt.Resolver
	Experiments *experiment.Service
	Bus         *bus.Bus
	Log         *slog.Logger

	// AuthToken, when set, is required on every endpoint except /health.
	AuthToken string

	// AllowedOrigins controls CORS; empty disables cross-origin access.
	AllowedOrigins []string
}

type Server struct {
	cfg Config
	log *slog.Logger
}

func NewServer(cfg Config) *Server {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{cfg: cfg, log: log}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/agents", s.handleAgents)
	mux.HandleFunc("/analyze", s.handleAnalyze)
	mux.HandleFunc("/analyze/async", s.handleAnalyzeAsync)
	mux.HandleFunc("/analyze/stream", s.handleStream)
	mux.HandleFunc("/tasks/", s.handleTaskByID)
	mux.HandleFunc("/studio/prompts", s.handlePrompts)
	mux.HandleFunc("/studio/experiments", s.handleExperiments)
	mux.HandleFunc("/studio/experiments/", s.handleExperimentByID)
	mux.HandleFunc("/studio/metrics", s.handleMetrics)

	return s.withCORS(s.withAuth(withRequestSizeLimit(1<<20, mux)))
}

// ---- request/response shapes ----

type analyzeRequest struct {
	Task               string            `json:"task"`
	TaskType           string            `json:"task_type"`
	Context            string            `json:"context,omitempty"`
	EnabledAgents      []string          `json:"enabled_agents,omitempty"`
	Models             map[string]string `json:"models,omitempty"`
	Temperature        float64           `json:"temperature,omitempty"`
	MaxIterations      int               `json:"max_iterations,omitempty"`
	ConsensusThreshold float64           `json:"consensus_threshold,omitempty"`
	BudgetUSD          float64           `json:"budget_usd,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, errorBody{Error: fmt.Sprintf(format, args...)})
}

// storeStatus maps store sentinel errors to HTTP codes.
func storeStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// resultStatus maps a terminal FinalResult to the response code.
func resultStatus(r *store.FinalResult) int {
	switch r.Error {
	case deliberate.ReasonBudgetExhausted:
		return http.StatusTooManyRequests
	case deliberate.ReasonDeadlineExceeded:
		return http.StatusGatewayTimeout
	}
	return http.StatusOK
}

// ---- handlers ----

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	// An agent is only registered when its provider adapter came up
	// with credentials, so presence doubles as reachability.
	providers := make(map[string]bool)
	for _, def := range agent.Defaults() {
		providers[def.Provider] = false
	}
	agents := make([]string, 0, 4)
	for _, a := range s.cfg.Registry.List() {
		agents = append(agents, a.ID)
		providers[a.Provider] = true
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"healthy":     true,
		"source":      s.cfg.Store.Source(),
		"agents":      agents,
		"agent_count": len(agents),
		"providers":   providers,
		"subscribers": s.cfg.Bus.SubscriberCount(),
	})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	type agentInfo struct {
		ID       string `json:"id"`
		Role     string `json:"role"`
		Provider string `json:"provider"`
		Model    string `json:"model"`
		Enabled  bool   `json:"enabled"`
	}
	out := make([]agentInfo, 0, 4)
	for _, a := range s.cfg.Registry.List() {
		out = append(out, agentInfo{
			ID: a.ID, Role: a.Role, Provider: a.Provider, Model: a.Model, Enabled: true,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

// createSession validates an analyze request and registers the session.
func (s *Server) createSession(r *http.Request) (*store.Session, int, error) {
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, http.StatusBadRequest, fmt.Errorf("decode request: %w", err)
	}
	if strings.TrimSpace(req.Task) == "" {
		return nil, http.StatusBadRequest, errors.New("task is required")
	}
	taskType := store.TaskType(req.TaskType)
	if req.TaskType == "" {
		taskType = store.TaskStrategy
	} else if !store.ValidTaskType(taskType) {
		return nil, http.StatusBadRequest, fmt.Errorf("unknown task_type %q", req.TaskType)
	}

	enabled := req.EnabledAgents
	if len(enabled) == 0 {
		for _, a := range s.cfg.Registry.List() {
			enabled = append(enabled, a.ID)
		}
	} else {
		if _, err := s.cfg.Registry.Select(enabled); err != nil {
			return nil, http.StatusBadRequest, err
		}
	}

	settings := store.Settings{
		EnabledAgents:      enabled,
		Models:             req.Models,
		Temperature:        req.Temperature,
		MaxIterations:      req.MaxIterations,
		ConsensusThreshold: req.ConsensusThreshold,
		BudgetUSD:          req.BudgetUSD,
	}
	if err := deliberate.NormalizeSettings(&settings); err != nil {
		return nil, http.StatusBadRequest, err
	}

	sess := &store.Session{
		ID:          uuid.NewString(),
		TaskText:    req.Task,
		TaskType:    taskType,
		ContextText: req.Context,
		Status:      store.StatusPending,
		Settings:    settings,
	}
	if err := s.cfg.Store.CreateSession(r.Context(), sess); err != nil {
		return nil, storeStatus(err), err
	}
	audit.Record("session.create", "allow", string(taskType), sess.ID)
	return sess, 0, nil
}

// handleAnalyze runs a session to completion and returns its result.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sess, status, err := s.createSession(r)
	if err != nil {
		writeError(w, status, "%v", err)
		return
	}

	result, err := s.cfg.Engine.Run(r.Context(), sess.ID)
	if err != nil {
		writeError(w, storeStatus(err), "%v", err)
		return
	}
	final, err := s.cfg.Store.LoadSession(r.Context(), sess.ID)
	if err != nil {
		writeError(w, storeStatus(err), "%v", err)
		return
	}

	writeJSON(w, resultStatus(result), map[string]any{
		"task_id": sess.ID,
		"status":  final.Status,
		"result":  result,
		"source":  s.cfg.Store.Source(),
	})
}

// handleAnalyzeAsync registers a session and runs it in the background.
func (s *Server) handleAnalyzeAsync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sess, status, err := s.createSession(r)
	if err != nil {
		writeError(w, status, "%v", err)
		return
	}
	s.cfg.Engine.Start(sess.ID)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id": sess.ID,
		"status":  store.StatusPending,
		"source":  s.cfg.Store.Source(),
	})
}

// handleTaskByID serves GET /tasks/{id} (full transcript) and
// DELETE /tasks/{id} (cancel a running session).
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/tasks/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.serveTask(w, r, id)
	case http.MethodDelete:
		sess, err := s.cfg.Store.LoadSession(r.Context(), id)
		if err != nil {
			writeError(w, storeStatus(err), "%v", err)
			return
		}
		if sess.Status.Terminal() {
			writeError(w, http.StatusConflict, "session %s is %s", id, sess.Status)
			return
		}
		if !s.cfg.Engine.Cancel(id) {
			writeError(w, http.StatusConflict, "session %s is not running", id)
			return
		}
		audit.Record("session.cancel", "allow", "", id)
		writeJSON(w, http.StatusAccepted, map[string]any{"task_id": id, "status": "cancelling"})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) serveTask(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()
	sess, err := s.cfg.Store.LoadSession(ctx, id)
	if err != nil {
		writeError(w, storeStatus(err), "%v", err)
		return
	}

	analyses, err := s.cfg.Store.Analyses(ctx, id, -1)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	critiques, err := s.cfg.Store.Critiques(ctx, id, -1)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	syntheses, err := s.cfg.Store.Syntheses(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}

	payload := map[string]any{
		"task":      sess,
		"analyses":  analyses,
		"critiques": critiques,
		"syntheses": syntheses,
		"source":    s.cfg.Store.Source(),
	}
	if sess.Status.Terminal() {
		if result, err := s.cfg.Store.LoadResult(ctx, id); err == nil {
			payload["result"] = result
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

// ---- studio: prompts ----

type savePromptRequest struct {
	AgentID    string `json:"agent_id"`
	PromptType string `json:"prompt_type"`
	Content    string `json:"content"`
	Activate   bool   `json:"activate"`
}

func (s *Server) handlePrompts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		prompts, err := s.cfg.Store.ListPrompts(r.Context(), r.URL.Query().Get("agent_id"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"prompts": prompts})
	case http.MethodPost, http.MethodPut:
		// Templates are versioned, never edited in place; PUT and POST
		// both append a new version.
		var req savePromptRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "decode request: %v", err)
			return
		}
		if req.AgentID == "" || req.PromptType == "" || strings.TrimSpace(req.Content) == "" {
			writeError(w, http.StatusBadRequest, "agent_id, prompt_type and content are required")
			return
		}
		if _, ok := s.cfg.Registry.Get(req.AgentID); !ok {
			writeError(w, http.StatusBadRequest, "unknown agent %q", req.AgentID)
			return
		}
		tpl := &store.PromptTemplate{
			AgentID:    req.AgentID,
			PromptType: req.PromptType,
			Content:    req.Content,
			IsActive:   req.Activate,
		}
		if err := s.cfg.Store.SavePrompt(r.Context(), tpl); err != nil {
			writeError(w, storeStatus(err), "%v", err)
			return
		}
		s.cfg.Prompts.Invalidate(req.AgentID, req.PromptType)
		audit.Record("prompt.save", "allow", req.AgentID+"/"+req.PromptType, "")
		writeJSON(w, http.StatusCreated, tpl)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// ---- studio: experiments ----

func (s *Server) handleExperiments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := s.cfg.Experiments.List(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"experiments": list})
	case http.MethodPost:
		var e store.Experiment
		if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
			writeError(w, http.StatusBadRequest, "decode request: %v", err)
			return
		}
		if err := s.cfg.Experiments.Create(r.Context(), &e); err != nil {
			writeError(w, http.StatusBadRequest, "%v", err)
			return
		}
		writeJSON(w, http.StatusCreated, e)
	case http.MethodPut:
		var e store.Experiment
		if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
			writeError(w, http.StatusBadRequest, "decode request: %v", err)
			return
		}
		if err := s.cfg.Experiments.Update(r.Context(), &e); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "%v", err)
				return
			}
			writeError(w, http.StatusBadRequest, "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, e)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type recordRunRequest struct {
	TaskID  string             `json:"task_id"`
	Variant string             `json:"variant,omitempty"`
	Metrics map[string]float64 `json:"metrics"`
}

// handleExperimentByID serves /studio/experiments/{id} plus the /runs
// and /status subresources.
func (s *Server) handleExperimentByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/studio/experiments/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch {
	case sub == "" && r.Method == http.MethodGet:
		e, err := s.cfg.Experiments.Get(r.Context(), id)
		if err != nil {
			writeError(w, storeStatus(err), "%v", err)
			return
		}
		results, err := s.cfg.Experiments.Results(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"experiment": e, "results": results})

	case sub == "" && r.Method == http.MethodDelete:
		if err := s.cfg.Experiments.Delete(r.Context(), id); err != nil {
			writeError(w, storeStatus(err), "%v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case sub == "runs" && r.Method == http.MethodPost:
		var req recordRunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "decode request: %v", err)
			return
		}
		if req.TaskID == "" {
			writeError(w, http.StatusBadRequest, "task_id is required")
			return
		}
		e, err := s.cfg.Experiments.Get(r.Context(), id)
		if err != nil {
			writeError(w, storeStatus(err), "%v", err)
			return
		}
		variant := req.Variant
		if variant == "" {
			variant = experiment.Assign(id, req.TaskID, e.TreatmentPercentage)
		}
		if err := s.cfg.Experiments.Record(r.Context(), id, variant, req.TaskID, req.Metrics); err != nil {
			writeError(w, storeStatus(err), "%v", err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"variant": variant})

	case sub == "status" && r.Method == http.MethodPost:
		var req struct {
			Status string `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "decode request: %v", err)
			return
		}
		if err := s.cfg.Experiments.SetStatus(r.Context(), id, req.Status); err != nil {
			writeError(w, storeStatus(err), "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": req.Status})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// ---- studio: metrics ----

// handleMetrics serves GET /studio/metrics?period=24h|7d|30d.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	period := r.URL.Query().Get("period")
	var span time.Duration
	switch period {
	case "1h":
		span = time.Hour
	case "", "24h":
		span = 24 * time.Hour
	case "7d":
		span = 7 * 24 * time.Hour
	case "30d":
		span = 30 * 24 * time.Hour
	default:
		writeError(w, http.StatusBadRequest, "unknown period %q (want 1h, 24h, 7d or 30d)", period)
		return
	}
	sum, err := s.cfg.Store.AggregateMetrics(r.Context(), time.Now().Add(-span))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
