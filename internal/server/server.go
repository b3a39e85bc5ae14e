// Package server exposes the research engine over HTTP. Each crawl request
// builds a fresh engine; runs are registered under a UUID so their progress
// can be queried while they execute.
package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/deepresearch/frontier/internal/config"
	"github.com/deepresearch/frontier/internal/frontier"
	"github.com/deepresearch/frontier/internal/relevance"
	"github.com/deepresearch/frontier/internal/research"
	"github.com/deepresearch/frontier/internal/storage"
)

// RunStatus is a run's lifecycle state as seen by API clients.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

type run struct {
	ID          string
	Request     research.CrawlRequest
	Engine      *frontier.Engine
	Status      RunStatus
	Result      *research.CrawlResult
	Error       string
	StartedAt   time.Time
	CompletedAt time.Time
}

// Server routes crawl and progress requests.
type Server struct {
	router     *http.ServeMux
	cfg        *config.Config
	store      *storage.Storage
	classifier relevance.Classifier
	summarizer relevance.Summarizer

	// engineHook runs on every freshly built engine, before seeding.
	// Tests use it to swap the fetcher.
	engineHook func(*frontier.Engine)

	mu   sync.RWMutex
	runs map[string]*run
}

// NewServer builds a server. store, classifier and summarizer may be nil.
func NewServer(cfg *config.Config, store *storage.Storage, classifier relevance.Classifier, summarizer relevance.Summarizer) *Server {
	s := &Server{
		router:     http.NewServeMux(),
		cfg:        cfg,
		store:      store,
		classifier: classifier,
		summarizer: summarizer,
		runs:       make(map[string]*run),
	}
	s.router.HandleFunc("/research", s.handleResearch)
	s.router.HandleFunc("/research/{id}/progress", s.handleProgress)
	s.router.HandleFunc("/research/{id}", s.handleGetRun)
	return s
}

// SetEngineHook registers a function applied to every new engine.
func (s *Server) SetEngineHook(hook func(*frontier.Engine)) {
	s.engineHook = hook
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr and serves until the listener fails.
func (s *Server) Start(addr string) error {
	logrus.Infof("HTTP server listening on %s", addr)
	return http.ListenAndServe(addr, s.router)
}

type apiResponse struct {
	Success bool   `json:"success"`
	RunID   string `json:"runId,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

type progressData struct {
	Status   RunStatus              `json:"status"`
	Progress research.CrawlProgress `json:"progress"`

	// Echo of the run's effective settings.
	MaxDepth           int     `json:"maxDepth"`
	MaxPages           int     `json:"maxPages"`
	RelevanceThreshold float64 `json:"relevanceThreshold"`
}

func (s *Server) handleResearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req research.CrawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	req.ApplyDefaults()
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	engine := s.buildEngine(req)
	if err := engine.Seed(req.URL); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	active := &run{
		ID:        uuid.New().String(),
		Request:   req,
		Engine:    engine,
		Status:    RunStatusRunning,
		StartedAt: time.Now(),
	}
	s.mu.Lock()
	s.runs[active.ID] = active
	s.mu.Unlock()

	logrus.Infof("Run %s started: url=%s depth=%d", active.ID, req.URL, req.MaxDepth)

	result, err := engine.Run(r.Context())

	s.mu.Lock()
	active.Result = result
	active.CompletedAt = time.Now()
	if err != nil {
		active.Status = RunStatusFailed
		active.Error = err.Error()
	} else {
		active.Status = RunStatusCompleted
	}
	s.mu.Unlock()

	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, apiResponse{
		Success: true,
		RunID:   active.ID,
		Data:    result,
	})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	active, ok := s.lookup(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	writeJSON(w, http.StatusOK, apiResponse{
		Success: true,
		RunID:   active.ID,
		Data:    s.progressOf(active),
	})
}

// progressOf snapshots a run's status, counters and effective settings.
func (s *Server) progressOf(active *run) progressData {
	s.mu.RLock()
	status := active.Status
	s.mu.RUnlock()

	return progressData{
		Status:             status,
		Progress:           active.Engine.Progress(),
		MaxDepth:           active.Request.MaxDepth,
		MaxPages:           s.cfg.MaxPages,
		RelevanceThreshold: s.cfg.RelevanceThreshold,
	}
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	active, ok := s.lookup(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	s.mu.RLock()
	status := active.Status
	result := active.Result
	runErr := active.Error
	s.mu.RUnlock()

	if status == RunStatusRunning {
		writeJSON(w, http.StatusOK, apiResponse{
			Success: true,
			RunID:   active.ID,
			Data:    s.progressOf(active),
		})
		return
	}
	if status == RunStatusFailed {
		writeJSON(w, http.StatusOK, apiResponse{
			Success: false,
			RunID:   active.ID,
			Error:   runErr,
		})
		return
	}

	writeJSON(w, http.StatusOK, apiResponse{
		Success: true,
		RunID:   active.ID,
		Data:    result,
	})
}

func (s *Server) lookup(id string) (*run, bool) {
	if id == "" {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	active, ok := s.runs[id]
	return active, ok
}

// buildEngine assembles a per-run engine from server config plus request
// overrides.
func (s *Server) buildEngine(req research.CrawlRequest) *frontier.Engine {
	engine := frontier.NewEngine(frontier.Options{
		Topic:          req.Topic,
		MaxDepth:       req.MaxDepth,
		MaxPages:       s.cfg.MaxPages,
		Threshold:      s.cfg.RelevanceThreshold,
		BatchSize:      s.cfg.BatchSize,
		Workers:        s.cfg.ConcurrentWorkers,
		CrawlDelay:     time.Duration(s.cfg.CrawlDelayMs) * time.Millisecond,
		RequestTimeout: time.Duration(s.cfg.RequestTimeoutMs) * time.Millisecond,
		MaxRetries:     s.cfg.MaxRetries,
		RetryBackoff:   time.Duration(s.cfg.RetryBackoffMs) * time.Millisecond,
		ForceRefresh:   req.ForceRefresh,
		Summarize:      req.Summarize,
		UserAgent:      s.cfg.UserAgent,
	})

	if s.store != nil {
		engine.SetStores(s.store, s.store, s.store)
	}
	if s.classifier != nil {
		engine.SetClassifier(s.classifier)
	}
	if s.summarizer != nil {
		engine.SetSummarizer(s.summarizer)
	}
	if s.engineHook != nil {
		s.engineHook(engine)
	}
	return engine
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logrus.Warnf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiResponse{Success: false, Error: msg})
}
