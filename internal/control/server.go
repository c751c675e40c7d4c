package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/failover/internal/classify"
	"github.com/vietddude/failover/internal/learning"
	"github.com/vietddude/failover/internal/metrics"
)

// Server provides the host-facing HTTP surface: event ingestion, health
// monitoring, and Prometheus metrics.
type Server struct {
	svc    *Service
	server *http.Server
}

// NewServer creates the event server.
func NewServer(svc *Service, port int) *Server {
	mux := http.NewServeMux()
	s := &Server{
		svc: svc,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
	}

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/detailed", s.handleDetailed)
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/events/rate-limit", s.handleRateLimitEvent)
	mux.HandleFunc("/events/message-updated", s.handleMessageUpdated)
	mux.HandleFunc("/events/session", s.handleSessionEvent)

	mux.HandleFunc("/patterns", s.handlePatterns)

	return s
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// rateLimitEvent is the host callback for a failed request. Error carries the
// provider's loose error document; nil means the host already classified the
// failure as a rate limit.
type rateLimitEvent struct {
	SessionID  string `json:"sessionId"`
	ProviderID string `json:"providerId"`
	ModelID    string `json:"modelId"`
	Error      any    `json:"error"`
}

func (s *Server) handleRateLimitEvent(w http.ResponseWriter, r *http.Request) {
	var ev rateLimitEvent
	if !decodeEvent(w, r, &ev) {
		return
	}
	if ev.SessionID == "" {
		http.Error(w, "sessionId is required", http.StatusBadRequest)
		return
	}

	// Every failed request feeds the learner, rate limit or not; the
	// extractor discards values it cannot read.
	if ev.Error != nil {
		s.svc.learner.LearnFromError(r.Context(), ev.Error)
	}

	if ev.Error == nil || classify.IsRateLimit(ev.Error, s.svc.learner.KnownPatterns()) {
		s.svc.handler.HandleRateLimitFallback(r.Context(), ev.SessionID, ev.ProviderID, ev.ModelID)
	}
	w.WriteHeader(http.StatusAccepted)
}

type messageUpdatedEvent struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
	Error     any    `json:"error"`
}

func (s *Server) handleMessageUpdated(w http.ResponseWriter, r *http.Request) {
	var ev messageUpdatedEvent
	if !decodeEvent(w, r, &ev) {
		return
	}
	if ev.SessionID == "" || ev.MessageID == "" {
		http.Error(w, "sessionId and messageId are required", http.StatusBadRequest)
		return
	}

	hasError := ev.Error != nil
	isRateLimit := hasError && classify.IsRateLimit(ev.Error, s.svc.learner.KnownPatterns())
	if hasError {
		s.svc.learner.LearnFromError(r.Context(), ev.Error)
	}

	s.svc.handler.HandleMessageUpdated(r.Context(), ev.SessionID, ev.MessageID, hasError, isRateLimit)
	w.WriteHeader(http.StatusAccepted)
}

// sessionEvent mirrors the host's session lifecycle: roots and subagents are
// registered as they spawn, removed on teardown, and model assignments are
// tracked so later rate-limit events can be attributed.
type sessionEvent struct {
	Action     string `json:"action"` // register-root, register-subagent, remove, track-model
	SessionID  string `json:"sessionId"`
	ParentID   string `json:"parentId"`
	ProviderID string `json:"providerId"`
	ModelID    string `json:"modelId"`
}

func (s *Server) handleSessionEvent(w http.ResponseWriter, r *http.Request) {
	var ev sessionEvent
	if !decodeEvent(w, r, &ev) {
		return
	}
	if ev.SessionID == "" {
		http.Error(w, "sessionId is required", http.StatusBadRequest)
		return
	}

	switch ev.Action {
	case "register-root":
		s.svc.registry.RegisterRoot(ev.SessionID)
	case "register-subagent":
		if ev.ParentID == "" {
			http.Error(w, "parentId is required", http.StatusBadRequest)
			return
		}
		s.svc.registry.RegisterSubagent(ev.ParentID, ev.SessionID)
	case "remove":
		s.svc.registry.Remove(ev.SessionID)
	case "track-model":
		s.svc.handler.TrackSessionModel(ev.SessionID, ev.ProviderID, ev.ModelID)
	default:
		http.Error(w, fmt.Sprintf("unknown action %q", ev.Action), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePatterns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.svc.learner.LearnedPatterns())
	case http.MethodDelete:
		key := r.URL.Query().Get("key")
		if key == "" {
			http.Error(w, "key is required", http.StatusBadRequest)
			return
		}
		existed, err := s.svc.learner.RemoveLearnedPattern(r.Context(), key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !existed {
			http.Error(w, "pattern not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if s.svc.db != nil {
		if err := s.svc.db.Health(r.Context()); err != nil {
			status = "critical"
		}
	}

	response := map[string]string{"status": status}
	w.Header().Set("Content-Type", "application/json")
	if status == "critical" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(response)
}

type detailedHealth struct {
	Status   string           `json:"status"`
	Learning learning.Stats   `json:"learning"`
	Fallback metrics.Snapshot `json:"fallback"`
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	report := detailedHealth{
		Status:   "healthy",
		Learning: s.svc.learner.Stats(),
		Fallback: s.svc.metrics.GetSnapshot(),
	}
	if s.svc.db != nil {
		if err := s.svc.db.Health(r.Context()); err != nil {
			report.Status = "critical"
		}
	}
	writeJSON(w, http.StatusOK, report)
}

func decodeEvent(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
