package api

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/fosrl/verdict/inspect"
	"github.com/fosrl/verdict/logger"
	"github.com/fosrl/verdict/policy"
	"github.com/fosrl/verdict/tunfilter"
)

// VerdictRequest is the body of POST /verdict
type VerdictRequest struct {
	Permit *bool `json:"permit"`
}

// PolicyStatus describes the active policy source
type PolicyStatus struct {
	Source     string `json:"source"`
	Permitted  bool   `json:"permitted"`
	Generation uint64 `json:"generation"`
}

// StatusResponse is returned by the status endpoint
type StatusResponse struct {
	Version   string                    `json:"version,omitempty"`
	Backend   string                    `json:"backend,omitempty"`
	Uptime    string                    `json:"uptime"`
	Engine    *inspect.Stats            `json:"engine,omitempty"`
	Policy    *PolicyStatus             `json:"policy,omitempty"`
	Inspector *tunfilter.InspectorStats `json:"inspector,omitempty"`
}

// StatsSource is the engine as seen by the API
type StatsSource interface {
	Stats() inspect.Stats
}

// API represents the HTTP server and its state
type API struct {
	addr         string
	socketPath   string
	listener     net.Listener
	server       *http.Server
	shutdownChan chan struct{}
	startedAt    time.Time

	statusMu  sync.RWMutex
	version   string
	backend   string
	engine    StatsSource
	policy    policy.Source
	inspector func() tunfilter.InspectorStats
	metrics   http.Handler
}

// NewAPI creates a new HTTP server that listens on a TCP address
func NewAPI(addr string) *API {
	return &API{
		addr:         addr,
		shutdownChan: make(chan struct{}, 1),
		startedAt:    time.Now(),
	}
}

// NewAPISocket creates a new HTTP server that listens on a Unix socket or Windows named pipe
func NewAPISocket(socketPath string) *API {
	return &API{
		socketPath:   socketPath,
		shutdownChan: make(chan struct{}, 1),
		startedAt:    time.Now(),
	}
}

// Handler returns the API's routes
func (s *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/verdict", s.handleVerdict)
	mux.HandleFunc("/exit", s.handleExit)
	mux.HandleFunc("/metrics", s.handleMetrics)
	return mux
}

// Start starts the HTTP server
func (s *API) Start() error {
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var err error
	if s.socketPath != "" {
		// Use platform-specific socket listener
		s.listener, err = createSocketListener(s.socketPath)
		if err != nil {
			return fmt.Errorf("failed to create socket listener: %w", err)
		}
		logger.Info("api: starting HTTP server on socket %s", s.socketPath)
	} else {
		s.listener, err = net.Listen("tcp", s.addr)
		if err != nil {
			return fmt.Errorf("failed to create TCP listener: %w", err)
		}
		logger.Info("api: starting HTTP server on %s", s.addr)
	}

	go func() {
		if err := s.server.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			logger.Error("api: HTTP server error: %v", err)
		}
	}()

	return nil
}

// Addr returns the bound listener address, once started
func (s *API) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop stops the HTTP server
func (s *API) Stop() error {
	logger.Info("api: stopping server")

	if s.server != nil {
		s.server.Close()
	}

	if s.socketPath != "" {
		cleanupSocket(s.socketPath)
	}

	return nil
}

// GetShutdownChannel returns the channel for receiving shutdown requests
func (s *API) GetShutdownChannel() <-chan struct{} {
	return s.shutdownChan
}

func (s *API) SetVersion(version string) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.version = version
}

// SetBackend records which host drives the engine
func (s *API) SetBackend(backend string) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.backend = backend
}

func (s *API) SetEngine(engine StatsSource) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.engine = engine
}

// SetPolicy sets the policy source. POST /verdict only works when it is a
// *policy.Static.
func (s *API) SetPolicy(src policy.Source) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.policy = src
}

func (s *API) SetInspector(stats func() tunfilter.InspectorStats) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.inspector = stats
}

// SetMetricsHandler serves h at /metrics
func (s *API) SetMetricsHandler(h http.Handler) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.metrics = h
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("api: failed to write response: %v", err)
	}
}

// handleStatus handles the /status endpoint
func (s *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.statusMu.RLock()
	defer s.statusMu.RUnlock()

	resp := StatusResponse{
		Version: s.version,
		Backend: s.backend,
		Uptime:  time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.engine != nil {
		stats := s.engine.Stats()
		resp.Engine = &stats
	}
	if s.policy != nil {
		resp.Policy = &PolicyStatus{
			Source:     s.policy.Name(),
			Permitted:  s.policy.TrafficPermitted(),
			Generation: s.policy.Generation(),
		}
	}
	if s.inspector != nil {
		stats := s.inspector()
		resp.Inspector = &stats
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleVerdict handles the /verdict endpoint
func (s *API) handleVerdict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req VerdictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}
	if req.Permit == nil {
		http.Error(w, "Missing required field: permit must be provided", http.StatusBadRequest)
		return
	}

	s.statusMu.RLock()
	src := s.policy
	s.statusMu.RUnlock()

	static, ok := src.(*policy.Static)
	if !ok {
		http.Error(w, "Verdict is controlled by the remote authority", http.StatusConflict)
		return
	}

	changed := static.Set(*req.Permit)
	logger.Info("api: verdict request permit=%t (changed %t)", *req.Permit, changed)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"permit":     *req.Permit,
		"changed":    changed,
		"generation": static.Generation(),
	})
}

// handleExit handles the /exit endpoint
func (s *API) handleExit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	logger.Info("api: received exit request")

	select {
	case s.shutdownChan <- struct{}{}:
	default:
		// Channel already has a signal, don't block
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "shutdown initiated",
	})
}

func (s *API) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.statusMu.RLock()
	h := s.metrics
	s.statusMu.RUnlock()

	if h == nil {
		http.NotFound(w, r)
		return
	}
	h.ServeHTTP(w, r)
}
