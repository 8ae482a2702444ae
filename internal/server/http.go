package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/knoguchi/hybridrag/internal/auth"
	"github.com/knoguchi/hybridrag/internal/corpus"
	"github.com/knoguchi/hybridrag/internal/metrics"
	"github.com/knoguchi/hybridrag/internal/retrieval"
)

const maxBodyBytes = 1 << 20

// Retriever runs retrievals. *retrieval.Service implements it.
type Retriever interface {
	Retrieve(ctx context.Context, req retrieval.Request) (*retrieval.Response, error)
}

// Rebuilder runs a corpus statistics rebuild. *corpus.Job implements it.
type Rebuilder interface {
	Run(ctx context.Context) (*corpus.Rebuilt, []corpus.TermCount, error)
}

// ReadinessCheck is one dependency probed by /readyz.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HTTPServer serves the retrieval and admin API.
type HTTPServer struct {
	server    *http.Server
	router    *chi.Mux
	retriever Retriever
	rebuilder Rebuilder
	holder    *corpus.Holder
	checks    []ReadinessCheck
	metrics   *metrics.Metrics
	logger    *slog.Logger

	// rebuildMu admits one rebuild at a time.
	rebuildMu sync.Mutex
}

// HTTPServerConfig holds configuration for the HTTP server
type HTTPServerConfig struct {
	Port           int
	Logger         *slog.Logger
	AllowedOrigins []string // CORS allowed origins

	Retriever Retriever
	Rebuilder Rebuilder
	Holder    *corpus.Holder
	Checks    []ReadinessCheck
	Metrics   *metrics.Metrics

	// JWT guards the admin routes. Nil leaves them open (development only).
	JWT *auth.JWTManager
}

// NewHTTPServer creates the HTTP server and mounts every route.
func NewHTTPServer(cfg HTTPServerConfig) (*HTTPServer, error) {
	if cfg.Retriever == nil {
		return nil, errors.New("http server needs a retriever")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	holder := cfg.Holder
	if holder == nil {
		holder = corpus.NewHolder()
	}

	s := &HTTPServer{
		retriever: cfg.Retriever,
		rebuilder: cfg.Rebuilder,
		holder:    holder,
		checks:    cfg.Checks,
		metrics:   cfg.Metrics,
		logger:    logger,
	}

	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLoggingMiddleware(logger, cfg.Metrics))
	router.Use(middleware.Recoverer)
	router.Use(corsMiddleware(cfg.AllowedOrigins))

	router.Get("/healthz", healthCheckHandler())
	router.Get("/readyz", s.readinessCheckHandler())
	router.Handle("/metrics", cfg.Metrics.Handler())

	router.Route("/v1", func(r chi.Router) {
		r.Post("/retrieve", s.handleRetrieve)

		r.Route("/admin", func(r chi.Router) {
			if cfg.JWT != nil {
				r.Use(auth.Middleware(cfg.JWT, auth.RoleAdmin))
			} else {
				logger.Warn("admin routes are not authenticated")
			}
			r.Get("/corpus-stats", s.handleStats)
			r.Post("/corpus-stats/rebuild", s.handleRebuild)
		})
	})

	s.router = router
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // rebuilds run inside the request
		IdleTimeout:  120 * time.Second,
	}
	return s, nil
}

// Start starts the HTTP server
func (s *HTTPServer) Start() error {
	s.logger.Info("starting HTTP server", "address", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// Handler returns the root handler, for tests and embedding.
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

func (s *HTTPServer) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieval.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	resp, err := s.retriever.Retrieve(r.Context(), req)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("retrieval failed", "error", err, "request_id", middleware.GetReqID(r.Context()))
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// statsResponse describes the published snapshot.
type statsResponse struct {
	Available             bool               `json:"available"`
	Version               uint64             `json:"version"`
	TotalDocuments        uint64             `json:"total_documents"`
	Terms                 int                `json:"terms"`
	AverageDocumentLength float64            `json:"average_document_length"`
	BuiltAt               *time.Time         `json:"built_at,omitempty"`
	TopTerms              []corpus.TermCount `json:"top_terms,omitempty"`
}

func (s *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	top := 20
	if v := r.URL.Query().Get("top"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "top must be a non-negative integer")
			return
		}
		top = n
	}

	snap, err := s.holder.Current()
	if err != nil {
		writeJSON(w, http.StatusOK, statsResponse{Available: false})
		return
	}
	st := snap.Stats
	resp := statsResponse{
		Available:             true,
		Version:               snap.Version,
		TotalDocuments:        st.TotalDocuments,
		Terms:                 len(st.DocumentFrequency),
		AverageDocumentLength: st.AverageDocumentLength,
		TopTerms:              st.TopTerms(top),
	}
	if !st.BuiltAt.IsZero() {
		builtAt := st.BuiltAt
		resp.BuiltAt = &builtAt
	}
	writeJSON(w, http.StatusOK, resp)
}

type rebuildResponse struct {
	Rebuild  *corpus.Rebuilt    `json:"rebuild"`
	TopTerms []corpus.TermCount `json:"top_terms"`
}

func (s *HTTPServer) handleRebuild(w http.ResponseWriter, r *http.Request) {
	if s.rebuilder == nil {
		writeError(w, http.StatusNotImplemented, "rebuild is not configured")
		return
	}
	if !s.rebuildMu.TryLock() {
		writeError(w, http.StatusConflict, "a rebuild is already running")
		return
	}
	defer s.rebuildMu.Unlock()

	ev, top, err := s.rebuilder.Run(r.Context())
	s.metrics.ObserveRebuild(err)
	if err != nil {
		status := statusFor(err)
		s.logger.Error("rebuild failed", "error", err)
		writeError(w, status, err.Error())
		return
	}
	s.metrics.SetSnapshot(ev.Version, ev.TotalDocuments)
	writeJSON(w, http.StatusOK, rebuildResponse{Rebuild: ev, TopTerms: top})
}

// statusFor maps package sentinels to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, retrieval.ErrInvalidQuery):
		return http.StatusBadRequest
	case errors.Is(err, corpus.ErrStatsUnavailable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return 499 // client closed request
	default:
		return http.StatusServiceUnavailable
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// requestLoggingMiddleware logs HTTP requests and records them in m.
func requestLoggingMiddleware(logger *slog.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status code
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			duration := time.Since(start)
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			m.ObserveHTTP(r.Method, route, ww.Status(), duration)

			logger.Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", duration,
				"remote_addr", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// corsMiddleware handles CORS headers
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			if len(allowedOrigins) == 0 {
				allowed = true
				origin = "*"
			} else {
				for _, o := range allowedOrigins {
					if o == "*" || o == origin {
						allowed = true
						break
					}
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			// Handle preflight requests
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// healthCheckHandler returns a handler for the /healthz endpoint
func healthCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}
}

// readinessCheckHandler probes every dependency; any failure makes the instance unready.
func (s *HTTPServer) readinessCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		checks := make(map[string]string, len(s.checks)+1)
		ready := true
		for _, c := range s.checks {
			if err := c.Check(ctx); err != nil {
				checks[c.Name] = err.Error()
				ready = false
				continue
			}
			checks[c.Name] = "ok"
		}
		// Missing statistics degrade ranking but do not block traffic.
		if _, err := s.holder.Current(); err != nil {
			checks["corpus_stats"] = "unavailable"
		} else {
			checks["corpus_stats"] = "ok"
		}

		status := http.StatusOK
		state := "ready"
		if !ready {
			status = http.StatusServiceUnavailable
			state = "not ready"
		}
		writeJSON(w, status, map[string]any{"status": state, "checks": checks})
	}
}
