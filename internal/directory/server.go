package directory

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"neighborly/go-backend/internal/platform/metrics"
	"neighborly/go-backend/internal/platform/ratelimiter"
	"neighborly/go-backend/pkg/models"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	DefaultAddr     = "127.0.0.1:8790"
	maxRequestBytes = 4 << 10
)

// Server exposes a Directory over HTTP:
//
//	GET  /api/v1/keys/{userID}
//	PUT  /api/v1/keys/{userID}   {"public_key": "<base64>"}
//	GET  /healthz
//	GET  /metrics
type Server struct {
	dir      Directory
	limiter  *ratelimiter.MapLimiter
	validate *validator.Validate
	logger   *slog.Logger
	metrics  *metrics.DirectoryServer
	gatherer prometheus.Gatherer
	now      func() time.Time
	router   *mux.Router
}

type ServerOption func(*Server)

// WithPublishLimit caps publishes per user; a nil limiter disables the cap.
func WithPublishLimit(l *ratelimiter.MapLimiter) ServerOption {
	return func(s *Server) { s.limiter = l }
}

func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithServerMetrics counts requests into m and serves g on /metrics.
func WithServerMetrics(m *metrics.DirectoryServer, g prometheus.Gatherer) ServerOption {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = g
	}
}

func NewServer(dir Directory, opts ...ServerOption) *Server {
	s := &Server{
		dir:      dir,
		validate: validator.New(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/keys/{userID}", s.instrument("get_key", s.handleGet)).Methods(http.MethodGet)
	api.HandleFunc("/keys/{userID}", s.instrument("publish_key", s.handlePublish)).Methods(http.MethodPut)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()
	s.logger.Info("key directory listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) int {
	userID, err := models.NormalizeUserID(mux.Vars(r)["userID"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return http.StatusBadRequest
	}
	entry, err := s.dir.Get(r.Context(), userID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, entry)
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "public key not found")
		return http.StatusNotFound
	default:
		s.logger.Error("directory get failed", "user_id", userID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "directory unavailable")
		return http.StatusServiceUnavailable
	}
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) int {
	userID, err := models.NormalizeUserID(mux.Vars(r)["userID"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return http.StatusBadRequest
	}
	if ok, retryAfter := s.limiter.Allow(userID, s.now()); !ok {
		s.metrics.RateLimited()
		secs := int(math.Ceil(retryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeError(w, http.StatusTooManyRequests, "publish rate limit exceeded")
		return http.StatusTooManyRequests
	}

	var req publishRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload")
		return http.StatusBadRequest
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "public_key must be 32 bytes")
		return http.StatusUnprocessableEntity
	}

	err = s.dir.Publish(r.Context(), userID, req.PublicKey)
	switch {
	case err == nil:
		s.logger.Info("public key published", "user_id", userID)
		writeJSON(w, http.StatusOK, map[string]string{"user_id": userID})
		return http.StatusOK
	case errors.Is(err, ErrInvalidPublicKey):
		writeError(w, http.StatusUnprocessableEntity, "invalid public key")
		return http.StatusUnprocessableEntity
	default:
		s.logger.Error("directory publish failed", "user_id", userID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "directory unavailable")
		return http.StatusServiceUnavailable
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) instrument(route string, h func(http.ResponseWriter, *http.Request) int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		code := h(w, r)
		s.metrics.Request(route, code)
		s.logger.Debug("directory request",
			"route", route,
			"method", r.Method,
			"status", code,
			"duration", time.Since(start),
		)
	}
}
