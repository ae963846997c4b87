// Package httpapi exposes the orchestrator over HTTP. Runs stream as
// Server-Sent Events, one event per chunk.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	contractx "github.com/tanpawarit/Chative-Expert-Panel/agent/contract"
	logx "github.com/tanpawarit/Chative-Expert-Panel/pkg/logger"
)

// Runner starts and stops orchestrator runs.
type Runner interface {
	Stream(ctx context.Context, cfg contractx.ModeConfig) <-chan contractx.Chunk
	Stop(runID string) bool
	ActiveRuns() int
}

// MetricsSource returns a snapshot of the process metrics.
type MetricsSource interface {
	Collect(ctx context.Context) (metricdata.ResourceMetrics, error)
}

type Config struct {
	Addr              string        `default:":8080"`
	AllowedOrigins    []string      `split_words:"true" default:"*"`
	ReadHeaderTimeout time.Duration `split_words:"true" default:"10s"`
	ShutdownTimeout   time.Duration `split_words:"true" default:"15s"`
	MaxBodyBytes      int64         `split_words:"true" default:"1048576"`
}

type Option func(*Server)

func WithMetricsSource(m MetricsSource) Option {
	return func(s *Server) { s.metrics = m }
}

type Server struct {
	runner  Runner
	metrics MetricsSource
	cfg     Config
}

func New(runner Runner, cfg Config, opts ...Option) (*Server, error) {
	if runner == nil {
		return nil, fmt.Errorf("%w: runner is required", contractx.ErrConfiguration)
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	s := &Server{runner: runner, cfg: cfg}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Handler returns the routes wrapped with CORS and request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/ask", s.handleAsk)
	mux.HandleFunc("POST /v1/runs/{id}/stop", s.handleStop)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.HandleFunc("GET /debug/metrics", s.handleMetrics)
	}

	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(withRequestLogger(mux))
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server failed: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Int("active_runs", s.runner.ActiveRuns()).Msg("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return <-errCh
}

func withRequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := logx.WithFields(r.Context(), map[string]string{
			"request_id": requestID,
			"method":     r.Method,
			"path":       r.URL.Path,
		})
		w.Header().Set("X-Request-ID", requestID)

		started := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		zerolog.Ctx(ctx).Debug().Dur("elapsed", time.Since(started)).Msg("request served")
	})
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiError{Code: code, Message: message})
}
