// Package server exposes the classifier over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xweirdfor/xweirdfor/internal/config"
	"github.com/xweirdfor/xweirdfor/internal/headers"
	"github.com/xweirdfor/xweirdfor/internal/observability"
	"github.com/xweirdfor/xweirdfor/internal/pipeline"
	"github.com/xweirdfor/xweirdfor/internal/ratelimit"
)

const (
	routeClassify = "/v1/classify"
	routeBatch    = "/v1/batch"
	routeHealth   = "/healthz"

	pruneInterval = time.Minute
	bucketIdle    = 10 * time.Minute
)

// Classifier runs records through the detection pipeline.
type Classifier interface {
	Run(ctx context.Context, inputs []pipeline.Input) ([]pipeline.Outcome, error)
}

type Options struct {
	Metrics *observability.Metrics
	Logger  *zap.Logger
}

type Server struct {
	classifier Classifier
	cfg        config.ServerConfig
	limiter    *ratelimit.Limiter
	metrics    *observability.Metrics
	logger     *zap.Logger
	handler    http.Handler
}

func New(classifier Classifier, cfg config.ServerConfig, opts Options) (*Server, error) {
	if classifier == nil {
		return nil, errors.New("classifier is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Server{
		classifier: classifier,
		cfg:        cfg,
		limiter:    ratelimit.NewLimiter(),
		metrics:    opts.Metrics,
		logger:     opts.Logger,
	}

	mux := http.NewServeMux()
	mux.Handle("POST "+routeClassify, s.wrap(routeClassify, s.handleClassify))
	mux.Handle("POST "+routeBatch, s.wrap(routeBatch, s.handleBatch))
	mux.Handle("GET "+routeHealth, s.wrap(routeHealth, s.handleHealth))
	s.handler = mux
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// ListenAndServe serves on cfg.Listen until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      2 * s.cfg.ReadTimeout,
	}
	return serve(ctx, srv, s.logger, s.pruneLoop)
}

// ServeMetrics serves handler at /metrics on its own listener.
func ServeMetrics(ctx context.Context, listen string, handler http.Handler, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", handler)
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return serve(ctx, srv, logger, nil)
}

func serve(ctx context.Context, srv *http.Server, logger *zap.Logger, background func(context.Context)) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", srv.Addr, err)
	}
	logger.Info("listening", zap.String("addr", ln.Addr().String()))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if background != nil {
		go background(ctx)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown %s: %w", srv.Addr, err)
		}
		return nil
	}
}

func (s *Server) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.limiter.Prune(now, bucketIdle); n > 0 {
				s.logger.Debug("pruned rate limit buckets", zap.Int("count", n))
			}
		}
	}
}

// wrap adds request IDs, rate limiting and request metrics.
func (s *Server) wrap(route string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		rec.Header().Set("X-Request-ID", requestID)

		if s.cfg.RateLimit.Enabled && route != routeHealth {
			key := ratelimit.Key(ratelimit.KeyType(s.cfg.RateLimit.Key), clientIP(r), r.URL.Path)
			if !s.limiter.Allow(key, s.cfg.RateLimit.RPS, s.cfg.RateLimit.Burst, time.Now()) {
				s.metrics.RateLimited(route)
				writeError(rec, http.StatusTooManyRequests, "rate limit exceeded")
				s.metrics.ObserveHTTP(route, rec.status, time.Since(start))
				return
			}
		}

		next(rec, r)

		s.metrics.ObserveHTTP(route, rec.status, time.Since(start))
		s.logger.Debug("request served",
			zap.String("request_id", requestID),
			zap.String("route", route),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleClassify classifies one record. A malformed record is a 400 with
// the errored outcome as body.
func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	outcomes, err := s.classifier.Run(r.Context(), []pipeline.Input{{Raw: body}})
	if err != nil {
		s.runFailed(w, err)
		return
	}

	o := outcomes[0]
	status := http.StatusOK
	switch pipeline.ErrorKind(o.Err) {
	case pipeline.KindValidation:
		status = http.StatusBadRequest
	case pipeline.KindScoring, pipeline.KindInternal:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, o)
}

type batchResponse struct {
	Outcomes []pipeline.Outcome `json:"outcomes"`
	Errored  int                `json:"errored"`
}

// handleBatch classifies {"requests": [...]}. Per-record failures are
// reported inside the outcomes with a 200.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	raws, err := headers.ParseBatch(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	outcomes, err := s.classifier.Run(r.Context(), pipeline.RawInputs(raws))
	if err != nil {
		s.runFailed(w, err)
		return
	}

	resp := batchResponse{Outcomes: outcomes}
	for _, o := range outcomes {
		if o.Failed() {
			resp.Errored++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if s.cfg.MaxBodyBytes > 0 {
		if r.ContentLength > s.cfg.MaxBodyBytes {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return nil, false
		}
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return nil, false
	}
	return body, true
}

func (s *Server) runFailed(w http.ResponseWriter, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		writeError(w, http.StatusServiceUnavailable, "classification cancelled")
		return
	}
	s.logger.Error("classification failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "classification failed")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func clientIP(r *http.Request) string {
	if r == nil {
		return ""
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
