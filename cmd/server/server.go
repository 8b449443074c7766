package main

import (
	"context"
	"log/slog"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"golang.org/x/sync/semaphore"

	"github.com/toricodesthings/quote-analysis-service/internal/apperr"
	"github.com/toricodesthings/quote-analysis-service/internal/config"
	"github.com/toricodesthings/quote-analysis-service/internal/inference"
	"github.com/toricodesthings/quote-analysis-service/internal/pipeline"
	"github.com/toricodesthings/quote-analysis-service/internal/types"
)

type statsSource interface {
	Stats() inference.Stats
}

type server struct {
	cfg        config.Config
	pipe       *pipeline.Pipeline
	llm        statsSource
	requestSem *semaphore.Weighted
	metrics    *serverMetrics
	log        *slog.Logger
}

type serverMetrics struct {
	mu            sync.RWMutex
	totalRequests int64
	activeReqs    int64
	failed        int64
}

func (m *serverMetrics) incActive() {
	m.mu.Lock()
	m.activeReqs++
	m.totalRequests++
	m.mu.Unlock()
}

func (m *serverMetrics) decActive() {
	m.mu.Lock()
	m.activeReqs--
	m.mu.Unlock()
}

func (m *serverMetrics) incFailed() {
	m.mu.Lock()
	m.failed++
	m.mu.Unlock()
}

func (m *serverMetrics) get() (total, active, failed int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalRequests, m.activeReqs, m.failed
}

func newServer(cfg config.Config, pipe *pipeline.Pipeline, llm statsSource, log *slog.Logger) *server {
	return &server{
		cfg:        cfg,
		pipe:       pipe,
		llm:        llm,
		requestSem: semaphore.NewWeighted(cfg.MaxConcurrentRequests),
		metrics:    &serverMetrics{},
		log:        log,
	}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.withLogging)
	r.Use(s.withRecovery)

	if len(s.cfg.AllowedOrigins) > 0 {
		r.Use(cors.New(cors.Options{
			AllowedOrigins: s.cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Internal-Auth"},
			MaxAge:         300,
		}).Handler)
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeErr(w, http.StatusNotFound, "not_found", "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeErr(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
	})

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.withInternalAuth)

		r.Get("/metrics", s.handleMetrics)

		r.Route("/v1", func(r chi.Router) {
			r.With(s.withConcurrencyLimit).Post("/analyze/consumer", s.handleAnalyze(types.AudienceConsumer))
			r.With(s.withConcurrencyLimit).Post("/analyze/professional", s.handleAnalyze(types.AudienceProfessional))
			r.Post("/preview", s.handlePreview)
		})
	})

	return r
}

// ---------- Handlers ----------

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	_, active, _ := s.metrics.get()
	status := "healthy"
	code := http.StatusOK

	ratio := s.cfg.HealthDegradeRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 0.9
	}

	if active >= int64(float64(s.cfg.MaxConcurrentRequests)*ratio) {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":  status,
		"active":  active,
		"version": version,
	})
}

func (s *server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	total, active, failed := s.metrics.get()

	body := map[string]any{
		"activeRequests": active,
		"totalRequests":  total,
		"failedRequests": failed,
		"goroutines":     runtime.NumGoroutine(),
		"memAllocMB":     m.Alloc / (1 << 20),
	}
	if s.llm != nil {
		body["inference"] = s.llm.Stats()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *server) handleAnalyze(audience types.Audience) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := parseJSON[types.AnalyzeRequest](r, s.cfg.MaxJSONBodyBytes)
		if err != nil {
			writeErr(w, http.StatusBadRequest, "bad_request", "Requête JSON invalide")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RunTimeout)
		defer cancel()

		res, err := s.pipe.Run(ctx, types.SourceDocument{
			RawText:  req.Content,
			Filename: sanitizeLogString(req.Filename),
			Audience: audience,
		})
		if err != nil {
			s.writeAppErr(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, types.AnalyzeResponse{
			Success:          true,
			Analysis:         res.Analysis.Markdown,
			Extracted:        res.Extracted,
			Preprocessed:     res.WasRestructured,
			Model:            res.ModelUsed,
			Tokens:           res.TokenUsage,
			ExtractionStatus: res.ExtractionStatus,
		})
	}
}

func (s *server) handlePreview(w http.ResponseWriter, r *http.Request) {
	req, err := parseJSON[types.PreviewRequest](r, s.cfg.MaxJSONBodyBytes)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "bad_request", "Requête JSON invalide")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.PreviewTimeout)
	defer cancel()

	res, err := s.pipe.Preview(ctx, req.Content)
	if err != nil {
		s.log.Warn("http.preview.timeout",
			"request_id", middleware.GetReqID(r.Context()),
			"timeout", s.cfg.PreviewTimeout)
		writeErr(w, http.StatusServiceUnavailable, "timeout", "Service temporairement indisponible")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// writeAppErr maps a pipeline error to the public envelope. Internal
// details go to the log only.
func (s *server) writeAppErr(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.metrics.incFailed()
		s.log.Error("http.analyze.failed",
			"request_id", middleware.GetReqID(r.Context()),
			"kind", string(apperr.KindOf(err)),
			"err", err,
		)
	}
	writeErr(w, status, apperr.PublicCode(err), apperr.PublicMessage(err))
}

// ---------- Middleware ----------

func (s *server) withInternalAuth(next http.Handler) http.Handler {
	shared := s.cfg.InternalSharedSecret
	if shared == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !secretMatches(r.Header.Get("X-Internal-Auth"), shared) {
			writeErr(w, http.StatusUnauthorized, "unauthorized", "Invalid authentication")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) withConcurrencyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.requestSem.Acquire(r.Context(), 1); err != nil {
			writeErr(w, http.StatusServiceUnavailable, "capacity", "Service at capacity")
			return
		}
		defer s.requestSem.Release(1)

		s.metrics.incActive()
		defer s.metrics.decActive()

		next.ServeHTTP(w, r)
	})
}

func (s *server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.log.Error("http.panic", "request_id", middleware.GetReqID(r.Context()), "panic", rec)
				writeErr(w, http.StatusInternalServerError, "internal_error", "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.log.Info("http.request",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", sanitizeLogString(r.URL.Path),
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
		)
	})
}
