package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/webimporter/internal/fetch"
	"github.com/JakeFAU/webimporter/internal/jobs"
	"github.com/JakeFAU/webimporter/internal/metrics"
)

const (
	defaultRequestTimeout = 60 * time.Second
	defaultMaxReferences  = 1000
	defaultMaxBodyPreview = 64 << 10
)

// Config controls request handling.
type Config struct {
	// APIKey protects the /v1 routes when set.
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxReferences  int           `mapstructure:"max_references"`
	// Defaults fill options a request leaves out.
	Defaults jobs.Options `mapstructure:"defaults"`
	// Templates are named job definitions clients can submit by name.
	Templates map[string]jobs.Parameters `mapstructure:"templates"`
}

// Server wires HTTP handlers to the queue and stores.
type Server struct {
	router   chi.Router
	jobStore jobs.JobStore
	queue    jobs.Enqueuer
	idGen    jobs.IDGenerator
	clock    jobs.Clock
	fetcher  fetch.Fetcher
	cfg      Config
	logger   *zap.Logger
	draining atomic.Bool
}

// NewServer constructs a Server with middleware and routes. fetcher may be
// nil, which disables /v1/fetch.
func NewServer(
	jobStore jobs.JobStore,
	queue jobs.Enqueuer,
	idGen jobs.IDGenerator,
	clock jobs.Clock,
	fetcher fetch.Fetcher,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.MaxReferences <= 0 {
		cfg.MaxReferences = defaultMaxReferences
	}
	s := &Server{
		jobStore: jobStore,
		queue:    queue,
		idGen:    idGen,
		clock:    clock,
		fetcher:  fetcher,
		cfg:      cfg,
		logger:   logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Post("/fetch", s.fetchReference)
		r.Route("/imports", func(r chi.Router) {
			r.Post("/", s.submitImport)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Get("/status", s.getJobStatus)
				r.Get("/result", s.getJobResult)
				r.Post("/cancel", s.cancelJob)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetDraining flips /readyz to 503 so load balancers stop sending traffic
// during shutdown.
func (s *Server) SetDraining(draining bool) {
	s.draining.Store(draining)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.draining.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type importRequest struct {
	Template   string            `json:"template"`
	References []string          `json:"references"`
	Tags       map[string]string `json:"tags"`
	Options    optionsRequest    `json:"options"`
}

type optionsRequest struct {
	UseBrowser      *bool `json:"use_browser"`
	FollowRedirects *bool `json:"follow_redirects"`
	MaxRedirects    *int  `json:"max_redirects"`
	StoreContent    *bool `json:"store_content"`
}

func (s *Server) submitImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	params, status, err := s.toParameters(req)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	jobID, err := SubmitJob(r.Context(), s.jobStore, s.queue, s.idGen, s.clock, params)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}
	s.logger.Info("import submitted", zap.String("job_id", jobID), zap.Int("references", len(params.References)))
	w.Header().Set("Location", "/v1/imports/"+jobID)
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) toParameters(req importRequest) (jobs.Parameters, int, error) {
	var params jobs.Parameters
	if req.Template != "" {
		tmpl, ok := s.cfg.Templates[req.Template]
		if !ok {
			return params, http.StatusNotFound, fmt.Errorf("job template %q not found", req.Template)
		}
		params = cloneParameters(tmpl)
	}
	params.References = append(params.References, req.References...)
	if len(params.References) == 0 {
		return params, http.StatusBadRequest, errors.New("references required")
	}
	if len(params.References) > s.cfg.MaxReferences {
		return params, http.StatusBadRequest, fmt.Errorf("at most %d references per job", s.cfg.MaxReferences)
	}
	for _, ref := range params.References {
		if err := validateReference(ref); err != nil {
			return params, http.StatusBadRequest, err
		}
	}
	if len(req.Tags) > 0 && params.Tags == nil {
		params.Tags = make(map[string]string, len(req.Tags))
	}
	for k, v := range req.Tags {
		params.Tags[k] = v
	}
	if req.Template == "" {
		params.Options = s.cfg.Defaults
	}
	params.Options.UseBrowser = valueOrDefault(req.Options.UseBrowser, params.Options.UseBrowser)
	params.Options.FollowRedirects = valueOrDefault(req.Options.FollowRedirects, params.Options.FollowRedirects)
	params.Options.MaxRedirects = valueOrDefault(req.Options.MaxRedirects, params.Options.MaxRedirects)
	params.Options.StoreContent = valueOrDefault(req.Options.StoreContent, params.Options.StoreContent)
	if params.Options.MaxRedirects < 0 {
		return params, http.StatusBadRequest, errors.New("max_redirects must be >= 0")
	}
	return params, http.StatusOK, nil
}

// SubmitJob creates a queued job and hands it to the queue. The scheduler
// and the import command share it with the HTTP handler.
func SubmitJob(
	ctx context.Context,
	store jobs.JobStore,
	queue jobs.Enqueuer,
	idGen jobs.IDGenerator,
	clock jobs.Clock,
	params jobs.Parameters,
) (string, error) {
	jobID, err := idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	now := clock.Now()
	job := jobs.Job{
		ID:         jobID,
		Status:     jobs.StatusQueued,
		Submitted:  now,
		Parameters: params,
	}
	if err := store.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	queueCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	item := jobs.QueueItem{
		JobID:     jobID,
		Params:    params,
		Attempt:   1,
		Submitted: now.Unix(),
	}
	if err := queue.Enqueue(queueCtx, item); err != nil {
		if uerr := store.UpdateJobStatus(ctx, jobID, jobs.StatusFailed, "enqueue failed: "+err.Error(), jobs.Counters{}); uerr != nil {
			return "", fmt.Errorf("enqueue job: %w (status update: %v)", err, uerr)
		}
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return jobID, nil
}

func (s *Server) lookupJob(w http.ResponseWriter, r *http.Request) (jobs.Job, bool) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.jobStore.GetJob(r.Context(), jobID)
	if errors.Is(err, jobs.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return job, false
	}
	if err != nil {
		s.logger.Error("get job failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return job, false
	}
	return job, true
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":   job.ID,
		"status":   job.Status,
		"counters": job.Counters,
		"error":    job.ErrorText,
	})
}

func (s *Server) getJobResult(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	docs, err := s.jobStore.ListDocuments(r.Context(), job.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch job documents")
		return
	}
	writeJSON(w, http.StatusOK, jobs.Result{Job: job, Documents: docs})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	if job.Status.Terminal() {
		writeError(w, http.StatusConflict, fmt.Sprintf("job already %s", job.Status))
		return
	}
	if err := s.jobStore.UpdateJobStatus(
		r.Context(),
		job.ID,
		jobs.StatusCanceled,
		"canceled via API",
		job.Counters,
	); err != nil {
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": job.ID, "status": string(jobs.StatusCanceled)})
}

type fetchRequest struct {
	Reference   string `json:"reference"`
	Method      string `json:"method"`
	IncludeBody bool   `json:"include_body"`
}

type fetchResponse struct {
	Reference      string              `json:"reference"`
	State          fetch.State         `json:"state"`
	StatusCode     int                 `json:"status_code"`
	Reason         string              `json:"reason,omitempty"`
	Fetcher        string              `json:"fetcher,omitempty"`
	ContentType    string              `json:"content_type,omitempty"`
	Charset        string              `json:"charset,omitempty"`
	FinalURL       string              `json:"final_url,omitempty"`
	RedirectTarget string              `json:"redirect_target,omitempty"`
	Headers        map[string][]string `json:"headers,omitempty"`
	BodyBytes      int                 `json:"body_bytes"`
	Body           string              `json:"body,omitempty"`
	DurationMs     int64               `json:"duration_ms"`
}

func (s *Server) fetchReference(w http.ResponseWriter, r *http.Request) {
	if s.fetcher == nil {
		writeError(w, http.StatusNotImplemented, "no fetcher configured")
		return
	}
	var req fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := validateReference(req.Reference); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	switch req.Method {
	case "", fetch.MethodGet, fetch.MethodHead:
	default:
		writeError(w, http.StatusBadRequest, "method must be GET or HEAD")
		return
	}
	resp, err := s.fetcher.Fetch(r.Context(), fetch.Request{Reference: req.Reference, Method: req.Method})
	if err != nil && resp.State == "" {
		if errors.Is(err, fetch.ErrNoFetcher) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	out := fetchResponse{
		Reference:      req.Reference,
		State:          resp.State,
		StatusCode:     resp.StatusCode,
		Reason:         resp.Reason,
		Fetcher:        resp.Fetcher,
		ContentType:    resp.ContentType,
		Charset:        resp.Charset,
		FinalURL:       resp.FinalURL,
		RedirectTarget: resp.RedirectTarget,
		Headers:        resp.Headers,
		BodyBytes:      len(resp.Body),
		DurationMs:     resp.Duration.Milliseconds(),
	}
	if req.IncludeBody {
		body := resp.Body
		if len(body) > defaultMaxBodyPreview {
			body = body[:defaultMaxBodyPreview]
		}
		out.Body = string(body)
	}
	writeJSON(w, http.StatusOK, out)
}

func validateReference(ref string) error {
	u, err := url.Parse(ref)
	if err != nil {
		return fmt.Errorf("invalid reference %q", ref)
	}
	switch u.Scheme {
	case "http", "https":
		if u.Host == "" {
			return fmt.Errorf("reference %q has no host", ref)
		}
	case "file":
	default:
		return fmt.Errorf("unsupported reference scheme in %q", ref)
	}
	return nil
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}

func cloneParameters(src jobs.Parameters) jobs.Parameters {
	cp := src
	cp.References = append([]string(nil), src.References...)
	if src.Tags != nil {
		cp.Tags = make(map[string]string, len(src.Tags))
		for k, v := range src.Tags {
			cp.Tags[k] = v
		}
	}
	return cp
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the request ID stored by the middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", RequestID(r.Context())),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
