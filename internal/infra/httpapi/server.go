package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"circuit_go/internal/domain"
	"circuit_go/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

const (
	requestTimeout  = 15 * time.Second
	shutdownTimeout = 5 * time.Second

	defaultRPS   = 50
	defaultBurst = 100
)

// Reporter is the read side served over HTTP.
type Reporter interface {
	Today(ctx context.Context) domain.BusinessDate
	Changes(ctx context.Context, key domain.ContractKey, day domain.Date) (service.DayChanges, error)
	ChangesForIndex(ctx context.Context, indexName string, day domain.Date) ([]service.DayChanges, error)
	Archive(ctx context.Context, from, to domain.Date) ([]domain.ArchiveRecord, error)
}

// RunHistory exposes the latest archive pass.
type RunHistory interface {
	LastResult() (domain.ArchiveResult, bool)
}

// Pinger checks a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type errorResponse struct {
	Error string `json:"error"`
}

type businessDateResponse struct {
	domain.BusinessDate
	Degraded bool `json:"degraded"`
}

type indexChangesResponse struct {
	Index        string               `json:"index"`
	BusinessDate domain.Date          `json:"business_date"`
	Contracts    []service.DayChanges `json:"contracts"`
}

// Server serves the read API.
type Server struct {
	addr     string
	reporter Reporter
	runs     RunHistory
	health   Pinger
	registry *prometheus.Registry
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithRateLimit caps read requests across all clients. A non-positive
// rps disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		if rps <= 0 {
			s.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// NewServer creates a new API server. runs, health and registry may be nil.
func NewServer(addr string, reporter Reporter, runs RunHistory, health Pinger, registry *prometheus.Registry, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		addr:     addr,
		reporter: reporter,
		runs:     runs,
		health:   health,
		registry: registry,
		limiter:  rate.NewLimiter(defaultRPS, defaultBurst),
		logger:   logger.With(slog.String("component", "httpapi")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes builds the router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	if s.registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(s.limit)
		r.Use(middleware.Timeout(requestTimeout))
		r.Use(render.SetContentType(render.ContentTypeJSON))

		r.Get("/business-date", s.handleBusinessDate)
		r.Get("/contracts/{id}/changes", s.handleContractChanges)
		r.Get("/indices/{index}/changes", s.handleIndexChanges)
		r.Get("/archive", s.handleArchive)
		r.Get("/archive/last-run", s.handleLastRun)
	})
	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      requestTimeout + 5*time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP API listening", slog.String("addr", s.addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("HTTP API stopped")
	return ctx.Err()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("took", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			s.fail(w, r, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			s.fail(w, r, http.StatusServiceUnavailable, err)
			return
		}
	}
	render.PlainText(w, r, "ok")
}

func (s *Server) handleBusinessDate(w http.ResponseWriter, r *http.Request) {
	bd := s.reporter.Today(r.Context())
	render.JSON(w, r, businessDateResponse{BusinessDate: bd, Degraded: bd.Degraded()})
}

func (s *Server) handleContractChanges(w http.ResponseWriter, r *http.Request) {
	id, err := url.PathUnescape(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}
	key, err := domain.ParseContractID(id)
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}
	day, err := s.dateParam(r, "date")
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}

	changes, err := s.reporter.Changes(r.Context(), key, day)
	if err != nil {
		s.fail(w, r, statusFor(err), err)
		return
	}
	render.JSON(w, r, changes)
}

func (s *Server) handleIndexChanges(w http.ResponseWriter, r *http.Request) {
	index := strings.ToUpper(chi.URLParam(r, "index"))
	day, err := s.dateParam(r, "date")
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}

	contracts, err := s.reporter.ChangesForIndex(r.Context(), index, day)
	if err != nil {
		s.fail(w, r, statusFor(err), err)
		return
	}
	render.JSON(w, r, indexChangesResponse{Index: index, BusinessDate: day, Contracts: contracts})
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := domain.ParseDate(q.Get("from"))
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}
	to := from
	if raw := q.Get("to"); raw != "" {
		if to, err = domain.ParseDate(raw); err != nil {
			s.fail(w, r, http.StatusBadRequest, err)
			return
		}
	}
	if to.Before(from) {
		s.fail(w, r, http.StatusBadRequest, errors.New("to is before from"))
		return
	}

	recs, err := s.reporter.Archive(r.Context(), from, to)
	if err != nil {
		s.fail(w, r, statusFor(err), err)
		return
	}
	if recs == nil {
		recs = []domain.ArchiveRecord{}
	}
	render.JSON(w, r, recs)
}

func (s *Server) handleLastRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		s.fail(w, r, http.StatusNotFound, errors.New("no archive runs yet"))
		return
	}
	res, ok := s.runs.LastResult()
	if !ok {
		s.fail(w, r, http.StatusNotFound, errors.New("no archive runs yet"))
		return
	}
	render.JSON(w, r, res)
}

// dateParam reads a YYYY-MM-DD query value, defaulting to the current
// business date.
func (s *Server) dateParam(r *http.Request, name string) (domain.Date, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return s.reporter.Today(r.Context()).Date, nil
	}
	return domain.ParseDate(raw)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Any("error", err),
		)
	}
	render.Status(r, status)
	render.JSON(w, r, errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidContract), errors.Is(err, domain.ErrInvalidQuote):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrPersistenceFailure):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
