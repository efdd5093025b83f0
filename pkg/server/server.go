package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/rs/zerolog"

	"github.com/maxgio92/xmem/pkg/consumer"
	"github.com/maxgio92/xmem/pkg/history"
	"github.com/maxgio92/xmem/pkg/stack"
)

const (
	DefaultAddr = "0.0.0.0:8080"

	shutdownTimeout = 5 * time.Second
)

// Reporter is the query surface of the call-tree.
type Reporter interface {
	Tree(threshold uint64) history.FrameReport
	Stats() history.Stats
}

// EventSource exposes the consumer counters.
type EventSource interface {
	Stats() consumer.Stats
}

// ResolverSource exposes the tracked process and the resolver counters.
type ResolverSource interface {
	Pid() int
	Stats() stack.Stats
	CachedTables() int
}

type ResolverStats struct {
	Refreshes    uint64 `json:"refreshes"`
	Misses       uint64 `json:"misses"`
	LoadErrors   uint64 `json:"load_errors"`
	CachedTables int    `json:"cached_tables"`
}

type StatsResponse struct {
	Pid     int    `json:"pid"`
	Events  uint64 `json:"events"`
	Dropped uint64 `json:"dropped"`
	Lost    uint64 `json:"lost"`
	history.Stats
	Resolver ResolverStats `json:"resolver"`
}

type PidResponse struct {
	Pid int `json:"pid"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// Server serves the call-tree, the counters and the metrics over HTTP.
type Server struct {
	addr     string
	reporter Reporter
	events   EventSource
	resolver ResolverSource

	registry *prometheus.Registry
	router   *mux.Router
	logger   log.Logger
}

type Option func(*Server)

func WithAddr(addr string) Option {
	return func(s *Server) {
		s.addr = addr
	}
}

func WithEventSource(events EventSource) Option {
	return func(s *Server) {
		s.events = events
	}
}

func WithResolverSource(resolver ResolverSource) Option {
	return func(s *Server) {
		s.resolver = resolver
	}
}

func WithLogger(logger log.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

func New(reporter Reporter, opts ...Option) *Server {
	s := &Server{
		addr:     DefaultAddr,
		reporter: reporter,
		registry: prometheus.NewRegistry(),
		logger:   log.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "server").Logger()
	s.registry.MustRegister(newCollector(s))

	s.router = mux.NewRouter()
	s.router.HandleFunc("/v1/tree", s.treeHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/stats", s.statsHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/pid", s.pidHandler).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Listen binds the listen address.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, errors.Wrapf(err, "error listening on %s", s.addr)
	}

	return ln, nil
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("serving")

	select {
	case err := <-errCh:
		return errors.Wrap(err, "error serving")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "error shutting down server")
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "error serving")
	}

	return nil
}

func (s *Server) treeHandler(w http.ResponseWriter, r *http.Request) {
	var threshold uint64
	if v := r.URL.Query().Get("threshold"); v != "" {
		var err error
		threshold, err = strconv.ParseUint(v, 10, 64)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "threshold must be a non-negative integer"})
			return
		}
	}

	s.writeJSON(w, http.StatusOK, s.reporter.Tree(threshold))
}

func (s *Server) statsHandler(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.stats())
}

func (s *Server) pidHandler(w http.ResponseWriter, _ *http.Request) {
	var resp PidResponse
	if s.resolver != nil {
		resp.Pid = s.resolver.Pid()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) stats() StatsResponse {
	resp := StatsResponse{Stats: s.reporter.Stats()}
	if s.events != nil {
		stats := s.events.Stats()
		resp.Events = stats.Events.Load()
		resp.Dropped = stats.Dropped.Load()
		resp.Lost = stats.Lost.Load()
	}
	if s.resolver != nil {
		stats := s.resolver.Stats()
		resp.Pid = s.resolver.Pid()
		resp.Resolver = ResolverStats{
			Refreshes:    stats.Refreshes.Load(),
			Misses:       stats.Misses.Load(),
			LoadErrors:   stats.LoadErrors.Load(),
			CachedTables: s.resolver.CachedTables(),
		}
	}

	return resp
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug().Err(err).Msg("error writing response")
	}
}
