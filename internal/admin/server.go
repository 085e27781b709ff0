// Package admin serves the proxy's control endpoints: readiness, metrics,
// a state dump, profiling and a shutdown trigger.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/atomic"
)

// Config configures the admin server.
type Config struct {
	Addr            string
	EnablePprof     bool
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// DumpFunc returns the state served at /config_dump.
type DumpFunc func() interface{}

type command struct {
	uri         string
	description string
}

var commands = []command{
	{"/healthz/ready", "print server state"},
	{"/debug/pprof/profile", "print the pprof data"},
	{"/quitquitquit", "exit the server"},
	{"/config_dump", "print the offload state"},
	{"/", "list all the commands"},
	{"/metrics", "list all the metrics"},
}

// Server is the admin HTTP server.
type Server struct {
	cfg      Config
	log      *slog.Logger
	ready    *Ready
	registry *prometheus.Registry
	dump     DumpFunc

	draining     atomic.Bool
	quit         chan struct{}
	quitOnce     sync.Once
	srv          *http.Server
	listenerAddr atomic.String
}

// NewServer creates an admin server. registry may be nil.
func NewServer(cfg Config, ready *Ready, registry *prometheus.Registry, dump DumpFunc) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	s := &Server{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "admin"),
		ready:    ready,
		registry: registry,
		dump:     dump,
		quit:     make(chan struct{}),
	}
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           otelhttp.NewHandler(s.Handler(), "admin"),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the admin routes without instrumentation.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz/ready", s.handleReady)
	mux.HandleFunc("/quitquitquit", s.handleQuit)
	mux.HandleFunc("/config_dump", s.handleConfigDump)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/", s.handleHelp)

	if s.cfg.EnablePprof {
		s.log.Info("pprof API enabled")
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

// ShutdownRequested is closed when /quitquitquit is called.
func (s *Server) ShutdownRequested() <-chan struct{} {
	return s.quit
}

// SetDraining makes the readiness endpoint fail regardless of tasks.
func (s *Server) SetDraining(draining bool) {
	if s.draining.Swap(draining) != draining {
		s.log.Info("Admin readiness changed", "draining", draining)
	}
}

// Addr returns the bound address once Serve has started.
func (s *Server) Addr() string {
	return s.listenerAddr.Load()
}

// Serve accepts admin connections on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.listenerAddr.Store(l.Addr().String())
	s.log.Info("Starting admin server", "address", l.Addr().String())
	if err := s.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.Error("Graceful admin server shutdown failed", "error", err)
		return err
	}
	s.log.Info("Admin server gracefully stopped")
	return nil
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain")

	if s.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("draining\n"))
		return
	}
	if pending := s.ready.Pending(); len(pending) > 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "not ready: %s\n", strings.Join(pending, ", "))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}

func (s *Server) handleQuit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	s.quitOnce.Do(func() {
		s.log.Info("Shutdown requested through admin endpoint")
		close(s.quit)
	})
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("shutdown now\n"))
}

func (s *Server) handleConfigDump(w http.ResponseWriter, _ *http.Request) {
	var state interface{}
	if s.dump != nil {
		state = s.dump()
	}
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(state); err != nil {
		s.log.Error("Failed to encode config dump", "error", err)
	}
}

func (s *Server) handleHelp(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	for _, cmd := range commands {
		_, _ = fmt.Fprintf(w, "%-32s%-48s\n", cmd.uri, cmd.description)
	}
}
