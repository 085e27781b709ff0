package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/polisai/polis-keyoffload/internal/admin"
	"github.com/polisai/polis-keyoffload/internal/offload"
	"github.com/polisai/polis-keyoffload/internal/offload/driver"
	"github.com/polisai/polis-keyoffload/internal/offload/driver/soft"
	offloadtls "github.com/polisai/polis-keyoffload/internal/tls"
	"github.com/polisai/polis-keyoffload/pkg/config"
	"github.com/polisai/polis-keyoffload/pkg/logging"
	"github.com/polisai/polis-keyoffload/pkg/telemetry"
)

const (
	metricsExportInterval = 15 * time.Second
	telemetryFlushTimeout = 5 * time.Second
	ephemeralCertValidity = 24 * time.Hour
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Terminate TLS with offloaded private key operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

// setup loads the configuration and builds the process logger.
func setup(opts *rootOptions) (*config.Config, *slog.Logger, *slog.LevelVar, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}

	logger, level, err := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	slog.SetDefault(logger)
	return cfg, logger, level, nil
}

func runServe(ctx context.Context, opts *rootOptions) error {
	cfg, logger, level, err := setup(opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	telemetryCfg := telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     version,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
	}
	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetryCfg)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	shutdownMetrics, err := telemetry.SetupMeterProvider(ctx, telemetryCfg, metricsExportInterval)
	if err != nil {
		return fmt.Errorf("failed to set up metrics: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), telemetryFlushTimeout)
		defer cancel()
		if err := errors.Join(shutdownMetrics(flushCtx), shutdownTracing(flushCtx)); err != nil {
			logger.Warn("Failed to flush telemetry", "error", err)
		}
	}()

	logger.Info("Starting keyoffload",
		"version", version,
		"config", opts.configPath,
		"offload_enabled", cfg.Offload.Enabled,
		"driver", cfg.Offload.Driver,
	)

	d := newDaemon(cfg, opts.configPath, logger, level, opts.logLevel != "")
	if err := d.start(ctx); err != nil {
		return errors.Join(err, d.shutdown())
	}
	return d.run(ctx)
}

// daemon owns every long-lived component of the serve command.
type daemon struct {
	cfg         *config.Config
	configPath  string
	logger      *slog.Logger
	level       *slog.LevelVar
	levelPinned bool

	ready   *admin.Ready
	admin   *admin.Server
	manager *offload.Manager
	section *offload.Section
	term    *offloadtls.Terminator
	watcher *config.Watcher

	adminListener net.Listener
	tlsListener   net.Listener
	adminErr      chan error
}

func newDaemon(cfg *config.Config, configPath string, logger *slog.Logger, level *slog.LevelVar, levelPinned bool) *daemon {
	return &daemon{
		cfg:         cfg,
		configPath:  configPath,
		logger:      logger,
		level:       level,
		levelPinned: levelPinned,
		adminErr:    make(chan error, 1),
	}
}

// start brings the components up in dependency order. Readiness stays
// pending until the offload engine has started, so the admin server is
// started first and reports it.
func (d *daemon) start(ctx context.Context) error {
	d.ready = admin.NewReady(d.logger)
	offloadTask := d.ready.RegisterTask("offload")
	listenerTask := offloadTask.Subtask("listener")

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	d.admin = admin.NewServer(admin.Config{
		Addr:        d.cfg.Admin.Address,
		EnablePprof: d.cfg.Admin.EnablePprof,
		Logger:      d.logger,
	}, d.ready, registry, d.dump)

	adminListener, err := net.Listen("tcp", d.cfg.Admin.Address)
	if err != nil {
		return fmt.Errorf("failed to bind admin listener %s: %w", d.cfg.Admin.Address, err)
	}
	d.adminListener = adminListener
	go func() {
		if err := d.admin.Serve(adminListener); err != nil {
			d.adminErr <- fmt.Errorf("admin server: %w", err)
		}
	}()

	if err := d.startOffload(ctx); err != nil {
		return err
	}
	if d.section != nil {
		registry.MustRegister(offload.NewPrometheusCollector(d.section))
	}
	offloadTask.Done()

	kp, err := d.loadKeyPair(ctx)
	if err != nil {
		return err
	}

	minVersion, err := config.ParseTLSVersion(d.cfg.Listener.MinVersion)
	if err != nil {
		return err
	}
	termCfg := offloadtls.TerminatorConfig{
		KeyPair:          kp,
		Fallback:         offloadtls.Fallback(d.cfg.Offload.Fallback),
		MinVersion:       minVersion.Uint16(),
		HandshakeTimeout: d.cfg.Listener.HandshakeTimeout.Duration,
		Logger:           d.logger,
	}
	if d.section != nil {
		termCfg.Method = offload.NewProvider(offload.ProviderOptions{Logger: d.logger})
		termCfg.Section = d.section
	}
	d.term, err = offloadtls.NewTerminator(termCfg)
	if err != nil {
		return err
	}

	if d.configPath != "" {
		d.watcher, err = config.NewWatcher(d.configPath, d.logger)
		if err != nil {
			return fmt.Errorf("failed to watch configuration: %w", err)
		}
	}

	tlsListener, err := net.Listen("tcp", d.cfg.Listener.Address)
	if err != nil {
		return fmt.Errorf("failed to bind TLS listener %s: %w", d.cfg.Listener.Address, err)
	}
	d.tlsListener = tlsListener
	listenerTask.Done()
	return nil
}

// startOffload acquires the driver and starts the configured section. When
// the accelerator cannot be brought up and fallback is software, the daemon
// keeps running and signs every handshake in software.
func (d *daemon) startOffload(ctx context.Context) error {
	oc := d.cfg.Offload
	if !oc.Enabled {
		d.logger.Info("Private key offload disabled")
		return nil
	}

	m, err := offload.Acquire(ctx, offload.ManagerConfig{
		Driver:      newDriver(oc),
		ProcessName: oc.ProcessName,
		Logger:      d.logger,
	})
	if err != nil {
		return d.offloadUnavailable(err)
	}

	s, err := m.StartSection(ctx, offload.SectionConfig{
		Name:              oc.Section,
		PollDelay:         oc.PollDelay.Duration,
		PollQuota:         oc.PollQuota,
		DrainTimeout:      oc.DrainTimeout.Duration,
		CompletionTimeout: oc.CompletionTimeout.Duration,
		FailurePolicy: &offload.FailurePolicy{
			MaxFailures: oc.FailurePolicy.MaxFailures,
			Window:      oc.FailurePolicy.Window.Duration,
		},
	})
	if err != nil {
		if rerr := m.Release(ctx); rerr != nil {
			d.logger.Warn("Failed to release offload manager", "error", rerr)
		}
		return d.offloadUnavailable(err)
	}

	d.manager = m
	d.section = s
	return nil
}

func (d *daemon) offloadUnavailable(err error) error {
	if d.cfg.Offload.Fallback != config.FallbackSoftware {
		return fmt.Errorf("failed to start private key offload: %w", err)
	}
	d.logger.Warn("Private key offload unavailable, handshakes will be signed in software", "error", err)
	return nil
}

func newDriver(cfg config.OffloadConfig) driver.Driver {
	if cfg.Driver == config.DriverSoftware {
		return soft.New(soft.Options{
			Instances:  cfg.SoftwareInstances,
			QueueDepth: cfg.SoftwareQueueDepth,
		})
	}
	return driver.Unavailable()
}

func (d *daemon) loadKeyPair(ctx context.Context) (*offloadtls.KeyPair, error) {
	lc := d.cfg.Listener
	if lc.HasKeyPair() {
		kp, err := offloadtls.LoadKeyPair(lc.CertFile, lc.KeyFile)
		var leaf *x509.Certificate
		if kp != nil {
			leaf = kp.Leaf
		}
		offloadtls.NewTLSLogger(d.logger).LogCertificateLoad(ctx, lc.CertFile, lc.KeyFile, leaf, err)
		return kp, err
	}

	d.logger.Warn("No certificate configured, using an ephemeral self-signed certificate")
	certPEM, keyPEM, err := offloadtls.GenerateSelfSignedCertificate(offloadtls.CertificateGenerationOptions{
		CommonName:   "localhost",
		Organization: []string{"keyoffload"},
		KeyType:      offloadtls.KeyTypeECDSA,
		ValidFor:     ephemeralCertValidity,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate certificate: %w", err)
	}
	return offloadtls.ParseKeyPair(certPEM, keyPEM)
}

// run serves until ctx is done, /quitquitquit is called or a server fails,
// then shuts everything down.
func (d *daemon) run(ctx context.Context) error {
	serveCtx, stopServing := context.WithCancel(context.Background())
	defer stopServing()

	termDone := make(chan error, 1)
	go func() {
		termDone <- d.term.Serve(serveCtx, d.tlsListener, echoHandler(d.logger))
	}()

	if d.watcher != nil {
		go d.watchConfig(serveCtx, d.watcher.Subscribe())
	}

	d.logger.Info("keyoffload ready",
		"listener", d.tlsListener.Addr().String(),
		"admin", d.adminListener.Addr().String(),
	)

	var runErr error
	termStopped := false
	select {
	case <-ctx.Done():
		d.logger.Info("Received shutdown signal")
	case <-d.admin.ShutdownRequested():
		d.logger.Info("Shutdown requested through admin endpoint")
	case runErr = <-d.adminErr:
		d.logger.Error("Admin server failed", "error", runErr)
	case runErr = <-termDone:
		termStopped = true
		d.logger.Error("TLS terminator stopped unexpectedly", "error", runErr)
	}

	d.admin.SetDraining(true)
	stopServing()
	if !termStopped {
		runErr = errors.Join(runErr, <-termDone)
	}

	return errors.Join(runErr, d.shutdown())
}

// shutdown drains the section, releases the driver and stops the admin
// server. It tolerates a partially started daemon.
func (d *daemon) shutdown() error {
	var errs []error

	if d.watcher != nil {
		errs = append(errs, d.watcher.Close())
	}

	if d.section != nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), d.cfg.Offload.DrainTimeout.Duration+time.Second)
		if err := d.section.Drain(drainCtx); err != nil {
			errs = append(errs, fmt.Errorf("drain section: %w", err))
		}
		cancel()
	}
	if d.manager != nil {
		if err := d.manager.Release(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("release offload manager: %w", err))
		}
	}

	if d.admin != nil && d.adminListener != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.admin.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("admin shutdown: %w", err))
		}
		cancel()
	}

	err := errors.Join(errs...)
	if err != nil {
		d.logger.Error("Shutdown completed with errors", "error", err)
	} else {
		d.logger.Info("Shutdown complete")
	}
	return err
}

// watchConfig applies the settings that can change without a restart.
func (d *daemon) watchConfig(ctx context.Context, updates <-chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg := <-updates:
			d.applyConfig(cfg)
		}
	}
}

func (d *daemon) applyConfig(cfg *config.Config) {
	if d.section != nil {
		if delay := cfg.Offload.PollDelay.Duration; delay != d.section.PollDelay() {
			d.section.SetPollDelay(delay)
			d.logger.Info("Poll delay updated", "section", d.section.Name(), "poll_delay", delay)
		}
	}
	if !d.levelPinned {
		if err := logging.SetLevel(d.level, cfg.Logging.Level); err != nil {
			d.logger.Warn("Ignoring invalid log level", "level", cfg.Logging.Level, "error", err)
		}
	}
}

// dump is served at /config_dump.
func (d *daemon) dump() interface{} {
	state := map[string]interface{}{
		"version":         version,
		"offload_enabled": d.section != nil,
		"fallback":        d.cfg.Offload.Fallback,
	}
	if d.section != nil {
		state["section"] = d.section.Name()
		state["poll_delay"] = d.section.PollDelay().String()
		state["handles"] = d.section.Stats()
	}
	if d.term != nil {
		state["active_connections"] = d.term.Active()
	}
	return state
}

// echoHandler writes back whatever the client sends until either side
// closes the connection.
func echoHandler(logger *slog.Logger) offloadtls.Handler {
	return offloadtls.HandlerFunc(func(ctx context.Context, conn *tls.Conn) {
		n, err := io.Copy(conn, conn)
		if err != nil && !errors.Is(err, net.ErrClosed) {
			logger.DebugContext(ctx, "Connection closed", "remote_addr", conn.RemoteAddr().String(), "bytes", n, "error", err)
		}
	})
}
