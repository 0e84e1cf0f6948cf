package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"attestd/internal/attestation"
	"attestd/internal/authenticator"
	"attestd/internal/config"
	"attestd/internal/health"
	"attestd/internal/logging"
	"attestd/internal/manager"
	"attestd/internal/metrics"
	"attestd/internal/store"
	"attestd/internal/tracing"
)

// daemonEnvVar marks the re-executed child when serve runs with -detach.
const daemonEnvVar = "ATTESTD_DAEMON"

// Daemon wires the attestation manager, the re-attestation loop, and the
// loopback control API into one long-running process.
type Daemon struct {
	log      *logging.Logger
	audit    *logging.AuditLogger
	store    *store.Store
	auth     authenticator.Authenticator
	mgr      *manager.Manager
	health   *health.Checker
	loader   *config.Loader
	api      *http.Server
	registry *metrics.Registry
	metrics  *metrics.AgentMetrics

	mu  sync.RWMutex
	cfg *config.Config

	// reloadCh wakes the refresh loop when the config changed.
	reloadCh  chan struct{}
	startedAt time.Time
}

func cmdServe() {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	register := fs.Bool("register", false, "register this device on startup if no credential exists")
	deviceName := fs.String("name", "", "device display name for -register")
	detach := fs.Bool("detach", false, "run in the background")
	fs.Parse(os.Args[2:])

	if *detach && os.Getenv(daemonEnvVar) != "1" {
		detachDaemon()
		return
	}

	path := *configPath
	if path == "" {
		path = config.FindConfigFile()
	}
	if path == "" {
		path = config.ConfigPath()
	}

	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating directories: %v\n", err)
		os.Exit(1)
	}

	d, err := newDaemon(cfg, loader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error starting daemon: %v\n", err)
		os.Exit(1)
	}

	if err := d.run(*register, *deviceName); err != nil {
		fmt.Fprintf(os.Stderr, "Daemon error: %v\n", err)
		os.Exit(1)
	}
}

// detachDaemon re-executes attestd serve as a detached child and waits for
// its pid file to appear before returning.
func detachDaemon() {
	exe, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error finding executable: %v\n", err)
		os.Exit(1)
	}

	args := []string{"serve"}
	for _, a := range os.Args[2:] {
		if a != "-detach" && a != "--detach" {
			args = append(args, a)
		}
	}

	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), daemonEnvVar+"=1")
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil
	cmd.SysProcAttr = getDaemonSysProcAttr()

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting daemon: %v\n", err)
		os.Exit(1)
	}

	pidFile := config.GetDefaultPaths().PIDFile
	for i := 0; i < 20; i++ {
		time.Sleep(250 * time.Millisecond)
		if pid, running := daemonPID(pidFile); running {
			fmt.Printf("attestd daemon started (PID %d).\n", pid)
			return
		}
	}

	fmt.Fprintln(os.Stderr, "Error: daemon did not come up. Check the log file.")
	os.Exit(1)
}

func newDaemon(cfg *config.Config, loader *config.Loader) (*Daemon, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}

	log, err := logging.New(&logging.Config{
		Level:      level,
		Format:     format,
		Output:     cfg.Logging.Output,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    int64(cfg.Logging.MaxSizeMB),
		MaxAge:     cfg.Logging.MaxAgeDays,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
		Component:  "attestd",
	})
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	logging.SetDefault(log)

	audit, err := logging.NewAuditLogger(&logging.AuditLoggerConfig{
		FilePath:   cfg.Logging.AuditPath,
		MaxSize:    int64(cfg.Logging.MaxSizeMB),
		MaxAge:     cfg.Logging.MaxAgeDays,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
		Component:  "attestd",
	})
	if err != nil {
		return nil, fmt.Errorf("init audit log: %w", err)
	}
	logging.SetDefaultAuditLogger(audit)

	ctx := context.Background()

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	auth, err := authenticator.Detect(ctx, authenticator.Config{
		Origin:         cfg.Origin(),
		DataDir:        cfg.Storage.DataDir,
		PreferPlatform: cfg.Authenticator.PreferPlatform,
		TPMPath:        cfg.Authenticator.TPMPath,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("detect authenticator: %w", err)
	}

	mgr, err := manager.New(ctx, manager.Config{
		Client: manager.NewClient(manager.ClientConfig{
			BaseURL: cfg.Backend.BaseURL,
			Timeout: cfg.BackendTimeout(),
		}),
		Store:         st,
		Authenticator: auth,
		Logger:        log,
		Audit:         audit,
	})
	if err != nil {
		auth.Close()
		st.Close()
		return nil, fmt.Errorf("create manager: %w", err)
	}

	d := &Daemon{
		log:       log.WithComponent("daemon"),
		audit:     audit,
		store:     st,
		auth:      auth,
		mgr:       mgr,
		loader:    loader,
		cfg:       cfg,
		reloadCh:  make(chan struct{}, 1),
		startedAt: time.Now(),
	}

	d.registry = metrics.NewRegistry("attestd", "")
	d.metrics = metrics.InitMetrics(d.registry)
	d.metrics.SetAttestationState(mgr.IsRegistered(), mgr.Fresh())

	if cfg.Tracing.Enabled {
		exporter, err := tracing.NewFileExporter(cfg.Tracing.FilePath)
		if err != nil {
			log.Warn("trace file unavailable, tracing stays off", "error", err)
		} else {
			tracing.InitTracer(&tracing.TracerConfig{
				ServiceName: "attestd",
				Exporter:    exporter,
				Sampler:     tracing.NewRatioSampler(cfg.Tracing.SampleRatio),
				Enabled:     true,
			})
			log.Info("tracing enabled", "file", cfg.Tracing.FilePath)
		}
	}

	d.health = health.NewChecker()
	d.health.RegisterFunc("store", true, health.StoreCheck(st.Ping))
	d.health.RegisterFunc("authenticator", false, health.AuthenticatorCheck(auth.Available))
	d.health.RegisterFunc("attestation", false, health.AttestationCheck(mgr.IsRegistered, mgr.Fresh))

	return d, nil
}

// run is the daemon main loop. It returns after a clean shutdown; fatal
// startup errors come back to cmdServe.
func (d *Daemon) run(registerOnStart bool, deviceName string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := d.config()

	pidFile := config.GetDefaultPaths().PIDFile
	if err := writePIDFile(pidFile); err != nil {
		return err
	}
	defer os.Remove(pidFile)

	d.log.Info("daemon starting",
		"version", Version,
		"pid", os.Getpid(),
		"backend", cfg.Backend.BaseURL,
		"store", cfg.Storage.Path,
		"authenticator_type", string(d.auth.Type()),
	)
	d.audit.LogStartup(ctx, Version, map[string]interface{}{
		"pid":     os.Getpid(),
		"backend": cfg.Backend.BaseURL,
	})

	// Config changes are picked up without a restart where that is safe:
	// log level and the refresh loop parameters. Backend, storage, and
	// listen address changes take effect on the next start.
	d.loader.OnChange(func(next *config.Config) {
		d.mu.Lock()
		prev := d.cfg
		d.cfg = next
		d.mu.Unlock()

		d.log.Info("config reloaded")
		if prev.Backend.BaseURL != next.Backend.BaseURL ||
			prev.Storage.Path != next.Storage.Path ||
			prev.API.Listen != next.API.Listen {
			d.log.Warn("backend, storage, and api changes require a restart")
		}
		d.audit.LogConfigChange(ctx, "config_file", "", "reloaded")

		select {
		case d.reloadCh <- struct{}{}:
		default:
		}
	})
	if err := d.loader.Watch(); err != nil {
		d.log.Warn("config watch unavailable", "error", err)
	}

	var wg sync.WaitGroup
	apiErr := make(chan error, 1)

	if cfg.API.Enabled {
		d.api = &http.Server{
			Addr:         cfg.API.Listen,
			Handler:      d.newRouter(),
			ReadTimeout:  cfg.APITimeout(),
			WriteTimeout: cfg.APITimeout(),
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.log.Info("control api listening", "addr", cfg.API.Listen)
			if err := d.api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				apiErr <- err
			}
		}()
	} else {
		d.log.Info("control api disabled")
	}

	if registerOnStart && !d.mgr.IsRegistered() {
		name := deviceName
		if name == "" {
			name = cfg.Backend.DeviceName
		}
		if name == "" {
			name, _ = os.Hostname()
		}
		if d.mgr.Register(ctx, name) {
			d.log.Info("startup registration complete", "device_name", name)
		} else {
			// Not fatal; the operator can retry through attestctl.
			d.log.Error("startup registration failed", "error", d.mgr.LastError())
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.refreshLoop(ctx)
	}()

	d.health.SetReady(true)
	d.log.Info("daemon ready",
		"supported", d.mgr.IsSupported(),
		"registered", d.mgr.IsRegistered(),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		d.log.Info("shutdown signal received", "signal", sig.String())
		d.audit.LogShutdown(ctx, sig.String())
	case err := <-apiErr:
		d.log.Error("control api failed", "error", err)
		d.audit.LogShutdown(ctx, "api error")
		runErr = err
	}

	d.health.SetReady(false)
	cancel()

	if d.api != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.api.Shutdown(shutdownCtx); err != nil {
			d.log.Warn("api shutdown forced", "error", err)
		}
		shutdownCancel()
	}

	wg.Wait()

	d.loader.Close()
	d.auth.Close()
	if err := d.store.Close(); err != nil {
		d.log.Warn("store close failed", "error", err)
	}
	if err := tracing.Shutdown(); err != nil {
		d.log.Warn("trace file close failed", "error", err)
	}

	d.log.Info("daemon stopped")
	d.audit.Close()
	d.log.Close()

	return runErr
}

func (d *Daemon) config() *config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// refreshLoop re-authenticates before the attestation goes stale. Each tick
// checks remaining freshness rather than refreshing unconditionally, so a
// just-registered device is not immediately re-attested.
func (d *Daemon) refreshLoop(ctx context.Context) {
	log := d.log.WithComponent("refresh")

	cfg := d.config()
	if !cfg.Attestation.AutoRefresh {
		log.Info("auto refresh disabled")
		return
	}

	interval := cfg.RefreshInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info("refresh loop started", "interval", interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.reloadCh:
			cfg = d.config()
			if !cfg.Attestation.AutoRefresh {
				log.Info("auto refresh disabled by config change")
				return
			}
			if next := cfg.RefreshInterval(); next != interval {
				interval = next
				ticker.Reset(interval)
				log.Info("refresh interval changed", "interval", interval)
			}
		case <-ticker.C:
			d.maybeRefresh(ctx, log, interval)
		}
	}
}

// maybeRefresh runs an authentication ceremony when the attestation would
// go stale before the next tick, retrying per the config.
func (d *Daemon) maybeRefresh(ctx context.Context, log *logging.Logger, interval time.Duration) {
	if !d.mgr.IsRegistered() || !d.mgr.IsSupported() {
		return
	}
	if remaining := d.freshnessRemaining(); remaining > interval {
		log.Debug("attestation still fresh", "remaining", remaining)
		return
	}

	ctx, span := tracing.StartSpan(ctx, "attestation.refresh")
	defer span.End()

	cfg := d.config()
	attempts := cfg.Attestation.RetryAttempts + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		ok := d.mgr.Authenticate(ctx)
		d.metrics.RecordRefreshAttempt(ok)
		if ok {
			span.SetAttribute("attempts", attempt)
			span.SetStatus(tracing.StatusOK, "")
			log.Info("attestation refreshed", "attempt", attempt)
			return
		}
		span.AddEvent("attempt failed", tracing.Attribute{Key: "attempt", Value: attempt})
		log.Warn("refresh attempt failed",
			"attempt", attempt,
			"of", attempts,
			"error", d.mgr.LastError(),
		)
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(cfg.RetryDelay()):
		}
	}
	d.metrics.RecordError()
	span.SetStatus(tracing.StatusError, d.mgr.LastError())
	log.Error("attestation refresh exhausted retries", "error", d.mgr.LastError())
}

// freshnessRemaining returns how long the current attestation stays fresh,
// or zero when there is none.
func (d *Daemon) freshnessRemaining() time.Duration {
	att := d.mgr.Attestation()
	if att == nil {
		return 0
	}
	expiry := time.Unix(att.AttestedAt, 0).Add(attestation.FreshnessWindow)
	remaining := time.Until(expiry)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// PID file helpers

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create runtime dir: %w", err)
	}
	if pid, running := daemonPID(path); running {
		return fmt.Errorf("daemon already running (PID %d)", pid)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0600)
}

// daemonPID reads the pid file and reports whether that process is alive.
// A missing or unparseable file returns (0, false); a stale file returns
// (pid, false).
func daemonPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return pid, false
	}
	// On Unix FindProcess always succeeds; signal 0 probes for existence.
	if err := process.Signal(syscall.Signal(0)); err != nil {
		return pid, false
	}
	return pid, true
}
