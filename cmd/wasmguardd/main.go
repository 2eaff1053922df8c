// Command wasmguardd is the composition root: it loads the trust config
// and component manifests, starts the capability checker, registers one
// actor per discovered manifest under a supervisor, runs the cron-driven
// manifest poller and housekeeping sweep, and serves the admin HTTP+WS
// surface. Structure grounded on the teacher's cmd/goclaw/main.go startup
// sequence (config load -> audit init -> logger init -> otel init -> store
// open -> domain wiring -> background loops -> gateway listen -> signal-
// driven graceful shutdown), retargeted from an LLM-agent daemon to a
// component-actor security runtime.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"

	"github.com/basket/wasmguard/internal/actor"
	"github.com/basket/wasmguard/internal/admin"
	"github.com/basket/wasmguard/internal/admintui"
	"github.com/basket/wasmguard/internal/audit"
	"github.com/basket/wasmguard/internal/bus"
	"github.com/basket/wasmguard/internal/capability"
	"github.com/basket/wasmguard/internal/checker"
	"github.com/basket/wasmguard/internal/config"
	"github.com/basket/wasmguard/internal/cron"
	"github.com/basket/wasmguard/internal/otelx"
	"github.com/basket/wasmguard/internal/quota"
	"github.com/basket/wasmguard/internal/ratelimit"
	"github.com/basket/wasmguard/internal/safety"
	"github.com/basket/wasmguard/internal/storex"
	"github.com/basket/wasmguard/internal/supervisor"
	"github.com/basket/wasmguard/internal/telemetry"
	"github.com/basket/wasmguard/internal/trust"
	"github.com/basket/wasmguard/internal/trustconfig"
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                run the daemon (checker, supervisor, admin surface)
  %s admin          launch the operator TUI dashboard, connecting to a
                    running daemon's admin surface

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  WASMGUARD_HOME            data directory (default: ~/.wasmguard)
  WASMGUARD_BIND_ADDR       admin surface bind address
  WASMGUARD_LOG_LEVEL       log level (debug|info|warn|error)
  WASMGUARD_MANIFEST_DIR    component manifest directory
  WASMGUARD_AUTH_TOKEN      admin surface bearer token (generated if unset)
  WASMGUARD_NO_TUI          set to skip auto-launching the operator
                            dashboard when stdout is a terminal
`)
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if args := flag.Args(); len(args) > 0 && strings.ToLower(args[0]) == "admin" {
		os.Exit(runAdminTUI(flag.Args()[1:]))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded")

	otelProvider, err := otelx.Init(ctx, cfg.Telemetry)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() { _ = otelProvider.Shutdown(ctx) }()

	store, err := storex.Open(filepath.Join(cfg.HomeDir, "wasmguard.db"))
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetStore(store)
	logger.Info("startup phase", "phase", "schema_migrated")

	eventBus := bus.New()

	trustMgr := trustconfig.NewManager(
		filepath.Join(cfg.HomeDir, "trust-config.toml"),
		filepath.Join(cfg.HomeDir, "backups"),
		logger,
	)
	trustRegistry := trust.New(logger)
	loadTrustRegistry := func() {
		trustCfg, err := trustMgr.Load()
		if err != nil {
			logger.Warn("trust config not loaded, defaulting to empty registry", "error", err)
			return
		}
		trustRegistry.Reset()
		trustRegistry.SetDevMode(trustCfg.DevMode)
		for _, src := range trustCfg.Sources {
			if err := trustRegistry.AddSource(src); err != nil {
				logger.Warn("failed to register trust source", "error", err)
			}
		}
	}
	loadTrustRegistry()

	if err := trustMgr.Watch(func() {
		logger.Warn("trust config file changed outside SaveConfig, reloading")
		loadTrustRegistry()
		eventBus.Publish(bus.TopicTrustConfigExternalChange, bus.OperatorAlert{
			Severity: "warning",
			Message:  "trust config file was modified outside SaveConfig and has been reloaded",
		})
	}); err != nil {
		logger.Warn("trust config file watch not started", "error", err)
	} else {
		defer trustMgr.Close()
	}

	components := checker.Global()
	sharedLimiter := ratelimit.New(ratelimit.DefaultLimit)
	leakDetector := safety.NewLeakDetector()

	sup, err := supervisor.New(supervisor.Config{
		Strategy:         supervisor.OneForOne,
		RestartPolicy:    supervisor.Transient,
		ShutdownPolicy:   supervisor.Graceful,
		GracefulTimeout:  5 * time.Second,
		Window:           supervisor.Window{MaxRestarts: 3, Period: 60 * time.Second},
		Backoff:          supervisor.Backoff{Base: 100 * time.Millisecond, Max: 30 * time.Second},
		HousekeepingCron: cfg.HousekeepingCron,
	}, sharedLimiter, logger)
	if err != nil {
		fatalStartup(logger, "E_SUPERVISOR_CONFIG", err)
	}
	sup.SetEventBus(eventBus)

	registerComponent := func(path string, secCtx *capability.SecurityContext) {
		id := secCtx.Metadata.Id
		level := trustRegistry.DetermineTrustLevel(string(id), trust.ComponentSource{
			Kind: trust.SourceLocalPath,
			Path: path,
		})
		logger.Info("registering component", "component_id", id, "manifest", path, "trust_level", level)

		if err := components.Register(secCtx); err != nil {
			logger.Error("component registration rejected", "component_id", id, "error", err)
			return
		}

		quarantined, err := store.Quarantined(ctx, string(id))
		if err != nil {
			logger.Warn("quarantine lookup failed, assuming not quarantined", "component_id", id, "error", err)
		}
		if quarantined {
			logger.Warn("component is quarantined, not starting", "component_id", id)
			return
		}

		wasmPath := strings.TrimSuffix(path, filepath.Ext(path)) + ".wasm"
		tracker := quota.New(quota.Limits{
			StorageBytes:   cfg.DefaultQuota.StorageBytes,
			RatePerWindow:  cfg.DefaultQuota.RatePerWindow,
			BandwidthBytes: cfg.DefaultQuota.BandwidthBytes,
			CPUMillis:      cfg.DefaultQuota.CPUMillis,
			MemoryBytes:    cfg.DefaultQuota.MemoryBytes,
			Window:         cfg.DefaultQuota.Window,
		})

		act, err := actor.New(actor.Config{
			SecurityContext: secCtx,
			Checker:         components,
			RateLimiter:     sharedLimiter,
			Quota:           tracker,
			Logger:          logger,
			AuditEnabled:    true,
			Hooks: actor.Hooks{
				OnMessageReceived: func(_ context.Context, msg actor.Message) error {
					for _, w := range leakDetector.Scan(string(msg.Payload)) {
						logger.Warn("potential secret leak in component message",
							"component_id", id, "pattern", w.Pattern, "sample", w.Sample)
					}
					return nil
				},
			},
			Loader: func(_ context.Context) ([]byte, error) {
				return os.ReadFile(wasmPath)
			},
		})
		if err != nil {
			logger.Error("failed to construct actor", "component_id", id, "error", err)
			return
		}

		if err := sup.Register(string(id), act); err != nil {
			logger.Error("failed to register actor with supervisor", "component_id", id, "error", err)
			return
		}
		eventBus.Publish(bus.TopicComponentRegistered, bus.ComponentStateChangedEvent{
			ComponentID: string(id), NewStatus: "registered",
		})

		if err := act.Start(ctx); err != nil {
			logger.Error("actor failed to start", "component_id", id, "error", err)
			if _, faultErr := store.RecordFailure(ctx, string(id), err.Error(), 0); faultErr != nil {
				logger.Warn("failed to record actor startup failure", "component_id", id, "error", faultErr)
			}
			return
		}
	}

	unregisterComponent := func(path string) {
		logger.Info("manifest removed, unregistration is operator-driven", "manifest", path)
	}

	poller := cron.NewScheduler(cron.Config{
		ManifestDir:  cfg.ManifestDir,
		Logger:       logger,
		OnDiscovered: registerComponent,
		OnRemoved:    unregisterComponent,
	})
	poller.Start(ctx)
	defer poller.Stop()

	sup.StartHousekeeping(ctx)
	defer sup.StopHousekeeping()

	authToken, err := loadAuthToken(cfg.HomeDir)
	if err != nil {
		fatalStartup(logger, "E_AUTH_TOKEN_WRITE", err)
	}

	adminSrv := admin.New(admin.Config{
		Bus:          eventBus,
		Checker:      components,
		Metrics:      otelProvider,
		AuthToken:    authToken,
		AllowOrigins: cfg.AllowOrigins,
	})

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: adminSrv.Handler(),
	}
	serverErr := make(chan error, 1)
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_ADMIN_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("admin surface listening", "addr", cfg.BindAddr)
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				result, err := store.RunRetention(ctx, cfg.RetentionAuditLogDays)
				if err != nil {
					logger.Error("retention job failed", "error", err)
				} else if result.PurgedAuditLogs > 0 {
					logger.Info("retention job completed", "purged_audit_logs", result.PurgedAuditLogs)
				}
			}
		}
	}()

	interactive := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("WASMGUARD_NO_TUI") == ""
	if interactive {
		logger.Info("stdout is a terminal, launching operator dashboard", "addr", cfg.BindAddr)
		if err := admintui.Run(ctx, admintui.Config{BaseURL: "http://" + cfg.BindAddr, AuthToken: authToken}); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("operator dashboard exited with error", "error", err)
		}
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("admin server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = sup.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

// runAdminTUI launches the operator dashboard against a running daemon's
// admin surface. It reads its own small flag set so it doesn't collide
// with the daemon's top-level flags.
func runAdminTUI(args []string) int {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	addr := fs.String("addr", "http://127.0.0.1:18943", "base URL of the running daemon's admin surface")
	token := fs.String("token", os.Getenv("WASMGUARD_AUTH_TOKEN"), "admin surface bearer token")
	_ = fs.Parse(args)

	if *token == "" {
		if home := config.HomeDir(); home != "" {
			if b, err := os.ReadFile(config.AuthTokenPath(home)); err == nil {
				*token = strings.TrimSpace(string(b))
			}
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := admintui.Run(ctx, admintui.Config{BaseURL: *addr, AuthToken: *token}); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "admin dashboard exited with error: %v\n", err)
		return 1
	}
	return 0
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, "", message, "")

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, `{"level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n", reasonCode, message)
	}
	os.Exit(1)
}

func loadAuthToken(homeDir string) (string, error) {
	if raw := strings.TrimSpace(os.Getenv("WASMGUARD_AUTH_TOKEN")); raw != "" {
		return raw, nil
	}
	tokenPath := config.AuthTokenPath(homeDir)
	if b, err := os.ReadFile(tokenPath); err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, nil
}
