package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MegaGrindStone/signeo-mcp"
	"github.com/MegaGrindStone/signeo-mcp/admin"
	"github.com/MegaGrindStone/signeo-mcp/credential"
	"github.com/MegaGrindStone/signeo-mcp/internal/config"
	"github.com/MegaGrindStone/signeo-mcp/internal/telemetry"
	"github.com/MegaGrindStone/signeo-mcp/registry"
	"github.com/MegaGrindStone/signeo-mcp/servers/signeo"
	"github.com/MegaGrindStone/signeo-mcp/store"
)

const (
	serverName      = "signeo-mcp-server"
	shutdownTimeout = 30 * time.Second
	retryInitial    = 500 * time.Millisecond
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP and admin HTTP server",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

// app holds the components shared by the serve and stdio commands.
type app struct {
	logger    *slog.Logger
	providers *telemetry.Providers
	store     *store.SQLiteStore
	manager   *mcp.SessionManager
	watcher   *registry.Watcher
}

// newApp wires the components in startup order: telemetry, store, first registry load,
// façade, session manager and watcher.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	providers, err := telemetry.Setup(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return nil, err
	}
	a := &app{logger: logger, providers: providers}

	instruments, err := providers.Instruments()
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to create instruments: %w", err)
	}

	a.store, err = store.Open(cfg.Database.Path, store.WithLogger(logger))
	if err != nil {
		a.close()
		return nil, err
	}

	reg := registry.New(a.store, registry.WithLogger(logger))
	if err := reg.Reload(ctx); err != nil {
		logger.Warn("initial registry load failed, serving default descriptions",
			slog.String("err", err.Error()))
	}

	relay, err := credential.New(cfg.Credential.Scope, logger)
	if err != nil {
		a.close()
		return nil, err
	}

	tools := signeo.NewServer(relay,
		signeo.WithLogger(logger),
		signeo.WithBaseURLs(cfg.AppBaseURL, cfg.SysBaseURL),
		signeo.WithTimeout(cfg.Downstream.Timeout),
	)
	srv := mcp.NewServer(reg,
		mcp.WithServerLogger(logger),
		mcp.WithCredentialStore(relay),
		mcp.WithToolMiddleware(instruments.ToolMiddleware()),
	)
	if err := srv.BindAll(tools.Descriptors()); err != nil {
		a.close()
		return nil, fmt.Errorf("failed to bind tools: %w", err)
	}

	a.manager = mcp.NewSessionManager(mcp.Info{Name: serverName, Version: version}, srv,
		mcp.WithSessionLogger(logger),
		mcp.WithSessionIdleTimeout(cfg.Session.IdleTimeout),
		mcp.WithSessionOnCreated(instruments.SessionCreated),
		mcp.WithSessionOnClosed(sessionClosedHook(instruments, relay)),
	)

	a.watcher = registry.NewWatcher(reg, a.store, srv,
		registry.WithWatcherLogger(logger),
		registry.WithResyncSchedule(cfg.Registry.Resync),
		registry.WithRetry(retryInitial, cfg.Registry.RetryMaxElapsed),
	)
	return a, nil
}

// run runs the session manager and the watcher alongside serve. Everything stops when ctx
// is done, when serve returns, or when one of them fails.
func (a *app) run(ctx context.Context, serve func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.manager.Run(gctx)
	})
	g.Go(func() error {
		return a.watcher.Run(gctx)
	})
	g.Go(func() error {
		defer cancel()
		return serve(gctx)
	})
	return g.Wait()
}

func (a *app) close() {
	if a.store != nil {
		_ = a.store.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.providers.Shutdown(ctx); err != nil {
		a.logger.Warn("failed to shut down telemetry", slog.String("err", err.Error()))
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           newHandler(cfg, a.manager, a.store, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a.run(ctx, func(ctx context.Context) error {
		errs := make(chan error, 1)
		go func() {
			logger.Info("listening", slog.String("addr", cfg.Listen), slog.String("version", version))
			errs <- httpServer.ListenAndServe()
		}()

		select {
		case err := <-errs:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("failed to serve http: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
}

// newHandler mounts the MCP endpoint and the admin routes on one mux behind CORS.
func newHandler(cfg *config.Config, manager *mcp.SessionManager, tools admin.ToolStore, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/mcp", mcp.NewStreamableServer(manager, mcp.WithStreamableLogger(logger)).Handler())
	admin.New(tools, admin.WithLogger(logger)).RegisterRoutes(mux)
	return admin.CORS(cfg.CORS.AllowedOrigin, mux)
}

// sessionClosedHook updates the session gauge and, for per-session credentials, drops the
// closed session's token.
func sessionClosedHook(instruments *telemetry.Instruments, relay credential.Relay) func(string) {
	sessions, perSession := relay.(*credential.SessionRelay)
	return func(id string) {
		instruments.SessionClosed(id)
		if perSession {
			sessions.Forget(id)
		}
	}
}
