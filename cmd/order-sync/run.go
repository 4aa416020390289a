package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"github.com/spinsirr/order-wizard-sub000/internal/auth"
	"github.com/spinsirr/order-wizard-sub000/internal/engine"
	"github.com/spinsirr/order-wizard-sub000/internal/inbox"
	"github.com/spinsirr/order-wizard-sub000/internal/mcpserver"
	"github.com/spinsirr/order-wizard-sub000/internal/notify"
	"github.com/spinsirr/order-wizard-sub000/internal/server"
	"golang.org/x/sync/errgroup"
)

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon",
		Long: `Run the sync daemon: periodic and debounced sync rounds, the inbox
watcher, and the local HTTP server with /events, /mcp and /healthz.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runDaemon(ctx)
		},
	}
}

func runDaemon(ctx context.Context) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	logger := a.logger

	keys, err := auth.NewKeys(a.cfg.LocalAPIKeys)
	if err != nil {
		return fmt.Errorf("parsing LOCAL_API_KEYS: %w", err)
	}

	if !keys.Enabled() {
		logger.Warn("LOCAL_API_KEYS not set, /events and /mcp are unauthenticated")
	}
	logger.Info("order-sync starting",
		slog.String("version", Version),
		slog.String("api", a.cfg.APIURL),
		slog.String("listen", a.cfg.ListenAddr),
		slog.Duration("sync_interval", a.cfg.SyncInterval),
		slog.Bool("api_keys", keys.Enabled()),
	)

	hub := notify.NewHub(logger.With(slog.String("component", "events")), a.cfg.AllowedOrigins...)
	a.notifyFn = hub.Publish
	a.engine.OnRecordsChanged(hub.Publish)

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "order-sync", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, mcpserver.Deps{Engine: a.engine, Orders: a.orders, Outbox: a.queue})

	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	httpServer := server.New(a.cfg.ListenAddr, server.NewMux(server.MuxConfig{
		Events:     hub,
		MCPHandler: mcpHandler,
		Guard:      auth.Middleware(keys, logger.With(slog.String("component", "auth"))),
		Health: func() (bool, any) {
			st := a.engine.Status()
			return !st.NeedsAuth, st
		},
	}))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting HTTP server", slog.String("listen", a.cfg.ListenAddr))

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}

		return nil
	})

	// Shutdown when context is cancelled.
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return httpServer.Shutdown(shutdownCtx)
	})

	if a.cfg.InboxDir != "" {
		watcher := inbox.NewWatcher(a.cfg.InboxDir, a.engine, logger.With(slog.String("component", "inbox")))
		g.Go(func() error {
			return ignoreCanceled(watcher.Watch(gctx))
		})
	}

	g.Go(func() error {
		synced, err := a.signIn(gctx)
		if err != nil {
			logger.Warn("sign-in failed", slog.String("error", err.Error()))
		}

		if !synced {
			requestSync(gctx, a.engine, logger)
		}

		return periodicSync(gctx, a.engine, a.cfg.SyncInterval, logger)
	})

	return ignoreCanceled(g.Wait())
}

// periodicSync triggers a round every interval until ctx ends. A zero
// interval disables it.
func periodicSync(ctx context.Context, eng *engine.Engine, interval time.Duration, logger *slog.Logger) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			requestSync(ctx, eng, logger)
		}
	}
}

func requestSync(ctx context.Context, eng *engine.Engine, logger *slog.Logger) {
	if _, err := eng.RequestSync(ctx); err != nil {
		logger.Debug("scheduled sync did not complete", slog.String("error", err.Error()))
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}
