package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spinsirr/order-wizard-sub000/internal/config"
	"github.com/spinsirr/order-wizard-sub000/internal/engine"
	"github.com/spinsirr/order-wizard-sub000/internal/localstore"
	"github.com/spinsirr/order-wizard-sub000/internal/logging"
	"github.com/spinsirr/order-wizard-sub000/internal/orders"
	"github.com/spinsirr/order-wizard-sub000/internal/outbox"
	"github.com/spinsirr/order-wizard-sub000/internal/remote"
	"github.com/spinsirr/order-wizard-sub000/internal/state"
)

var Version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "order-sync",
		Short:         "Offline-first order sync",
		Long:          "Keeps a local order replica and the orders API converged, queueing writes while offline.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newSyncCommand())
	cmd.AddCommand(newStatusCommand())
	cmd.AddCommand(newFailedCommand())
	cmd.AddCommand(newKeygenCommand())

	return cmd
}

// app holds the wired components shared by every command.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	logFile  io.Closer
	state    *state.State
	local    *localstore.Store
	client   *remote.Client
	queue    *outbox.Queue
	engine   *engine.Engine
	orders   *orders.Service
	notifyFn func()
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger, logFile := logging.NewLogger(cfg.Environment, cfg.LogLevel, cfg.LogFile)

	var st *state.State
	if cfg.StatePath != "" {
		st, err = state.LoadAt(cfg.StatePath)
	} else {
		st, err = state.Load()
	}

	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("loading state: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, logFile: logFile, state: st}

	a.local = localstore.New(st)
	a.client = remote.NewClient(cfg.APIURL, remote.NewHTTPClient(cfg.HTTPTimeout))
	a.client.SetBatchLimit(cfg.BatchConcurrency)

	a.queue = outbox.New(outbox.Config{
		Store:  st,
		Remote: a.client,
		Logger: logger.With(slog.String("component", "outbox")),
		OnExhausted: func(*outbox.QueueExhaustedError) {
			if a.notifyFn != nil {
				a.notifyFn()
			}
		},
	})

	a.engine = engine.New(engine.Config{
		Local:    a.local,
		Remote:   a.client,
		Queue:    a.queue,
		Session:  st,
		Logger:   logger.With(slog.String("component", "engine")),
		Debounce: cfg.Debounce,
	})

	a.orders = orders.NewService(a.local, a.engine, nil, logger.With(slog.String("component", "orders")))

	return a, nil
}

func (a *app) Close() {
	if err := a.state.Close(); err != nil {
		a.logger.Warn("closing state", slog.String("error", err.Error()))
	}

	a.logFile.Close()
}

// signIn hands credentials to the engine. A token from the environment
// is treated as a fresh sign-in and runs a round; otherwise the session
// saved by an earlier run is restored without syncing. It reports
// whether a round already ran.
func (a *app) signIn(ctx context.Context) (bool, error) {
	if a.cfg.AccessToken != "" {
		return true, a.engine.HandleAuthenticated(ctx, a.cfg.UserID, a.cfg.AccessToken)
	}

	return false, a.restoreSession()
}

// restoreSession sets the active user and token without touching the
// network. The user comes from ORDERS_USER_ID, the saved session, or the
// token's subject, in that order.
func (a *app) restoreSession() error {
	token := a.cfg.AccessToken
	if token == "" {
		token = a.state.Token()
	}

	userID := a.cfg.UserID
	if userID == "" && a.cfg.AccessToken == "" {
		userID = a.state.UserID()
	}

	if userID == "" && token != "" {
		sub, err := remote.UserIDFromToken(token)
		if err != nil {
			return err
		}

		userID = sub
	}

	if token == "" {
		a.logger.Warn("no access token, set ORDERS_ACCESS_TOKEN to sign in")
	}

	a.engine.Restore(userID, token)

	return nil
}
