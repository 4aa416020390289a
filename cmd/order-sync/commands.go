package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spinsirr/order-wizard-sub000/internal/auth"
	"github.com/spinsirr/order-wizard-sub000/internal/models"
	"gopkg.in/yaml.v3"
)

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync round and print its counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()

			synced, err := a.signIn(ctx)
			if err != nil {
				return err
			}

			if !synced {
				if _, err := a.engine.RequestSync(ctx); err != nil {
					return err
				}
			}

			st := a.engine.Status()
			if st.LastError != "" {
				return fmt.Errorf("sync failed: %s", st.LastError)
			}

			return writeYAML(cmd.OutOrStdout(), st)
		},
	}
}

type pendingLine struct {
	Target      string    `yaml:"target"`
	Kind        string    `yaml:"kind"`
	Attempts    int       `yaml:"attempts"`
	NextAttempt time.Time `yaml:"next_attempt,omitempty"`
	LastError   string    `yaml:"last_error,omitempty"`
}

type statusReport struct {
	UserID        string        `yaml:"user_id"`
	Authenticated bool          `yaml:"authenticated"`
	Orders        int           `yaml:"orders"`
	Deleted       int           `yaml:"deleted"`
	Tombstones    []string      `yaml:"tombstones,omitempty"`
	Pending       []pendingLine `yaml:"pending"`
	Failed        int           `yaml:"failed"`
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the local replica and outbox as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.restoreSession(); err != nil {
				return err
			}

			report := statusReport{
				UserID:        a.engine.ActiveUser(),
				Authenticated: a.state.Token() != "" || a.cfg.AccessToken != "",
				Pending:       []pendingLine{},
			}

			all, err := a.local.GetAll(report.UserID)
			if err != nil {
				return err
			}

			for _, o := range all {
				if o.Deleted() {
					report.Deleted++
				} else {
					report.Orders++
				}
			}

			if report.Tombstones, err = a.local.ListTombstoneBusinessKeys(report.UserID); err != nil {
				return err
			}

			pending, err := a.queue.Pending()
			if err != nil {
				return err
			}

			for _, op := range pending {
				report.Pending = append(report.Pending, pendingLine{
					Target:      op.TargetID,
					Kind:        string(op.Kind),
					Attempts:    op.RetryCount,
					NextAttempt: op.NextAttemptAt,
					LastError:   op.LastError,
				})
			}

			failed, err := a.queue.Failed()
			if err != nil {
				return err
			}

			report.Failed = len(failed)

			return writeYAML(cmd.OutOrStdout(), report)
		},
	}
}

type failedLine struct {
	Target   string    `yaml:"target"`
	Kind     string    `yaml:"kind"`
	Order    string    `yaml:"order_number,omitempty"`
	Attempts int       `yaml:"attempts"`
	Reason   string    `yaml:"reason"`
	FailedAt time.Time `yaml:"failed_at"`
}

func newFailedCommand() *cobra.Command {
	var clearFailed bool

	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List operations that exhausted their retries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			failed, err := a.queue.Failed()
			if err != nil {
				return err
			}

			if err := writeYAML(cmd.OutOrStdout(), failedLines(failed)); err != nil {
				return err
			}

			if clearFailed {
				if err := a.queue.ClearFailed(); err != nil {
					return err
				}

				fmt.Fprintf(cmd.ErrOrStderr(), "cleared %d failed operation(s)\n", len(failed))
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&clearFailed, "clear", false, "drop the failed operations after listing them")

	return cmd
}

func failedLines(failed []models.FailedOperation) []failedLine {
	lines := make([]failedLine, 0, len(failed))

	for _, f := range failed {
		line := failedLine{
			Target:   f.Operation.TargetID,
			Kind:     string(f.Operation.Kind),
			Attempts: f.Operation.RetryCount,
			Reason:   f.Reason,
			FailedAt: f.FailedAt,
		}

		if f.Operation.Payload != nil {
			line.Order = f.Operation.Payload.OrderNumber
		}

		lines = append(lines, line)
	}

	return lines
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	if err := enc.Encode(v); err != nil {
		return err
	}

	return enc.Close()
}

func newKeygenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a new key for LOCAL_API_KEYS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := auth.GenerateKey()
			if err != nil {
				return err
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), key)

			return err
		},
	}
}
