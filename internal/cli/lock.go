package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/vaultkit/vaultkit/internal/audit"
	"github.com/vaultkit/vaultkit/internal/lock"
	"github.com/vaultkit/vaultkit/internal/lockstore"
	"github.com/vaultkit/vaultkit/pkg/color"
	"github.com/vaultkit/vaultkit/pkg/errclass"
	"github.com/vaultkit/vaultkit/pkg/metrics"
	"github.com/vaultkit/vaultkit/pkg/model"
)

const (
	releaseTimeout = 10 * time.Second
	holdPollPeriod = time.Second
)

func newLockCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Manage the vault lock",
	}
	cmd.AddCommand(
		newLockAcquireCmd(a),
		newLockReleaseCmd(a),
		newLockStatusCmd(a),
		newLockHoldCmd(a),
		newLockHistoryCmd(a),
	)
	return cmd
}

func newLockAcquireCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "acquire",
		Short: "Acquire the vault lock for this machine",
		Long: `Acquire the vault lock for this machine and exit.

The record is not refreshed once the command exits, so it goes stale after
the vault's stale threshold. Use 'vaultkit lock hold' to keep it fresh.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := a.vaultRoot()
			if err != nil {
				return err
			}
			mgr := a.manager()
			res := mgr.Acquire(cmd.Context(), root, a.v.GetBool("force"))
			if res.Granted() {
				defer mgr.Detach(root)
			}
			if err := a.printAcquire(cmd, root, res); err != nil {
				return err
			}
			return res.AsError()
		},
	}
	cmd.Flags().Bool("force", false, "take the lock over even if another machine holds it")
	return cmd
}

func newLockReleaseCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "release",
		Short: "Release this machine's vault lock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := a.vaultRoot()
			if err != nil {
				return err
			}
			if err := a.manager().Release(cmd.Context(), root); err != nil {
				return err
			}
			if a.jsonOutput() {
				return outputJSON(cmd, map[string]any{"vault": root, "released": true})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Lock released on %s\n", root)
			return nil
		},
	}
}

func newLockStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show who holds the vault lock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := a.vaultRoot()
			if err != nil {
				return err
			}
			state, rec, err := a.manager().Status(root)
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return outputJSON(cmd, map[string]any{
					"vault": root,
					"state": state,
					"lock":  rec,
				})
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Vault:      %s\n", root)
			fmt.Fprintf(w, "Lock state: %s\n", stateLabel(state))
			if rec != nil {
				printRecord(w, rec)
			}
			return nil
		},
	}
}

func newLockHoldCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hold",
		Short: "Acquire the vault lock and keep it until interrupted",
		Long: `Acquire the vault lock and keep its heartbeat running until SIGINT or
SIGTERM, then release it. Exits with an error if another machine takes the
lock over in the meantime.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := a.vaultRoot()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if addr := a.v.GetString("metrics-addr"); addr != "" {
				srv, err := metrics.Listen(addr, prometheus.DefaultGatherer)
				if err != nil {
					return fmt.Errorf("metrics server: %w", err)
				}
				defer srv.Shutdown(context.Background())
			}

			mgr := a.manager()
			res := mgr.Acquire(ctx, root, a.v.GetBool("force"))
			if err := a.printAcquire(cmd, root, res); err != nil || !res.Granted() {
				if err == nil {
					err = res.AsError()
				}
				mgr.Detach(root)
				return err
			}
			if !a.jsonOutput() {
				fmt.Fprintln(cmd.OutOrStdout(), color.Dim("Holding lock, press Ctrl-C to release."))
			}

			ticker := time.NewTicker(holdPollPeriod)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
					defer cancel()
					if err := mgr.Release(releaseCtx, root); err != nil {
						return err
					}
					if !a.jsonOutput() {
						fmt.Fprintf(cmd.OutOrStdout(), "Lock released on %s\n", root)
					}
					return nil
				case <-ticker.C:
					if !mgr.Held(root) {
						return errclass.ErrLockDenied.WithMessage("lock was taken over by another machine")
					}
				}
			}
		},
	}
	cmd.Flags().Bool("force", false, "take the lock over even if another machine holds it")
	cmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address while holding, e.g. :9464")
	return cmd
}

func newLockHistoryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show lock events recorded by every machine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := a.vaultRoot()
			if err != nil {
				return err
			}
			metaDir := lockstore.New(root).MetaDir()
			if a.v.GetBool("verify") {
				if err := verifyJournals(metaDir); err != nil {
					return err
				}
			}
			history, err := audit.History(metaDir)
			if err != nil {
				return err
			}
			if n := a.v.GetInt("limit"); n > 0 && len(history) > n {
				history = history[len(history)-n:]
			}
			if a.jsonOutput() {
				if history == nil {
					history = []audit.Record{}
				}
				return outputJSON(cmd, history)
			}
			w := cmd.OutOrStdout()
			if len(history) == 0 {
				fmt.Fprintln(w, "No lock events recorded.")
				return nil
			}
			for _, r := range history {
				fmt.Fprintf(w, "%s  %-10s  %s\n",
					r.Timestamp.Local().Format(time.DateTime), r.Event, color.Host(r.Hostname))
			}
			return nil
		},
	}
	cmd.Flags().Bool("verify", false, "check every journal's hash chain first")
	cmd.Flags().Int("limit", 0, "show only the newest N events")
	return cmd
}

func verifyJournals(metaDir string) error {
	paths, err := audit.Journals(metaDir)
	if err != nil {
		return err
	}
	for _, p := range paths {
		records, err := audit.ReadJournal(p)
		if err != nil {
			return err
		}
		if err := audit.Verify(records); err != nil {
			return errclass.ErrLockCorrupt.WithMessagef("%s: %v", p, err)
		}
	}
	return nil
}

func (a *app) printAcquire(cmd *cobra.Command, root string, res lock.AcquireResult) error {
	if a.jsonOutput() {
		return outputJSON(cmd, struct {
			Vault string `json:"vault"`
			lock.AcquireResult
		}{root, res})
	}
	w := cmd.OutOrStdout()
	switch res.Outcome {
	case lock.OutcomeSuccess:
		fmt.Fprintln(w, color.Successf("Lock acquired on %s", root))
		if res.Previous != nil {
			fmt.Fprintf(w, "  Took over from %s\n", color.Host(res.Previous.Hostname))
			if res.BackupPath != "" {
				fmt.Fprintf(w, "  Previous record saved to %s\n", res.BackupPath)
			}
		}
	case lock.OutcomeAlreadyHeld:
		fmt.Fprintf(w, "Lock already held by this machine on %s\n", root)
	case lock.OutcomeDenied:
		fmt.Fprintln(w, color.Warning("Lock denied: "+res.Message))
		if res.Holder != nil {
			printRecord(w, res.Holder)
		}
		fmt.Fprintf(w, "Run %s to take it over.\n", color.Code("vaultkit lock acquire --force"))
	}
	return nil
}

func stateLabel(s model.LockState) string {
	switch s {
	case model.LockStateFree:
		return color.Success(string(s))
	case model.LockStateHeld:
		return color.Success(string(s)) + " (by this machine)"
	case model.LockStateStale, model.LockStateCorrupt:
		return color.Warning(string(s))
	default:
		return color.Error(string(s))
	}
}
