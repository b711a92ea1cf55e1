package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/mmdatafocus/settlement_backend/batch"
	"github.com/mmdatafocus/settlement_backend/config"
	"github.com/mmdatafocus/settlement_backend/models"
	"github.com/mmdatafocus/settlement_backend/models/reports"
	"github.com/mmdatafocus/settlement_backend/wallet"
	"github.com/mmdatafocus/settlement_backend/workflow"

	"github.com/spf13/cobra"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func openStore() *models.Store {
	config.ConnectDatabaseWithRetry()
	return models.NewStore(config.GetDB())
}

// openJobs wires the batch jobs the same way the service does, without queue or notifiers.
func openJobs(ctx context.Context, s config.Settings) (*batch.Jobs, error) {
	store := openStore()
	config.ConnectRedisWithRetry(ctx)
	client, err := wallet.NewClient(wallet.ConfigFromSettings(s, config.RedisCache()))
	if err != nil {
		return nil, err
	}
	machine := workflow.NewMachine(workflow.MachineConfig{
		Store:             store,
		Wallet:            client,
		Locker:            workflow.NewRedisKeyLocker(config.GetRedisLock()),
		Logger:            config.GetLogger(),
		LockTTL:           s.SettlementLockTTL,
		PendingHashMaxAge: s.PendingHashMaxAge,
	})
	return batch.NewJobs(store, machine, workflow.NewPolicies(s), client, batch.ConfigFromSettings(s)), nil
}

func printStats(cmd *cobra.Command, job string, stats batch.Stats) error {
	out, err := json.MarshalIndent(map[string]interface{}{"job": job, "stats": stats}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the settlement tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			config.ConnectDatabaseWithRetry()
			if err := models.MigrateTable(config.GetDB()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func runJobCmd() *cobra.Command {
	var window time.Duration
	cmd := &cobra.Command{
		Use:       "run-job [signup_reward_backfill|link_reward_backfill|pending_hash_reconcile]",
		Short:     "Run one batch job now, ignoring the schedule",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"signup_reward_backfill", "link_reward_backfill", "pending_hash_reconcile"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			s := config.LoadSettings()
			if window > 0 {
				s.BatchWindow = window
			}
			jobs, err := openJobs(ctx, s)
			if err != nil {
				return err
			}
			for _, job := range jobs.Standard(s) {
				if job.Name != args[0] {
					continue
				}
				stats, err := job.Run(ctx)
				if perr := printStats(cmd, job.Name, stats); perr != nil {
					return perr
				}
				return err
			}
			return fmt.Errorf("unknown job %q", args[0])
		},
	}
	cmd.Flags().DurationVar(&window, "window", 0, "look-back window for backfills (default BATCH_WINDOW_HOURS)")
	return cmd
}

func reconcileCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Poll the custodian for every PENDING_HASH settlement",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			s := config.LoadSettings()
			jobs, err := openJobs(ctx, s)
			if err != nil {
				return err
			}
			if limit > 0 {
				jobs.SetReconcileLimit(limit)
			}
			stats, err := jobs.PendingHashReconcile(ctx)
			if perr := printStats(cmd, "pending_hash_reconcile", stats); perr != nil {
				return perr
			}
			return err
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum records to poll")
	return cmd
}

func statusCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Count settlements by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := parseKindFlag(kind)
			if err != nil {
				return err
			}
			counts, err := openStore().CountByStatus(cmd.Context(), k)
			if err != nil {
				return err
			}
			statuses := make([]string, 0, len(counts))
			for st := range counts {
				statuses = append(statuses, string(st))
			}
			sort.Strings(statuses)
			for _, st := range statuses {
				fmt.Fprintf(cmd.OutOrStdout(), "%-14s %d\n", st, counts[models.ActionStatus(st)])
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", "", "settlement kind (default all)")
	return cmd
}

func exportCmd() *cobra.Command {
	var (
		kind string
		from string
		to   string
		out  string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write settlements added in a date range to an xlsx file",
		Example: `  settlement-cli export --from 2026-01-01 --to 2026-02-01 -o january.xlsx
  settlement-cli export --kind SWAP -o swaps.xlsx`,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := parseKindFlag(kind)
			if err != nil {
				return err
			}
			start, end, err := exportRange(from, to, time.Now().UTC())
			if err != nil {
				return err
			}
			recs, err := openStore().ListAddedBetween(cmd.Context(), k, start, end)
			if err != nil {
				return err
			}
			if err := reports.SaveSettlements(out, recs); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d settlements to %s\n", len(recs), out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", "", "settlement kind (default all)")
	cmd.Flags().StringVar(&from, "from", "", "first day, YYYY-MM-DD (default 30 days ago)")
	cmd.Flags().StringVar(&to, "to", "", "day after the last, YYYY-MM-DD (default tomorrow)")
	cmd.Flags().StringVarP(&out, "output", "o", "settlements.xlsx", "output file")
	return cmd
}

func parseKindFlag(kind string) (models.ActionKind, error) {
	if strings.TrimSpace(kind) == "" {
		return "", nil
	}
	return models.ParseActionKind(kind)
}

// exportRange returns [from, to) in UTC days.
func exportRange(from, to string, now time.Time) (time.Time, time.Time, error) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	start := today.AddDate(0, 0, -30)
	end := today.AddDate(0, 0, 1)
	var err error
	if from != "" {
		if start, err = time.Parse("2006-01-02", from); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --from: %w", err)
		}
	}
	if to != "" {
		if end, err = time.Parse("2006-01-02", to); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --to: %w", err)
		}
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("--to must be after --from")
	}
	return start, end, nil
}
