package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"coaching_settlement/internal/app"
	"coaching_settlement/internal/models"
	"coaching_settlement/internal/services"
	"coaching_settlement/internal/tasks"
)

// jobAliases maps the short job names accepted by `run` to task names.
var jobAliases = map[string]string{
	"fees":    tasks.TaskSettleFees,
	"payouts": tasks.TaskSettlePayouts,
	"sweep":   tasks.TaskSweepStaleLocks,
	"confirm": tasks.TaskConfirmPayouts,
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "settlectl",
		Short:         "Operate the settlement ledger and its jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newMigrateCmd(), newScheduleCmd(), newRunCmd(), newPayoutCmd())
	return root
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := app.LoadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			db, err := services.InitDB(cfg.DatabaseURL, cfg.Env, logger)
			if err != nil {
				return err
			}
			return services.AutoMigrate(db, logger)
		},
	}
}

func newScheduleCmd() *cobra.Command {
	var start string
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Create the recurring settlement job tasks that do not exist yet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			due := time.Now().UTC().Truncate(time.Minute)
			if start != "" {
				var err error
				if due, err = time.Parse(time.RFC3339, start); err != nil {
					return fmt.Errorf("invalid --start, use RFC3339: %w", err)
				}
			}

			a, err := app.New()
			if err != nil {
				return err
			}
			defer a.Close()

			schedule, err := tasks.DefaultSchedule(due)
			if err != nil {
				return err
			}
			created, err := tasks.EnsureSchedule(cmd.Context(), a.DB, schedule)
			if err != nil {
				return err
			}
			a.Logger.Info("Schedule ensured", zap.Strings("created", created))
			return nil
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "first due time (RFC3339), defaults to now")
	return cmd
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "run {fees|payouts|sweep|confirm}",
		Short:     "Run one settlement job cycle now",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"fees", "payouts", "sweep", "confirm"},
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New()
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.Registry.Run(cmd.Context(), jobAliases[args[0]], nil)
			if result != nil {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				_ = enc.Encode(result)
			}
			return err
		},
	}
}

func newPayoutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payout",
		Short: "Operator actions on a payment's payout",
	}

	actions := []struct {
		use, short string
		from, to   models.PayoutStatus
	}{
		{"hold", "Hold a pending payout", models.PayoutStatusPending, models.PayoutStatusOnHold},
		{"release", "Release a held payout", models.PayoutStatusOnHold, models.PayoutStatusPending},
		{"retry", "Requeue a failed payout with a fresh attempt budget", models.PayoutStatusFailed, models.PayoutStatusPending},
	}
	for _, action := range actions {
		action := action
		cmd.AddCommand(&cobra.Command{
			Use:   action.use + " <payment-id>",
			Short: action.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := app.New()
				if err != nil {
					return err
				}
				defer a.Close()

				if err := a.Ledger.TransitionPayout(cmd.Context(), args[0], action.from, action.to, time.Now().UTC()); err != nil {
					return fmt.Errorf("%s payout of %s: %w", action.use, args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "payout of %s is now %s\n", args[0], action.to)
				return nil
			},
		})
	}
	return cmd
}
