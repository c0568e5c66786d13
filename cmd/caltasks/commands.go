package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"caltasks/internal/app"
	appLog "caltasks/internal/log"
	"caltasks/internal/orchestrator"
)

var (
	repairDays    int
	unmarkCal     string
	unmarkEventID string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the primary pass over the configured window",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			return report(cmd, a.Orchestrator.RunPrimary(ctx))
		})
	},
}

var backupCheckCmd = &cobra.Command{
	Use:   "backup-check",
	Short: "Check the last primary run and repair or rerun as needed",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			return report(cmd, a.Orchestrator.BackupCheck(ctx))
		})
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check run statistics, locks and connectivity; prune old tracker entries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			h := a.Orchestrator.HealthCheck(ctx)
			if err := printJSON(cmd, h); err != nil {
				return err
			}
			if !h.Healthy {
				return fmt.Errorf("unhealthy: %d warnings", len(h.Warnings))
			}
			return nil
		})
	},
}

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Mark events whose task already exists; never creates tasks",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			rr := a.Orchestrator.Repair(ctx, repairDays)
			if err := printJSON(cmd, rr); err != nil {
				return err
			}
			if rr.Failed > 0 || len(rr.Errors) > 0 {
				return fmt.Errorf("repair: %d failed, %d errors", rr.Failed, len(rr.Errors))
			}
			return nil
		})
	},
}

var mailCmd = &cobra.Command{
	Use:   "mail",
	Short: "File tasks for unread mail that asks for action",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			return report(cmd, a.Orchestrator.RunMail(ctx))
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show locks, last results, counters and connectivity",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			return printJSON(cmd, a.Orchestrator.Status(ctx))
		})
	},
}

var unmarkCmd = &cobra.Command{
	Use:   "unmark",
	Short: "Remove the processed marker from one event so it is filed again",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if unmarkCal == "" || unmarkEventID == "" {
			return errors.New("--calendar and --event are required")
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			ev, err := a.Calendar.GetEvent(ctx, unmarkCal, unmarkEventID)
			if err != nil {
				return err
			}
			if a.Config.Pipeline.DryRun {
				appLog.Info("dry run: would unmark", "calendar", unmarkCal, "event", unmarkEventID, "title", ev.Title)
				return nil
			}
			out, err := a.Marker.Unmark(ctx, ev)
			if err != nil {
				return err
			}
			if err := a.Tracker.ForgetEvent(ctx, out); err != nil {
				return fmt.Errorf("forget tracker entry: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unmarked %s/%s: %s\n", unmarkCal, unmarkEventID, out.Title)
			return nil
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "caltasks", version)
	},
}

func init() {
	repairCmd.Flags().IntVar(&repairDays, "days", 3, "days back from today to scan")
	unmarkCmd.Flags().StringVar(&unmarkCal, "calendar", "", "calendar ID")
	unmarkCmd.Flags().StringVar(&unmarkEventID, "event", "", "event ID")
}

// report prints rep and turns an unsuccessful run into a non-zero exit.
// A run skipped because another one holds the lock is not an error.
func report(cmd *cobra.Command, rep orchestrator.Report) error {
	if err := printJSON(cmd, rep); err != nil {
		return err
	}
	switch {
	case rep.Locked:
		appLog.Info("another run is in progress; nothing to do", "kind", rep.Kind)
		return nil
	case !rep.Success:
		return fmt.Errorf("%s run %s failed", rep.Kind, rep.RunID)
	}
	return nil
}
