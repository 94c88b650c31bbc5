package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ahrav/scanwatch/internal/app/scanning"
)

// resultError turns an unsuccessful operation result into a command error
// after the result has been printed.
func resultError(r scanning.Result) error {
	if r.Success {
		return nil
	}
	return errors.New(r.Error)
}

func parseScanID(arg string) (uuid.UUID, error) {
	id, err := uuid.Parse(arg)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid scan id %q: %w", arg, err)
	}
	return id, nil
}

func newSweepCmd(opts *rootOptions) *cobra.Command {
	var (
		dryRun         bool
		perScan        bool
		maxRuntime     time.Duration
		heartbeatStale time.Duration
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Find stuck scans and mark them failed",
		Long: `sweep runs one maintenance pass. A scan is stuck when it has run longer
than the runtime threshold or its heartbeat is older than the staleness
threshold. With --dry-run the candidates are reported but nothing is written.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				var policy *scanning.CleanupPolicy
				flags := cmd.Flags()
				if flags.Changed("max-runtime") || flags.Changed("heartbeat-stale") || flags.Changed("per-scan") {
					p := maintenanceConfig(a.cfg).Policy
					if flags.Changed("max-runtime") {
						p.MaxRuntime = maxRuntime
					}
					if flags.Changed("heartbeat-stale") {
						p.HeartbeatStale = heartbeatStale
					}
					if flags.Changed("per-scan") {
						p.UsePerScanThresholds = perScan
					}
					policy = &p
				}

				report := a.maintenance.CleanupStuckScans(ctx, policy, dryRun)
				if err := opts.print(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				if len(report.Errors) > 0 {
					return fmt.Errorf("sweep finished with %d errors", len(report.Errors))
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report candidates without failing them")
	cmd.Flags().BoolVar(&perScan, "per-scan", false, "use each scan's own runtime and heartbeat limits")
	cmd.Flags().DurationVar(&maxRuntime, "max-runtime", 0, "override the runtime threshold")
	cmd.Flags().DurationVar(&heartbeatStale, "heartbeat-stale", 0, "override the heartbeat staleness threshold")
	return cmd
}

func newHealthCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Report fleet health over the configured window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				res := a.maintenance.GetScanHealthMetrics(ctx)
				if err := opts.print(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				return resultError(res.Result)
			})
		},
	}
}

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <scan-id>",
		Short: "Check one scan for runtime and heartbeat problems",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseScanID(args[0])
			if err != nil {
				return err
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				res := a.maintenance.ValidateScanHealth(ctx, id)
				if err := opts.print(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				return resultError(res.Result)
			})
		},
	}
}

func newFailCmd(opts *rootOptions) *cobra.Command {
	var reason, userID string

	cmd := &cobra.Command{
		Use:   "fail <scan-id>",
		Short: "Manually mark a scan as failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseScanID(args[0])
			if err != nil {
				return err
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				res := a.maintenance.MarkScanAsFailed(ctx, id, reason, userID)
				if err := opts.print(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				return resultError(res)
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the scan")
	cmd.Flags().StringVar(&userID, "user", "", "restrict to scans owned by this user")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}
