package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ahrav/scanwatch/internal/app/scanning"
	"github.com/ahrav/scanwatch/internal/domain/scans"
)

// newScanCmd groups the operations a scan worker performs on its own scan.
func newScanCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Create and drive individual scans",
	}
	cmd.AddCommand(
		newScanCreateCmd(opts),
		newScanStartCmd(opts),
		newScanHeartbeatCmd(opts),
		newScanUpdateCmd(opts),
		newScanCompleteCmd(opts),
		newScanFailCmd(opts),
		newScanStatusCmd(opts),
	)
	return cmd
}

// optionalString returns a pointer to the flag value when it was set.
func optionalString(cmd *cobra.Command, name, value string) *string {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	return &value
}

func newScanCreateCmd(opts *rootOptions) *cobra.Command {
	var in scanning.CreateScanInput
	var status string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a pending or running scan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Status = scans.Status(status)
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				res := a.lifecycle.CreateScan(ctx, in)
				if err := opts.print(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				return resultError(res.Result)
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&in.SiteID, "site", "", "site being scanned")
	flags.StringVar(&in.UserID, "user", "", "owning user")
	flags.StringVar(&status, "status", string(scans.StatusPending), "initial status (pending, running)")
	flags.StringVar(&in.ProgressMessage, "message", "", "initial progress message")
	flags.IntVar(&in.MaxRuntimeMinutes, "max-runtime-minutes", 0, "runtime limit captured on the scan")
	flags.IntVar(&in.HeartbeatIntervalSeconds, "heartbeat-interval-seconds", 0, "expected heartbeat cadence")
	_ = cmd.MarkFlagRequired("site")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newScanStartCmd(opts *rootOptions) *cobra.Command {
	var message, userID string

	cmd := &cobra.Command{
		Use:   "start <scan-id>",
		Short: "Move a pending scan to running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseScanID(args[0])
			if err != nil {
				return err
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				res := a.lifecycle.StartScan(ctx, id, optionalString(cmd, "message", message), userID)
				if err := opts.print(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				return resultError(res)
			})
		},
	}
	cmd.Flags().StringVar(&message, "message", "", "progress message")
	cmd.Flags().StringVar(&userID, "user", "", "restrict to scans owned by this user")
	return cmd
}

func newScanHeartbeatCmd(opts *rootOptions) *cobra.Command {
	var message, userID string

	cmd := &cobra.Command{
		Use:   "heartbeat <scan-id>",
		Short: "Record worker liveness for a scan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseScanID(args[0])
			if err != nil {
				return err
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				res := a.lifecycle.UpdateHeartbeat(ctx, id, optionalString(cmd, "message", message), userID)
				if err := opts.print(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				return resultError(res)
			})
		},
	}
	cmd.Flags().StringVar(&message, "message", "", "progress message")
	cmd.Flags().StringVar(&userID, "user", "", "restrict to scans owned by this user")
	return cmd
}

func newScanUpdateCmd(opts *rootOptions) *cobra.Command {
	var message, status, userID string

	cmd := &cobra.Command{
		Use:   "update <scan-id>",
		Short: "Apply a partial update with schema cache recovery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseScanID(args[0])
			if err != nil {
				return err
			}

			patch := scans.ScanPatch{
				ProgressMessage: optionalString(cmd, "message", message),
				UserID:          userID,
			}
			if cmd.Flags().Changed("status") {
				s, err := scans.ParseStatus(status)
				if err != nil {
					return err
				}
				patch.Status = &s
			}

			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				res := a.lifecycle.UpdateWithRecovery(ctx, id, patch)
				if err := opts.print(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				return resultError(res.Result)
			})
		},
	}
	cmd.Flags().StringVar(&message, "message", "", "progress message")
	cmd.Flags().StringVar(&status, "status", "", "new status")
	cmd.Flags().StringVar(&userID, "user", "", "restrict to scans owned by this user")
	return cmd
}

func newScanCompleteCmd(opts *rootOptions) *cobra.Command {
	var results, message, userID string

	cmd := &cobra.Command{
		Use:   "complete <scan-id>",
		Short: "Mark a scan completed with its results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseScanID(args[0])
			if err != nil {
				return err
			}

			topts := scanning.TerminalOptions{
				UserID:          userID,
				ProgressMessage: optionalString(cmd, "message", message),
			}
			if results != "" {
				if !json.Valid([]byte(results)) {
					return fmt.Errorf("--results must be valid JSON")
				}
				topts.Results = scans.Results(results)
			}

			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				return opts.terminal(ctx, cmd, a, id.String(), scans.StatusCompleted, topts)
			})
		},
	}
	cmd.Flags().StringVar(&results, "results", "", "results payload as JSON")
	cmd.Flags().StringVar(&message, "message", "", "final progress message")
	cmd.Flags().StringVar(&userID, "user", "", "restrict to scans owned by this user")
	return cmd
}

func newScanFailCmd(opts *rootOptions) *cobra.Command {
	var errMsg, message, userID string

	cmd := &cobra.Command{
		Use:   "fail <scan-id>",
		Short: "Mark a scan failed from the worker side",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topts := scanning.TerminalOptions{
				UserID:          userID,
				ErrorMessage:    errMsg,
				ProgressMessage: optionalString(cmd, "message", message),
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				return opts.terminal(ctx, cmd, a, args[0], scans.StatusFailed, topts)
			})
		},
	}
	cmd.Flags().StringVar(&errMsg, "error", "", "error message recorded on the scan")
	cmd.Flags().StringVar(&message, "message", "", "final progress message")
	cmd.Flags().StringVar(&userID, "user", "", "restrict to scans owned by this user")
	_ = cmd.MarkFlagRequired("error")
	return cmd
}

func (o *rootOptions) terminal(
	ctx context.Context,
	cmd *cobra.Command,
	a *app,
	rawID string,
	status scans.Status,
	topts scanning.TerminalOptions,
) error {
	id, err := parseScanID(rawID)
	if err != nil {
		return err
	}
	res := a.lifecycle.TransitionToTerminal(ctx, id, status, topts)
	if err := o.print(cmd.OutOrStdout(), res); err != nil {
		return err
	}
	return resultError(res.Result)
}

// statusOutput is the printable form of a status lookup.
type statusOutput struct {
	scanning.Result `yaml:",inline"`
	IsStale         bool               `json:"is_stale" yaml:"is_stale"`
	Scan            *scanning.ScanView `json:"scan,omitempty" yaml:"scan,omitempty"`
}

func newScanStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <scan-id>",
		Short: "Show a scan and whether its heartbeat is stale",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseScanID(args[0])
			if err != nil {
				return err
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				res := a.lifecycle.GetScanStatus(ctx, id)
				out := statusOutput{Result: res.Result, IsStale: res.IsStale}
				if res.Scan != nil {
					view := scanning.NewScanView(res.Scan)
					out.Scan = &view
				}
				if err := opts.print(cmd.OutOrStdout(), out); err != nil {
					return err
				}
				return resultError(res.Result)
			})
		},
	}
}
