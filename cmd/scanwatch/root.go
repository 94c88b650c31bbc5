package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ahrav/scanwatch/internal/config"
)

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	envFiles   []string
	backend    string
	output     string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "scanwatch",
		Short: "Lifecycle and maintenance for externally executed scans",
		Long: `scanwatch tracks scans run by external workers: it records their
heartbeats and terminal states, fails scans whose worker went silent or ran
past its limit, and reports fleet health.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.output != "json" && opts.output != "yaml" {
				return fmt.Errorf("unsupported output format %q", opts.output)
			}
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	flags.StringSliceVar(&opts.envFiles, "env-file", nil, ".env files to load (default ./.env when present)")
	flags.StringVar(&opts.backend, "backend", "", "override the storage backend (memory, postgres, postgrest)")
	flags.StringVarP(&opts.output, "output", "o", "json", "output format (json, yaml)")

	cmd.AddCommand(
		newVersionCmd(),
		newServeCmd(opts),
		newSweepCmd(opts),
		newHealthCmd(opts),
		newValidateCmd(opts),
		newFailCmd(opts),
		newScanCmd(opts),
		newMigrateCmd(opts),
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "scanwatch %s\n", Version)
			if BuildTime != "unknown" {
				fmt.Fprintf(out, "Built: %s\n", BuildTime)
			}
			if GitCommit != "unknown" {
				fmt.Fprintf(out, "Commit: %s\n", GitCommit)
			}
		},
	}
}

// loadConfig loads the configuration named by the persistent flags.
func (o *rootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.configPath, o.envFiles...)
	if err != nil {
		return config.Config{}, err
	}
	if o.backend != "" {
		cfg.Backend = o.backend
		if err := cfg.Validate(); err != nil {
			return config.Config{}, err
		}
	}
	return cfg, nil
}

// withApp loads the config, builds the application, runs fn and tears
// everything down. The context is cancelled on SIGINT or SIGTERM.
func (o *rootOptions) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	return fn(ctx, a)
}

// print writes v to w in the selected output format.
func (o *rootOptions) print(w io.Writer, v any) error {
	switch o.output {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
		return nil
	}
}
