package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Wikid82/shadowguard/internal/app"
	"github.com/Wikid82/shadowguard/internal/config"
	"github.com/Wikid82/shadowguard/internal/logger"
	"github.com/Wikid82/shadowguard/internal/version"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "shadowguard",
		Short:         version.Name + " - filtering forward proxy with a monitoring console",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCommand(),
		newEvaluateCommand(),
		newReconcileCommand(),
		newSweepCommand(),
		newVersionCommand(),
	)
	return root
}

// build loads the configuration and wires the application for one command.
func build() (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger.Init(cfg.Debug, os.Stderr)
	return app.Build(cfg)
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy, the console API and the background jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
				return fmt.Errorf("create log dir: %w", err)
			}
			rotator := &lumberjack.Logger{
				Filename:   filepath.Join(cfg.LogDir, "shadowguard.log"),
				MaxSize:    10, // megabytes
				MaxBackups: 3,
				MaxAge:     28, // days
				Compress:   true,
			}
			defer func() { _ = rotator.Close() }()
			logger.Init(cfg.Debug, io.MultiWriter(os.Stdout, rotator))

			a, err := app.Build(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			logger.Log().WithField("version", version.Full()).Infof("starting %s", version.Name)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.Serve(ctx)
		},
	}
}

func newEvaluateCommand() *cobra.Command {
	var method string

	cmd := &cobra.Command{
		Use:   "evaluate <host> [path]",
		Short: "Show the decision the proxy would make for a request",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := build()
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			path := "/"
			if len(args) == 2 {
				path = args[1]
			}
			d := a.Engine.Evaluate(strings.ToLower(args[0]), path, strings.ToUpper(method))

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s%s -> %s\n", d.Method, d.Host, d.Path, d.Status())
			if d.Rule != nil {
				fmt.Fprintf(out, "rule: %s (%s)\n", d.Rule.Domain, d.Tier)
				if d.Rule.Reason != "" {
					fmt.Fprintf(out, "reason: %s\n", d.Rule.Reason)
				}
			}
			if d.Exempt {
				fmt.Fprintln(out, "management host, never filtered")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&method, "method", "X", "GET", "HTTP method to evaluate")
	return cmd
}

func newReconcileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Import staged activity into the statistics store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := build()
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			n, err := a.Reconciler.Reconcile(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d entries\n", n)
			return nil
		},
	}
}

func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Purge request records older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := build()
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			res, err := a.Retention.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", version.Name, version.Full())
		},
	}
}
