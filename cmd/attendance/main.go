package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"qrattendance/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfg config.App

	root := &cobra.Command{
		Use:           "attendance",
		Short:         "QR attendance kiosk",
		Long:          "Runs the attendance kiosk when called without a command.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			cfg = config.Load()
			slog.SetDefault(newLogger(cfg))
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runKiosk(cmd.Context(), cfg)
		},
	}

	cfgFn := func() config.App { return cfg }
	root.AddCommand(
		newAddCmd(cfgFn),
		newListCmd(cfgFn),
		newReportCmd(cfgFn),
		newScanCmd(cfgFn),
		newDiagnoseCmd(cfgFn),
	)
	return root
}

func newLogger(cfg config.App) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Production() {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
