package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/superkanban/internal/bus"
	"github.com/nextlevelbuilder/superkanban/internal/config"
	"github.com/nextlevelbuilder/superkanban/internal/netadapter"
	"github.com/nextlevelbuilder/superkanban/internal/spool"
	"github.com/nextlevelbuilder/superkanban/internal/transcript"
)

func exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Run the transcript exporter without the gateway",
		Run: func(cmd *cobra.Command, args []string) {
			runExport()
		},
	}
}

func runExport() {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	netadapter.ApplyDialerWorkarounds(netadapter.DialerOptions{
		AutoSelectFamily: cfg.Net.AutoSelectFamilyEnabled(),
		DNSResultOrder:   cfg.Net.DNSResultOrder,
	})

	sk, err := newSKClient(cfg)
	if err != nil {
		slog.Error("super-kanban client", "error", err)
		os.Exit(1)
	}
	if err := sk.Auth().Check(); err != nil {
		slog.Error("super-kanban credentials missing", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	index := transcript.NewSessionIndex(cfg.Export.StateDir)
	engine := newSpoolEngine(cfg, sk, index, bus.NewMessageBus())

	go func() {
		watcher := spool.NewWatcher(cfg.Export.StateDir, engine.Wake)
		if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("transcript watcher stopped, polling only", "error", err)
		}
	}()

	slog.Info("exporter starting", "stateDir", cfg.Export.StateDir, "plugin", cfg.Export.PluginID)
	if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("exporter error", "error", err)
		os.Exit(1)
	}
}
