package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/superkanban/internal/bus"
	"github.com/nextlevelbuilder/superkanban/internal/config"
	"github.com/nextlevelbuilder/superkanban/internal/gateway"
	"github.com/nextlevelbuilder/superkanban/internal/netadapter"
	"github.com/nextlevelbuilder/superkanban/internal/reconcile"
	"github.com/nextlevelbuilder/superkanban/internal/redact"
	"github.com/nextlevelbuilder/superkanban/internal/skclient"
	"github.com/nextlevelbuilder/superkanban/internal/spool"
	"github.com/nextlevelbuilder/superkanban/internal/tracing"
	"github.com/nextlevelbuilder/superkanban/internal/transcript"
	"github.com/nextlevelbuilder/superkanban/pkg/protocol"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the WebSocket gateway and the transcript exporter",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func runGateway() {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry init failed", "error", err)
	} else {
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdownTracing(flushCtx)
		}()
	}

	netadapter.ApplyDialerWorkarounds(netadapter.DialerOptions{
		AutoSelectFamily: cfg.Net.AutoSelectFamilyEnabled(),
		DNSResultOrder:   cfg.Net.DNSResultOrder,
	})

	msgBus := bus.NewMessageBus()

	sk, err := newSKClient(cfg)
	if err != nil {
		slog.Error("super-kanban client", "error", err)
		os.Exit(1)
	}
	if err := sk.Auth().Check(); err != nil {
		// Surface missing credentials before the first tick instead of
		// failing on every request.
		slog.Error("super-kanban credentials missing", "error", err)
		os.Exit(2)
	}

	index := transcript.NewSessionIndex(cfg.Export.StateDir)
	engine := newSpoolEngine(cfg, sk, index, msgBus)

	server := gateway.NewServer(cfg, msgBus)
	server.SetAgentDispatcher(&busDispatcher{events: msgBus})
	server.SetSessionDirectory(&indexDirectory{index: index})

	slog.Info("super-kanban gateway starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"stateDir", cfg.Export.StateDir,
		"skSync", cfg.SkSync.Enabled,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error {
		watcher := spool.NewWatcher(cfg.Export.StateDir, engine.Wake)
		if err := watcher.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("transcript watcher stopped, polling only", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
}

// newSKClient builds the Super-Kanban HTTP client from config.
func newSKClient(cfg *config.Config) (*skclient.Client, error) {
	skCfg := cfg.SuperKanban
	return skclient.New(skclient.Options{
		BaseURL: skCfg.BaseURL,
		Auth: &skclient.Auth{
			BearerToken:  skCfg.Token,
			APIKey:       skCfg.APIKey,
			ReadHeader:   skclient.ParseHeaderPair(skCfg.ReadAuthHeader),
			WriteHeader:  skclient.ParseHeaderPair(skCfg.WriteAuthHeader),
			LegacyHeader: skclient.ParseHeaderPair(skCfg.AuthHeader),
		},
		Timeout:       time.Duration(skCfg.TimeoutMs) * time.Millisecond,
		AttachPath:    skCfg.AttachPath,
		MessagesPath:  skCfg.MessagesPath,
		ToolCallsPath: skCfg.ToolCallsPath,
	})
}

// newSpoolEngine assembles the exporter: redactor, label map, session index.
func newSpoolEngine(cfg *config.Config, poster spool.Poster, index *transcript.SessionIndex, events bus.EventPublisher) *spool.Engine {
	var labels transcript.LabelResolver
	labelMap, err := reconcile.OpenLabelMap(reconcile.LabelMapPath(cfg.Export.StateDir))
	if err != nil {
		slog.Warn("label map unreadable, hashed labels stay unresolved", "error", err)
	} else {
		labels = labelMap
	}

	red := cfg.Export.Redaction
	redactor := redact.New(red.Mode, red.Patterns,
		redact.WithBudgets(red.MessageMax, red.ToolInputMax, red.ToolOutputMax, red.ErrorMax))

	return spool.NewEngine(spool.Config{
		StateDir:     cfg.Export.StateDir,
		PluginID:     cfg.Export.PluginID,
		PollInterval: time.Duration(cfg.Export.PollIntervalMs) * time.Millisecond,
		Debounce:     time.Duration(cfg.Export.DebounceMs) * time.Millisecond,
		Backfill:     cfg.Export.Backfill,
	}, poster, redactor, index, labels, events)
}

// busDispatcher fans agent calls out on the event bus. The agent runtime is
// an external collaborator; it consumes these as gateway events.
type busDispatcher struct {
	events bus.EventPublisher
}

func (d *busDispatcher) Dispatch(ctx context.Context, params protocol.AgentParams) error {
	d.events.Broadcast(bus.Event{Name: protocol.EventAgent, Payload: params})
	return nil
}

// indexDirectory serves the sessions RPC surface from the exporter's index.
type indexDirectory struct {
	index *transcript.SessionIndex
}

func (d *indexDirectory) ListSessions(ctx context.Context) ([]gateway.SessionInfo, error) {
	entries := d.index.Entries()
	out := make([]gateway.SessionInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, gateway.SessionInfo{
			SessionKey: e.SessionKey,
			AgentID:    e.AgentID,
			Label:      e.Label,
		})
	}
	return out, nil
}

func (d *indexDirectory) ResolveSessionKey(ctx context.Context, sessionKey string) (*gateway.SessionInfo, bool, error) {
	for _, e := range d.index.Entries() {
		if e.SessionKey == sessionKey {
			return &gateway.SessionInfo{
				SessionKey: e.SessionKey,
				AgentID:    e.AgentID,
				Label:      e.Label,
			}, true, nil
		}
	}
	return nil, false, nil
}
