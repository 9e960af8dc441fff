package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/superkanban/internal/config"
	"github.com/nextlevelbuilder/superkanban/internal/reconcile"
	"github.com/nextlevelbuilder/superkanban/internal/redact"
	"github.com/nextlevelbuilder/superkanban/internal/spool"
)

func reconcileCmd() *cobra.Command {
	var (
		fix         bool
		dryRun      bool
		stateDir    string
		agentID     string
		sessionID   string
		sessionKey  string
		maxSessions int
		preview     int
		jsonOut     bool
		baseURL     string
		token       string
		authHeader  string
		attachPath  string
		msgsPath    string
		toolsPath   string
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Replay transcripts against Super-Kanban (dry-run by default)",
		Run: func(cmd *cobra.Command, args []string) {
			setupLogging()

			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				slog.Error("failed to load config", "error", err)
				os.Exit(1)
			}
			if stateDir == "" {
				stateDir = cfg.Export.StateDir
			}
			if baseURL != "" {
				cfg.SuperKanban.BaseURL = baseURL
			}
			if token != "" {
				cfg.SuperKanban.Token = token
			}
			if authHeader != "" {
				cfg.SuperKanban.AuthHeader = authHeader
			}
			if attachPath != "" {
				cfg.SuperKanban.AttachPath = attachPath
			}
			if msgsPath != "" {
				cfg.SuperKanban.MessagesPath = msgsPath
			}
			if toolsPath != "" {
				cfg.SuperKanban.ToolCallsPath = toolsPath
			}

			if fix && dryRun {
				slog.Error("--fix and --dry-run are mutually exclusive")
				os.Exit(1)
			}

			mode := reconcile.ModeDryRun
			var poster spool.Poster
			if fix {
				mode = reconcile.ModeFix
				sk, err := newSKClient(cfg)
				if err != nil {
					slog.Error("super-kanban client", "error", err)
					os.Exit(1)
				}
				if err := sk.Auth().Check(); err != nil {
					slog.Error("super-kanban credentials missing", "error", err)
					os.Exit(2)
				}
				poster = sk
			}

			labels, err := reconcile.OpenLabelMap(reconcile.LabelMapPath(stateDir))
			if err != nil {
				slog.Error("label map", "error", err)
				os.Exit(1)
			}

			red := cfg.Export.Redaction
			redactor := redact.New(red.Mode, red.Patterns,
				redact.WithBudgets(red.MessageMax, red.ToolInputMax, red.ToolOutputMax, red.ErrorMax))

			r := reconcile.New(reconcile.Options{
				Mode:         mode,
				StateDir:     stateDir,
				AgentID:      agentID,
				SessionID:    sessionID,
				SessionKey:   sessionKey,
				MaxSessions:  maxSessions,
				PreviewLimit: preview,
			}, poster, labels, redactor)

			report, err := r.Run(context.Background())
			if err != nil {
				slog.Error("reconcile failed", "error", err)
				os.Exit(1)
			}

			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				enc.Encode(report)
			} else {
				fmt.Print(report.String())
			}
		},
	}

	cmd.Flags().BoolVar(&fix, "fix", false, "post missing records instead of only counting")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "count only, post nothing (the default)")
	cmd.Flags().StringVar(&stateDir, "state-dir", "", "state directory (default from config)")
	cmd.Flags().StringVar(&agentID, "agent", "", "only this agent")
	cmd.Flags().StringVar(&sessionID, "session-id", "", "only this session id")
	cmd.Flags().StringVar(&sessionKey, "session-key", "", "only this session key")
	cmd.Flags().IntVar(&maxSessions, "max-sessions", 0, "stop after this many matched sessions")
	cmd.Flags().IntVar(&preview, "preview", 0, "include up to N keys per session in the report")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit the report as JSON")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "Super-Kanban base URL override")
	cmd.Flags().StringVar(&token, "token", "", "Super-Kanban bearer token override")
	cmd.Flags().StringVar(&authHeader, "auth-header", "", "legacy 'Name: value' auth header override")
	cmd.Flags().StringVar(&attachPath, "attach-path", "", "attach endpoint path override")
	cmd.Flags().StringVar(&msgsPath, "messages-path", "", "messages endpoint path override")
	cmd.Flags().StringVar(&toolsPath, "tool-calls-path", "", "tool-calls endpoint path override")
	return cmd
}
