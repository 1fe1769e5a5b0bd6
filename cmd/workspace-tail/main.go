// Command workspace-tail follows one workspace's channel and prints every
// admitted code change, chat message and presence update. It is an operator
// tool: it holds the same validated view of the workspace a participant
// would, without joining presence.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/arch1tech/platform/internal/collab"
	"github.com/arch1tech/platform/internal/config"
	"github.com/arch1tech/platform/internal/logging"
	"github.com/arch1tech/platform/internal/messaging"
	"github.com/arch1tech/platform/internal/protocol"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to a YAML config file")
		workspaceID = flag.StringP("workspace", "w", "", "workspace to follow (required)")
		selfID      = flag.String("as", "", "user ID whose own presence is hidden")
		history     = flag.Int("history", collab.DefaultHistoryLimit, "chat messages to retain")
	)
	flag.Parse()

	if err := run(*configPath, *workspaceID, *selfID, *history); err != nil {
		fmt.Fprintf(os.Stderr, "workspace-tail: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, workspaceID, selfID string, history int) error {
	if !protocol.ValidWorkspaceID(workspaceID) {
		return fmt.Errorf("invalid or missing --workspace %q", workspaceID)
	}

	cfg, err := config.Load(configPath, config.EnvSource{})
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer logger.Sync()

	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATS.URL
	natsConfig.Name = "arch1tech-workspace-tail"
	natsClient, err := messaging.NewNATSClient(natsConfig, logger)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer natsClient.Close()

	out := json.NewEncoder(os.Stdout)
	var ws *collab.Workspace
	ws = collab.NewWorkspace(selfID,
		collab.WithLogger(logger),
		collab.WithHistoryLimit(history),
		collab.WithOnChange(func(c collab.Change) {
			line := map[string]any{"kind": c.Kind, "from": c.From}
			switch c.Kind {
			case collab.ChangeCode:
				line["bytes"] = len(ws.Code())
			case collab.ChangeChat:
				line["message"] = c.Entry
			case collab.ChangePresence:
				line["collaborators"] = ws.Collaborators()
			}
			if err := out.Encode(line); err != nil {
				logger.Warn("write failed", zap.Error(err))
			}
		}),
	)

	session, err := collab.Join(natsClient.Workspace(workspaceID), ws, logger)
	if err != nil {
		return err
	}
	defer session.Close()

	logger.Info("following workspace", zap.String("workspace", workspaceID))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("stopping", zap.Int("messages", len(ws.Messages())))
	return nil
}
