package connection

import (
	"context"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/iworkr/aiva.io-sub003/internal/models"
)

// AlertConfig controls the operator alert raised when a channel needs
// reconnecting.
type AlertConfig struct {
	Command string // shell command template, e.g. "notify-send 'Reconnect {{.Provider}}' '{{.Error}}'"
}

// Alert runs the configured command for a flagged connection. Best-effort:
// errors are logged, not returned.
func Alert(ctx context.Context, c *models.ChannelConnection, cfg AlertConfig, logger *zap.Logger) {
	if cfg.Command == "" {
		return
	}
	cmdStr := templateAlert(cfg.Command, c)
	cmd := exec.CommandContext(ctx, "sh", "-c", cmdStr)
	if out, err := cmd.CombinedOutput(); err != nil {
		logger.Warn("alert command failed",
			zap.String("connection", c.ID),
			zap.Error(err),
			zap.String("output", strings.TrimSpace(string(out))))
	}
}

// templateAlert replaces placeholders in the command template with
// connection values.
func templateAlert(command string, c *models.ChannelConnection) string {
	r := strings.NewReplacer(
		"{{.Connection}}", c.ID,
		"{{.Name}}", c.Name,
		"{{.Provider}}", c.Provider,
		"{{.Workspace}}", c.WorkspaceID,
		"{{.Error}}", c.LastError,
	)
	return r.Replace(command)
}
