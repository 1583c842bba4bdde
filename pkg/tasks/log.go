package tasks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stepflow-io/stepflow/pkg/registry"
)

// LogTask writes a message to the structured log. Inputs: message (any),
// level (debug|info|warn|error, default info). Outputs the rendered message
// so downstream steps can reuse it.
type LogTask struct {
	logger *slog.Logger
}

func NewLogTask(logger *slog.Logger) *LogTask {
	return &LogTask{logger: logger.With("task", "log")}
}

func (t *LogTask) Invoke(ctx context.Context, inputs map[string]any, _ registry.Connection) (map[string]any, error) {
	message := fmt.Sprintf("%v", inputs["message"])

	level := slog.LevelInfo

	if name, ok := inputs["level"].(string); ok {
		switch name {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		default:
			return nil, registry.Permanent(fmt.Errorf("unknown log level %q", name))
		}
	}

	t.logger.Log(ctx, level, message)

	return map[string]any{"message": message}, nil
}
