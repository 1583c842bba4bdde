// Package tasks ships the built-in task implementations registered by the
// CLI. They cover the common leaf operations of a flow: logging, value
// reshaping, HTTP calls and file output. All of them work on plain resolved
// inputs; binding expressions are the engine's job.
package tasks

import (
	"log/slog"

	"github.com/stepflow-io/stepflow/pkg/registry"
)

// RegisterAll installs every built-in task into the registry.
func RegisterAll(r *registry.Registry, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	r.Register("log", NewLogTask(logger))
	r.Register("transform", NewTransformTask())
	r.Register("http_request", NewHTTPRequestTask(nil))
	r.Register("file_write", NewFileWriteTask())
}
