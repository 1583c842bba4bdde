// Package registry maps task names to their implementations and owns the
// named connection handles injected into task calls.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Standard registry error types.
var (
	// ErrTaskNotFound indicates a task name with no registered implementation.
	// It is distinct from an error raised by the task itself.
	ErrTaskNotFound = errors.New("task not found")

	// ErrConnectionNotFound indicates an unknown connection name.
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrPermanent marks a task error as non-retryable. Tasks wrap their
	// error with Permanent to opt out of retry-wrapping.
	ErrPermanent = errors.New("permanent task failure")
)

// Connection is an external, named resource handle (database pool, HTTP
// client, ...). The engine never inspects it; lifecycle and concurrency
// safety belong to the layer that registered it.
type Connection any

// Task is the capability contract the engine invokes for leaf task steps.
// Implementations receive fully resolved inputs and the connection handle
// named by the step, and return their outputs by name.
type Task interface {
	Invoke(ctx context.Context, inputs map[string]any, conn Connection) (map[string]any, error)
}

// TaskFunc adapts a plain function to the Task contract.
type TaskFunc func(ctx context.Context, inputs map[string]any, conn Connection) (map[string]any, error)

func (f TaskFunc) Invoke(ctx context.Context, inputs map[string]any, conn Connection) (map[string]any, error) {
	return f(ctx, inputs, conn)
}

// Registry is a concrete registration map implementing the task capability
// contract. Registration happens before execution starts; Invoke is safe
// for concurrent use by parallel branches.
type Registry struct {
	logger      *slog.Logger
	tasks       map[string]Task
	connections map[string]Connection
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		logger:      logger.With("module", "registry"),
		tasks:       make(map[string]Task),
		connections: make(map[string]Connection),
	}
}

// Register binds a task implementation to a name, replacing any previous one.
func (r *Registry) Register(name string, task Task) {
	r.tasks[name] = task
}

// RegisterFunc binds a plain function as a task.
func (r *Registry) RegisterFunc(name string, fn TaskFunc) {
	r.Register(name, fn)
}

// RegisterConnection binds a pre-configured resource handle to a name.
func (r *Registry) RegisterConnection(name string, conn Connection) {
	r.connections[name] = conn
}

// TaskNames returns the registered task names, for diagnostics.
func (r *Registry) TaskNames() []string {
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}

	return names
}

// Invoke resolves the named task and connection and calls the task with the
// resolved inputs. connection may be empty for tasks that need none.
func (r *Registry) Invoke(ctx context.Context, name string, inputs map[string]any, connection string) (map[string]any, error) {
	task, ok := r.tasks[name]
	if !ok {
		return nil, fmt.Errorf("task %q: %w", name, ErrTaskNotFound)
	}

	var conn Connection

	if connection != "" {
		conn, ok = r.connections[connection]
		if !ok {
			return nil, fmt.Errorf("connection %q: %w", connection, ErrConnectionNotFound)
		}
	}

	r.logger.Debug("Invoking task", "task", name, "connection", connection)

	outputs, err := task.Invoke(ctx, inputs, conn)
	if err != nil {
		return nil, fmt.Errorf("task %q failed: %w", name, err)
	}

	return outputs, nil
}

// Permanent wraps a task error so the engine will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// IsPermanent reports whether a task error opted out of retrying.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}
