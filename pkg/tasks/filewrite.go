package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/stepflow-io/stepflow/pkg/registry"
)

// FileWriteTask writes a value to disk. Inputs: path (required), value
// (required; strings are written verbatim, everything else as indented
// JSON), overwrite (default false). Outputs: path, bytes.
type FileWriteTask struct{}

func NewFileWriteTask() *FileWriteTask {
	return &FileWriteTask{}
}

func (t *FileWriteTask) Invoke(_ context.Context, inputs map[string]any, _ registry.Connection) (map[string]any, error) {
	path, _ := inputs["path"].(string)
	if path == "" {
		return nil, registry.Permanent(fmt.Errorf("file_write: input %q is required", "path"))
	}

	value, ok := inputs["value"]
	if !ok {
		return nil, registry.Permanent(fmt.Errorf("file_write: input %q is required", "value"))
	}

	var (
		data []byte
		err  error
	)

	if text, ok := value.(string); ok {
		data = []byte(text)
	} else {
		data, err = json.MarshalIndent(value, "", "  ")
		if err != nil {
			return nil, registry.Permanent(fmt.Errorf("file_write: encoding value: %w", err))
		}
	}

	overwrite, _ := inputs["overwrite"].(bool)
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return nil, registry.Permanent(fmt.Errorf("file_write: %s already exists and overwrite is false", path))
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("file_write: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("file_write: %w", err)
	}

	return map[string]any{
		"path":  path,
		"bytes": float64(len(data)),
	}, nil
}
