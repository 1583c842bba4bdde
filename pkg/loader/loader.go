// Package loader resolves subflow references to parsed flow documents.
package loader

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/stepflow-io/stepflow/pkg/flow"
)

// ErrFlowNotFound indicates no candidate file matched a subflow reference.
var ErrFlowNotFound = errors.New("flow not found")

// NotFoundError carries the reference and every location that was probed.
type NotFoundError struct {
	Reference string
	Searched  []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("flow %q not found (searched %s)", e.Reference, strings.Join(e.Searched, ", "))
}

func (e *NotFoundError) Unwrap() error {
	return ErrFlowNotFound
}

// Resolver turns a textual subflow reference into a flow document plus a
// canonical identity string. The identity feeds the execution call chain's
// cycle check, so two references to the same document must yield the same
// identity regardless of how they were spelled. Implementations must return
// validated documents; the engine does not revalidate them.
type Resolver interface {
	Resolve(ref, fromDir string) (*flow.Flow, string, error)
}

// CanonicalName is the file a directory-style reference must contain.
const CanonicalName = "flow"

// DefaultAncestorDepth bounds the upward directory walk.
const DefaultAncestorDepth = 3

var flowExtensions = []string{".yaml", ".yml", ".json"}

// FileLoader discovers flow documents on the filesystem and memoizes parsed
// documents by absolute path. One loader instance is shared by a whole
// top-level execution; the cache lock makes it safe for parallel branches.
type FileLoader struct {
	logger        *slog.Logger
	ancestorDepth int

	mu    sync.Mutex
	cache map[string]*flow.Flow
}

func NewFileLoader(logger *slog.Logger) *FileLoader {
	if logger == nil {
		logger = slog.Default()
	}

	return &FileLoader{
		logger:        logger.With("module", "loader"),
		ancestorDepth: DefaultAncestorDepth,
		cache:         make(map[string]*flow.Flow),
	}
}

// Resolve locates ref relative to fromDir using the discovery order:
// direct file match, subdirectory with a canonical flow file, sibling
// directories, then ancestor directories up to the bounded depth.
func (l *FileLoader) Resolve(ref, fromDir string) (*flow.Flow, string, error) {
	if fromDir == "" {
		fromDir = "."
	}

	var searched []string

	for _, candidate := range l.candidates(ref, fromDir) {
		searched = append(searched, candidate)

		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}

		abs, err := filepath.Abs(candidate)
		if err != nil {
			return nil, "", fmt.Errorf("failed to canonicalize %s: %w", candidate, err)
		}

		doc, err := l.load(abs)
		if err != nil {
			return nil, "", err
		}

		return doc, abs, nil
	}

	return nil, "", &NotFoundError{Reference: ref, Searched: searched}
}

func (l *FileLoader) load(abs string) (*flow.Flow, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if doc, ok := l.cache[abs]; ok {
		return doc, nil
	}

	doc, err := flow.ParseFile(abs)
	if err != nil {
		return nil, err
	}

	l.logger.Debug("Loaded flow document", "path", abs, "flow", doc.Name)
	l.cache[abs] = doc

	return doc, nil
}

func (l *FileLoader) candidates(ref, fromDir string) []string {
	var out []string

	appendDir := func(dir string) {
		out = append(out, fileCandidates(filepath.Join(dir, ref))...)
		for _, ext := range flowExtensions {
			out = append(out, filepath.Join(dir, ref, CanonicalName+ext))
		}
	}

	// (a) direct match and (b) subdirectory with a canonical file.
	appendDir(fromDir)

	// (c) sibling directories of the caller's flow.
	parent := filepath.Dir(fromDir)
	if entries, err := os.ReadDir(parent); err == nil {
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}

			sibling := filepath.Join(parent, entry.Name())
			if sibling == fromDir || filepath.Clean(sibling) == filepath.Clean(fromDir) {
				continue
			}

			appendDir(sibling)
		}
	}

	// (d) ancestors, bounded.
	dir := fromDir
	for i := 0; i < l.ancestorDepth; i++ {
		next := filepath.Dir(dir)
		if next == dir {
			break
		}

		dir = next

		appendDir(dir)
	}

	return out
}

// fileCandidates expands a path into the concrete files it may denote: the
// path itself when it already carries a known extension, otherwise the path
// with each extension appended.
func fileCandidates(path string) []string {
	ext := filepath.Ext(path)
	for _, known := range flowExtensions {
		if ext == known {
			return []string{path}
		}
	}

	out := make([]string, 0, len(flowExtensions))
	for _, known := range flowExtensions {
		out = append(out, path+known)
	}

	return out
}
