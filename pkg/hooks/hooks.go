// Package hooks provides extension points for the import and export pipelines.
// Hooks allow injecting custom logic at various points in the translation flow.
package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cadflow/cadflow/pkg/format"
	"github.com/cadflow/cadflow/pkg/kernel"
	"github.com/cadflow/cadflow/pkg/progress"
	"github.com/cadflow/cadflow/pkg/scene"
)

// HookManager manages all registered hooks.
type HookManager struct {
	mu sync.RWMutex

	postReadHooks  []PostReadHook
	preWriteHooks  []PreWriteHook
	postWriteHooks []PostWriteHook
}

// NewHookManager creates a new hook manager.
func NewHookManager() *HookManager {
	return &HookManager{}
}

// PostReadHook processes a freshly parsed graph before it is merged into the
// document. Failures surface as transfer problems.
type PostReadHook struct {
	Name string
	// RequiredIf restricts the hook to some source formats. Nil means always.
	RequiredIf func(f format.Format) bool
	Run        func(ctx context.Context, g *scene.Graph, p progress.Reporter) error
}

// PreWriteHook is called before a selection is serialized. Metadata it
// leaves in WriteInfo fills the writer parameters of the same name that are
// still at their default.
type PreWriteHook func(ctx context.Context, info *WriteInfo) error

// WriteInfo contains information about the write operation.
type WriteInfo struct {
	Path     string
	Format   format.Format
	Nodes    int
	Metadata map[string]string // writable, hooks can add metadata
}

// PostWriteHook is called after a file is written.
type PostWriteHook func(ctx context.Context, result *WriteResult) error

// WriteResult contains the outcome of a write operation.
type WriteResult struct {
	Path      string
	Format    format.Format
	SizeBytes int64
	Nodes     int
	Duration  time.Duration
	Metadata  map[string]string
}

// RegisterPostRead adds a post-read hook.
func (m *HookManager) RegisterPostRead(hook PostReadHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.postReadHooks = append(m.postReadHooks, hook)
}

// RegisterPreWrite adds a pre-write hook.
func (m *HookManager) RegisterPreWrite(hook PreWriteHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.preWriteHooks = append(m.preWriteHooks, hook)
}

// RegisterPostWrite adds a post-write hook.
func (m *HookManager) RegisterPostWrite(hook PostWriteHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.postWriteHooks = append(m.postWriteHooks, hook)
}

// PostReadRequired reports whether any post-read hook applies to f.
func (m *HookManager) PostReadRequired(f format.Format) bool {
	return len(m.applicablePostRead(f)) > 0
}

func (m *HookManager) applicablePostRead(f format.Format) []PostReadHook {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []PostReadHook
	for _, h := range m.postReadHooks {
		if h.RequiredIf == nil || h.RequiredIf(f) {
			out = append(out, h)
		}
	}
	return out
}

// RunPostRead executes the post-read hooks applicable to f. Progress is split
// evenly between them.
func (m *HookManager) RunPostRead(ctx context.Context, f format.Format, g *scene.Graph, p progress.Reporter) error {
	hooks := m.applicablePostRead(f)
	n := float64(len(hooks))
	for i, h := range hooks {
		if err := ctx.Err(); err != nil {
			return err
		}
		sub := progress.Scope(p, float64(i)/n, float64(i+1)/n)
		if err := h.Run(ctx, g, sub); err != nil {
			return fmt.Errorf("%s: %w", h.Name, err)
		}
		sub.Report(1, "")
	}
	return nil
}

// RunPreWrite executes all pre-write hooks.
func (m *HookManager) RunPreWrite(ctx context.Context, info *WriteInfo) error {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	hooks := m.preWriteHooks
	m.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, info); err != nil {
			return err
		}
	}
	return nil
}

// RunPostWrite executes all post-write hooks.
func (m *HookManager) RunPostWrite(ctx context.Context, result *WriteResult) error {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	hooks := m.postWriteHooks
	m.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, result); err != nil {
			return err
		}
	}
	return nil
}

// --- Built-in hooks ---

// MeshingHook triangulates boundary representation input so that it can be
// written to mesh formats.
func MeshingHook(m kernel.Mesher) PostReadHook {
	return PostReadHook{
		Name:       "mesh",
		RequiredIf: format.Format.ProvidesBRep,
		Run: func(ctx context.Context, g *scene.Graph, p progress.Reporter) error {
			p.Report(0, "Meshing")
			return m.Mesh(ctx, g)
		},
	}
}

// MetadataHook creates a hook that adds metadata to writes, e.g. the
// originating system of a STEP header.
func MetadataHook(metadata map[string]string) PreWriteHook {
	return func(ctx context.Context, info *WriteInfo) error {
		if info.Metadata == nil {
			info.Metadata = make(map[string]string)
		}
		for k, v := range metadata {
			info.Metadata[k] = v
		}
		return nil
	}
}

// LoggingHook creates a hook that logs write operations.
func LoggingHook(logger *slog.Logger) PostWriteHook {
	return func(ctx context.Context, result *WriteResult) error {
		logger.InfoContext(ctx, "file written",
			"path", result.Path,
			"format", result.Format.String(),
			"bytes", result.SizeBytes,
			"nodes", result.Nodes,
			"duration", result.Duration)
		return nil
	}
}
