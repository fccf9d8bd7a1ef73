// Package registry keeps the format plugins known to an application and
// resolves files to the plugin that handles them. A Registry is an explicit
// object passed to the pipelines; there is no process-wide default.
package registry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/cadflow/cadflow/internal/pool"
	cferrors "github.com/cadflow/cadflow/pkg/errors"
	"github.com/cadflow/cadflow/pkg/format"
	"github.com/cadflow/cadflow/pkg/plugin"
	"github.com/cadflow/cadflow/pkg/property"
)

// DefaultSampleSize is the default number of bytes read for content probing.
const DefaultSampleSize = 64 * 1024 // 64KB

type key struct {
	format format.Format
	role   plugin.Role
}

type entry struct {
	plugin *plugin.Plugin
	role   plugin.Role
	params *property.Group
}

// Registry holds the registered plugins and their live parameter groups.
type Registry struct {
	mu sync.RWMutex

	// entries keeps registration order, one per (format, single role)
	entries []*entry
	byKey   map[key]*entry

	sampleSize int
	buffers    *pool.BufferPool
	logger     *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithSampleSize sets the number of bytes sampled for content probing.
func WithSampleSize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.sampleSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		byKey:      make(map[key]*entry),
		sampleSize: DefaultSampleSize,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.buffers = pool.NewBufferPool(r.sampleSize)
	return r
}

// SampleSize returns the number of bytes sampled for probing.
func (r *Registry) SampleSize() int { return r.sampleSize }

// Register adds a plugin. A plugin with RoleBoth claims both roles at once;
// if either is taken the registry is left unchanged and DuplicateFormat is
// returned. The plugin's parameter groups are built and frozen here.
func (r *Registry) Register(p *plugin.Plugin) error {
	if err := p.Validate(); err != nil {
		return err
	}

	roles := p.Role.Roles()
	added := make([]*entry, 0, len(roles))
	for _, role := range roles {
		params := p.Properties(role)
		params.Freeze()
		added = append(added, &entry{plugin: p, role: role, params: params})
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range added {
		if _, ok := r.byKey[key{p.Format, e.role}]; ok {
			return cferrors.DuplicateFormat(p.Format.String(), e.role.String())
		}
	}
	for _, e := range added {
		r.byKey[key{p.Format, e.role}] = e
		r.entries = append(r.entries, e)
	}

	r.logger.Debug("plugin registered", "format", p.Format.String(), "role", p.Role.String())
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(p *plugin.Plugin) {
	if err := r.Register(p); err != nil {
		panic(err)
	}
}

// Supports reports whether a plugin is registered for (f, role).
func (r *Registry) Supports(f format.Format, role plugin.Role) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byKey[key{f, role}]
	return ok
}

// ResolveByExtension matches the path suffix case-insensitively against the
// formats having a plugin for role. When several formats share a suffix the
// most recently registered plugin wins.
func (r *Registry) ResolveByExtension(path string, role plugin.Role) (format.Format, error) {
	if format.Ext(path) != "" {
		r.mu.RLock()
		for i := len(r.entries) - 1; i >= 0; i-- {
			e := r.entries[i]
			if e.role == role && e.plugin.MatchesPath(path) {
				r.mu.RUnlock()
				return e.plugin.Format, nil
			}
		}
		r.mu.RUnlock()
	}
	return format.Unknown, cferrors.UnknownFormat(path)
}

// ResolveByContent runs the probes of all plugins having role and returns the
// format with the highest non-zero confidence. Ties go to the plugin
// registered first.
func (r *Registry) ResolveByContent(in plugin.ProbeInput, role plugin.Role) (format.Format, error) {
	r.mu.RLock()
	candidates := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.role == role && e.plugin.Probe != nil {
			candidates = append(candidates, e)
		}
	}
	r.mu.RUnlock()

	best, bestScore := format.Unknown, 0.0
	for _, e := range candidates {
		score := r.probe(e.plugin, in)
		if score > bestScore {
			best, bestScore = e.plugin.Format, score
		}
	}
	if best == format.Unknown {
		return format.Unknown, cferrors.UnknownFormat(in.Path)
	}
	return best, nil
}

// probe runs one plugin probe, treating panics as no match.
func (r *Registry) probe(p *plugin.Plugin, in plugin.ProbeInput) (score float64) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn("probe panicked", "format", p.Format.String(), "path", in.Path, "panic", rec)
			score = 0
		}
	}()
	score = p.Probe(in)
	if score < 0 || score != score {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// Resolve tries the file extension first and falls back to content probing.
func (r *Registry) Resolve(in plugin.ProbeInput, role plugin.Role) (format.Format, error) {
	if f, err := r.ResolveByExtension(in.Path, role); err == nil {
		return f, nil
	}
	return r.ResolveByContent(in, role)
}

// Handle is a per-task instance of a plugin role with a snapshot of its
// parameters taken at instantiation.
type Handle struct {
	Format format.Format
	Role   plugin.Role
	Params property.Values

	Reader plugin.Reader
	Writer plugin.Writer
}

// Instantiate creates a fresh reader or writer for one task. UnsupportedFormat
// is returned when no plugin has the role for f.
func (r *Registry) Instantiate(f format.Format, role plugin.Role) (*Handle, error) {
	r.mu.RLock()
	e, ok := r.byKey[key{f, role}]
	r.mu.RUnlock()

	if !ok {
		return nil, cferrors.UnsupportedFormat(f.String(), role.String())
	}

	h := &Handle{Format: f, Role: role, Params: e.params.Snapshot()}
	switch role {
	case plugin.RoleReader:
		h.Reader = e.plugin.NewReader()
	case plugin.RoleWriter:
		h.Writer = e.plugin.NewWriter()
	default:
		return nil, fmt.Errorf("instantiate needs a single role, got %s", role)
	}
	return h, nil
}

// Parameters returns the live parameter group of (f, role). Changes made to it
// apply to tasks instantiated afterwards.
func (r *Registry) Parameters(f format.Format, role plugin.Role) (*property.Group, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byKey[key{f, role}]
	if !ok {
		return nil, cferrors.UnsupportedFormat(f.String(), role.String())
	}
	return e.params, nil
}

// Formats lists the formats having a plugin for role, in registration order.
func (r *Registry) Formats(role plugin.Role) []format.Format {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []format.Format
	for _, e := range r.entries {
		if e.role == role {
			out = append(out, e.plugin.Format)
		}
	}
	return out
}

// Plugins lists the registered plugins in registration order.
func (r *Registry) Plugins() []*plugin.Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[*plugin.Plugin]bool)
	var out []*plugin.Plugin
	for _, e := range r.entries {
		if !seen[e.plugin] {
			seen[e.plugin] = true
			out = append(out, e.plugin)
		}
	}
	return out
}

// Opener opens files for sampling. storage.Storage satisfies it.
type Opener interface {
	Reader(ctx context.Context, path string) (io.ReadCloser, int64, error)
}

// ReadHead samples the first SampleSize bytes of path for probing.
func (r *Registry) ReadHead(ctx context.Context, o Opener, path string) (plugin.ProbeInput, error) {
	rc, size, err := o.Reader(ctx, path)
	if err != nil {
		return plugin.ProbeInput{}, err
	}
	defer rc.Close()

	buf := r.buffers.Get()
	defer r.buffers.Put(buf)

	if err := buf.FillFrom(rc, r.sampleSize); err != nil {
		return plugin.ProbeInput{}, err
	}

	head := make([]byte, buf.Len())
	copy(head, buf.Bytes())
	if size < 0 && len(head) < r.sampleSize {
		size = int64(len(head))
	}
	return plugin.ProbeInput{Path: path, Head: head, Size: size}, nil
}
