// Package settings persists the property values of the registered format
// plugins. Values live in one flat section per format id with keys of the
// form reader.<property> and writer.<property>; child groups add a dotted
// path segment.
package settings

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	cferrors "github.com/cadflow/cadflow/pkg/errors"
	"github.com/cadflow/cadflow/pkg/format"
	"github.com/cadflow/cadflow/pkg/plugin"
	"github.com/cadflow/cadflow/pkg/property"
	"github.com/cadflow/cadflow/pkg/registry"
)

// Sections maps a format id to its key/value pairs.
type Sections map[string]map[string]string

// Keys returns the section names in sorted order.
func (s Sections) Keys() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Backend stores sections.
type Backend interface {
	Load(ctx context.Context) (Sections, error)
	Save(ctx context.Context, s Sections) error
	Close() error
}

// Store binds a backend to the parameter groups of a registry.
type Store struct {
	reg     *registry.Registry
	backend Backend
	logger  *slog.Logger
}

// NewStore creates a store. logger may be nil.
func NewStore(reg *registry.Registry, b Backend, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{reg: reg, backend: b, logger: logger}
}

// Load reads the backend and applies every stored value. Bad entries do not
// stop the others; their errors are combined in the result.
func (s *Store) Load(ctx context.Context) error {
	sections, err := s.backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	err = Apply(s.reg, sections)
	if err != nil {
		s.logger.WarnContext(ctx, "some settings were not applied", "error", err)
	}
	return err
}

// Save writes the current values of every plugin to the backend.
func (s *Store) Save(ctx context.Context) error {
	if err := s.backend.Save(ctx, Collect(s.reg)); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// Close closes the backend.
func (s *Store) Close() error { return s.backend.Close() }

// Collect returns the current values of every registered plugin.
func Collect(reg *registry.Registry) Sections {
	out := make(Sections)
	for _, p := range reg.Plugins() {
		for _, role := range p.Role.Roles() {
			g, err := reg.Parameters(p.Format, role)
			if err != nil {
				continue
			}
			sec := out[p.Format.String()]
			if sec == nil {
				sec = make(map[string]string)
				out[p.Format.String()] = sec
			}
			collectGroup(sec, role.String(), g)
		}
	}
	return out
}

func collectGroup(sec map[string]string, prefix string, g *property.Group) {
	for _, p := range g.Properties() {
		if text, err := g.Text(p.Name()); err == nil {
			sec[prefix+"."+p.Name()] = text
		}
	}
	for _, child := range g.Children() {
		collectGroup(sec, prefix+"."+child.Name(), child)
	}
}

// Apply sets the values of sections on the registry's parameter groups.
func Apply(reg *registry.Registry, sections Sections) error {
	var errs cferrors.MultiError
	for _, name := range sections.Keys() {
		f, err := format.Parse(name)
		if err != nil {
			errs.Add(cferrors.Newf(cferrors.CodeUnknownFormat, "unknown format section %q", name))
			continue
		}
		sec := sections[name]
		keys := make([]string, 0, len(sec))
		for k := range sec {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			errs.Add(Set(reg, f, k, sec[k]))
		}
	}
	return errs.Combined()
}

// Set parses text into the property named by key ("reader.scaling") of
// format f.
func Set(reg *registry.Registry, f format.Format, key, text string) error {
	g, name, err := lookup(reg, f, key)
	if err != nil {
		return err
	}
	return g.SetText(name, text)
}

// Get returns the text of the property named by key.
func Get(reg *registry.Registry, f format.Format, key string) (string, error) {
	g, name, err := lookup(reg, f, key)
	if err != nil {
		return "", err
	}
	return g.Text(name)
}

// lookup walks key to the group holding the property.
func lookup(reg *registry.Registry, f format.Format, key string) (*property.Group, string, error) {
	parts := strings.Split(key, ".")
	if len(parts) < 2 {
		return nil, "", cferrors.UnknownProperty(key).WithFormat(f.String())
	}

	var role plugin.Role
	switch parts[0] {
	case plugin.RoleReader.String():
		role = plugin.RoleReader
	case plugin.RoleWriter.String():
		role = plugin.RoleWriter
	default:
		return nil, "", cferrors.UnknownProperty(key).WithFormat(f.String())
	}

	g, err := reg.Parameters(f, role)
	if err != nil {
		return nil, "", err
	}
	for _, seg := range parts[1 : len(parts)-1] {
		child, ok := g.Child(seg)
		if !ok {
			return nil, "", cferrors.UnknownProperty(key).WithFormat(f.String())
		}
		g = child
	}
	return g, parts[len(parts)-1], nil
}
