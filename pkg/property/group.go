package property

import (
	"fmt"
	"sync"

	cferrors "github.com/cadflow/cadflow/pkg/errors"
)

// Scope selects how far RestoreDefaults reaches.
type Scope uint8

const (
	// ScopeAll resets the group and, recursively, every child group.
	ScopeAll Scope = iota
	// ScopeGroupOnly resets only the group's own properties.
	ScopeGroupOnly
)

// Group is an ordered set of properties with their current values and
// optional child groups. Declarations are frozen once the group is owned by
// a registered plugin; values remain mutable and are safe for concurrent use.
type Group struct {
	name string

	mu       sync.RWMutex
	order    []string
	props    map[string]*Property
	values   map[string]any
	children []*Group
	frozen   bool
}

// NewGroup creates a group declaring the given properties in order.
// It panics on duplicate property names.
func NewGroup(name string, props ...*Property) *Group {
	g := &Group{
		name:   name,
		props:  make(map[string]*Property, len(props)),
		values: make(map[string]any, len(props)),
	}
	for _, p := range props {
		if err := g.Declare(p); err != nil {
			panic(err)
		}
	}
	return g
}

// Name returns the group name.
func (g *Group) Name() string { return g.name }

// Declare adds a property to the group.
func (g *Group) Declare(p *Property) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.frozen {
		return fmt.Errorf("group %q is frozen", g.name)
	}
	if _, ok := g.props[p.name]; ok {
		return fmt.Errorf("group %q: property %q declared twice", g.name, p.name)
	}
	g.props[p.name] = p
	g.order = append(g.order, p.name)
	return nil
}

// AddChild nests a group below g.
func (g *Group) AddChild(child *Group) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.frozen {
		return fmt.Errorf("group %q is frozen", g.name)
	}
	g.children = append(g.children, child)
	return nil
}

// Freeze prevents further declarations on g and its children.
func (g *Group) Freeze() {
	g.mu.Lock()
	g.frozen = true
	children := g.children
	g.mu.Unlock()

	for _, c := range children {
		c.Freeze()
	}
}

// Frozen reports whether the group membership is frozen.
func (g *Group) Frozen() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.frozen
}

// Properties returns the declared properties in declaration order.
func (g *Group) Properties() []*Property {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*Property, 0, len(g.order))
	for _, name := range g.order {
		out = append(out, g.props[name])
	}
	return out
}

// Property looks up a declaration by name.
func (g *Group) Property(name string) (*Property, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.props[name]
	return p, ok
}

// Children returns the child groups.
func (g *Group) Children() []*Group {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Group, len(g.children))
	copy(out, g.children)
	return out
}

// Child returns the child group with the given name.
func (g *Group) Child(name string) (*Group, bool) {
	for _, c := range g.Children() {
		if c.name == name {
			return c, true
		}
	}
	return nil, false
}

// Set assigns a value after checking kind and constraints. On failure the
// previous value is kept.
func (g *Group) Set(name string, value any) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.props[name]
	if !ok {
		return cferrors.UnknownProperty(name)
	}
	v, err := p.validate(value)
	if err != nil {
		return err
	}
	g.values[name] = v
	return nil
}

// SetText parses text into the property's kind and assigns it.
func (g *Group) SetText(name, text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.props[name]
	if !ok {
		return cferrors.UnknownProperty(name)
	}
	v, err := p.parse(text)
	if err != nil {
		return err
	}
	g.values[name] = v
	return nil
}

// Get returns the current value, or the default if never set.
func (g *Group) Get(name string) (any, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	p, ok := g.props[name]
	if !ok {
		return nil, cferrors.UnknownProperty(name)
	}
	if v, ok := g.values[name]; ok {
		return v, nil
	}
	return p.def, nil
}

// Text returns the current value rendered as text accepted by SetText.
func (g *Group) Text(name string) (string, error) {
	v, err := g.Get(name)
	if err != nil {
		return "", err
	}
	p, _ := g.Property(name)
	return p.format(v), nil
}

// IsDefault reports whether the property holds its default value.
func (g *Group) IsDefault(name string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, ok := g.values[name]
	if !ok {
		return true
	}
	return v == g.props[name].def
}

// RestoreDefaults resets values to their declared defaults. Declarations are
// never removed.
func (g *Group) RestoreDefaults(scope Scope) {
	g.mu.Lock()
	g.values = make(map[string]any, len(g.props))
	children := g.children
	g.mu.Unlock()

	if scope == ScopeAll {
		for _, c := range children {
			c.RestoreDefaults(ScopeAll)
		}
	}
}

// Snapshot returns an immutable copy of the current values, including child
// groups. Later changes to g are not visible in the snapshot.
func (g *Group) Snapshot() Values {
	g.mu.RLock()
	vals := make(map[string]any, len(g.order))
	props := make(map[string]*Property, len(g.order))
	for _, name := range g.order {
		p := g.props[name]
		props[name] = p
		if v, ok := g.values[name]; ok {
			vals[name] = v
		} else {
			vals[name] = p.def
		}
	}
	children := g.children
	g.mu.RUnlock()

	s := Values{group: g.name, values: vals, props: props}
	if len(children) > 0 {
		s.children = make(map[string]Values, len(children))
		for _, c := range children {
			s.children[c.name] = c.Snapshot()
		}
	}
	return s
}

// Apply copies every value of s into g, validating each. It is used to
// restore persisted settings.
func (g *Group) Apply(s Values) error {
	for _, name := range s.Names() {
		v, _ := s.Get(name)
		if err := g.Set(name, v); err != nil {
			return err
		}
	}
	return nil
}
