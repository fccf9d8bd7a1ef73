package property

import (
	"sort"

	cferrors "github.com/cadflow/cadflow/pkg/errors"
)

// Values is an immutable snapshot of a group's values, handed to one task.
// The zero Values is empty and every accessor returns the zero value.
type Values struct {
	group    string
	values   map[string]any
	props    map[string]*Property
	children map[string]Values
}

// Group returns the name of the snapshotted group.
func (v Values) Group() string { return v.group }

// Len returns the number of properties in the snapshot.
func (v Values) Len() int { return len(v.values) }

// Names returns the property names in lexical order.
func (v Values) Names() []string {
	names := make([]string, 0, len(v.values))
	for n := range v.values {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Get returns the raw value of a property.
func (v Values) Get(name string) (any, bool) {
	x, ok := v.values[name]
	return x, ok
}

// Has reports whether the snapshot declares name.
func (v Values) Has(name string) bool {
	_, ok := v.props[name]
	return ok
}

// IsDefault reports whether name holds its declared default.
func (v Values) IsDefault(name string) bool {
	p, ok := v.props[name]
	if !ok {
		return false
	}
	return v.values[name] == p.def
}

// Child returns the snapshot of a child group.
func (v Values) Child(name string) (Values, bool) {
	c, ok := v.children[name]
	return c, ok
}

func (v Values) Bool(name string) bool {
	b, _ := v.values[name].(bool)
	return b
}

func (v Values) Int(name string) int {
	i, _ := v.values[name].(int)
	return i
}

func (v Values) Float(name string) float64 {
	f, _ := v.values[name].(float64)
	return f
}

// String returns a string, enum or file path value.
func (v Values) String(name string) string {
	s, _ := v.values[name].(string)
	return s
}

// Text returns the value rendered as text.
func (v Values) Text(name string) string {
	p, ok := v.props[name]
	if !ok {
		return ""
	}
	return p.format(v.values[name])
}

// With returns a copy of v with one value overridden. The override is
// validated against the property's declaration; v itself is unchanged.
func (v Values) With(name string, value any) (Values, error) {
	p, ok := v.props[name]
	if !ok {
		return v, cferrors.UnknownProperty(name)
	}
	x, err := p.validate(value)
	if err != nil {
		return v, err
	}
	return v.replace(name, x), nil
}

// WithText is With for a textual value.
func (v Values) WithText(name, text string) (Values, error) {
	p, ok := v.props[name]
	if !ok {
		return v, cferrors.UnknownProperty(name)
	}
	x, err := p.parse(text)
	if err != nil {
		return v, err
	}
	return v.replace(name, x), nil
}

func (v Values) replace(name string, x any) Values {
	out := Values{
		group:    v.group,
		values:   make(map[string]any, len(v.values)),
		props:    v.props,
		children: v.children,
	}
	for k, val := range v.values {
		out.values[k] = val
	}
	out.values[name] = x
	return out
}
