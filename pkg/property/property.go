// Package property provides named, typed and validated configuration values
// grouped per format plugin.
package property

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	cferrors "github.com/cadflow/cadflow/pkg/errors"
)

// Kind is the value type of a property. It never changes after declaration.
type Kind uint8

const (
	KindBool Kind = iota
	KindInt
	KindFloat
	KindEnum
	KindString
	KindFilePath
)

func (k Kind) String() string {
	names := []string{"bool", "int", "float", "enum", "string", "filepath"}
	if int(k) < len(names) {
		return names[k]
	}
	return "unknown"
}

// EnumItem is one allowed value of an enum property.
type EnumItem struct {
	Name        string
	Description string
}

// Property declares one configuration value: its name, kind, default and
// constraints. A declared Property is immutable once added to a Group.
type Property struct {
	name        string
	kind        Kind
	def         any
	description string

	// int/float range, inclusive
	hasRange bool
	min, max float64

	items []EnumItem
}

// NewBool declares a boolean property.
func NewBool(name string, def bool) *Property {
	return &Property{name: name, kind: KindBool, def: def}
}

// NewInt declares an integer property.
func NewInt(name string, def int) *Property {
	return &Property{name: name, kind: KindInt, def: def}
}

// NewFloat declares a floating point property.
func NewFloat(name string, def float64) *Property {
	return &Property{name: name, kind: KindFloat, def: def}
}

// NewString declares a free text property.
func NewString(name, def string) *Property {
	return &Property{name: name, kind: KindString, def: def}
}

// NewFilePath declares a file path property.
func NewFilePath(name, def string) *Property {
	return &Property{name: name, kind: KindFilePath, def: def}
}

// NewEnum declares an enum property. def must name one of the items.
func NewEnum(name, def string, items ...EnumItem) *Property {
	p := &Property{name: name, kind: KindEnum, def: def, items: items}
	if _, err := p.validate(def); err != nil {
		panic(fmt.Sprintf("property %q: default %q is not an enum item", name, def))
	}
	return p
}

// Items is a helper building enum items without descriptions.
func Items(names ...string) []EnumItem {
	out := make([]EnumItem, len(names))
	for i, n := range names {
		out[i] = EnumItem{Name: n}
	}
	return out
}

// WithRange constrains an int or float property to [min, max].
func (p *Property) WithRange(min, max float64) *Property {
	if p.kind != KindInt && p.kind != KindFloat {
		panic(fmt.Sprintf("property %q: range on %s property", p.name, p.kind))
	}
	p.hasRange = true
	p.min, p.max = min, max
	if _, err := p.validate(p.def); err != nil {
		panic(fmt.Sprintf("property %q: default outside range", p.name))
	}
	return p
}

// Describe sets the human readable description.
func (p *Property) Describe(text string) *Property {
	p.description = text
	return p
}

func (p *Property) Name() string        { return p.name }
func (p *Property) Kind() Kind          { return p.kind }
func (p *Property) Default() any        { return p.def }
func (p *Property) Description() string { return p.description }

// Range returns the inclusive numeric range, if constrained.
func (p *Property) Range() (min, max float64, ok bool) {
	return p.min, p.max, p.hasRange
}

// EnumItems returns the allowed items of an enum property.
func (p *Property) EnumItems() []EnumItem {
	out := make([]EnumItem, len(p.items))
	copy(out, p.items)
	return out
}

// validate checks value against kind and constraints and returns it in
// canonical Go type (bool, int, float64 or string). It never coerces across
// kinds and never clamps.
func (p *Property) validate(value any) (any, error) {
	switch p.kind {
	case KindBool:
		v, ok := value.(bool)
		if !ok {
			return nil, p.invalid(value, "expected bool")
		}
		return v, nil

	case KindInt:
		var v int
		switch x := value.(type) {
		case int:
			v = x
		case int32:
			v = int(x)
		case int64:
			if x > math.MaxInt || x < math.MinInt {
				return nil, p.invalid(value, "integer overflow")
			}
			v = int(x)
		default:
			return nil, p.invalid(value, "expected int")
		}
		if p.hasRange && (float64(v) < p.min || float64(v) > p.max) {
			return nil, p.invalid(value, fmt.Sprintf("outside range [%g, %g]", p.min, p.max))
		}
		return v, nil

	case KindFloat:
		var v float64
		switch x := value.(type) {
		case float64:
			v = x
		case float32:
			v = float64(x)
		default:
			return nil, p.invalid(value, "expected float")
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, p.invalid(value, "not a finite number")
		}
		if p.hasRange && (v < p.min || v > p.max) {
			return nil, p.invalid(value, fmt.Sprintf("outside range [%g, %g]", p.min, p.max))
		}
		return v, nil

	case KindEnum:
		v, ok := value.(string)
		if !ok {
			return nil, p.invalid(value, "expected enum item name")
		}
		for _, it := range p.items {
			if it.Name == v {
				return v, nil
			}
		}
		return nil, p.invalid(value, "not one of "+strings.Join(p.itemNames(), "|"))

	case KindString:
		v, ok := value.(string)
		if !ok {
			return nil, p.invalid(value, "expected string")
		}
		return v, nil

	case KindFilePath:
		v, ok := value.(string)
		if !ok {
			return nil, p.invalid(value, "expected file path")
		}
		if strings.ContainsRune(v, 0) {
			return nil, p.invalid(value, "file path contains NUL byte")
		}
		return v, nil
	}

	return nil, p.invalid(value, "unsupported kind")
}

// parse converts text into a value of the property's kind, then validates it.
func (p *Property) parse(text string) (any, error) {
	switch p.kind {
	case KindBool:
		v, err := strconv.ParseBool(strings.TrimSpace(text))
		if err != nil {
			return nil, p.invalid(text, "not a boolean")
		}
		return p.validate(v)
	case KindInt:
		v, err := strconv.Atoi(strings.TrimSpace(text))
		if err != nil {
			return nil, p.invalid(text, "not an integer")
		}
		return p.validate(v)
	case KindFloat:
		v, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
		if err != nil {
			return nil, p.invalid(text, "not a number")
		}
		return p.validate(v)
	default:
		return p.validate(text)
	}
}

// format renders a value of the property's kind as text accepted by parse.
func (p *Property) format(value any) string {
	switch v := value.(type) {
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func (p *Property) itemNames() []string {
	names := make([]string, len(p.items))
	for i, it := range p.items {
		names[i] = it.Name
	}
	return names
}

func (p *Property) invalid(value any, reason string) error {
	return cferrors.InvalidValue(p.name, value, reason)
}
