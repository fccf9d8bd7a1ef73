// Package plugin defines the contract between the registry and per-format
// readers and writers.
package plugin

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/cadflow/cadflow/pkg/format"
	"github.com/cadflow/cadflow/pkg/progress"
	"github.com/cadflow/cadflow/pkg/property"
	"github.com/cadflow/cadflow/pkg/scene"
)

// Role is what a plugin can do with its format.
type Role uint8

const (
	RoleReader Role = 1 << iota
	RoleWriter

	RoleBoth = RoleReader | RoleWriter
)

func (r Role) String() string {
	switch r {
	case RoleReader:
		return "reader"
	case RoleWriter:
		return "writer"
	case RoleBoth:
		return "reader+writer"
	default:
		return "none"
	}
}

// Has reports whether r includes other.
func (r Role) Has(other Role) bool {
	return other != 0 && r&other == other
}

// Roles splits r into its single roles.
func (r Role) Roles() []Role {
	var out []Role
	for _, x := range []Role{RoleReader, RoleWriter} {
		if r.Has(x) {
			out = append(out, x)
		}
	}
	return out
}

// ProbeInput is what content detection sees of a file.
type ProbeInput struct {
	Path string
	// Head holds the first bytes of the file, at most the registry sample size.
	Head []byte
	// Size is the total file size, or -1 if unknown.
	Size int64
}

// Probe returns a confidence in [0, 1] that the input is of the plugin's
// format. Zero means no match.
type Probe func(in ProbeInput) float64

// Input is a file handed to a reader.
type Input struct {
	Path string
	Data []byte
}

// Reader parses one file into a scene graph. A Reader instance serves a
// single task.
type Reader interface {
	Read(ctx context.Context, in Input, params property.Values, p progress.Reporter) (*scene.Graph, error)
}

// Writer serializes a scene graph. A Writer instance serves a single task.
type Writer interface {
	Write(ctx context.Context, g *scene.Graph, params property.Values, w io.Writer, p progress.Reporter) error
}

// ReaderFunc adapts a function to Reader.
type ReaderFunc func(ctx context.Context, in Input, params property.Values, p progress.Reporter) (*scene.Graph, error)

func (f ReaderFunc) Read(ctx context.Context, in Input, params property.Values, p progress.Reporter) (*scene.Graph, error) {
	return f(ctx, in, params, p)
}

// WriterFunc adapts a function to Writer.
type WriterFunc func(ctx context.Context, g *scene.Graph, params property.Values, w io.Writer, p progress.Reporter) error

func (f WriterFunc) Write(ctx context.Context, g *scene.Graph, params property.Values, w io.Writer, p progress.Reporter) error {
	return f(ctx, g, params, w, p)
}

// Plugin describes the reader and/or writer of one format.
type Plugin struct {
	Format format.Format
	Role   Role

	// Suffixes adds file suffixes beyond the format's own, e.g. vendor
	// specific extensions. Several plugins may claim the same suffix.
	Suffixes []string

	// Probe is optional; plugins without one never match by content.
	Probe Probe

	// ReaderProperties and WriterProperties declare the configurable
	// parameters of each role. Either may be nil for a role without options.
	ReaderProperties func() *property.Group
	WriterProperties func() *property.Group

	NewReader func() Reader
	NewWriter func() Writer
}

// Validate checks that the descriptor is usable.
func (p *Plugin) Validate() error {
	if !p.Format.Valid() {
		return fmt.Errorf("plugin has invalid format %d", p.Format)
	}
	if p.Role&^RoleBoth != 0 || p.Role == 0 {
		return fmt.Errorf("plugin %s has invalid role %d", p.Format, p.Role)
	}
	if p.Role.Has(RoleReader) && p.NewReader == nil {
		return fmt.Errorf("plugin %s: reader role without NewReader", p.Format)
	}
	if p.Role.Has(RoleWriter) && p.NewWriter == nil {
		return fmt.Errorf("plugin %s: writer role without NewWriter", p.Format)
	}
	return nil
}

// MatchesPath reports whether path carries one of the format's suffixes or
// one of the plugin's extra suffixes, compared case-insensitively.
func (p *Plugin) MatchesPath(path string) bool {
	if p.Format.MatchesPath(path) {
		return true
	}
	ext := format.Ext(path)
	if ext == "" {
		return false
	}
	for _, s := range p.Suffixes {
		if strings.EqualFold(s, ext) {
			return true
		}
	}
	return false
}

// Properties builds the declared group for one role, or an empty group.
func (p *Plugin) Properties(role Role) *property.Group {
	var fn func() *property.Group
	switch role {
	case RoleReader:
		fn = p.ReaderProperties
	case RoleWriter:
		fn = p.WriterProperties
	}
	if fn == nil {
		return property.NewGroup(p.Format.String() + "." + role.String())
	}
	return fn()
}
