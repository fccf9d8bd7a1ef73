// Package kernel defines the boundary to the geometry kernel that performs
// the actual format translation.
package kernel

import (
	"context"
	"errors"
	"fmt"

	"github.com/cadflow/cadflow/pkg/format"
	"github.com/cadflow/cadflow/pkg/plugin"
	"github.com/cadflow/cadflow/pkg/property"
	"github.com/cadflow/cadflow/pkg/scene"
)

var (
	// ErrUnsupported is returned for formats the kernel cannot translate.
	ErrUnsupported = errors.New("kernel: format not supported")
	// ErrNoMesh is returned when a mesh format is written from a graph
	// without triangulated data.
	ErrNoMesh = errors.New("kernel: graph has no mesh data")
)

// Kernel translates between file bytes and scene graphs.
type Kernel interface {
	Read(ctx context.Context, f format.Format, data []byte, opts property.Values) (*scene.Graph, error)
	Write(ctx context.Context, f format.Format, g *scene.Graph, opts property.Values) ([]byte, error)
	Supports(f format.Format, role plugin.Role) bool
}

// Mesher is implemented by kernels able to triangulate boundary
// representation shapes in place.
type Mesher interface {
	Mesh(ctx context.Context, g *scene.Graph) error
}

// Chain combines kernels: each call goes to the first kernel supporting the
// format and role.
func Chain(kernels ...Kernel) Kernel {
	return chain(kernels)
}

type chain []Kernel

func (c chain) pick(f format.Format, role plugin.Role) (Kernel, error) {
	for _, k := range c {
		if k.Supports(f, role) {
			return k, nil
		}
	}
	return nil, fmt.Errorf("%w: %s %s", ErrUnsupported, f, role)
}

func (c chain) Read(ctx context.Context, f format.Format, data []byte, opts property.Values) (*scene.Graph, error) {
	k, err := c.pick(f, plugin.RoleReader)
	if err != nil {
		return nil, err
	}
	return k.Read(ctx, f, data, opts)
}

func (c chain) Write(ctx context.Context, f format.Format, g *scene.Graph, opts property.Values) ([]byte, error) {
	k, err := c.pick(f, plugin.RoleWriter)
	if err != nil {
		return nil, err
	}
	return k.Write(ctx, f, g, opts)
}

func (c chain) Supports(f format.Format, role plugin.Role) bool {
	_, err := c.pick(f, role)
	return err == nil
}

// Mesh delegates to the first kernel implementing Mesher.
func (c chain) Mesh(ctx context.Context, g *scene.Graph) error {
	for _, k := range c {
		if m, ok := k.(Mesher); ok {
			return m.Mesh(ctx, g)
		}
	}
	return fmt.Errorf("%w: meshing", ErrUnsupported)
}
