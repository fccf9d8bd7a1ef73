// Package native implements a kernel for plain mesh formats (STL, OBJ, OFF
// and ASCII PLY) in Go. It has no boundary representation support.
package native

import (
	"context"
	"fmt"
	"math"

	"github.com/cadflow/cadflow/pkg/format"
	"github.com/cadflow/cadflow/pkg/kernel"
	"github.com/cadflow/cadflow/pkg/plugin"
	"github.com/cadflow/cadflow/pkg/property"
	"github.com/cadflow/cadflow/pkg/scene"
)

// Kernel is the pure Go mesh kernel.
type Kernel struct{}

// New returns the native kernel.
func New() *Kernel { return &Kernel{} }

var _ kernel.Kernel = (*Kernel)(nil)

// Supports reports native support; every supported format reads and writes.
func (k *Kernel) Supports(f format.Format, role plugin.Role) bool {
	switch f {
	case format.STL, format.OBJ, format.OFF, format.PLY:
		return role == plugin.RoleReader || role == plugin.RoleWriter
	default:
		return false
	}
}

// Read parses data. opts may carry the STL/OBJ/PLY reader parameters; unknown
// ones are ignored.
func (k *Kernel) Read(ctx context.Context, f format.Format, data []byte, opts property.Values) (*scene.Graph, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		g   *scene.Graph
		err error
	)
	switch f {
	case format.STL:
		g, err = readSTL(data)
	case format.OBJ:
		g, err = readOBJ(data)
	case format.OFF:
		g, err = readOFF(data)
	case format.PLY:
		g, err = readPLY(data)
	default:
		return nil, fmt.Errorf("%w: %s", kernel.ErrUnsupported, f)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f, err)
	}
	return g, nil
}

// Write serializes the mesh nodes of g.
func (k *Kernel) Write(ctx context.Context, f format.Format, g *scene.Graph, opts property.Values) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	meshes := g.Meshes()
	if len(meshes) == 0 && !g.Empty() {
		return nil, kernel.ErrNoMesh
	}

	switch f {
	case format.STL:
		if opts.String("targetFormat") == "ascii" {
			return writeSTLASCII(meshes), nil
		}
		return writeSTLBinary(meshes), nil
	case format.OBJ:
		return writeOBJ(meshes), nil
	case format.OFF:
		return writeOFF(meshes), nil
	case format.PLY:
		return writePLY(meshes), nil
	default:
		return nil, fmt.Errorf("%w: %s", kernel.ErrUnsupported, f)
	}
}

// merge flattens several meshes into one vertex/triangle list.
func merge(meshes []*scene.Node) *scene.Mesh {
	out := &scene.Mesh{}
	for _, n := range meshes {
		base := uint32(len(out.Vertices))
		out.Vertices = append(out.Vertices, n.Mesh.Vertices...)
		for _, t := range n.Mesh.Triangles {
			out.Triangles = append(out.Triangles, [3]uint32{t[0] + base, t[1] + base, t[2] + base})
		}
	}
	return out
}

// vertexIndex deduplicates vertices while a mesh is built.
type vertexIndex struct {
	mesh *scene.Mesh
	seen map[scene.Vec3]uint32
}

func newVertexIndex() *vertexIndex {
	return &vertexIndex{mesh: &scene.Mesh{}, seen: make(map[scene.Vec3]uint32)}
}

func (vi *vertexIndex) add(v scene.Vec3) uint32 {
	if i, ok := vi.seen[v]; ok {
		return i
	}
	i := uint32(len(vi.mesh.Vertices))
	vi.mesh.Vertices = append(vi.mesh.Vertices, v)
	vi.seen[v] = i
	return i
}

func (vi *vertexIndex) triangle(a, b, c scene.Vec3) {
	vi.mesh.Triangles = append(vi.mesh.Triangles, [3]uint32{vi.add(a), vi.add(b), vi.add(c)})
}

func meshNode(name string, m *scene.Mesh) *scene.Node {
	return &scene.Node{Name: name, Kind: scene.KindMesh, Mesh: m}
}

func normal(a, b, c scene.Vec3) scene.Vec3 {
	u := scene.Vec3{b[0] - a[0], b[1] - a[1], b[2] - a[2]}
	v := scene.Vec3{c[0] - a[0], c[1] - a[1], c[2] - a[2]}
	n := scene.Vec3{
		u[1]*v[2] - u[2]*v[1],
		u[2]*v[0] - u[0]*v[2],
		u[0]*v[1] - u[1]*v[0],
	}
	l := n[0]*n[0] + n[1]*n[1] + n[2]*n[2]
	if l == 0 {
		return scene.Vec3{}
	}
	l = math.Sqrt(l)
	return scene.Vec3{n[0] / l, n[1] / l, n[2] / l}
}
