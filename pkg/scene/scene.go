// Package scene holds the format-agnostic tree produced by readers and
// consumed by writers. Geometry payloads are opaque to everything except the
// kernel that created them.
package scene

// Kind classifies a node.
type Kind uint8

const (
	KindAssembly Kind = iota
	KindPart
	KindShape
	KindMesh
	KindVertex
	KindAnnotation
)

func (k Kind) String() string {
	switch k {
	case KindAssembly:
		return "assembly"
	case KindPart:
		return "part"
	case KindShape:
		return "shape"
	case KindMesh:
		return "mesh"
	case KindVertex:
		return "vertex"
	case KindAnnotation:
		return "annotation"
	default:
		return "unknown"
	}
}

// Vec3 is a point or direction.
type Vec3 [3]float64

// Mesh is an indexed triangle mesh.
type Mesh struct {
	Vertices  []Vec3
	Normals   []Vec3
	Triangles [][3]uint32
}

// Node is one element of the scene tree.
type Node struct {
	Name  string
	Kind  Kind
	Attrs map[string]string

	Mesh *Mesh
	// Shape carries a kernel specific boundary representation.
	Shape []byte

	Children []*Node
}

// Graph is a forest of nodes.
type Graph struct {
	Roots []*Node
}

// Walk visits every node depth-first. Returning false from fn skips the
// node's children.
func (g *Graph) Walk(fn func(n *Node) bool) {
	if g == nil {
		return
	}
	for _, r := range g.Roots {
		walk(r, fn)
	}
}

func walk(n *Node, fn func(*Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	for _, c := range n.Children {
		walk(c, fn)
	}
}

// Count returns the total number of nodes.
func (g *Graph) Count() int {
	n := 0
	g.Walk(func(*Node) bool { n++; return true })
	return n
}

// Triangles returns the total number of mesh triangles.
func (g *Graph) Triangles() int {
	n := 0
	g.Walk(func(x *Node) bool {
		if x.Mesh != nil {
			n += len(x.Mesh.Triangles)
		}
		return true
	})
	return n
}

// Empty reports whether the graph has no nodes.
func (g *Graph) Empty() bool {
	return g == nil || len(g.Roots) == 0
}

// Clone returns a deep copy of the graph.
func (g *Graph) Clone() *Graph {
	if g == nil {
		return nil
	}
	out := &Graph{Roots: make([]*Node, len(g.Roots))}
	for i, r := range g.Roots {
		out.Roots[i] = r.Clone()
	}
	return out
}

// Clone returns a deep copy of the node and its subtree.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := &Node{Name: n.Name, Kind: n.Kind}
	if n.Attrs != nil {
		c.Attrs = make(map[string]string, len(n.Attrs))
		for k, v := range n.Attrs {
			c.Attrs[k] = v
		}
	}
	if n.Mesh != nil {
		c.Mesh = &Mesh{
			Vertices:  append([]Vec3(nil), n.Mesh.Vertices...),
			Normals:   append([]Vec3(nil), n.Mesh.Normals...),
			Triangles: append([][3]uint32(nil), n.Mesh.Triangles...),
		}
	}
	if n.Shape != nil {
		c.Shape = append([]byte(nil), n.Shape...)
	}
	if len(n.Children) > 0 {
		c.Children = make([]*Node, len(n.Children))
		for i, ch := range n.Children {
			c.Children[i] = ch.Clone()
		}
	}
	return c
}

// Meshes returns every mesh-bearing node in traversal order.
func (g *Graph) Meshes() []*Node {
	var out []*Node
	g.Walk(func(n *Node) bool {
		if n.Mesh != nil {
			out = append(out, n)
		}
		return true
	})
	return out
}
