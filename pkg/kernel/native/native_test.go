package native

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/cadflow/cadflow/pkg/format"
	"github.com/cadflow/cadflow/pkg/kernel"
	"github.com/cadflow/cadflow/pkg/plugin"
	"github.com/cadflow/cadflow/pkg/property"
	"github.com/cadflow/cadflow/pkg/scene"
)

const asciiCube = `solid cube
  facet normal 0 0 -1
    outer loop
      vertex 0 0 0
      vertex 1 1 0
      vertex 1 0 0
    endloop
  endfacet
  facet normal 0 0 -1
    outer loop
      vertex 0 0 0
      vertex 0 1 0
      vertex 1 1 0
    endloop
  endfacet
endsolid cube
`

func tetra() *scene.Graph {
	return &scene.Graph{Roots: []*scene.Node{{
		Name: "tetra",
		Kind: scene.KindMesh,
		Mesh: &scene.Mesh{
			Vertices:  []scene.Vec3{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
			Triangles: [][3]uint32{{0, 2, 1}, {0, 1, 3}, {0, 3, 2}, {1, 2, 3}},
		},
	}}}
}

func TestReadASCIISTL(t *testing.T) {
	g, err := New().Read(context.Background(), format.STL, []byte(asciiCube), property.Values{})
	if err != nil {
		t.Fatal(err)
	}
	if len(g.Roots) != 1 || g.Roots[0].Name != "cube" {
		t.Fatalf("unexpected roots %+v", g.Roots)
	}
	m := g.Roots[0].Mesh
	if len(m.Triangles) != 2 || len(m.Vertices) != 4 {
		t.Errorf("got %d triangles / %d vertices, want 2 / 4", len(m.Triangles), len(m.Vertices))
	}
}

func TestRoundTrip(t *testing.T) {
	k := New()
	ctx := context.Background()

	stlASCII, err := property.NewGroup("stl",
		property.NewEnum("targetFormat", "binary", property.Items("ascii", "binary")...),
	).Snapshot().With("targetFormat", "ascii")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		f    format.Format
		opts property.Values
	}{
		{"stl binary", format.STL, property.Values{}},
		{"stl ascii", format.STL, stlASCII},
		{"obj", format.OBJ, property.Values{}},
		{"off", format.OFF, property.Values{}},
		{"ply", format.PLY, property.Values{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := k.Write(ctx, tt.f, tetra(), tt.opts)
			if err != nil {
				t.Fatalf("Write: %v", err)
			}
			g, err := k.Read(ctx, tt.f, data, property.Values{})
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			if g.Triangles() != 4 {
				t.Errorf("triangles = %d, want 4", g.Triangles())
			}
			if n := len(g.Meshes()[0].Mesh.Vertices); n != 4 {
				t.Errorf("vertices = %d, want 4", n)
			}
		})
	}
}

func TestBinarySTLDetection(t *testing.T) {
	data, _ := New().Write(context.Background(), format.STL, tetra(), property.Values{})
	if !IsBinarySTL(data, int64(len(data))) {
		t.Error("written binary STL not detected")
	}
	if IsBinarySTL(data, int64(len(data))+1) {
		t.Error("size mismatch must not match")
	}
	if IsBinarySTL([]byte(asciiCube), int64(len(asciiCube))) {
		t.Error("ascii STL detected as binary")
	}
}

func TestOBJPolygonsAndObjects(t *testing.T) {
	src := strings.Join([]string{
		"# quad and triangle",
		"v 0 0 0", "v 1 0 0", "v 1 1 0", "v 0 1 0", "v 0 0 1",
		"o quad",
		"f 1/1/1 2/2/2 3/3/3 4/4/4",
		"o tri",
		"f -5 -4 -1",
	}, "\n")

	g, err := New().Read(context.Background(), format.OBJ, []byte(src), property.Values{})
	if err != nil {
		t.Fatal(err)
	}
	if len(g.Roots) != 2 {
		t.Fatalf("roots = %d, want 2", len(g.Roots))
	}
	if g.Roots[0].Name != "quad" || len(g.Roots[0].Mesh.Triangles) != 2 {
		t.Errorf("quad not fan-triangulated: %+v", g.Roots[0].Mesh)
	}
	if g.Roots[1].Name != "tri" || len(g.Roots[1].Mesh.Vertices) != 3 {
		t.Errorf("unexpected second object %+v", g.Roots[1])
	}
}

func TestMalformedInput(t *testing.T) {
	k := New()
	ctx := context.Background()

	bad := map[format.Format]string{
		format.STL: "garbage",
		format.OBJ: "v 0 0 0\nf 1 2 9\n",
		format.OFF: "OFF\n3 1 0\n0 0 0\n",
		format.PLY: "ply\nformat binary_little_endian 1.0\nend_header\n",
	}
	for f, src := range bad {
		if _, err := k.Read(ctx, f, []byte(src), property.Values{}); err == nil {
			t.Errorf("%s: expected error", f)
		}
	}
}

func TestUnsupportedFormats(t *testing.T) {
	k := New()
	if k.Supports(format.STEP, plugin.RoleReader) {
		t.Error("native kernel should not support STEP")
	}
	_, err := k.Read(context.Background(), format.STEP, []byte("ISO-10303-21;"), property.Values{})
	if !errors.Is(err, kernel.ErrUnsupported) {
		t.Errorf("expected ErrUnsupported, got %v", err)
	}

	shapes := &scene.Graph{Roots: []*scene.Node{{Name: "solid", Kind: scene.KindShape, Shape: []byte{1}}}}
	_, err = k.Write(context.Background(), format.STL, shapes, property.Values{})
	if !errors.Is(err, kernel.ErrNoMesh) {
		t.Errorf("expected ErrNoMesh, got %v", err)
	}
}

func TestChainPicksSupportingKernel(t *testing.T) {
	c := kernel.Chain(New())
	if !c.Supports(format.OBJ, plugin.RoleWriter) {
		t.Error("chain should support OBJ")
	}
	_, err := c.Write(context.Background(), format.IGES, tetra(), property.Values{})
	if !errors.Is(err, kernel.ErrUnsupported) {
		t.Errorf("expected ErrUnsupported, got %v", err)
	}
}
