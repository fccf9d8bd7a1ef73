package formats

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	cferrors "github.com/cadflow/cadflow/pkg/errors"
	"github.com/cadflow/cadflow/pkg/format"
	"github.com/cadflow/cadflow/pkg/kernel"
	"github.com/cadflow/cadflow/pkg/kernel/native"
	"github.com/cadflow/cadflow/pkg/plugin"
	"github.com/cadflow/cadflow/pkg/progress"
	"github.com/cadflow/cadflow/pkg/property"
	"github.com/cadflow/cadflow/pkg/registry"
	"github.com/cadflow/cadflow/pkg/scene"
)

const (
	stepSample = "ISO-10303-21;\nHEADER;\nFILE_DESCRIPTION((''),'2;1');\nFILE_SCHEMA(('AUTOMOTIVE_DESIGN'));\nENDSEC;\n"
	ifcSample  = "ISO-10303-21;\nHEADER;\nFILE_SCHEMA(('IFC2X3'));\nENDSEC;\n"
	stlSample  = "solid cube\n facet normal 0 0 1\n  outer loop\n   vertex 0 0 0\n   vertex 1 0 0\n   vertex 0 1 0\n  endloop\n endfacet\nendsolid cube\n"
	objSample  = "# cube\nmtllib cube.mtl\nv 0 0 0\nv 1 0 0\nv 0 1 0\nvn 0 0 1\nf 1 2 3\n"
	dxfSample  = "  0\nSECTION\n  2\nHEADER\n  0\nENDSEC\n  0\nEOF\n"
	brepSample = "DBRep_DrawableShape\n\nCASCADE Topology V1, (c) Matra-Datavision\n"
)

func igesSample() string {
	return fmt.Sprintf("%-72sS%7d\n%-72sG%7d\n", "cube exported by cadflow", 1, "1H,,1H;", 1)
}

func binarySTLSample() []byte {
	data := make([]byte, 80+4+50)
	copy(data, "binary header")
	binary.LittleEndian.PutUint32(data[80:], 1)
	return data
}

func input(path string, head []byte) plugin.ProbeInput {
	return plugin.ProbeInput{Path: path, Head: head, Size: int64(len(head))}
}

func TestProbes(t *testing.T) {
	tests := []struct {
		name  string
		probe plugin.Probe
		head  []byte
		want  bool
	}{
		{"step", probeSTEP, []byte(stepSample), true},
		{"step with bom", probeSTEP, []byte("\xEF\xBB\xBF" + stepSample), true},
		{"step rejects obj", probeSTEP, []byte(objSample), false},
		{"ifc", probeIFC, []byte(ifcSample), true},
		{"ifc rejects plain step", probeIFC, []byte(stepSample), false},
		{"iges", probeIGES, []byte(igesSample()), true},
		{"iges short line", probeIGES, []byte("S      1\n"), false},
		{"brep", probeBREP, []byte(brepSample), true},
		{"stl ascii", probeSTL, []byte(stlSample), true},
		{"stl binary", probeSTL, binarySTLSample(), true},
		{"stl solid without facets", probeSTL, []byte("solid nothing\n"), false},
		{"obj", probeOBJ, []byte(objSample), true},
		{"obj rejects step", probeOBJ, []byte(stepSample), false},
		{"gltf binary", probeGLTF, []byte("glTF\x02\x00\x00\x00"), true},
		{"gltf json", probeGLTF, []byte(`{"asset": {"version": "2.0"}}`), true},
		{"gltf rejects other json", probeGLTF, []byte(`{"name": "x"}`), false},
		{"vrml", probeVRML, []byte("#VRML V2.0 utf8\n"), true},
		{"ply", probePLY, []byte("ply\nformat ascii 1.0\n"), true},
		{"off", probeOFF, []byte("OFF\n4 4 0\n"), true},
		{"off rejects offset", probeOFF, []byte("OFFSET 1\n"), false},
		{"dxf", probeDXF, []byte(dxfSample), true},
		{"x3d", probeX3D, []byte(`<?xml version="1.0"?><X3D profile="Immersive">`), true},
		{"collada", probeCOLLADA, []byte(`<?xml version="1.0"?><COLLADA xmlns="">`), true},
		{"fbx", probeFBX, []byte("Kaydara FBX Binary  \x00"), true},
		{"3mf", probe3MF, []byte("PK\x03\x04....3D/3dmodel.model"), true},
		{"amf", probeAMF, []byte(`<?xml version="1.0"?><amf unit="millimeter">`), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score := tt.probe(input("sample", tt.head))
			if got := score > 0; got != tt.want {
				t.Errorf("score = %v, want match %v", score, tt.want)
			}
			if score < 0 || score > 1 {
				t.Errorf("score %v outside [0, 1]", score)
			}
		})
	}
}

func TestProbe3DSChecksChunkLength(t *testing.T) {
	head := make([]byte, 16)
	binary.LittleEndian.PutUint16(head, 0x4D4D)
	binary.LittleEndian.PutUint32(head[2:], 16)

	if probe3DS(input("a.3ds", head)) == 0 {
		t.Error("valid main chunk not recognised")
	}
	if probe3DS(plugin.ProbeInput{Head: head, Size: 99}) != 0 {
		t.Error("chunk length mismatch should not match")
	}
}

func newRegistry(t *testing.T, k kernel.Kernel) *registry.Registry {
	t.Helper()
	reg := registry.New()
	if err := RegisterAll(reg, k); err != nil {
		t.Fatal(err)
	}
	return reg
}

func TestRegisterAllResolves(t *testing.T) {
	reg := newRegistry(t, &fakeKernel{})

	tests := []struct {
		path string
		head []byte
		want format.Format
	}{
		{"cube.step", []byte(stepSample), format.STEP},
		{"cube.iges", []byte(igesSample()), format.IGES},
		{"cube.brep", []byte(brepSample), format.OCCBREP},
		{"cube.stla", []byte(stlSample), format.STL},
		{"cube.stlb", binarySTLSample(), format.STL},
		{"cube.obj", []byte(objSample), format.OBJ},
		{"part.dat", []byte(stepSample), format.STEP},
		{"building.dat", []byte(ifcSample), format.IFC},
		{"plan.txt", []byte(dxfSample), format.DXF},
		{"mesh.txt", []byte(objSample), format.OBJ},
	}
	for _, tt := range tests {
		got, err := reg.Resolve(input(tt.path, tt.head), plugin.RoleReader)
		if err != nil || got != tt.want {
			t.Errorf("Resolve(%s) = %v, %v; want %v", tt.path, got, err, tt.want)
		}
	}

	_, err := reg.Resolve(input("x.bin", []byte("\x00\x01junk")), plugin.RoleReader)
	if !cferrors.IsCode(err, cferrors.CodeUnknownFormat) {
		t.Errorf("expected UnknownFormat, got %v", err)
	}

	if !reg.Supports(format.AMF, plugin.RoleWriter) || reg.Supports(format.AMF, plugin.RoleReader) {
		t.Error("AMF should be writer only")
	}
	if !reg.Supports(format.DXF, plugin.RoleReader) || reg.Supports(format.DXF, plugin.RoleWriter) {
		t.Error("DXF should be reader only")
	}
}

func TestRegisterAllFollowsKernelSupport(t *testing.T) {
	tests := []struct {
		name   string
		kernel kernel.Kernel
		format format.Format
		want   plugin.Role
	}{
		{"native stl", native.New(), format.STL, plugin.RoleBoth},
		{"native ply", native.New(), format.PLY, plugin.RoleBoth},
		{"native step", native.New(), format.STEP, 0},
		{"native dxf", native.New(), format.DXF, 0},
		{"native amf", native.New(), format.AMF, plugin.RoleWriter},
		{"read only step", &fakeKernel{only: map[format.Format]plugin.Role{format.STEP: plugin.RoleReader}}, format.STEP, plugin.RoleReader},
		{"writer ignored for reader format", &fakeKernel{only: map[format.Format]plugin.Role{format.DXF: plugin.RoleBoth}}, format.DXF, plugin.RoleReader},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := newRegistry(t, tt.kernel)
			for _, r := range plugin.RoleBoth.Roles() {
				if got, want := reg.Supports(tt.format, r), tt.want.Has(r); got != want {
					t.Errorf("Supports(%s, %s) = %v, want %v", tt.format, r, got, want)
				}
			}
		})
	}

	reg := newRegistry(t, native.New())
	if _, err := reg.Instantiate(format.STEP, plugin.RoleWriter); !cferrors.IsCode(err, cferrors.CodeUnsupportedFormat) {
		t.Errorf("expected UnsupportedFormat for STEP on the native kernel, got %v", err)
	}
}

func TestParameterDeclarations(t *testing.T) {
	reg := newRegistry(t, &fakeKernel{})

	params, err := reg.Parameters(format.DXF, plugin.RoleReader)
	if err != nil {
		t.Fatal(err)
	}
	if err := params.Set("scaling", 0.0); !cferrors.IsCode(err, cferrors.CodeInvalidValue) {
		t.Errorf("scaling 0 should be rejected, got %v", err)
	}

	amf, _ := reg.Parameters(format.AMF, plugin.RoleWriter)
	if err := amf.Set("float64Precision", 18); !cferrors.IsCode(err, cferrors.CodeInvalidValue) {
		t.Errorf("precision 18 should be rejected, got %v", err)
	}

	step, _ := reg.Parameters(format.STEP, plugin.RoleWriter)
	if err := step.SetText("freeVertexMode", "multipleShapes"); err != nil {
		t.Errorf("SetText: %v", err)
	}
	if err := step.SetText("schema", "ap999"); !cferrors.IsCode(err, cferrors.CodeInvalidValue) {
		t.Errorf("unknown schema should be rejected, got %v", err)
	}
}

func TestMeshReaderUnitsAndAxis(t *testing.T) {
	reg := newRegistry(t, native.New())
	h, err := reg.Instantiate(format.OBJ, plugin.RoleReader)
	if err != nil {
		t.Fatal(err)
	}

	params := h.Params
	for name, text := range map[string]string{
		"rootPrefix":                 "imported_",
		"systemLengthUnit":           "centimeter",
		"systemCoordinatesConverter": "yup",
	} {
		if params, err = params.WithText(name, text); err != nil {
			t.Fatal(err)
		}
	}

	data := []byte("v 1 2 3\nv 0 0 0\nv 1 0 0\nf 1 2 3\n")
	g, err := h.Reader.Read(context.Background(), plugin.Input{Path: "/tmp/cube.obj", Data: data}, params, progress.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if len(g.Roots) != 1 || g.Roots[0].Name != "imported_cube" {
		t.Fatalf("unexpected roots %+v", g.Roots)
	}
	if got, want := g.Roots[0].Mesh.Vertices[0], (scene.Vec3{10, -30, 20}); got != want {
		t.Errorf("vertex = %v, want %v", got, want)
	}
}

func TestDXFReaderParams(t *testing.T) {
	k := &fakeKernel{read: &scene.Graph{Roots: []*scene.Node{
		{Name: "wall", Kind: scene.KindMesh, Attrs: map[string]string{"layer": "A"},
			Mesh: &scene.Mesh{Vertices: []scene.Vec3{{1, 1, 1}}}},
		{Name: "label", Kind: scene.KindAnnotation, Attrs: map[string]string{"layer": "A"}},
		{Name: "door", Kind: scene.KindMesh, Attrs: map[string]string{"layer": "B"},
			Mesh: &scene.Mesh{Vertices: []scene.Vec3{{0, 1, 0}}}},
	}}}
	reg := newRegistry(t, k)
	h, err := reg.Instantiate(format.DXF, plugin.RoleReader)
	if err != nil {
		t.Fatal(err)
	}

	params, _ := h.Params.With("scaling", 2.0)
	params, _ = params.With("importAnnotations", false)
	params, _ = params.With("groupLayers", true)

	g, err := h.Reader.Read(context.Background(), plugin.Input{Path: "plan.dxf"}, params, progress.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if len(g.Roots) != 2 || g.Roots[0].Name != "A" || g.Roots[1].Name != "B" {
		t.Fatalf("expected one root per layer, got %d", len(g.Roots))
	}
	if n := len(g.Roots[0].Children); n != 1 {
		t.Errorf("layer A has %d children, annotation should be dropped", n)
	}
	if got := g.Roots[0].Children[0].Mesh.Vertices[0]; got != (scene.Vec3{2, 2, 2}) {
		t.Errorf("vertex = %v, want scaled by 2", got)
	}

	// defaults keep annotations and apply the font
	g, _ = h.Reader.Read(context.Background(), plugin.Input{Path: "plan.dxf"}, h.Params, progress.Nop())
	if len(g.Roots) != 3 || g.Roots[1].Attrs["font"] != "Arial" {
		t.Errorf("annotation should be kept with default font, got %+v", g.Roots)
	}
}

func TestSTEPFreeVertexMode(t *testing.T) {
	k := &fakeKernel{data: []byte("ISO-10303-21;")}
	reg := newRegistry(t, k)

	src := &scene.Graph{Roots: []*scene.Node{
		{Name: "body", Kind: scene.KindShape},
		{Name: "p1", Kind: scene.KindVertex},
		{Name: "p2", Kind: scene.KindVertex},
	}}

	h, err := reg.Instantiate(format.STEP, plugin.RoleWriter)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := h.Writer.Write(context.Background(), src, h.Params, &buf, progress.Nop()); err != nil {
		t.Fatal(err)
	}
	got := k.written[0]
	if len(got.Roots) != 2 || got.Roots[1].Name != "vertices" || len(got.Roots[1].Children) != 2 {
		t.Errorf("singleShape should gather free vertices, got %d roots", len(got.Roots))
	}
	if len(src.Roots) != 3 {
		t.Error("writer must not modify the source graph")
	}
	if buf.String() != "ISO-10303-21;" {
		t.Errorf("output = %q", buf.String())
	}

	params, _ := h.Params.WithText("freeVertexMode", "multipleShapes")
	if err := h.Writer.Write(context.Background(), src, params, io.Discard, progress.Nop()); err != nil {
		t.Fatal(err)
	}
	if n := len(k.written[1].Roots); n != 3 {
		t.Errorf("multipleShapes should keep %d roots, got %d", 3, n)
	}
}

func TestSTEPFreeVertexNamesRoundTrip(t *testing.T) {
	tests := []struct {
		mode  string
		names bool
	}{
		{"singleShape", false},
		{"multipleShapes", true},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			k := &fakeKernel{echo: true}
			reg := newRegistry(t, k)

			w, err := reg.Instantiate(format.STEP, plugin.RoleWriter)
			if err != nil {
				t.Fatal(err)
			}
			params, err := w.Params.WithText("freeVertexMode", tt.mode)
			if err != nil {
				t.Fatal(err)
			}
			src := &scene.Graph{Roots: []*scene.Node{
				{Name: "body", Kind: scene.KindShape},
				{Name: "p1", Kind: scene.KindVertex},
				{Name: "p2", Kind: scene.KindVertex},
			}}
			if err := w.Writer.Write(context.Background(), src, params, io.Discard, progress.Nop()); err != nil {
				t.Fatal(err)
			}

			r, err := reg.Instantiate(format.STEP, plugin.RoleReader)
			if err != nil {
				t.Fatal(err)
			}
			back, err := r.Reader.Read(context.Background(), plugin.Input{Path: "part.step"}, r.Params, progress.Nop())
			if err != nil {
				t.Fatal(err)
			}

			found := map[string]bool{}
			vertices := 0
			back.Walk(func(n *scene.Node) bool {
				found[n.Name] = true
				if n.Kind == scene.KindVertex {
					vertices++
				}
				return true
			})
			if vertices != 2 {
				t.Errorf("read back %d vertices, want 2", vertices)
			}
			for _, name := range []string{"p1", "p2"} {
				if found[name] != tt.names {
					t.Errorf("vertex name %q present = %v, want %v", name, found[name], tt.names)
				}
			}
			if src.Roots[1].Name != "p1" {
				t.Error("writer must not rename the source vertices")
			}
		})
	}
}

func TestKernelWriterStopsOnCancel(t *testing.T) {
	k := &fakeKernel{data: bytes.Repeat([]byte{'x'}, 3*chunkSize)}
	w := &kernelWriter{format: format.STL, kernel: k}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := &cancelingWriter{cancel: cancel}
	err := w.Write(ctx, &scene.Graph{}, property.Values{}, out, progress.Nop())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if out.n != chunkSize {
		t.Errorf("wrote %d bytes, want exactly one chunk", out.n)
	}
}

type amfDoc struct {
	Unit    string `xml:"unit,attr"`
	Objects []struct {
		ID       int `xml:"id,attr"`
		Vertices []struct {
			X float64 `xml:"coordinates>x"`
		} `xml:"mesh>vertices>vertex"`
		Triangles []struct {
			V1 int `xml:"v1"`
		} `xml:"mesh>volume>triangle"`
	} `xml:"object"`
}

func tetra() *scene.Graph {
	return &scene.Graph{Roots: []*scene.Node{{
		Name: "tetra <1>",
		Kind: scene.KindMesh,
		Mesh: &scene.Mesh{
			Vertices:  []scene.Vec3{{0, 0, 0}, {1.5, 0, 0}, {0, 1, 0}, {0, 0, 1}},
			Triangles: [][3]uint32{{0, 2, 1}, {0, 1, 3}, {0, 3, 2}, {1, 2, 3}},
		},
	}}}
}

func TestAMFWriter(t *testing.T) {
	reg := newRegistry(t, native.New())
	h, err := reg.Instantiate(format.AMF, plugin.RoleWriter)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := h.Writer.Write(context.Background(), tetra(), h.Params, &buf, progress.Nop()); err != nil {
		t.Fatal(err)
	}

	var doc amfDoc
	if err := xml.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("output is not valid XML: %v", err)
	}
	if doc.Unit != "millimeter" || len(doc.Objects) != 1 {
		t.Fatalf("unexpected document %+v", doc)
	}
	if len(doc.Objects[0].Vertices) != 4 || len(doc.Objects[0].Triangles) != 4 {
		t.Errorf("got %d vertices, %d triangles", len(doc.Objects[0].Vertices), len(doc.Objects[0].Triangles))
	}
	if doc.Objects[0].Vertices[1].X != 1.5 {
		t.Errorf("x = %v", doc.Objects[0].Vertices[1].X)
	}
}

func TestAMFWriterDecimalFormat(t *testing.T) {
	params := amfWriterProperties().Snapshot()
	params, _ = params.WithText("float64Format", "decimal")
	params, _ = params.With("float64Precision", 2)

	var buf bytes.Buffer
	if err := (amfWriter{}).Write(context.Background(), tetra(), params, &buf, progress.Nop()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "<x>1.50</x>") {
		t.Errorf("decimal format not applied:\n%s", buf.String())
	}
}

func TestAMFWriterZip(t *testing.T) {
	params := amfWriterProperties().Snapshot()
	params, _ = params.With("createZipArchive", true)
	params, _ = params.With("zipEntryFilename", "part.amf")

	var buf bytes.Buffer
	if err := (amfWriter{}).Write(context.Background(), tetra(), params, &buf, progress.Nop()); err != nil {
		t.Fatal(err)
	}

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatal(err)
	}
	if len(zr.File) != 1 || zr.File[0].Name != "part.amf" {
		t.Fatalf("unexpected entries %v", zr.File)
	}
	rc, err := zr.File[0].Open()
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	if !bytes.Contains(body, []byte("<amf")) {
		t.Error("entry does not hold an AMF document")
	}
}

func TestAMFWriterRejectsGraphWithoutMesh(t *testing.T) {
	g := &scene.Graph{Roots: []*scene.Node{{Name: "solid", Kind: scene.KindShape}}}
	err := (amfWriter{}).Write(context.Background(), g, amfWriterProperties().Snapshot(), io.Discard, progress.Nop())
	if !errors.Is(err, kernel.ErrNoMesh) {
		t.Errorf("expected ErrNoMesh, got %v", err)
	}
}

// --- Mock implementations ---

// fakeKernel returns read, or the last written graph when echo is set.
type fakeKernel struct {
	only    map[format.Format]plugin.Role
	echo    bool
	read    *scene.Graph
	data    []byte
	written []*scene.Graph
}

func (k *fakeKernel) Read(ctx context.Context, f format.Format, data []byte, opts property.Values) (*scene.Graph, error) {
	if k.echo && len(k.written) > 0 {
		return k.written[len(k.written)-1].Clone(), nil
	}
	return k.read.Clone(), nil
}

func (k *fakeKernel) Write(ctx context.Context, f format.Format, g *scene.Graph, opts property.Values) ([]byte, error) {
	k.written = append(k.written, g)
	return k.data, nil
}

func (k *fakeKernel) Supports(f format.Format, role plugin.Role) bool {
	if k.only == nil {
		return true
	}
	return k.only[f].Has(role)
}

type cancelingWriter struct {
	cancel context.CancelFunc
	n      int
}

func (w *cancelingWriter) Write(b []byte) (int, error) {
	w.n += len(b)
	w.cancel()
	return len(b), nil
}
