package formats

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cadflow/cadflow/pkg/property"
	"github.com/cadflow/cadflow/pkg/scene"
)

// MeshReaderParams are the options shared by the mesh readers.
type MeshReaderParams struct {
	RootPrefix string
	// UpAxis is "undefined", "zup" or "yup".
	UpAxis     string
	LengthUnit string

	SinglePrecision bool
}

// DecodeMeshReaderParams reads the typed parameters from a snapshot.
func DecodeMeshReaderParams(v property.Values) MeshReaderParams {
	return MeshReaderParams{
		RootPrefix:      v.String("rootPrefix"),
		UpAxis:          v.String("systemCoordinatesConverter"),
		LengthUnit:      v.String("systemLengthUnit"),
		SinglePrecision: v.Bool("singlePrecisionVertexCoords"),
	}
}

// Apply names unnamed roots after the source file and converts coordinates
// to millimeters and a Z-up frame.
func (p MeshReaderParams) Apply(g *scene.Graph, path string) {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	for _, r := range g.Roots {
		if r.Name == "" {
			r.Name = stem
		}
		r.Name = p.RootPrefix + r.Name
	}

	scale, scaled := unitScale[p.LengthUnit]
	scaled = scaled && scale != 1
	yup := p.UpAxis == "yup"
	if !scaled && !yup && !p.SinglePrecision {
		return
	}

	transformVertices(g, func(v scene.Vec3) scene.Vec3 {
		if yup {
			v = scene.Vec3{v[0], -v[2], v[1]}
		}
		if scaled {
			v = scene.Vec3{v[0] * scale, v[1] * scale, v[2] * scale}
		}
		if p.SinglePrecision {
			v = scene.Vec3{float64(float32(v[0])), float64(float32(v[1])), float64(float32(v[2]))}
		}
		return v
	})
	if yup {
		// normals rotate with the frame but are not scaled
		g.Walk(func(n *scene.Node) bool {
			if n.Mesh != nil {
				for i, v := range n.Mesh.Normals {
					n.Mesh.Normals[i] = scene.Vec3{v[0], -v[2], v[1]}
				}
			}
			return true
		})
	}
}

// DXFReaderParams are the options of the DXF reader.
type DXFReaderParams struct {
	Scaling           float64
	ImportAnnotations bool
	GroupLayers       bool
	Font              string
}

// DecodeDXFReaderParams reads the typed parameters from a snapshot.
func DecodeDXFReaderParams(v property.Values) DXFReaderParams {
	return DXFReaderParams{
		Scaling:           v.Float("scaling"),
		ImportAnnotations: v.Bool("importAnnotations"),
		GroupLayers:       v.Bool("groupLayers"),
		Font:              v.String("fontNameForTextObjects"),
	}
}

// Apply scales geometry, drops annotations when disabled and optionally
// regroups root entities under one assembly per layer.
func (p DXFReaderParams) Apply(g *scene.Graph) {
	if !p.ImportAnnotations {
		g.Roots = dropKind(g.Roots, scene.KindAnnotation)
	}
	if p.Scaling != 1 && p.Scaling > 0 {
		s := p.Scaling
		transformVertices(g, func(v scene.Vec3) scene.Vec3 {
			return scene.Vec3{v[0] * s, v[1] * s, v[2] * s}
		})
	}
	if p.ImportAnnotations && p.Font != "" {
		g.Walk(func(n *scene.Node) bool {
			if n.Kind == scene.KindAnnotation {
				if n.Attrs == nil {
					n.Attrs = make(map[string]string)
				}
				if _, ok := n.Attrs["font"]; !ok {
					n.Attrs["font"] = p.Font
				}
			}
			return true
		})
	}
	if p.GroupLayers {
		g.Roots = groupByLayer(g.Roots)
	}
}

func dropKind(nodes []*scene.Node, k scene.Kind) []*scene.Node {
	out := nodes[:0]
	for _, n := range nodes {
		if n.Kind == k {
			continue
		}
		n.Children = dropKind(n.Children, k)
		out = append(out, n)
	}
	return out
}

func groupByLayer(roots []*scene.Node) []*scene.Node {
	var (
		out    []*scene.Node
		layers = make(map[string]*scene.Node)
	)
	for _, n := range roots {
		name := n.Attrs["layer"]
		if name == "" {
			name = "0"
		}
		layer, ok := layers[name]
		if !ok {
			layer = &scene.Node{Name: name, Kind: scene.KindAssembly, Attrs: map[string]string{"layer": name}}
			layers[name] = layer
			out = append(out, layer)
		}
		layer.Children = append(layer.Children, n)
	}
	return out
}

func transformVertices(g *scene.Graph, fn func(scene.Vec3) scene.Vec3) {
	g.Walk(func(n *scene.Node) bool {
		if n.Mesh != nil {
			for i, v := range n.Mesh.Vertices {
				n.Mesh.Vertices[i] = fn(v)
			}
		}
		return true
	})
}

// AMFWriterParams are the options of the AMF writer.
type AMFWriterParams struct {
	FloatFormat    string
	FloatPrecision int
	Zip            bool
	ZipEntry       string
	Zip64          bool
}

// DecodeAMFWriterParams reads the typed parameters from a snapshot.
func DecodeAMFWriterParams(v property.Values) AMFWriterParams {
	return AMFWriterParams{
		FloatFormat:    v.String("float64Format"),
		FloatPrecision: v.Int("float64Precision"),
		Zip:            v.Bool("createZipArchive"),
		ZipEntry:       v.String("zipEntryFilename"),
		Zip64:          v.Bool("useZip64"),
	}
}

func (p AMFWriterParams) formatFloat(f float64) string {
	switch p.FloatFormat {
	case "decimal":
		return strconv.FormatFloat(f, 'f', p.FloatPrecision, 64)
	case "scientific":
		return strconv.FormatFloat(f, 'e', p.FloatPrecision, 64)
	default:
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
}

// STEPWriterParams are the options of the STEP writer that cadflow
// interprets itself; the rest go to the kernel untouched.
type STEPWriterParams struct {
	Schema         string
	LengthUnit     string
	FreeVertexMode string
}

// DecodeSTEPWriterParams reads the typed parameters from a snapshot.
func DecodeSTEPWriterParams(v property.Values) STEPWriterParams {
	return STEPWriterParams{
		Schema:         v.String("schema"),
		LengthUnit:     v.String("lengthUnit"),
		FreeVertexMode: v.String("freeVertexMode"),
	}
}

// Apply converts coordinates from millimeters to the target length unit and,
// in singleShape mode, gathers free vertices at the root into one unnamed
// compound member each. In multipleShapes mode every vertex stays a shape of
// its own and keeps its name.
func (p STEPWriterParams) Apply(g *scene.Graph) {
	if scale, ok := unitScale[p.LengthUnit]; ok && scale != 1 {
		transformVertices(g, func(v scene.Vec3) scene.Vec3 {
			return scene.Vec3{v[0] / scale, v[1] / scale, v[2] / scale}
		})
	}

	if p.FreeVertexMode != "singleShape" {
		return
	}
	var (
		roots    []*scene.Node
		compound *scene.Node
	)
	for _, r := range g.Roots {
		if r.Kind != scene.KindVertex {
			roots = append(roots, r)
			continue
		}
		if compound == nil {
			compound = &scene.Node{Name: "vertices", Kind: scene.KindShape}
			roots = append(roots, compound)
		}
		v := *r
		v.Name = ""
		compound.Children = append(compound.Children, &v)
	}
	g.Roots = roots
}
