// Package formats declares the plugins of every known format: their
// parameters, content probes and the adapters binding them to a geometry
// kernel.
package formats

import (
	"context"
	"fmt"
	"io"

	"github.com/cadflow/cadflow/pkg/format"
	"github.com/cadflow/cadflow/pkg/kernel"
	"github.com/cadflow/cadflow/pkg/plugin"
	"github.com/cadflow/cadflow/pkg/progress"
	"github.com/cadflow/cadflow/pkg/property"
	"github.com/cadflow/cadflow/pkg/registry"
	"github.com/cadflow/cadflow/pkg/scene"
)

// chunkSize is the unit in which serialized bytes are flushed to the
// destination, with a progress report and cancellation check in between.
const chunkSize = 64 * 1024

type postRead func(g *scene.Graph, path string, params property.Values)

type preWrite func(g *scene.Graph, params property.Values)

// kernelReader hands file bytes to the kernel and post-processes the graph
// with the reader parameters.
type kernelReader struct {
	format format.Format
	kernel kernel.Kernel
	post   postRead
}

func (r *kernelReader) Read(ctx context.Context, in plugin.Input, params property.Values, p progress.Reporter) (*scene.Graph, error) {
	p.Report(0, "Parsing "+r.format.String())
	g, err := r.kernel.Read(ctx, r.format, in.Data, params)
	if err != nil {
		return nil, err
	}
	if g == nil {
		g = &scene.Graph{}
	}
	if r.post != nil {
		r.post(g, in.Path, params)
	}
	p.Report(1, "")
	return g, nil
}

// kernelWriter serializes through the kernel and streams the result.
type kernelWriter struct {
	format format.Format
	kernel kernel.Kernel
	pre    preWrite
}

func (w *kernelWriter) Write(ctx context.Context, g *scene.Graph, params property.Values, out io.Writer, p progress.Reporter) error {
	if w.pre != nil {
		g = g.Clone()
		w.pre(g, params)
	}

	p.Report(0, "Serializing "+w.format.String())
	data, err := w.kernel.Write(ctx, w.format, g, params)
	if err != nil {
		return err
	}

	total := len(data)
	for off := 0; off < total; off += chunkSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(off+chunkSize, total)
		if _, err := out.Write(data[off:end]); err != nil {
			return err
		}
		p.Report(0.5+0.5*float64(end)/float64(total), "")
	}
	p.Report(1, "")
	return nil
}

func nameRoots(g *scene.Graph, path string, _ property.Values) {
	MeshReaderParams{}.Apply(g, path)
}

func meshPost(g *scene.Graph, path string, params property.Values) {
	DecodeMeshReaderParams(params).Apply(g, path)
}

func dxfPost(g *scene.Graph, path string, params property.Values) {
	DecodeDXFReaderParams(params).Apply(g)
	MeshReaderParams{}.Apply(g, path)
}

func stepPre(g *scene.Graph, params property.Values) {
	DecodeSTEPWriterParams(params).Apply(g)
}

func igesPre(g *scene.Graph, params property.Values) {
	STEPWriterParams{LengthUnit: params.String("lengthUnit")}.Apply(g)
}

// gltfPre converts the Z-up document frame to the requested up axis.
func gltfPre(g *scene.Graph, params property.Values) {
	if params.String("coordinatesConverter") != "yup" {
		return
	}
	rotate := func(v scene.Vec3) scene.Vec3 { return scene.Vec3{v[0], v[2], -v[1]} }
	g.Walk(func(n *scene.Node) bool {
		if n.Mesh != nil {
			for i, v := range n.Mesh.Vertices {
				n.Mesh.Vertices[i] = rotate(v)
			}
			for i, v := range n.Mesh.Normals {
				n.Mesh.Normals[i] = rotate(v)
			}
		}
		return true
	})
}

// descriptor lists what differs between the kernel backed plugins.
type descriptor struct {
	format  format.Format
	role    plugin.Role
	probe   plugin.Probe
	readerP func() *property.Group
	writerP func() *property.Group
	post    postRead
	pre     preWrite
}

var descriptors = []descriptor{
	{format: format.STEP, role: plugin.RoleBoth, probe: probeSTEP,
		readerP: stepReaderProperties, writerP: stepWriterProperties, post: nameRoots, pre: stepPre},
	{format: format.IGES, role: plugin.RoleBoth, probe: probeIGES,
		readerP: igesReaderProperties, writerP: igesWriterProperties, post: nameRoots, pre: igesPre},
	{format: format.OCCBREP, role: plugin.RoleBoth, probe: probeBREP, post: nameRoots},
	{format: format.STL, role: plugin.RoleBoth, probe: probeSTL, writerP: stlWriterProperties, post: nameRoots},
	{format: format.OBJ, role: plugin.RoleBoth, probe: probeOBJ,
		readerP: meshReaderProperties("obj.reader"), post: meshPost},
	{format: format.GLTF, role: plugin.RoleBoth, probe: probeGLTF,
		readerP: gltfReaderProperties, writerP: gltfWriterProperties, post: meshPost, pre: gltfPre},
	{format: format.VRML, role: plugin.RoleBoth, probe: probeVRML, writerP: vrmlWriterProperties, post: nameRoots},
	{format: format.PLY, role: plugin.RoleBoth, probe: probePLY,
		readerP: meshReaderProperties("ply.reader"), post: meshPost},
	{format: format.OFF, role: plugin.RoleBoth, probe: probeOFF,
		readerP: meshReaderProperties("off.reader"), post: meshPost},
	{format: format.DXF, role: plugin.RoleReader, probe: probeDXF, readerP: dxfReaderProperties, post: dxfPost},
	{format: format.ThreeDS, role: plugin.RoleReader, probe: probe3DS, post: nameRoots},
	{format: format.ThreeMF, role: plugin.RoleReader, probe: probe3MF, post: nameRoots},
	{format: format.COLLADA, role: plugin.RoleReader, probe: probeCOLLADA, post: nameRoots},
	{format: format.FBX, role: plugin.RoleReader, probe: probeFBX, post: nameRoots},
	{format: format.IFC, role: plugin.RoleReader, probe: probeIFC, post: nameRoots},
	{format: format.X3D, role: plugin.RoleReader, probe: probeX3D, post: nameRoots},
}

// Plugins returns the plugin of every known format, translating through k.
// A role is offered only when k supports it; formats k cannot handle at all
// are left out. AMF is written natively and needs no kernel support.
func Plugins(k kernel.Kernel) []*plugin.Plugin {
	out := make([]*plugin.Plugin, 0, len(descriptors)+1)
	for _, d := range descriptors {
		d := d
		var role plugin.Role
		for _, r := range d.role.Roles() {
			if k.Supports(d.format, r) {
				role |= r
			}
		}
		if role == 0 {
			continue
		}
		p := &plugin.Plugin{
			Format:           d.format,
			Role:             role,
			Probe:            d.probe,
			ReaderProperties: d.readerP,
			WriterProperties: d.writerP,
		}
		if role.Has(plugin.RoleReader) {
			p.NewReader = func() plugin.Reader {
				return &kernelReader{format: d.format, kernel: k, post: d.post}
			}
		}
		if role.Has(plugin.RoleWriter) {
			p.NewWriter = func() plugin.Writer {
				return &kernelWriter{format: d.format, kernel: k, pre: d.pre}
			}
		}
		out = append(out, p)
	}

	out = append(out, &plugin.Plugin{
		Format:           format.AMF,
		Role:             plugin.RoleWriter,
		Probe:            probeAMF,
		WriterProperties: amfWriterProperties,
		NewWriter:        func() plugin.Writer { return amfWriter{} },
	})
	return out
}

// RegisterAll registers every plugin returned by Plugins.
func RegisterAll(reg *registry.Registry, k kernel.Kernel) error {
	for _, p := range Plugins(k) {
		if err := reg.Register(p); err != nil {
			return fmt.Errorf("register %s: %w", p.Format, err)
		}
	}
	return nil
}
