package formats

import (
	"archive/zip"
	"bufio"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/cadflow/cadflow/pkg/kernel"
	"github.com/cadflow/cadflow/pkg/progress"
	"github.com/cadflow/cadflow/pkg/property"
	"github.com/cadflow/cadflow/pkg/scene"
)

const defaultAMFEntry = "model.amf"

// errZip64Required is returned when a zip entry outgrows the 32-bit size
// fields and useZip64 is off.
var errZip64Required = errors.New("amf: archive entry exceeds 4 GiB, enable useZip64")

// amfWriter serializes mesh nodes as AMF 1.1 objects, one per mesh.
type amfWriter struct{}

func (amfWriter) Write(ctx context.Context, g *scene.Graph, params property.Values, w io.Writer, p progress.Reporter) error {
	opts := DecodeAMFWriterParams(params)
	meshes := g.Meshes()
	if len(meshes) == 0 && !g.Empty() {
		return kernel.ErrNoMesh
	}

	if !opts.Zip {
		bw := bufio.NewWriter(w)
		if err := writeAMF(ctx, bw, meshes, opts, p); err != nil {
			return err
		}
		return bw.Flush()
	}

	name := opts.ZipEntry
	if name == "" {
		name = defaultAMFEntry
	}
	zw := zip.NewWriter(w)
	entry, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
	if err != nil {
		return err
	}
	cw := &limitWriter{w: entry, limit: math.MaxUint32 - 1}
	if opts.Zip64 {
		cw.limit = -1
	}
	bw := bufio.NewWriter(cw)
	if err := writeAMF(ctx, bw, meshes, opts, p); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return zw.Close()
}

func writeAMF(ctx context.Context, w *bufio.Writer, meshes []*scene.Node, opts AMFWriterParams, p progress.Reporter) error {
	w.WriteString(xml.Header)
	w.WriteString(`<amf unit="millimeter" version="1.1">` + "\n")

	for i, n := range meshes {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.Report(float64(i)/float64(len(meshes)), n.Name)

		fmt.Fprintf(w, " <object id=\"%d\">\n", i)
		if n.Name != "" {
			w.WriteString(`  <metadata type="name">`)
			if err := xml.EscapeText(w, []byte(n.Name)); err != nil {
				return err
			}
			w.WriteString("</metadata>\n")
		}
		w.WriteString("  <mesh>\n   <vertices>\n")
		for _, v := range n.Mesh.Vertices {
			fmt.Fprintf(w, "    <vertex><coordinates><x>%s</x><y>%s</y><z>%s</z></coordinates></vertex>\n",
				opts.formatFloat(v[0]), opts.formatFloat(v[1]), opts.formatFloat(v[2]))
		}
		w.WriteString("   </vertices>\n   <volume>\n")
		for _, t := range n.Mesh.Triangles {
			fmt.Fprintf(w, "    <triangle><v1>%d</v1><v2>%d</v2><v3>%d</v3></triangle>\n", t[0], t[1], t[2])
		}
		if _, err := w.WriteString("   </volume>\n  </mesh>\n </object>\n"); err != nil {
			return err
		}
	}

	_, err := w.WriteString("</amf>\n")
	p.Report(1, "")
	return err
}

// limitWriter fails once more than limit bytes are written. A negative
// limit disables the check.
type limitWriter struct {
	w     io.Writer
	n     int64
	limit int64
}

func (l *limitWriter) Write(b []byte) (int, error) {
	if l.limit >= 0 && l.n+int64(len(b)) > l.limit {
		return 0, errZip64Required
	}
	n, err := l.w.Write(b)
	l.n += int64(n)
	return n, err
}
