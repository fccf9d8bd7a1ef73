package native

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/cadflow/cadflow/pkg/scene"
)

const (
	stlHeaderSize   = 80
	stlTriangleSize = 50
)

// IsBinarySTL reports whether a file of the given total size with the given
// head is a binary STL, by checking the triangle count against the size.
func IsBinarySTL(head []byte, size int64) bool {
	if len(head) < stlHeaderSize+4 || size < stlHeaderSize+4 {
		return false
	}
	n := int64(binary.LittleEndian.Uint32(head[stlHeaderSize:]))
	return stlHeaderSize+4+n*stlTriangleSize == size
}

// IsASCIISTL reports whether head looks like an ASCII STL.
func IsASCIISTL(head []byte) bool {
	trimmed := bytes.TrimLeft(head, " \t\r\n")
	return bytes.HasPrefix(trimmed, []byte("solid")) && bytes.Contains(head, []byte("facet"))
}

func readSTL(data []byte) (*scene.Graph, error) {
	if IsBinarySTL(data, int64(len(data))) {
		return readSTLBinary(data)
	}
	if IsASCIISTL(data) {
		return readSTLASCII(data)
	}
	return nil, errors.New("neither binary nor ascii STL")
}

func readSTLBinary(data []byte) (*scene.Graph, error) {
	n := int(binary.LittleEndian.Uint32(data[stlHeaderSize:]))
	vi := newVertexIndex()
	off := stlHeaderSize + 4
	for i := 0; i < n; i++ {
		rec := data[off : off+stlTriangleSize]
		// skip the 12 byte facet normal
		var v [3]scene.Vec3
		for j := 0; j < 3; j++ {
			base := 12 + j*12
			for k := 0; k < 3; k++ {
				bits := binary.LittleEndian.Uint32(rec[base+k*4:])
				v[j][k] = float64(math.Float32frombits(bits))
			}
		}
		vi.triangle(v[0], v[1], v[2])
		off += stlTriangleSize
	}

	name := strings.TrimSpace(strings.TrimRight(string(data[:stlHeaderSize]), "\x00"))
	if strings.HasPrefix(name, "solid") {
		// some exporters write "solid" into binary headers
		name = strings.TrimSpace(strings.TrimPrefix(name, "solid"))
	}
	return &scene.Graph{Roots: []*scene.Node{meshNode(name, vi.mesh)}}, nil
}

func readSTLASCII(data []byte) (*scene.Graph, error) {
	g := &scene.Graph{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		vi     *vertexIndex
		name   string
		facet  []scene.Vec3
		lineNo int
	)
	for sc.Scan() {
		lineNo++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "solid":
			vi = newVertexIndex()
			name = strings.Join(fields[1:], " ")
		case "facet":
			facet = facet[:0]
		case "vertex":
			if len(fields) != 4 {
				return nil, fmt.Errorf("line %d: malformed vertex", lineNo)
			}
			v, err := parseVec3(fields[1:])
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			facet = append(facet, v)
		case "endfacet":
			if vi == nil || len(facet) != 3 {
				return nil, fmt.Errorf("line %d: facet without three vertices", lineNo)
			}
			vi.triangle(facet[0], facet[1], facet[2])
		case "endsolid":
			if vi != nil {
				g.Roots = append(g.Roots, meshNode(name, vi.mesh))
			}
			vi = nil
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if vi != nil {
		return nil, errors.New("missing endsolid")
	}
	return g, nil
}

func writeSTLBinary(meshes []*scene.Node) []byte {
	m := merge(meshes)
	buf := make([]byte, stlHeaderSize+4+len(m.Triangles)*stlTriangleSize)
	copy(buf, "binary STL written by cadflow")
	binary.LittleEndian.PutUint32(buf[stlHeaderSize:], uint32(len(m.Triangles)))

	off := stlHeaderSize + 4
	put := func(v scene.Vec3) {
		for k := 0; k < 3; k++ {
			binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(float32(v[k])))
			off += 4
		}
	}
	for _, t := range m.Triangles {
		a, b, c := m.Vertices[t[0]], m.Vertices[t[1]], m.Vertices[t[2]]
		put(normal(a, b, c))
		put(a)
		put(b)
		put(c)
		off += 2 // attribute byte count
	}
	return buf
}

func writeSTLASCII(meshes []*scene.Node) []byte {
	var b bytes.Buffer
	for _, n := range meshes {
		fmt.Fprintf(&b, "solid %s\n", n.Name)
		for _, t := range n.Mesh.Triangles {
			a, c, d := n.Mesh.Vertices[t[0]], n.Mesh.Vertices[t[1]], n.Mesh.Vertices[t[2]]
			nv := normal(a, c, d)
			fmt.Fprintf(&b, "  facet normal %s\n    outer loop\n", formatVec3(nv))
			for _, v := range []scene.Vec3{a, c, d} {
				fmt.Fprintf(&b, "      vertex %s\n", formatVec3(v))
			}
			b.WriteString("    endloop\n  endfacet\n")
		}
		fmt.Fprintf(&b, "endsolid %s\n", n.Name)
	}
	return b.Bytes()
}

func parseVec3(fields []string) (scene.Vec3, error) {
	var v scene.Vec3
	if len(fields) < 3 {
		return v, errors.New("expected three coordinates")
	}
	for i := 0; i < 3; i++ {
		f, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return v, fmt.Errorf("bad coordinate %q", fields[i])
		}
		v[i] = f
	}
	return v, nil
}

func formatVec3(v scene.Vec3) string {
	return strconv.FormatFloat(v[0], 'g', -1, 64) + " " +
		strconv.FormatFloat(v[1], 'g', -1, 64) + " " +
		strconv.FormatFloat(v[2], 'g', -1, 64)
}
