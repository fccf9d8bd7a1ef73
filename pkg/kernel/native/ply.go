package native

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/cadflow/cadflow/pkg/scene"
)

type plyElement struct {
	name  string
	count int
	props []plyProperty
}

type plyProperty struct {
	name string
	list bool
}

func readPLY(data []byte) (*scene.Graph, error) {
	recs, err := records(data)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 || recs[0][0] != "ply" {
		return nil, errors.New("missing ply magic")
	}

	var (
		elems  []*plyElement
		header = 1
		ended  bool
	)
	for ; header < len(recs) && !ended; header++ {
		r := recs[header]
		switch r[0] {
		case "format":
			if len(r) < 2 || r[1] != "ascii" {
				return nil, fmt.Errorf("unsupported ply encoding %v", r[1:])
			}
		case "element":
			if len(r) != 3 {
				return nil, errors.New("malformed element line")
			}
			n, err := strconv.Atoi(r[2])
			if err != nil || n < 0 {
				return nil, fmt.Errorf("bad element count %q", r[2])
			}
			elems = append(elems, &plyElement{name: r[1], count: n})
		case "property":
			if len(elems) == 0 {
				return nil, errors.New("property before element")
			}
			e := elems[len(elems)-1]
			if len(r) >= 5 && r[1] == "list" {
				e.props = append(e.props, plyProperty{name: r[4], list: true})
			} else if len(r) >= 3 {
				e.props = append(e.props, plyProperty{name: r[2]})
			}
		case "end_header":
			ended = true
		}
	}
	if !ended {
		return nil, errors.New("missing end_header")
	}

	body := recs[header:]
	m := &scene.Mesh{}
	for _, e := range elems {
		if len(body) < e.count {
			return nil, fmt.Errorf("truncated %s element", e.name)
		}
		rows := body[:e.count]
		body = body[e.count:]

		switch e.name {
		case "vertex":
			xi, yi, zi := e.index("x"), e.index("y"), e.index("z")
			if xi < 0 || yi < 0 || zi < 0 {
				return nil, errors.New("vertex element without x, y, z")
			}
			for i, row := range rows {
				v, err := parseVec3(pick(row, xi, yi, zi))
				if err != nil {
					return nil, fmt.Errorf("vertex %d: %w", i, err)
				}
				m.Vertices = append(m.Vertices, v)
			}
		case "face":
			for i, row := range rows {
				k, err := strconv.Atoi(row[0])
				if err != nil || k < 3 || len(row) < 1+k {
					return nil, fmt.Errorf("bad face %d", i)
				}
				idx := make([]uint32, k)
				for j := range idx {
					x, err := strconv.Atoi(row[1+j])
					if err != nil || x < 0 || x >= len(m.Vertices) {
						return nil, fmt.Errorf("face %d: bad index %q", i, row[1+j])
					}
					idx[j] = uint32(x)
				}
				for j := 1; j+1 < k; j++ {
					m.Triangles = append(m.Triangles, [3]uint32{idx[0], idx[j], idx[j+1]})
				}
			}
		}
	}
	return &scene.Graph{Roots: []*scene.Node{meshNode("", m)}}, nil
}

func (e *plyElement) index(name string) int {
	for i, p := range e.props {
		if p.name == name && !p.list {
			return i
		}
	}
	return -1
}

func pick(row []string, idx ...int) []string {
	out := make([]string, 0, len(idx))
	for _, i := range idx {
		if i >= len(row) {
			return nil
		}
		out = append(out, row[i])
	}
	return out
}

func writePLY(meshes []*scene.Node) []byte {
	m := merge(meshes)
	var b bytes.Buffer
	b.WriteString("ply\nformat ascii 1.0\ncomment written by cadflow\n")
	fmt.Fprintf(&b, "element vertex %d\n", len(m.Vertices))
	b.WriteString("property double x\nproperty double y\nproperty double z\n")
	fmt.Fprintf(&b, "element face %d\n", len(m.Triangles))
	b.WriteString("property list uchar int vertex_indices\nend_header\n")
	for _, v := range m.Vertices {
		b.WriteString(formatVec3(v))
		b.WriteByte('\n')
	}
	for _, t := range m.Triangles {
		fmt.Fprintf(&b, "3 %d %d %d\n", t[0], t[1], t[2])
	}
	return b.Bytes()
}
