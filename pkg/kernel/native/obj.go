package native

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cadflow/cadflow/pkg/scene"
)

func readOBJ(data []byte) (*scene.Graph, error) {
	var (
		positions []scene.Vec3
		g         = &scene.Graph{}
		cur       *scene.Node
		remap     map[int]uint32
		lineNo    int
	)

	flush := func() {
		if cur != nil && len(cur.Mesh.Triangles) > 0 {
			g.Roots = append(g.Roots, cur)
		}
		cur = nil
	}
	open := func(name string) {
		flush()
		cur = meshNode(name, &scene.Mesh{})
		remap = make(map[int]uint32)
	}

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "v":
			v, err := parseVec3(fields[1:])
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			positions = append(positions, v)
		case "o", "g":
			open(strings.Join(fields[1:], " "))
		case "f":
			if len(fields) < 4 {
				return nil, fmt.Errorf("line %d: face needs at least three vertices", lineNo)
			}
			if cur == nil {
				open("")
			}
			idx := make([]uint32, 0, len(fields)-1)
			for _, ref := range fields[1:] {
				pi, err := objIndex(ref, len(positions))
				if err != nil {
					return nil, fmt.Errorf("line %d: %w", lineNo, err)
				}
				local, ok := remap[pi]
				if !ok {
					local = uint32(len(cur.Mesh.Vertices))
					cur.Mesh.Vertices = append(cur.Mesh.Vertices, positions[pi])
					remap[pi] = local
				}
				idx = append(idx, local)
			}
			// fan triangulation
			for i := 1; i+1 < len(idx); i++ {
				cur.Mesh.Triangles = append(cur.Mesh.Triangles, [3]uint32{idx[0], idx[i], idx[i+1]})
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	flush()
	if len(g.Roots) == 0 && len(positions) == 0 {
		return nil, errors.New("no geometry")
	}
	return g, nil
}

// objIndex resolves a face vertex reference "v", "v/vt", "v//vn" or
// "v/vt/vn" to a zero based position index. Negative indices are relative.
func objIndex(ref string, count int) (int, error) {
	if i := strings.IndexByte(ref, '/'); i >= 0 {
		ref = ref[:i]
	}
	n, err := strconv.Atoi(ref)
	if err != nil {
		return 0, fmt.Errorf("bad vertex reference %q", ref)
	}
	switch {
	case n > 0 && n <= count:
		return n - 1, nil
	case n < 0 && -n <= count:
		return count + n, nil
	default:
		return 0, fmt.Errorf("vertex reference %d out of range", n)
	}
}

func writeOBJ(meshes []*scene.Node) []byte {
	var b bytes.Buffer
	b.WriteString("# written by cadflow\n")
	base := 1
	for _, n := range meshes {
		if n.Name != "" {
			fmt.Fprintf(&b, "o %s\n", n.Name)
		}
		for _, v := range n.Mesh.Vertices {
			fmt.Fprintf(&b, "v %s\n", formatVec3(v))
		}
		for _, t := range n.Mesh.Triangles {
			fmt.Fprintf(&b, "f %d %d %d\n", int(t[0])+base, int(t[1])+base, int(t[2])+base)
		}
		base += len(n.Mesh.Vertices)
	}
	return b.Bytes()
}
