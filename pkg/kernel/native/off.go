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

// records splits data into non-empty lines of fields with '#' comments removed.
func records(data []byte) ([][]string, error) {
	var out [][]string
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		if f := strings.Fields(line); len(f) > 0 {
			out = append(out, f)
		}
	}
	return out, sc.Err()
}

func readOFF(data []byte) (*scene.Graph, error) {
	recs, err := records(data)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 || recs[0][0] != "OFF" {
		return nil, errors.New("missing OFF header")
	}

	// counts may share the header line
	counts := recs[0][1:]
	recs = recs[1:]
	if len(counts) == 0 {
		if len(recs) == 0 {
			return nil, errors.New("missing counts")
		}
		counts, recs = recs[0], recs[1:]
	}
	if len(counts) < 2 {
		return nil, errors.New("bad counts")
	}
	nv, err1 := strconv.Atoi(counts[0])
	nf, err2 := strconv.Atoi(counts[1])
	if err1 != nil || err2 != nil || nv < 0 || nf < 0 {
		return nil, errors.New("bad counts")
	}
	if len(recs) < nv+nf {
		return nil, fmt.Errorf("expected %d records, found %d", nv+nf, len(recs))
	}

	m := &scene.Mesh{Vertices: make([]scene.Vec3, 0, nv)}
	for i := 0; i < nv; i++ {
		v, err := parseVec3(recs[i])
		if err != nil {
			return nil, fmt.Errorf("vertex %d: %w", i, err)
		}
		m.Vertices = append(m.Vertices, v)
	}
	for i, rec := range recs[nv : nv+nf] {
		k, err := strconv.Atoi(rec[0])
		if err != nil || k < 3 || len(rec) < 1+k {
			return nil, fmt.Errorf("bad face %d", i)
		}
		idx := make([]uint32, k)
		for j := 0; j < k; j++ {
			x, err := strconv.Atoi(rec[1+j])
			if err != nil || x < 0 || x >= nv {
				return nil, fmt.Errorf("face %d: bad index %q", i, rec[1+j])
			}
			idx[j] = uint32(x)
		}
		// trailing colour values are ignored
		for j := 1; j+1 < k; j++ {
			m.Triangles = append(m.Triangles, [3]uint32{idx[0], idx[j], idx[j+1]})
		}
	}
	return &scene.Graph{Roots: []*scene.Node{meshNode("", m)}}, nil
}

func writeOFF(meshes []*scene.Node) []byte {
	m := merge(meshes)
	var b bytes.Buffer
	b.WriteString("OFF\n")
	fmt.Fprintf(&b, "%d %d 0\n", len(m.Vertices), len(m.Triangles))
	for _, v := range m.Vertices {
		b.WriteString(formatVec3(v))
		b.WriteByte('\n')
	}
	for _, t := range m.Triangles {
		fmt.Fprintf(&b, "3 %d %d %d\n", t[0], t[1], t[2])
	}
	return b.Bytes()
}
