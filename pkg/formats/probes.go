package formats

import (
	"bufio"
	"bytes"
	"encoding/binary"

	"github.com/cadflow/cadflow/pkg/kernel/native"
	"github.com/cadflow/cadflow/pkg/plugin"
)

// trimHead drops a UTF-8 byte order mark and leading white space.
func trimHead(head []byte) []byte {
	head = bytes.TrimPrefix(head, []byte{0xEF, 0xBB, 0xBF})
	return bytes.TrimLeft(head, " \t\r\n")
}

func probeSTEP(in plugin.ProbeInput) float64 {
	if bytes.HasPrefix(trimHead(in.Head), []byte("ISO-10303-21;")) {
		return 0.95
	}
	return 0
}

func probeIFC(in plugin.ProbeInput) float64 {
	head := trimHead(in.Head)
	if !bytes.HasPrefix(head, []byte("ISO-10303-21;")) {
		return 0
	}
	if bytes.Contains(head, []byte("FILE_SCHEMA(('IFC")) {
		return 1
	}
	return 0
}

// probeIGES checks the fixed 80 column record layout: the section letter in
// column 73 followed by a right aligned sequence number.
func probeIGES(in plugin.ProbeInput) float64 {
	line := in.Head
	if i := bytes.IndexAny(line, "\r\n"); i >= 0 {
		line = line[:i]
	}
	if len(line) < 80 || line[72] != 'S' {
		return 0
	}
	for _, c := range line[73:80] {
		if c != ' ' && (c < '0' || c > '9') {
			return 0
		}
	}
	return 0.9
}

func probeBREP(in plugin.ProbeInput) float64 {
	if bytes.Contains(in.Head, []byte("DBRep_DrawableShape")) {
		return 1
	}
	return 0
}

func probeSTL(in plugin.ProbeInput) float64 {
	switch {
	case native.IsBinarySTL(in.Head, in.Size):
		return 0.9
	case native.IsASCIISTL(in.Head):
		return 0.8
	}
	return 0
}

var objStatements = map[string]bool{
	"v": true, "vt": true, "vn": true, "vp": true, "f": true, "l": true, "p": true,
	"o": true, "g": true, "s": true, "mtllib": true, "usemtl": true,
}

// probeOBJ accepts text where every non-comment line starts with a known
// statement and at least one vertex is declared.
func probeOBJ(in plugin.ProbeInput) float64 {
	if bytes.IndexByte(in.Head, 0) >= 0 {
		return 0
	}
	lines := bytes.Split(in.Head, []byte("\n"))
	if int64(len(in.Head)) != in.Size && len(lines) > 1 {
		// the sample may end in the middle of a line
		lines = lines[:len(lines)-1]
	}

	var vertices int
	for _, line := range lines {
		fields := bytes.Fields(line)
		if len(fields) == 0 || fields[0][0] == '#' {
			continue
		}
		if !objStatements[string(fields[0])] {
			return 0
		}
		if string(fields[0]) == "v" {
			vertices++
		}
	}
	if vertices == 0 {
		return 0
	}
	return 0.7
}

func probeGLTF(in plugin.ProbeInput) float64 {
	if bytes.HasPrefix(in.Head, []byte("glTF")) {
		return 1
	}
	head := trimHead(in.Head)
	if len(head) > 0 && head[0] == '{' && bytes.Contains(head, []byte(`"asset"`)) {
		return 0.8
	}
	return 0
}

func probeVRML(in plugin.ProbeInput) float64 {
	if bytes.HasPrefix(in.Head, []byte("#VRML")) {
		return 1
	}
	return 0
}

func probePLY(in plugin.ProbeInput) float64 {
	if bytes.HasPrefix(in.Head, []byte("ply\n")) || bytes.HasPrefix(in.Head, []byte("ply\r\n")) {
		return 1
	}
	return 0
}

func probeOFF(in plugin.ProbeInput) float64 {
	head := trimHead(in.Head)
	for _, magic := range []string{"OFF", "COFF", "NOFF", "CNOFF", "STOFF"} {
		if bytes.HasPrefix(head, []byte(magic)) {
			rest := head[len(magic):]
			if len(rest) == 0 || rest[0] == '\n' || rest[0] == '\r' || rest[0] == ' ' {
				return 0.9
			}
		}
	}
	return 0
}

// probeDXF looks for the group code 0 followed by a SECTION entity.
func probeDXF(in plugin.ProbeInput) float64 {
	sc := bufio.NewScanner(bytes.NewReader(in.Head))
	var first, second string
	for sc.Scan() {
		line := string(bytes.TrimSpace(sc.Bytes()))
		if line == "" {
			continue
		}
		if first == "" {
			first = line
			continue
		}
		second = line
		break
	}
	if first == "0" && second == "SECTION" {
		return 0.9
	}
	return 0
}

func probeX3D(in plugin.ProbeInput) float64 {
	if bytes.Contains(in.Head, []byte("<X3D")) {
		return 0.9
	}
	if bytes.HasPrefix(in.Head, []byte("#X3D")) {
		return 1
	}
	return 0
}

func probeCOLLADA(in plugin.ProbeInput) float64 {
	if bytes.Contains(in.Head, []byte("<COLLADA")) {
		return 0.9
	}
	return 0
}

func probeFBX(in plugin.ProbeInput) float64 {
	if bytes.HasPrefix(in.Head, []byte("Kaydara FBX Binary")) {
		return 1
	}
	if bytes.Contains(in.Head, []byte("; FBX ")) && bytes.Contains(in.Head, []byte("FBXHeaderExtension")) {
		return 0.8
	}
	return 0
}

func probe3MF(in plugin.ProbeInput) float64 {
	if bytes.HasPrefix(in.Head, []byte("PK\x03\x04")) && bytes.Contains(in.Head, []byte("3D/3dmodel.model")) {
		return 0.9
	}
	return 0
}

// probe3DS checks the main chunk id and that its length matches the file.
func probe3DS(in plugin.ProbeInput) float64 {
	if len(in.Head) < 6 || binary.LittleEndian.Uint16(in.Head) != 0x4D4D {
		return 0
	}
	n := int64(binary.LittleEndian.Uint32(in.Head[2:]))
	if in.Size >= 0 && n != in.Size {
		return 0
	}
	return 0.8
}

func probeAMF(in plugin.ProbeInput) float64 {
	if bytes.Contains(in.Head, []byte("<amf")) {
		return 0.9
	}
	return 0
}
