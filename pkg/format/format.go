// Package format defines the closed set of interchange formats known to
// cadflow together with their identifiers, names and file suffixes.
package format

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Format identifies one interchange file format.
type Format uint8

const (
	Unknown Format = iota
	STEP
	IGES
	OCCBREP
	STL
	OBJ
	GLTF
	VRML
	AMF
	DXF
	ThreeDS
	ThreeMF
	COLLADA
	FBX
	IFC
	OFF
	PLY
	X3D

	count
)

var ids = [count]string{
	Unknown: "",
	STEP:    "step",
	IGES:    "iges",
	OCCBREP: "occbrep",
	STL:     "stl",
	OBJ:     "obj",
	GLTF:    "gltf",
	VRML:    "vrml",
	AMF:     "amf",
	DXF:     "dxf",
	ThreeDS: "3ds",
	ThreeMF: "3mf",
	COLLADA: "collada",
	FBX:     "fbx",
	IFC:     "ifc",
	OFF:     "off",
	PLY:     "ply",
	X3D:     "x3d",
}

var names = [count]string{
	Unknown: "Unknown",
	STEP:    "STEP(ISO 10303)",
	IGES:    "IGES(ASME Y14.26M)",
	OCCBREP: "OpenCascade BREP",
	STL:     "STL(STereo-Lithography)",
	OBJ:     "Wavefront OBJ",
	GLTF:    "glTF(GL Transmission Format)",
	VRML:    "VRML(ISO/CEI 14772-2)",
	AMF:     "Additive manufacturing file format(ISO/ASTM 52915:2016)",
	DXF:     "Drawing Exchange Format",
	ThreeDS: "3DS Max File",
	ThreeMF: "3D Manufacturing Format",
	COLLADA: "COLLAborative Design Activity(ISO/PAS 17506)",
	FBX:     "Filmbox",
	IFC:     "Industry Foundation Classes(ISO 16739)",
	OFF:     "Object File Format",
	PLY:     "Polygon File Format",
	X3D:     "Extensible 3D Graphics(ISO/IEC 19775/19776/19777)",
}

var suffixes = [count][]string{
	STEP:    {"step", "stp"},
	IGES:    {"iges", "igs"},
	OCCBREP: {"brep", "rle", "occ"},
	STL:     {"stl"},
	OBJ:     {"obj"},
	GLTF:    {"gltf", "glb"},
	VRML:    {"wrl", "wrz", "vrml"},
	AMF:     {"amf"},
	DXF:     {"dxf"},
	ThreeDS: {"3ds"},
	ThreeMF: {"3mf"},
	COLLADA: {"dae"},
	FBX:     {"fbx"},
	IFC:     {"ifc", "ifcxml", "ifczip"},
	OFF:     {"off"},
	PLY:     {"ply"},
	X3D:     {"x3d", "x3dv", "x3db", "x3dz", "x3dbz", "x3dvz"},
}

// String returns the stable lowercase identifier, e.g. "step".
func (f Format) String() string {
	if f < count {
		return ids[f]
	}
	return ""
}

// Name returns the human readable name of the format.
func (f Format) Name() string {
	if f < count {
		return names[f]
	}
	return names[Unknown]
}

// Suffixes returns the file suffixes (without dot, lowercase) of the format.
// The returned slice must not be modified.
func (f Format) Suffixes() []string {
	if f < count {
		return suffixes[f]
	}
	return nil
}

// Valid reports whether f is a known, non-Unknown format.
func (f Format) Valid() bool {
	return f > Unknown && f < count
}

// ProvidesBRep reports whether files of the format carry boundary
// representation shapes rather than meshes.
func (f Format) ProvidesBRep() bool {
	switch f {
	case STEP, IGES, OCCBREP, DXF:
		return true
	default:
		return false
	}
}

// ProvidesMesh reports whether files of the format carry mesh data.
func (f Format) ProvidesMesh() bool {
	return f.Valid() && !f.ProvidesBRep()
}

// MatchesPath reports whether the path has one of the format's suffixes,
// compared case-insensitively.
func (f Format) MatchesPath(path string) bool {
	ext := Ext(path)
	if ext == "" {
		return false
	}
	for _, s := range f.Suffixes() {
		if s == ext {
			return true
		}
	}
	return false
}

// MarshalText implements encoding.TextMarshaler.
func (f Format) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Format) UnmarshalText(text []byte) error {
	v, err := Parse(string(text))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// All returns every known format in declaration order.
func All() []Format {
	out := make([]Format, 0, count-1)
	for f := Unknown + 1; f < count; f++ {
		out = append(out, f)
	}
	return out
}

// Parse converts an identifier into a Format. Matching is case-insensitive.
func Parse(s string) (Format, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Unknown, fmt.Errorf("empty format identifier")
	}
	for f := Unknown + 1; f < count; f++ {
		if ids[f] == s {
			return f, nil
		}
	}
	return Unknown, fmt.Errorf("unknown format identifier: %s", s)
}

// Ext returns the lowercase extension of path without the leading dot.
func Ext(path string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
}
