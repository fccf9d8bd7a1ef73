package formats

import (
	"math"

	"github.com/cadflow/cadflow/pkg/property"
)

var lengthUnits = property.Items(
	"undefined", "micrometer", "millimeter", "centimeter", "meter", "kilometer", "inch", "foot", "mile",
)

// millimetres per length unit
var unitScale = map[string]float64{
	"micrometer": 0.001,
	"millimeter": 1,
	"centimeter": 10,
	"meter":      1000,
	"kilometer":  1e6,
	"inch":       25.4,
	"foot":       304.8,
	"mile":       1609344,
}

func meshReaderProperties(name string) func() *property.Group {
	return func() *property.Group {
		return property.NewGroup(name,
			property.NewString("rootPrefix", "").
				Describe("Prefix prepended to the name of root nodes"),
			property.NewEnum("systemCoordinatesConverter", "undefined", property.Items("undefined", "zup", "yup")...).
				Describe("Up axis the file is converted to"),
			property.NewEnum("systemLengthUnit", "undefined", lengthUnits...).
				Describe("Length unit of the file; coordinates are converted to millimeters"),
		)
	}
}

func gltfReaderProperties() *property.Group {
	g := meshReaderProperties("gltf.reader")()
	if err := g.Declare(property.NewBool("singlePrecisionVertexCoords", false).
		Describe("Round vertex coordinates to 32-bit floats")); err != nil {
		panic(err)
	}
	return g
}

func dxfReaderProperties() *property.Group {
	return property.NewGroup("dxf.reader",
		property.NewFloat("scaling", 1).WithRange(math.SmallestNonzeroFloat64, math.MaxFloat64).
			Describe("Scale factor applied to imported entities"),
		property.NewBool("importAnnotations", true).
			Describe("Import text and dimension entities"),
		property.NewBool("groupLayers", false).
			Describe("Group entities by layer"),
		property.NewString("fontNameForTextObjects", "Arial").
			Describe("Font used for text entities"),
	)
}

func amfWriterProperties() *property.Group {
	return property.NewGroup("amf.writer",
		property.NewEnum("float64Format", "shortest", property.Items("decimal", "scientific", "shortest")...),
		property.NewInt("float64Precision", 6).WithRange(1, 17),
		property.NewBool("createZipArchive", false),
		property.NewString("zipEntryFilename", ""),
		property.NewBool("useZip64", false),
	)
}

func igesReaderProperties() *property.Group {
	return property.NewGroup("iges.reader",
		property.NewEnum("bsplineContinuity", "breakIntoC1Pieces",
			property.Items("noChange", "breakIntoC1Pieces", "breakIntoC2Pieces")...),
		property.NewEnum("surfaceCurveMode", "default", property.Items("default", "prefer2D", "prefer3D", "only3D")...),
		property.NewBool("readFaultyEntities", false),
		property.NewBool("readOnlyVisibleEntities", false),
	)
}

func igesWriterProperties() *property.Group {
	return property.NewGroup("iges.writer",
		property.NewEnum("brepMode", "faces", property.Items("faces", "brep")...),
		property.NewEnum("lengthUnit", "millimeter", lengthUnits[1:]...),
	)
}

func stepReaderProperties() *property.Group {
	return property.NewGroup("step.reader",
		property.NewEnum("productContext", "both", property.Items("design", "analysis", "both")...),
		property.NewEnum("assemblyLevel", "all", property.Items("assembly", "all", "shape")...),
		property.NewEnum("preferredShapeRepresentation", "all", property.Items(
			"all", "advancedBRep", "manifoldSolid", "facetedBRep", "edgeBasedWireframe",
			"surfaceBasedWireframe", "geometricallyBoundedSurface", "geometricallyBoundedWireframe",
		)...),
		property.NewBool("readShapeAspect", true),
		property.NewBool("readSubShapesNames", false),
		property.NewEnum("encoding", "utf8", property.Items(
			"shiftjis", "eucjp", "eucKr", "gb",
			"iso8859-1", "iso8859-2", "iso8859-3", "iso8859-4", "iso8859-5",
			"iso8859-6", "iso8859-7", "iso8859-8", "iso8859-9",
			"cp1250", "cp1251", "cp1252", "cp1253", "cp1254", "cp1255", "cp1256", "cp1257", "cp1258",
			"utf8",
		)...),
	)
}

func stepWriterProperties() *property.Group {
	return property.NewGroup("step.writer",
		property.NewEnum("schema", "ap214cd", property.Items("ap203", "ap214cd", "ap214dis", "ap214is", "ap242dis")...),
		property.NewEnum("lengthUnit", "millimeter", lengthUnits[1:]...),
		property.NewEnum("assemblyMode", "skip", property.Items("skip", "enabled", "auto")...),
		property.NewEnum("freeVertexMode", "singleShape", property.Items("singleShape", "multipleShapes")...).
			Describe("Write free vertices as one compound or one shape each"),
		property.NewBool("writeParametricCurves", true),
		property.NewBool("writeSubShapesNames", false),
		property.NewString("headerAuthor", ""),
		property.NewString("headerOrganization", ""),
		property.NewString("headerOriginatingSystem", "cadflow"),
		property.NewString("headerDescription", ""),
	)
}

func stlWriterProperties() *property.Group {
	return property.NewGroup("stl.writer",
		property.NewEnum("targetFormat", "binary", property.Items("ascii", "binary")...),
	)
}

func gltfWriterProperties() *property.Group {
	return property.NewGroup("gltf.writer",
		property.NewEnum("coordinatesConverter", "undefined", property.Items("undefined", "zup", "yup")...),
		property.NewEnum("transformationFormat", "compact", property.Items("compact", "mat4", "trs")...),
		property.NewEnum("format", "json", property.Items("json", "binary")...),
		property.NewBool("forceExportUV", false),
	)
}

func vrmlWriterProperties() *property.Group {
	return property.NewGroup("vrml.writer",
		property.NewEnum("shapeRepresentation", "shaded", property.Items("shaded", "wireframe", "both")...),
	)
}
