package registry

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	cferrors "github.com/cadflow/cadflow/pkg/errors"
	"github.com/cadflow/cadflow/pkg/format"
	"github.com/cadflow/cadflow/pkg/plugin"
	"github.com/cadflow/cadflow/pkg/progress"
	"github.com/cadflow/cadflow/pkg/property"
	"github.com/cadflow/cadflow/pkg/scene"
)

func TestRegisterRejectsDuplicate(t *testing.T) {
	r := New()

	if err := r.Register(mockPlugin(format.STEP, plugin.RoleReader, nil)); err != nil {
		t.Fatal(err)
	}
	err := r.Register(mockPlugin(format.STEP, plugin.RoleReader, nil))
	if !cferrors.IsCode(err, cferrors.CodeDuplicateFormat) {
		t.Fatalf("expected DuplicateFormat, got %v", err)
	}
	if len(r.Plugins()) != 1 {
		t.Errorf("registry changed after rejected registration")
	}
}

func TestBothRoleIsAtomic(t *testing.T) {
	r := New()
	r.MustRegister(mockPlugin(format.STL, plugin.RoleWriter, nil))

	err := r.Register(mockPlugin(format.STL, plugin.RoleBoth, nil))
	if !cferrors.IsCode(err, cferrors.CodeDuplicateFormat) {
		t.Fatalf("expected DuplicateFormat, got %v", err)
	}
	if r.Supports(format.STL, plugin.RoleReader) {
		t.Error("reader half of a rejected Both plugin was registered")
	}

	// the reader alone is still free
	if err := r.Register(mockPlugin(format.STL, plugin.RoleReader, nil)); err != nil {
		t.Errorf("reader registration: %v", err)
	}
}

func TestResolveByExtension(t *testing.T) {
	r := New()
	r.MustRegister(mockPlugin(format.STEP, plugin.RoleReader, nil))
	r.MustRegister(mockPlugin(format.OBJ, plugin.RoleBoth, nil))
	r.MustRegister(mockPlugin(format.AMF, plugin.RoleWriter, nil))

	tests := []struct {
		path string
		role plugin.Role
		want format.Format
	}{
		{"part.stp", plugin.RoleReader, format.STEP},
		{"PART.STEP", plugin.RoleReader, format.STEP},
		{"mesh.Obj", plugin.RoleWriter, format.OBJ},
		{"out.amf", plugin.RoleWriter, format.AMF},
	}
	for _, tt := range tests {
		got, err := r.ResolveByExtension(tt.path, tt.role)
		if err != nil || got != tt.want {
			t.Errorf("ResolveByExtension(%q, %s) = %v, %v; want %v", tt.path, tt.role, got, err, tt.want)
		}
	}

	for _, miss := range []struct {
		path string
		role plugin.Role
	}{
		{"out.amf", plugin.RoleReader}, // writer only
		{"part.dat", plugin.RoleReader},
		{"noext", plugin.RoleReader},
	} {
		_, err := r.ResolveByExtension(miss.path, miss.role)
		if !cferrors.IsCode(err, cferrors.CodeUnknownFormat) {
			t.Errorf("ResolveByExtension(%q) expected UnknownFormat, got %v", miss.path, err)
		}
	}
}

func TestExtensionTieBreakMostRecentWins(t *testing.T) {
	r := New()

	first := mockPlugin(format.STEP, plugin.RoleReader, nil)
	first.Suffixes = []string{"dat"}
	second := mockPlugin(format.IGES, plugin.RoleReader, nil)
	second.Suffixes = []string{"DAT"}

	r.MustRegister(first)
	r.MustRegister(second)

	got, err := r.ResolveByExtension("model.dat", plugin.RoleReader)
	if err != nil {
		t.Fatal(err)
	}
	if got != format.IGES {
		t.Errorf("got %v, want the most recently registered IGES", got)
	}
}

func TestResolveByContent(t *testing.T) {
	r := New()
	r.MustRegister(mockPlugin(format.STL, plugin.RoleReader, fixedProbe("solid", 0.5)))
	r.MustRegister(mockPlugin(format.OBJ, plugin.RoleReader, fixedProbe("solid", 0.9)))
	r.MustRegister(mockPlugin(format.OFF, plugin.RoleReader, fixedProbe("OFF", 0.9)))
	r.MustRegister(mockPlugin(format.PLY, plugin.RoleReader, fixedProbe("OFF", 0.9)))

	got, err := r.ResolveByContent(plugin.ProbeInput{Head: []byte("solid x")}, plugin.RoleReader)
	if err != nil || got != format.OBJ {
		t.Errorf("highest confidence should win, got %v, %v", got, err)
	}

	got, err = r.ResolveByContent(plugin.ProbeInput{Head: []byte("OFF\n")}, plugin.RoleReader)
	if err != nil || got != format.OFF {
		t.Errorf("ties should go to first registered, got %v, %v", got, err)
	}

	_, err = r.ResolveByContent(plugin.ProbeInput{Path: "x.bin", Head: []byte("nothing")}, plugin.RoleReader)
	if !cferrors.IsCode(err, cferrors.CodeUnknownFormat) {
		t.Errorf("expected UnknownFormat, got %v", err)
	}
}

func TestProbePanicIsNoMatch(t *testing.T) {
	r := New()
	r.MustRegister(mockPlugin(format.STL, plugin.RoleReader, func(plugin.ProbeInput) float64 { panic("bad probe") }))
	r.MustRegister(mockPlugin(format.OBJ, plugin.RoleReader, fixedProbe("v ", 0.3)))

	got, err := r.ResolveByContent(plugin.ProbeInput{Head: []byte("v 1 2 3")}, plugin.RoleReader)
	if err != nil || got != format.OBJ {
		t.Errorf("got %v, %v", got, err)
	}
}

func TestResolveFallsBackToContent(t *testing.T) {
	r := New()
	r.MustRegister(mockPlugin(format.STEP, plugin.RoleReader, fixedProbe("ISO-10303-21;", 1)))

	step := []byte("ISO-10303-21;\nHEADER;")

	got, err := r.Resolve(plugin.ProbeInput{Path: "part.stp", Head: []byte("junk")}, plugin.RoleReader)
	if err != nil || got != format.STEP {
		t.Errorf(".stp should resolve by extension, got %v, %v", got, err)
	}

	got, err = r.Resolve(plugin.ProbeInput{Path: "part.dat", Head: step}, plugin.RoleReader)
	if err != nil || got != format.STEP {
		t.Errorf(".dat with STEP content should resolve by content, got %v, %v", got, err)
	}

	_, err = r.Resolve(plugin.ProbeInput{Path: "part.dat", Head: []byte("junk")}, plugin.RoleReader)
	if !cferrors.IsCode(err, cferrors.CodeUnknownFormat) {
		t.Errorf("expected UnknownFormat, got %v", err)
	}
}

func TestInstantiateIsolatesTasks(t *testing.T) {
	r := New()
	p := mockPlugin(format.DXF, plugin.RoleReader, nil)
	p.ReaderProperties = func() *property.Group {
		return property.NewGroup("dxf", property.NewFloat("scaling", 1).WithRange(1e-9, 1e9))
	}
	r.MustRegister(p)

	params, err := r.Parameters(format.DXF, plugin.RoleReader)
	if err != nil {
		t.Fatal(err)
	}
	if !params.Frozen() {
		t.Error("parameters should be frozen after registration")
	}

	h1, err := r.Instantiate(format.DXF, plugin.RoleReader)
	if err != nil {
		t.Fatal(err)
	}
	_ = params.Set("scaling", 2.0)
	h2, _ := r.Instantiate(format.DXF, plugin.RoleReader)

	if h1.Params.Float("scaling") != 1 || h2.Params.Float("scaling") != 2 {
		t.Errorf("snapshots not isolated: %v %v", h1.Params.Float("scaling"), h2.Params.Float("scaling"))
	}
	if h1.Reader == h2.Reader {
		t.Error("each task needs its own reader instance")
	}

	_, err = r.Instantiate(format.DXF, plugin.RoleWriter)
	if !cferrors.IsCode(err, cferrors.CodeUnsupportedFormat) {
		t.Errorf("expected UnsupportedFormat, got %v", err)
	}
}

func TestFormatsInRegistrationOrder(t *testing.T) {
	r := New()
	r.MustRegister(mockPlugin(format.OBJ, plugin.RoleBoth, nil))
	r.MustRegister(mockPlugin(format.STEP, plugin.RoleReader, nil))
	r.MustRegister(mockPlugin(format.AMF, plugin.RoleWriter, nil))

	readers := r.Formats(plugin.RoleReader)
	if len(readers) != 2 || readers[0] != format.OBJ || readers[1] != format.STEP {
		t.Errorf("readers = %v", readers)
	}
	writers := r.Formats(plugin.RoleWriter)
	if len(writers) != 2 || writers[1] != format.AMF {
		t.Errorf("writers = %v", writers)
	}
	if len(r.Plugins()) != 3 {
		t.Errorf("plugins = %d, want 3", len(r.Plugins()))
	}
}

func TestReadHead(t *testing.T) {
	r := New(WithSampleSize(8))
	data := "ISO-10303-21;\nHEADER;\n"

	in, err := r.ReadHead(context.Background(), mockOpener{data: data, size: int64(len(data))}, "a.stp")
	if err != nil {
		t.Fatal(err)
	}
	if string(in.Head) != data[:8] || in.Size != int64(len(data)) || in.Path != "a.stp" {
		t.Errorf("unexpected probe input %+v", in)
	}

	in, err = r.ReadHead(context.Background(), mockOpener{data: "OFF", size: -1}, "a.off")
	if err != nil {
		t.Fatal(err)
	}
	if in.Size != 3 {
		t.Errorf("short unknown-size file should report its length, got %d", in.Size)
	}
}

// --- Mock implementations ---

func mockPlugin(f format.Format, role plugin.Role, probe plugin.Probe) *plugin.Plugin {
	return &plugin.Plugin{
		Format: f,
		Role:   role,
		Probe:  probe,
		NewReader: func() plugin.Reader {
			return &mockReader{}
		},
		NewWriter: func() plugin.Writer {
			return plugin.WriterFunc(func(ctx context.Context, g *scene.Graph, params property.Values, w io.Writer, p progress.Reporter) error {
				return nil
			})
		},
	}
}

type mockReader struct{ reads int }

func (m *mockReader) Read(ctx context.Context, in plugin.Input, params property.Values, p progress.Reporter) (*scene.Graph, error) {
	return &scene.Graph{}, nil
}

func fixedProbe(prefix string, score float64) plugin.Probe {
	return func(in plugin.ProbeInput) float64 {
		if bytes.HasPrefix(in.Head, []byte(prefix)) {
			return score
		}
		return 0
	}
}

type mockOpener struct {
	data string
	size int64
}

func (m mockOpener) Reader(ctx context.Context, path string) (io.ReadCloser, int64, error) {
	return io.NopCloser(strings.NewReader(m.data)), m.size, nil
}
