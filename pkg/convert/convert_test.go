package convert

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	cferrors "github.com/cadflow/cadflow/pkg/errors"
	"github.com/cadflow/cadflow/pkg/format"
	"github.com/cadflow/cadflow/pkg/formats"
	"github.com/cadflow/cadflow/pkg/journal"
	"github.com/cadflow/cadflow/pkg/kernel"
	"github.com/cadflow/cadflow/pkg/kernel/native"
	"github.com/cadflow/cadflow/pkg/logger"
	"github.com/cadflow/cadflow/pkg/pipeline"
	"github.com/cadflow/cadflow/pkg/progress"
	"github.com/cadflow/cadflow/pkg/queue"
	"github.com/cadflow/cadflow/pkg/registry"
	"github.com/cadflow/cadflow/pkg/scene"
	"github.com/cadflow/cadflow/pkg/storage"
)

const (
	cubeOBJ = "o cube\nv 0 0 0\nv 1 0 0\nv 0 1 0\nv 0 0 1\nf 1 2 3\nf 1 2 4\n"
	badOBJ  = "v 0 0 0\nf 1 2\n"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newService(t *testing.T, rec Recorder, allOrNothing bool) *Service {
	t.Helper()
	reg := registry.New()
	if err := formats.RegisterAll(reg, native.New()); err != nil {
		t.Fatal(err)
	}
	return New(Options{
		Registry:     reg,
		Storage:      &storage.LocalStorage{},
		Kernel:       native.New(),
		Journal:      rec,
		Logger:       logger.Discard(),
		Workers:      2,
		AllOrNothing: allOrNothing,
	})
}

func TestConvertWritesEveryTarget(t *testing.T) {
	dir := t.TempDir()
	in := writeFile(t, dir, "cube.obj", cubeOBJ)
	rec := &mockRecorder{}
	svc := newService(t, rec, false)

	var ended []string
	unsubscribe := svc.Tasks().Subscribe(func(e progress.Event) {
		if e.Kind == progress.EventEnded {
			ended = append(ended, e.Title)
		}
	})
	defer unsubscribe()

	res, err := svc.Convert(context.Background(), Request{
		Inputs: []pipeline.ImportRequest{{Path: in}},
		Targets: []pipeline.ExportRequest{
			{Path: filepath.Join(dir, "cube.stl")},
			{Path: filepath.Join(dir, "out.off"), Format: format.OFF},
		},
	})
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if res.Document.Name() != "cube" {
		t.Errorf("document name = %q, want cube", res.Document.Name())
	}
	if len(res.Exports.Written) != 2 {
		t.Fatalf("written = %d, want 2", len(res.Exports.Written))
	}
	for _, name := range []string{"cube.stl", "out.off"} {
		if info, err := os.Stat(filepath.Join(dir, name)); err != nil || info.Size() == 0 {
			t.Errorf("%s not written: %v", name, err)
		}
	}

	entries := rec.all()
	if len(entries) != 3 {
		t.Fatalf("journal entries = %d, want 3", len(entries))
	}
	if entries[0].Kind != journal.KindImport || entries[0].Format != "obj" {
		t.Errorf("first entry = %+v", entries[0])
	}
	for _, e := range entries {
		if e.Status != journal.StatusCommitted {
			t.Errorf("%s %s: status %s", e.Kind, e.Path, e.Status)
		}
	}
	if entries[2].Format != "off" || entries[2].Bytes == 0 {
		t.Errorf("export entry = %+v", entries[2])
	}
	if len(ended) != 2 {
		t.Errorf("ended tasks = %v, want import and export", ended)
	}
}

func TestConvertOverridesFollowFormat(t *testing.T) {
	dir := t.TempDir()
	in := writeFile(t, dir, "cube.obj", cubeOBJ)
	svc := newService(t, &mockRecorder{}, false)

	overrides := map[string]string{"targetFormat": "ascii"}
	res, err := svc.Convert(context.Background(), Request{
		Inputs: []pipeline.ImportRequest{{Path: in, Overrides: map[string]string{"rootPrefix": "in_"}}},
		Targets: []pipeline.ExportRequest{
			{Path: filepath.Join(dir, "cube.stl"), Overrides: overrides},
			{Path: filepath.Join(dir, "cube.off"), Overrides: overrides},
		},
	})
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if len(res.Exports.Written) != 2 {
		t.Fatalf("written = %d, want 2", len(res.Exports.Written))
	}
	if roots := res.Document.Roots(); len(roots) != 1 || roots[0].Name != "in_cube" {
		t.Errorf("reader override not applied: %+v", roots)
	}
	data, err := os.ReadFile(filepath.Join(dir, "cube.stl"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "solid") {
		t.Error("targetFormat=ascii not applied to the STL target")
	}
}

func TestConvertRejectsOverridesBeforeImport(t *testing.T) {
	dir := t.TempDir()
	in := writeFile(t, dir, "cube.obj", cubeOBJ)
	stl := writeFile(t, dir, "part.stl", "solid x\nendsolid x\n")

	tests := []struct {
		name    string
		inputs  []pipeline.ImportRequest
		targets []pipeline.ExportRequest
		code    cferrors.Code
	}{
		{
			name:    "bad writer value",
			inputs:  []pipeline.ImportRequest{{Path: in}},
			targets: []pipeline.ExportRequest{{Path: filepath.Join(dir, "out.stl"), Overrides: map[string]string{"targetFormat": "utf16"}}},
			code:    cferrors.CodeInvalidValue,
		},
		{
			name:    "writer key no target declares",
			inputs:  []pipeline.ImportRequest{{Path: in}},
			targets: []pipeline.ExportRequest{{Path: filepath.Join(dir, "out.off"), Overrides: map[string]string{"targetFormat": "ascii"}}},
			code:    cferrors.CodeUnknownProperty,
		},
		{
			name:    "bad reader value",
			inputs:  []pipeline.ImportRequest{{Path: in, Overrides: map[string]string{"systemLengthUnit": "parsec"}}},
			targets: []pipeline.ExportRequest{{Path: filepath.Join(dir, "out.stl")}},
			code:    cferrors.CodeInvalidValue,
		},
		{
			name:    "qualified key for another format",
			inputs:  []pipeline.ImportRequest{{Path: in, Overrides: map[string]string{"stl.nope": "1"}}, {Path: stl}},
			targets: []pipeline.ExportRequest{{Path: filepath.Join(dir, "out.stl")}},
			code:    cferrors.CodeUnknownProperty,
		},
		{
			name:    "qualified key without reader",
			inputs:  []pipeline.ImportRequest{{Path: in, Overrides: map[string]string{"amf.float64Precision": "3"}}},
			targets: []pipeline.ExportRequest{{Path: filepath.Join(dir, "out.stl")}},
			code:    cferrors.CodeUnsupportedFormat,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &mockRecorder{}
			svc := newService(t, rec, false)
			res, err := svc.Convert(context.Background(), Request{Inputs: tt.inputs, Targets: tt.targets})
			if !cferrors.IsCode(err, tt.code) {
				t.Fatalf("err = %v, want %s", err, tt.code)
			}
			if res != nil || len(rec.all()) != 0 {
				t.Error("files were processed before the overrides were checked")
			}
			for _, target := range tt.targets {
				if _, err := os.Stat(target.Path); !os.IsNotExist(err) {
					t.Errorf("%s was written", target.Path)
				}
			}
		})
	}
}

func TestCheckOverridesAcrossInputs(t *testing.T) {
	reg := registry.New()
	if err := formats.RegisterAll(reg, native.New()); err != nil {
		t.Fatal(err)
	}
	req := Request{
		Inputs: []pipeline.ImportRequest{
			{Path: "a.obj", Overrides: map[string]string{"rootPrefix": "x", "obj.systemLengthUnit": "inch"}},
			{Path: "b.stl", Overrides: map[string]string{"rootPrefix": "x", "obj.systemLengthUnit": "inch"}},
		},
		Targets: []pipeline.ExportRequest{
			{Path: "ab.stl", Overrides: map[string]string{"stl.targetFormat": "binary"}},
			{Path: "ab.ply", Overrides: map[string]string{"stl.targetFormat": "binary"}},
		},
	}
	if err := CheckOverrides(reg, req); err != nil {
		t.Errorf("CheckOverrides: %v", err)
	}
}

func TestConvertBestEffortSkipsBrokenInput(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "good.obj", cubeOBJ)
	bad := writeFile(t, dir, "bad.obj", badOBJ)
	rec := &mockRecorder{}
	svc := newService(t, rec, false)

	out := filepath.Join(dir, "merged.stl")
	res, err := svc.Convert(context.Background(), Request{
		Name:    "merged",
		Inputs:  []pipeline.ImportRequest{{Path: good}, {Path: bad}},
		Targets: []pipeline.ExportRequest{{Path: out}},
	})
	if err == nil {
		t.Fatal("Convert succeeded despite a broken input")
	}
	if res.Imports.Failed() != 1 {
		t.Errorf("failed imports = %d, want 1", res.Imports.Failed())
	}
	if _, err := os.Stat(out); err != nil {
		t.Errorf("export skipped: %v", err)
	}

	var failed int
	for _, e := range rec.all() {
		if e.Status == journal.StatusFailed {
			failed++
			if e.Path != bad || e.Code == "" {
				t.Errorf("failed entry = %+v", e)
			}
		}
	}
	if failed != 1 {
		t.Errorf("failed entries = %d, want 1", failed)
	}
}

func TestConvertAllOrNothingStopsBeforeExport(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "good.obj", cubeOBJ)
	bad := writeFile(t, dir, "bad.obj", badOBJ)
	svc := newService(t, nil, true)

	out := filepath.Join(dir, "merged.stl")
	res, err := svc.Convert(context.Background(), Request{
		Inputs:  []pipeline.ImportRequest{{Path: good}, {Path: bad}},
		Targets: []pipeline.ExportRequest{{Path: out}},
	})
	if err == nil {
		t.Fatal("Convert succeeded despite a broken input")
	}
	if res.Document.Count() != 0 {
		t.Errorf("document has %d nodes, want none", res.Document.Count())
	}
	if res.Exports != nil {
		t.Error("export ran after a rejected batch")
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Errorf("destination exists: %v", err)
	}
}

func TestConvertRecordsFailedTarget(t *testing.T) {
	dir := t.TempDir()
	in := writeFile(t, dir, "cube.obj", cubeOBJ)
	rec := &mockRecorder{}
	svc := newService(t, rec, false)

	res, err := svc.Convert(context.Background(), Request{
		Inputs: []pipeline.ImportRequest{{Path: in}},
		Targets: []pipeline.ExportRequest{
			{Path: filepath.Join(dir, "cube.stl")},
			{Path: filepath.Join(dir, "cube.xyz")},
			{Path: filepath.Join(dir, "cube.off")},
		},
	})
	if !cferrors.IsCode(err, cferrors.CodeUnknownFormat) {
		t.Fatalf("error = %v, want %s", err, cferrors.CodeUnknownFormat)
	}
	if len(res.Exports.Written) != 1 || len(res.Exports.Skipped) != 1 {
		t.Errorf("written %d skipped %d, want 1 and 1", len(res.Exports.Written), len(res.Exports.Skipped))
	}

	entries := rec.all()
	last := entries[len(entries)-1]
	if last.Kind != journal.KindExport || last.Status != journal.StatusFailed || last.Code != string(cferrors.CodeUnknownFormat) {
		t.Errorf("last entry = %+v", last)
	}
}

func TestConvertRequiresInput(t *testing.T) {
	svc := newService(t, nil, false)
	if _, err := svc.Convert(context.Background(), Request{}); err == nil {
		t.Error("Convert accepted a request without inputs")
	}
}

func TestImportHooksMeshOnlyForMeshTargets(t *testing.T) {
	tests := []struct {
		name    string
		kernel  kernel.Kernel
		targets []pipeline.ExportRequest
		want    bool
	}{
		{"mesh target", &mockMesher{Kernel: native.New()}, []pipeline.ExportRequest{{Path: "out.stl"}}, true},
		{"explicit mesh format", &mockMesher{Kernel: native.New()}, []pipeline.ExportRequest{{Path: "out", Format: format.PLY}}, true},
		{"brep target", &mockMesher{Kernel: native.New()}, []pipeline.ExportRequest{{Path: "out.step"}}, false},
		{"kernel cannot mesh", native.New(), []pipeline.ExportRequest{{Path: "out.stl"}}, false},
		{"no targets", &mockMesher{Kernel: native.New()}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := New(Options{Kernel: tt.kernel, Logger: logger.Discard()})
			hm := svc.importHooks(tt.targets)
			if got := hm.PostReadRequired(format.STEP); got != tt.want {
				t.Errorf("meshing required = %v, want %v", got, tt.want)
			}
			if hm.PostReadRequired(format.STL) {
				t.Error("meshing required for mesh input")
			}
		})
	}
}

func TestForFile(t *testing.T) {
	req, err := ForFile("/in/part.obj", "/out", []format.Format{format.STL, format.OBJ})
	if err != nil {
		t.Fatal(err)
	}
	if len(req.Inputs) != 1 || req.Inputs[0].Path != "/in/part.obj" {
		t.Errorf("inputs = %+v", req.Inputs)
	}
	want := []string{filepath.Join("/out", "part.stl"), filepath.Join("/out", "part.obj")}
	if len(req.Targets) != len(want) {
		t.Fatalf("targets = %+v", req.Targets)
	}
	for i, w := range want {
		if req.Targets[i].Path != w {
			t.Errorf("target %d = %s, want %s", i, req.Targets[i].Path, w)
		}
	}

	// never overwrite the source itself
	req, err = ForFile("/in/part.obj", "", []format.Format{format.OBJ, format.STL})
	if err != nil {
		t.Fatal(err)
	}
	if len(req.Targets) != 1 || req.Targets[0].Format != format.STL {
		t.Errorf("targets = %+v", req.Targets)
	}
}

func TestFromJob(t *testing.T) {
	job := queue.NewJob([]string{"s3://parts/a.obj", "s3://parts/b.obj"},
		queue.Target{Path: "s3://out/ab.stl", Format: "STL", Overrides: map[string]string{"format": "binary"}},
		queue.Target{Path: "s3://out/ab.off"},
	)
	job.AllOrNothing = true
	job.Overrides = map[string]string{"merge": "true"}

	req, err := FromJob(job)
	if err != nil {
		t.Fatal(err)
	}
	if req.Name != job.ID || req.AllOrNothing == nil || !*req.AllOrNothing {
		t.Errorf("request = %+v", req)
	}
	if len(req.Inputs) != 2 || req.Inputs[1].Overrides["merge"] != "true" {
		t.Errorf("inputs = %+v", req.Inputs)
	}
	if req.Targets[0].Format != format.STL || req.Targets[1].Format != format.Unknown {
		t.Errorf("targets = %+v", req.Targets)
	}

	job.Targets[0].Format = "nope"
	if _, err := FromJob(job); err == nil {
		t.Error("FromJob accepted an unknown format")
	}
}

// --- Mock implementations ---

type mockRecorder struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (m *mockRecorder) Record(_ context.Context, e journal.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *mockRecorder) all() []journal.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]journal.Entry(nil), m.entries...)
}

type mockMesher struct {
	kernel.Kernel
}

func (m *mockMesher) Mesh(context.Context, *scene.Graph) error { return nil }
