package journal

import (
	"context"
	"os"
	"testing"
	"time"

	cferrors "github.com/cadflow/cadflow/pkg/errors"
)

func openTest(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(context.Background(), "duckdb", "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestEntryFromError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  string
		code    string
		partial bool
	}{
		{"success", nil, StatusCommitted, "", false},
		{"cancelled", cferrors.Cancelled("import", "a.obj"), StatusCancelled, "E401", false},
		{"partial write", cferrors.FileWriteProblem("a.stl", "stl", true, os.ErrClosed), StatusFailed, "E303", true},
		{"unknown format", cferrors.UnknownFormat("a.bin"), StatusFailed, "E101", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var e Entry
			e.FromError(tt.err)
			if e.Status != tt.status || e.Code != tt.code || e.Partial != tt.partial {
				t.Errorf("got status=%s code=%s partial=%v", e.Status, e.Code, e.Partial)
			}
		})
	}
}

func TestRecordAndList(t *testing.T) {
	ctx := context.Background()
	j := openTest(t)
	base := time.Now().Add(-time.Hour).Truncate(time.Millisecond)

	entries := []Entry{
		{Kind: KindImport, Path: "a.step", Format: "step", Status: StatusCommitted, Nodes: 4, Started: base},
		{Kind: KindImport, Path: "b.obj", Format: "obj", Status: StatusFailed, Code: "E301", Message: "line 3", Started: base.Add(time.Minute)},
		{Kind: KindExport, Path: "a.stl", Format: "stl", Status: StatusCommitted, Bytes: 184, Duration: 1500 * time.Millisecond, Started: base.Add(2 * time.Minute)},
	}
	for _, e := range entries {
		if err := j.Record(ctx, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	all, err := j.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("List returned %d entries, want 3", len(all))
	}
	latest := all[0]
	if latest.Path != "a.stl" || latest.Bytes != 184 || latest.Duration != 1500*time.Millisecond {
		t.Errorf("latest entry = %+v", latest)
	}
	if !latest.Started.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("Started = %v, want %v", latest.Started, base.Add(2*time.Minute))
	}
	if latest.ID == "" {
		t.Error("Record should assign an id")
	}

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"imports", Filter{Kind: KindImport}, 2},
		{"failed", Filter{Status: StatusFailed}, 1},
		{"since", Filter{Since: base.Add(90 * time.Second)}, 1},
		{"limit", Filter{Limit: 2}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := j.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("List(%+v) returned %d entries, want %d", tt.filter, len(got), tt.want)
			}
		})
	}
}

func TestStatsAndPrune(t *testing.T) {
	ctx := context.Background()
	j := openTest(t)
	now := time.Now()

	for _, e := range []Entry{
		{Kind: KindExport, Path: "1.stl", Format: "stl", Status: StatusCommitted, Bytes: 100, Started: now},
		{Kind: KindExport, Path: "2.stl", Format: "stl", Status: StatusCommitted, Bytes: 50, Started: now},
		{Kind: KindImport, Path: "old.obj", Format: "obj", Status: StatusCommitted, Started: now.Add(-48 * time.Hour)},
	} {
		if err := j.Record(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := j.Stats(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if len(stats) != 1 || stats[0].Count != 2 || stats[0].Bytes != 150 {
		t.Errorf("Stats = %+v, want one stl row with 2 entries and 150 bytes", stats)
	}

	n, err := j.Prune(ctx, now.Add(-24*time.Hour))
	if err != nil || n != 1 {
		t.Errorf("Prune = %d, %v; want 1", n, err)
	}
}

func TestOpenRejectsDriver(t *testing.T) {
	if _, err := Open(context.Background(), "sqlite", "x.db"); err == nil {
		t.Error("expected an error for an unsupported driver")
	}
	if _, err := Open(context.Background(), "mysql", " "); err == nil {
		t.Error("expected an error for an empty mysql dsn")
	}
}

func TestMySQLJournal(t *testing.T) {
	dsn := os.Getenv("CADFLOW_TEST_MYSQL")
	if dsn == "" {
		t.Skip("CADFLOW_TEST_MYSQL not set")
	}
	ctx := context.Background()
	j, err := Open(ctx, "mysql", dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer j.Close()

	e := Entry{Kind: KindImport, Path: t.Name(), Format: "obj", Status: StatusCommitted}
	if err := j.Record(ctx, e); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if _, err := j.Stats(ctx, time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("Stats: %v", err)
	}
}
