package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestWatcherReportsSettledFiles(t *testing.T) {
	dir := t.TempDir()
	w, err := New(50 * time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		t.Fatalf("Add: %v", err)
	}

	var (
		mu   sync.Mutex
		seen []string
	)
	got := make(chan string, 8)
	w.Accept = func(path string) bool { return strings.HasSuffix(path, ".obj") }
	w.OnFile = func(ctx context.Context, path string) error {
		mu.Lock()
		seen = append(seen, filepath.Base(path))
		mu.Unlock()
		got <- path
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// several quick writes settle into one report
	path := filepath.Join(dir, "part.obj")
	for i := 0; i < 3; i++ {
		if err := os.WriteFile(path, []byte(strings.Repeat("v 0 0 0\n", i+1)), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case p := <-got:
		if filepath.Base(p) != "part.obj" {
			t.Errorf("reported %s, want part.obj", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no file reported")
	}

	time.Sleep(200 * time.Millisecond)
	cancel()
	if err := <-done; err != context.Canceled {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 {
		t.Errorf("reports = %v, want exactly one", seen)
	}
}

func TestWatcherAddRejectsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.obj")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	w, err := New(0)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	if err := w.Add(path); err == nil {
		t.Error("Add accepted a regular file")
	}
}
