package document

import (
	"errors"
	"sync"
	"testing"

	"github.com/cadflow/cadflow/pkg/format"
	"github.com/cadflow/cadflow/pkg/scene"
)

func graph(names ...string) *scene.Graph {
	g := &scene.Graph{}
	for _, n := range names {
		g.Roots = append(g.Roots, &scene.Node{Name: n, Kind: scene.KindPart})
	}
	return g
}

func TestMergeRecordsDelta(t *testing.T) {
	doc := New("test")

	delta, err := doc.Merge(Staged{Path: "a.stl", Format: format.STL, Graph: graph("a", "b")})
	if err != nil {
		t.Fatal(err)
	}
	if delta.DocumentID != doc.ID() || delta.Nodes != 2 || len(delta.Roots) != 2 {
		t.Errorf("unexpected delta %+v", delta)
	}
	if len(doc.Roots()) != 2 || len(doc.Deltas()) != 1 {
		t.Error("document not updated")
	}
}

func TestClosedDocumentRejectsMerge(t *testing.T) {
	doc := New("test")
	doc.Close()

	_, err := doc.MergeAll([]Staged{{Path: "a", Graph: graph("a")}, {Path: "b", Graph: graph("b")}})
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if doc.Count() != 0 {
		t.Error("closed document mutated")
	}
}

func TestConcurrentMerges(t *testing.T) {
	doc := New("test")
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = doc.Merge(Staged{Graph: graph("n")})
		}()
	}
	wg.Wait()
	if doc.Count() != 16 {
		t.Errorf("Count = %d, want 16", doc.Count())
	}
}

func TestSelectionSnapshot(t *testing.T) {
	doc := New("test")
	_, _ = doc.Merge(Staged{Graph: graph("a", "b", "c")})
	roots := doc.Roots()

	if All(doc).Empty() {
		t.Fatal("full selection should not be empty")
	}
	if !Of(doc).Empty() {
		t.Fatal("explicit empty subset should be empty")
	}
	if !All(New("empty")).Empty() {
		t.Fatal("empty document selection should be empty")
	}

	snap := Of(doc, roots[1]).Snapshot()
	if len(snap.Roots) != 1 || snap.Roots[0].Name != "b" {
		t.Fatalf("unexpected snapshot %+v", snap.Roots)
	}
	snap.Roots[0].Name = "changed"
	if doc.Roots()[1].Name != "b" {
		t.Error("snapshot shares nodes with the document")
	}
}
