// Package document implements the destination of imports and the source of
// exports: a named tree of scene nodes guarded by its own exclusive lock.
package document

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cadflow/cadflow/pkg/format"
	"github.com/cadflow/cadflow/pkg/scene"
)

// ErrClosed is returned when merging into a closed document.
var ErrClosed = errors.New("document is closed")

// Document is a named tree of scene nodes. All mutation and export snapshots
// go through its lock; other documents are unaffected.
type Document struct {
	id      string
	name    string
	created time.Time

	mu     sync.Mutex
	roots  []*scene.Node
	deltas []Delta
	closed bool
}

// Delta describes the nodes added by one successful import.
type Delta struct {
	DocumentID string
	Path       string
	Format     format.Format
	Roots      []*scene.Node
	Nodes      int
}

// Staged is a parsed graph waiting to be merged.
type Staged struct {
	Path   string
	Format format.Format
	Graph  *scene.Graph
}

// New creates an empty document.
func New(name string) *Document {
	return &Document{
		id:      uuid.NewString(),
		name:    name,
		created: time.Now(),
	}
}

func (d *Document) ID() string           { return d.id }
func (d *Document) Name() string         { return d.name }
func (d *Document) CreatedAt() time.Time { return d.created }

// Roots returns the current root nodes. The slice is a copy; nodes are shared.
func (d *Document) Roots() []*scene.Node {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*scene.Node(nil), d.roots...)
}

// Count returns the total node count.
func (d *Document) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	g := scene.Graph{Roots: d.roots}
	return g.Count()
}

// Deltas returns the history of merges in order.
func (d *Document) Deltas() []Delta {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Delta(nil), d.deltas...)
}

// Merge appends the roots of one staged graph to the document.
func (d *Document) Merge(s Staged) (Delta, error) {
	deltas, err := d.MergeAll([]Staged{s})
	if err != nil {
		return Delta{}, err
	}
	return deltas[0], nil
}

// MergeAll appends several staged graphs under a single lock acquisition, so
// either all of them become visible or none does.
func (d *Document) MergeAll(staged []Staged) ([]Delta, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}

	out := make([]Delta, 0, len(staged))
	for _, s := range staged {
		delta := Delta{
			DocumentID: d.id,
			Path:       s.Path,
			Format:     s.Format,
		}
		if s.Graph != nil {
			delta.Roots = append([]*scene.Node(nil), s.Graph.Roots...)
			delta.Nodes = s.Graph.Count()
		}
		out = append(out, delta)
	}

	for _, delta := range out {
		d.roots = append(d.roots, delta.Roots...)
		d.deltas = append(d.deltas, delta)
	}
	return out, nil
}

// Close rejects further merges.
func (d *Document) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}

// Selection is a document plus an optional subset of its root nodes.
type Selection struct {
	Doc   *Document
	Nodes []*scene.Node
	// subset distinguishes an explicit empty subset from "everything".
	subset bool
}

// All selects every root node of doc.
func All(doc *Document) Selection {
	return Selection{Doc: doc}
}

// Of selects the given root nodes of doc.
func Of(doc *Document, nodes ...*scene.Node) Selection {
	return Selection{Doc: doc, Nodes: nodes, subset: true}
}

// Snapshot deep-copies the selected nodes under the document lock.
func (s Selection) Snapshot() *scene.Graph {
	if s.Doc == nil {
		return &scene.Graph{}
	}
	s.Doc.mu.Lock()
	defer s.Doc.mu.Unlock()

	src := s.Doc.roots
	if s.subset {
		src = s.Nodes
	}
	g := &scene.Graph{Roots: make([]*scene.Node, 0, len(src))}
	for _, n := range src {
		g.Roots = append(g.Roots, n.Clone())
	}
	return g
}

// Empty reports whether the selection resolves to no nodes.
func (s Selection) Empty() bool {
	if s.Doc == nil {
		return true
	}
	if s.subset {
		return len(s.Nodes) == 0
	}
	s.Doc.mu.Lock()
	defer s.Doc.mu.Unlock()
	return len(s.Doc.roots) == 0
}
