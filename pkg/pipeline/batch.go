package pipeline

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/cadflow/cadflow/pkg/document"
	cferrors "github.com/cadflow/cadflow/pkg/errors"
	"github.com/cadflow/cadflow/pkg/progress"
)

// FileResult is the outcome of one file of a batch.
type FileResult struct {
	Request ImportRequest
	Delta   document.Delta
	Err     error
}

// BatchResult lists the outcome of every file in request order.
type BatchResult struct {
	Files []FileResult
}

// Deltas returns the deltas of the committed files.
func (b *BatchResult) Deltas() []document.Delta {
	var out []document.Delta
	for _, f := range b.Files {
		if f.Err == nil {
			out = append(out, f.Delta)
		}
	}
	return out
}

// Failed returns the number of files that did not commit.
func (b *BatchResult) Failed() int {
	n := 0
	for _, f := range b.Files {
		if f.Err != nil {
			n++
		}
	}
	return n
}

// Err combines the per-file errors.
func (b *BatchResult) Err() error {
	var m cferrors.MultiError
	for _, f := range b.Files {
		m.Add(f.Err)
	}
	return m.Combined()
}

// RunBatch imports several files into doc, each through its own state
// machine, at most WithWorkers at a time. By default every file that
// succeeds is committed and failures are collected. With WithAllOrNothing
// all files are staged first and doc is only changed if none failed.
// The returned error combines the per-file errors.
func (im *Importer) RunBatch(ctx context.Context, doc *document.Document, reqs []ImportRequest, r progress.Reporter) (*BatchResult, error) {
	if r == nil {
		r = progress.Nop()
	}
	ctx, span := im.tracer.Start(ctx, "import.batch", trace.WithAttributes(
		attribute.Int("files", len(reqs)),
		attribute.Bool("all_or_nothing", im.allOrNothing),
	))
	defer span.End()

	res := &BatchResult{Files: make([]FileResult, len(reqs))}
	staged := make([]document.Staged, len(reqs))
	agg := newAggregate(r, len(reqs))

	g, gctx := &errgroup.Group{}, ctx
	if im.allOrNothing {
		// one failure dooms the batch, stop the others early
		g, gctx = errgroup.WithContext(ctx)
	}
	sem := semaphore.NewWeighted(int64(im.workers))

	for i, req := range reqs {
		i, req := i, req
		res.Files[i].Request = req
		g.Go(func() error {
			sub := agg.sub(i)
			if err := sem.Acquire(gctx, 1); err != nil {
				res.Files[i].Err = cferrors.Cancelled("import", req.Path)
				return res.Files[i].Err
			}
			defer sem.Release(1)

			fctx, fspan := im.tracer.Start(gctx, "import", trace.WithAttributes(attribute.String("path", req.Path)))
			defer fspan.End()

			s, err := im.stage(fctx, req, sub, fspan)
			if err != nil {
				res.Files[i].Err = err
				return err
			}
			if im.allOrNothing {
				staged[i] = s
				return nil
			}
			res.Files[i].Delta, res.Files[i].Err = im.commit(fctx, doc, s, sub, fspan)
			return res.Files[i].Err
		})
	}
	_ = g.Wait()

	if im.allOrNothing {
		if err := res.Err(); err != nil {
			im.logger.WarnContext(ctx, "batch rejected", "files", len(reqs), "failed", res.Failed())
			return res, err
		}
		deltas, err := doc.MergeAll(staged)
		if err != nil {
			err = cferrors.FileTransferProblem(doc.Name(), "", err)
			for i := range res.Files {
				res.Files[i].Err = err
			}
			return res, err
		}
		for i := range deltas {
			res.Files[i].Delta = deltas[i]
		}
		r.Report(1, "")
	}

	im.logger.InfoContext(ctx, "batch imported", "files", len(reqs), "failed", res.Failed())
	return res, res.Err()
}

// aggregate reports the mean fraction of several concurrent units of work.
type aggregate struct {
	mu        sync.Mutex
	parent    progress.Reporter
	fractions []float64
}

func newAggregate(parent progress.Reporter, n int) *aggregate {
	return &aggregate{parent: parent, fractions: make([]float64, n)}
}

func (a *aggregate) sub(i int) progress.Reporter {
	return &aggregateItem{a: a, i: i}
}

type aggregateItem struct {
	a *aggregate
	i int
}

func (it *aggregateItem) Report(fraction float64, label string) {
	a := it.a
	a.mu.Lock()
	if fraction > a.fractions[it.i] {
		a.fractions[it.i] = fraction
	}
	var sum float64
	for _, f := range a.fractions {
		sum += f
	}
	mean := sum / float64(len(a.fractions))
	a.mu.Unlock()

	a.parent.Report(mean, label)
}

func (it *aggregateItem) Cancelled() bool { return it.a.parent.Cancelled() }
