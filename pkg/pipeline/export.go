package pipeline

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cadflow/cadflow/pkg/document"
	cferrors "github.com/cadflow/cadflow/pkg/errors"
	"github.com/cadflow/cadflow/pkg/format"
	"github.com/cadflow/cadflow/pkg/hooks"
	"github.com/cadflow/cadflow/pkg/plugin"
	"github.com/cadflow/cadflow/pkg/progress"
	"github.com/cadflow/cadflow/pkg/property"
	"github.com/cadflow/cadflow/pkg/registry"
	"github.com/cadflow/cadflow/pkg/storage"
)

// ExportRequest names one destination.
type ExportRequest struct {
	Path string
	// Format is resolved from the path suffix when unset.
	Format    format.Format
	Params    property.Values
	Overrides map[string]string
}

// ExportResult describes a finished export.
type ExportResult struct {
	Path     string
	Format   format.Format
	Bytes    int64
	Nodes    int
	Duration time.Duration
	// Empty is set when the selection had no nodes and nothing was written.
	Empty bool
}

// Exporter writes document selections to files.
type Exporter struct {
	base
}

// NewExporter creates an exporter writing through st.
func NewExporter(reg *registry.Registry, st storage.Storage, opts ...Option) *Exporter {
	return &Exporter{base: newBase(reg, st, opts)}
}

// Run writes sel to one destination. An empty selection succeeds without
// touching the destination. r may be nil.
func (ex *Exporter) Run(ctx context.Context, sel document.Selection, req ExportRequest, r progress.Reporter) (ExportResult, error) {
	if r == nil {
		r = progress.Nop()
	}
	start := time.Now()
	ctx, span := ex.tracer.Start(ctx, "export", trace.WithAttributes(attribute.String("path", req.Path)))
	defer span.End()

	attrs := []any{"path", req.Path}
	res := ExportResult{Path: req.Path}

	// Configuring
	enter(r, span, StageConfiguring)
	f, err := ex.resolve(req)
	if err != nil {
		return res, ex.fail(ctx, r, span, err, StageConfiguring, attrs...)
	}
	res.Format = f
	attrs = append(attrs, "format", f.String())
	span.SetAttributes(attribute.String("format", f.String()))

	h, err := ex.reg.Instantiate(f, plugin.RoleWriter)
	if err != nil {
		return res, ex.fail(ctx, r, span, cferrors.NoSupportingWriter(f.String(), req.Path), StageConfiguring, attrs...)
	}
	params := h.Params
	if req.Params.Len() > 0 {
		params = req.Params
	}
	if params, err = applyOverrides(params, f, req.Overrides); err != nil {
		return res, ex.fail(ctx, r, span, withPath(err, req.Path), StageConfiguring, attrs...)
	}

	if sel.Empty() {
		res.Empty = true
		enter(r, span, StageCommitted)
		r.Report(1, "Nothing to export")
		ex.logger.InfoContext(ctx, "empty selection, nothing written", attrs...)
		return res, nil
	}
	r.Report(0.05, "")

	// Writing
	if cancelled(ctx, r) {
		return res, ex.fail(ctx, r, span, cferrors.Cancelled("export", req.Path), StageWriting, attrs...)
	}
	enter(r, span, StageWriting)

	g := sel.Snapshot()
	res.Nodes = g.Count()
	info := &hooks.WriteInfo{Path: req.Path, Format: f, Nodes: res.Nodes}
	if err := ex.hooks.RunPreWrite(ctx, info); err != nil {
		return res, ex.fail(ctx, r, span, cferrors.FileWriteProblem(req.Path, f.String(), false, err), StageWriting, attrs...)
	}
	if params, err = applyMetadata(params, info.Metadata); err != nil {
		return res, ex.fail(ctx, r, span, withPath(err, req.Path), StageWriting, attrs...)
	}

	sink, err := ex.storage.Writer(ctx, req.Path)
	if err != nil {
		return res, ex.fail(ctx, r, span, cferrors.FileWriteProblem(req.Path, f.String(), false, err), StageWriting, attrs...)
	}
	cw := &countingWriter{w: sink}

	err = guard(func() error {
		return h.Writer.Write(ctx, g, params, cw, progress.Scope(r, 0.05, 0.95))
	})
	if err == nil {
		err = sink.Close()
	}
	res.Bytes = cw.n
	if err != nil {
		// output survives only on sinks that cannot roll back
		partial := !storage.Discard(sink) && cw.n > 0
		return res, ex.fail(ctx, r, span, ex.writeError(ctx, r, req.Path, f, partial, err), StageWriting, attrs...)
	}

	res.Duration = time.Since(start)
	enter(r, span, StageCommitted)
	r.Report(1, "")
	span.SetAttributes(attribute.Int64("bytes", res.Bytes))
	ex.logger.InfoContext(ctx, "exported", append(attrs, "bytes", res.Bytes, "nodes", res.Nodes)...)

	if err := ex.hooks.RunPostWrite(ctx, &hooks.WriteResult{
		Path:      req.Path,
		Format:    f,
		SizeBytes: res.Bytes,
		Nodes:     res.Nodes,
		Duration:  res.Duration,
		Metadata:  info.Metadata,
	}); err != nil {
		ex.logger.WarnContext(ctx, "post-write hook failed", append(attrs, "error", err)...)
	}
	return res, nil
}

// resolve picks the target format: explicit, else by the path suffix among
// the registered writers. A suffix known only to readers is reported as
// NoSupportingWriter.
func (ex *Exporter) resolve(req ExportRequest) (format.Format, error) {
	f := req.Format
	if f == format.Unknown {
		var err error
		if f, err = ex.reg.ResolveByExtension(req.Path, plugin.RoleWriter); err == nil {
			return f, nil
		}
		for _, c := range format.All() {
			if c.MatchesPath(req.Path) {
				return c, cferrors.NoSupportingWriter(c.String(), req.Path)
			}
		}
		return format.Unknown, cferrors.UnknownFormat(req.Path)
	}
	if !ex.reg.Supports(f, plugin.RoleWriter) {
		return f, cferrors.NoSupportingWriter(f.String(), req.Path)
	}
	return f, nil
}

// writeError classifies a failure of the Writing stage.
func (ex *Exporter) writeError(ctx context.Context, r progress.Reporter, path string, f format.Format, partial bool, err error) error {
	if cancelled(ctx, r) || errors.Is(err, context.Canceled) {
		e := cferrors.Cancelled("export", path).WithFormat(f.String())
		e.Partial = partial
		return e
	}
	return cferrors.FileWriteProblem(path, f.String(), partial, err)
}

// Target is one destination of RunAll.
type Target = ExportRequest

// MultiResult is the outcome of RunAll.
type MultiResult struct {
	Written []ExportResult
	// Skipped lists the targets not attempted after a failure.
	Skipped []Target
}

// RunAll exports sel to each target in order. The first failure aborts the
// remaining targets, which are reported as skipped.
func (ex *Exporter) RunAll(ctx context.Context, sel document.Selection, targets []Target, r progress.Reporter) (*MultiResult, error) {
	if r == nil {
		r = progress.Nop()
	}
	res := &MultiResult{}
	n := float64(len(targets))
	for i, t := range targets {
		out, err := ex.Run(ctx, sel, t, progress.Scope(r, float64(i)/n, float64(i+1)/n))
		if err != nil {
			res.Skipped = append(res.Skipped, targets[i+1:]...)
			return res, err
		}
		res.Written = append(res.Written, out)
	}
	return res, nil
}
