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
	"github.com/cadflow/cadflow/pkg/plugin"
	"github.com/cadflow/cadflow/pkg/progress"
	"github.com/cadflow/cadflow/pkg/property"
	"github.com/cadflow/cadflow/pkg/registry"
	"github.com/cadflow/cadflow/pkg/storage"
)

// ImportRequest names one file to import.
type ImportRequest struct {
	Path string
	// Format skips probing when set.
	Format format.Format
	// Params replaces the registry's reader parameters when non-empty.
	Params property.Values
	// Overrides are textual values applied on top of the parameters.
	Overrides map[string]string
}

// Importer reads files into documents.
type Importer struct {
	base
}

// NewImporter creates an importer resolving formats through reg and reading
// files from st.
func NewImporter(reg *registry.Registry, st storage.Storage, opts ...Option) *Importer {
	return &Importer{base: newBase(reg, st, opts)}
}

// Run imports one file into doc. Nothing is committed unless every stage
// succeeds. r may be nil.
func (im *Importer) Run(ctx context.Context, doc *document.Document, req ImportRequest, r progress.Reporter) (document.Delta, error) {
	if r == nil {
		r = progress.Nop()
	}
	ctx, span := im.tracer.Start(ctx, "import", trace.WithAttributes(attribute.String("path", req.Path)))
	defer span.End()

	staged, err := im.stage(ctx, req, r, span)
	if err != nil {
		return document.Delta{}, err
	}
	return im.commit(ctx, doc, staged, r, span)
}

// stage runs Probing, Reading and the post-read part of Transferring. The
// result is ready to be merged.
func (im *Importer) stage(ctx context.Context, req ImportRequest, r progress.Reporter, span trace.Span) (document.Staged, error) {
	start := time.Now()
	attrs := []any{"path", req.Path}

	// Probing
	if cancelled(ctx, r) {
		return document.Staged{}, im.fail(ctx, r, span, cferrors.Cancelled("import", req.Path), StageProbing, attrs...)
	}
	enter(r, span, StageProbing)
	r.Report(0, "Probing")

	f, size, err := im.resolve(ctx, req)
	if err != nil {
		return document.Staged{}, im.fail(ctx, r, span, err, StageProbing, attrs...)
	}
	attrs = append(attrs, "format", f.String())
	span.SetAttributes(attribute.String("format", f.String()))
	if size >= 0 {
		span.SetAttributes(attribute.Int64("size", size))
	}

	h, err := im.reg.Instantiate(f, plugin.RoleReader)
	if err != nil {
		return document.Staged{}, im.fail(ctx, r, span, withPath(err, req.Path), StageProbing, attrs...)
	}
	params := h.Params
	if req.Params.Len() > 0 {
		params = req.Params
	}
	if params, err = applyOverrides(params, f, req.Overrides); err != nil {
		return document.Staged{}, im.fail(ctx, r, span, withPath(err, req.Path), StageProbing, attrs...)
	}
	r.Report(probeEnd, "")

	// Reading
	if cancelled(ctx, r) {
		return document.Staged{}, im.fail(ctx, r, span, cferrors.Cancelled("import", req.Path), StageReading, attrs...)
	}
	enter(r, span, StageReading)
	im.logger.DebugContext(ctx, "reading", attrs...)

	data, err := storage.ReadAll(ctx, im.storage, req.Path)
	if err != nil {
		return document.Staged{}, im.fail(ctx, r, span, im.readError(ctx, r, req.Path, f, err), StageReading, attrs...)
	}
	span.SetAttributes(attribute.Int("bytes", len(data)))

	var staged document.Staged
	err = guard(func() error {
		g, err := h.Reader.Read(ctx, plugin.Input{Path: req.Path, Data: data}, params, progress.Scope(r, probeEnd, readEnd))
		if err != nil {
			return err
		}
		staged = document.Staged{Path: req.Path, Format: f, Graph: g}
		return nil
	})
	if err != nil {
		return document.Staged{}, im.fail(ctx, r, span, im.readError(ctx, r, req.Path, f, err), StageReading, attrs...)
	}
	r.Report(readEnd, "")

	// Transferring: post-read hooks run on the staged graph
	if cancelled(ctx, r) {
		return document.Staged{}, im.fail(ctx, r, span, cferrors.Cancelled("import", req.Path), StageTransferring, attrs...)
	}
	enter(r, span, StageTransferring)

	err = guard(func() error {
		return im.hooks.RunPostRead(ctx, f, staged.Graph, progress.Scope(r, readEnd, 0.95))
	})
	if err != nil {
		if cancelled(ctx, r) {
			err = cferrors.Cancelled("import", req.Path)
		} else {
			err = cferrors.FileTransferProblem(req.Path, f.String(), err)
		}
		return document.Staged{}, im.fail(ctx, r, span, err, StageTransferring, attrs...)
	}

	im.logger.DebugContext(ctx, "staged", append(attrs, "nodes", staged.Graph.Count(), "elapsed", time.Since(start))...)
	return staged, nil
}

// commit merges a staged graph into doc under its lock.
func (im *Importer) commit(ctx context.Context, doc *document.Document, s document.Staged, r progress.Reporter, span trace.Span) (document.Delta, error) {
	attrs := []any{"path", s.Path, "format", s.Format.String()}
	if cancelled(ctx, r) {
		return document.Delta{}, im.fail(ctx, r, span, cferrors.Cancelled("import", s.Path), StageTransferring, attrs...)
	}

	delta, err := doc.Merge(s)
	if err != nil {
		return document.Delta{}, im.fail(ctx, r, span, cferrors.FileTransferProblem(s.Path, s.Format.String(), err), StageTransferring, attrs...)
	}
	enter(r, span, StageCommitted)
	r.Report(transferEnd, "")
	im.logger.InfoContext(ctx, "imported", append(attrs, "document", doc.Name(), "nodes", delta.Nodes)...)
	return delta, nil
}

// resolve returns the format of req: explicit, by extension, then by content.
// The file size is returned when it had to be sampled, -1 otherwise.
func (im *Importer) resolve(ctx context.Context, req ImportRequest) (format.Format, int64, error) {
	if req.Format != format.Unknown {
		if !im.reg.Supports(req.Format, plugin.RoleReader) {
			return format.Unknown, -1, cferrors.UnsupportedFormat(req.Format.String(), plugin.RoleReader.String()).WithPath(req.Path)
		}
		return req.Format, -1, nil
	}
	if f, err := im.reg.ResolveByExtension(req.Path, plugin.RoleReader); err == nil {
		return f, -1, nil
	}

	in, err := im.reg.ReadHead(ctx, im.storage, req.Path)
	if err != nil {
		return format.Unknown, -1, cferrors.FileReadProblem(req.Path, "", err)
	}
	f, err := im.reg.ResolveByContent(in, plugin.RoleReader)
	if err != nil {
		return format.Unknown, in.Size, err
	}
	return f, in.Size, nil
}

// readError classifies a failure of the Reading stage.
func (im *Importer) readError(ctx context.Context, r progress.Reporter, path string, f format.Format, err error) error {
	if cancelled(ctx, r) || errors.Is(err, context.Canceled) {
		return cferrors.Cancelled("import", path)
	}
	return cferrors.FileReadProblem(path, f.String(), err)
}

// withPath attaches path to coded errors that lack one.
func withPath(err error, path string) error {
	var e *cferrors.Error
	if errors.As(err, &e) && e.Path == "" {
		e.Path = path
	}
	return err
}
