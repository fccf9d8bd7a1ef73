// Package convert runs a complete conversion: import a set of files into one
// document, then export it to every target. It is shared by the CLI, the
// watch folder and the queue worker, and records each step in the journal.
package convert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/cadflow/cadflow/pkg/document"
	cferrors "github.com/cadflow/cadflow/pkg/errors"
	"github.com/cadflow/cadflow/pkg/format"
	"github.com/cadflow/cadflow/pkg/hooks"
	"github.com/cadflow/cadflow/pkg/journal"
	"github.com/cadflow/cadflow/pkg/kernel"
	"github.com/cadflow/cadflow/pkg/pipeline"
	"github.com/cadflow/cadflow/pkg/progress"
	"github.com/cadflow/cadflow/pkg/registry"
	"github.com/cadflow/cadflow/pkg/storage"
)

// Recorder stores finished imports and exports. *journal.Journal satisfies it.
type Recorder interface {
	Record(ctx context.Context, e journal.Entry) error
}

// Options configures a Service.
type Options struct {
	Registry *registry.Registry
	Storage  storage.Storage
	// Kernel is asked to mesh boundary representation input when a target
	// is a mesh format, if it implements kernel.Mesher.
	Kernel  kernel.Kernel
	Tasks   *progress.Manager
	Journal Recorder
	Logger  *slog.Logger
	Tracer  trace.Tracer

	Workers      int
	AllOrNothing bool
	// Timeout bounds one Convert call; zero means none.
	Timeout time.Duration
	// Generator names the originating system in written file headers. It
	// fills writer parameters left at their default, "cadflow" when empty.
	Generator string
}

// Request is one conversion.
type Request struct {
	// Name of the document; the first input's stem when empty.
	Name    string
	Inputs  []pipeline.ImportRequest
	Targets []pipeline.ExportRequest
	// AllOrNothing overrides Options.AllOrNothing when set.
	AllOrNothing *bool
}

// Result is the outcome of Convert.
type Result struct {
	Document *document.Document
	Imports  *pipeline.BatchResult
	Exports  *pipeline.MultiResult
	Elapsed  time.Duration
}

// Service runs conversions.
type Service struct {
	opts   Options
	logger *slog.Logger
}

// New creates a service.
func New(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tasks == nil {
		opts.Tasks = progress.NewManager()
	}
	return &Service{opts: opts, logger: opts.Logger}
}

// Tasks returns the task manager reporting conversion progress.
func (s *Service) Tasks() *progress.Manager { return s.opts.Tasks }

// Convert imports req.Inputs and exports the resulting document to every
// target. Overrides are checked before any file is read. Without
// all-or-nothing, files that fail to import are reported and the rest is
// still exported. The returned error combines import and
// export failures.
func (s *Service) Convert(ctx context.Context, req Request) (*Result, error) {
	if len(req.Inputs) == 0 {
		return nil, errors.New("convert: no input files")
	}
	if err := CheckOverrides(s.opts.Registry, req); err != nil {
		return nil, err
	}
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	name := req.Name
	if name == "" {
		name = stem(req.Inputs[0].Path)
	}
	doc := document.New(name)
	res := &Result{Document: doc}

	allOrNothing := s.opts.AllOrNothing
	if req.AllOrNothing != nil {
		allOrNothing = *req.AllOrNothing
	}

	importErr := s.importAll(ctx, doc, req, allOrNothing, res)
	if importErr != nil && (allOrNothing || doc.Count() == 0) {
		res.Elapsed = time.Since(start)
		return res, importErr
	}

	exportErr := s.exportAll(ctx, doc, req.Targets, res)
	res.Elapsed = time.Since(start)
	return res, errors.Join(importErr, exportErr)
}

func (s *Service) importAll(ctx context.Context, doc *document.Document, req Request, allOrNothing bool, res *Result) error {
	imp := pipeline.NewImporter(s.opts.Registry, s.opts.Storage,
		pipeline.WithHooks(s.importHooks(req.Targets)),
		pipeline.WithLogger(s.logger),
		pipeline.WithTracer(s.opts.Tracer),
		pipeline.WithWorkers(s.opts.Workers),
		pipeline.WithAllOrNothing(allOrNothing),
	)

	task := s.opts.Tasks.NewTask(ctx, "Importing...")
	started := time.Now()
	batch, err := imp.RunBatch(task.Context(), doc, req.Inputs, task)
	res.Imports = batch

	if err == nil {
		task.SetTitle(fmt.Sprintf("Imported %d file(s)", len(req.Inputs)))
	} else {
		task.SetTitle(fmt.Sprintf("Import failed for %d of %d file(s)", batch.Failed(), len(req.Inputs)))
	}
	s.opts.Tasks.End(task.ID(), err)

	for _, f := range batch.Files {
		e := journal.Entry{
			Kind:     journal.KindImport,
			Path:     f.Request.Path,
			Format:   formatName(f.Delta.Format, f.Request.Format, f.Err),
			Document: doc.Name(),
			Nodes:    f.Delta.Nodes,
			Started:  started,
			Duration: time.Since(started),
		}
		e.FromError(f.Err)
		s.record(ctx, e)
	}
	return err
}

func (s *Service) exportAll(ctx context.Context, doc *document.Document, targets []pipeline.ExportRequest, res *Result) error {
	if len(targets) == 0 {
		return nil
	}
	exp := pipeline.NewExporter(s.opts.Registry, s.opts.Storage,
		pipeline.WithHooks(s.exportHooks()),
		pipeline.WithLogger(s.logger),
		pipeline.WithTracer(s.opts.Tracer),
	)

	task := s.opts.Tasks.NewTask(ctx, "Exporting...")
	started := time.Now()
	multi, err := exp.RunAll(task.Context(), document.All(doc), targets, task)
	res.Exports = multi

	for _, w := range multi.Written {
		e := journal.Entry{
			Kind:     journal.KindExport,
			Path:     w.Path,
			Format:   w.Format.String(),
			Document: doc.Name(),
			Bytes:    w.Bytes,
			Nodes:    w.Nodes,
			Started:  started,
			Duration: w.Duration,
		}
		e.FromError(nil)
		s.record(ctx, e)
	}
	if err != nil {
		failed := targets[len(multi.Written)]
		e := journal.Entry{
			Kind:     journal.KindExport,
			Path:     failed.Path,
			Format:   formatName(format.Unknown, failed.Format, err),
			Document: doc.Name(),
			Started:  started,
			Duration: time.Since(started),
		}
		e.FromError(err)
		s.record(ctx, e)
		task.SetTitle(fmt.Sprintf("Export of %s failed", filepath.Base(failed.Path)))
	} else {
		names := make([]string, len(multi.Written))
		for i, w := range multi.Written {
			names[i] = filepath.Base(w.Path)
		}
		task.SetTitle("Exported " + strings.Join(names, ", "))
	}
	s.opts.Tasks.End(task.ID(), err)
	return err
}

// importHooks meshes boundary representation input when a target needs
// mesh data and the kernel can provide it.
func (s *Service) importHooks(targets []pipeline.ExportRequest) *hooks.HookManager {
	hm := hooks.NewHookManager()
	if m, ok := s.opts.Kernel.(kernel.Mesher); ok && anyMeshTarget(targets) {
		hm.RegisterPostRead(hooks.MeshingHook(m))
	}
	return hm
}

func (s *Service) exportHooks() *hooks.HookManager {
	hm := hooks.NewHookManager()
	generator := s.opts.Generator
	if generator == "" {
		generator = "cadflow"
	}
	hm.RegisterPreWrite(hooks.MetadataHook(map[string]string{"headerOriginatingSystem": generator}))
	hm.RegisterPostWrite(hooks.LoggingHook(s.logger))
	return hm
}

func (s *Service) record(ctx context.Context, e journal.Entry) {
	if s.opts.Journal == nil {
		return
	}
	if err := s.opts.Journal.Record(context.WithoutCancel(ctx), e); err != nil {
		s.logger.WarnContext(ctx, "journal entry lost", "path", e.Path, "error", err)
	}
}

func anyMeshTarget(targets []pipeline.ExportRequest) bool {
	for _, t := range targets {
		if TargetFormat(t).ProvidesMesh() {
			return true
		}
	}
	return false
}

// TargetFormat returns the explicit format of t, else the first format whose
// suffix matches its path.
func TargetFormat(t pipeline.ExportRequest) format.Format {
	if t.Format != format.Unknown {
		return t.Format
	}
	for _, f := range format.All() {
		if f.MatchesPath(t.Path) {
			return f
		}
	}
	return format.Unknown
}

// formatName picks the best known format name for a journal entry.
func formatName(resolved, requested format.Format, err error) string {
	switch {
	case resolved != format.Unknown:
		return resolved.String()
	case requested != format.Unknown:
		return requested.String()
	}
	var e *cferrors.Error
	if errors.As(err, &e) && e.Format != "" {
		return e.Format
	}
	return ""
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
