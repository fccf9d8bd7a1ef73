// Package pipeline runs imports and exports as staged state machines.
//
// An import moves a file through Probing, Reading and Transferring before it
// is Committed to a document; an export moves a selection through
// Configuring and Writing. Any stage may end in Aborted. Cancellation is
// polled before each transition, through the task flag and the context.
package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	cferrors "github.com/cadflow/cadflow/pkg/errors"
	"github.com/cadflow/cadflow/pkg/format"
	"github.com/cadflow/cadflow/pkg/hooks"
	"github.com/cadflow/cadflow/pkg/progress"
	"github.com/cadflow/cadflow/pkg/property"
	"github.com/cadflow/cadflow/pkg/registry"
	"github.com/cadflow/cadflow/pkg/storage"
)

const tracerName = "github.com/cadflow/cadflow/pkg/pipeline"

// Stage is a state of the import or export state machine.
type Stage uint8

const (
	StageIdle Stage = iota
	StageProbing
	StageReading
	StageTransferring
	StageConfiguring
	StageWriting
	StageCommitted
	StageAborted
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageProbing:
		return "probing"
	case StageReading:
		return "reading"
	case StageTransferring:
		return "transferring"
	case StageConfiguring:
		return "configuring"
	case StageWriting:
		return "writing"
	case StageCommitted:
		return "committed"
	case StageAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Progress shares of the import stages.
const (
	probeEnd    = 0.10
	readEnd     = 0.70
	transferEnd = 1.0
)

// Option configures an Importer or Exporter.
type Option func(*base)

// WithHooks sets the hooks run around reads and writes.
func WithHooks(h *hooks.HookManager) Option {
	return func(b *base) { b.hooks = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *base) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithTracer sets the tracer. The global provider is used otherwise.
func WithTracer(t trace.Tracer) Option {
	return func(b *base) {
		if t != nil {
			b.tracer = t
		}
	}
}

// WithWorkers bounds the files imported concurrently by a batch.
func WithWorkers(n int) Option {
	return func(b *base) {
		if n > 0 {
			b.workers = n
		}
	}
}

// WithAllOrNothing makes batch imports commit only when every file succeeds.
func WithAllOrNothing(v bool) Option {
	return func(b *base) { b.allOrNothing = v }
}

// base holds what importers and exporters share.
type base struct {
	reg     *registry.Registry
	storage storage.Storage
	hooks   *hooks.HookManager
	logger  *slog.Logger
	tracer  trace.Tracer

	workers      int
	allOrNothing bool
}

func newBase(reg *registry.Registry, st storage.Storage, opts []Option) base {
	b := base{
		reg:     reg,
		storage: st,
		logger:  slog.Default(),
		tracer:  otel.Tracer(tracerName),
		workers: 4,
	}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

// stager is implemented by progress.Task.
type stager interface {
	SetStage(stage string)
}

func enter(r progress.Reporter, span trace.Span, s Stage) {
	if st, ok := r.(stager); ok {
		st.SetStage(s.String())
	}
	span.AddEvent(s.String())
}

// cancelled reports a pending cancellation through the context or reporter.
func cancelled(ctx context.Context, r progress.Reporter) bool {
	return ctx.Err() != nil || r.Cancelled()
}

// applyOverrides returns the parameters of format f with textual overrides
// applied. A key qualified with a format id, e.g. "stl.targetFormat", only
// applies to that format and must be declared by it. Unqualified keys apply
// wherever params declares them. Errors are InvalidValue or UnknownProperty.
func applyOverrides(params property.Values, f format.Format, overrides map[string]string) (property.Values, error) {
	var err error
	for key, text := range overrides {
		name, only := SplitOverride(key)
		if only != format.Unknown && only != f {
			continue
		}
		if only == format.Unknown && !params.Has(name) {
			continue
		}
		if params, err = params.WithText(name, text); err != nil {
			return params, err
		}
	}
	return params, nil
}

// SplitOverride splits an override key into the property name and the
// format it is restricted to, Unknown when unqualified.
func SplitOverride(key string) (string, format.Format) {
	if prefix, name, ok := strings.Cut(key, "."); ok {
		if f, err := format.Parse(prefix); err == nil {
			return name, f
		}
	}
	return key, format.Unknown
}

// applyMetadata copies hook metadata into the parameters of the same name
// that still hold their default.
func applyMetadata(params property.Values, metadata map[string]string) (property.Values, error) {
	var err error
	for name, text := range metadata {
		if !params.Has(name) || !params.IsDefault(name) {
			continue
		}
		if params, err = params.WithText(name, text); err != nil {
			return params, err
		}
	}
	return params, nil
}

// fail records err on the span and tags it with the stage it ended.
func (b *base) fail(ctx context.Context, r progress.Reporter, span trace.Span, err error, stage Stage, attrs ...any) error {
	var e *cferrors.Error
	if errors.As(err, &e) {
		e.WithContext("stage", stage.String())
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	enter(r, span, StageAborted)

	if cferrors.IsCode(err, cferrors.CodeCancelled) {
		b.logger.InfoContext(ctx, "cancelled", append(attrs, "stage", stage.String())...)
	} else {
		b.logger.WarnContext(ctx, "stage failed", append(attrs, "stage", stage.String(), "error", err)...)
	}
	return err
}

// guard converts a panic in fn into a Panic error.
func guard(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = cferrors.Newf(cferrors.CodePanic, "panic: %v", rec)
		}
	}()
	return fn()
}

// countingWriter counts the bytes that reached the destination.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
