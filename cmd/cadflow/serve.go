package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/cadflow/cadflow/pkg/convert"
	"github.com/cadflow/cadflow/pkg/format"
	"github.com/cadflow/cadflow/pkg/lifecycle"
	"github.com/cadflow/cadflow/pkg/plugin"
	"github.com/cadflow/cadflow/pkg/queue"
	"github.com/cadflow/cadflow/pkg/watch"
)

// Service flags
var (
	watchTargets  []string
	watchOutDir   string
	watchDebounce time.Duration

	workerCount  int
	drainTimeout time.Duration

	submitExports []string
	submitFormat  string
)

var watchCmd = &cobra.Command{
	Use:   "watch <dir...>",
	Short: "Convert files dropped into directories",
	Long: `Watch directories and convert every readable file written there, once it
stops changing, into each target format.

Targets and the output directory default to the watch section of the
configuration file.

Examples:
  cadflow watch ./inbox --to stl --to ply
  cadflow watch ./inbox --to obj --out ./converted`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWatch,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run queued conversion jobs",
	Long: `Consume conversion jobs from the AMQP queue and run them until interrupted.

Failures that may pass on a second attempt (I/O problems, cancellation) are
requeued once; format and parameter errors are dropped.

Examples:
  cadflow worker
  cadflow worker --workers 8`,
	RunE: runWorker,
}

var submitCmd = &cobra.Command{
	Use:   "submit <input...> -e <output>",
	Short: "Queue a conversion for the workers",
	Long: `Publish a conversion job to the AMQP queue. Inputs and outputs must be
reachable by the workers, e.g. s3:// or http:// locations.

Examples:
  cadflow submit s3://parts/a.step -e s3://out/a.stl
  cadflow submit s3://parts/a.obj s3://parts/b.obj -e s3://out/ab.ply --all-or-nothing`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSubmit,
}

func init() {
	watchCmd.Flags().StringArrayVar(&watchTargets, "to", nil, "Target format (repeatable)")
	watchCmd.Flags().StringVarP(&watchOutDir, "out", "o", "", "Output directory (default: next to the input)")
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", 0, "Quiet period before a file is converted")
	watchCmd.Flags().DurationVar(&drainTimeout, "drain-timeout", 30*time.Second, "Time allowed for running conversions at shutdown")

	workerCmd.Flags().IntVarP(&workerCount, "workers", "w", 0, "Concurrent jobs (default from config)")
	workerCmd.Flags().DurationVar(&drainTimeout, "drain-timeout", 30*time.Second, "Time allowed for running jobs at shutdown")

	submitCmd.Flags().StringArrayVarP(&submitExports, "export", "e", nil, "Output location (repeatable)")
	submitCmd.Flags().StringVar(&submitFormat, "to", "", "Output format for every -e location")
	submitCmd.Flags().StringArrayVar(&readerSets, "set", nil, "Reader parameter override (key=value or format.key=value)")
	submitCmd.Flags().StringArrayVar(&writerSets, "out-set", nil, "Writer parameter override (key=value or format.key=value)")
	submitCmd.Flags().BoolVar(&allOrNothing, "all-or-nothing", false, "Fail the whole job if any input fails")
	submitCmd.MarkFlagRequired("export")

	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(submitCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg := app.cfg.Watch
	names := watchTargets
	if len(names) == 0 {
		names = cfg.Targets
	}
	if len(names) == 0 {
		return errors.New("no target formats (use --to or watch.targets in the config)")
	}
	targets := make([]format.Format, 0, len(names))
	for _, n := range names {
		f, err := format.Parse(n)
		if err != nil {
			return err
		}
		if !app.reg.Supports(f, plugin.RoleWriter) {
			return fmt.Errorf("no writer for %s", f.Name())
		}
		targets = append(targets, f)
	}
	outDir := watchOutDir
	if outDir == "" {
		outDir = cfg.OutDir
	}
	if outDir != "" {
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return err
		}
	}
	debounce := watchDebounce
	if debounce == 0 {
		debounce = cfg.Debounce
	}

	w, err := watch.New(debounce)
	if err != nil {
		return err
	}
	for _, dir := range args {
		if err := w.Add(dir); err != nil {
			w.Close()
			return err
		}
	}

	lm := lifecycle.New(lifecycle.Config{DrainTimeout: drainTimeout, Logger: app.log.Named("lifecycle")})
	lm.Register("watcher", w)
	log := app.log.Named("watch")

	// outputs written by this process must not be converted again
	var produced sync.Map
	w.Accept = func(path string) bool {
		if _, ok := produced.Load(path); ok {
			return false
		}
		_, err := app.reg.ResolveByExtension(path, plugin.RoleReader)
		return err == nil
	}
	w.OnFile = func(ctx context.Context, path string) error {
		if !lm.Begin() {
			return nil
		}
		defer lm.End()

		req, err := convert.ForFile(path, outDir, targets)
		if err != nil {
			return err
		}
		for _, t := range req.Targets {
			if abs, err := filepath.Abs(t.Path); err == nil {
				produced.Store(abs, struct{}{})
			}
		}
		res, err := app.svc.Convert(ctx, req)
		app.out.Result(res)
		return err
	}
	w.OnError = func(path string, err error) {
		log.Error("conversion failed", "path", path, "error", err)
		app.out.Error(err)
	}

	app.out.Header(version)
	for _, dir := range args {
		app.out.Code("Watching", dir)
	}
	app.out.Muted("press Ctrl+C to stop")
	return lm.Run(cmd.Context(), w.Run)
}

func runWorker(cmd *cobra.Command, args []string) error {
	qc := app.cfg.Queue
	q, err := queue.Dial(queue.Config{
		URL:      qc.URL,
		Queue:    qc.Queue,
		Prefetch: qc.Prefetch,
		Durable:  true,
	}, app.log.Named("queue"))
	if err != nil {
		return err
	}

	lm := lifecycle.New(lifecycle.Config{DrainTimeout: drainTimeout, Logger: app.log.Named("lifecycle")})
	lm.Register("queue", q)
	log := app.log.Named("worker")

	workers := workerCount
	if workers <= 0 {
		workers = qc.Workers
	}

	handler := func(ctx context.Context, job queue.Job) error {
		if !lm.Begin() {
			return errors.New("worker is shutting down")
		}
		defer lm.End()

		req, err := convert.FromJob(job)
		if err != nil {
			return err
		}
		log.InfoContext(ctx, "job started", "job", job.ID, "inputs", len(job.Inputs), "targets", len(job.Targets))
		res, err := app.svc.Convert(ctx, req)
		if err != nil {
			return err
		}
		log.InfoContext(ctx, "job done", "job", job.ID, "elapsed", res.Elapsed)
		return nil
	}

	app.out.Header(version)
	app.out.Code("Queue", qc.Queue)
	app.out.Field("Workers", fmt.Sprint(workers))
	return lm.Run(cmd.Context(), func(ctx context.Context) error {
		return q.Consume(ctx, workers, handler)
	})
}

func runSubmit(cmd *cobra.Command, args []string) error {
	if submitFormat != "" {
		if _, err := format.Parse(submitFormat); err != nil {
			return err
		}
	}
	readerOverrides, err := parseAssignments(readerSets)
	if err != nil {
		return err
	}
	writerOverrides, err := parseAssignments(writerSets)
	if err != nil {
		return err
	}

	targets := make([]queue.Target, 0, len(submitExports))
	for _, e := range submitExports {
		targets = append(targets, queue.Target{Path: e, Format: submitFormat, Overrides: writerOverrides})
	}
	job := queue.NewJob(args, targets...)
	job.Overrides = readerOverrides
	job.AllOrNothing = allOrNothing

	qc := app.cfg.Queue
	q, err := queue.Dial(queue.Config{URL: qc.URL, Queue: qc.Queue, Durable: true}, app.log.Named("queue"))
	if err != nil {
		return err
	}
	defer q.Close()

	ctx := cmd.Context()
	if app.tracer != nil {
		var span trace.Span
		ctx, span = app.tracer.Start(ctx, "submit")
		defer span.End()
	}
	if err := q.Publish(ctx, job); err != nil {
		return err
	}
	app.out.Code("Job", job.ID)
	return nil
}
