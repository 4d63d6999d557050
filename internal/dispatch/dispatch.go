// Package dispatch fans one tool invocation out over many input files.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cli2rest/cli2rest/internal/endpoint"
	"github.com/cli2rest/cli2rest/internal/ledger"
	"github.com/cli2rest/cli2rest/internal/output"
	"github.com/cli2rest/cli2rest/internal/telemetry"
	"github.com/cli2rest/cli2rest/internal/toolconfig"
	"github.com/cli2rest/cli2rest/internal/transfer"
	"github.com/cli2rest/cli2rest/pkg/api"
)

var tracer = otel.Tracer("github.com/cli2rest/cli2rest/internal/dispatch")

// ErrMetadataPathCollision is returned when several inputs would write their
// metadata to the same untemplated path.
var ErrMetadataPathCollision = errors.New("metadata path must be a template when processing several inputs")

// ErrOutputCollision is returned when two inputs would write the same output
// or metadata file.
var ErrOutputCollision = errors.New("inputs map to the same output file")

// Dispatcher runs the configured tool over a set of inputs against one
// endpoint. Config, Client and Writer are shared read-only by all workers.
type Dispatcher struct {
	Config *toolconfig.ToolConfig
	// Client is a template; its BaseURL is replaced by the endpoint's.
	Client *transfer.Client
	Writer *output.Writer
	// Workers bounds concurrent exchanges; <= 0 means runtime.NumCPU().
	Workers int
	// Recorder, when set, stores the run in the ledger.
	Recorder *ledger.Store
	Metrics  *telemetry.RunMetrics
}

// Options are per-run template inputs.
type Options struct {
	Params     map[string]string
	Decompress bool
}

// FileResult is one input's terminal outcome including what was written.
type FileResult struct {
	*transfer.Result
	Report   *output.Report
	WriteErr error
}

// OK reports whether the exchange completed and every output was saved.
func (r FileResult) OK() bool {
	if r.Result == nil || !r.Status.Succeeded() || r.WriteErr != nil {
		return false
	}
	return r.Report == nil || len(r.Report.Failed) == 0
}

// Summary collects one result per input, in input order.
type Summary struct {
	Endpoint  string
	Results   []FileResult
	Succeeded int
	Failed    int
}

// OK reports whether every file succeeded.
func (s *Summary) OK() bool { return s.Failed == 0 && s.Succeeded == len(s.Results) }

func (d *Dispatcher) workers(n int) int {
	w := d.Workers
	if w <= 0 {
		w = runtime.NumCPU()
	}
	if w > n {
		w = n
	}
	if w < 1 {
		w = 1
	}
	return w
}

type task struct {
	idx    int
	path   string
	ctx    context.Context
	client *transfer.Client
	opts   Options
	run    *ledger.Run
	out    []FileResult
	wg     *sync.WaitGroup
}

// Run acquires the endpoint, processes every file on a bounded pool and
// releases the endpoint once all workers are done. Endpoint errors are
// returned before any file is processed; per-file failures never stop the
// others and are reported in the summary.
func (d *Dispatcher) Run(ctx context.Context, acquire endpoint.Acquirer, files []string, opts Options) (*Summary, error) {
	if d.Config == nil || d.Client == nil || d.Writer == nil {
		return nil, errors.New("dispatcher is missing config, client or writer")
	}
	if len(files) > 1 && d.Writer.MetadataPath != "" && !strings.Contains(d.Writer.MetadataPath, "{{") {
		return nil, ErrMetadataPathCollision
	}
	if err := d.checkTargets(files, opts); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "dispatch.run")
	defer span.End()
	span.SetAttributes(attribute.String("tool", d.Config.Name), attribute.Int("files", len(files)))

	var summary *Summary
	err := endpoint.With(ctx, acquire, func(ctx context.Context, ep *endpoint.Endpoint) error {
		var err error
		summary, err = d.dispatch(ctx, ep, files, opts)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("succeeded", summary.Succeeded), attribute.Int("failed", summary.Failed))
	return summary, nil
}

// checkTargets renders every input's output paths up front. Inputs whose
// templates fail are skipped here and fail on their own when written.
func (d *Dispatcher) checkTargets(files []string, opts Options) error {
	owner := make(map[string]string)
	for _, f := range files {
		vars := transfer.Vars(d.Config, f, opts.Params, opts.Decompress)
		targets, err := d.Writer.Targets(vars, d.Config.OutputFiles)
		if err != nil {
			continue
		}
		if d.Writer.MetadataPath != "" {
			if p, err := transfer.Render(d.Writer.MetadataPath, vars); err == nil {
				targets = append(targets, p)
			}
		}
		for _, t := range targets {
			t = filepath.Clean(t)
			if prev, ok := owner[t]; ok && prev != f {
				return fmt.Errorf("%w: %s and %s both write %s", ErrOutputCollision, prev, f, t)
			}
			owner[t] = f
		}
	}
	return nil
}

func (d *Dispatcher) dispatch(ctx context.Context, ep *endpoint.Endpoint, files []string, opts Options) (*Summary, error) {
	client := *d.Client
	client.BaseURL = ep.BaseURL

	var run *ledger.Run
	if d.Recorder != nil {
		r, err := d.Recorder.BeginRun(ctx, d.Config.Name, ep.BaseURL, len(files))
		if err != nil {
			log.Warn().Err(err).Msg("Run will not be recorded in the ledger")
		} else {
			run = r
		}
	}

	workers := d.workers(len(files))
	out := make([]FileResult, len(files))
	var wg sync.WaitGroup
	pool, err := ants.NewPoolWithFunc(workers, func(arg any) {
		t := arg.(*task)
		defer t.wg.Done()
		t.out[t.idx] = d.process(t.ctx, t.client, t.path, t.opts, t.run)
	})
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	defer pool.Release()

	log.Info().Str("tool", d.Config.Name).Str("endpoint", ep.BaseURL).
		Int("files", len(files)).Int("workers", workers).Msg("Dispatching")

	for i, f := range files {
		wg.Add(1)
		t := &task{idx: i, path: f, ctx: ctx, client: &client, opts: opts, run: run, out: out, wg: &wg}
		if err := pool.Invoke(t); err != nil {
			// The pool blocks rather than rejects; this only fires once it is closed.
			wg.Done()
			out[i] = FileResult{Result: transfer.Failure(transfer.Request{InputPath: f, OutputFiles: d.Config.OutputFiles},
				api.StatusFailedLocal, fmt.Errorf("schedule: %w", err))}
		}
	}
	wg.Wait()

	s := &Summary{Endpoint: ep.BaseURL, Results: out}
	for _, r := range out {
		if r.OK() {
			s.Succeeded++
		} else {
			s.Failed++
		}
	}
	d.Metrics.RecordRun(workers, s.Succeeded, s.Failed)
	if run != nil {
		if err := run.Finish(context.WithoutCancel(ctx), s.Succeeded, s.Failed); err != nil {
			log.Warn().Err(err).Msg("Failed to finish ledger run")
		}
	}
	log.Info().Int("succeeded", s.Succeeded).Int("failed", s.Failed).Msg("Run finished")
	return s, nil
}

// process never panics; a panic anywhere in the exchange becomes a local
// failure for that file.
func (d *Dispatcher) process(ctx context.Context, client *transfer.Client, path string, opts Options, run *ledger.Run) (fr FileResult) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			req := transfer.Request{InputPath: path, Arguments: d.Config.Arguments, OutputFiles: d.Config.OutputFiles}
			fr = FileResult{Result: transfer.Failure(req, api.StatusFailedLocal, fmt.Errorf("worker panic: %v", p))}
			log.Error().Str("file", path).Interface("panic", p).Msg("Worker panicked")
		}
		d.finish(ctx, fr, path, time.Since(start), run)
	}()

	req, err := transfer.BuildRequest(d.Config, path, opts.Params, opts.Decompress)
	var res *transfer.Result
	if err != nil {
		res = transfer.Failure(req, api.StatusFailedLocal, err)
	} else {
		res = client.Invoke(ctx, req)
	}
	fr = FileResult{Result: res}

	vars := transfer.Vars(d.Config, path, opts.Params, opts.Decompress)
	fr.Report, fr.WriteErr = d.Writer.Write(res, vars)
	return fr
}

func (d *Dispatcher) finish(ctx context.Context, fr FileResult, path string, elapsed time.Duration, run *ledger.Run) {
	res := fr.Result
	if res.Elapsed == 0 {
		res.Elapsed = elapsed
	}

	var inputBytes int64
	if fi, err := os.Stat(path); err == nil {
		inputBytes = fi.Size()
	}
	d.Metrics.RecordFile(string(res.Status), elapsed, inputBytes)
	if fr.Report != nil {
		d.Metrics.RecordOutputs(len(fr.Report.Written), len(fr.Report.Failed))
	}

	ev := log.Info()
	if !fr.OK() {
		ev = log.Error()
	}
	ev = ev.Str("file", path).Str("status", string(res.Status)).Dur("elapsed", elapsed)
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		ev = ev.Str("trace_id", sc.TraceID().String())
	}
	if res.Err != nil {
		ev = ev.Err(res.Err)
	}
	if len(res.MissingFiles) > 0 {
		ev = ev.Strs("missing", res.MissingFiles)
	}
	if fr.Report != nil {
		if err := fr.Report.Err(); err != nil {
			ev = ev.AnErr("write_error", err)
		}
	}
	if fr.WriteErr != nil {
		ev = ev.AnErr("output_error", fr.WriteErr)
	}
	ev.Msg("File done")

	if run != nil {
		if err := run.RecordFile(context.WithoutCancel(ctx), res); err != nil {
			log.Warn().Err(err).Str("file", path).Msg("Failed to record file in ledger")
		}
	}
}
