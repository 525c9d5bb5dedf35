// Package coordinator implements the batch coordinator: it enumerates
// input files, dispatches them to the instance pool,
// invokes the annotator and parses/writes its output, records outcomes
// in the state manager, hands failures to the retry controller, and
// publishes progress events throughout.
package coordinator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	concpool "github.com/sourcegraph/conc/pool"
	"github.com/spf13/afero"

	"github.com/jpequegn/metamaprun/internal/concept"
	"github.com/jpequegn/metamaprun/internal/csvwriter"
	"github.com/jpequegn/metamaprun/internal/daemon"
	"github.com/jpequegn/metamaprun/internal/errkind"
	"github.com/jpequegn/metamaprun/internal/invoker"
	"github.com/jpequegn/metamaprun/internal/pathkey"
	"github.com/jpequegn/metamaprun/internal/pool"
	"github.com/jpequegn/metamaprun/internal/progress"
	"github.com/jpequegn/metamaprun/internal/retry"
	"github.com/jpequegn/metamaprun/internal/state"
	"github.com/jpequegn/metamaprun/internal/xmlparser"
)

// InvokeFunc runs the annotator against input text and returns its raw
// result; substitutable in tests so they never spawn a real process.
type InvokeFunc func(ctx context.Context, cfg invoker.Config, input string) (invoker.Result, error)

// ParseFunc parses annotator XML output into concepts; substitutable in
// tests for the same reason.
type ParseFunc func(r io.Reader) ([]*concept.Concept, error)

// Options configures one coordinator run.
type Options struct {
	InputRoot        string
	OutputRoot       string
	InputExt         string // default ".txt"
	AnnotatorPath    string
	AnnotatorOptions string
	PerFileTimeout   time.Duration
	PoolSize         int
	LeaseTimeout     time.Duration // default 30s
	RetryPolicy      retry.Policy
	DiagnosticDir    string // default <OutputRoot>/diagnostics
	WorkDir          string // default <OutputRoot>/.tmp
	RetryFailedOnly  bool
}

// Counters are the aggregate totals returned at the end of a run.
type Counters struct {
	Completed int
	Failed    int
	Retried   int
	Skipped   int // already completed on entry, not re-processed
}

// Interrupted is returned by Run when ctx was cancelled before the
// queue fully drained.
type Interrupted struct {
	Counters Counters
}

func (e *Interrupted) Error() string {
	return fmt.Sprintf("coordinator: interrupted: %d completed, %d failed before cancellation", e.Counters.Completed, e.Counters.Failed)
}

// Aborted is returned by Run when a daemon_unreachable failure persisted
// through the batch's single daemon restart attempt. It is the only
// per-job failure that escalates to aborting the whole batch.
type Aborted struct {
	Counters Counters
	Cause    error
}

func (e *Aborted) Error() string {
	return fmt.Sprintf("coordinator: aborted after failed daemon restart: %v", e.Cause)
}

func (e *Aborted) Unwrap() error { return e.Cause }

// Coordinator owns the batch run for one input/output pair.
type Coordinator struct {
	Fs         afero.Fs
	Supervisor *daemon.Supervisor
	State      *state.Manager
	Bus        *progress.Bus
	Invoke     InvokeFunc
	Parse      ParseFunc
	Logger     *slog.Logger

	opts Options
	pool *pool.Pool

	nextJobID int64

	// daemonRestartAttempted guards the one-restart-then-abort
	// escalation: a batch gets exactly one daemon restart across all jobs.
	daemonRestartAttempted atomic.Bool
	abortOnce              sync.Once
	abortCh                chan struct{}
	abortErr               error
}

// New builds a Coordinator. Invoke and Parse default to the real
// annotator invoker and XML parser when nil.
func New(opts Options, fs afero.Fs, supervisor *daemon.Supervisor, mgr *state.Manager, bus *progress.Bus, logger *slog.Logger) *Coordinator {
	if opts.InputExt == "" {
		opts.InputExt = ".txt"
	}
	if opts.LeaseTimeout == 0 {
		opts.LeaseTimeout = 30 * time.Second
	}
	if opts.DiagnosticDir == "" {
		opts.DiagnosticDir = filepath.Join(opts.OutputRoot, "diagnostics")
	}
	if opts.WorkDir == "" {
		opts.WorkDir = filepath.Join(opts.OutputRoot, ".tmp")
	}
	if opts.RetryPolicy.MaxAttempts == 0 {
		opts.RetryPolicy = retry.DefaultPolicy
	}
	if logger == nil {
		logger = slog.Default()
	}

	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = pool.ResolveDefaultSize()
	}

	return &Coordinator{
		Fs:         fs,
		Supervisor: supervisor,
		State:      mgr,
		Bus:        bus,
		Invoke:     invoker.Invoke,
		Parse:      parseAdapter,
		Logger:     logger,
		opts:       opts,
		pool:       pool.New(poolSize),
		abortCh:    make(chan struct{}),
	}
}

// triggerAbort records the cause of a batch abort and closes abortCh,
// exactly once, so every in-flight worker notices on its next loop.
func (c *Coordinator) triggerAbort(err error) {
	c.abortOnce.Do(func() {
		c.abortErr = err
		close(c.abortCh)
	})
}

// isAborted reports whether triggerAbort has fired.
func (c *Coordinator) isAborted() bool {
	select {
	case <-c.abortCh:
		return true
	default:
		return false
	}
}

func parseAdapter(r io.Reader) ([]*concept.Concept, error) {
	return xmlparser.Parse(r)
}

// openReal opens a real filesystem path. invoker writes its stdout
// capture to a real OS temp file regardless of the afero.Fs the rest of
// the coordinator uses, since exec.Cmd needs a real *os.File to write to.
func openReal(path string) (*os.File, error) {
	return os.Open(path)
}

// csvPathFor returns the output CSV path for an input file path.
func (c *Coordinator) csvPathFor(inputPath string) string {
	stem := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	return filepath.Join(c.opts.OutputRoot, stem+".csv")
}

// Run brings the daemons up, recovers any in_progress records left by
// an unclean shutdown, enumerates the input, and dispatches every
// not-yet-completed file across the pool, returning aggregate counters.
// If ctx is cancelled before the queue drains, Run returns an
// *Interrupted error alongside the partial counters.
func (c *Coordinator) Run(ctx context.Context) (Counters, error) {
	if err := c.Supervisor.EnsureUp(ctx); err != nil {
		return Counters{}, fmt.Errorf("coordinator: daemon startup: %w", err)
	}

	if err := c.State.ResetInProgressToPending(c.Fs, c.csvPathFor); err != nil {
		return Counters{}, fmt.Errorf("coordinator: resume recovery: %w", err)
	}
	_ = c.State.SetPoolSize(c.pool.Size())

	var files []concept.InputFile
	var err error
	if c.opts.RetryFailedOnly {
		var paths []string
		paths, err = c.State.ResetFailedToPending()
		for _, p := range paths {
			files = append(files, c.inputFileFor(p))
		}
	} else {
		files, err = c.enumerate()
	}
	if err != nil {
		return Counters{}, fmt.Errorf("coordinator: enumerate input: %w", err)
	}

	var counters Counters
	var mu sync.Mutex

	pending := make([]concept.InputFile, 0, len(files))
	for _, f := range files {
		if !c.opts.RetryFailedOnly && c.State.IsCompleted(f.Path, c.csvPathFor(f.Path), c.Fs) {
			counters.Skipped++
			continue
		}
		pending = append(pending, f)
	}

	c.Logger.Info("batch started", "files", len(pending), "skipped", counters.Skipped, "pool_size", c.pool.Size())
	c.Bus.Publish(progress.Event{Kind: progress.BatchStarted, Message: fmt.Sprintf("%d files queued", len(pending))})

	queueSize := c.pool.Size() * 2
	if queueSize <= 0 {
		queueSize = 2
	}
	jobs := make(chan concept.InputFile, queueSize)

	var cancelled atomic.Bool

	ep := concpool.New().WithMaxGoroutines(c.pool.Size())

	go func() {
		defer close(jobs)
		for _, f := range pending {
			select {
			case jobs <- f:
			case <-ctx.Done():
				cancelled.Store(true)
				return
			case <-c.abortCh:
				return
			}
		}
	}()

	for i := 0; i < c.pool.Size(); i++ {
		ep.Go(func() {
			for f := range jobs {
				if ctx.Err() != nil {
					cancelled.Store(true)
					continue
				}
				if c.isAborted() {
					continue
				}
				c.processWithRetry(ctx, f.Path, &mu, &counters, &cancelled)
			}
		})
	}

	ep.Wait()

	if c.isAborted() {
		c.Logger.Error("batch aborted", "cause", c.abortErr, "completed", counters.Completed, "failed", counters.Failed, "retried", counters.Retried)
		c.Bus.Publish(progress.Event{Kind: progress.BatchCancelled, Message: fmt.Sprintf("aborted: %v", c.abortErr)})
		c.Bus.Shutdown()
		c.Supervisor.Shutdown()
		return counters, &Aborted{Counters: counters, Cause: c.abortErr}
	}

	if cancelled.Load() {
		c.Logger.Warn("batch interrupted", "completed", counters.Completed, "failed", counters.Failed, "retried", counters.Retried)
		c.Bus.Publish(progress.Event{Kind: progress.BatchCancelled, Message: fmt.Sprintf("%d completed, %d failed", counters.Completed, counters.Failed)})
	} else {
		c.Logger.Info("batch finished", "completed", counters.Completed, "failed", counters.Failed, "retried", counters.Retried)
		c.Bus.Publish(progress.Event{Kind: progress.BatchCompleted, Message: fmt.Sprintf("%d completed, %d failed", counters.Completed, counters.Failed)})
	}

	c.Bus.Shutdown()
	c.Supervisor.Shutdown()

	if cancelled.Load() {
		return counters, &Interrupted{Counters: counters}
	}
	return counters, nil
}

// processWithRetry runs one file to completion or terminal failure,
// re-enqueueing itself through the retry controller's backoff schedule
// on retriable errors.
func (c *Coordinator) processWithRetry(ctx context.Context, path string, mu *sync.Mutex, counters *Counters, cancelled *atomic.Bool) {
	attempt := 0
	for {
		attempt++
		_ = c.State.MarkInProgress(path, attempt)

		jobID := atomic.AddInt64(&c.nextJobID, 1)
		c.Bus.Publish(progress.Event{Kind: progress.JobStarted, Path: path, JobID: jobID, Attempt: attempt})

		outcome, failErr := c.runOnce(ctx, path, jobID)

		if failErr == nil {
			_ = c.State.MarkCompleted(path, outcome.conceptCount, outcome.seconds)
			c.Bus.Publish(progress.Event{Kind: progress.JobCompleted, Path: path, JobID: jobID, Attempt: attempt})
			mu.Lock()
			counters.Completed++
			mu.Unlock()
			return
		}

		if ctx.Err() != nil {
			cancelled.Store(true)
			_ = c.State.MarkFailed(path, errkind.Unknown, ctx.Err().Error())
			mu.Lock()
			counters.Failed++
			mu.Unlock()
			return
		}

		if retry.Classify(failErr) == errkind.DaemonUnreachable && !c.daemonRestartAttempted.Swap(true) {
			if c.restartDaemonAfterUnreachable(ctx, path, failErr) {
				mu.Lock()
				counters.Retried++
				mu.Unlock()
				c.Bus.Publish(progress.Event{Kind: progress.JobRetried, Path: path, JobID: jobID, Attempt: attempt, ErrorKind: errkind.DaemonUnreachable, Message: failErr.Error()})
				continue
			}
			_ = c.State.MarkFailed(path, errkind.DaemonUnreachable, failErr.Error())
			c.Bus.Publish(progress.Event{Kind: progress.JobFailed, Path: path, JobID: jobID, Attempt: attempt, ErrorKind: errkind.DaemonUnreachable, Message: failErr.Error()})
			mu.Lock()
			counters.Failed++
			mu.Unlock()
			return
		}

		decision := c.opts.RetryPolicy.Decide(failErr, attempt)
		if !decision.Retry {
			_ = c.State.MarkFailed(path, decision.Kind, failErr.Error())
			c.Bus.Publish(progress.Event{Kind: progress.JobFailed, Path: path, JobID: jobID, Attempt: attempt, ErrorKind: decision.Kind, Message: failErr.Error()})
			mu.Lock()
			counters.Failed++
			mu.Unlock()
			return
		}

		_ = c.State.RecordRetry(path)
		mu.Lock()
		counters.Retried++
		mu.Unlock()
		c.Bus.Publish(progress.Event{Kind: progress.JobRetried, Path: path, JobID: jobID, Attempt: attempt, ErrorKind: decision.Kind, Message: failErr.Error()})

		select {
		case <-time.After(decision.Wait):
		case <-ctx.Done():
			cancelled.Store(true)
			_ = c.State.MarkFailed(path, decision.Kind, failErr.Error())
			mu.Lock()
			counters.Failed++
			mu.Unlock()
			return
		}
	}
}

type jobOutcome struct {
	conceptCount int
	seconds      float64
}

// runOnce leases an instance, invokes the annotator, parses its output,
// writes the CSV, and releases the instance — exactly one attempt.
//
// The pool.Outcome handed to Release carries the instance's health
// signal straight from the invoker's exit status — a non-zero code,
// signal termination, and a timeout each retire the instance on their
// own, independent of the consecutive-failure count the pool already
// tracks across releases.
func (c *Coordinator) runOnce(ctx context.Context, path string, jobID int64) (jobOutcome, error) {
	inst, err := c.pool.Lease(ctx, c.opts.LeaseTimeout)
	if err != nil {
		return jobOutcome{}, errkind.New(errkind.PoolExhausted, path, err)
	}

	outcome, invRes, runErr := c.invokeAndWrite(ctx, path, jobID)

	c.pool.Release(inst, pool.Outcome{
		Failed:    runErr != nil,
		Unhealthy: invRes.ExitCode != 0 || invRes.Signaled || invRes.TimedOut,
	})

	return outcome, runErr
}

// invokeAndWrite runs one invocation and, on success, parses and writes
// its output. It always returns the invoker.Result it observed (zero
// value if the annotator was never actually invoked, e.g. the input
// file could not be read) so runOnce can judge instance health from the
// process's own exit status independent of downstream parse/IO errors.
func (c *Coordinator) invokeAndWrite(ctx context.Context, path string, jobID int64) (jobOutcome, invoker.Result, error) {
	text, err := afero.ReadFile(c.Fs, path)
	if err != nil {
		return jobOutcome{}, invoker.Result{}, errkind.New(errkind.IO, path, err)
	}

	invCfg := invoker.Config{
		BinaryPath:    c.opts.AnnotatorPath,
		Options:       c.opts.AnnotatorOptions,
		Timeout:       c.opts.PerFileTimeout,
		WorkDir:       c.opts.WorkDir,
		DiagnosticDir: c.opts.DiagnosticDir,
		JobID:         jobID,
	}

	start := time.Now()
	result, err := c.Invoke(ctx, invCfg, string(text))
	seconds := time.Since(start).Seconds()
	if err != nil {
		if result.TimedOut {
			return jobOutcome{}, result, errkind.New(errkind.Timeout, path, err)
		}
		if c.daemonUnreachable(ctx, result) {
			return jobOutcome{}, result, errkind.New(errkind.DaemonUnreachable, path, err)
		}
		return jobOutcome{}, result, errkind.New(errkind.IO, path, err)
	}

	xmlFile, err := openReal(result.StdoutXML)
	if err != nil {
		return jobOutcome{}, result, errkind.New(errkind.IO, path, err)
	}
	defer xmlFile.Close()

	concepts, err := c.Parse(xmlFile)
	if err != nil {
		c.preserveXML(jobID, result.StdoutXML)
		return jobOutcome{}, result, errkind.New(errkind.Parse, path, err)
	}

	if err := csvwriter.Write(c.Fs, c.csvPathFor(path), concepts, 0); err != nil {
		return jobOutcome{}, result, errkind.New(errkind.IO, path, err)
	}

	// The invoker leaves the stdout capture in place for us to parse;
	// once its concepts are on disk as CSV it has served its purpose.
	_ = os.Remove(result.StdoutXML)

	return jobOutcome{conceptCount: len(concepts), seconds: seconds}, result, nil
}

// preserveXML moves a stdout capture whose contents failed to parse into
// the job's diagnostics directory, alongside whatever the invoker itself
// preserved there.
func (c *Coordinator) preserveXML(jobID int64, xmlPath string) {
	dir := filepath.Join(c.opts.DiagnosticDir, strconv.FormatInt(jobID, 10))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	_ = os.Rename(xmlPath, filepath.Join(dir, "stdout.xml"))
}

// restartDaemonAfterUnreachable attempts the one daemon restart a batch
// gets before giving up, and reports whether it succeeded. On failure
// it triggers a batch-wide abort: with the daemons down and
// unrestartable, every remaining job would fail the same way.
func (c *Coordinator) restartDaemonAfterUnreachable(ctx context.Context, path string, cause error) bool {
	c.Logger.Warn("daemon unreachable, attempting one restart", "path", path, "error", cause)
	if err := c.Supervisor.Restart(ctx); err != nil {
		c.Logger.Error("daemon restart failed, aborting batch", "error", err)
		c.triggerAbort(fmt.Errorf("coordinator: daemon restart failed after daemon_unreachable: %w", err))
		return false
	}
	c.Logger.Info("daemon restarted", "path", path)
	return true
}

// daemonUnreachable classifies a non-timeout invoker failure as
// daemon_unreachable when the annotator itself reports the
// tagger/WSD daemons are down: it exited non-zero without producing any
// stderr of its own (the common signature of "connection refused" from
// the daemon client library) and a direct probe of the daemon pair
// confirms at least one is no longer reachable.
func (c *Coordinator) daemonUnreachable(ctx context.Context, result invoker.Result) bool {
	if result.ExitCode == 0 || strings.TrimSpace(result.Stderr) != "" {
		return false
	}
	return !c.Supervisor.Probe(ctx)
}

// enumerate lists InputRoot for files matching InputExt, non-recursively,
// in deterministic lexicographic order by full path. Every path is
// normalized (symlink-resolved, case-folded where the filesystem is
// case-insensitive) before it becomes a job or a state.Manager key, so
// the same file is never enumerated under two identities.
func (c *Coordinator) enumerate() ([]concept.InputFile, error) {
	entries, err := afero.ReadDir(c.Fs, c.opts.InputRoot)
	if err != nil {
		return nil, err
	}

	var out []concept.InputFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if filepath.Ext(e.Name()) != c.opts.InputExt {
			continue
		}
		out = append(out, concept.InputFile{
			Path:    pathkey.Normalize(c.Fs, filepath.Join(c.opts.InputRoot, e.Name())),
			Size:    e.Size(),
			ModTime: e.ModTime(),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// inputFileFor rebuilds the InputFile identity for a path recovered from
// state rather than from enumeration, as in a retry-failed-only pass.
func (c *Coordinator) inputFileFor(path string) concept.InputFile {
	f := concept.InputFile{Path: pathkey.Normalize(c.Fs, path)}
	if info, err := c.Fs.Stat(f.Path); err == nil {
		f.Size = info.Size()
		f.ModTime = info.ModTime()
	}
	return f
}
