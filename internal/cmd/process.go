package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/jpequegn/metamaprun/internal/config"
	"github.com/jpequegn/metamaprun/internal/coordinator"
	"github.com/jpequegn/metamaprun/internal/daemon"
	"github.com/jpequegn/metamaprun/internal/history"
	"github.com/jpequegn/metamaprun/internal/pool"
	"github.com/jpequegn/metamaprun/internal/progress"
	"github.com/jpequegn/metamaprun/internal/retry"
	"github.com/jpequegn/metamaprun/internal/state"
)

var processCmd = &cobra.Command{
	Use:   "process <in> <out>",
	Short: "Run a fresh or resumed batch over <in> into <out>",
	Args:  cobra.ExactArgs(2),
	RunE:  runProcess,
}

func init() {
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(resumeCmd)

	for _, c := range []*cobra.Command{processCmd, resumeCmd} {
		c.Flags().Int("pool-size", 0, "number of concurrent annotator leases (default: CPU/memory derived)")
		c.Flags().Int("per-file-timeout-sec", 0, "per-file annotator timeout in seconds")
		c.Flags().Int("max-attempts", 0, "retry cap per file")
		c.Flags().Int("retry-base-sec", 0, "retry backoff base in seconds")
		c.Flags().Int("retry-cap-sec", 0, "retry backoff cap in seconds")
		c.Flags().String("annotator-options", "", "annotator argv option string")
		c.Flags().String("input-ext", "", "input file extension to process")
		c.Flags().Bool("background", false, "detach from the controlling terminal")
	}
}

var resumeCmd = &cobra.Command{
	Use:   "resume <out>",
	Short: "Resume the batch whose state is at <out>",
	Args:  cobra.ExactArgs(1),
	RunE:  runResume,
}

func runProcess(cmd *cobra.Command, args []string) error {
	return runBatch(cmd, args[0], args[1], false)
}

func runResume(cmd *cobra.Command, args []string) error {
	outRoot := args[0]
	manifestPath := filepath.Join(outRoot, "input_root.txt")
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "resume: cannot determine the original input root; re-run with: process <in>", outRoot)
		os.Exit(ExitConfigError)
	}
	return runBatch(cmd, string(data), outRoot, false)
}

// runBatch wires the config, state manager, daemon supervisor, progress
// bus, and coordinator together and runs one batch to completion or
// cancellation.
func runBatch(cmd *cobra.Command, inRoot, outRoot string, retryFailedOnly bool) error {
	overrides := map[string]any{}
	if v, _ := cmd.Flags().GetInt("pool-size"); v > 0 {
		overrides["pool.size"] = v
	}
	if v, _ := cmd.Flags().GetInt("per-file-timeout-sec"); v > 0 {
		overrides["execution.per_file_timeout_sec"] = v
	}
	if v, _ := cmd.Flags().GetInt("max-attempts"); v > 0 {
		overrides["execution.max_attempts"] = v
	}
	if v, _ := cmd.Flags().GetInt("retry-base-sec"); v > 0 {
		overrides["execution.retry_base_sec"] = v
	}
	if v, _ := cmd.Flags().GetInt("retry-cap-sec"); v > 0 {
		overrides["execution.retry_cap_sec"] = v
	}
	if v, _ := cmd.Flags().GetString("annotator-options"); v != "" {
		overrides["annotator.options"] = v
	}
	if v, _ := cmd.Flags().GetString("input-ext"); v != "" {
		overrides["input.ext"] = v
	}
	if v, _ := cmd.Flags().GetBool("background"); v {
		overrides["execution.background"] = v
	}

	cfg, err := config.Load(cfgFile, overrides)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(ExitConfigError)
	}

	fs := afero.NewOsFs()

	if err := fs.MkdirAll(outRoot, 0o755); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(ExitConfigError)
	}
	_ = afero.WriteFile(fs, filepath.Join(outRoot, "input_root.txt"), []byte(inRoot), 0o644)

	if cfg.Background {
		parent, err := daemonize(outRoot)
		if err != nil {
			fmt.Fprintln(os.Stderr, "config error:", err)
			os.Exit(ExitConfigError)
		}
		if parent {
			return nil
		}
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = pool.ResolveDefaultSize()
	}
	if err := checkFDBudget(poolSize); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(ExitConfigError)
	}

	mgr, err := state.Open(fs, outRoot, runID(outRoot))
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(ExitConfigError)
	}
	if err := mgr.AcquireLock(os.Getpid()); err != nil {
		fmt.Fprintln(os.Stderr, "another process already targets this output root:", err)
		os.Exit(ExitConfigError)
	}
	defer mgr.ReleaseLock()

	runLogger, closeLog, err := openRunLogger(outRoot, runID(outRoot))
	if err != nil {
		mgr.ReleaseLock()
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(ExitConfigError)
	}
	defer closeLog()

	specs := []daemon.Spec{
		{Name: "tagger", Command: cfg.TaggerCommand, Port: cfg.TaggerPort, Host: "127.0.0.1"},
		{Name: "wsd", Command: cfg.WSDCommand, Port: cfg.WSDPort, Host: "127.0.0.1"},
	}
	sidecar := filepath.Join(outRoot, ".daemons.json")
	sup := daemon.NewSupervisor(specs, sidecar, runLogger)

	bus := progress.New()
	sub := bus.Subscribe(256)
	go printProgress(sub)

	opts := coordinator.Options{
		InputRoot:        inRoot,
		OutputRoot:       outRoot,
		InputExt:         cfg.InputExt,
		AnnotatorPath:    cfg.AnnotatorPath,
		AnnotatorOptions: cfg.AnnotatorOptions,
		PerFileTimeout:   cfg.PerFileTimeout,
		PoolSize:         cfg.PoolSize,
		RetryPolicy: retry.Policy{
			Base:        time.Duration(cfg.RetryBaseSec) * time.Second,
			Cap:         time.Duration(cfg.RetryCapSec) * time.Second,
			MaxAttempts: cfg.MaxAttempts,
		},
		RetryFailedOnly: retryFailedOnly,
	}

	co := coordinator.New(opts, fs, sup, mgr, bus, runLogger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startedAt := time.Now()
	counters, runErr := co.Run(ctx)
	finishedAt := time.Now()

	fmt.Fprintf(os.Stderr, "\ncompleted=%d failed=%d retried=%d skipped=%d\n",
		counters.Completed, counters.Failed, counters.Retried, counters.Skipped)

	outcome := "completed"
	if runErr != nil {
		if _, ok := runErr.(*coordinator.Interrupted); ok {
			outcome = "interrupted"
		} else {
			outcome = "aborted"
		}
	}
	appendHistory(outRoot, history.Entry{
		RunID:         runID(outRoot),
		InputRoot:     inRoot,
		OutputRoot:    outRoot,
		StartedAt:     startedAt,
		FinishedAt:    finishedAt,
		Outcome:       outcome,
		PoolSize:      mgr.Snapshot().Manifest.PoolSize,
		Completed:     counters.Completed,
		Failed:        counters.Failed,
		Retried:       counters.Retried,
		AnnotatorPath: cfg.AnnotatorPath,
	})

	if runErr != nil {
		// os.Exit skips deferred calls, and a lock left behind would
		// block the resume this very exit code invites.
		mgr.ReleaseLock()
		closeLog()
		if _, ok := runErr.(*coordinator.Interrupted); ok {
			os.Exit(ExitInterrupted)
		}
		fmt.Fprintln(os.Stderr, "batch aborted:", runErr)
		os.Exit(ExitDaemonFailure)
	}

	return nil
}

// openRunLogger tees structured logs to stderr and to the append-only
// logs/run-<run_id>.log under the output root.
func openRunLogger(outRoot, id string) (*slog.Logger, func(), error) {
	dir := filepath.Join(outRoot, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, "run-"+id+".log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	h := slog.NewTextHandler(io.MultiWriter(os.Stderr, f), &slog.HandlerOptions{Level: level})
	return slog.New(h), func() { _ = f.Close() }, nil
}

// checkFDBudget refuses to start a batch whose open-file limit clearly
// cannot cover pool_size workers' temp files and child pipes plus the
// daemon sockets and state file.
func checkFDBudget(poolSize int) error {
	var rl syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rl); err != nil {
		return nil
	}
	need := uint64(poolSize)*8 + 64
	if uint64(rl.Cur) < need {
		return fmt.Errorf("open file limit %d is below the ~%d a pool of %d needs; raise ulimit -n or shrink the pool", rl.Cur, need, poolSize)
	}
	return nil
}

const backgroundChildEnv = "METAMAPRUN_BACKGROUND_CHILD"

// daemonize re-executes the current command detached from the
// controlling terminal, with output appended to logs/background.log
// under the output root. It returns true in the parent, which should
// exit immediately; the re-executed child sees backgroundChildEnv set
// and runs the batch in its own session.
func daemonize(outRoot string) (bool, error) {
	if os.Getenv(backgroundChildEnv) != "" {
		return false, nil
	}

	exe, err := os.Executable()
	if err != nil {
		return false, err
	}
	logDir := filepath.Join(outRoot, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return false, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "background.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return false, err
	}
	defer f.Close()

	child := exec.Command(exe, os.Args[1:]...)
	child.Env = append(os.Environ(), backgroundChildEnv+"=1")
	child.Stdout = f
	child.Stderr = f
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return false, err
	}

	fmt.Printf("background batch started, pid %d\n", child.Process.Pid)
	return true, nil
}

// appendHistory records one finished run in the longitudinal ledger.
// A failure to open or write the ledger is logged, not fatal: the
// live .state.json snapshot is still authoritative for this run.
func appendHistory(outRoot string, entry history.Entry) {
	ledgerPath := filepath.Join(outRoot, "history.db")
	ledger, err := history.Open(ledgerPath)
	if err != nil {
		logger.Warn("failed to open run history ledger", "error", err)
		return
	}
	defer ledger.Close()

	if err := ledger.Append(entry); err != nil {
		logger.Warn("failed to append to run history ledger", "error", err)
	}
}

func runID(outRoot string) string {
	return fmt.Sprintf("run-%x", []byte(outRoot))
}

// printProgress renders progress bus events to stderr as they arrive.
func printProgress(sub *progress.Subscription) {
	for ev := range sub.Events() {
		switch ev.Kind {
		case progress.JobCompleted:
			fmt.Fprintf(os.Stderr, "  ok    %s\n", ev.Path)
		case progress.JobFailed:
			fmt.Fprintf(os.Stderr, "  fail  %s (%s)\n", ev.Path, ev.ErrorKind)
		case progress.JobRetried:
			fmt.Fprintf(os.Stderr, "  retry %s attempt=%d (%s)\n", ev.Path, ev.Attempt, ev.ErrorKind)
		case progress.BatchStarted, progress.BatchCompleted, progress.BatchCancelled:
			fmt.Fprintf(os.Stderr, "%s: %s\n", ev.Kind, ev.Message)
		}
	}
}
