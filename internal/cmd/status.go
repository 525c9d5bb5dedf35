package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/jpequegn/metamaprun/internal/history"
	"github.com/jpequegn/metamaprun/internal/state"
)

var statusCmd = &cobra.Command{
	Use:   "status <out>",
	Short: "Print a summary from state",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var failedOnly bool

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&failedOnly, "failed-only", false, "list only failed files with their last error")
}

func runStatus(cmd *cobra.Command, args []string) error {
	outRoot := args[0]
	fs := afero.NewOsFs()

	mgr, err := state.Open(fs, outRoot, runID(outRoot))
	if err != nil {
		fmt.Fprintln(os.Stderr, "status error:", err)
		os.Exit(ExitConfigError)
	}

	snap := mgr.Snapshot()

	if failedOnly {
		paths := make([]string, 0, len(snap.Files))
		for p, rec := range snap.Files {
			if rec.Status == state.Failed {
				paths = append(paths, p)
			}
		}
		sort.Strings(paths)
		for _, p := range paths {
			rec := snap.Files[p]
			fmt.Printf("%s\tattempts=%d\tkind=%s\t%s\n", p, rec.Attempts, rec.LastErrorKind, rec.LastError)
		}
		return nil
	}

	var pending, inProgress, completed, failed int
	for _, rec := range snap.Files {
		switch rec.Status {
		case state.Pending:
			pending++
		case state.InProgress:
			inProgress++
		case state.Completed:
			completed++
		case state.Failed:
			failed++
		}
	}

	fmt.Printf("run_id: %s\n", snap.RunID)
	fmt.Printf("pool_size: %d\n", snap.Manifest.PoolSize)
	fmt.Printf("pending=%d in_progress=%d completed=%d failed=%d\n", pending, inProgress, completed, failed)
	fmt.Printf("totals: completed=%d failed=%d retried=%d\n",
		snap.Manifest.Totals.Completed, snap.Manifest.Totals.Failed, snap.Manifest.Totals.Retried)

	if failed > 0 {
		fmt.Println("\nmost recent failures:")
		var recent []string
		for p, rec := range snap.Files {
			if rec.Status == state.Failed {
				recent = append(recent, p)
			}
		}
		sort.Slice(recent, func(i, j int) bool {
			a, b := snap.Files[recent[i]].LastAttemptAt, snap.Files[recent[j]].LastAttemptAt
			return a != nil && (b == nil || a.After(*b))
		})
		for i, p := range recent {
			if i >= 10 {
				break
			}
			rec := snap.Files[p]
			fmt.Printf("  %s (%s): %s\n", p, rec.LastErrorKind, rec.LastError)
		}
	}

	printRecentRuns(outRoot)

	return nil
}

// printRecentRuns prints the longitudinal ledger's recent entries for
// this output root, giving operators a view across repeated batches
// over an evolving note corpus that the single-run .state.json cannot.
// A missing or unreadable ledger (e.g. no batch has ever finished here)
// is silently skipped rather than treated as a status error.
func printRecentRuns(outRoot string) {
	ledgerPath := filepath.Join(outRoot, "history.db")
	if _, err := os.Stat(ledgerPath); err != nil {
		return
	}

	ledger, err := history.Open(ledgerPath)
	if err != nil {
		return
	}
	defer ledger.Close()

	entries, err := ledger.Recent(outRoot, 10)
	if err != nil || len(entries) == 0 {
		return
	}

	fmt.Println("\nrecent runs:")
	for _, e := range entries {
		fmt.Printf("  %s  %-12s pool=%-3d completed=%-5d failed=%-4d retried=%-4d %s -> %s\n",
			e.RunID, e.Outcome, e.PoolSize, e.Completed, e.Failed, e.Retried,
			e.StartedAt.Format("2006-01-02T15:04:05"), e.FinishedAt.Format("2006-01-02T15:04:05"))
	}
}
