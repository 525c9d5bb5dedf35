package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var retryCmd = &cobra.Command{
	Use:   "retry <out>",
	Short: "Re-enqueue failed FileRecords with a reset attempt count",
	Args:  cobra.ExactArgs(1),
	RunE:  runRetry,
}

func init() {
	rootCmd.AddCommand(retryCmd)
	retryCmd.Flags().Int("per-file-timeout-sec", 0, "override per-file timeout for this retry pass")
}

func runRetry(cmd *cobra.Command, args []string) error {
	outRoot := args[0]

	manifestPath := outRoot + "/input_root.txt"
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "retry: cannot determine the original input root for", outRoot)
		os.Exit(ExitConfigError)
	}

	return runBatch(cmd, string(data), outRoot, true)
}
