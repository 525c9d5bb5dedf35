package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jpequegn/metamaprun/internal/config"
	"github.com/jpequegn/metamaprun/internal/daemon"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Control the supervised tagger/WSD daemons",
}

var serverStartCmd = &cobra.Command{
	Use:   "start <out>",
	Short: "Start the tagger/WSD daemon pair, recording PIDs under <out>",
	Args:  cobra.ExactArgs(1),
	RunE:  runServerStart,
}

var serverStopCmd = &cobra.Command{
	Use:   "stop <out>",
	Short: "Stop the daemons whose PIDs a previous run recorded under <out>",
	Args:  cobra.ExactArgs(1),
	RunE:  runServerStop,
}

var serverStatusCmd = &cobra.Command{
	Use:   "status <out>",
	Short: "Report daemon liveness",
	Args:  cobra.ExactArgs(1),
	RunE:  runServerStatus,
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.AddCommand(serverStartCmd, serverStopCmd, serverStatusCmd)
}

func sidecarPathFor(outRoot string) string {
	return filepath.Join(outRoot, ".daemons.json")
}

func supervisorFor(outRoot string) (*daemon.Supervisor, error) {
	cfg, err := config.Load(cfgFile, nil)
	if err != nil {
		return nil, err
	}
	specs := []daemon.Spec{
		{Name: "tagger", Command: cfg.TaggerCommand, Port: cfg.TaggerPort, Host: "127.0.0.1"},
		{Name: "wsd", Command: cfg.WSDCommand, Port: cfg.WSDPort, Host: "127.0.0.1"},
	}
	return daemon.NewSupervisor(specs, sidecarPathFor(outRoot), logger), nil
}

func runServerStart(cmd *cobra.Command, args []string) error {
	sup, err := supervisorFor(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(ExitConfigError)
	}
	if err := sup.EnsureUp(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "daemon start failed:", err)
		os.Exit(ExitDaemonFailure)
	}
	fmt.Println("daemons up")
	return nil
}

// runServerStop stops daemons a previous process started. It never holds
// the *exec.Cmd handles Shutdown relies on — this is almost always a
// fresh invocation — so it reads the PID sidecar file left behind by
// that previous process and signals the PIDs recorded there directly.
func runServerStop(cmd *cobra.Command, args []string) error {
	if err := daemon.KillStale(sidecarPathFor(args[0]), logger); err != nil {
		fmt.Fprintln(os.Stderr, "daemon stop failed:", err)
		os.Exit(ExitDaemonFailure)
	}
	fmt.Println("daemons stopped")
	return nil
}

func runServerStatus(cmd *cobra.Command, args []string) error {
	sup, err := supervisorFor(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(ExitConfigError)
	}
	for name, up := range sup.Status() {
		fmt.Printf("%s: %v\n", name, up)
	}
	return nil
}
