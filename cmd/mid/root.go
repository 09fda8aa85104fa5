package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// #region root

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "mid",
	Short: "Monetary incentive delay task controller",
	Long: `mid runs a scanner-synchronized monetary incentive delay task.

Commands:
  run       Run a live session (terminal display, button presses on stdin)
  simulate  Replay a fixture or a modeled subject on a virtual clock
  export    Write behavioral.csv, scan_log.csv and manifest.json
  inspect   Summarize sessions in a database

Sessions persist trial by trial: a run stopped after trial N leaves N
complete trials on disk.`,
	SilenceUsage: true,
}

// Execute runs the root command and exits nonzero on any error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// #endregion root

// #region output

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// dollars formats signed earnings the way the task's feedback labels do:
// -$5, not $-5.
func dollars(n int) string {
	if n < 0 {
		return fmt.Sprintf("-$%d", -n)
	}
	return fmt.Sprintf("$%d", n)
}

// #endregion output
