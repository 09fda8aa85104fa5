package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/HAPNlab/mid-task/internal/config"
	"github.com/HAPNlab/mid-task/internal/input"
	"github.com/HAPNlab/mid-task/internal/recorder"
	"github.com/HAPNlab/mid-task/internal/scanner"
	"github.com/HAPNlab/mid-task/internal/session"
	"github.com/HAPNlab/mid-task/internal/task"
	"github.com/HAPNlab/mid-task/internal/trial"
	"github.com/spf13/cobra"
)

// #region command

var (
	runConfigPath string
	runSequence   string
	runSubject    string
	runLabel      string
	runFMRI       bool
	runDevice     string
	runOutDir     string
	runSeed       int64
	runInitialDur float64
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a live session",
	Long: `Run one session against the terminal: cues and outcomes print to
stdout, and every line on stdin is one button press (bare Enter presses
button 1). Type q to stop; everything recorded so far is kept.

In fMRI mode the session blocks until the scanner's pulse counter moves,
then times every phase boundary off the pulse stream. Without --fmri an
emulated source generates pulses at the configured rate.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runConfigPath, "config", "", "YAML parameter file (default: built-in parameters)")
	runCmd.Flags().StringVar(&runSequence, "sequence", "", "trial sequence file (required)")
	runCmd.Flags().StringVar(&runSubject, "subject", "", "subject identifier (required)")
	runCmd.Flags().StringVar(&runLabel, "run", "run1", "run label")
	runCmd.Flags().BoolVar(&runFMRI, "fmri", false, "synchronize to the hardware pulse counter")
	runCmd.Flags().StringVar(&runDevice, "device", "/sys/class/scanner/pulse0/count", "pulse counter device file (fMRI mode)")
	runCmd.Flags().StringVar(&runOutDir, "out", ".", "directory for session output")
	runCmd.Flags().Int64Var(&runSeed, "seed", 0, "schedule seed (0 = derive from wall clock)")
	runCmd.Flags().Float64Var(&runInitialDur, "initial-dur", 0, "override initial target duration in seconds")
	rootCmd.AddCommand(runCmd)
}

// #endregion command

// #region run

func runRun(cmd *cobra.Command, args []string) error {
	if runSubject == "" {
		return fmt.Errorf("--subject is required")
	}
	if runSequence == "" {
		return fmt.Errorf("--sequence is required")
	}

	cfg, err := config.Load(runConfigPath)
	if err != nil {
		return err
	}
	if runInitialDur > 0 {
		cfg.Target.InitialDurS = runInitialDur
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	specs, err := task.LoadSequence(runSequence)
	if err != nil {
		return err
	}

	seed := runSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	stamp := time.Now().Format("20060102-150405")
	runDir := filepath.Join(runOutDir, fmt.Sprintf("%s_%s_%s", runSubject, runLabel, stamp))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}

	store, err := recorder.NewStore(filepath.Join(runDir, "session.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	clock := scanner.NewMonotonicClock()
	var source scanner.PulseSource
	if runFMRI {
		source, err = scanner.NewHardwareSource(scanner.FileCounter{Path: runDevice}, cfg.Scanner.PulsesPerTR)
		if err != nil {
			return err
		}
	} else {
		source = scanner.NewEmulatedSource(clock, cfg.Scanner.TR(), cfg.Scanner.PulsesPerTR)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	queue := input.NewQueue()
	go readPresses(ctx, queue, clock, cancel)

	fmt.Printf("MID task: subject=%s run=%s trials=%d seed=%d\n", runSubject, runLabel, len(specs), seed)
	fmt.Printf("  output: %s\n", runDir)
	if runFMRI {
		fmt.Println("Waiting for scanner trigger...")
	}

	runner := session.NewRunner(cfg, session.Info{
		SubjectID: runSubject,
		RunLabel:  runLabel,
		FMRI:      runFMRI,
		Seed:      seed,
	}, specs, session.Deps{
		Clock:   clock,
		Source:  source,
		Input:   queue,
		Display: termDisplay{},
		Store:   store,
	})
	sum, err := runner.Run(ctx)
	if err != nil {
		return err
	}

	printSummary(sum)
	if err := store.Export(sum.SessionID, runDir, ""); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	fmt.Printf("Wrote behavioral.csv, scan_log.csv, manifest.json to %s\n", runDir)
	return nil
}

// readPresses turns stdin lines into timestamped button presses. The
// scanner blocks on stdin; the goroutine dies with the process.
func readPresses(ctx context.Context, queue *input.Queue, clock scanner.Clock, cancel context.CancelFunc) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		key := strings.TrimSpace(sc.Text())
		if key == "q" || key == "quit" {
			cancel()
			return
		}
		if key == "" {
			key = "1"
		}
		queue.Push(input.Press{Key: key, At: clock.Elapsed()})
	}
}

func printSummary(sum session.Summary) {
	fmt.Printf("\nSession %s finished", shortID(sum.SessionID))
	if sum.Quit {
		fmt.Print(" (quit)")
	}
	fmt.Println()
	fmt.Printf("  trials:   %d (%d complete)\n", sum.Trials, sum.Completed)
	fmt.Printf("  hits:     %d  misses: %d  earlies: %d\n", sum.Hits, sum.Misses, sum.Earlies)
	fmt.Printf("  earned:   %s\n", dollars(sum.TotalEarned))
	fmt.Printf("  pulses:   %d\n", sum.PulseCount)
	fmt.Printf("  drift:    %.1f ms mean abs\n", sum.MeanAbsDriftMS)
	fmt.Printf("  duration: %s\n", sum.Duration.Round(time.Millisecond))
}

// #endregion run

// #region display

// termDisplay renders the task as terminal lines. It stands in for the
// stimulus screen; timing comes from the session clock, never from here.
type termDisplay struct{}

func (termDisplay) ShowCue(cue task.CueType, targetPct int) {
	switch cue {
	case task.CueGain:
		fmt.Printf("\n  CUE   win if you hit       (target %d%%)\n", targetPct)
	case task.CueLoss:
		fmt.Printf("\n  CUE   lose if you miss     (target %d%%)\n", targetPct)
	default:
		fmt.Printf("\n  CUE   nothing at stake     (target %d%%)\n", targetPct)
	}
}

func (termDisplay) ShowFixation() { fmt.Println("   +") }

func (termDisplay) ShowTarget() { fmt.Println("  [###]  PRESS") }

func (termDisplay) HideTarget() {}

func (termDisplay) ShowOutcome(result trial.Result, label string, totalEarned int) {
	fmt.Printf("  %-5s  %s  (total %s)\n", strings.ToUpper(string(result)), label, dollars(totalEarned))
}

func (termDisplay) ShowITI() { fmt.Println("   ...") }

// #endregion display
