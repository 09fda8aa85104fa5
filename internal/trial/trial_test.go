package trial

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/HAPNlab/mid-task/internal/config"
	"github.com/HAPNlab/mid-task/internal/input"
	"github.com/HAPNlab/mid-task/internal/scanner"
	"github.com/HAPNlab/mid-task/internal/staircase"
	"github.com/HAPNlab/mid-task/internal/task"
)

// testConfig zeroes the jitter so target onset lands exactly on the
// response phase start. Tests covering jitter opt back in.
func testConfig() config.Config {
	cfg := config.Default()
	cfg.Target.JitterMaxS = 0
	return cfg
}

func stairParams(cfg config.Config) staircase.Params {
	return staircase.Params{
		FloorS:   cfg.Target.MinDurS,
		CeilS:    cfg.Target.MaxDurS,
		InitialS: cfg.Target.InitialDurS,
		SigmaS:   cfg.Target.InitialSDS,
	}
}

// newTestScheduler wires a scheduler onto a virtual clock with an emulated
// pulse source and a scripted press list.
func newTestScheduler(t *testing.T, cfg config.Config, presses []input.Press, disp Display) (*Scheduler, *scanner.VirtualClock, *staircase.Bank) {
	t.Helper()
	clock := scanner.NewVirtualClock()
	source := scanner.NewEmulatedSource(clock, cfg.Scanner.TR(), cfg.Scanner.PulsesPerTR)
	source.Start()
	counter, err := scanner.NewPulseCounter(source, clock, cfg.Run.PollInterval())
	if err != nil {
		t.Fatalf("new counter: %v", err)
	}
	bank := staircase.NewBank(stairParams(cfg))
	sched := NewScheduler(cfg, counter, clock, input.NewScripted(clock, presses), disp, bank, rand.New(rand.NewSource(7)))
	return sched, clock, bank
}

func gainTrial() task.TrialSpec {
	return task.TrialSpec{Cue: task.CueGain, Accuracy: 80, NumITI: 1}
}

func TestScheduler_PhaseOrderAndTiming(t *testing.T) {
	sched, _, _ := newTestScheduler(t, testConfig(), nil, nil)

	rec, phases, err := sched.Run(context.Background(), gainTrial(), 1)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	wantPhases := []Phase{PhaseCue, PhaseFixation, PhaseResponse, PhaseOutcome, PhaseITI}
	wantStart := []time.Duration{0, 2 * time.Second, 4 * time.Second, 6 * time.Second, 8 * time.Second}
	wantPulses := []int64{0, 46, 92, 138, 184}
	if len(phases) != 5 {
		t.Fatalf("got %d phase records, want 5", len(phases))
	}
	for i, ph := range phases {
		if ph.Phase != wantPhases[i] {
			t.Errorf("phase[%d] = %s, want %s", i, ph.Phase, wantPhases[i])
		}
		if ph.TRn != i+1 {
			t.Errorf("phase[%d].TRn = %d, want %d", i, ph.TRn, i+1)
		}
		if ph.Global != wantStart[i] {
			t.Errorf("phase[%d].Global = %v, want %v", i, ph.Global, wantStart[i])
		}
		if ph.TrialTime != wantStart[i] {
			t.Errorf("phase[%d].TrialTime = %v, want %v", i, ph.TrialTime, wantStart[i])
		}
		if ph.PulseCount != wantPulses[i] {
			t.Errorf("phase[%d].PulseCount = %d, want %d", i, ph.PulseCount, wantPulses[i])
		}
		if ph.DriftMS != 0 {
			t.Errorf("phase[%d].DriftMS = %v, want 0", i, ph.DriftMS)
		}
	}

	if rec.Result != ResultMiss || rec.RT != nil {
		t.Errorf("no-press trial scored %s rt=%v, want miss with no RT", rec.Result, rec.RT)
	}
	if rec.TypeCode != 1 || rec.RewardDollars != 5 || rec.Level != task.LevelHigh {
		t.Errorf("trial identity = code %d, stake %d, level %s", rec.TypeCode, rec.RewardDollars, rec.Level)
	}
	if diff := (rec.TargetDur - 265*time.Millisecond).Abs(); diff > time.Millisecond {
		t.Errorf("target duration = %v, want 265ms", rec.TargetDur)
	}
	if rec.TrialEnd != 10*time.Second || rec.SchedEnd != 10*time.Second || rec.DriftMS != 0 {
		t.Errorf("trial end %v sched %v drift %v, want 10s/10s/0", rec.TrialEnd, rec.SchedEnd, rec.DriftMS)
	}
	if rec.TotalTRs != 5 || !rec.Completed {
		t.Errorf("TotalTRs = %d, Completed = %v", rec.TotalTRs, rec.Completed)
	}
	if rec.StairN != 1 || rec.StairSD <= 0 {
		t.Errorf("staircase bookkeeping: n=%d sd=%v", rec.StairN, rec.StairSD)
	}
	if rec.RewardOutcome != "$0" || rec.TotalEarned != 0 {
		t.Errorf("gain miss paid %q total %d, want $0/0", rec.RewardOutcome, rec.TotalEarned)
	}
}

func TestScheduler_HitInsideWindow(t *testing.T) {
	presses := []input.Press{{Key: "1", At: 4100 * time.Millisecond}}
	sched, _, _ := newTestScheduler(t, testConfig(), presses, nil)

	rec, _, err := sched.Run(context.Background(), gainTrial(), 1)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rec.Result != ResultHit {
		t.Fatalf("result = %s, want hit", rec.Result)
	}
	if rec.RT == nil || *rec.RT != 100*time.Millisecond {
		t.Errorf("RT = %v, want 100ms", rec.RT)
	}
	if rec.RewardOutcome != "+$5" || rec.RewardDelta != 5 || rec.TotalEarned != 5 {
		t.Errorf("payoff = %q delta %d total %d, want +$5/5/5", rec.RewardOutcome, rec.RewardDelta, rec.TotalEarned)
	}
}

func TestScheduler_PressAtOnsetHits(t *testing.T) {
	presses := []input.Press{{Key: "1", At: 4 * time.Second}}
	sched, _, _ := newTestScheduler(t, testConfig(), presses, nil)

	rec, _, err := sched.Run(context.Background(), gainTrial(), 1)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rec.Result != ResultHit || rec.RT == nil || *rec.RT != 0 {
		t.Errorf("press at onset scored %s rt=%v, want hit at 0ms", rec.Result, rec.RT)
	}
}

func TestScheduler_LatePressMisses(t *testing.T) {
	// Window is [4s, 4.265s); both presses land after it closes.
	cases := []time.Duration{4265 * time.Millisecond, 4500 * time.Millisecond}
	for _, at := range cases {
		sched, _, _ := newTestScheduler(t, testConfig(), []input.Press{{Key: "1", At: at}}, nil)
		rec, _, err := sched.Run(context.Background(), gainTrial(), 1)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if rec.Result != ResultMiss {
			t.Errorf("press at %v scored %s, want miss", at, rec.Result)
		}
		if rec.RT == nil || *rec.RT != at-4*time.Second {
			t.Errorf("press at %v: RT = %v, want %v", at, rec.RT, at-4*time.Second)
		}
	}
}

func TestScheduler_FirstPressWins(t *testing.T) {
	presses := []input.Press{
		{Key: "1", At: 4100 * time.Millisecond},
		{Key: "1", At: 4150 * time.Millisecond},
		{Key: "2", At: 4900 * time.Millisecond},
	}
	sched, _, _ := newTestScheduler(t, testConfig(), presses, nil)

	rec, _, err := sched.Run(context.Background(), gainTrial(), 1)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rec.Result != ResultHit || rec.RT == nil || *rec.RT != 100*time.Millisecond {
		t.Errorf("scored %s rt=%v, want hit from the first press at 100ms", rec.Result, rec.RT)
	}
}

func TestScheduler_EarlyPressInFixation(t *testing.T) {
	presses := []input.Press{
		{Key: "1", At: 2500 * time.Millisecond}, // fixation window
		{Key: "1", At: 4100 * time.Millisecond}, // would have been a hit
	}
	sched, _, bank := newTestScheduler(t, testConfig(), presses, nil)

	spec := task.TrialSpec{Cue: task.CueLoss, Accuracy: 80, NumITI: 1}
	rec, _, err := sched.Run(context.Background(), spec, 1)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rec.Result != ResultEarly {
		t.Fatalf("result = %s, want early", rec.Result)
	}
	if rec.RT != nil {
		t.Errorf("early trial recorded RT %v, want none", *rec.RT)
	}
	if rec.RewardOutcome != "-$5" || rec.TotalEarned != -5 {
		t.Errorf("loss early paid %q total %d, want -$5/-5", rec.RewardOutcome, rec.TotalEarned)
	}

	// Early scores as a miss observation: the high staircase steps up.
	st, err := bank.State(task.LevelHigh)
	if err != nil {
		t.Fatalf("bank state: %v", err)
	}
	if st.Count != 1 {
		t.Errorf("staircase count = %d, want 1", st.Count)
	}
	if st.IntensityS <= 0.135 {
		t.Errorf("intensity = %v after early press, want raised above 0.135", st.IntensityS)
	}
}

func TestScheduler_EarlyPressBeforeOnset(t *testing.T) {
	cfg := config.Default() // keep jitter: onset is strictly after phase start
	presses := []input.Press{{Key: "1", At: 4001 * time.Millisecond}}
	sched, _, _ := newTestScheduler(t, cfg, presses, nil)

	rec, _, err := sched.Run(context.Background(), gainTrial(), 1)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rec.Jitter <= time.Millisecond {
		t.Skipf("seeded jitter %v too small to land a pre-onset press", rec.Jitter)
	}
	if rec.Result != ResultEarly || rec.RT != nil {
		t.Errorf("pre-onset press scored %s rt=%v, want early with no RT", rec.Result, rec.RT)
	}
}

func TestScheduler_CuePressRecordedNotScored(t *testing.T) {
	presses := []input.Press{
		{Key: "1", At: 500 * time.Millisecond},
		{Key: "1", At: 1000 * time.Millisecond},
	}
	sched, _, _ := newTestScheduler(t, testConfig(), presses, nil)

	rec, _, err := sched.Run(context.Background(), gainTrial(), 1)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rec.CuePresses != 2 {
		t.Errorf("cue presses = %d, want 2", rec.CuePresses)
	}
	if rec.Result != ResultMiss {
		t.Errorf("result = %s, want miss (cue presses never score)", rec.Result)
	}
}

// cancelClock cancels a context once virtual time passes a threshold.
type cancelClock struct {
	*scanner.VirtualClock
	at     time.Duration
	cancel context.CancelFunc
	fired  bool
}

func (c *cancelClock) Sleep(d time.Duration) {
	c.VirtualClock.Sleep(d)
	if !c.fired && c.VirtualClock.Elapsed() >= c.at {
		c.fired = true
		c.cancel()
	}
}

// newQuitScheduler builds a scheduler whose session is cancelled once the
// clock reaches at.
func newQuitScheduler(t *testing.T, at time.Duration) (*Scheduler, context.Context, *staircase.Bank) {
	t.Helper()
	cfg := testConfig()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	clock := &cancelClock{VirtualClock: scanner.NewVirtualClock(), at: at, cancel: cancel}
	source := scanner.NewEmulatedSource(clock, cfg.Scanner.TR(), cfg.Scanner.PulsesPerTR)
	source.Start()
	counter, err := scanner.NewPulseCounter(source, clock, cfg.Run.PollInterval())
	if err != nil {
		t.Fatalf("new counter: %v", err)
	}
	bank := staircase.NewBank(stairParams(cfg))
	sched := NewScheduler(cfg, counter, clock, input.None{}, nil, bank, rand.New(rand.NewSource(7)))
	return sched, ctx, bank
}

func TestScheduler_QuitMidResponse(t *testing.T) {
	sched, ctx, bank := newQuitScheduler(t, 4500*time.Millisecond)

	rec, phases, err := sched.Run(ctx, gainTrial(), 1)
	if !errors.Is(err, scanner.ErrQuit) {
		t.Fatalf("run error = %v, want ErrQuit", err)
	}

	// Cue and fixation completed; the interrupted response emits nothing.
	if len(phases) != 2 || phases[1].Phase != PhaseFixation {
		t.Fatalf("committed phases = %+v, want cue and fixation only", phases)
	}
	if rec.Completed {
		t.Error("abandoned trial marked completed")
	}
	if rec.Result != "" {
		t.Errorf("abandoned trial scored %q, want unscored", rec.Result)
	}
	if st, _ := bank.State(task.LevelHigh); st.Count != 0 {
		t.Errorf("staircase saw %d observations from an abandoned trial", st.Count)
	}
	if sched.TotalEarned() != 0 {
		t.Errorf("earnings changed to %d on an abandoned trial", sched.TotalEarned())
	}
}

func TestScheduler_QuitMidCue(t *testing.T) {
	sched, ctx, _ := newQuitScheduler(t, time.Second)

	rec, phases, err := sched.Run(ctx, gainTrial(), 1)
	if !errors.Is(err, scanner.ErrQuit) {
		t.Fatalf("run error = %v, want ErrQuit", err)
	}
	if len(phases) != 0 {
		t.Errorf("committed phases = %+v, want none", phases)
	}
	if rec.Onset != 0 || rec.Completed {
		t.Errorf("partial record: onset %v completed %v", rec.Onset, rec.Completed)
	}
}

// laggedSource delivers pulses a fixed delay behind the clock, so every TR
// boundary lands late.
type laggedSource struct {
	clock scanner.Clock
	tr    time.Duration
	ppTR  int
	lag   time.Duration
}

func (l *laggedSource) ReadCount() (int64, error) {
	e := l.clock.Elapsed() - l.lag
	if e < 0 {
		return 0, nil
	}
	return int64(float64(e) / float64(l.tr) * float64(l.ppTR)), nil
}

func (l *laggedSource) Start()           {}
func (l *laggedSource) PulsesPerTR() int { return l.ppTR }

func TestScheduler_DriftRecordedNotCorrected(t *testing.T) {
	cfg := testConfig()
	clock := scanner.NewVirtualClock()
	source := &laggedSource{clock: clock, tr: cfg.Scanner.TR(), ppTR: cfg.Scanner.PulsesPerTR, lag: 100 * time.Millisecond}
	counter, err := scanner.NewPulseCounter(source, clock, cfg.Run.PollInterval())
	if err != nil {
		t.Fatalf("new counter: %v", err)
	}
	bank := staircase.NewBank(stairParams(cfg))
	sched := NewScheduler(cfg, counter, clock, input.None{}, nil, bank, rand.New(rand.NewSource(7)))

	rec, phases, err := sched.Run(context.Background(), gainTrial(), 1)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	// Cue ran on time; every later phase started one lag late and reported
	// it, with no compounding and no correction.
	if phases[0].DriftMS != 0 {
		t.Errorf("cue drift = %v, want 0", phases[0].DriftMS)
	}
	for _, ph := range phases[1:] {
		if ph.DriftMS != 100 {
			t.Errorf("%s drift = %v, want 100", ph.Phase, ph.DriftMS)
		}
	}
	if rec.DriftMS != 100 {
		t.Errorf("trial drift = %v, want 100", rec.DriftMS)
	}
	if rec.TrialEnd != 10*time.Second+100*time.Millisecond {
		t.Errorf("trial end = %v, want 10.1s", rec.TrialEnd)
	}
}

func TestScheduler_TwoITITRs(t *testing.T) {
	sched, _, _ := newTestScheduler(t, testConfig(), nil, nil)

	spec := gainTrial()
	spec.NumITI = 2
	rec, phases, err := sched.Run(context.Background(), spec, 1)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(phases) != 6 || rec.TotalTRs != 6 {
		t.Fatalf("got %d phases, TotalTRs %d, want 6/6", len(phases), rec.TotalTRs)
	}
	if phases[4].Phase != PhaseITI || phases[5].Phase != PhaseITI {
		t.Errorf("last phases = %s, %s, want two post-outcome fixations", phases[4].Phase, phases[5].Phase)
	}
	if rec.TrialEnd != 12*time.Second {
		t.Errorf("trial end = %v, want 12s", rec.TrialEnd)
	}
	if phases[5].PulseCount != 230 {
		t.Errorf("final pulse count = %d, want 230", phases[5].PulseCount)
	}
}

func TestScheduler_CumulativeEarningsAcrossTrials(t *testing.T) {
	presses := []input.Press{
		{Key: "1", At: 4100 * time.Millisecond},  // trial 1: gain hit
		{Key: "1", At: 24100 * time.Millisecond}, // trial 3: neutral hit
	}
	sched, _, _ := newTestScheduler(t, testConfig(), presses, nil)

	specs := []task.TrialSpec{
		{Cue: task.CueGain, Accuracy: 80, NumITI: 1},
		{Cue: task.CueLoss, Accuracy: 80, NumITI: 1},
		{Cue: task.CueNeutral, Accuracy: 50, NumITI: 1},
	}
	// Deltas +5, -5, +0; pulse totals stamped at each cue onset.
	wantTotal := []int{5, 0, 0}
	wantPulse := []int64{0, 230, 460}
	for i, spec := range specs {
		rec, _, err := sched.Run(context.Background(), spec, i+1)
		if err != nil {
			t.Fatalf("trial %d: %v", i+1, err)
		}
		if rec.TotalEarned != wantTotal[i] {
			t.Errorf("total after trial %d = %d, want %d", i+1, rec.TotalEarned, wantTotal[i])
		}
		if rec.PulseCount != wantPulse[i] {
			t.Errorf("trial %d cue pulse count = %d, want %d", i+1, rec.PulseCount, wantPulse[i])
		}
		if rec.DriftMS != 0 {
			t.Errorf("trial %d drift = %v, want 0", i+1, rec.DriftMS)
		}
	}
	if sched.TotalEarned() != 0 {
		t.Errorf("session total = %d, want 0", sched.TotalEarned())
	}
	if sched.Nominal() != 30*time.Second {
		t.Errorf("nominal = %v, want 30s", sched.Nominal())
	}
	// The last post-outcome TR's pulses are drained by the next trial, so
	// the running total trails the wall count by one TR here.
	if sched.PulseCount() != 644 {
		t.Errorf("pulse count = %d, want 644", sched.PulseCount())
	}
}

func TestScheduler_UnknownLevelFails(t *testing.T) {
	sched, _, _ := newTestScheduler(t, testConfig(), nil, nil)

	spec := task.TrialSpec{Cue: task.CueGain, Accuracy: 99, NumITI: 1}
	_, phases, err := sched.Run(context.Background(), spec, 1)
	if !errors.Is(err, staircase.ErrUnknownLevel) {
		t.Fatalf("run error = %v, want ErrUnknownLevel", err)
	}
	if len(phases) != 0 {
		t.Errorf("phases = %+v, want none before validation failure", phases)
	}
}

func TestScheduler_JitterReproducibleBySeed(t *testing.T) {
	run := func(seed int64) time.Duration {
		cfg := config.Default()
		clock := scanner.NewVirtualClock()
		source := scanner.NewEmulatedSource(clock, cfg.Scanner.TR(), cfg.Scanner.PulsesPerTR)
		source.Start()
		counter, err := scanner.NewPulseCounter(source, clock, cfg.Run.PollInterval())
		if err != nil {
			t.Fatalf("new counter: %v", err)
		}
		bank := staircase.NewBank(stairParams(cfg))
		sched := NewScheduler(cfg, counter, clock, input.None{}, nil, bank, rand.New(rand.NewSource(seed)))
		rec, _, err := sched.Run(context.Background(), gainTrial(), 1)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		return rec.Jitter
	}

	if a, b := run(11), run(11); a != b {
		t.Errorf("same seed produced jitters %v and %v", a, b)
	}
	if a, b := run(11), run(12); a == b {
		t.Errorf("different seeds produced identical jitter %v", a)
	}
	if j := run(11); j < 0 || j >= 50*time.Millisecond {
		t.Errorf("jitter %v outside [0, 50ms)", j)
	}
}

// recordingDisplay captures presentation events with their clock times.
type recordingDisplay struct {
	clock  scanner.Clock
	events []string
	times  []time.Duration
}

func (d *recordingDisplay) add(e string) {
	d.events = append(d.events, e)
	d.times = append(d.times, d.clock.Elapsed())
}

func (d *recordingDisplay) ShowCue(task.CueType, int)       { d.add("cue") }
func (d *recordingDisplay) ShowFixation()                   { d.add("fixation") }
func (d *recordingDisplay) ShowTarget()                     { d.add("target") }
func (d *recordingDisplay) HideTarget()                     { d.add("hide-target") }
func (d *recordingDisplay) ShowOutcome(Result, string, int) { d.add("outcome") }
func (d *recordingDisplay) ShowITI()                        { d.add("iti") }

func TestScheduler_DisplaySequence(t *testing.T) {
	disp := &recordingDisplay{}
	sched, clock, _ := newTestScheduler(t, testConfig(), nil, disp)
	disp.clock = clock

	if _, _, err := sched.Run(context.Background(), gainTrial(), 1); err != nil {
		t.Fatalf("run: %v", err)
	}

	want := []string{"cue", "fixation", "target", "hide-target", "outcome", "iti"}
	if len(disp.events) != len(want) {
		t.Fatalf("events = %v, want %v", disp.events, want)
	}
	for i := range want {
		if disp.events[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, disp.events[i], want[i])
		}
	}
	if disp.times[2] != 4*time.Second {
		t.Errorf("target shown at %v, want 4s", disp.times[2])
	}
	if disp.times[3] != 4265*time.Millisecond {
		t.Errorf("target hidden at %v, want 4.265s", disp.times[3])
	}
}

func TestPayoff_Table(t *testing.T) {
	cases := []struct {
		cue       task.CueType
		result    Result
		wantDelta int
		wantLabel string
	}{
		{task.CueGain, ResultHit, 5, "+$5"},
		{task.CueGain, ResultMiss, 0, "$0"},
		{task.CueGain, ResultEarly, 0, "$0"},
		{task.CueLoss, ResultHit, 0, "$0"},
		{task.CueLoss, ResultMiss, -5, "-$5"},
		{task.CueLoss, ResultEarly, -5, "-$5"},
		{task.CueNeutral, ResultHit, 0, "$0"},
		{task.CueNeutral, ResultMiss, 0, "$0"},
		{task.CueNeutral, ResultEarly, 0, "$0"},
	}
	for _, tc := range cases {
		delta, label := Payoff(tc.cue, tc.result, 5)
		if delta != tc.wantDelta || label != tc.wantLabel {
			t.Errorf("Payoff(%s, %s) = %d %q, want %d %q",
				tc.cue, tc.result, delta, label, tc.wantDelta, tc.wantLabel)
		}
	}
}
