package staircase

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/HAPNlab/mid-task/internal/task"
)

func mustDuration(t *testing.T, b *Bank, lv task.Level) time.Duration {
	t.Helper()
	d, err := b.DurationFor(lv)
	if err != nil {
		t.Fatalf("duration for %s: %v", lv, err)
	}
	return d
}

func TestBank_InitialDuration(t *testing.T) {
	b := NewBank(DefaultParams())

	// Floor 130 ms + initial intensity 135 ms.
	for _, lv := range task.Levels() {
		d := mustDuration(t, b, lv)
		if diff := (d - 265*time.Millisecond).Abs(); diff > time.Millisecond {
			t.Errorf("initial duration for %s = %v, want 265ms", lv, d)
		}
	}
}

func TestBank_AllHitsDescendToFloor(t *testing.T) {
	b := NewBank(DefaultParams())

	prev := mustDuration(t, b, task.LevelHigh)
	for i := 0; i < 40; i++ {
		if err := b.Record(task.LevelHigh, true); err != nil {
			t.Fatalf("record: %v", err)
		}
		d := mustDuration(t, b, task.LevelHigh)
		if d > prev {
			t.Fatalf("duration rose from %v to %v after hit %d", prev, d, i+1)
		}
		if d < 130*time.Millisecond {
			t.Fatalf("duration %v below floor after hit %d", d, i+1)
		}
		prev = d
	}
	if prev != 130*time.Millisecond {
		t.Errorf("duration after 40 hits = %v, want pinned at 130ms", prev)
	}
}

func TestBank_AllMissesClimbToCeiling(t *testing.T) {
	b := NewBank(DefaultParams())

	prev := mustDuration(t, b, task.LevelHigh)
	for i := 0; i < 40; i++ {
		if err := b.Record(task.LevelHigh, false); err != nil {
			t.Fatalf("record: %v", err)
		}
		d := mustDuration(t, b, task.LevelHigh)
		if d < prev {
			t.Fatalf("duration fell from %v to %v after miss %d", prev, d, i+1)
		}
		if d > 500*time.Millisecond {
			t.Fatalf("duration %v above ceiling after miss %d", d, i+1)
		}
		prev = d
	}
	if prev != 500*time.Millisecond {
		t.Errorf("duration after 40 misses = %v, want pinned at 500ms", prev)
	}
}

func TestBank_ThreeHitsAndMissesStayInBounds(t *testing.T) {
	hits := NewBank(DefaultParams())
	misses := NewBank(DefaultParams())

	for i := 0; i < 3; i++ {
		hits.Record(task.LevelHigh, true)
		misses.Record(task.LevelHigh, false)
	}
	if d := mustDuration(t, hits, task.LevelHigh); d < 130*time.Millisecond {
		t.Errorf("three hits pushed duration to %v, below 130ms", d)
	}
	if d := mustDuration(t, misses, task.LevelHigh); d > 500*time.Millisecond {
		t.Errorf("three misses pushed duration to %v, above 500ms", d)
	}
}

func TestBank_AlternatingResponsesStayBounded(t *testing.T) {
	b := NewBank(DefaultParams())

	// Hovering at the medium target rate should not drift far from start.
	for i := 0; i < 60; i++ {
		b.Record(task.LevelMedium, i%2 == 0)
		d := mustDuration(t, b, task.LevelMedium)
		if diff := (d - 265*time.Millisecond).Abs(); diff > 100*time.Millisecond {
			t.Fatalf("duration %v after %d alternating responses drifted past 100ms", d, i+1)
		}
	}
}

func TestEstimator_SDShrinksWithObservations(t *testing.T) {
	b := NewBank(DefaultParams())

	before := b.Snapshot()[1] // medium
	if before.SDS < 0.05 || before.SDS > 0.08 {
		t.Fatalf("prior SD = %v, want near 0.067", before.SDS)
	}
	for i := 0; i < 20; i++ {
		b.Record(task.LevelMedium, i%2 == 0)
	}
	after := b.Snapshot()[1]
	if after.SDS >= before.SDS {
		t.Errorf("SD did not shrink: %v -> %v", before.SDS, after.SDS)
	}
	if after.SDS <= 0 {
		t.Errorf("SD collapsed to %v", after.SDS)
	}
}

func TestEstimator_ConvergesOnStepSubject(t *testing.T) {
	b := NewBank(DefaultParams())

	// Subject hits whenever intensity is at least 250 ms above floor. The
	// 0.8 quantile of that step sits exactly at 0.25, so the high staircase
	// should settle near it.
	const trueThreshold = 0.250
	for i := 0; i < 60; i++ {
		d := mustDuration(t, b, task.LevelHigh)
		intensity := d.Seconds() - 0.130
		b.Record(task.LevelHigh, intensity >= trueThreshold)
	}
	final := b.Snapshot()[0].IntensityS
	if math.Abs(final-trueThreshold) > 0.05 {
		t.Errorf("final intensity %v, want within 50ms of %v", final, trueThreshold)
	}
}

func TestBank_NoCrossTalkBetweenLevels(t *testing.T) {
	b := NewBank(DefaultParams())
	mediumBefore := mustDuration(t, b, task.LevelMedium)
	lowBefore := mustDuration(t, b, task.LevelLow)

	for i := 0; i < 10; i++ {
		b.Record(task.LevelHigh, false)
	}

	if d := mustDuration(t, b, task.LevelMedium); d != mediumBefore {
		t.Errorf("medium duration moved from %v to %v on high-level updates", mediumBefore, d)
	}
	if d := mustDuration(t, b, task.LevelLow); d != lowBefore {
		t.Errorf("low duration moved from %v to %v on high-level updates", lowBefore, d)
	}
}

func TestBank_UnknownLevel(t *testing.T) {
	b := NewBank(DefaultParams())

	if _, err := b.DurationFor(task.Level("extreme")); !errors.Is(err, ErrUnknownLevel) {
		t.Errorf("duration error = %v, want ErrUnknownLevel", err)
	}
	if err := b.Record(task.Level("extreme"), true); !errors.Is(err, ErrUnknownLevel) {
		t.Errorf("record error = %v, want ErrUnknownLevel", err)
	}
}

func TestBank_DeterministicAcrossRuns(t *testing.T) {
	responses := []bool{true, false, false, true, true, false, true, false, false, false, true, true}

	run := func() []LevelState {
		b := NewBank(DefaultParams())
		for i, hit := range responses {
			b.Record(task.Levels()[i%3], hit)
		}
		return b.Snapshot()
	}

	first, second := run(), run()
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("level %s diverged across identical runs: %+v vs %+v",
				first[i].Level, first[i], second[i])
		}
	}
}

func TestBank_SnapshotCountsAndOrder(t *testing.T) {
	b := NewBank(DefaultParams())
	b.Record(task.LevelHigh, true)
	b.Record(task.LevelHigh, false)
	b.Record(task.LevelLow, true)

	snap := b.Snapshot()
	wantOrder := []task.Level{task.LevelHigh, task.LevelMedium, task.LevelLow}
	wantCount := []int{2, 0, 1}
	for i, st := range snap {
		if st.Level != wantOrder[i] {
			t.Errorf("snapshot[%d].Level = %s, want %s", i, st.Level, wantOrder[i])
		}
		if st.Count != wantCount[i] {
			t.Errorf("snapshot[%d].Count = %d, want %d", i, st.Count, wantCount[i])
		}
	}
}
