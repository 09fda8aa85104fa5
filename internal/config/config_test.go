package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// #region default-tests

func TestDefault_IsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config failed validation: %v", err)
	}
}

func TestDefault_Durations(t *testing.T) {
	cfg := Default()
	if cfg.Phases.Cue() != 2*time.Second {
		t.Errorf("expected 2s cue, got %v", cfg.Phases.Cue())
	}
	if cfg.Scanner.TR() != 2*time.Second {
		t.Errorf("expected 2s TR, got %v", cfg.Scanner.TR())
	}
	if cfg.Target.MinDur() != 130*time.Millisecond {
		t.Errorf("expected 130ms floor, got %v", cfg.Target.MinDur())
	}
	if cfg.Target.InitialDur() != 265*time.Millisecond {
		t.Errorf("expected 265ms initial, got %v", cfg.Target.InitialDur())
	}
	if cfg.Run.PollInterval() != time.Millisecond {
		t.Errorf("expected 1ms poll, got %v", cfg.Run.PollInterval())
	}
}

// #endregion default-tests

// #region load-tests

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg != Default() {
		t.Errorf("expected defaults, got %+v", cfg)
	}
}

func TestLoad_OverlaysFileOnDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "task.yaml")
	body := "target:\n  initial_dur_s: 0.300\nscanner:\n  pulses_per_tr: 10\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Target.InitialDurS != 0.300 {
		t.Errorf("expected overridden initial_dur_s 0.300, got %g", cfg.Target.InitialDurS)
	}
	if cfg.Scanner.PulsesPerTR != 10 {
		t.Errorf("expected overridden pulses_per_tr 10, got %d", cfg.Scanner.PulsesPerTR)
	}
	// Untouched sections keep defaults.
	if cfg.Phases.CueS != 2.0 {
		t.Errorf("expected default cue_s 2.0, got %g", cfg.Phases.CueS)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

// #endregion load-tests

// #region validate-tests

func TestValidate_RejectsBadBounds(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero cue", func(c *Config) { c.Phases.CueS = 0 }, "cue_s"},
		{"inverted bounds", func(c *Config) { c.Target.MaxDurS = 0.1 }, "max_dur_s"},
		{"initial out of range", func(c *Config) { c.Target.InitialDurS = 0.9 }, "initial_dur_s"},
		{"zero pulses", func(c *Config) { c.Scanner.PulsesPerTR = 0 }, "pulses_per_tr"},
		{"negative jitter", func(c *Config) { c.Target.JitterMaxS = -0.01 }, "jitter_max_s"},
		{"zero reward", func(c *Config) { c.Run.RewardDollars = 0 }, "reward_dollars"},
	}
	for _, c := range cases {
		cfg := Default()
		c.mutate(&cfg)
		err := cfg.Validate()
		if err == nil {
			t.Errorf("%s: expected error, got nil", c.name)
			continue
		}
		if !strings.Contains(err.Error(), c.want) {
			t.Errorf("%s: expected %q in error, got %q", c.name, c.want, err.Error())
		}
	}
}

func TestValidate_RejectsTargetOverflowingResponseWindow(t *testing.T) {
	cfg := Default()
	cfg.Target.JitterMaxS = 1.6
	cfg.Target.MaxDurS = 0.5
	// 1.6 + 0.5 > 2.0: the latest-onset target would outlive the phase.
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when jitter + max duration exceed response window")
	}
}

// #endregion validate-tests
