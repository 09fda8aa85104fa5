package eval

// #region eval-config
// EvalConfig holds thresholds for post-run validation.
type EvalConfig struct {
	MaxAbsDriftMS float64 // fail if any phase transition drifts farther
	MinLevelCount int     // hit-rate deviation needs this many scored trials
}

// DefaultEvalConfig returns the thresholds used by session checks.
func DefaultEvalConfig() EvalConfig {
	return EvalConfig{
		MaxAbsDriftMS: 500.0,
		MinLevelCount: 10,
	}
}

// #endregion eval-config

// #region eval-metric
// EvalMetric captures a single validation check result.
type EvalMetric struct {
	Name  string
	Value float64
	Pass  bool
}

// #endregion eval-metric

// #region eval-result
// EvalResult is the output of post-run validation.
type EvalResult struct {
	Passed  bool
	Metrics []EvalMetric
	Reason  string
}

// #endregion eval-result
