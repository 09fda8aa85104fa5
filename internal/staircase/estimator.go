// Package staircase adapts target durations to hold each accuracy level at
// its configured hit rate. One Bayesian estimator runs per level over a
// discretized threshold grid; the Bank maps levels to estimators and turns
// intensities into presentable durations.
//
// Intensities are seconds of duration above the configured floor. The
// estimators carry no randomness: the same response history always yields
// the same intensity sequence.
package staircase

import "math"

// #region psychometric

// Watson–Pelli Weibull parameters. Beta fixes the slope, delta the lapse
// rate, gamma the guess rate.
const (
	weibullBeta  = 3.5
	weibullDelta = 0.01
	weibullGamma = 0.01
)

// grain is the threshold grid spacing in seconds.
const grain = 0.001

// psi is the probability of a hit at x intensity units above threshold.
func psi(x float64) float64 {
	return weibullDelta*weibullGamma +
		(1-weibullDelta)*(1-(1-weibullGamma)*math.Exp(-math.Pow(10, weibullBeta*x)))
}

// thresholdOffset inverts psi so that psi(offset) equals the target
// proportion: adding it inside the likelihood makes "threshold" mean "the
// intensity hit at exactly the target rate".
func thresholdOffset(p float64) float64 {
	return math.Log10(-math.Log((1-(p-weibullDelta*weibullGamma)/(1-weibullDelta))/(1-weibullGamma))) / weibullBeta
}

// #endregion psychometric

// #region estimator

// Estimator maintains a posterior over one level's threshold intensity.
// A Gaussian prior seeds the grid; each recorded response reweights it by
// the Weibull likelihood of that outcome at the intensity presented.
type Estimator struct {
	grid    []float64 // candidate thresholds, seconds
	pdf     []float64 // posterior mass per candidate, sums to 1
	offset  float64   // shift aligning threshold with the target proportion
	min     float64
	max     float64
	count   int
}

// NewEstimator builds an estimator targeting proportion p, with a Gaussian
// prior at initial (SD sd) and intensity bounds [min, max]. The grid
// extends one full span beyond each bound so the posterior can lean past
// them; the bounds clamp only what Intensity reports.
func NewEstimator(initial, sd, p, min, max float64) *Estimator {
	span := max - min
	lo, hi := min-span, max+span
	n := int((hi-lo)/grain) + 1

	e := &Estimator{
		grid:   make([]float64, n),
		pdf:    make([]float64, n),
		offset: thresholdOffset(p),
		min:    min,
		max:    max,
	}
	total := 0.0
	for i := range e.grid {
		t := lo + float64(i)*grain
		e.grid[i] = t
		z := (t - initial) / sd
		e.pdf[i] = math.Exp(-0.5 * z * z)
		total += e.pdf[i]
	}
	for i := range e.pdf {
		e.pdf[i] /= total
	}
	return e
}

// Intensity returns the posterior mean threshold clamped to the intensity
// bounds. This is the value to present next.
func (e *Estimator) Intensity() float64 {
	m := e.mean()
	if m < e.min {
		return e.min
	}
	if m > e.max {
		return e.max
	}
	return m
}

// Record folds one response into the posterior. The likelihood is evaluated
// at the intensity the trial actually presented, i.e. the clamped estimate,
// not the raw posterior mean.
func (e *Estimator) Record(hit bool) {
	x := e.Intensity()
	total := 0.0
	for i, t := range e.grid {
		p := psi(x - t + e.offset)
		if !hit {
			p = 1 - p
		}
		e.pdf[i] *= p
		total += e.pdf[i]
	}
	for i := range e.pdf {
		e.pdf[i] /= total
	}
	e.count++
}

// SD returns the posterior standard deviation, a step-size proxy that
// shrinks as responses accumulate.
func (e *Estimator) SD() float64 {
	m := e.mean()
	v := 0.0
	for i, t := range e.grid {
		d := t - m
		v += e.pdf[i] * d * d
	}
	return math.Sqrt(v)
}

// Count returns how many responses have been recorded.
func (e *Estimator) Count() int { return e.count }

func (e *Estimator) mean() float64 {
	m := 0.0
	for i, t := range e.grid {
		m += e.pdf[i] * t
	}
	return m
}

// #endregion estimator
