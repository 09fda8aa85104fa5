package task

import (
	"encoding/csv"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strconv"
	"strings"
)

// #region load

// LoadSequence reads a run sequence CSV and returns the trial specs in file
// order. Required columns: cue_type, target_accuracy. Optional: n_iti (when
// absent, AssignITI fills it in). Every row is validated here so that a bad
// sequence is rejected before any trial begins.
func LoadSequence(path string) ([]TrialSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sequence: %w", err)
	}
	defer f.Close()
	specs, err := ParseSequence(f)
	if err != nil {
		return nil, fmt.Errorf("sequence %s: %w", path, err)
	}
	return specs, nil
}

// ParseSequence parses sequence CSV content from a reader.
func ParseSequence(r io.Reader) ([]TrialSpec, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%w: empty file", ErrMalformedSpec)
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(strings.ToLower(name))] = i
	}
	cueIdx, ok := cols["cue_type"]
	if !ok {
		return nil, fmt.Errorf("%w: missing cue_type column", ErrMalformedSpec)
	}
	accIdx, ok := cols["target_accuracy"]
	if !ok {
		return nil, fmt.Errorf("%w: missing target_accuracy column", ErrMalformedSpec)
	}
	itiIdx, hasITI := cols["n_iti"]

	var specs []TrialSpec
	row := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", row+1, err)
		}
		row++

		acc, err := strconv.Atoi(strings.TrimSpace(rec[accIdx]))
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: target_accuracy %q is not an integer", ErrMalformedSpec, row, rec[accIdx])
		}
		spec := TrialSpec{
			Cue:      CueType(strings.TrimSpace(strings.ToLower(rec[cueIdx]))),
			Accuracy: acc,
		}
		if hasITI {
			n, err := strconv.Atoi(strings.TrimSpace(rec[itiIdx]))
			if err != nil {
				return nil, fmt.Errorf("%w: row %d: n_iti %q is not an integer", ErrMalformedSpec, row, rec[itiIdx])
			}
			spec.NumITI = n
		}
		if err := spec.Validate(!hasITI); err != nil {
			return nil, fmt.Errorf("row %d: %w", row, err)
		}
		specs = append(specs, spec)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: no trials", ErrMalformedSpec)
	}
	return specs, nil
}

// #endregion load

// #region iti-assignment

// AssignITI fills in NumITI for specs that lack one: half the trials get
// 2 ITI TRs and half get 1, shuffled with the session RNG. Specs that
// already carry an explicit n_iti are left untouched.
func AssignITI(specs []TrialSpec, rng *rand.Rand) {
	var open []int
	for i := range specs {
		if specs[i].NumITI == 0 {
			open = append(open, i)
		}
	}
	if len(open) == 0 {
		return
	}
	vec := make([]int, len(open))
	for i := range vec {
		vec[i] = 1
	}
	for i := 0; i < len(vec)/2; i++ {
		vec[i] = 2
	}
	rng.Shuffle(len(vec), func(i, j int) { vec[i], vec[j] = vec[j], vec[i] })
	for i, idx := range open {
		specs[idx].NumITI = vec[i]
	}
}

// #endregion iti-assignment

// #region counts

// CountByLevel tallies trials per accuracy level, used for session summaries
// and manifest bookkeeping.
func CountByLevel(specs []TrialSpec) map[Level]int {
	counts := make(map[Level]int, 3)
	for _, s := range specs {
		counts[s.Level()]++
	}
	return counts
}

// #endregion counts

// #region balanced

// BalancedSequence generates n trials cycling through the nine cue/accuracy
// combinations in type-code order, for simulated runs that need no CSV.
// NumITI is left unassigned.
func BalancedSequence(n int) []TrialSpec {
	combos := make([]TrialSpec, 0, 9)
	for _, cue := range []CueType{CueGain, CueLoss, CueNeutral} {
		for _, acc := range []int{80, 50, 20} {
			combos = append(combos, TrialSpec{Cue: cue, Accuracy: acc})
		}
	}
	specs := make([]TrialSpec, n)
	for i := range specs {
		specs[i] = combos[i%len(combos)]
	}
	return specs
}

// #endregion balanced
