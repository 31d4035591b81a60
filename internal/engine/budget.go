package engine

import (
	"fmt"
	"time"
)

// Budget holds the hard ceilings of one run. Zero disables a ceiling.
type Budget struct {
	MaxSteps    int
	MaxDuration time.Duration
	MaxTokens   int // compared against provider-reported totals
}

// DefaultBudget mirrors the CLI defaults.
func DefaultBudget() Budget {
	return Budget{
		MaxSteps:    200,
		MaxDuration: 30 * time.Minute,
	}
}

// MayContinue reports whether another PLANNING transition is allowed.
// When it is not, reason names the ceiling that was reached.
func (b Budget) MayContinue(st *State) (bool, string) {
	if b.MaxSteps > 0 && st.Step >= b.MaxSteps {
		return false, fmt.Sprintf("step limit reached (%d/%d)", st.Step, b.MaxSteps)
	}
	if b.MaxDuration > 0 {
		if elapsed := st.Elapsed(); elapsed >= b.MaxDuration {
			return false, fmt.Sprintf("time limit reached (%s/%s)", elapsed.Round(time.Second), b.MaxDuration)
		}
	}
	if b.MaxTokens > 0 && st.Totals.Total >= b.MaxTokens {
		return false, fmt.Sprintf("token limit reached (%d/%d)", st.Totals.Total, b.MaxTokens)
	}
	return true, ""
}

// deadline returns the absolute wall-clock deadline of the run, if any.
func (b Budget) deadline(st *State) (time.Time, bool) {
	if b.MaxDuration <= 0 || st.Started.IsZero() {
		return time.Time{}, false
	}
	return st.Started.Add(b.MaxDuration), true
}
