// Package contentwatch decides whether a change in a watched numeric value
// warrants an alert.
package contentwatch

import (
	"fmt"
	"strings"
)

// Mode is the alert rule applied to consecutive readings.
type Mode string

const (
	Increase       Mode = "increase"
	Decrease       Mode = "decrease"
	AnyChange      Mode = "any"
	AboveThreshold Mode = "above"
	BelowThreshold Mode = "below"
)

// ParseMode accepts the mode names above. The empty string maps to Increase.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return Increase, nil
	case Increase, Decrease, AnyChange, AboveThreshold, BelowThreshold:
		return m, nil
	}
	return "", fmt.Errorf("contentwatch: unknown alert mode %q", s)
}

// ShouldAlert applies mode to a previous and current reading. A nil previous
// (no baseline yet) or a nil current (failed observation) never alerts.
func ShouldAlert(previous, current *float64, mode Mode, threshold float64) bool {
	if previous == nil || current == nil {
		return false
	}
	cur, prev := *current, *previous
	switch mode {
	case Decrease:
		return cur < prev
	case AnyChange:
		return cur != prev
	case AboveThreshold:
		return cur > threshold
	case BelowThreshold:
		return cur < threshold
	default:
		return cur > prev
	}
}

// Verdict is the outcome of one evaluation.
type Verdict struct {
	Alert    bool
	Observed bool
	Old      *float64
	New      *float64
	// Baseline is the value to keep for the next comparison.
	Baseline *float64
}

// Evaluate runs ShouldAlert and also reports the next baseline: the current
// reading when there was one, otherwise the unchanged previous value.
func Evaluate(previous, current *float64, mode Mode, threshold float64) Verdict {
	v := Verdict{
		Alert: ShouldAlert(previous, current, mode, threshold),
		Old:   clone(previous),
		New:   clone(current),
	}
	if current != nil {
		v.Observed = true
		v.Baseline = clone(current)
	} else {
		v.Baseline = clone(previous)
	}
	return v
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

func clone(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
