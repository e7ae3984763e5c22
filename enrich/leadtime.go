package enrich

import (
	"slices"
	"strings"
	"time"

	"github.com/teranos/lake/am"
	"github.com/teranos/lake/errors"
)

// StatusChange is one status transition from a record's history
type StatusChange struct {
	At   time.Time
	From string
	To   string
}

// LeadTimeResult is the outcome of a lead-time walk
type LeadTimeResult struct {
	// Duration is the lead time; zero unless the final status is terminal
	Duration time.Duration
	// Terminal reports whether the final status is terminal
	Terminal bool
	// Accumulated is the time spent in non-terminal statuses regardless of the final status
	Accumulated time.Duration
}

// CalculateLeadTime walks history chronologically from created, accumulating the
// time spent while the prior status was not terminal. Time spent in a terminal
// status (e.g. resolved, later reopened) is excluded. current is the record's
// status now; when empty the last transition's target is used.
func CalculateLeadTime(created time.Time, current string, history []StatusChange, isTerminal func(string) bool) LeadTimeResult {
	sorted := slices.Clone(history)
	slices.SortStableFunc(sorted, func(a, b StatusChange) int {
		return a.At.Compare(b.At)
	})

	var (
		accumulated time.Duration
		last        = created
		prior       string
	)
	for _, change := range sorted {
		if change.From != "" {
			prior = change.From
		}
		if prior == "" || !isTerminal(prior) {
			if gap := change.At.Sub(last); gap > 0 {
				accumulated += gap
			}
		}
		if change.At.After(last) {
			last = change.At
		}
		prior = change.To
	}

	final := current
	if final == "" {
		final = prior
	}

	res := LeadTimeResult{Accumulated: accumulated, Terminal: final != "" && isTerminal(final)}
	if res.Terminal {
		res.Duration = accumulated
	}
	return res
}

// Unit is the integer unit lead times are stored in
type Unit string

const (
	Seconds Unit = "seconds"
	Minutes Unit = "minutes"
	Hours   Unit = "hours"
	Days    Unit = "days"
)

// DefaultUnit applies when enrich.lead_time_unit is unset
const DefaultUnit = Days

// ParseUnit accepts seconds, minutes, hours or days; empty yields DefaultUnit
func ParseUnit(s string) (Unit, error) {
	switch u := Unit(strings.ToLower(strings.TrimSpace(s))); u {
	case "":
		return DefaultUnit, nil
	case Seconds, Minutes, Hours, Days:
		return u, nil
	default:
		return "", errors.WithHint(
			errors.Mark(errors.Newf("unknown lead time unit %q", s), am.ErrInvalidConfig),
			"use one of: "+strings.Join(am.LeadTimeUnits, ", "))
	}
}

// Convert truncates d to whole units
func (u Unit) Convert(d time.Duration) int64 {
	switch u {
	case Seconds:
		return int64(d / time.Second)
	case Minutes:
		return int64(d / time.Minute)
	case Hours:
		return int64(d / time.Hour)
	default:
		return int64(d / (24 * time.Hour))
	}
}
