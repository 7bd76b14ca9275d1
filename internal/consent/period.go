// Package consent holds the date-interval algebra used to decide whether a
// clinical resource falls inside a patient's consent windows.
package consent

import (
	"fmt"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// Date returns midnight UTC of the given day
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// ParseDate reads the date part of a FHIR date or dateTime. Partial dates
// ("2020", "2020-03") resolve to the first day they denote.
func ParseDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	switch {
	case len(value) >= len(dateLayout):
		return time.Parse(dateLayout, value[:len(dateLayout)])
	case len(value) == len("2006-01"):
		return time.Parse("2006-01", value)
	case len(value) == len("2006"):
		return time.Parse("2006", value)
	default:
		return time.Time{}, fmt.Errorf("invalid FHIR date %q", value)
	}
}

// Period is a closed interval of days. Start <= End is assumed, not checked.
type Period struct {
	Start time.Time `bson:"start" json:"start"`
	End   time.Time `bson:"end" json:"end"`
}

func NewPeriod(start, end time.Time) Period {
	return Period{Start: start, End: end}
}

// ParsePeriod builds a period from FHIR date strings. An empty end means the
// period lasts a single day.
func ParsePeriod(start, end string) (Period, error) {
	s, err := ParseDate(start)
	if err != nil {
		return Period{}, err
	}
	if end == "" {
		return Period{Start: s, End: s}, nil
	}
	e, err := ParseDate(end)
	if err != nil {
		return Period{}, err
	}
	return Period{Start: s, End: e}, nil
}

func (p Period) String() string {
	return p.Start.Format(dateLayout) + ".." + p.End.Format(dateLayout)
}

// Intersect returns the overlap of both periods, if any
func (p Period) Intersect(other Period) (Period, bool) {
	maxStart := p.Start
	if other.Start.After(maxStart) {
		maxStart = other.Start
	}
	minEnd := p.End
	if other.End.Before(minEnd) {
		minEnd = other.End
	}

	if maxStart.After(minEnd) {
		return Period{}, false
	}
	return Period{Start: maxStart, End: minEnd}, true
}

// Subtract removes deny from p, leaving zero, one or two remainders
func (p Period) Subtract(deny Period) []Period {
	if _, overlaps := p.Intersect(deny); !overlaps {
		return []Period{p}
	}

	remainders := make([]Period, 0, 2)
	if deny.Start.After(p.Start) {
		remainders = append(remainders, Period{Start: p.Start, End: deny.Start.AddDate(0, 0, -1)})
	}
	if deny.End.Before(p.End) {
		remainders = append(remainders, Period{Start: deny.End.AddDate(0, 0, 1), End: p.End})
	}
	return remainders
}

// NonContinuousPeriod is the possibly disjoint set of windows in which one
// consent code is valid for a patient
type NonContinuousPeriod []Period

// Merge concatenates both period lists. Overlapping or adjacent periods are
// neither sorted nor coalesced.
func (n NonContinuousPeriod) Merge(other NonContinuousPeriod) NonContinuousPeriod {
	merged := make(NonContinuousPeriod, 0, len(n)+len(other))
	merged = append(merged, n...)
	return append(merged, other...)
}

// Update moves the start of every period that strictly contains the encounter
// start to that date, i.e. to when the episode of care actually began
func (n NonContinuousPeriod) Update(encounter Period) NonContinuousPeriod {
	updated := make(NonContinuousPeriod, len(n))
	for i, period := range n {
		if encounter.Start.After(period.Start) && encounter.Start.Before(period.End) {
			period.Start = encounter.Start
		}
		updated[i] = period
	}
	return updated
}

// Within reports whether resource lies strictly inside at least one period
func (n NonContinuousPeriod) Within(resource Period) bool {
	for _, period := range n {
		if period.Start.Before(resource.Start) && period.End.After(resource.End) {
			return true
		}
	}
	return false
}

// Subtract removes deny from every period
func (n NonContinuousPeriod) Subtract(deny Period) NonContinuousPeriod {
	remaining := make(NonContinuousPeriod, 0, len(n))
	for _, period := range n {
		remaining = append(remaining, period.Subtract(deny)...)
	}
	return remaining
}
