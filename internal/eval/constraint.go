// Package eval decides unit eligibility: it parses declared tags into a
// closed set of constraint variants and evaluates them against the host
// capability snapshot and schedule state.
package eval

import (
	"strconv"
	"time"

	"unitrun/internal/unit"
)

// Kind enumerates the constraint variants with defined semantics. Tags with
// any other prefix (or no prefix) are inert metadata and never block
// execution.
type Kind int

const (
	KindOther Kind = iota
	KindOS
	KindGPU
	KindCPU
	KindDE
	KindHW
	KindPower
	KindDep
	KindSchedule
)

// Constraint is one parsed tag. Interval is meaningful only for
// KindSchedule.
type Constraint struct {
	Kind     Kind
	Value    string
	Interval Interval
	Raw      string
}

// Parse converts a unit's tag set into constraints. Parsing happens once per
// unit; evaluation dispatches on Kind.
func Parse(tags []unit.Tag) []Constraint {
	constraints := make([]Constraint, 0, len(tags))
	for _, tag := range tags {
		constraints = append(constraints, parseOne(tag))
	}
	return constraints
}

func parseOne(tag unit.Tag) Constraint {
	c := Constraint{Value: tag.Value, Raw: tag.Raw}
	switch tag.Prefix {
	case "os":
		c.Kind = KindOS
	case "gpu":
		c.Kind = KindGPU
	case "cpu":
		c.Kind = KindCPU
	case "de":
		c.Kind = KindDE
	case "hw":
		c.Kind = KindHW
	case "power":
		c.Kind = KindPower
	case "dep":
		c.Kind = KindDep
	case "schedule":
		c.Kind = KindSchedule
		c.Interval = ParseInterval(tag.Value)
	default:
		c.Kind = KindOther
	}
	return c
}

// IntervalUnit is the granularity of a schedule interval.
type IntervalUnit int

const (
	IntervalDays IntervalUnit = iota
	IntervalHours
	IntervalMinutes
)

// Interval is a parsed schedule value. An invalid interval is always due:
// malformed schedule tags fail open rather than blocking a unit.
type Interval struct {
	N     int
	Unit  IntervalUnit
	Valid bool
}

// ParseInterval accepts the keywords daily, weekly, and monthly, or a custom
// value of digits followed by a d, h, or m suffix.
func ParseInterval(s string) Interval {
	switch s {
	case "daily":
		return Interval{N: 1, Unit: IntervalDays, Valid: true}
	case "weekly":
		return Interval{N: 7, Unit: IntervalDays, Valid: true}
	case "monthly":
		return Interval{N: 30, Unit: IntervalDays, Valid: true}
	}
	if len(s) < 2 {
		return Interval{}
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n < 0 {
		return Interval{}
	}
	switch s[len(s)-1] {
	case 'd':
		return Interval{N: n, Unit: IntervalDays, Valid: true}
	case 'h':
		return Interval{N: n, Unit: IntervalHours, Valid: true}
	case 'm':
		return Interval{N: n, Unit: IntervalMinutes, Valid: true}
	}
	return Interval{}
}

// Due reports whether enough time has passed since lastRun. Day-granularity
// intervals compare at calendar-day resolution: both instants are floored to
// the start of their UTC day, so two runs crossing a UTC midnight count as a
// day apart even when fewer than 24 real hours elapsed. Hour and minute
// intervals compare strict elapsed wall-clock seconds with a closed lower
// bound.
func (iv Interval) Due(lastRun, now time.Time) bool {
	if !iv.Valid {
		return true
	}
	switch iv.Unit {
	case IntervalDays:
		elapsed := floorDay(now).Sub(floorDay(lastRun))
		return int(elapsed.Hours()/24) >= iv.N
	case IntervalHours:
		return now.Unix()-lastRun.Unix() >= int64(iv.N)*3600
	default:
		return now.Unix()-lastRun.Unix() >= int64(iv.N)*60
	}
}

func floorDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// String names the interval the way it was declared.
func (iv Interval) String() string {
	if !iv.Valid {
		return "invalid"
	}
	suffix := map[IntervalUnit]string{
		IntervalDays:    "d",
		IntervalHours:   "h",
		IntervalMinutes: "m",
	}[iv.Unit]
	return strconv.Itoa(iv.N) + suffix
}

// HasSchedule reports whether any constraint carries schedule state.
func HasSchedule(constraints []Constraint) bool {
	for _, c := range constraints {
		if c.Kind == KindSchedule {
			return true
		}
	}
	return false
}
