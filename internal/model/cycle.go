package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidCycle is returned when an explicit cycle override names an hour
// the model does not publish, or when the input clock is not UTC.
var ErrInvalidCycle = errors.New("invalid model cycle")

// Cycle is the logical (date, hour) label of one forecast model run.
type Cycle struct {
	Date time.Time // midnight UTC of the run date
	Hour int       // 0..23, a member of the profile's valid cycles
}

// NewCycle builds a cycle from a calendar date and hour.
func NewCycle(year int, month time.Month, day, hour int) Cycle {
	return Cycle{
		Date: time.Date(year, month, day, 0, 0, 0, 0, time.UTC),
		Hour: hour,
	}
}

// Time returns the cycle's nominal instant.
func (c Cycle) Time() time.Time {
	return c.Date.Add(time.Duration(c.Hour) * time.Hour)
}

// DateCompact is the YYYYMMDD form used in file names and tile paths.
func (c Cycle) DateCompact() string { return c.Date.Format("20060102") }

// DateISO is the YYYY-MM-DD form passed to subprocesses.
func (c Cycle) DateISO() string { return c.Date.Format("2006-01-02") }

// HourPadded is the two-digit cycle hour ("01").
func (c Cycle) HourPadded() string { return fmt.Sprintf("%02d", c.Hour) }

// Formatted is the client-facing "<cc>Z" form ("01Z").
func (c Cycle) Formatted() string { return fmt.Sprintf("%02dZ", c.Hour) }

// Timestamp is the tile-path directory name, "<YYYYMMDD>T<cc>z".
func (c Cycle) Timestamp() string {
	return fmt.Sprintf("%sT%02dz", c.DateCompact(), c.Hour)
}

// String renders the canonical YYYYMMDDHH form.
func (c Cycle) String() string {
	return c.DateCompact() + c.HourPadded()
}

// ResolveCycle computes the target cycle for a run.
//
// With an override, the override is validated against the profile's valid
// cycles and returned unchanged. Without one, the availability delay is
// subtracted from now and the hour floored to the cadence; rounding is always
// down, never nearest, so the result is both published and most recent.
// The clock must be UTC; weather cycles are UTC labels and a local clock
// would silently shift the date across midnight.
func ResolveCycle(now time.Time, p Profile, override *Cycle) (Cycle, error) {
	if override != nil {
		if !p.IsValidCycle(override.Hour) {
			return Cycle{}, fmt.Errorf("%w: hour %02d not in %s cycles (cadence %dh)",
				ErrInvalidCycle, override.Hour, p.Name, p.CadenceHours)
		}
		return *override, nil
	}

	if now.Location() != time.UTC {
		return Cycle{}, fmt.Errorf("%w: clock must be UTC, got %s", ErrInvalidCycle, now.Location())
	}

	// Subtract the publication lag first, then floor. Using the whole shifted
	// instant (not just its hour) is what makes the midnight crossing work.
	t := now.Add(-time.Duration(p.AvailabilityDelayHours) * time.Hour)
	hour := t.Hour() - t.Hour()%p.CadenceHours

	return NewCycle(t.Year(), t.Month(), t.Day(), hour), nil
}
