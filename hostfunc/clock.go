package hostfunc

import (
	"math"
	"time"
)

// Clock answers timezone offset queries for one location. Offsets use the
// getTimezoneOffset convention: minutes to add to local time to get UTC, so
// zones west of Greenwich are positive.
type Clock struct {
	loc *time.Location
}

// NewClock returns a Clock for loc, or for the local zone when loc is nil.
func NewClock(loc *time.Location) *Clock {
	if loc == nil {
		loc = time.Local
	}
	return &Clock{loc: loc}
}

func (c *Clock) Location() *time.Location { return c.loc }

// OffsetFromUTC returns the offset in effect at the given UTC instant,
// expressed in milliseconds since the epoch.
func (c *Clock) OffsetFromUTC(utcMillis float64) int32 {
	if math.IsNaN(utcMillis) || math.IsInf(utcMillis, 0) {
		return 0
	}
	t := time.UnixMilli(int64(utcMillis)).In(c.loc)
	return offsetMinutes(t)
}

// OffsetFromLocal returns the offset in effect at a local calendar time.
// month0 is zero-based; out-of-range fields roll over like time.Date.
func (c *Clock) OffsetFromLocal(year, month0, day, hour, min, sec int32) int32 {
	t := time.Date(int(year), time.Month(month0+1), int(day), int(hour), int(min), int(sec), 0, c.loc)
	return offsetMinutes(t)
}

func offsetMinutes(t time.Time) int32 {
	_, east := t.Zone()
	return int32(-east / 60)
}
