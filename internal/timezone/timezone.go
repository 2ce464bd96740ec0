package timezone

import (
	"sync"
	"time"

	"github.com/guilherme-santos/calendarhub/internal"
)

var locations sync.Map // name -> *time.Location

// Load returns the location for an IANA zone name. An empty name is UTC.
// Locations are loaded from the tz database once and reused.
func Load(name string) (*time.Location, error) {
	if name == "" || name == "UTC" {
		return time.UTC, nil
	}
	if loc, ok := locations.Load(name); ok {
		return loc.(*time.Location), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, &internal.ValidationError{Field: "timezone", Reason: err.Error()}
	}
	locations.Store(name, loc)
	return loc, nil
}

// Normalize returns a copy of e with start and end expressed in toZone. The
// source event is never modified. All-day events and equal zones are
// returned unchanged (as a copy), all-day dates are floating.
func Normalize(e *internal.Event, fromZone, toZone string) (*internal.Event, error) {
	out := e.Clone()
	if e.AllDay || fromZone == toZone {
		return out, nil
	}
	from, err := Load(fromZone)
	if err != nil {
		return nil, err
	}
	to, err := Load(toZone)
	if err != nil {
		return nil, err
	}
	out.Start = e.Start.In(from).In(to)
	out.End = e.End.In(from).In(to)
	out.Timezone = toZone
	return out, nil
}

// NormalizeAll converts every event from its own zone to toZone. Events with
// an unknown zone are kept as is and reported through skipped.
func NormalizeAll(events []*internal.Event, toZone string) (out []*internal.Event, skipped []error) {
	out = make([]*internal.Event, 0, len(events))
	for _, e := range events {
		n, err := Normalize(e, e.Timezone, toZone)
		if err != nil {
			skipped = append(skipped, err)
			out = append(out, e)
			continue
		}
		out = append(out, n)
	}
	return out, skipped
}

// Window reinterprets the wall clock of start and end in zone and returns the
// matching instants in UTC, the zone the ledger is queried in.
func Window(start, end time.Time, zone string) (time.Time, time.Time, error) {
	loc, err := Load(zone)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return wall(start, loc).UTC(), wall(end, loc).UTC(), nil
}

// ParseInZone parses value with layout as a wall clock time in zone.
func ParseInZone(layout, value, zone string) (time.Time, error) {
	loc, err := Load(zone)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.ParseInLocation(layout, value, loc)
	if err != nil {
		return time.Time{}, &internal.ValidationError{Field: "time", Reason: err.Error()}
	}
	return t, nil
}

func wall(t time.Time, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
}
