package recurrence

import (
	"log/slog"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/guilherme-santos/calendarhub/internal"
	"github.com/guilherme-santos/calendarhub/internal/timezone"
)

const DefaultMaxOccurrences = 5000

// Options controls a single expansion.
type Options struct {
	// MaxOccurrences caps the instances emitted for one master. If zero,
	// DefaultMaxOccurrences is used.
	MaxOccurrences int
	Logger         *slog.Logger
}

// Expand returns the instances of master whose start falls within
// [windowStart, windowEnd]. A master without a recurrence rule is returned
// as is when it overlaps the window.
//
// Occurrence dates, exception lookups and instance ids are computed in the
// rule's reference zone (the master's timezone, UTC for all-day events), so
// expanding the same master over overlapping windows yields identical
// instances for the shared dates.
func Expand(master *internal.Event, windowStart, windowEnd time.Time, opts Options) ([]*internal.Event, error) {
	if master.Recurrence == nil {
		if master.Overlaps(windowStart, windowEnd) {
			return []*internal.Event{master.Clone()}, nil
		}
		return nil, nil
	}
	if err := master.Recurrence.Validate(); err != nil {
		return nil, err
	}
	if windowEnd.Before(windowStart) {
		return nil, nil
	}
	if opts.MaxOccurrences <= 0 {
		opts.MaxOccurrences = DefaultMaxOccurrences
	}

	loc, err := ReferenceZone(master)
	if err != nil {
		return nil, err
	}
	opt := ROption(*master.Recurrence, master.Start.In(loc))
	r, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, &internal.ValidationError{Field: "recurrence", Reason: err.Error()}
	}

	duration := master.Duration()
	out := make([]*internal.Event, 0)

	next := r.Iterator()
	for occ, ok := next(); ok; occ, ok = next() {
		if occ.After(windowEnd) {
			break
		}
		if occ.Before(windowStart) {
			continue
		}
		if len(out) >= opts.MaxOccurrences {
			if opts.Logger != nil {
				opts.Logger.Warn("recurrence: truncated occurrences",
					"event_id", master.ID,
					"cap", opts.MaxOccurrences,
				)
			}
			break
		}

		date := internal.NewDateFromTime(occ.In(loc))
		inst := newInstance(master, occ, duration, date)

		if ex, found := master.Exception(date); found {
			switch ex.Status {
			case internal.ExceptionCancelled:
				continue
			case internal.ExceptionModified:
				ex.Override.Apply(inst)
				d := date
				inst.ExceptionDate = &d
			}
		}
		out = append(out, inst)
	}
	return out, nil
}

func newInstance(master *internal.Event, start time.Time, duration time.Duration, date internal.Date) *internal.Event {
	inst := master.Clone()
	inst.ID = internal.InstanceID(master.ID, date)
	inst.Start = start.UTC()
	inst.End = start.Add(duration).UTC()
	inst.Recurrence = nil
	inst.Exceptions = nil
	inst.IsRecurringInstance = true
	inst.OriginalEventID = master.ID
	inst.ExceptionDate = nil
	return inst
}

// ReferenceZone is the zone recurrence math runs in.
func ReferenceZone(e *internal.Event) (*time.Location, error) {
	if e.AllDay || e.Timezone == "" {
		return time.UTC, nil
	}
	return timezone.Load(e.Timezone)
}

// OccurrenceStart returns the start of the occurrence of master on date d,
// in the reference zone, without consulting exceptions. ok is false when the
// rule has no occurrence on that date.
func OccurrenceStart(master *internal.Event, d internal.Date) (time.Time, bool, error) {
	loc, err := ReferenceZone(master)
	if err != nil {
		return time.Time{}, false, err
	}
	dayStart := d.In(loc)
	dayEnd := d.AddDate(0, 0, 1).In(loc).Add(-time.Nanosecond)

	plain := master.Clone()
	plain.Exceptions = nil
	instances, err := Expand(plain, dayStart, dayEnd, Options{MaxOccurrences: 1})
	if err != nil || len(instances) == 0 {
		return time.Time{}, false, err
	}
	return instances[0].Start, true, nil
}
