package availability

import (
	"sort"
	"time"

	"github.com/guilherme-santos/calendarhub/internal"
)

const (
	DefaultWorkStartHour = 9
	DefaultWorkEndHour   = 17
)

// Slot is a free interval [Start, End).
type Slot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (s Slot) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

type Options struct {
	WorkStartHour int
	WorkEndHour   int
	// Location is where day boundaries and working hours are computed.
	Location *time.Location
	// AllDayBusy makes all-day events block the whole working day.
	AllDayBusy bool
}

// Engine computes free/busy information over an already merged event list.
type Engine struct {
	opts Options
}

func New(opts Options) *Engine {
	if opts.WorkStartHour == 0 && opts.WorkEndHour == 0 {
		opts.WorkStartHour = DefaultWorkStartHour
		opts.WorkEndHour = DefaultWorkEndHour
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Engine{opts: opts}
}

func (e *Engine) busy(ev *internal.Event) bool {
	if ev.AllDay {
		return e.opts.AllDayBusy
	}
	return true
}

// FindFreeSlots walks each day's working hours intersected with
// [windowStart, windowEnd] and returns the gaps between events that last at
// least minDuration.
func (e *Engine) FindFreeSlots(events []*internal.Event, windowStart, windowEnd time.Time, minDuration time.Duration) []Slot {
	slots := make([]Slot, 0)
	if !windowStart.Before(windowEnd) || e.opts.WorkStartHour >= e.opts.WorkEndHour {
		return slots
	}
	loc := e.opts.Location

	ws := windowStart.In(loc)
	for d := time.Date(ws.Year(), ws.Month(), ws.Day(), 0, 0, 0, 0, loc); d.Before(windowEnd); d = d.AddDate(0, 0, 1) {
		dayStart := time.Date(d.Year(), d.Month(), d.Day(), e.opts.WorkStartHour, 0, 0, 0, loc)
		dayEnd := time.Date(d.Year(), d.Month(), d.Day(), e.opts.WorkEndHour, 0, 0, 0, loc)
		if dayStart.Before(windowStart) {
			dayStart = windowStart
		}
		if dayEnd.After(windowEnd) {
			dayEnd = windowEnd
		}
		if !dayStart.Before(dayEnd) {
			continue
		}
		slots = append(slots, e.freeIn(events, dayStart, dayEnd, minDuration)...)
	}
	return slots
}

func (e *Engine) freeIn(events []*internal.Event, start, end time.Time, minDuration time.Duration) []Slot {
	var busy []Slot
	for _, ev := range events {
		if !e.busy(ev) || !ev.End.After(ev.Start) {
			continue
		}
		if ev.Start.Before(end) && start.Before(ev.End) {
			busy = append(busy, Slot{Start: ev.Start, End: ev.End})
		}
	}
	sort.Slice(busy, func(i, j int) bool {
		return busy[i].Start.Before(busy[j].Start)
	})

	var free []Slot
	cursor := start
	for _, b := range busy {
		if b.Start.After(cursor) {
			free = appendSlot(free, cursor, b.Start, minDuration)
		}
		if b.End.After(cursor) {
			cursor = b.End
		}
	}
	if cursor.Before(end) {
		free = appendSlot(free, cursor, end, minDuration)
	}
	return free
}

func appendSlot(slots []Slot, start, end time.Time, minDuration time.Duration) []Slot {
	if end.Sub(start) < minDuration {
		return slots
	}
	return append(slots, Slot{Start: start, End: end})
}

// Conflicts returns the events overlapping the candidate interval extended by
// buffer on both sides.
func (e *Engine) Conflicts(events []*internal.Event, candidateStart, candidateEnd time.Time, buffer time.Duration) []*internal.Event {
	start := candidateStart.Add(-buffer)
	end := candidateEnd.Add(buffer)

	var out []*internal.Event
	for _, ev := range events {
		if !e.busy(ev) {
			continue
		}
		if start.Before(ev.End) && ev.Start.Before(end) {
			out = append(out, ev)
		}
	}
	return out
}

// FindConflicts reports whether the buffered candidate overlaps any event.
func (e *Engine) FindConflicts(events []*internal.Event, candidateStart, candidateEnd time.Time, buffer time.Duration) bool {
	return len(e.Conflicts(events, candidateStart, candidateEnd, buffer)) > 0
}

// Participant is one attendee of a meeting search. Checked is false when
// their calendar could not be read; they are then assumed to be available.
type Participant struct {
	ID      string
	Checked bool
	Events  []*internal.Event
}

// MeetingTimes is the result of a multi participant search. Slots only
// account for the calendars listed in Checked.
type MeetingTimes struct {
	Slots            []Slot   `json:"slots"`
	Checked          []string `json:"checked"`
	AssumedAvailable []string `json:"assumedAvailable"`
}

// FindOptimalMeetingTime returns the working hour gaps of at least duration
// that are free for every checked participant, earliest first. At most
// maxSlots are returned when maxSlots is positive.
func (e *Engine) FindOptimalMeetingTime(participants []Participant, windowStart, windowEnd time.Time, duration time.Duration, maxSlots int) MeetingTimes {
	res := MeetingTimes{
		Checked:          make([]string, 0),
		AssumedAvailable: make([]string, 0),
	}
	var all []*internal.Event
	for _, p := range participants {
		if !p.Checked {
			res.AssumedAvailable = append(res.AssumedAvailable, p.ID)
			continue
		}
		res.Checked = append(res.Checked, p.ID)
		all = append(all, p.Events...)
	}

	res.Slots = e.FindFreeSlots(all, windowStart, windowEnd, duration)
	if maxSlots > 0 && len(res.Slots) > maxSlots {
		res.Slots = res.Slots[:maxSlots]
	}
	return res
}
