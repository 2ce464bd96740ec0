package internal

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Frequency string

func (f Frequency) String() string {
	return string(f)
}

var (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
	Yearly  Frequency = "yearly"
)

// Weekday is the two letter iCalendar weekday code.
type Weekday string

var (
	MO Weekday = "MO"
	TU Weekday = "TU"
	WE Weekday = "WE"
	TH Weekday = "TH"
	FR Weekday = "FR"
	SA Weekday = "SA"
	SU Weekday = "SU"
)

var weekdays = map[Weekday]time.Weekday{
	MO: time.Monday,
	TU: time.Tuesday,
	WE: time.Wednesday,
	TH: time.Thursday,
	FR: time.Friday,
	SA: time.Saturday,
	SU: time.Sunday,
}

func (w Weekday) Valid() bool {
	_, ok := weekdays[w]
	return ok
}

func (w Weekday) Time() time.Weekday {
	return weekdays[w]
}

// ByDay is a weekday with an optional ordinal, e.g. "2MO" for the second
// Monday or "-1FR" for the last Friday of the period.
type ByDay struct {
	Day Weekday
	N   int
}

func (b ByDay) String() string {
	if b.N == 0 {
		return string(b.Day)
	}
	return strconv.Itoa(b.N) + string(b.Day)
}

func ParseByDay(v string) (ByDay, error) {
	v = strings.ToUpper(strings.TrimSpace(v))
	if len(v) < 2 {
		return ByDay{}, fmt.Errorf("invalid weekday %q", v)
	}
	b := ByDay{Day: Weekday(v[len(v)-2:])}
	if !b.Day.Valid() {
		return ByDay{}, fmt.Errorf("invalid weekday %q", v)
	}
	if n := v[:len(v)-2]; n != "" {
		var err error
		if b.N, err = strconv.Atoi(n); err != nil || b.N == 0 || b.N < -53 || b.N > 53 {
			return ByDay{}, fmt.Errorf("invalid weekday ordinal %q", v)
		}
	}
	return b, nil
}

func (b ByDay) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

func (b *ByDay) UnmarshalText(text []byte) error {
	parsed, err := ParseByDay(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

type RecurrenceRule struct {
	Frequency  Frequency  `json:"frequency"`
	Interval   int        `json:"interval"`
	Count      int        `json:"count,omitempty"`
	Until      *time.Time `json:"until,omitempty"`
	ByDay      []ByDay    `json:"byDay,omitempty"`
	ByMonthDay []int      `json:"byMonthDay,omitempty"`
	ByMonth    []int      `json:"byMonth,omitempty"`
	BySetPos   []int      `json:"bySetPos,omitempty"`
	WeekStart  Weekday    `json:"weekStart,omitempty"`
}

func (r RecurrenceRule) Clone() RecurrenceRule {
	c := r
	if r.Until != nil {
		u := *r.Until
		c.Until = &u
	}
	c.ByDay = append([]ByDay(nil), r.ByDay...)
	c.ByMonthDay = append([]int(nil), r.ByMonthDay...)
	c.ByMonth = append([]int(nil), r.ByMonth...)
	c.BySetPos = append([]int(nil), r.BySetPos...)
	return c
}

// Bounded reports whether the series has a hard stop.
func (r RecurrenceRule) Bounded() bool {
	return r.Count > 0 || r.Until != nil
}

func (r RecurrenceRule) Validate() error {
	switch r.Frequency {
	case Daily, Weekly, Monthly, Yearly:
	default:
		return &ValidationError{Field: "recurrence.frequency", Reason: fmt.Sprintf("unsupported value %q", r.Frequency)}
	}
	if r.Interval < 1 {
		return &ValidationError{Field: "recurrence.interval", Reason: "must be at least 1"}
	}
	if r.Count < 0 {
		return &ValidationError{Field: "recurrence.count", Reason: "must not be negative"}
	}
	if r.Count > 0 && r.Until != nil {
		return &ValidationError{Field: "recurrence", Reason: "count and until are mutually exclusive"}
	}
	for _, d := range r.ByDay {
		if !d.Day.Valid() {
			return &ValidationError{Field: "recurrence.byDay", Reason: fmt.Sprintf("invalid weekday %q", d.Day)}
		}
		if d.N != 0 && r.Frequency != Monthly && r.Frequency != Yearly {
			return &ValidationError{Field: "recurrence.byDay", Reason: "ordinals are only allowed for monthly and yearly rules"}
		}
	}
	for _, d := range r.ByMonthDay {
		if d == 0 || d < -31 || d > 31 {
			return &ValidationError{Field: "recurrence.byMonthDay", Reason: fmt.Sprintf("%d is out of range", d)}
		}
	}
	for _, m := range r.ByMonth {
		if m < 1 || m > 12 {
			return &ValidationError{Field: "recurrence.byMonth", Reason: fmt.Sprintf("%d is out of range", m)}
		}
	}
	for _, p := range r.BySetPos {
		if p == 0 || p < -366 || p > 366 {
			return &ValidationError{Field: "recurrence.bySetPos", Reason: fmt.Sprintf("%d is out of range", p)}
		}
	}
	if r.WeekStart != "" && !r.WeekStart.Valid() {
		return &ValidationError{Field: "recurrence.weekStart", Reason: fmt.Sprintf("invalid weekday %q", r.WeekStart)}
	}
	return nil
}

type ExceptionStatus string

var (
	ExceptionCancelled ExceptionStatus = "cancelled"
	ExceptionModified  ExceptionStatus = "modified"
)

// EventOverride is the partial payload of a modified occurrence. Nil fields
// fall back to the master.
type EventOverride struct {
	Title       *string    `json:"title,omitempty"`
	Description *string    `json:"description,omitempty"`
	Location    *string    `json:"location,omitempty"`
	Start       *time.Time `json:"start,omitempty"`
	End         *time.Time `json:"end,omitempty"`
	Color       *string    `json:"color,omitempty"`
}

// Exception overlays one occurrence of a master, keyed by the original
// occurrence date.
type Exception struct {
	Date     Date            `json:"date"`
	Status   ExceptionStatus `json:"status"`
	Override *EventOverride  `json:"override,omitempty"`
}

func (ex Exception) Clone() Exception {
	if ex.Override != nil {
		o := *ex.Override
		ex.Override = &o
	}
	return ex
}

func (ex Exception) Validate() error {
	if ex.Date.IsZero() {
		return &ValidationError{Field: "exceptions.date", Reason: "is required"}
	}
	switch ex.Status {
	case ExceptionCancelled:
	case ExceptionModified:
		if ex.Override == nil {
			return &ValidationError{Field: "exceptions.override", Reason: "is required for modified occurrences"}
		}
		o := ex.Override
		if o.Start != nil && o.End != nil && o.End.Before(*o.Start) {
			return &ValidationError{Field: "exceptions.override.end", Reason: "is before start"}
		}
	default:
		return &ValidationError{Field: "exceptions.status", Reason: fmt.Sprintf("unsupported value %q", ex.Status)}
	}
	return nil
}

// Apply overlays the override on an occurrence.
func (o *EventOverride) Apply(e *Event) {
	if o == nil {
		return
	}
	if o.Title != nil {
		e.Title = *o.Title
	}
	if o.Description != nil {
		e.Description = *o.Description
	}
	if o.Location != nil {
		e.Location = *o.Location
	}
	if o.Color != nil {
		e.Color = *o.Color
	}
	if o.Start != nil {
		d := e.Duration()
		e.Start = *o.Start
		if o.End == nil {
			e.End = e.Start.Add(d)
		}
	}
	if o.End != nil {
		e.End = *o.End
	}
}

// OverrideFrom builds the override turning master occurrence occ into e.
// Only fields that differ are set.
func OverrideFrom(occ, e *Event) *EventOverride {
	o := new(EventOverride)
	if v := e.Title; v != occ.Title {
		o.Title = &v
	}
	if v := e.Description; v != occ.Description {
		o.Description = &v
	}
	if v := e.Location; v != occ.Location {
		o.Location = &v
	}
	if v := e.Color; v != occ.Color {
		o.Color = &v
	}
	if !e.Start.Equal(occ.Start) {
		s := e.Start
		o.Start = &s
	}
	if !e.End.Equal(occ.End) {
		end := e.End
		o.End = &end
	}
	return o
}
