package internal

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Source string

func (s Source) String() string {
	return string(s)
}

var (
	SourceLocal    Source = "local"
	SourceExternal Source = "external"
)

type ResponseStatus string

func (s ResponseStatus) String() string {
	return string(s)
}

var (
	NeedsAction ResponseStatus = "needsAction"
	Declined    ResponseStatus = "declined"
	Tentative   ResponseStatus = "tentative"
	Accepted    ResponseStatus = "accepted"
)

type Reminder struct {
	Method  string `json:"method,omitempty"`
	Minutes int    `json:"minutes"`
}

type Attendee struct {
	Email          string         `json:"email"`
	Name           string         `json:"name,omitempty"`
	ResponseStatus ResponseStatus `json:"responseStatus,omitempty"`
}

// Event is a calendar event. Masters carry Recurrence and Exceptions,
// instances derived from them carry IsRecurringInstance, OriginalEventID and
// optionally ExceptionDate. Instances are never persisted.
type Event struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Location    string     `json:"location,omitempty"`
	Start       time.Time  `json:"start"`
	End         time.Time  `json:"end"`
	Timezone    string     `json:"timezone,omitempty"`
	AllDay      bool       `json:"allDay"`
	Color       string     `json:"color,omitempty"`
	Categories  []string   `json:"categories,omitempty"`
	Reminders   []Reminder `json:"reminders,omitempty"`
	Attendees   []Attendee `json:"attendees,omitempty"`
	Source      Source     `json:"source"`
	SourceID    string     `json:"sourceId,omitempty"`

	Recurrence *RecurrenceRule `json:"recurrence,omitempty"`
	Exceptions []Exception     `json:"exceptions,omitempty"`

	IsRecurringInstance bool   `json:"isRecurringInstance,omitempty"`
	OriginalEventID     string `json:"originalEventId,omitempty"`
	ExceptionDate       *Date  `json:"exceptionDate,omitempty"`
}

type Kind int

const (
	KindSingle Kind = iota
	KindMaster
	KindInstance
)

func (k Kind) String() string {
	switch k {
	case KindMaster:
		return "master"
	case KindInstance:
		return "instance"
	default:
		return "single"
	}
}

func (e *Event) Kind() Kind {
	switch {
	case e.IsRecurringInstance:
		return KindInstance
	case e.Recurrence != nil:
		return KindMaster
	default:
		return KindSingle
	}
}

func (e *Event) Duration() time.Duration {
	return e.End.Sub(e.Start)
}

// Overlaps reports whether the event intersects the half-open window
// [start, end).
func (e *Event) Overlaps(start, end time.Time) bool {
	if e.End.Equal(e.Start) {
		return !e.Start.Before(start) && e.Start.Before(end)
	}
	return e.Start.Before(end) && start.Before(e.End)
}

// Score is the ledger ordering key: start as epoch millis.
func (e *Event) Score() int64 {
	return e.Start.UnixMilli()
}

func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	c := *e
	c.Categories = append([]string(nil), e.Categories...)
	c.Reminders = append([]Reminder(nil), e.Reminders...)
	c.Attendees = append([]Attendee(nil), e.Attendees...)
	if e.Recurrence != nil {
		r := e.Recurrence.Clone()
		c.Recurrence = &r
	}
	if e.Exceptions != nil {
		c.Exceptions = make([]Exception, len(e.Exceptions))
		for i, ex := range e.Exceptions {
			c.Exceptions[i] = ex.Clone()
		}
	}
	if e.ExceptionDate != nil {
		d := *e.ExceptionDate
		c.ExceptionDate = &d
	}
	return &c
}

// Validate checks the event and its recurrence rule. It never performs I/O.
func (e *Event) Validate() error {
	if e.Start.IsZero() {
		return &ValidationError{Field: "start", Reason: "is required"}
	}
	if e.End.Before(e.Start) {
		return &ValidationError{Field: "end", Reason: "is before start"}
	}
	if e.IsRecurringInstance {
		return &ValidationError{Field: "isRecurringInstance", Reason: "instances cannot be stored"}
	}
	if e.Recurrence != nil {
		if err := e.Recurrence.Validate(); err != nil {
			return err
		}
	} else if len(e.Exceptions) > 0 {
		return &ValidationError{Field: "exceptions", Reason: "only allowed on recurring events"}
	}
	seen := make(map[string]struct{}, len(e.Exceptions))
	for _, ex := range e.Exceptions {
		if err := ex.Validate(); err != nil {
			return err
		}
		k := ex.Date.String()
		if _, ok := seen[k]; ok {
			return &ValidationError{Field: "exceptions", Reason: "duplicate date " + k}
		}
		seen[k] = struct{}{}
	}
	return nil
}

// UpsertException stores ex replacing any entry for the same original
// occurrence date. Exceptions are kept sorted by date.
func (e *Event) UpsertException(ex Exception) {
	for i := range e.Exceptions {
		if e.Exceptions[i].Date.Equal(ex.Date) {
			e.Exceptions[i] = ex
			return
		}
	}
	e.Exceptions = append(e.Exceptions, ex)
	sort.Slice(e.Exceptions, func(i, j int) bool {
		return e.Exceptions[i].Date.Before(e.Exceptions[j].Date)
	})
}

// Exception returns the overlay for the given occurrence date, if any.
func (e *Event) Exception(d Date) (Exception, bool) {
	for _, ex := range e.Exceptions {
		if ex.Date.Equal(d) {
			return ex, true
		}
	}
	return Exception{}, false
}

// Matches reports whether query is contained in any of the searchable text
// fields, ignoring case.
func (e *Event) Matches(query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return true
	}
	fields := append([]string{e.Title, e.Description, e.Location}, e.Categories...)
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), q) {
			return true
		}
	}
	return false
}

// NewEventID returns a 32 char lowercase hex id. Hex is a subset of the
// base32hex alphabet accepted by Google for client supplied event ids, so
// the same id can be used locally and on the provider.
func NewEventID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// InstanceID builds the id of the occurrence of masterID on date d.
func InstanceID(masterID string, d Date) string {
	return masterID + "_" + d.Stamp()
}

// ParseInstanceID splits an instance id into its master id and occurrence
// date. ok is false when id does not carry a valid date suffix.
func ParseInstanceID(id string) (masterID string, d Date, ok bool) {
	i := strings.LastIndex(id, "_")
	if i <= 0 || len(id)-i-1 != len(StampFormat) {
		return "", Date{}, false
	}
	d, err := Parse(StampFormat, id[i+1:])
	if err != nil {
		return "", Date{}, false
	}
	return id[:i], d, true
}

// SortByStart orders events by start, then by id so ties are deterministic.
func SortByStart(events []*Event) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		return a.ID < b.ID
	})
}
