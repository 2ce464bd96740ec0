package ics

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/guilherme-santos/calendarhub/internal"
	"github.com/guilherme-santos/calendarhub/internal/recurrence"
	"github.com/guilherme-santos/calendarhub/internal/timezone"
)

const ProductID = "-//calendarhub//EN"

// NewCalendar wraps the events in a VCALENDAR.
func NewCalendar(events []*internal.Event) (*ical.Calendar, error) {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, ProductID)
	for _, e := range events {
		comps, err := Components(e)
		if err != nil {
			return nil, err
		}
		cal.Children = append(cal.Children, comps...)
	}
	return cal, nil
}

func Encode(w io.Writer, events []*internal.Event) error {
	cal, err := NewCalendar(events)
	if err != nil {
		return err
	}
	return ical.NewEncoder(w).Encode(cal)
}

// Components returns the VEVENTs of e: the event itself plus, for a master,
// one VEVENT per modified occurrence. Cancelled occurrences become EXDATEs.
func Components(e *internal.Event) ([]*ical.Component, error) {
	if e.IsRecurringInstance {
		return nil, fmt.Errorf("ics: %s is a derived instance", e.ID)
	}
	master := newComponent(e)
	comps := []*ical.Component{master}
	if e.Recurrence == nil {
		return comps, nil
	}

	loc, err := recurrence.ReferenceZone(e)
	if err != nil {
		return nil, err
	}
	rrule := ical.NewProp(ical.PropRecurrenceRule)
	rrule.Value = recurrence.String(*e.Recurrence, e.Start.In(loc))
	master.Props.Set(rrule)

	for _, ex := range e.Exceptions {
		occStart, ok, err := recurrence.OccurrenceStart(e, ex.Date)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		switch ex.Status {
		case internal.ExceptionCancelled:
			p := ical.NewProp(ical.PropExceptionDates)
			setTime(p, occStart, e.AllDay, e.Timezone)
			master.Props.Add(p)
		case internal.ExceptionModified:
			occ := e.Clone()
			occ.Recurrence, occ.Exceptions = nil, nil
			occ.Start = occStart
			occ.End = occStart.Add(e.Duration())
			ex.Override.Apply(occ)

			child := newComponent(occ)
			rid := ical.NewProp(ical.PropRecurrenceID)
			setTime(rid, occStart, e.AllDay, e.Timezone)
			child.Props.Set(rid)
			comps = append(comps, child)
		}
	}
	return comps, nil
}

func newComponent(e *internal.Event) *ical.Component {
	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, e.ID)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	ve.Props.SetText(ical.PropSummary, e.Title)

	start := ical.NewProp(ical.PropDateTimeStart)
	setTime(start, e.Start, e.AllDay, e.Timezone)
	ve.Props.Set(start)
	end := ical.NewProp(ical.PropDateTimeEnd)
	setTime(end, e.End, e.AllDay, e.Timezone)
	ve.Props.Set(end)

	if e.Description != "" {
		ve.Props.SetText(ical.PropDescription, e.Description)
	}
	if e.Location != "" {
		ve.Props.SetText(ical.PropLocation, e.Location)
	}
	if e.Color != "" {
		ve.Props.SetText(ical.PropColor, e.Color)
	}
	if len(e.Categories) > 0 {
		p := ical.NewProp(ical.PropCategories)
		p.Value = strings.Join(e.Categories, ",")
		ve.Props.Set(p)
	}
	for _, a := range e.Attendees {
		p := ical.NewProp(ical.PropAttendee)
		p.Value = "mailto:" + a.Email
		if a.Name != "" {
			p.Params.Set(ical.ParamCommonName, a.Name)
		}
		if status := partStat(a.ResponseStatus); status != "" {
			p.Params.Set(ical.ParamParticipationStatus, status)
		}
		ve.Props.Add(p)
	}
	for _, r := range e.Reminders {
		alarm := ical.NewComponent(ical.CompAlarm)
		alarm.Props.SetText(ical.PropAction, "DISPLAY")
		alarm.Props.SetText(ical.PropDescription, e.Title)
		trigger := ical.NewProp(ical.PropTrigger)
		trigger.Value = "-PT" + strconv.Itoa(r.Minutes) + "M"
		alarm.Props.Set(trigger)
		ve.Children = append(ve.Children, alarm)
	}
	return ve
}

// setTime writes t as a DATE for all-day events, as UTC when zone is
// empty and as a local time with TZID otherwise.
func setTime(p *ical.Prop, t time.Time, allDay bool, zone string) {
	switch {
	case allDay:
		p.SetDate(t)
	case zone == "" || zone == "UTC":
		p.SetDateTime(t.UTC())
	default:
		loc, err := timezone.Load(zone)
		if err != nil {
			p.SetDateTime(t.UTC())
			return
		}
		p.SetDateTime(t.In(loc))
	}
}

func Decode(r io.Reader) ([]*internal.Event, error) {
	dec := ical.NewDecoder(r)

	var events []*internal.Event
	for {
		cal, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ics: %v", err)
		}
		evs, err := FromCalendar(cal)
		if err != nil {
			return nil, err
		}
		events = append(events, evs...)
	}
	return events, nil
}

// FromCalendar converts the VEVENTs of cal. Occurrence overrides
// (RECURRENCE-ID) are folded into their master as modified exceptions.
func FromCalendar(cal *ical.Calendar) ([]*internal.Event, error) {
	var (
		events    []*internal.Event
		byUID     = make(map[string]*internal.Event)
		overrides []*ical.Component
	)
	for _, comp := range cal.Children {
		if comp.Name != ical.CompEvent {
			continue
		}
		if comp.Props.Get(ical.PropRecurrenceID) != nil {
			overrides = append(overrides, comp)
			continue
		}
		e, err := newEvent(comp)
		if err != nil {
			return nil, err
		}
		byUID[e.ID] = e
		events = append(events, e)
	}

	for _, comp := range overrides {
		uid, _ := comp.Props.Text(ical.PropUID)
		master, ok := byUID[uid]
		if !ok || master.Recurrence == nil {
			// orphan override, keep it as a plain event
			e, err := newEvent(comp)
			if err != nil {
				return nil, err
			}
			events = append(events, e)
			continue
		}
		if err := addOverride(master, comp); err != nil {
			return nil, err
		}
	}
	return events, nil
}

func newEvent(comp *ical.Component) (*internal.Event, error) {
	uid, _ := comp.Props.Text(ical.PropUID)
	e := &internal.Event{
		ID:     uid,
		Source: internal.SourceLocal,
	}
	if e.ID == "" {
		e.ID = internal.NewEventID()
	}
	e.Title, _ = comp.Props.Text(ical.PropSummary)
	e.Description, _ = comp.Props.Text(ical.PropDescription)
	e.Location, _ = comp.Props.Text(ical.PropLocation)
	e.Color, _ = comp.Props.Text(ical.PropColor)

	start := comp.Props.Get(ical.PropDateTimeStart)
	if start == nil {
		return nil, fmt.Errorf("ics: event %s has no DTSTART", e.ID)
	}
	var err error
	if e.Start, e.AllDay, e.Timezone, err = readTime(start); err != nil {
		return nil, fmt.Errorf("ics: event %s: %v", e.ID, err)
	}
	if end := comp.Props.Get(ical.PropDateTimeEnd); end != nil {
		if e.End, _, _, err = readTime(end); err != nil {
			return nil, fmt.Errorf("ics: event %s: %v", e.ID, err)
		}
	} else if e.AllDay {
		e.End = e.Start.AddDate(0, 0, 1)
	} else {
		e.End = e.Start
	}

	if p := comp.Props.Get(ical.PropCategories); p != nil {
		for _, c := range strings.Split(p.Value, ",") {
			if c = strings.TrimSpace(c); c != "" {
				e.Categories = append(e.Categories, c)
			}
		}
	}
	for _, p := range comp.Props.Values(ical.PropAttendee) {
		e.Attendees = append(e.Attendees, internal.Attendee{
			Email:          strings.TrimPrefix(strings.TrimPrefix(p.Value, "mailto:"), "MAILTO:"),
			Name:           p.Params.Get(ical.ParamCommonName),
			ResponseStatus: responseStatus(p.Params.Get(ical.ParamParticipationStatus)),
		})
	}
	for _, child := range comp.Children {
		if child.Name != ical.CompAlarm {
			continue
		}
		if p := child.Props.Get(ical.PropTrigger); p != nil {
			if m, ok := triggerMinutes(p.Value); ok {
				e.Reminders = append(e.Reminders, internal.Reminder{Method: "popup", Minutes: m})
			}
		}
	}

	if p := comp.Props.Get(ical.PropRecurrenceRule); p != nil {
		if e.Recurrence, err = recurrence.Parse(p.Value); err != nil {
			return nil, err
		}
		loc, err := recurrence.ReferenceZone(e)
		if err != nil {
			return nil, err
		}
		for _, p := range comp.Props.Values(ical.PropExceptionDates) {
			for _, v := range strings.Split(p.Value, ",") {
				single := p
				single.Value = v
				t, _, _, err := readTime(&single)
				if err != nil {
					return nil, fmt.Errorf("ics: event %s: EXDATE: %v", e.ID, err)
				}
				e.UpsertException(internal.Exception{
					Date:   internal.NewDateFromTime(t.In(loc)),
					Status: internal.ExceptionCancelled,
				})
			}
		}
	}
	return e, nil
}

func addOverride(master *internal.Event, comp *ical.Component) error {
	child, err := newEvent(comp)
	if err != nil {
		return err
	}
	ridStart, _, _, err := readTime(comp.Props.Get(ical.PropRecurrenceID))
	if err != nil {
		return fmt.Errorf("ics: event %s: RECURRENCE-ID: %v", master.ID, err)
	}
	loc, err := recurrence.ReferenceZone(master)
	if err != nil {
		return err
	}

	occ := master.Clone()
	occ.Recurrence, occ.Exceptions = nil, nil
	occ.Start = ridStart
	occ.End = ridStart.Add(master.Duration())

	master.UpsertException(internal.Exception{
		Date:     internal.NewDateFromTime(ridStart.In(loc)),
		Status:   internal.ExceptionModified,
		Override: internal.OverrideFrom(occ, child),
	})
	return nil
}

// readTime returns the instant in UTC, whether it is a DATE value and the
// TZID it was written with.
func readTime(p *ical.Prop) (t time.Time, allDay bool, zone string, err error) {
	if p.ValueType() == ical.ValueDate {
		t, err = p.DateTime(time.UTC)
		return t, true, "", err
	}
	zone = p.Params.Get(ical.ParamTimezoneID)
	t, err = p.DateTime(time.UTC)
	if zone == "" && err == nil && strings.HasSuffix(p.Value, "Z") {
		zone = "UTC"
	}
	return t.UTC(), false, zone, err
}

// triggerMinutes parses relative triggers of the form -PT15M, -PT1H or
// -P1D.
func triggerMinutes(v string) (int, bool) {
	v = strings.TrimPrefix(strings.TrimSpace(v), "-")
	switch {
	case strings.HasPrefix(v, "PT") && strings.HasSuffix(v, "M"):
		n, err := strconv.Atoi(v[2 : len(v)-1])
		return n, err == nil
	case strings.HasPrefix(v, "PT") && strings.HasSuffix(v, "H"):
		n, err := strconv.Atoi(v[2 : len(v)-1])
		return n * 60, err == nil
	case strings.HasPrefix(v, "P") && strings.HasSuffix(v, "D"):
		n, err := strconv.Atoi(v[1 : len(v)-1])
		return n * 24 * 60, err == nil
	}
	return 0, false
}

var partStats = map[internal.ResponseStatus]string{
	internal.NeedsAction: "NEEDS-ACTION",
	internal.Accepted:    "ACCEPTED",
	internal.Declined:    "DECLINED",
	internal.Tentative:   "TENTATIVE",
}

func partStat(s internal.ResponseStatus) string {
	return partStats[s]
}

func responseStatus(v string) internal.ResponseStatus {
	for s, p := range partStats {
		if strings.EqualFold(p, v) {
			return s
		}
	}
	return ""
}
