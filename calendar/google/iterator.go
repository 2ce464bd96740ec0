package google

import (
	"fmt"
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/guilherme-santos/calendarhub/internal"
)

type eventOrError struct {
	e   *internal.Event
	err error
}

type eventIterator struct {
	events  chan eventOrError
	current eventOrError
}

func newEventIterator() *eventIterator {
	return &eventIterator{
		events: make(chan eventOrError),
	}
}

func (it *eventIterator) Next() (ok bool) {
	it.current, ok = <-it.events
	if it.current.err != nil {
		return false
	}
	return ok
}

func (it *eventIterator) Event() *internal.Event {
	c := it.current
	if c.e == nil && c.err == nil {
		panic("google: Event() called before Next()")
	}
	return c.e
}

func (it *eventIterator) Err() error {
	return it.current.err
}

// newEvent converts a Google event. Cancelled events yield nil.
func newEvent(event *calendar.Event) (*internal.Event, error) {
	if event.Status == "cancelled" {
		return nil, nil
	}
	if event.Start == nil || event.End == nil {
		return nil, fmt.Errorf("event %s has no start or end", event.Id)
	}

	e := &internal.Event{
		ID:          event.Id,
		Title:       event.Summary,
		Description: event.Description,
		Location:    event.Location,
		Color:       event.ColorId,
		Timezone:    event.Start.TimeZone,
		Source:      internal.SourceExternal,
		SourceID:    event.Id,
	}

	var err error
	if event.Start.Date != "" {
		e.AllDay = true
		e.Timezone = ""
		if e.Start, err = time.Parse(internal.DateFormat, event.Start.Date); err != nil {
			return nil, fmt.Errorf("event %s: %v", event.Id, err)
		}
		if e.End, err = time.Parse(internal.DateFormat, event.End.Date); err != nil {
			return nil, fmt.Errorf("event %s: %v", event.Id, err)
		}
	} else {
		if e.Start, err = time.Parse(time.RFC3339, event.Start.DateTime); err != nil {
			return nil, fmt.Errorf("event %s: %v", event.Id, err)
		}
		if e.End, err = time.Parse(time.RFC3339, event.End.DateTime); err != nil {
			return nil, fmt.Errorf("event %s: %v", event.Id, err)
		}
		e.Start, e.End = e.Start.UTC(), e.End.UTC()
	}

	for _, a := range event.Attendees {
		e.Attendees = append(e.Attendees, internal.Attendee{
			Email:          a.Email,
			Name:           a.DisplayName,
			ResponseStatus: internal.ResponseStatus(a.ResponseStatus),
		})
	}
	if event.Reminders != nil {
		for _, r := range event.Reminders.Overrides {
			e.Reminders = append(e.Reminders, internal.Reminder{
				Method:  r.Method,
				Minutes: int(r.Minutes),
			})
		}
	}
	return e, nil
}

func newGoogleEvent(event *internal.Event) *calendar.Event {
	gevent := &calendar.Event{
		Summary:     event.Title,
		Description: event.Description,
		Location:    event.Location,
		ColorId:     event.Color,
		Reminders: &calendar.EventReminders{
			UseDefault: true,
		},
	}

	if event.AllDay {
		gevent.Start = &calendar.EventDateTime{Date: event.Start.Format(internal.DateFormat)}
		gevent.End = &calendar.EventDateTime{Date: event.End.Format(internal.DateFormat)}
	} else {
		gevent.Start = &calendar.EventDateTime{
			DateTime: event.Start.Format(time.RFC3339),
			TimeZone: event.Timezone,
		}
		gevent.End = &calendar.EventDateTime{
			DateTime: event.End.Format(time.RFC3339),
			TimeZone: event.Timezone,
		}
	}

	if len(event.Reminders) > 0 {
		gevent.Reminders = &calendar.EventReminders{
			UseDefault:      false,
			ForceSendFields: []string{"UseDefault"},
		}
		for _, r := range event.Reminders {
			method := r.Method
			if method == "" {
				method = "popup"
			}
			gevent.Reminders.Overrides = append(gevent.Reminders.Overrides, &calendar.EventReminder{
				Method:  method,
				Minutes: int64(r.Minutes),
			})
		}
	}

	for _, a := range event.Attendees {
		gevent.Attendees = append(gevent.Attendees, &calendar.EventAttendee{
			Email:          a.Email,
			DisplayName:    a.Name,
			ResponseStatus: a.ResponseStatus.String(),
		})
	}
	return gevent
}
