package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/guilherme-santos/calendarhub/internal"
	"github.com/guilherme-santos/calendarhub/internal/recurrence"
	"github.com/guilherme-santos/calendarhub/internal/timezone"
)

var timeLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// parseTime reads value as a wall clock time in zone. RFC 3339 values keep
// their own offset.
func parseTime(value, zone string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	var lastErr error
	for _, layout := range timeLayouts {
		t, err := timezone.ParseInZone(layout, value, zone)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func (e *env) zone(c *cli.Context) (string, error) {
	return e.reconciler.DisplayZone(c.Context, e.user)
}

// window reads --from and --to, defaulting to the next seven days.
func (e *env) window(c *cli.Context) (time.Time, time.Time, error) {
	zone, err := e.zone(c)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	loc, err := timezone.Load(zone)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	now := time.Now().In(loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	start, end, err := timezone.Window(today, today.AddDate(0, 0, 7), zone)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if v := c.String("from"); v != "" {
		if start, err = parseTime(v, zone); err != nil {
			return time.Time{}, time.Time{}, err
		}
		end = start.AddDate(0, 0, 7)
	}
	if v := c.String("to"); v != "" {
		if end, err = parseTime(v, zone); err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, cli.Exit("--to is before --from", 1)
	}
	return start, end, nil
}

func (e *env) applyEventFlags(c *cli.Context, ev *internal.Event) error {
	zone, err := e.zone(c)
	if err != nil {
		return err
	}
	if c.IsSet("timezone") {
		ev.Timezone = c.String("timezone")
	}
	if ev.Timezone != "" {
		zone = ev.Timezone
	}

	if c.IsSet("title") {
		ev.Title = c.String("title")
	}
	if c.IsSet("description") {
		ev.Description = c.String("description")
	}
	if c.IsSet("location") {
		ev.Location = c.String("location")
	}
	if c.IsSet("color") {
		ev.Color = c.String("color")
	}
	if c.IsSet("category") {
		ev.Categories = c.StringSlice("category")
	}
	if c.IsSet("reminder") {
		ev.Reminders = nil
		for _, m := range c.IntSlice("reminder") {
			ev.Reminders = append(ev.Reminders, internal.Reminder{Method: "popup", Minutes: m})
		}
	}
	if c.IsSet("attendee") {
		ev.Attendees = nil
		for _, email := range c.StringSlice("attendee") {
			ev.Attendees = append(ev.Attendees, internal.Attendee{Email: email, ResponseStatus: internal.NeedsAction})
		}
	}
	if c.IsSet("all-day") {
		ev.AllDay = c.Bool("all-day")
	}

	duration := ev.Duration()
	if c.IsSet("start") {
		if ev.AllDay {
			zone = "UTC"
		}
		start, err := parseTime(c.String("start"), zone)
		if err != nil {
			return err
		}
		ev.Start = start.UTC()
	}
	switch {
	case c.IsSet("end"):
		end, err := parseTime(c.String("end"), zone)
		if err != nil {
			return err
		}
		ev.End = end.UTC()
	case c.IsSet("duration") || duration <= 0:
		duration = c.Duration("duration")
		if ev.AllDay {
			duration = 24 * time.Hour
		}
		ev.End = ev.Start.Add(duration)
	default:
		ev.End = ev.Start.Add(duration)
	}

	if c.IsSet("rrule") {
		if v := c.String("rrule"); v == "" {
			ev.Recurrence = nil
			ev.Exceptions = nil
		} else {
			r, err := recurrence.Parse(v)
			if err != nil {
				return err
			}
			ev.Recurrence = r
		}
	}
	return nil
}

func (e *env) printEvents(c *cli.Context, events []*internal.Event) error {
	if c.Bool("json") {
		return printJSON(c, events)
	}

	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	for _, ev := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", formatWhen(ev), ev.Title, ev.ID, describe(ev))
	}
	return w.Flush()
}

func printJSON(c *cli.Context, v any) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatWhen(ev *internal.Event) string {
	if ev.AllDay {
		return ev.Start.UTC().Format("Mon 02 Jan 2006") + " (all day)"
	}
	return ev.Start.Format("Mon 02 Jan 2006 15:04") + " - " + ev.End.Format("15:04 MST")
}

func describe(ev *internal.Event) string {
	var tags []string
	tags = append(tags, ev.Source.String())
	if ev.IsRecurringInstance {
		tags = append(tags, "recurring")
	}
	if ev.ExceptionDate != nil {
		tags = append(tags, "modified")
	}
	if ev.Location != "" {
		tags = append(tags, "@ "+ev.Location)
	}
	return strings.Join(tags, " ")
}
