package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/guilherme-santos/calendarhub/internal"
	"github.com/guilherme-santos/calendarhub/internal/reconciler"
	"github.com/guilherme-santos/calendarhub/internal/recurrence"
)

var windowFlags = []cli.Flag{
	&cli.StringFlag{Name: "from", Usage: "window start, e.g. 2024-01-01 or 2024-01-01T09:00 (default today)"},
	&cli.StringFlag{Name: "to", Usage: "window end (default from + 7 days)"},
}

func eventsCommand() *cli.Command {
	return &cli.Command{
		Name:  "events",
		Usage: "List the merged events of a window.",
		Flags: windowFlags,
		Action: action(func(c *cli.Context, e *env) error {
			start, end, err := e.window(c)
			if err != nil {
				return err
			}
			res, err := e.reconciler.Do(c.Context, e.user, reconciler.Request{
				Op:    reconciler.OpGetEvents,
				Start: start,
				End:   end,
			})
			if err != nil {
				return err
			}
			return e.printEvents(c, res.Events)
		}),
	}
}

func searchCommand() *cli.Command {
	return &cli.Command{
		Name:      "search",
		Usage:     "Search title, description, location and categories.",
		ArgsUsage: "<query>",
		Flags:     windowFlags,
		Action: action(func(c *cli.Context, e *env) error {
			start, end, err := e.window(c)
			if err != nil {
				return err
			}
			res, err := e.reconciler.Do(c.Context, e.user, reconciler.Request{
				Op:    reconciler.OpSearchEvents,
				Query: strings.Join(c.Args().Slice(), " "),
				Start: start,
				End:   end,
			})
			if err != nil {
				return err
			}
			return e.printEvents(c, res.Events)
		}),
	}
}

var eventFlags = []cli.Flag{
	&cli.StringFlag{Name: "title"},
	&cli.StringFlag{Name: "description"},
	&cli.StringFlag{Name: "location"},
	&cli.StringFlag{Name: "start", Usage: "start in the display zone, e.g. 2024-01-01T10:00"},
	&cli.StringFlag{Name: "end", Usage: "end in the display zone"},
	&cli.DurationFlag{Name: "duration", Value: time.Hour, Usage: "used when --end is not given"},
	&cli.BoolFlag{Name: "all-day"},
	&cli.StringFlag{Name: "timezone", Usage: "IANA zone of the event, used for recurrence"},
	&cli.StringFlag{Name: "color"},
	&cli.StringSliceFlag{Name: "category"},
	&cli.IntSliceFlag{Name: "reminder", Usage: "minutes before start"},
	&cli.StringSliceFlag{Name: "attendee", Usage: "attendee email"},
	&cli.StringFlag{Name: "rrule", Usage: "recurrence, e.g. FREQ=WEEKLY;BYDAY=MO,WE;COUNT=4"},
}

func createCommand() *cli.Command {
	return &cli.Command{
		Name:  "create",
		Usage: "Create an event on the external calendar, or locally.",
		Flags: append([]cli.Flag{
			&cli.BoolFlag{Name: "local", Usage: "keep the event in the local ledger only"},
		}, eventFlags...),
		Action: action(func(c *cli.Context, e *env) error {
			ev := &internal.Event{}
			if c.Bool("local") {
				ev.Source = internal.SourceLocal
			}
			if err := e.applyEventFlags(c, ev); err != nil {
				return err
			}
			res, err := e.reconciler.Do(c.Context, e.user, reconciler.Request{
				Op:    reconciler.OpCreateEvent,
				Event: ev,
			})
			if err != nil {
				return err
			}
			return e.printEvents(c, []*internal.Event{res.Event})
		}),
	}
}

func updateCommand() *cli.Command {
	return &cli.Command{
		Name:      "update",
		Usage:     "Update an event. Instance ids (<id>_<yyyymmdd>) only change that occurrence.",
		ArgsUsage: "<id>",
		Flags:     eventFlags,
		Action: action(func(c *cli.Context, e *env) error {
			id := c.Args().First()
			if id == "" {
				return cli.Exit("missing event id", 1)
			}
			ev, err := e.current(c, id)
			if err != nil {
				return err
			}
			if err := e.applyEventFlags(c, ev); err != nil {
				return err
			}
			res, err := e.reconciler.Do(c.Context, e.user, reconciler.Request{
				Op:    reconciler.OpUpdateEvent,
				Event: ev,
			})
			if err != nil {
				return err
			}
			if !res.Found {
				return cli.Exit(fmt.Sprintf("event %s not found", id), 1)
			}
			return e.printEvents(c, []*internal.Event{res.Event})
		}),
	}
}

func deleteCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "Delete an event. Instance ids only cancel that occurrence.",
		ArgsUsage: "<id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "all", Usage: "delete every occurrence of a recurring event"},
		},
		Action: action(func(c *cli.Context, e *env) error {
			id := c.Args().First()
			if id == "" {
				return cli.Exit("missing event id", 1)
			}
			res, err := e.reconciler.Do(c.Context, e.user, reconciler.Request{
				Op:                 reconciler.OpDeleteEvent,
				ID:                 id,
				DeleteAllInstances: c.Bool("all"),
			})
			if err != nil {
				return err
			}
			if !res.Found {
				return cli.Exit(fmt.Sprintf("event %s not found", id), 1)
			}
			fmt.Fprintf(c.App.Writer, "Event %s deleted\n", id)
			return nil
		}),
	}
}

// current loads the stored version of id, from the ledger or the mirror, so
// update only changes the fields given as flags.
func (e *env) current(c *cli.Context, id string) (*internal.Event, error) {
	ev, err := e.storage.Get(c.Context, e.user, id)
	if err == nil {
		return ev, nil
	}
	masterID := id
	if m, _, ok := internal.ParseInstanceID(id); ok {
		masterID = m
	}
	if ev, err := e.storage.Get(c.Context, e.user, masterID); err == nil {
		return instanceOrMaster(ev, id), nil
	}
	if ev, err := e.storage.MirrorEvent(c.Context, e.user, masterID); err == nil {
		return instanceOrMaster(ev, id), nil
	}
	return &internal.Event{ID: id}, nil
}

func instanceOrMaster(master *internal.Event, id string) *internal.Event {
	_, date, ok := internal.ParseInstanceID(id)
	if !ok || master.Recurrence == nil {
		return master
	}
	start, ok, err := recurrence.OccurrenceStart(master, date)
	if err != nil || !ok {
		return &internal.Event{ID: id}
	}
	inst := master.Clone()
	inst.ID = id
	inst.Start = start
	inst.End = start.Add(master.Duration())
	inst.Recurrence = nil
	inst.Exceptions = nil
	if ex, ok := master.Exception(date); ok {
		ex.Override.Apply(inst)
	}
	return inst
}
