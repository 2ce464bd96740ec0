package main

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/guilherme-santos/calendarhub/internal/availability"
	"github.com/guilherme-santos/calendarhub/internal/reconciler"
)

func freeCommand() *cli.Command {
	return &cli.Command{
		Name:  "free",
		Usage: "List free slots within working hours.",
		Flags: append([]cli.Flag{
			&cli.DurationFlag{Name: "min", Value: 30 * time.Minute, Usage: "shortest slot"},
		}, windowFlags...),
		Action: action(func(c *cli.Context, e *env) error {
			start, end, err := e.window(c)
			if err != nil {
				return err
			}
			res, err := e.reconciler.Do(c.Context, e.user, reconciler.Request{
				Op:          reconciler.OpFindFreeSlots,
				Start:       start,
				End:         end,
				MinDuration: c.Duration("min"),
			})
			if err != nil {
				return err
			}
			return printSlots(c, res.Slots)
		}),
	}
}

func conflictsCommand() *cli.Command {
	return &cli.Command{
		Name:  "conflicts",
		Usage: "Check whether a candidate time overlaps existing events.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "start", Required: true},
			&cli.StringFlag{Name: "end", Required: true},
			&cli.DurationFlag{Name: "buffer", Usage: "padding on both sides of the candidate"},
		},
		Action: action(func(c *cli.Context, e *env) error {
			zone, err := e.zone(c)
			if err != nil {
				return err
			}
			start, err := parseTime(c.String("start"), zone)
			if err != nil {
				return err
			}
			end, err := parseTime(c.String("end"), zone)
			if err != nil {
				return err
			}
			res, err := e.reconciler.Do(c.Context, e.user, reconciler.Request{
				Op:     reconciler.OpFindConflicts,
				Start:  start,
				End:    end,
				Buffer: c.Duration("buffer"),
			})
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return printJSON(c, res)
			}
			if !res.Conflict {
				fmt.Fprintln(c.App.Writer, "No conflicts")
				return nil
			}
			return e.printEvents(c, res.Events)
		}),
	}
}

func meetCommand() *cli.Command {
	return &cli.Command{
		Name:      "meet",
		Usage:     "Find times that suit you and the given participants.",
		ArgsUsage: "<participant>...",
		Flags: append([]cli.Flag{
			&cli.DurationFlag{Name: "duration", Value: 30 * time.Minute},
			&cli.IntFlag{Name: "max", Value: 5, Usage: "maximum slots, 0 for all"},
		}, windowFlags...),
		Action: action(func(c *cli.Context, e *env) error {
			start, end, err := e.window(c)
			if err != nil {
				return err
			}
			res, err := e.reconciler.Do(c.Context, e.user, reconciler.Request{
				Op:           reconciler.OpFindMeetingTime,
				Start:        start,
				End:          end,
				Duration:     c.Duration("duration"),
				Participants: c.Args().Slice(),
				MaxSlots:     c.Int("max"),
			})
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return printJSON(c, res.Meeting)
			}
			fmt.Fprintf(c.App.Writer, "Checked: %v\n", res.Meeting.Checked)
			if len(res.Meeting.AssumedAvailable) > 0 {
				fmt.Fprintf(c.App.Writer, "Assumed available (calendar not accessible): %v\n", res.Meeting.AssumedAvailable)
			}
			return printSlots(c, res.Meeting.Slots)
		}),
	}
}

func printSlots(c *cli.Context, slots []availability.Slot) error {
	if c.Bool("json") {
		return printJSON(c, slots)
	}
	for _, s := range slots {
		fmt.Fprintf(c.App.Writer, "%s - %s (%s)\n",
			s.Start.Format("Mon 02 Jan 2006 15:04"),
			s.End.Format("15:04 MST"),
			s.Duration(),
		)
	}
	return nil
}
