package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/guilherme-santos/calendarhub/internal"
	"github.com/guilherme-santos/calendarhub/internal/ics"
	"github.com/guilherme-santos/calendarhub/internal/reconciler"
)

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Write the local ledger as an iCalendar file.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "file to write, stdout when empty"},
		},
		Action: action(func(c *cli.Context, e *env) error {
			events, err := e.storage.AllForUser(c.Context, e.user)
			if err != nil {
				return err
			}

			var w io.Writer = c.App.Writer
			if path := c.String("output"); path != "" {
				f, err := os.Create(path)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return ics.Encode(w, events)
		}),
	}
}

func importCommand() *cli.Command {
	return &cli.Command{
		Name:      "import",
		Usage:     "Create the events of an iCalendar file.",
		ArgsUsage: "<file.ics>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "local", Usage: "keep imported events in the local ledger only"},
		},
		Action: action(func(c *cli.Context, e *env) error {
			path := c.Args().First()
			if path == "" {
				return cli.Exit("missing file", 1)
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()

			events, err := ics.Decode(f)
			if err != nil {
				return err
			}

			var imported, skipped int
			for _, ev := range events {
				// imported uids rarely are valid provider ids
				ev.ID = internal.NewEventID()
				ev.Source = ""
				if c.Bool("local") {
					ev.Source = internal.SourceLocal
				}

				_, err := e.reconciler.Do(c.Context, e.user, reconciler.Request{
					Op:    reconciler.OpCreateEvent,
					Event: ev,
				})
				if errors.Is(err, internal.ErrAuthExpired) {
					return err
				}
				if err != nil {
					e.logger.Warn("Unable to import event", "title", ev.Title, "err", err)
					skipped++
					continue
				}
				imported++
			}
			fmt.Fprintf(c.App.Writer, "imported %d, skipped %d\n", imported, skipped)
			return nil
		}),
	}
}
