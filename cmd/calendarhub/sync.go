package main

import (
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v2"

	"github.com/guilherme-santos/calendarhub/internal/reconciler"
	"github.com/guilherme-santos/calendarhub/internal/syncer"
)

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Push local events to the external calendar and refresh the mirror.",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "weeks-past", Usage: "override the configured window"},
			&cli.IntFlag{Name: "weeks-ahead", Usage: "override the configured window"},
			&cli.BoolFlag{Name: "ignore-all-day-events", Usage: "do not push all-day events"},
		},
		Action: action(func(c *cli.Context, e *env) error {
			if c.IsSet("weeks-past") {
				e.syncer.WeeksPast = c.Int("weeks-past")
			}
			if c.IsSet("weeks-ahead") {
				e.syncer.WeeksAhead = c.Int("weeks-ahead")
			}
			if c.Bool("ignore-all-day-events") {
				e.syncer.IgnoreAllDayEvents = true
			}

			res, err := e.reconciler.Do(c.Context, e.user, reconciler.Request{Op: reconciler.OpSyncExternal})
			if err != nil && !errors.Is(err, syncer.ErrSyncing) {
				return err
			}
			if c.Bool("json") {
				return printJSON(c, res.Report)
			}
			r := res.Report
			fmt.Fprintf(c.App.Writer, "pushed %d, skipped %d, ignored %d, failed %d, deleted %d, mirrored %d, swept %d\n",
				r.Pushed, r.Skipped, r.Ignored, r.Failed, r.Deleted, r.Mirrored, r.Swept)
			return err
		}),
	}
}

// watchCommand re-issues sync requests for every connected user on the
// configured cron schedule until interrupted.
func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Run sync for every connected user on a cron schedule.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "cron", Usage: "override the configured schedule"},
		},
		Action: action(func(c *cli.Context, e *env) error {
			spec := e.cfg.Sync.Cron
			if c.IsSet("cron") {
				spec = c.String("cron")
			}

			sched := cron.New()
			_, err := sched.AddFunc(spec, func() {
				users, err := e.storage.ConnectedUsers(c.Context)
				if err != nil {
					e.logger.Error("Unable to list connected users", "err", err)
					return
				}
				for _, user := range users {
					report, err := e.syncer.Sync(c.Context, user)
					if err != nil {
						e.logger.Warn("Sync failed", "user", user, "err", err)
						continue
					}
					e.logger.Info("Sync done", "user", user, "pushed", report.Pushed, "mirrored", report.Mirrored)
				}
			})
			if err != nil {
				return fmt.Errorf("invalid cron %q: %v", spec, err)
			}

			e.logger.Info("Watching", "cron", spec)
			sched.Start()
			<-c.Context.Done()
			<-sched.Stop().Done()
			return nil
		}),
	}
}
