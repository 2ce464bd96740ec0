package main

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/guilherme-santos/calendarhub/calendar/caldav"
	"github.com/guilherme-santos/calendarhub/calendar/google"
	"github.com/guilherme-santos/calendarhub/internal"
	"github.com/guilherme-santos/calendarhub/internal/timezone"
)

func connectCommand() *cli.Command {
	return &cli.Command{
		Name:      "connect",
		Usage:     "Give access to an external calendar (google or caldav).",
		ArgsUsage: "<platform>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "username", Usage: "caldav user name"},
			&cli.StringFlag{Name: "password", EnvVars: []string{"CALDAV_PASSWORD"}, Usage: "caldav (app specific) password"},
			&cli.BoolFlag{Name: "disconnect", Usage: "forget the stored credential"},
		},
		Action: action(func(c *cli.Context, e *env) error {
			w := c.App.Writer

			if c.Bool("disconnect") {
				if err := e.storage.DeleteCredential(c.Context, e.user); err != nil {
					return err
				}
				fmt.Fprintf(w, "Disconnected %s\n", e.user)
				return nil
			}

			platform := c.Args().First()
			var (
				cred internal.SyncCredential
				err  error
			)
			switch platform {
			case google.Platform:
				auth, err := e.mux.Authenticator(platform)
				if err != nil {
					return fmt.Errorf("%v (is %s readable?)", err, e.cfg.Google.CredentialsFile)
				}
				cred, err = auth.Login(c.Context, e.user, func(authURL string) {
					fmt.Fprintf(w, "Go to the following link in your browser\n%s\n", authURL)
				})
				if err != nil {
					return fmt.Errorf("google: logging in: %v", err)
				}
			case caldav.Platform:
				cred = internal.SyncCredential{
					Account:     c.String("username"),
					AccessToken: c.String("password"),
				}
				if cred.Account == "" || cred.AccessToken == "" {
					return cli.Exit("caldav needs --username and --password", 1)
				}
			default:
				return cli.Exit(fmt.Sprintf("unknown platform %q, available: %v", platform, e.mux.Platforms()), 1)
			}
			cred.UserID = e.user
			cred.Provider = platform

			provider, err := e.mux.Get(platform)
			if err != nil {
				return err
			}
			now := time.Now()
			if _, cred, err = provider.ListEvents(c.Context, cred, now, now.Add(time.Hour)); err != nil {
				return fmt.Errorf("checking access: %w", err)
			}

			fmt.Fprintf(w, "Saving account %q for %q provider...\n", cred.String(), platform)
			return e.storage.SaveCredential(c.Context, cred)
		}),
	}
}

func timezoneCommand() *cli.Command {
	return &cli.Command{
		Name:      "timezone",
		Usage:     "Show or set the display timezone.",
		ArgsUsage: "[zone]",
		Action: action(func(c *cli.Context, e *env) error {
			zone := c.Args().First()
			if zone == "" {
				current, err := e.zone(c)
				if err != nil {
					return err
				}
				fmt.Fprintln(c.App.Writer, current)
				return nil
			}
			if _, err := timezone.Load(zone); err != nil {
				return err
			}
			return e.storage.SetTimezone(c.Context, e.user, zone)
		}),
	}
}
