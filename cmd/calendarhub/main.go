package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/urfave/cli/v2"

	"github.com/guilherme-santos/calendarhub/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	app := &cli.App{
		Name:  "calendarhub",
		Usage: "One view over your local calendar and your external calendar.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Value: config.DefaultPath, Usage: "YAML config file"},
			&cli.StringFlag{Name: "env-file", Value: ".env", Usage: "file with environment variables"},
			&cli.StringFlag{Name: "db", Usage: "sqlite database file"},
			&cli.StringFlag{Name: "user", Value: "default", EnvVars: []string{"CALENDARHUB_USER"}, Usage: "user the command runs for"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "debug logging"},
			&cli.BoolFlag{Name: "json", Usage: "print results as JSON"},
		},
		Commands: []*cli.Command{
			eventsCommand(),
			searchCommand(),
			createCommand(),
			updateCommand(),
			deleteCommand(),
			freeCommand(),
			conflictsCommand(),
			meetCommand(),
			syncCommand(),
			watchCommand(),
			connectCommand(),
			timezoneCommand(),
			exportCommand(),
			importCommand(),
		},
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "calendarhub:", err)
		os.Exit(1)
	}
}
