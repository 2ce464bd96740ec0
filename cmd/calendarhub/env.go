package main

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/mattn/go-sqlite3"
	"github.com/urfave/cli/v2"

	"github.com/guilherme-santos/calendarhub/calendar"
	"github.com/guilherme-santos/calendarhub/calendar/caldav"
	"github.com/guilherme-santos/calendarhub/calendar/google"
	"github.com/guilherme-santos/calendarhub/internal"
	"github.com/guilherme-santos/calendarhub/internal/config"
	"github.com/guilherme-santos/calendarhub/internal/credential"
	"github.com/guilherme-santos/calendarhub/internal/lock"
	"github.com/guilherme-santos/calendarhub/internal/reconciler"
	"github.com/guilherme-santos/calendarhub/internal/sqlite"
	"github.com/guilherme-santos/calendarhub/internal/syncer"
)

// env holds everything a command needs, built from the config file, the
// environment and the global flags, in increasing priority.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
	user   string

	db         *sql.DB
	storage    *sqlite.Storage
	mux        *calendar.Mux
	keeper     *credential.Keeper
	syncer     *syncer.Syncer
	reconciler *reconciler.Reconciler
}

func newEnv(c *cli.Context) (*env, error) {
	if err := config.LoadDotEnv(c.String("env-file")); err != nil {
		return nil, fmt.Errorf("loading %s: %v", c.String("env-file"), err)
	}
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if c.IsSet("db") {
		cfg.Database = c.String("db")
	}
	if c.Bool("verbose") {
		cfg.Verbose = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := internal.NewLogger(os.Stderr, cfg.Verbose)

	db, err := sql.Open(sqlite.DriverName, cfg.Database)
	if err != nil {
		return nil, err
	}
	storage := sqlite.NewStorage(db)

	mux, err := newMux(cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	keeper := credential.NewKeeper(storage, mux,
		credential.WithSkew(cfg.Engine.TokenSkew),
		credential.WithLogger(logger),
	)
	locks := lock.NewKeyed()

	s := syncer.New(storage, keeper, locks, logger)
	s.WeeksPast = cfg.Sync.WeeksPast
	s.WeeksAhead = cfg.Sync.WeeksAhead
	s.IgnoreAllDayEvents = cfg.Sync.IgnoreAllDay
	s.IgnoreCategories = cfg.Sync.IgnoreCategories

	r := reconciler.New(storage, keeper, s, locks, logger, reconciler.Options{
		ProviderTimeout: cfg.Engine.ProviderTimeout,
		Workers:         cfg.Engine.Workers,
		MaxOccurrences:  cfg.Engine.MaxOccurrences,
		Timezone:        cfg.Timezone,
		WorkStartHour:   cfg.Availability.WorkStartHour,
		WorkEndHour:     cfg.Availability.WorkEndHour,
		AllDayBusy:      cfg.Availability.AllDayBusy,
	})

	return &env{
		cfg:        cfg,
		logger:     logger,
		user:       c.String("user"),
		db:         db,
		storage:    storage,
		mux:        mux,
		keeper:     keeper,
		syncer:     s,
		reconciler: r,
	}, nil
}

func (e *env) Close() error {
	return e.db.Close()
}

// newMux registers google when a credentials file is available and caldav
// when an endpoint is configured.
func newMux(cfg *config.Config, logger *slog.Logger) (*calendar.Mux, error) {
	mux := calendar.NewMux()

	credJSON, err := os.ReadFile(cfg.Google.CredentialsFile)
	switch {
	case err == nil:
		googleCal, err := google.NewClient(credJSON,
			google.WithCalendarID(cfg.Google.CalendarID),
			google.WithSkew(cfg.Engine.TokenSkew),
			google.WithLogger(logger),
		)
		if err != nil {
			return nil, fmt.Errorf("creating google client: %v", err)
		}
		googleCal.CallbackAddr = cfg.Google.CallbackAddr
		mux.Register(google.Platform, googleCal)
	case os.IsNotExist(err):
		logger.Debug("google: no credentials file", "file", cfg.Google.CredentialsFile)
	default:
		return nil, fmt.Errorf("reading google credentials: %v", err)
	}

	if cfg.CalDAV.Endpoint != "" {
		mux.Register(caldav.Platform, caldav.NewClient(cfg.CalDAV.Endpoint, cfg.CalDAV.CalendarName,
			caldav.WithLogger(logger),
		))
	}
	return mux, nil
}

// action wraps a command body with the env setup and teardown.
func action(fn func(*cli.Context, *env) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		e, err := newEnv(c)
		if err != nil {
			return err
		}
		defer e.Close()
		return fn(c, e)
	}
}
