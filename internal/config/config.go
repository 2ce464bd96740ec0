package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/guilherme-santos/calendarhub/internal/timezone"
)

const (
	DefaultPath     = "calendarhub.yaml"
	DefaultDatabase = "calendarhub.db"
	DefaultCron     = "*/15 * * * *"
)

type GoogleConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
	CalendarID      string `yaml:"calendar_id"`
	CallbackAddr    string `yaml:"callback_addr"`
}

type CalDAVConfig struct {
	Endpoint     string `yaml:"endpoint"`
	CalendarName string `yaml:"calendar_name"`
}

type SyncConfig struct {
	WeeksPast        int      `yaml:"weeks_past"`
	WeeksAhead       int      `yaml:"weeks_ahead"`
	IgnoreAllDay     bool     `yaml:"ignore_all_day"`
	IgnoreCategories []string `yaml:"ignore_categories"`
	// Cron is the schedule of the watch command.
	Cron string `yaml:"cron"`
}

type AvailabilityConfig struct {
	WorkStartHour int  `yaml:"work_start_hour"`
	WorkEndHour   int  `yaml:"work_end_hour"`
	AllDayBusy    bool `yaml:"all_day_busy"`
}

type EngineConfig struct {
	ProviderTimeout time.Duration `yaml:"provider_timeout"`
	TokenSkew       time.Duration `yaml:"token_skew"`
	Workers         int           `yaml:"workers"`
	MaxOccurrences  int           `yaml:"max_occurrences"`
}

type Config struct {
	Database string `yaml:"database"`
	// Timezone is the display zone of users that never set one.
	Timezone string `yaml:"timezone"`
	Verbose  bool   `yaml:"verbose"`

	Google       GoogleConfig       `yaml:"google"`
	CalDAV       CalDAVConfig       `yaml:"caldav"`
	Sync         SyncConfig         `yaml:"sync"`
	Availability AvailabilityConfig `yaml:"availability"`
	Engine       EngineConfig       `yaml:"engine"`
}

func Default() *Config {
	c := &Config{}
	c.Normalize()
	return c
}

// Normalize fills zero values with defaults.
func (c *Config) Normalize() {
	if c.Database == "" {
		c.Database = DefaultDatabase
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.Google.CredentialsFile == "" {
		c.Google.CredentialsFile = "credentials.json"
	}
	if c.Google.CalendarID == "" {
		c.Google.CalendarID = "primary"
	}
	if c.Google.CallbackAddr == "" {
		c.Google.CallbackAddr = ":8080"
	}
	if c.Sync.WeeksPast == 0 && c.Sync.WeeksAhead == 0 {
		c.Sync.WeeksAhead = 2
	}
	if c.Sync.Cron == "" {
		c.Sync.Cron = DefaultCron
	}
	if c.Availability.WorkStartHour == 0 && c.Availability.WorkEndHour == 0 {
		c.Availability.WorkStartHour = 9
		c.Availability.WorkEndHour = 17
	}
	if c.Engine.ProviderTimeout <= 0 {
		c.Engine.ProviderTimeout = 10 * time.Second
	}
	if c.Engine.TokenSkew <= 0 {
		c.Engine.TokenSkew = 60 * time.Second
	}
	if c.Engine.Workers <= 0 {
		c.Engine.Workers = 4
	}
	if c.Engine.MaxOccurrences <= 0 {
		c.Engine.MaxOccurrences = 5000
	}
}

func (c *Config) Validate() error {
	if _, err := timezone.Load(c.Timezone); err != nil {
		return fmt.Errorf("timezone: %w", err)
	}
	a := c.Availability
	if a.WorkStartHour < 0 || a.WorkEndHour > 24 || a.WorkStartHour >= a.WorkEndHour {
		return fmt.Errorf("availability: invalid work hours %d-%d", a.WorkStartHour, a.WorkEndHour)
	}
	if c.Sync.WeeksPast < 0 || c.Sync.WeeksAhead < 0 {
		return errors.New("sync: weeks_past and weeks_ahead must not be negative")
	}
	if _, err := cron.ParseStandard(c.Sync.Cron); err != nil {
		return fmt.Errorf("sync: invalid cron %q: %w", c.Sync.Cron, err)
	}
	return nil
}

// Load reads the YAML file at path. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	var c Config

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	c.Normalize()
	return &c, nil
}

// LoadDotEnv adds the variables of a .env file to the environment without
// overriding the ones already set. A missing file is ignored.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// ApplyEnv overrides the file values with the environment, lookup is
// usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	str("CALENDARHUB_DATABASE", &c.Database)
	str("CALENDARHUB_TIMEZONE", &c.Timezone)
	str("GOOGLE_CREDENTIALS_FILE", &c.Google.CredentialsFile)
	str("GOOGLE_CALENDAR_ID", &c.Google.CalendarID)
	str("CALDAV_ENDPOINT", &c.CalDAV.Endpoint)
	str("CALDAV_CALENDAR_NAME", &c.CalDAV.CalendarName)
	str("SYNC_CRON", &c.Sync.Cron)

	if v, ok := lookup("SYNC_IGNORE_CATEGORIES"); ok && v != "" {
		c.Sync.IgnoreCategories = strings.Split(v, ",")
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"SYNC_WEEKS_PAST", &c.Sync.WeeksPast},
		{"SYNC_WEEKS_AHEAD", &c.Sync.WeeksAhead},
		{"WORK_START_HOUR", &c.Availability.WorkStartHour},
		{"WORK_END_HOUR", &c.Availability.WorkEndHour},
		{"EXPANSION_WORKERS", &c.Engine.Workers},
	}
	for _, e := range ints {
		v, ok := lookup(e.name)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s value: %w", e.name, err)
		}
		*e.dst = n
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"PROVIDER_TIMEOUT", &c.Engine.ProviderTimeout},
		{"TOKEN_SKEW", &c.Engine.TokenSkew},
	}
	for _, e := range durations {
		v, ok := lookup(e.name)
		if !ok || v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s value: %w", e.name, err)
		}
		*e.dst = d
	}

	bools := []struct {
		name string
		dst  *bool
	}{
		{"CALENDARHUB_VERBOSE", &c.Verbose},
		{"SYNC_IGNORE_ALL_DAY", &c.Sync.IgnoreAllDay},
		{"ALL_DAY_BUSY", &c.Availability.AllDayBusy},
	}
	for _, e := range bools {
		v, ok := lookup(e.name)
		if !ok || v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s value: %w", e.name, err)
		}
		*e.dst = b
	}
	return nil
}
