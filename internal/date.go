package internal

import (
	"fmt"
	"time"
)

const (
	DateFormat  = "2006-01-02"
	StampFormat = "20060102"
)

// Date is a civil date. It is always stored as midnight UTC so two dates
// compare equal regardless of the zone they were taken from.
type Date struct {
	time.Time
}

func NewDateFromTime(t time.Time) Date {
	return NewDate(t.Year(), t.Month(), t.Day())
}

func NewDate(year int, month time.Month, day int) Date {
	return Date{time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

func (d Date) AddDate(years, months, days int) Date {
	return NewDateFromTime(d.Time.AddDate(years, months, days))
}

func (d Date) Equal(o Date) bool {
	return d.Time.Equal(o.Time)
}

func (d Date) Before(o Date) bool {
	return d.Time.Before(o.Time)
}

// In returns midnight of d in loc.
func (d Date) In(loc *time.Location) time.Time {
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc)
}

func Parse(layout, value string) (Date, error) {
	t, err := time.Parse(layout, value)
	if err != nil {
		return Date{}, err
	}
	return NewDateFromTime(t), nil
}

func (d *Date) Set(v string) error {
	parsed, err := Parse(DateFormat, v)
	if err == nil {
		*d = parsed
	}
	return err
}

func (d Date) String() string {
	return d.Format(DateFormat)
}

// Stamp is the compact yyyyMMdd form used in instance ids.
func (d Date) Stamp() string {
	return d.Format(StampFormat)
}

func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Date) UnmarshalText(b []byte) error {
	return d.Set(string(b))
}

// MarshalJSON and UnmarshalJSON take precedence over the ones promoted from
// time.Time.
func (d Date) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Date) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" {
		return nil
	}
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return fmt.Errorf("invalid date %s", s)
	}
	return d.Set(s[1 : len(s)-1])
}
