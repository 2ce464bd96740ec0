package recurrence

import (
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/guilherme-santos/calendarhub/internal"
)

var frequencies = map[internal.Frequency]rrule.Frequency{
	internal.Daily:   rrule.DAILY,
	internal.Weekly:  rrule.WEEKLY,
	internal.Monthly: rrule.MONTHLY,
	internal.Yearly:  rrule.YEARLY,
}

var weekdays = map[internal.Weekday]rrule.Weekday{
	internal.MO: rrule.MO,
	internal.TU: rrule.TU,
	internal.WE: rrule.WE,
	internal.TH: rrule.TH,
	internal.FR: rrule.FR,
	internal.SA: rrule.SA,
	internal.SU: rrule.SU,
}

// weekdayCodes is indexed by rrule.Weekday.Day().
var weekdayCodes = []internal.Weekday{
	internal.MO, internal.TU, internal.WE, internal.TH, internal.FR, internal.SA, internal.SU,
}

// ROption maps a rule anchored at dtstart onto rrule-go options.
func ROption(r internal.RecurrenceRule, dtstart time.Time) rrule.ROption {
	opt := rrule.ROption{
		Freq:       frequencies[r.Frequency],
		Dtstart:    dtstart,
		Interval:   r.Interval,
		Count:      r.Count,
		Bymonthday: append([]int(nil), r.ByMonthDay...),
		Bymonth:    append([]int(nil), r.ByMonth...),
		Bysetpos:   append([]int(nil), r.BySetPos...),
		Wkst:       rrule.MO,
	}
	if r.WeekStart != "" {
		opt.Wkst = weekdays[r.WeekStart]
	}
	if r.Until != nil {
		opt.Until = r.Until.In(dtstart.Location())
	}
	for _, d := range r.ByDay {
		wd := weekdays[d.Day]
		if d.N != 0 {
			wd = wd.Nth(d.N)
		}
		opt.Byweekday = append(opt.Byweekday, wd)
	}
	return opt
}

// String renders the rule as an RRULE value, without the DTSTART line.
func String(r internal.RecurrenceRule, dtstart time.Time) string {
	opt := ROption(r, dtstart)
	return opt.RRuleString()
}

// Parse reads an RRULE value (with or without the "RRULE:" prefix).
func Parse(value string) (*internal.RecurrenceRule, error) {
	value = strings.TrimPrefix(strings.TrimSpace(value), "RRULE:")
	opt, err := rrule.StrToROption(value)
	if err != nil {
		return nil, &internal.ValidationError{Field: "recurrence", Reason: err.Error()}
	}

	r := &internal.RecurrenceRule{
		Interval:   opt.Interval,
		Count:      opt.Count,
		ByMonthDay: opt.Bymonthday,
		ByMonth:    opt.Bymonth,
		BySetPos:   opt.Bysetpos,
	}
	if r.Interval == 0 {
		r.Interval = 1
	}
	for f, rf := range frequencies {
		if rf == opt.Freq {
			r.Frequency = f
		}
	}
	if r.Frequency == "" {
		return nil, &internal.ValidationError{Field: "recurrence.frequency", Reason: fmt.Sprintf("unsupported frequency %v", opt.Freq)}
	}
	if !opt.Until.IsZero() {
		until := opt.Until.UTC()
		r.Until = &until
	}
	for _, wd := range opt.Byweekday {
		r.ByDay = append(r.ByDay, internal.ByDay{Day: weekdayCodes[wd.Day()], N: wd.N()})
	}
	if wkst := weekdayCodes[opt.Wkst.Day()]; wkst != internal.MO {
		r.WeekStart = wkst
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}
