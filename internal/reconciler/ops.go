package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/guilherme-santos/calendarhub/internal"
	"github.com/guilherme-santos/calendarhub/internal/availability"
	"github.com/guilherme-santos/calendarhub/internal/syncer"
	"github.com/guilherme-santos/calendarhub/internal/timezone"
)

// SearchEvents returns the merged events in [start, end] whose title,
// description, location or categories contain query, ignoring case.
func (r *Reconciler) SearchEvents(ctx context.Context, userID, query string, start, end time.Time) ([]*Event, error) {
	events, err := r.GetEvents(ctx, userID, start, end)
	if err != nil {
		return nil, err
	}
	res := make([]*Event, 0)
	for _, e := range events {
		if e.Matches(query) {
			res = append(res, e)
		}
	}
	return res, nil
}

func (r *Reconciler) FindFreeSlots(ctx context.Context, userID string, start, end time.Time, minDuration time.Duration) ([]availability.Slot, error) {
	engine, err := r.engine(ctx, userID)
	if err != nil {
		return nil, err
	}
	events, err := r.GetEvents(ctx, userID, start, end)
	if err != nil {
		return nil, err
	}
	return engine.FindFreeSlots(events, start, end, minDuration), nil
}

// FindConflicts returns the events overlapping the candidate interval padded
// by buffer on both sides.
func (r *Reconciler) FindConflicts(ctx context.Context, userID string, start, end time.Time, buffer time.Duration) ([]*Event, error) {
	engine, err := r.engine(ctx, userID)
	if err != nil {
		return nil, err
	}
	ws, we := window(start, end, buffer)
	events, err := r.GetEvents(ctx, userID, ws, we)
	if err != nil {
		return nil, err
	}
	return engine.Conflicts(events, start, end, buffer), nil
}

// FindMeetingTime searches slots free for the organizer and participants.
// Only calendars of users known to this instance can be read, the others
// are reported as assumed available.
func (r *Reconciler) FindMeetingTime(ctx context.Context, organizer string, participants []string, start, end time.Time, duration time.Duration, maxSlots int) (availability.MeetingTimes, error) {
	engine, err := r.engine(ctx, organizer)
	if err != nil {
		return availability.MeetingTimes{}, err
	}

	ids := append([]string{organizer}, participants...)
	seen := make(map[string]struct{}, len(ids))
	list := make([]availability.Participant, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		p := availability.Participant{ID: id}
		known, err := r.storage.KnownUser(ctx, id)
		if err != nil {
			return availability.MeetingTimes{}, err
		}
		if known {
			events, err := r.GetEvents(ctx, id, start, end)
			switch {
			case err == nil:
				p.Checked = true
				p.Events = events
			case id == organizer:
				return availability.MeetingTimes{}, err
			default:
				r.logger.Warn("reconciler: participant calendar unavailable", "user", id, "err", err)
			}
		}
		list = append(list, p)
	}
	return engine.FindOptimalMeetingTime(list, start, end, duration, maxSlots), nil
}

func (r *Reconciler) engine(ctx context.Context, userID string) (*availability.Engine, error) {
	zone, err := r.DisplayZone(ctx, userID)
	if err != nil {
		return nil, err
	}
	loc, err := timezone.Load(zone)
	if err != nil {
		return nil, err
	}
	return availability.New(availability.Options{
		WorkStartHour: r.opts.WorkStartHour,
		WorkEndHour:   r.opts.WorkEndHour,
		Location:      loc,
		AllDayBusy:    r.opts.AllDayBusy,
	}), nil
}

// Op is one of the operations exposed to callers of Do.
type Op int

const (
	OpGetEvents Op = iota + 1
	OpCreateEvent
	OpUpdateEvent
	OpDeleteEvent
	OpSearchEvents
	OpFindFreeSlots
	OpFindConflicts
	OpFindMeetingTime
	OpSyncExternal
)

var opNames = map[Op]string{
	OpGetEvents:       "getEvents",
	OpCreateEvent:     "createEvent",
	OpUpdateEvent:     "updateEvent",
	OpDeleteEvent:     "deleteEvent",
	OpSearchEvents:    "searchEvents",
	OpFindFreeSlots:   "findFreeSlots",
	OpFindConflicts:   "findConflicts",
	OpFindMeetingTime: "findMeetingTime",
	OpSyncExternal:    "syncExternal",
}

func (op Op) String() string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return fmt.Sprintf("Op(%d)", int(op))
}

var ErrUnknownOp = errors.New("unknown operation")

// Request carries the arguments of every operation, each one reads only the
// fields it needs.
type Request struct {
	Op    Op
	Start time.Time
	End   time.Time

	Event              *Event
	ID                 string
	DeleteAllInstances bool
	Query              string

	// MinDuration is the shortest free slot, Duration the meeting length.
	MinDuration  time.Duration
	Duration     time.Duration
	Buffer       time.Duration
	Participants []string
	MaxSlots     int
}

type Response struct {
	Events   []*Event                   `json:"events,omitempty"`
	Event    *Event                     `json:"event,omitempty"`
	Found    bool                       `json:"found"`
	Slots    []availability.Slot        `json:"slots,omitempty"`
	Conflict bool                       `json:"conflict"`
	Meeting  *availability.MeetingTimes `json:"meeting,omitempty"`
	Report   *syncer.Report             `json:"report,omitempty"`
}

// Do runs req on behalf of userID.
func (r *Reconciler) Do(ctx context.Context, userID string, req Request) (Response, error) {
	var (
		res Response
		err error
	)

	switch req.Op {
	case OpGetEvents:
		res.Events, err = r.GetEvents(ctx, userID, req.Start, req.End)
	case OpCreateEvent:
		if req.Event == nil {
			return res, &internal.ValidationError{Reason: "event is required"}
		}
		res.Event, err = r.CreateEvent(ctx, userID, req.Event)
		res.Found = err == nil
	case OpUpdateEvent:
		if req.Event == nil {
			return res, &internal.ValidationError{Reason: "event is required"}
		}
		res.Event, res.Found, err = r.UpdateEvent(ctx, userID, req.Event)
	case OpDeleteEvent:
		res.Found, err = r.DeleteEvent(ctx, userID, req.ID, req.DeleteAllInstances)
	case OpSearchEvents:
		res.Events, err = r.SearchEvents(ctx, userID, req.Query, req.Start, req.End)
	case OpFindFreeSlots:
		res.Slots, err = r.FindFreeSlots(ctx, userID, req.Start, req.End, req.MinDuration)
	case OpFindConflicts:
		res.Events, err = r.FindConflicts(ctx, userID, req.Start, req.End, req.Buffer)
		res.Conflict = len(res.Events) > 0
	case OpFindMeetingTime:
		var m availability.MeetingTimes
		m, err = r.FindMeetingTime(ctx, userID, req.Participants, req.Start, req.End, req.Duration, req.MaxSlots)
		res.Meeting = &m
	case OpSyncExternal:
		var report syncer.Report
		report, err = r.SyncExternal(ctx, userID)
		res.Report = &report
	default:
		return res, fmt.Errorf("%w: %v", ErrUnknownOp, req.Op)
	}
	return res, err
}
