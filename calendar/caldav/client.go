package caldav

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"sync"
	"time"

	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"

	"github.com/guilherme-santos/calendarhub/internal"
	"github.com/guilherme-santos/calendarhub/internal/ics"
)

const Platform = "caldav"

// Client talks to a CalDAV server. The credential's Account is the user
// name and its AccessToken the (app specific) password.
type Client struct {
	endpoint     string
	calendarName string
	httpClient   webdav.HTTPClient
	logger       *slog.Logger

	mu        sync.Mutex
	calendars map[string]string // account -> calendar path
}

type Option func(*Client)

func WithHTTPClient(hc webdav.HTTPClient) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient returns a provider for the calendar named calendarName on the
// server at endpoint. An empty name picks the first calendar found.
func NewClient(endpoint, calendarName string, opts ...Option) *Client {
	c := &Client{
		endpoint:     endpoint,
		calendarName: calendarName,
		httpClient:   http.DefaultClient,
		logger:       internal.DiscardLogger(),
		calendars:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Refresh is a no-op: CalDAV credentials do not expire.
func (c *Client) Refresh(_ context.Context, cred internal.SyncCredential) (internal.SyncCredential, error) {
	if cred.AccessToken == "" {
		return cred, fmt.Errorf("%w: no password for %s", internal.ErrAuthExpired, cred)
	}
	return cred, nil
}

func (c *Client) ListEvents(ctx context.Context, cred internal.SyncCredential, start, end time.Time) ([]*internal.Event, internal.SyncCredential, error) {
	cl, calPath, err := c.calendar(ctx, cred)
	if err != nil {
		return nil, cred, err
	}

	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:  "VCALENDAR",
			Comps: []caldav.CalendarCompRequest{{Name: "VEVENT", AllProps: true, AllComps: true}},
		},
		CompFilter: caldav.CompFilter{
			Name:  "VCALENDAR",
			Comps: []caldav.CompFilter{{Name: "VEVENT", Start: start, End: end}},
		},
	}
	objects, err := cl.QueryCalendar(ctx, calPath, query)
	if err != nil {
		return nil, cred, mapError(err)
	}

	var events []*internal.Event
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		evs, err := ics.FromCalendar(obj.Data)
		if err != nil {
			c.logger.Warn("caldav: skipping object", "path", obj.Path, "err", err)
			continue
		}
		for _, e := range evs {
			e.Source = internal.SourceExternal
			e.SourceID = e.ID
			events = append(events, e)
		}
	}
	return events, cred, nil
}

func (c *Client) CreateEvent(ctx context.Context, cred internal.SyncCredential, req *internal.Event) (*internal.Event, internal.SyncCredential, error) {
	e := req.Clone()
	if e.ID == "" {
		e.ID = internal.NewEventID()
	}
	return c.put(ctx, cred, e.ID, e)
}

func (c *Client) UpdateEvent(ctx context.Context, cred internal.SyncCredential, req *internal.Event) (*internal.Event, internal.SyncCredential, error) {
	e := req.Clone()
	if e.SourceID != "" {
		e.ID = e.SourceID
	}
	cl, calPath, err := c.calendar(ctx, cred)
	if err != nil {
		return nil, cred, err
	}
	if _, err := cl.GetCalendarObject(ctx, objectPath(calPath, e.ID)); err != nil {
		return nil, cred, mapError(err)
	}
	return c.put(ctx, cred, e.ID, e)
}

func (c *Client) put(ctx context.Context, cred internal.SyncCredential, id string, e *internal.Event) (*internal.Event, internal.SyncCredential, error) {
	cl, calPath, err := c.calendar(ctx, cred)
	if err != nil {
		return nil, cred, err
	}
	e.IsRecurringInstance = false
	cal, err := ics.NewCalendar([]*internal.Event{e})
	if err != nil {
		return nil, cred, err
	}
	if _, err := cl.PutCalendarObject(ctx, objectPath(calPath, id), cal); err != nil {
		c.logger.Warn("caldav: writing event", "event_id", id, "err", err)
		return nil, cred, mapError(err)
	}
	c.logger.Debug("caldav: event written", "event_id", id, "title", e.Title)

	e.Source = internal.SourceExternal
	e.SourceID = id
	return e, cred, nil
}

// DeleteEvent reports false when the event was already gone.
func (c *Client) DeleteEvent(ctx context.Context, cred internal.SyncCredential, id string) (bool, internal.SyncCredential, error) {
	cl, calPath, err := c.calendar(ctx, cred)
	if err != nil {
		return false, cred, err
	}
	err = mapError(cl.RemoveAll(ctx, objectPath(calPath, id)))
	if errors.Is(err, internal.ErrNotFound) {
		return false, cred, nil
	}
	if err != nil {
		return false, cred, err
	}
	return true, cred, nil
}

// calendar returns a client bound to cred and the path of the configured
// calendar, discovering it on first use.
func (c *Client) calendar(ctx context.Context, cred internal.SyncCredential) (*caldav.Client, string, error) {
	if cred.AccessToken == "" {
		return nil, "", fmt.Errorf("%w: no password for %s", internal.ErrAuthExpired, cred)
	}
	hc := &statusClient{
		HTTPClient: webdav.HTTPClientWithBasicAuth(c.httpClient, cred.Account, cred.AccessToken),
	}
	cl, err := caldav.NewClient(hc, c.endpoint)
	if err != nil {
		return nil, "", fmt.Errorf("caldav: creating client: %v", err)
	}

	c.mu.Lock()
	calPath, ok := c.calendars[cred.Account]
	c.mu.Unlock()
	if ok {
		return cl, calPath, nil
	}

	calPath, err = c.findCalendar(ctx, cl)
	if err != nil {
		return nil, "", err
	}
	c.mu.Lock()
	c.calendars[cred.Account] = calPath
	c.mu.Unlock()
	return cl, calPath, nil
}

func (c *Client) findCalendar(ctx context.Context, cl *caldav.Client) (string, error) {
	principalPath, err := cl.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", mapError(fmt.Errorf("finding principal path: %w", err))
	}
	homeSetPath, err := cl.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return "", mapError(fmt.Errorf("finding calendar home set: %w", err))
	}
	calendars, err := cl.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return "", mapError(fmt.Errorf("finding calendars: %w", err))
	}

	for _, cal := range calendars {
		if c.calendarName == "" || cal.Name == c.calendarName {
			c.logger.Info("caldav: using calendar", "name", cal.Name, "path", cal.Path)
			return cal.Path, nil
		}
	}
	return "", fmt.Errorf("caldav: no calendar found with name %q", c.calendarName)
}

func objectPath(calPath, id string) string {
	return path.Join(calPath, id+".ics")
}

// statusClient turns HTTP failures into the provider error taxonomy before
// go-webdav sees the response.
type statusClient struct {
	webdav.HTTPClient
}

func (s *statusClient) Do(req *http.Request) (*http.Response, error) {
	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", internal.ErrProviderUnavailable, err)
	}

	var target error
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		target = internal.ErrAuthExpired
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		target = internal.ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		target = internal.ErrProviderUnavailable
	default:
		return resp, nil
	}
	resp.Body.Close()
	return nil, fmt.Errorf("%w: %s %s: %s", target, req.Method, req.URL.Path, resp.Status)
}

func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, internal.ErrAuthExpired),
		errors.Is(err, internal.ErrNotFound),
		errors.Is(err, internal.ErrProviderUnavailable):
		return err
	default:
		return fmt.Errorf("%w: %v", internal.ErrProviderUnavailable, err)
	}
}
