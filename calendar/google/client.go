package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/guilherme-santos/calendarhub/internal"
)

const Platform = "google"

const (
	defaultSleep      = 2 * time.Second
	defaultMaxRetries = 3
	defaultSkew       = 60 * time.Second
)

type Client struct {
	oauthCfg   *oauth2.Config
	calendarID string
	endpoint   string
	httpClient *http.Client
	sleep      time.Duration
	maxRetries int
	skew       time.Duration
	now        func() time.Time
	logger     *slog.Logger

	// CallbackAddr is where Login listens for the OAuth redirect.
	CallbackAddr string
}

type Option func(*Client)

// WithCalendarID selects the calendar events are read from and written to.
// Defaults to the user's primary calendar.
func WithCalendarID(id string) Option {
	return func(c *Client) { c.calendarID = id }
}

// WithEndpoint points the client at another Calendar API base URL.
func WithEndpoint(url string) Option {
	return func(c *Client) { c.endpoint = url }
}

// WithHTTPClient sets the transport used for both API and token calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetry bounds the retries done on rate limiting.
func WithRetry(maxRetries int, sleep time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.sleep = sleep
	}
}

func WithSkew(d time.Duration) Option {
	return func(c *Client) { c.skew = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient builds the provider from an OAuth client credentials file as
// downloaded from the Google Cloud console.
func NewClient(credJSON []byte, opts ...Option) (*Client, error) {
	oauthCfg, err := google.ConfigFromJSON(credJSON, calendar.CalendarEventsScope)
	if err != nil {
		return nil, fmt.Errorf("google: parsing credentials file: %v", err)
	}
	return NewClientWithConfig(oauthCfg, opts...), nil
}

func NewClientWithConfig(oauthCfg *oauth2.Config, opts ...Option) *Client {
	c := &Client{
		oauthCfg:     oauthCfg,
		calendarID:   "primary",
		sleep:        defaultSleep,
		maxRetries:   defaultMaxRetries,
		skew:         defaultSkew,
		now:          time.Now,
		logger:       internal.DiscardLogger(),
		CallbackAddr: ":8080",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Refresh exchanges the refresh token for a new access token.
func (c Client) Refresh(ctx context.Context, cred internal.SyncCredential) (internal.SyncCredential, error) {
	if cred.RefreshToken == "" {
		return cred, fmt.Errorf("%w: no refresh token for %s", internal.ErrAuthExpired, cred)
	}
	tok := &oauth2.Token{
		RefreshToken: cred.RefreshToken,
		// force the token source to hit the token endpoint
		Expiry: time.Unix(1, 0),
	}
	fresh, err := c.oauthCfg.TokenSource(c.oauthContext(ctx), tok).Token()
	if err != nil {
		return cred, mapError(err)
	}

	cred.AccessToken = fresh.AccessToken
	if fresh.RefreshToken != "" {
		cred.RefreshToken = fresh.RefreshToken
	}
	cred.ExpiresAt = 0
	if !fresh.Expiry.IsZero() {
		cred.ExpiresAt = fresh.Expiry.Unix()
	}
	c.logger.Debug("google: token refreshed", "credential", cred.String())
	return cred, nil
}

func (c Client) ListEvents(ctx context.Context, cred internal.SyncCredential, start, end time.Time) ([]*internal.Event, internal.SyncCredential, error) {
	cred, svc, err := c.calendarSvc(ctx, cred)
	if err != nil {
		return nil, cred, err
	}
	eventsCall := svc.Events.
		List(c.calendarID).
		Context(ctx).
		ShowDeleted(false).
		SingleEvents(true).
		OrderBy("startTime").
		TimeMin(start.Format(time.RFC3339)).
		TimeMax(end.Format(time.RFC3339))

	it := newEventIterator()
	go c.events(ctx, eventsCall, it.events)

	var events []*internal.Event
	for it.Next() {
		events = append(events, it.Event())
	}
	if err := it.Err(); err != nil {
		return nil, cred, err
	}
	return events, cred, nil
}

func (c Client) events(ctx context.Context, call *calendar.EventsListCall, eventCh chan eventOrError) {
	defer close(eventCh)

	var nextPageToken string
	for {
		var events *calendar.Events
		err := c.retry(ctx, func() (err error) {
			events, err = call.PageToken(nextPageToken).Do()
			return err
		})
		if err != nil {
			c.logger.Warn("google: unable to get list of events", "err", err)
			eventCh <- eventOrError{err: mapError(err)}
			return
		}

		for _, item := range events.Items {
			e, err := newEvent(item)
			if err != nil {
				c.logger.Warn("google: skipping event", "event_id", item.Id, "err", err)
				continue
			}
			if e != nil {
				eventCh <- eventOrError{e: e}
			}
		}
		nextPageToken = events.NextPageToken
		if nextPageToken == "" {
			return
		}
	}
}

// CreateEvent inserts req using its id as the Google event id when it is a
// valid one. Re-creating an id that already exists returns the stored copy.
func (c Client) CreateEvent(ctx context.Context, cred internal.SyncCredential, req *internal.Event) (*internal.Event, internal.SyncCredential, error) {
	cred, svc, err := c.calendarSvc(ctx, cred)
	if err != nil {
		return nil, cred, err
	}

	gevent := newGoogleEvent(req)
	if validID(req.ID) {
		gevent.Id = req.ID
	}

	var created *calendar.Event
	err = c.retry(ctx, func() (err error) {
		created, err = svc.Events.Insert(c.calendarID, gevent).Context(ctx).SendUpdates("none").Do()
		return err
	})
	if gevent.Id != "" && isStatus(err, http.StatusConflict) {
		c.logger.Debug("google: event already exists", "event_id", gevent.Id)
		err = c.retry(ctx, func() (err error) {
			created, err = svc.Events.Get(c.calendarID, gevent.Id).Context(ctx).Do()
			return err
		})
	}
	if err != nil {
		c.logger.Warn("google: creating event", "title", req.Title, "start", req.Start, "err", err)
		return nil, cred, mapError(err)
	}
	c.logger.Debug("google: event created", "event_id", created.Id, "title", req.Title)

	res, err := newEvent(created)
	return res, cred, err
}

func (c Client) UpdateEvent(ctx context.Context, cred internal.SyncCredential, req *internal.Event) (*internal.Event, internal.SyncCredential, error) {
	cred, svc, err := c.calendarSvc(ctx, cred)
	if err != nil {
		return nil, cred, err
	}
	id := req.SourceID
	if id == "" {
		id = req.ID
	}

	var updated *calendar.Event
	err = c.retry(ctx, func() (err error) {
		updated, err = svc.Events.Update(c.calendarID, id, newGoogleEvent(req)).Context(ctx).SendUpdates("none").Do()
		return err
	})
	if err != nil {
		c.logger.Warn("google: updating event", "event_id", id, "err", err)
		return nil, cred, mapError(err)
	}
	res, err := newEvent(updated)
	return res, cred, err
}

// DeleteEvent reports false when the event was already gone.
func (c Client) DeleteEvent(ctx context.Context, cred internal.SyncCredential, id string) (bool, internal.SyncCredential, error) {
	cred, svc, err := c.calendarSvc(ctx, cred)
	if err != nil {
		return false, cred, err
	}
	err = c.retry(ctx, func() error {
		return svc.Events.Delete(c.calendarID, id).Context(ctx).SendUpdates("none").Do()
	})
	if err == nil {
		c.logger.Debug("google: event deleted", "event_id", id)
		return true, cred, nil
	}
	if alreadyDeleted(err) || isStatus(err, http.StatusNotFound) || isStatus(err, http.StatusGone) {
		return false, cred, nil
	}
	return false, cred, mapError(err)
}

// calendarSvc refreshes cred when it is about to expire and returns a
// service bound to the resulting access token.
func (c Client) calendarSvc(ctx context.Context, cred internal.SyncCredential) (internal.SyncCredential, *calendar.Service, error) {
	if cred.AccessToken == "" || cred.Expired(c.now(), c.skew) {
		var err error
		if cred, err = c.Refresh(ctx, cred); err != nil {
			return cred, nil, err
		}
	}

	tok := &oauth2.Token{AccessToken: cred.AccessToken, TokenType: "Bearer"}
	httpClient := oauth2.NewClient(c.oauthContext(ctx), oauth2.StaticTokenSource(tok))

	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return cred, nil, fmt.Errorf("google: creating service: %v", err)
	}
	return cred, svc, nil
}

func (c Client) oauthContext(ctx context.Context) context.Context {
	if c.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// retry runs fn again while Google reports rate limiting, at most
// maxRetries times.
func (c Client) retry(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !shouldRetry(err) || attempt >= c.maxRetries {
			return err
		}
		c.logger.Debug("google: rate limited, retrying", "attempt", attempt+1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.sleep):
		}
	}
}

func shouldRetry(err error) bool {
	return errIsReason(err, "rateLimitExceeded") ||
		errIsReason(err, "userRateLimitExceeded") ||
		isStatus(err, http.StatusTooManyRequests)
}

func alreadyDeleted(err error) bool {
	return errIsReason(err, "deleted")
}

func errIsReason(err error, reason string) bool {
	var gErr *googleapi.Error
	if !errors.As(err, &gErr) {
		return false
	}

	for _, err := range gErr.Errors {
		switch err.Reason {
		case reason:
			return true
		}
	}
	return false
}

func isStatus(err error, code int) bool {
	var gErr *googleapi.Error
	return errors.As(err, &gErr) && gErr.Code == code
}

// mapError translates Google and OAuth failures into the provider error
// taxonomy.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) {
		if rErr.Response != nil && rErr.Response.StatusCode >= 500 {
			return fmt.Errorf("%w: %v", internal.ErrProviderUnavailable, err)
		}
		return fmt.Errorf("%w: %v", internal.ErrAuthExpired, err)
	}

	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		switch {
		case gErr.Code == http.StatusUnauthorized:
			return fmt.Errorf("%w: %v", internal.ErrAuthExpired, err)
		case gErr.Code == http.StatusNotFound, gErr.Code == http.StatusGone:
			return fmt.Errorf("%w: %v", internal.ErrNotFound, err)
		case shouldRetry(err), errIsReason(err, "quotaExceeded"), gErr.Code >= 500:
			return fmt.Errorf("%w: %v", internal.ErrProviderUnavailable, err)
		default:
			return fmt.Errorf("google: %v", err)
		}
	}

	// transport failures, timeouts and cancellations
	return fmt.Errorf("%w: %v", internal.ErrProviderUnavailable, err)
}

// validID reports whether id can be used as a client supplied Google event
// id: 5 to 1024 characters of the base32hex alphabet.
func validID(id string) bool {
	if len(id) < 5 || len(id) > 1024 {
		return false
	}
	for _, r := range id {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'v') {
			return false
		}
	}
	return true
}
