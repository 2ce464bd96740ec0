package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/guilherme-santos/calendarhub/internal"
	"github.com/guilherme-santos/calendarhub/internal/lock"
	"github.com/guilherme-santos/calendarhub/internal/recurrence"
	"github.com/guilherme-santos/calendarhub/internal/syncer"
	"github.com/guilherme-santos/calendarhub/internal/timezone"
)

type Event = internal.Event

type Storage interface {
	Until(_ context.Context, userID string, end time.Time) ([]*Event, error)
	Get(_ context.Context, userID, id string) (*Event, error)
	Upsert(_ context.Context, userID string, _ *Event) error
	Remove(_ context.Context, userID, id string) (bool, error)

	MirrorRange(_ context.Context, userID string, start, end time.Time) ([]*Event, error)
	MirrorEvent(_ context.Context, userID, id string) (*Event, error)
	UpsertMirror(_ context.Context, userID string, _ *Event) error
	RemoveMirror(_ context.Context, userID, id string) error
	ReconcileMirror(_ context.Context, userID string, start, end time.Time, upstream []*Event) (int, error)

	Sidecar(_ context.Context, userID, providerEventID string) (*internal.Sidecar, error)
	RecurringSidecars(_ context.Context, userID string) ([]*internal.Sidecar, error)
	SaveSidecar(_ context.Context, userID string, _ *internal.Sidecar) error
	DeleteSidecar(_ context.Context, userID, providerEventID string) error

	PushedID(_ context.Context, userID, localID string) (string, error)
	Pushes(_ context.Context, userID string) (map[string]string, error)
	DeletePush(_ context.Context, userID, localID string) error
	AddPendingDelete(_ context.Context, userID, providerEventID string) error
	PendingDeletes(_ context.Context, userID string) ([]string, error)
	AddPendingUpdate(_ context.Context, userID, localID string) error
	PendingUpdates(_ context.Context, userID string) ([]string, error)
	RemovePendingUpdate(_ context.Context, userID, localID string) error

	Timezone(_ context.Context, userID string) (string, error)
	KnownUser(_ context.Context, userID string) (bool, error)
}

type Credentials interface {
	Get(_ context.Context, userID string) (internal.SyncCredential, internal.Provider, error)
	Save(_ context.Context, used, returned internal.SyncCredential) error
}

type Syncer interface {
	Sync(_ context.Context, userID string) (syncer.Report, error)
}

const (
	DefaultProviderTimeout = 10 * time.Second
	DefaultWorkers         = 4
)

type Options struct {
	// ProviderTimeout bounds every provider call. Reads fall back to the
	// mirror when it elapses.
	ProviderTimeout time.Duration
	// Workers bounds the goroutines expanding recurring masters.
	Workers        int
	MaxOccurrences int
	// Timezone is the display zone of users that never set one.
	Timezone string

	WorkStartHour int
	WorkEndHour   int
	AllDayBusy    bool
}

// Reconciler merges the local ledger and the external provider into one
// time ordered view and routes writes to where the event lives.
type Reconciler struct {
	storage Storage
	creds   Credentials
	syncer  Syncer
	locks   *lock.Keyed
	logger  *slog.Logger
	opts    Options
}

func New(storage Storage, creds Credentials, sync Syncer, locks *lock.Keyed, logger *slog.Logger, opts Options) *Reconciler {
	if logger == nil {
		logger = internal.DiscardLogger()
	}
	if locks == nil {
		locks = lock.NewKeyed()
	}
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = DefaultProviderTimeout
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.MaxOccurrences <= 0 {
		opts.MaxOccurrences = recurrence.DefaultMaxOccurrences
	}
	if opts.Timezone == "" {
		opts.Timezone = "UTC"
	}
	return &Reconciler{
		storage: storage,
		creds:   creds,
		syncer:  sync,
		locks:   locks,
		logger:  logger,
		opts:    opts,
	}
}

// DisplayZone returns the zone events are presented in for userID.
func (r *Reconciler) DisplayZone(ctx context.Context, userID string) (string, error) {
	tz, err := r.storage.Timezone(ctx, userID)
	if err != nil {
		return "", err
	}
	if tz == "" {
		tz = r.opts.Timezone
	}
	return tz, nil
}

// GetEvents returns the merged events of userID overlapping [start, end],
// ordered by start. Recurring masters are expanded into instances and every
// event is expressed in the user's display zone.
//
// A provider outage degrades freshness: the last mirrored copy of the window
// is used instead. Only ErrAuthExpired is surfaced from the provider side.
func (r *Reconciler) GetEvents(ctx context.Context, userID string, start, end time.Time) ([]*Event, error) {
	zone, err := r.DisplayZone(ctx, userID)
	if err != nil {
		return nil, err
	}
	start, end = start.UTC(), end.UTC()

	var external, local []*Event

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		external, err = r.externalEvents(gctx, userID, start, end)
		return err
	})
	g.Go(func() error {
		var err error
		local, err = r.storage.Until(gctx, userID, end)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	expanded, err := r.expandAll(ctx, append(external, local...), start, end)
	if err != nil {
		return nil, err
	}

	normalized, skipped := timezone.NormalizeAll(expanded, zone)
	for _, err := range skipped {
		r.logger.Warn("reconciler: keeping event in its own zone", "user", userID, "err", err)
	}

	res := dedup(normalized)
	internal.SortByStart(res)
	return res, nil
}

// externalEvents returns the provider events for the window with their
// sidecar metadata merged in. Nothing is returned for users without an
// external connection.
func (r *Reconciler) externalEvents(ctx context.Context, userID string, start, end time.Time) ([]*Event, error) {
	logger := r.logger.With("user", userID)

	cred, provider, err := r.creds.Get(ctx, userID)
	switch {
	case errors.Is(err, internal.ErrNotConnected):
		return nil, nil
	case errors.Is(err, internal.ErrAuthExpired):
		return nil, err
	case err != nil:
		logger.Warn("reconciler: credential unavailable, using mirror", "err", err)
		return r.fromMirror(ctx, userID, start, end)
	}

	pctx, cancel := context.WithTimeout(ctx, r.opts.ProviderTimeout)
	events, returned, err := provider.ListEvents(pctx, cred, start, end)
	cancel()
	r.saveCredential(ctx, cred, returned)

	switch {
	case errors.Is(err, internal.ErrAuthExpired):
		return nil, err
	case err != nil:
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn("reconciler: provider unavailable, using mirror",
			"window_start", start,
			"window_end", end,
			"err", err,
		)
		return r.fromMirror(ctx, userID, start, end)
	}

	unlock := r.locks.Lock(userID)
	swept, err := r.storage.ReconcileMirror(ctx, userID, start, end, events)
	unlock()
	if err != nil {
		logger.Error("reconciler: refreshing mirror", "err", err)
	} else if swept > 0 {
		logger.Debug("reconciler: mirror swept", "swept", swept)
	}
	return r.enrich(ctx, userID, events, start)
}

func (r *Reconciler) fromMirror(ctx context.Context, userID string, start, end time.Time) ([]*Event, error) {
	events, err := r.storage.MirrorRange(ctx, userID, start, end)
	if err != nil {
		return nil, err
	}
	return r.enrich(ctx, userID, events, start)
}

// enrich drops events with a pending delete, merges sidecars, maps pushed
// copies back to their local id and adds recurring masters that started
// before the window. Provider copies behind their ledger version are
// dropped so the ledger copy is the one shown.
func (r *Reconciler) enrich(ctx context.Context, userID string, events []*Event, start time.Time) ([]*Event, error) {
	pending, err := r.storage.PendingDeletes(ctx, userID)
	if err != nil {
		return nil, err
	}
	deleted := make(map[string]struct{}, len(pending))
	for _, id := range pending {
		deleted[id] = struct{}{}
	}
	pushes, err := r.storage.Pushes(ctx, userID)
	if err != nil {
		return nil, err
	}
	updates, err := r.storage.PendingUpdates(ctx, userID)
	if err != nil {
		return nil, err
	}
	stale := make(map[string]struct{}, len(updates))
	for _, id := range updates {
		stale[id] = struct{}{}
	}
	behind := func(providerID string) bool {
		if _, ok := stale[providerID]; ok {
			return true
		}
		_, ok := stale[pushes[providerID]]
		return ok
	}

	res := make([]*Event, 0, len(events))
	seen := make(map[string]struct{}, len(events))
	for _, e := range events {
		if _, ok := deleted[e.ID]; ok {
			continue
		}
		seen[e.ID] = struct{}{}

		if behind(e.ID) {
			continue
		}

		sc, err := r.storage.Sidecar(ctx, userID, e.ID)
		if err != nil {
			return nil, err
		}
		res = append(res, r.external(e, sc, pushes))
	}

	sidecars, err := r.storage.RecurringSidecars(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, sc := range sidecars {
		if _, ok := seen[sc.ProviderEventID]; ok {
			continue
		}
		if _, ok := deleted[sc.ProviderEventID]; ok {
			continue
		}
		if behind(sc.ProviderEventID) {
			continue
		}
		master, err := r.storage.MirrorEvent(ctx, userID, sc.ProviderEventID)
		if errors.Is(err, internal.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !master.Start.Before(start) {
			continue
		}
		res = append(res, r.external(master, sc, pushes))
	}
	return res, nil
}

func (r *Reconciler) external(e *Event, sc *internal.Sidecar, pushes map[string]string) *Event {
	e = e.Clone()
	e.Source = internal.SourceExternal
	if e.SourceID == "" {
		e.SourceID = e.ID
	}
	sc.Apply(e)
	if localID, ok := pushes[e.ID]; ok {
		e.ID = localID
	}
	return e
}

// expandAll expands every event against the window on a bounded pool. A
// master with an invalid rule or zone is logged and skipped.
func (r *Reconciler) expandAll(ctx context.Context, events []*Event, start, end time.Time) ([]*Event, error) {
	results := make([][]*Event, len(events))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Workers)
	for i, e := range events {
		i, e := i, e
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			instances, err := recurrence.Expand(e, start, end, recurrence.Options{
				MaxOccurrences: r.opts.MaxOccurrences,
				Logger:         r.logger,
			})
			if err != nil {
				r.logger.Warn("reconciler: skipping event", "event_id", e.ID, "err", err)
				return nil
			}
			results[i] = instances
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := make([]*Event, 0, len(events))
	for _, instances := range results {
		res = append(res, instances...)
	}
	return res, nil
}

// dedup keeps the first event of every id.
func dedup(events []*Event) []*Event {
	seen := make(map[string]struct{}, len(events))
	res := make([]*Event, 0, len(events))
	for _, e := range events {
		if _, ok := seen[e.ID]; ok {
			continue
		}
		seen[e.ID] = struct{}{}
		res = append(res, e)
	}
	return res
}

func (r *Reconciler) saveCredential(ctx context.Context, used, returned internal.SyncCredential) {
	if err := r.creds.Save(ctx, used, returned); err != nil {
		r.logger.Warn("reconciler: saving credential", "user", used.UserID, "err", err)
	}
}

// SyncExternal runs the backfill for userID.
func (r *Reconciler) SyncExternal(ctx context.Context, userID string) (syncer.Report, error) {
	return r.syncer.Sync(ctx, userID)
}
