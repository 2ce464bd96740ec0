package syncer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/guilherme-santos/calendarhub/internal"
	"github.com/guilherme-santos/calendarhub/internal/lock"
)

var ErrSyncing = errors.New("an error occoured while syncing, check the logs")

type Event = internal.Event

type Storage interface {
	RangeQuery(_ context.Context, userID string, scoreMin, scoreMax int64) ([]*Event, error)

	PushedID(_ context.Context, userID, localID string) (string, error)
	RecordPush(_ context.Context, userID, localID, providerID string) error
	PendingUpdates(_ context.Context, userID string) ([]string, error)
	RemovePendingUpdate(_ context.Context, userID, localID string) error

	PendingDeletes(_ context.Context, userID string) ([]string, error)
	RemovePendingDelete(_ context.Context, userID, providerEventID string) error

	SaveSidecar(_ context.Context, userID string, _ *internal.Sidecar) error
	ReconcileMirror(_ context.Context, userID string, start, end time.Time, upstream []*Event) (int, error)
}

// Credentials hands out fresh credentials and persists refreshed ones.
type Credentials interface {
	Get(_ context.Context, userID string) (internal.SyncCredential, internal.Provider, error)
	Save(_ context.Context, used, returned internal.SyncCredential) error
}

// Report summarizes one backfill run.
type Report struct {
	Pushed   int `json:"pushed"`
	Skipped  int `json:"skipped"`
	Ignored  int `json:"ignored"`
	Failed   int `json:"failed"`
	Deleted  int `json:"deleted"`
	Mirrored int `json:"mirrored"`
	Swept    int `json:"swept"`
}

type Syncer struct {
	storage Storage
	creds   Credentials
	locks   *lock.Keyed
	logger  *slog.Logger
	now     func() time.Time

	WeeksPast  int
	WeeksAhead int

	IgnoreAllDayEvents bool
	IgnoreCategories   []string
}

func New(storage Storage, creds Credentials, locks *lock.Keyed, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = internal.DiscardLogger()
	}
	if locks == nil {
		locks = lock.NewKeyed()
	}
	return &Syncer{
		storage:    storage,
		creds:      creds,
		locks:      locks,
		logger:     logger,
		now:        time.Now,
		WeeksAhead: 2,
	}
}

// Sync pushes the user's local-only events in the sync window to the
// external provider, replays deletes that failed earlier and refreshes the
// mirror for the window. Events already pushed, according to the push map,
// are skipped so running it again does not duplicate them, unless they were
// edited after the push while the provider was unreachable.
func (s Syncer) Sync(ctx context.Context, userID string) (Report, error) {
	var report Report
	logger := s.logger.With("user", userID)

	start, end := s.Window()
	logger.Info("Syncing local events", "window_start", formatDateTime(start), "window_end", formatDateTime(end))

	cred, provider, err := s.creds.Get(ctx, userID)
	if err != nil {
		logger.Warn("Unable to load credential", "err", err)
		return report, err
	}

	cred, err = s.replayDeletes(ctx, logger, userID, cred, provider, &report)
	if err != nil {
		return report, err
	}

	events, err := s.storage.RangeQuery(ctx, userID, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return report, err
	}
	updates, err := s.storage.PendingUpdates(ctx, userID)
	if err != nil {
		return report, err
	}
	stale := make(map[string]struct{}, len(updates))
	for _, id := range updates {
		stale[id] = struct{}{}
	}
	for _, event := range events {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if event.Source != internal.SourceLocal {
			continue
		}
		if s.ignoreEvent(event) {
			report.Ignored++
			continue
		}

		providerID, err := s.storage.PushedID(ctx, userID, event.ID)
		if err != nil {
			logger.Error("Unable to read push map", "event_id", event.ID, "err", err)
			return report, err
		}
		if providerID != "" {
			if _, ok := stale[event.ID]; !ok {
				report.Skipped++
				continue
			}
			cred, err = s.updateEvent(ctx, logger, userID, cred, provider, event, providerID)
		} else {
			cred, err = s.createEvent(ctx, logger, userID, cred, provider, event)
		}
		if errors.Is(err, internal.ErrAuthExpired) {
			return report, err
		}
		if err != nil {
			report.Failed++
			continue
		}
		report.Pushed++
	}

	if err := s.refreshMirror(ctx, logger, userID, cred, provider, start, end, &report); err != nil {
		return report, err
	}

	if report.Failed > 0 {
		logger.Warn("Sync complete with error!", "failed", report.Failed, "pushed", report.Pushed)
		return report, ErrSyncing
	}
	logger.Info("Sync complete!", "pushed", report.Pushed, "skipped", report.Skipped, "mirrored", report.Mirrored)
	return report, nil
}

// Window is the range of local events the backfill considers.
func (s Syncer) Window() (time.Time, time.Time) {
	now := s.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return today.AddDate(0, 0, -7*s.WeeksPast), today.AddDate(0, 0, 7*s.WeeksAhead+1)
}

func (s Syncer) replayDeletes(ctx context.Context, logger *slog.Logger, userID string, cred internal.SyncCredential, provider internal.Provider, report *Report) (internal.SyncCredential, error) {
	ids, err := s.storage.PendingDeletes(ctx, userID)
	if err != nil {
		return cred, err
	}
	for _, id := range ids {
		logger.Debug("Deleting event", "event_id", id)

		_, returned, err := provider.DeleteEvent(ctx, cred, id)
		if err := s.creds.Save(ctx, cred, returned); err != nil {
			logger.Warn("Unable to save credential", "err", err)
		}
		cred = pick(cred, returned)
		if errors.Is(err, internal.ErrAuthExpired) {
			return cred, err
		}
		if err != nil {
			logger.Warn("Unable to delete event from provider", "event_id", id, "err", err)
			report.Failed++
			continue
		}
		if err := s.storage.RemovePendingDelete(ctx, userID, id); err != nil {
			logger.Warn("Unable to clear pending delete", "event_id", id, "err", err)
		}
		report.Deleted++
	}
	return cred, nil
}

func (s Syncer) createEvent(ctx context.Context, logger *slog.Logger, userID string, cred internal.SyncCredential, provider internal.Provider, event *Event) (internal.SyncCredential, error) {
	logger.Debug("Creating event", "event_id", event.ID, "title", event.Title, "start", formatDateTime(event.Start))

	var (
		created  *Event
		returned internal.SyncCredential
		err      error
	)
	if event.SourceID != "" {
		// provider event edited while the provider was down
		created, returned, err = provider.UpdateEvent(ctx, cred, event)
		if errors.Is(err, internal.ErrNotFound) {
			created, returned, err = provider.CreateEvent(ctx, pick(cred, returned), event)
		}
	} else {
		created, returned, err = provider.CreateEvent(ctx, cred, event)
	}
	if err := s.creds.Save(ctx, cred, returned); err != nil {
		logger.Warn("Unable to save credential", "err", err)
	}
	cred = pick(cred, returned)
	if err != nil {
		logger.Warn("Unable to create event on the provider", "event_id", event.ID, "err", err)
		return cred, err
	}
	logger.Debug("Map event id", "event_id", event.ID, "provider_id", created.ID)

	err = s.storage.RecordPush(ctx, userID, event.ID, created.ID)
	if err != nil {
		logger.Error("Unable to record push", "event_id", event.ID, "err", err)

		if event.SourceID == "" {
			// remove the provider copy, the next run would push it again
			_, _, _ = provider.DeleteEvent(ctx, cred, created.ID)
		}
		return cred, err
	}

	if event.SourceID != "" {
		if err := s.storage.RemovePendingUpdate(ctx, userID, event.ID); err != nil {
			logger.Warn("Unable to clear pending update", "event_id", event.ID, "err", err)
		}
	}

	sc := internal.SidecarOf(event)
	sc.ProviderEventID = created.ID
	if err := s.storage.SaveSidecar(ctx, userID, sc); err != nil {
		logger.Warn("Unable to save sidecar", "event_id", event.ID, "err", err)
	}
	return cred, nil
}

// updateEvent brings the provider copy of a pushed event up to date with
// the ledger.
func (s Syncer) updateEvent(ctx context.Context, logger *slog.Logger, userID string, cred internal.SyncCredential, provider internal.Provider, event *Event, providerID string) (internal.SyncCredential, error) {
	logger.Debug("Updating event", "event_id", event.ID, "provider_id", providerID)

	remote := event.Clone()
	remote.ID = providerID
	remote.SourceID = providerID

	_, returned, err := provider.UpdateEvent(ctx, cred, remote)
	if err := s.creds.Save(ctx, cred, returned); err != nil {
		logger.Warn("Unable to save credential", "err", err)
	}
	cred = pick(cred, returned)
	if err != nil {
		logger.Warn("Unable to update event on the provider", "event_id", event.ID, "err", err)
		return cred, err
	}
	if err := s.storage.RemovePendingUpdate(ctx, userID, event.ID); err != nil {
		logger.Error("Unable to clear pending update", "event_id", event.ID, "err", err)
		return cred, err
	}

	sc := internal.SidecarOf(remote)
	if err := s.storage.SaveSidecar(ctx, userID, sc); err != nil {
		logger.Warn("Unable to save sidecar", "event_id", event.ID, "err", err)
	}
	return cred, nil
}

func (s Syncer) refreshMirror(ctx context.Context, logger *slog.Logger, userID string, cred internal.SyncCredential, provider internal.Provider, start, end time.Time, report *Report) error {
	upstream, returned, err := provider.ListEvents(ctx, cred, start, end)
	if err := s.creds.Save(ctx, cred, returned); err != nil {
		logger.Warn("Unable to save credential", "err", err)
	}
	if err != nil {
		logger.Warn("Unable to get list of events", "err", err)
		return err
	}

	var swept int
	err = s.locks.Do(userID, func() error {
		var err error
		swept, err = s.storage.ReconcileMirror(ctx, userID, start, end, upstream)
		return err
	})
	if err != nil {
		logger.Error("Unable to refresh mirror", "err", err)
		return err
	}
	report.Mirrored = len(upstream)
	report.Swept = swept
	return nil
}

func (s Syncer) ignoreEvent(e *Event) bool {
	if s.IgnoreAllDayEvents && e.AllDay {
		return true
	}
	for _, ignored := range s.IgnoreCategories {
		for _, c := range e.Categories {
			if c == ignored {
				return true
			}
		}
	}
	return false
}

// pick returns the credential a provider handed back, or the one that was
// used when the call failed before producing one.
func pick(used, returned internal.SyncCredential) internal.SyncCredential {
	if returned.AccessToken == "" {
		return used
	}
	return returned
}
