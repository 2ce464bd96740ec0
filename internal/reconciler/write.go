package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/guilherme-santos/calendarhub/internal"
	"github.com/guilherme-santos/calendarhub/internal/recurrence"
	"github.com/guilherme-santos/calendarhub/internal/timezone"
)

// CreateEvent stores a new master or single event. Events with source local
// and users without an external connection go straight to the ledger,
// everything else is created on the provider first. A failed provider write
// falls back to the ledger with the source downgraded to local.
func (r *Reconciler) CreateEvent(ctx context.Context, userID string, e *Event) (*Event, error) {
	e = e.Clone()
	if e.ID == "" {
		e.ID = internal.NewEventID()
	}
	if err := validate(e); err != nil {
		return nil, err
	}
	logger := r.logger.With("user", userID, "event_id", e.ID)

	if e.Source == internal.SourceLocal {
		return e, r.storage.Upsert(ctx, userID, e)
	}

	cred, provider, err := r.creds.Get(ctx, userID)
	switch {
	case errors.Is(err, internal.ErrNotConnected):
		return r.createLocal(ctx, userID, e)
	case errors.Is(err, internal.ErrAuthExpired):
		return nil, err
	case err != nil:
		logger.Warn("reconciler: credential unavailable, creating locally", "err", err)
		return r.createLocal(ctx, userID, e)
	}

	pctx, cancel := context.WithTimeout(ctx, r.opts.ProviderTimeout)
	created, returned, err := provider.CreateEvent(pctx, cred, e)
	cancel()
	r.saveCredential(ctx, cred, returned)
	if errors.Is(err, internal.ErrAuthExpired) {
		return nil, err
	}
	if err != nil {
		logger.Warn("reconciler: provider write failed, creating locally", "err", err)
		return r.createLocal(ctx, userID, e)
	}

	res := e.Clone()
	res.ID = created.ID
	res.Source = internal.SourceExternal
	res.SourceID = created.ID
	return res, r.storeExternal(ctx, userID, res)
}

func (r *Reconciler) createLocal(ctx context.Context, userID string, e *Event) (*Event, error) {
	e.Source = internal.SourceLocal
	e.SourceID = ""
	return e, r.storage.Upsert(ctx, userID, e)
}

// storeExternal keeps the sidecar and the mirror entry of an event the
// provider accepted.
func (r *Reconciler) storeExternal(ctx context.Context, userID string, e *Event) error {
	sc := internal.SidecarOf(e)
	if err := r.storage.SaveSidecar(ctx, userID, sc); err != nil {
		return err
	}
	return r.locks.Do(userID, func() error {
		return r.storage.UpsertMirror(ctx, userID, e)
	})
}

// UpdateEvent replaces the event with e.ID. An instance id is turned into a
// modified exception on its master. found is false when the id is unknown
// to both the ledger and the provider.
func (r *Reconciler) UpdateEvent(ctx context.Context, userID string, e *Event) (_ *Event, found bool, _ error) {
	if masterID, date, ok := internal.ParseInstanceID(e.ID); ok {
		res, found, err := r.updateInstance(ctx, userID, masterID, date, e)
		if found || err != nil {
			return res, found, err
		}
	}
	e = e.Clone()
	e.IsRecurringInstance = false
	e.OriginalEventID = ""
	e.ExceptionDate = nil
	if err := validate(e); err != nil {
		return nil, false, err
	}

	existing, err := r.storage.Get(ctx, userID, e.ID)
	switch {
	case err == nil:
		e.Source = internal.SourceLocal
		e.SourceID = existing.SourceID
		if err := r.storage.Upsert(ctx, userID, e); err != nil {
			return nil, false, err
		}
		r.updatePushed(ctx, userID, e)
		return e, true, nil
	case !errors.Is(err, internal.ErrNotFound):
		return nil, false, err
	}
	return r.updateExternal(ctx, userID, e)
}

func (r *Reconciler) updateExternal(ctx context.Context, userID string, e *Event) (*Event, bool, error) {
	logger := r.logger.With("user", userID, "event_id", e.ID)

	e.Source = internal.SourceExternal
	if e.SourceID == "" {
		e.SourceID = e.ID
	}

	cred, provider, err := r.creds.Get(ctx, userID)
	switch {
	case errors.Is(err, internal.ErrNotConnected):
		return nil, false, nil
	case errors.Is(err, internal.ErrAuthExpired):
		return nil, false, err
	case err != nil:
		logger.Warn("reconciler: credential unavailable, updating locally", "err", err)
		return r.updateLocal(ctx, userID, e)
	}

	pctx, cancel := context.WithTimeout(ctx, r.opts.ProviderTimeout)
	_, returned, err := provider.UpdateEvent(pctx, cred, e)
	cancel()
	r.saveCredential(ctx, cred, returned)
	switch {
	case errors.Is(err, internal.ErrNotFound):
		return nil, false, nil
	case errors.Is(err, internal.ErrAuthExpired):
		return nil, false, err
	case err != nil:
		logger.Warn("reconciler: provider write failed, updating locally", "err", err)
		return r.updateLocal(ctx, userID, e)
	}
	return e, true, r.storeExternal(ctx, userID, e)
}

// updateLocal keeps an edit of a provider event in the ledger with its
// provider id. It is shown instead of the mirrored copy until the next sync
// pushes it.
func (r *Reconciler) updateLocal(ctx context.Context, userID string, e *Event) (*Event, bool, error) {
	e.Source = internal.SourceLocal
	if err := r.storage.Upsert(ctx, userID, e); err != nil {
		return nil, false, err
	}
	if err := r.storage.AddPendingUpdate(ctx, userID, e.ID); err != nil {
		return nil, false, err
	}
	return e, true, nil
}

// updatePushed mirrors a local edit onto the provider copy created by the
// backfill, if any. When the provider cannot take it the event is marked as
// a pending update: reads prefer the ledger copy and the next sync pushes it.
func (r *Reconciler) updatePushed(ctx context.Context, userID string, e *Event) {
	logger := r.logger.With("user", userID, "event_id", e.ID)

	providerID, err := r.storage.PushedID(ctx, userID, e.ID)
	if err != nil || providerID == "" {
		return
	}
	cred, provider, err := r.creds.Get(ctx, userID)
	if err != nil {
		logger.Warn("reconciler: not updating pushed copy", "err", err)
		r.updateLater(ctx, logger, userID, e.ID)
		return
	}

	remote := e.Clone()
	remote.ID = providerID
	remote.SourceID = providerID

	pctx, cancel := context.WithTimeout(ctx, r.opts.ProviderTimeout)
	_, returned, err := provider.UpdateEvent(pctx, cred, remote)
	cancel()
	r.saveCredential(ctx, cred, returned)
	if err != nil {
		logger.Warn("reconciler: updating pushed copy", "provider_id", providerID, "err", err)
		r.updateLater(ctx, logger, userID, e.ID)
		return
	}
	if err := r.storage.RemovePendingUpdate(ctx, userID, e.ID); err != nil {
		logger.Warn("reconciler: clearing pending update", "err", err)
	}
	if err := r.storeExternal(ctx, userID, remote); err != nil {
		logger.Warn("reconciler: storing pushed copy", "provider_id", providerID, "err", err)
	}
}

func (r *Reconciler) updateLater(ctx context.Context, logger *slog.Logger, userID, localID string) {
	if err := r.storage.AddPendingUpdate(ctx, userID, localID); err != nil {
		logger.Error("reconciler: recording pending update", "err", err)
	}
}

func (r *Reconciler) updateInstance(ctx context.Context, userID, masterID string, date internal.Date, e *Event) (*Event, bool, error) {
	master, err := r.master(ctx, userID, masterID)
	if errors.Is(err, internal.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	occ, ok, err := occurrence(master, date)
	if err != nil || !ok {
		return nil, false, err
	}
	e = e.Clone()
	if e.Start.IsZero() {
		e.Start, e.End = occ.Start, occ.End
	}
	if e.End.Before(e.Start) {
		return nil, false, &internal.ValidationError{Field: "end", Reason: "is before start"}
	}

	override := internal.OverrideFrom(occ, e)
	master.UpsertException(internal.Exception{
		Date:     date,
		Status:   internal.ExceptionModified,
		Override: override,
	})
	if err := r.saveMaster(ctx, userID, master); err != nil {
		return nil, false, err
	}

	inst := occ.Clone()
	override.Apply(inst)
	d := date
	inst.ExceptionDate = &d
	return inst, true, nil
}

// DeleteEvent removes the event with id. An instance id is turned into a
// cancelled exception unless deleteAllInstances is set, which removes the
// whole series. found is false when the id is unknown.
//
// A provider delete that fails is kept as a pending delete and replayed by
// the next sync, the event disappears from reads right away.
func (r *Reconciler) DeleteEvent(ctx context.Context, userID, id string, deleteAllInstances bool) (found bool, _ error) {
	if masterID, date, ok := internal.ParseInstanceID(id); ok {
		if deleteAllInstances {
			found, err := r.DeleteEvent(ctx, userID, masterID, false)
			if found || err != nil {
				return found, err
			}
		} else {
			found, err := r.cancelInstance(ctx, userID, masterID, date)
			if found || err != nil {
				return found, err
			}
		}
	}

	removed, err := r.storage.Remove(ctx, userID, id)
	if err != nil {
		return false, err
	}
	if removed {
		r.deletePushed(ctx, userID, id)
		return true, nil
	}
	return r.deleteExternal(ctx, userID, id)
}

func (r *Reconciler) deleteExternal(ctx context.Context, userID, id string) (bool, error) {
	logger := r.logger.With("user", userID, "event_id", id)

	cred, provider, err := r.creds.Get(ctx, userID)
	switch {
	case errors.Is(err, internal.ErrNotConnected):
		return false, nil
	case errors.Is(err, internal.ErrAuthExpired):
		return false, err
	case err != nil:
		logger.Warn("reconciler: credential unavailable, deleting later", "err", err)
		return true, r.deleteLater(ctx, userID, id)
	}

	pctx, cancel := context.WithTimeout(ctx, r.opts.ProviderTimeout)
	found, returned, err := provider.DeleteEvent(pctx, cred, id)
	cancel()
	r.saveCredential(ctx, cred, returned)
	switch {
	case errors.Is(err, internal.ErrNotFound):
		found, err = false, nil
	case errors.Is(err, internal.ErrAuthExpired):
		return false, err
	case err != nil:
		logger.Warn("reconciler: provider delete failed, deleting later", "err", err)
		return true, r.deleteLater(ctx, userID, id)
	}
	return found, r.forget(ctx, userID, id)
}

// deleteLater hides a provider event until the next sync deletes it.
func (r *Reconciler) deleteLater(ctx context.Context, userID, id string) error {
	if err := r.storage.AddPendingDelete(ctx, userID, id); err != nil {
		return err
	}
	return r.forget(ctx, userID, id)
}

// deletePushed removes the provider copy of a local event deleted from the
// ledger.
func (r *Reconciler) deletePushed(ctx context.Context, userID, localID string) {
	logger := r.logger.With("user", userID, "event_id", localID)

	providerID, err := r.storage.PushedID(ctx, userID, localID)
	if err != nil || providerID == "" {
		return
	}
	if err := r.storage.DeletePush(ctx, userID, localID); err != nil {
		logger.Warn("reconciler: removing push", "err", err)
	}
	if err := r.storage.RemovePendingUpdate(ctx, userID, localID); err != nil {
		logger.Warn("reconciler: clearing pending update", "err", err)
	}
	if _, err := r.deleteExternal(ctx, userID, providerID); err != nil {
		logger.Warn("reconciler: deleting pushed copy", "provider_id", providerID, "err", err)
		if err := r.storage.AddPendingDelete(ctx, userID, providerID); err != nil {
			logger.Error("reconciler: recording pending delete", "provider_id", providerID, "err", err)
		}
	}
}

func (r *Reconciler) forget(ctx context.Context, userID, providerID string) error {
	if err := r.storage.DeleteSidecar(ctx, userID, providerID); err != nil {
		return err
	}
	return r.locks.Do(userID, func() error {
		return r.storage.RemoveMirror(ctx, userID, providerID)
	})
}

func (r *Reconciler) cancelInstance(ctx context.Context, userID, masterID string, date internal.Date) (bool, error) {
	master, err := r.master(ctx, userID, masterID)
	if errors.Is(err, internal.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if _, ok, err := occurrence(master, date); err != nil || !ok {
		return false, err
	}

	master.UpsertException(internal.Exception{
		Date:   date,
		Status: internal.ExceptionCancelled,
	})
	return true, r.saveMaster(ctx, userID, master)
}

// master finds a recurring event in the ledger, then in the mirror with its
// sidecar applied.
func (r *Reconciler) master(ctx context.Context, userID, id string) (*Event, error) {
	e, err := r.storage.Get(ctx, userID, id)
	if err == nil {
		if e.Recurrence == nil {
			return nil, internal.ErrNotFound
		}
		return e, nil
	}
	if !errors.Is(err, internal.ErrNotFound) {
		return nil, err
	}

	e, err = r.storage.MirrorEvent(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	sc, err := r.storage.Sidecar(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	sc.Apply(e)
	if e.Recurrence == nil {
		return nil, internal.ErrNotFound
	}
	e.Source = internal.SourceExternal
	if e.SourceID == "" {
		e.SourceID = e.ID
	}
	return e, nil
}

// saveMaster persists a master after an exception change. Exceptions of
// provider events live in the sidecar, the provider is updated on a best
// effort basis for those that store them natively.
func (r *Reconciler) saveMaster(ctx context.Context, userID string, master *Event) error {
	if err := validate(master); err != nil {
		return err
	}
	if master.Source != internal.SourceExternal {
		if err := r.storage.Upsert(ctx, userID, master); err != nil {
			return err
		}
		r.updatePushed(ctx, userID, master)
		return nil
	}

	if err := r.storeExternal(ctx, userID, master); err != nil {
		return err
	}

	cred, provider, err := r.creds.Get(ctx, userID)
	if err != nil {
		logDeferred(r.logger, userID, master.ID, err)
		return nil
	}
	pctx, cancel := context.WithTimeout(ctx, r.opts.ProviderTimeout)
	_, returned, err := provider.UpdateEvent(pctx, cred, master)
	cancel()
	r.saveCredential(ctx, cred, returned)
	if err != nil {
		logDeferred(r.logger, userID, master.ID, err)
	}
	return nil
}

func logDeferred(logger *slog.Logger, userID, id string, err error) {
	logger.Warn("reconciler: exception kept locally", "user", userID, "event_id", id, "err", err)
}

// occurrence returns the plain instance of master on date, ok is false when
// the rule has no occurrence that day.
func occurrence(master *Event, date internal.Date) (*Event, bool, error) {
	start, ok, err := recurrence.OccurrenceStart(master, date)
	if err != nil || !ok {
		return nil, false, err
	}
	occ := master.Clone()
	occ.ID = internal.InstanceID(master.ID, date)
	occ.Start = start
	occ.End = start.Add(master.Duration())
	occ.Recurrence = nil
	occ.Exceptions = nil
	occ.IsRecurringInstance = true
	occ.OriginalEventID = master.ID
	return occ, true, nil
}

func validate(e *Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.Timezone != "" {
		if _, err := timezone.Load(e.Timezone); err != nil {
			return err
		}
	}
	return nil
}

// window pads [start, end] by buffer on both sides.
func window(start, end time.Time, buffer time.Duration) (time.Time, time.Time) {
	return start.Add(-buffer), end.Add(buffer)
}
