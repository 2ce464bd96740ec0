package reconciler

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/guilherme-santos/calendarhub/internal"
	"github.com/guilherme-santos/calendarhub/internal/sqlite"
	"github.com/guilherme-santos/calendarhub/internal/syncer"
)

// fakeProvider stores events the way Google does: categories, reminders
// and recurrence are dropped. With keepRecurrence it behaves like CalDAV
// and keeps the rule and its exceptions.
type fakeProvider struct {
	mu             sync.Mutex
	events         map[string]*Event
	listErr        error
	writeErr       error
	deletes        []string
	keepRecurrence bool
}

func newFakeProvider(events ...*Event) *fakeProvider {
	p := &fakeProvider{events: make(map[string]*Event)}
	for _, e := range events {
		p.put(e)
	}
	return p
}

func (p *fakeProvider) put(e *Event) *Event {
	c := e.Clone()
	c.Categories = nil
	c.Reminders = nil
	if !p.keepRecurrence {
		c.Recurrence = nil
		c.Exceptions = nil
	}
	c.Source = internal.SourceExternal
	c.SourceID = c.ID
	p.events[c.ID] = c
	return c.Clone()
}

func (p *fakeProvider) Refresh(_ context.Context, c internal.SyncCredential) (internal.SyncCredential, error) {
	return c, nil
}

func (p *fakeProvider) ListEvents(_ context.Context, c internal.SyncCredential, start, end time.Time) ([]*Event, internal.SyncCredential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listErr != nil {
		return nil, c, p.listErr
	}
	var res []*Event
	for _, e := range p.events {
		if e.Overlaps(start, end) {
			res = append(res, e.Clone())
		}
	}
	internal.SortByStart(res)
	return res, c, nil
}

func (p *fakeProvider) CreateEvent(_ context.Context, c internal.SyncCredential, e *Event) (*Event, internal.SyncCredential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return nil, c, p.writeErr
	}
	return p.put(e), c, nil
}

func (p *fakeProvider) UpdateEvent(_ context.Context, c internal.SyncCredential, e *Event) (*Event, internal.SyncCredential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return nil, c, p.writeErr
	}
	if _, ok := p.events[e.SourceID]; !ok {
		return nil, c, internal.ErrNotFound
	}
	u := e.Clone()
	u.ID = e.SourceID
	return p.put(u), c, nil
}

func (p *fakeProvider) DeleteEvent(_ context.Context, c internal.SyncCredential, id string) (bool, internal.SyncCredential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return false, c, p.writeErr
	}
	p.deletes = append(p.deletes, id)
	_, ok := p.events[id]
	delete(p.events, id)
	return ok, c, nil
}

type fakeCredentials struct {
	provider internal.Provider
	err      error
}

func (c fakeCredentials) Get(_ context.Context, userID string) (internal.SyncCredential, internal.Provider, error) {
	if c.err != nil {
		return internal.SyncCredential{}, nil, c.err
	}
	return internal.SyncCredential{UserID: userID, Provider: "fake", AccessToken: "token"}, c.provider, nil
}

func (c fakeCredentials) Save(context.Context, internal.SyncCredential, internal.SyncCredential) error {
	return nil
}

type noSync struct{}

func (noSync) Sync(context.Context, string) (syncer.Report, error) {
	return syncer.Report{}, nil
}

func newTestReconciler(t *testing.T, creds Credentials) (*Reconciler, *sqlite.Storage) {
	t.Helper()

	db, err := sql.Open(sqlite.DriverName, ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	storage := sqlite.NewStorage(db)
	return New(storage, creds, noSync{}, nil, nil, Options{}), storage
}

func at(day, hour int) time.Time {
	return time.Date(2024, time.January, day, hour, 0, 0, 0, time.UTC)
}

func ev(id string, start, end time.Time) *Event {
	return &Event{ID: id, Title: id, Start: start, End: end, Source: internal.SourceLocal}
}

func weekly(id string) *Event {
	e := ev(id, at(1, 10), at(1, 11))
	e.Recurrence = &internal.RecurrenceRule{
		Frequency: internal.Weekly,
		Interval:  1,
		Count:     4,
		ByDay:     []internal.ByDay{{Day: internal.MO}, {Day: internal.WE}},
	}
	return e
}

func days(events []*Event) []int {
	res := make([]int, len(events))
	for i, e := range events {
		res[i] = e.Start.Day()
	}
	return res
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestGetEvents_MergeDedup(t *testing.T) {
	ctx := context.Background()
	p := newFakeProvider(&Event{ID: "shared", Title: "external", Start: at(2, 10), End: at(2, 11)})
	r, storage := newTestReconciler(t, fakeCredentials{provider: p})

	if err := storage.Upsert(ctx, "u1", ev("shared", at(2, 10), at(2, 11))); err != nil {
		t.Fatal(err)
	}
	if err := storage.Upsert(ctx, "u1", ev("local", at(3, 10), at(3, 11))); err != nil {
		t.Fatal(err)
	}

	got, err := r.GetEvents(ctx, "u1", at(1, 0), at(15, 0))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].ID != "shared" || got[0].Title != "external" || got[0].Source != internal.SourceExternal {
		t.Errorf("expected the external copy first, got %+v", got[0])
	}
	if got[1].ID != "local" {
		t.Errorf("expected local event second, got %s", got[1].ID)
	}
}

func TestGetEvents_FallbackOnOutage(t *testing.T) {
	ctx := context.Background()
	p := newFakeProvider(&Event{ID: "ext", Title: "standup", Start: at(2, 10), End: at(2, 11)})
	r, _ := newTestReconciler(t, fakeCredentials{provider: p})

	if _, err := r.GetEvents(ctx, "u1", at(1, 0), at(15, 0)); err != nil {
		t.Fatal(err)
	}

	p.listErr = internal.ErrProviderUnavailable
	got, err := r.GetEvents(ctx, "u1", at(1, 0), at(15, 0))
	if err != nil {
		t.Fatalf("expected the mirror to be used, got %v", err)
	}
	if len(got) != 1 || got[0].ID != "ext" {
		t.Fatalf("expected the mirrored event, got %v", got)
	}
}

func TestGetEvents_MirrorSweep(t *testing.T) {
	ctx := context.Background()
	p := newFakeProvider(
		&Event{ID: "keep", Start: at(2, 10), End: at(2, 11)},
		&Event{ID: "gone", Start: at(3, 10), End: at(3, 11)},
	)
	r, _ := newTestReconciler(t, fakeCredentials{provider: p})

	if _, err := r.GetEvents(ctx, "u1", at(1, 0), at(15, 0)); err != nil {
		t.Fatal(err)
	}
	delete(p.events, "gone")
	if _, err := r.GetEvents(ctx, "u1", at(1, 0), at(15, 0)); err != nil {
		t.Fatal(err)
	}

	p.listErr = internal.ErrProviderUnavailable
	got, err := r.GetEvents(ctx, "u1", at(1, 0), at(15, 0))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "keep" {
		t.Fatalf("expected only keep in the mirror, got %v", got)
	}
}

func TestGetEvents_AuthExpired(t *testing.T) {
	p := newFakeProvider()
	p.listErr = internal.ErrAuthExpired
	r, _ := newTestReconciler(t, fakeCredentials{provider: p})

	_, err := r.GetEvents(context.Background(), "u1", at(1, 0), at(15, 0))
	if !errors.Is(err, internal.ErrAuthExpired) {
		t.Fatalf("expected ErrAuthExpired, got %v", err)
	}
}

func TestGetEvents_LocalExpansion(t *testing.T) {
	ctx := context.Background()
	r, storage := newTestReconciler(t, fakeCredentials{err: internal.ErrNotConnected})

	if err := storage.Upsert(ctx, "u1", weekly("m1")); err != nil {
		t.Fatal(err)
	}
	bad := weekly("bad")
	bad.Recurrence.Interval = 0
	if err := storage.Upsert(ctx, "u1", bad); err != nil {
		t.Fatal(err)
	}
	if err := storage.Upsert(ctx, "u1", ev("single", at(2, 12), at(2, 13))); err != nil {
		t.Fatal(err)
	}
	if err := storage.SetTimezone(ctx, "u1", "Europe/Berlin"); err != nil {
		t.Fatal(err)
	}

	got, err := r.GetEvents(ctx, "u1", at(1, 0), at(15, 0))
	if err != nil {
		t.Fatal(err)
	}
	if want := []int{1, 2, 3, 8, 10}; !equalInts(days(got), want) {
		t.Fatalf("expected days %v, got %v", want, days(got))
	}
	for _, e := range got {
		if e.Timezone != "Europe/Berlin" {
			t.Errorf("%s: expected display zone, got %q", e.ID, e.Timezone)
		}
	}
	if got[0].ID != "m1_20240101" || !got[0].IsRecurringInstance {
		t.Errorf("unexpected first instance %+v", got[0])
	}
}

func TestGetEvents_SidecarRecurrence(t *testing.T) {
	ctx := context.Background()
	p := newFakeProvider()
	r, _ := newTestReconciler(t, fakeCredentials{provider: p})

	master := weekly("")
	master.Source = ""
	master.Categories = []string{"team"}
	created, err := r.CreateEvent(ctx, "u1", master)
	if err != nil {
		t.Fatal(err)
	}
	if created.Source != internal.SourceExternal {
		t.Fatalf("expected external event, got %s", created.Source)
	}

	got, err := r.GetEvents(ctx, "u1", at(1, 0), at(15, 0))
	if err != nil {
		t.Fatal(err)
	}
	if want := []int{1, 3, 8, 10}; !equalInts(days(got), want) {
		t.Fatalf("expected days %v, got %v", want, days(got))
	}

	// the master starts before this window and is only found through the mirror
	got, err = r.GetEvents(ctx, "u1", at(5, 0), at(15, 0))
	if err != nil {
		t.Fatal(err)
	}
	if want := []int{8, 10}; !equalInts(days(got), want) {
		t.Fatalf("expected days %v, got %v", want, days(got))
	}
	if len(got[0].Categories) != 1 || got[0].Categories[0] != "team" {
		t.Errorf("expected sidecar categories, got %v", got[0].Categories)
	}
}

func TestCreateEvent(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid rule", func(t *testing.T) {
		p := newFakeProvider()
		r, _ := newTestReconciler(t, fakeCredentials{provider: p})

		e := weekly("")
		e.Source = ""
		e.Recurrence.Until = func() *time.Time { u := at(20, 0); return &u }()
		_, err := r.CreateEvent(ctx, "u1", e)
		if !internal.IsValidation(err) {
			t.Fatalf("expected validation error, got %v", err)
		}
		if len(p.events) != 0 {
			t.Error("expected no provider write")
		}
	})

	t.Run("downgrade", func(t *testing.T) {
		p := newFakeProvider()
		p.writeErr = internal.ErrProviderUnavailable
		r, storage := newTestReconciler(t, fakeCredentials{provider: p})

		e := ev("", at(2, 10), at(2, 11))
		e.Source = ""
		created, err := r.CreateEvent(ctx, "u1", e)
		if err != nil {
			t.Fatal(err)
		}
		if created.Source != internal.SourceLocal || len(created.ID) != 32 {
			t.Fatalf("unexpected event %+v", created)
		}
		if _, err := storage.Get(ctx, "u1", created.ID); err != nil {
			t.Fatalf("expected the event in the ledger: %v", err)
		}
	})

	t.Run("auth expired", func(t *testing.T) {
		p := newFakeProvider()
		p.writeErr = internal.ErrAuthExpired
		r, _ := newTestReconciler(t, fakeCredentials{provider: p})

		_, err := r.CreateEvent(ctx, "u1", &Event{Start: at(2, 10), End: at(2, 11)})
		if !errors.Is(err, internal.ErrAuthExpired) {
			t.Fatalf("expected ErrAuthExpired, got %v", err)
		}
	})

	t.Run("local only", func(t *testing.T) {
		p := newFakeProvider()
		r, storage := newTestReconciler(t, fakeCredentials{provider: p})

		created, err := r.CreateEvent(ctx, "u1", ev("l1", at(2, 10), at(2, 11)))
		if err != nil {
			t.Fatal(err)
		}
		if len(p.events) != 0 {
			t.Error("expected no provider write")
		}
		if _, err := storage.Get(ctx, "u1", created.ID); err != nil {
			t.Fatal(err)
		}
	})
}

func TestUpdateEvent_Instance(t *testing.T) {
	ctx := context.Background()
	r, storage := newTestReconciler(t, fakeCredentials{err: internal.ErrNotConnected})
	if err := storage.Upsert(ctx, "u1", weekly("m1")); err != nil {
		t.Fatal(err)
	}

	updated, found, err := r.UpdateEvent(ctx, "u1", &Event{
		ID:    "m1_20240103",
		Title: "moved",
		Start: at(3, 14),
		End:   at(3, 15),
	})
	if err != nil || !found {
		t.Fatalf("expected found, got %v %v", found, err)
	}
	if updated.Title != "moved" || updated.ExceptionDate == nil {
		t.Fatalf("unexpected instance %+v", updated)
	}

	master, err := storage.Get(ctx, "u1", "m1")
	if err != nil {
		t.Fatal(err)
	}
	if len(master.Exceptions) != 1 || master.Exceptions[0].Status != internal.ExceptionModified {
		t.Fatalf("expected one modified exception, got %+v", master.Exceptions)
	}

	got, err := r.GetEvents(ctx, "u1", at(1, 0), at(15, 0))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 4 || got[1].Title != "moved" || got[1].Start.UTC().Hour() != 14 {
		t.Fatalf("expected the moved instance, got %+v", got[1])
	}
}

func TestDeleteEvent(t *testing.T) {
	ctx := context.Background()

	t.Run("instance", func(t *testing.T) {
		r, storage := newTestReconciler(t, fakeCredentials{err: internal.ErrNotConnected})
		if err := storage.Upsert(ctx, "u1", weekly("m1")); err != nil {
			t.Fatal(err)
		}

		found, err := r.DeleteEvent(ctx, "u1", "m1_20240103", false)
		if err != nil || !found {
			t.Fatalf("expected found, got %v %v", found, err)
		}
		got, err := r.GetEvents(ctx, "u1", at(1, 0), at(15, 0))
		if err != nil {
			t.Fatal(err)
		}
		if want := []int{1, 8, 10}; !equalInts(days(got), want) {
			t.Fatalf("expected days %v, got %v", want, days(got))
		}

		found, err = r.DeleteEvent(ctx, "u1", "m1_20240102", false)
		if err != nil || found {
			t.Fatalf("expected no occurrence on a tuesday, got %v %v", found, err)
		}
	})

	t.Run("all instances", func(t *testing.T) {
		r, storage := newTestReconciler(t, fakeCredentials{err: internal.ErrNotConnected})
		if err := storage.Upsert(ctx, "u1", weekly("m1")); err != nil {
			t.Fatal(err)
		}

		found, err := r.DeleteEvent(ctx, "u1", "m1_20240103", true)
		if err != nil || !found {
			t.Fatalf("expected found, got %v %v", found, err)
		}
		if _, err := storage.Get(ctx, "u1", "m1"); !errors.Is(err, internal.ErrNotFound) {
			t.Fatalf("expected the master to be removed, got %v", err)
		}
	})

	t.Run("not found", func(t *testing.T) {
		r, _ := newTestReconciler(t, fakeCredentials{err: internal.ErrNotConnected})

		found, err := r.DeleteEvent(ctx, "u1", "missing", false)
		if err != nil || found {
			t.Fatalf("expected not found, got %v %v", found, err)
		}
	})

	t.Run("pending delete", func(t *testing.T) {
		p := newFakeProvider(&Event{ID: "ext", Start: at(2, 10), End: at(2, 11)})
		r, storage := newTestReconciler(t, fakeCredentials{provider: p})

		p.writeErr = internal.ErrProviderUnavailable
		found, err := r.DeleteEvent(ctx, "u1", "ext", false)
		if err != nil || !found {
			t.Fatalf("expected found, got %v %v", found, err)
		}
		pending, err := storage.PendingDeletes(ctx, "u1")
		if err != nil {
			t.Fatal(err)
		}
		if len(pending) != 1 || pending[0] != "ext" {
			t.Fatalf("expected ext pending, got %v", pending)
		}

		got, err := r.GetEvents(ctx, "u1", at(1, 0), at(15, 0))
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 0 {
			t.Fatalf("expected the pending delete to be hidden, got %v", got)
		}
	})
}

func TestFindFreeSlots(t *testing.T) {
	ctx := context.Background()
	r, storage := newTestReconciler(t, fakeCredentials{err: internal.ErrNotConnected})
	if err := storage.Upsert(ctx, "u1", ev("busy", at(2, 10), at(2, 11))); err != nil {
		t.Fatal(err)
	}

	slots, err := r.FindFreeSlots(ctx, "u1", at(2, 0), at(3, 0), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(slots) != 2 {
		t.Fatalf("expected 2 slots, got %v", slots)
	}
	if !slots[0].Start.Equal(at(2, 9)) || !slots[0].End.Equal(at(2, 10)) {
		t.Errorf("unexpected first slot %v", slots[0])
	}
	if !slots[1].Start.Equal(at(2, 11)) || !slots[1].End.Equal(at(2, 17)) {
		t.Errorf("unexpected second slot %v", slots[1])
	}
}

func TestFindMeetingTime(t *testing.T) {
	ctx := context.Background()
	r, storage := newTestReconciler(t, fakeCredentials{err: internal.ErrNotConnected})
	if err := storage.Upsert(ctx, "alice", ev("a", at(2, 9), at(2, 12))); err != nil {
		t.Fatal(err)
	}
	if err := storage.Upsert(ctx, "bob", ev("b", at(2, 13), at(2, 16))); err != nil {
		t.Fatal(err)
	}

	res, err := r.FindMeetingTime(ctx, "alice", []string{"bob", "carol@example.com"}, at(2, 0), at(3, 0), time.Hour, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Checked) != 2 || len(res.AssumedAvailable) != 1 || res.AssumedAvailable[0] != "carol@example.com" {
		t.Fatalf("unexpected participants %+v", res)
	}
	if len(res.Slots) != 2 {
		t.Fatalf("expected 12-13 and 16-17, got %v", res.Slots)
	}
}

func TestDo(t *testing.T) {
	ctx := context.Background()
	r, storage := newTestReconciler(t, fakeCredentials{err: internal.ErrNotConnected})
	if err := storage.Upsert(ctx, "u1", ev("standup", at(2, 10), at(2, 11))); err != nil {
		t.Fatal(err)
	}

	res, err := r.Do(ctx, "u1", Request{Op: OpSearchEvents, Query: "STAND", Start: at(1, 0), End: at(15, 0)})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Events) != 1 {
		t.Fatalf("expected one match, got %v", res.Events)
	}

	res, err = r.Do(ctx, "u1", Request{Op: OpFindConflicts, Start: at(2, 11), End: at(2, 12), Buffer: 15 * time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Conflict {
		t.Error("expected the buffer to produce a conflict")
	}

	_, err = r.Do(ctx, "u1", Request{Op: Op(99)})
	if !errors.Is(err, ErrUnknownOp) {
		t.Fatalf("expected ErrUnknownOp, got %v", err)
	}
}

// blockingProvider never answers a list call before its context is done.
type blockingProvider struct {
	*fakeProvider
}

func (blockingProvider) ListEvents(ctx context.Context, c internal.SyncCredential, _, _ time.Time) ([]*Event, internal.SyncCredential, error) {
	<-ctx.Done()
	return nil, c, ctx.Err()
}

func TestGetEvents_FallbackOnTimeout(t *testing.T) {
	ctx := context.Background()
	r, storage := newTestReconciler(t, fakeCredentials{provider: blockingProvider{newFakeProvider()}})
	r.opts.ProviderTimeout = 20 * time.Millisecond

	cached := &Event{ID: "cached", Title: "cached", Start: at(2, 10), End: at(2, 11), Source: internal.SourceExternal, SourceID: "cached"}
	if err := storage.UpsertMirror(ctx, "u1", cached); err != nil {
		t.Fatal(err)
	}

	got, err := r.GetEvents(ctx, "u1", at(1, 0), at(15, 0))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "cached" {
		t.Fatalf("expected the mirrored event, got %+v", got)
	}
}

func TestUpdateEvent_PushedWhileProviderDown(t *testing.T) {
	ctx := context.Background()
	p := newFakeProvider(&Event{ID: "p1", Title: "old", Start: at(2, 10), End: at(2, 11)})
	r, storage := newTestReconciler(t, fakeCredentials{provider: p})

	pushed := ev("abc123", at(2, 10), at(2, 11))
	pushed.Title = "old"
	if err := storage.Upsert(ctx, "u1", pushed); err != nil {
		t.Fatal(err)
	}
	if err := storage.RecordPush(ctx, "u1", "abc123", "p1"); err != nil {
		t.Fatal(err)
	}

	p.writeErr = internal.ErrProviderUnavailable
	edited := pushed.Clone()
	edited.Title = "new"
	if _, found, err := r.UpdateEvent(ctx, "u1", edited); err != nil || !found {
		t.Fatalf("expected the update to be kept, got %v, %v", found, err)
	}

	got, err := r.GetEvents(ctx, "u1", at(1, 0), at(15, 0))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "abc123" || got[0].Title != "new" || got[0].Source != internal.SourceLocal {
		t.Fatalf("expected the ledger copy, got %+v", got)
	}
	if updates, _ := storage.PendingUpdates(ctx, "u1"); len(updates) != 1 || updates[0] != "abc123" {
		t.Fatalf("expected a pending update, got %v", updates)
	}

	p.writeErr = nil
	edited.Title = "newer"
	if _, _, err := r.UpdateEvent(ctx, "u1", edited); err != nil {
		t.Fatal(err)
	}
	if p.events["p1"].Title != "newer" {
		t.Fatalf("expected the provider copy to be updated, got %q", p.events["p1"].Title)
	}
	if updates, _ := storage.PendingUpdates(ctx, "u1"); len(updates) != 0 {
		t.Fatalf("expected no pending update, got %v", updates)
	}
	got, err = r.GetEvents(ctx, "u1", at(1, 0), at(15, 0))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "abc123" || got[0].Title != "newer" {
		t.Fatalf("expected a single up to date event, got %+v", got)
	}
}

func TestWrites_CredentialUnavailable(t *testing.T) {
	ctx := context.Background()
	mirrored := func() *Event {
		return &Event{ID: "ext", Title: "old", Start: at(2, 10), End: at(2, 11), Source: internal.SourceExternal, SourceID: "ext"}
	}

	t.Run("update", func(t *testing.T) {
		r, storage := newTestReconciler(t, fakeCredentials{err: internal.ErrProviderUnavailable})
		if err := storage.UpsertMirror(ctx, "u1", mirrored()); err != nil {
			t.Fatal(err)
		}

		edited := mirrored()
		edited.Title = "new"
		res, found, err := r.UpdateEvent(ctx, "u1", edited)
		if err != nil || !found || res == nil {
			t.Fatalf("expected a local update, got %+v, %v, %v", res, found, err)
		}
		stored, err := storage.Get(ctx, "u1", "ext")
		if err != nil {
			t.Fatalf("expected the edit in the ledger: %v", err)
		}
		if stored.Title != "new" || stored.Source != internal.SourceLocal || stored.SourceID != "ext" {
			t.Fatalf("unexpected ledger event %+v", stored)
		}

		got, err := r.GetEvents(ctx, "u1", at(1, 0), at(15, 0))
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 || got[0].Title != "new" {
			t.Fatalf("expected the edit to be shown, got %+v", got)
		}
	})

	t.Run("delete", func(t *testing.T) {
		r, storage := newTestReconciler(t, fakeCredentials{err: internal.ErrProviderUnavailable})
		if err := storage.UpsertMirror(ctx, "u1", mirrored()); err != nil {
			t.Fatal(err)
		}

		found, err := r.DeleteEvent(ctx, "u1", "ext", false)
		if err != nil || !found {
			t.Fatalf("expected a pending delete, got %v, %v", found, err)
		}
		if pending, _ := storage.PendingDeletes(ctx, "u1"); len(pending) != 1 || pending[0] != "ext" {
			t.Fatalf("expected [ext], got %v", pending)
		}
		if _, err := storage.MirrorEvent(ctx, "u1", "ext"); !errors.Is(err, internal.ErrNotFound) {
			t.Fatalf("expected the mirror entry removed, got %v", err)
		}
		got, err := r.GetEvents(ctx, "u1", at(1, 0), at(15, 0))
		if err != nil || len(got) != 0 {
			t.Fatalf("expected no events, got %+v, %v", got, err)
		}
	})

	t.Run("auth expired", func(t *testing.T) {
		r, _ := newTestReconciler(t, fakeCredentials{err: internal.ErrAuthExpired})
		if _, _, err := r.UpdateEvent(ctx, "u1", mirrored()); !errors.Is(err, internal.ErrAuthExpired) {
			t.Fatalf("expected ErrAuthExpired on update, got %v", err)
		}
		if _, err := r.DeleteEvent(ctx, "u1", "ext", false); !errors.Is(err, internal.ErrAuthExpired) {
			t.Fatalf("expected ErrAuthExpired on delete, got %v", err)
		}
	})
}

func TestDeleteEvent_InstanceKeptWhenProviderStoresExceptions(t *testing.T) {
	ctx := context.Background()
	p := newFakeProvider()
	p.keepRecurrence = true
	master := weekly("m1")
	master.Exceptions = []internal.Exception{
		{Date: internal.NewDate(2024, time.January, 3), Status: internal.ExceptionCancelled},
	}
	p.put(master)
	r, _ := newTestReconciler(t, fakeCredentials{provider: p})

	got, err := r.GetEvents(ctx, "u1", at(1, 0), at(15, 0))
	if err != nil {
		t.Fatal(err)
	}
	if want := []int{1, 8, 10}; !equalInts(days(got), want) {
		t.Fatalf("expected days %v, got %v", want, days(got))
	}

	p.writeErr = internal.ErrProviderUnavailable
	id := internal.InstanceID("m1", internal.NewDate(2024, time.January, 8))
	if found, err := r.DeleteEvent(ctx, "u1", id, false); err != nil || !found {
		t.Fatalf("expected the instance to be cancelled, got %v, %v", found, err)
	}

	p.writeErr = nil
	got, err = r.GetEvents(ctx, "u1", at(1, 0), at(15, 0))
	if err != nil {
		t.Fatal(err)
	}
	if want := []int{1, 10}; !equalInts(days(got), want) {
		t.Fatalf("expected days %v, got %v", want, days(got))
	}
}
