package syncer

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/guilherme-santos/calendarhub/internal"
	"github.com/guilherme-santos/calendarhub/internal/sqlite"
)

type fakeProvider struct {
	events    map[string]*Event
	createErr error
	creates   int
	deletes   []string
}

func (p *fakeProvider) Refresh(_ context.Context, c internal.SyncCredential) (internal.SyncCredential, error) {
	return c, nil
}

func (p *fakeProvider) ListEvents(_ context.Context, c internal.SyncCredential, start, end time.Time) ([]*Event, internal.SyncCredential, error) {
	var res []*Event
	for _, e := range p.events {
		if e.Overlaps(start, end) {
			res = append(res, e.Clone())
		}
	}
	return res, c, nil
}

func (p *fakeProvider) CreateEvent(_ context.Context, c internal.SyncCredential, e *Event) (*Event, internal.SyncCredential, error) {
	if p.createErr != nil {
		return nil, c, p.createErr
	}
	p.creates++
	created := e.Clone()
	created.Source = internal.SourceExternal
	created.SourceID = created.ID
	p.events[created.ID] = created
	// the provider hands back a refreshed token
	c.AccessToken = "refreshed"
	return created.Clone(), c, nil
}

func (p *fakeProvider) UpdateEvent(_ context.Context, c internal.SyncCredential, e *Event) (*Event, internal.SyncCredential, error) {
	if _, ok := p.events[e.SourceID]; !ok {
		return nil, c, internal.ErrNotFound
	}
	u := e.Clone()
	u.ID = e.SourceID
	p.events[u.ID] = u
	return u.Clone(), c, nil
}

func (p *fakeProvider) DeleteEvent(_ context.Context, c internal.SyncCredential, id string) (bool, internal.SyncCredential, error) {
	p.deletes = append(p.deletes, id)
	_, ok := p.events[id]
	delete(p.events, id)
	return ok, c, nil
}

type fakeCredentials struct {
	provider internal.Provider
	saved    []internal.SyncCredential
}

func (c *fakeCredentials) Get(_ context.Context, userID string) (internal.SyncCredential, internal.Provider, error) {
	return internal.SyncCredential{UserID: userID, Provider: "fake", AccessToken: "token"}, c.provider, nil
}

func (c *fakeCredentials) Save(_ context.Context, used, returned internal.SyncCredential) error {
	if returned.AccessToken != "" && used.Changed(returned) {
		c.saved = append(c.saved, returned)
	}
	return nil
}

// brokenPushes fails to record the push map.
type brokenPushes struct {
	*sqlite.Storage
}

func (brokenPushes) RecordPush(context.Context, string, string, string) error {
	return errors.New("disk full")
}

func newTestStorage(t *testing.T) *sqlite.Storage {
	t.Helper()

	db, err := sql.Open(sqlite.DriverName, ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return sqlite.NewStorage(db)
}

func at(day, hour int) time.Time {
	return time.Date(2024, time.January, day, hour, 0, 0, 0, time.UTC)
}

func newTestSyncer(storage Storage, creds Credentials) *Syncer {
	s := New(storage, creds, nil, nil)
	s.now = func() time.Time { return at(2, 12) }
	return s
}

func TestSyncer_Window(t *testing.T) {
	s := newTestSyncer(nil, nil)
	s.WeeksPast = 1

	start, end := s.Window()
	if !start.Equal(at(2, 0).AddDate(0, 0, -7)) {
		t.Errorf("unexpected start %v", start)
	}
	if !end.Equal(at(17, 0)) {
		t.Errorf("unexpected end %v", end)
	}
}

func TestSyncer_Sync(t *testing.T) {
	ctx := context.Background()
	storage := newTestStorage(t)
	p := &fakeProvider{events: make(map[string]*Event)}
	creds := &fakeCredentials{provider: p}

	local := &Event{
		ID:         "l1",
		Title:      "dentist",
		Start:      at(3, 10),
		End:        at(3, 11),
		Source:     internal.SourceLocal,
		Categories: []string{"health"},
	}
	private := &Event{ID: "l2", Start: at(4, 10), End: at(4, 11), Source: internal.SourceLocal, Categories: []string{"private"}}
	outside := &Event{ID: "l3", Start: at(25, 10), End: at(25, 11), Source: internal.SourceLocal}
	for _, e := range []*Event{local, private, outside} {
		if err := storage.Upsert(ctx, "u1", e); err != nil {
			t.Fatal(err)
		}
	}

	s := newTestSyncer(storage, creds)
	s.IgnoreCategories = []string{"private"}

	report, err := s.Sync(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if report.Pushed != 1 || report.Ignored != 1 || report.Mirrored != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if id, _ := storage.PushedID(ctx, "u1", "l1"); id != "l1" {
		t.Errorf("expected l1 in the push map, got %q", id)
	}
	sc, err := storage.Sidecar(ctx, "u1", "l1")
	if err != nil || sc == nil || len(sc.Categories) != 1 {
		t.Errorf("expected the categories in the sidecar, got %+v %v", sc, err)
	}
	if len(creds.saved) == 0 || creds.saved[0].AccessToken != "refreshed" {
		t.Errorf("expected the refreshed token to be saved, got %v", creds.saved)
	}

	report, err = s.Sync(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if report.Pushed != 0 || report.Skipped != 1 {
		t.Fatalf("expected the second run to skip, got %+v", report)
	}
	if p.creates != 1 {
		t.Fatalf("expected a single create, got %d", p.creates)
	}
}

func TestSyncer_RollbackWhenPushNotRecorded(t *testing.T) {
	ctx := context.Background()
	storage := newTestStorage(t)
	p := &fakeProvider{events: make(map[string]*Event)}

	if err := storage.Upsert(ctx, "u1", &Event{ID: "l1", Start: at(3, 10), End: at(3, 11), Source: internal.SourceLocal}); err != nil {
		t.Fatal(err)
	}

	s := newTestSyncer(brokenPushes{storage}, &fakeCredentials{provider: p})
	report, err := s.Sync(ctx, "u1")
	if !errors.Is(err, ErrSyncing) {
		t.Fatalf("expected ErrSyncing, got %v", err)
	}
	if report.Failed != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(p.deletes) != 1 || p.deletes[0] != "l1" {
		t.Fatalf("expected the provider copy to be removed, got %v", p.deletes)
	}
	if len(p.events) != 0 {
		t.Fatalf("expected no event left on the provider, got %d", len(p.events))
	}
}

func TestSyncer_ReplaysPendingDeletes(t *testing.T) {
	ctx := context.Background()
	storage := newTestStorage(t)
	p := &fakeProvider{events: map[string]*Event{
		"gone": {ID: "gone", Start: at(3, 10), End: at(3, 11)},
	}}

	if err := storage.AddPendingDelete(ctx, "u1", "gone"); err != nil {
		t.Fatal(err)
	}

	report, err := newTestSyncer(storage, &fakeCredentials{provider: p}).Sync(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if report.Deleted != 1 || report.Mirrored != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	pending, err := storage.PendingDeletes(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending delete, got %v", pending)
	}
}

func TestSyncer_DowngradedUpdate(t *testing.T) {
	ctx := context.Background()
	storage := newTestStorage(t)
	p := &fakeProvider{events: map[string]*Event{
		"ext": {ID: "ext", Title: "old", Start: at(3, 10), End: at(3, 11)},
	}}

	edited := &Event{ID: "ext", Title: "new", Start: at(3, 10), End: at(3, 11), Source: internal.SourceLocal, SourceID: "ext"}
	if err := storage.Upsert(ctx, "u1", edited); err != nil {
		t.Fatal(err)
	}

	report, err := newTestSyncer(storage, &fakeCredentials{provider: p}).Sync(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if report.Pushed != 1 || p.creates != 0 {
		t.Fatalf("expected an update, got %+v creates=%d", report, p.creates)
	}
	if p.events["ext"].Title != "new" {
		t.Fatalf("expected the provider copy to be updated, got %q", p.events["ext"].Title)
	}
}

func TestSyncer_AuthExpired(t *testing.T) {
	ctx := context.Background()
	storage := newTestStorage(t)
	p := &fakeProvider{events: make(map[string]*Event), createErr: internal.ErrAuthExpired}

	if err := storage.Upsert(ctx, "u1", &Event{ID: "l1", Start: at(3, 10), End: at(3, 11), Source: internal.SourceLocal}); err != nil {
		t.Fatal(err)
	}

	_, err := newTestSyncer(storage, &fakeCredentials{provider: p}).Sync(ctx, "u1")
	if !errors.Is(err, internal.ErrAuthExpired) {
		t.Fatalf("expected ErrAuthExpired, got %v", err)
	}
}

func TestSyncer_PendingUpdate(t *testing.T) {
	ctx := context.Background()
	storage := newTestStorage(t)
	p := &fakeProvider{events: map[string]*Event{
		"p1": {ID: "p1", Title: "old", Start: at(3, 10), End: at(3, 11), SourceID: "p1"},
	}}

	if err := storage.Upsert(ctx, "u1", &Event{ID: "l1", Title: "new", Start: at(3, 10), End: at(3, 11), Source: internal.SourceLocal}); err != nil {
		t.Fatal(err)
	}
	if err := storage.RecordPush(ctx, "u1", "l1", "p1"); err != nil {
		t.Fatal(err)
	}
	if err := storage.AddPendingUpdate(ctx, "u1", "l1"); err != nil {
		t.Fatal(err)
	}

	s := newTestSyncer(storage, &fakeCredentials{provider: p})
	report, err := s.Sync(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if report.Pushed != 1 || p.creates != 0 {
		t.Fatalf("expected an update, got %+v creates=%d", report, p.creates)
	}
	if p.events["p1"].Title != "new" {
		t.Fatalf("expected the provider copy to be updated, got %q", p.events["p1"].Title)
	}
	if updates, _ := storage.PendingUpdates(ctx, "u1"); len(updates) != 0 {
		t.Fatalf("expected no pending update, got %v", updates)
	}

	report, err = s.Sync(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if report.Pushed != 0 || report.Skipped != 1 {
		t.Fatalf("expected the second run to skip, got %+v", report)
	}
}
