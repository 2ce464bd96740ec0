package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/guilherme-santos/calendarhub/internal"
)

const DriverName = "sqlite3"

// Storage keeps the per user event ledger, the mirror of the external
// calendar, credentials, sidecar metadata and the backfill bookkeeping.
type Storage struct {
	db *sqlx.DB
}

func NewStorage(db *sql.DB) *Storage {
	s := &Storage{
		db: sqlx.NewDb(db, DriverName),
	}
	err := s.RunMigrations()
	if err != nil {
		panic(fmt.Sprintf("sqlite: running migrations: %v", err))
	}
	return s
}

// Ledger

// RangeQuery returns the user's events with score in [scoreMin, scoreMax],
// ordered by score.
func (s Storage) RangeQuery(ctx context.Context, userID string, scoreMin, scoreMax int64) ([]*internal.Event, error) {
	var rows []Event

	err := s.db.SelectContext(ctx, &rows, `
		SELECT user_id, id, score, end_score, payload
		FROM events
		WHERE user_id = ? AND score >= ? AND score <= ?
		ORDER BY score, id
	`, userID, scoreMin, scoreMax)
	if err != nil {
		return nil, err
	}
	return convertEvents(rows)
}

// Until returns every event of the user starting at or before end.
func (s Storage) Until(ctx context.Context, userID string, end time.Time) ([]*internal.Event, error) {
	return s.RangeQuery(ctx, userID, math.MinInt64, end.UnixMilli())
}

func (s Storage) AllForUser(ctx context.Context, userID string) ([]*internal.Event, error) {
	return s.RangeQuery(ctx, userID, math.MinInt64, math.MaxInt64)
}

func (s Storage) Get(ctx context.Context, userID, id string) (*internal.Event, error) {
	var row Event

	err := s.db.GetContext(ctx, &row, `
		SELECT user_id, id, score, end_score, payload
		FROM events
		WHERE user_id = ? AND id = ?
	`, userID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, internal.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.Convert()
}

// Upsert inserts or replaces the event, re-indexing it by its start.
func (s Storage) Upsert(ctx context.Context, userID string, e *internal.Event) error {
	row, err := newEvent(userID, e)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (user_id, id, score, end_score, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, id) DO UPDATE
			SET score = excluded.score, end_score = excluded.end_score, payload = excluded.payload;
	`, row.UserID, row.ID, row.Score, row.EndScore, row.Payload)
	return err
}

// Remove deletes the event and reports whether it existed.
func (s Storage) Remove(ctx context.Context, userID, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM events WHERE user_id = ? AND id = ?
	`, userID, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Mirror

// MirrorRange returns the cached external events overlapping [start, end).
func (s Storage) MirrorRange(ctx context.Context, userID string, start, end time.Time) ([]*internal.Event, error) {
	var rows []Event

	err := s.db.SelectContext(ctx, &rows, `
		SELECT user_id, id, score, end_score, payload
		FROM mirror_events
		WHERE user_id = ? AND score < ? AND (end_score > ? OR score >= ?)
		ORDER BY score, id
	`, userID, end.UnixMilli(), start.UnixMilli(), start.UnixMilli())
	if err != nil {
		return nil, err
	}
	return convertEvents(rows)
}

func (s Storage) MirrorEvent(ctx context.Context, userID, id string) (*internal.Event, error) {
	var row Event

	err := s.db.GetContext(ctx, &row, `
		SELECT user_id, id, score, end_score, payload
		FROM mirror_events
		WHERE user_id = ? AND id = ?
	`, userID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, internal.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.Convert()
}

func (s Storage) UpsertMirror(ctx context.Context, userID string, e *internal.Event) error {
	return upsertMirror(ctx, s.db, userID, e, time.Now())
}

func (s Storage) RemoveMirror(ctx context.Context, userID, id string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM mirror_events WHERE user_id = ? AND id = ?
	`, userID, id)
	return err
}

// ReconcileMirror makes the mirror match upstream for [start, end): cached
// entries overlapping the window that upstream no longer returns are swept
// and every upstream event is inserted or overwritten. It returns the
// number of swept entries.
func (s Storage) ReconcileMirror(ctx context.Context, userID string, start, end time.Time, upstream []*internal.Event) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var cached []string
	err = tx.SelectContext(ctx, &cached, `
		SELECT id
		FROM mirror_events
		WHERE user_id = ? AND score < ? AND (end_score > ? OR score >= ?)
	`, userID, end.UnixMilli(), start.UnixMilli(), start.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("reading mirror: %v", err)
	}

	present := make(map[string]struct{}, len(upstream))
	for _, e := range upstream {
		present[e.ID] = struct{}{}
	}

	swept := 0
	for _, id := range cached {
		if _, ok := present[id]; ok {
			continue
		}
		_, err = tx.ExecContext(ctx, `
			DELETE FROM mirror_events WHERE user_id = ? AND id = ?
		`, userID, id)
		if err != nil {
			return 0, fmt.Errorf("sweeping %s: %v", id, err)
		}
		swept++
	}

	now := time.Now()
	for _, e := range upstream {
		if err := upsertMirror(ctx, tx, userID, e, now); err != nil {
			return 0, err
		}
	}
	return swept, tx.Commit()
}

func upsertMirror(ctx context.Context, db sqlx.ExecerContext, userID string, e *internal.Event, now time.Time) error {
	row, err := newEvent(userID, e)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO mirror_events (user_id, id, score, end_score, payload, synced_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, id) DO UPDATE
			SET score = excluded.score,
				end_score = excluded.end_score,
				payload = excluded.payload,
				synced_at = excluded.synced_at;
	`, row.UserID, row.ID, row.Score, row.EndScore, row.Payload, now.Unix())
	if err != nil {
		return fmt.Errorf("caching %s: %v", e.ID, err)
	}
	return nil
}

// Credentials

// Credential returns the user's provider credential or
// internal.ErrNotConnected.
func (s Storage) Credential(ctx context.Context, userID string) (internal.SyncCredential, error) {
	var c Credential

	err := s.db.GetContext(ctx, &c, `
		SELECT user_id, provider, account, access_token, refresh_token, expires_at
		FROM credentials
		WHERE user_id = ?
	`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return internal.SyncCredential{}, internal.ErrNotConnected
	}
	if err != nil {
		return internal.SyncCredential{}, err
	}
	return c.Convert(), nil
}

func (s Storage) SaveCredential(ctx context.Context, cred internal.SyncCredential) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (user_id, provider, account, access_token, refresh_token, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE
			SET provider = excluded.provider,
				account = excluded.account,
				access_token = excluded.access_token,
				refresh_token = excluded.refresh_token,
				expires_at = excluded.expires_at;
	`, cred.UserID, cred.Provider, cred.Account, cred.AccessToken, cred.RefreshToken, cred.ExpiresAt)
	return err
}

func (s Storage) DeleteCredential(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM credentials WHERE user_id = ?
	`, userID)
	return err
}

// ConnectedUsers returns the users holding a provider credential.
func (s Storage) ConnectedUsers(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT user_id FROM credentials ORDER BY user_id
	`)
	return ids, err
}

// Sidecars

// Sidecar returns the metadata kept for a provider event, nil if none.
func (s Storage) Sidecar(ctx context.Context, userID, providerEventID string) (*internal.Sidecar, error) {
	var row Sidecar

	err := s.db.GetContext(ctx, &row, `
		SELECT provider_event_id, payload
		FROM sidecars
		WHERE user_id = ? AND provider_event_id = ?
	`, userID, providerEventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.Convert()
}

// RecurringSidecars returns the sidecars carrying a recurrence rule.
func (s Storage) RecurringSidecars(ctx context.Context, userID string) ([]*internal.Sidecar, error) {
	var rows []Sidecar

	err := s.db.SelectContext(ctx, &rows, `
		SELECT provider_event_id, payload
		FROM sidecars
		WHERE user_id = ? AND recurring = 1
		ORDER BY provider_event_id
	`, userID)
	if err != nil {
		return nil, err
	}

	res := make([]*internal.Sidecar, len(rows))
	for i, r := range rows {
		if res[i], err = r.Convert(); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// SaveSidecar stores sc, an empty sidecar removes the entry.
func (s Storage) SaveSidecar(ctx context.Context, userID string, sc *internal.Sidecar) error {
	if sc.Empty() {
		return s.DeleteSidecar(ctx, userID, sc.ProviderEventID)
	}
	b, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("encoding sidecar %s: %v", sc.ProviderEventID, err)
	}
	recurring := 0
	if sc.Recurrence != nil {
		recurring = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sidecars (user_id, provider_event_id, recurring, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, provider_event_id) DO UPDATE
			SET recurring = excluded.recurring, payload = excluded.payload;
	`, userID, sc.ProviderEventID, recurring, string(b))
	return err
}

func (s Storage) DeleteSidecar(ctx context.Context, userID, providerEventID string) error {
	if providerEventID == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM sidecars WHERE user_id = ? AND provider_event_id = ?
	`, userID, providerEventID)
	return err
}

// Backfill bookkeeping

// PushedID returns the provider id a local event was pushed as, empty if it
// was never pushed.
func (s Storage) PushedID(ctx context.Context, userID, localID string) (string, error) {
	var providerID string
	err := s.db.GetContext(ctx, &providerID, `
		SELECT provider_id
		FROM pushes
		WHERE user_id = ? AND local_id = ?
	`, userID, localID)
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
	}
	return providerID, err
}

func (s Storage) RecordPush(ctx context.Context, userID, localID, providerID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pushes (user_id, local_id, provider_id)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id, local_id) DO UPDATE SET provider_id = excluded.provider_id;
	`, userID, localID, providerID)
	return err
}

// Pushes maps the provider id of every pushed event to its local id.
func (s Storage) Pushes(ctx context.Context, userID string) (map[string]string, error) {
	var rows []struct {
		LocalID    string `db:"local_id"`
		ProviderID string `db:"provider_id"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT local_id, provider_id
		FROM pushes
		WHERE user_id = ?
	`, userID)
	if err != nil {
		return nil, err
	}

	res := make(map[string]string, len(rows))
	for _, r := range rows {
		res[r.ProviderID] = r.LocalID
	}
	return res, nil
}

func (s Storage) DeletePush(ctx context.Context, userID, localID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM pushes WHERE user_id = ? AND local_id = ?
	`, userID, localID)
	return err
}

func (s Storage) AddPendingDelete(ctx context.Context, userID, providerEventID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_deletes (user_id, provider_event_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id, provider_event_id) DO NOTHING;
	`, userID, providerEventID, time.Now().Unix())
	return err
}

func (s Storage) PendingDeletes(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT provider_event_id
		FROM pending_deletes
		WHERE user_id = ?
		ORDER BY created_at, provider_event_id
	`, userID)
	return ids, err
}

func (s Storage) RemovePendingDelete(ctx context.Context, userID, providerEventID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM pending_deletes WHERE user_id = ? AND provider_event_id = ?
	`, userID, providerEventID)
	return err
}

// AddPendingUpdate marks a pushed local event whose provider copy is behind
// the ledger.
func (s Storage) AddPendingUpdate(ctx context.Context, userID, localID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_updates (user_id, local_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id, local_id) DO NOTHING;
	`, userID, localID, time.Now().Unix())
	return err
}

func (s Storage) PendingUpdates(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT local_id
		FROM pending_updates
		WHERE user_id = ?
		ORDER BY created_at, local_id
	`, userID)
	return ids, err
}

func (s Storage) RemovePendingUpdate(ctx context.Context, userID, localID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM pending_updates WHERE user_id = ? AND local_id = ?
	`, userID, localID)
	return err
}

// Users

// Timezone returns the user's display zone, empty when never set.
func (s Storage) Timezone(ctx context.Context, userID string) (string, error) {
	var tz string
	err := s.db.GetContext(ctx, &tz, `
		SELECT timezone FROM users WHERE id = ?
	`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
	}
	return tz, err
}

func (s Storage) SetTimezone(ctx context.Context, userID, tz string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, timezone) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET timezone = excluded.timezone;
	`, userID, tz)
	return err
}

// KnownUser reports whether userID has any state in this database.
func (s Storage) KnownUser(ctx context.Context, userID string) (bool, error) {
	var known bool
	err := s.db.GetContext(ctx, &known, `
		SELECT EXISTS (SELECT 1 FROM users WHERE id = ?)
			OR EXISTS (SELECT 1 FROM events WHERE user_id = ?)
			OR EXISTS (SELECT 1 FROM credentials WHERE user_id = ?)
	`, userID, userID, userID)
	return known, err
}
