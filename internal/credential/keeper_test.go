package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guilherme-santos/calendarhub/internal"
)

type memStore struct {
	mu    sync.Mutex
	creds map[string]internal.SyncCredential
	saves int
}

func (s *memStore) Credential(_ context.Context, userID string) (internal.SyncCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[userID]
	if !ok {
		return internal.SyncCredential{}, internal.ErrNotConnected
	}
	return c, nil
}

func (s *memStore) SaveCredential(_ context.Context, c internal.SyncCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[c.UserID] = c
	s.saves++
	return nil
}

type refresher struct {
	internal.Provider
	calls atomic.Int32
	err   error
	now   time.Time
}

func (r *refresher) Refresh(_ context.Context, c internal.SyncCredential) (internal.SyncCredential, error) {
	n := r.calls.Add(1)
	time.Sleep(10 * time.Millisecond)
	if r.err != nil {
		return internal.SyncCredential{}, r.err
	}
	c.AccessToken = fmt.Sprintf("fresh-%d", n)
	c.ExpiresAt = r.now.Add(time.Hour).Unix()
	return c, nil
}

type mux map[string]internal.Provider

func (m mux) Get(platform string) (internal.Provider, error) {
	p, ok := m[platform]
	if !ok {
		return nil, fmt.Errorf("platform %q not supported", platform)
	}
	return p, nil
}

func TestKeeper_RefreshesOncePerUser(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := &memStore{creds: map[string]internal.SyncCredential{
		"u1": {UserID: "u1", Provider: "fake", AccessToken: "stale", RefreshToken: "r", ExpiresAt: now.Add(30 * time.Second).Unix()},
	}}
	p := &refresher{now: now}
	k := NewKeeper(store, mux{"fake": p}, WithClock(func() time.Time { return now }))

	var wg sync.WaitGroup
	tokens := make([]string, 10)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, _, err := k.Get(context.Background(), "u1")
			if err != nil {
				t.Errorf("get: %v", err)
				return
			}
			tokens[i] = c.AccessToken
		}(i)
	}
	wg.Wait()

	if n := p.calls.Load(); n != 1 {
		t.Fatalf("expected a single refresh, got %d", n)
	}
	for _, tok := range tokens {
		if tok != "fresh-1" {
			t.Fatalf("expected every caller to get the refreshed token, got %q", tok)
		}
	}
	if store.creds["u1"].AccessToken != "fresh-1" {
		t.Fatal("refreshed token was not persisted")
	}
}

func TestKeeper_ValidTokenIsNotRefreshed(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := &memStore{creds: map[string]internal.SyncCredential{
		"u1": {UserID: "u1", Provider: "fake", AccessToken: "ok", ExpiresAt: now.Add(time.Hour).Unix()},
	}}
	p := &refresher{now: now}
	k := NewKeeper(store, mux{"fake": p}, WithClock(func() time.Time { return now }))

	c, provider, err := k.Get(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if c.AccessToken != "ok" || provider != p || p.calls.Load() != 0 {
		t.Fatalf("unexpected refresh: %+v", c)
	}
}

func TestKeeper_Errors(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	expired := internal.SyncCredential{UserID: "u1", Provider: "fake", AccessToken: "stale", ExpiresAt: now.Unix() - 1}

	t.Run("not connected", func(t *testing.T) {
		k := NewKeeper(&memStore{creds: map[string]internal.SyncCredential{}}, mux{})
		if _, _, err := k.Get(context.Background(), "u1"); !errors.Is(err, internal.ErrNotConnected) {
			t.Fatalf("expected ErrNotConnected, got %v", err)
		}
	})

	t.Run("refresh rejected", func(t *testing.T) {
		store := &memStore{creds: map[string]internal.SyncCredential{"u1": expired}}
		p := &refresher{err: errors.New("invalid_grant")}
		k := NewKeeper(store, mux{"fake": p}, WithClock(func() time.Time { return now }))
		if _, _, err := k.Get(context.Background(), "u1"); !errors.Is(err, internal.ErrAuthExpired) {
			t.Fatalf("expected ErrAuthExpired, got %v", err)
		}
		if store.saves != 0 {
			t.Fatal("a failed refresh must not be persisted")
		}
	})

	t.Run("provider down during refresh", func(t *testing.T) {
		store := &memStore{creds: map[string]internal.SyncCredential{"u1": expired}}
		p := &refresher{err: internal.ErrProviderUnavailable}
		k := NewKeeper(store, mux{"fake": p}, WithClock(func() time.Time { return now }))
		if _, _, err := k.Get(context.Background(), "u1"); !errors.Is(err, internal.ErrProviderUnavailable) {
			t.Fatalf("expected ErrProviderUnavailable, got %v", err)
		}
	})
}

func TestKeeper_Save(t *testing.T) {
	store := &memStore{creds: map[string]internal.SyncCredential{}}
	k := NewKeeper(store, mux{})
	used := internal.SyncCredential{UserID: "u1", Provider: "fake", AccessToken: "a"}

	if err := k.Save(context.Background(), used, used); err != nil || store.saves != 0 {
		t.Fatalf("unchanged credential must not be saved, saves=%d err=%v", store.saves, err)
	}
	if err := k.Save(context.Background(), used, internal.SyncCredential{AccessToken: "b"}); err != nil {
		t.Fatal(err)
	}
	if got := store.creds["u1"]; got.AccessToken != "b" || got.Provider != "fake" {
		t.Fatalf("unexpected saved credential %+v", got)
	}
}
