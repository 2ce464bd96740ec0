package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/guilherme-santos/calendarhub/internal"
)

const DefaultSkew = 60 * time.Second

// Store persists credentials. Implemented by sqlite.Storage.
type Store interface {
	Credential(_ context.Context, userID string) (internal.SyncCredential, error)
	SaveCredential(context.Context, internal.SyncCredential) error
}

// Keeper hands out fresh credentials. Refreshes are single-flighted per
// user so concurrent callers never race two refresh calls against each
// other, and every refreshed token is persisted before it is returned.
type Keeper struct {
	store  Store
	mux    internal.Mux
	skew   time.Duration
	now    func() time.Time
	logger *slog.Logger
	group  singleflight.Group
}

type Option func(*Keeper)

func WithSkew(d time.Duration) Option {
	return func(k *Keeper) { k.skew = d }
}

func WithClock(now func() time.Time) Option {
	return func(k *Keeper) { k.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(k *Keeper) { k.logger = l }
}

func NewKeeper(store Store, mux internal.Mux, opts ...Option) *Keeper {
	k := &Keeper{
		store:  store,
		mux:    mux,
		skew:   DefaultSkew,
		now:    time.Now,
		logger: internal.DiscardLogger(),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Get returns the user's credential and the provider it belongs to,
// refreshing the token first when it is expired. It returns
// internal.ErrNotConnected when the user never connected a provider.
func (k *Keeper) Get(ctx context.Context, userID string) (internal.SyncCredential, internal.Provider, error) {
	cred, err := k.store.Credential(ctx, userID)
	if err != nil {
		return internal.SyncCredential{}, nil, err
	}
	provider, err := k.mux.Get(cred.Provider)
	if err != nil {
		return internal.SyncCredential{}, nil, fmt.Errorf("%w: %v", internal.ErrNotConnected, err)
	}
	if !cred.Expired(k.now(), k.skew) {
		return cred, provider, nil
	}

	v, err, shared := k.group.Do(userID, func() (interface{}, error) {
		// another caller may have refreshed while we were reading
		current, err := k.store.Credential(ctx, userID)
		if err != nil {
			return nil, err
		}
		if !current.Expired(k.now(), k.skew) {
			return current, nil
		}

		k.logger.Debug("credential: refreshing token", "user", userID, "provider", current.Provider)
		fresh, err := provider.Refresh(ctx, current)
		if err != nil {
			if !errors.Is(err, internal.ErrAuthExpired) && !errors.Is(err, internal.ErrProviderUnavailable) {
				err = fmt.Errorf("%w: %v", internal.ErrAuthExpired, err)
			}
			return nil, err
		}
		if err := k.store.SaveCredential(ctx, fresh); err != nil {
			return nil, fmt.Errorf("credential: saving refreshed token: %v", err)
		}
		return fresh, nil
	})
	if err != nil {
		return internal.SyncCredential{}, nil, err
	}
	if shared {
		k.logger.Debug("credential: shared refresh", "user", userID)
	}
	return v.(internal.SyncCredential), provider, nil
}

// Save persists a credential handed back by a provider call when it
// differs from the one that was passed in.
func (k *Keeper) Save(ctx context.Context, used, returned internal.SyncCredential) error {
	if returned.AccessToken == "" || !used.Changed(returned) {
		return nil
	}
	if returned.UserID == "" {
		returned.UserID = used.UserID
	}
	if returned.Provider == "" {
		returned.Provider = used.Provider
	}
	return k.store.SaveCredential(ctx, returned)
}
