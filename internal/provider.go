package internal

import (
	"context"
	"time"
)

type Mux interface {
	Get(platform string) (Provider, error)
}

// Provider is the external calendar. Every call receives the user's
// credential, refreshes it when it is expired and returns the credential
// that was actually used so the caller can persist it.
type Provider interface {
	Refresh(_ context.Context, _ SyncCredential) (SyncCredential, error)
	ListEvents(_ context.Context, _ SyncCredential, start, end time.Time) ([]*Event, SyncCredential, error)
	CreateEvent(_ context.Context, _ SyncCredential, _ *Event) (*Event, SyncCredential, error)
	UpdateEvent(_ context.Context, _ SyncCredential, _ *Event) (*Event, SyncCredential, error)
	DeleteEvent(_ context.Context, _ SyncCredential, id string) (bool, SyncCredential, error)
}

// Authenticator is implemented by providers that can obtain a credential
// interactively.
type Authenticator interface {
	Login(_ context.Context, userID string, openURL func(string)) (SyncCredential, error)
}
