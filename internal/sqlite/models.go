package sqlite

import (
	"encoding/json"
	"fmt"

	"github.com/guilherme-santos/calendarhub/internal"
)

type Event struct {
	UserID   string `db:"user_id"`
	ID       string
	Score    int64
	EndScore int64 `db:"end_score"`
	Payload  string
}

func newEvent(userID string, e *internal.Event) (Event, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return Event{}, fmt.Errorf("encoding event %s: %v", e.ID, err)
	}
	return Event{
		UserID:   userID,
		ID:       e.ID,
		Score:    e.Score(),
		EndScore: e.End.UnixMilli(),
		Payload:  string(b),
	}, nil
}

func (e Event) Convert() (*internal.Event, error) {
	var ev internal.Event
	if err := json.Unmarshal([]byte(e.Payload), &ev); err != nil {
		return nil, fmt.Errorf("decoding event %s: %v", e.ID, err)
	}
	return &ev, nil
}

func convertEvents(rows []Event) ([]*internal.Event, error) {
	res := make([]*internal.Event, len(rows))
	for i, r := range rows {
		ev, err := r.Convert()
		if err != nil {
			return nil, err
		}
		res[i] = ev
	}
	return res, nil
}

type Credential struct {
	UserID       string `db:"user_id"`
	Provider     string
	Account      string
	AccessToken  string `db:"access_token"`
	RefreshToken string `db:"refresh_token"`
	ExpiresAt    int64  `db:"expires_at"`
}

func (c Credential) Convert() internal.SyncCredential {
	return internal.SyncCredential{
		UserID:       c.UserID,
		Provider:     c.Provider,
		Account:      c.Account,
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		ExpiresAt:    c.ExpiresAt,
	}
}

type Sidecar struct {
	ProviderEventID string `db:"provider_event_id"`
	Payload         string
}

func (s Sidecar) Convert() (*internal.Sidecar, error) {
	var sc internal.Sidecar
	if err := json.Unmarshal([]byte(s.Payload), &sc); err != nil {
		return nil, fmt.Errorf("decoding sidecar %s: %v", s.ProviderEventID, err)
	}
	sc.ProviderEventID = s.ProviderEventID
	return &sc, nil
}
