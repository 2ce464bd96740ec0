package internal

import (
	"time"
)

// SyncCredential is the per user token for the external provider. It is
// passed explicitly to every provider call and the possibly refreshed value
// is handed back to the caller for persistence.
type SyncCredential struct {
	UserID       string `json:"userId"`
	Provider     string `json:"provider"`
	Account      string `json:"account,omitempty"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	// ExpiresAt is in epoch seconds. Zero means the token does not expire.
	ExpiresAt int64 `json:"expiresAt,omitempty"`
}

func (c SyncCredential) String() string {
	if c.Account == "" {
		return c.Provider + "/" + c.UserID
	}
	return c.Provider + "/" + c.Account
}

// Expired reports whether now >= expiresAt - skew.
func (c SyncCredential) Expired(now time.Time, skew time.Duration) bool {
	if c.ExpiresAt == 0 {
		return false
	}
	return now.Unix() >= c.ExpiresAt-int64(skew/time.Second)
}

// Changed reports whether a provider call handed back a different token.
func (c SyncCredential) Changed(o SyncCredential) bool {
	return c.AccessToken != o.AccessToken ||
		c.RefreshToken != o.RefreshToken ||
		c.ExpiresAt != o.ExpiresAt
}
