package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/guilherme-santos/calendarhub/internal"
)

// Login runs the OAuth consent flow: openURL receives the consent page URL
// and a local server on CallbackAddr waits for Google's redirect.
func (c Client) Login(ctx context.Context, userID string, openURL func(string)) (internal.SyncCredential, error) {
	state := fmt.Sprintf("calendarhub-%d", time.Now().UTC().UnixNano())
	authURL := c.oauthCfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	openURL(authURL)

	mux := http.NewServeMux()
	server := &http.Server{
		Addr:    c.CallbackAddr,
		Handler: mux,
	}

	var (
		token   *oauth2.Token
		authErr error
	)

	mux.HandleFunc("/calendarhub", func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			go server.Shutdown(context.Background())
		}()

		query := req.URL.Query()
		if query.Get("state") != state {
			authErr = errors.New("oauth link is not valid")
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		token, authErr = c.oauthCfg.Exchange(c.oauthContext(ctx), query.Get("code"))
		if authErr != nil {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintln(w, "Unable to retrieve token:", authErr)
			return
		}

		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "All good, you can close this window!")
	})

	serverCh := make(chan struct{})
	var svrErr error
	go func() {
		svrErr = server.ListenAndServe()
		close(serverCh)
	}()

	select {
	case <-serverCh:
	case <-ctx.Done():
		server.Shutdown(context.Background())
		<-serverCh
		return internal.SyncCredential{}, ctx.Err()
	}

	if svrErr != nil && svrErr != http.ErrServerClosed {
		return internal.SyncCredential{}, svrErr
	}
	if authErr != nil {
		return internal.SyncCredential{}, authErr
	}

	cred := internal.SyncCredential{
		UserID:       userID,
		Provider:     Platform,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
	}
	if !token.Expiry.IsZero() {
		cred.ExpiresAt = token.Expiry.Unix()
	}
	return cred, nil
}
