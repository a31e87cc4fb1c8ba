package iqua

// Adapted from the token source of https://github.com/evcc-io/evcc

import (
	"errors"
	"sync"
	"time"

	"dario.cat/mergo"
	"golang.org/x/oauth2"
)

type tokenRefresher interface {
	RefreshToken(token *oauth2.Token) (*oauth2.Token, error)
}

// tokenSource hands out the cached token while it is valid and refreshes it
// under a single mutex, so concurrent callers trigger at most one refresh
// and always observe a complete token.
type tokenSource struct {
	mu        sync.Mutex
	token     *oauth2.Token
	refresher tokenRefresher
	persist   func(*oauth2.Token)
}

func refreshTokenSource(token *oauth2.Token, refresher tokenRefresher, persist func(*oauth2.Token)) *tokenSource {
	if token == nil {
		// allocate an (expired) token or mergeToken will fail
		token = new(oauth2.Token)
	}

	return &tokenSource{
		token:     token,
		refresher: refresher,
		persist:   persist,
	}
}

func (ts *tokenSource) Token() (*oauth2.Token, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.token.Valid() {
		return ts.token, nil
	}

	token, err := ts.refresher.RefreshToken(ts.token)
	if err != nil {
		return ts.token, err
	}

	if token.AccessToken == "" {
		err = errors.New("token refresh failed to obtain access token")
	} else if err = mergo.Merge(ts.token, token, mergo.WithOverride); err == nil && ts.persist != nil {
		ts.persist(ts.token)
	}

	return ts.token, err
}

// Invalidate forces the next Token call to refresh. Used when the server
// rejects an access token before its recorded expiry.
func (ts *tokenSource) Invalidate() {
	ts.mu.Lock()
	ts.token.Expiry = time.Now().Add(-time.Minute)
	ts.mu.Unlock()
}
