package iqua

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func signedAccessToken(t *testing.T, expiresAt time.Time) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		Subject:   "user-1",
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return raw
}

// authServer fakes the login and refresh endpoints. Every refresh hands out
// a newly signed access token.
type authServer struct {
	*httptest.Server
	t            *testing.T
	logins       atomic.Int32
	refreshes    atomic.Int32
	refreshFails bool
}

func newAuthServer(t *testing.T) *authServer {
	s := &authServer{t: t}

	mux := http.NewServeMux()
	mux.HandleFunc(LOGIN_URL, func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		if req.Password != "good-password" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "invalid credentials"})
			return
		}

		s.logins.Add(1)
		_ = json.NewEncoder(w).Encode(tokenResponse{
			AccessToken:  signedAccessToken(t, time.Now().Add(time.Hour)),
			RefreshToken: "refresh-1",
			UserID:       "user-1",
			ExpiresIn:    3600,
		})
	})
	mux.HandleFunc(REFRESH_URL, func(w http.ResponseWriter, r *http.Request) {
		if s.refreshFails {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		var req refreshRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotEmpty(t, req.RefreshToken)

		s.refreshes.Add(1)
		_ = json.NewEncoder(w).Encode(tokenResponse{
			AccessToken:  signedAccessToken(t, time.Now().Add(time.Hour)),
			RefreshToken: "refresh-2",
			ExpiresIn:    3600,
		})
	})
	mux.HandleFunc("GET "+DEVICES_URL, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(deviceListJSON))
	})

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func newTestIdentity(t *testing.T, server *authServer, opts ...IdentityOption) *Identity {
	t.Helper()
	opts = append(opts, WithIdentityBaseURL(server.URL))
	identity, err := NewIdentity(&http.Client{}, &CredentialsStruct{
		Email:    "user@example.com",
		Password: "good-password",
	}, opts...)
	require.NoError(t, err)
	return identity
}

func TestLoginReturnsTokenWithSafetyMargin(t *testing.T) {
	server := newAuthServer(t)
	identity := newTestIdentity(t, server)

	token, err := identity.Login()
	require.NoError(t, err)

	assert.True(t, token.Valid())
	assert.Equal(t, "refresh-1", token.RefreshToken)

	// effective expiry must sit at least the safety margin before the
	// true expiry one hour out
	assert.True(t, token.Expiry.Before(time.Now().Add(time.Hour-TOKEN_EXPIRY_MARGIN/2)))
	assert.True(t, token.Expiry.After(time.Now().Add(time.Hour-2*TOKEN_EXPIRY_MARGIN)))
}

func TestLoginBadCredentials(t *testing.T) {
	server := newAuthServer(t)

	identity, err := NewIdentity(&http.Client{}, &CredentialsStruct{
		Email:    "user@example.com",
		Password: "wrong",
	}, WithIdentityBaseURL(server.URL))
	require.NoError(t, err)

	_, err = identity.Login()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthFailed)
	assert.Zero(t, server.logins.Load(), "bad credentials must not be retried")
}

func TestTokenSourceRefreshesExpiredToken(t *testing.T) {
	server := newAuthServer(t)
	identity := newTestIdentity(t, server)

	stale := &oauth2.Token{
		AccessToken:  "stale",
		RefreshToken: "refresh-0",
		Expiry:       time.Now().Add(-time.Minute),
	}

	ts, err := identity.TokenSource(stale)
	require.NoError(t, err)

	token, err := ts.Token()
	require.NoError(t, err)
	assert.NotEqual(t, "stale", token.AccessToken)
	assert.True(t, token.Valid())
	assert.EqualValues(t, 1, server.refreshes.Load())
}

func TestConcurrentEnsureValidRefreshesOnce(t *testing.T) {
	server := newAuthServer(t)
	identity := newTestIdentity(t, server)

	ts := refreshTokenSource(&oauth2.Token{
		AccessToken:  "stale",
		RefreshToken: "refresh-0",
		Expiry:       time.Now().Add(-time.Minute),
	}, identity, nil)

	var wg sync.WaitGroup
	tokens := make([]*oauth2.Token, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token, err := ts.Token()
			assert.NoError(t, err)
			tokens[i] = token
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, server.refreshes.Load(), "exactly one refresh for concurrent callers")
	for _, token := range tokens {
		assert.Equal(t, tokens[0].AccessToken, token.AccessToken)
		assert.True(t, token.Valid())
	}
}

func TestRefreshFallsBackToLogin(t *testing.T) {
	server := newAuthServer(t)
	server.refreshFails = true
	identity := newTestIdentity(t, server)

	token, err := identity.RefreshToken(&oauth2.Token{RefreshToken: "rejected"})
	require.NoError(t, err)

	assert.True(t, token.Valid())
	assert.EqualValues(t, 1, server.logins.Load())
}

func TestTokenSourcePersistsRefreshedToken(t *testing.T) {
	server := newAuthServer(t)

	var mu sync.Mutex
	var saved []*oauth2.Token
	persist := func(token *oauth2.Token) {
		mu.Lock()
		saved = append(saved, token)
		mu.Unlock()
	}

	identity := newTestIdentity(t, server)
	ts := refreshTokenSource(&oauth2.Token{
		AccessToken:  "stale",
		RefreshToken: "refresh-0",
		Expiry:       time.Now().Add(-time.Minute),
	}, identity, persist)

	token, err := ts.Token()
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, saved, 1)
	assert.Equal(t, token.AccessToken, saved[0].AccessToken)
}

// The identity and the connection are normally wired onto the same
// http.Client, which NewConnection wraps with an oauth2 transport. A refresh
// triggered by that transport must not run back through it, or the token
// source would re-enter its own lock and never return.
func TestRefreshDoesNotReenterSharedClient(t *testing.T) {
	server := newAuthServer(t)

	client := &http.Client{}
	identity, err := NewIdentity(client, &CredentialsStruct{
		Email:    "user@example.com",
		Password: "good-password",
	}, WithIdentityBaseURL(server.URL))
	require.NoError(t, err)

	ts := refreshTokenSource(&oauth2.Token{
		AccessToken:  "stale",
		RefreshToken: "refresh-0",
		Expiry:       time.Now().Add(-time.Minute),
	}, identity, nil)

	conn, err := NewConnection(client, ts, WithBaseURL(server.URL))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := conn.GetDevices()
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("GetDevices did not return; the refresh re-entered the shared client")
	}
	assert.EqualValues(t, 1, server.refreshes.Load())
}

func TestTokenExpiryFallsBackToExpiresIn(t *testing.T) {
	expiry := tokenExpiry("not-a-jwt", 3600)
	assert.WithinDuration(t, time.Now().Add(time.Hour-TOKEN_EXPIRY_MARGIN), expiry, 5*time.Second)

	var zero time.Time
	assert.Equal(t, zero, tokenExpiry("not-a-jwt", 0))
}

func TestMissingCredentials(t *testing.T) {
	_, err := NewIdentity(&http.Client{}, nil)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrAuthFailed))
}
