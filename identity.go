package iqua

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// TOKEN_EXPIRY_MARGIN is subtracted from the token's true expiry so a
// refresh is triggered before the server stops accepting the token.
const TOKEN_EXPIRY_MARGIN = 60 * time.Second

// Identity owns the credentials and performs login and token refresh
// against the auth endpoints. Tokens themselves are handed out through the
// TokenSource it creates.
type Identity struct {
	client   *Helper // separate client for login and token refresh
	baseURL  string
	email    string
	password string
	store    TokenStore
	logger   Logger
}

type IdentityOption func(*Identity)

// WithTokenStore persists tokens after every login and refresh and makes
// them available for the next run.
func WithTokenStore(store TokenStore) IdentityOption {
	return func(v *Identity) {
		v.store = store
	}
}

func WithIdentityLogger(logger Logger) IdentityOption {
	return func(v *Identity) {
		v.logger = logger
	}
}

func WithIdentityBaseURL(uri string) IdentityOption {
	return func(v *Identity) {
		v.baseURL = uri
	}
}

func NewIdentity(client *http.Client, credentials *CredentialsStruct, opts ...IdentityOption) (*Identity, error) {
	if credentials == nil || credentials.Email == "" {
		return nil, fmt.Errorf("missing credentials")
	}

	// Token traffic gets its own plain client. The api client passed here
	// later gets an oauth2 transport installed by NewConnection; a refresh
	// running through it would re-enter the token source while it holds
	// its lock.
	trclient := &http.Client{Timeout: client.Timeout}

	v := &Identity{
		client:   NewHelper(trclient),
		baseURL:  API_URL_BASE,
		email:    credentials.Email,
		password: credentials.Password,
	}
	for _, opt := range opts {
		opt(v)
	}

	return v, nil
}

func (v *Identity) debug(fmt string, arg ...any) {
	if v.logger != nil {
		v.logger.Printf(fmt, arg...)
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	UserID       string `json:"user_id"`
	ExpiresIn    int64  `json:"expires_in"`
	Message      string `json:"message"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Login authenticates with email and password. Rejected credentials surface
// as ErrAuthFailed and are never retried here.
func (v *Identity) Login() (*oauth2.Token, error) {
	var res tokenResponse
	if err := v.postJSON(v.baseURL+LOGIN_URL, loginRequest{Email: v.email, Password: v.password}, &res); err != nil {
		if isUnauthorized(err) {
			return nil, fmt.Errorf("%w for %s", ErrAuthFailed, v.email)
		}
		return nil, fmt.Errorf("could not login: %w", err)
	}

	token := v.tokenFromResponse(res)
	v.persistToken(token)
	return token, nil
}

// RefreshToken exchanges the refresh token for a new access token. When the
// server no longer accepts the refresh token, a full login is performed
// instead.
func (v *Identity) RefreshToken(token *oauth2.Token) (*oauth2.Token, error) {
	if token == nil || token.RefreshToken == "" {
		v.debug("no refresh token available. Calling login")
		return v.Login()
	}

	var res tokenResponse
	if err := v.postJSON(v.baseURL+REFRESH_URL, refreshRequest{RefreshToken: token.RefreshToken}, &res); err != nil {
		if statusOf(err) == http.StatusUnauthorized || statusOf(err) == http.StatusBadRequest {
			v.debug("refresh token rejected. Calling login")
			return v.Login()
		}
		return nil, fmt.Errorf("could not refresh token: %w", err)
	}

	v.debug("token refresh successful")
	return v.tokenFromResponse(res), nil
}

// TokenSource wraps a token (e.g. restored from a TokenStore) into a
// self-refreshing oauth2.TokenSource. A nil or unusable token results in a
// fresh login.
func (v *Identity) TokenSource(token *oauth2.Token) (oauth2.TokenSource, error) {
	if token == nil || token.AccessToken == "" {
		t, err := v.Login()
		if err != nil {
			return nil, err
		}
		token = t
	}

	ts := refreshTokenSource(token, v, v.persistToken)

	// validate now so a stale stored token is replaced immediately
	if _, err := ts.Token(); err != nil {
		return nil, err
	}
	return ts, nil
}

func (v *Identity) postJSON(uri string, payload any, res any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, _ := http.NewRequest("POST", uri, bytes.NewReader(b))
	for k, val := range JSONEncoding {
		req.Header.Set(k, val)
	}

	return v.client.DoJSON(req, res)
}

func (v *Identity) tokenFromResponse(res tokenResponse) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       tokenExpiry(res.AccessToken, res.ExpiresIn),
	}
}

func (v *Identity) persistToken(token *oauth2.Token) {
	if v.store == nil {
		return
	}
	if err := v.store.Save(token); err != nil {
		v.debug("could not persist token: %v", err)
	}
}

// tokenExpiry derives the effective expiry from the access token's exp
// claim, falling back to expires_in. The safety margin is baked in so
// oauth2.Token.Valid flips early enough for a proactive refresh.
func tokenExpiry(raw string, expiresIn int64) time.Time {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time.Add(-TOKEN_EXPIRY_MARGIN)
	}
	if expiresIn > 0 {
		return time.Now().Add(time.Duration(expiresIn)*time.Second - TOKEN_EXPIRY_MARGIN)
	}
	return time.Time{}
}
