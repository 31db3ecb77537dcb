package api

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// OAuth callback error codes.
const (
	OAuthErrMissingCode         = "missing_code"
	OAuthErrMissingState        = "missing_state"
	OAuthErrInvalidState        = "invalid_state"
	OAuthErrProviderError       = "provider_error"
	OAuthErrTokenExchangeFailed = "token_exchange_failed"
	OAuthErrNoRefreshToken      = "no_refresh_token"
)

// Credential keys written after a successful exchange.
const (
	CredGoogleRefreshToken = "google_oauth_refresh_token"
	CredGoogleAccessToken  = "google_oauth_access_token"
)

const (
	stateTTL      = 10 * time.Minute
	maxOpenStates = 128
)

// CredentialSink persists the exchanged tokens. The credential store
// satisfies it through a thin adapter in the daemon.
type CredentialSink interface {
	StoreCredential(ctx context.Context, key, value string) error
}

// OAuthFlow implements the Google OAuth bootstrap: one-time TTL state
// tokens, offline-access authorization URLs, and sanitised provider errors.
type OAuthFlow struct {
	cfg          *oauth2.Config
	creds        CredentialSink
	dashboardURL string

	states *expirable.LRU[string, struct{}]
}

// NewOAuthFlow builds the flow. dashboardURL may be empty; callers then get
// JSON responses instead of dashboard redirects.
func NewOAuthFlow(clientID, clientSecret, redirectURL string, scopes []string, creds CredentialSink, dashboardURL string) *OAuthFlow {
	return &OAuthFlow{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       scopes,
			Endpoint:     google.Endpoint,
		},
		creds:        creds,
		dashboardURL: dashboardURL,
		states:       expirable.NewLRU[string, struct{}](maxOpenStates, nil, stateTTL),
	}
}

// Start issues a one-time state token and either redirects to the provider
// or returns the authorization URL as JSON (?redirect=false).
func (f *OAuthFlow) Start(c *gin.Context) {
	state, err := newStateToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "state generation failed"})
		return
	}
	f.states.Add(state, struct{}{})

	authURL := f.cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"))

	if c.DefaultQuery("redirect", "true") == "false" {
		c.JSON(http.StatusOK, gin.H{"authorization_url": authURL, "state": state})
		return
	}
	c.Redirect(http.StatusFound, authURL)
}

// Callback validates the one-time state, exchanges the code, and persists
// the refresh token. Provider errors are sanitised; the raw provider code
// never reaches the user, and the state stays unconsumed so the user can
// retry the same authorization link.
func (f *OAuthFlow) Callback(c *gin.Context) {
	if providerErr := c.Query("error"); providerErr != "" {
		slog.Warn("OAuth provider returned an error", "provider_error", providerErr)
		f.fail(c, OAuthErrProviderError,
			"The provider denied the authorization request. Please try again.")
		return
	}

	code := c.Query("code")
	state := c.Query("state")
	switch {
	case code == "":
		f.fail(c, OAuthErrMissingCode, "The authorization response is missing its code.")
		return
	case state == "":
		f.fail(c, OAuthErrMissingState, "The authorization response is missing its state token.")
		return
	}

	if !f.consumeState(state) {
		f.fail(c, OAuthErrInvalidState, "The state token is invalid or has expired. Start the flow again.")
		return
	}

	token, err := f.cfg.Exchange(c.Request.Context(), code)
	if err != nil {
		slog.Error("OAuth token exchange failed", "error", err)
		f.fail(c, OAuthErrTokenExchangeFailed, "Exchanging the authorization code failed.")
		return
	}
	if token.RefreshToken == "" {
		f.fail(c, OAuthErrNoRefreshToken,
			"The provider did not return a refresh token. Revoke access and retry with consent.")
		return
	}

	if err := f.creds.StoreCredential(c.Request.Context(), CredGoogleRefreshToken, token.RefreshToken); err != nil {
		slog.Error("Storing refresh token failed", "error", err)
		f.fail(c, OAuthErrTokenExchangeFailed, "Storing the credentials failed.")
		return
	}
	if token.AccessToken != "" {
		if err := f.creds.StoreCredential(c.Request.Context(), CredGoogleAccessToken, token.AccessToken); err != nil {
			slog.Warn("Storing access token failed", "error", err)
		}
	}

	slog.Info("OAuth bootstrap complete")
	if f.dashboardURL != "" {
		c.Redirect(http.StatusFound, f.dashboardURL+"?oauth=success")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// consumeState reports whether the token is live and removes it so a second
// callback with the same token never validates.
func (f *OAuthFlow) consumeState(state string) bool {
	if _, ok := f.states.Get(state); !ok {
		return false
	}
	f.states.Remove(state)
	return true
}

func (f *OAuthFlow) fail(c *gin.Context, errorCode, message string) {
	if f.dashboardURL != "" {
		c.Redirect(http.StatusFound,
			f.dashboardURL+"?oauth=error&error_code="+url.QueryEscape(errorCode))
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error_code": errorCode, "message": message})
}

func newStateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
