// Package oauthflow drives the OAuth2 authorization-code flow for linked
// accounts: authorize URLs with PKCE and signed state, code exchange on
// callback, and transparent token refresh.
package oauthflow

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/toolbridge/toolbridge/internal/errs"
	"github.com/toolbridge/toolbridge/pkg/models"
)

// quirk captures per-provider deviations from plain OAuth2 as data. The
// flow itself stays generic.
type quirk struct {
	// extra query parameters on the authorize URL
	extraAuthParams map[string]string
	// rename the scope query parameter (Slack wants user_scope= plus an
	// empty scope=)
	scopeParamName string
	// the usable grant is nested under this key of the token response
	nestedGrantKey string
}

var appQuirks = map[string]quirk{
	"REDDIT": {extraAuthParams: map[string]string{"duration": "permanent"}},
	"SLACK":  {scopeParamName: "user_scope", nestedGrantKey: "authed_user"},
}

// Manager holds the process-wide signing key and HTTP client for token
// endpoints.
type Manager struct {
	signingKey []byte
	client     *http.Client
}

func NewManager(signingKey string) *Manager {
	return &Manager{
		signingKey: []byte(signingKey),
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

func oauthConfig(scheme models.OAuth2Scheme, tokenURL, redirectURI string) *oauth2.Config {
	style := oauth2.AuthStyleAutoDetect
	switch scheme.TokenEndpointAuthMethod {
	case "client_secret_post":
		style = oauth2.AuthStyleInParams
	case "client_secret_basic":
		style = oauth2.AuthStyleInHeader
	}
	return &oauth2.Config{
		ClientID:     scheme.ClientID,
		ClientSecret: scheme.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       strings.Fields(scheme.Scope),
		Endpoint: oauth2.Endpoint{
			AuthURL:   scheme.AuthorizeURL,
			TokenURL:  tokenURL,
			AuthStyle: style,
		},
	}
}

// AuthorizeURL builds the provider authorization URL for a new link flow
// and returns it with the signed state round-tripped through the provider.
func (m *Manager) AuthorizeURL(appName string, scheme models.OAuth2Scheme, st State) (string, error) {
	verifier, err := newCodeVerifier()
	if err != nil {
		return "", err
	}
	st.CodeVerifier = verifier
	st.ClientID = scheme.ClientID

	state, err := m.signState(st)
	if err != nil {
		return "", err
	}

	q := appQuirks[appName]
	opts := []oauth2.AuthCodeOption{
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.S256ChallengeOption(verifier),
	}
	for k, v := range q.extraAuthParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}

	conf := oauthConfig(scheme, scheme.AccessTokenURL, st.RedirectURI)
	authURL := conf.AuthCodeURL(state, opts...)

	if q.scopeParamName != "" {
		authURL, err = renameScopeParam(authURL, q.scopeParamName)
		if err != nil {
			return "", err
		}
	}
	return authURL, nil
}

// renameScopeParam moves the scope= query parameter under a provider
// specific name and leaves an empty scope= behind.
func renameScopeParam(rawURL, name string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", errs.OAuth2Error("rewrite authorize url: %v", err)
	}
	q := u.Query()
	q.Set(name, q.Get("scope"))
	q.Set("scope", "")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Exchange trades the authorization code for tokens using the PKCE
// verifier carried in the state, and normalizes the response into an
// OAuth2 credential record.
func (m *Manager) Exchange(ctx context.Context, appName string, scheme models.OAuth2Scheme, st State, code string) (*models.OAuth2Credentials, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.client)
	conf := oauthConfig(scheme, scheme.AccessTokenURL, st.RedirectURI)
	tok, err := conf.Exchange(ctx, code, oauth2.VerifierOption(st.CodeVerifier))
	if err != nil {
		return nil, errs.OAuth2Error("token exchange failed: %v", err)
	}
	return credentialsFromToken(appName, scheme, tok), nil
}

// Refresh fetches a new access token. It deliberately uses the credential
// record's own client_id/client_secret/scope, not the current app
// configuration, so accounts linked under a previous client keep working.
// The returned record has the rotated refresh token when the provider
// issued one.
func (m *Manager) Refresh(ctx context.Context, scheme models.OAuth2Scheme, creds *models.OAuth2Credentials) (*models.OAuth2Credentials, error) {
	if creds.RefreshToken == "" {
		return nil, errs.OAuth2Error("no refresh token available")
	}
	tokenURL := scheme.RefreshTokenURL
	if tokenURL == "" {
		tokenURL = scheme.AccessTokenURL
	}
	refreshScheme := scheme
	refreshScheme.ClientID = creds.ClientID
	refreshScheme.ClientSecret = creds.ClientSecret
	refreshScheme.Scope = creds.Scope

	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.client)
	conf := oauthConfig(refreshScheme, tokenURL, "")
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken}).Token()
	if err != nil {
		return nil, errs.OAuth2Error("token refresh failed: %v", err)
	}

	updated := *creds
	updated.AccessToken = tok.AccessToken
	if tok.TokenType != "" {
		updated.TokenType = tok.TokenType
	}
	if !tok.Expiry.IsZero() {
		updated.ExpiresAt = tok.Expiry.Unix()
	}
	if tok.RefreshToken != "" {
		updated.RefreshToken = tok.RefreshToken
	}
	return &updated, nil
}

// credentialsFromToken normalizes a provider token response. Providers
// with a nested grant (Slack's authed_user) have the usable token read
// from the nested object.
func credentialsFromToken(appName string, scheme models.OAuth2Scheme, tok *oauth2.Token) *models.OAuth2Credentials {
	creds := &models.OAuth2Credentials{
		ClientID:     scheme.ClientID,
		ClientSecret: scheme.ClientSecret,
		Scope:        scheme.Scope,
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		creds.ExpiresAt = tok.Expiry.Unix()
	}
	raw := map[string]any{"access_token": tok.AccessToken}
	if tok.TokenType != "" {
		raw["token_type"] = tok.TokenType
	}
	if tok.RefreshToken != "" {
		raw["refresh_token"] = tok.RefreshToken
	}

	if key := appQuirks[appName].nestedGrantKey; key != "" {
		if nested, ok := tok.Extra(key).(map[string]any); ok {
			raw[key] = nested
			if v, ok := nested["access_token"].(string); ok && v != "" {
				creds.AccessToken = v
			}
			if v, ok := nested["refresh_token"].(string); ok && v != "" {
				creds.RefreshToken = v
			}
			if v, ok := nested["token_type"].(string); ok && v != "" {
				creds.TokenType = v
			}
			if v, ok := nested["scope"].(string); ok && v != "" {
				creds.Scope = v
			}
			if v, ok := nested["expires_in"].(float64); ok && v > 0 {
				creds.ExpiresAt = time.Now().Add(time.Duration(v) * time.Second).Unix()
			}
		}
	}
	creds.RawTokenResponse = raw
	return creds
}

// NewState seeds a State for a fresh link flow; the manager fills in the
// PKCE verifier and client id during AuthorizeURL.
func NewState(projectID uuid.UUID, appName, ownerID, redirectURI, afterLinkRedirectURL string) State {
	return State{
		ProjectID:            projectID,
		AppName:              appName,
		LinkedAccountOwnerID: ownerID,
		RedirectURI:          redirectURI,
		AfterLinkRedirectURL: afterLinkRedirectURL,
	}
}
