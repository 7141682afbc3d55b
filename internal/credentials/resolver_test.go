package credentials

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/toolbridge/toolbridge/internal/errs"
	"github.com/toolbridge/toolbridge/internal/oauthflow"
	"github.com/toolbridge/toolbridge/pkg/models"
)

func apiKeyApp(defaultKey string) *models.App {
	app := &models.App{
		Name: "ACI_TEST",
		SecuritySchemes: models.SecuritySchemes{
			APIKey: &models.APIKeyScheme{Location: models.LocationHeader, Name: "X-Test-API-Key"},
		},
	}
	if defaultKey != "" {
		app.DefaultSecurityCredentials.APIKey = &models.APIKeyCredentials{SecretKey: defaultKey}
	}
	return app
}

func oauth2App(tokenURL string) *models.App {
	return &models.App{
		Name: "GOOGLE",
		SecuritySchemes: models.SecuritySchemes{
			OAuth2: &models.OAuth2Scheme{
				Location:                models.LocationHeader,
				Name:                    "Authorization",
				Prefix:                  "Bearer ",
				ClientID:                "client-1",
				ClientSecret:            "secret-1",
				Scope:                   "email",
				AuthorizeURL:            "https://provider.test/authorize",
				AccessTokenURL:          tokenURL,
				RefreshTokenURL:         tokenURL,
				TokenEndpointAuthMethod: "client_secret_post",
			},
		},
	}
}

func TestResolveAPIKeyPrefersLinkedAccount(t *testing.T) {
	r := NewResolver(oauthflow.NewManager("k"))
	app := apiKeyApp("default-shared-api-key")
	la := &models.LinkedAccount{
		LinkedAccountOwnerID: "owner-1",
		SecurityScheme:       models.SchemeAPIKey,
		SecurityCredentials:  &models.APIKeyCredentials{SecretKey: "own-key"},
	}

	res, err := r.Resolve(context.Background(), app, &models.AppConfiguration{}, la)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	creds := res.Credentials.(*models.APIKeyCredentials)
	if creds.SecretKey != "own-key" || res.IsAppDefault || res.IsUpdated {
		t.Fatalf("unexpected resolution: %+v", res)
	}
	if res.APIKeyScheme.Name != "X-Test-API-Key" {
		t.Fatalf("scheme not carried: %+v", res.APIKeyScheme)
	}
}

func TestResolveAPIKeyFallsBackToAppDefault(t *testing.T) {
	r := NewResolver(oauthflow.NewManager("k"))
	app := apiKeyApp("default-shared-api-key")
	la := &models.LinkedAccount{
		LinkedAccountOwnerID: "owner-1",
		SecurityScheme:       models.SchemeAPIKey,
	}

	res, err := r.Resolve(context.Background(), app, &models.AppConfiguration{}, la)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	creds := res.Credentials.(*models.APIKeyCredentials)
	if creds.SecretKey != "default-shared-api-key" || !res.IsAppDefault {
		t.Fatalf("unexpected resolution: %+v", res)
	}
}

func TestResolveAPIKeyNothingUsable(t *testing.T) {
	r := NewResolver(oauthflow.NewManager("k"))
	for _, la := range []*models.LinkedAccount{
		{SecurityScheme: models.SchemeAPIKey},
		{SecurityScheme: models.SchemeAPIKey, SecurityCredentials: &models.APIKeyCredentials{}},
	} {
		_, err := r.Resolve(context.Background(), apiKeyApp(""), &models.AppConfiguration{}, la)
		e, ok := errs.As(err)
		if !ok || e.Title != "No implementation found" {
			t.Fatalf("want single no-credentials error kind, got %v", err)
		}
	}
}

func TestResolveOAuth2FreshTokenPassesThrough(t *testing.T) {
	r := NewResolver(oauthflow.NewManager("k"))
	app := oauth2App("https://provider.test/token")
	la := &models.LinkedAccount{
		SecurityScheme: models.SchemeOAuth2,
		SecurityCredentials: &models.OAuth2Credentials{
			ClientID:     "client-1",
			ClientSecret: "secret-1",
			AccessToken:  "at-1",
			RefreshToken: "rt-1",
			ExpiresAt:    time.Now().Add(time.Hour).Unix(),
		},
	}

	res, err := r.Resolve(context.Background(), app, &models.AppConfiguration{}, la)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	creds := res.Credentials.(*models.OAuth2Credentials)
	if creds.AccessToken != "at-1" || res.IsUpdated || res.IsAppDefault {
		t.Fatalf("unexpected resolution: %+v", res)
	}
	if res.OAuth2Scheme.Prefix != "Bearer " {
		t.Fatalf("scheme not carried: %+v", res.OAuth2Scheme)
	}
}

func TestResolveOAuth2RefreshesExpiredToken(t *testing.T) {
	refreshCalls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refreshCalls++
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "new",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	r := NewResolver(oauthflow.NewManager("k"))
	app := oauth2App(srv.URL)
	la := &models.LinkedAccount{
		SecurityScheme: models.SchemeOAuth2,
		SecurityCredentials: &models.OAuth2Credentials{
			ClientID:     "client-1",
			ClientSecret: "secret-1",
			AccessToken:  "old",
			RefreshToken: "rt-1",
			ExpiresAt:    1000,
		},
	}

	res, err := r.Resolve(context.Background(), app, &models.AppConfiguration{}, la)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	creds := res.Credentials.(*models.OAuth2Credentials)
	if creds.AccessToken != "new" || !res.IsUpdated {
		t.Fatalf("refresh not applied: %+v", res)
	}
	if refreshCalls != 1 {
		t.Fatalf("refresh calls = %d, want 1", refreshCalls)
	}

	// persist like a caller would; the next resolution must not refresh
	la.SecurityCredentials = creds
	res, err = r.Resolve(context.Background(), app, &models.AppConfiguration{}, la)
	if err != nil {
		t.Fatalf("Resolve after persist: %v", err)
	}
	if res.IsUpdated || refreshCalls != 1 {
		t.Fatalf("refreshed again: calls=%d updated=%v", refreshCalls, res.IsUpdated)
	}
}

func TestResolveOAuth2AppliesOverrides(t *testing.T) {
	r := NewResolver(oauthflow.NewManager("k"))
	app := oauth2App("https://provider.test/token")
	config := &models.AppConfiguration{
		SecurityScheme: models.SchemeOAuth2,
		SecuritySchemeOverrides: models.SecuritySchemeOverrides{
			OAuth2: &models.OAuth2SchemeOverride{ClientID: "custom-client", ClientSecret: "custom-secret"},
		},
	}
	la := &models.LinkedAccount{
		SecurityScheme:      models.SchemeOAuth2,
		SecurityCredentials: &models.OAuth2Credentials{AccessToken: "at-1"},
	}

	res, err := r.Resolve(context.Background(), app, config, la)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.OAuth2Scheme.ClientID != "custom-client" || res.OAuth2Scheme.ClientSecret != "custom-secret" {
		t.Fatalf("overrides not applied: %+v", res.OAuth2Scheme)
	}
	if res.OAuth2Scheme.Scope != "email" {
		t.Fatalf("non-overridden field lost: %+v", res.OAuth2Scheme)
	}
}

func TestResolveNoAuth(t *testing.T) {
	r := NewResolver(oauthflow.NewManager("k"))
	app := &models.App{Name: "ASM", SecuritySchemes: models.SecuritySchemes{NoAuth: &models.NoAuthScheme{}}}
	la := &models.LinkedAccount{SecurityScheme: models.SchemeNoAuth}

	res, err := r.Resolve(context.Background(), app, &models.AppConfiguration{}, la)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, ok := res.Credentials.(models.NoAuthCredentials); !ok {
		t.Fatalf("want NoAuthCredentials, got %T", res.Credentials)
	}
}
