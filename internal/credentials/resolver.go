// Package credentials resolves the usable scheme and credentials for one
// (app, app configuration, linked account) triple, refreshing expired
// OAuth2 access tokens in place.
package credentials

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolbridge/toolbridge/internal/errs"
	"github.com/toolbridge/toolbridge/internal/oauthflow"
	"github.com/toolbridge/toolbridge/pkg/models"
)

// Resolution is what the execution engine consumes: the effective scheme
// config for the linked account's scheme type and the credentials to
// inject. IsUpdated means the caller must persist Credentials back to the
// linked-account row (or, when IsAppDefault, the app's default map).
type Resolution struct {
	SchemeType   models.SecuritySchemeType
	APIKeyScheme *models.APIKeyScheme
	OAuth2Scheme *models.OAuth2Scheme
	Credentials  models.SecurityCredentials
	IsAppDefault bool
	IsUpdated    bool
}

// Resolver picks credentials per scheme type. The oauth manager is only
// touched for expired OAuth2 tokens.
type Resolver struct {
	oauth *oauthflow.Manager
	now   func() time.Time
}

func NewResolver(oauth *oauthflow.Manager) *Resolver {
	return &Resolver{oauth: oauth, now: time.Now}
}

// EffectiveOAuth2Scheme returns the app's OAuth2 scheme with the
// configuration's overrides applied.
func EffectiveOAuth2Scheme(app *models.App, config *models.AppConfiguration) (models.OAuth2Scheme, error) {
	if app.SecuritySchemes.OAuth2 == nil {
		return models.OAuth2Scheme{}, errs.AppSecuritySchemeNotSupported("app %s does not offer oauth2", app.Name)
	}
	return app.SecuritySchemes.OAuth2.Apply(config.SecuritySchemeOverrides.OAuth2), nil
}

// Resolve returns the usable scheme and credentials for the linked
// account.
func (r *Resolver) Resolve(ctx context.Context, app *models.App, config *models.AppConfiguration, la *models.LinkedAccount) (*Resolution, error) {
	switch la.SecurityScheme {
	case models.SchemeAPIKey:
		return r.resolveAPIKey(app, la)
	case models.SchemeOAuth2:
		return r.resolveOAuth2(ctx, app, config, la)
	case models.SchemeNoAuth:
		return &Resolution{
			SchemeType:  models.SchemeNoAuth,
			Credentials: models.NoAuthCredentials{},
		}, nil
	}
	return nil, errs.NoImplementationFound("unsupported security scheme %s for app %s", la.SecurityScheme, app.Name)
}

// resolveAPIKey prefers the linked account's own key and falls back to
// the app's provider-supplied default. Both missing (or stored as empty
// objects) is one error condition, not two.
func (r *Resolver) resolveAPIKey(app *models.App, la *models.LinkedAccount) (*Resolution, error) {
	if app.SecuritySchemes.APIKey == nil {
		return nil, errs.AppSecuritySchemeNotSupported("app %s does not offer api_key", app.Name)
	}
	creds, _ := la.SecurityCredentials.(*models.APIKeyCredentials)
	isAppDefault := false
	if creds == nil || creds.SecretKey == "" {
		creds, _ = app.DefaultSecurityCredentials.Get(models.SchemeAPIKey).(*models.APIKeyCredentials)
		isAppDefault = true
	}
	if creds == nil || creds.SecretKey == "" {
		log.Error().
			Str("app", app.Name).
			Str("linked_account_owner_id", la.LinkedAccountOwnerID).
			Msg("no api key credentials usable")
		return nil, errs.NoImplementationFound(
			"no api key credentials usable for app=%s, linked_account_owner_id=%s",
			app.Name, la.LinkedAccountOwnerID)
	}
	scheme := *app.SecuritySchemes.APIKey
	return &Resolution{
		SchemeType:   models.SchemeAPIKey,
		APIKeyScheme: &scheme,
		Credentials:  creds,
		IsAppDefault: isAppDefault,
	}, nil
}

// resolveOAuth2 never falls back to app defaults; an expired access token
// is refreshed in place and flagged for persistence.
func (r *Resolver) resolveOAuth2(ctx context.Context, app *models.App, config *models.AppConfiguration, la *models.LinkedAccount) (*Resolution, error) {
	scheme, err := EffectiveOAuth2Scheme(app, config)
	if err != nil {
		return nil, err
	}
	creds, ok := la.SecurityCredentials.(*models.OAuth2Credentials)
	if !ok || creds == nil {
		return nil, errs.OAuth2Error("linked account %s has no oauth2 credentials", la.LinkedAccountOwnerID)
	}

	isUpdated := false
	if creds.Expired(r.now()) {
		log.Warn().
			Str("app", app.Name).
			Str("linked_account_owner_id", la.LinkedAccountOwnerID).
			Msg("access token expired, refreshing")
		creds, err = r.oauth.Refresh(ctx, scheme, creds)
		if err != nil {
			return nil, err
		}
		isUpdated = true
	}

	return &Resolution{
		SchemeType:   models.SchemeOAuth2,
		OAuth2Scheme: &scheme,
		Credentials:  creds,
		IsUpdated:    isUpdated,
	}, nil
}
