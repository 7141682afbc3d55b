package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/toolbridge/toolbridge/internal/auth"
	"github.com/toolbridge/toolbridge/internal/credentials"
	"github.com/toolbridge/toolbridge/internal/errs"
	"github.com/toolbridge/toolbridge/internal/oauthflow"
	"github.com/toolbridge/toolbridge/internal/store"
	"github.com/toolbridge/toolbridge/pkg/models"
)

// oauth2CallbackPath is where providers redirect back to; the full redirect
// URI is RedirectBaseURL + oauth2CallbackPath.
const oauth2CallbackPath = "/v1/linked-accounts/oauth2/callback"

// oauth2Context loads the app configuration and effective OAuth2 scheme for
// one project/app pair.
func (h *Handlers) oauth2Context(r *http.Request, projectID uuid.UUID, appName string) (*models.AppConfiguration, models.OAuth2Scheme, error) {
	cfg, err := h.Store.GetAppConfiguration(r.Context(), projectID, appName)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, models.OAuth2Scheme{}, errs.AppConfigurationNotFound("configuration for app=%s not found", appName)
		}
		return nil, models.OAuth2Scheme{}, err
	}
	if cfg.SecurityScheme != models.SchemeOAuth2 {
		return nil, models.OAuth2Scheme{}, errs.AppSecuritySchemeNotSupported("configuration for app=%s uses security scheme=%s, not oauth2", appName, cfg.SecurityScheme)
	}
	app, err := h.Store.GetApp(r.Context(), appName, false, true)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, models.OAuth2Scheme{}, errs.AppNotFound("app=%s not found", appName)
		}
		return nil, models.OAuth2Scheme{}, err
	}
	scheme, err := credentials.EffectiveOAuth2Scheme(app, cfg)
	if err != nil {
		return nil, models.OAuth2Scheme{}, err
	}
	return cfg, scheme, nil
}

// StartOAuth2Flow returns the provider authorization URL for linking one
// end user to an app.
func (h *Handlers) StartOAuth2Flow(w http.ResponseWriter, r *http.Request) {
	rc := auth.FromContext(r.Context())
	appName := r.URL.Query().Get("app_name")
	ownerID := r.URL.Query().Get("linked_account_owner_id")
	afterURL := r.URL.Query().Get("after_oauth2_link_redirect_url")
	if appName == "" || ownerID == "" {
		respondError(w, http.StatusBadRequest, "app_name and linked_account_owner_id are required")
		return
	}

	cfg, scheme, err := h.oauth2Context(r, rc.Project.ID, appName)
	if err != nil {
		writeError(w, err)
		return
	}

	st := oauthflow.NewState(cfg.ProjectID, appName, ownerID, h.RedirectBaseURL+oauth2CallbackPath, afterURL)
	url, err := h.OAuth.AuthorizeURL(appName, scheme, st)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"url": url})
}

// FinishOAuth2Flow is the provider callback: it validates the signed state,
// exchanges the code, and upserts the linked account. Re-linking an
// existing account replaces its credentials.
func (h *Handlers) FinishOAuth2Flow(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		writeError(w, errs.OAuth2Error("provider returned error=%s", e))
		return
	}
	st, err := h.OAuth.ParseState(q.Get("state"))
	if err != nil {
		writeError(w, err)
		return
	}
	code := q.Get("code")
	if code == "" {
		writeError(w, errs.OAuth2Error("missing authorization code"))
		return
	}

	_, scheme, err := h.oauth2Context(r, st.ProjectID, st.AppName)
	if err != nil {
		writeError(w, err)
		return
	}
	// The client the flow started under must still be the configured one;
	// an override swapped mid-flow would exchange the code against the
	// wrong client.
	if st.ClientID != scheme.ClientID {
		writeError(w, errs.OAuth2Error("oauth2 client changed while the flow was in progress for app=%s", st.AppName))
		return
	}

	creds, err := h.OAuth.Exchange(r.Context(), st.AppName, scheme, st, code)
	if err != nil {
		writeError(w, err)
		return
	}

	la, err := h.Store.GetLinkedAccount(r.Context(), st.ProjectID, st.AppName, st.LinkedAccountOwnerID)
	switch {
	case err == nil:
		if la.SecurityScheme != models.SchemeOAuth2 {
			writeError(w, errs.LinkedAccountAlreadyExists("linked account with linked_account_owner_id=%s already exists for app=%s under scheme=%s", st.LinkedAccountOwnerID, st.AppName, la.SecurityScheme))
			return
		}
		if err := h.Store.UpdateLinkedAccountCredentials(r.Context(), la.ID, creds); err != nil {
			writeError(w, err)
			return
		}
		log.Info().Str("app", st.AppName).Str("owner", st.LinkedAccountOwnerID).Msg("relinked oauth2 account")
	case store.IsNotFound(err):
		app, aerr := h.Store.GetApp(r.Context(), st.AppName, false, true)
		if aerr != nil {
			writeError(w, aerr)
			return
		}
		la = &models.LinkedAccount{
			ID:                   uuid.New(),
			ProjectID:            st.ProjectID,
			AppID:                app.ID,
			AppName:              st.AppName,
			LinkedAccountOwnerID: st.LinkedAccountOwnerID,
			SecurityScheme:       models.SchemeOAuth2,
			SecurityCredentials:  creds,
			Enabled:              true,
		}
		if err := h.Store.CreateLinkedAccount(r.Context(), la); err != nil {
			writeError(w, err)
			return
		}
	default:
		writeError(w, err)
		return
	}

	if st.AfterLinkRedirectURL != "" {
		http.Redirect(w, r, st.AfterLinkRedirectURL, http.StatusFound)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"linked_account_id": la.ID.String()})
}

type createLinkedAccountRequest struct {
	AppName              string `json:"app_name"`
	LinkedAccountOwnerID string `json:"linked_account_owner_id"`
	APIKey               string `json:"api_key,omitempty"`
}

// createLinkedAccount validates the configuration scheme and inserts the
// account, mapping duplicates to the typed conflict.
func (h *Handlers) createLinkedAccount(w http.ResponseWriter, r *http.Request, req createLinkedAccountRequest, scheme models.SecuritySchemeType, creds models.SecurityCredentials) {
	rc := auth.FromContext(r.Context())
	if req.AppName == "" || req.LinkedAccountOwnerID == "" {
		respondError(w, http.StatusBadRequest, "app_name and linked_account_owner_id are required")
		return
	}

	cfg, err := h.Store.GetAppConfiguration(r.Context(), rc.Project.ID, req.AppName)
	if err != nil {
		if store.IsNotFound(err) {
			writeError(w, errs.AppConfigurationNotFound("configuration for app=%s not found", req.AppName))
			return
		}
		writeError(w, err)
		return
	}
	if cfg.SecurityScheme != scheme {
		writeError(w, errs.AppSecuritySchemeNotSupported("configuration for app=%s uses security scheme=%s, not %s", req.AppName, cfg.SecurityScheme, scheme))
		return
	}

	la := &models.LinkedAccount{
		ID:                   uuid.New(),
		ProjectID:            rc.Project.ID,
		AppID:                cfg.AppID,
		AppName:              cfg.AppName,
		LinkedAccountOwnerID: req.LinkedAccountOwnerID,
		SecurityScheme:       scheme,
		SecurityCredentials:  creds,
		Enabled:              true,
	}
	if err := h.Store.CreateLinkedAccount(r.Context(), la); err != nil {
		if store.IsAlreadyExists(err) {
			writeError(w, errs.LinkedAccountAlreadyExists("linked account with linked_account_owner_id=%s already exists for app=%s", req.LinkedAccountOwnerID, req.AppName))
			return
		}
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, la)
}

// CreateAPIKeyLinkedAccount links an end user with a static API key. An
// empty api_key falls back to the app's default credentials at execution
// time.
func (h *Handlers) CreateAPIKeyLinkedAccount(w http.ResponseWriter, r *http.Request) {
	var req createLinkedAccountRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	var creds models.SecurityCredentials
	if req.APIKey != "" {
		creds = &models.APIKeyCredentials{SecretKey: req.APIKey}
	}
	h.createLinkedAccount(w, r, req, models.SchemeAPIKey, creds)
}

// CreateDefaultCredsLinkedAccount links an end user without own
// credentials; execution falls back to the app's provider-supplied
// defaults under the configuration's scheme.
func (h *Handlers) CreateDefaultCredsLinkedAccount(w http.ResponseWriter, r *http.Request) {
	rc := auth.FromContext(r.Context())
	var req createLinkedAccountRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cfg, err := h.Store.GetAppConfiguration(r.Context(), rc.Project.ID, req.AppName)
	if err != nil {
		if store.IsNotFound(err) {
			writeError(w, errs.AppConfigurationNotFound("configuration for app=%s not found", req.AppName))
			return
		}
		writeError(w, err)
		return
	}
	app, err := h.Store.GetApp(r.Context(), req.AppName, false, true)
	if err != nil {
		writeError(w, err)
		return
	}
	if app.DefaultSecurityCredentials.Get(cfg.SecurityScheme) == nil {
		writeError(w, errs.NoImplementationFound("app=%s has no default credentials for scheme=%s", req.AppName, cfg.SecurityScheme))
		return
	}
	var creds models.SecurityCredentials
	if cfg.SecurityScheme == models.SchemeNoAuth {
		creds = models.NoAuthCredentials{}
	}
	h.createLinkedAccount(w, r, req, cfg.SecurityScheme, creds)
}

// CreateNoAuthLinkedAccount links an end user to an app that needs no
// credentials.
func (h *Handlers) CreateNoAuthLinkedAccount(w http.ResponseWriter, r *http.Request) {
	var req createLinkedAccountRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	h.createLinkedAccount(w, r, req, models.SchemeNoAuth, models.NoAuthCredentials{})
}

// ListLinkedAccounts filters the project's linked accounts by app and owner.
func (h *Handlers) ListLinkedAccounts(w http.ResponseWriter, r *http.Request) {
	rc := auth.FromContext(r.Context())
	las, err := h.Store.ListLinkedAccounts(r.Context(), rc.Project.ID,
		r.URL.Query().Get("app_name"), r.URL.Query().Get("linked_account_owner_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if las == nil {
		las = []models.LinkedAccount{}
	}
	respondJSON(w, http.StatusOK, las)
}

// linkedAccountByID loads a linked account and verifies project ownership.
func (h *Handlers) linkedAccountByID(r *http.Request) (*models.LinkedAccount, error) {
	rc := auth.FromContext(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "linkedAccountID"))
	if err != nil {
		return nil, errs.LinkedAccountNotFound("invalid linked account id")
	}
	la, err := h.Store.GetLinkedAccountByID(r.Context(), id)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, errs.LinkedAccountNotFound("linked account with id=%s not found", id)
		}
		return nil, err
	}
	if la.ProjectID != rc.Project.ID {
		return nil, errs.LinkedAccountNotFound("linked account with id=%s not found", id)
	}
	return la, nil
}

func (h *Handlers) GetLinkedAccount(w http.ResponseWriter, r *http.Request) {
	la, err := h.linkedAccountByID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, la)
}

type updateLinkedAccountRequest struct {
	Enabled *bool `json:"enabled"`
}

func (h *Handlers) UpdateLinkedAccount(w http.ResponseWriter, r *http.Request) {
	la, err := h.linkedAccountByID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req updateLinkedAccountRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Enabled != nil {
		if err := h.Store.UpdateLinkedAccountEnabled(r.Context(), la.ID, *req.Enabled); err != nil {
			writeError(w, err)
			return
		}
		la.Enabled = *req.Enabled
	}
	respondJSON(w, http.StatusOK, la)
}

func (h *Handlers) DeleteLinkedAccount(w http.ResponseWriter, r *http.Request) {
	la, err := h.linkedAccountByID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.Store.DeleteLinkedAccount(r.Context(), la.ID); err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted", "linked_account_id": la.ID.String()})
}
