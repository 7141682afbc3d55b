package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/toolbridge/toolbridge/internal/auth"
	"github.com/toolbridge/toolbridge/internal/errs"
	"github.com/toolbridge/toolbridge/internal/store"
	"github.com/toolbridge/toolbridge/pkg/models"
)

type createAppConfigurationRequest struct {
	AppName                 string                         `json:"app_name"`
	SecurityScheme          models.SecuritySchemeType      `json:"security_scheme"`
	SecuritySchemeOverrides models.SecuritySchemeOverrides `json:"security_scheme_overrides"`
	AllFunctionsEnabled     bool                           `json:"all_functions_enabled"`
	EnabledFunctions        []string                       `json:"enabled_functions"`
}

// CreateAppConfiguration integrates an app into the project under one of
// the app's supported security schemes.
func (h *Handlers) CreateAppConfiguration(w http.ResponseWriter, r *http.Request) {
	rc := auth.FromContext(r.Context())

	var req createAppConfigurationRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AllFunctionsEnabled && len(req.EnabledFunctions) > 0 {
		respondError(w, http.StatusBadRequest, "all_functions_enabled and enabled_functions cannot both be set")
		return
	}

	publicOnly := rc.Project.VisibilityAccess == models.VisibilityPublic
	app, err := h.Store.GetApp(r.Context(), req.AppName, publicOnly, true)
	if err != nil {
		if store.IsNotFound(err) {
			writeError(w, errs.AppNotFound("app=%s not found", req.AppName))
			return
		}
		writeError(w, err)
		return
	}
	if !app.SecuritySchemes.Supports(req.SecurityScheme) {
		writeError(w, errs.AppSecuritySchemeNotSupported("app=%s does not support security scheme=%s", app.Name, req.SecurityScheme))
		return
	}

	cfg := &models.AppConfiguration{
		ID:                      uuid.New(),
		ProjectID:               rc.Project.ID,
		AppID:                   app.ID,
		AppName:                 app.Name,
		SecurityScheme:          req.SecurityScheme,
		SecuritySchemeOverrides: req.SecuritySchemeOverrides,
		Enabled:                 true,
		AllFunctionsEnabled:     req.AllFunctionsEnabled || len(req.EnabledFunctions) == 0,
		EnabledFunctions:        req.EnabledFunctions,
	}
	if err := h.Store.CreateAppConfiguration(r.Context(), cfg); err != nil {
		if store.IsAlreadyExists(err) {
			writeError(w, errs.AppConfigurationAlreadyExists("configuration for app=%s already exists", app.Name))
			return
		}
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

// ListAppConfigurations pages through the project's app configurations.
func (h *Handlers) ListAppConfigurations(w http.ResponseWriter, r *http.Request) {
	rc := auth.FromContext(r.Context())
	limit, offset := pagination(r)

	cfgs, err := h.Store.ListAppConfigurations(r.Context(), rc.Project.ID, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	if cfgs == nil {
		cfgs = []models.AppConfiguration{}
	}
	respondJSON(w, http.StatusOK, cfgs)
}

// GetAppConfiguration returns the project's configuration for one app.
func (h *Handlers) GetAppConfiguration(w http.ResponseWriter, r *http.Request) {
	rc := auth.FromContext(r.Context())
	appName := chi.URLParam(r, "appName")

	cfg, err := h.Store.GetAppConfiguration(r.Context(), rc.Project.ID, appName)
	if err != nil {
		if store.IsNotFound(err) {
			writeError(w, errs.AppConfigurationNotFound("configuration for app=%s not found", appName))
			return
		}
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

type updateAppConfigurationRequest struct {
	Enabled             *bool     `json:"enabled"`
	AllFunctionsEnabled *bool     `json:"all_functions_enabled"`
	EnabledFunctions    *[]string `json:"enabled_functions"`
}

// UpdateAppConfiguration patches the enablement fields of a configuration.
func (h *Handlers) UpdateAppConfiguration(w http.ResponseWriter, r *http.Request) {
	rc := auth.FromContext(r.Context())
	appName := chi.URLParam(r, "appName")

	var req updateAppConfigurationRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cfg, err := h.Store.GetAppConfiguration(r.Context(), rc.Project.ID, appName)
	if err != nil {
		if store.IsNotFound(err) {
			writeError(w, errs.AppConfigurationNotFound("configuration for app=%s not found", appName))
			return
		}
		writeError(w, err)
		return
	}

	if req.Enabled != nil {
		cfg.Enabled = *req.Enabled
	}
	if req.AllFunctionsEnabled != nil {
		cfg.AllFunctionsEnabled = *req.AllFunctionsEnabled
	}
	if req.EnabledFunctions != nil {
		cfg.EnabledFunctions = *req.EnabledFunctions
	}
	if cfg.AllFunctionsEnabled && len(cfg.EnabledFunctions) > 0 {
		respondError(w, http.StatusBadRequest, "all_functions_enabled and enabled_functions cannot both be set")
		return
	}

	if err := h.Store.UpdateAppConfiguration(r.Context(), cfg); err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

// DeleteAppConfiguration removes the configuration and cascades to the
// project's linked accounts and agent allow-lists for the app.
func (h *Handlers) DeleteAppConfiguration(w http.ResponseWriter, r *http.Request) {
	rc := auth.FromContext(r.Context())
	appName := chi.URLParam(r, "appName")

	if err := h.Store.DeleteAppConfiguration(r.Context(), rc.Project.ID, appName); err != nil {
		if store.IsNotFound(err) {
			writeError(w, errs.AppConfigurationNotFound("configuration for app=%s not found", appName))
			return
		}
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted", "app_name": appName})
}
