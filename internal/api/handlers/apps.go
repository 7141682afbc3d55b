package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/toolbridge/toolbridge/internal/auth"
	"github.com/toolbridge/toolbridge/internal/discovery"
	"github.com/toolbridge/toolbridge/internal/errs"
	"github.com/toolbridge/toolbridge/internal/store"
	"github.com/toolbridge/toolbridge/pkg/models"
)

// SearchApps ranks the app catalog against an optional intent for the
// authenticated agent.
func (h *Handlers) SearchApps(w http.ResponseWriter, r *http.Request) {
	rc := auth.FromContext(r.Context())
	limit, offset := pagination(r)

	apps, err := h.Discovery.SearchApps(r.Context(), rc.Project, rc.Agent, discovery.AppSearch{
		Intent:          r.URL.Query().Get("intent"),
		AppNames:        listParam(r, "app_names"),
		Categories:      listParam(r, "categories"),
		AllowedAppsOnly: boolParam(r, "allowed_apps_only"),
		Limit:           limit,
		Offset:          offset,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, apps)
}

// GetApp returns one app's public details plus the security schemes it
// supports. Credentials and scheme secrets never serialize.
func (h *Handlers) GetApp(w http.ResponseWriter, r *http.Request) {
	rc := auth.FromContext(r.Context())
	name := chi.URLParam(r, "appName")

	publicOnly := rc.Project.VisibilityAccess == models.VisibilityPublic
	app, err := h.Store.GetApp(r.Context(), name, publicOnly, true)
	if err != nil {
		if store.IsNotFound(err) {
			writeError(w, errs.AppNotFound("app=%s not found", name))
			return
		}
		writeError(w, err)
		return
	}

	fns, err := h.Store.SearchFunctions(r.Context(), store.FunctionFilter{
		PublicOnly: publicOnly,
		ActiveOnly: true,
		AppNames:   []string{app.Name},
	}, nil, maxPageLimit, 0)
	if err != nil {
		writeError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"app":                        app,
		"supported_security_schemes": app.SecuritySchemes.Types(),
		"functions":                  fns,
	})
}
