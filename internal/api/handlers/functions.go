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

// definitionFormat reads the format query param, defaulting to openai.
func definitionFormat(r *http.Request) models.FunctionFormat {
	if v := r.URL.Query().Get("format"); v != "" {
		return models.FunctionFormat(v)
	}
	return models.FormatOpenAI
}

// SearchFunctions ranks the function catalog against an optional intent and
// returns definitions in the requested format.
func (h *Handlers) SearchFunctions(w http.ResponseWriter, r *http.Request) {
	rc := auth.FromContext(r.Context())
	limit, offset := pagination(r)

	fns, err := h.Discovery.SearchFunctions(r.Context(), rc.Project, rc.Agent, discovery.FunctionSearch{
		Intent:          r.URL.Query().Get("intent"),
		AppNames:        listParam(r, "app_names"),
		AllowedAppsOnly: boolParam(r, "allowed_apps_only"),
		Limit:           limit,
		Offset:          offset,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	format := definitionFormat(r)
	defs := make([]map[string]any, 0, len(fns))
	for i := range fns {
		def, err := discovery.FormatFunction(&fns[i], format)
		if err != nil {
			writeError(w, err)
			return
		}
		defs = append(defs, def)
	}
	respondJSON(w, http.StatusOK, defs)
}

// GetFunctionDefinition renders one function definition in the requested
// format.
func (h *Handlers) GetFunctionDefinition(w http.ResponseWriter, r *http.Request) {
	rc := auth.FromContext(r.Context())
	name := chi.URLParam(r, "functionName")

	publicOnly := rc.Project.VisibilityAccess == models.VisibilityPublic
	fn, err := h.Store.GetFunction(r.Context(), name, publicOnly, true)
	if err != nil {
		if store.IsNotFound(err) {
			writeError(w, errs.FunctionNotFound("function=%s not found", name))
			return
		}
		writeError(w, err)
		return
	}

	def, err := discovery.FormatFunction(fn, definitionFormat(r))
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, def)
}

type executeFunctionRequest struct {
	FunctionInput        map[string]any `json:"function_input"`
	LinkedAccountOwnerID string         `json:"linked_account_owner_id"`
}

// ExecuteFunction runs the full execution pipeline for one function call.
// Downstream failures come back 200 with success=false; pipeline failures
// map to their typed status.
func (h *Handlers) ExecuteFunction(w http.ResponseWriter, r *http.Request) {
	rc := auth.FromContext(r.Context())
	name := chi.URLParam(r, "functionName")

	var req executeFunctionRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.LinkedAccountOwnerID == "" {
		respondError(w, http.StatusBadRequest, "linked_account_owner_id is required")
		return
	}

	result, err := h.Executor.Execute(r.Context(), rc, name, req.LinkedAccountOwnerID, req.FunctionInput)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}
