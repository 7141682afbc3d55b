// Package handlers implements the HTTP handlers for the ToolBridge control
// plane: app and function discovery, function execution, app configuration
// and linked-account management, and the project/agent management surface.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/toolbridge/toolbridge/internal/crypto"
	"github.com/toolbridge/toolbridge/internal/discovery"
	"github.com/toolbridge/toolbridge/internal/errs"
	"github.com/toolbridge/toolbridge/internal/executor"
	"github.com/toolbridge/toolbridge/internal/oauthflow"
	"github.com/toolbridge/toolbridge/internal/store"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store     store.Store
	Executor  *executor.Service
	Discovery *discovery.Service
	OAuth     *oauthflow.Manager
	Crypto    *crypto.Service

	// RedirectBaseURL is the public base URL OAuth2 callbacks land on.
	RedirectBaseURL string

	// Org and project size caps for the management surface.
	MaxProjectsPerOrg   int
	MaxAgentsPerProject int
}

// New creates a new Handlers instance with all dependencies.
func New(st store.Store, exec *executor.Service, disc *discovery.Service, oauth *oauthflow.Manager, cs *crypto.Service, redirectBaseURL string) *Handlers {
	return &Handlers{
		Store:               st,
		Executor:            exec,
		Discovery:           disc,
		OAuth:               oauth,
		Crypto:              cs,
		RedirectBaseURL:     redirectBaseURL,
		MaxProjectsPerOrg:   10,
		MaxAgentsPerProject: 100,
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes an untyped 4xx/5xx with a plain message.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// writeError serializes a typed error; anything else maps to 500.
func writeError(w http.ResponseWriter, err error) {
	if _, ok := errs.As(err); ok {
		respondError(w, errs.HTTPStatus(err), err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, errs.UnexpectedError("%v", err).Error())
}

// decodeBody parses a JSON request body into dst.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

const (
	defaultPageLimit = 100
	maxPageLimit     = 1000
)

// pagination reads limit and offset query params with clamped defaults.
func pagination(r *http.Request) (limit, offset int) {
	limit = defaultPageLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

// listParam reads a repeated or comma-separated query parameter.
func listParam(r *http.Request, name string) []string {
	var out []string
	for _, raw := range r.URL.Query()[name] {
		for _, v := range strings.Split(raw, ",") {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}

func boolParam(r *http.Request, name string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return v
}
