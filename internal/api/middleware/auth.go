package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/toolbridge/toolbridge/internal/auth"
	"github.com/toolbridge/toolbridge/internal/errs"
)

// APIKeyHeader carries the agent's plaintext API key.
const APIKeyHeader = "X-API-KEY"

// AgentAuth authenticates agent-facing routes through the authorization
// pipeline and attaches the resolved identity to the request context. The
// quota unit for the request is consumed here.
func AgentAuth(pipeline *auth.Pipeline) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc, err := pipeline.Authenticate(r.Context(), r.Header.Get(APIKeyHeader))
			if err != nil {
				writeAuthError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithRequestContext(r.Context(), rc)))
		})
	}
}

func writeAuthError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errs.HTTPStatus(err))
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
