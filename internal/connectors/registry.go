// Package connectors hosts in-process function implementations for apps
// that are not plain REST upstreams. Every connector function is declared
// in a startup-time registry keyed by function name; there is no runtime
// code loading.
package connectors

import (
	"context"

	"github.com/toolbridge/toolbridge/pkg/models"
)

// Request is the invocation context a connector handler receives.
type Request struct {
	LinkedAccount *models.LinkedAccount
	SchemeType    models.SecuritySchemeType
	Credentials   models.SecurityCredentials
	Input         map[string]any
}

// HandlerFunc implements one connector function. A returned error becomes
// a {success:false} envelope, not a transport error.
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

// Registry maps APP__METHOD function names to handlers. Registration
// happens once at startup; lookups are read-only after that.
type Registry struct {
	handlers map[string]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register binds a function name to its handler. Later registrations for
// the same name win, which tests use to install fakes.
func (r *Registry) Register(functionName string, fn HandlerFunc) {
	r.handlers[functionName] = fn
}

// Lookup returns the handler for a function name.
func (r *Registry) Lookup(functionName string) (HandlerFunc, bool) {
	fn, ok := r.handlers[functionName]
	return fn, ok
}
