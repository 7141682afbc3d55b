// Package discovery ranks apps and functions against a search intent and
// renders function definitions in client-specific formats.
package discovery

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/toolbridge/toolbridge/internal/errs"
	"github.com/toolbridge/toolbridge/internal/store"
	"github.com/toolbridge/toolbridge/pkg/models"
)

// Embedder turns a search intent into the vector the catalog is indexed
// under.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Service runs catalog searches for the agent-facing routes.
type Service struct {
	store    store.Store
	embedder Embedder
}

func NewService(st store.Store, embedder Embedder) *Service {
	return &Service{store: st, embedder: embedder}
}

// AppSearch are the caller-controlled knobs of an app search.
type AppSearch struct {
	Intent          string
	AppNames        []string
	Categories      []string
	AllowedAppsOnly bool
	Limit           int
	Offset          int
}

// FunctionSearch are the caller-controlled knobs of a function search.
type FunctionSearch struct {
	Intent          string
	AppNames        []string
	AllowedAppsOnly bool
	Limit           int
	Offset          int
}

// SearchApps returns apps ordered by ascending cosine distance to the
// intent when one is given. Visibility and active filters always apply;
// AllowedAppsOnly additionally intersects the name filter with the
// agent's allow-list.
func (s *Service) SearchApps(ctx context.Context, project *models.Project, agent *models.Agent, params AppSearch) ([]models.App, error) {
	names := params.AppNames
	if params.AllowedAppsOnly {
		var ok bool
		names, ok = intersectAllowed(names, agent.AllowedApps)
		if !ok {
			return []models.App{}, nil
		}
	}
	filter := store.AppFilter{
		PublicOnly: project.VisibilityAccess == models.VisibilityPublic,
		ActiveOnly: true,
		Names:      names,
		Categories: params.Categories,
	}

	embedding, err := s.intentEmbedding(ctx, params.Intent)
	if err != nil {
		return nil, err
	}
	results, err := s.store.SearchApps(ctx, filter, embedding, params.Limit, params.Offset)
	if err != nil {
		return nil, err
	}
	apps := make([]models.App, 0, len(results))
	for _, r := range results {
		apps = append(apps, r.App)
	}
	return apps, nil
}

// SearchFunctions mirrors SearchApps for the function catalog.
func (s *Service) SearchFunctions(ctx context.Context, project *models.Project, agent *models.Agent, params FunctionSearch) ([]models.Function, error) {
	names := params.AppNames
	if params.AllowedAppsOnly {
		var ok bool
		names, ok = intersectAllowed(names, agent.AllowedApps)
		if !ok {
			return []models.Function{}, nil
		}
	}
	filter := store.FunctionFilter{
		PublicOnly: project.VisibilityAccess == models.VisibilityPublic,
		ActiveOnly: true,
		AppNames:   names,
	}

	embedding, err := s.intentEmbedding(ctx, params.Intent)
	if err != nil {
		return nil, err
	}
	return s.store.SearchFunctions(ctx, filter, embedding, params.Limit, params.Offset)
}

func (s *Service) intentEmbedding(ctx context.Context, intent string) ([]float64, error) {
	if intent == "" {
		return nil, nil
	}
	embedding, err := s.embedder.Embed(ctx, intent)
	if err != nil {
		log.Error().Err(err).Msg("failed to embed search intent")
		return nil, errs.UnexpectedError("failed to embed search intent")
	}
	return embedding, nil
}

// intersectAllowed restricts requested names to the allow-list; with no
// requested names the allow-list itself is the filter. The second return
// is false when nothing can match.
func intersectAllowed(requested, allowed []string) ([]string, bool) {
	if len(allowed) == 0 {
		return nil, false
	}
	if len(requested) == 0 {
		return append([]string(nil), allowed...), true
	}
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, name := range allowed {
		allowedSet[name] = struct{}{}
	}
	out := make([]string, 0, len(requested))
	for _, name := range requested {
		if _, ok := allowedSet[name]; ok {
			out = append(out, name)
		}
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}
