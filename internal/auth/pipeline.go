// Package auth implements the per-request authorization pipeline for
// agent-facing routes: API key → agent → project → daily quota.
package auth

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/toolbridge/toolbridge/internal/crypto"
	"github.com/toolbridge/toolbridge/internal/errs"
	"github.com/toolbridge/toolbridge/internal/store"
	"github.com/toolbridge/toolbridge/pkg/models"
)

// RequestContext carries the authenticated identity of one agent request.
type RequestContext struct {
	APIKeyID uuid.UUID
	Agent    *models.Agent
	Project  *models.Project
}

// Pipeline authenticates API keys and enforces the project daily quota.
type Pipeline struct {
	store      store.Store
	crypto     *crypto.Service
	dailyQuota int
}

func NewPipeline(st store.Store, cs *crypto.Service, dailyQuota int) *Pipeline {
	return &Pipeline{store: st, crypto: cs, dailyQuota: dailyQuota}
}

// Authenticate resolves the plaintext API key to its agent and project and
// consumes one unit of the project's daily quota. The quota commit happens
// here, before any downstream work.
func (p *Pipeline) Authenticate(ctx context.Context, apiKey string) (*RequestContext, error) {
	if apiKey == "" {
		return nil, errs.InvalidAPIKey("missing API key")
	}
	key, err := p.store.GetAPIKeyByHMAC(ctx, p.crypto.HMAC(apiKey))
	if err != nil {
		if store.IsNotFound(err) {
			return nil, errs.InvalidAPIKey("api key not found")
		}
		return nil, err
	}
	if key.Status != models.APIKeyStatusActive {
		return nil, errs.InvalidAPIKey("api key is %s", key.Status)
	}

	agent, err := p.store.GetAgentByAPIKeyID(ctx, key.ID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, errs.AgentNotFound("agent not found for api key")
		}
		return nil, err
	}

	project, err := p.store.IncreaseProjectQuotaUsage(ctx, agent.ProjectID, p.dailyQuota)
	if err != nil {
		if errors.Is(err, store.ErrQuotaExceeded) {
			log.Warn().Str("project_id", agent.ProjectID.String()).Msg("daily quota exceeded")
			return nil, errs.DailyQuotaExceeded("daily quota of %d reached for project", p.dailyQuota)
		}
		if store.IsNotFound(err) {
			return nil, errs.ProjectNotFound("project not found for api key")
		}
		return nil, err
	}

	return &RequestContext{APIKeyID: key.ID, Agent: agent, Project: project}, nil
}

type contextKey struct{}

// WithRequestContext attaches the authenticated identity to a context.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rc)
}

// FromContext returns the authenticated identity, or nil outside the
// authenticated route tree.
func FromContext(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rc
}
