package executor

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolbridge/toolbridge/internal/auth"
	"github.com/toolbridge/toolbridge/internal/connectors"
	"github.com/toolbridge/toolbridge/internal/credentials"
	"github.com/toolbridge/toolbridge/internal/errs"
	"github.com/toolbridge/toolbridge/internal/processor"
	"github.com/toolbridge/toolbridge/internal/store"
	"github.com/toolbridge/toolbridge/pkg/models"
)

// Judge vets a function call against the agent's custom instruction for
// that function. A returned error blocks the execution.
type Judge interface {
	Enforce(ctx context.Context, fn *models.Function, input map[string]any, instruction string) error
}

// Service runs the full execution pipeline for one function call:
// lookups and policy checks, credential resolution, input preprocessing,
// dispatch, and bookkeeping.
type Service struct {
	store      store.Store
	resolver   *credentials.Resolver
	rest       *RESTExecutor
	connectors *connectors.Registry
	judge      Judge
}

func NewService(st store.Store, res *credentials.Resolver, rest *RESTExecutor, reg *connectors.Registry, judge Judge) *Service {
	return &Service{store: st, resolver: res, rest: rest, connectors: reg, judge: judge}
}

// Execute runs functionName for the authenticated agent on behalf of
// ownerID's linked account. Pipeline failures return an error; downstream
// failures return a {success:false} result with a nil error.
func (s *Service) Execute(ctx context.Context, rc *auth.RequestContext, functionName, ownerID string, input map[string]any) (*models.FunctionExecutionResult, error) {
	publicOnly := rc.Project.VisibilityAccess == models.VisibilityPublic

	fn, err := s.store.GetFunction(ctx, functionName, publicOnly, true)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, errs.FunctionNotFound("function=%s not found", functionName)
		}
		return nil, err
	}

	config, err := s.store.GetAppConfiguration(ctx, rc.Project.ID, fn.AppName)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, errs.AppConfigurationNotFound("configuration for app=%s not found, please configure the app first", fn.AppName)
		}
		return nil, err
	}
	if !config.Enabled {
		return nil, errs.AppConfigurationDisabled("configuration for app=%s is disabled, please enable the app first", fn.AppName)
	}

	if !containsString(rc.Agent.AllowedApps, fn.AppName) {
		return nil, errs.AppNotAllowedForThisAgent("app=%s is not allowed to be used by agent=%s", fn.AppName, rc.Agent.Name)
	}

	la, err := s.store.GetLinkedAccount(ctx, rc.Project.ID, fn.AppName, ownerID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, errs.LinkedAccountNotFound("linked account with linked_account_owner_id=%s not found for app=%s", ownerID, fn.AppName)
		}
		return nil, err
	}
	if !la.Enabled {
		return nil, errs.LinkedAccountDisabled("linked account with linked_account_owner_id=%s is disabled for app=%s", ownerID, fn.AppName)
	}

	app, err := s.store.GetApp(ctx, fn.AppName, publicOnly, true)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, errs.AppNotFound("app=%s not found", fn.AppName)
		}
		return nil, err
	}

	resolution, err := s.resolver.Resolve(ctx, app, config, la)
	if err != nil {
		return nil, err
	}
	if resolution.IsUpdated {
		if resolution.IsAppDefault {
			err = s.store.UpdateAppDefaultCredentials(ctx, app.Name, resolution.Credentials)
		} else {
			err = s.store.UpdateLinkedAccountCredentials(ctx, la.ID, resolution.Credentials)
		}
		if err != nil {
			return nil, err
		}
	}

	if s.judge != nil {
		if instruction := rc.Agent.CustomInstructions[fn.Name]; instruction != "" {
			if err := s.judge.Enforce(ctx, fn, input, instruction); err != nil {
				return nil, err
			}
		}
	}

	processed, err := processor.Preprocess(fn.Parameters, input)
	if err != nil {
		return nil, err
	}

	var result *models.FunctionExecutionResult
	switch fn.Protocol {
	case models.ProtocolREST:
		result = s.rest.Execute(ctx, fn, resolution, processed)
	case models.ProtocolConnector:
		result, err = s.executeConnector(ctx, fn, la, resolution, processed)
		if err != nil {
			return nil, err
		}
	default:
		return nil, errs.NoImplementationFound("unsupported protocol %s for function=%s", fn.Protocol, fn.Name)
	}

	if err := s.store.UpdateLinkedAccountLastUsedAt(ctx, la.ID, time.Now()); err != nil {
		log.Error().Err(err).Str("linked_account_id", la.ID.String()).Msg("failed to update last_used_at")
	}

	if !result.Success {
		log.Error().Str("function", fn.Name).Str("error", result.Error).Msg("function execution result error")
	}
	return result, nil
}

// executeConnector dispatches to a registered handler. A missing handler
// is a pipeline error; a handler error is a downstream failure.
func (s *Service) executeConnector(ctx context.Context, fn *models.Function, la *models.LinkedAccount, resolution *credentials.Resolution, input map[string]any) (*models.FunctionExecutionResult, error) {
	handler, ok := s.connectors.Lookup(fn.Name)
	if !ok {
		return nil, errs.NoImplementationFound("no connector implementation found for function=%s", fn.Name)
	}
	data, err := handler(ctx, &connectors.Request{
		LinkedAccount: la,
		SchemeType:    resolution.SchemeType,
		Credentials:   resolution.Credentials,
		Input:         input,
	})
	if err != nil {
		return &models.FunctionExecutionResult{Success: false, Error: err.Error()}, nil
	}
	return &models.FunctionExecutionResult{Success: true, Data: data}, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
