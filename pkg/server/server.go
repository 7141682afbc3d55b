// Package server provides the public entry point for initializing the
// ToolBridge control plane server.
//
// This package exists in pkg/ (not internal/) so that deployment wrappers
// can import it and compose the full server with their own middleware.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/rs/zerolog/log"

	"github.com/toolbridge/toolbridge/internal/api"
	"github.com/toolbridge/toolbridge/internal/api/handlers"
	"github.com/toolbridge/toolbridge/internal/api/middleware"
	"github.com/toolbridge/toolbridge/internal/auth"
	"github.com/toolbridge/toolbridge/internal/catalog"
	"github.com/toolbridge/toolbridge/internal/config"
	"github.com/toolbridge/toolbridge/internal/connectors"
	"github.com/toolbridge/toolbridge/internal/credentials"
	"github.com/toolbridge/toolbridge/internal/crypto"
	"github.com/toolbridge/toolbridge/internal/discovery"
	"github.com/toolbridge/toolbridge/internal/embeddings"
	"github.com/toolbridge/toolbridge/internal/executor"
	"github.com/toolbridge/toolbridge/internal/oauthflow"
	"github.com/toolbridge/toolbridge/internal/policy"
	"github.com/toolbridge/toolbridge/internal/security"
	"github.com/toolbridge/toolbridge/internal/store"
	"github.com/toolbridge/toolbridge/internal/telemetry"
)

// Server holds the initialized ToolBridge control plane.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store.
	Store store.Store

	// Config is the loaded configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes all control plane components and returns a ready Server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the control plane with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	cryptoService, err := newCryptoService(ctx, cfg.Crypto)
	if err != nil {
		return nil, err
	}
	// A misconfigured keyring must not serve traffic.
	if err := cryptoService.SelfTest(ctx); err != nil {
		return nil, fmt.Errorf("crypto self-test: %w", err)
	}

	dataStore, err := newStore(ctx, cfg, cryptoService)
	if err != nil {
		return nil, err
	}

	oauth := oauthflow.NewManager(cfg.OAuth2.StateSigningKey)
	resolver := credentials.NewResolver(oauth)

	registry := connectors.NewRegistry()
	connectors.NewSecretsManager(dataStore, cryptoService).RegisterOn(registry)

	var judge executor.Judge
	if cfg.Inference.OpenAIAPIKey != "" {
		judge = policy.NewJudge(cfg.Inference.OpenAIAPIKey, cfg.Inference.OpenAIBaseURL, cfg.Inference.JudgeModel)
		log.Info().Str("model", cfg.Inference.JudgeModel).Msg("policy judge enabled")
	} else {
		log.Warn().Msg("no inference API key, custom instructions will not be enforced")
	}

	exec := executor.NewService(dataStore, resolver, executor.NewRESTExecutor(), registry, judge)

	embedder := embeddings.NewClient(cfg.Inference.OpenAIAPIKey, cfg.Inference.OpenAIBaseURL,
		cfg.Inference.EmbeddingModel, cfg.Inference.EmbeddingDimensions)
	disc := discovery.NewService(dataStore, embedder)

	if cfg.Catalog.Dir != "" {
		if err := catalog.NewLoader(dataStore, embedder).Load(ctx, cfg.Catalog.Dir); err != nil {
			return nil, fmt.Errorf("load catalog: %w", err)
		}
	}

	pipeline := auth.NewPipeline(dataStore, cryptoService, cfg.Quota.ProjectDailyMax)
	limiter := middleware.NewRateLimiter(cfg.RateLimit.PerSecond, cfg.RateLimit.PerDay)

	h := handlers.New(dataStore, exec, disc, oauth, cryptoService, cfg.OAuth2.RedirectBaseURL)
	h.MaxProjectsPerOrg = cfg.Quota.MaxProjectsPerOrg
	h.MaxAgentsPerProject = cfg.Quota.MaxAgentsPerProject
	router := api.NewRouter(cfg, h, pipeline, limiter)

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

// newCryptoService picks the envelope cipher: AWS KMS when a key id is
// configured, the local passphrase cipher otherwise.
func newCryptoService(ctx context.Context, cfg config.CryptoConfig) (*crypto.Service, error) {
	if cfg.APIKeyHMACKey == "" {
		return nil, fmt.Errorf("CRYPTO_API_KEY_HMAC_KEY is required")
	}

	var cipher crypto.Cipher
	if cfg.KMSKeyID != "" {
		kms, err := crypto.NewKMSCipher(ctx, cfg.KMSKeyID, awsconfig.WithRegion(cfg.KMSRegion))
		if err != nil {
			return nil, fmt.Errorf("init kms cipher: %w", err)
		}
		cipher = kms
		log.Info().Str("key_id", cfg.KMSKeyID).Msg("KMS envelope encryption enabled")
	} else {
		if cfg.LocalPassphrase == "" {
			return nil, fmt.Errorf("either CRYPTO_KMS_KEY_ID or CRYPTO_LOCAL_PASSPHRASE is required")
		}
		local, err := crypto.NewLocalCipher(cfg.LocalPassphrase)
		if err != nil {
			return nil, fmt.Errorf("init local cipher: %w", err)
		}
		cipher = local
		log.Warn().Msg("local passphrase encryption enabled, use KMS in production")
	}
	return crypto.NewService(cipher, cfg.APIKeyHMACKey), nil
}

// newStore connects PostgreSQL when a database URL is configured; the
// in-memory store backs local development.
func newStore(ctx context.Context, cfg *config.Config, cs *crypto.Service) (store.Store, error) {
	if cfg.Database.URL == "" || cfg.Database.URL == "memory" {
		log.Warn().Msg("in-memory store enabled, data will not survive restarts")
		return store.NewMemoryStore(), nil
	}
	codec := security.NewCodec(cs)
	pg, err := store.NewPostgresStore(ctx, cfg.Database.URL, codec, cfg.Inference.EmbeddingDimensions)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	log.Info().Msg("postgres store initialized")
	return pg, nil
}
