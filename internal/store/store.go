// Package store provides the storage interface and implementations for the
// ToolBridge control plane. The in-memory store backs tests and local
// development; the PostgreSQL store is the production path and adds
// pgvector-backed similarity search.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/toolbridge/toolbridge/pkg/models"
)

// QuotaResetInterval is how long a project's daily quota window lasts.
const QuotaResetInterval = 24 * time.Hour

// Store is the primary storage interface. All handler and pipeline code
// depends on this interface, so tests can run against the in-memory
// implementation.
type Store interface {
	AppStore
	FunctionStore
	ProjectStore
	AgentStore
	AppConfigurationStore
	LinkedAccountStore
	SecretStore

	// Ping checks if the backing database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── App store ───────────────────────────────────────────────

// AppFilter narrows app queries. Zero value means no filtering.
type AppFilter struct {
	PublicOnly bool
	ActiveOnly bool
	Names      []string // restrict to these app names
	Categories []string // app must carry at least one
}

// AppSearchResult pairs an app with its cosine similarity to the intent
// embedding. Similarity is zero when no embedding was given.
type AppSearchResult struct {
	App        models.App
	Similarity float64
}

type AppStore interface {
	CreateApp(ctx context.Context, app *models.App) error
	UpdateApp(ctx context.Context, app *models.App) error
	GetApp(ctx context.Context, name string, publicOnly, activeOnly bool) (*models.App, error)
	// SearchApps orders by ascending cosine distance when intentEmbedding is
	// non-nil, natural order otherwise.
	SearchApps(ctx context.Context, filter AppFilter, intentEmbedding []float64, limit, offset int) ([]AppSearchResult, error)

	// UpdateAppDefaultCredentials persists refreshed app-default credentials
	// for one scheme.
	UpdateAppDefaultCredentials(ctx context.Context, appName string, creds models.SecurityCredentials) error

	// RenameApp rewrites the app name everywhere it is referenced: function
	// names, enabled_functions, agent allow-lists and custom-instruction keys.
	RenameApp(ctx context.Context, oldName, newName string) error

	// DeleteApp removes the app and cascades to its functions, linked
	// accounts, app configurations and agent references.
	DeleteApp(ctx context.Context, name string) error
}

// ── Function store ──────────────────────────────────────────

// FunctionFilter narrows function queries. PublicOnly and ActiveOnly apply
// to both the function and its owning app.
type FunctionFilter struct {
	PublicOnly bool
	ActiveOnly bool
	AppNames   []string
}

type FunctionStore interface {
	CreateFunction(ctx context.Context, fn *models.Function) error
	UpdateFunction(ctx context.Context, fn *models.Function) error
	GetFunction(ctx context.Context, name string, publicOnly, activeOnly bool) (*models.Function, error)
	SearchFunctions(ctx context.Context, filter FunctionFilter, intentEmbedding []float64, limit, offset int) ([]models.Function, error)
}

// ── Project store ───────────────────────────────────────────

// ErrQuotaExceeded is returned by IncreaseProjectQuotaUsage when the daily
// budget is spent and the window has not rolled over.
var ErrQuotaExceeded = errors.New("daily quota exceeded")

type ProjectStore interface {
	CreateProject(ctx context.Context, project *models.Project) error
	GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error)
	ListProjectsByOrg(ctx context.Context, orgID string) ([]models.Project, error)
	DeleteProject(ctx context.Context, id uuid.UUID) error

	// IncreaseProjectQuotaUsage consumes one unit of the project's daily
	// quota atomically: when QuotaResetInterval has elapsed since the last
	// reset the window restarts at 1, otherwise the counter increments
	// unless it already reached maxDaily. total_quota_used always grows.
	IncreaseProjectQuotaUsage(ctx context.Context, id uuid.UUID, maxDaily int) (*models.Project, error)
}

// ── Agent store ─────────────────────────────────────────────

type AgentStore interface {
	// CreateAgent creates the agent and its API key in one step.
	CreateAgent(ctx context.Context, agent *models.Agent, key *models.APIKey) error
	GetAgent(ctx context.Context, id uuid.UUID) (*models.Agent, error)
	ListAgents(ctx context.Context, projectID uuid.UUID) ([]models.Agent, error)
	UpdateAgent(ctx context.Context, agent *models.Agent) error
	DeleteAgent(ctx context.Context, id uuid.UUID) error

	// GetAPIKeyByHMAC is the constant-time lookup path for request auth.
	GetAPIKeyByHMAC(ctx context.Context, hmac string) (*models.APIKey, error)
	GetAPIKeyByAgent(ctx context.Context, agentID uuid.UUID) (*models.APIKey, error)
	GetAgentByAPIKeyID(ctx context.Context, apiKeyID uuid.UUID) (*models.Agent, error)
	GetProjectByAPIKeyID(ctx context.Context, apiKeyID uuid.UUID) (*models.Project, error)
}

// ── App configuration store ─────────────────────────────────

type AppConfigurationStore interface {
	CreateAppConfiguration(ctx context.Context, cfg *models.AppConfiguration) error
	GetAppConfiguration(ctx context.Context, projectID uuid.UUID, appName string) (*models.AppConfiguration, error)
	ListAppConfigurations(ctx context.Context, projectID uuid.UUID, limit, offset int) ([]models.AppConfiguration, error)
	UpdateAppConfiguration(ctx context.Context, cfg *models.AppConfiguration) error

	// DeleteAppConfiguration cascades to the project's linked accounts for
	// the app and removes the app from every agent's allow-list.
	DeleteAppConfiguration(ctx context.Context, projectID uuid.UUID, appName string) error
}

// ── Linked account store ────────────────────────────────────

type LinkedAccountStore interface {
	CreateLinkedAccount(ctx context.Context, la *models.LinkedAccount) error
	GetLinkedAccount(ctx context.Context, projectID uuid.UUID, appName, ownerID string) (*models.LinkedAccount, error)
	GetLinkedAccountByID(ctx context.Context, id uuid.UUID) (*models.LinkedAccount, error)
	// ListLinkedAccounts filters by appName and ownerID when non-empty.
	ListLinkedAccounts(ctx context.Context, projectID uuid.UUID, appName, ownerID string) ([]models.LinkedAccount, error)

	// UpdateLinkedAccountCredentials rejects credentials whose concrete type
	// does not match the account's security scheme.
	UpdateLinkedAccountCredentials(ctx context.Context, id uuid.UUID, creds models.SecurityCredentials) error
	UpdateLinkedAccountEnabled(ctx context.Context, id uuid.UUID, enabled bool) error
	UpdateLinkedAccountLastUsedAt(ctx context.Context, id uuid.UUID, t time.Time) error
	DeleteLinkedAccount(ctx context.Context, id uuid.UUID) error
}

// ── Secret store ────────────────────────────────────────────

type SecretStore interface {
	CreateSecret(ctx context.Context, secret *models.Secret) error
	GetSecret(ctx context.Context, linkedAccountID uuid.UUID, key string) (*models.Secret, error)
	ListSecrets(ctx context.Context, linkedAccountID uuid.UUID) ([]models.Secret, error)
	UpdateSecret(ctx context.Context, secret *models.Secret) error
	DeleteSecret(ctx context.Context, linkedAccountID uuid.UUID, key string) error
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrAlreadyExists is returned when a uniqueness constraint is violated.
type ErrAlreadyExists struct {
	Entity string
	Key    string
}

func (e *ErrAlreadyExists) Error() string {
	return e.Entity + " already exists: " + e.Key
}

// ErrCredentialsMismatch is returned when a credential write carries a
// concrete type that does not match the record's security scheme.
type ErrCredentialsMismatch struct {
	Scheme models.SecuritySchemeType
}

func (e *ErrCredentialsMismatch) Error() string {
	return "credentials do not match security scheme " + string(e.Scheme)
}

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}

// IsAlreadyExists reports whether err is an ErrAlreadyExists.
func IsAlreadyExists(err error) bool {
	var ae *ErrAlreadyExists
	return errors.As(err, &ae)
}

// CredentialsMatchScheme reports whether the concrete credential type
// matches the scheme a record declares. Nil credentials are accepted for
// api_key and oauth2 (meaning "use app defaults").
func CredentialsMatchScheme(scheme models.SecuritySchemeType, creds models.SecurityCredentials) bool {
	if creds == nil {
		return scheme == models.SchemeAPIKey || scheme == models.SchemeOAuth2
	}
	return creds.SchemeType() == scheme
}
