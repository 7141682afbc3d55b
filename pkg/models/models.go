// Package models defines the entities shared across the control plane:
// projects, agents, apps, functions, app configurations, linked accounts,
// and the security scheme / credential documents attached to them.
package models

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// ── Enums ────────────────────────────────────────────────────

type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

type Protocol string

const (
	ProtocolREST      Protocol = "rest"
	ProtocolConnector Protocol = "connector"
)

// SecuritySchemeType discriminates the scheme and credential documents.
type SecuritySchemeType string

const (
	SchemeNoAuth SecuritySchemeType = "no_auth"
	SchemeAPIKey SecuritySchemeType = "api_key"
	SchemeOAuth2 SecuritySchemeType = "oauth2"
)

type APIKeyStatus string

const (
	APIKeyStatusActive   APIKeyStatus = "active"
	APIKeyStatusDisabled APIKeyStatus = "disabled"
	APIKeyStatusDeleted  APIKeyStatus = "deleted"
)

// HTTPLocation names the request bucket a credential or parameter lands in.
type HTTPLocation string

const (
	LocationPath   HTTPLocation = "path"
	LocationQuery  HTTPLocation = "query"
	LocationHeader HTTPLocation = "header"
	LocationCookie HTTPLocation = "cookie"
	LocationBody   HTTPLocation = "body"
)

// FunctionFormat selects the shape of a generated function definition.
type FunctionFormat string

const (
	FormatBasic           FunctionFormat = "basic"
	FormatOpenAI          FunctionFormat = "openai"
	FormatOpenAIResponses FunctionFormat = "openai_responses"
	FormatAnthropic       FunctionFormat = "anthropic"
)

var (
	appNameRe      = regexp.MustCompile(`^[A-Z0-9]+(?:_[A-Z0-9]+)*$`)
	functionNameRe = regexp.MustCompile(`^[A-Z][A-Z0-9_]*__[A-Z0-9_]+$`)
)

// ValidAppName reports whether name is uppercase alphanumeric with single
// underscores, e.g. "GOOGLE_CALENDAR".
func ValidAppName(name string) bool { return appNameRe.MatchString(name) }

// ValidFunctionName reports whether name has the APP__OPERATION shape.
func ValidFunctionName(name string) bool { return functionNameRe.MatchString(name) }

// ── Security schemes ─────────────────────────────────────────

// NoAuthScheme carries no configuration.
type NoAuthScheme struct{}

// APIKeyScheme describes where a static key is injected on REST calls.
type APIKeyScheme struct {
	Location HTTPLocation `json:"location"`
	Name     string       `json:"name"`
	Prefix   string       `json:"prefix,omitempty"`
}

// OAuth2Scheme describes an app's OAuth2 endpoints plus where the access
// token is injected on REST calls.
type OAuth2Scheme struct {
	Location HTTPLocation `json:"location"`
	Name     string       `json:"name"`
	Prefix   string       `json:"prefix,omitempty"`

	ClientID        string `json:"client_id"`
	ClientSecret    string `json:"client_secret"`
	Scope           string `json:"scope"`
	AuthorizeURL    string `json:"authorize_url"`
	AccessTokenURL  string `json:"access_token_url"`
	RefreshTokenURL string `json:"refresh_token_url"`
	// client_secret_post or client_secret_basic; empty means auto-detect.
	TokenEndpointAuthMethod string `json:"token_endpoint_auth_method,omitempty"`
}

// SecuritySchemes is the set of schemes an app offers.
type SecuritySchemes struct {
	NoAuth *NoAuthScheme `json:"no_auth,omitempty"`
	APIKey *APIKeyScheme `json:"api_key,omitempty"`
	OAuth2 *OAuth2Scheme `json:"oauth2,omitempty"`
}

// Supports reports whether the scheme set offers the given type.
func (s SecuritySchemes) Supports(t SecuritySchemeType) bool {
	switch t {
	case SchemeNoAuth:
		return s.NoAuth != nil
	case SchemeAPIKey:
		return s.APIKey != nil
	case SchemeOAuth2:
		return s.OAuth2 != nil
	}
	return false
}

// Types lists the offered scheme types in a stable order.
func (s SecuritySchemes) Types() []SecuritySchemeType {
	var out []SecuritySchemeType
	if s.NoAuth != nil {
		out = append(out, SchemeNoAuth)
	}
	if s.APIKey != nil {
		out = append(out, SchemeAPIKey)
	}
	if s.OAuth2 != nil {
		out = append(out, SchemeOAuth2)
	}
	return out
}

// OAuth2SchemeOverride lets an app configuration swap in its own OAuth2
// client. Non-zero fields win over the app scheme.
type OAuth2SchemeOverride struct {
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	Scope        string `json:"scope,omitempty"`
	RedirectURL  string `json:"redirect_url,omitempty"`
}

type SecuritySchemeOverrides struct {
	OAuth2 *OAuth2SchemeOverride `json:"oauth2,omitempty"`
}

// Apply returns a copy of the scheme with override fields applied on top.
func (s OAuth2Scheme) Apply(o *OAuth2SchemeOverride) OAuth2Scheme {
	if o == nil {
		return s
	}
	if o.ClientID != "" {
		s.ClientID = o.ClientID
	}
	if o.ClientSecret != "" {
		s.ClientSecret = o.ClientSecret
	}
	if o.Scope != "" {
		s.Scope = o.Scope
	}
	return s
}

// ── Security credentials ─────────────────────────────────────

// SecurityCredentials is the tagged credential variant; the concrete type
// matches the owning record's SecuritySchemeType.
type SecurityCredentials interface {
	SchemeType() SecuritySchemeType
}

type NoAuthCredentials struct{}

func (NoAuthCredentials) SchemeType() SecuritySchemeType { return SchemeNoAuth }

type APIKeyCredentials struct {
	SecretKey string `json:"secret_key"`
}

func (*APIKeyCredentials) SchemeType() SecuritySchemeType { return SchemeAPIKey }

type OAuth2Credentials struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Scope        string `json:"scope"`
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type,omitempty"`
	// Unix seconds; zero means the provider reported no expiry.
	ExpiresAt        int64          `json:"expires_at,omitempty"`
	RefreshToken     string         `json:"refresh_token,omitempty"`
	RawTokenResponse map[string]any `json:"raw_token_response,omitempty"`
}

func (*OAuth2Credentials) SchemeType() SecuritySchemeType { return SchemeOAuth2 }

// Expired reports whether the access token is past its expiry.
// Tokens without an expiry never expire.
func (c *OAuth2Credentials) Expired(now time.Time) bool {
	return c.ExpiresAt != 0 && c.ExpiresAt < now.Unix()
}

// SecurityCredentialsByScheme holds an app's provider-supplied fallback
// credentials, keyed by scheme type.
type SecurityCredentialsByScheme struct {
	NoAuth *NoAuthCredentials `json:"no_auth,omitempty"`
	APIKey *APIKeyCredentials `json:"api_key,omitempty"`
	OAuth2 *OAuth2Credentials `json:"oauth2,omitempty"`
}

// Get returns the fallback credentials for a scheme type, or nil.
func (d SecurityCredentialsByScheme) Get(t SecuritySchemeType) SecurityCredentials {
	switch t {
	case SchemeNoAuth:
		if d.NoAuth != nil {
			return *d.NoAuth
		}
	case SchemeAPIKey:
		if d.APIKey != nil {
			return d.APIKey
		}
	case SchemeOAuth2:
		if d.OAuth2 != nil {
			return d.OAuth2
		}
	}
	return nil
}

// ── Entities ─────────────────────────────────────────────────

// Project is the tenant boundary owning agents and app configurations.
type Project struct {
	ID                uuid.UUID  `json:"id"`
	OrgID             string     `json:"org_id"`
	Name              string     `json:"name"`
	VisibilityAccess  Visibility `json:"visibility_access"`
	DailyQuotaUsed    int        `json:"daily_quota_used"`
	DailyQuotaResetAt time.Time  `json:"daily_quota_reset_at"`
	TotalQuotaUsed    int64      `json:"total_quota_used"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Agent is an actor inside a project, authenticated by its API key.
type Agent struct {
	ID          uuid.UUID `json:"id"`
	ProjectID   uuid.UUID `json:"project_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	AllowedApps []string  `json:"allowed_apps"`
	// Function name → instruction enforced by the policy judge.
	CustomInstructions map[string]string `json:"custom_instructions"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// MaxCustomInstructionLength bounds each custom instruction.
const MaxCustomInstructionLength = 5000

// APIKey is the stored credential row for an agent. The plaintext key is
// never persisted: KeyCiphertext is envelope-encrypted for retrieval and
// KeyHMAC is the lookup index.
type APIKey struct {
	ID            uuid.UUID    `json:"id"`
	AgentID       uuid.UUID    `json:"agent_id"`
	KeyCiphertext string       `json:"-"`
	KeyHMAC       string       `json:"-"`
	Status        APIKeyStatus `json:"status"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// App describes a third-party integration.
type App struct {
	ID          uuid.UUID  `json:"id"`
	Name        string     `json:"name"`
	DisplayName string     `json:"display_name"`
	Provider    string     `json:"provider"`
	Version     string     `json:"version"`
	Description string     `json:"description"`
	Logo        string     `json:"logo,omitempty"`
	Categories  []string   `json:"categories"`
	Visibility  Visibility `json:"visibility"`
	Active      bool       `json:"active"`

	SecuritySchemes            SecuritySchemes             `json:"-"`
	DefaultSecurityCredentials SecurityCredentialsByScheme `json:"-"`

	Embedding []float64 `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Function is one callable operation of an app. Name is APP__OPERATION.
type Function struct {
	ID          uuid.UUID  `json:"id"`
	AppID       uuid.UUID  `json:"app_id"`
	AppName     string     `json:"app_name"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Tags        []string   `json:"tags"`
	Visibility  Visibility `json:"visibility"`
	Active      bool       `json:"active"`

	Protocol     Protocol        `json:"protocol"`
	ProtocolData json.RawMessage `json:"protocol_data,omitempty"`
	// JSON Schema (draft-7) with the extra per-object "visible" key.
	Parameters map[string]any `json:"parameters"`
	Response   map[string]any `json:"response,omitempty"`

	Embedding []float64 `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RestMetadata is the protocol_data payload of REST functions.
type RestMetadata struct {
	Method    string `json:"method"`
	Path      string `json:"path"`
	ServerURL string `json:"server_url"`
}

// RestMetadata decodes protocol_data for a REST function.
func (f *Function) RestMetadata() (RestMetadata, error) {
	var m RestMetadata
	if f.Protocol != ProtocolREST {
		return m, fmt.Errorf("function %s is not a rest function", f.Name)
	}
	if err := json.Unmarshal(f.ProtocolData, &m); err != nil {
		return m, fmt.Errorf("decode protocol_data for %s: %w", f.Name, err)
	}
	return m, nil
}

// AppConfiguration is a project's decision to integrate an app.
type AppConfiguration struct {
	ID        uuid.UUID `json:"id"`
	ProjectID uuid.UUID `json:"project_id"`
	AppID     uuid.UUID `json:"app_id"`
	AppName   string    `json:"app_name"`

	SecurityScheme          SecuritySchemeType      `json:"security_scheme"`
	SecuritySchemeOverrides SecuritySchemeOverrides `json:"security_scheme_overrides"`

	Enabled             bool      `json:"enabled"`
	AllFunctionsEnabled bool      `json:"all_functions_enabled"`
	EnabledFunctions    []string  `json:"enabled_functions"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// LinkedAccount binds one end user to an app under a project.
type LinkedAccount struct {
	ID                   uuid.UUID `json:"id"`
	ProjectID            uuid.UUID `json:"project_id"`
	AppID                uuid.UUID `json:"app_id"`
	AppName              string    `json:"app_name"`
	LinkedAccountOwnerID string    `json:"linked_account_owner_id"`

	SecurityScheme SecuritySchemeType `json:"security_scheme"`
	// Nil means "fall back to the app's default credentials" where the
	// scheme allows it. Never serialized to API responses.
	SecurityCredentials SecurityCredentials `json:"-"`

	Enabled    bool       `json:"enabled"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Secret is an encrypted value scoped to a linked account, keyed by name.
type Secret struct {
	ID              uuid.UUID `json:"id"`
	LinkedAccountID uuid.UUID `json:"linked_account_id"`
	Key             string    `json:"key"`
	Value           []byte    `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// FunctionExecutionResult is the envelope every execution returns.
// Downstream failures set Success=false; they are not transport errors.
type FunctionExecutionResult struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ── Deep copies ──────────────────────────────────────────────

// CopyDocument deep-copies a JSON-like document.
func CopyDocument(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = CopyValue(v)
	}
	return out
}

// CopyValue deep-copies a JSON-like value (maps, slices pass by reference
// in Go; everything else is immutable).
func CopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CopyDocument(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = CopyValue(e)
		}
		return out
	default:
		return v
	}
}

// CopyCredentials deep-copies a credential variant.
func CopyCredentials(c SecurityCredentials) SecurityCredentials {
	switch t := c.(type) {
	case nil:
		return nil
	case NoAuthCredentials:
		return t
	case *APIKeyCredentials:
		cp := *t
		return &cp
	case *OAuth2Credentials:
		cp := *t
		cp.RawTokenResponse = CopyDocument(t.RawTokenResponse)
		return &cp
	default:
		return c
	}
}

func (p *Project) Clone() *Project {
	cp := *p
	return &cp
}

func (a *Agent) Clone() *Agent {
	cp := *a
	cp.AllowedApps = append([]string(nil), a.AllowedApps...)
	if a.CustomInstructions != nil {
		cp.CustomInstructions = make(map[string]string, len(a.CustomInstructions))
		for k, v := range a.CustomInstructions {
			cp.CustomInstructions[k] = v
		}
	}
	return &cp
}

func (k *APIKey) Clone() *APIKey {
	cp := *k
	return &cp
}

func (a *App) Clone() *App {
	cp := *a
	cp.Categories = append([]string(nil), a.Categories...)
	cp.Embedding = append([]float64(nil), a.Embedding...)
	cp.SecuritySchemes = a.SecuritySchemes.clone()
	cp.DefaultSecurityCredentials = a.DefaultSecurityCredentials.clone()
	return &cp
}

func (s SecuritySchemes) clone() SecuritySchemes {
	var out SecuritySchemes
	if s.NoAuth != nil {
		v := *s.NoAuth
		out.NoAuth = &v
	}
	if s.APIKey != nil {
		v := *s.APIKey
		out.APIKey = &v
	}
	if s.OAuth2 != nil {
		v := *s.OAuth2
		out.OAuth2 = &v
	}
	return out
}

func (d SecurityCredentialsByScheme) clone() SecurityCredentialsByScheme {
	var out SecurityCredentialsByScheme
	if d.NoAuth != nil {
		v := *d.NoAuth
		out.NoAuth = &v
	}
	if d.APIKey != nil {
		v := *d.APIKey
		out.APIKey = &v
	}
	if d.OAuth2 != nil {
		v := *d.OAuth2
		v.RawTokenResponse = CopyDocument(d.OAuth2.RawTokenResponse)
		out.OAuth2 = &v
	}
	return out
}

func (f *Function) Clone() *Function {
	cp := *f
	cp.Tags = append([]string(nil), f.Tags...)
	cp.Embedding = append([]float64(nil), f.Embedding...)
	cp.ProtocolData = append(json.RawMessage(nil), f.ProtocolData...)
	cp.Parameters = CopyDocument(f.Parameters)
	cp.Response = CopyDocument(f.Response)
	return &cp
}

func (c *AppConfiguration) Clone() *AppConfiguration {
	cp := *c
	cp.EnabledFunctions = append([]string(nil), c.EnabledFunctions...)
	if c.SecuritySchemeOverrides.OAuth2 != nil {
		v := *c.SecuritySchemeOverrides.OAuth2
		cp.SecuritySchemeOverrides.OAuth2 = &v
	}
	return &cp
}

func (la *LinkedAccount) Clone() *LinkedAccount {
	cp := *la
	cp.SecurityCredentials = CopyCredentials(la.SecurityCredentials)
	if la.LastUsedAt != nil {
		t := *la.LastUsedAt
		cp.LastUsedAt = &t
	}
	return &cp
}

func (s *Secret) Clone() *Secret {
	cp := *s
	cp.Value = append([]byte(nil), s.Value...)
	return &cp
}
