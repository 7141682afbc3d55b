package store

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/toolbridge/toolbridge/pkg/models"
)

// MemoryStore implements Store with in-memory maps. It holds entities in
// plaintext; encryption at rest is a property of the PostgreSQL store.
// All reads return deep copies so callers cannot mutate shared state.
type MemoryStore struct {
	mu             sync.RWMutex
	apps           map[string]*models.App              // key: name
	functions      map[string]*models.Function         // key: name
	projects       map[uuid.UUID]*models.Project       // key: id
	agents         map[uuid.UUID]*models.Agent         // key: id
	apiKeys        map[uuid.UUID]*models.APIKey        // key: id
	apiKeyByHMAC   map[string]uuid.UUID                // key_hmac → api key id
	appConfigs     map[string]*models.AppConfiguration // key: project:app
	linkedAccounts map[uuid.UUID]*models.LinkedAccount // key: id
	secrets        map[string]*models.Secret           // key: linked_account:key
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		apps:           make(map[string]*models.App),
		functions:      make(map[string]*models.Function),
		projects:       make(map[uuid.UUID]*models.Project),
		agents:         make(map[uuid.UUID]*models.Agent),
		apiKeys:        make(map[uuid.UUID]*models.APIKey),
		apiKeyByHMAC:   make(map[string]uuid.UUID),
		appConfigs:     make(map[string]*models.AppConfiguration),
		linkedAccounts: make(map[uuid.UUID]*models.LinkedAccount),
		secrets:        make(map[string]*models.Secret),
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
func (m *MemoryStore) Close() error               { return nil }

func configKey(projectID uuid.UUID, appName string) string {
	return projectID.String() + ":" + appName
}

func secretKey(linkedAccountID uuid.UUID, key string) string {
	return linkedAccountID.String() + ":" + key
}

// ── Apps ────────────────────────────────────────────────────

func (m *MemoryStore) CreateApp(_ context.Context, app *models.App) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.apps[app.Name]; ok {
		return &ErrAlreadyExists{Entity: "app", Key: app.Name}
	}
	m.apps[app.Name] = app.Clone()
	return nil
}

func (m *MemoryStore) UpdateApp(_ context.Context, app *models.App) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.apps[app.Name]; !ok {
		return &ErrNotFound{Entity: "app", Key: app.Name}
	}
	m.apps[app.Name] = app.Clone()
	return nil
}

func (m *MemoryStore) GetApp(_ context.Context, name string, publicOnly, activeOnly bool) (*models.App, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	app, ok := m.apps[name]
	if !ok || (publicOnly && app.Visibility != models.VisibilityPublic) || (activeOnly && !app.Active) {
		return nil, &ErrNotFound{Entity: "app", Key: name}
	}
	return app.Clone(), nil
}

func (m *MemoryStore) SearchApps(_ context.Context, filter AppFilter, intentEmbedding []float64, limit, offset int) ([]AppSearchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []AppSearchResult
	for _, app := range m.apps {
		if !m.appMatches(app, filter) {
			continue
		}
		r := AppSearchResult{App: *app.Clone()}
		if intentEmbedding != nil {
			r.Similarity = cosineSimilarity(intentEmbedding, app.Embedding)
		}
		results = append(results, r)
	}
	if intentEmbedding != nil {
		sort.SliceStable(results, func(i, j int) bool {
			return results[i].Similarity > results[j].Similarity
		})
	} else {
		sort.SliceStable(results, func(i, j int) bool {
			return results[i].App.Name < results[j].App.Name
		})
	}
	return paginate(results, limit, offset), nil
}

func (m *MemoryStore) appMatches(app *models.App, filter AppFilter) bool {
	if filter.PublicOnly && app.Visibility != models.VisibilityPublic {
		return false
	}
	if filter.ActiveOnly && !app.Active {
		return false
	}
	if len(filter.Names) > 0 && !contains(filter.Names, app.Name) {
		return false
	}
	if len(filter.Categories) > 0 {
		matched := false
		for _, c := range filter.Categories {
			if contains(app.Categories, c) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func (m *MemoryStore) UpdateAppDefaultCredentials(_ context.Context, appName string, creds models.SecurityCredentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.apps[appName]
	if !ok {
		return &ErrNotFound{Entity: "app", Key: appName}
	}
	switch c := creds.(type) {
	case models.NoAuthCredentials:
		app.DefaultSecurityCredentials.NoAuth = &c
	case *models.APIKeyCredentials:
		cp := *c
		app.DefaultSecurityCredentials.APIKey = &cp
	case *models.OAuth2Credentials:
		cp := *c
		cp.RawTokenResponse = models.CopyDocument(c.RawTokenResponse)
		app.DefaultSecurityCredentials.OAuth2 = &cp
	}
	app.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) RenameApp(_ context.Context, oldName, newName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	app, ok := m.apps[oldName]
	if !ok {
		return &ErrNotFound{Entity: "app", Key: oldName}
	}
	if _, ok := m.apps[newName]; ok {
		return &ErrAlreadyExists{Entity: "app", Key: newName}
	}

	oldPrefix := oldName + "__"
	newPrefix := newName + "__"

	delete(m.apps, oldName)
	app.Name = newName
	m.apps[newName] = app

	for name, fn := range m.functions {
		if fn.AppName != oldName {
			continue
		}
		delete(m.functions, name)
		fn.AppName = newName
		fn.Name = newPrefix + strings.TrimPrefix(fn.Name, oldPrefix)
		m.functions[fn.Name] = fn
	}
	for key, cfg := range m.appConfigs {
		if cfg.AppName != oldName {
			continue
		}
		delete(m.appConfigs, key)
		cfg.AppName = newName
		for i, fn := range cfg.EnabledFunctions {
			if strings.HasPrefix(fn, oldPrefix) {
				cfg.EnabledFunctions[i] = newPrefix + strings.TrimPrefix(fn, oldPrefix)
			}
		}
		m.appConfigs[configKey(cfg.ProjectID, newName)] = cfg
	}
	for _, la := range m.linkedAccounts {
		if la.AppName == oldName {
			la.AppName = newName
		}
	}
	for _, agent := range m.agents {
		for i, name := range agent.AllowedApps {
			if name == oldName {
				agent.AllowedApps[i] = newName
			}
		}
		for key, instruction := range agent.CustomInstructions {
			if strings.HasPrefix(key, oldPrefix) {
				delete(agent.CustomInstructions, key)
				agent.CustomInstructions[newPrefix+strings.TrimPrefix(key, oldPrefix)] = instruction
			}
		}
	}
	return nil
}

func (m *MemoryStore) DeleteApp(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.apps[name]; !ok {
		return &ErrNotFound{Entity: "app", Key: name}
	}
	delete(m.apps, name)

	prefix := name + "__"
	for fnName, fn := range m.functions {
		if fn.AppName == name {
			delete(m.functions, fnName)
		}
	}
	for id, la := range m.linkedAccounts {
		if la.AppName == name {
			m.deleteSecretsLocked(id)
			delete(m.linkedAccounts, id)
		}
	}
	for key, cfg := range m.appConfigs {
		if cfg.AppName == name {
			delete(m.appConfigs, key)
		}
	}
	for _, agent := range m.agents {
		agent.AllowedApps = remove(agent.AllowedApps, name)
		for key := range agent.CustomInstructions {
			if strings.HasPrefix(key, prefix) {
				delete(agent.CustomInstructions, key)
			}
		}
	}
	return nil
}

// ── Functions ───────────────────────────────────────────────

func (m *MemoryStore) CreateFunction(_ context.Context, fn *models.Function) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.functions[fn.Name]; ok {
		return &ErrAlreadyExists{Entity: "function", Key: fn.Name}
	}
	m.functions[fn.Name] = fn.Clone()
	return nil
}

func (m *MemoryStore) UpdateFunction(_ context.Context, fn *models.Function) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.functions[fn.Name]; !ok {
		return &ErrNotFound{Entity: "function", Key: fn.Name}
	}
	m.functions[fn.Name] = fn.Clone()
	return nil
}

func (m *MemoryStore) GetFunction(_ context.Context, name string, publicOnly, activeOnly bool) (*models.Function, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn, ok := m.functions[name]
	if !ok {
		return nil, &ErrNotFound{Entity: "function", Key: name}
	}
	app := m.apps[fn.AppName]
	if app == nil {
		return nil, &ErrNotFound{Entity: "function", Key: name}
	}
	// Visibility and active filters apply to the function and its app.
	if publicOnly && (fn.Visibility != models.VisibilityPublic || app.Visibility != models.VisibilityPublic) {
		return nil, &ErrNotFound{Entity: "function", Key: name}
	}
	if activeOnly && (!fn.Active || !app.Active) {
		return nil, &ErrNotFound{Entity: "function", Key: name}
	}
	return fn.Clone(), nil
}

func (m *MemoryStore) SearchFunctions(_ context.Context, filter FunctionFilter, intentEmbedding []float64, limit, offset int) ([]models.Function, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type scored struct {
		fn         *models.Function
		similarity float64
	}
	var results []scored
	for _, fn := range m.functions {
		app := m.apps[fn.AppName]
		if app == nil {
			continue
		}
		if filter.PublicOnly && (fn.Visibility != models.VisibilityPublic || app.Visibility != models.VisibilityPublic) {
			continue
		}
		if filter.ActiveOnly && (!fn.Active || !app.Active) {
			continue
		}
		if len(filter.AppNames) > 0 && !contains(filter.AppNames, fn.AppName) {
			continue
		}
		s := scored{fn: fn.Clone()}
		if intentEmbedding != nil {
			s.similarity = cosineSimilarity(intentEmbedding, fn.Embedding)
		}
		results = append(results, s)
	}
	if intentEmbedding != nil {
		sort.SliceStable(results, func(i, j int) bool {
			return results[i].similarity > results[j].similarity
		})
	} else {
		sort.SliceStable(results, func(i, j int) bool {
			return results[i].fn.Name < results[j].fn.Name
		})
	}

	out := make([]models.Function, 0, len(results))
	for _, s := range results {
		out = append(out, *s.fn)
	}
	return paginate(out, limit, offset), nil
}

// ── Projects ────────────────────────────────────────────────

func (m *MemoryStore) CreateProject(_ context.Context, project *models.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[project.ID]; ok {
		return &ErrAlreadyExists{Entity: "project", Key: project.ID.String()}
	}
	m.projects[project.ID] = project.Clone()
	return nil
}

func (m *MemoryStore) GetProject(_ context.Context, id uuid.UUID) (*models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	project, ok := m.projects[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "project", Key: id.String()}
	}
	return project.Clone(), nil
}

func (m *MemoryStore) ListProjectsByOrg(_ context.Context, orgID string) ([]models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Project
	for _, p := range m.projects {
		if p.OrgID == orgID {
			out = append(out, *p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) DeleteProject(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[id]; !ok {
		return &ErrNotFound{Entity: "project", Key: id.String()}
	}
	delete(m.projects, id)
	for agentID, agent := range m.agents {
		if agent.ProjectID != id {
			continue
		}
		delete(m.agents, agentID)
		for keyID, key := range m.apiKeys {
			if key.AgentID == agentID {
				delete(m.apiKeyByHMAC, key.KeyHMAC)
				delete(m.apiKeys, keyID)
			}
		}
	}
	for key, cfg := range m.appConfigs {
		if cfg.ProjectID == id {
			delete(m.appConfigs, key)
		}
	}
	for laID, la := range m.linkedAccounts {
		if la.ProjectID == id {
			m.deleteSecretsLocked(laID)
			delete(m.linkedAccounts, laID)
		}
	}
	return nil
}

func (m *MemoryStore) IncreaseProjectQuotaUsage(_ context.Context, id uuid.UUID, maxDaily int) (*models.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	project, ok := m.projects[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "project", Key: id.String()}
	}
	now := time.Now()
	switch {
	case !now.Before(project.DailyQuotaResetAt.Add(QuotaResetInterval)):
		project.DailyQuotaUsed = 1
		project.DailyQuotaResetAt = now
	case project.DailyQuotaUsed >= maxDaily:
		return nil, ErrQuotaExceeded
	default:
		project.DailyQuotaUsed++
	}
	project.TotalQuotaUsed++
	project.UpdatedAt = now
	return project.Clone(), nil
}

// ── Agents & API keys ───────────────────────────────────────

func (m *MemoryStore) CreateAgent(_ context.Context, agent *models.Agent, key *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agent.ID]; ok {
		return &ErrAlreadyExists{Entity: "agent", Key: agent.ID.String()}
	}
	if _, ok := m.apiKeyByHMAC[key.KeyHMAC]; ok {
		return &ErrAlreadyExists{Entity: "api key", Key: key.KeyHMAC}
	}
	m.agents[agent.ID] = agent.Clone()
	m.apiKeys[key.ID] = key.Clone()
	m.apiKeyByHMAC[key.KeyHMAC] = key.ID
	return nil
}

func (m *MemoryStore) GetAgent(_ context.Context, id uuid.UUID) (*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agent, ok := m.agents[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "agent", Key: id.String()}
	}
	return agent.Clone(), nil
}

func (m *MemoryStore) ListAgents(_ context.Context, projectID uuid.UUID) ([]models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Agent
	for _, a := range m.agents {
		if a.ProjectID == projectID {
			out = append(out, *a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) UpdateAgent(_ context.Context, agent *models.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agent.ID]; !ok {
		return &ErrNotFound{Entity: "agent", Key: agent.ID.String()}
	}
	m.agents[agent.ID] = agent.Clone()
	return nil
}

func (m *MemoryStore) DeleteAgent(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[id]; !ok {
		return &ErrNotFound{Entity: "agent", Key: id.String()}
	}
	delete(m.agents, id)
	for keyID, key := range m.apiKeys {
		if key.AgentID == id {
			delete(m.apiKeyByHMAC, key.KeyHMAC)
			delete(m.apiKeys, keyID)
		}
	}
	return nil
}

func (m *MemoryStore) GetAPIKeyByHMAC(_ context.Context, hmac string) (*models.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.apiKeyByHMAC[hmac]
	if !ok {
		return nil, &ErrNotFound{Entity: "api key", Key: hmac}
	}
	return m.apiKeys[id].Clone(), nil
}

func (m *MemoryStore) GetAPIKeyByAgent(_ context.Context, agentID uuid.UUID) (*models.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, key := range m.apiKeys {
		if key.AgentID == agentID {
			return key.Clone(), nil
		}
	}
	return nil, &ErrNotFound{Entity: "api key", Key: agentID.String()}
}

func (m *MemoryStore) GetAgentByAPIKeyID(_ context.Context, apiKeyID uuid.UUID) (*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.apiKeys[apiKeyID]
	if !ok {
		return nil, &ErrNotFound{Entity: "api key", Key: apiKeyID.String()}
	}
	agent, ok := m.agents[key.AgentID]
	if !ok {
		return nil, &ErrNotFound{Entity: "agent", Key: key.AgentID.String()}
	}
	return agent.Clone(), nil
}

func (m *MemoryStore) GetProjectByAPIKeyID(_ context.Context, apiKeyID uuid.UUID) (*models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.apiKeys[apiKeyID]
	if !ok {
		return nil, &ErrNotFound{Entity: "api key", Key: apiKeyID.String()}
	}
	agent, ok := m.agents[key.AgentID]
	if !ok {
		return nil, &ErrNotFound{Entity: "agent", Key: key.AgentID.String()}
	}
	project, ok := m.projects[agent.ProjectID]
	if !ok {
		return nil, &ErrNotFound{Entity: "project", Key: agent.ProjectID.String()}
	}
	return project.Clone(), nil
}

// ── App configurations ──────────────────────────────────────

func (m *MemoryStore) CreateAppConfiguration(_ context.Context, cfg *models.AppConfiguration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := configKey(cfg.ProjectID, cfg.AppName)
	if _, ok := m.appConfigs[key]; ok {
		return &ErrAlreadyExists{Entity: "app configuration", Key: key}
	}
	m.appConfigs[key] = cfg.Clone()
	return nil
}

func (m *MemoryStore) GetAppConfiguration(_ context.Context, projectID uuid.UUID, appName string) (*models.AppConfiguration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.appConfigs[configKey(projectID, appName)]
	if !ok {
		return nil, &ErrNotFound{Entity: "app configuration", Key: appName}
	}
	return cfg.Clone(), nil
}

func (m *MemoryStore) ListAppConfigurations(_ context.Context, projectID uuid.UUID, limit, offset int) ([]models.AppConfiguration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.AppConfiguration
	for _, cfg := range m.appConfigs {
		if cfg.ProjectID == projectID {
			out = append(out, *cfg.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppName < out[j].AppName })
	return paginate(out, limit, offset), nil
}

func (m *MemoryStore) UpdateAppConfiguration(_ context.Context, cfg *models.AppConfiguration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := configKey(cfg.ProjectID, cfg.AppName)
	if _, ok := m.appConfigs[key]; !ok {
		return &ErrNotFound{Entity: "app configuration", Key: key}
	}
	m.appConfigs[key] = cfg.Clone()
	return nil
}

func (m *MemoryStore) DeleteAppConfiguration(_ context.Context, projectID uuid.UUID, appName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := configKey(projectID, appName)
	if _, ok := m.appConfigs[key]; !ok {
		return &ErrNotFound{Entity: "app configuration", Key: key}
	}
	delete(m.appConfigs, key)
	for id, la := range m.linkedAccounts {
		if la.ProjectID == projectID && la.AppName == appName {
			m.deleteSecretsLocked(id)
			delete(m.linkedAccounts, id)
		}
	}
	for _, agent := range m.agents {
		if agent.ProjectID == projectID {
			agent.AllowedApps = remove(agent.AllowedApps, appName)
		}
	}
	return nil
}

// ── Linked accounts ─────────────────────────────────────────

func (m *MemoryStore) CreateLinkedAccount(_ context.Context, la *models.LinkedAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.linkedAccounts {
		if existing.ProjectID == la.ProjectID && existing.AppName == la.AppName &&
			existing.LinkedAccountOwnerID == la.LinkedAccountOwnerID {
			return &ErrAlreadyExists{Entity: "linked account", Key: la.LinkedAccountOwnerID}
		}
	}
	if !CredentialsMatchScheme(la.SecurityScheme, la.SecurityCredentials) {
		return &ErrCredentialsMismatch{Scheme: la.SecurityScheme}
	}
	m.linkedAccounts[la.ID] = la.Clone()
	return nil
}

func (m *MemoryStore) GetLinkedAccount(_ context.Context, projectID uuid.UUID, appName, ownerID string) (*models.LinkedAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, la := range m.linkedAccounts {
		if la.ProjectID == projectID && la.AppName == appName && la.LinkedAccountOwnerID == ownerID {
			return la.Clone(), nil
		}
	}
	return nil, &ErrNotFound{Entity: "linked account", Key: ownerID}
}

func (m *MemoryStore) GetLinkedAccountByID(_ context.Context, id uuid.UUID) (*models.LinkedAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	la, ok := m.linkedAccounts[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "linked account", Key: id.String()}
	}
	return la.Clone(), nil
}

func (m *MemoryStore) ListLinkedAccounts(_ context.Context, projectID uuid.UUID, appName, ownerID string) ([]models.LinkedAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.LinkedAccount
	for _, la := range m.linkedAccounts {
		if la.ProjectID != projectID {
			continue
		}
		if appName != "" && la.AppName != appName {
			continue
		}
		if ownerID != "" && la.LinkedAccountOwnerID != ownerID {
			continue
		}
		out = append(out, *la.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) UpdateLinkedAccountCredentials(_ context.Context, id uuid.UUID, creds models.SecurityCredentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	la, ok := m.linkedAccounts[id]
	if !ok {
		return &ErrNotFound{Entity: "linked account", Key: id.String()}
	}
	if !CredentialsMatchScheme(la.SecurityScheme, creds) {
		return &ErrCredentialsMismatch{Scheme: la.SecurityScheme}
	}
	la.SecurityCredentials = models.CopyCredentials(creds)
	la.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) UpdateLinkedAccountEnabled(_ context.Context, id uuid.UUID, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	la, ok := m.linkedAccounts[id]
	if !ok {
		return &ErrNotFound{Entity: "linked account", Key: id.String()}
	}
	la.Enabled = enabled
	la.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) UpdateLinkedAccountLastUsedAt(_ context.Context, id uuid.UUID, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	la, ok := m.linkedAccounts[id]
	if !ok {
		return &ErrNotFound{Entity: "linked account", Key: id.String()}
	}
	la.LastUsedAt = &t
	return nil
}

func (m *MemoryStore) DeleteLinkedAccount(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.linkedAccounts[id]; !ok {
		return &ErrNotFound{Entity: "linked account", Key: id.String()}
	}
	m.deleteSecretsLocked(id)
	delete(m.linkedAccounts, id)
	return nil
}

// ── Secrets ─────────────────────────────────────────────────

func (m *MemoryStore) CreateSecret(_ context.Context, secret *models.Secret) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := secretKey(secret.LinkedAccountID, secret.Key)
	if _, ok := m.secrets[key]; ok {
		return &ErrAlreadyExists{Entity: "secret", Key: secret.Key}
	}
	m.secrets[key] = secret.Clone()
	return nil
}

func (m *MemoryStore) GetSecret(_ context.Context, linkedAccountID uuid.UUID, key string) (*models.Secret, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	secret, ok := m.secrets[secretKey(linkedAccountID, key)]
	if !ok {
		return nil, &ErrNotFound{Entity: "secret", Key: key}
	}
	return secret.Clone(), nil
}

func (m *MemoryStore) ListSecrets(_ context.Context, linkedAccountID uuid.UUID) ([]models.Secret, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Secret
	for _, s := range m.secrets {
		if s.LinkedAccountID == linkedAccountID {
			out = append(out, *s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) UpdateSecret(_ context.Context, secret *models.Secret) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := secretKey(secret.LinkedAccountID, secret.Key)
	if _, ok := m.secrets[key]; !ok {
		return &ErrNotFound{Entity: "secret", Key: secret.Key}
	}
	m.secrets[key] = secret.Clone()
	return nil
}

func (m *MemoryStore) DeleteSecret(_ context.Context, linkedAccountID uuid.UUID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := secretKey(linkedAccountID, key)
	if _, ok := m.secrets[k]; !ok {
		return &ErrNotFound{Entity: "secret", Key: key}
	}
	delete(m.secrets, k)
	return nil
}

func (m *MemoryStore) deleteSecretsLocked(linkedAccountID uuid.UUID) {
	for key, s := range m.secrets {
		if s.LinkedAccountID == linkedAccountID {
			delete(m.secrets, key)
		}
	}
}

// ── Helpers ─────────────────────────────────────────────────

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func remove(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
