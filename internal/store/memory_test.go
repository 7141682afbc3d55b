package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/toolbridge/toolbridge/pkg/models"
)

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	return NewMemoryStore()
}

func seedApp(t *testing.T, s *MemoryStore, name string) *models.App {
	t.Helper()
	app := &models.App{
		ID:         uuid.New(),
		Name:       name,
		Visibility: models.VisibilityPublic,
		Active:     true,
		SecuritySchemes: models.SecuritySchemes{
			NoAuth: &models.NoAuthScheme{},
			APIKey: &models.APIKeyScheme{Location: models.LocationHeader, Name: "X-API-KEY"},
		},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := s.CreateApp(context.Background(), app); err != nil {
		t.Fatalf("CreateApp(%s): %v", name, err)
	}
	return app
}

func seedFunction(t *testing.T, s *MemoryStore, app *models.App, operation string, embedding []float64) *models.Function {
	t.Helper()
	fn := &models.Function{
		ID:         uuid.New(),
		AppID:      app.ID,
		AppName:    app.Name,
		Name:       app.Name + "__" + operation,
		Visibility: models.VisibilityPublic,
		Active:     true,
		Protocol:   models.ProtocolConnector,
		Parameters: map[string]any{"type": "object", "properties": map[string]any{}},
		Embedding:  embedding,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	if err := s.CreateFunction(context.Background(), fn); err != nil {
		t.Fatalf("CreateFunction(%s): %v", fn.Name, err)
	}
	return fn
}

func seedProject(t *testing.T, s *MemoryStore) *models.Project {
	t.Helper()
	p := &models.Project{
		ID:                uuid.New(),
		OrgID:             "org-1",
		Name:              "test project",
		VisibilityAccess:  models.VisibilityPublic,
		DailyQuotaResetAt: time.Now(),
		CreatedAt:         time.Now(),
		UpdatedAt:         time.Now(),
	}
	if err := s.CreateProject(context.Background(), p); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	return p
}

func seedAgent(t *testing.T, s *MemoryStore, project *models.Project, allowedApps []string) (*models.Agent, *models.APIKey) {
	t.Helper()
	agent := &models.Agent{
		ID:                 uuid.New(),
		ProjectID:          project.ID,
		Name:               "test agent",
		AllowedApps:        allowedApps,
		CustomInstructions: map[string]string{},
		CreatedAt:          time.Now(),
		UpdatedAt:          time.Now(),
	}
	key := &models.APIKey{
		ID:            uuid.New(),
		AgentID:       agent.ID,
		KeyCiphertext: "ct-" + agent.ID.String(),
		KeyHMAC:       "hmac-" + agent.ID.String(),
		Status:        models.APIKeyStatusActive,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	if err := s.CreateAgent(context.Background(), agent, key); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	return agent, key
}

func TestGetAppFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	app := seedApp(t, s, "GITHUB")
	app.Visibility = models.VisibilityPrivate
	if err := s.UpdateApp(ctx, app); err != nil {
		t.Fatalf("UpdateApp: %v", err)
	}

	if _, err := s.GetApp(ctx, "GITHUB", false, false); err != nil {
		t.Fatalf("unfiltered get: %v", err)
	}
	if _, err := s.GetApp(ctx, "GITHUB", true, false); !IsNotFound(err) {
		t.Fatalf("expected not found for public_only, got %v", err)
	}
}

func TestSearchAppsOrdersBySimilarity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	far := seedApp(t, s, "FAR")
	far.Embedding = []float64{0, 1}
	if err := s.UpdateApp(ctx, far); err != nil {
		t.Fatalf("UpdateApp: %v", err)
	}
	near := seedApp(t, s, "NEAR")
	near.Embedding = []float64{1, 0.1}
	if err := s.UpdateApp(ctx, near); err != nil {
		t.Fatalf("UpdateApp: %v", err)
	}

	results, err := s.SearchApps(ctx, AppFilter{}, []float64{1, 0}, 10, 0)
	if err != nil {
		t.Fatalf("SearchApps: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].App.Name != "NEAR" {
		t.Fatalf("expected NEAR first, got %s", results[0].App.Name)
	}
	if results[0].Similarity <= results[1].Similarity {
		t.Fatalf("similarities not descending: %v vs %v", results[0].Similarity, results[1].Similarity)
	}
}

func TestSearchFunctionsAppFilterAndInactiveApp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	github := seedApp(t, s, "GITHUB")
	google := seedApp(t, s, "GOOGLE")
	seedFunction(t, s, github, "CREATE_REPOSITORY", nil)
	seedFunction(t, s, google, "SEND_EMAIL", nil)

	fns, err := s.SearchFunctions(ctx, FunctionFilter{AppNames: []string{"GITHUB"}}, nil, 0, 0)
	if err != nil {
		t.Fatalf("SearchFunctions: %v", err)
	}
	if len(fns) != 1 || fns[0].Name != "GITHUB__CREATE_REPOSITORY" {
		t.Fatalf("unexpected results: %+v", fns)
	}

	// Deactivating the app hides its functions under active_only.
	github.Active = false
	if err := s.UpdateApp(ctx, github); err != nil {
		t.Fatalf("UpdateApp: %v", err)
	}
	fns, err = s.SearchFunctions(ctx, FunctionFilter{ActiveOnly: true}, nil, 0, 0)
	if err != nil {
		t.Fatalf("SearchFunctions: %v", err)
	}
	if len(fns) != 1 || fns[0].AppName != "GOOGLE" {
		t.Fatalf("expected only GOOGLE functions, got %+v", fns)
	}
}

func TestIncreaseProjectQuotaUsage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s)

	for i := 1; i <= 3; i++ {
		updated, err := s.IncreaseProjectQuotaUsage(ctx, p.ID, 3)
		if err != nil {
			t.Fatalf("increase %d: %v", i, err)
		}
		if updated.DailyQuotaUsed != i {
			t.Fatalf("daily_quota_used = %d, want %d", updated.DailyQuotaUsed, i)
		}
	}
	if _, err := s.IncreaseProjectQuotaUsage(ctx, p.ID, 3); err != ErrQuotaExceeded {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}

	// Rolling the window back more than 24h makes the next call reset to 1.
	s.mu.Lock()
	s.projects[p.ID].DailyQuotaResetAt = time.Now().Add(-25 * time.Hour)
	s.mu.Unlock()

	updated, err := s.IncreaseProjectQuotaUsage(ctx, p.ID, 3)
	if err != nil {
		t.Fatalf("increase after window: %v", err)
	}
	if updated.DailyQuotaUsed != 1 {
		t.Fatalf("daily_quota_used after reset = %d, want 1", updated.DailyQuotaUsed)
	}
	if updated.TotalQuotaUsed != 4 {
		t.Fatalf("total_quota_used = %d, want 4", updated.TotalQuotaUsed)
	}
}

func TestGetAPIKeyByHMAC(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s)
	agent, key := seedAgent(t, s, p, nil)

	got, err := s.GetAPIKeyByHMAC(ctx, key.KeyHMAC)
	if err != nil {
		t.Fatalf("GetAPIKeyByHMAC: %v", err)
	}
	if got.AgentID != agent.ID {
		t.Fatalf("agent id mismatch")
	}
	if _, err := s.GetAPIKeyByHMAC(ctx, "missing"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	gotAgent, err := s.GetAgentByAPIKeyID(ctx, key.ID)
	if err != nil || gotAgent.ID != agent.ID {
		t.Fatalf("GetAgentByAPIKeyID: %v %v", gotAgent, err)
	}
	gotProject, err := s.GetProjectByAPIKeyID(ctx, key.ID)
	if err != nil || gotProject.ID != p.ID {
		t.Fatalf("GetProjectByAPIKeyID: %v %v", gotProject, err)
	}
}

func TestLinkedAccountUniquenessAndSchemeCheck(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s)
	app := seedApp(t, s, "GITHUB")

	la := &models.LinkedAccount{
		ID:                   uuid.New(),
		ProjectID:            p.ID,
		AppID:                app.ID,
		AppName:              app.Name,
		LinkedAccountOwnerID: "user-1",
		SecurityScheme:       models.SchemeAPIKey,
		SecurityCredentials:  &models.APIKeyCredentials{SecretKey: "sk"},
		Enabled:              true,
		CreatedAt:            time.Now(),
		UpdatedAt:            time.Now(),
	}
	if err := s.CreateLinkedAccount(ctx, la); err != nil {
		t.Fatalf("CreateLinkedAccount: %v", err)
	}

	dup := la.Clone()
	dup.ID = uuid.New()
	if err := s.CreateLinkedAccount(ctx, dup); !IsAlreadyExists(err) {
		t.Fatalf("expected already exists, got %v", err)
	}

	err := s.UpdateLinkedAccountCredentials(ctx, la.ID, &models.OAuth2Credentials{AccessToken: "tok"})
	var mismatch *ErrCredentialsMismatch
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected credentials mismatch, got %v", err)
	}

	if err := s.UpdateLinkedAccountCredentials(ctx, la.ID, &models.APIKeyCredentials{SecretKey: "sk2"}); err != nil {
		t.Fatalf("UpdateLinkedAccountCredentials: %v", err)
	}
	got, err := s.GetLinkedAccountByID(ctx, la.ID)
	if err != nil {
		t.Fatalf("GetLinkedAccountByID: %v", err)
	}
	if got.SecurityCredentials.(*models.APIKeyCredentials).SecretKey != "sk2" {
		t.Fatalf("credentials not updated: %+v", got.SecurityCredentials)
	}
}

func TestRenameAppCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := seedProject(t, s)
	app := seedApp(t, s, "GOOGLE")
	seedFunction(t, s, app, "SEND_EMAIL", nil)
	agent, _ := seedAgent(t, s, p, []string{"GOOGLE", "GITHUB"})
	agent.CustomInstructions = map[string]string{
		"GOOGLE__SEND_EMAIL":        "no external recipients",
		"GITHUB__CREATE_REPOSITORY": "no offensive names",
	}
	if err := s.UpdateAgent(ctx, agent); err != nil {
		t.Fatalf("UpdateAgent: %v", err)
	}
	cfg := &models.AppConfiguration{
		ID:               uuid.New(),
		ProjectID:        p.ID,
		AppID:            app.ID,
		AppName:          "GOOGLE",
		SecurityScheme:   models.SchemeAPIKey,
		Enabled:          true,
		EnabledFunctions: []string{"GOOGLE__SEND_EMAIL"},
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
	}
	if err := s.CreateAppConfiguration(ctx, cfg); err != nil {
		t.Fatalf("CreateAppConfiguration: %v", err)
	}

	if err := s.RenameApp(ctx, "GOOGLE", "GOOG"); err != nil {
		t.Fatalf("RenameApp: %v", err)
	}

	if _, err := s.GetApp(ctx, "GOOGLE", false, false); !IsNotFound(err) {
		t.Fatalf("old app name still resolves: %v", err)
	}
	if _, err := s.GetFunction(ctx, "GOOG__SEND_EMAIL", false, false); err != nil {
		t.Fatalf("renamed function missing: %v", err)
	}
	gotCfg, err := s.GetAppConfiguration(ctx, p.ID, "GOOG")
	if err != nil {
		t.Fatalf("GetAppConfiguration: %v", err)
	}
	if gotCfg.EnabledFunctions[0] != "GOOG__SEND_EMAIL" {
		t.Fatalf("enabled_functions not rewritten: %v", gotCfg.EnabledFunctions)
	}
	gotAgent, err := s.GetAgent(ctx, agent.ID)
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if gotAgent.AllowedApps[0] != "GOOG" || gotAgent.AllowedApps[1] != "GITHUB" {
		t.Fatalf("allowed_apps not rewritten: %v", gotAgent.AllowedApps)
	}
	if _, ok := gotAgent.CustomInstructions["GOOG__SEND_EMAIL"]; !ok {
		t.Fatalf("custom_instructions key not rewritten: %v", gotAgent.CustomInstructions)
	}
	if _, ok := gotAgent.CustomInstructions["GITHUB__CREATE_REPOSITORY"]; !ok {
		t.Fatalf("unrelated custom_instructions key lost: %v", gotAgent.CustomInstructions)
	}
}

func TestDeleteAppCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := seedProject(t, s)
	app := seedApp(t, s, "GOOGLE")
	seedFunction(t, s, app, "SEND_EMAIL", nil)
	agent, _ := seedAgent(t, s, p, []string{"GOOGLE"})
	agent.CustomInstructions = map[string]string{"GOOGLE__SEND_EMAIL": "x"}
	if err := s.UpdateAgent(ctx, agent); err != nil {
		t.Fatalf("UpdateAgent: %v", err)
	}
	la := &models.LinkedAccount{
		ID:                   uuid.New(),
		ProjectID:            p.ID,
		AppID:                app.ID,
		AppName:              "GOOGLE",
		LinkedAccountOwnerID: "user-1",
		SecurityScheme:       models.SchemeNoAuth,
		SecurityCredentials:  models.NoAuthCredentials{},
		Enabled:              true,
	}
	if err := s.CreateLinkedAccount(ctx, la); err != nil {
		t.Fatalf("CreateLinkedAccount: %v", err)
	}

	if err := s.DeleteApp(ctx, "GOOGLE"); err != nil {
		t.Fatalf("DeleteApp: %v", err)
	}
	if _, err := s.GetFunction(ctx, "GOOGLE__SEND_EMAIL", false, false); !IsNotFound(err) {
		t.Fatalf("function survived delete: %v", err)
	}
	if _, err := s.GetLinkedAccountByID(ctx, la.ID); !IsNotFound(err) {
		t.Fatalf("linked account survived delete: %v", err)
	}
	gotAgent, _ := s.GetAgent(ctx, agent.ID)
	if len(gotAgent.AllowedApps) != 0 || len(gotAgent.CustomInstructions) != 0 {
		t.Fatalf("agent references survived delete: %+v", gotAgent)
	}
}

func TestSecretLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	laID := uuid.New()

	secret := &models.Secret{ID: uuid.New(), LinkedAccountID: laID, Key: "aci.dev", Value: []byte("ct")}
	if err := s.CreateSecret(ctx, secret); err != nil {
		t.Fatalf("CreateSecret: %v", err)
	}
	if err := s.CreateSecret(ctx, secret); !IsAlreadyExists(err) {
		t.Fatalf("expected already exists, got %v", err)
	}
	list, err := s.ListSecrets(ctx, laID)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListSecrets: %v %v", list, err)
	}
	secret.Value = []byte("ct2")
	if err := s.UpdateSecret(ctx, secret); err != nil {
		t.Fatalf("UpdateSecret: %v", err)
	}
	got, err := s.GetSecret(ctx, laID, "aci.dev")
	if err != nil || string(got.Value) != "ct2" {
		t.Fatalf("GetSecret: %v %v", got, err)
	}
	if err := s.DeleteSecret(ctx, laID, "aci.dev"); err != nil {
		t.Fatalf("DeleteSecret: %v", err)
	}
	if _, err := s.GetSecret(ctx, laID, "aci.dev"); !IsNotFound(err) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}
