package executor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/toolbridge/toolbridge/internal/auth"
	"github.com/toolbridge/toolbridge/internal/connectors"
	"github.com/toolbridge/toolbridge/internal/credentials"
	"github.com/toolbridge/toolbridge/internal/errs"
	"github.com/toolbridge/toolbridge/internal/oauthflow"
	"github.com/toolbridge/toolbridge/internal/store"
	"github.com/toolbridge/toolbridge/pkg/models"
)

// stubJudge blocks when instructed; the real judge has its own tests.
type stubJudge struct {
	violate bool
	calls   int
}

func (j *stubJudge) Enforce(_ context.Context, fn *models.Function, _ map[string]any, instruction string) error {
	j.calls++
	if j.violate {
		return errs.CustomInstructionViolation("%s execution has been rejected because of custom instruction: %s", fn.Name, instruction)
	}
	return nil
}

type fixture struct {
	store   *store.MemoryStore
	service *Service
	rc      *auth.RequestContext
	judge   *stubJudge
	reg     *connectors.Registry
}

func helloWorldParameters() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"required":             []any{"path", "body"},
		"visible":              []any{"path", "query", "body", "header"},
		"properties": map[string]any{
			"path": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"required":             []any{"userId"},
				"visible":              []any{"userId"},
				"properties": map[string]any{
					"userId": map[string]any{"type": "string"},
				},
			},
			"query": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"visible":              []any{"lang"},
				"properties": map[string]any{
					"lang": map[string]any{"type": "string"},
				},
			},
			"body": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"required":             []any{"name", "greeting"},
				"visible":              []any{"name"},
				"properties": map[string]any{
					"name":     map[string]any{"type": "string"},
					"greeting": map[string]any{"type": "string", "default": "default-greeting"},
				},
			},
			"header": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"visible":              []any{"X-CUSTOM-HEADER"},
				"properties": map[string]any{
					"X-CUSTOM-HEADER": map[string]any{"type": "string"},
				},
			},
		},
	}
}

func newFixture(t *testing.T, app *models.App, fn *models.Function, la *models.LinkedAccount) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()

	if err := st.CreateApp(ctx, app); err != nil {
		t.Fatalf("CreateApp: %v", err)
	}
	if err := st.CreateFunction(ctx, fn); err != nil {
		t.Fatalf("CreateFunction: %v", err)
	}

	project := &models.Project{
		ID:                uuid.New(),
		OrgID:             "org",
		Name:              "p",
		VisibilityAccess:  models.VisibilityPublic,
		DailyQuotaResetAt: time.Now(),
	}
	if err := st.CreateProject(ctx, project); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	agent := &models.Agent{
		ID:          uuid.New(),
		ProjectID:   project.ID,
		Name:        "agent",
		AllowedApps: []string{app.Name},
		CustomInstructions: map[string]string{},
	}
	key := &models.APIKey{ID: uuid.New(), AgentID: agent.ID, KeyCiphertext: "ct", KeyHMAC: "hmac", Status: models.APIKeyStatusActive}
	if err := st.CreateAgent(ctx, agent, key); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	cfg := &models.AppConfiguration{
		ID:             uuid.New(),
		ProjectID:      project.ID,
		AppID:          app.ID,
		AppName:        app.Name,
		SecurityScheme: la.SecurityScheme,
		Enabled:        true,
	}
	if err := st.CreateAppConfiguration(ctx, cfg); err != nil {
		t.Fatalf("CreateAppConfiguration: %v", err)
	}

	la.ProjectID = project.ID
	la.AppID = app.ID
	la.AppName = app.Name
	if err := st.CreateLinkedAccount(ctx, la); err != nil {
		t.Fatalf("CreateLinkedAccount: %v", err)
	}

	judge := &stubJudge{}
	reg := connectors.NewRegistry()
	resolver := credentials.NewResolver(oauthflow.NewManager("test-signing-key"))
	svc := NewService(st, resolver, NewRESTExecutor(), reg, judge)

	return &fixture{
		store:   st,
		service: svc,
		rc:      &auth.RequestContext{APIKeyID: key.ID, Agent: agent, Project: project},
		judge:   judge,
		reg:     reg,
	}
}

func restFunction(appName, serverURL string) *models.Function {
	meta, _ := json.Marshal(models.RestMetadata{
		Method:    http.MethodPost,
		Path:      "/v1/greet/{userId}",
		ServerURL: serverURL,
	})
	return &models.Function{
		ID:           uuid.New(),
		AppName:      appName,
		Name:         appName + "__HELLO_WORLD_WITH_ARGS",
		Description:  "Greets a user",
		Visibility:   models.VisibilityPublic,
		Active:       true,
		Protocol:     models.ProtocolREST,
		ProtocolData: meta,
		Parameters:   helloWorldParameters(),
	}
}

func TestExecuteRESTWithAppDefaultAPIKey(t *testing.T) {
	var (
		gotPath   string
		gotQuery  string
		gotAPIKey string
		gotCustom string
		gotBody   map[string]any
	)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Get("lang")
		gotAPIKey = r.Header.Get("X-Test-API-Key")
		gotCustom = r.Header.Get("X-CUSTOM-HEADER")
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"greeted": true})
	}))
	defer upstream.Close()

	app := &models.App{
		ID:         uuid.New(),
		Name:       "ACI_TEST",
		Visibility: models.VisibilityPublic,
		Active:     true,
		SecuritySchemes: models.SecuritySchemes{
			APIKey: &models.APIKeyScheme{Location: models.LocationHeader, Name: "X-Test-API-Key"},
		},
		DefaultSecurityCredentials: models.SecurityCredentialsByScheme{
			APIKey: &models.APIKeyCredentials{SecretKey: "default-shared-api-key"},
		},
	}
	fn := restFunction("ACI_TEST", upstream.URL)
	la := &models.LinkedAccount{
		ID:                   uuid.New(),
		LinkedAccountOwnerID: "owner-1",
		SecurityScheme:       models.SchemeAPIKey,
		Enabled:              true,
	}
	f := newFixture(t, app, fn, la)

	result, err := f.service.Execute(context.Background(), f.rc, fn.Name, "owner-1", map[string]any{
		"path":   map[string]any{"userId": "John"},
		"query":  map[string]any{"lang": "en"},
		"body":   map[string]any{"name": "John"},
		"header": map[string]any{"X-CUSTOM-HEADER": "header123"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("result not successful: %+v", result)
	}
	if gotPath != "/v1/greet/John" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotQuery != "en" {
		t.Fatalf("lang = %q", gotQuery)
	}
	if gotAPIKey != "default-shared-api-key" {
		t.Fatalf("api key header = %q", gotAPIKey)
	}
	if gotCustom != "header123" {
		t.Fatalf("custom header = %q", gotCustom)
	}
	if gotBody["name"] != "John" || gotBody["greeting"] != "default-greeting" {
		t.Fatalf("body = %v", gotBody)
	}

	got, err := f.store.GetLinkedAccount(context.Background(), f.rc.Project.ID, "ACI_TEST", "owner-1")
	if err != nil {
		t.Fatalf("GetLinkedAccount: %v", err)
	}
	if got.LastUsedAt == nil {
		t.Fatal("last_used_at not set")
	}
}

func TestExecuteOAuth2RefreshesAndPersists(t *testing.T) {
	refresh := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"access_token": "new", "token_type": "Bearer", "expires_in": 3600})
	}))
	defer refresh.Close()

	var gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer upstream.Close()

	app := &models.App{
		ID:         uuid.New(),
		Name:       "GOOGLE",
		Visibility: models.VisibilityPublic,
		Active:     true,
		SecuritySchemes: models.SecuritySchemes{
			OAuth2: &models.OAuth2Scheme{
				Location:        models.LocationHeader,
				Name:            "Authorization",
				Prefix:          "Bearer ",
				ClientID:        "client-1",
				ClientSecret:    "secret-1",
				Scope:           "email",
				AuthorizeURL:    "https://provider.test/authorize",
				AccessTokenURL:  refresh.URL,
				RefreshTokenURL: refresh.URL,
			},
		},
	}
	fn := restFunction("GOOGLE", upstream.URL)
	la := &models.LinkedAccount{
		ID:                   uuid.New(),
		LinkedAccountOwnerID: "owner-1",
		SecurityScheme:       models.SchemeOAuth2,
		SecurityCredentials: &models.OAuth2Credentials{
			ClientID:     "client-1",
			ClientSecret: "secret-1",
			AccessToken:  "stale",
			RefreshToken: "rt-1",
			ExpiresAt:    1000,
		},
		Enabled: true,
	}
	f := newFixture(t, app, fn, la)

	result, err := f.service.Execute(context.Background(), f.rc, fn.Name, "owner-1", map[string]any{
		"path": map[string]any{"userId": "John"},
		"body": map[string]any{"name": "John"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("result not successful: %+v", result)
	}
	if gotAuth != "Bearer new" {
		t.Fatalf("authorization header = %q", gotAuth)
	}

	got, err := f.store.GetLinkedAccount(context.Background(), f.rc.Project.ID, "GOOGLE", "owner-1")
	if err != nil {
		t.Fatalf("GetLinkedAccount: %v", err)
	}
	creds := got.SecurityCredentials.(*models.OAuth2Credentials)
	if creds.AccessToken != "new" {
		t.Fatalf("persisted access token = %q", creds.AccessToken)
	}
}

func TestExecuteCustomInstructionViolationBlocksUpstream(t *testing.T) {
	upstreamCalls := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls++
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	app := &models.App{
		ID:         uuid.New(),
		Name:       "GITHUB",
		Visibility: models.VisibilityPublic,
		Active:     true,
		SecuritySchemes: models.SecuritySchemes{
			NoAuth: &models.NoAuthScheme{},
		},
	}
	fn := restFunction("GITHUB", upstream.URL)
	la := &models.LinkedAccount{
		ID:                   uuid.New(),
		LinkedAccountOwnerID: "owner-1",
		SecurityScheme:       models.SchemeNoAuth,
		SecurityCredentials:  models.NoAuthCredentials{},
		Enabled:              true,
	}
	f := newFixture(t, app, fn, la)
	f.rc.Agent.CustomInstructions = map[string]string{
		fn.Name: "you can NOT create repo with an offensive name",
	}
	f.judge.violate = true

	_, err := f.service.Execute(context.Background(), f.rc, fn.Name, "owner-1", map[string]any{
		"path": map[string]any{"userId": "John"},
		"body": map[string]any{"name": "stupid repo"},
	})
	e, ok := errs.As(err)
	if !ok || e.Title != "Custom instruction violation" {
		t.Fatalf("want violation error, got %v", err)
	}
	if errs.HTTPStatus(err) != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", errs.HTTPStatus(err))
	}
	if upstreamCalls != 0 {
		t.Fatalf("upstream called %d times despite violation", upstreamCalls)
	}

	f.judge.violate = false
	result, err := f.service.Execute(context.Background(), f.rc, fn.Name, "owner-1", map[string]any{
		"path": map[string]any{"userId": "John"},
		"body": map[string]any{"name": "good repo"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success || upstreamCalls != 1 {
		t.Fatalf("clean input should execute once: success=%v calls=%d", result.Success, upstreamCalls)
	}
}

func TestExecutePipelineChecks(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	app := &models.App{
		ID:         uuid.New(),
		Name:       "ACI_TEST",
		Visibility: models.VisibilityPublic,
		Active:     true,
		SecuritySchemes: models.SecuritySchemes{
			NoAuth: &models.NoAuthScheme{},
		},
	}
	fn := restFunction("ACI_TEST", upstream.URL)
	la := &models.LinkedAccount{
		ID:                   uuid.New(),
		LinkedAccountOwnerID: "owner-1",
		SecurityScheme:       models.SchemeNoAuth,
		SecurityCredentials:  models.NoAuthCredentials{},
		Enabled:              true,
	}
	f := newFixture(t, app, fn, la)
	ctx := context.Background()
	input := map[string]any{
		"path": map[string]any{"userId": "John"},
		"body": map[string]any{"name": "John"},
	}

	_, err := f.service.Execute(ctx, f.rc, "ACI_TEST__NO_SUCH", "owner-1", input)
	assertTitle(t, err, "Function not found")

	_, err = f.service.Execute(ctx, f.rc, fn.Name, "other-owner", input)
	assertTitle(t, err, "Linked account not found")

	cfg, _ := f.store.GetAppConfiguration(ctx, f.rc.Project.ID, "ACI_TEST")
	cfg.Enabled = false
	if err := f.store.UpdateAppConfiguration(ctx, cfg); err != nil {
		t.Fatalf("UpdateAppConfiguration: %v", err)
	}
	_, err = f.service.Execute(ctx, f.rc, fn.Name, "owner-1", input)
	assertTitle(t, err, "App configuration disabled")
	cfg.Enabled = true
	f.store.UpdateAppConfiguration(ctx, cfg)

	f.rc.Agent.AllowedApps = nil
	_, err = f.service.Execute(ctx, f.rc, fn.Name, "owner-1", input)
	assertTitle(t, err, "App not allowed for this agent")
	f.rc.Agent.AllowedApps = []string{"ACI_TEST"}

	if err := f.store.UpdateLinkedAccountEnabled(ctx, la.ID, false); err != nil {
		t.Fatalf("UpdateLinkedAccountEnabled: %v", err)
	}
	_, err = f.service.Execute(ctx, f.rc, fn.Name, "owner-1", input)
	assertTitle(t, err, "Linked account disabled")
	f.store.UpdateLinkedAccountEnabled(ctx, la.ID, true)

	_, err = f.service.Execute(ctx, f.rc, fn.Name, "owner-1", map[string]any{
		"path": map[string]any{"userId": 42},
		"body": map[string]any{"name": "John"},
	})
	assertTitle(t, err, "Invalid function input")
}

func TestExecuteDownstreamFailureIsNotATransportError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(map[string]any{"message": "upstream exploded"})
	}))
	defer upstream.Close()

	app := &models.App{
		ID:              uuid.New(),
		Name:            "ACI_TEST",
		Visibility:      models.VisibilityPublic,
		Active:          true,
		SecuritySchemes: models.SecuritySchemes{NoAuth: &models.NoAuthScheme{}},
	}
	fn := restFunction("ACI_TEST", upstream.URL)
	la := &models.LinkedAccount{
		ID:                   uuid.New(),
		LinkedAccountOwnerID: "owner-1",
		SecurityScheme:       models.SchemeNoAuth,
		SecurityCredentials:  models.NoAuthCredentials{},
		Enabled:              true,
	}
	f := newFixture(t, app, fn, la)

	result, err := f.service.Execute(context.Background(), f.rc, fn.Name, "owner-1", map[string]any{
		"path": map[string]any{"userId": "John"},
		"body": map[string]any{"name": "John"},
	})
	if err != nil {
		t.Fatalf("downstream failure must not be a pipeline error: %v", err)
	}
	if result.Success {
		t.Fatal("expected success=false")
	}
	if result.Error == "" {
		t.Fatal("expected error message from upstream body")
	}
}

func TestExecuteConnectorDispatch(t *testing.T) {
	meta := json.RawMessage(`{}`)
	app := &models.App{
		ID:              uuid.New(),
		Name:            "MOCK_APP",
		Visibility:      models.VisibilityPublic,
		Active:          true,
		SecuritySchemes: models.SecuritySchemes{NoAuth: &models.NoAuthScheme{}},
	}
	fn := &models.Function{
		ID:           uuid.New(),
		AppName:      "MOCK_APP",
		Name:         "MOCK_APP__ECHO",
		Description:  "Echoes the input",
		Visibility:   models.VisibilityPublic,
		Active:       true,
		Protocol:     models.ProtocolConnector,
		ProtocolData: meta,
		Parameters: map[string]any{
			"type":                 "object",
			"additionalProperties": false,
			"required":             []any{"input_string"},
			"visible":              []any{"input_string"},
			"properties": map[string]any{
				"input_string": map[string]any{"type": "string"},
			},
		},
	}
	la := &models.LinkedAccount{
		ID:                   uuid.New(),
		LinkedAccountOwnerID: "owner-1",
		SecurityScheme:       models.SchemeNoAuth,
		SecurityCredentials:  models.NoAuthCredentials{},
		Enabled:              true,
	}
	f := newFixture(t, app, fn, la)
	f.reg.Register("MOCK_APP__ECHO", func(_ context.Context, req *connectors.Request) (any, error) {
		return map[string]any{"echo": req.Input["input_string"]}, nil
	})

	result, err := f.service.Execute(context.Background(), f.rc, fn.Name, "owner-1", map[string]any{"input_string": "hello"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	data := result.Data.(map[string]any)
	if data["echo"] != "hello" {
		t.Fatalf("data = %v", data)
	}

	// unregistered connector function is a pipeline error
	fn2 := fn.Clone()
	fn2.ID = uuid.New()
	fn2.Name = "MOCK_APP__MISSING"
	if err := f.store.CreateFunction(context.Background(), fn2); err != nil {
		t.Fatalf("CreateFunction: %v", err)
	}
	_, err = f.service.Execute(context.Background(), f.rc, fn2.Name, "owner-1", map[string]any{"input_string": "hello"})
	assertTitle(t, err, "No implementation found")
}

func assertTitle(t *testing.T, err error, title string) {
	t.Helper()
	e, ok := errs.As(err)
	if !ok {
		t.Fatalf("expected *errs.Error, got %v", err)
	}
	if e.Title != title {
		t.Fatalf("title = %q, want %q", e.Title, title)
	}
}
