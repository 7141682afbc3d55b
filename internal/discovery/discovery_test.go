package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/toolbridge/toolbridge/internal/store"
	"github.com/toolbridge/toolbridge/pkg/models"
)

// fixedEmbedder returns a canned vector per intent.
type fixedEmbedder struct {
	vectors map[string][]float64
	calls   int
}

func (e *fixedEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	e.calls++
	return e.vectors[text], nil
}

func seedCatalog(t *testing.T) *store.MemoryStore {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()

	apps := []*models.App{
		{ID: uuid.New(), Name: "GMAIL", Categories: []string{"email"}, Visibility: models.VisibilityPublic, Active: true, Embedding: []float64{1, 0}},
		{ID: uuid.New(), Name: "GITHUB", Categories: []string{"dev"}, Visibility: models.VisibilityPublic, Active: true, Embedding: []float64{0, 1}},
		{ID: uuid.New(), Name: "SLACK", Categories: []string{"chat"}, Visibility: models.VisibilityPublic, Active: false, Embedding: []float64{0.5, 0.5}},
	}
	for _, app := range apps {
		if err := st.CreateApp(ctx, app); err != nil {
			t.Fatalf("CreateApp %s: %v", app.Name, err)
		}
	}
	fns := []*models.Function{
		{ID: uuid.New(), AppName: "GMAIL", Name: "GMAIL__SEND_EMAIL", Description: "Send an email", Visibility: models.VisibilityPublic, Active: true, Protocol: models.ProtocolREST, Embedding: []float64{1, 0}},
		{ID: uuid.New(), AppName: "GITHUB", Name: "GITHUB__CREATE_REPOSITORY", Description: "Create a repository", Visibility: models.VisibilityPublic, Active: true, Protocol: models.ProtocolREST, Embedding: []float64{0, 1}},
	}
	for _, fn := range fns {
		if err := st.CreateFunction(ctx, fn); err != nil {
			t.Fatalf("CreateFunction %s: %v", fn.Name, err)
		}
	}
	return st
}

func testIdentity() (*models.Project, *models.Agent) {
	project := &models.Project{ID: uuid.New(), VisibilityAccess: models.VisibilityPublic, DailyQuotaResetAt: time.Now()}
	agent := &models.Agent{ID: uuid.New(), ProjectID: project.ID, Name: "a", AllowedApps: []string{"GMAIL"}}
	return project, agent
}

func TestSearchAppsByIntentOrdersByDistance(t *testing.T) {
	st := seedCatalog(t)
	embedder := &fixedEmbedder{vectors: map[string][]float64{"send email": {1, 0}}}
	svc := NewService(st, embedder)
	project, agent := testIdentity()

	apps, err := svc.SearchApps(context.Background(), project, agent, AppSearch{Intent: "send email", Limit: 10})
	if err != nil {
		t.Fatalf("SearchApps: %v", err)
	}
	if len(apps) != 2 {
		t.Fatalf("len = %d, want 2 (inactive app excluded)", len(apps))
	}
	if apps[0].Name != "GMAIL" || apps[1].Name != "GITHUB" {
		t.Fatalf("order = %s, %s", apps[0].Name, apps[1].Name)
	}
	if embedder.calls != 1 {
		t.Fatalf("embedder calls = %d", embedder.calls)
	}
}

func TestSearchAppsWithoutIntentSkipsEmbedding(t *testing.T) {
	st := seedCatalog(t)
	embedder := &fixedEmbedder{}
	svc := NewService(st, embedder)
	project, agent := testIdentity()

	apps, err := svc.SearchApps(context.Background(), project, agent, AppSearch{Categories: []string{"dev"}, Limit: 10})
	if err != nil {
		t.Fatalf("SearchApps: %v", err)
	}
	if len(apps) != 1 || apps[0].Name != "GITHUB" {
		t.Fatalf("apps = %v", apps)
	}
	if embedder.calls != 0 {
		t.Fatalf("embedder should not run without an intent, calls = %d", embedder.calls)
	}
}

func TestSearchFunctionsAllowedAppsOnly(t *testing.T) {
	st := seedCatalog(t)
	svc := NewService(st, &fixedEmbedder{})
	project, agent := testIdentity()

	fns, err := svc.SearchFunctions(context.Background(), project, agent, FunctionSearch{AllowedAppsOnly: true, Limit: 10})
	if err != nil {
		t.Fatalf("SearchFunctions: %v", err)
	}
	if len(fns) != 1 || fns[0].Name != "GMAIL__SEND_EMAIL" {
		t.Fatalf("functions = %v", fns)
	}

	// requested names outside the allow-list match nothing
	fns, err = svc.SearchFunctions(context.Background(), project, agent, FunctionSearch{
		AllowedAppsOnly: true, AppNames: []string{"GITHUB"}, Limit: 10,
	})
	if err != nil {
		t.Fatalf("SearchFunctions: %v", err)
	}
	if len(fns) != 0 {
		t.Fatalf("functions = %v, want none", fns)
	}
}

func TestFormatFunction(t *testing.T) {
	fn := &models.Function{
		Name:        "GMAIL__SEND_EMAIL",
		Description: "Send an email",
		Parameters: map[string]any{
			"type":                 "object",
			"additionalProperties": false,
			"required":             []any{"to", "tracking_id"},
			"visible":              []any{"to"},
			"properties": map[string]any{
				"to":          map[string]any{"type": "string"},
				"tracking_id": map[string]any{"type": "string", "default": "none"},
			},
		},
	}

	basic, err := FormatFunction(fn, models.FormatBasic)
	if err != nil {
		t.Fatalf("basic: %v", err)
	}
	if basic["name"] != fn.Name || basic["description"] != fn.Description {
		t.Fatalf("basic = %v", basic)
	}
	if _, ok := basic["parameters"]; ok {
		t.Fatal("basic format must not carry parameters")
	}

	openai, err := FormatFunction(fn, models.FormatOpenAI)
	if err != nil {
		t.Fatalf("openai: %v", err)
	}
	params := openai["function"].(map[string]any)["parameters"].(map[string]any)
	props := params["properties"].(map[string]any)
	if _, ok := props["tracking_id"]; ok {
		t.Fatal("invisible property leaked into definition")
	}
	if _, ok := params["visible"]; ok {
		t.Fatal("visible key leaked into definition")
	}

	responses, err := FormatFunction(fn, models.FormatOpenAIResponses)
	if err != nil {
		t.Fatalf("openai_responses: %v", err)
	}
	if responses["type"] != "function" || responses["name"] != fn.Name {
		t.Fatalf("openai_responses = %v", responses)
	}
	if _, ok := responses["parameters"]; !ok {
		t.Fatal("openai_responses missing parameters")
	}

	anthropic, err := FormatFunction(fn, models.FormatAnthropic)
	if err != nil {
		t.Fatalf("anthropic: %v", err)
	}
	if _, ok := anthropic["input_schema"]; !ok {
		t.Fatal("anthropic missing input_schema")
	}

	if _, err := FormatFunction(fn, models.FunctionFormat("yaml")); err == nil {
		t.Fatal("unknown format accepted")
	}
}
