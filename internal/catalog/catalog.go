// Package catalog loads app and function definitions from a directory tree
// and upserts them into the store.
//
// The layout is one directory per app:
//
//	<dir>/gmail/app.json        app metadata, security schemes, defaults
//	<dir>/gmail/functions.json  list of function definitions
//
// Loading is idempotent: existing apps and functions are updated in place,
// keyed by name. Search embeddings are recomputed on every load.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/toolbridge/toolbridge/internal/embeddings"
	"github.com/toolbridge/toolbridge/internal/store"
	"github.com/toolbridge/toolbridge/pkg/models"
)

// Embedder computes the search embedding for catalog text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// appFile is the on-disk shape of app.json. The scheme and credential
// documents never serialize on API responses, so the wire tags live here.
type appFile struct {
	Name        string            `json:"name"`
	DisplayName string            `json:"display_name"`
	Provider    string            `json:"provider"`
	Version     string            `json:"version"`
	Description string            `json:"description"`
	Logo        string            `json:"logo,omitempty"`
	Categories  []string          `json:"categories"`
	Visibility  models.Visibility `json:"visibility"`
	Active      bool              `json:"active"`

	SecuritySchemes            models.SecuritySchemes             `json:"security_schemes"`
	DefaultSecurityCredentials models.SecurityCredentialsByScheme `json:"default_security_credentials_by_scheme"`
}

// functionFile is the on-disk shape of one functions.json entry.
type functionFile struct {
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	Tags         []string          `json:"tags"`
	Visibility   models.Visibility `json:"visibility"`
	Active       bool              `json:"active"`
	Protocol     models.Protocol   `json:"protocol"`
	ProtocolData json.RawMessage   `json:"protocol_data,omitempty"`
	Parameters   map[string]any    `json:"parameters"`
	Response     map[string]any    `json:"response,omitempty"`
}

// Loader upserts definition directories into the store.
type Loader struct {
	store    store.Store
	embedder Embedder
}

func NewLoader(st store.Store, embedder Embedder) *Loader {
	return &Loader{store: st, embedder: embedder}
}

// Load walks dir and upserts every app directory it finds. A bad app
// directory fails the whole load; partial catalogs are worse than none.
func (l *Loader) Load(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read catalog dir: %w", err)
	}
	loaded := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := l.loadApp(ctx, filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("load app %s: %w", entry.Name(), err)
		}
		loaded++
	}
	log.Info().Int("apps", loaded).Str("dir", dir).Msg("catalog loaded")
	return nil
}

func (l *Loader) loadApp(ctx context.Context, dir string) error {
	var af appFile
	if err := readJSONFile(filepath.Join(dir, "app.json"), &af); err != nil {
		return err
	}
	if !models.ValidAppName(af.Name) {
		return fmt.Errorf("invalid app name %q", af.Name)
	}

	app, err := l.upsertApp(ctx, af)
	if err != nil {
		return err
	}

	var ffs []functionFile
	path := filepath.Join(dir, "functions.json")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := readJSONFile(path, &ffs); err != nil {
		return err
	}
	for _, ff := range ffs {
		if err := l.upsertFunction(ctx, app, ff); err != nil {
			return fmt.Errorf("function %s: %w", ff.Name, err)
		}
	}
	return nil
}

func (l *Loader) upsertApp(ctx context.Context, af appFile) (*models.App, error) {
	embedding, err := l.embedder.Embed(ctx, embeddings.AppText(af.Name, af.DisplayName, af.Provider, af.Description, af.Categories))
	if err != nil {
		return nil, fmt.Errorf("embed app text: %w", err)
	}

	app := &models.App{
		Name:                       af.Name,
		DisplayName:                af.DisplayName,
		Provider:                   af.Provider,
		Version:                    af.Version,
		Description:                af.Description,
		Logo:                       af.Logo,
		Categories:                 af.Categories,
		Visibility:                 af.Visibility,
		Active:                     af.Active,
		SecuritySchemes:            af.SecuritySchemes,
		DefaultSecurityCredentials: af.DefaultSecurityCredentials,
		Embedding:                  embedding,
	}

	existing, err := l.store.GetApp(ctx, af.Name, false, false)
	switch {
	case err == nil:
		app.ID = existing.ID
		app.CreatedAt = existing.CreatedAt
		return app, l.store.UpdateApp(ctx, app)
	case store.IsNotFound(err):
		app.ID = uuid.New()
		return app, l.store.CreateApp(ctx, app)
	default:
		return nil, err
	}
}

func (l *Loader) upsertFunction(ctx context.Context, app *models.App, ff functionFile) error {
	if !models.ValidFunctionName(ff.Name) {
		return fmt.Errorf("invalid function name %q", ff.Name)
	}
	embedding, err := l.embedder.Embed(ctx, embeddings.FunctionText(ff.Name, ff.Description))
	if err != nil {
		return fmt.Errorf("embed function text: %w", err)
	}

	fn := &models.Function{
		AppID:        app.ID,
		AppName:      app.Name,
		Name:         ff.Name,
		Description:  ff.Description,
		Tags:         ff.Tags,
		Visibility:   ff.Visibility,
		Active:       ff.Active,
		Protocol:     ff.Protocol,
		ProtocolData: ff.ProtocolData,
		Parameters:   ff.Parameters,
		Response:     ff.Response,
		Embedding:    embedding,
	}

	existing, err := l.store.GetFunction(ctx, ff.Name, false, false)
	switch {
	case err == nil:
		fn.ID = existing.ID
		fn.CreatedAt = existing.CreatedAt
		return l.store.UpdateFunction(ctx, fn)
	case store.IsNotFound(err):
		fn.ID = uuid.New()
		return l.store.CreateFunction(ctx, fn)
	default:
		return err
	}
}

func readJSONFile(path string, dst any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}
