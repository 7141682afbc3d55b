package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/toolbridge/toolbridge/internal/security"
	"github.com/toolbridge/toolbridge/pkg/models"
)

// PostgresStore implements Store on PostgreSQL with the pgvector extension.
// Scheme and credential JSONB columns go through the security codec, so
// protected fields are encrypted at rest.
type PostgresStore struct {
	pool       *pgxpool.Pool
	codec      *security.Codec
	dimensions int
}

// NewPostgresStore connects, pings, and creates the schema if needed.
func NewPostgresStore(ctx context.Context, connURL string, codec *security.Codec, dimensions int) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	s := &PostgresStore{pool: pool, codec: codec, dimensions: dimensions}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Info().Int("dims", dimensions).Msg("postgres store initialized")
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;

		CREATE TABLE IF NOT EXISTS apps (
			id                           UUID PRIMARY KEY,
			name                         TEXT NOT NULL UNIQUE,
			display_name                 TEXT NOT NULL DEFAULT '',
			provider                     TEXT NOT NULL DEFAULT '',
			version                      TEXT NOT NULL DEFAULT '',
			description                  TEXT NOT NULL DEFAULT '',
			logo                         TEXT NOT NULL DEFAULT '',
			categories                   TEXT[] NOT NULL DEFAULT '{}',
			visibility                   TEXT NOT NULL,
			active                       BOOLEAN NOT NULL DEFAULT TRUE,
			security_schemes             JSONB NOT NULL DEFAULT '{}',
			default_security_credentials JSONB NOT NULL DEFAULT '{}',
			embedding                    vector(%d),
			created_at                   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at                   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS functions (
			id            UUID PRIMARY KEY,
			app_id        UUID NOT NULL REFERENCES apps(id) ON DELETE CASCADE,
			app_name      TEXT NOT NULL,
			name          TEXT NOT NULL UNIQUE,
			description   TEXT NOT NULL DEFAULT '',
			tags          TEXT[] NOT NULL DEFAULT '{}',
			visibility    TEXT NOT NULL,
			active        BOOLEAN NOT NULL DEFAULT TRUE,
			protocol      TEXT NOT NULL,
			protocol_data JSONB NOT NULL DEFAULT '{}',
			parameters    JSONB NOT NULL DEFAULT '{}',
			response      JSONB NOT NULL DEFAULT '{}',
			embedding     vector(%d),
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_functions_app_name ON functions (app_name);

		CREATE TABLE IF NOT EXISTS projects (
			id                   UUID PRIMARY KEY,
			org_id               TEXT NOT NULL,
			name                 TEXT NOT NULL,
			visibility_access    TEXT NOT NULL,
			daily_quota_used     INTEGER NOT NULL DEFAULT 0,
			daily_quota_reset_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			total_quota_used     BIGINT NOT NULL DEFAULT 0,
			created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_projects_org ON projects (org_id);

		CREATE TABLE IF NOT EXISTS agents (
			id                  UUID PRIMARY KEY,
			project_id          UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			name                TEXT NOT NULL,
			description         TEXT NOT NULL DEFAULT '',
			allowed_apps        TEXT[] NOT NULL DEFAULT '{}',
			custom_instructions JSONB NOT NULL DEFAULT '{}',
			created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_agents_project ON agents (project_id);

		CREATE TABLE IF NOT EXISTS api_keys (
			id             UUID PRIMARY KEY,
			agent_id       UUID NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
			key_ciphertext TEXT NOT NULL UNIQUE,
			key_hmac       TEXT NOT NULL UNIQUE,
			status         TEXT NOT NULL,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_api_keys_agent ON api_keys (agent_id);

		CREATE TABLE IF NOT EXISTS app_configurations (
			id                        UUID PRIMARY KEY,
			project_id                UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			app_id                    UUID NOT NULL REFERENCES apps(id) ON DELETE CASCADE,
			app_name                  TEXT NOT NULL,
			security_scheme           TEXT NOT NULL,
			security_scheme_overrides JSONB NOT NULL DEFAULT '{}',
			enabled                   BOOLEAN NOT NULL DEFAULT TRUE,
			all_functions_enabled     BOOLEAN NOT NULL DEFAULT TRUE,
			enabled_functions         TEXT[] NOT NULL DEFAULT '{}',
			created_at                TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at                TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (project_id, app_name)
		);

		CREATE TABLE IF NOT EXISTS linked_accounts (
			id                      UUID PRIMARY KEY,
			project_id              UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			app_id                  UUID NOT NULL REFERENCES apps(id) ON DELETE CASCADE,
			app_name                TEXT NOT NULL,
			linked_account_owner_id TEXT NOT NULL,
			security_scheme         TEXT NOT NULL,
			security_credentials    JSONB NOT NULL DEFAULT '{}',
			enabled                 BOOLEAN NOT NULL DEFAULT TRUE,
			last_used_at            TIMESTAMPTZ,
			created_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (project_id, app_name, linked_account_owner_id)
		);

		CREATE TABLE IF NOT EXISTS secrets (
			id                UUID PRIMARY KEY,
			linked_account_id UUID NOT NULL REFERENCES linked_accounts(id) ON DELETE CASCADE,
			key               TEXT NOT NULL,
			value             BYTEA NOT NULL,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (linked_account_id, key)
		);
	`, s.dimensions, s.dimensions)

	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// vectorParam renders an embedding in pgvector's text format.
func vectorParam(v []float64) *string {
	if v == nil {
		return nil
	}
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(f, 'f', -1, 64))
	}
	sb.WriteByte(']')
	out := sb.String()
	return &out
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ── Apps ────────────────────────────────────────────────────

const appColumns = `id, name, display_name, provider, version, description, logo,
	categories, visibility, active, security_schemes, default_security_credentials,
	created_at, updated_at`

func (s *PostgresStore) scanApp(ctx context.Context, row pgx.Row) (*models.App, error) {
	var app models.App
	var schemesRaw, defaultsRaw []byte
	err := row.Scan(&app.ID, &app.Name, &app.DisplayName, &app.Provider, &app.Version,
		&app.Description, &app.Logo, &app.Categories, &app.Visibility, &app.Active,
		&schemesRaw, &defaultsRaw, &app.CreatedAt, &app.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if app.SecuritySchemes, err = s.codec.DecryptSchemes(ctx, schemesRaw); err != nil {
		return nil, err
	}
	if app.DefaultSecurityCredentials, err = s.codec.DecryptDefaultCredentials(ctx, defaultsRaw); err != nil {
		return nil, err
	}
	return &app, nil
}

func (s *PostgresStore) CreateApp(ctx context.Context, app *models.App) error {
	schemesRaw, err := s.codec.EncryptSchemes(ctx, app.SecuritySchemes)
	if err != nil {
		return err
	}
	defaultsRaw, err := s.codec.EncryptDefaultCredentials(ctx, app.DefaultSecurityCredentials)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO apps (id, name, display_name, provider, version, description, logo,
			categories, visibility, active, security_schemes, default_security_credentials,
			embedding, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		app.ID, app.Name, app.DisplayName, app.Provider, app.Version, app.Description,
		app.Logo, app.Categories, app.Visibility, app.Active, schemesRaw, defaultsRaw,
		vectorParam(app.Embedding), app.CreatedAt, app.UpdatedAt)
	if isUniqueViolation(err) {
		return &ErrAlreadyExists{Entity: "app", Key: app.Name}
	}
	return err
}

func (s *PostgresStore) UpdateApp(ctx context.Context, app *models.App) error {
	schemesRaw, err := s.codec.EncryptSchemes(ctx, app.SecuritySchemes)
	if err != nil {
		return err
	}
	defaultsRaw, err := s.codec.EncryptDefaultCredentials(ctx, app.DefaultSecurityCredentials)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE apps SET display_name=$2, provider=$3, version=$4, description=$5,
			logo=$6, categories=$7, visibility=$8, active=$9, security_schemes=$10,
			default_security_credentials=$11, embedding=$12, updated_at=NOW()
		WHERE name=$1`,
		app.Name, app.DisplayName, app.Provider, app.Version, app.Description,
		app.Logo, app.Categories, app.Visibility, app.Active, schemesRaw, defaultsRaw,
		vectorParam(app.Embedding))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "app", Key: app.Name}
	}
	return nil
}

func (s *PostgresStore) GetApp(ctx context.Context, name string, publicOnly, activeOnly bool) (*models.App, error) {
	query := `SELECT ` + appColumns + ` FROM apps WHERE name=$1`
	if publicOnly {
		query += ` AND visibility='public'`
	}
	if activeOnly {
		query += ` AND active`
	}
	app, err := s.scanApp(ctx, s.pool.QueryRow(ctx, query, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "app", Key: name}
	}
	return app, err
}

func (s *PostgresStore) SearchApps(ctx context.Context, filter AppFilter, intentEmbedding []float64, limit, offset int) ([]AppSearchResult, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	similarity := "0"
	orderBy := "name"
	if intentEmbedding != nil {
		p := arg(vectorParam(intentEmbedding))
		similarity = fmt.Sprintf("1 - (embedding <=> %s)", p)
		orderBy = fmt.Sprintf("embedding <=> %s", p)
	}
	if filter.PublicOnly {
		conds = append(conds, "visibility='public'")
	}
	if filter.ActiveOnly {
		conds = append(conds, "active")
	}
	if len(filter.Names) > 0 {
		conds = append(conds, "name = ANY("+arg(filter.Names)+")")
	}
	if len(filter.Categories) > 0 {
		conds = append(conds, "categories && "+arg(filter.Categories))
	}

	query := `SELECT ` + appColumns + `, ` + similarity + ` AS similarity FROM apps`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY " + orderBy
	if limit > 0 {
		query += " LIMIT " + arg(limit)
	}
	if offset > 0 {
		query += " OFFSET " + arg(offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search apps: %w", err)
	}
	defer rows.Close()

	var results []AppSearchResult
	for rows.Next() {
		var app models.App
		var schemesRaw, defaultsRaw []byte
		var sim float64
		if err := rows.Scan(&app.ID, &app.Name, &app.DisplayName, &app.Provider,
			&app.Version, &app.Description, &app.Logo, &app.Categories, &app.Visibility,
			&app.Active, &schemesRaw, &defaultsRaw, &app.CreatedAt, &app.UpdatedAt, &sim); err != nil {
			return nil, err
		}
		if app.SecuritySchemes, err = s.codec.DecryptSchemes(ctx, schemesRaw); err != nil {
			return nil, err
		}
		if app.DefaultSecurityCredentials, err = s.codec.DecryptDefaultCredentials(ctx, defaultsRaw); err != nil {
			return nil, err
		}
		results = append(results, AppSearchResult{App: app, Similarity: sim})
	}
	return results, rows.Err()
}

func (s *PostgresStore) UpdateAppDefaultCredentials(ctx context.Context, appName string, creds models.SecurityCredentials) error {
	app, err := s.GetApp(ctx, appName, false, false)
	if err != nil {
		return err
	}
	switch c := creds.(type) {
	case models.NoAuthCredentials:
		app.DefaultSecurityCredentials.NoAuth = &c
	case *models.APIKeyCredentials:
		app.DefaultSecurityCredentials.APIKey = c
	case *models.OAuth2Credentials:
		app.DefaultSecurityCredentials.OAuth2 = c
	}
	defaultsRaw, err := s.codec.EncryptDefaultCredentials(ctx, app.DefaultSecurityCredentials)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE apps SET default_security_credentials=$2, updated_at=NOW() WHERE name=$1`,
		appName, defaultsRaw)
	return err
}

func (s *PostgresStore) RenameApp(ctx context.Context, oldName, newName string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	oldPrefix := oldName + "__"
	newPrefix := newName + "__"

	tag, err := tx.Exec(ctx, `UPDATE apps SET name=$2, updated_at=NOW() WHERE name=$1`, oldName, newName)
	if err != nil {
		if isUniqueViolation(err) {
			return &ErrAlreadyExists{Entity: "app", Key: newName}
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "app", Key: oldName}
	}

	steps := []struct {
		sql  string
		args []any
	}{
		{`UPDATE functions SET app_name=$2, name=$3 || substring(name FROM length($4)+1), updated_at=NOW()
			WHERE app_name=$1`, []any{oldName, newName, newPrefix, oldPrefix}},
		{`UPDATE app_configurations SET app_name=$2,
			enabled_functions=(SELECT COALESCE(array_agg(
				CASE WHEN f LIKE $3 || '%' THEN $4 || substring(f FROM length($3)+1) ELSE f END), '{}')
				FROM unnest(enabled_functions) AS f),
			updated_at=NOW()
			WHERE app_name=$1`, []any{oldName, newName, oldPrefix, newPrefix}},
		{`UPDATE linked_accounts SET app_name=$2, updated_at=NOW() WHERE app_name=$1`,
			[]any{oldName, newName}},
		{`UPDATE agents SET allowed_apps=array_replace(allowed_apps, $1, $2), updated_at=NOW()
			WHERE $1 = ANY(allowed_apps)`, []any{oldName, newName}},
		{`UPDATE agents SET custom_instructions=(
			SELECT COALESCE(jsonb_object_agg(
				CASE WHEN key LIKE $1 || '%' THEN $2 || substring(key FROM length($1)+1) ELSE key END, value), '{}'::jsonb)
			FROM jsonb_each(custom_instructions)), updated_at=NOW()
			WHERE custom_instructions::text LIKE '%' || $1 || '%'`,
			[]any{oldPrefix, newPrefix}},
	}
	for _, step := range steps {
		if _, err := tx.Exec(ctx, step.sql, step.args...); err != nil {
			return fmt.Errorf("rename app cascade: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) DeleteApp(ctx context.Context, name string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	prefix := name + "__"
	// Functions, linked accounts (and their secrets), and app configurations
	// go away via ON DELETE CASCADE; agent references need explicit cleanup.
	if _, err := tx.Exec(ctx,
		`UPDATE agents SET allowed_apps=array_remove(allowed_apps, $1), updated_at=NOW()
		 WHERE $1 = ANY(allowed_apps)`, name); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE agents SET custom_instructions=(
			SELECT COALESCE(jsonb_object_agg(key, value), '{}'::jsonb)
			FROM jsonb_each(custom_instructions) WHERE key NOT LIKE $1)
		WHERE custom_instructions::text LIKE '%' || $2 || '%'`,
		prefix+"%", prefix); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `DELETE FROM apps WHERE name=$1`, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "app", Key: name}
	}
	return tx.Commit(ctx)
}

// ── Functions ───────────────────────────────────────────────

const functionColumns = `id, app_id, app_name, name, description, tags, visibility,
	active, protocol, protocol_data, parameters, response, created_at, updated_at`

func scanFunction(row pgx.Row) (*models.Function, error) {
	var fn models.Function
	err := row.Scan(&fn.ID, &fn.AppID, &fn.AppName, &fn.Name, &fn.Description, &fn.Tags,
		&fn.Visibility, &fn.Active, &fn.Protocol, &fn.ProtocolData, &fn.Parameters,
		&fn.Response, &fn.CreatedAt, &fn.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &fn, nil
}

func (s *PostgresStore) CreateFunction(ctx context.Context, fn *models.Function) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO functions (id, app_id, app_name, name, description, tags, visibility,
			active, protocol, protocol_data, parameters, response, embedding, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		fn.ID, fn.AppID, fn.AppName, fn.Name, fn.Description, fn.Tags, fn.Visibility,
		fn.Active, fn.Protocol, fn.ProtocolData, fn.Parameters, fn.Response,
		vectorParam(fn.Embedding), fn.CreatedAt, fn.UpdatedAt)
	if isUniqueViolation(err) {
		return &ErrAlreadyExists{Entity: "function", Key: fn.Name}
	}
	return err
}

func (s *PostgresStore) UpdateFunction(ctx context.Context, fn *models.Function) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE functions SET description=$2, tags=$3, visibility=$4, active=$5,
			protocol=$6, protocol_data=$7, parameters=$8, response=$9, embedding=$10,
			updated_at=NOW()
		WHERE name=$1`,
		fn.Name, fn.Description, fn.Tags, fn.Visibility, fn.Active, fn.Protocol,
		fn.ProtocolData, fn.Parameters, fn.Response, vectorParam(fn.Embedding))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "function", Key: fn.Name}
	}
	return nil
}

func (s *PostgresStore) GetFunction(ctx context.Context, name string, publicOnly, activeOnly bool) (*models.Function, error) {
	query := `SELECT ` + prefixColumns("f", functionColumns) + `
		FROM functions f JOIN apps a ON a.id = f.app_id
		WHERE f.name=$1`
	if publicOnly {
		query += ` AND f.visibility='public' AND a.visibility='public'`
	}
	if activeOnly {
		query += ` AND f.active AND a.active`
	}
	fn, err := scanFunction(s.pool.QueryRow(ctx, query, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "function", Key: name}
	}
	return fn, err
}

func (s *PostgresStore) SearchFunctions(ctx context.Context, filter FunctionFilter, intentEmbedding []float64, limit, offset int) ([]models.Function, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	orderBy := "f.name"
	if intentEmbedding != nil {
		orderBy = "f.embedding <=> " + arg(vectorParam(intentEmbedding))
	}
	if filter.PublicOnly {
		conds = append(conds, "f.visibility='public'", "a.visibility='public'")
	}
	if filter.ActiveOnly {
		conds = append(conds, "f.active", "a.active")
	}
	if len(filter.AppNames) > 0 {
		conds = append(conds, "f.app_name = ANY("+arg(filter.AppNames)+")")
	}

	query := `SELECT ` + prefixColumns("f", functionColumns) + `
		FROM functions f JOIN apps a ON a.id = f.app_id`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY " + orderBy
	if limit > 0 {
		query += " LIMIT " + arg(limit)
	}
	if offset > 0 {
		query += " OFFSET " + arg(offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search functions: %w", err)
	}
	defer rows.Close()

	var out []models.Function
	for rows.Next() {
		fn, err := scanFunction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *fn)
	}
	return out, rows.Err()
}

// prefixColumns qualifies a comma-separated column list with a table alias.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// ── Projects ────────────────────────────────────────────────

const projectColumns = `id, org_id, name, visibility_access, daily_quota_used,
	daily_quota_reset_at, total_quota_used, created_at, updated_at`

func scanProject(row pgx.Row) (*models.Project, error) {
	var p models.Project
	err := row.Scan(&p.ID, &p.OrgID, &p.Name, &p.VisibilityAccess, &p.DailyQuotaUsed,
		&p.DailyQuotaResetAt, &p.TotalQuotaUsed, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) CreateProject(ctx context.Context, project *models.Project) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO projects (id, org_id, name, visibility_access, daily_quota_used,
			daily_quota_reset_at, total_quota_used, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		project.ID, project.OrgID, project.Name, project.VisibilityAccess,
		project.DailyQuotaUsed, project.DailyQuotaResetAt, project.TotalQuotaUsed,
		project.CreatedAt, project.UpdatedAt)
	if isUniqueViolation(err) {
		return &ErrAlreadyExists{Entity: "project", Key: project.ID.String()}
	}
	return err
}

func (s *PostgresStore) GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	p, err := scanProject(s.pool.QueryRow(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "project", Key: id.String()}
	}
	return p, err
}

func (s *PostgresStore) ListProjectsByOrg(ctx context.Context, orgID string) ([]models.Project, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE org_id=$1 ORDER BY created_at`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteProject(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM projects WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "project", Key: id.String()}
	}
	return nil
}

func (s *PostgresStore) IncreaseProjectQuotaUsage(ctx context.Context, id uuid.UUID, maxDaily int) (*models.Project, error) {
	// Single UPDATE so concurrent executions under one project serialize on
	// the row: either the window rolled over (restart at 1) or the counter
	// increments while still under budget.
	interval := fmt.Sprintf("'%d seconds'::interval", int(QuotaResetInterval.Seconds()))
	p, err := scanProject(s.pool.QueryRow(ctx, `
		UPDATE projects SET
			daily_quota_used = CASE
				WHEN NOW() >= daily_quota_reset_at + `+interval+` THEN 1
				ELSE daily_quota_used + 1 END,
			daily_quota_reset_at = CASE
				WHEN NOW() >= daily_quota_reset_at + `+interval+` THEN NOW()
				ELSE daily_quota_reset_at END,
			total_quota_used = total_quota_used + 1,
			updated_at = NOW()
		WHERE id=$1 AND (NOW() >= daily_quota_reset_at + `+interval+` OR daily_quota_used < $2)
		RETURNING `+projectColumns,
		id, maxDaily))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, gerr := s.GetProject(ctx, id); gerr != nil {
			return nil, gerr
		}
		return nil, ErrQuotaExceeded
	}
	return p, err
}

// ── Agents & API keys ───────────────────────────────────────

const agentColumns = `id, project_id, name, description, allowed_apps,
	custom_instructions, created_at, updated_at`

func scanAgent(row pgx.Row) (*models.Agent, error) {
	var a models.Agent
	err := row.Scan(&a.ID, &a.ProjectID, &a.Name, &a.Description, &a.AllowedApps,
		&a.CustomInstructions, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) CreateAgent(ctx context.Context, agent *models.Agent, key *models.APIKey) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO agents (id, project_id, name, description, allowed_apps,
			custom_instructions, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		agent.ID, agent.ProjectID, agent.Name, agent.Description, agent.AllowedApps,
		agent.CustomInstructions, agent.CreatedAt, agent.UpdatedAt); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO api_keys (id, agent_id, key_ciphertext, key_hmac, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		key.ID, key.AgentID, key.KeyCiphertext, key.KeyHMAC, key.Status,
		key.CreatedAt, key.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return &ErrAlreadyExists{Entity: "api key", Key: key.ID.String()}
		}
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetAgent(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	a, err := scanAgent(s.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "agent", Key: id.String()}
	}
	return a, err
}

func (s *PostgresStore) ListAgents(ctx context.Context, projectID uuid.UUID) ([]models.Agent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE project_id=$1 ORDER BY created_at`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateAgent(ctx context.Context, agent *models.Agent) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE agents SET name=$2, description=$3, allowed_apps=$4,
			custom_instructions=$5, updated_at=NOW()
		WHERE id=$1`,
		agent.ID, agent.Name, agent.Description, agent.AllowedApps, agent.CustomInstructions)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "agent", Key: agent.ID.String()}
	}
	return nil
}

func (s *PostgresStore) DeleteAgent(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM agents WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "agent", Key: id.String()}
	}
	return nil
}

const apiKeyColumns = `id, agent_id, key_ciphertext, key_hmac, status, created_at, updated_at`

func scanAPIKey(row pgx.Row) (*models.APIKey, error) {
	var k models.APIKey
	err := row.Scan(&k.ID, &k.AgentID, &k.KeyCiphertext, &k.KeyHMAC, &k.Status,
		&k.CreatedAt, &k.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *PostgresStore) GetAPIKeyByHMAC(ctx context.Context, hmac string) (*models.APIKey, error) {
	k, err := scanAPIKey(s.pool.QueryRow(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hmac=$1`, hmac))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "api key", Key: hmac}
	}
	return k, err
}

func (s *PostgresStore) GetAPIKeyByAgent(ctx context.Context, agentID uuid.UUID) (*models.APIKey, error) {
	k, err := scanAPIKey(s.pool.QueryRow(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE agent_id=$1`, agentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "api key", Key: agentID.String()}
	}
	return k, err
}

func (s *PostgresStore) GetAgentByAPIKeyID(ctx context.Context, apiKeyID uuid.UUID) (*models.Agent, error) {
	a, err := scanAgent(s.pool.QueryRow(ctx,
		`SELECT `+prefixColumns("a", agentColumns)+`
		 FROM agents a JOIN api_keys k ON k.agent_id = a.id WHERE k.id=$1`, apiKeyID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "agent", Key: apiKeyID.String()}
	}
	return a, err
}

func (s *PostgresStore) GetProjectByAPIKeyID(ctx context.Context, apiKeyID uuid.UUID) (*models.Project, error) {
	p, err := scanProject(s.pool.QueryRow(ctx,
		`SELECT `+prefixColumns("p", projectColumns)+`
		 FROM projects p
		 JOIN agents a ON a.project_id = p.id
		 JOIN api_keys k ON k.agent_id = a.id
		 WHERE k.id=$1`, apiKeyID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "project", Key: apiKeyID.String()}
	}
	return p, err
}

// ── App configurations ──────────────────────────────────────

const configColumns = `id, project_id, app_id, app_name, security_scheme,
	security_scheme_overrides, enabled, all_functions_enabled, enabled_functions,
	created_at, updated_at`

func scanConfig(row pgx.Row) (*models.AppConfiguration, error) {
	var c models.AppConfiguration
	err := row.Scan(&c.ID, &c.ProjectID, &c.AppID, &c.AppName, &c.SecurityScheme,
		&c.SecuritySchemeOverrides, &c.Enabled, &c.AllFunctionsEnabled,
		&c.EnabledFunctions, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) CreateAppConfiguration(ctx context.Context, cfg *models.AppConfiguration) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO app_configurations (id, project_id, app_id, app_name, security_scheme,
			security_scheme_overrides, enabled, all_functions_enabled, enabled_functions,
			created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		cfg.ID, cfg.ProjectID, cfg.AppID, cfg.AppName, cfg.SecurityScheme,
		cfg.SecuritySchemeOverrides, cfg.Enabled, cfg.AllFunctionsEnabled,
		cfg.EnabledFunctions, cfg.CreatedAt, cfg.UpdatedAt)
	if isUniqueViolation(err) {
		return &ErrAlreadyExists{Entity: "app configuration", Key: cfg.AppName}
	}
	return err
}

func (s *PostgresStore) GetAppConfiguration(ctx context.Context, projectID uuid.UUID, appName string) (*models.AppConfiguration, error) {
	c, err := scanConfig(s.pool.QueryRow(ctx,
		`SELECT `+configColumns+` FROM app_configurations WHERE project_id=$1 AND app_name=$2`,
		projectID, appName))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "app configuration", Key: appName}
	}
	return c, err
}

func (s *PostgresStore) ListAppConfigurations(ctx context.Context, projectID uuid.UUID, limit, offset int) ([]models.AppConfiguration, error) {
	query := `SELECT ` + configColumns + ` FROM app_configurations WHERE project_id=$1 ORDER BY app_name`
	args := []any{projectID}
	if limit > 0 {
		args = append(args, limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AppConfiguration
	for rows.Next() {
		c, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateAppConfiguration(ctx context.Context, cfg *models.AppConfiguration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE app_configurations SET security_scheme=$3, security_scheme_overrides=$4,
			enabled=$5, all_functions_enabled=$6, enabled_functions=$7, updated_at=NOW()
		WHERE project_id=$1 AND app_name=$2`,
		cfg.ProjectID, cfg.AppName, cfg.SecurityScheme, cfg.SecuritySchemeOverrides,
		cfg.Enabled, cfg.AllFunctionsEnabled, cfg.EnabledFunctions)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "app configuration", Key: cfg.AppName}
	}
	return nil
}

func (s *PostgresStore) DeleteAppConfiguration(ctx context.Context, projectID uuid.UUID, appName string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`DELETE FROM app_configurations WHERE project_id=$1 AND app_name=$2`, projectID, appName)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "app configuration", Key: appName}
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM linked_accounts WHERE project_id=$1 AND app_name=$2`, projectID, appName); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE agents SET allowed_apps=array_remove(allowed_apps, $2), updated_at=NOW()
		 WHERE project_id=$1 AND $2 = ANY(allowed_apps)`, projectID, appName); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ── Linked accounts ─────────────────────────────────────────

const linkedAccountColumns = `id, project_id, app_id, app_name, linked_account_owner_id,
	security_scheme, security_credentials, enabled, last_used_at, created_at, updated_at`

func (s *PostgresStore) scanLinkedAccount(ctx context.Context, row pgx.Row) (*models.LinkedAccount, error) {
	var la models.LinkedAccount
	var credsRaw []byte
	err := row.Scan(&la.ID, &la.ProjectID, &la.AppID, &la.AppName, &la.LinkedAccountOwnerID,
		&la.SecurityScheme, &credsRaw, &la.Enabled, &la.LastUsedAt, &la.CreatedAt, &la.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if la.SecurityCredentials, err = s.codec.DecryptCredentials(ctx, la.SecurityScheme, credsRaw); err != nil {
		return nil, err
	}
	return &la, nil
}

func (s *PostgresStore) CreateLinkedAccount(ctx context.Context, la *models.LinkedAccount) error {
	if !CredentialsMatchScheme(la.SecurityScheme, la.SecurityCredentials) {
		return &ErrCredentialsMismatch{Scheme: la.SecurityScheme}
	}
	credsRaw, err := s.codec.EncryptCredentials(ctx, la.SecurityCredentials)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO linked_accounts (id, project_id, app_id, app_name, linked_account_owner_id,
			security_scheme, security_credentials, enabled, last_used_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		la.ID, la.ProjectID, la.AppID, la.AppName, la.LinkedAccountOwnerID,
		la.SecurityScheme, credsRaw, la.Enabled, la.LastUsedAt, la.CreatedAt, la.UpdatedAt)
	if isUniqueViolation(err) {
		return &ErrAlreadyExists{Entity: "linked account", Key: la.LinkedAccountOwnerID}
	}
	return err
}

func (s *PostgresStore) GetLinkedAccount(ctx context.Context, projectID uuid.UUID, appName, ownerID string) (*models.LinkedAccount, error) {
	la, err := s.scanLinkedAccount(ctx, s.pool.QueryRow(ctx,
		`SELECT `+linkedAccountColumns+` FROM linked_accounts
		 WHERE project_id=$1 AND app_name=$2 AND linked_account_owner_id=$3`,
		projectID, appName, ownerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "linked account", Key: ownerID}
	}
	return la, err
}

func (s *PostgresStore) GetLinkedAccountByID(ctx context.Context, id uuid.UUID) (*models.LinkedAccount, error) {
	la, err := s.scanLinkedAccount(ctx, s.pool.QueryRow(ctx,
		`SELECT `+linkedAccountColumns+` FROM linked_accounts WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "linked account", Key: id.String()}
	}
	return la, err
}

func (s *PostgresStore) ListLinkedAccounts(ctx context.Context, projectID uuid.UUID, appName, ownerID string) ([]models.LinkedAccount, error) {
	query := `SELECT ` + linkedAccountColumns + ` FROM linked_accounts WHERE project_id=$1`
	args := []any{projectID}
	if appName != "" {
		args = append(args, appName)
		query += ` AND app_name=$` + strconv.Itoa(len(args))
	}
	if ownerID != "" {
		args = append(args, ownerID)
		query += ` AND linked_account_owner_id=$` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.LinkedAccount
	for rows.Next() {
		la, err := s.scanLinkedAccount(ctx, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *la)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateLinkedAccountCredentials(ctx context.Context, id uuid.UUID, creds models.SecurityCredentials) error {
	la, err := s.GetLinkedAccountByID(ctx, id)
	if err != nil {
		return err
	}
	if !CredentialsMatchScheme(la.SecurityScheme, creds) {
		return &ErrCredentialsMismatch{Scheme: la.SecurityScheme}
	}
	credsRaw, err := s.codec.EncryptCredentials(ctx, creds)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE linked_accounts SET security_credentials=$2, updated_at=NOW() WHERE id=$1`,
		id, credsRaw)
	return err
}

func (s *PostgresStore) UpdateLinkedAccountEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE linked_accounts SET enabled=$2, updated_at=NOW() WHERE id=$1`, id, enabled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "linked account", Key: id.String()}
	}
	return nil
}

func (s *PostgresStore) UpdateLinkedAccountLastUsedAt(ctx context.Context, id uuid.UUID, t time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE linked_accounts SET last_used_at=$2 WHERE id=$1`, id, t)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "linked account", Key: id.String()}
	}
	return nil
}

func (s *PostgresStore) DeleteLinkedAccount(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM linked_accounts WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "linked account", Key: id.String()}
	}
	return nil
}

// ── Secrets ─────────────────────────────────────────────────

const secretColumns = `id, linked_account_id, key, value, created_at, updated_at`

func scanSecret(row pgx.Row) (*models.Secret, error) {
	var sec models.Secret
	err := row.Scan(&sec.ID, &sec.LinkedAccountID, &sec.Key, &sec.Value,
		&sec.CreatedAt, &sec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &sec, nil
}

func (s *PostgresStore) CreateSecret(ctx context.Context, secret *models.Secret) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO secrets (id, linked_account_id, key, value, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		secret.ID, secret.LinkedAccountID, secret.Key, secret.Value,
		secret.CreatedAt, secret.UpdatedAt)
	if isUniqueViolation(err) {
		return &ErrAlreadyExists{Entity: "secret", Key: secret.Key}
	}
	return err
}

func (s *PostgresStore) GetSecret(ctx context.Context, linkedAccountID uuid.UUID, key string) (*models.Secret, error) {
	sec, err := scanSecret(s.pool.QueryRow(ctx,
		`SELECT `+secretColumns+` FROM secrets WHERE linked_account_id=$1 AND key=$2`,
		linkedAccountID, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "secret", Key: key}
	}
	return sec, err
}

func (s *PostgresStore) ListSecrets(ctx context.Context, linkedAccountID uuid.UUID) ([]models.Secret, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+secretColumns+` FROM secrets WHERE linked_account_id=$1 ORDER BY key`,
		linkedAccountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Secret
	for rows.Next() {
		sec, err := scanSecret(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateSecret(ctx context.Context, secret *models.Secret) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE secrets SET value=$3, updated_at=NOW() WHERE linked_account_id=$1 AND key=$2`,
		secret.LinkedAccountID, secret.Key, secret.Value)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "secret", Key: secret.Key}
	}
	return nil
}

func (s *PostgresStore) DeleteSecret(ctx context.Context, linkedAccountID uuid.UUID, key string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM secrets WHERE linked_account_id=$1 AND key=$2`, linkedAccountID, key)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "secret", Key: key}
	}
	return nil
}
