package connectors

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/toolbridge/toolbridge/internal/crypto"
	"github.com/toolbridge/toolbridge/internal/errs"
	"github.com/toolbridge/toolbridge/internal/store"
	"github.com/toolbridge/toolbridge/pkg/models"
)

func newSecretsFixture(t *testing.T) (*Registry, *store.MemoryStore, *Request) {
	t.Helper()
	cipher, err := crypto.NewLocalCipher("secrets-test")
	if err != nil {
		t.Fatalf("NewLocalCipher: %v", err)
	}
	cs := crypto.NewService(cipher, "hmac")
	st := store.NewMemoryStore()

	reg := NewRegistry()
	NewSecretsManager(st, cs).RegisterOn(reg)

	req := &Request{
		LinkedAccount: &models.LinkedAccount{
			ID:                   uuid.New(),
			LinkedAccountOwnerID: "owner-1",
			SecurityScheme:       models.SchemeNoAuth,
		},
		SchemeType:  models.SchemeNoAuth,
		Credentials: models.NoAuthCredentials{},
	}
	return reg, st, req
}

func call(t *testing.T, reg *Registry, req *Request, name string, input map[string]any) (any, error) {
	t.Helper()
	handler, ok := reg.Lookup(name)
	if !ok {
		t.Fatalf("handler %s not registered", name)
	}
	callReq := *req
	callReq.Input = input
	return handler(context.Background(), &callReq)
}

func TestSecretsManagerLifecycle(t *testing.T) {
	reg, st, req := newSecretsFixture(t)

	data, err := call(t, reg, req, "AGENT_SECRETS_MANAGER__LIST_CREDENTIALS", nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if creds := data.([]DomainCredential); len(creds) != 0 {
		t.Fatalf("fresh account should have no credentials: %v", creds)
	}

	_, err = call(t, reg, req, "AGENT_SECRETS_MANAGER__CREATE_CREDENTIAL_FOR_DOMAIN", map[string]any{
		"domain":   "aci.dev",
		"username": "testuser",
		"password": "testpassw0rd!",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// stored value is ciphertext, not the password
	secret, err := st.GetSecret(context.Background(), req.LinkedAccount.ID, "aci.dev")
	if err != nil {
		t.Fatalf("GetSecret: %v", err)
	}
	if string(secret.Value) == `{"username":"testuser","password":"testpassw0rd!"}` {
		t.Fatal("secret stored in plaintext")
	}

	data, err = call(t, reg, req, "AGENT_SECRETS_MANAGER__LIST_CREDENTIALS", nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	creds := data.([]DomainCredential)
	if len(creds) != 1 || creds[0].Domain != "aci.dev" || creds[0].Username != "testuser" || creds[0].Password != "testpassw0rd!" {
		t.Fatalf("list after create = %v", creds)
	}

	data, err = call(t, reg, req, "AGENT_SECRETS_MANAGER__GET_CREDENTIAL_FOR_DOMAIN", map[string]any{"domain": "aci.dev"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := data.(DomainCredential); got.Password != "testpassw0rd!" {
		t.Fatalf("get = %v", got)
	}

	_, err = call(t, reg, req, "AGENT_SECRETS_MANAGER__UPDATE_CREDENTIAL_FOR_DOMAIN", map[string]any{
		"domain":   "aci.dev",
		"username": "testuser",
		"password": "newpassw0rd!",
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	data, _ = call(t, reg, req, "AGENT_SECRETS_MANAGER__GET_CREDENTIAL_FOR_DOMAIN", map[string]any{"domain": "aci.dev"})
	if got := data.(DomainCredential); got.Password != "newpassw0rd!" {
		t.Fatalf("password not updated: %v", got)
	}

	if _, err = call(t, reg, req, "AGENT_SECRETS_MANAGER__DELETE_CREDENTIAL_FOR_DOMAIN", map[string]any{"domain": "aci.dev"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	data, _ = call(t, reg, req, "AGENT_SECRETS_MANAGER__LIST_CREDENTIALS", nil)
	if creds := data.([]DomainCredential); len(creds) != 0 {
		t.Fatalf("list after delete = %v", creds)
	}
}

func TestSecretsManagerTypedErrors(t *testing.T) {
	reg, _, req := newSecretsFixture(t)

	_, err := call(t, reg, req, "AGENT_SECRETS_MANAGER__GET_CREDENTIAL_FOR_DOMAIN", map[string]any{"domain": "missing.dev"})
	assertSecretsError(t, err)

	_, err = call(t, reg, req, "AGENT_SECRETS_MANAGER__UPDATE_CREDENTIAL_FOR_DOMAIN", map[string]any{
		"domain": "missing.dev", "username": "u", "password": "p",
	})
	assertSecretsError(t, err)

	_, err = call(t, reg, req, "AGENT_SECRETS_MANAGER__DELETE_CREDENTIAL_FOR_DOMAIN", map[string]any{"domain": "missing.dev"})
	assertSecretsError(t, err)

	_, err = call(t, reg, req, "AGENT_SECRETS_MANAGER__CREATE_CREDENTIAL_FOR_DOMAIN", map[string]any{
		"domain": "aci.dev", "username": "u", "password": "p",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = call(t, reg, req, "AGENT_SECRETS_MANAGER__CREATE_CREDENTIAL_FOR_DOMAIN", map[string]any{
		"domain": "aci.dev", "username": "u", "password": "p",
	})
	assertSecretsError(t, err)
}

func assertSecretsError(t *testing.T, err error) {
	t.Helper()
	e, ok := errs.As(err)
	if !ok || e.Title != "Agent secrets manager error" {
		t.Fatalf("want agent secrets manager error, got %v", err)
	}
}
