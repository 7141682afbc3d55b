package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/toolbridge/toolbridge/internal/crypto"
	"github.com/toolbridge/toolbridge/internal/errs"
	"github.com/toolbridge/toolbridge/internal/store"
	"github.com/toolbridge/toolbridge/pkg/models"
)

// DomainCredential is one (domain, username, password) entry managed by
// the agent secrets manager app.
type DomainCredential struct {
	Domain   string `json:"domain"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type secretValue struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// SecretsManager implements the AGENT_SECRETS_MANAGER connector: CRUD
// over per-domain username/password pairs stored as encrypted secret
// rows scoped to the linked account. The app uses the no-auth scheme.
type SecretsManager struct {
	store  store.SecretStore
	crypto *crypto.Service
}

func NewSecretsManager(st store.SecretStore, cs *crypto.Service) *SecretsManager {
	return &SecretsManager{store: st, crypto: cs}
}

// RegisterOn declares every secrets-manager function in the registry.
func (m *SecretsManager) RegisterOn(r *Registry) {
	r.Register("AGENT_SECRETS_MANAGER__LIST_CREDENTIALS", m.listCredentials)
	r.Register("AGENT_SECRETS_MANAGER__GET_CREDENTIAL_FOR_DOMAIN", m.getCredential)
	r.Register("AGENT_SECRETS_MANAGER__CREATE_CREDENTIAL_FOR_DOMAIN", m.createCredential)
	r.Register("AGENT_SECRETS_MANAGER__UPDATE_CREDENTIAL_FOR_DOMAIN", m.updateCredential)
	r.Register("AGENT_SECRETS_MANAGER__DELETE_CREDENTIAL_FOR_DOMAIN", m.deleteCredential)
}

func (m *SecretsManager) listCredentials(ctx context.Context, req *Request) (any, error) {
	secrets, err := m.store.ListSecrets(ctx, req.LinkedAccount.ID)
	if err != nil {
		return nil, err
	}
	out := make([]DomainCredential, 0, len(secrets))
	for _, s := range secrets {
		val, err := m.decryptValue(ctx, s.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, DomainCredential{Domain: s.Key, Username: val.Username, Password: val.Password})
	}
	return out, nil
}

func (m *SecretsManager) getCredential(ctx context.Context, req *Request) (any, error) {
	domain, err := domainArg(req)
	if err != nil {
		return nil, err
	}
	secret, err := m.store.GetSecret(ctx, req.LinkedAccount.ID, domain)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, errs.AgentSecretsManagerError("no credentials found for domain '%s'", domain)
		}
		return nil, err
	}
	val, err := m.decryptValue(ctx, secret.Value)
	if err != nil {
		return nil, err
	}
	return DomainCredential{Domain: domain, Username: val.Username, Password: val.Password}, nil
}

func (m *SecretsManager) createCredential(ctx context.Context, req *Request) (any, error) {
	domain, username, password, err := credentialArgs(req)
	if err != nil {
		return nil, err
	}
	if _, err := m.store.GetSecret(ctx, req.LinkedAccount.ID, domain); err == nil {
		return nil, errs.AgentSecretsManagerError("credential for domain '%s' already exists", domain)
	} else if !store.IsNotFound(err) {
		return nil, err
	}
	value, err := m.encryptValue(ctx, username, password)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	secret := &models.Secret{
		ID:              uuid.New(),
		LinkedAccountID: req.LinkedAccount.ID,
		Key:             domain,
		Value:           value,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := m.store.CreateSecret(ctx, secret); err != nil {
		return nil, err
	}
	return nil, nil
}

func (m *SecretsManager) updateCredential(ctx context.Context, req *Request) (any, error) {
	domain, username, password, err := credentialArgs(req)
	if err != nil {
		return nil, err
	}
	secret, err := m.store.GetSecret(ctx, req.LinkedAccount.ID, domain)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, errs.AgentSecretsManagerError("no credentials found for domain '%s'", domain)
		}
		return nil, err
	}
	secret.Value, err = m.encryptValue(ctx, username, password)
	if err != nil {
		return nil, err
	}
	secret.UpdatedAt = time.Now()
	if err := m.store.UpdateSecret(ctx, secret); err != nil {
		return nil, err
	}
	return nil, nil
}

func (m *SecretsManager) deleteCredential(ctx context.Context, req *Request) (any, error) {
	domain, err := domainArg(req)
	if err != nil {
		return nil, err
	}
	if err := m.store.DeleteSecret(ctx, req.LinkedAccount.ID, domain); err != nil {
		if store.IsNotFound(err) {
			return nil, errs.AgentSecretsManagerError("no credentials found for domain '%s'", domain)
		}
		return nil, err
	}
	return nil, nil
}

func (m *SecretsManager) encryptValue(ctx context.Context, username, password string) ([]byte, error) {
	plain, err := json.Marshal(secretValue{Username: username, Password: password})
	if err != nil {
		return nil, err
	}
	return m.crypto.Encrypt(ctx, plain)
}

func (m *SecretsManager) decryptValue(ctx context.Context, ciphertext []byte) (secretValue, error) {
	var val secretValue
	plain, err := m.crypto.Decrypt(ctx, ciphertext)
	if err != nil {
		return val, err
	}
	if err := json.Unmarshal(plain, &val); err != nil {
		return val, fmt.Errorf("decode secret value: %w", err)
	}
	return val, nil
}

func domainArg(req *Request) (string, error) {
	domain, ok := req.Input["domain"].(string)
	if !ok || domain == "" {
		return "", errs.AgentSecretsManagerError("missing required argument 'domain'")
	}
	return domain, nil
}

func credentialArgs(req *Request) (domain, username, password string, err error) {
	if domain, err = domainArg(req); err != nil {
		return "", "", "", err
	}
	username, _ = req.Input["username"].(string)
	password, _ = req.Input["password"].(string)
	if username == "" || password == "" {
		return "", "", "", errs.AgentSecretsManagerError("missing required arguments 'username' and 'password'")
	}
	return domain, username, password, nil
}
