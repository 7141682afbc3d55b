// Package security converts security scheme and credential documents between
// their typed in-memory form and the encrypted JSON stored in the database.
//
// Only a fixed set of fields is ever encrypted: secret_key for API-key
// credentials; client_secret, access_token, refresh_token and
// raw_token_response for OAuth2 credentials and client_secret for OAuth2
// schemes. raw_token_response is an object, so it is JSON-encoded before
// encryption and decoded again on the way out. Ciphertext is base64-encoded
// so the stored column stays valid text.
package security

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/toolbridge/toolbridge/internal/crypto"
	"github.com/toolbridge/toolbridge/pkg/models"
)

var protectedCredentialFields = map[models.SecuritySchemeType][]string{
	models.SchemeAPIKey: {"secret_key"},
	models.SchemeOAuth2: {"client_secret", "access_token", "refresh_token", "raw_token_response"},
}

var protectedSchemeFields = map[models.SecuritySchemeType][]string{
	models.SchemeOAuth2: {"client_secret"},
}

// jsonValuedFields holds the protected fields whose plaintext is a JSON
// document rather than a string.
var jsonValuedFields = map[string]bool{
	"raw_token_response": true,
}

// Codec encrypts and decrypts the protected fields of scheme and credential
// documents. Both directions operate on fresh copies; caller state is never
// mutated.
type Codec struct {
	crypto *crypto.Service
}

func NewCodec(svc *crypto.Service) *Codec {
	return &Codec{crypto: svc}
}

// EncryptCredentials serializes a credential variant to storage JSON with
// its protected fields encrypted. A nil variant serializes to {} so that
// "fall back to app defaults" survives the round trip.
func (c *Codec) EncryptCredentials(ctx context.Context, creds models.SecurityCredentials) (json.RawMessage, error) {
	if creds == nil {
		return json.RawMessage(`{}`), nil
	}
	doc, err := toDocument(creds)
	if err != nil {
		return nil, err
	}
	if err := c.encryptFields(ctx, doc, protectedCredentialFields[creds.SchemeType()]); err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

// DecryptCredentials parses storage JSON back into the credential variant
// for the given scheme. An empty document decodes to nil for api_key and
// oauth2 (meaning "no own credentials") and to NoAuthCredentials for no_auth.
func (c *Codec) DecryptCredentials(ctx context.Context, scheme models.SecuritySchemeType, raw json.RawMessage) (models.SecurityCredentials, error) {
	if scheme == models.SchemeNoAuth {
		return models.NoAuthCredentials{}, nil
	}
	doc := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decode credentials: %w", err)
		}
	}
	if len(doc) == 0 {
		return nil, nil
	}
	if err := c.decryptFields(ctx, doc, protectedCredentialFields[scheme]); err != nil {
		return nil, err
	}
	switch scheme {
	case models.SchemeAPIKey:
		var out models.APIKeyCredentials
		if err := fromDocument(doc, &out); err != nil {
			return nil, err
		}
		return &out, nil
	case models.SchemeOAuth2:
		var out models.OAuth2Credentials
		if err := fromDocument(doc, &out); err != nil {
			return nil, err
		}
		return &out, nil
	}
	return nil, fmt.Errorf("unknown security scheme %q", scheme)
}

// EncryptSchemes serializes an app's scheme set with OAuth2 client secrets
// encrypted.
func (c *Codec) EncryptSchemes(ctx context.Context, schemes models.SecuritySchemes) (json.RawMessage, error) {
	doc, err := toDocument(schemes)
	if err != nil {
		return nil, err
	}
	for key, sub := range doc {
		obj, ok := sub.(map[string]any)
		if !ok {
			continue
		}
		if err := c.encryptFields(ctx, obj, protectedSchemeFields[models.SecuritySchemeType(key)]); err != nil {
			return nil, err
		}
	}
	return json.Marshal(doc)
}

func (c *Codec) DecryptSchemes(ctx context.Context, raw json.RawMessage) (models.SecuritySchemes, error) {
	var schemes models.SecuritySchemes
	doc := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return schemes, fmt.Errorf("decode security schemes: %w", err)
		}
	}
	for key, sub := range doc {
		obj, ok := sub.(map[string]any)
		if !ok {
			continue
		}
		if err := c.decryptFields(ctx, obj, protectedSchemeFields[models.SecuritySchemeType(key)]); err != nil {
			return schemes, err
		}
	}
	if err := fromDocument(doc, &schemes); err != nil {
		return schemes, err
	}
	return schemes, nil
}

// EncryptDefaultCredentials serializes an app's per-scheme fallback
// credentials, encrypting each scheme's protected fields.
func (c *Codec) EncryptDefaultCredentials(ctx context.Context, defaults models.SecurityCredentialsByScheme) (json.RawMessage, error) {
	doc, err := toDocument(defaults)
	if err != nil {
		return nil, err
	}
	for key, sub := range doc {
		obj, ok := sub.(map[string]any)
		if !ok {
			continue
		}
		if err := c.encryptFields(ctx, obj, protectedCredentialFields[models.SecuritySchemeType(key)]); err != nil {
			return nil, err
		}
	}
	return json.Marshal(doc)
}

func (c *Codec) DecryptDefaultCredentials(ctx context.Context, raw json.RawMessage) (models.SecurityCredentialsByScheme, error) {
	var defaults models.SecurityCredentialsByScheme
	doc := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return defaults, fmt.Errorf("decode default credentials: %w", err)
		}
	}
	for key, sub := range doc {
		obj, ok := sub.(map[string]any)
		if !ok {
			continue
		}
		if err := c.decryptFields(ctx, obj, protectedCredentialFields[models.SecuritySchemeType(key)]); err != nil {
			return defaults, err
		}
	}
	if err := fromDocument(doc, &defaults); err != nil {
		return defaults, err
	}
	return defaults, nil
}

func (c *Codec) encryptFields(ctx context.Context, doc map[string]any, fields []string) error {
	for _, f := range fields {
		val, present := doc[f]
		if !present || val == nil {
			continue
		}
		var pt []byte
		if s, isString := val.(string); isString {
			if s == "" {
				continue
			}
			pt = []byte(s)
		} else {
			b, err := json.Marshal(val)
			if err != nil {
				return fmt.Errorf("encode field %s: %w", f, err)
			}
			pt = b
		}
		ct, err := c.crypto.Encrypt(ctx, pt)
		if err != nil {
			return err
		}
		doc[f] = base64.StdEncoding.EncodeToString(ct)
	}
	return nil
}

func (c *Codec) decryptFields(ctx context.Context, doc map[string]any, fields []string) error {
	for _, f := range fields {
		s, ok := doc[f].(string)
		if !ok || s == "" {
			continue
		}
		ct, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("field %s is not base64 ciphertext: %w", f, err)
		}
		pt, err := c.crypto.Decrypt(ctx, ct)
		if err != nil {
			return err
		}
		if jsonValuedFields[f] {
			var v any
			if err := json.Unmarshal(pt, &v); err != nil {
				return fmt.Errorf("decode field %s: %w", f, err)
			}
			doc[f] = v
		} else {
			doc[f] = string(pt)
		}
	}
	return nil
}

// toDocument round-trips a typed value through JSON into a fresh document,
// which doubles as the deep copy the codec requires.
func toDocument(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	doc := map[string]any{}
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func fromDocument(doc map[string]any, out any) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
