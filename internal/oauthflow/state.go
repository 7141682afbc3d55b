package oauthflow

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/toolbridge/toolbridge/internal/errs"
)

// StateTTL bounds how long an authorization round trip may take.
const StateTTL = 15 * time.Minute

// State is the signed payload carried through the provider redirect. It is
// tamper-evident, not confidential.
type State struct {
	ProjectID            uuid.UUID
	AppName              string
	LinkedAccountOwnerID string
	ClientID             string
	RedirectURI          string
	CodeVerifier         string
	AfterLinkRedirectURL string
}

// signState serializes and signs the state as an HS256 JWT with an exp
// claim of StateTTL.
func (m *Manager) signState(st State) (string, error) {
	now := time.Now()
	tok, err := jwt.NewBuilder().
		IssuedAt(now).
		Expiration(now.Add(StateTTL)).
		Claim("project_id", st.ProjectID.String()).
		Claim("app_name", st.AppName).
		Claim("linked_account_owner_id", st.LinkedAccountOwnerID).
		Claim("client_id", st.ClientID).
		Claim("redirect_uri", st.RedirectURI).
		Claim("code_verifier", st.CodeVerifier).
		Claim("after_link_redirect_url", st.AfterLinkRedirectURL).
		Build()
	if err != nil {
		return "", fmt.Errorf("build state token: %w", err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, m.signingKey))
	if err != nil {
		return "", fmt.Errorf("sign state token: %w", err)
	}
	return string(signed), nil
}

// ParseState verifies the signature and expiry and decodes the payload.
func (m *Manager) ParseState(raw string) (State, error) {
	tok, err := jwt.Parse([]byte(raw), jwt.WithKey(jwa.HS256, m.signingKey), jwt.WithValidate(true))
	if err != nil {
		return State{}, errs.OAuth2Error("invalid state: %v", err)
	}
	var st State
	projectID, _ := stringClaim(tok, "project_id")
	st.ProjectID, err = uuid.Parse(projectID)
	if err != nil {
		return State{}, errs.OAuth2Error("invalid state: bad project id")
	}
	st.AppName, _ = stringClaim(tok, "app_name")
	st.LinkedAccountOwnerID, _ = stringClaim(tok, "linked_account_owner_id")
	st.ClientID, _ = stringClaim(tok, "client_id")
	st.RedirectURI, _ = stringClaim(tok, "redirect_uri")
	st.CodeVerifier, _ = stringClaim(tok, "code_verifier")
	st.AfterLinkRedirectURL, _ = stringClaim(tok, "after_link_redirect_url")
	if st.AppName == "" || st.CodeVerifier == "" {
		return State{}, errs.OAuth2Error("invalid state: missing claims")
	}
	return st, nil
}

func stringClaim(tok jwt.Token, name string) (string, bool) {
	v, ok := tok.Get(name)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

const verifierAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// newCodeVerifier returns a 48-character PKCE code verifier.
func newCodeVerifier() (string, error) {
	buf := make([]byte, 48)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("code verifier: %w", err)
	}
	for i, b := range buf {
		buf[i] = verifierAlphabet[int(b)%len(verifierAlphabet)]
	}
	return string(buf), nil
}
