// Package executor runs function executions: REST calls against the
// upstream API with credential injection, or registered in-process
// connectors. Downstream failures become {success:false} envelopes, never
// transport errors.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolbridge/toolbridge/internal/credentials"
	"github.com/toolbridge/toolbridge/internal/errs"
	"github.com/toolbridge/toolbridge/pkg/models"
)

const (
	connectTimeout = 10 * time.Second
	readTimeout    = 30 * time.Second
)

// RESTExecutor issues the upstream HTTP request for REST functions.
type RESTExecutor struct {
	client *http.Client
}

func NewRESTExecutor() *RESTExecutor {
	return &RESTExecutor{
		client: &http.Client{
			Timeout: readTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
			},
		},
	}
}

// Execute builds and sends the upstream request from the processed input.
// Input buckets are path, query, header, cookie, body; the credential is
// injected into the bucket named by the scheme before sending.
func (e *RESTExecutor) Execute(ctx context.Context, fn *models.Function, res *credentials.Resolution, input map[string]any) *models.FunctionExecutionResult {
	meta, err := fn.RestMetadata()
	if err != nil {
		return &models.FunctionExecutionResult{Success: false, Error: err.Error()}
	}

	path := bucket(input, "path")
	query := bucket(input, "query")
	header := bucket(input, "header")
	cookie := bucket(input, "cookie")
	body := bucket(input, "body")

	target := meta.ServerURL + meta.Path
	for name, value := range path {
		target = strings.ReplaceAll(target, "{"+name+"}", fmt.Sprint(value))
	}

	if err := injectCredentials(res, header, query, body, cookie); err != nil {
		return &models.FunctionExecutionResult{Success: false, Error: err.Error()}
	}

	var reqBody []byte
	if len(body) > 0 {
		reqBody, err = json.Marshal(body)
		if err != nil {
			return &models.FunctionExecutionResult{Success: false, Error: fmt.Sprintf("encode request body: %v", err)}
		}
	}

	req, err := http.NewRequestWithContext(ctx, meta.Method, target, bytes.NewReader(reqBody))
	if err != nil {
		return &models.FunctionExecutionResult{Success: false, Error: err.Error()}
	}
	if len(query) > 0 {
		q := url.Values{}
		for name, value := range query {
			q.Set(name, fmt.Sprint(value))
		}
		req.URL.RawQuery = q.Encode()
	}
	for name, value := range header {
		req.Header.Set(name, fmt.Sprint(value))
	}
	for name, value := range cookie {
		req.AddCookie(&http.Cookie{Name: name, Value: fmt.Sprint(value)})
	}
	if len(reqBody) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	log.Info().
		Str("function", fn.Name).
		Str("method", meta.Method).
		Str("url", req.URL.String()).
		Msg("executing function via http request")

	resp, err := e.client.Do(req)
	if err != nil {
		log.Error().Err(err).Str("function", fn.Name).Msg("function execution http request failed")
		return &models.FunctionExecutionResult{Success: false, Error: err.Error()}
	}
	defer resp.Body.Close()

	data := decodeResponse(resp)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Warn().Str("function", fn.Name).Int("status", resp.StatusCode).Msg("function execution http error")
		return &models.FunctionExecutionResult{Success: false, Error: errorMessage(resp.StatusCode, data)}
	}
	return &models.FunctionExecutionResult{Success: true, Data: data}
}

func bucket(input map[string]any, name string) map[string]any {
	if m, ok := input[name].(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// injectCredentials writes the resolved credential into the bucket named
// by the scheme's location, prefixing the value when configured.
func injectCredentials(res *credentials.Resolution, header, query, body, cookie map[string]any) error {
	var location models.HTTPLocation
	var name, value string

	switch res.SchemeType {
	case models.SchemeNoAuth:
		return nil
	case models.SchemeAPIKey:
		creds, ok := res.Credentials.(*models.APIKeyCredentials)
		if !ok || res.APIKeyScheme == nil {
			return errs.UnexpectedError("api_key resolution is incomplete")
		}
		location, name = res.APIKeyScheme.Location, res.APIKeyScheme.Name
		value = res.APIKeyScheme.Prefix + creds.SecretKey
	case models.SchemeOAuth2:
		creds, ok := res.Credentials.(*models.OAuth2Credentials)
		if !ok || res.OAuth2Scheme == nil {
			return errs.UnexpectedError("oauth2 resolution is incomplete")
		}
		location, name = res.OAuth2Scheme.Location, res.OAuth2Scheme.Name
		value = res.OAuth2Scheme.Prefix + creds.AccessToken
	default:
		return errs.NoImplementationFound("unsupported security scheme %s", res.SchemeType)
	}

	switch location {
	case models.LocationHeader:
		header[name] = value
	case models.LocationQuery:
		query[name] = value
	case models.LocationBody:
		body[name] = value
	case models.LocationCookie:
		cookie[name] = value
	default:
		return errs.NoImplementationFound("unsupported credential location %s", location)
	}
	return nil
}

// decodeResponse returns the body as JSON when it parses, text otherwise.
func decodeResponse(resp *http.Response) any {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return ""
	}
	if buf.Len() == 0 {
		return map[string]any{}
	}
	var data any
	if err := json.Unmarshal(buf.Bytes(), &data); err != nil {
		return buf.String()
	}
	return data
}

func errorMessage(status int, data any) string {
	switch v := data.(type) {
	case string:
		if v != "" {
			return v
		}
	case nil:
	default:
		b, err := json.Marshal(v)
		if err == nil {
			return string(b)
		}
	}
	return fmt.Sprintf("http status %d", status)
}
