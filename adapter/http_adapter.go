package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/beemflowhq/beemflow/enginerr"
	"github.com/beemflowhq/beemflow/registry"
	"github.com/beemflowhq/beemflow/secrets"
)

var defaultClient = &http.Client{Timeout: 30 * time.Second}
var pathParamRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// HTTPAdapter is a registry-driven adapter: its manifest names an endpoint
// template (which may contain {param} path segments), a method, and static
// headers. Headers of the form "$env:NAME" are resolved from the secrets
// Provider at call time rather than baked into the manifest.
type HTTPAdapter struct {
	AdapterID    string
	ToolManifest *registry.ToolManifest
	Secrets      secrets.Provider
}

func (a *HTTPAdapter) ID() string { return a.AdapterID }

func (a *HTTPAdapter) Manifest() *registry.ToolManifest { return a.ToolManifest }

// Execute substitutes {param} path segments from inputs, routes the
// remaining inputs as a query string (GET/DELETE) or JSON body (POST/PUT/
// PATCH), and parses the response by Content-Type. Non-2xx responses become
// an *enginerr.AdapterError so the engine's retry policy can inspect status.
func (a *HTTPAdapter) Execute(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	if a.ToolManifest == nil || a.ToolManifest.Endpoint == "" {
		return nil, fmt.Errorf("no endpoint for tool %s", a.AdapterID)
	}
	remaining := make(map[string]any, len(inputs))
	for k, v := range inputs {
		if k != "__use" {
			remaining[k] = v
		}
	}
	endpoint, err := a.renderEndpoint(remaining)
	if err != nil {
		return nil, err
	}

	method := strings.ToUpper(a.ToolManifest.Method)
	if method == "" {
		method = "POST"
	}
	headers := a.resolveHeaders()

	var req *http.Request
	switch method {
	case "GET", "DELETE":
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
		}
		q := u.Query()
		for k, v := range remaining {
			q.Set(k, fmt.Sprintf("%v", v))
		}
		u.RawQuery = q.Encode()
		req, err = http.NewRequestWithContext(ctx, method, u.String(), nil)
		if err != nil {
			return nil, err
		}
	default:
		body, err := json.Marshal(remaining)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		req, err = http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		if _, ok := headers["Content-Type"]; !ok {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := defaultClient.Do(req)
	if err != nil {
		return nil, enginerr.NewAdapterError(0, err.Error(), true)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, enginerr.NewAdapterError(resp.StatusCode, err.Error(), resp.StatusCode >= 500)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, enginerr.NewAdapterError(resp.StatusCode, string(data), resp.StatusCode >= 500)
	}
	return parseResponseBody(resp.Header.Get("Content-Type"), data), nil
}

func (a *HTTPAdapter) renderEndpoint(remaining map[string]any) (string, error) {
	endpoint := secrets.Expand(a.ToolManifest.Endpoint, a.Secrets)
	missing := []string{}
	endpoint = pathParamRe.ReplaceAllStringFunc(endpoint, func(m string) string {
		name := m[1 : len(m)-1]
		v, ok := remaining[name]
		if !ok {
			missing = append(missing, name)
			return m
		}
		delete(remaining, name)
		return url.PathEscape(fmt.Sprintf("%v", v))
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("endpoint %q missing path argument(s): %v", a.ToolManifest.Endpoint, missing)
	}
	return endpoint, nil
}

func (a *HTTPAdapter) resolveHeaders() map[string]string {
	out := make(map[string]string, len(a.ToolManifest.Headers))
	for k, v := range a.ToolManifest.Headers {
		out[k] = secrets.Expand(v, a.Secrets)
	}
	return out
}

func parseResponseBody(contentType string, data []byte) map[string]any {
	mt, _, _ := mime.ParseMediaType(contentType)
	if mt == "application/json" || mt == "" {
		var parsed any
		if err := json.Unmarshal(data, &parsed); err == nil {
			if m, ok := parsed.(map[string]any); ok {
				return m
			}
			return map[string]any{"body": parsed}
		}
	}
	return map[string]any{"body": string(data)}
}

// HTTPFetchAdapter implements Adapter for generic ad hoc HTTP requests
// (core.http-style usage), as opposed to a registry-declared manifest.
type HTTPFetchAdapter struct{}

func (a *HTTPFetchAdapter) ID() string { return "http" }

func (a *HTTPFetchAdapter) Manifest() *registry.ToolManifest { return nil }

func (a *HTTPFetchAdapter) Execute(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	u, ok := inputs["url"].(string)
	if !ok || u == "" {
		return nil, fmt.Errorf("missing url")
	}
	method := "GET"
	if m, ok := inputs["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}
	headers := make(map[string]string)
	if h, ok := inputs["headers"].(map[string]any); ok {
		for k, v := range h {
			if s, ok := v.(string); ok {
				headers[k] = s
			}
		}
	}
	switch method {
	case "GET":
		req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
		if err != nil {
			return nil, err
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		req.Header.Set("Accept", "application/json, text/*;q=0.9, */*;q=0.8")
		resp, err := defaultClient.Do(req)
		if err != nil {
			return nil, enginerr.NewAdapterError(0, err.Error(), true)
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, enginerr.NewAdapterError(resp.StatusCode, string(data), resp.StatusCode >= 500)
		}
		return parseResponseBody(resp.Header.Get("Content-Type"), data), nil
	case "POST", "PUT", "PATCH", "DELETE":
		var payload any = map[string]any{}
		if p, ok := inputs["body"]; ok {
			payload = p
		}
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(b))
		if err != nil {
			return nil, err
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		if _, ok := headers["Content-Type"]; !ok {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := defaultClient.Do(req)
		if err != nil {
			return nil, enginerr.NewAdapterError(0, err.Error(), true)
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, enginerr.NewAdapterError(resp.StatusCode, string(data), resp.StatusCode >= 500)
		}
		return parseResponseBody(resp.Header.Get("Content-Type"), data), nil
	default:
		return nil, fmt.Errorf("unsupported method %s", method)
	}
}
