package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/execbroker/execbroker/toolsource"
)

// errorBodyLimit bounds how much of an upstream error body is echoed into
// error messages and events.
const errorBodyLimit = 512

// execOpenAPI interpolates path parameters, serializes query and body per
// the operation's parameter locations, merges auth and credential headers,
// and performs the HTTP request.
func (d *Dispatcher) execOpenAPI(ctx context.Context, run *toolsource.OpenAPIRun, input map[string]any, env Env) (any, error) {
	path := run.PathTemplate
	query := url.Values{}
	var body any
	bodyPresent := false
	for _, param := range run.Parameters {
		value, ok := input[param.Name]
		if !ok {
			if param.Required {
				return nil, fmt.Errorf("missing required parameter %q", param.Name)
			}
			continue
		}
		switch param.In {
		case "path":
			path = strings.ReplaceAll(path, "{"+param.Name+"}", url.PathEscape(stringify(value)))
		case "query":
			query.Set(param.Name, stringify(value))
		case "header":
			// Serialized below with the other headers.
		case "body":
			body = value
			bodyPresent = true
		}
	}

	target := strings.TrimSuffix(run.BaseURL, "/") + path
	if encoded := query.Encode(); encoded != "" {
		target += "?" + encoded
	}

	var reqBody io.Reader
	if bodyPresent {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, run.Method, target, reqBody)
	if err != nil {
		return nil, err
	}
	if bodyPresent {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, param := range run.Parameters {
		if param.In == "header" {
			if value, ok := input[param.Name]; ok {
				req.Header.Set(param.Name, stringify(value))
			}
		}
	}
	applyHeaders(req, run.AuthHeaders, env.Credential)
	return d.doHTTP(req)
}

// execPostman follows Postman collection semantics: {{var}} templates in the
// url and raw body, a flat key/value header list, urlencoded or raw bodies.
func (d *Dispatcher) execPostman(ctx context.Context, run *toolsource.PostmanRun, input map[string]any, env Env) (any, error) {
	target := substituteTemplate(run.URLTemplate, input)

	var reqBody io.Reader
	contentType := ""
	switch run.BodyMode {
	case "raw":
		reqBody = strings.NewReader(substituteTemplate(run.BodyRaw, input))
		contentType = "application/json"
	case "urlencoded":
		reqBody = strings.NewReader(run.BodyRaw)
		contentType = "application/x-www-form-urlencoded"
	}
	req, err := http.NewRequestWithContext(ctx, run.Method, target, reqBody)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	applyHeaders(req, run.Headers, env.Credential)
	return d.doHTTP(req)
}

// doHTTP performs the request: 2xx returns parsed JSON (or raw text for
// non-JSON bodies), anything else fails with the status and a body prefix.
func (d *Dispatcher) doHTTP(req *http.Request) (any, error) {
	resp, err := d.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		prefix, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(prefix)))
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "json") {
		var value any
		if err := json.Unmarshal(raw, &value); err == nil {
			return value, nil
		}
	}
	return string(raw), nil
}

func applyHeaders(req *http.Request, sets ...map[string]string) {
	for _, set := range sets {
		for k, v := range set {
			req.Header.Set(k, v)
		}
	}
}

// substituteTemplate replaces {{key}} markers with input values.
func substituteTemplate(template string, input map[string]any) string {
	out := template
	for k, v := range input {
		out = strings.ReplaceAll(out, "{{"+k+"}}", stringify(v))
	}
	return out
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return strings.Trim(string(raw), `"`)
	}
}
