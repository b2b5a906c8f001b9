package toolsource

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/execbroker/execbroker/persistence"
)

// postmanAPIBase is the collection fetch endpoint; var so tests can point it
// at a local server.
var postmanAPIBase = "https://api.getpostman.com"

// SetPostmanAPIBase overrides the Postman API endpoint and returns a restore
// function. Test hook.
func SetPostmanAPIBase(base string) func() {
	prev := postmanAPIBase
	postmanAPIBase = base
	return func() { postmanAPIBase = prev }
}

type (
	postmanEnvelope struct {
		Collection postmanCollection `json:"collection"`
	}

	postmanCollection struct {
		Info struct {
			Name string `json:"name"`
		} `json:"info"`
		Items []postmanItem `json:"item"`
	}

	// postmanItem is either a folder (nested Items) or a request.
	postmanItem struct {
		Name    string          `json:"name"`
		Items   []postmanItem   `json:"item"`
		Request *postmanRequest `json:"request"`
	}

	postmanRequest struct {
		Method  string          `json:"method"`
		URL     json.RawMessage `json:"url"`
		Headers []postmanKV     `json:"header"`
		Body    *postmanBody    `json:"body"`
	}

	postmanKV struct {
		Key      string `json:"key"`
		Value    string `json:"value"`
		Disabled bool   `json:"disabled"`
	}

	postmanBody struct {
		Mode       string      `json:"mode"`
		Raw        string      `json:"raw"`
		URLEncoded []postmanKV `json:"urlencoded"`
	}
)

// compilePostman fetches the collection from the Postman API and
// materializes each request as a tool. Fetch and parse failures are
// recoverable warnings; individual malformed requests are skipped with a
// warning while the rest of the collection still compiles.
func (c *Compiler) compilePostman(ctx context.Context, src *persistence.ToolSource, cfg OpenAPIConfig, uid string) (Result, error) {
	endpoint := fmt.Sprintf("%s/collections/%s", postmanAPIBase, url.PathEscape(uid))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Result{}, fmt.Errorf("toolsource: postman request for %s: %w", src.Name, err)
	}
	for k, v := range StaticAuthHeaders(cfg.Auth) {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Result{Warnings: []string{fmt.Sprintf("postman source %s: fetch collection: %v", src.Name, err)}}, nil
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return Result{Warnings: []string{fmt.Sprintf("postman source %s: fetch collection: status %d", src.Name, resp.StatusCode)}}, nil
	}
	var envelope postmanEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return Result{Warnings: []string{fmt.Sprintf("postman source %s: decode collection: %v", src.Name, err)}}, nil
	}

	cred := CredentialSpecFromAuth(src.Name, cfg.Auth)
	prefix := SanitizeSegment(src.Name)
	var (
		tools    []Definition
		warnings []string
	)
	var walk func(items []postmanItem)
	walk = func(items []postmanItem) {
		for _, item := range items {
			if len(item.Items) > 0 {
				walk(item.Items)
				continue
			}
			if item.Request == nil {
				continue
			}
			def, err := postmanTool(prefix, src.Name, cfg, cred, item)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("postman source %s: request %q: %v", src.Name, item.Name, err))
				continue
			}
			tools = append(tools, def)
		}
	}
	walk(envelope.Collection.Items)
	sort.Slice(tools, func(i, j int) bool { return tools[i].Path < tools[j].Path })
	return Result{Tools: tools, Warnings: warnings}, nil
}

func postmanTool(prefix, sourceName string, cfg OpenAPIConfig, cred *CredentialSpec, item postmanItem) (Definition, error) {
	rawURL, err := postmanURL(item.Request.URL)
	if err != nil {
		return Definition{}, err
	}
	method := strings.ToUpper(item.Request.Method)
	if method == "" {
		method = http.MethodGet
	}
	headers := make(map[string]string)
	for _, h := range item.Request.Headers {
		if h.Disabled || h.Key == "" {
			continue
		}
		headers[strings.ToLower(h.Key)] = h.Value
	}
	for k, v := range StaticAuthHeaders(cfg.Auth) {
		headers[k] = v
	}
	run := &PostmanRun{Method: method, URLTemplate: rawURL, Headers: headers}
	if body := item.Request.Body; body != nil {
		switch body.Mode {
		case "raw":
			run.BodyMode = "raw"
			run.BodyRaw = body.Raw
		case "urlencoded":
			run.BodyMode = "urlencoded"
			form := url.Values{}
			for _, kv := range body.URLEncoded {
				if !kv.Disabled {
					form.Set(kv.Key, kv.Value)
				}
			}
			run.BodyRaw = form.Encode()
		}
	}
	return Definition{
		Path:        prefix + "." + SanitizeSegment(item.Name),
		Description: item.Name,
		Approval:    operationApproval(cfg, item.Name, method),
		Source:      sourceName,
		Credential:  cred,
		Run:         RunSpec{Kind: RunPostman, Postman: run},
	}, nil
}

// postmanURL accepts both collection formats: v1 encodes the url as a plain
// string, v2 as an object with a raw member.
func postmanURL(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("missing url")
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if asString == "" {
			return "", fmt.Errorf("empty url")
		}
		return asString, nil
	}
	var asObject struct {
		Raw string `json:"raw"`
	}
	if err := json.Unmarshal(raw, &asObject); err != nil {
		return "", fmt.Errorf("unsupported url shape: %w", err)
	}
	if asObject.Raw == "" {
		return "", fmt.Errorf("empty url")
	}
	return asObject.Raw, nil
}
