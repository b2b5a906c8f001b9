package toolsource

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/execbroker/execbroker/persistence"
)

var writeMethods = map[string]bool{"POST": true, "PUT": true, "PATCH": true, "DELETE": true}

// compileOpenAPI parses and bundles the source's spec and emits one
// definition per (path, method) pair. A spec string starting with
// "postman:<uid>" selects the Postman collection sub-flavor.
func (c *Compiler) compileOpenAPI(ctx context.Context, src *persistence.ToolSource) (Result, error) {
	var cfg OpenAPIConfig
	if err := fromMap(src.Config, &cfg); err != nil {
		return Result{}, fmt.Errorf("toolsource: openapi config for %s: %w", src.Name, err)
	}

	if ref, ok := cfg.Spec.(string); ok && strings.HasPrefix(ref, "postman:") {
		return c.compilePostman(ctx, src, cfg, strings.TrimPrefix(ref, "postman:"))
	}

	doc, warn := c.loadSpec(ctx, cfg.Spec)
	if doc == nil {
		return Result{Warnings: []string{fmt.Sprintf("openapi source %s: %s", src.Name, warn)}}, nil
	}

	baseURL := cfg.BaseURL
	if baseURL == "" && len(doc.Servers) > 0 {
		baseURL = doc.Servers[0].URL
	}
	cred := credentialFromSecurity(src.Name, cfg.Auth, doc)
	authHeaders := StaticAuthHeaders(cfg.Auth)

	var warnings []string
	if warn != "" {
		warnings = append(warnings, fmt.Sprintf("openapi source %s: %s", src.Name, warn))
	}

	prefix := SanitizeSegment(src.Name)
	var tools []Definition
	paths := map[string]*openapi3.PathItem{}
	if doc.Paths != nil {
		paths = doc.Paths.Map()
	}
	pathKeys := make([]string, 0, len(paths))
	for p := range paths {
		pathKeys = append(pathKeys, p)
	}
	sort.Strings(pathKeys)
	for _, p := range pathKeys {
		ops := paths[p].Operations()
		methods := make([]string, 0, len(ops))
		for m := range ops {
			methods = append(methods, m)
		}
		sort.Strings(methods)
		for _, method := range methods {
			op := ops[method]
			opID := op.OperationID
			if opID == "" {
				opID = method + " " + p
			}
			def := Definition{
				Path:        prefix + "." + SanitizeSegment(opID),
				Description: operationDescription(op),
				Approval:    operationApproval(cfg, opID, method),
				Source:      src.Name,
				Credential:  cred,
				Run: RunSpec{
					Kind: RunOpenAPI,
					OpenAPI: &OpenAPIRun{
						Method:       method,
						PathTemplate: p,
						BaseURL:      baseURL,
						Parameters:   operationParameters(op),
						AuthHeaders:  authHeaders,
					},
				},
				InputSchema: operationInputSchema(op),
			}
			tools = append(tools, def)
		}
	}
	return Result{Tools: tools, Warnings: warnings}, nil
}

// loadSpec resolves the spec from a URL string or an inline object. Returns
// a nil doc plus a warning message on any recoverable failure.
func (c *Compiler) loadSpec(ctx context.Context, spec any) (*openapi3.T, string) {
	loader := openapi3.NewLoader()
	loader.Context = ctx
	loader.IsExternalRefsAllowed = true

	switch s := spec.(type) {
	case string:
		u, err := url.Parse(s)
		if err != nil {
			return nil, fmt.Sprintf("invalid spec url: %v", err)
		}
		doc, err := loader.LoadFromURI(u)
		if err != nil {
			return nil, fmt.Sprintf("load spec: %v", err)
		}
		return doc, ""
	case map[string]any:
		raw, err := json.Marshal(s)
		if err != nil {
			return nil, fmt.Sprintf("encode inline spec: %v", err)
		}
		doc, err := loader.LoadFromData(raw)
		if err != nil {
			return nil, fmt.Sprintf("parse inline spec: %v", err)
		}
		return doc, ""
	default:
		return nil, fmt.Sprintf("spec must be a url string or an object, got %T", spec)
	}
}

func operationDescription(op *openapi3.Operation) string {
	if op.Summary != "" {
		return op.Summary
	}
	return op.Description
}

// operationApproval applies the write-methods-require-approval default with
// config and per-operation overrides on top.
func operationApproval(cfg OpenAPIConfig, opID, method string) ApprovalMode {
	if o, ok := cfg.Overrides[opID]; ok && o.Approval != "" {
		return ApprovalMode(o.Approval)
	}
	if writeMethods[method] {
		return approvalOr("", cfg.DefaultWriteApproval, ApprovalRequired)
	}
	return approvalOr("", cfg.DefaultReadApproval, ApprovalAuto)
}

func operationParameters(op *openapi3.Operation) []OpenAPIParameter {
	var params []OpenAPIParameter
	for _, ref := range op.Parameters {
		if ref.Value == nil {
			continue
		}
		params = append(params, OpenAPIParameter{
			Name:     ref.Value.Name,
			In:       ref.Value.In,
			Required: ref.Value.Required,
		})
	}
	if op.RequestBody != nil && op.RequestBody.Value != nil {
		params = append(params, OpenAPIParameter{
			Name:     "body",
			In:       "body",
			Required: op.RequestBody.Value.Required,
		})
	}
	return params
}

// operationInputSchema builds a coarse JSON Schema hint from the operation's
// parameters. Body payloads keep their declared schema when one exists.
func operationInputSchema(op *openapi3.Operation) map[string]any {
	properties := make(map[string]any)
	var required []string
	for _, ref := range op.Parameters {
		if ref.Value == nil {
			continue
		}
		prop := map[string]any{"type": "string"}
		if ref.Value.Schema != nil && ref.Value.Schema.Value != nil {
			if raw, err := ref.Value.Schema.Value.MarshalJSON(); err == nil {
				var decoded map[string]any
				if json.Unmarshal(raw, &decoded) == nil {
					prop = decoded
				}
			}
		}
		properties[ref.Value.Name] = prop
		if ref.Value.Required {
			required = append(required, ref.Value.Name)
		}
	}
	if op.RequestBody != nil && op.RequestBody.Value != nil {
		prop := map[string]any{"type": "object"}
		if mt := op.RequestBody.Value.Content.Get("application/json"); mt != nil && mt.Schema != nil && mt.Schema.Value != nil {
			if raw, err := mt.Schema.Value.MarshalJSON(); err == nil {
				var decoded map[string]any
				if json.Unmarshal(raw, &decoded) == nil {
					prop = decoded
				}
			}
		}
		properties["body"] = prop
		if op.RequestBody.Value.Required {
			required = append(required, "body")
		}
	}
	if len(properties) == 0 {
		return nil
	}
	schema := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		sort.Strings(required)
		anyRequired := make([]any, len(required))
		for i, r := range required {
			anyRequired[i] = r
		}
		schema["required"] = anyRequired
	}
	return schema
}

// credentialFromSecurity derives the tool credential spec for workspace- or
// actor-mode auth. When the config leaves the auth type unset, the spec's
// security schemes fill it in: http bearer maps to bearer, apiKey-in-header
// maps to apiKey with the scheme's header name.
func credentialFromSecurity(sourceName string, auth *AuthSpec, doc *openapi3.T) *CredentialSpec {
	if auth == nil || (auth.Mode != "workspace" && auth.Mode != "actor") {
		return nil
	}
	effective := *auth
	if effective.Type == "" || effective.Type == "none" {
		if doc.Components != nil {
			names := make([]string, 0, len(doc.Components.SecuritySchemes))
			for name := range doc.Components.SecuritySchemes {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				ref := doc.Components.SecuritySchemes[name]
				if ref.Value == nil {
					continue
				}
				scheme := ref.Value
				if scheme.Type == "http" && strings.EqualFold(scheme.Scheme, "bearer") {
					effective.Type = "bearer"
					break
				}
				if scheme.Type == "apiKey" && scheme.In == "header" {
					effective.Type = "apiKey"
					effective.Header = scheme.Name
					break
				}
			}
		}
	}
	return CredentialSpecFromAuth(sourceName, &effective)
}
