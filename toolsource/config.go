package toolsource

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/execbroker/execbroker/persistence"
)

type (
	// AuthSpec describes how a source authenticates to its upstream. Static
	// mode carries the secret inline; workspace and actor modes defer to a
	// credential record resolved at dispatch time.
	AuthSpec struct {
		// Type is one of none, basic, bearer, apiKey.
		Type string `json:"type"`
		// Mode is one of static, workspace, actor. Defaults to static.
		Mode     string `json:"mode,omitempty"`
		Username string `json:"username,omitempty"`
		Password string `json:"password,omitempty"`
		Token    string `json:"token,omitempty"`
		// Header names the apiKey header.
		Header string `json:"header,omitempty"`
		Value  string `json:"value,omitempty"`
	}

	// ToolOverride adjusts one compiled tool's defaults.
	ToolOverride struct {
		Approval string `json:"approval,omitempty"`
	}

	// MCPConfig is the typed form of an mcp ToolSource config.
	MCPConfig struct {
		URL string `json:"url"`
		// Transport is sse or streamable-http. Defaults to streamable-http.
		Transport       string                  `json:"transport,omitempty"`
		QueryParams     map[string]string       `json:"queryParams,omitempty"`
		DefaultApproval string                  `json:"defaultApproval,omitempty"`
		Overrides       map[string]ToolOverride `json:"overrides,omitempty"`
	}

	// OpenAPIConfig is the typed form of an openapi ToolSource config. Spec
	// is either a URL string (a "postman:<uid>" string selects the Postman
	// sub-flavor) or an inline spec object.
	OpenAPIConfig struct {
		Spec                 any                     `json:"spec"`
		BaseURL              string                  `json:"baseUrl,omitempty"`
		Auth                 *AuthSpec               `json:"auth,omitempty"`
		DefaultReadApproval  string                  `json:"defaultReadApproval,omitempty"`
		DefaultWriteApproval string                  `json:"defaultWriteApproval,omitempty"`
		Overrides            map[string]ToolOverride `json:"overrides,omitempty"`
	}

	// GraphQLConfig is the typed form of a graphql ToolSource config.
	GraphQLConfig struct {
		Endpoint                string                  `json:"endpoint"`
		Schema                  map[string]any          `json:"schema,omitempty"`
		Auth                    *AuthSpec               `json:"auth,omitempty"`
		DefaultQueryApproval    string                  `json:"defaultQueryApproval,omitempty"`
		DefaultMutationApproval string                  `json:"defaultMutationApproval,omitempty"`
		Overrides               map[string]ToolOverride `json:"overrides,omitempty"`
	}
)

// Normalize validates a source's raw config and stamps the source's
// SpecHash and AuthFingerprint. The config map is left as given; defaults
// such as the MCP transport are applied by the compilers. Idempotent:
// configs differing only in key order produce identical hashes.
func Normalize(src *persistence.ToolSource) error {
	if src.Name == "" {
		return fmt.Errorf("toolsource: source name is required")
	}
	switch src.Type {
	case persistence.ToolSourceMCP:
		var cfg MCPConfig
		if err := fromMap(src.Config, &cfg); err != nil {
			return fmt.Errorf("toolsource: mcp config for %s: %w", src.Name, err)
		}
		if strings.TrimSpace(cfg.URL) == "" {
			return fmt.Errorf("toolsource: mcp source %s requires a url", src.Name)
		}
		if cfg.Transport == "" {
			cfg.Transport = "streamable-http"
		}
		if cfg.Transport != "sse" && cfg.Transport != "streamable-http" {
			return fmt.Errorf("toolsource: mcp source %s has unknown transport %q", src.Name, cfg.Transport)
		}
	case persistence.ToolSourceOpenAPI:
		var cfg OpenAPIConfig
		if err := fromMap(src.Config, &cfg); err != nil {
			return fmt.Errorf("toolsource: openapi config for %s: %w", src.Name, err)
		}
		if cfg.Spec == nil {
			return fmt.Errorf("toolsource: openapi source %s requires a spec", src.Name)
		}
		if err := validateAuth(cfg.Auth); err != nil {
			return fmt.Errorf("toolsource: openapi source %s: %w", src.Name, err)
		}
	case persistence.ToolSourceGraphQL:
		var cfg GraphQLConfig
		if err := fromMap(src.Config, &cfg); err != nil {
			return fmt.Errorf("toolsource: graphql config for %s: %w", src.Name, err)
		}
		if strings.TrimSpace(cfg.Endpoint) == "" {
			return fmt.Errorf("toolsource: graphql source %s requires an endpoint", src.Name)
		}
		if err := validateAuth(cfg.Auth); err != nil {
			return fmt.Errorf("toolsource: graphql source %s: %w", src.Name, err)
		}
	default:
		return fmt.Errorf("toolsource: unknown source type %q", src.Type)
	}

	spec, auth := splitAuth(src.Config)
	src.SpecHash = hashJSON(spec)
	src.AuthFingerprint = hashJSON(auth)
	return nil
}

func validateAuth(a *AuthSpec) error {
	if a == nil {
		return nil
	}
	switch a.Type {
	case "", "none", "basic", "bearer":
	case "apiKey":
		if a.Header == "" {
			return fmt.Errorf("apiKey auth requires a header name")
		}
	default:
		return fmt.Errorf("unknown auth type %q", a.Type)
	}
	switch a.Mode {
	case "", "static", "workspace", "actor":
		return nil
	default:
		return fmt.Errorf("unknown auth mode %q", a.Mode)
	}
}

// splitAuth separates the auth portion of a raw config from the rest so the
// spec hash is stable across credential rotation and the auth fingerprint
// captures exactly the part that affects request identity.
func splitAuth(config map[string]any) (spec map[string]any, auth any) {
	spec = make(map[string]any, len(config))
	for k, v := range config {
		if k == "auth" {
			auth = v
			continue
		}
		spec[k] = v
	}
	return spec, auth
}

// CredentialSpecFromAuth derives the credential requirement a compiled tool
// carries when its source's auth mode defers to a credential record. Static
// and none auth produce no requirement.
func CredentialSpecFromAuth(sourceName string, a *AuthSpec) *CredentialSpec {
	if a == nil || a.Type == "" || a.Type == "none" {
		return nil
	}
	if a.Mode != "workspace" && a.Mode != "actor" {
		return nil
	}
	spec := &CredentialSpec{SourceKey: sourceName, Mode: a.Mode, AuthType: a.Type}
	if a.Type == "apiKey" {
		spec.HeaderName = a.Header
	}
	return spec
}

// StaticAuthHeaders renders static-mode auth into the literal headers the
// dispatcher sends. Workspace/actor modes return nil; those resolve at call
// time through the credential resolver.
func StaticAuthHeaders(a *AuthSpec) map[string]string {
	if a == nil || (a.Mode != "" && a.Mode != "static") {
		return nil
	}
	switch a.Type {
	case "bearer":
		if a.Token == "" {
			return nil
		}
		return map[string]string{"authorization": "Bearer " + strings.TrimSpace(a.Token)}
	case "apiKey":
		if a.Value == "" {
			return nil
		}
		header := a.Header
		if header == "" {
			header = "x-api-key"
		}
		return map[string]string{strings.ToLower(header): a.Value}
	case "basic":
		if a.Username == "" && a.Password == "" {
			return nil
		}
		return map[string]string{"authorization": "Basic " + basicToken(a.Username, a.Password)}
	default:
		return nil
	}
}

func basicToken(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}
