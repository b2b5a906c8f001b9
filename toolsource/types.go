// Package toolsource defines the compiled tool model — the in-memory
// ToolDefinition the registry caches and the dispatcher executes — together
// with the typed source configurations (MCP, OpenAPI, GraphQL) and the
// compilers that turn a workspace-registered ToolSource into callable
// definitions.
package toolsource

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/execbroker/execbroker/persistence"
)

type (
	// ApprovalMode is a tool's static approval default: auto tools dispatch
	// immediately, required tools gate on a human approval absent an
	// explicit allow policy.
	ApprovalMode string

	// RunKind tags the protocol runtime a tool dispatches through.
	RunKind string

	// Definition is a compiled, callable tool. Definitions are produced by
	// the compilers in this package, cached by the registry, and never
	// persisted standalone — they are reconstructed from ToolSource rows
	// plus the base-tool table.
	Definition struct {
		// Path is the dot-separated, source-prefixed tool path.
		Path string
		// Description is the human-readable summary surfaced by discovery.
		Description string
		// Approval is the static default used when no policy matches.
		Approval ApprovalMode
		// Source names the ToolSource (or "builtin") that produced this tool.
		Source string
		// Credential, when set, must resolve before dispatch.
		Credential *CredentialSpec
		// GraphQLSource marks tools whose policy decision derives from the
		// operation selection set rather than the tool path alone.
		GraphQLSource bool
		// Run carries the protocol-specific dispatch data.
		Run RunSpec
		// InputSchema is an optional JSON Schema hint for the tool input.
		InputSchema map[string]any
	}

	// CredentialSpec declares the credential a tool needs at dispatch time.
	CredentialSpec struct {
		// SourceKey addresses the credential record within the workspace.
		SourceKey string
		// Mode selects workspace- or actor-scoped resolution.
		Mode string
		// AuthType is one of bearer, apiKey, basic.
		AuthType string
		// HeaderName overrides the header an apiKey credential is sent in.
		HeaderName string
	}

	// RunSpec is the tagged union of protocol dispatch parameters. Exactly
	// one member matching Kind is populated.
	RunSpec struct {
		Kind    RunKind
		Builtin *BuiltinRun
		MCP     *MCPRun
		OpenAPI *OpenAPIRun
		Postman *PostmanRun
		GraphQL *GraphQLRun
	}

	// BuiltinRun dispatches to an in-process handler looked up by name.
	BuiltinRun struct {
		Name string
	}

	// MCPRun dispatches through a pooled MCP client connection.
	MCPRun struct {
		URL         string
		Transport   string
		QueryParams map[string]string
		ToolName    string
	}

	// OpenAPIRun dispatches as an HTTP request built from an OpenAPI
	// operation.
	OpenAPIRun struct {
		Method       string
		PathTemplate string
		BaseURL      string
		Parameters   []OpenAPIParameter
		AuthHeaders  map[string]string
	}

	// OpenAPIParameter records where an operation input is serialized.
	OpenAPIParameter struct {
		Name string
		// In is one of path, query, header, body.
		In       string
		Required bool
	}

	// PostmanRun dispatches a materialized Postman collection request.
	PostmanRun struct {
		Method      string
		URLTemplate string
		Headers     map[string]string
		// BodyMode is "raw" or "urlencoded"; empty means no body.
		BodyMode string
		BodyRaw  string
	}

	// GraphQLRun dispatches a GraphQL operation. Field-level tools carry a
	// query template and operation name; raw tools leave both empty.
	GraphQLRun struct {
		Endpoint      string
		AuthHeaders   map[string]string
		QueryTemplate string
		OperationName string
		// OperationType is "query" or "mutation" for field tools.
		OperationType string
	}
)

const (
	ApprovalAuto     ApprovalMode = "auto"
	ApprovalRequired ApprovalMode = "required"
)

const (
	RunBuiltin      RunKind = "builtin"
	RunMCP          RunKind = "mcp"
	RunOpenAPI      RunKind = "openapi"
	RunPostman      RunKind = "postman"
	RunGraphQLRaw   RunKind = "graphql_raw"
	RunGraphQLField RunKind = "graphql_field"
)

// Namespace returns the leading path segment, the tool's source prefix.
func (d Definition) Namespace() string {
	if i := strings.IndexByte(d.Path, '.'); i > 0 {
		return d.Path[:i]
	}
	return d.Path
}

// Entry converts the definition to its persisted registry-build shape.
func (d Definition) Entry() (persistence.ToolEntry, error) {
	runSpec, err := toMap(d.Run)
	if err != nil {
		return persistence.ToolEntry{}, fmt.Errorf("toolsource: encode run spec for %s: %w", d.Path, err)
	}
	var cred map[string]any
	if d.Credential != nil {
		cred, err = toMap(d.Credential)
		if err != nil {
			return persistence.ToolEntry{}, fmt.Errorf("toolsource: encode credential spec for %s: %w", d.Path, err)
		}
	}
	return persistence.ToolEntry{
		Path:          d.Path,
		Description:   d.Description,
		Approval:      string(d.Approval),
		Source:        d.Source,
		RunSpecKind:   string(d.Run.Kind),
		RunSpec:       runSpec,
		Credential:    cred,
		GraphQLSource: d.GraphQLSource,
		InputSchema:   d.InputSchema,
	}, nil
}

// FromEntry reconstructs a definition from its persisted registry-build shape.
func FromEntry(e persistence.ToolEntry) (Definition, error) {
	var run RunSpec
	if err := fromMap(e.RunSpec, &run); err != nil {
		return Definition{}, fmt.Errorf("toolsource: decode run spec for %s: %w", e.Path, err)
	}
	run.Kind = RunKind(e.RunSpecKind)
	var cred *CredentialSpec
	if e.Credential != nil {
		cred = &CredentialSpec{}
		if err := fromMap(e.Credential, cred); err != nil {
			return Definition{}, fmt.Errorf("toolsource: decode credential spec for %s: %w", e.Path, err)
		}
	}
	return Definition{
		Path:          e.Path,
		Description:   e.Description,
		Approval:      ApprovalMode(e.Approval),
		Source:        e.Source,
		Credential:    cred,
		GraphQLSource: e.GraphQLSource,
		Run:           run,
		InputSchema:   e.InputSchema,
	}, nil
}

func toMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any)
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func fromMap(m map[string]any, v any) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// canonicalJSON renders v with sorted object keys so logically identical
// configs hash identically regardless of map iteration order.
func canonicalJSON(v any) string {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			b.Write(kb)
			b.WriteByte(':')
			b.WriteString(canonicalJSON(t[k]))
		}
		b.WriteByte('}')
		return b.String()
	case []any:
		var b strings.Builder
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(canonicalJSON(e))
		}
		b.WriteByte(']')
		return b.String()
	default:
		raw, _ := json.Marshal(t)
		return string(raw)
	}
}

func hashJSON(v any) string {
	sum := sha256.Sum256([]byte(canonicalJSON(v)))
	return hex.EncodeToString(sum[:])
}
