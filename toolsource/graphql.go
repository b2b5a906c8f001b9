package toolsource

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"

	"github.com/execbroker/execbroker/persistence"
)

// compileGraphQL emits the source's raw tool plus optional per-field pseudo
// tools derived from the configured schema payload. The schema may be an
// SDL document (under the "sdl" key) or a standard introspection result;
// without a schema only the raw tool is produced.
func (c *Compiler) compileGraphQL(_ context.Context, src *persistence.ToolSource) (Result, error) {
	var cfg GraphQLConfig
	if err := fromMap(src.Config, &cfg); err != nil {
		return Result{}, fmt.Errorf("toolsource: graphql config for %s: %w", src.Name, err)
	}

	cred := CredentialSpecFromAuth(src.Name, cfg.Auth)
	authHeaders := StaticAuthHeaders(cfg.Auth)
	prefix := SanitizeSegment(src.Name)

	tools := []Definition{{
		Path:          prefix + ".raw",
		Description:   "Execute a raw GraphQL operation against " + cfg.Endpoint,
		Approval:      approvalOr("", cfg.DefaultMutationApproval, ApprovalRequired),
		Source:        src.Name,
		Credential:    cred,
		GraphQLSource: true,
		Run: RunSpec{
			Kind:    RunGraphQLRaw,
			GraphQL: &GraphQLRun{Endpoint: cfg.Endpoint, AuthHeaders: authHeaders},
		},
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query":     map[string]any{"type": "string"},
				"variables": map[string]any{"type": "object"},
			},
			"required": []any{"query"},
		},
	}}

	fields, warnings := schemaFields(src.Name, cfg.Schema)
	for _, f := range fields {
		opApproval := approvalOr(cfg.Overrides[f.name].Approval, cfg.DefaultQueryApproval, ApprovalAuto)
		if f.opType == "mutation" {
			opApproval = approvalOr(cfg.Overrides[f.name].Approval, cfg.DefaultMutationApproval, ApprovalRequired)
		}
		tools = append(tools, Definition{
			Path:          prefix + "." + f.opType + "." + SanitizeSegment(f.name),
			Description:   f.description,
			Approval:      opApproval,
			Source:        src.Name,
			Credential:    cred,
			GraphQLSource: true,
			Run: RunSpec{
				Kind: RunGraphQLField,
				GraphQL: &GraphQLRun{
					Endpoint:      cfg.Endpoint,
					AuthHeaders:   authHeaders,
					QueryTemplate: fieldQuery(f),
					OperationName: f.name,
					OperationType: f.opType,
				},
			},
		})
	}
	return Result{Tools: tools, Warnings: warnings}, nil
}

type graphqlField struct {
	opType      string // query or mutation
	name        string
	description string
	args        []graphqlArg
}

type graphqlArg struct {
	name    string
	typeRef string // rendered SDL type, e.g. "String!"
}

// fieldQuery renders the operation template a field tool substitutes at
// dispatch time. Input keys map to variables one-to-one.
func fieldQuery(f graphqlField) string {
	var b strings.Builder
	b.WriteString(f.opType)
	if len(f.args) > 0 {
		b.WriteByte('(')
		for i, a := range f.args {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%s: %s", a.name, a.typeRef)
		}
		b.WriteByte(')')
	}
	b.WriteString(" { ")
	b.WriteString(f.name)
	if len(f.args) > 0 {
		b.WriteByte('(')
		for i, a := range f.args {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s: $%s", a.name, a.name)
		}
		b.WriteByte(')')
	}
	b.WriteString(" }")
	return b.String()
}

// schemaFields extracts root fields from the schema payload in deterministic
// order. Parse problems degrade to warnings, leaving the raw tool usable.
func schemaFields(sourceName string, schema map[string]any) ([]graphqlField, []string) {
	if len(schema) == 0 {
		return nil, nil
	}
	if sdl, ok := schema["sdl"].(string); ok && sdl != "" {
		return sdlFields(sourceName, sdl)
	}
	return introspectionFields(sourceName, schema)
}

func sdlFields(sourceName, sdl string) ([]graphqlField, []string) {
	parsed, err := gqlparser.LoadSchema(&ast.Source{Name: sourceName, Input: sdl})
	if err != nil {
		return nil, []string{fmt.Sprintf("graphql source %s: parse sdl: %v", sourceName, err)}
	}
	var fields []graphqlField
	collect := func(def *ast.Definition, opType string) {
		if def == nil {
			return
		}
		for _, f := range def.Fields {
			if strings.HasPrefix(f.Name, "__") {
				continue
			}
			gf := graphqlField{opType: opType, name: f.Name, description: f.Description}
			for _, a := range f.Arguments {
				gf.args = append(gf.args, graphqlArg{name: a.Name, typeRef: a.Type.String()})
			}
			fields = append(fields, gf)
		}
	}
	collect(parsed.Query, "query")
	collect(parsed.Mutation, "mutation")
	sortFields(fields)
	return fields, nil
}

func introspectionFields(sourceName string, schema map[string]any) ([]graphqlField, []string) {
	root, _ := schema["__schema"].(map[string]any)
	if root == nil {
		root = schema
	}
	queryType := rootTypeName(root, "queryType")
	mutationType := rootTypeName(root, "mutationType")
	types, _ := root["types"].([]any)
	if types == nil {
		return nil, []string{fmt.Sprintf("graphql source %s: schema payload has no types", sourceName)}
	}

	var fields []graphqlField
	for _, t := range types {
		typeDef, _ := t.(map[string]any)
		if typeDef == nil {
			continue
		}
		name, _ := typeDef["name"].(string)
		var opType string
		switch name {
		case queryType:
			opType = "query"
		case mutationType:
			opType = "mutation"
		default:
			continue
		}
		rawFields, _ := typeDef["fields"].([]any)
		for _, rf := range rawFields {
			fieldDef, _ := rf.(map[string]any)
			if fieldDef == nil {
				continue
			}
			fname, _ := fieldDef["name"].(string)
			if fname == "" || strings.HasPrefix(fname, "__") {
				continue
			}
			desc, _ := fieldDef["description"].(string)
			gf := graphqlField{opType: opType, name: fname, description: desc}
			rawArgs, _ := fieldDef["args"].([]any)
			for _, ra := range rawArgs {
				argDef, _ := ra.(map[string]any)
				if argDef == nil {
					continue
				}
				aname, _ := argDef["name"].(string)
				atype, _ := argDef["type"].(map[string]any)
				gf.args = append(gf.args, graphqlArg{name: aname, typeRef: renderTypeRef(atype)})
			}
			fields = append(fields, gf)
		}
	}
	sortFields(fields)
	return fields, nil
}

func rootTypeName(root map[string]any, key string) string {
	ref, _ := root[key].(map[string]any)
	if ref == nil {
		return ""
	}
	name, _ := ref["name"].(string)
	return name
}

// renderTypeRef turns an introspection type reference back into SDL syntax.
func renderTypeRef(t map[string]any) string {
	if t == nil {
		return "String"
	}
	kind, _ := t["kind"].(string)
	ofType, _ := t["ofType"].(map[string]any)
	switch kind {
	case "NON_NULL":
		return renderTypeRef(ofType) + "!"
	case "LIST":
		return "[" + renderTypeRef(ofType) + "]"
	default:
		if name, _ := t["name"].(string); name != "" {
			return name
		}
		return "String"
	}
}

func sortFields(fields []graphqlField) {
	sort.Slice(fields, func(i, j int) bool {
		if fields[i].opType != fields[j].opType {
			return fields[i].opType < fields[j].opType
		}
		return fields[i].name < fields[j].name
	})
}
