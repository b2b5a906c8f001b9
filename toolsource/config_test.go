package toolsource_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execbroker/execbroker/persistence"
	"github.com/execbroker/execbroker/toolsource"
)

func mcpSource(config map[string]any) *persistence.ToolSource {
	return &persistence.ToolSource{
		Name:    "demo",
		Type:    persistence.ToolSourceMCP,
		Config:  config,
		Enabled: true,
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	a := mcpSource(map[string]any{
		"url":         "https://mcp.example/rpc",
		"queryParams": map[string]any{"team": "core", "env": "prod"},
	})
	// Same logical config, different key insertion order.
	b := mcpSource(map[string]any{
		"queryParams": map[string]any{"env": "prod", "team": "core"},
		"url":         "https://mcp.example/rpc",
	})
	require.NoError(t, toolsource.Normalize(a))
	require.NoError(t, toolsource.Normalize(b))
	assert.Equal(t, a.SpecHash, b.SpecHash)
	assert.Equal(t, a.AuthFingerprint, b.AuthFingerprint)

	// Normalizing twice changes nothing.
	prevSpec, prevAuth := a.SpecHash, a.AuthFingerprint
	require.NoError(t, toolsource.Normalize(a))
	assert.Equal(t, prevSpec, a.SpecHash)
	assert.Equal(t, prevAuth, a.AuthFingerprint)
}

func TestNormalizeAuthChangesOnlyFingerprint(t *testing.T) {
	base := map[string]any{
		"endpoint": "https://gh.example/graphql",
		"auth":     map[string]any{"type": "bearer", "mode": "static", "token": "t1"},
	}
	a := &persistence.ToolSource{Name: "gh", Type: persistence.ToolSourceGraphQL, Config: base}
	require.NoError(t, toolsource.Normalize(a))

	rotated := map[string]any{
		"endpoint": "https://gh.example/graphql",
		"auth":     map[string]any{"type": "bearer", "mode": "static", "token": "t2"},
	}
	b := &persistence.ToolSource{Name: "gh", Type: persistence.ToolSourceGraphQL, Config: rotated}
	require.NoError(t, toolsource.Normalize(b))

	assert.Equal(t, a.SpecHash, b.SpecHash)
	assert.NotEqual(t, a.AuthFingerprint, b.AuthFingerprint)
}

func TestNormalizeValidation(t *testing.T) {
	cases := []struct {
		name string
		src  *persistence.ToolSource
	}{
		{"mcp missing url", mcpSource(map[string]any{})},
		{"mcp bad transport", mcpSource(map[string]any{"url": "https://x", "transport": "carrier-pigeon"})},
		{
			"openapi missing spec",
			&persistence.ToolSource{Name: "api", Type: persistence.ToolSourceOpenAPI, Config: map[string]any{}},
		},
		{
			"graphql missing endpoint",
			&persistence.ToolSource{Name: "gh", Type: persistence.ToolSourceGraphQL, Config: map[string]any{}},
		},
		{
			"apiKey auth without header",
			&persistence.ToolSource{Name: "gh", Type: persistence.ToolSourceGraphQL, Config: map[string]any{
				"endpoint": "https://gh.example/graphql",
				"auth":     map[string]any{"type": "apiKey"},
			}},
		},
		{
			"unknown type",
			&persistence.ToolSource{Name: "x", Type: "soap", Config: map[string]any{}},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, toolsource.Normalize(tc.src))
		})
	}
}

func TestStaticAuthHeaders(t *testing.T) {
	assert.Nil(t, toolsource.StaticAuthHeaders(nil))
	assert.Nil(t, toolsource.StaticAuthHeaders(&toolsource.AuthSpec{Type: "bearer", Mode: "workspace", Token: "t"}))

	headers := toolsource.StaticAuthHeaders(&toolsource.AuthSpec{Type: "bearer", Token: " tok "})
	assert.Equal(t, map[string]string{"authorization": "Bearer tok"}, headers)

	headers = toolsource.StaticAuthHeaders(&toolsource.AuthSpec{Type: "apiKey", Header: "X-Api-Key", Value: "v"})
	assert.Equal(t, map[string]string{"x-api-key": "v"}, headers)

	headers = toolsource.StaticAuthHeaders(&toolsource.AuthSpec{Type: "basic", Username: "u", Password: "p"})
	assert.Equal(t, map[string]string{"authorization": "Basic dTpw"}, headers)
}

func TestCredentialSpecFromAuth(t *testing.T) {
	assert.Nil(t, toolsource.CredentialSpecFromAuth("gh", &toolsource.AuthSpec{Type: "bearer", Mode: "static"}))
	spec := toolsource.CredentialSpecFromAuth("gh", &toolsource.AuthSpec{Type: "apiKey", Mode: "actor", Header: "X-Key"})
	require.NotNil(t, spec)
	assert.Equal(t, "gh", spec.SourceKey)
	assert.Equal(t, "actor", spec.Mode)
	assert.Equal(t, "apiKey", spec.AuthType)
	assert.Equal(t, "X-Key", spec.HeaderName)
}

func TestDefinitionEntryRoundTrip(t *testing.T) {
	def := toolsource.Definition{
		Path:        "demo.ping",
		Description: "ping the demo server",
		Approval:    toolsource.ApprovalAuto,
		Source:      "demo",
		Credential:  &toolsource.CredentialSpec{SourceKey: "demo", Mode: "workspace", AuthType: "bearer"},
		Run: toolsource.RunSpec{
			Kind: toolsource.RunMCP,
			MCP: &toolsource.MCPRun{
				URL:       "https://mcp.example/rpc",
				Transport: "sse",
				ToolName:  "ping",
			},
		},
		InputSchema: map[string]any{"type": "object"},
	}
	entry, err := def.Entry()
	require.NoError(t, err)
	assert.Equal(t, "mcp", entry.RunSpecKind)

	back, err := toolsource.FromEntry(entry)
	require.NoError(t, err)
	assert.Equal(t, def.Path, back.Path)
	assert.Equal(t, def.Approval, back.Approval)
	require.NotNil(t, back.Run.MCP)
	assert.Equal(t, "ping", back.Run.MCP.ToolName)
	require.NotNil(t, back.Credential)
	assert.Equal(t, "bearer", back.Credential.AuthType)
}
