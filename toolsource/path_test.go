package toolsource_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/execbroker/execbroker/toolsource"
)

func TestSanitizeSegment(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"ping", "ping"},
		{"Ping", "ping"},
		{"createIssue", "create_issue"},
		{"HTTPServer", "httpserver"},
		{"GET /pets/{id}", "get_pets_id"},
		{"my-tool.name", "my_tool_name"},
		{"  spaced out  ", "spaced_out"},
		{"123abc", "_123abc"},
		{"", "default"},
		{"---", "default"},
		{"a__b", "a__b"},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			assert.Equal(t, tc.want, toolsource.SanitizeSegment(tc.in))
		})
	}
}

func TestJoinPath(t *testing.T) {
	assert.Equal(t, "demo.ping", toolsource.JoinPath("Demo", "ping"))
	assert.Equal(t, "gh.mutation.create_issue", toolsource.JoinPath("gh", "mutation", "createIssue"))
}
