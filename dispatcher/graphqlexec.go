package dispatcher

import (
	"context"
	"fmt"

	"github.com/machinebox/graphql"

	"github.com/execbroker/execbroker/toolsource"
)

// graphqlClient returns the per-endpoint machinebox client, creating it on
// first use. Clients are stateless beyond their endpoint and HTTP client,
// so sharing across tasks is safe.
func (d *Dispatcher) graphqlClient(endpoint string) *graphql.Client {
	d.gqlMu.Lock()
	defer d.gqlMu.Unlock()
	if c, ok := d.gqlClients[endpoint]; ok {
		return c
	}
	c := graphql.NewClient(endpoint, graphql.WithHTTPClient(d.http))
	d.gqlClients[endpoint] = c
	return c
}

// execGraphQLRaw requires a non-empty query in the input, posts
// {query, variables}, and returns the response envelope.
func (d *Dispatcher) execGraphQLRaw(ctx context.Context, run *toolsource.GraphQLRun, input map[string]any, env Env) (any, error) {
	query, _ := input["query"].(string)
	if query == "" {
		return nil, fmt.Errorf("graphql raw call requires a non-empty query string")
	}
	variables, _ := input["variables"].(map[string]any)
	data, err := d.runGraphQL(ctx, run, query, variables, env)
	if err != nil {
		return nil, err
	}
	return map[string]any{"data": data}, nil
}

// execGraphQLField behaves as raw when the input supplies an explicit query;
// otherwise it substitutes the tool's field query template, maps top-level
// input keys to variables, and unwraps the operation's field from the data
// envelope.
func (d *Dispatcher) execGraphQLField(ctx context.Context, run *toolsource.GraphQLRun, input map[string]any, env Env) (any, error) {
	if query, _ := input["query"].(string); query != "" {
		return d.execGraphQLRaw(ctx, run, input, env)
	}
	data, err := d.runGraphQL(ctx, run, run.QueryTemplate, input, env)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	return data[run.OperationName], nil
}

func (d *Dispatcher) runGraphQL(ctx context.Context, run *toolsource.GraphQLRun, query string, variables map[string]any, env Env) (map[string]any, error) {
	req := graphql.NewRequest(query)
	for k, v := range variables {
		req.Var(k, v)
	}
	for k, v := range run.AuthHeaders {
		req.Header.Set(k, v)
	}
	for k, v := range env.Credential {
		req.Header.Set(k, v)
	}
	var data map[string]any
	if err := d.graphqlClient(run.Endpoint).Run(ctx, req, &data); err != nil {
		return nil, err
	}
	return data, nil
}
