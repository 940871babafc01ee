// Package neo4j implements the cypher_query/create_node/
// create_relationship/find_node vocabulary (spec.md §4.2) over Bolt via
// github.com/neo4j/neo4j-go-driver/v5 — the only real Go client for the
// neo4j kb_type the spec names explicitly, and nothing in the example
// pack ships a graph-DB client to ground this on instead.
package neo4j

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/Mindburn-Labs/mesh/pkg/meshrpc"
)

// Driver adapts a neo4j.DriverWithContext to the adapter.Driver
// interface.
type Driver struct {
	driver   neo4j.DriverWithContext
	database string
}

// Open dials uri with basic auth and verifies connectivity. database
// may be empty, in which case the server's configured default is used.
func Open(ctx context.Context, uri, username, password, database string) (*Driver, error) {
	drv, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j adapter: open: %w", err)
	}
	if err := drv.VerifyConnectivity(ctx); err != nil {
		drv.Close(ctx)
		return nil, fmt.Errorf("neo4j adapter: verify connectivity: %w", err)
	}
	return &Driver{driver: drv, database: database}, nil
}

// Close releases the underlying driver.
func (d *Driver) Close(ctx context.Context) error {
	return d.driver.Close(ctx)
}

// Ping satisfies health.KBPinger.
func (d *Driver) Ping(ctx context.Context, kb meshrpc.KB) error {
	return d.driver.VerifyConnectivity(ctx)
}

// Execute dispatches operation against the backend. Supported
// operations: cypher_query, create_node, create_relationship, find_node
// (spec.md §4.2 "neo4j" vocabulary).
func (d *Driver) Execute(ctx context.Context, operation string, params map[string]any) (any, error) {
	switch operation {
	case "cypher_query":
		return d.cypherQuery(ctx, params)
	case "create_node":
		return d.createNode(ctx, params)
	case "create_relationship":
		return d.createRelationship(ctx, params)
	case "find_node":
		return d.findNode(ctx, params)
	default:
		return nil, fmt.Errorf("neo4j adapter: unsupported operation %q", operation)
	}
}

func (d *Driver) run(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	opts := []neo4j.ExecuteQueryConfigurationOption{}
	if d.database != "" {
		opts = append(opts, neo4j.ExecuteQueryWithDatabase(d.database))
	}
	result, err := neo4j.ExecuteQuery(ctx, d.driver, cypher, params, neo4j.EagerResultTransformer, opts...)
	if err != nil {
		return nil, fmt.Errorf("neo4j adapter: execute: %w", err)
	}
	records := make([]map[string]any, 0, len(result.Records))
	for _, rec := range result.Records {
		records = append(records, rec.AsMap())
	}
	return records, nil
}

func (d *Driver) cypherQuery(ctx context.Context, params map[string]any) (any, error) {
	cypher, ok := params["query"].(string)
	if !ok || cypher == "" {
		return nil, fmt.Errorf("neo4j adapter: cypher_query requires a non-empty \"query\" string")
	}
	queryParams, _ := params["params"].(map[string]any)
	return d.run(ctx, cypher, queryParams)
}

func (d *Driver) createNode(ctx context.Context, params map[string]any) (any, error) {
	label, ok := params["label"].(string)
	if !ok || label == "" {
		return nil, fmt.Errorf("neo4j adapter: create_node requires a non-empty \"label\" string")
	}
	props, _ := params["properties"].(map[string]any)

	cypher := fmt.Sprintf("CREATE (n:%s $props) RETURN n", label)
	return d.run(ctx, cypher, map[string]any{"props": props})
}

func (d *Driver) createRelationship(ctx context.Context, params map[string]any) (any, error) {
	fromID, _ := params["from_id"].(string)
	toID, _ := params["to_id"].(string)
	relType, _ := params["type"].(string)
	if fromID == "" || toID == "" || relType == "" {
		return nil, fmt.Errorf("neo4j adapter: create_relationship requires \"from_id\", \"to_id\", and \"type\"")
	}
	props, _ := params["properties"].(map[string]any)

	cypher := fmt.Sprintf(`
		MATCH (a), (b)
		WHERE elementId(a) = $fromID AND elementId(b) = $toID
		CREATE (a)-[r:%s $props]->(b)
		RETURN r
	`, relType)
	return d.run(ctx, cypher, map[string]any{"fromID": fromID, "toID": toID, "props": props})
}

func (d *Driver) findNode(ctx context.Context, params map[string]any) (any, error) {
	label, _ := params["label"].(string)
	matchProps, _ := params["match"].(map[string]any)

	cypher := "MATCH (n"
	if label != "" {
		cypher += ":" + label
	}
	cypher += " $match) RETURN n"
	return d.run(ctx, cypher, map[string]any{"match": matchProps})
}
