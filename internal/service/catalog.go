package service

import (
	"encoding/json"
	"fmt"

	"github.com/evolv3ai/kuzumem-mcp/internal/domain/tool"
)

// baseRepoSchemaProps is the input-schema fragment every domain tool shares:
// the (clientProjectRoot, repository, branch) triple the Database
// Provisioner keys on (spec.md §3, §4.7).
const baseRepoSchemaProps = `
	"clientProjectRoot": {"type": "string"},
	"repository": {"type": "string"},
	"branch": {"type": "string"}
`

func objectSchema(extraProps, required string) json.RawMessage {
	props := baseRepoSchemaProps
	if extraProps != "" {
		props += ",\n" + extraProps
	}
	req := `"clientProjectRoot", "repository", "branch"`
	if required != "" {
		req += ", " + required
	}
	return json.RawMessage(fmt.Sprintf(`{"type":"object","properties":{%s},"required":[%s]}`, props, req))
}

// graphQueryHandler is the shared shape for every domain tool stub: it
// acquires the keyed Database Handle (exercising C7), emits two progress
// notifications (one before acquiring, one before querying), and returns a
// small result envelope. The domain
// tools themselves (CRUD on Component/Decision/Rule/File/Tag/Context,
// graph algorithms) are explicitly out of scope (spec.md §1); these stubs
// exist only to give the Tool Dispatcher (C6) and Database Provisioner
// (C7) a real, exercised call path end to end.
func graphQueryHandler(name, queryText string) tool.Handler {
	return func(ctx any, arguments json.RawMessage) (any, error) {
		ec, ok := FromHandlerCtx(ctx)
		if !ok {
			return nil, fmt.Errorf("service: %s handler received an unexpected context type", name)
		}

		ec.SendProgress(ProgressNotification{Status: "initializing", Message: fmt.Sprintf("%s: acquiring database", name)})

		handle, err := ec.AcquireDB()
		if err != nil {
			return nil, err
		}

		var args map[string]any
		if len(arguments) > 0 {
			_ = json.Unmarshal(arguments, &args)
		}

		ec.SendProgress(ProgressNotification{Status: "in_progress", Message: fmt.Sprintf("%s: executing", name), IsFinal: true})

		rows, err := handle.ExecuteQuery(ec.Context, queryText, args)
		if err != nil {
			return nil, err
		}

		return map[string]any{
			"tool": name,
			"rows": rows,
		}, nil
	}
}

// RegisterCatalog registers every tool named in spec.md §4.6's catalog:
// the domain CRUD/search tools reached through tools/call, plus the
// individual graph-algorithm tools. Schemas are declared here at
// registration time, per spec.md §4.6.
func RegisterCatalog(registry *tool.Registry) error {
	domainTools := []struct {
		name       string
		extraProps string
		required   string
	}{
		{"memory-bank", `"action": {"type": "string", "enum": ["init", "get-metadata", "update-metadata"]}`, `"action"`},
		{"entity", `"entityType": {"type": "string"}, "action": {"type": "string"}`, `"entityType", "action"`},
		{"introspect", `"query": {"type": "string"}`, ""},
		{"context", `"action": {"type": "string"}`, `"action"`},
		{"query", `"cypher": {"type": "string"}`, `"cypher"`},
		{"associate", `"fromId": {"type": "string"}, "toId": {"type": "string"}, "relType": {"type": "string"}`, `"fromId", "toId", "relType"`},
		{"analyze", `"target": {"type": "string"}`, ""},
		{"detect", `"pattern": {"type": "string"}`, ""},
		{"bulk-import", `"format": {"type": "string", "enum": ["yaml", "json"]}, "payload": {"type": "string"}`, `"format", "payload"`},
		{"search", `"term": {"type": "string"}`, `"term"`},
		{"memory-optimizer", `"mode": {"type": "string"}`, ""},
	}

	for _, dt := range domainTools {
		d := tool.Descriptor{
			Name:        dt.name,
			Description: fmt.Sprintf("%s operation over the repository-scoped memory bank.", dt.name),
			InputSchema: objectSchema(dt.extraProps, dt.required),
			Annotations: tool.Annotations{ReadOnlyHint: dt.name == "query" || dt.name == "search" || dt.name == "introspect" || dt.name == "analyze" || dt.name == "detect"},
			Handler:     graphQueryHandler(dt.name, fmt.Sprintf("MATCH (n:%s) RETURN n", toNodeLabel(dt.name))),
		}
		if err := registry.Register(d); err != nil {
			return err
		}
	}

	graphAlgorithms := []string{
		"pagerank",
		"k-core-decomposition",
		"louvain-community-detection",
		"strongly-connected-components",
		"weakly-connected-components",
		"shortest-path",
	}
	for _, name := range graphAlgorithms {
		extra := `"projectedGraphName": {"type": "string"}, "nodeTableNames": {"type": "array", "items": {"type": "string"}}, "relationshipTableNames": {"type": "array", "items": {"type": "string"}}`
		required := `"projectedGraphName", "nodeTableNames", "relationshipTableNames"`
		d := tool.Descriptor{
			Name:        name,
			Description: fmt.Sprintf("%s graph algorithm over a projected subgraph.", name),
			InputSchema: objectSchema(extra, required),
			Annotations: tool.Annotations{ReadOnlyHint: true},
			Constraints: []string{`size(args.nodeTableNames) > 0`, `size(args.relationshipTableNames) > 0`},
			Handler:     graphQueryHandler(name, "MATCH (n:Component) RETURN n"),
		}
		if err := registry.Register(d); err != nil {
			return err
		}
	}

	return nil
}

// toNodeLabel maps a tool name to the node label its stub query scans;
// purely illustrative since the domain tools themselves are out of scope.
func toNodeLabel(toolName string) string {
	switch toolName {
	case "entity":
		return "Component"
	case "context":
		return "Context"
	default:
		return "Component"
	}
}
