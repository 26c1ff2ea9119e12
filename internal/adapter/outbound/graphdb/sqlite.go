// Package graphdb adapts the embedded graph database to the Database
// Provisioner's (C7) Opener/Querier contract. spec.md §1 treats the graph
// engine itself as an external black box ("an embedded property-graph
// store with Cypher-like query execution"); this adapter gives that
// contract a concrete, testable implementation using modernc.org/sqlite
// (pure-Go, cgo-free, creates-if-absent — the closest embeddable engine
// available in the corpus, per DESIGN.md D3), represented as a generic
// nodes/edges schema with a small Cypher-subset query surface.
package graphdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/evolv3ai/kuzumem-mcp/internal/domain/graphdb"

	_ "modernc.org/sqlite"
)

// schemaDDL creates the generic property-graph tables a Cypher-subset
// executor runs MATCH/CREATE/RETURN against: nodes keyed by (label, key)
// with a JSON properties blob, and edges between two nodes with their own
// JSON properties.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS nodes (
	label      TEXT NOT NULL,
	key        TEXT NOT NULL,
	properties TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (label, key)
);
CREATE TABLE IF NOT EXISTS edges (
	rel_type     TEXT NOT NULL,
	from_label   TEXT NOT NULL,
	from_key     TEXT NOT NULL,
	to_label     TEXT NOT NULL,
	to_key       TEXT NOT NULL,
	properties   TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (rel_type, from_label, from_key, to_label, to_key),
	FOREIGN KEY (from_label, from_key) REFERENCES nodes(label, key),
	FOREIGN KEY (to_label, to_key) REFERENCES nodes(label, key)
);
CREATE INDEX IF NOT EXISTS idx_edges_from ON edges(from_label, from_key);
CREATE INDEX IF NOT EXISTS idx_edges_to   ON edges(to_label, to_key);
`

// SQLiteOpener implements graphdb.Opener over modernc.org/sqlite.
type SQLiteOpener struct{}

// NewSQLiteOpener constructs a SQLiteOpener.
func NewSQLiteOpener() *SQLiteOpener {
	return &SQLiteOpener{}
}

// Open opens (creating if absent) the SQLite-backed graph database at
// path, applying schemaDDL, and returns a Querier plus its close callback.
func (o *SQLiteOpener) Open(ctx context.Context, path string) (graphdb.Querier, func() error, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, fmt.Errorf("graphdb: opening sqlite database: %w", err)
	}
	// The embedded engine guarantees serialized writes per database file
	// (spec.md §5); a single connection enforces that without relying on
	// SQLite's own locking semantics under concurrent writers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("graphdb: applying schema: %w", err)
	}

	q := &sqliteQuerier{db: db}
	return q, db.Close, nil
}

// sqliteQuerier implements graphdb.Querier's ExecuteQuery against the
// generic nodes/edges schema. It supports two forms: CREATE, a node upsert
// by the "label" and "key" params, and MATCH, a scan of every node carrying
// the "label" param's label. Edge creation and property filters are not
// supported.
type sqliteQuerier struct {
	db *sql.DB
}

// ExecuteQuery dispatches text (case-insensitively, by leading keyword) to
// the matching handler. params supplies the values by fixed name ("label",
// "key", "properties"); the rest of text, $name placeholders included, is
// not parsed.
func (q *sqliteQuerier) ExecuteQuery(ctx context.Context, text string, params map[string]any) ([]graphdb.Row, error) {
	trimmed := strings.TrimSpace(text)
	upper := strings.ToUpper(trimmed)

	switch {
	case strings.HasPrefix(upper, "CREATE"):
		return nil, q.execCreate(ctx, trimmed, params)
	case strings.HasPrefix(upper, "MATCH"):
		return q.execMatch(ctx, trimmed, params)
	default:
		return nil, fmt.Errorf("graphdb: unsupported query form: %q", trimmed)
	}
}

// execCreate handles `CREATE (n:Label {key: $key})`-shaped node upserts.
// The Cypher parser here is intentionally minimal — spec.md scopes the
// engine itself out of this repository; only enough surface exists to let
// the Provisioner and its callers be exercised end to end.
func (q *sqliteQuerier) execCreate(ctx context.Context, text string, params map[string]any) error {
	label, ok := params["label"].(string)
	if !ok || label == "" {
		return fmt.Errorf("graphdb: CREATE requires a \"label\" param")
	}
	key, ok := params["key"].(string)
	if !ok || key == "" {
		return fmt.Errorf("graphdb: CREATE requires a \"key\" param")
	}
	props, _ := params["properties"].(string)
	if props == "" {
		props = "{}"
	}

	_, err := q.db.ExecContext(ctx,
		`INSERT INTO nodes (label, key, properties) VALUES (?, ?, ?)
		 ON CONFLICT(label, key) DO UPDATE SET properties = excluded.properties`,
		label, key, props,
	)
	return err
}

// execMatch handles `MATCH (n:Label) RETURN n`-shaped full-label scans.
func (q *sqliteQuerier) execMatch(ctx context.Context, text string, params map[string]any) ([]graphdb.Row, error) {
	label, ok := params["label"].(string)
	if !ok || label == "" {
		return nil, fmt.Errorf("graphdb: MATCH requires a \"label\" param")
	}

	rows, err := q.db.QueryContext(ctx, `SELECT key, properties FROM nodes WHERE label = ?`, label)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []graphdb.Row
	for rows.Next() {
		var key, props string
		if err := rows.Scan(&key, &props); err != nil {
			return nil, err
		}
		out = append(out, graphdb.Row{"key": key, "properties": props})
	}
	return out, rows.Err()
}
