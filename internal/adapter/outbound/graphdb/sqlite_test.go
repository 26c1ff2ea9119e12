package graphdb

import (
	"context"
	"path/filepath"
	"testing"
)

func TestSQLiteOpener_OpenCreatesSchema(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "main.db")

	opener := NewSQLiteOpener()
	q, closer, err := opener.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = closer() }()

	if q == nil {
		t.Fatal("expected non-nil Querier")
	}
}

func TestSQLiteQuerier_CreateAndMatch(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "main.db")

	opener := NewSQLiteOpener()
	q, closer, err := opener.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = closer() }()

	ctx := context.Background()
	_, err = q.ExecuteQuery(ctx, "CREATE (n:Component {key: $key})", map[string]any{
		"label":      "Component",
		"key":        "svc-auth",
		"properties": `{"name":"auth-service"}`,
	})
	if err != nil {
		t.Fatalf("CREATE: %v", err)
	}

	rows, err := q.ExecuteQuery(ctx, "MATCH (n:Component) RETURN n", map[string]any{
		"label": "Component",
	})
	if err != nil {
		t.Fatalf("MATCH: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	if rows[0]["key"] != "svc-auth" {
		t.Errorf("key = %v, want svc-auth", rows[0]["key"])
	}
}

func TestSQLiteQuerier_CreateUpserts(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "main.db")

	opener := NewSQLiteOpener()
	q, closer, err := opener.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = closer() }()

	ctx := context.Background()
	create := func(props string) error {
		_, err := q.ExecuteQuery(ctx, "CREATE (n:Component {key: $key})", map[string]any{
			"label":      "Component",
			"key":        "svc-auth",
			"properties": props,
		})
		return err
	}
	if err := create(`{"version":1}`); err != nil {
		t.Fatalf("first CREATE: %v", err)
	}
	if err := create(`{"version":2}`); err != nil {
		t.Fatalf("second CREATE: %v", err)
	}

	rows, err := q.ExecuteQuery(ctx, "MATCH (n:Component) RETURN n", map[string]any{"label": "Component"})
	if err != nil {
		t.Fatalf("MATCH: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1 (upsert should not duplicate)", len(rows))
	}
	if rows[0]["properties"] != `{"version":2}` {
		t.Errorf("properties = %v, want latest version", rows[0]["properties"])
	}
}

func TestSQLiteQuerier_UnsupportedQueryForm(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "main.db")

	opener := NewSQLiteOpener()
	q, closer, err := opener.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = closer() }()

	if _, err := q.ExecuteQuery(context.Background(), "DELETE everything", nil); err == nil {
		t.Fatal("expected error for unsupported query form")
	}
}
