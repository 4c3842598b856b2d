package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	config "github.com/hanpama/liveql/internal/config"
	logger "github.com/hanpama/liveql/internal/logger"
	store "github.com/hanpama/liveql/internal/store"
)

const testSDL = `
type Query {
  token(id: ID!): Token
  tokens(first: Int = 100): [Token!]!
}

type Subscription {
  tokens(first: Int = 100): [Token!]!
}

type Token {
  id: ID!
  symbol: String!
}
`

const testSeed = `[
  {"tag": 1, "changes": [{"subgraph": "sg", "entity_type": "Token", "entity_id": "t1", "operation": "set", "data": {"symbol": "GRT"}}]},
  {"tag": 2, "changes": [{"subgraph": "sg", "entity_type": "Token", "entity_id": "t2", "operation": "set", "data": {"symbol": "ETH"}}]}
]`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	schemaPath := writeFile(t, dir, "schema.graphql", testSDL)
	q := writeFile(t, dir, "q.graphql", `subscription { tokens(first: 10) { id symbol } }`)

	out, err := execute(t, "validate", "--schema-path", schemaPath, q)
	require.NoError(t, err)
	require.Regexp(t, `^ok: subscription complexity=\d+ depth=\d+\n$`, out)

	_, err = execute(t, "validate", "--schema-path", schemaPath, "--subscription-max-complexity", "5", q)
	require.ErrorContains(t, err, "exceeds the limit")

	bad := writeFile(t, dir, "bad.graphql", `subscription { nope }`)
	_, err = execute(t, "validate", "--schema-path", schemaPath, bad)
	require.Error(t, err)
}

func TestPrintSchema(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	schemaPath := writeFile(t, dir, "schema.graphql", testSDL)

	out, err := execute(t, "print-schema", "--schema-path", schemaPath)
	require.NoError(t, err)
	require.Contains(t, out, "type Subscription")
	require.Contains(t, out, "tokens(first: Int = 100): [Token!]!")

	target := filepath.Join(dir, "out.graphql")
	_, err = execute(t, "print-schema", "--schema-path", schemaPath, "-o", target)
	require.NoError(t, err)
	b, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, out, string(b))
}

func TestPublishRequiresFeedEngine(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	seedPath := writeFile(t, dir, "seed.json", testSeed)

	_, err := execute(t, "publish", seedPath)
	require.ErrorContains(t, err, "postgres or redis")
}

func TestSubscribeRequiresQuery(t *testing.T) {
	_, err := execute(t, "subscribe")
	require.ErrorContains(t, err, "a query is required")
}

func TestReadNotifications(t *testing.T) {
	dir := t.TempDir()
	notes, err := readNotifications(writeFile(t, dir, "many.json", testSeed))
	require.NoError(t, err)
	require.Len(t, notes, 2)

	one := `{"tag": 3, "changes": [{"subgraph": "sg", "entity_type": "Token", "entity_id": "t3", "operation": "removed"}]}`
	notes, err = readNotifications(writeFile(t, dir, "one.json", one))
	require.NoError(t, err)
	require.Equal(t, store.EntityOperation("removed"), notes[0].Changes[0].Operation)

	_, err = readNotifications(writeFile(t, dir, "bad.json", `[{"tag": 1, "changes": [{"operation": "explode"}]}]`))
	require.Error(t, err)
}

func TestAppServesSeededStore(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Schema.Path = writeFile(t, dir, "schema.graphql", testSDL)
	cfg.Store.Seed = writeFile(t, dir, "seed.json", testSeed)
	cfg.Store.Subgraph = "sg"

	a, err := newApp(cfg, logger.NewNoopLogger())
	require.NoError(t, err)
	defer a.close()
	require.Nil(t, a.feed())

	req := httptest.NewRequest("POST", "/graphql", strings.NewReader(`{"query":"{ tokens { symbol } }"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	a.http.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"data":{"tokens":[{"symbol":"GRT"},{"symbol":"ETH"}]}}`, w.Body.String())

	req = httptest.NewRequest("POST", "/graphql", strings.NewReader(`{"query":"{ __type(name: \"Token\") { kind } }"}`))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	a.http.ServeHTTP(w, req)
	require.JSONEq(t, `{"data":{"__type":{"kind":"OBJECT"}}}`, w.Body.String())
}

func TestAppRunStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Schema.Path = writeFile(t, dir, "schema.graphql", testSDL)
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.GRPC.Addr = "127.0.0.1:0"
	cfg.Metrics.Addr = ""

	a, err := newApp(cfg, logger.NewNoopLogger())
	require.NoError(t, err)
	defer a.close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.run(ctx) }()
	cancel()
	require.NoError(t, <-done)
}
