package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	entityrt "github.com/hanpama/liveql/internal/entityrt"
	executor "github.com/hanpama/liveql/internal/executor"
	gate "github.com/hanpama/liveql/internal/gate"
	reqid "github.com/hanpama/liveql/internal/reqid"
	schema "github.com/hanpama/liveql/internal/schema"
	store "github.com/hanpama/liveql/internal/store"
	subscription "github.com/hanpama/liveql/internal/subscription"
)

const testSDL = `
type Query {
  token(id: ID!): Token
  tokens(first: Int = 100): [Token!]!
}

type Subscription {
  tokens(first: Int = 100): [Token!]!
  token(id: ID!): Token
}

type Token {
  id: ID!
  symbol: String!
}
`

func tokenKey(id string) store.EntityKey {
	return store.EntityKey{Subgraph: "sg", EntityType: "Token", EntityID: id}
}

func newTestHandler(t *testing.T, opts ...Option) (*Handler, *store.Memory) {
	t.Helper()
	sch, err := schema.BuildFromSDL(testSDL)
	require.NoError(t, err)
	mem := store.NewMemory(nil)
	mem.Set(tokenKey("t1"), map[string]any{"symbol": "GRT"})
	rt := entityrt.New(sch, mem)
	engine := subscription.NewEngine(sch, gate.New(10), subscription.Options{Resolver: rt})
	h, err := New(executor.NewExecutor(rt), engine, opts...)
	require.NoError(t, err)
	return h, mem
}

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", "/", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestQuery(t *testing.T) {
	h, _ := newTestHandler(t)

	w := post(t, h, `{"query":"query($id: ID!) { token(id: $id) { symbol } }","variables":{"id":"t1"}}`)
	require.Equal(t, http.StatusOK, w.Code)
	want := map[string]any{"data": map[string]any{"token": map[string]any{"symbol": "GRT"}}}
	if diff := cmp.Diff(want, decode(t, w)); diff != "" {
		t.Fatalf("response mismatch (-want +got):\n%s", diff)
	}
}

func TestBatch(t *testing.T) {
	h, _ := newTestHandler(t)

	w := post(t, h, `[{"query":"{ tokens { id } }"},{"query":"{ token(id: \"x\") { id } }"}]`)
	require.Equal(t, http.StatusOK, w.Code)
	var got []any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	want := []any{
		map[string]any{"data": map[string]any{"tokens": []any{map[string]any{"id": "t1"}}}},
		map[string]any{"data": map[string]any{"token": nil}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("response mismatch (-want +got):\n%s", diff)
	}
}

func TestQueryValidationErrors(t *testing.T) {
	h, _ := newTestHandler(t)

	w := post(t, h, `{"query":"{ nope }"}`)
	require.Equal(t, http.StatusOK, w.Code)
	errs := decode(t, w)["errors"].([]any)
	require.Len(t, errs, 1)
	first := errs[0].(map[string]any)
	require.Contains(t, first["message"], "nope")
	require.NotEmpty(t, first["locations"])
}

func TestSubscriptionRequiresEventStream(t *testing.T) {
	h, _ := newTestHandler(t)

	w := post(t, h, `{"query":"subscription { tokens { id } }"}`)
	require.Equal(t, http.StatusOK, w.Code)
	errs := decode(t, w)["errors"].([]any)
	require.Contains(t, errs[0].(map[string]any)["message"], "text/event-stream")
}

func TestSubscriptionSetupError(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest("POST", "/", bytes.NewBufferString(`{"query":"subscription { tokens { id } token(id: \"t1\") { id } }"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	errs := decode(t, w)["errors"].([]any)
	require.Contains(t, errs[0].(map[string]any)["message"], "only a single top-level field is allowed in subscriptions")
}

type sseEvent struct {
	name string
	data string
}

func readEvent(t *testing.T, sc *bufio.Scanner) sseEvent {
	t.Helper()
	var ev sseEvent
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if ev.name != "" {
				return ev
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data:"):
			ev.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	require.NoError(t, sc.Err())
	t.Fatal("stream ended before an event")
	return ev
}

func TestSubscriptionEventStream(t *testing.T) {
	h, mem := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "POST", srv.URL, strings.NewReader(`{"query":"subscription { tokens { symbol } }"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sc := bufio.NewScanner(resp.Body)
	ev := readEvent(t, sc)
	require.Equal(t, sseEvent{name: "next", data: `{"data":{"tokens":[{"symbol":"GRT"}]}}`}, ev)

	mem.Set(tokenKey("t2"), map[string]any{"symbol": "ETH"})
	ev = readEvent(t, sc)
	require.Equal(t, sseEvent{name: "next", data: `{"data":{"tokens":[{"symbol":"GRT"},{"symbol":"ETH"}]}}`}, ev)

	mem.Broker().Close()
	require.Equal(t, "complete", readEvent(t, sc).name)
}

func TestCORSAndPreflight(t *testing.T) {
	h, _ := newTestHandler(t, WithCORS("*"))

	// simple request
	req := httptest.NewRequest("POST", "/", bytes.NewBufferString(`{"query":"{ tokens { id } }"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "http://example.com")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	// preflight
	pre := httptest.NewRequest("OPTIONS", "/", nil)
	pre.Header.Set("Origin", "http://example.com")
	pre.Header.Set("Access-Control-Request-Method", "POST")
	pw := httptest.NewRecorder()
	h.ServeHTTP(pw, pre)
	require.Equal(t, http.StatusNoContent, pw.Code)
	require.Equal(t, "*", pw.Header().Get("Access-Control-Allow-Origin"))
}

func TestMaxBodyBytes(t *testing.T) {
	h, _ := newTestHandler(t, WithMaxBodyBytes(10))

	w := post(t, h, `{"query":"1234567890"}`)
	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	h, _ := newTestHandler(t)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("PUT", "/", nil))
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestGetQuery(t *testing.T) {
	h, _ := newTestHandler(t)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", `/?query=%7B+tokens+%7B+id+%7D+%7D`, nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, map[string]any{"data": map[string]any{"tokens": []any{map[string]any{"id": "t1"}}}}, decode(t, w))
}

func TestRequestID(t *testing.T) {
	h, _ := newTestHandler(t)

	w := post(t, h, `{"query":"{ tokens { id } }"}`)
	require.Equal(t, http.StatusOK, w.Code)
	id := w.Header().Get("X-Request-Id")
	require.NotEmpty(t, id)
	_, err := reqid.Time(id)
	require.NoError(t, err)
}
