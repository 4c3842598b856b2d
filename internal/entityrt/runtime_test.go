package entityrt_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	entityrt "github.com/hanpama/liveql/internal/entityrt"
	executor "github.com/hanpama/liveql/internal/executor"
	gate "github.com/hanpama/liveql/internal/gate"
	query "github.com/hanpama/liveql/internal/query"
	schema "github.com/hanpama/liveql/internal/schema"
	store "github.com/hanpama/liveql/internal/store"
	subscription "github.com/hanpama/liveql/internal/subscription"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const tokenSDL = `
scalar BigInt

enum OrderDirection { asc desc }
enum Token_orderBy { id symbol decimals }

input Token_filter {
  symbol: String
  decimals: Int
}

interface Holder { id: ID! }

type Account implements Holder {
  id: ID!
  name: String!
  tokens: [Token!]!
}

type Token {
  id: ID!
  symbol: String!
  decimals: Int
  supply: BigInt
  owner: Account
}

type Query {
  token(id: ID!): Token
  tokens(first: Int = 100, skip: Int = 0, orderBy: Token_orderBy, orderDirection: OrderDirection, where: Token_filter): [Token!]!
  holder(id: ID!): Holder
}

type Subscription {
  tokens(first: Int = 100, orderBy: Token_orderBy): [Token!]!
}
`

func tokenKey(id string) store.EntityKey {
	return store.EntityKey{Subgraph: "sg", EntityType: "Token", EntityID: id}
}

func accountKey(id string) store.EntityKey {
	return store.EntityKey{Subgraph: "sg", EntityType: "Account", EntityID: id}
}

func setup(t *testing.T) (*schema.Schema, *store.Memory, *entityrt.Runtime) {
	t.Helper()
	sch, err := schema.BuildFromSDL(tokenSDL)
	require.NoError(t, err)
	mem := store.NewMemory(nil)
	mem.Set(tokenKey("t1"), map[string]any{"symbol": "GRT", "decimals": float64(18), "supply": float64(1e21), "owner": "a1"})
	mem.Set(tokenKey("t2"), map[string]any{"symbol": "ETH", "decimals": float64(18)})
	mem.Set(accountKey("a1"), map[string]any{"name": "alice", "tokens": []any{"t1", "t2", "missing"}})
	return sch, mem, entityrt.New(sch, mem, entityrt.WithSubgraph("sg"))
}

func execute(t *testing.T, sch *schema.Schema, rt *entityrt.Runtime, src string) *executor.ExecutionResult {
	t.Helper()
	q, err := query.Compile(sch, src, query.Options{})
	require.NoError(t, err)
	return executor.NewExecutor(rt).ExecuteQuery(context.Background(), q)
}

func TestRuntime_Queries(t *testing.T) {
	sch, _, rt := setup(t)

	for _, tc := range []struct {
		name  string
		query string
		want  map[string]any
	}{
		{
			name:  "list ordered by attribute with references",
			query: `{ tokens(orderBy: symbol) { id symbol decimals owner { name } } }`,
			want: map[string]any{"tokens": []any{
				map[string]any{"id": "t2", "symbol": "ETH", "decimals": int64(18), "owner": nil},
				map[string]any{"id": "t1", "symbol": "GRT", "decimals": int64(18), "owner": map[string]any{"name": "alice"}},
			}},
		},
		{
			name:  "lookup by id with nested reference lists",
			query: `{ token(id: "t1") { supply owner { tokens { id } } } }`,
			want: map[string]any{"token": map[string]any{
				"supply": "1000000000000000000000",
				"owner": map[string]any{"tokens": []any{
					map[string]any{"id": "t1"},
					map[string]any{"id": "t2"},
				}},
			}},
		},
		{
			name:  "missing entity",
			query: `{ token(id: "nope") { id } }`,
			want:  map[string]any{"token": nil},
		},
		{
			name:  "where and direction",
			query: `{ a: tokens(where: {symbol: "GRT"}) { id } b: tokens(orderDirection: desc, first: 1) { id } }`,
			want: map[string]any{
				"a": []any{map[string]any{"id": "t1"}},
				"b": []any{map[string]any{"id": "t2"}},
			},
		},
		{
			name:  "interface lookup",
			query: `{ holder(id: "a1") { __typename id ... on Account { name } } }`,
			want:  map[string]any{"holder": map[string]any{"__typename": "Account", "id": "a1", "name": "alice"}},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := execute(t, sch, rt, tc.query)
			require.Empty(t, got.Errors)
			if diff := cmp.Diff(tc.want, got.Data); diff != "" {
				t.Fatalf("data mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRuntime_RejectsHistoricalBlocks(t *testing.T) {
	sch, _, rt := setup(t)
	q, err := query.Compile(sch, `{ token(id: "t1") { id } }`, query.Options{})
	require.NoError(t, err)

	ec := &executor.ExecutionContext{Runtime: rt, Query: q, Block: executor.BlockNumber(5)}
	got := executor.Execute(context.Background(), ec, q.SelectionSet(), q.RootType(), nil)
	require.Equal(t, map[string]any{"token": nil}, got.Data)
	require.Len(t, got.Errors, 1)
	require.Contains(t, got.Errors[0].Message, "only the latest block can be queried")
}

func TestReachableEntityTypes(t *testing.T) {
	sch, _, _ := setup(t)
	require.Equal(t, []string{"Account", "Token"}, entityrt.ReachableEntityTypes(sch, "Token"))
	require.Equal(t, []string{"Account", "Token"}, entityrt.ReachableEntityTypes(sch, "Holder"))
	require.Empty(t, entityrt.ReachableEntityTypes(sch, "BigInt"))
}

func TestRuntime_ResolveFieldStream(t *testing.T) {
	sch, mem, rt := setup(t)
	root := sch.GetSubscriptionType()

	es, err := rt.ResolveFieldStream(context.Background(), sch, root, root.Field("tokens"), nil)
	require.NoError(t, err)
	defer es.Close()

	mem.Set(store.EntityKey{Subgraph: "sg", EntityType: "Unrelated", EntityID: "x"}, nil)
	mem.Set(store.EntityKey{Subgraph: "other", EntityType: "Token", EntityID: "x"}, nil)
	ev := mem.Set(accountKey("a2"), map[string]any{"name": "bob"})

	got := <-es.Events()
	require.Equal(t, ev.Tag, got.Tag, "changes outside the subgraph or the reachable types are filtered")
	require.Equal(t, []store.EntityChange{{Key: accountKey("a2"), Operation: store.OperationSet}}, got.Changes)
}

func TestRuntime_LiveSubscription(t *testing.T) {
	sch, mem, rt := setup(t)
	e := subscription.NewEngine(sch, gate.New(10), subscription.Options{Resolver: rt})

	rs, err := e.Execute(context.Background(), subscription.Subscription{
		Query: `subscription { tokens(orderBy: symbol) { symbol } }`,
	})
	require.NoError(t, err)
	defer rs.Close()

	symbols := func() []any {
		select {
		case res := <-rs.Results():
			require.Empty(t, res.Errors)
			var out []any
			for _, tok := range res.Data.(map[string]any)["tokens"].([]any) {
				out = append(out, tok.(map[string]any)["symbol"])
			}
			return out
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for a result")
			return nil
		}
	}

	require.Equal(t, []any{"ETH", "GRT"}, symbols())

	mem.Set(tokenKey("t3"), map[string]any{"symbol": "DAI"})
	require.Equal(t, []any{"DAI", "ETH", "GRT"}, symbols())

	mem.Remove(tokenKey("t2"))
	require.Equal(t, []any{"DAI", "GRT"}, symbols())
}
