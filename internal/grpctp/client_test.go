package grpctp

import (
	"context"
	"io"
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	entityrt "github.com/hanpama/liveql/internal/entityrt"
	eventbus "github.com/hanpama/liveql/internal/eventbus"
	events "github.com/hanpama/liveql/internal/events"
	gate "github.com/hanpama/liveql/internal/gate"
	grpcsrv "github.com/hanpama/liveql/internal/grpcsrv"
	reqid "github.com/hanpama/liveql/internal/reqid"
	schema "github.com/hanpama/liveql/internal/schema"
	store "github.com/hanpama/liveql/internal/store"
	subscription "github.com/hanpama/liveql/internal/subscription"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testSDL = `
type Query {
  token(id: ID!): Token
}

type Subscription {
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

func newServer(t *testing.T) (*store.Memory, *Client) {
	t.Helper()
	sch, err := schema.BuildFromSDL(testSDL)
	require.NoError(t, err)
	mem := store.NewMemory(nil)
	mem.Set(tokenKey("t1"), map[string]any{"symbol": "GRT"})
	engine := subscription.NewEngine(sch, gate.New(10), subscription.Options{Resolver: entityrt.New(sch, mem)})

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	grpcsrv.New(engine).Register(gs)
	go func() { _ = gs.Serve(lis) }()

	c := New(
		WithProvider(NewStaticEndpoints(map[string][]string{grpcsrv.ServiceName: {"passthrough:///bufnet"}})),
		WithDialOptions(
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		),
	)
	t.Cleanup(func() {
		_ = c.Close()
		gs.Stop()
	})
	return mem, c
}

func TestSubscribe(t *testing.T) {
	mem, c := newServer(t)

	rs, err := c.Subscribe(context.Background(), subscription.Subscription{
		Query:     `subscription($id: ID!) { token(id: $id) { symbol } }`,
		Variables: map[string]any{"id": "t1"},
	})
	require.NoError(t, err)
	defer rs.Close()

	res, err := rs.Recv()
	require.NoError(t, err)
	if diff := cmp.Diff(map[string]any{"token": map[string]any{"symbol": "GRT"}}, res.Data); diff != "" {
		t.Fatalf("first result mismatch (-want +got):\n%s", diff)
	}

	mem.Set(tokenKey("t1"), map[string]any{"symbol": "GRT2"})
	res, err = rs.Recv()
	require.NoError(t, err)
	if diff := cmp.Diff(map[string]any{"token": map[string]any{"symbol": "GRT2"}}, res.Data); diff != "" {
		t.Fatalf("second result mismatch (-want +got):\n%s", diff)
	}

	mem.Broker().Close()
	_, err = rs.Recv()
	require.ErrorIs(t, err, io.EOF)
	_, err = rs.Recv()
	require.ErrorIs(t, err, io.EOF)
}

func TestSubscribeSetupError(t *testing.T) {
	_, c := newServer(t)

	rs, err := c.Subscribe(context.Background(), subscription.Subscription{Query: `subscription { token { id } }`})
	require.Nil(t, rs)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestSubscribeClose(t *testing.T) {
	bus := eventbus.New()
	eventbus.Use(bus)
	defer eventbus.Use(nil)
	var starts, finishes []string
	eventbus.On[events.GRPCClientStart](bus, func(ctx context.Context, e events.GRPCClientStart) {
		id, _ := reqid.FromContext(ctx)
		starts = append(starts, id)
	})
	eventbus.On[events.GRPCClientFinish](bus, func(ctx context.Context, e events.GRPCClientFinish) {
		id, _ := reqid.FromContext(ctx)
		finishes = append(finishes, id)
		require.Equal(t, codes.Canceled, e.Code)
	})

	_, c := newServer(t)
	ctx := reqid.WithID(context.Background(), "req-1")
	rs, err := c.Subscribe(ctx, subscription.Subscription{Query: `subscription { token(id: "t1") { id } }`})
	require.NoError(t, err)
	_, err = rs.Recv()
	require.NoError(t, err)

	rs.Close()
	rs.Close()
	_, err = rs.Recv()
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, []string{"req-1"}, starts)
	require.Equal(t, []string{"req-1"}, finishes)
}

func TestSubscribeWithoutEndpoints(t *testing.T) {
	c := New(WithProvider(NewStaticEndpoints(nil)))
	defer c.Close()

	_, err := c.Subscribe(context.Background(), subscription.Subscription{Query: `subscription { token(id: "t1") { id } }`})
	require.ErrorIs(t, err, ErrNoEndpoints)
}

func TestClosedClient(t *testing.T) {
	c := New()
	_, err := c.Subscribe(context.Background(), subscription.Subscription{Query: "subscription { x }"})
	require.ErrorIs(t, err, ErrNoProvider)

	require.NoError(t, c.Close())
	_, err = c.Subscribe(context.Background(), subscription.Subscription{Query: "subscription { x }"})
	require.ErrorIs(t, err, ErrClosed)
}

func TestStaticEndpoints(t *testing.T) {
	p := NewStaticEndpoints(map[string][]string{"svc": {"a:1"}})
	p.Set("svc", ParseEndpoints(" a:1, b:2 ,,")...)

	got, err := p.Endpoints(context.Background(), "svc")
	require.NoError(t, err)
	require.Equal(t, []string{"a:1", "b:2"}, got)

	p.Set("svc")
	_, err = p.Endpoints(context.Background(), "svc")
	require.ErrorIs(t, err, ErrNoEndpoints)
}
