package grpcsrv_test

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
	"google.golang.org/protobuf/types/known/structpb"

	entityrt "github.com/hanpama/liveql/internal/entityrt"
	eventbus "github.com/hanpama/liveql/internal/eventbus"
	events "github.com/hanpama/liveql/internal/events"
	executor "github.com/hanpama/liveql/internal/executor"
	gate "github.com/hanpama/liveql/internal/gate"
	grpcsrv "github.com/hanpama/liveql/internal/grpcsrv"
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

type fixture struct {
	mem  *store.Memory
	conn *grpc.ClientConn
}

func newFixture(t *testing.T) *fixture {
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

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
		gs.Stop()
	})
	return &fixture{mem: mem, conn: conn}
}

func (f *fixture) subscribe(t *testing.T, ctx context.Context, sub subscription.Subscription) grpc.ClientStream {
	t.Helper()
	cs, err := f.conn.NewStream(ctx, &grpc.StreamDesc{ServerStreams: true}, grpcsrv.SubscribeMethod)
	require.NoError(t, err)
	req, err := grpcsrv.EncodeRequest(sub)
	require.NoError(t, err)
	require.NoError(t, cs.SendMsg(req))
	require.NoError(t, cs.CloseSend())
	return cs
}

func recv(t *testing.T, cs grpc.ClientStream) (*executor.ExecutionResult, error) {
	t.Helper()
	msg := new(structpb.Struct)
	if err := cs.RecvMsg(msg); err != nil {
		return nil, err
	}
	res, err := grpcsrv.DecodeResult(msg)
	require.NoError(t, err)
	return res, nil
}

func TestSubscribeStreamsResults(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cs := f.subscribe(t, ctx, subscription.Subscription{
		Query:     `subscription($n: Int) { tokens(first: $n) { id symbol } }`,
		Variables: map[string]any{"n": 10},
	})

	res, err := recv(t, cs)
	require.NoError(t, err)
	want := map[string]any{"tokens": []any{map[string]any{"id": "t1", "symbol": "GRT"}}}
	if diff := cmp.Diff(want, res.Data); diff != "" {
		t.Fatalf("first result mismatch (-want +got):\n%s", diff)
	}

	f.mem.Set(tokenKey("t2"), map[string]any{"symbol": "ETH"})
	res, err = recv(t, cs)
	require.NoError(t, err)
	require.Len(t, res.Data.(map[string]any)["tokens"], 2)

	f.mem.Broker().Close()
	_, err = recv(t, cs)
	require.ErrorIs(t, err, io.EOF)
}

func TestSubscribeSetupErrors(t *testing.T) {
	f := newFixture(t)

	cases := map[string]string{
		"query operation":  `{ token(id: "t1") { id } }`,
		"two root fields":  `subscription { tokens { id } token(id: "t1") { id } }`,
		"unknown field":    `subscription { nope }`,
		"missing argument": `subscription { token { id } }`,
		"syntax":           `subscription {`,
	}
	for name, q := range cases {
		t.Run(name, func(t *testing.T) {
			cs := f.subscribe(t, context.Background(), subscription.Subscription{Query: q})
			_, err := recv(t, cs)
			require.Equal(t, codes.InvalidArgument, status.Code(err), "%v", err)
		})
	}
}

func TestSubscribeRejectsMalformedRequest(t *testing.T) {
	f := newFixture(t)
	cs, err := f.conn.NewStream(context.Background(), &grpc.StreamDesc{ServerStreams: true}, grpcsrv.SubscribeMethod)
	require.NoError(t, err)
	req, err := structpb.NewStruct(map[string]any{"variables": "nope"})
	require.NoError(t, err)
	require.NoError(t, cs.SendMsg(req))
	require.NoError(t, cs.CloseSend())

	_, err = recv(t, cs)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestSubscribePublishesServerEvents(t *testing.T) {
	bus := eventbus.New()
	eventbus.Use(bus)
	defer eventbus.Use(nil)
	finished := make(chan events.GRPCServerFinish, 1)
	eventbus.On[events.GRPCServerFinish](bus, func(_ context.Context, e events.GRPCServerFinish) { finished <- e })

	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cs := f.subscribe(t, ctx, subscription.Subscription{Query: `subscription { tokens { id } }`})
	_, err := recv(t, cs)
	require.NoError(t, err)
	cancel()

	e := <-finished
	require.Equal(t, grpcsrv.SubscribeMethod, e.Method)
	require.Equal(t, codes.Canceled, e.Code)
	require.Equal(t, 1, e.Messages)
}

func TestDecodeRequest(t *testing.T) {
	req, err := structpb.NewStruct(map[string]any{
		"query":         "subscription { tokens { id } }",
		"operationName": "Op",
		"variables":     map[string]any{"n": 3},
	})
	require.NoError(t, err)

	sub, err := grpcsrv.DecodeRequest(req)
	require.NoError(t, err)
	want := subscription.Subscription{
		Query:         "subscription { tokens { id } }",
		OperationName: "Op",
		Variables:     map[string]any{"n": float64(3)},
	}
	if diff := cmp.Diff(want, sub); diff != "" {
		t.Fatalf("request mismatch (-want +got):\n%s", diff)
	}

	_, err = grpcsrv.DecodeRequest(&structpb.Struct{})
	require.Error(t, err)
}
