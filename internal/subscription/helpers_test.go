package subscription_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	executor "github.com/hanpama/liveql/internal/executor"
	gate "github.com/hanpama/liveql/internal/gate"
	schema "github.com/hanpama/liveql/internal/schema"
	store "github.com/hanpama/liveql/internal/store"
	subscription "github.com/hanpama/liveql/internal/subscription"
)

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

func mustSchema(t *testing.T, sdl string) *schema.Schema {
	t.Helper()
	sch, err := schema.BuildFromSDL(sdl)
	require.NoError(t, err)
	return sch
}

type fieldFunc func(ctx context.Context, source any, args map[string]any) (any, error)

func prop(name string) fieldFunc {
	return func(ctx context.Context, source any, args map[string]any) (any, error) {
		return source.(map[string]any)[name], nil
	}
}

// fieldCall records the block each resolved field was read at.
type fieldCall struct {
	Field string
	Block executor.Block
}

// fakeRuntime resolves "Type.field" keys from a map. Unknown fields resolve
// to null.
type fakeRuntime struct {
	fields map[string]fieldFunc

	mu    sync.Mutex
	calls []fieldCall
}

func (f *fakeRuntime) resolve(ctx context.Context, objectType, field string, source any, args map[string]any) (any, error) {
	key := objectType + "." + field
	f.mu.Lock()
	f.calls = append(f.calls, fieldCall{Field: key, Block: executor.BlockFromContext(ctx)})
	f.mu.Unlock()
	if fn := f.fields[key]; fn != nil {
		return fn(ctx, source, args)
	}
	return nil, nil
}

func (f *fakeRuntime) ResolveSync(ctx context.Context, objectType, field string, source any, args map[string]any) (any, error) {
	return f.resolve(ctx, objectType, field, source, args)
}

func (f *fakeRuntime) BatchResolveAsync(ctx context.Context, tasks []executor.AsyncResolveTask) []executor.AsyncResolveResult {
	out := make([]executor.AsyncResolveResult, len(tasks))
	for i, t := range tasks {
		v, err := f.resolve(ctx, t.ObjectType, t.Field, t.Source, t.Args)
		out[i] = executor.AsyncResolveResult{Value: v, Error: err}
	}
	return out
}

func (f *fakeRuntime) ResolveType(context.Context, string, any) (string, error) {
	return "Token", nil
}

func (f *fakeRuntime) ResolveUnionConcreteValue(_ context.Context, _ string, v any) (any, error) {
	return v, nil
}

func (f *fakeRuntime) ResolveInterfaceConcreteValue(_ context.Context, _ string, v any) (any, error) {
	return v, nil
}

func (f *fakeRuntime) SerializeLeafValue(_ context.Context, _ string, v any) (any, error) {
	return v, nil
}

func (f *fakeRuntime) Calls() []fieldCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fieldCall(nil), f.calls...)
}

// testResolver serves Token fields from a fakeRuntime and opens broker
// streams for every subscription.
type testResolver struct {
	*fakeRuntime
	broker  *store.Broker
	opened  atomic.Int32
	openErr error

	mu     sync.Mutex
	stream store.EventStream
}

func newTestResolver(tokens fieldFunc) *testResolver {
	rt := &fakeRuntime{fields: map[string]fieldFunc{
		"Subscription.tokens": tokens,
		"Token.id":            prop("id"),
		"Token.symbol":        prop("symbol"),
	}}
	return &testResolver{fakeRuntime: rt, broker: store.NewBroker()}
}

func (r *testResolver) ResolveFieldStream(ctx context.Context, sch *schema.Schema, rootType *schema.Type, field *schema.Field, args map[string]any) (store.EventStream, error) {
	r.opened.Add(1)
	if r.openErr != nil {
		return nil, r.openErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stream != nil {
		s := r.stream
		r.stream = nil
		return s, nil
	}
	return r.broker.Subscribe(store.EntityTypes("", "Token")), nil
}

func (r *testResolver) publish(id string) {
	r.broker.Publish(0, []store.EntityChange{{
		Key:       store.EntityKey{Subgraph: "sg", EntityType: "Token", EntityID: id},
		Operation: store.OperationSet,
	}})
}

// failingStream ends with err once fail is called.
type failingStream struct {
	ch   chan store.StoreEvent
	once sync.Once
	err  atomic.Value
}

func newFailingStream() *failingStream {
	return &failingStream{ch: make(chan store.StoreEvent)}
}

func (s *failingStream) Events() <-chan store.StoreEvent { return s.ch }

func (s *failingStream) Err() error {
	if err, ok := s.err.Load().(error); ok {
		return err
	}
	return nil
}

func (s *failingStream) Close() { s.once.Do(func() { close(s.ch) }) }

func (s *failingStream) fail(err error) {
	s.err.Store(err)
	s.Close()
}

func tokenList(tokens ...map[string]any) fieldFunc {
	list := make([]any, len(tokens))
	for i, tok := range tokens {
		list[i] = tok
	}
	return func(context.Context, any, map[string]any) (any, error) { return list, nil }
}

func newEngine(t *testing.T, r subscription.Resolver, g *gate.AdmissionGate, opts subscription.Options) *subscription.Engine {
	t.Helper()
	opts.Resolver = r
	return subscription.NewEngine(mustSchema(t, testSDL), g, opts)
}

func next(t *testing.T, rs *subscription.ResultStream) *executor.ExecutionResult {
	t.Helper()
	select {
	case res, ok := <-rs.Results():
		require.True(t, ok, "result stream closed early")
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a result")
		return nil
	}
}

func requireClosed(t *testing.T, rs *subscription.ResultStream) {
	t.Helper()
	select {
	case _, ok := <-rs.Results():
		require.False(t, ok, "unexpected result")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the stream to close")
	}
}
