package executor_test

import (
	"context"
	"errors"
	"sync"

	executor "github.com/hanpama/liveql/internal/executor"
)

type resolver func(ctx context.Context, source any, args map[string]any) (any, error)

func value(v any) resolver {
	return func(context.Context, any, map[string]any) (any, error) { return v, nil }
}

func fail(err error) resolver {
	return func(context.Context, any, map[string]any) (any, error) { return nil, err }
}

const (
	callSync  = "sync"
	callAsync = "async"
)

// call records one resolved field. BatchID numbers the BatchResolveAsync
// calls from 1 and is 0 for sync fields.
type call struct {
	Kind       string
	ObjectType string
	Field      string
	Source     any
	Args       map[string]any
	BatchID    int
	Block      executor.Block
}

// fakeRuntime resolves "Type.field" keys from a map and records every call.
// Unknown fields resolve to null.
type fakeRuntime struct {
	resolvers map[string]resolver

	mu      sync.Mutex
	calls   []call
	batches int
}

func newFakeRuntime(resolvers map[string]resolver) *fakeRuntime {
	return &fakeRuntime{resolvers: resolvers}
}

func (f *fakeRuntime) resolve(ctx context.Context, kind string, batch int, objectType, field string, source any, args map[string]any) (any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{
		Kind:       kind,
		ObjectType: objectType,
		Field:      field,
		Source:     source,
		Args:       args,
		BatchID:    batch,
		Block:      executor.BlockFromContext(ctx),
	})
	f.mu.Unlock()
	if r := f.resolvers[objectType+"."+field]; r != nil {
		return r(ctx, source, args)
	}
	return nil, nil
}

func (f *fakeRuntime) ResolveSync(ctx context.Context, objectType, field string, source any, args map[string]any) (any, error) {
	return f.resolve(ctx, callSync, 0, objectType, field, source, args)
}

func (f *fakeRuntime) BatchResolveAsync(ctx context.Context, tasks []executor.AsyncResolveTask) []executor.AsyncResolveResult {
	f.mu.Lock()
	f.batches++
	batch := f.batches
	f.mu.Unlock()

	out := make([]executor.AsyncResolveResult, len(tasks))
	for i, t := range tasks {
		v, err := f.resolve(ctx, callAsync, batch, t.ObjectType, t.Field, t.Source, t.Args)
		out[i] = executor.AsyncResolveResult{Value: v, Error: err}
	}
	return out
}

// ResolveType reads the __typename key of map values.
func (f *fakeRuntime) ResolveType(_ context.Context, _ string, v any) (string, error) {
	if m, ok := v.(map[string]any); ok {
		if name, ok := m["__typename"].(string); ok {
			return name, nil
		}
	}
	return "", errors.New("cannot resolve type")
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

func (f *fakeRuntime) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}
