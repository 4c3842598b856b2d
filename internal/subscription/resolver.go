package subscription

import (
	"context"

	executor "github.com/hanpama/liveql/internal/executor"
	schema "github.com/hanpama/liveql/internal/schema"
	store "github.com/hanpama/liveql/internal/store"
)

// Resolver executes subscription queries and tells the engine when to
// re-execute them.
//
// Resolvers must return promptly once ctx is done. The engine waits for a
// running execution before it releases the execution's permit, so a resolver
// that ignores cancellation holds the permit and blocks ResultStream.Close.
type Resolver interface {
	executor.Runtime

	// ResolveFieldStream returns the stream of store changes that can affect
	// field, the single top-level field of a subscription. args are the
	// field's coerced arguments. The engine closes the stream when the
	// subscription ends.
	ResolveFieldStream(ctx context.Context, sch *schema.Schema, rootType *schema.Type, field *schema.Field, args map[string]any) (store.EventStream, error)
}
