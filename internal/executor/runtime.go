package executor

import (
	"context"
)

// Runtime is the host integration surface used by Execute: field resolution,
// batching, abstract type resolution and leaf serialization.
//
// Contract
//   - Execution is breadth-first. Each depth first drains its synchronous
//     fields through ResolveSync, then calls BatchResolveAsync once with every
//     async task found at that depth. The next depth starts only after the
//     batch returns and its results are completed.
//   - ResolveSync is never called for async fields, and BatchResolveAsync is
//     only called with at least one task.
//   - Returned errors become located errors. A Non-Null field that errors
//     propagates null to its nearest nullable ancestor.
//   - Implementations are shared by concurrent executions and must be safe for
//     concurrent use. They must not mutate source or args.
//   - ctx carries the execution deadline and the block to read at (see
//     BlockFromContext). Store reads must honor both.
//
// Identifiers
//   - objectType is the parent type name; for root fields it is the root type
//     name (e.g. "Subscription").
//   - source is the parent value, nil for root fields.
//   - args holds the coerced argument values.
//
// Batches
//   - BatchResolveAsync returns exactly one result per task, in task order.
//     Results are independent; a failure in one does not fail the others.
//   - Tasks below paths nullified by a Non-Null violation are dropped before
//     the call.
type Runtime interface {
	// ResolveSync resolves a synchronous field value immediately.
	//
	// Called only for fields declared as sync (Async == false). This should
	// perform any required computation synchronously and return the raw value
	// to be completed by the Executor (including nested selection sets).
	// Return (nil, nil) to produce a GraphQL null for nullable fields.
	ResolveSync(ctx context.Context, objectType string, field string, source any, args map[string]any) (any, error)

	// BatchResolveAsync resolves one execution depth of async field tasks.
	//
	// The Executor calls this exactly once per depth with all async tasks
	// collected at that depth (after draining sync paths). Implementations may
	// further batch/group by (objectType, field) or backend-specific keys.
	//
	// Requirements:
	// - Return len(results) == len(tasks).
	// - Results MUST maintain the same order as tasks (results[i] corresponds to tasks[i]).
	// - Return independent errors per element without failing the whole batch.
	BatchResolveAsync(ctx context.Context, tasks []AsyncResolveTask) []AsyncResolveResult

	// ResolveType determines the concrete runtime type name for a value of an
	// abstract GraphQL type (interface or union).
	//
	// The name must be a possible type of abstractType.
	ResolveType(ctx context.Context, abstractType string, value any) (string, error)

	// ResolveUnionConcreteValue converts a union envelope value into its concrete
	// representation prior to completion.
	ResolveUnionConcreteValue(ctx context.Context, unionTypeName string, value any) (any, error)

	// ResolveInterfaceConcreteValue converts an interface envelope value into its
	// concrete representation prior to completion.
	ResolveInterfaceConcreteValue(ctx context.Context, interfaceTypeName string, value any) (any, error)

	// SerializeLeafValue serializes a scalar or enum value to a JSON-safe Go
	// value according to the GraphQL schema and custom scalar mappings.
	//
	// Enums serialize to their name. Custom scalars such as BigInt or Bytes
	// serialize to strings.
	SerializeLeafValue(ctx context.Context, scalarOrEnumTypeName string, value any) (any, error)
}

type AsyncResolveTask struct {
	// ObjectType is the parent GraphQL object type name for the field.
	ObjectType string
	// Field is the GraphQL field name to resolve.
	Field string
	// Source is the parent object value (nil for root fields).
	Source any
	// Args are the field arguments, coerced to Go values per the schema.
	Args map[string]any
}

type AsyncResolveResult struct {
	// Value is the resolved raw value prior to completion, or nil on error.
	Value any
	// Error contains a failure specific to this element; other elements in the
	// same batch are unaffected.
	Error error
}
