// Package executor runs compiled queries against a Runtime, one breadth-first
// depth at a time.
//
// # Execution Model
//
// Each call to Execute owns a private executionState and a fresh response
// tree. Nothing is shared between executions except the read-only Query and
// the Runtime, so any number of executions may run concurrently.
//
// Fields are classified by schema.Field.Async:
//   - Synchronous fields project their parent value. They are resolved with
//     Runtime.ResolveSync and completed immediately; they never add a depth.
//   - Asynchronous fields read from the store. They are queued while the
//     current depth expands and resolved together with a single call to
//     Runtime.BatchResolveAsync.
//
// The loop per depth is:
//
//	A. Expand the frontier. Sync fields complete in place, async fields are
//	   queued as AsyncResolveTask values.
//	B. Check the context. Once the deadline has passed or the context is
//	   cancelled, queued fields are written as null, one TIMEOUT error is
//	   recorded and the loop stops.
//	C. Flush the queue through BatchResolveAsync, dropping tasks below paths
//	   that an earlier Non-Null violation nullified.
//	D. Complete each result. Objects found here feed the next depth.
//
// For an operation whose async depth is d, BatchResolveAsync is called at most
// d times.
//
// # Value Completion
//
//   - Non-Null: complete the inner type; a null result records an error and
//     propagates null to the nearest nullable ancestor.
//   - List: complete each element with an index-aware path. A null element of
//     a Non-Null item type nullifies the list.
//   - Scalar and Enum: Runtime.SerializeLeafValue.
//   - Interface and Union: Runtime.ResolveType picks the object type, which
//     must be a possible type of the abstract type.
//   - Object: collect subfields honoring @skip, @include and fragment type
//     conditions, including conditions on interfaces and unions.
//
// # Execution Context
//
// ExecutionContext carries the per-execution settings. Deadline bounds the
// whole execution and is checked between depths, so a runtime call that
// ignores its context can overrun it by one batch. Block pins the chain
// position every store read observes; it reaches the runtime through the
// context and is read with BlockFromContext. MaxFirst rejects list arguments
// asking for more entities than the server allows.
//
// # Errors
//
// Field errors are located (message and path) and execution continues with
// partial data. Errors produced by the executor itself carry an extension
// code: ARGUMENT_COERCION, RANGE_ARGUMENT or TIMEOUT.
package executor
