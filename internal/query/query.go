// Package query compiles GraphQL documents into immutable, validated queries
// bound to a schema.
//
// Compilation parses and validates the document, selects the operation,
// coerces variables and enforces the depth and complexity limits. It never
// touches the store, so a query that fails here has no observable side
// effects. A compiled Query is read-only and may be shared by any number of
// concurrent executions.
package query

import (
	"errors"
	"fmt"

	language "github.com/hanpama/liveql/internal/language"
	schema "github.com/hanpama/liveql/internal/schema"
)

var (
	// ErrInvalid marks documents that fail to parse or validate.
	ErrInvalid = errors.New("invalid query")
	// ErrOperationNotFound marks documents without a matching operation.
	ErrOperationNotFound = errors.New("operation not found")
	// ErrVariables marks variable values that cannot be coerced.
	ErrVariables = errors.New("invalid variables")
	// ErrTooComplex marks queries above the complexity limit.
	ErrTooComplex = errors.New("query is too complex")
	// ErrTooDeep marks queries above the depth limit.
	ErrTooDeep = errors.New("query is too deep")
)

// Error is a compilation failure. Kind is one of the package sentinels and
// Errors carries the located GraphQL errors behind it.
type Error struct {
	Kind   error
	Errors language.ErrorList
}

func (e *Error) Error() string {
	if len(e.Errors) == 0 {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Errors.Error())
}

func (e *Error) Unwrap() error { return e.Kind }

func newError(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Errors: language.ErrorList{{Message: fmt.Sprintf(format, args...)}}}
}

// Options controls compilation. Zero limits mean unlimited.
type Options struct {
	OperationName string
	Variables     map[string]any
	MaxComplexity uint64
	MaxDepth      int
}

// Query is a validated operation bound to a schema. It is never mutated after
// Compile returns.
type Query struct {
	Schema     *schema.Schema
	Document   *language.QueryDocument
	Operation  *language.OperationDefinition
	Variables  map[string]any
	Complexity uint64
	Depth      int

	text string
}

// Compile parses, validates and measures source against sch.
func Compile(sch *schema.Schema, source string, opts Options) (*Query, error) {
	if sch == nil || sch.Document == nil {
		return nil, newError(ErrInvalid, "schema has no source document")
	}
	doc, errs := language.LoadQuery(sch.Document, source)
	if len(errs) > 0 {
		return nil, &Error{Kind: ErrInvalid, Errors: errs}
	}
	return compileDocument(sch, doc, opts)
}

// CompileDocument compiles a parsed document. The document is validated
// against the schema before use.
func CompileDocument(sch *schema.Schema, doc *language.QueryDocument, opts Options) (*Query, error) {
	if sch == nil || sch.Document == nil {
		return nil, newError(ErrInvalid, "schema has no source document")
	}
	if errs := language.ValidateQuery(sch.Document, doc); len(errs) > 0 {
		return nil, &Error{Kind: ErrInvalid, Errors: errs}
	}
	return compileDocument(sch, doc, opts)
}

func compileDocument(sch *schema.Schema, doc *language.QueryDocument, opts Options) (*Query, error) {
	op := selectOperation(doc, opts.OperationName)
	if op == nil {
		if opts.OperationName != "" {
			return nil, newError(ErrOperationNotFound, "unknown operation named %q", opts.OperationName)
		}
		return nil, newError(ErrOperationNotFound, "an operation name is required when the document has several operations")
	}

	vars, err := CoerceVariableValues(sch, op, opts.Variables)
	if err != nil {
		return nil, newError(ErrVariables, "%s", err.Error())
	}

	m := measure(doc, op, vars)
	if opts.MaxDepth > 0 && m.depth > opts.MaxDepth {
		return nil, newError(ErrTooDeep, "query has a depth of %d that exceeds the limit of %d", m.depth, opts.MaxDepth)
	}
	if opts.MaxComplexity > 0 && m.complexity > opts.MaxComplexity {
		return nil, newError(ErrTooComplex, "query potentially returns %d entities, which exceeds the limit of %d", m.complexity, opts.MaxComplexity)
	}

	return &Query{
		Schema:     sch,
		Document:   doc,
		Operation:  op,
		Variables:  vars,
		Complexity: m.complexity,
		Depth:      m.depth,
		text:       language.FormatQuery(doc),
	}, nil
}

func selectOperation(doc *language.QueryDocument, name string) *language.OperationDefinition {
	if name == "" {
		if len(doc.Operations) == 1 {
			return doc.Operations[0]
		}
		return nil
	}
	return doc.Operations.ForName(name)
}

// SelectionSet returns the root selection set of the operation.
func (q *Query) SelectionSet() language.SelectionSet { return q.Operation.SelectionSet }

// IsSubscription reports whether the compiled operation is a subscription.
func (q *Query) IsSubscription() bool { return q.Operation.Operation == language.Subscription }

// Text returns the document formatted on a single line.
func (q *Query) Text() string { return q.text }

// RootType returns the schema root type for the operation, or nil when the
// schema does not define one.
func (q *Query) RootType() *schema.Type {
	switch q.Operation.Operation {
	case language.Query:
		return q.Schema.GetQueryType()
	case language.Mutation:
		return q.Schema.GetMutationType()
	case language.Subscription:
		return q.Schema.GetSubscriptionType()
	}
	return nil
}
