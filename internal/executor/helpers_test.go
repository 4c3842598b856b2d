package executor_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	executor "github.com/hanpama/liveql/internal/executor"
	language "github.com/hanpama/liveql/internal/language"
	query "github.com/hanpama/liveql/internal/query"
	schema "github.com/hanpama/liveql/internal/schema"
)

func newSchema(queryType *schema.Type, types ...*schema.Type) *schema.Schema {
	sch := schema.NewSchema("").SetQueryType(queryType.Name).AddType(queryType)
	for _, name := range []string{"String", "Int", "ID", "Boolean"} {
		sch.AddType(schema.NewType(name, schema.TypeKindScalar, ""))
	}
	for _, t := range types {
		sch.AddType(t)
	}
	return sch
}

func newObject(name string, fields ...*schema.Field) *schema.Type {
	t := schema.NewType(name, schema.TypeKindObject, "")
	for _, f := range fields {
		t.AddField(f)
	}
	return t
}

func syncField(name string, typ *schema.TypeRef) *schema.Field {
	return schema.NewField(name, "", typ)
}

func asyncField(name string, typ *schema.TypeRef) *schema.Field {
	return schema.NewField(name, "", typ).SetAsync(true)
}

// newQuery builds a Query from an unvalidated document so tests can exercise
// inputs that validation would reject.
func newQuery(t *testing.T, sch *schema.Schema, src string, vars map[string]any) *query.Query {
	t.Helper()
	doc, err := language.ParseQuery(src)
	require.NoError(t, err)
	op := doc.Operations[0]
	coerced, err := query.CoerceVariableValues(sch, op, vars)
	require.NoError(t, err)
	return &query.Query{Schema: sch, Document: doc, Operation: op, Variables: coerced}
}

func run(t *testing.T, ctx context.Context, ec *executor.ExecutionContext) *executor.ExecutionResult {
	t.Helper()
	return executor.Execute(ctx, ec, ec.Query.SelectionSet(), ec.Query.RootType(), nil)
}
