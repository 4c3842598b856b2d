package query

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vektah/gqlparser/v2/ast"

	language "github.com/hanpama/liveql/internal/language"
	schema "github.com/hanpama/liveql/internal/schema"
)

func operationWith(name string, t *ast.Type) *language.OperationDefinition {
	return &language.OperationDefinition{
		Operation: language.Query,
		VariableDefinitions: ast.VariableDefinitionList{
			&ast.VariableDefinition{Variable: name, Type: t},
		},
	}
}

func TestCoerceVariableValues_InputObjectValidation(t *testing.T) {
	sch := schema.NewSchema("")
	input := schema.NewType("FilterInput", schema.TypeKindInputObject, "")
	input.AddInputField(schema.NewInputValue("required", "", schema.NonNullType(schema.NamedType("String"))))
	input.AddInputField(schema.NewInputValue("optional", "", schema.NamedType("Int")))
	sch.AddType(input)

	op := operationWith("input", &ast.Type{NamedType: "FilterInput", NonNull: true})

	_, err := CoerceVariableValues(sch, op, map[string]any{"input": map[string]any{"optional": 10}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "required field 'required'")

	_, err = CoerceVariableValues(sch, op, map[string]any{"input": map[string]any{"required": "x", "other": 1}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown field 'other'")

	got, err := CoerceVariableValues(sch, op, map[string]any{"input": map[string]any{"required": "x", "optional": float64(3)}})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"input": map[string]any{"required": "x", "optional": 3}}, got)
}

func TestCoerceVariableValues_Scalars(t *testing.T) {
	for _, tc := range []struct {
		name    string
		typ     *ast.Type
		vars    map[string]any
		want    map[string]any
		wantErr string
	}{
		{
			name:    "string for Int",
			typ:     &ast.Type{NamedType: "Int", NonNull: true},
			vars:    map[string]any{"v": "42"},
			wantErr: "cannot coerce",
		},
		{
			name: "JSON number for Int",
			typ:  &ast.Type{NamedType: "Int", NonNull: true},
			vars: map[string]any{"v": float64(42)},
			want: map[string]any{"v": 42},
		},
		{
			name:    "fractional number for Int",
			typ:     &ast.Type{NamedType: "Int"},
			vars:    map[string]any{"v": 4.5},
			wantErr: "cannot coerce",
		},
		{
			name: "number for ID",
			typ:  &ast.Type{NamedType: "ID"},
			vars: map[string]any{"v": float64(7)},
			want: map[string]any{"v": "7"},
		},
		{
			name:    "missing required",
			typ:     &ast.Type{NamedType: "String", NonNull: true},
			vars:    nil,
			wantErr: "was not provided",
		},
		{
			name:    "null for required",
			typ:     &ast.Type{NamedType: "String", NonNull: true},
			vars:    map[string]any{"v": nil},
			wantErr: "cannot be null",
		},
		{
			name: "missing optional",
			typ:  &ast.Type{NamedType: "String"},
			vars: nil,
			want: map[string]any{},
		},
		{
			name: "single value for list",
			typ:  &ast.Type{Elem: &ast.Type{NamedType: "String"}},
			vars: map[string]any{"v": "a"},
			want: map[string]any{"v": []any{"a"}},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := CoerceVariableValues(schema.NewSchema(""), operationWith("v", tc.typ), tc.vars)
			if tc.wantErr != "" {
				require.Error(t, err)
				require.Contains(t, err.Error(), tc.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestCoerceArgumentValues(t *testing.T) {
	sch := schema.NewSchema("")
	sch.AddType(schema.NewType("OrderDirection", schema.TypeKindEnum, "").
		AddEnumValue(schema.NewEnumValue("asc", "")).
		AddEnumValue(schema.NewEnumValue("desc", "")))
	field := schema.NewField("tokens", "", schema.ListType(schema.NamedType("Token"))).
		AddArgument(schema.NewInputValue("first", "", schema.NamedType("Int")).SetDefault(100)).
		AddArgument(schema.NewInputValue("orderDirection", "", schema.NamedType("OrderDirection"))).
		AddArgument(schema.NewInputValue("where", "", schema.NonNullType(schema.NamedType("String"))))

	doc, err := language.ParseQuery(`query($n: Int) { tokens(first: $n, orderDirection: sideways, where: "x") { id } }`)
	require.NoError(t, err)
	args := doc.Operations[0].SelectionSet[0].(*language.Field).Arguments

	got, errs := CoerceArgumentValues(sch, field, args, map[string]any{})
	require.Len(t, errs, 1)
	require.Equal(t, "orderDirection", errs[0].Argument)
	require.EqualError(t, errs[0], `argument 'orderDirection' cannot be coerced: value "sideways" does not exist in enum OrderDirection`)
	require.Equal(t, map[string]any{"first": 100, "where": "x"}, got, "an omitted variable falls back to the default")

	doc, err = language.ParseQuery(`{ tokens(first: 5) { id } }`)
	require.NoError(t, err)
	_, errs = CoerceArgumentValues(sch, field, doc.Operations[0].SelectionSet[0].(*language.Field).Arguments, nil)
	require.Len(t, errs, 1)
	require.Equal(t, "where", errs[0].Argument)
}

func TestValueFromAST(t *testing.T) {
	doc, err := language.ParseQuery(`{ f(a: 1, b: 2.5, c: "s", d: true, e: null, g: [1, $v], h: {k: ENUM}) }`)
	require.NoError(t, err)
	args := doc.Operations[0].SelectionSet[0].(*language.Field).Arguments

	got := map[string]any{}
	for _, a := range args {
		got[a.Name] = ValueFromAST(a.Value, map[string]any{"v": "var"})
	}
	require.Equal(t, map[string]any{
		"a": 1,
		"b": 2.5,
		"c": "s",
		"d": true,
		"e": nil,
		"g": []any{1, "var"},
		"h": map[string]any{"k": "ENUM"},
	}, got)
}
