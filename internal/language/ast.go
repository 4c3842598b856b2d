package language

import (
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
)

// The gqlparser AST nodes the query compiler and executor walk.
type (
	Source              = ast.Source
	Schema              = ast.Schema
	QueryDocument       = ast.QueryDocument
	OperationDefinition = ast.OperationDefinition
	SelectionSet        = ast.SelectionSet
	Field               = ast.Field
	InlineFragment      = ast.InlineFragment
	FragmentDefinition  = ast.FragmentDefinition
	FragmentSpread      = ast.FragmentSpread
	Directive           = ast.Directive
	DirectiveList       = ast.DirectiveList
	ArgumentList        = ast.ArgumentList
	Value               = ast.Value
	Type                = ast.Type

	// Error is a located GraphQL error produced while parsing or validating.
	Error = gqlerror.Error
	// ErrorList is an ordered list of located errors.
	ErrorList = gqlerror.List
)

const (
	Query        = ast.Query
	Mutation     = ast.Mutation
	Subscription = ast.Subscription
)

// Value kinds, for literals in argument and default values.
const (
	Variable     = ast.Variable
	IntValue     = ast.IntValue
	FloatValue   = ast.FloatValue
	StringValue  = ast.StringValue
	BlockValue   = ast.BlockValue
	BooleanValue = ast.BooleanValue
	NullValue    = ast.NullValue
	EnumValue    = ast.EnumValue
	ListValue    = ast.ListValue
	ObjectValue  = ast.ObjectValue
)
