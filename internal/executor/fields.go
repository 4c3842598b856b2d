package executor

import (
	"fmt"

	language "github.com/hanpama/liveql/internal/language"
	query "github.com/hanpama/liveql/internal/query"
	schema "github.com/hanpama/liveql/internal/schema"
)

// collectedFieldMap preserves field order from the original query
type collectedFieldMap struct {
	fields []CollectedField
	index  map[string]int
}

// CollectedField groups the selections that share a response name.
type CollectedField struct {
	ResponseName string
	Fields       []*language.Field
}

func newCollectedFieldMap() *collectedFieldMap {
	return &collectedFieldMap{
		fields: make([]CollectedField, 0),
		index:  make(map[string]int),
	}
}

func (cfm *collectedFieldMap) add(responseName string, field *language.Field) {
	if idx, exists := cfm.index[responseName]; exists {
		// Append to existing field group
		cfm.fields[idx].Fields = append(cfm.fields[idx].Fields, field)
	} else {
		// Create new field group
		cfm.index[responseName] = len(cfm.fields)
		cfm.fields = append(cfm.fields, CollectedField{
			ResponseName: responseName,
			Fields:       []*language.Field{field},
		})
	}
}

func (cfm *collectedFieldMap) orderedFields() []CollectedField {
	return cfm.fields
}

// collectFields collects fields from a selection set
func collectFields(state *executionState, objectType *schema.Type, selectionSet language.SelectionSet) *collectedFieldMap {
	groupedFields := newCollectedFieldMap()
	visitedFragments := make(map[string]bool)

	collectFieldsImpl(state, objectType, selectionSet, groupedFields, visitedFragments)

	return groupedFields
}

// collectFieldsImpl is the recursive implementation of field collection
func collectFieldsImpl(state *executionState, objectType *schema.Type, selectionSet language.SelectionSet, groupedFields *collectedFieldMap, visitedFragments map[string]bool) {
	for _, selection := range selectionSet {
		switch sel := selection.(type) {
		case *language.Field:
			// Check directives (@skip, @include)
			if !shouldIncludeNode(state, sel.Directives) {
				continue
			}

			responseName := sel.Alias
			if responseName == "" {
				responseName = sel.Name
			}

			groupedFields.add(responseName, sel)

		case *language.InlineFragment:
			// Check directives
			if !shouldIncludeNode(state, sel.Directives) {
				continue
			}

			if !doesFragmentTypeApply(state, objectType, sel.TypeCondition) {
				continue
			}

			// Collect fields from inline fragment
			collectFieldsImpl(state, objectType, sel.SelectionSet, groupedFields, visitedFragments)

		case *language.FragmentSpread:
			// Check directives
			if !shouldIncludeNode(state, sel.Directives) {
				continue
			}

			// Check if already visited
			if visitedFragments[sel.Name] {
				continue
			}
			visitedFragments[sel.Name] = true

			// Get fragment definition from document
			fragmentDef := getFragmentDefinition(state.document, sel.Name)
			if fragmentDef == nil {
				continue
			}

			if !doesFragmentTypeApply(state, objectType, fragmentDef.TypeCondition) {
				continue
			}

			// Check fragment definition directives (@skip, @include)
			if !shouldIncludeNode(state, fragmentDef.Directives) {
				continue
			}

			// Recursively collect fields from fragment
			collectFieldsImpl(state, objectType, fragmentDef.SelectionSet, groupedFields, visitedFragments)
		}
	}
}

// shouldIncludeNode checks if a node should be included based on directives
func shouldIncludeNode(state *executionState, directives language.DirectiveList) bool {
	// Check @skip directive
	if skip := directives.ForName("skip"); skip != nil {
		if skipIf, err := getDirectiveArgumentValue(state, skip, "if"); err == nil {
			if skipBool, ok := skipIf.(bool); ok && skipBool {
				return false
			}
		}
	}

	// Check @include directive
	if include := directives.ForName("include"); include != nil {
		if includeIf, err := getDirectiveArgumentValue(state, include, "if"); err == nil {
			if includeBool, ok := includeIf.(bool); ok && !includeBool {
				return false
			}
		}
	}

	return true
}

// getDirectiveArgumentValue gets the value of a directive argument
func getDirectiveArgumentValue(state *executionState, directive *language.Directive, argName string) (any, error) {
	for _, arg := range directive.Arguments {
		if arg.Name == argName {
			return query.ValueFromAST(arg.Value, state.variableValues), nil
		}
	}
	return nil, fmt.Errorf("argument %s not found", argName)
}

// doesFragmentTypeApply reports whether a fragment with the given type
// condition applies to objectType.
func doesFragmentTypeApply(state *executionState, objectType *schema.Type, typeCondition string) bool {
	if typeCondition == "" || typeCondition == objectType.Name {
		return true
	}
	conditional := state.schema.Types[typeCondition]
	if conditional == nil {
		return false
	}
	switch conditional.Kind {
	case schema.TypeKindInterface:
		for _, name := range objectType.Interfaces {
			if name == typeCondition {
				return true
			}
		}
		fallthrough
	case schema.TypeKindUnion:
		for _, name := range conditional.PossibleTypes {
			if name == objectType.Name {
				return true
			}
		}
	}
	return false
}

// getFragmentDefinition finds a fragment definition by name in the document
func getFragmentDefinition(document *language.QueryDocument, name string) *language.FragmentDefinition {
	if fd := document.Fragments.ForName(name); fd != nil {
		return fd
	}
	// Fallback: iterate
	for _, f := range document.Fragments {
		if f != nil && f.Name == name {
			return f
		}
	}
	return nil
}

// CollectFields groups the selections of selectionSet that apply to
// objectType, honoring @skip, @include and fragment type conditions.
func CollectFields(q *query.Query, objectType *schema.Type, selectionSet language.SelectionSet) []CollectedField {
	state := &executionState{schema: q.Schema, document: q.Document, variableValues: q.Variables}
	return collectFields(state, objectType, selectionSet).orderedFields()
}
