package subscription

import (
	executor "github.com/hanpama/liveql/internal/executor"
	language "github.com/hanpama/liveql/internal/language"
	query "github.com/hanpama/liveql/internal/query"
	schema "github.com/hanpama/liveql/internal/schema"
)

// rootField is the resolved single top-level field of a subscription.
type rootField struct {
	Type  *schema.Type
	Field *schema.Field
	Args  map[string]any
}

// checkShape runs the root checks on the parsed document before validation,
// so that a missing subscription type or a wrong number of top-level fields
// is reported as such rather than as a generic validation failure.
func checkShape(sch *schema.Schema, doc *language.QueryDocument, sub Subscription) error {
	var op *language.OperationDefinition
	if sub.OperationName != "" {
		op = doc.Operations.ForName(sub.OperationName)
	} else if len(doc.Operations) == 1 {
		op = doc.Operations[0]
	}
	if op == nil {
		// Compilation reports the missing operation.
		return nil
	}
	if op.Operation != language.Subscription {
		return newError(ErrNotSupported, "Only subscriptions are supported")
	}
	rootType := sch.GetSubscriptionType()
	if rootType == nil {
		return newError(ErrNoRootSubscriptionObjectType, "")
	}
	provisional := &query.Query{Schema: sch, Document: doc, Operation: op, Variables: sub.Variables}
	return checkFieldCount(executor.CollectFields(provisional, rootType, op.SelectionSet))
}

func checkFieldCount(fields []executor.CollectedField) error {
	switch len(fields) {
	case 0:
		return newError(ErrEmptyQuery, "")
	case 1:
		return nil
	default:
		return newError(ErrMultipleSubscriptionFields, "")
	}
}

func resolveRoot(q *query.Query) (*rootField, error) {
	rootType := q.Schema.GetSubscriptionType()
	if rootType == nil {
		return nil, newError(ErrNoRootSubscriptionObjectType, "")
	}

	fields := executor.CollectFields(q, rootType, q.SelectionSet())
	if err := checkFieldCount(fields); err != nil {
		return nil, err
	}

	selection := fields[0].Fields[0]
	field := rootType.Field(selection.Name)
	if field == nil {
		return nil, newError(ErrQueryInvalid, "field %q is not defined on %s", selection.Name, rootType.Name)
	}
	args, errs := query.CoerceArgumentValues(q.Schema, field, selection.Arguments, q.Variables)
	if len(errs) > 0 {
		return nil, &Error{Kind: ErrArgumentCoercion, Err: errs[0]}
	}
	return &rootField{Type: rootType, Field: field, Args: args}, nil
}
