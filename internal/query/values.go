package query

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	language "github.com/hanpama/liveql/internal/language"
	schema "github.com/hanpama/liveql/internal/schema"
)

// CoerceVariableValues coerces raw variable inputs (typically decoded JSON)
// against the operation's variable definitions.
func CoerceVariableValues(
	sch *schema.Schema,
	operation *language.OperationDefinition,
	variableValues map[string]any,
) (map[string]any, error) {
	if variableValues == nil {
		variableValues = make(map[string]any)
	}
	coerced := make(map[string]any)
	for _, varDef := range operation.VariableDefinitions {
		name := varDef.Variable
		t := varDef.Type
		val, ok := variableValues[name]
		if !ok {
			if v2, ok2 := variableValues[strings.TrimPrefix(name, "$")]; ok2 {
				val = v2
				ok = true
			}
		}
		if !ok {
			if varDef.DefaultValue != nil {
				coerced[name] = ValueFromAST(varDef.DefaultValue, nil)
				continue
			}
			if t.NonNull {
				return nil, fmt.Errorf("variable $%s of required type %s was not provided", name, t.String())
			}
			continue
		}
		if val == nil && t.NonNull {
			return nil, fmt.Errorf("variable $%s of type %s cannot be null", name, t.String())
		}
		cv, err := CoerceValue(sch, val, TypeRefFromAST(t))
		if err != nil {
			return nil, fmt.Errorf("variable $%s of type %s cannot be coerced: %v", name, t.String(), err)
		}
		coerced[name] = cv
	}
	return coerced, nil
}

// ArgumentError reports a field argument that could not be coerced.
type ArgumentError struct {
	Argument string
	Err      error
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("argument '%s' cannot be coerced: %v", e.Argument, e.Err)
}

func (e *ArgumentError) Unwrap() error { return e.Err }

// CoerceArgumentValues coerces the arguments of a field selection against its
// definition. Every failing argument is reported; coercion of the remaining
// arguments continues.
func CoerceArgumentValues(
	sch *schema.Schema,
	fieldDef *schema.Field,
	arguments language.ArgumentList,
	variableValues map[string]any,
) (map[string]any, []*ArgumentError) {
	coerced := make(map[string]any)
	var errs []*ArgumentError
	for _, arg := range arguments {
		var argDef *schema.InputValue
		for _, a := range fieldDef.Arguments {
			if a.Name == arg.Name {
				argDef = a
				break
			}
		}
		if argDef == nil {
			continue
		}
		if arg.Value != nil && arg.Value.Kind == language.Variable {
			if _, ok := lookupVariable(variableValues, arg.Value.Raw); !ok {
				// An omitted variable behaves like an omitted argument.
				continue
			}
		}
		val := ValueFromAST(arg.Value, variableValues)
		cv, err := CoerceValue(sch, val, argDef.Type)
		if err != nil {
			errs = append(errs, &ArgumentError{Argument: arg.Name, Err: err})
			continue
		}
		coerced[arg.Name] = cv
	}
	for _, argDef := range fieldDef.Arguments {
		name := argDef.Name
		if _, ok := coerced[name]; ok {
			continue
		}
		if argDef.DefaultValue != nil {
			coerced[name] = argDef.DefaultValue
		} else if schema.IsNonNull(argDef.Type) && !hasError(errs, name) {
			errs = append(errs, &ArgumentError{Argument: name, Err: fmt.Errorf("required argument was not provided")})
		}
	}
	return coerced, errs
}

func hasError(errs []*ArgumentError, name string) bool {
	for _, e := range errs {
		if e.Argument == name {
			return true
		}
	}
	return false
}

func lookupVariable(variableValues map[string]any, name string) (any, bool) {
	if v, ok := variableValues[name]; ok {
		return v, true
	}
	v, ok := variableValues[strings.TrimPrefix(name, "$")]
	return v, ok
}

// ValueFromAST converts an AST value to a Go value, substituting variables.
func ValueFromAST(value *language.Value, variableValues map[string]any) any {
	if value == nil {
		return nil
	}
	switch value.Kind {
	case language.Variable:
		v, _ := lookupVariable(variableValues, value.Raw)
		return v
	case language.IntValue:
		iv, err := strconv.ParseInt(value.Raw, 10, 64)
		if err != nil {
			return value.Raw
		}
		return int(iv)
	case language.FloatValue:
		fv, _ := strconv.ParseFloat(value.Raw, 64)
		return fv
	case language.StringValue, language.BlockValue, language.EnumValue:
		return value.Raw
	case language.BooleanValue:
		return value.Raw == "true"
	case language.NullValue:
		return nil
	case language.ListValue:
		out := make([]any, len(value.Children))
		for i, c := range value.Children {
			out[i] = ValueFromAST(c.Value, variableValues)
		}
		return out
	case language.ObjectValue:
		m := make(map[string]any, len(value.Children))
		for _, f := range value.Children {
			m[f.Name] = ValueFromAST(f.Value, variableValues)
		}
		return m
	default:
		return nil
	}
}

// TypeRefFromAST converts a query type reference into the schema model.
func TypeRefFromAST(t *language.Type) *schema.TypeRef {
	if t == nil {
		return nil
	}
	var inner *schema.TypeRef
	if t.Elem != nil {
		inner = schema.ListType(TypeRefFromAST(t.Elem))
	} else {
		inner = schema.NamedType(t.NamedType)
	}
	if t.NonNull {
		return schema.NonNullType(inner)
	}
	return inner
}

// CoerceValue coerces value to targetType. Input objects and enums are
// checked against sch when it defines them.
func CoerceValue(sch *schema.Schema, value any, targetType *schema.TypeRef) (any, error) {
	if schema.IsNonNull(targetType) {
		if value == nil {
			return nil, fmt.Errorf("cannot provide null for non-null type")
		}
		return CoerceValue(sch, value, schema.Unwrap(targetType))
	}
	if value == nil {
		return nil, nil
	}
	if targetType.Kind == schema.TypeRefKindList {
		return coerceListValue(sch, value, targetType)
	}

	namedType := schema.GetNamedType(targetType)
	switch namedType {
	case "Int":
		return coerceToInt(value)
	case "Float":
		return coerceToFloat(value)
	case "String":
		return coerceToString(value)
	case "Boolean":
		return coerceToBoolean(value)
	case "ID":
		return coerceToID(value)
	}

	var t *schema.Type
	if sch != nil {
		t = sch.Types[namedType]
	}
	if t == nil {
		// Custom scalars pass through untouched.
		return value, nil
	}
	switch t.Kind {
	case schema.TypeKindEnum:
		return coerceToEnum(t, value)
	case schema.TypeKindInputObject:
		return coerceInputObject(sch, t, value)
	default:
		return value, nil
	}
}

func coerceListValue(sch *schema.Schema, value any, listType *schema.TypeRef) (any, error) {
	innerType := schema.Unwrap(listType)
	if slice, ok := value.([]any); ok {
		coercedSlice := make([]any, len(slice))
		for i, item := range slice {
			coercedItem, err := CoerceValue(sch, item, innerType)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			coercedSlice[i] = coercedItem
		}
		return coercedSlice, nil
	}

	// A single value becomes a list of one.
	coercedItem, err := CoerceValue(sch, value, innerType)
	if err != nil {
		return nil, err
	}
	return []any{coercedItem}, nil
}

func coerceInputObject(sch *schema.Schema, t *schema.Type, value any) (any, error) {
	m, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected input object %s, got %T", t.Name, value)
	}
	known := make(map[string]struct{}, len(t.InputFields))
	out := make(map[string]any, len(t.InputFields))
	for _, f := range t.InputFields {
		known[f.Name] = struct{}{}
		v, present := m[f.Name]
		if !present {
			if f.DefaultValue != nil {
				out[f.Name] = f.DefaultValue
			} else if schema.IsNonNull(f.Type) {
				return nil, fmt.Errorf("required field '%s' of %s was not provided", f.Name, t.Name)
			}
			continue
		}
		cv, err := CoerceValue(sch, v, f.Type)
		if err != nil {
			return nil, fmt.Errorf("field '%s': %w", f.Name, err)
		}
		out[f.Name] = cv
	}
	for k := range m {
		if _, ok := known[k]; !ok {
			return nil, fmt.Errorf("unknown field '%s' for %s", k, t.Name)
		}
	}
	if t.OneOf && len(out) != 1 {
		return nil, fmt.Errorf("exactly one field of %s must be provided", t.Name)
	}
	return out, nil
}

func coerceToEnum(t *schema.Type, value any) (any, error) {
	s, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("cannot coerce %v (%T) to enum %s", value, value, t.Name)
	}
	for _, ev := range t.EnumValues {
		if ev.Name == s {
			return s, nil
		}
	}
	return nil, fmt.Errorf("value %q does not exist in enum %s", s, t.Name)
}

func coerceToInt(value any) (any, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case float64:
		if v == math.Trunc(v) && v >= math.MinInt32 && v <= math.MaxInt32 {
			return int(v), nil
		}
	case float32:
		if f := float64(v); f == math.Trunc(f) {
			return int(f), nil
		}
	}
	return nil, fmt.Errorf("cannot coerce %v (%T) to Int", value, value)
}

func coerceToFloat(value any) (any, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	}
	return nil, fmt.Errorf("cannot coerce %v (%T) to Float", value, value)
}

func coerceToString(value any) (any, error) {
	if v, ok := value.(string); ok {
		return v, nil
	}
	return nil, fmt.Errorf("cannot coerce %v (%T) to String", value, value)
}

func coerceToBoolean(value any) (any, error) {
	if v, ok := value.(bool); ok {
		return v, nil
	}
	return nil, fmt.Errorf("cannot coerce %v (%T) to Boolean", value, value)
}

func coerceToID(value any) (any, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case int:
		return strconv.Itoa(v), nil
	case int32:
		return strconv.FormatInt(int64(v), 10), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		if v == math.Trunc(v) {
			return strconv.FormatInt(int64(v), 10), nil
		}
	}
	return nil, fmt.Errorf("cannot coerce %v (%T) to ID", value, value)
}
