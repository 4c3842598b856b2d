// Package introspection answers the __schema and __type root fields of
// queries by wrapping an executor.Runtime. Every other field goes to the
// wrapped runtime.
package introspection

import (
	"context"
	"sort"

	executor "github.com/hanpama/liveql/internal/executor"
	schema "github.com/hanpama/liveql/internal/schema"
)

// Wrapper pairs the introspecting runtime with the schema it must execute
// against.
type Wrapper struct {
	Runtime executor.Runtime
	// Schema is the served schema plus the introspection types and root
	// fields. Queries must be compiled against it.
	Schema *schema.Schema
}

// Wrap returns base extended with introspection. sch is not modified.
func Wrap(base executor.Runtime, sch *schema.Schema) *Wrapper {
	return &Wrapper{
		Runtime: &runtime{Runtime: base, schema: sch},
		Schema:  extend(sch),
	}
}

type runtime struct {
	executor.Runtime
	schema *schema.Schema // the served schema, as clients see it
}

// wrapperType is a LIST or NON_NULL __Type. Named types are *schema.Type.
type wrapperType struct{ ref *schema.TypeRef }

func (r *runtime) ResolveSync(ctx context.Context, objectType, field string, source any, args map[string]any) (any, error) {
	switch src := source.(type) {
	case *schema.Schema:
		return r.schemaField(src, field), nil
	case *schema.Type:
		return r.typeField(src, field, args), nil
	case wrapperType:
		return r.wrapperField(src, field), nil
	case *schema.Field:
		return r.fieldField(src, field, args), nil
	case *schema.InputValue:
		return r.inputValueField(src, field), nil
	case *schema.EnumValue:
		return enumValueField(src, field), nil
	case *schema.Directive:
		return r.directiveField(src, field, args), nil
	}
	if source == nil && objectType == r.schema.QueryType {
		switch field {
		case "__schema":
			return r.schema, nil
		case "__type":
			name, _ := args["name"].(string)
			if t := r.schema.Types[name]; t != nil {
				return t, nil
			}
			return nil, nil
		}
	}
	return r.Runtime.ResolveSync(ctx, objectType, field, source, args)
}

func (r *runtime) SerializeLeafValue(ctx context.Context, typeName string, value any) (any, error) {
	switch typeName {
	case "__TypeKind", "__DirectiveLocation":
		return value, nil
	}
	return r.Runtime.SerializeLeafValue(ctx, typeName, value)
}

// typeOf returns the __Type value of ref.
func (r *runtime) typeOf(ref *schema.TypeRef) any {
	if ref == nil {
		return nil
	}
	if ref.Kind == schema.TypeRefKindNamed {
		if t := r.schema.Types[ref.Named]; t != nil {
			return t
		}
		return nil
	}
	return wrapperType{ref: ref}
}

func (r *runtime) schemaField(s *schema.Schema, field string) any {
	switch field {
	case "description":
		return optional(s.Description)
	case "types":
		out := make([]*schema.Type, 0, len(s.Types))
		for _, t := range s.Types {
			out = append(out, t)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
		return out
	case "queryType":
		return nilType(s.GetQueryType())
	case "mutationType":
		return nilType(s.GetMutationType())
	case "subscriptionType":
		return nilType(s.GetSubscriptionType())
	case "directives":
		out := make([]*schema.Directive, 0, len(s.Directives))
		for _, d := range s.Directives {
			out = append(out, d)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
		return out
	}
	return nil
}

func (r *runtime) typeField(t *schema.Type, field string, args map[string]any) any {
	switch field {
	case "kind":
		return string(t.Kind)
	case "name":
		return t.Name
	case "description":
		return optional(t.Description)
	case "specifiedByURL":
		if t.SpecifiedByURL == nil {
			return nil
		}
		return *t.SpecifiedByURL
	case "isOneOf":
		if t.Kind != schema.TypeKindInputObject {
			return nil
		}
		return t.OneOf
	case "fields":
		if t.Kind != schema.TypeKindObject && t.Kind != schema.TypeKindInterface {
			return nil
		}
		out := []*schema.Field{}
		for _, f := range t.Fields {
			if includeDeprecated(args) || !f.IsDeprecated {
				out = append(out, f)
			}
		}
		return out
	case "interfaces":
		if t.Kind != schema.TypeKindObject && t.Kind != schema.TypeKindInterface {
			return nil
		}
		return r.named(t.Interfaces)
	case "possibleTypes":
		if t.Kind != schema.TypeKindInterface && t.Kind != schema.TypeKindUnion {
			return nil
		}
		return r.named(t.PossibleTypes)
	case "enumValues":
		if t.Kind != schema.TypeKindEnum {
			return nil
		}
		out := []*schema.EnumValue{}
		for _, v := range t.EnumValues {
			if includeDeprecated(args) || !v.IsDeprecated {
				out = append(out, v)
			}
		}
		return out
	case "inputFields":
		if t.Kind != schema.TypeKindInputObject {
			return nil
		}
		return inputValues(t.InputFields, args)
	}
	return nil
}

func (r *runtime) wrapperField(w wrapperType, field string) any {
	switch field {
	case "kind":
		return string(w.ref.Kind)
	case "ofType":
		return r.typeOf(w.ref.OfType)
	}
	return nil
}

func (r *runtime) fieldField(f *schema.Field, field string, args map[string]any) any {
	switch field {
	case "name":
		return f.Name
	case "description":
		return optional(f.Description)
	case "args":
		return inputValues(f.Arguments, args)
	case "type":
		return r.typeOf(f.Type)
	case "isDeprecated":
		return f.IsDeprecated
	case "deprecationReason":
		return deprecationReason(f.IsDeprecated, f.DeprecationReason)
	}
	return nil
}

func (r *runtime) inputValueField(v *schema.InputValue, field string) any {
	switch field {
	case "name":
		return v.Name
	case "description":
		return optional(v.Description)
	case "type":
		return r.typeOf(v.Type)
	case "defaultValue":
		if v.DefaultValue == nil {
			return nil
		}
		return formatValue(r.schema, v.Type, v.DefaultValue)
	case "isDeprecated":
		return v.IsDeprecated
	case "deprecationReason":
		return deprecationReason(v.IsDeprecated, v.DeprecationReason)
	}
	return nil
}

func enumValueField(v *schema.EnumValue, field string) any {
	switch field {
	case "name":
		return v.Name
	case "description":
		return optional(v.Description)
	case "isDeprecated":
		return v.IsDeprecated
	case "deprecationReason":
		return deprecationReason(v.IsDeprecated, v.DeprecationReason)
	}
	return nil
}

func (r *runtime) directiveField(d *schema.Directive, field string, args map[string]any) any {
	switch field {
	case "name":
		return d.Name
	case "description":
		return optional(d.Description)
	case "isRepeatable":
		return d.IsRepeatable
	case "locations":
		return append([]string(nil), d.Locations...)
	case "args":
		return inputValues(d.Arguments, args)
	}
	return nil
}

func (r *runtime) named(names []string) []*schema.Type {
	out := make([]*schema.Type, 0, len(names))
	for _, n := range names {
		if t := r.schema.Types[n]; t != nil {
			out = append(out, t)
		}
	}
	return out
}

func inputValues(in []*schema.InputValue, args map[string]any) []*schema.InputValue {
	out := []*schema.InputValue{}
	for _, v := range in {
		if includeDeprecated(args) || !v.IsDeprecated {
			out = append(out, v)
		}
	}
	return out
}

func includeDeprecated(args map[string]any) bool {
	b, _ := args["includeDeprecated"].(bool)
	return b
}

func deprecationReason(deprecated bool, reason string) any {
	if !deprecated {
		return nil
	}
	return reason
}

func optional(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nilType keeps a missing root type a nil interface rather than a typed nil.
func nilType(t *schema.Type) any {
	if t == nil {
		return nil
	}
	return t
}
