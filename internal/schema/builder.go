package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"

	language "github.com/hanpama/liveql/internal/language"
)

func NewSchema(description string) *Schema {
	return &Schema{
		Types:       make(map[string]*Type),
		Directives:  make(map[string]*Directive),
		Description: description,
	}
}

func (s *Schema) SetQueryType(name string) *Schema        { s.QueryType = name; return s }
func (s *Schema) SetMutationType(name string) *Schema     { s.MutationType = name; return s }
func (s *Schema) SetSubscriptionType(name string) *Schema { s.SubscriptionType = name; return s }

func (s *Schema) AddType(t *Type) *Schema {
	if s.Types == nil {
		s.Types = make(map[string]*Type)
	}
	s.Types[t.Name] = t
	return s
}

func (s *Schema) AddDirective(d *Directive) *Schema {
	if s.Directives == nil {
		s.Directives = make(map[string]*Directive)
	}
	s.Directives[d.Name] = d
	return s
}

func NewType(name string, kind TypeKind, description string) *Type {
	return &Type{Name: name, Kind: kind, Description: description}
}

func (t *Type) AddField(f *Field) *Type        { t.Fields = append(t.Fields, f); return t }
func (t *Type) AddInterface(name string) *Type { t.Interfaces = append(t.Interfaces, name); return t }
func (t *Type) AddPossibleType(name string) *Type {
	t.PossibleTypes = append(t.PossibleTypes, name)
	return t
}
func (t *Type) AddEnumValue(v *EnumValue) *Type   { t.EnumValues = append(t.EnumValues, v); return t }
func (t *Type) AddInputField(v *InputValue) *Type { t.InputFields = append(t.InputFields, v); return t }
func (t *Type) SetOneOf(oneOf bool) *Type         { t.OneOf = oneOf; return t }

// Field returns the field definition named name, or nil.
func (t *Type) Field(name string) *Field {
	if t == nil {
		return nil
	}
	for _, f := range t.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

func NewField(name, description string, typ *TypeRef) *Field {
	return &Field{Name: name, Description: description, Type: typ}
}

func (f *Field) SetAsync(async bool) *Field         { f.Async = async; return f }
func (f *Field) AddArgument(arg *InputValue) *Field { f.Arguments = append(f.Arguments, arg); return f }
func (f *Field) Deprecate(reason string) *Field {
	f.IsDeprecated = true
	f.DeprecationReason = reason
	return f
}
func NewEnumValue(name, description string) *EnumValue {
	return &EnumValue{Name: name, Description: description}
}
func (e *EnumValue) Deprecate(reason string) *EnumValue {
	e.IsDeprecated = true
	e.DeprecationReason = reason
	return e
}

func NewInputValue(name, description string, typ *TypeRef) *InputValue {
	return &InputValue{Name: name, Description: description, Type: typ}
}

func (v *InputValue) SetDefault(value any) *InputValue { v.DefaultValue = value; return v }
func (v *InputValue) Deprecate(reason string) *InputValue {
	v.IsDeprecated = true
	v.DeprecationReason = reason
	return v
}

func NewDirective(name, description string) *Directive {
	return &Directive{Name: name, Description: description}
}

func (d *Directive) SetRepeatable(r bool) *Directive { d.IsRepeatable = r; return d }
func (d *Directive) AddArgument(a *InputValue) *Directive {
	d.Arguments = append(d.Arguments, a)
	return d
}

// BuildFromSDL loads and validates sdl and returns the executable schema.
func BuildFromSDL(sdl string) (*Schema, error) {
	return BuildFromSources(&language.Source{Name: "schema.graphql", Input: sdl})
}

// BuildFromSources loads one or more SDL sources (extensions are merged into
// their base definitions) and converts the result into a Schema.
func BuildFromSources(sources ...*language.Source) (*Schema, error) {
	doc, err := language.LoadSchema(sources...)
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	return BuildFromDocument(doc)
}

// BuildFromDocument converts a validated gqlparser schema. Root fields and
// fields returning composite types are marked async: they read entities from
// the store. Scalar and enum fields project their parent value.
func BuildFromDocument(doc *language.Schema) (*Schema, error) {
	if doc == nil {
		return nil, fmt.Errorf("schema document is nil")
	}
	s := NewSchema(doc.Description)
	s.Document = doc
	if doc.Query != nil {
		s.SetQueryType(doc.Query.Name)
	}
	if doc.Mutation != nil {
		s.SetMutationType(doc.Mutation.Name)
	}
	if doc.Subscription != nil {
		s.SetSubscriptionType(doc.Subscription.Name)
	}

	roots := map[string]bool{s.QueryType: true, s.MutationType: true, s.SubscriptionType: true}
	for _, def := range doc.Types {
		t, err := buildType(doc, def, roots[def.Name])
		if err != nil {
			return nil, err
		}
		s.AddType(t)
	}
	for _, dir := range doc.Directives {
		s.AddDirective(buildDirective(dir))
	}
	return s, nil
}

func buildType(doc *language.Schema, def *ast.Definition, root bool) (*Type, error) {
	switch def.Kind {
	case ast.Object, ast.Interface:
		kind := TypeKindObject
		if def.Kind == ast.Interface {
			kind = TypeKindInterface
		}
		t := NewType(def.Name, kind, def.Description)
		for _, name := range def.Interfaces {
			t.AddInterface(name)
		}
		if kind == TypeKindInterface {
			possible := doc.GetPossibleTypes(def)
			names := make([]string, 0, len(possible))
			for _, p := range possible {
				names = append(names, p.Name)
			}
			sort.Strings(names)
			for _, n := range names {
				t.AddPossibleType(n)
			}
		}
		for _, fd := range def.Fields {
			if strings.HasPrefix(fd.Name, "__") {
				continue
			}
			t.AddField(buildField(doc, fd, root))
		}
		return t, nil
	case ast.Union:
		t := NewType(def.Name, TypeKindUnion, def.Description)
		names := append([]string(nil), def.Types...)
		sort.Strings(names)
		for _, n := range names {
			t.AddPossibleType(n)
		}
		return t, nil
	case ast.Enum:
		t := NewType(def.Name, TypeKindEnum, def.Description)
		for _, v := range def.EnumValues {
			ev := NewEnumValue(v.Name, v.Description)
			if reason, ok := deprecation(v.Directives); ok {
				ev.Deprecate(reason)
			}
			t.AddEnumValue(ev)
		}
		return t, nil
	case ast.InputObject:
		t := NewType(def.Name, TypeKindInputObject, def.Description).
			SetOneOf(def.Directives.ForName("oneOf") != nil)
		for _, fd := range def.Fields {
			t.AddInputField(buildInputValue(fd.Name, fd.Description, fd.Type, fd.DefaultValue, fd.Directives))
		}
		return t, nil
	case ast.Scalar:
		return NewType(def.Name, TypeKindScalar, def.Description), nil
	default:
		return nil, fmt.Errorf("type %s: unsupported kind %s", def.Name, def.Kind)
	}
}

func buildField(doc *language.Schema, fd *ast.FieldDefinition, root bool) *Field {
	f := NewField(fd.Name, fd.Description, buildTypeRef(fd.Type))
	named := doc.Types[fd.Type.Name()]
	f.SetAsync(root || (named != nil && named.IsCompositeType()))
	if reason, ok := deprecation(fd.Directives); ok {
		f.Deprecate(reason)
	}
	for _, arg := range fd.Arguments {
		f.AddArgument(buildInputValue(arg.Name, arg.Description, arg.Type, arg.DefaultValue, arg.Directives))
	}
	return f
}

func buildInputValue(name, description string, typ *ast.Type, def *ast.Value, directives ast.DirectiveList) *InputValue {
	in := NewInputValue(name, description, buildTypeRef(typ))
	if def != nil {
		if v, err := def.Value(nil); err == nil {
			in.SetDefault(normalizeDefault(v))
		}
	}
	if reason, ok := deprecation(directives); ok {
		in.Deprecate(reason)
	}
	return in
}

// normalizeDefault converts the int64 values gqlparser produces to int, the
// representation argument coercion uses.
func normalizeDefault(v any) any {
	switch x := v.(type) {
	case int64:
		return int(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalizeDefault(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = normalizeDefault(e)
		}
		return out
	}
	return v
}

func buildTypeRef(t *ast.Type) *TypeRef {
	if t == nil {
		return nil
	}
	var inner *TypeRef
	if t.Elem != nil {
		inner = ListType(buildTypeRef(t.Elem))
	} else {
		inner = NamedType(t.NamedType)
	}
	if t.NonNull {
		return NonNullType(inner)
	}
	return inner
}

func buildDirective(dir *ast.DirectiveDefinition) *Directive {
	d := NewDirective(dir.Name, dir.Description).SetRepeatable(dir.IsRepeatable)
	for _, loc := range dir.Locations {
		d.Locations = append(d.Locations, string(loc))
	}
	for _, arg := range dir.Arguments {
		d.AddArgument(buildInputValue(arg.Name, arg.Description, arg.Type, arg.DefaultValue, arg.Directives))
	}
	return d
}

func deprecation(directives ast.DirectiveList) (string, bool) {
	d := directives.ForName("deprecated")
	if d == nil {
		return "", false
	}
	reason := "No longer supported"
	if arg := d.Arguments.ForName("reason"); arg != nil && arg.Value != nil {
		reason = arg.Value.Raw
	}
	return reason, true
}
