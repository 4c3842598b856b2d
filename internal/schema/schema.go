package schema

import language "github.com/hanpama/liveql/internal/language"

// Schema is the executable view of a GraphQL schema: the types the executor
// completes values against and the root operation types.
type Schema struct {
	QueryType        string
	MutationType     string
	SubscriptionType string
	Types            map[string]*Type
	Directives       map[string]*Directive
	Description      string
	// Document is the validated source schema, used to validate queries and
	// to render SDL. It is nil for schemas assembled by hand.
	Document *language.Schema `json:"-"`
}

func (s *Schema) GetQueryType() *Type        { return s.Types[s.QueryType] }
func (s *Schema) GetMutationType() *Type     { return s.Types[s.MutationType] }
func (s *Schema) GetSubscriptionType() *Type { return s.Types[s.SubscriptionType] }

// Type is a named type. Which of the slices are used depends on Kind.
type Type struct {
	Name           string
	Kind           TypeKind
	Description    string
	Fields         []*Field      // OBJECT, INTERFACE
	Interfaces     []string      // OBJECT, INTERFACE
	PossibleTypes  []string      // INTERFACE, UNION; sorted
	EnumValues     []*EnumValue  // ENUM
	InputFields    []*InputValue // INPUT_OBJECT
	SpecifiedByURL *string
	OneOf          bool
}

type TypeKind string

const (
	TypeKindScalar      TypeKind = "SCALAR"
	TypeKindObject      TypeKind = "OBJECT"
	TypeKindInterface   TypeKind = "INTERFACE"
	TypeKindUnion       TypeKind = "UNION"
	TypeKindEnum        TypeKind = "ENUM"
	TypeKindInputObject TypeKind = "INPUT_OBJECT"
)

// Field is a field of an object or interface type. Async fields read
// entities from the store and are resolved in one batch per execution depth.
// The others project a value already loaded with their parent.
type Field struct {
	Name              string
	Description       string
	Type              *TypeRef
	Arguments         []*InputValue
	Async             bool
	IsDeprecated      bool
	DeprecationReason string
}

// TypeRef is a possibly wrapped reference to a named type.
type TypeRef struct {
	Kind   TypeRefKind
	OfType *TypeRef // LIST and NON_NULL
	Named  string   // NAMED
}

type TypeRefKind string

const (
	TypeRefKindNamed   TypeRefKind = "NAMED"
	TypeRefKindList    TypeRefKind = "LIST"
	TypeRefKindNonNull TypeRefKind = "NON_NULL"
)

// String renders t in SDL notation, e.g. "[Token!]!".
func (t *TypeRef) String() string {
	if t == nil {
		return ""
	}
	switch t.Kind {
	case TypeRefKindNonNull:
		return t.OfType.String() + "!"
	case TypeRefKindList:
		return "[" + t.OfType.String() + "]"
	}
	return t.Named
}

type EnumValue struct {
	Name              string
	Description       string
	IsDeprecated      bool
	DeprecationReason string
}

// InputValue is an argument or an input object field. DefaultValue holds the
// coerced default, or nil when there is none.
type InputValue struct {
	Name              string
	Description       string
	Type              *TypeRef
	DefaultValue      any
	IsDeprecated      bool
	DeprecationReason string
}

type Directive struct {
	Name         string
	Description  string
	Locations    []string
	Arguments    []*InputValue
	IsRepeatable bool
}

func NonNullType(t *TypeRef) *TypeRef { return &TypeRef{Kind: TypeRefKindNonNull, OfType: t} }
func ListType(t *TypeRef) *TypeRef    { return &TypeRef{Kind: TypeRefKindList, OfType: t} }
func NamedType(name string) *TypeRef  { return &TypeRef{Kind: TypeRefKindNamed, Named: name} }

// IsNonNull reports whether t is wrapped in Non-Null.
func IsNonNull(t *TypeRef) bool { return t != nil && t.Kind == TypeRefKindNonNull }

// IsList reports whether t is a list, possibly wrapped in Non-Null.
func IsList(t *TypeRef) bool {
	if IsNonNull(t) {
		t = t.OfType
	}
	return t != nil && t.Kind == TypeRefKindList
}

// Unwrap removes one List or Non-Null wrapper.
func Unwrap(t *TypeRef) *TypeRef {
	if t != nil && t.Kind != TypeRefKindNamed {
		return t.OfType
	}
	return t
}

// GetNamedType returns the name of the innermost named type of t.
func GetNamedType(t *TypeRef) string {
	for ; t != nil; t = t.OfType {
		if t.Kind == TypeRefKindNamed {
			return t.Named
		}
	}
	return ""
}
