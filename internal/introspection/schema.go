package introspection

import (
	"strings"

	schema "github.com/hanpama/liveql/internal/schema"
)

// extend returns a copy of sch whose introspection types resolve
// synchronously and whose query type has the __schema and __type fields.
func extend(sch *schema.Schema) *schema.Schema {
	out := *sch
	out.Types = make(map[string]*schema.Type, len(sch.Types))
	for name, t := range sch.Types {
		if strings.HasPrefix(name, "__") {
			t = syncCopy(t)
		}
		out.Types[name] = t
	}
	if q := out.GetQueryType(); q != nil {
		root := *q
		root.Fields = append(append([]*schema.Field(nil), q.Fields...),
			schema.NewField("__schema", "Access the current type schema of this server.",
				schema.NonNullType(schema.NamedType("__Schema"))),
			schema.NewField("__type", "Request the type information of a single type.",
				schema.NamedType("__Type")).
				AddArgument(schema.NewInputValue("name", "", schema.NonNullType(schema.NamedType("String")))),
		)
		out.Types[root.Name] = &root
	}
	return &out
}

// syncCopy copies t with every field resolved by ResolveSync. The fields of
// introspection types read the schema, never the store.
func syncCopy(t *schema.Type) *schema.Type {
	c := *t
	c.Fields = make([]*schema.Field, len(t.Fields))
	for i, f := range t.Fields {
		fc := *f
		fc.Async = false
		c.Fields[i] = &fc
	}
	return &c
}
