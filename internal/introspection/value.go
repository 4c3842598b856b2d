package introspection

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	schema "github.com/hanpama/liveql/internal/schema"
)

// formatValue renders a coerced default value as a GraphQL literal.
func formatValue(sch *schema.Schema, ref *schema.TypeRef, v any) string {
	var b strings.Builder
	writeValue(&b, sch, ref, v)
	return b.String()
}

func writeValue(b *strings.Builder, sch *schema.Schema, ref *schema.TypeRef, v any) {
	for ref != nil && ref.Kind == schema.TypeRefKindNonNull {
		ref = ref.OfType
	}
	switch x := v.(type) {
	case nil:
		b.WriteString("null")
	case string:
		if t := namedType(sch, ref); t != nil && t.Kind == schema.TypeKindEnum {
			b.WriteString(x)
			return
		}
		b.WriteString(strconv.Quote(x))
	case bool:
		b.WriteString(strconv.FormatBool(x))
	case float64:
		b.WriteString(strconv.FormatFloat(x, 'g', -1, 64))
	case []any:
		var elem *schema.TypeRef
		if ref != nil && ref.Kind == schema.TypeRefKindList {
			elem = ref.OfType
		}
		b.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				b.WriteString(", ")
			}
			writeValue(b, sch, elem, e)
		}
		b.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var fields []*schema.InputValue
		if t := namedType(sch, ref); t != nil {
			fields = t.InputFields
		}
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(k)
			b.WriteString(": ")
			writeValue(b, sch, inputFieldType(fields, k), x[k])
		}
		b.WriteByte('}')
	default:
		fmt.Fprint(b, x)
	}
}

func namedType(sch *schema.Schema, ref *schema.TypeRef) *schema.Type {
	if ref == nil || ref.Kind != schema.TypeRefKindNamed {
		return nil
	}
	return sch.Types[ref.Named]
}

func inputFieldType(fields []*schema.InputValue, name string) *schema.TypeRef {
	for _, f := range fields {
		if f.Name == name {
			return f.Type
		}
	}
	return nil
}
