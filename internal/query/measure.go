package query

import (
	"math"
	"strings"

	language "github.com/hanpama/liveql/internal/language"
)

// defaultFirst is the page size assumed for list fields without `first`.
const defaultFirst = 100

type measurement struct {
	depth      int
	complexity uint64
}

// measure computes the selection depth and the worst-case entity count of op.
// A leaf costs 1, an object field costs 1 plus its children, and a list field
// multiplies the cost of its children by its page size. Introspection fields
// read the schema, not the store, and are not counted.
func measure(doc *language.QueryDocument, op *language.OperationDefinition, vars map[string]any) measurement {
	m := &measurer{doc: doc, vars: vars}
	c, d := m.selectionSet(op.SelectionSet, map[string]bool{})
	return measurement{depth: d, complexity: c}
}

type measurer struct {
	doc  *language.QueryDocument
	vars map[string]any
}

func (m *measurer) selectionSet(set language.SelectionSet, visiting map[string]bool) (uint64, int) {
	var total uint64
	depth := 0
	for _, sel := range set {
		var c uint64
		var d int
		switch s := sel.(type) {
		case *language.Field:
			if strings.HasPrefix(s.Name, "__") {
				continue
			}
			c, d = m.field(s, visiting)
		case *language.InlineFragment:
			c, d = m.selectionSet(s.SelectionSet, visiting)
		case *language.FragmentSpread:
			if visiting[s.Name] {
				continue
			}
			def := s.Definition
			if def == nil {
				def = m.doc.Fragments.ForName(s.Name)
			}
			if def == nil {
				continue
			}
			visiting[s.Name] = true
			c, d = m.selectionSet(def.SelectionSet, visiting)
			delete(visiting, s.Name)
		}
		total = addSat(total, c)
		if d > depth {
			depth = d
		}
	}
	return total, depth
}

func (m *measurer) field(f *language.Field, visiting map[string]bool) (uint64, int) {
	if len(f.SelectionSet) == 0 {
		return 1, 1
	}
	children, d := m.selectionSet(f.SelectionSet, visiting)
	if f.Definition != nil && f.Definition.Type != nil && f.Definition.Type.Elem != nil {
		children = mulSat(children, m.first(f))
	}
	return addSat(1, children), d + 1
}

func (m *measurer) first(f *language.Field) uint64 {
	arg := f.Arguments.ForName("first")
	if arg == nil {
		return defaultFirst
	}
	switch v := ValueFromAST(arg.Value, m.vars).(type) {
	case int:
		if v >= 0 {
			return uint64(v)
		}
	case float64:
		if v >= 0 {
			return uint64(v)
		}
	}
	return defaultFirst
}

func addSat(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}

func mulSat(a, b uint64) uint64 {
	if a == 0 || b == 0 {
		return 0
	}
	if a > math.MaxUint64/b {
		return math.MaxUint64
	}
	return a * b
}
