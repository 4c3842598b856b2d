package schema

import language "github.com/hanpama/liveql/internal/language"

// Render produces SDL for s from the document it was built from. Built-in
// scalars and directives are omitted.
func Render(s *Schema) string {
	if s == nil || s.Document == nil {
		return ""
	}
	return language.FormatSchema(s.Document)
}
