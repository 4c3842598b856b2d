package language

import (
	"bytes"
	"errors"
	"strings"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/formatter"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"github.com/vektah/gqlparser/v2/parser"
	"github.com/vektah/gqlparser/v2/validator"
)

// ParseQuery parses a query document without validating it against a schema.
func ParseQuery(source string) (*QueryDocument, error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: source})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// LoadSchema parses and validates one or more SDL sources into a single schema.
// Built-in scalars and directives are added by the loader.
func LoadSchema(sources ...*Source) (*Schema, error) {
	s, err := gqlparser.LoadSchema(sources...)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ValidateQuery runs every standard validation rule for doc against s.
func ValidateQuery(s *Schema, doc *QueryDocument) ErrorList {
	return validator.Validate(s, doc)
}

// LoadQuery parses and validates a query document in one step.
func LoadQuery(s *Schema, source string) (*QueryDocument, ErrorList) {
	doc, err := parser.ParseQuery(&ast.Source{Input: source})
	if err != nil {
		return nil, AsErrorList(err)
	}
	if errs := ValidateQuery(s, doc); len(errs) > 0 {
		return nil, errs
	}
	return doc, nil
}

// AsErrorList converts err into a located error list. Errors that are not
// GraphQL errors become a single unlocated entry.
func AsErrorList(err error) ErrorList {
	if err == nil {
		return nil
	}
	var list gqlerror.List
	if errors.As(err, &list) {
		return list
	}
	var ge *gqlerror.Error
	if errors.As(err, &ge) {
		return ErrorList{ge}
	}
	return ErrorList{gqlerror.Wrap(err)}
}

// FormatQuery renders doc on a single line, collapsing all whitespace.
func FormatQuery(doc *QueryDocument) string {
	var buf bytes.Buffer
	formatter.NewFormatter(&buf).FormatQueryDocument(doc)
	return strings.Join(strings.Fields(buf.String()), " ")
}

// FormatSchema renders s as SDL.
func FormatSchema(s *Schema) string {
	var buf bytes.Buffer
	formatter.NewFormatter(&buf).FormatSchema(s)
	return buf.String()
}
