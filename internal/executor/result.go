package executor

// Extension codes attached to errors produced by the engine itself.
const (
	CodeArgumentCoercion = "ARGUMENT_COERCION"
	CodeRangeArgument    = "RANGE_ARGUMENT"
	CodeTimeout          = "TIMEOUT"
	CodePanic            = "PANIC"
	CodeEventStream      = "EVENT_STREAM_ERROR"
)

// GraphQLError represents an error that occurred during execution
type GraphQLError struct {
	Message    string         `json:"message"`
	Path       Path           `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

func (e GraphQLError) Error() string {
	return e.Message
}

// Code returns the extension code of e, or "".
func (e GraphQLError) Code() string {
	code, _ := e.Extensions["code"].(string)
	return code
}

// NewCodedError builds an error carrying code in its extensions.
func NewCodedError(code, message string, path Path) GraphQLError {
	return GraphQLError{Message: message, Path: path, Extensions: map[string]any{"code": code}}
}

// ExecutionResult represents the result of executing a GraphQL query
type ExecutionResult struct {
	Data   any            `json:"data"`
	Errors []GraphQLError `json:"errors,omitempty"`
}

// ErrorResult is a result with no data and a single error.
func ErrorResult(err GraphQLError) *ExecutionResult {
	return &ExecutionResult{Errors: []GraphQLError{err}}
}
