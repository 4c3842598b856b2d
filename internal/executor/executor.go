package executor

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"go.uber.org/zap"

	language "github.com/hanpama/liveql/internal/language"
	logger "github.com/hanpama/liveql/internal/logger"
	query "github.com/hanpama/liveql/internal/query"
	schema "github.com/hanpama/liveql/internal/schema"
)

type Path []PathElement

type PathElement any

type NodeID uint64

// ExecutionContext holds everything a single execution needs. A new one is
// built for every execution; only Query and Runtime may be shared.
type ExecutionContext struct {
	Logger   logger.Logger
	Runtime  Runtime
	Query    *query.Query
	Deadline time.Time
	Block    Block
	// MaxFirst bounds the `first` argument of list fields. Zero disables the
	// check.
	MaxFirst int
}

// executionState holds the state during query execution
type executionState struct {
	ec             *ExecutionContext
	runtime        Runtime
	schema         *schema.Schema
	document       *language.QueryDocument
	variableValues map[string]any
	context        context.Context
	asyncTaskGroup []asyncTask
	errors         []GraphQLError
	// Store async tasks by ID for completion
	asyncTaskInfo map[NodeID]asyncTask
	nextID        uint64
	// prefixes of paths that have been nullified (tombstoned)
	nullifiedPrefix map[string]struct{}
	aborted         bool
}

// asyncTask represents a pending async field resolution
type asyncTask struct {
	ID           NodeID
	Task         AsyncResolveTask
	ResponsePath Path
	FieldType    *schema.TypeRef
	Fields       []*language.Field
}

type asyncPending struct{}

// Execute runs selectionSet against rootType. rootValue is the source of the
// root fields. The returned result always has Data set unless ec is unusable.
func Execute(ctx context.Context, ec *ExecutionContext, selectionSet language.SelectionSet, rootType *schema.Type, rootValue any) *ExecutionResult {
	if ec == nil || ec.Query == nil || ec.Runtime == nil {
		return ErrorResult(GraphQLError{Message: "execution context is incomplete"})
	}
	if rootType == nil {
		return ErrorResult(GraphQLError{Message: fmt.Sprintf("root type not found for %s operation", ec.Query.Operation.Operation)})
	}
	if !ec.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, ec.Deadline)
		defer cancel()
	}
	ctx = WithBlock(ctx, ec.Block)

	state := &executionState{
		ec:              ec,
		runtime:         ec.Runtime,
		schema:          ec.Query.Schema,
		document:        ec.Query.Document,
		variableValues:  ec.Query.Variables,
		context:         ctx,
		asyncTaskInfo:   make(map[NodeID]asyncTask),
		nextID:          1,
		nullifiedPrefix: make(map[string]struct{}),
	}

	responseRoot := executeSelectionSet(state, rootType, selectionSet, rootValue, Path{})
	if responseRoot == nil {
		responseRoot = make(map[string]any)
	}

	depth := 0
	for len(state.asyncTaskGroup) > 0 {
		if err := ctx.Err(); err != nil {
			state.abort(err, responseRoot)
			break
		}
		depth++
		filtered, results := flushAsyncTasks(state)
		for i, r := range results {
			completeAsyncField(state, filtered[i], r, responseRoot)
		}
	}
	// The last batch may have failed because the context ended.
	if err := ctx.Err(); err != nil && !state.aborted {
		state.abort(err, responseRoot)
	}
	if ec.Logger != nil {
		ec.Logger.DebugWithContext(ctx, "execution finished", zap.Int("depth", depth), zap.Int("errors", len(state.errors)))
	}

	return &ExecutionResult{Data: responseRoot, Errors: state.errors}
}

// Executor runs query and mutation operations against a fixed runtime.
type Executor struct {
	runtime  Runtime
	logger   logger.Logger
	timeout  time.Duration
	maxFirst int
}

type Option func(*Executor)

func WithLogger(l logger.Logger) Option { return func(e *Executor) { e.logger = l } }

// WithTimeout bounds every execution. Zero means no deadline.
func WithTimeout(d time.Duration) Option { return func(e *Executor) { e.timeout = d } }

func WithMaxFirst(n int) Option { return func(e *Executor) { e.maxFirst = n } }

func NewExecutor(runtime Runtime, opts ...Option) *Executor {
	e := &Executor{runtime: runtime, logger: logger.NewNoopLogger()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteQuery executes a compiled query or mutation at the latest block.
func (e *Executor) ExecuteQuery(ctx context.Context, q *query.Query) *ExecutionResult {
	ec := &ExecutionContext{
		Logger:   e.logger,
		Runtime:  e.runtime,
		Query:    q,
		Block:    BlockLatest,
		MaxFirst: e.maxFirst,
	}
	if e.timeout > 0 {
		ec.Deadline = time.Now().Add(e.timeout)
	}
	return Execute(ctx, ec, q.SelectionSet(), q.RootType(), nil)
}

// abort nullifies every queued field after the context ended.
func (s *executionState) abort(err error, responseRoot map[string]any) {
	s.aborted = true
	msg := "query execution was cancelled"
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "query timed out"
	}
	s.errors = append(s.errors, NewCodedError(CodeTimeout, msg, nil))
	for _, at := range s.asyncTaskGroup {
		if s.hasNullifiedPrefix(at.ResponsePath) {
			continue
		}
		if schema.IsNonNull(at.FieldType) {
			top := topLevelFieldPath(at.ResponsePath)
			setValueAtPath(responseRoot, top, nil)
			s.markNullifiedPrefix(top)
			continue
		}
		setValueAtPath(responseRoot, at.ResponsePath, nil)
	}
	s.asyncTaskGroup = nil
	if s.ec.Logger != nil {
		s.ec.Logger.DebugWithContext(s.context, "execution aborted", zap.Error(err))
	}
}

// executeSelectionSet executes a selection set without flushing
func executeSelectionSet(state *executionState, objectType *schema.Type, selectionSet language.SelectionSet, objectValue any, path Path) map[string]any {
	groupedFields := collectFields(state, objectType, selectionSet)
	resultMap := make(map[string]any)

	for _, cf := range groupedFields.orderedFields() {
		responseName := cf.ResponseName
		fields := cf.Fields
		fieldPath := appendPath(path, responseName)

		fieldResult := executeFieldGroup(state, objectType, objectValue, fields, fieldPath)

		if fields[0].Name == "__typename" {
			resultMap[responseName] = fieldResult
			continue
		}

		fieldDef := objectType.Field(fields[0].Name)
		if fieldDef == nil {
			continue
		}

		if schema.IsNonNull(fieldDef.Type) && isNullish(fieldResult) {
			if len(path) > 0 {
				return nil
			}
			resultMap[responseName] = nil
			continue
		}

		if isNullish(fieldResult) {
			resultMap[responseName] = nil
		} else {
			resultMap[responseName] = fieldResult
		}
	}

	return resultMap
}

func executeFieldGroup(state *executionState, objectType *schema.Type, objectValue any, fields []*language.Field, path Path) any {
	field := fields[0]
	fieldName := field.Name

	if fieldName == "__typename" {
		return objectType.Name
	}

	fieldDef := objectType.Field(fieldName)
	if fieldDef == nil {
		state.addError(fmt.Sprintf("Cannot query field '%s' on type '%s'", fieldName, objectType.Name), path)
		return nil
	}

	argumentValues, argErrs := query.CoerceArgumentValues(state.schema, fieldDef, field.Arguments, state.variableValues)
	if len(argErrs) > 0 {
		for _, err := range argErrs {
			state.errors = append(state.errors, NewCodedError(CodeArgumentCoercion, err.Error(), path))
		}
		return nil
	}
	if err := state.checkFirst(argumentValues); err != nil {
		state.errors = append(state.errors, NewCodedError(CodeRangeArgument, err.Error(), path))
		return nil
	}

	if !fieldDef.Async {
		resolvedValue := resolveSyncField(state, objectType.Name, fieldName, objectValue, argumentValues, path)
		return completeValue(state, fieldDef.Type, fields, resolvedValue, path)
	}

	id := NodeID(state.nextID)
	state.nextID++
	at := asyncTask{
		ID: id,
		Task: AsyncResolveTask{
			ObjectType: objectType.Name,
			Field:      fieldName,
			Source:     objectValue,
			Args:       argumentValues,
		},
		ResponsePath: path,
		FieldType:    fieldDef.Type,
		Fields:       fields,
	}
	state.asyncTaskGroup = append(state.asyncTaskGroup, at)
	state.asyncTaskInfo[id] = at
	return asyncPending{}
}

func (s *executionState) checkFirst(args map[string]any) error {
	first, ok := args["first"].(int)
	if !ok {
		return nil
	}
	if first < 0 || (s.ec.MaxFirst > 0 && first > s.ec.MaxFirst) {
		return fmt.Errorf("the value %d for argument `first` is out of range, it must be between 0 and %d", first, s.ec.MaxFirst)
	}
	return nil
}

// flushAsyncTasks flushes tasks and returns results (filtered by tombstones)
func flushAsyncTasks(state *executionState) ([]asyncTask, []AsyncResolveResult) {
	filtered := make([]asyncTask, 0, len(state.asyncTaskGroup))
	for _, at := range state.asyncTaskGroup {
		if state.hasNullifiedPrefix(at.ResponsePath) {
			delete(state.asyncTaskInfo, at.ID)
			continue
		}
		filtered = append(filtered, at)
	}

	tasks := make([]AsyncResolveTask, len(filtered))
	for i, at := range filtered {
		tasks[i] = at.Task
	}

	state.asyncTaskGroup = nil

	results := state.runtime.BatchResolveAsync(state.context, tasks)
	if len(results) != len(tasks) {
		// A runtime that breaks the contract fails every task of the batch.
		err := fmt.Errorf("runtime returned %d results for %d tasks", len(results), len(tasks))
		results = make([]AsyncResolveResult, len(tasks))
		for i := range results {
			results[i] = AsyncResolveResult{Error: err}
		}
	}
	return filtered, results
}

// completeAsyncField completes a single async result, with non-null propagation and pruning
func completeAsyncField(state *executionState, at asyncTask, res AsyncResolveResult, responseRoot map[string]any) {
	delete(state.asyncTaskInfo, at.ID)

	path := at.ResponsePath
	if state.hasNullifiedPrefix(path) {
		return
	}

	if res.Error != nil {
		state.errors = append(state.errors, GraphQLError{Message: res.Error.Error(), Path: path})
		if schema.IsNonNull(at.FieldType) {
			top := topLevelFieldPath(path)
			setValueAtPath(responseRoot, top, nil)
			state.markNullifiedPrefix(top)
			return
		}
		setValueAtPath(responseRoot, path, nil)
		return
	}

	completed := completeValue(state, at.FieldType, at.Fields, res.Value, path)

	if schema.IsNonNull(at.FieldType) && isNullish(completed) {
		top := topLevelFieldPath(path)
		setValueAtPath(responseRoot, top, nil)
		state.markNullifiedPrefix(top)
		return
	}

	if isNullish(completed) {
		setValueAtPath(responseRoot, path, nil)
	} else {
		setValueAtPath(responseRoot, path, completed)
	}
}

func completeValue(state *executionState, fieldType *schema.TypeRef, fields []*language.Field, result any, path Path) any {
	if schema.IsNonNull(fieldType) {
		if isNullish(result) {
			if !state.hasErrorAtPath(path) {
				state.addError(fmt.Sprintf("Cannot return null for non-nullable field %s", pathToString(path)), path)
			}
			return nil
		}
		completed := completeValue(state, schema.Unwrap(fieldType), fields, result, path)
		if isNullish(completed) {
			return nil
		}
		return completed
	}

	if isNullish(result) {
		return nil
	}

	if schema.IsList(fieldType) {
		return completeListValue(state, fieldType, fields, result, path)
	}
	namedType := schema.GetNamedType(fieldType)
	typeObj := state.schema.Types[namedType]
	if typeObj == nil {
		state.addError(fmt.Sprintf("Unknown type: %s", namedType), path)
		return nil
	}

	switch typeObj.Kind {
	case schema.TypeKindScalar, schema.TypeKindEnum:
		serialized, err := state.runtime.SerializeLeafValue(state.context, namedType, result)
		if err != nil {
			state.addError(err.Error(), path)
			return nil
		}
		return serialized
	case schema.TypeKindObject:
		return completeObjectValue(state, typeObj, fields, result, path)
	case schema.TypeKindInterface, schema.TypeKindUnion:
		return completeAbstractValue(state, typeObj, fields, result, path)
	default:
		state.addError(fmt.Sprintf("Cannot complete value of unexpected type: %s", typeObj.Kind), path)
		return nil
	}
}

func completeListValue(state *executionState, listType *schema.TypeRef, fields []*language.Field, result any, path Path) any {
	var items []any
	if direct, ok := result.([]any); ok {
		items = direct
	} else {
		rv := reflect.ValueOf(result)
		if rv.Kind() != reflect.Slice {
			state.addError(fmt.Sprintf("Expected list value, got %T", result), path)
			return nil
		}
		items = make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			items[i] = rv.Index(i).Interface()
		}
	}

	inner := schema.Unwrap(listType)
	completed := make([]any, len(items))
	for i, item := range items {
		v := completeValue(state, inner, fields, item, appendPath(path, i))
		if schema.IsNonNull(inner) && isNullish(v) {
			return nil
		}
		completed[i] = v
	}
	return completed
}

func completeObjectValue(state *executionState, objectType *schema.Type, fields []*language.Field, result any, path Path) any {
	return executeSelectionSet(state, objectType, mergeSelectionSets(fields), result, path)
}

func completeAbstractValue(state *executionState, abstractType *schema.Type, fields []*language.Field, result any, path Path) any {
	typeName, err := state.runtime.ResolveType(state.context, abstractType.Name, result)
	if err != nil {
		state.addError(err.Error(), path)
		return nil
	}
	objectType := state.schema.Types[typeName]
	if objectType == nil || objectType.Kind != schema.TypeKindObject || !isPossibleType(abstractType, typeName) {
		state.addError(fmt.Sprintf("Abstract type %s must resolve to an Object type at runtime. Got: %s", abstractType.Name, typeName), path)
		return nil
	}

	var concrete any
	if abstractType.Kind == schema.TypeKindUnion {
		concrete, err = state.runtime.ResolveUnionConcreteValue(state.context, abstractType.Name, result)
	} else {
		concrete, err = state.runtime.ResolveInterfaceConcreteValue(state.context, abstractType.Name, result)
	}
	if err != nil {
		state.addError(err.Error(), path)
		return nil
	}
	return completeObjectValue(state, objectType, fields, concrete, path)
}

func isPossibleType(abstractType *schema.Type, typeName string) bool {
	// Hand-built schemas may leave possible types empty.
	if len(abstractType.PossibleTypes) == 0 {
		return true
	}
	for _, p := range abstractType.PossibleTypes {
		if p == typeName {
			return true
		}
	}
	return false
}

func pathToString(path Path) string {
	result := ""
	for i, elem := range path {
		if i > 0 {
			result += "."
		}
		switch v := elem.(type) {
		case string:
			result += v
		case int:
			result += fmt.Sprintf("[%d]", v)
		}
	}
	return result
}

func appendPath(path Path, elem PathElement) Path {
	newPath := make(Path, len(path)+1)
	copy(newPath, path)
	newPath[len(path)] = elem
	return newPath
}

func (s *executionState) markNullifiedPrefix(p Path) {
	key := pathToString(p)
	if key != "" {
		s.nullifiedPrefix[key] = struct{}{}
	}
}

func (s *executionState) hasNullifiedPrefix(p Path) bool {
	if len(s.nullifiedPrefix) == 0 {
		return false
	}
	cur := Path{}
	for _, elem := range p {
		cur = append(cur, elem)
		if _, ok := s.nullifiedPrefix[pathToString(cur)]; ok {
			return true
		}
	}
	return false
}

func topLevelFieldPath(p Path) Path {
	for _, elem := range p {
		if name, ok := elem.(string); ok {
			return Path{name}
		}
	}
	return Path{}
}

func (s *executionState) addError(message string, path Path) {
	s.errors = append(s.errors, GraphQLError{Message: message, Path: path})
}

// hasErrorAtPath reports whether an error with the given path already exists.
func (s *executionState) hasErrorAtPath(path Path) bool {
	for _, err := range s.errors {
		if reflect.DeepEqual(err.Path, path) {
			return true
		}
	}
	return false
}

func resolveSyncField(state *executionState, objectType string, fieldName string, source any, args map[string]any, path Path) any {
	value, err := state.runtime.ResolveSync(state.context, objectType, fieldName, source, args)
	if err != nil {
		state.addError(err.Error(), path)
		return nil
	}
	return value
}

// setValueAtPath writes value into the response tree, creating intermediate
// objects on the way.
func setValueAtPath(responseRoot map[string]any, path Path, value any) {
	if len(path) == 0 {
		return
	}
	current := any(responseRoot)
	for _, elem := range path[:len(path)-1] {
		switch e := elem.(type) {
		case string:
			m, ok := current.(map[string]any)
			if !ok {
				return
			}
			next, exists := m[e]
			if !exists || next == nil {
				next = make(map[string]any)
				m[e] = next
			}
			current = next
		case int:
			slice, ok := current.([]any)
			if !ok || e >= len(slice) {
				return
			}
			if slice[e] == nil {
				slice[e] = make(map[string]any)
			}
			current = slice[e]
		}
	}
	switch fe := path[len(path)-1].(type) {
	case string:
		if m, ok := current.(map[string]any); ok {
			m[fe] = value
		}
	case int:
		if slice, ok := current.([]any); ok && fe < len(slice) {
			slice[fe] = value
		}
	}
}

func mergeSelectionSets(fields []*language.Field) language.SelectionSet {
	var merged language.SelectionSet
	for _, f := range fields {
		merged = append(merged, f.SelectionSet...)
	}
	return merged
}

// isNullish returns true for nil interfaces and typed nils (map, slice, ptr, interface)
func isNullish(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Interface, reflect.Ptr, reflect.Slice, reflect.Map, reflect.Func, reflect.Chan:
		return rv.IsNil()
	default:
		return false
	}
}
