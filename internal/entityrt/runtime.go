// Package entityrt resolves GraphQL fields against the entity store.
//
// Every object type that is not a root type is an entity type, stored under
// its type name. Root fields read entities directly:
//
//   - a field returning a list loads a page of entities, driven by the
//     first, skip, orderBy, orderDirection and where arguments;
//   - a field returning a single entity looks it up by its id argument.
//
// Fields of an entity that return other entities hold the referenced id, or
// a list of ids. Interface and union typed fields are searched in every
// possible type. Scalar and enum fields project the stored attribute.
//
// Only the latest block is available; any other block constraint fails the
// field.
package entityrt

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	executor "github.com/hanpama/liveql/internal/executor"
	logger "github.com/hanpama/liveql/internal/logger"
	schema "github.com/hanpama/liveql/internal/schema"
	store "github.com/hanpama/liveql/internal/store"
	subscription "github.com/hanpama/liveql/internal/subscription"
)

// ErrBlockUnavailable is returned for block constraints other than latest.
var ErrBlockUnavailable = errors.New("only the latest block can be queried")

// Runtime implements executor.Runtime and subscription.Resolver on top of a
// store.Memory. It is safe for concurrent use.
type Runtime struct {
	schema   *schema.Schema
	store    *store.Memory
	subgraph string
	logger   logger.Logger
}

var _ subscription.Resolver = (*Runtime)(nil)

type Option func(*Runtime)

// WithSubgraph limits reads and subscriptions to one subgraph. The default
// reads every subgraph.
func WithSubgraph(name string) Option { return func(r *Runtime) { r.subgraph = name } }

func WithLogger(l logger.Logger) Option { return func(r *Runtime) { r.logger = l } }

func New(sch *schema.Schema, mem *store.Memory, opts ...Option) *Runtime {
	r := &Runtime{schema: sch, store: mem, logger: logger.NewNoopLogger()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// ResolveSync projects an attribute of the parent entity. It never touches
// the store.
func (r *Runtime) ResolveSync(ctx context.Context, objectType string, field string, source any, args map[string]any) (any, error) {
	e, ok := asEntity(source)
	if !ok {
		if source == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("%s.%s: unexpected source %T", objectType, field, source)
	}
	return e[field], nil
}

// BatchResolveAsync resolves one depth of entity lookups. Tasks are grouped
// by (objectType, field) and the groups run concurrently; results keep task
// order.
func (r *Runtime) BatchResolveAsync(ctx context.Context, tasks []executor.AsyncResolveTask) []executor.AsyncResolveResult {
	results := make([]executor.AsyncResolveResult, len(tasks))
	if len(tasks) == 0 {
		return results
	}
	if b := executor.BlockFromContext(ctx); !b.Latest {
		err := fmt.Errorf("%w: requested %s", ErrBlockUnavailable, b)
		for i := range results {
			results[i] = executor.AsyncResolveResult{Error: err}
		}
		return results
	}

	type groupKey struct {
		objectType string
		field      string
	}
	var groups [][]int
	idxByKey := map[groupKey]int{}
	for i, t := range tasks {
		k := groupKey{objectType: t.ObjectType, field: t.Field}
		if gi, ok := idxByKey[k]; ok {
			groups[gi] = append(groups[gi], i)
		} else {
			idxByKey[k] = len(groups)
			groups = append(groups, []int{i})
		}
	}

	run := func(idxs []int) {
		for _, i := range idxs {
			v, err := r.resolve(ctx, tasks[i])
			results[i] = executor.AsyncResolveResult{Value: v, Error: err}
		}
	}
	if len(groups) == 1 {
		run(groups[0])
		return results
	}
	var wg conc.WaitGroup
	for _, idxs := range groups {
		wg.Go(func() { run(idxs) })
	}
	wg.Wait()
	return results
}

func (r *Runtime) resolve(ctx context.Context, task executor.AsyncResolveTask) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	parent := r.schema.Types[task.ObjectType]
	field := parent.Field(task.Field)
	if field == nil {
		return nil, fmt.Errorf("field %s.%s is not defined", task.ObjectType, task.Field)
	}
	types, err := r.entityTypes(schema.GetNamedType(field.Type))
	if err != nil {
		return nil, err
	}
	if r.isRoot(task.ObjectType) {
		return r.resolveRoot(field, types, task.Args)
	}
	return r.resolveReference(field, types, task.Source)
}

func (r *Runtime) resolveRoot(field *schema.Field, types []string, args map[string]any) (any, error) {
	if schema.IsList(field.Type) {
		opts, err := listOptions(args)
		if err != nil {
			return nil, err
		}
		entities, err := r.store.ListTypes(r.subgraph, types, opts)
		if err != nil {
			return nil, err
		}
		out := make([]any, len(entities))
		for i, e := range entities {
			out[i] = e
		}
		return out, nil
	}
	id, ok := args["id"]
	if !ok {
		return nil, fmt.Errorf("field %s needs an id argument", field.Name)
	}
	return r.lookup(types, id), nil
}

func (r *Runtime) resolveReference(field *schema.Field, types []string, source any) (any, error) {
	e, ok := asEntity(source)
	if !ok {
		return nil, nil
	}
	switch ref := e[field.Name].(type) {
	case nil:
		return nil, nil
	case map[string]any:
		// Embedded value, not a reference.
		return ref, nil
	case []any:
		out := make([]any, 0, len(ref))
		for _, id := range ref {
			if v := r.lookup(types, id); v != nil {
				out = append(out, v)
			}
		}
		return out, nil
	default:
		return r.lookup(types, ref), nil
	}
}

// lookup returns the first entity with id among types, or nil.
func (r *Runtime) lookup(types []string, id any) any {
	key, ok := idString(id)
	if !ok {
		return nil
	}
	for _, t := range types {
		if r.subgraph != "" {
			if e, ok := r.store.Get(store.EntityKey{Subgraph: r.subgraph, EntityType: t, EntityID: key}); ok {
				return e
			}
			continue
		}
		// Without a subgraph every subgraph is searched.
		if es, err := r.store.ListTypes("", []string{t}, store.ListOptions{First: 1, Where: map[string]any{"id": key}}); err == nil && len(es) > 0 {
			return es[0]
		}
	}
	return nil
}

// entityTypes returns the concrete entity types behind a named type.
func (r *Runtime) entityTypes(name string) ([]string, error) {
	t := r.schema.Types[name]
	if t == nil {
		return nil, fmt.Errorf("type %s is not defined", name)
	}
	switch t.Kind {
	case schema.TypeKindObject:
		return []string{t.Name}, nil
	case schema.TypeKindInterface, schema.TypeKindUnion:
		return t.PossibleTypes, nil
	}
	return nil, fmt.Errorf("type %s is not an entity type", name)
}

func (r *Runtime) isRoot(name string) bool {
	return name == r.schema.QueryType || name == r.schema.SubscriptionType || name == r.schema.MutationType
}

// ResolveType reads the entity type recorded by the store.
func (r *Runtime) ResolveType(ctx context.Context, abstractType string, value any) (string, error) {
	e, ok := asEntity(value)
	if !ok {
		return "", fmt.Errorf("cannot resolve the type of %T for %s", value, abstractType)
	}
	name, ok := e["__typename"].(string)
	if !ok {
		return "", fmt.Errorf("entity has no type for %s", abstractType)
	}
	return name, nil
}

func (r *Runtime) ResolveUnionConcreteValue(ctx context.Context, unionTypeName string, value any) (any, error) {
	return value, nil
}

func (r *Runtime) ResolveInterfaceConcreteValue(ctx context.Context, interfaceTypeName string, value any) (any, error) {
	return value, nil
}

// SerializeLeafValue converts stored attributes, usually decoded JSON, to
// their GraphQL representation. BigInt and BigDecimal serialize as strings.
func (r *Runtime) SerializeLeafValue(ctx context.Context, scalarOrEnumTypeName string, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch scalarOrEnumTypeName {
	case "Int":
		switch v := value.(type) {
		case int, int32, int64:
			return v, nil
		case float64:
			if v == math.Trunc(v) && v >= math.MinInt64 && v <= math.MaxInt64 {
				return int64(v), nil
			}
		}
		return nil, fmt.Errorf("cannot serialize %v (%T) as Int", value, value)
	case "Float":
		switch v := value.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		}
		return nil, fmt.Errorf("cannot serialize %v (%T) as Float", value, value)
	case "ID", "BigInt", "BigDecimal", "Bytes":
		if s, ok := idString(value); ok {
			return s, nil
		}
		return nil, fmt.Errorf("cannot serialize %v (%T) as %s", value, value, scalarOrEnumTypeName)
	}
	return value, nil
}

// ResolveFieldStream subscribes to changes of every entity type reachable
// from field's type.
func (r *Runtime) ResolveFieldStream(ctx context.Context, sch *schema.Schema, rootType *schema.Type, field *schema.Field, args map[string]any) (store.EventStream, error) {
	types := ReachableEntityTypes(sch, schema.GetNamedType(field.Type))
	if len(types) == 0 {
		return nil, fmt.Errorf("field %s.%s does not return entities", rootType.Name, field.Name)
	}
	r.logger.DebugWithContext(ctx, "subscribe to entity changes",
		zap.String("field", field.Name),
		zap.Strings("entity_types", types),
	)
	return r.store.Subscribe(store.EntityTypes(r.subgraph, types...)), nil
}

// ReachableEntityTypes returns, sorted, the object types reachable from the
// named type through object fields, interfaces and unions.
func ReachableEntityTypes(sch *schema.Schema, name string) []string {
	seen := map[string]bool{}
	var objects []string
	var visit func(string)
	visit = func(n string) {
		if seen[n] {
			return
		}
		seen[n] = true
		t := sch.Types[n]
		if t == nil {
			return
		}
		switch t.Kind {
		case schema.TypeKindObject:
			objects = append(objects, n)
			for _, f := range t.Fields {
				visit(schema.GetNamedType(f.Type))
			}
		case schema.TypeKindInterface, schema.TypeKindUnion:
			for _, p := range t.PossibleTypes {
				visit(p)
			}
		}
	}
	visit(name)
	sort.Strings(objects)
	return objects
}

func listOptions(args map[string]any) (store.ListOptions, error) {
	var opts store.ListOptions
	if v, ok := args["first"].(int); ok {
		opts.First = v
	}
	if v, ok := args["skip"].(int); ok {
		opts.Skip = v
	}
	if v, ok := args["orderBy"].(string); ok {
		opts.OrderBy = v
	}
	if v, ok := args["orderDirection"].(string); ok {
		switch store.OrderDirection(v) {
		case store.OrderAsc, store.OrderDesc:
			opts.OrderDirection = store.OrderDirection(v)
		default:
			return opts, fmt.Errorf("unknown order direction %q", v)
		}
	}
	if v, ok := args["where"].(map[string]any); ok {
		opts.Where = v
	}
	return opts, nil
}

func asEntity(v any) (map[string]any, bool) {
	switch e := v.(type) {
	case store.Entity:
		return e, true
	case map[string]any:
		return e, true
	}
	return nil, false
}

func idString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case float64:
		if x == math.Trunc(x) {
			return strconv.FormatFloat(x, 'f', -1, 64), true
		}
	}
	return "", false
}
