// Package subscription turns a GraphQL subscription and a feed of store
// changes into a stream of query results.
//
// Setup compiles the query, resolves the single top-level field of the
// subscription root and asks the Resolver for the stream of store changes
// that can affect it. A synthetic trigger event is put in front of that
// stream, so every subscription yields a first result right away.
//
// Every event then re-executes the whole query: the scheduler takes a permit
// from the shared AdmissionGate, runs the execution on its own goroutine with
// a fresh ExecutionContext, and emits exactly one result before reading the
// next event. A panicking execution yields a PANIC error result and the
// subscription carries on.
package subscription

import (
	"context"
	"time"

	"go.uber.org/zap"

	eventbus "github.com/hanpama/liveql/internal/eventbus"
	events "github.com/hanpama/liveql/internal/events"
	executor "github.com/hanpama/liveql/internal/executor"
	gate "github.com/hanpama/liveql/internal/gate"
	language "github.com/hanpama/liveql/internal/language"
	logger "github.com/hanpama/liveql/internal/logger"
	query "github.com/hanpama/liveql/internal/query"
	reqid "github.com/hanpama/liveql/internal/reqid"
	schema "github.com/hanpama/liveql/internal/schema"
	store "github.com/hanpama/liveql/internal/store"
	stream "github.com/hanpama/liveql/internal/stream"
)

// DefaultMaxDepth bounds the selection depth when Options leaves it unset.
const DefaultMaxDepth = 255

// Options configure the execution of subscriptions.
type Options struct {
	Logger   logger.Logger
	Resolver Resolver
	// Timeout bounds each event's execution. Zero means no deadline.
	Timeout time.Duration
	// MaxComplexity bounds the worst-case entity count. Zero disables it.
	MaxComplexity uint64
	MaxDepth      int
	// MaxFirst bounds the `first` argument of list fields. Zero disables it.
	MaxFirst int
	// CloseGrace is how long ResultStream.Close waits for a cancelled worker
	// before it logs a warning. Zero uses DefaultCloseGrace.
	CloseGrace time.Duration
}

// DefaultCloseGrace is the CloseGrace used when none is set.
const DefaultCloseGrace = 5 * time.Second

// Subscription is a subscription request.
type Subscription struct {
	Query         string
	OperationName string
	Variables     map[string]any
}

// Engine executes subscriptions against one schema. All of its subscriptions
// share the admission gate.
type Engine struct {
	schema *schema.Schema
	gate   *gate.AdmissionGate
	opts   Options
	cache  *query.Cache
}

type EngineOption func(*Engine)

// WithQueryCache compiles queries through c.
func WithQueryCache(c *query.Cache) EngineOption { return func(e *Engine) { e.cache = c } }

func NewEngine(sch *schema.Schema, g *gate.AdmissionGate, opts Options, engineOpts ...EngineOption) *Engine {
	if opts.Logger == nil {
		opts.Logger = logger.NewNoopLogger()
	}
	if opts.MaxDepth == 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	e := &Engine{schema: sch, gate: g, opts: opts}
	for _, o := range engineOpts {
		o(e)
	}
	return e
}

func (e *Engine) Schema() *schema.Schema { return e.schema }

func (e *Engine) Gate() *gate.AdmissionGate { return e.gate }

// Execute sets up sub and starts streaming its results. Setup failures are
// returned as *Error before any result is produced. The stream lives until
// ctx ends, it is closed, or the store change stream fails.
func (e *Engine) Execute(ctx context.Context, sub Subscription) (*ResultStream, error) {
	doc, err := language.ParseQuery(sub.Query)
	if err != nil {
		return nil, &Error{Kind: ErrQueryInvalid, Err: err}
	}
	if err := checkShape(e.schema, doc, sub); err != nil {
		return nil, err
	}
	q, err := e.compile(sub, doc)
	if err != nil {
		return nil, &Error{Kind: ErrQueryInvalid, Err: err}
	}
	return ExecuteQuery(ctx, e.gate, q, e.opts)
}

func (e *Engine) compile(sub Subscription, doc *language.QueryDocument) (*query.Query, error) {
	opts := query.Options{
		OperationName: sub.OperationName,
		Variables:     sub.Variables,
		MaxComplexity: e.opts.MaxComplexity,
		MaxDepth:      e.opts.MaxDepth,
	}
	if e.cache != nil {
		return e.cache.Compile(sub.Query, opts)
	}
	return query.CompileDocument(e.schema, doc, opts)
}

// ExecuteQuery sets up a subscription for an already compiled query.
func ExecuteQuery(ctx context.Context, g *gate.AdmissionGate, q *query.Query, opts Options) (*ResultStream, error) {
	if opts.Logger == nil {
		opts.Logger = logger.NewNoopLogger()
	}
	if opts.CloseGrace <= 0 {
		opts.CloseGrace = DefaultCloseGrace
	}
	if opts.Resolver == nil {
		return nil, newError(ErrNotSupported, "no resolver configured")
	}
	if !q.IsSubscription() {
		return nil, newError(ErrNotSupported, "Only subscriptions are supported")
	}

	id, ok := reqid.FromContext(ctx)
	if !ok {
		ctx, id = reqid.NewContext(ctx)
	}
	log := opts.Logger.With(zap.String("subscription_id", id))
	log.InfoWithContext(ctx, "execute subscription", zap.String("query", q.Text()))

	root, err := resolveRoot(q)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	es, err := opts.Resolver.ResolveFieldStream(runCtx, q.Schema, root.Type, root.Field, root.Args)
	if err != nil {
		cancel()
		return nil, &Error{Kind: ErrResolveFieldStream, Err: err}
	}
	source := stream.Concat(
		stream.Once(store.TriggerEvent()),
		stream.FromChannel(es.Events(), es.Err, es.Close),
	)

	rs := &ResultStream{
		id:      id,
		results: make(chan *executor.ExecutionResult),
		cancel:  cancel,
		done:    make(chan struct{}),
		logger:  log,
		grace:   opts.CloseGrace,
	}
	rs.state.Store(int32(StateIdle))
	s := &scheduler{
		stream:  rs,
		gate:    g,
		query:   q,
		root:    root,
		opts:    opts,
		logger:  log,
		source:  source,
		started: time.Now(),
	}
	eventbus.Publish(runCtx, events.SubscriptionStart{
		ID:            id,
		Query:         q.Text(),
		OperationName: q.Operation.Name,
		Field:         root.Field.Name,
	})
	go s.run(runCtx)
	return rs, nil
}
