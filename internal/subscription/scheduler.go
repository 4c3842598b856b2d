package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	eventbus "github.com/hanpama/liveql/internal/eventbus"
	events "github.com/hanpama/liveql/internal/events"
	executor "github.com/hanpama/liveql/internal/executor"
	gate "github.com/hanpama/liveql/internal/gate"
	logger "github.com/hanpama/liveql/internal/logger"
	query "github.com/hanpama/liveql/internal/query"
	store "github.com/hanpama/liveql/internal/store"
	stream "github.com/hanpama/liveql/internal/stream"
)

// State is the phase of a running subscription.
type State int32

const (
	// StateIdle waits for the next store event.
	StateIdle State = iota
	// StateGating waits for an admission permit.
	StateGating
	// StateExecuting holds a permit and runs the query.
	StateExecuting
	// StateEmitting waits for the consumer to take the result.
	StateEmitting
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateGating:
		return "gating"
	case StateExecuting:
		return "executing"
	case StateEmitting:
		return "emitting"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// ResultStream delivers one result per store event, in event order, starting
// with the result for the trigger event. Results is closed when the
// subscription ends.
type ResultStream struct {
	id      string
	results chan *executor.ExecutionResult
	cancel  context.CancelFunc
	done    chan struct{}
	state   atomic.Int32
	logger  logger.Logger
	grace   time.Duration

	mu  sync.Mutex
	err error
}

// ID identifies the subscription in logs and events.
func (r *ResultStream) ID() string { return r.id }

func (r *ResultStream) Results() <-chan *executor.ExecutionResult { return r.results }

// Close ends the subscription and waits until its worker has returned and
// released any permit it held. The wait is only bounded when the Resolver
// honors context cancellation; a worker still running after the close grace
// period is logged.
func (r *ResultStream) Close() {
	r.cancel()
	t := time.NewTimer(r.grace)
	defer t.Stop()
	select {
	case <-r.done:
		return
	case <-t.C:
	}
	r.logger.Warn("subscription worker outlived cancellation",
		zap.Duration("grace", r.grace),
		zap.Stringer("state", r.State()),
	)
	<-r.done
}

// Done is closed once the subscription has fully stopped.
func (r *ResultStream) Done() <-chan struct{} { return r.done }

// Err returns why the stream ended on its own. It is nil while the stream
// runs and after the consumer cancelled it.
func (r *ResultStream) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *ResultStream) State() State { return State(r.state.Load()) }

func (r *ResultStream) setState(s State) { r.state.Store(int32(s)) }

func (r *ResultStream) setErr(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

type scheduler struct {
	stream  *ResultStream
	gate    *gate.AdmissionGate
	query   *query.Query
	root    *rootField
	opts    Options
	logger  logger.Logger
	source  stream.Stream[store.StoreEvent]
	started time.Time
	events  int
}

func (s *scheduler) run(ctx context.Context) {
	defer s.finish(ctx)
	for {
		ev, ok, err := s.source.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.fail(ctx, err)
			}
			return
		}
		if !ok {
			return
		}
		if !s.handle(ctx, ev) {
			return
		}
	}
}

// handle executes the query for one event and emits its result. It reports
// false once the subscription must stop.
func (s *scheduler) handle(ctx context.Context, ev store.StoreEvent) bool {
	s.stream.setState(StateGating)
	permit, err := s.gate.Acquire(ctx)
	if err != nil {
		return false
	}

	s.stream.setState(StateExecuting)
	start := time.Now()
	eventbus.Publish(ctx, events.SubscriptionEventStart{
		ID:      s.stream.id,
		Tag:     ev.Tag,
		Changes: len(ev.Changes),
		Trigger: ev.IsTrigger(),
	})
	s.logger.DebugWithContext(ctx, "execute subscription event",
		zap.Uint64("tag", ev.Tag),
		zap.Int("changes", len(ev.Changes)),
		zap.Bool("trigger", ev.IsTrigger()),
	)

	result, outcome := s.execute(ctx)
	permit.Release()
	if ctx.Err() != nil {
		outcome = events.OutcomeCancelled
	}
	eventbus.Publish(ctx, events.SubscriptionEventFinish{
		ID:       s.stream.id,
		Tag:      ev.Tag,
		Outcome:  outcome,
		Duration: time.Since(start),
	})
	if outcome == events.OutcomeCancelled {
		return false
	}

	s.stream.setState(StateEmitting)
	select {
	case s.stream.results <- result:
	case <-ctx.Done():
		return false
	}
	s.events++
	s.stream.setState(StateIdle)
	return true
}

// execute runs the query on its own goroutine with a fresh execution context.
// A panic in the execution becomes a single PANIC error.
func (s *scheduler) execute(ctx context.Context) (*executor.ExecutionResult, string) {
	ec := &executor.ExecutionContext{
		Logger:   s.logger,
		Runtime:  s.opts.Resolver,
		Query:    s.query,
		Block:    executor.BlockLatest,
		MaxFirst: s.opts.MaxFirst,
	}
	if s.opts.Timeout > 0 {
		ec.Deadline = time.Now().Add(s.opts.Timeout)
	}

	var result *executor.ExecutionResult
	var wg conc.WaitGroup
	wg.Go(func() {
		result = executor.Execute(ctx, ec, s.query.SelectionSet(), s.root.Type, nil)
	})
	if r := wg.WaitAndRecover(); r != nil {
		s.logger.ErrorWithContext(ctx, "subscription execution panicked",
			zap.Any("panic", r.Value),
			zap.ByteString("stack", r.Stack),
		)
		msg := fmt.Sprintf("panic processing query: %v", r.Value)
		return executor.ErrorResult(executor.NewCodedError(executor.CodePanic, msg, nil)), events.OutcomePanic
	}
	return result, outcomeOf(result)
}

func outcomeOf(result *executor.ExecutionResult) string {
	if len(result.Errors) == 0 {
		return events.OutcomeOK
	}
	for _, e := range result.Errors {
		if e.Code() == executor.CodeTimeout {
			return events.OutcomeTimeout
		}
	}
	return events.OutcomeError
}

// fail emits a final EVENT_STREAM_ERROR result and records the failure.
func (s *scheduler) fail(ctx context.Context, err error) {
	s.logger.WarnWithContext(ctx, "subscription event stream failed", zap.Error(err))
	s.stream.setErr(&Error{Kind: ErrEventStream, Err: err})
	if errors.Is(err, store.ErrSlowSubscriber) {
		err = fmt.Errorf("subscription fell behind the store and was dropped: %w", err)
	}
	res := executor.ErrorResult(executor.NewCodedError(executor.CodeEventStream, err.Error(), nil))
	s.stream.setState(StateEmitting)
	select {
	case s.stream.results <- res:
	case <-ctx.Done():
	}
}

func (s *scheduler) finish(ctx context.Context) {
	s.source.Close()
	s.stream.setState(StateClosed)
	close(s.stream.results)
	s.stream.cancel()

	err := s.stream.Err()
	s.logger.InfoWithContext(ctx, "subscription finished",
		zap.Int("events", s.events),
		zap.Duration("duration", time.Since(s.started)),
		zap.Error(err),
	)
	eventbus.Publish(context.WithoutCancel(ctx), events.SubscriptionFinish{
		ID:       s.stream.id,
		Field:    s.root.Field.Name,
		Events:   s.events,
		Err:      err,
		Duration: time.Since(s.started),
	})
	close(s.stream.done)
}
