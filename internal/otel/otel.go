package otel

import (
	"context"
	"sync"

	eventbus "github.com/hanpama/liveql/internal/eventbus"
	events "github.com/hanpama/liveql/internal/events"
	reqid "github.com/hanpama/liveql/internal/reqid"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Setup configures OpenTelemetry and attaches eventbus subscribers.
// If endpoint is empty, no telemetry is configured.
func Setup(endpoint, service string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
		)),
	)
	otel.SetTracerProvider(tp)

	unregister := Register(otel.Tracer("liveql"))
	return func(ctx context.Context) error {
		unregister()
		return tp.Shutdown(ctx)
	}, nil
}

// Register turns lifecycle events into spans created by tracer. HTTP and
// GraphQL spans are keyed by request id, subscription spans by subscription
// id. The returned func detaches the handlers.
func Register(tracer trace.Tracer) (unregister func()) {
	s := &subscriber{tracer: tracer}
	return s.register()
}

type subscriber struct {
	tracer     trace.Tracer
	httpSpans  sync.Map // rid -> trace.Span
	gqlSpans   sync.Map // rid -> trace.Span
	grpcSpans  sync.Map // rid -> trace.Span
	subSpans   sync.Map // subscription id -> trace.Span
	eventSpans sync.Map // subscription id -> trace.Span
}

func (s *subscriber) parent(ctx context.Context, rid string, maps ...*sync.Map) context.Context {
	for _, m := range maps {
		if v, ok := m.Load(rid); ok {
			return trace.ContextWithSpan(ctx, v.(trace.Span))
		}
	}
	return ctx
}

func (s *subscriber) register() func() {
	var offs []func()
	on := func(off func()) { offs = append(offs, off) }

	on(eventbus.Subscribe[events.HTTPStart](func(ctx context.Context, e events.HTTPStart) {
		rid, _ := reqid.FromContext(ctx)
		_, span := s.tracer.Start(ctx, "http.request")
		span.SetAttributes(
			semconv.HTTPMethodKey.String(e.Request.Method),
			attribute.String("http.target", e.Request.URL.Path),
		)
		s.httpSpans.Store(rid, span)
	}))

	on(eventbus.Subscribe[events.HTTPFinish](func(ctx context.Context, e events.HTTPFinish) {
		rid, _ := reqid.FromContext(ctx)
		v, ok := s.httpSpans.LoadAndDelete(rid)
		if !ok {
			return
		}
		span := v.(trace.Span)
		span.SetAttributes(
			semconv.HTTPStatusCodeKey.Int(e.Status),
			attribute.Bool("http.event_stream", e.Stream),
		)
		span.End()
	}))

	on(eventbus.Subscribe[events.GraphQLStart](func(ctx context.Context, e events.GraphQLStart) {
		rid, _ := reqid.FromContext(ctx)
		_, span := s.tracer.Start(s.parent(ctx, rid, &s.httpSpans), "graphql.operation")
		span.SetAttributes(
			attribute.String("graphql.operation.name", e.OperationName),
			attribute.String("graphql.operation.type", e.OperationType),
		)
		s.gqlSpans.Store(rid, span)
	}))

	on(eventbus.Subscribe[events.GraphQLFinish](func(ctx context.Context, e events.GraphQLFinish) {
		rid, _ := reqid.FromContext(ctx)
		v, ok := s.gqlSpans.LoadAndDelete(rid)
		if !ok {
			return
		}
		span := v.(trace.Span)
		span.SetAttributes(attribute.Int("graphql.error_count", e.Errors))
		span.End()
	}))

	on(eventbus.Subscribe[events.SubscriptionStart](func(ctx context.Context, e events.SubscriptionStart) {
		_, span := s.tracer.Start(s.parent(ctx, e.ID, &s.httpSpans, &s.grpcSpans), "graphql.subscription")
		span.SetAttributes(
			attribute.String("graphql.subscription.id", e.ID),
			attribute.String("graphql.operation.name", e.OperationName),
			attribute.String("graphql.subscription.field", e.Field),
		)
		s.subSpans.Store(e.ID, span)
	}))

	on(eventbus.Subscribe[events.SubscriptionFinish](func(ctx context.Context, e events.SubscriptionFinish) {
		v, ok := s.subSpans.LoadAndDelete(e.ID)
		if !ok {
			return
		}
		span := v.(trace.Span)
		span.SetAttributes(attribute.Int("graphql.subscription.events", e.Events))
		if e.Err != nil {
			span.RecordError(e.Err)
			span.SetStatus(codes.Error, e.Err.Error())
		}
		span.End()
	}))

	on(eventbus.Subscribe[events.SubscriptionEventStart](func(ctx context.Context, e events.SubscriptionEventStart) {
		_, span := s.tracer.Start(s.parent(ctx, e.ID, &s.subSpans), "graphql.subscription.event")
		span.SetAttributes(
			attribute.Int64("store.event.tag", int64(e.Tag)),
			attribute.Int("store.event.changes", e.Changes),
			attribute.Bool("store.event.trigger", e.Trigger),
		)
		s.eventSpans.Store(e.ID, span)
	}))

	on(eventbus.Subscribe[events.SubscriptionEventFinish](func(ctx context.Context, e events.SubscriptionEventFinish) {
		v, ok := s.eventSpans.LoadAndDelete(e.ID)
		if !ok {
			return
		}
		span := v.(trace.Span)
		span.SetAttributes(attribute.String("graphql.subscription.outcome", e.Outcome))
		if e.Outcome != events.OutcomeOK {
			span.SetStatus(codes.Error, e.Outcome)
		}
		span.End()
	}))

	on(eventbus.Subscribe[events.GateAcquire](func(ctx context.Context, e events.GateAcquire) {
		rid, _ := reqid.FromContext(ctx)
		v, ok := s.subSpans.Load(rid)
		if !ok {
			return
		}
		v.(trace.Span).AddEvent("gate.acquire", trace.WithAttributes(
			attribute.Int64("gate.wait_ns", e.Wait.Nanoseconds()),
			attribute.Int("gate.in_use", e.InUse),
		))
	}))

	on(eventbus.Subscribe[events.GRPCServerStart](func(ctx context.Context, e events.GRPCServerStart) {
		rid, _ := reqid.FromContext(ctx)
		_, span := s.tracer.Start(ctx, "grpc.server")
		span.SetAttributes(semconv.RPCMethodKey.String(e.Method))
		s.grpcSpans.Store(rid, span)
	}))

	on(eventbus.Subscribe[events.GRPCServerFinish](func(ctx context.Context, e events.GRPCServerFinish) {
		rid, _ := reqid.FromContext(ctx)
		v, ok := s.grpcSpans.LoadAndDelete(rid)
		if !ok {
			return
		}
		span := v.(trace.Span)
		span.SetAttributes(
			attribute.String("grpc.code", e.Code.String()),
			attribute.Int("grpc.messages", e.Messages),
		)
		span.End()
	}))

	on(eventbus.Subscribe[events.GRPCClientStart](func(ctx context.Context, e events.GRPCClientStart) {
		rid, _ := reqid.FromContext(ctx)
		_, span := s.tracer.Start(ctx, "grpc.client")
		span.SetAttributes(
			semconv.RPCServiceKey.String(e.Service),
			semconv.RPCMethodKey.String(e.Method),
			attribute.String("net.peer.name", e.Target),
		)
		s.grpcSpans.Store("client:"+rid, span)
	}))

	on(eventbus.Subscribe[events.GRPCClientFinish](func(ctx context.Context, e events.GRPCClientFinish) {
		rid, _ := reqid.FromContext(ctx)
		v, ok := s.grpcSpans.LoadAndDelete("client:" + rid)
		if !ok {
			return
		}
		span := v.(trace.Span)
		span.SetAttributes(attribute.String("grpc.code", e.Code.String()))
		if e.Err != nil {
			span.RecordError(e.Err)
		}
		span.End()
	}))

	return func() {
		for _, off := range offs {
			off()
		}
	}
}
