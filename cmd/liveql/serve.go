package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	config "github.com/hanpama/liveql/internal/config"
	entityrt "github.com/hanpama/liveql/internal/entityrt"
	eventbus "github.com/hanpama/liveql/internal/eventbus"
	executor "github.com/hanpama/liveql/internal/executor"
	gate "github.com/hanpama/liveql/internal/gate"
	grpcsrv "github.com/hanpama/liveql/internal/grpcsrv"
	introspection "github.com/hanpama/liveql/internal/introspection"
	logger "github.com/hanpama/liveql/internal/logger"
	metrics "github.com/hanpama/liveql/internal/metrics"
	otel "github.com/hanpama/liveql/internal/otel"
	query "github.com/hanpama/liveql/internal/query"
	server "github.com/hanpama/liveql/internal/server"
	store "github.com/hanpama/liveql/internal/store"
	"github.com/hanpama/liveql/internal/store/postgres"
	"github.com/hanpama/liveql/internal/store/redis"
	subscription "github.com/hanpama/liveql/internal/subscription"
)

const shutdownTimeout = 5 * time.Second

func newServeCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve GraphQL queries and subscriptions over HTTP and gRPC",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(v)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eventbus.Use(eventbus.New())
			shutdown, err := otel.Setup(cfg.OTel.Endpoint, cfg.OTel.Service)
			if err != nil {
				return fmt.Errorf("otel setup: %w", err)
			}
			defer func() { _ = shutdown(context.Background()) }()

			a, err := newApp(cfg, log)
			if err != nil {
				return err
			}
			defer a.close()
			return a.run(ctx)
		},
	}
}

// app wires one store, gate and engine to the HTTP, gRPC and metrics
// servers.
type app struct {
	cfg     *config.Config
	log     logger.Logger
	memory  *store.Memory
	engine  *subscription.Engine
	cache   *query.Cache
	http    *server.Handler
	grpc    *grpcsrv.Server
	metrics *metrics.Collectors
	closers []func()
}

func newApp(cfg *config.Config, log logger.Logger) (*app, error) {
	sch, err := loadSchema(cfg.Schema.Path)
	if err != nil {
		return nil, err
	}
	mem := store.NewMemory(store.NewBroker(
		store.WithBrokerLogger(log),
		store.WithMaxPending(cfg.Store.MaxPending),
	))
	if cfg.Store.Seed != "" {
		if err := seed(mem, cfg.Store.Seed); err != nil {
			return nil, err
		}
	}
	rt := entityrt.New(sch, mem, entityrt.WithSubgraph(cfg.Store.Subgraph), entityrt.WithLogger(log))
	// Queries are compiled against the introspection schema so HTTP clients
	// can run __schema and __type. Subscriptions reach the entity runtime
	// directly.
	intro := introspection.Wrap(rt, sch)
	cache, err := query.NewCache(intro.Schema, cfg.Query.CacheSize)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, memory: mem, cache: cache, closers: []func(){cache.Close}}

	g := gate.New(cfg.Store.PoolSize)
	a.engine = subscription.NewEngine(intro.Schema, g, subscription.Options{
		Logger:        log,
		Resolver:      rt,
		Timeout:       cfg.Subscription.Timeout,
		MaxComplexity: cfg.Subscription.MaxComplexity,
		MaxDepth:      cfg.Subscription.MaxDepth,
		MaxFirst:      cfg.Subscription.MaxFirst,
	}, subscription.WithQueryCache(cache))

	exec := executor.NewExecutor(intro.Runtime, executor.WithLogger(log), executor.WithMaxFirst(cfg.Subscription.MaxFirst))
	opts := []server.Option{
		server.WithTimeout(cfg.Server.Timeout),
		server.WithKeepAlive(cfg.Server.KeepAlive),
		server.WithLimits(cfg.Subscription.MaxComplexity, cfg.Subscription.MaxDepth),
		server.WithQueryCache(cache),
		server.WithLogger(log),
	}
	if cfg.Server.Pretty {
		opts = append(opts, server.WithPretty())
	}
	if len(cfg.Server.CORSOrigins) > 0 {
		opts = append(opts, server.WithCORS(cfg.Server.CORSOrigins...))
	}
	if a.http, err = server.New(exec, a.engine, opts...); err != nil {
		a.close()
		return nil, fmt.Errorf("server init: %w", err)
	}
	a.grpc = grpcsrv.New(a.engine, grpcsrv.WithLogger(log))
	a.metrics = metrics.New(nil)
	a.closers = append(a.closers, a.metrics.Register())
	log.Info("gate configured",
		zap.Int("pool_size", cfg.Store.PoolSize),
		zap.Int("capacity", g.Capacity()))
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// run serves until ctx is cancelled or a server or the change feed fails.
func (a *app) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	var shutdowns []func(context.Context)

	if addr := a.cfg.Server.Addr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/graphql", a.http)
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		shutdowns = append(shutdowns, httpShutdown(srv))
		g.Go(func() error { return a.serveHTTP(srv, "GraphQL") })
	}
	if addr := a.cfg.Metrics.Addr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metrics.Handler())
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		shutdowns = append(shutdowns, httpShutdown(srv))
		g.Go(func() error { return a.serveHTTP(srv, "metrics") })
	}
	if addr := a.cfg.GRPC.Addr; addr != "" {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		gs := grpc.NewServer()
		a.grpc.Register(gs)
		shutdowns = append(shutdowns, func(ctx context.Context) {
			done := make(chan struct{})
			go func() { gs.GracefulStop(); close(done) }()
			select {
			case <-done:
			case <-ctx.Done():
				gs.Stop()
			}
		})
		g.Go(func() error {
			a.log.Info("gRPC server listening", zap.String("addr", addr))
			if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}
	if feed := a.feed(); feed != nil {
		g.Go(func() error { return feed(ctx) })
	}

	g.Go(func() error {
		<-ctx.Done()
		a.log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Ending the broker completes every open subscription stream.
		a.memory.Broker().Close()
		for _, s := range shutdowns {
			s(sctx)
		}
		return nil
	})
	return g.Wait()
}

func (a *app) serveHTTP(srv *http.Server, name string) error {
	a.log.Info(name+" server listening", zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

func httpShutdown(srv *http.Server) func(context.Context) {
	return func(ctx context.Context) {
		if err := srv.Shutdown(ctx); err != nil {
			_ = srv.Close()
		}
	}
}

// feed returns the change feed that keeps the memory store current, or nil
// for the memory engine.
func (a *app) feed() func(context.Context) error {
	s := a.cfg.Store
	switch s.Engine {
	case config.StorePostgres:
		return func(ctx context.Context) error {
			pool, err := postgres.NewPool(ctx, s.URI, s.PoolSize)
			if err != nil {
				return err
			}
			defer pool.Close()
			a.log.Info("listening for postgres notifications", zap.String("channel", s.Channel))
			return postgres.NewListener(pool, s.Channel, a.memory, a.log).Run(ctx)
		}
	case config.StoreRedis:
		return func(ctx context.Context) error {
			client, err := redis.NewClient(ctx, s.URI, s.PoolSize)
			if err != nil {
				return err
			}
			defer client.Close()
			a.log.Info("subscribed to redis channel", zap.String("channel", s.Channel))
			return redis.NewListener(client, s.Channel, a.memory, a.log).Run(ctx)
		}
	}
	return nil
}

// seed applies the notification, or array of notifications, stored in path.
func seed(mem *store.Memory, path string) error {
	notes, err := readNotifications(path)
	if err != nil {
		return err
	}
	for _, n := range notes {
		if _, err := mem.Apply(n); err != nil {
			return fmt.Errorf("seed %s: %w", path, err)
		}
	}
	return nil
}

func readNotifications(path string) ([]store.Notification, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] != '[' {
		n, err := store.DecodeNotification(b)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return []store.Notification{n}, nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	out := make([]store.Notification, 0, len(raw))
	for _, r := range raw {
		n, err := store.DecodeNotification(r)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out = append(out, n)
	}
	return out, nil
}
