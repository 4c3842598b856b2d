// Package grpctp is the client side of the Subscriptions gRPC service. It
// discovers endpoints through an EndpointProvider and reuses connections
// across subscriptions.
package grpctp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	eventbus "github.com/hanpama/liveql/internal/eventbus"
	events "github.com/hanpama/liveql/internal/events"
	executor "github.com/hanpama/liveql/internal/executor"
	grpcsrv "github.com/hanpama/liveql/internal/grpcsrv"
	reqid "github.com/hanpama/liveql/internal/reqid"
	subscription "github.com/hanpama/liveql/internal/subscription"
)

var subscribeDesc = &grpc.StreamDesc{StreamName: "Subscribe", ServerStreams: true}

// Client opens subscriptions on remote liveql servers.
type Client struct {
	opts *Options

	mu     sync.RWMutex
	pools  map[string]*connPool // key: endpoint
	closed atomic.Bool
}

func New(opts ...Option) *Client {
	o := defaultOptions()
	for _, f := range opts {
		f(o)
	}
	if len(o.DialOptions) == 0 {
		o.DialOptions = []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig}),
		}
	}
	return &Client{
		opts:  o,
		pools: make(map[string]*connPool),
	}
}

// Subscribe opens a subscription and waits for its first result, so setup
// failures are returned here as gRPC status errors. The returned stream must
// be closed.
func (c *Client) Subscribe(ctx context.Context, sub subscription.Subscription) (*ResultStream, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if c.opts.Provider == nil {
		return nil, ErrNoProvider
	}
	req, err := grpcsrv.EncodeRequest(sub)
	if err != nil {
		return nil, err
	}
	endpoints, err := c.opts.Provider.Endpoints(ctx, grpcsrv.ServiceName)
	if err != nil {
		return nil, err
	}
	endpoint := endpoints[rand.IntN(len(endpoints))]

	cc, err := c.getConn(endpoint)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	if id, ok := reqid.FromContext(ctx); ok {
		ctx = metadata.AppendToOutgoingContext(ctx, grpcsrv.RequestIDHeader, id)
	}
	rs := &ResultStream{
		ctx:      ctx,
		cancel:   cancel,
		endpoint: endpoint,
		start:    time.Now(),
		release:  func() { c.returnConn(endpoint, cc) },
	}
	eventbus.Publish(ctx, events.GRPCClientStart{Service: grpcsrv.ServiceName, Method: "Subscribe", Target: endpoint})

	rs.stream, err = cc.NewStream(ctx, subscribeDesc, grpcsrv.SubscribeMethod)
	if err == nil {
		err = rs.stream.SendMsg(req)
	}
	if err == nil {
		err = rs.stream.CloseSend()
	}
	if err == nil {
		rs.first, err = rs.recvFirst(c.opts.SetupTimeout)
	}
	if err != nil {
		rs.finish(err)
		return nil, err
	}
	return rs, nil
}

// Close closes every pooled connection. Open streams fail.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.pools {
		p.close()
	}
	c.pools = map[string]*connPool{}
	return nil
}

// ResultStream receives the results of a remote subscription.
type ResultStream struct {
	ctx      context.Context
	cancel   context.CancelFunc
	stream   grpc.ClientStream
	endpoint string
	start    time.Time
	release  func()

	first *executor.ExecutionResult
	once  sync.Once
	err   error
}

func (s *ResultStream) recvFirst(timeout time.Duration) (*executor.ExecutionResult, error) {
	if timeout <= 0 {
		return s.recv()
	}
	t := time.AfterFunc(timeout, s.cancel)
	res, err := s.recv()
	if !t.Stop() && err != nil {
		return nil, fmt.Errorf("grpctp: no result within %s: %w", timeout, err)
	}
	return res, err
}

func (s *ResultStream) recv() (*executor.ExecutionResult, error) {
	msg := new(structpb.Struct)
	if err := s.stream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return grpcsrv.DecodeResult(msg)
}

// Recv returns the next result. It returns io.EOF once the server ended the
// subscription normally, and the stream's status error otherwise.
func (s *ResultStream) Recv() (*executor.ExecutionResult, error) {
	if s.first != nil {
		res := s.first
		s.first = nil
		return res, nil
	}
	if s.err != nil {
		return nil, s.err
	}
	res, err := s.recv()
	if err != nil {
		s.finish(err)
		return nil, s.err
	}
	return res, nil
}

// Close cancels the subscription.
func (s *ResultStream) Close() {
	s.finish(context.Canceled)
}

func (s *ResultStream) finish(err error) {
	s.once.Do(func() {
		s.err = err
		s.cancel()
		s.release()
		var fin error
		if !errors.Is(err, io.EOF) {
			fin = err
		}
		code := status.Code(fin)
		if errors.Is(fin, context.Canceled) || errors.Is(fin, context.DeadlineExceeded) {
			code = status.FromContextError(fin).Code()
		}
		eventbus.Publish(s.ctx, events.GRPCClientFinish{
			Service:  grpcsrv.ServiceName,
			Method:   "Subscribe",
			Target:   s.endpoint,
			Code:     code,
			Err:      fin,
			Duration: time.Since(s.start),
		})
	})
}

// ---------------- internals ----------------

type connPool struct {
	endpoint string
	opts     *Options
	conns    chan *grpc.ClientConn
	closed   atomic.Bool
}

func newConnPool(endpoint string, opts *Options) *connPool {
	n := opts.MaxConnsPerEndpoint
	if n <= 0 {
		n = 2
	}
	return &connPool{
		endpoint: endpoint,
		opts:     opts,
		conns:    make(chan *grpc.ClientConn, n),
	}
}

func (p *connPool) get() (*grpc.ClientConn, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("grpctp: pool closed")
	}
	select {
	case cc := <-p.conns:
		return cc, nil
	default:
		return grpc.NewClient(p.endpoint, p.opts.DialOptions...)
	}
}

func (p *connPool) put(cc *grpc.ClientConn) {
	if cc == nil || p.closed.Load() {
		if cc != nil {
			_ = cc.Close()
		}
		return
	}
	select {
	case p.conns <- cc:
	default:
		_ = cc.Close()
	}
}

func (p *connPool) close() {
	if p.closed.Swap(true) {
		return
	}
	close(p.conns)
	for cc := range p.conns {
		_ = cc.Close()
	}
}

func (c *Client) getConn(endpoint string) (*grpc.ClientConn, error) {
	c.mu.RLock()
	pool := c.pools[endpoint]
	c.mu.RUnlock()
	if pool == nil {
		c.mu.Lock()
		pool = c.pools[endpoint]
		if pool == nil {
			pool = newConnPool(endpoint, c.opts)
			c.pools[endpoint] = pool
		}
		c.mu.Unlock()
	}
	return pool.get()
}

func (c *Client) returnConn(endpoint string, cc *grpc.ClientConn) {
	c.mu.RLock()
	pool := c.pools[endpoint]
	c.mu.RUnlock()
	if pool != nil {
		pool.put(cc)
		return
	}
	_ = cc.Close()
}
