package grpctp

import (
	"time"

	"google.golang.org/grpc"
)

// Options configures the gRPC client behavior.
//
// Defaults:
// - MaxConnsPerEndpoint: 2
// - SetupTimeout:        10s (bounds the wait for the first result only)
// - DialOptions:         insecure credentials
//
// Provider must be set (use StaticEndpoints or a custom implementation).
type Options struct {
	Provider EndpointProvider

	MaxConnsPerEndpoint int
	SetupTimeout        time.Duration

	DialOptions []grpc.DialOption
}

// Option mutates Options
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		MaxConnsPerEndpoint: 2,
		SetupTimeout:        10 * time.Second,
	}
}

func WithProvider(p EndpointProvider) Option { return func(o *Options) { o.Provider = p } }
func WithMaxConnsPerEndpoint(n int) Option   { return func(o *Options) { o.MaxConnsPerEndpoint = n } }
func WithSetupTimeout(d time.Duration) Option {
	return func(o *Options) { o.SetupTimeout = d }
}
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(o *Options) { o.DialOptions = opts }
}
