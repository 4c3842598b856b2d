package grpctp

import "errors"

var (
	// ErrNoEndpoints indicates the provider returned no endpoints for a service.
	ErrNoEndpoints = errors.New("grpctp: no endpoints available")
	// ErrClosed is returned by a Client after Close.
	ErrClosed = errors.New("grpctp: closed")
	// ErrNoProvider is returned when the client was built without WithProvider.
	ErrNoProvider = errors.New("grpctp: provider not configured")
)
