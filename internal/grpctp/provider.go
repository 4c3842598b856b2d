package grpctp

import (
	"context"
	"strings"
	"sync"
)

// EndpointProvider provides the reachable endpoints (host:port or a gRPC
// target) for a fully-qualified service name such as "liveql.v1.Subscriptions".
// Implementations must be safe for concurrent use.
type EndpointProvider interface {
	Endpoints(ctx context.Context, service string) ([]string, error)
}

// StaticEndpoints is a provider backed by an in-memory map keyed by service
// name. Endpoints can be replaced at runtime with Set.
type StaticEndpoints struct {
	mu   sync.RWMutex
	data map[string][]string
}

func NewStaticEndpoints(m map[string][]string) *StaticEndpoints {
	s := &StaticEndpoints{data: make(map[string][]string, len(m))}
	for k, v := range m {
		s.Set(k, v...)
	}
	return s
}

// ParseEndpoints splits a comma separated endpoint list, dropping blanks.
func ParseEndpoints(list string) []string {
	var out []string
	for _, e := range strings.Split(list, ",") {
		if e = strings.TrimSpace(e); e != "" {
			out = append(out, e)
		}
	}
	return out
}

// Set replaces the endpoints of service. No endpoints removes it.
func (s *StaticEndpoints) Set(service string, endpoints ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(endpoints) == 0 {
		delete(s.data, service)
		return
	}
	s.data[service] = append([]string(nil), endpoints...)
}

func (s *StaticEndpoints) Endpoints(_ context.Context, service string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.data[service]
	if len(arr) == 0 {
		return nil, ErrNoEndpoints
	}
	return append([]string(nil), arr...), nil
}
