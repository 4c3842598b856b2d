// Package gate bounds how many query executions may run at once across every
// subscription of the process.
//
// The backing store serves a fixed number of connections. Re-executions
// triggered by store changes arrive in bursts, so without a bound a few busy
// subscriptions could take every connection. The gate admits
// ceil(0.7 × pool size) executions and leaves the rest of the pool to
// ordinary queries and indexing.
package gate

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	eventbus "github.com/hanpama/liveql/internal/eventbus"
	events "github.com/hanpama/liveql/internal/events"
)

// DefaultPoolSize is the store connection pool size assumed when none is
// configured.
const DefaultPoolSize = 10

// CapacityForPool returns ceil(0.7 × poolSize), at least 1.
func CapacityForPool(poolSize int) int {
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	c := (poolSize*7 + 9) / 10
	if c < 1 {
		c = 1
	}
	return c
}

// AdmissionGate is a counting semaphore handing out one Permit per
// execution. Waiters are not served in arrival order.
type AdmissionGate struct {
	sem      *semaphore.Weighted
	capacity int
	inUse    atomic.Int64
}

// New returns a gate sized for a store pool of poolSize connections.
func New(poolSize int) *AdmissionGate {
	return WithCapacity(CapacityForPool(poolSize))
}

// WithCapacity returns a gate admitting exactly capacity executions.
func WithCapacity(capacity int) *AdmissionGate {
	if capacity < 1 {
		panic(fmt.Sprintf("gate: capacity must be positive, got %d", capacity))
	}
	return &AdmissionGate{sem: semaphore.NewWeighted(int64(capacity)), capacity: capacity}
}

func (g *AdmissionGate) Capacity() int { return g.capacity }

// InUse returns the number of permits currently held.
func (g *AdmissionGate) InUse() int { return int(g.inUse.Load()) }

// Acquire blocks until a permit is available or ctx ends.
func (g *AdmissionGate) Acquire(ctx context.Context) (*Permit, error) {
	start := time.Now()
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	now := time.Now()
	inUse := g.inUse.Add(1)
	eventbus.Publish(ctx, events.GateAcquire{Wait: now.Sub(start), InUse: int(inUse), Capacity: g.capacity})
	return &Permit{gate: g, ctx: context.WithoutCancel(ctx), acquired: now}, nil
}

// Permit is one admitted execution. Release returns it to the gate; only the
// first call has an effect.
type Permit struct {
	gate     *AdmissionGate
	ctx      context.Context
	acquired time.Time
	once     sync.Once
}

func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		inUse := p.gate.inUse.Add(-1)
		p.gate.sem.Release(1)
		eventbus.Publish(p.ctx, events.GateRelease{Held: time.Since(p.acquired), InUse: int(inUse), Capacity: p.gate.capacity})
	})
}
