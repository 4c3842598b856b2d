// Package reqid assigns ULIDs to requests and subscriptions and carries them
// in a context.
package reqid

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

type key struct{}

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// New returns a fresh id. Ids created by one process sort by creation time.
func New() string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewContext returns a copy of parent carrying a new id, and the id.
func NewContext(parent context.Context) (context.Context, string) {
	id := New()
	return context.WithValue(parent, key{}, id), id
}

// WithID returns a copy of parent carrying id.
func WithID(parent context.Context, id string) context.Context {
	return context.WithValue(parent, key{}, id)
}

// FromContext extracts the id from ctx.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(key{}).(string)
	return id, ok && id != ""
}

// Time returns the creation time encoded in id.
func Time(id string) (time.Time, error) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(u.Time()), nil
}
