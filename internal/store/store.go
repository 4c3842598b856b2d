// Package store holds the entity data subscriptions read and the change
// events that make them re-execute.
//
// A StoreEvent is a trigger, not a diff: it names the entities that changed
// and carries a monotonically increasing tag, but never their new values.
// Subscribers re-read whatever they need at execution time.
package store

import (
	"errors"
	"fmt"
)

// EntityOperation is the kind of change applied to an entity.
type EntityOperation string

const (
	OperationSet     EntityOperation = "set"
	OperationRemoved EntityOperation = "removed"
)

func (o EntityOperation) Valid() bool {
	return o == OperationSet || o == OperationRemoved
}

// EntityKey identifies one entity of one subgraph.
type EntityKey struct {
	Subgraph   string `json:"subgraph"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
}

func (k EntityKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Subgraph, k.EntityType, k.EntityID)
}

type EntityChange struct {
	Key       EntityKey
	Operation EntityOperation
}

// StoreEvent announces that a set of entities changed.
type StoreEvent struct {
	Tag     uint64
	Changes []EntityChange
}

// TriggerTag is the tag of the synthetic event that starts every
// subscription. Published events always have larger tags.
const TriggerTag uint64 = 0

// TriggerEvent returns the synthetic event with an empty change set.
func TriggerEvent() StoreEvent { return StoreEvent{Tag: TriggerTag} }

func (e StoreEvent) IsTrigger() bool { return e.Tag == TriggerTag && len(e.Changes) == 0 }

// EventStream is a single-consumer stream of store events. Events is closed
// when the stream ends; Err then reports why, or nil when it was closed by
// its consumer or the store shut down cleanly.
type EventStream interface {
	Events() <-chan StoreEvent
	Err() error
	Close()
}

// Filter selects the changes a subscriber is interested in.
type Filter func(EntityChange) bool

// AllChanges accepts every change.
func AllChanges(EntityChange) bool { return true }

// EntityTypes accepts changes to the given entity types of subgraph. An empty
// subgraph matches every subgraph.
func EntityTypes(subgraph string, types ...string) Filter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(c EntityChange) bool {
		if subgraph != "" && c.Key.Subgraph != subgraph {
			return false
		}
		_, ok := set[c.Key.EntityType]
		return ok
	}
}

var (
	// ErrSlowSubscriber fails a stream whose consumer fell behind the
	// publisher by more than the broker's pending limit.
	ErrSlowSubscriber = errors.New("subscriber fell behind the change feed")
	// ErrEntityNotFound is returned by lookups of unknown entities.
	ErrEntityNotFound = errors.New("entity not found")
)
