package store

import (
	"fmt"
	"sort"
	"sync"
)

// Entity is the latest known state of an entity. The "id" attribute always
// equals its EntityID.
type Entity map[string]any

func (e Entity) clone() Entity {
	out := make(Entity, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

type OrderDirection string

const (
	OrderAsc  OrderDirection = "asc"
	OrderDesc OrderDirection = "desc"
)

// ListOptions selects a page of entities. Entities are ordered by OrderBy,
// falling back to id, and filtered by equality on every Where attribute.
type ListOptions struct {
	First          int
	Skip           int
	OrderBy        string
	OrderDirection OrderDirection
	Where          map[string]any
}

// Memory keeps the latest state of every entity and publishes a StoreEvent
// to its broker for every write.
type Memory struct {
	mu       sync.RWMutex
	entities map[EntityKey]Entity
	broker   *Broker
}

func NewMemory(broker *Broker) *Memory {
	if broker == nil {
		broker = NewBroker()
	}
	return &Memory{entities: make(map[EntityKey]Entity), broker: broker}
}

func (m *Memory) Broker() *Broker { return m.broker }

// Subscribe is a shorthand for m.Broker().Subscribe.
func (m *Memory) Subscribe(filter Filter) EventStream { return m.broker.Subscribe(filter) }

// Set stores data as the new state of key.
func (m *Memory) Set(key EntityKey, data map[string]any) StoreEvent {
	return m.write(0, []Change{{Key: key, Operation: OperationSet, Data: data}})
}

// Remove deletes key. Removing an unknown entity still publishes a change.
func (m *Memory) Remove(key EntityKey) StoreEvent {
	return m.write(0, []Change{{Key: key, Operation: OperationRemoved}})
}

// Apply writes every change of n and publishes them as one event.
func (m *Memory) Apply(n Notification) (StoreEvent, error) {
	if err := n.Validate(); err != nil {
		return StoreEvent{}, err
	}
	return m.write(n.Tag, n.Changes), nil
}

func (m *Memory) write(tag uint64, changes []Change) StoreEvent {
	published := make([]EntityChange, 0, len(changes))

	m.mu.Lock()
	for _, c := range changes {
		switch c.Operation {
		case OperationSet:
			e := Entity(c.Data).clone()
			e["id"] = c.Key.EntityID
			m.entities[c.Key] = e
		case OperationRemoved:
			delete(m.entities, c.Key)
		}
		published = append(published, EntityChange{Key: c.Key, Operation: c.Operation})
	}
	// Publishing under the write lock keeps tag order equal to write order.
	ev := m.broker.Publish(tag, published)
	m.mu.Unlock()
	return ev
}

// Get returns a copy of the entity stored under key, with its type under
// "__typename".
func (m *Memory) Get(key EntityKey) (Entity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities[key]
	if !ok {
		return nil, false
	}
	c := e.clone()
	c["__typename"] = key.EntityType
	return c, true
}

// List returns copies of the entities of one type.
func (m *Memory) List(subgraph, entityType string, opts ListOptions) ([]Entity, error) {
	return m.ListTypes(subgraph, []string{entityType}, opts)
}

// ListTypes is List over the union of several entity types, as needed for
// interface and union typed collections. Each entity gets its type under
// "__typename".
func (m *Memory) ListTypes(subgraph string, entityTypes []string, opts ListOptions) ([]Entity, error) {
	if opts.First < 0 || opts.Skip < 0 {
		return nil, fmt.Errorf("first and skip must not be negative")
	}
	types := make(map[string]struct{}, len(entityTypes))
	for _, t := range entityTypes {
		types[t] = struct{}{}
	}

	m.mu.RLock()
	var out []Entity
	for k, e := range m.entities {
		if _, ok := types[k.EntityType]; !ok || (subgraph != "" && k.Subgraph != subgraph) {
			continue
		}
		if !matches(e, opts.Where) {
			continue
		}
		c := e.clone()
		c["__typename"] = k.EntityType
		out = append(out, c)
	}
	m.mu.RUnlock()

	orderBy := opts.OrderBy
	if orderBy == "" {
		orderBy = "id"
	}
	sort.SliceStable(out, func(i, j int) bool {
		c := compare(out[i][orderBy], out[j][orderBy])
		if c == 0 {
			c = compare(out[i]["id"], out[j]["id"])
		}
		if opts.OrderDirection == OrderDesc {
			return c > 0
		}
		return c < 0
	})

	if opts.Skip >= len(out) {
		return []Entity{}, nil
	}
	out = out[opts.Skip:]
	if opts.First > 0 && opts.First < len(out) {
		out = out[:opts.First]
	}
	return out, nil
}

func matches(e Entity, where map[string]any) bool {
	for k, want := range where {
		if compare(e[k], want) != 0 {
			return false
		}
	}
	return true
}

// compare orders nil first, then numbers, then strings, then everything
// else by its printed form.
func compare(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra - rb
	}
	switch ra {
	case 0:
		return 0
	case 1:
		fa, fb := toFloat(a), toFloat(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	case 2:
		return cmpString(a.(string), b.(string))
	}
	return cmpString(fmt.Sprint(a), fmt.Sprint(b))
}

func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case int, int32, int64, uint64, float32, float64:
		return 1
	case string:
		return 2
	}
	return 3
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint64:
		return float64(x)
	case float32:
		return float64(x)
	case float64:
		return x
	}
	return 0
}

func cmpString(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
