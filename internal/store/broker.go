package store

import (
	"sync"

	"github.com/gammazero/deque"
	"go.uber.org/zap"

	logger "github.com/hanpama/liveql/internal/logger"
)

// Broker fans StoreEvents out to filtered subscribers. Publishing never
// blocks: each subscriber queues its events until its consumer takes them.
// With WithMaxPending, a subscriber that falls that many events behind is
// failed with ErrSlowSubscriber and dropped.
type Broker struct {
	mu     sync.Mutex
	subs   map[uint64]*brokerStream
	nextID uint64
	tag    uint64
	closed bool

	maxPending int
	logger     logger.Logger
}

type BrokerOption func(*Broker)

// WithMaxPending caps the events a subscriber may have queued. Zero, the
// default, queues without limit.
func WithMaxPending(n int) BrokerOption {
	return func(b *Broker) {
		if n >= 0 {
			b.maxPending = n
		}
	}
}

func WithBrokerLogger(l logger.Logger) BrokerOption { return func(b *Broker) { b.logger = l } }

func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{
		subs:   make(map[uint64]*brokerStream),
		logger: logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe returns a stream of the events that contain at least one change
// accepted by filter. Each delivered event carries only the accepted changes.
// A nil filter accepts everything.
func (b *Broker) Subscribe(filter Filter) EventStream {
	if filter == nil {
		filter = AllChanges
	}
	s := &brokerStream{
		broker: b,
		filter: filter,
		ch:     make(chan StoreEvent),
		signal: make(chan struct{}, 1),
		quit:   make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		s.done = true
		return s
	}
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	go s.pump()
	return s
}

// Publish assigns the next tag to changes and delivers them. tag is used when
// it is larger than every tag published so far; pass 0 to always take the
// next one. The published event is returned.
func (b *Broker) Publish(tag uint64, changes []EntityChange) StoreEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	if tag <= b.tag {
		tag = b.tag + 1
	}
	b.tag = tag
	ev := StoreEvent{Tag: tag, Changes: changes}
	if b.closed {
		return ev
	}

	for id, s := range b.subs {
		var matched []EntityChange
		for _, c := range changes {
			if s.filter(c) {
				matched = append(matched, c)
			}
		}
		if len(matched) == 0 {
			continue
		}
		if b.maxPending > 0 && s.pending >= b.maxPending {
			b.logger.Warn("dropping slow store subscriber",
				zap.Uint64("subscriber", id),
				zap.Uint64("tag", tag),
				zap.Int("pending", s.pending),
			)
			s.err = ErrSlowSubscriber
			b.remove(s)
			continue
		}
		s.queue.PushBack(StoreEvent{Tag: tag, Changes: matched})
		s.pending++
		s.wake()
	}
	return ev
}

// LastTag returns the tag of the most recent event.
func (b *Broker) LastTag() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tag
}

// Subscribers returns the number of open streams.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every stream without an error. Later subscriptions are closed
// immediately.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, s := range b.subs {
		b.remove(s)
	}
}

// remove must be called with b.mu held. Events already queued are still
// delivered before Events is closed.
func (b *Broker) remove(s *brokerStream) {
	if s.done {
		return
	}
	s.done = true
	delete(b.subs, s.id)
	s.wake()
}

type brokerStream struct {
	broker *Broker
	id     uint64
	filter Filter
	ch     chan StoreEvent
	signal chan struct{}
	quit   chan struct{}
	once   sync.Once

	// guarded by broker.mu
	queue deque.Deque[StoreEvent]
	// pending counts queued events plus the one being handed to the consumer.
	pending int
	done    bool
	err     error
}

func (s *brokerStream) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// pump moves queued events to ch in order until the stream is removed and
// drained, or closed by its consumer.
func (s *brokerStream) pump() {
	defer close(s.ch)
	b := s.broker
	for {
		b.mu.Lock()
		if s.queue.Len() == 0 {
			done := s.done
			b.mu.Unlock()
			if done {
				return
			}
			select {
			case <-s.signal:
				continue
			case <-s.quit:
				return
			}
		}
		ev := s.queue.PopFront()
		b.mu.Unlock()

		select {
		case s.ch <- ev:
		case <-s.quit:
			return
		}
		b.mu.Lock()
		s.pending--
		b.mu.Unlock()
	}
}

func (s *brokerStream) Events() <-chan StoreEvent { return s.ch }

func (s *brokerStream) Err() error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	return s.err
}

// Close drops every queued event and ends the stream.
func (s *brokerStream) Close() {
	s.broker.mu.Lock()
	s.broker.remove(s)
	s.queue.Clear()
	s.broker.mu.Unlock()
	s.once.Do(func() { close(s.quit) })
}
