// Package bus fans task state transitions out to subscribers: the WebSocket
// hub, the log stream and the visualizer. Publishers hand in snapshots, never
// live graph state, so subscribers can hold events as long as they like.
package bus

import (
	"sync"

	"go.uber.org/zap"

	"github.com/likeaw/ai-web-agent-industrial/api/schemas"
)

// defaultQueueLimit bounds each subscriber's pending queue before the
// drop-oldest policy kicks in.
const defaultQueueLimit = 256

// Bus is the per-process event fan-out. Delivery is best-effort and ordered
// per subscriber; slow subscribers lose stale non-terminal node updates first,
// terminal events are never dropped.
type Bus struct {
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[string]map[int]*subscriber // task id -> subscriber id -> sub
	nextID int
	limit  int
}

// New creates a bus with the default per-subscriber queue bound.
func New(logger *zap.Logger) *Bus {
	return NewWithLimit(logger, defaultQueueLimit)
}

// NewWithLimit creates a bus with an explicit queue bound (tests).
func NewWithLimit(logger *zap.Logger, limit int) *Bus {
	if limit <= 0 {
		limit = defaultQueueLimit
	}
	return &Bus{
		logger: logger.Named("event_bus"),
		subs:   make(map[string]map[int]*subscriber),
		limit:  limit,
	}
}

// Subscribe registers for one task's events. The returned channel delivers
// events in publish order; the cancel function detaches and closes it.
func (b *Bus) Subscribe(taskID string) (<-chan *schemas.Event, func()) {
	sub := newSubscriber(b.limit)

	b.mu.Lock()
	if b.subs[taskID] == nil {
		b.subs[taskID] = make(map[int]*subscriber)
	}
	id := b.nextID
	b.nextID++
	b.subs[taskID][id] = sub
	b.mu.Unlock()

	go sub.pump()

	cancel := func() {
		b.mu.Lock()
		if subs, ok := b.subs[taskID]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subs, taskID)
			}
		}
		b.mu.Unlock()
		sub.close()
	}
	return sub.out, cancel
}

// Publish delivers an event to every subscriber of its task. Payloads must
// already be snapshots; the bus does not copy them.
func (b *Bus) Publish(event *schemas.Event) {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs[event.TaskID]))
	for _, sub := range b.subs[event.TaskID] {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		if dropped := sub.enqueue(event); dropped != nil {
			b.logger.Debug("Dropped stale event for slow subscriber",
				zap.String("task_id", event.TaskID),
				zap.String("event", string(dropped.Type)),
			)
		}
	}
}

// Close detaches every subscriber and closes their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	all := make([]*subscriber, 0)
	for _, subs := range b.subs {
		for _, sub := range subs {
			all = append(all, sub)
		}
	}
	b.subs = make(map[string]map[int]*subscriber)
	b.mu.Unlock()

	for _, sub := range all {
		sub.close()
	}
}

// subscriber is one bounded FIFO queue with a pump goroutine feeding the
// outbound channel, so Publish never blocks on a slow consumer.
type subscriber struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*schemas.Event
	closed bool
	limit  int
	out    chan *schemas.Event
}

func newSubscriber(limit int) *subscriber {
	s := &subscriber{
		limit: limit,
		out:   make(chan *schemas.Event),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// enqueue appends an event, applying the overflow policy: when the queue is
// full, the oldest non-terminal node_update for the same node gives way first,
// then the oldest non-terminal node_update of any node. Terminal events always
// enter the queue. Returns the dropped event, if any.
func (s *subscriber) enqueue(event *schemas.Event) *schemas.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}

	var dropped *schemas.Event
	if len(s.queue) >= s.limit {
		if idx := s.droppableIndex(event); idx >= 0 {
			dropped = s.queue[idx]
			s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
		}
	}
	s.queue = append(s.queue, event)
	s.cond.Signal()
	return dropped
}

// droppableIndex finds the oldest event the overflow policy allows to discard.
func (s *subscriber) droppableIndex(incoming *schemas.Event) int {
	sameNode := -1
	anyNode := -1
	for i, ev := range s.queue {
		if ev.Type != schemas.EventNodeUpdate || ev.Terminal {
			continue
		}
		if anyNode == -1 {
			anyNode = i
		}
		if incoming.Node != nil && ev.Node != nil && ev.Node.NodeID == incoming.Node.NodeID {
			sameNode = i
			break
		}
	}
	if sameNode >= 0 {
		return sameNode
	}
	return anyNode
}

func (s *subscriber) pump() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			close(s.out)
			return
		}
		event := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.out <- event
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.cond.Broadcast()
	s.mu.Unlock()

	// Drain so the pump can observe the close even if a send is in flight.
	go func() {
		for range s.out {
		}
	}()
}
