// Package bus implements the Message Bus (C8): a broadcast-style pub/sub
// channel between agent roles, bounded to one scheduler cycle and to a
// per-subscriber queue depth, matching the teacher's channel-semaphore
// idiom for bounded concurrent work in internal/core/api_scheduler.go,
// generalized from API-call slots to message queues.
package bus

import (
	"sync"

	"luminara.dev/orchestrator/internal/logging"
	"luminara.dev/orchestrator/internal/role"
)

// DefaultQueueBound is the default per-subscriber queue depth named in
// spec.md §4.8.
const DefaultQueueBound = 1024

// Message is one notification published on the bus.
type Message struct {
	From    role.AgentRole
	Topic   string
	Payload interface{}
}

// MessagesDropped is enqueued in place of messages a subscriber's queue
// could not hold, per the spec's best-effort delivery contract.
type MessagesDropped struct {
	Count int
}

// Subscription is a live receiver handle returned by Subscribe.
type Subscription struct {
	role role.AgentRole
	ch   chan interface{}
	bus  *Bus
}

// C returns the channel this subscription delivers messages and
// MessagesDropped notifications on.
func (s *Subscription) C() <-chan interface{} { return s.ch }

// Unsubscribe detaches the subscription; the bus stops delivering to it.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s)
}

// Bus is the broadcast channel every role publishes to and subscribes
// from. Zero value is not usable; construct with New.
type Bus struct {
	mu          sync.Mutex
	queueBound  int
	subscribers map[*Subscription]struct{}
	cycle       int64
	cycleCond   *sync.Cond
	draining    bool
	dropped     int64
}

// New constructs a Bus whose subscriber queues are bounded at queueBound.
// A non-positive bound falls back to DefaultQueueBound.
func New(queueBound int) *Bus {
	if queueBound <= 0 {
		queueBound = DefaultQueueBound
	}
	b := &Bus{
		queueBound:  queueBound,
		subscribers: make(map[*Subscription]struct{}),
	}
	b.cycleCond = sync.NewCond(&b.mu)
	return b
}

// Subscribe registers r as a live receiver and returns its handle. Role is
// recorded for diagnostics only; any role may subscribe to any topic.
func (b *Bus) Subscribe(r role.AgentRole) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &Subscription{role: r, ch: make(chan interface{}, b.queueBound), bus: b}
	b.subscribers[sub] = struct{}{}
	logging.BusDebug("subscribed role %s (%d live subscribers)", r, len(b.subscribers))
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub.ch)
	}
}

// Publish delivers msg to every live subscriber, non-blocking: when a
// subscriber's queue is full, its oldest buffered messages are evicted and
// a MessagesDropped(k) notification, k being the number evicted, is
// enqueued ahead of msg.
func (b *Bus) Publish(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delivered := 0
	for sub := range b.subscribers {
		if b.offer(sub, msg) {
			delivered++
		}
	}
	logging.BusDebug("published topic=%s from=%s to %d/%d subscribers (cycle %d)", msg.Topic, msg.From, delivered, len(b.subscribers), b.cycle)
}

// offer attempts a non-blocking send. On overflow it evicts the oldest
// buffered entries until a MessagesDropped notification and msg both fit,
// counting every eviction as a drop. Called with b.mu held.
func (b *Bus) offer(sub *Subscription, msg Message) bool {
	select {
	case sub.ch <- msg:
		return true
	default:
	}

	// Queue is full: evict the oldest entries, then enqueue the drop
	// notification ahead of msg.
	evicted := 0
	for len(sub.ch) > 0 && len(sub.ch) > cap(sub.ch)-2 {
		select {
		case <-sub.ch:
			evicted++
		default:
		}
	}
	if evicted > 0 {
		b.dropped += int64(evicted)
		select {
		case sub.ch <- MessagesDropped{Count: evicted}:
		default:
		}
	}
	select {
	case sub.ch <- msg:
		return true
	default:
		b.recordDropLocked(sub)
		return false
	}
}

func (b *Bus) recordDropLocked(sub *Subscription) {
	b.dropped++
	select {
	case sub.ch <- MessagesDropped{Count: 1}:
	default:
		// Even the drop notification didn't fit; the subscriber is
		// catastrophically behind and will simply miss this cycle.
	}
	logging.BusDebug("queue overflow for role %s, dropped message", sub.role)
}

// EndCycle marks the boundary between scheduler cycle N and N+1 and returns
// the new cycle number. The scheduler calls it after the Publishes of cycle
// N and before admitting any task of cycle N+1. It does not block: Publish
// already delivers (or drops) synchronously, so EndCycle only advances the
// cycle counter used for diagnostics.
func (b *Bus) EndCycle() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cycle++
	return b.cycle
}

// Cycle returns the current scheduler cycle number.
func (b *Bus) Cycle() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cycle
}

// DroppedCount reports the total messages dropped across all subscribers
// since construction, surfaced in OrchestrationResult.
func (b *Bus) DroppedCount() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// SubscriberCount reports the number of live subscriptions, used by tests
// and diagnostics.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
