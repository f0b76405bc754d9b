// Package eventbus is the per-task Event Bus: a multi-subscriber
// publish/subscribe channel for StageEvents, with replay-from-head for
// late subscribers and drop-oldest backpressure per subscriber.
package eventbus

import (
	"sync"

	"github.com/lybic/agentcore/pkg/agent"
)

// DefaultBufferSize is the default bounded per-subscriber channel size.
const DefaultBufferSize = 64

// DefaultReplayLen is the default number of recent events replayed to a
// newly-joined subscriber while the task is still running.
const DefaultReplayLen = 32

// Bus is the single-publisher, multi-subscriber event stream for one task.
// The Dispatcher is the sole publisher; Subscribe/Close may be called from
// any goroutine.
type Bus struct {
	mu         sync.Mutex
	subs       map[uint64]*subscription
	nextSubID  uint64
	seq        uint64
	history    []agent.StageEvent
	replayLen  int
	bufferSize int
	closed     bool
	forward    func(agent.StageEvent)
}

type subscription struct {
	id      uint64
	ch      chan agent.StageEvent
	dropped uint64
}

// Subscription is the handle a caller holds: a channel of events and an
// idempotent unsubscribe function. The channel is closed when the bus
// closes or Unsubscribe is called.
type Subscription struct {
	Events      <-chan agent.StageEvent
	Unsubscribe func()
	// Dropped returns the number of events dropped for this subscriber due
	// to buffer overflow under the drop-oldest policy.
	Dropped func() uint64
}

// New creates a Bus with the given per-subscriber buffer size and replay
// history length. A zero or negative value picks the package default.
func New(bufferSize, replayLen int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if replayLen <= 0 {
		replayLen = DefaultReplayLen
	}
	return &Bus{
		subs:       make(map[uint64]*subscription),
		replayLen:  replayLen,
		bufferSize: bufferSize,
	}
}

// SetForward attaches a callback invoked with every event this Bus
// publishes, in addition to in-process subscribers: the hook a second
// process (another API node, a log shipper) fans out through without
// itself holding a Subscribe on this Bus. A nil forward detaches it. The
// callback runs outside the Bus's lock and after in-process delivery, so a
// slow or blocking forwarder never delays a subscriber.
func (b *Bus) SetForward(forward func(agent.StageEvent)) {
	b.mu.Lock()
	b.forward = forward
	b.mu.Unlock()
}

// Publish assigns a strictly monotonic Seq to ev and delivers it to every
// current subscriber. It never blocks the publisher: a full subscriber
// buffer drops its own oldest pending event to make room. Publish on a
// closed bus is a no-op.
func (b *Bus) Publish(ev agent.StageEvent) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.seq++
	ev.Seq = b.seq

	b.history = append(b.history, ev)
	if len(b.history) > b.replayLen {
		b.history = b.history[len(b.history)-b.replayLen:]
	}

	for _, s := range b.subs {
		b.deliver(s, ev)
	}
	forward := b.forward
	b.mu.Unlock()

	if forward != nil {
		forward(ev)
	}
}

// deliver pushes ev onto s.ch, dropping the oldest queued event for s if
// the buffer is full. Caller must hold b.mu.
func (b *Bus) deliver(s *subscription, ev agent.StageEvent) {
	select {
	case s.ch <- ev:
		return
	default:
	}
	// Buffer full: drop oldest, then retry once.
	select {
	case <-s.ch:
		s.dropped++
	default:
	}
	select {
	case s.ch <- ev:
	default:
		// Another publish raced us (shouldn't happen: Publish holds b.mu for
		// its whole body), count it dropped rather than block.
		s.dropped++
	}
}

// Subscribe creates a new Subscription. If the bus is not yet closed, the
// current replay history is delivered first (oldest to newest), followed
// by live events as Publish is called. Subscribing to a closed bus
// immediately yields the replay history followed by a closed channel (EOF).
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	id := b.nextSubID
	b.nextSubID++
	sub := &subscription{id: id, ch: make(chan agent.StageEvent, b.bufferSize)}
	// Replay under the lock so no live Publish can slip in ahead of the
	// history. A buffer smaller than the history keeps its newest events
	// and counts the older ones as dropped.
	for _, ev := range b.history {
		b.deliver(sub, ev)
	}
	closed := b.closed
	if !closed {
		b.subs[id] = sub
	}
	b.mu.Unlock()

	if closed {
		close(sub.ch)
	}

	return &Subscription{
		Events:      sub.ch,
		Unsubscribe: func() { b.unsubscribe(id) },
		Dropped: func() uint64 {
			b.mu.Lock()
			defer b.mu.Unlock()
			return sub.dropped
		},
	}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// Close is called exactly once when the task reaches a terminal state
// (after the linger window elapses). Further Publish calls are no-ops;
// all subscriber channels are closed, ending their streams.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*subscription)
	b.mu.Unlock()

	for _, s := range subs {
		close(s.ch)
	}
}
