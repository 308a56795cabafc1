// Package events hands lifecycle events from receive goroutines to UI
// subscribers through a single fan-out goroutine.
package events

import (
	"context"
	"sync"
	"sync/atomic"

	"classlink/internal/dispatch"
	"classlink/internal/logging"
)

const (
	// DefaultQueueSize is the publish buffer.
	DefaultQueueSize = 1000
	// DefaultSubscriberBuffer is used when Subscribe is given zero.
	DefaultSubscriberBuffer = 64
)

type subscriber struct {
	ch chan dispatch.Event
}

// Queue decouples event producers from consumers. Publish never blocks;
// a subscriber that falls behind loses events rather than stalling the
// queue.
type Queue struct {
	events      chan dispatch.Event
	subscribe   chan *subscriber
	unsubscribe chan *subscriber
	shutdown    chan struct{}
	done        chan struct{}

	subscribers map[*subscriber]struct{} // owned by run

	mu      sync.RWMutex
	running bool
	started bool

	published atomic.Int64
	dropped   atomic.Int64
	logger    logging.Logger
}

func NewQueue(size int, logger logging.Logger) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Queue{
		events:      make(chan dispatch.Event, size),
		subscribe:   make(chan *subscriber),
		unsubscribe: make(chan *subscriber),
		shutdown:    make(chan struct{}),
		done:        make(chan struct{}),
		subscribers: make(map[*subscriber]struct{}),
		logger:      logger,
	}
}

// Start launches the fan-out goroutine. A queue runs at most once.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running || q.started {
		return ErrQueueAlreadyRunning
	}
	q.running = true
	q.started = true

	go q.run(ctx)
	return nil
}

// Stop ends the fan-out goroutine and closes every subscriber channel.
func (q *Queue) Stop() error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return ErrQueueNotRunning
	}
	q.running = false
	close(q.shutdown)
	q.mu.Unlock()

	<-q.done
	return nil
}

// Publish enqueues ev without blocking.
func (q *Queue) Publish(ev dispatch.Event) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if !q.running {
		return ErrQueueNotRunning
	}

	select {
	case q.events <- ev:
		q.published.Add(1)
		return nil
	default:
		q.dropped.Add(1)
		return ErrQueueFull
	}
}

// Subscribe returns a channel receiving every event published from now
// on, and a cancel func that closes it. The channel is also closed when
// the queue stops.
func (q *Queue) Subscribe(buffer int) (<-chan dispatch.Event, func(), error) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	sub := &subscriber{ch: make(chan dispatch.Event, buffer)}

	q.mu.RLock()
	running := q.running
	q.mu.RUnlock()
	if !running {
		return nil, nil, ErrQueueNotRunning
	}

	select {
	case q.subscribe <- sub:
	case <-q.done:
		return nil, nil, ErrQueueNotRunning
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			select {
			case q.unsubscribe <- sub:
			case <-q.done:
			}
		})
	}
	return sub.ch, cancel, nil
}

// Listener adapts the queue to a dispatcher listener.
func (q *Queue) Listener() dispatch.ListenerFunc {
	return func(ev dispatch.Event) {
		if err := q.Publish(ev); err != nil {
			q.logger.Warn("event not queued", "event", ev.Name, "peer_id", ev.PeerID, "error", err)
		}
	}
}

// Attach subscribes the queue to the named events of d.
func (q *Queue) Attach(d *dispatch.Dispatcher, names ...string) {
	listener := q.Listener()
	for _, name := range names {
		d.AddListener(name, listener)
	}
}

// Stats reports queue counters.
func (q *Queue) Stats() map[string]int64 {
	return map[string]int64{
		"published": q.published.Load(),
		"dropped":   q.dropped.Load(),
		"pending":   int64(len(q.events)),
	}
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.done)
	defer func() {
		for sub := range q.subscribers {
			close(sub.ch)
			delete(q.subscribers, sub)
		}
		q.logger.Debug("event queue stopped")
	}()

	for {
		select {
		case ev := <-q.events:
			q.fanOut(ev)

		case sub := <-q.subscribe:
			q.subscribers[sub] = struct{}{}

		case sub := <-q.unsubscribe:
			if _, ok := q.subscribers[sub]; ok {
				delete(q.subscribers, sub)
				close(sub.ch)
			}

		case <-q.shutdown:
			return

		case <-ctx.Done():
			q.mu.Lock()
			q.running = false
			q.mu.Unlock()
			return
		}
	}
}

func (q *Queue) fanOut(ev dispatch.Event) {
	for sub := range q.subscribers {
		select {
		case sub.ch <- ev:
		default:
			q.dropped.Add(1)
			q.logger.Debug("subscriber behind, dropping event", "event", ev.Name)
		}
	}
}
