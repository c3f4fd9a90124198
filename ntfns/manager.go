package ntfns

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/lightningnetwork/lnd/queue"
)

// ErrManagerStopped is returned when interacting with a subscription
// manager that has already shut down.
var ErrManagerStopped = errors.New("subscription manager stopped")

// Subscription is a client's handle on the notification stream. Events are
// delivered FIFO in publish order, at most once.
type Subscription struct {
	// Notifications is the channel the subscriber reads events from.
	Notifications <-chan Notification

	// Cancel tears down the subscription. It is safe to call more than
	// once.
	Cancel func()
}

// subscriber buffers one client's deliveries behind a concurrent queue so a
// slow consumer never blocks the publisher or its fellow subscribers.
type subscriber struct {
	queue *queue.ConcurrentQueue
	out   chan Notification

	canceled sync.Once
	quit     chan struct{}
}

// SubscriptionManager fans published notifications out to any number of
// subscribers. There is a single producer, the ingestion pipeline; delivery
// per subscriber is FIFO and at most once. A subscriber that misses events
// (e.g. it subscribed late) must tolerate a NewBlock whose previous top
// precedes its own view; the event's range covers the gap.
type SubscriptionManager struct {
	started sync.Once
	stopped sync.Once

	subscriberID uint64

	mtx         sync.Mutex
	subscribers map[uint64]*subscriber

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewSubscriptionManager creates an unstarted subscription manager.
func NewSubscriptionManager() *SubscriptionManager {
	return &SubscriptionManager{
		subscribers: make(map[uint64]*subscriber),
		quit:        make(chan struct{}),
	}
}

// Start begins delivery. Idempotent.
func (m *SubscriptionManager) Start() {
	m.started.Do(func() {})
}

// Stop cancels every subscription and prevents further publishes.
// Idempotent.
func (m *SubscriptionManager) Stop() {
	m.stopped.Do(func() {
		close(m.quit)

		m.mtx.Lock()
		subs := make([]*subscriber, 0, len(m.subscribers))
		for _, sub := range m.subscribers {
			subs = append(subs, sub)
		}
		m.subscribers = make(map[uint64]*subscriber)
		m.mtx.Unlock()

		for _, sub := range subs {
			sub.stop()
		}

		m.wg.Wait()
	})
}

// NewSubscription registers a new subscriber and returns its handle.
func (m *SubscriptionManager) NewSubscription() (*Subscription, error) {
	select {
	case <-m.quit:
		return nil, ErrManagerStopped
	default:
	}

	sub := &subscriber{
		queue: queue.NewConcurrentQueue(20),
		out:   make(chan Notification),
		quit:  make(chan struct{}),
	}
	sub.queue.Start()

	id := atomic.AddUint64(&m.subscriberID, 1)

	m.mtx.Lock()
	m.subscribers[id] = sub
	m.mtx.Unlock()

	// Drain the subscriber's queue into its delivery channel, preserving
	// order.
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		for {
			select {
			case item, ok := <-sub.queue.ChanOut():
				if !ok {
					return
				}
				ntfn := item.(Notification)

				select {
				case sub.out <- ntfn:
				case <-sub.quit:
					return
				case <-m.quit:
					return
				}

			case <-sub.quit:
				return

			case <-m.quit:
				return
			}
		}
	}()

	cancel := func() {
		m.mtx.Lock()
		delete(m.subscribers, id)
		m.mtx.Unlock()

		sub.stop()
	}

	return &Subscription{
		Notifications: sub.out,
		Cancel:        cancel,
	}, nil
}

// Publish delivers a notification to every current subscriber. Publishing
// after Stop is a no-op.
func (m *SubscriptionManager) Publish(ntfn Notification) {
	select {
	case <-m.quit:
		return
	default:
	}

	log.Tracef("Publishing notification: %v", ntfn)

	m.mtx.Lock()
	defer m.mtx.Unlock()

	for _, sub := range m.subscribers {
		select {
		case sub.queue.ChanIn() <- ntfn:
		case <-sub.quit:
		case <-m.quit:
			return
		}
	}
}

func (s *subscriber) stop() {
	s.canceled.Do(func() {
		close(s.quit)
		s.queue.Stop()
	})
}
