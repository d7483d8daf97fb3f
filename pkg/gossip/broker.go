/*
Package gossip distributes per-timeline safekeeper state (flush/commit
LSN, term, backup_lsn) between peers of the same timeline, standing in
for the broker service spec.md §4.1 describes safekeepers pushing their
state to and pulling peers' state from. The broadcast/subscribe shape
is adapted from cuemby-warren's pkg/events event broker.
*/
package gossip

import (
	"sync"
	"time"

	"github.com/cuemby/strata/pkg/controlfile"
	"github.com/cuemby/strata/pkg/types"
)

// TimelineInfo is one safekeeper's self-reported state for a timeline,
// gossiped to its peers. It mirrors controlfile.PeerInfo plus an origin.
type TimelineInfo struct {
	TenantId   types.TenantId
	TimelineId types.TimelineId
	Peer       controlfile.PeerInfo
	Timestamp  time.Time
}

// Subscriber receives gossip updates for timelines it cares about.
type Subscriber chan *TimelineInfo

// Broker fans published TimelineInfo updates out to subscribers, the same
// way every peer's own state is pushed to every other peer's
// record_safekeeper_info handler.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]bool
	updateCh    chan *TimelineInfo
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker constructs a broker with a bounded internal queue.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		updateCh:    make(chan *TimelineInfo, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop in a new goroutine.
func (b *Broker) Start() { go b.run() }

// Stop halts distribution; safe to call more than once.
func (b *Broker) Stop() { b.stopOnce.Do(func() { close(b.stopCh) }) }

// Subscribe returns a channel that receives every published update until
// Unsubscribe is called.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes sub.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish enqueues info for broadcast to all current subscribers.
func (b *Broker) Publish(info *TimelineInfo) {
	if info.Timestamp.IsZero() {
		info.Timestamp = time.Now()
	}
	select {
	case b.updateCh <- info:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case info := <-b.updateCh:
			b.broadcast(info)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(info *TimelineInfo) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		select {
		case sub <- info:
		default:
			// subscriber is behind; gossip is best-effort, drop rather than block.
		}
	}
}

// SubscriberCount reports how many subscribers are currently registered.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
