package pubsub

import (
	"sync"

	"github.com/weavernet/weaver/models"
)

// Lifecycle topics published by the engine and the block pool.
const (
	TopicBlockHeight       = "state.block.height"
	TopicUpdateBlockLatest = "update.block.latest"
	TopicCheckpointStart   = "update.checkpoint.start"
	TopicCheckpointEnd     = "state.checkpoint.end"
	TopicResyncFailed      = "state.resync.failed"
	TopicBlockMined        = "block.mined"
)

// Msg is the payload shape shared by all topics. Fields not meaningful for a
// topic are left zero.
type Msg struct {
	Key        string
	Data       *models.ParentBlock
	Force      bool
	Multiverse []*models.ParentBlock
	Purge      uint64
}

// Handler receives published messages.
type Handler func(topic string, msg *Msg)

// Subscription is a handle returned by Subscribe, used to unsubscribe.
type Subscription struct {
	id    uint64
	topic string
	fn    Handler
}

// Bus is an in-process topic bus. Delivery is synchronous to all listeners
// in subscription order on the publishing goroutine; listeners must not
// block the publisher for long. Topics are free-form strings.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]*Subscription
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]*Subscription)}
}

// Subscribe registers fn for topic and returns the subscription handle.
func (b *Bus) Subscribe(topic string, fn Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{id: b.nextID, topic: topic, fn: fn}
	b.subs[topic] = append(b.subs[topic], sub)
	return sub
}

// Unsubscribe removes a subscription. Safe to call more than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[sub.topic]
	for i, s := range list {
		if s.id == sub.id {
			b.subs[sub.topic] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Publish delivers msg to every listener of topic, in subscription order.
func (b *Bus) Publish(topic string, msg *Msg) {
	b.mu.RLock()
	list := append([]*Subscription{}, b.subs[topic]...)
	b.mu.RUnlock()

	for _, sub := range list {
		sub.fn(topic, msg)
	}
}
