package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryBroker is an in-process pub/sub broker. It stands in for Redis when
// the API and worker share a process (dev mode, tests); subscribers in other
// processes see nothing, which matches the degrade-to-polling contract.
type MemoryBroker struct {
	mu   sync.RWMutex
	subs map[string]map[int]chan []byte
	next int
}

// NewMemoryBroker creates an empty in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[int]chan []byte)}
}

// Publish delivers a JSON-marshaled message to current subscribers of the
// channel. Slow subscribers drop messages rather than block the publisher.
func (b *MemoryBroker) Publish(ctx context.Context, channel string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[channel] {
		select {
		case ch <- data:
		default:
		}
	}
	return nil
}

// Subscribe registers a subscriber on the channel. The returned function
// removes the subscription and closes the message channel.
func (b *MemoryBroker) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	ch := make(chan []byte, 100)

	b.mu.Lock()
	id := b.next
	b.next++
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[int]chan []byte)
	}
	b.subs[channel][id] = ch
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if subs, ok := b.subs[channel]; ok {
			if _, ok := subs[id]; ok {
				delete(subs, id)
				close(ch)
			}
			if len(subs) == 0 {
				delete(b.subs, channel)
			}
		}
		b.mu.Unlock()
	}

	return ch, unsubscribe, nil
}
