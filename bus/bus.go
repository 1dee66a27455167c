// Package bus defines the publish/subscribe boundary the gateway
// forwards decoded commands into and sources status events from. The
// in-process Broker serves the demo and tests; device deployments put
// a real broker behind the same interface.
package bus

import (
	"strings"
	"sync"
)

// Handler receives messages published to a matching topic.
type Handler func(topic string, payload []byte)

// Bus is the gateway's opaque collaborator interface.
type Bus interface {
	Publish(topic string, payload []byte) error
	Subscribe(pattern string, fn Handler)
}

type subscription struct {
	pattern string
	fn      Handler
}

// Broker is an in-process Bus with MQTT-style "#" suffix wildcards.
type Broker struct {
	mu   sync.RWMutex
	subs []subscription
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{}
}

// Subscribe registers a handler for a topic pattern. A pattern of
// "a/b/#" matches any topic under "a/b/"; "#" matches everything.
func (b *Broker) Subscribe(pattern string, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{pattern: pattern, fn: fn})
}

// Publish delivers the payload to every matching subscriber,
// synchronously and in subscription order.
func (b *Broker) Publish(topic string, payload []byte) error {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		if TopicMatches(s.pattern, topic) {
			s.fn(topic, payload)
		}
	}
	return nil
}

// TopicMatches reports whether a topic matches a subscription pattern.
func TopicMatches(pattern, topic string) bool {
	if pattern == "#" {
		return true
	}
	if base, ok := strings.CutSuffix(pattern, "/#"); ok {
		return topic == base || strings.HasPrefix(topic, base+"/")
	}
	return pattern == topic
}
