// Package bus implements the in-process message bus at the center of the
// data pipeline: topic-based publish/subscribe with wildcard patterns,
// and point-to-point endpoint messaging with correlated request/response.
//
// Delivery is synchronous on the publisher's goroutine, so publish order
// per topic is preserved by construction. A subscriber handler that
// panics is isolated: the panic is recovered, logged, and counted, and
// delivery continues to the remaining handlers. Using the bus after
// Close is a lifecycle-contract violation and panics.
package bus

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quantfabric/datacore/internal/metrics"
)

// Message is the envelope delivered to handlers. Point-to-point messages
// may carry a correlation id and a reply endpoint for request/response.
type Message struct {
	Topic         string
	Payload       any
	TsInit        time.Time
	CorrelationID uuid.UUID
	ReplyTo       string
}

// Handler consumes a delivered message. Handlers run synchronously on
// the publisher's goroutine and must not block.
type Handler func(msg Message)

type subscription struct {
	id      uuid.UUID
	pattern string
	handler Handler
	seq     uint64 // registration order, for deterministic delivery
}

// MessageBus routes published messages to pattern subscribers and
// point-to-point messages to named endpoints.
type MessageBus struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu        sync.RWMutex
	subs      map[uuid.UUID]*subscription
	ordered   []*subscription
	cache     map[string][]*subscription
	endpoints map[string]Handler
	nextSeq   uint64
	closed    bool
}

// New returns an open message bus.
func New(logger *zap.Logger, m *metrics.Metrics) *MessageBus {
	return &MessageBus{
		logger:    logger.Named("bus"),
		metrics:   m,
		subs:      make(map[uuid.UUID]*subscription),
		cache:     make(map[string][]*subscription),
		endpoints: make(map[string]Handler),
	}
}

func (b *MessageBus) checkOpen() {
	if b.closed {
		panic("bus: used after close")
	}
}

// Subscribe registers a handler for every topic matching the pattern and
// returns the subscription id.
func (b *MessageBus) Subscribe(pattern string, handler Handler) (uuid.UUID, error) {
	if handler == nil {
		return uuid.Nil, fmt.Errorf("subscribe %q: handler must not be nil", pattern)
	}
	if err := validatePattern(pattern); err != nil {
		return uuid.Nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkOpen()

	sub := &subscription{
		id:      uuid.New(),
		pattern: pattern,
		handler: handler,
		seq:     b.nextSeq,
	}
	b.nextSeq++
	b.subs[sub.id] = sub
	b.ordered = append(b.ordered, sub)
	b.cache = make(map[string][]*subscription)
	return sub.id, nil
}

// Unsubscribe removes a subscription. Messages already being delivered
// are not retracted; the removal applies to future publishes.
func (b *MessageBus) Unsubscribe(id uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkOpen()

	if _, ok := b.subs[id]; !ok {
		return fmt.Errorf("unsubscribe: unknown subscription %s", id)
	}
	delete(b.subs, id)
	for i, sub := range b.ordered {
		if sub.id == id {
			b.ordered = append(b.ordered[:i], b.ordered[i+1:]...)
			break
		}
	}
	b.cache = make(map[string][]*subscription)
	return nil
}

// HasSubscribers reports whether any subscription matches the topic.
func (b *MessageBus) HasSubscribers(topic string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.matched(topic)) > 0
}

// Publish delivers the payload to every subscriber whose pattern matches
// the topic, in subscription order. Zero matches is a no-op.
func (b *MessageBus) Publish(topic string, payload any) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		panic("bus: used after close")
	}
	matched := b.matched(topic)
	b.mu.RUnlock()

	b.metrics.PublishedTotal.WithLabelValues(topicDataType(topic)).Inc()
	if len(matched) == 0 {
		return
	}

	msg := Message{Topic: topic, Payload: payload, TsInit: time.Now().UTC()}
	for _, sub := range matched {
		b.deliver(sub.handler, msg)
	}
}

// matched returns subscriptions matching the topic, building and caching
// the match list on first use. Callers hold at least a read lock; cache
// writes re-take the write lock.
func (b *MessageBus) matched(topic string) []*subscription {
	if cached, ok := b.cache[topic]; ok {
		return cached
	}
	var matched []*subscription
	for _, sub := range b.ordered {
		if matchTopic(sub.pattern, topic) {
			matched = append(matched, sub)
		}
	}
	// Upgrade to fill the cache. Another writer may have raced us; the
	// recomputed value is identical under the same subscription set.
	b.mu.RUnlock()
	b.mu.Lock()
	if !b.closed {
		b.cache[topic] = matched
	}
	b.mu.Unlock()
	b.mu.RLock()
	return matched
}

func (b *MessageBus) deliver(h Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.HandlerPanics.Inc()
			b.logger.Error("handler panic during delivery",
				zap.String("topic", msg.Topic),
				zap.Any("panic", r),
			)
		}
	}()
	h(msg)
}

// RegisterEndpoint binds a point-to-point endpoint name to a handler.
func (b *MessageBus) RegisterEndpoint(name string, handler Handler) error {
	if name == "" || handler == nil {
		return fmt.Errorf("register endpoint: name and handler are required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkOpen()
	if _, exists := b.endpoints[name]; exists {
		return fmt.Errorf("register endpoint: %q already registered", name)
	}
	b.endpoints[name] = handler
	return nil
}

// DeregisterEndpoint removes an endpoint; unknown names are a no-op.
func (b *MessageBus) DeregisterEndpoint(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkOpen()
	delete(b.endpoints, name)
}

// Send delivers a message to a named endpoint.
func (b *MessageBus) Send(endpoint string, msg Message) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		panic("bus: used after close")
	}
	handler, ok := b.endpoints[endpoint]
	b.mu.RUnlock()

	if !ok {
		return fmt.Errorf("send: unknown endpoint %q", endpoint)
	}
	if msg.TsInit.IsZero() {
		msg.TsInit = time.Now().UTC()
	}
	b.deliver(handler, msg)
	return nil
}

// Request sends a correlated request to an endpoint. The receiver
// replies by sending to msg.ReplyTo with the same correlation id; the
// reply handler is one-shot and deregistered after the first reply.
func (b *MessageBus) Request(endpoint string, payload any, replyHandler Handler) (uuid.UUID, error) {
	if replyHandler == nil {
		return uuid.Nil, fmt.Errorf("request %q: reply handler must not be nil", endpoint)
	}
	correlationID := uuid.New()
	replyTo := "rpc.reply." + correlationID.String()

	b.mu.Lock()
	b.checkOpen()
	b.endpoints[replyTo] = func(msg Message) {
		b.DeregisterEndpoint(replyTo)
		replyHandler(msg)
	}
	b.mu.Unlock()

	err := b.Send(endpoint, Message{
		Payload:       payload,
		CorrelationID: correlationID,
		ReplyTo:       replyTo,
	})
	if err != nil {
		b.mu.Lock()
		delete(b.endpoints, replyTo)
		b.mu.Unlock()
		return uuid.Nil, err
	}
	return correlationID, nil
}

// SubscriptionCount returns the number of active pattern subscriptions.
func (b *MessageBus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close tears the bus down. Any use afterwards panics: publishing after
// shutdown is a programming defect, not a runtime condition.
func (b *MessageBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.subs = nil
	b.ordered = nil
	b.cache = nil
	b.endpoints = nil
	b.logger.Info("message bus closed")
}

// topicDataType extracts the data-type segment for metric labels.
func topicDataType(topic string) string {
	parts := strings.SplitN(topic, delimiter, 3)
	if len(parts) >= 2 && parts[0] == "data" {
		return parts[1]
	}
	return "other"
}
