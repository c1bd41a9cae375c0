package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/scootdev/stitch/common/log"
	"github.com/scootdev/stitch/common/stats"
	"github.com/scootdev/stitch/common/trace"
	"github.com/scootdev/stitch/resilience"
)

// MemoryBus is an in-process topic exchange with the same delivery
// semantics as the AMQP bus: at-least-once, requeue-once on handler
// failure, correlation-id keyed request/reply. It backs tests and local
// runs where no broker is available.
//
// A MemoryBus is scoped to one process; requester and responder must
// share the instance.
var _ Bus = (*MemoryBus)(nil)

type MemoryBus struct {
	serviceName string
	rec         *stats.Recorder
	tracer      *trace.Tracer

	mu     sync.Mutex
	subs   []*memorySubscription
	closed bool
	wg     sync.WaitGroup

	pending    *pendingReplies
	replyQueue string
}

func NewMemoryBus(serviceName string, stat stats.StatsReceiver, tracer *trace.Tracer) (*MemoryBus, error) {
	id, err := newId()
	if err != nil {
		return nil, err
	}
	return &MemoryBus{
		serviceName: serviceName,
		rec:         stats.NewRecorder(stat),
		tracer:      tracer,
		pending:     newPendingReplies(),
		replyQueue:  fmt.Sprintf("%s.replies.%s", serviceName, id),
	}, nil
}

type memorySubscription struct {
	bus     *MemoryBus
	queue   string
	pattern string
	handler Handler
	active  bool
}

func (s *memorySubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.active = false
	return nil
}

func (b *MemoryBus) Subscribe(msgType string, handler Handler, routingKey string) (Subscription, error) {
	if routingKey == "" {
		routingKey = DefaultRoutingKey(msgType)
	}
	sub := &memorySubscription{
		bus:     b,
		queue:   fmt.Sprintf("%s.%s", b.serviceName, msgType),
		pattern: routingKey,
		handler: handler,
		active:  true,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	b.subs = append(b.subs, sub)
	return sub, nil
}

func (b *MemoryBus) Publish(ctx context.Context, payload interface{}, routingKey string) error {
	env, err := NewEnvelope(payload)
	if err != nil {
		return err
	}
	if routingKey == "" {
		routingKey = DefaultRoutingKey(env.Type)
	}
	return b.publishEnvelope(ctx, env, routingKey)
}

func (b *MemoryBus) publishEnvelope(ctx context.Context, env *Envelope, routingKey string) error {
	start := time.Now()
	ctx, span := b.tracer.StartSpan(ctx, "publish "+routingKey, trace.KindProducer)
	defer span.End()
	span.AddTag("messaging.routing_key", routingKey)
	span.AddTag("messaging.message_id", env.MessageId)

	// Propagate trace identity as the correlation id when none is set.
	if env.CorrelationId == "" {
		env.CorrelationId = span.TraceId()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.rec.RecordMessageOperation("publish", env.Type, "error", time.Since(start))
		return ErrBusClosed
	}
	var matched []*memorySubscription
	for _, sub := range b.subs {
		if sub.active && routingKeyMatches(sub.pattern, routingKey) {
			matched = append(matched, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range matched {
		b.wg.Add(1)
		go b.deliver(sub, env, false)
	}

	b.rec.RecordMessageOperation("publish", env.Type, "success", time.Since(start))
	return nil
}

// deliver runs the handler for one delivery. A failed delivery is
// redelivered exactly once; a second failure drops the message.
func (b *MemoryBus) deliver(sub *memorySubscription, env *Envelope, redelivered bool) {
	defer b.wg.Done()
	start := time.Now()
	ctx, span := b.tracer.StartSpan(context.Background(), "consume "+env.Type, trace.KindConsumer)
	defer span.End()
	span.AddTag("messaging.queue", sub.queue)
	span.AddTag("messaging.message_id", env.MessageId)

	err := runHandler(ctx, sub.handler, env)
	if err == nil {
		b.rec.RecordMessageOperation("consume", env.Type, "success", time.Since(start))
		return
	}

	if !redelivered {
		log.WithFields(map[string]interface{}{
			"queue":      sub.queue,
			"message_id": env.MessageId,
		}).Warn("handler failed, requeueing delivery once: ", err)
		b.rec.RecordMessageOperation("consume", env.Type, "requeued", time.Since(start))
		b.mu.Lock()
		active := sub.active && !b.closed
		b.mu.Unlock()
		if active {
			b.wg.Add(1)
			go b.deliver(sub, env, true)
		}
		return
	}

	log.WithFields(map[string]interface{}{
		"queue":      sub.queue,
		"message_id": env.MessageId,
	}).Error("handler failed on redelivery, dropping message: ", err)
	b.rec.RecordMessageOperation("consume", env.Type, "dropped", time.Since(start))
}

// runHandler confines handler panics to the delivery.
func runHandler(ctx context.Context, handler Handler, env *Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, env)
}

func (b *MemoryBus) Request(ctx context.Context, payload interface{}, routingKey string, timeout time.Duration) (*Envelope, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	env, err := NewEnvelope(payload)
	if err != nil {
		return nil, err
	}
	correlationId, err := newId()
	if err != nil {
		return nil, err
	}
	env.CorrelationId = correlationId
	env.ReplyTo = b.replyQueue
	if routingKey == "" {
		routingKey = DefaultRoutingKey(env.Type)
	}

	start := time.Now()

	// Insertion happens-before publish so a fast responder cannot race us.
	ch := b.pending.add(correlationId)
	if err := b.publishEnvelope(ctx, env, routingKey); err != nil {
		b.pending.remove(correlationId)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		b.rec.RecordMessageOperation("request", env.Type, "success", time.Since(start))
		return reply, nil
	case <-timer.C:
		b.pending.remove(correlationId)
		b.rec.RecordMessageOperation("request", env.Type, "timeout", time.Since(start))
		return nil, resilience.NewTimeoutError("request "+routingKey, timeout)
	case <-ctx.Done():
		b.pending.remove(correlationId)
		b.rec.RecordMessageOperation("request", env.Type, "cancelled", time.Since(start))
		return nil, ctx.Err()
	}
}

func (b *MemoryBus) Reply(ctx context.Context, req *Envelope, payload interface{}) error {
	if req.ReplyTo == "" {
		return fmt.Errorf("request %s carries no replyTo", req.MessageId)
	}
	env, err := NewEnvelope(payload)
	if err != nil {
		return err
	}
	env.CorrelationId = req.CorrelationId

	start := time.Now()
	if !b.pending.resolve(req.CorrelationId, env) {
		// Late reply: the requester timed out or was cancelled.
		log.Debugf("dropping reply for unknown correlation id %s", req.CorrelationId)
		b.rec.RecordMessageOperation("reply", env.Type, "dropped", time.Since(start))
		return nil
	}
	b.rec.RecordMessageOperation("reply", env.Type, "success", time.Since(start))
	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, sub := range b.subs {
		sub.active = false
	}
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}

// PendingRequests reports the number of in-flight request waiters.
func (b *MemoryBus) PendingRequests() int {
	return b.pending.count()
}
