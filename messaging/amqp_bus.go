package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/scootdev/stitch/common/log"
	"github.com/scootdev/stitch/common/stats"
	"github.com/scootdev/stitch/common/trace"
	"github.com/scootdev/stitch/resilience"
)

const heartbeatInterval = 60 * time.Second

var _ Bus = (*AMQPBus)(nil)

type BusConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	VirtualHost string

	// Durable topic exchange all traffic flows through.
	Exchange string

	// ServiceName prefixes subscriber queue names.
	ServiceName string

	// ConnectionName shows up in broker management tooling.
	ConnectionName string
}

func (c BusConfig) URL() string {
	vhost := c.VirtualHost
	if vhost == "/" {
		vhost = ""
	}
	return fmt.Sprintf("amqp://%s:%s@%s:%d/%s", c.User, c.Password, c.Host, c.Port, vhost)
}

// AMQPBus implements Bus over a topic exchange on an AMQP broker. The
// process owns one connection and one channel; publishes are serialized
// by the bus. On connection loss the bus reconnects with backoff and
// re-declares the exchange, the reply queue, and all active
// subscriptions. Failed publishes during reconnection surface to the
// caller, who decides on retry.
type AMQPBus struct {
	cfg    BusConfig
	rec    *stats.Recorder
	tracer *trace.Tracer

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	subs    []*amqpSubscription
	closed  bool

	pending    *pendingReplies
	replyQueue string
	done       chan struct{}
}

type amqpSubscription struct {
	bus         *AMQPBus
	msgType     string
	queue       string
	pattern     string
	handler     Handler
	consumerTag string
	cancelled   bool
}

func (s *amqpSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.cancelled = true
	if s.bus.channel == nil {
		return nil
	}
	return s.bus.channel.Cancel(s.consumerTag, false)
}

// DialBus connects to the broker, declares the topology, and starts the
// recovery loop.
func DialBus(cfg BusConfig, stat stats.StatsReceiver, tracer *trace.Tracer) (*AMQPBus, error) {
	if cfg.Port == 0 {
		cfg.Port = 5672
	}
	if cfg.VirtualHost == "" {
		cfg.VirtualHost = "/"
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "microservices.events"
	}

	id, err := newId()
	if err != nil {
		return nil, err
	}
	b := &AMQPBus{
		cfg:        cfg,
		rec:        stats.NewRecorder(stat),
		tracer:     tracer,
		pending:    newPendingReplies(),
		replyQueue: fmt.Sprintf("%s.replies.%s", cfg.ServiceName, id),
		done:       make(chan struct{}),
	}

	if err := b.connect(); err != nil {
		return nil, err
	}
	go b.recoveryLoop()
	return b, nil
}

func (b *AMQPBus) connect() error {
	conn, err := amqp.DialConfig(b.cfg.URL(), amqp.Config{
		Heartbeat: heartbeatInterval,
		Properties: amqp.Table{
			"connection_name": b.cfg.ConnectionName,
		},
	})
	if err != nil {
		return errors.Wrap(err, "dialing broker")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.conn = conn
	if err := b.setupLocked(); err != nil {
		conn.Close()
		return err
	}
	b.rec.SetActiveConnections(1)
	return nil
}

// setupLocked declares the exchange and reply queue and re-establishes
// all active subscriptions on the current connection. Caller holds b.mu.
func (b *AMQPBus) setupLocked() error {
	channel, err := b.conn.Channel()
	if err != nil {
		return errors.Wrap(err, "opening channel")
	}
	b.channel = channel

	if err := channel.ExchangeDeclare(b.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "declaring exchange %s", b.cfg.Exchange)
	}

	// The reply queue is exclusive to this process and auto-deletes with it.
	if _, err := channel.QueueDeclare(b.replyQueue, false, true, true, false, nil); err != nil {
		return errors.Wrapf(err, "declaring reply queue %s", b.replyQueue)
	}
	replies, err := channel.Consume(b.replyQueue, "", true, true, false, false, nil)
	if err != nil {
		return errors.Wrap(err, "consuming reply queue")
	}
	go b.replyLoop(replies)

	for _, sub := range b.subs {
		if sub.cancelled {
			continue
		}
		if err := b.bindLocked(sub); err != nil {
			return err
		}
	}
	return nil
}

func (b *AMQPBus) bindLocked(sub *amqpSubscription) error {
	if _, err := b.channel.QueueDeclare(sub.queue, true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "declaring queue %s", sub.queue)
	}
	if err := b.channel.QueueBind(sub.queue, sub.pattern, b.cfg.Exchange, false, nil); err != nil {
		return errors.Wrapf(err, "binding queue %s to %s", sub.queue, sub.pattern)
	}
	deliveries, err := b.channel.Consume(sub.queue, sub.consumerTag, false, false, false, false, nil)
	if err != nil {
		return errors.Wrapf(err, "consuming queue %s", sub.queue)
	}
	go b.consumeLoop(sub, deliveries)
	return nil
}

// recoveryLoop redials after a dropped connection until Close.
func (b *AMQPBus) recoveryLoop() {
	for {
		b.mu.Lock()
		conn := b.conn
		b.mu.Unlock()

		closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-b.done:
			return
		case amqpErr := <-closeCh:
			if amqpErr == nil {
				// Graceful close.
				return
			}
			log.Errorf("bus connection lost, reconnecting: %v", amqpErr)
			b.rec.SetActiveConnections(0)
		}

		redial := backoff.NewExponentialBackOff()
		redial.MaxElapsedTime = 0 // retry until Close
		for {
			select {
			case <-b.done:
				return
			default:
			}
			err := b.connect()
			if err == nil {
				log.Infof("bus reconnected to %s", b.cfg.Host)
				break
			}
			log.Errorf("bus reconnect failed: %v", err)
			select {
			case <-b.done:
				return
			case <-time.After(redial.NextBackOff()):
			}
		}
	}
}

func (b *AMQPBus) Publish(ctx context.Context, payload interface{}, routingKey string) error {
	env, err := NewEnvelope(payload)
	if err != nil {
		return err
	}
	if routingKey == "" {
		routingKey = DefaultRoutingKey(env.Type)
	}
	return b.publishEnvelope(ctx, env, b.cfg.Exchange, routingKey)
}

func (b *AMQPBus) publishEnvelope(ctx context.Context, env *Envelope, exchange, routingKey string) error {
	start := time.Now()
	ctx, span := b.tracer.StartSpan(ctx, "publish "+routingKey, trace.KindProducer)
	defer span.End()
	span.AddTag("messaging.routing_key", routingKey)
	span.AddTag("messaging.message_id", env.MessageId)

	// Propagate trace identity as the correlation id when none is set.
	if env.CorrelationId == "" {
		env.CorrelationId = span.TraceId()
	}

	body, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "marshaling envelope")
	}

	b.mu.Lock()
	channel := b.channel
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBusClosed
	}
	if channel == nil {
		return errors.New("bus connection is down")
	}

	err = channel.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.MessageId,
		Timestamp:     env.Timestamp,
		Type:          env.Type,
		CorrelationId: env.CorrelationId,
		ReplyTo:       env.ReplyTo,
		Body:          body,
	})
	status := "success"
	if err != nil {
		status = "error"
		span.SetStatus(trace.StatusError, err.Error())
	}
	b.rec.RecordMessageOperation("publish", env.Type, status, time.Since(start))
	if err != nil {
		return errors.Wrapf(err, "publishing %s", routingKey)
	}
	return nil
}

func (b *AMQPBus) Subscribe(msgType string, handler Handler, routingKey string) (Subscription, error) {
	if routingKey == "" {
		routingKey = DefaultRoutingKey(msgType)
	}
	tag, err := newId()
	if err != nil {
		return nil, err
	}
	sub := &amqpSubscription{
		bus:         b,
		msgType:     msgType,
		queue:       fmt.Sprintf("%s.%s", b.cfg.ServiceName, msgType),
		pattern:     routingKey,
		handler:     handler,
		consumerTag: tag,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	if err := b.bindLocked(sub); err != nil {
		return nil, err
	}
	b.subs = append(b.subs, sub)
	return sub, nil
}

func (b *AMQPBus) consumeLoop(sub *amqpSubscription, deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		go b.handleDelivery(sub, d)
	}
}

func (b *AMQPBus) handleDelivery(sub *amqpSubscription, d amqp.Delivery) {
	start := time.Now()
	ctx, span := b.tracer.StartSpan(context.Background(), "consume "+sub.queue, trace.KindConsumer)
	defer span.End()
	span.AddTag("messaging.queue", sub.queue)
	span.AddTag("messaging.message_id", d.MessageId)

	var env Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		// Unparseable message: reject without requeue, it will never parse.
		log.Errorf("dropping malformed message %s on %s: %v", d.MessageId, sub.queue, err)
		d.Reject(false)
		b.rec.RecordMessageOperation("consume", sub.msgType, "malformed", time.Since(start))
		return
	}

	err := runHandler(ctx, sub.handler, &env)
	switch {
	case err == nil:
		d.Ack(false)
		b.rec.RecordMessageOperation("consume", env.Type, "success", time.Since(start))
	case !d.Redelivered:
		// First failure: requeue once.
		log.Warnf("handler failed for %s on %s, requeueing once: %v", env.MessageId, sub.queue, err)
		d.Nack(false, true)
		b.rec.RecordMessageOperation("consume", env.Type, "requeued", time.Since(start))
	default:
		log.Errorf("handler failed for redelivered %s on %s, dropping: %v", env.MessageId, sub.queue, err)
		d.Nack(false, false)
		b.rec.RecordMessageOperation("consume", env.Type, "dropped", time.Since(start))
	}
}

func (b *AMQPBus) replyLoop(deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		var env Envelope
		if err := json.Unmarshal(d.Body, &env); err != nil {
			log.Errorf("dropping malformed reply %s: %v", d.MessageId, err)
			continue
		}
		if !b.pending.resolve(env.CorrelationId, &env) {
			log.Debugf("dropping reply for unknown correlation id %s", env.CorrelationId)
		}
	}
}

func (b *AMQPBus) Request(ctx context.Context, payload interface{}, routingKey string, timeout time.Duration) (*Envelope, error) {
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
	if err := b.publishEnvelope(ctx, env, b.cfg.Exchange, routingKey); err != nil {
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

func (b *AMQPBus) Reply(ctx context.Context, req *Envelope, payload interface{}) error {
	if req.ReplyTo == "" {
		return fmt.Errorf("request %s carries no replyTo", req.MessageId)
	}
	env, err := NewEnvelope(payload)
	if err != nil {
		return err
	}
	env.CorrelationId = req.CorrelationId

	// Replies go through the default exchange straight to the reply queue.
	return b.publishEnvelope(ctx, env, "", req.ReplyTo)
}

func (b *AMQPBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	conn := b.conn
	b.mu.Unlock()

	b.rec.SetActiveConnections(0)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// PendingRequests reports the number of in-flight request waiters.
func (b *AMQPBus) PendingRequests() int {
	return b.pending.count()
}
