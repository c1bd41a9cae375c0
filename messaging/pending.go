package messaging

import (
	"sync"
)

// pendingReplies tracks in-flight requests keyed by correlation id.
// Register happens-before publish so a fast responder can never race the
// waiter; replies arriving for unknown ids are dropped.
type pendingReplies struct {
	mu      sync.Mutex
	waiters map[string]chan *Envelope
}

func newPendingReplies() *pendingReplies {
	return &pendingReplies{waiters: make(map[string]chan *Envelope)}
}

// add registers a waiter and returns the channel its reply will arrive
// on. The channel is buffered so resolve never blocks on a waiter that
// already gave up.
func (p *pendingReplies) add(correlationId string) chan *Envelope {
	ch := make(chan *Envelope, 1)
	p.mu.Lock()
	p.waiters[correlationId] = ch
	p.mu.Unlock()
	return ch
}

// remove drops the waiter; called on timeout, cancellation, and publish
// failure. A delivered reply needs no remove: resolve drops the entry.
func (p *pendingReplies) remove(correlationId string) {
	p.mu.Lock()
	delete(p.waiters, correlationId)
	p.mu.Unlock()
}

// resolve hands env to the registered waiter. Returns false if no waiter
// is registered for the id (a late or stray reply, dropped).
func (p *pendingReplies) resolve(correlationId string, env *Envelope) bool {
	p.mu.Lock()
	ch, ok := p.waiters[correlationId]
	if ok {
		delete(p.waiters, correlationId)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- env
	return true
}

func (p *pendingReplies) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}
