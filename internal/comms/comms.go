// Package comms implements the Inter-Agent Comms bus of spec §4.8: a
// process-local publish/subscribe mechanism agents use to hand work and
// replies to one another, plus a request/reply helper with a timeout.
// It is a mutex-guarded handler list per agent id rather than one
// shared broadcast stream, since spec §4.8 addresses sends to a
// specific agent rather than broadcasting to every subscriber.
package comms

import (
	"context"
	"sync"
	"time"

	"github.com/nexuscore/core/internal/corerr"
	"github.com/nexuscore/core/internal/ids"
	"github.com/nexuscore/core/internal/model"
)

// Handler processes one inbound AgentMessage. Handlers run synchronously
// against the snapshot of subscribers taken at Send time (spec §4.8's
// ordering guarantee: a send is visible only to subscribers registered
// at the moment of the send).
type Handler func(ctx context.Context, msg model.AgentMessage)

// defaultWaitTimeout is SendAndWait's default when timeoutMs <= 0.
const defaultWaitTimeout = 30 * time.Second

type subscription struct {
	seq     uint64
	handler Handler
}

// Bus is the process-local pub/sub mechanism. The zero value is not
// usable; build with New.
type Bus struct {
	mu      sync.RWMutex
	nextSeq uint64
	subs    map[ids.AgentId][]subscription
	waiters map[string]chan model.AgentMessage // keyed by the original message's ID
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{
		subs:    make(map[ids.AgentId][]subscription),
		waiters: make(map[string]chan model.AgentMessage),
	}
}

// Subscribe registers handler to receive every message sent to agentID
// from this call forward. The returned func removes the registration;
// calling it more than once is a no-op.
func (b *Bus) Subscribe(agentID ids.AgentId, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextSeq++
	seq := b.nextSeq
	b.subs[agentID] = append(b.subs[agentID], subscription{seq: seq, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.subs[agentID]
			for i, s := range list {
				if s.seq == seq {
					b.subs[agentID] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
		})
	}
}

// Send dispatches msg to every subscriber currently registered for
// msg.ToAgentID, and — if msg.ReplyToID names a pending SendAndWait
// call — resolves that call too. Handlers run synchronously on the
// caller's goroutine, in subscription order; a handler that blocks
// delays delivery to subscribers after it — handlers are not fanned
// out onto their own goroutines.
func (b *Bus) Send(ctx context.Context, msg model.AgentMessage) {
	b.mu.RLock()
	subs := append([]subscription(nil), b.subs[msg.ToAgentID]...)
	var waiter chan model.AgentMessage
	if msg.ReplyToID != "" {
		waiter = b.waiters[msg.ReplyToID]
	}
	b.mu.RUnlock()

	for _, s := range subs {
		s.handler(ctx, msg)
	}

	if waiter != nil {
		select {
		case waiter <- msg:
		default:
		}
	}
}

// SendAndWait sends msg and blocks until a reply with ReplyToID ==
// msg.ID arrives or timeout elapses (default 30s when timeoutMs <= 0),
// failing with corerr.CodeAgentTimeout. The caller is responsible for
// msg.ID being non-empty and unique.
func (b *Bus) SendAndWait(ctx context.Context, msg model.AgentMessage, timeoutMs int) (model.AgentMessage, error) {
	timeout := defaultWaitTimeout
	if timeoutMs > 0 {
		timeout = time.Duration(timeoutMs) * time.Millisecond
	}

	waiter := make(chan model.AgentMessage, 1)
	b.mu.Lock()
	b.waiters[msg.ID] = waiter
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.waiters, msg.ID)
		b.mu.Unlock()
	}()

	b.Send(ctx, msg)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-waiter:
		return reply, nil
	case <-timer.C:
		return model.AgentMessage{}, corerr.Newf(corerr.CodeAgentTimeout,
			"no reply to message %s from agent %s within %s", msg.ID, msg.ToAgentID, timeout)
	case <-ctx.Done():
		return model.AgentMessage{}, corerr.Wrap(corerr.CodeAgentTimeout, ctx.Err())
	}
}
