package transport

import (
	"context"
	"sync"
	"time"

	"bridge-backend/internal/metrics"
	"bridge-backend/internal/types"
)

// MemoryNetwork wires a set of in-process transports together. A
// single-operator deployment runs the full protocol against itself
// through one member; tests run whole operator sets in one process.
// Members that never join, or have closed, silently receive nothing,
// which is exactly how an unreachable peer behaves.
type MemoryNetwork struct {
	mu      sync.RWMutex
	members map[uint32]*memoryTransport
}

// NewMemoryNetwork returns an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{members: make(map[uint32]*memoryTransport)}
}

// Join adds an operator endpoint and returns its transport.
func (n *MemoryNetwork) Join(id uint32) Transport {
	n.mu.Lock()
	defer n.mu.Unlock()
	member := &memoryTransport{
		id:      id,
		network: n,
		dedup:   newDedupCache(10 * time.Minute),
		inbox:   make(chan *Envelope, 256),
		stopCh:  make(chan struct{}),
	}
	n.members[id] = member
	return member
}

func (n *MemoryNetwork) deliver(to uint32, env *Envelope) {
	n.mu.RLock()
	member, ok := n.members[to]
	n.mu.RUnlock()
	if ok {
		member.receive(env)
	}
}

func (n *MemoryNetwork) deliverAll(env *Envelope) {
	n.mu.RLock()
	members := make([]*memoryTransport, 0, len(n.members))
	for _, member := range n.members {
		members = append(members, member)
	}
	n.mu.RUnlock()
	for _, member := range members {
		member.receive(env)
	}
}

func (n *MemoryNetwork) leave(id uint32) {
	n.mu.Lock()
	delete(n.members, id)
	n.mu.Unlock()
}

type memoryTransport struct {
	id      uint32
	network *MemoryNetwork
	dedup   *dedupCache

	mu      sync.Mutex
	handler Handler
	started bool

	inbox  chan *Envelope
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func (t *memoryTransport) Start(handler Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return &types.TransportError{Op: "start", Err: errAlreadyStarted}
	}
	t.started = true
	t.handler = handler
	t.wg.Add(1)
	go t.run()
	return nil
}

func (t *memoryTransport) run() {
	defer t.wg.Done()
	for {
		select {
		case env := <-t.inbox:
			t.mu.Lock()
			handler := t.handler
			t.mu.Unlock()
			if handler != nil {
				handler(env)
			}
		case <-t.stopCh:
			return
		}
	}
}

func (t *memoryTransport) receive(env *Envelope) {
	if t.dedup.Seen(env.dedupKey()) {
		metrics.TransportDropped.WithLabelValues("duplicate").Inc()
		return
	}
	select {
	case t.inbox <- env:
	case <-t.stopCh:
	}
}

// stamp copies the envelope with sender identity filled in, so a
// caller reusing an envelope for several sends cannot race receivers.
func (t *memoryTransport) stamp(env *Envelope) *Envelope {
	out := *env
	out.Sender = t.id
	out.SentAt = time.Now().UTC()
	return &out
}

func (t *memoryTransport) Send(ctx context.Context, to uint32, env *Envelope) error {
	t.network.deliver(to, t.stamp(env))
	return nil
}

func (t *memoryTransport) Broadcast(ctx context.Context, env *Envelope) error {
	t.network.deliverAll(t.stamp(env))
	return nil
}

func (t *memoryTransport) Close() error {
	t.network.leave(t.id)
	t.mu.Lock()
	started := t.started
	t.mu.Unlock()
	select {
	case <-t.stopCh:
	default:
		close(t.stopCh)
	}
	if started {
		t.wg.Wait()
	}
	return nil
}
