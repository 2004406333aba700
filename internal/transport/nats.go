package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"bridge-backend/internal/config"
	"bridge-backend/internal/metrics"
	"bridge-backend/internal/types"
)

const publishAttempts = 3

// NATSTransport carries operator messages over NATS core subjects:
// <prefix>.<id> for point-to-point and <prefix>.broadcast for the
// whole set. Delivery is at-least-once from the protocol's point of
// view; the dedup cache absorbs redeliveries and broadcast echo.
type NATSTransport struct {
	conn     *nats.Conn
	registry *Registry
	prefix   string
	dedup    *dedupCache

	mu      sync.Mutex
	handler Handler
	subs    []*nats.Subscription

	// Inbound envelopes funnel through one dispatcher goroutine, so
	// handlers never run concurrently and may call Send/Broadcast
	// without deadlocking on their own delivery.
	inbox  chan *Envelope
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewNATSTransport connects to the configured NATS server.
func NewNATSTransport(cfg config.NATSConfig, registry *Registry) (*NATSTransport, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Timeout(time.Duration(cfg.Timeout)*time.Second),
		nats.ReconnectWait(time.Duration(cfg.ReconnectWait)*time.Second),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logrus.WithError(err).Warn("NATS disconnected")
			metrics.TransportConnected.Set(0)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logrus.WithField("url", nc.ConnectedUrl()).Info("NATS reconnected")
			metrics.TransportConnected.Set(1)
		}),
	)
	if err != nil {
		return nil, &types.TransportError{Op: "connect", Err: err}
	}
	metrics.TransportConnected.Set(1)

	return &NATSTransport{
		conn:     conn,
		registry: registry,
		prefix:   cfg.SubjectPrefix,
		dedup:    newDedupCache(10 * time.Minute),
		inbox:    make(chan *Envelope, 256),
		stopCh:   make(chan struct{}),
	}, nil
}

func (t *NATSTransport) subjectFor(id uint32) string {
	return fmt.Sprintf("%s.%d", t.prefix, id)
}

func (t *NATSTransport) broadcastSubject() string {
	return fmt.Sprintf("%s.broadcast", t.prefix)
}

// Start subscribes to the local and broadcast subjects.
func (t *NATSTransport) Start(handler Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handler != nil {
		return &types.TransportError{Op: "start", Err: errAlreadyStarted}
	}
	t.handler = handler

	for _, subject := range []string{t.subjectFor(t.registry.Self()), t.broadcastSubject()} {
		sub, err := t.conn.Subscribe(subject, func(msg *nats.Msg) {
			t.inbound(msg.Data)
		})
		if err != nil {
			return &types.TransportError{Op: "subscribe", Err: err}
		}
		t.subs = append(t.subs, sub)
	}

	t.wg.Add(1)
	go t.run()

	logrus.WithFields(logrus.Fields{
		"operator": t.registry.Self(),
		"subject":  t.subjectFor(t.registry.Self()),
	}).Info("✅ operator transport online")
	return nil
}

func (t *NATSTransport) run() {
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

func (t *NATSTransport) inbound(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		metrics.TransportDropped.WithLabelValues("decode").Inc()
		logrus.WithError(err).Warn("transport: dropping undecodable message")
		return
	}
	t.dispatch(&env)
}

// dispatch authenticates, deduplicates and queues the envelope for
// the protocol layer. Locally looped messages take the same path so
// every envelope the handler sees has passed the same checks.
func (t *NATSTransport) dispatch(env *Envelope) {
	metrics.TransportMessages.WithLabelValues("in", string(env.Type)).Inc()

	peer, ok := t.registry.Peer(env.Sender)
	if !ok {
		metrics.TransportDropped.WithLabelValues("unknown_sender").Inc()
		logrus.WithField("sender", env.Sender).Warn("transport: dropping message from unknown sender")
		return
	}
	if !env.verify(peer.SigningKey) {
		metrics.TransportDropped.WithLabelValues("signature").Inc()
		logrus.WithFields(logrus.Fields{
			"sender": env.Sender,
			"type":   env.Type,
		}).Warn("transport: dropping message with bad signature")
		return
	}
	if t.dedup.Seen(env.dedupKey()) {
		metrics.TransportDropped.WithLabelValues("duplicate").Inc()
		return
	}

	select {
	case t.inbox <- env:
	default:
		metrics.TransportDropped.WithLabelValues("backpressure").Inc()
		logrus.WithFields(logrus.Fields{
			"sender": env.Sender,
			"type":   env.Type,
		}).Warn("transport: inbox full, dropping message")
	}
}

func (t *NATSTransport) seal(env *Envelope) {
	env.Sender = t.registry.Self()
	env.SentAt = time.Now().UTC()
	env.sign(t.registry.signingKey)
}

// Send delivers one envelope point-to-point.
func (t *NATSTransport) Send(ctx context.Context, to uint32, env *Envelope) error {
	if _, ok := t.registry.Peer(to); !ok {
		return &types.TransportError{Op: "send", Participant: to, Err: fmt.Errorf("unknown operator")}
	}
	t.seal(env)
	metrics.TransportMessages.WithLabelValues("out", string(env.Type)).Inc()
	if to == t.registry.Self() {
		t.dispatch(env)
		return nil
	}
	return t.publish(ctx, t.subjectFor(to), to, env)
}

// Broadcast delivers an envelope to every operator. The local copy is
// dispatched directly; the broker echo is absorbed by dedup.
func (t *NATSTransport) Broadcast(ctx context.Context, env *Envelope) error {
	t.seal(env)
	metrics.TransportMessages.WithLabelValues("out", string(env.Type)).Inc()
	t.dispatch(env)
	return t.publish(ctx, t.broadcastSubject(), 0, env)
}

// publish retries with backoff. Peers that stay unreachable simply
// miss the round; the threshold logic tolerates that.
func (t *NATSTransport) publish(ctx context.Context, subject string, to uint32, env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return &types.TransportError{Op: "encode", Participant: to, Err: err}
	}

	backoff := 250 * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= publishAttempts; attempt++ {
		if lastErr = t.conn.Publish(subject, data); lastErr == nil {
			return nil
		}
		logrus.WithError(lastErr).WithFields(logrus.Fields{
			"subject": subject,
			"attempt": attempt,
		}).Warn("transport: publish failed")
		select {
		case <-ctx.Done():
			return &types.TransportError{Op: "publish", Participant: to, Err: ctx.Err()}
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return &types.TransportError{Op: "publish", Participant: to, Err: lastErr}
}

// Close drains subscriptions, stops dispatch and closes the
// connection.
func (t *NATSTransport) Close() error {
	t.mu.Lock()
	for _, sub := range t.subs {
		_ = sub.Unsubscribe()
	}
	t.subs = nil
	t.mu.Unlock()

	select {
	case <-t.stopCh:
	default:
		close(t.stopCh)
	}
	t.wg.Wait()

	if t.conn != nil && !t.conn.IsClosed() {
		t.conn.Close()
	}
	metrics.TransportConnected.Set(0)
	return nil
}
