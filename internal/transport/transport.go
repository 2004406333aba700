// Package transport carries authenticated protocol messages among the
// fixed operator set. Implementations verify sender signatures and
// drop duplicates before dispatching to the handler, so the layers
// above only ever see authenticated, deduplicated envelopes.
package transport

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"bridge-backend/internal/config"
	"bridge-backend/internal/types"
)

// MessageType discriminates envelope payloads.
type MessageType string

const (
	MsgDKGInit        MessageType = "dkg_init"
	MsgDKGCommitment  MessageType = "dkg_commitment"
	MsgDKGShare       MessageType = "dkg_share"
	MsgDKGConfirm     MessageType = "dkg_confirm"
	MsgSignInit       MessageType = "sign_init"
	MsgSignCommitment MessageType = "sign_commitment"
	MsgSignRequest    MessageType = "sign_request"
	MsgSignShare      MessageType = "sign_share"
	MsgAttestation    MessageType = "attestation"
	MsgProcessed      MessageType = "processed"
)

// Protocol round numbers, part of the dedup key.
const (
	RoundAttestation = 0
	RoundNotice      = 0
	RoundDKGInit     = 0
	RoundDKGCommit   = 1
	RoundDKGShare    = 2
	RoundDKGConfirm  = 3
	RoundSignInit    = 1
	RoundSignCommit  = 1
	RoundSignRequest = 2
	RoundSignShare   = 2
)

// Envelope is the wire frame for every operator message. The payload
// is opaque JSON; Signature covers the canonical encoding of all other
// fields under the sender's ed25519 key.
type Envelope struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"sessionId"`
	Sender    uint32          `json:"sender"`
	Round     int             `json:"round"`
	Payload   json.RawMessage `json:"payload"`
	SentAt    time.Time       `json:"sentAt"`
	Signature []byte          `json:"signature"`
}

// NewEnvelope marshals the payload into an unsigned envelope. The
// transport fills Sender, SentAt and Signature on send.
func NewEnvelope(msgType MessageType, sessionID string, round int, payload interface{}) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, &types.TransportError{Op: "encode", Err: err}
	}
	return &Envelope{
		Type:      msgType,
		SessionID: sessionID,
		Round:     round,
		Payload:   raw,
	}, nil
}

// canonicalBytes is the signed byte layout: every field length-prefixed
// so no two distinct envelopes share an encoding.
func (e *Envelope) canonicalBytes() []byte {
	var buf []byte
	appendField := func(b []byte) {
		var length [4]byte
		binary.BigEndian.PutUint32(length[:], uint32(len(b)))
		buf = append(buf, length[:]...)
		buf = append(buf, b...)
	}
	appendField([]byte(e.Type))
	appendField([]byte(e.SessionID))
	var sender [4]byte
	binary.BigEndian.PutUint32(sender[:], e.Sender)
	appendField(sender[:])
	var round [4]byte
	binary.BigEndian.PutUint32(round[:], uint32(e.Round))
	appendField(round[:])
	appendField(e.Payload)
	var sentAt [8]byte
	binary.BigEndian.PutUint64(sentAt[:], uint64(e.SentAt.UnixNano()))
	appendField(sentAt[:])
	return buf
}

func (e *Envelope) sign(key ed25519.PrivateKey) {
	e.Signature = ed25519.Sign(key, e.canonicalBytes())
}

func (e *Envelope) verify(key ed25519.PublicKey) bool {
	return ed25519.Verify(key, e.canonicalBytes(), e.Signature)
}

// dedupKey identifies a logical message for at-least-once delivery.
func (e *Envelope) dedupKey() string {
	return fmt.Sprintf("%s|%s|%d|%d", e.Type, e.SessionID, e.Sender, e.Round)
}

// DecodePayload unmarshals the payload into out.
func (e *Envelope) DecodePayload(out interface{}) error {
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return &types.TransportError{Op: "decode", Participant: e.Sender, Err: err}
	}
	return nil
}

var errAlreadyStarted = fmt.Errorf("transport already started")

// Handler receives verified, deduplicated envelopes. Implementations
// invoke it from a single dispatch goroutine per transport.
type Handler func(env *Envelope)

// Transport sends and receives operator protocol messages.
type Transport interface {
	// Send delivers an envelope to one operator. Sending to the local
	// id loops back through the handler without touching the wire.
	Send(ctx context.Context, to uint32, env *Envelope) error
	// Broadcast delivers an envelope to every operator, including the
	// local one.
	Broadcast(ctx context.Context, env *Envelope) error
	// Start registers the inbound handler and begins dispatch.
	Start(handler Handler) error
	// Close tears the transport down.
	Close() error
}

// Peer is one operator endpoint's identity material.
type Peer struct {
	ID         uint32
	SigningKey ed25519.PublicKey
	BoxKey     *[32]byte
}

// Registry holds the static operator set from configuration along with
// the local operator's private keys.
type Registry struct {
	self       uint32
	signingKey ed25519.PrivateKey
	boxKey     *[32]byte
	peers      map[uint32]*Peer
}

// NewRegistry parses the configured operator set. Key material is hex:
// 32-byte ed25519 seeds and public keys, 32-byte curve25519 box keys.
func NewRegistry(cfg *config.OperatorConfig) (*Registry, error) {
	seed, err := decodeKey32(cfg.SigningKey)
	if err != nil {
		return nil, &types.ConfigurationError{Field: "operator.signingKey", Reason: err.Error()}
	}
	boxSecret, err := decodeKey32(cfg.BoxKey)
	if err != nil {
		return nil, &types.ConfigurationError{Field: "operator.boxKey", Reason: err.Error()}
	}

	r := &Registry{
		self:       cfg.ParticipantID,
		signingKey: ed25519.NewKeyFromSeed(seed[:]),
		boxKey:     boxSecret,
		peers:      make(map[uint32]*Peer, len(cfg.Peers)),
	}
	for _, peer := range cfg.Peers {
		signingPub, err := decodeKey32(peer.SigningPublicKey)
		if err != nil {
			return nil, &types.ConfigurationError{
				Field:  fmt.Sprintf("operator.peers[%d].signingPublicKey", peer.ID),
				Reason: err.Error(),
			}
		}
		boxPub, err := decodeKey32(peer.BoxPublicKey)
		if err != nil {
			return nil, &types.ConfigurationError{
				Field:  fmt.Sprintf("operator.peers[%d].boxPublicKey", peer.ID),
				Reason: err.Error(),
			}
		}
		r.peers[peer.ID] = &Peer{
			ID:         peer.ID,
			SigningKey: ed25519.PublicKey(signingPub[:]),
			BoxKey:     boxPub,
		}
	}
	if _, ok := r.peers[r.self]; !ok {
		return nil, &types.ConfigurationError{Field: "operator.peers", Reason: "local operator missing from peer list"}
	}
	return r, nil
}

func decodeKey32(hexKey string) (*[32]byte, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("not hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("got %d bytes, want 32", len(raw))
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}

// Self returns the local operator id.
func (r *Registry) Self() uint32 { return r.self }

// Peer looks up an operator's public identity.
func (r *Registry) Peer(id uint32) (*Peer, bool) {
	p, ok := r.peers[id]
	return p, ok
}

// BoxSecret returns the local curve25519 secret key.
func (r *Registry) BoxSecret() *[32]byte { return r.boxKey }

// IDs returns every operator id in ascending order.
func (r *Registry) IDs() []uint32 {
	ids := make([]uint32, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Others returns every operator id except the local one.
func (r *Registry) Others() []uint32 {
	var ids []uint32
	for _, id := range r.IDs() {
		if id != r.self {
			ids = append(ids, id)
		}
	}
	return ids
}

// Size returns the operator set size N.
func (r *Registry) Size() int { return len(r.peers) }

// dedupCache drops redeliveries of logical messages within a TTL
// window. At-least-once transports redeliver; the protocol needs to
// see each (type, session, sender, round) once.
type dedupCache struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
}

func newDedupCache(ttl time.Duration) *dedupCache {
	return &dedupCache{ttl: ttl, seen: make(map[string]time.Time)}
}

// Seen records the key and reports whether it was already present.
func (c *dedupCache) Seen(key string) bool {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if expiry, ok := c.seen[key]; ok && now.Before(expiry) {
		return true
	}
	c.seen[key] = now.Add(c.ttl)
	if len(c.seen) > 4096 {
		for k, expiry := range c.seen {
			if now.After(expiry) {
				delete(c.seen, k)
			}
		}
	}
	return false
}
