package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/box"

	"bridge-backend/internal/config"
	"bridge-backend/internal/types"
)

type operatorKeys struct {
	id      uint32
	signing ed25519.PrivateKey
	boxPub  *[32]byte
	boxSec  *[32]byte
}

// newOperatorSet generates identity material for n operators and the
// matching public peer list every operator's config would carry.
func newOperatorSet(t *testing.T, n int) ([]*operatorKeys, []config.PeerConfig) {
	t.Helper()
	keys := make([]*operatorKeys, 0, n)
	peers := make([]config.PeerConfig, 0, n)
	for i := 1; i <= n; i++ {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		boxPub, boxSec, err := box.GenerateKey(rand.Reader)
		require.NoError(t, err)
		keys = append(keys, &operatorKeys{id: uint32(i), signing: priv, boxPub: boxPub, boxSec: boxSec})
		peers = append(peers, config.PeerConfig{
			ID:               uint32(i),
			SigningPublicKey: hex.EncodeToString(pub),
			BoxPublicKey:     hex.EncodeToString(boxPub[:]),
		})
	}
	return keys, peers
}

func registryFor(t *testing.T, keys []*operatorKeys, peers []config.PeerConfig, id uint32) *Registry {
	t.Helper()
	k := keys[id-1]
	r, err := NewRegistry(&config.OperatorConfig{
		ParticipantID: id,
		SigningKey:    hex.EncodeToString(k.signing.Seed()),
		BoxKey:        hex.EncodeToString(k.boxSec[:]),
		Peers:         peers,
	})
	require.NoError(t, err)
	return r
}

func TestRegistryFromConfig(t *testing.T) {
	keys, peers := newOperatorSet(t, 3)
	r := registryFor(t, keys, peers, 2)

	assert.Equal(t, uint32(2), r.Self())
	assert.Equal(t, 3, r.Size())
	assert.Equal(t, []uint32{1, 2, 3}, r.IDs())
	assert.Equal(t, []uint32{1, 3}, r.Others())
	assert.Equal(t, keys[1].boxSec, r.BoxSecret())

	peer, ok := r.Peer(1)
	require.True(t, ok)
	assert.Equal(t, keys[0].signing.Public().(ed25519.PublicKey), peer.SigningKey)
	assert.Equal(t, keys[0].boxPub, peer.BoxKey)

	_, ok = r.Peer(9)
	assert.False(t, ok)
}

func TestRegistryRejectsBadConfig(t *testing.T) {
	keys, peers := newOperatorSet(t, 2)

	t.Run("signing key not hex", func(t *testing.T) {
		_, err := NewRegistry(&config.OperatorConfig{
			ParticipantID: 1,
			SigningKey:    "zz",
			BoxKey:        hex.EncodeToString(keys[0].boxSec[:]),
			Peers:         peers,
		})
		require.Error(t, err)
	})

	t.Run("box key wrong length", func(t *testing.T) {
		_, err := NewRegistry(&config.OperatorConfig{
			ParticipantID: 1,
			SigningKey:    hex.EncodeToString(keys[0].signing.Seed()),
			BoxKey:        "abcd",
			Peers:         peers,
		})
		require.Error(t, err)
	})

	t.Run("local operator missing from peers", func(t *testing.T) {
		_, err := NewRegistry(&config.OperatorConfig{
			ParticipantID: 9,
			SigningKey:    hex.EncodeToString(keys[0].signing.Seed()),
			BoxKey:        hex.EncodeToString(keys[0].boxSec[:]),
			Peers:         peers,
		})
		require.Error(t, err)
	})
}

func TestEnvelopeSignAndVerify(t *testing.T) {
	keys, _ := newOperatorSet(t, 2)

	env, err := NewEnvelope(MsgSignCommitment, "sess-1", RoundSignCommit, map[string]string{"k": "v"})
	require.NoError(t, err)
	env.Sender = 1
	env.SentAt = time.Now().UTC()
	env.sign(keys[0].signing)

	pub1 := keys[0].signing.Public().(ed25519.PublicKey)
	pub2 := keys[1].signing.Public().(ed25519.PublicKey)
	assert.True(t, env.verify(pub1))
	assert.False(t, env.verify(pub2), "signature binds the sender key")

	tampered := *env
	tampered.Payload = []byte(`{"k":"forged"}`)
	assert.False(t, tampered.verify(pub1))

	tampered = *env
	tampered.SessionID = "sess-2"
	assert.False(t, tampered.verify(pub1))

	tampered = *env
	tampered.Sender = 2
	assert.False(t, tampered.verify(pub1))

	tampered = *env
	tampered.Round = RoundSignShare
	assert.False(t, tampered.verify(pub1))
}

func TestCanonicalBytesAreUnambiguous(t *testing.T) {
	a := &Envelope{Type: "xy", SessionID: "z", Payload: []byte("p")}
	b := &Envelope{Type: "x", SessionID: "yz", Payload: []byte("p")}
	assert.NotEqual(t, a.canonicalBytes(), b.canonicalBytes(),
		"length prefixes keep shifted field boundaries apart")
}

func TestDedup(t *testing.T) {
	a := &Envelope{Type: MsgDKGCommitment, SessionID: "dkg-1", Sender: 1, Round: RoundDKGCommit}
	retransmit := &Envelope{Type: MsgDKGCommitment, SessionID: "dkg-1", Sender: 1, Round: RoundDKGCommit,
		Payload: []byte("different bytes, same logical message")}
	assert.Equal(t, a.dedupKey(), retransmit.dedupKey())

	other := &Envelope{Type: MsgDKGCommitment, SessionID: "dkg-1", Sender: 2, Round: RoundDKGCommit}
	assert.NotEqual(t, a.dedupKey(), other.dedupKey())

	cache := newDedupCache(time.Minute)
	assert.False(t, cache.Seen(a.dedupKey()))
	assert.True(t, cache.Seen(a.dedupKey()))
	assert.True(t, cache.Seen(retransmit.dedupKey()))
	assert.False(t, cache.Seen(other.dedupKey()))
}

func TestDedupExpiry(t *testing.T) {
	cache := newDedupCache(10 * time.Millisecond)
	key := "sign_share|s|1|2"
	assert.False(t, cache.Seen(key))
	time.Sleep(20 * time.Millisecond)
	assert.False(t, cache.Seen(key), "expired entries are seen again")
}

func TestSealAndOpenShare(t *testing.T) {
	keys, _ := newOperatorSet(t, 3)
	plain := []byte("secret polynomial evaluation")

	sealed, err := SealShare(plain, keys[1].boxPub, keys[0].boxSec)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), string(plain))

	opened, err := OpenShare(sealed, keys[0].boxPub, keys[1].boxSec)
	require.NoError(t, err)
	assert.Equal(t, plain, opened)

	// A third operator cannot open someone else's share.
	_, err = OpenShare(sealed, keys[0].boxPub, keys[2].boxSec)
	require.Error(t, err)

	// Nor does a flipped ciphertext byte authenticate.
	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0x01
	_, err = OpenShare(tampered, keys[0].boxPub, keys[1].boxSec)
	require.Error(t, err)

	_, err = OpenShare([]byte("short"), keys[0].boxPub, keys[1].boxSec)
	require.Error(t, err)
}

func TestNewEnvelopePayloadHandling(t *testing.T) {
	type ping struct {
		Seq int `json:"seq"`
	}

	env, err := NewEnvelope(MsgProcessed, "notice-1", RoundNotice, ping{Seq: 7})
	require.NoError(t, err)
	var out ping
	require.NoError(t, env.DecodePayload(&out))
	assert.Equal(t, 7, out.Seq)

	var wrong int
	err = env.DecodePayload(&wrong)
	require.Error(t, err)
	var terr *types.TransportError
	require.ErrorAs(t, err, &terr)

	_, err = NewEnvelope(MsgProcessed, "notice-2", RoundNotice, make(chan int))
	require.Error(t, err, "unmarshalable payloads are rejected at build time")
}

func recvEnvelope(t *testing.T, ch <-chan *Envelope) *Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return nil
	}
}

func TestMemoryNetworkDelivery(t *testing.T) {
	network := NewMemoryNetwork()
	inboxes := make(map[uint32]chan *Envelope)
	transports := make(map[uint32]Transport)
	for id := uint32(1); id <= 3; id++ {
		ch := make(chan *Envelope, 16)
		inboxes[id] = ch
		tr := network.Join(id)
		require.NoError(t, tr.Start(func(env *Envelope) { ch <- env }))
		transports[id] = tr
	}
	ctx := context.Background()

	env, err := NewEnvelope(MsgSignInit, "sess-1", RoundSignInit, map[string]uint64{"amount": 42})
	require.NoError(t, err)
	require.NoError(t, transports[1].Send(ctx, 2, env))

	got := recvEnvelope(t, inboxes[2])
	assert.Equal(t, MsgSignInit, got.Type)
	assert.Equal(t, uint32(1), got.Sender, "loopback stamps the sender")
	assert.False(t, got.SentAt.IsZero())
	assert.Empty(t, inboxes[1], "point-to-point reaches only the recipient")
	assert.Empty(t, inboxes[3])

	// Broadcast reaches the whole set, the sender included.
	bcast, err := NewEnvelope(MsgDKGCommitment, "dkg-1", RoundDKGCommit, map[string]string{})
	require.NoError(t, err)
	require.NoError(t, transports[3].Broadcast(ctx, bcast))
	for id := uint32(1); id <= 3; id++ {
		got := recvEnvelope(t, inboxes[id])
		assert.Equal(t, MsgDKGCommitment, got.Type)
		assert.Equal(t, uint32(3), got.Sender)
	}

	// A redelivery of the same logical message is absorbed.
	dup, err := NewEnvelope(MsgSignInit, "sess-1", RoundSignInit, map[string]uint64{"amount": 42})
	require.NoError(t, err)
	require.NoError(t, transports[1].Send(ctx, 2, dup))
	probe, err := NewEnvelope(MsgSignRequest, "sess-1", RoundSignRequest, map[string]string{})
	require.NoError(t, err)
	require.NoError(t, transports[1].Send(ctx, 2, probe))
	got = recvEnvelope(t, inboxes[2])
	assert.Equal(t, MsgSignRequest, got.Type, "duplicate was dropped, probe came straight through")

	// A departed member receives nothing and sends still succeed.
	require.NoError(t, transports[2].Close())
	again, err := NewEnvelope(MsgAttestation, "att-1", RoundAttestation, map[string]string{})
	require.NoError(t, err)
	require.NoError(t, transports[1].Send(ctx, 2, again))
	require.NoError(t, transports[1].Broadcast(ctx, again))
	got = recvEnvelope(t, inboxes[1])
	assert.Equal(t, MsgAttestation, got.Type)
	assert.Empty(t, inboxes[2])

	require.NoError(t, transports[1].Close())
	require.NoError(t, transports[3].Close())
}

func TestMemoryTransportStartOnce(t *testing.T) {
	network := NewMemoryNetwork()
	tr := network.Join(1)
	require.NoError(t, tr.Start(func(env *Envelope) {}))
	err := tr.Start(func(env *Envelope) {})
	require.ErrorIs(t, err, errAlreadyStarted)
	require.NoError(t, tr.Close())
}
