package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bridge-backend/internal/clients"
	"bridge-backend/internal/config"
	"bridge-backend/internal/models"
)

func newHubOnlyService() *StatusService {
	return NewStatusService(&config.Config{}, nil, nil, nil, nil, nil)
}

func recvEvent(t *testing.T, conn *StatusConn) StatusEvent {
	t.Helper()
	select {
	case data, ok := <-conn.Send:
		require.True(t, ok, "send channel closed")
		var event StatusEvent
		require.NoError(t, json.Unmarshal(data, &event))
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("no status event delivered")
		return StatusEvent{}
	}
}

func TestStatusRoutingByIdentity(t *testing.T) {
	svc := newHubOnlyService()
	svc.Start()
	defer svc.Stop()

	firehose := &StatusConn{ID: "firehose", Send: make(chan []byte, 8)}
	user := NewStatusConn(nil, identityLower)
	user.ID = "user"
	other := NewStatusConn(nil, "0x000000000000000000000000000000000000dEaD")
	other.ID = "other"
	require.NotEqual(t, user.UserIdentity, other.UserIdentity)

	for _, conn := range []*StatusConn{firehose, user, other} {
		svc.Register(conn)
		hello := recvEvent(t, conn)
		assert.Equal(t, EventConnectionEstablished, hello.Type)
	}
	assert.Equal(t, 3, svc.SubscriberCount())

	// A mint completion goes to its identity and to untargeted
	// subscribers, and nobody else.
	deposit := &models.ProcessedDeposit{
		SourceTxHash: "aaaa",
		Amount:       7_000_000,
		Subaddress:   "8Bsub0_0",
		UserIdentity: user.UserIdentity,
		MintTxHash:   "0xmint",
		ProcessedAt:  time.Now(),
	}
	svc.DepositProcessed(deposit)

	for _, conn := range []*StatusConn{firehose, user} {
		event := recvEvent(t, conn)
		require.Equal(t, EventDepositProcessed, event.Type)
		assert.Equal(t, user.UserIdentity, event.UserIdentity)
		data, ok := event.Data.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "aaaa", data["source_tx_hash"])
		assert.Equal(t, float64(7_000_000), data["amount"])
		assert.Equal(t, "0xmint", data["mint_tx_hash"])
	}

	// Burns carry no identity, so everyone sees them. This is also the
	// proof the deposit skipped the other subscriber: its first event
	// after the handshake is the withdrawal.
	svc.WithdrawalProcessed(&models.ProcessedWithdrawal{
		BurnTxHash:    "0xburn",
		Amount:        3_000_000,
		MoneroAddress: "4Adest",
		MoneroTxHash:  "cafe",
		ProcessedAt:   time.Now(),
	})
	for _, conn := range []*StatusConn{firehose, user, other} {
		event := recvEvent(t, conn)
		require.Equal(t, EventWithdrawalProcessed, event.Type, "connection %s", conn.ID)
		assert.Empty(t, event.UserIdentity)
		data, ok := event.Data.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "0xburn", data["burn_tx_hash"])
	}
}

func TestStatusUnregisterStopsDelivery(t *testing.T) {
	svc := newHubOnlyService()
	svc.Start()
	defer svc.Stop()

	user := NewStatusConn(nil, identityLower)
	user.ID = "user"
	watcher := &StatusConn{ID: "watcher", Send: make(chan []byte, 8)}
	svc.Register(user)
	svc.Register(watcher)
	recvEvent(t, user)
	recvEvent(t, watcher)

	svc.Unregister(user)
	select {
	case _, ok := <-user.Send:
		assert.False(t, ok, "send channel should close on unregister")
	case <-time.After(2 * time.Second):
		t.Fatal("unregister did not close the send channel")
	}
	assert.Equal(t, 1, svc.SubscriberCount())

	// Events for the departed identity still reach the firehose.
	svc.DepositProcessed(&models.ProcessedDeposit{
		SourceTxHash: "bbbb",
		UserIdentity: user.UserIdentity,
		ProcessedAt:  time.Now(),
	})
	event := recvEvent(t, watcher)
	assert.Equal(t, EventDepositProcessed, event.Type)

	// Unregistering twice is harmless.
	svc.Unregister(user)
}

func TestStatusSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	svc := newHubOnlyService()
	svc.Start()
	defer svc.Stop()

	stuck := &StatusConn{ID: "stuck", Send: make(chan []byte, 1)}
	svc.Register(stuck)
	require.Eventually(t, func() bool { return svc.SubscriberCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	// The handshake filled the buffer. Further events must be dropped
	// without stalling the hub.
	for i := 0; i < 3; i++ {
		svc.WithdrawalProcessed(&models.ProcessedWithdrawal{
			BurnTxHash:  fmt.Sprintf("0x%04d", i),
			ProcessedAt: time.Now(),
		})
	}
	require.Eventually(t, func() bool { return len(svc.events) == 0 },
		2*time.Second, 10*time.Millisecond)

	// Only the handshake ever made it into the pinned buffer.
	assert.Equal(t, 1, len(stuck.Send))
	hello := recvEvent(t, stuck)
	assert.Equal(t, EventConnectionEstablished, hello.Type)

	// The hub is still serving other subscribers.
	probe := &StatusConn{ID: "probe", Send: make(chan []byte, 8)}
	svc.Register(probe)
	assert.Equal(t, EventConnectionEstablished, recvEvent(t, probe).Type)
}

func TestStatusStopClosesSubscribers(t *testing.T) {
	svc := newHubOnlyService()
	svc.Start()

	conn := &StatusConn{ID: "conn", Send: make(chan []byte, 8)}
	svc.Register(conn)
	recvEvent(t, conn)

	svc.Stop()
	select {
	case _, ok := <-conn.Send:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not close subscriber channels")
	}
	assert.Zero(t, svc.SubscriberCount())

	// Register after shutdown returns instead of blocking forever.
	svc.Register(&StatusConn{ID: "late", Send: make(chan []byte, 1)})
	assert.Zero(t, svc.SubscriberCount())
}

// evmRig answers just enough JSON-RPC for the snapshot: the chain id
// probe, the head block number and the sync poll.
func newEVMRig(t *testing.T, chainID string, head string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			return
		}
		var result string
		switch req.Method {
		case "net_version":
			result = fmt.Sprintf("%q", chainID)
		case "eth_blockNumber":
			result = fmt.Sprintf("%q", head)
		case "eth_syncing":
			result = "false"
		default:
			rw.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprintf(rw, `{"jsonrpc":"2.0","id":%s,"result":%s}`, req.ID, result)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestStatusSnapshot(t *testing.T) {
	cluster := newSignerCluster(t, 1, 1)
	cluster.establishKey(t, 0)

	wallet := newWalletRig(t, 0)
	wallet.height = 3_300_000
	evmServer := newEVMRig(t, "11155111", "0x64")
	evm, err := clients.NewEVMClient(config.EVMConfig{
		RPCEndpoints:   []string{evmServer.URL},
		ChainID:        11155111,
		BridgeContract: "0x00000000000000000000000000000000000000aa",
	})
	require.NoError(t, err)

	repo := newFakeAddressRepo()
	repo.seed("0x8ba1f109551bD432803012645Ac136ddd64DBA72", 0, "8Bone")
	repo.seed("0x0000000000000000000000000000000000000001", 1, "8Btwo")

	state := newMemKV()
	ctx := context.Background()
	require.NoError(t, state.SetHeight(ctx, models.StateKeyDepositHeight, 3_299_988))
	require.NoError(t, state.SetHeight(ctx, models.StateKeyWithdrawalHeight, 90))

	cfg := &config.Config{
		Bridge:   config.BridgeConfig{Asset: "XMR"},
		Operator: cluster.configs[0],
	}
	svc := NewStatusService(cfg, cluster.services[0],
		NewAddressService(repo, &fakeDeriver{}, 0), state, wallet.client(), evm)

	info := svc.Snapshot(ctx)
	assert.Equal(t, "XMR", info.Asset)
	assert.Equal(t, uint32(1), info.ParticipantID)
	assert.True(t, info.Coordinator)
	assert.Equal(t, 1, info.Threshold)
	assert.Equal(t, 1, info.Operators)
	assert.Equal(t, cluster.services[0].GroupKeyHex(), info.GroupPublicKey)
	assert.NotEmpty(t, info.GroupPublicKey)
	assert.Equal(t, int64(2), info.AddressCount)
	assert.Zero(t, info.ActiveSessions)
	assert.Zero(t, info.Subscribers)

	// No daemon is configured, so the wallet height stands in.
	assert.Equal(t, uint64(3_300_000), info.Monero.Height)
	assert.True(t, info.Monero.Synced)
	assert.Equal(t, uint64(3_299_988), info.Monero.Watermark)
	assert.Equal(t, uint64(100), info.EVM.Height)
	assert.True(t, info.EVM.Synced)
	assert.Equal(t, uint64(90), info.EVM.Watermark)
}
