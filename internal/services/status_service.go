package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"bridge-backend/internal/clients"
	"bridge-backend/internal/config"
	"bridge-backend/internal/frost"
	"bridge-backend/internal/metrics"
	"bridge-backend/internal/models"
	"bridge-backend/internal/repository"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Event types pushed over the status stream.
const (
	EventConnectionEstablished = "connection_established"
	EventDepositProcessed      = "deposit_processed"
	EventWithdrawalProcessed   = "withdrawal_processed"
)

// StatusEvent is the envelope for every status stream push.
type StatusEvent struct {
	Type         string      `json:"type"`
	Timestamp    string      `json:"timestamp"`
	MessageID    string      `json:"message_id"`
	UserIdentity string      `json:"user_identity,omitempty"`
	Data         interface{} `json:"data"`
}

// DepositEventData announces a finished mint.
type DepositEventData struct {
	SourceTxHash string `json:"source_tx_hash"`
	Subaddress   string `json:"subaddress"`
	UserIdentity string `json:"user_identity"`
	Amount       uint64 `json:"amount"` // piconero
	MintTxHash   string `json:"mint_tx_hash,omitempty"`
	ProcessedAt  string `json:"processed_at"`
}

// WithdrawalEventData announces a finished release.
type WithdrawalEventData struct {
	BurnTxHash    string `json:"burn_tx_hash"`
	MoneroAddress string `json:"monero_address"`
	Amount        uint64 `json:"amount"` // piconero
	MoneroTxHash  string `json:"monero_tx_hash,omitempty"`
	ProcessedAt   string `json:"processed_at"`
}

// ChainStatus is one chain's view in the info snapshot.
type ChainStatus struct {
	Height    uint64 `json:"height"`
	Watermark uint64 `json:"watermark"`
	Synced    bool   `json:"synced"`
}

// BridgeInfo is the public status snapshot served by the info endpoint.
type BridgeInfo struct {
	Asset          string      `json:"asset"`
	ParticipantID  uint32      `json:"participant_id"`
	Coordinator    bool        `json:"coordinator"`
	Threshold      int         `json:"threshold"`
	Operators      int         `json:"operators"`
	GroupPublicKey string      `json:"group_public_key,omitempty"`
	Monero         ChainStatus `json:"monero"`
	EVM            ChainStatus `json:"evm"`
	AddressCount   int64       `json:"address_count"`
	ActiveSessions int         `json:"active_sessions"`
	Subscribers    int         `json:"subscribers"`
	UptimeSeconds  int64       `json:"uptime_seconds"`
}

// StatusConn is one subscribed websocket client. A connection opened
// with a user identity receives only that identity's deposit events
// plus everything without a target; a connection without an identity
// receives all events.
type StatusConn struct {
	ID           string
	UserIdentity string
	Conn         *websocket.Conn
	Send         chan []byte
}

// NewStatusConn wraps an upgraded websocket connection. Hex identities
// are normalized to their checksummed form so routing matches the
// stored mappings.
func NewStatusConn(ws *websocket.Conn, userIdentity string) *StatusConn {
	if common.IsHexAddress(userIdentity) {
		userIdentity = common.HexToAddress(userIdentity).Hex()
	}
	return &StatusConn{
		ID:           fmt.Sprintf("conn_%d", time.Now().UnixNano()),
		UserIdentity: userIdentity,
		Conn:         ws,
		Send:         make(chan []byte, 64),
	}
}

// StatusService fans bridge completion events out to websocket
// subscribers and assembles the info snapshot. It is the orchestrator's
// Notifier, so pushes happen on the same records the ledger keeps.
type StatusService struct {
	cfg       *config.Config
	signer    *SigningService
	addresses *AddressService
	state     repository.StateRepository
	monero    *clients.MoneroClient
	evm       *clients.EVMClient

	mu          sync.RWMutex
	connections map[string]*StatusConn
	userConns   map[string][]*StatusConn

	events     chan StatusEvent
	register   chan *StatusConn
	unregister chan *StatusConn

	startedAt time.Time
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

func NewStatusService(
	cfg *config.Config,
	signer *SigningService,
	addresses *AddressService,
	state repository.StateRepository,
	monero *clients.MoneroClient,
	evm *clients.EVMClient,
) *StatusService {
	return &StatusService{
		cfg:         cfg,
		signer:      signer,
		addresses:   addresses,
		state:       state,
		monero:      monero,
		evm:         evm,
		connections: make(map[string]*StatusConn),
		userConns:   make(map[string][]*StatusConn),
		events:      make(chan StatusEvent, 256),
		register:    make(chan *StatusConn),
		unregister:  make(chan *StatusConn),
		startedAt:   time.Now(),
		stopChan:    make(chan struct{}),
	}
}

func (s *StatusService) Start() {
	s.wg.Add(1)
	go s.run()
	logrus.Info("📡 Status service started")
}

// Stop drains the hub and closes every subscriber connection.
func (s *StatusService) Stop() {
	close(s.stopChan)
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.connections {
		close(conn.Send)
		if conn.Conn != nil {
			conn.Conn.Close()
		}
	}
	s.connections = make(map[string]*StatusConn)
	s.userConns = make(map[string][]*StatusConn)
	metrics.StatusSubscribers.Set(0)
}

func (s *StatusService) run() {
	defer s.wg.Done()
	for {
		select {
		case conn := <-s.register:
			s.handleRegister(conn)
		case conn := <-s.unregister:
			s.handleUnregister(conn)
		case event := <-s.events:
			s.handleBroadcast(event)
		case <-s.stopChan:
			return
		}
	}
}

// Register subscribes a connection to the status stream.
func (s *StatusService) Register(conn *StatusConn) {
	select {
	case s.register <- conn:
	case <-s.stopChan:
	}
}

// Unregister removes a connection and closes it.
func (s *StatusService) Unregister(conn *StatusConn) {
	select {
	case s.unregister <- conn:
	case <-s.stopChan:
	}
}

func (s *StatusService) handleRegister(conn *StatusConn) {
	s.mu.Lock()
	s.connections[conn.ID] = conn
	s.userConns[conn.UserIdentity] = append(s.userConns[conn.UserIdentity], conn)
	total := len(s.connections)
	s.mu.Unlock()

	metrics.StatusSubscribers.Set(float64(total))
	logrus.WithFields(logrus.Fields{
		"connId":   conn.ID,
		"identity": conn.UserIdentity,
		"total":    total,
	}).Info("📱 Status subscriber registered")

	s.sendToConn(conn, StatusEvent{
		Type:      EventConnectionEstablished,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		MessageID: fmt.Sprintf("msg_%d", time.Now().UnixNano()),
		Data: map[string]interface{}{
			"connection_id": conn.ID,
			"user_identity": conn.UserIdentity,
		},
	})
}

func (s *StatusService) handleUnregister(conn *StatusConn) {
	s.mu.Lock()
	if _, ok := s.connections[conn.ID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.connections, conn.ID)
	conns := s.userConns[conn.UserIdentity]
	for i, c := range conns {
		if c.ID == conn.ID {
			s.userConns[conn.UserIdentity] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(s.userConns[conn.UserIdentity]) == 0 {
		delete(s.userConns, conn.UserIdentity)
	}
	total := len(s.connections)
	s.mu.Unlock()

	close(conn.Send)
	if conn.Conn != nil {
		conn.Conn.Close()
	}
	metrics.StatusSubscribers.Set(float64(total))
	logrus.WithFields(logrus.Fields{
		"connId":   conn.ID,
		"identity": conn.UserIdentity,
		"total":    total,
	}).Info("📱 Status subscriber unregistered")
}

func (s *StatusService) handleBroadcast(event StatusEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		logrus.WithError(err).Error("Failed to marshal status event")
		return
	}

	s.mu.RLock()
	var targets []*StatusConn
	if event.UserIdentity == "" {
		targets = make([]*StatusConn, 0, len(s.connections))
		for _, c := range s.connections {
			targets = append(targets, c)
		}
	} else {
		targets = append(targets, s.userConns[event.UserIdentity]...)
		targets = append(targets, s.userConns[""]...)
	}
	s.mu.RUnlock()

	sent := 0
	for _, conn := range targets {
		select {
		case conn.Send <- data:
			sent++
		default:
			logrus.WithField("connId", conn.ID).Warn("⚠️ Status subscriber send buffer full, dropping event")
		}
	}
	logrus.WithFields(logrus.Fields{
		"type":     event.Type,
		"identity": event.UserIdentity,
		"sent":     sent,
		"targets":  len(targets),
	}).Debug("Status event delivered")
}

func (s *StatusService) sendToConn(conn *StatusConn, event StatusEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		logrus.WithError(err).Error("Failed to marshal status event")
		return
	}
	select {
	case conn.Send <- data:
	default:
		logrus.WithField("connId", conn.ID).Warn("⚠️ Status subscriber send buffer full, dropping event")
	}
}

func (s *StatusService) push(event StatusEvent) {
	select {
	case s.events <- event:
	default:
		logrus.WithField("type", event.Type).Warn("⚠️ Status event queue full, dropping event")
	}
}

// DepositProcessed pushes a mint completion to the deposit's identity
// and to firehose subscribers.
func (s *StatusService) DepositProcessed(record *models.ProcessedDeposit) {
	s.push(StatusEvent{
		Type:         EventDepositProcessed,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		MessageID:    fmt.Sprintf("msg_%d", time.Now().UnixNano()),
		UserIdentity: record.UserIdentity,
		Data: DepositEventData{
			SourceTxHash: record.SourceTxHash,
			Subaddress:   record.Subaddress,
			UserIdentity: record.UserIdentity,
			Amount:       record.Amount,
			MintTxHash:   record.MintTxHash,
			ProcessedAt:  record.ProcessedAt.UTC().Format(time.RFC3339),
		},
	})
}

// WithdrawalProcessed pushes a release completion. Burns carry no user
// identity, so every subscriber receives it.
func (s *StatusService) WithdrawalProcessed(record *models.ProcessedWithdrawal) {
	s.push(StatusEvent{
		Type:      EventWithdrawalProcessed,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		MessageID: fmt.Sprintf("msg_%d", time.Now().UnixNano()),
		Data: WithdrawalEventData{
			BurnTxHash:    record.BurnTxHash,
			MoneroAddress: record.MoneroAddress,
			Amount:        record.Amount,
			MoneroTxHash:  record.MoneroTxHash,
			ProcessedAt:   record.ProcessedAt.UTC().Format(time.RFC3339),
		},
	})
}

// SubscriberCount reports currently connected status subscribers.
func (s *StatusService) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

// Snapshot assembles the info endpoint payload. Chain queries are best
// effort; a chain that cannot be reached reports height 0 and stays
// unsynced rather than failing the whole snapshot.
func (s *StatusService) Snapshot(ctx context.Context) *BridgeInfo {
	info := &BridgeInfo{
		Asset:          s.cfg.Bridge.Asset,
		ParticipantID:  s.cfg.Operator.ParticipantID,
		Coordinator:    s.cfg.Operator.IsCoordinator(),
		Threshold:      s.cfg.Operator.Threshold,
		Operators:      s.cfg.TotalOperators(),
		GroupPublicKey: s.signer.GroupKeyHex(),
		Subscribers:    s.SubscriberCount(),
		UptimeSeconds:  int64(time.Since(s.startedAt).Seconds()),
	}

	for _, sess := range s.signer.Sessions() {
		if sess.State != frost.StateVerified && sess.State != frost.StateAborted {
			info.ActiveSessions++
		}
	}

	if count, err := s.addresses.MappingCount(ctx); err == nil {
		info.AddressCount = count
	} else {
		logrus.WithError(err).Warn("Failed to count address mappings for snapshot")
	}

	if h, err := s.state.GetHeight(ctx, models.StateKeyDepositHeight); err == nil {
		info.Monero.Watermark = h
	}
	if h, err := s.state.GetHeight(ctx, models.StateKeyWithdrawalHeight); err == nil {
		info.EVM.Watermark = h
	}

	if daemon, err := s.monero.GetDaemonInfo(ctx); err == nil {
		info.Monero.Height = daemon.Height
		info.Monero.Synced = daemon.Synchronized
	} else if h, herr := s.monero.GetHeight(ctx); herr == nil {
		// No daemon configured; the wallet height is the next best signal.
		info.Monero.Height = h
		info.Monero.Synced = true
	}

	if h, err := s.evm.BlockNumber(ctx); err == nil {
		info.EVM.Height = h
		if synced, serr := s.evm.Synchronized(ctx); serr == nil {
			info.EVM.Synced = synced
		}
	}

	return info
}
