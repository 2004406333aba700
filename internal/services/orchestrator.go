package services

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"bridge-backend/internal/clients"
	"bridge-backend/internal/config"
	"bridge-backend/internal/metrics"
	"bridge-backend/internal/models"
	"bridge-backend/internal/observer"
	"bridge-backend/internal/repository"
	"bridge-backend/internal/transport"
	"bridge-backend/internal/types"
)

const (
	retryDelayDefault  = time.Minute
	retryQueueCapacity = 64
	attestationSweep   = 15 * time.Minute
	attestationMaxAge  = 2 * time.Hour
)

// Notifier receives completed bridge actions for live status pushes.
type Notifier interface {
	DepositProcessed(record *models.ProcessedDeposit)
	WithdrawalProcessed(record *models.ProcessedWithdrawal)
}

// processedNoticePayload announces a finished action to the other
// operators so their ledgers and status APIs converge with the
// coordinator's.
type processedNoticePayload struct {
	Action        string `json:"action"`
	Key           string `json:"key"`
	Amount        uint64 `json:"amount"`
	Subaddress    string `json:"subaddress,omitempty"`
	UserIdentity  string `json:"user_identity,omitempty"`
	Destination   string `json:"destination,omitempty"`
	CounterpartTx string `json:"counterpart_tx,omitempty"`
}

// Orchestrator sequences observe, attest and sign, act, record for
// both bridge directions. Every operator attests what it observed; the
// coordinator additionally drives the signing session and performs the
// chain action. Each direction is consumed by one goroutine, so events
// process in the order their observer delivered them.
type Orchestrator struct {
	cfg       *config.Config
	deposits  *observer.Observer
	burns     *observer.Observer
	addresses *AddressService
	ledger    repository.LedgerRepository
	signer    *SigningService
	attested  *AttestationStore
	transport transport.Transport
	evm       *clients.EVMClient
	monero    *clients.MoneroClient
	notifier  Notifier

	retryDelay    time.Duration
	depositRetry  chan types.TransferEvent
	burnRetry     chan types.TransferEvent
	actionTimeout time.Duration

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewOrchestrator wires the bridge pipeline. notifier may be nil.
func NewOrchestrator(
	cfg *config.Config,
	deposits *observer.Observer,
	burns *observer.Observer,
	addresses *AddressService,
	ledger repository.LedgerRepository,
	signer *SigningService,
	attested *AttestationStore,
	tp transport.Transport,
	evm *clients.EVMClient,
	monero *clients.MoneroClient,
	notifier Notifier,
) *Orchestrator {
	timeout := time.Duration(cfg.Bridge.AttestationWait+cfg.Operator.SessionTimeout)*time.Second + 2*time.Minute
	return &Orchestrator{
		cfg:           cfg,
		deposits:      deposits,
		burns:         burns,
		addresses:     addresses,
		ledger:        ledger,
		signer:        signer,
		attested:      attested,
		transport:     tp,
		evm:           evm,
		monero:        monero,
		notifier:      notifier,
		retryDelay:    retryDelayDefault,
		depositRetry:  make(chan types.TransferEvent, retryQueueCapacity),
		burnRetry:     make(chan types.TransferEvent, retryQueueCapacity),
		actionTimeout: timeout,
		stopChan:      make(chan struct{}),
	}
}

// HandleEnvelope is the transport's inbound handler: processed notices
// are consumed here, everything else belongs to the threshold signer.
func (o *Orchestrator) HandleEnvelope(env *transport.Envelope) {
	if env.Type == transport.MsgProcessed {
		o.onProcessedNotice(env)
		return
	}
	o.signer.HandleEnvelope(env)
}

// Start launches the two direction loops and housekeeping.
func (o *Orchestrator) Start() {
	o.wg.Add(3)
	go o.depositLoop()
	go o.withdrawalLoop()
	go o.housekeeping()
	logrus.Info("bridge orchestrator started")
}

// Stop halts the loops. The observers are stopped by the caller first
// so the event channels drain and close.
func (o *Orchestrator) Stop() {
	close(o.stopChan)
	o.wg.Wait()
}

func (o *Orchestrator) depositLoop() {
	defer o.wg.Done()
	for {
		select {
		case <-o.stopChan:
			return
		case event, ok := <-o.deposits.Events():
			if !ok {
				return
			}
			o.processDeposit(event)
		case event := <-o.depositRetry:
			o.processDeposit(event)
		}
	}
}

func (o *Orchestrator) withdrawalLoop() {
	defer o.wg.Done()
	for {
		select {
		case <-o.stopChan:
			return
		case event, ok := <-o.burns.Events():
			if !ok {
				return
			}
			o.processWithdrawal(event)
		case event := <-o.burnRetry:
			o.processWithdrawal(event)
		}
	}
}

func (o *Orchestrator) housekeeping() {
	defer o.wg.Done()
	ticker := time.NewTicker(attestationSweep)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopChan:
			return
		case <-ticker.C:
			o.attested.Sweep(attestationMaxAge)
		}
	}
}

func (o *Orchestrator) processDeposit(event types.TransferEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), o.actionTimeout)
	defer cancel()
	if err := o.handleDeposit(ctx, event); err != nil {
		metrics.ActionSubmissionErrors.WithLabelValues(types.ActionMint).Inc()
		logrus.WithError(err).WithFields(logrus.Fields{
			"tx":     event.TxHash,
			"amount": event.Amount,
		}).Error("deposit handling failed, will retry")
		o.scheduleRetry(event, o.depositRetry)
	}
}

func (o *Orchestrator) processWithdrawal(event types.TransferEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), o.actionTimeout)
	defer cancel()
	if err := o.handleWithdrawal(ctx, event); err != nil {
		metrics.ActionSubmissionErrors.WithLabelValues(types.ActionRelease).Inc()
		logrus.WithError(err).WithFields(logrus.Fields{
			"tx":     event.TxHash,
			"amount": event.Amount,
		}).Error("withdrawal handling failed, will retry")
		o.scheduleRetry(event, o.burnRetry)
	}
}

// scheduleRetry requeues a failed event after a pause. The ledger
// leaves failed events unmarked and the observer holds its watermark
// under them, so even a dropped retry is recovered after restart.
func (o *Orchestrator) scheduleRetry(event types.TransferEvent, queue chan types.TransferEvent) {
	time.AfterFunc(o.retryDelay, func() {
		select {
		case queue <- event:
		case <-o.stopChan:
		default:
			logrus.WithField("tx", event.TxHash).Warn("retry queue full, event deferred to restart")
		}
	})
}

// handleDeposit runs the mint pipeline for one confirmed Monero
// deposit. Any error return leaves the event unmarked for retry; nil
// means the event reached a terminal outcome.
func (o *Orchestrator) handleDeposit(ctx context.Context, event types.TransferEvent) error {
	done, err := o.ledger.IsDepositProcessed(ctx, event.TxHash)
	if err != nil {
		return err
	}
	if done {
		o.deposits.Resolve(event.TxHash)
		return nil
	}

	// Attest the observable event first: every operator sees the
	// transfer and its amount, only the allocating operator can resolve
	// the recipient.
	msg := types.ActionMessage{
		Kind:   types.ActionMint,
		Asset:  o.cfg.Bridge.Asset,
		Amount: event.Amount,
		Nonce:  event.TxHash,
	}
	attDigest := hex.EncodeToString(msg.AttestationDigest())
	o.attested.RecordLocal(attDigest)
	o.broadcastAttestation(ctx, event.TxHash, types.ActionMint, attDigest)

	if !o.cfg.Operator.IsCoordinator() {
		// Attestation is this operator's whole contribution; the ledger
		// converges later through the coordinator's processed notice.
		o.deposits.Resolve(event.TxHash)
		return nil
	}

	mapping, err := o.addresses.ResolveBySubaddress(ctx, event.Address)
	if err != nil {
		return err
	}
	if mapping == nil {
		// Funds sent straight to the wallet, outside any issued deposit
		// address. They stay in the wallet; nothing is minted.
		logrus.WithFields(logrus.Fields{
			"tx":         event.TxHash,
			"subaddress": event.Address,
			"amount":     event.Amount,
		}).Warn("deposit to unissued subaddress, ignoring")
		o.deposits.Resolve(event.TxHash)
		return nil
	}
	msg.Recipient = mapping.UserIdentity

	sourceTx, err := txHash32(event.TxHash)
	if err != nil {
		logrus.WithError(err).WithField("tx", event.TxHash).Error("deposit carries unusable tx hash, ignoring")
		o.deposits.Resolve(event.TxHash)
		return nil
	}
	minted, err := o.evm.IsMinted(ctx, sourceTx)
	if err != nil {
		return err
	}

	mintTx := ""
	if minted {
		logrus.WithField("tx", event.TxHash).Warn("mint already on chain, recording without resubmission")
	} else {
		quorumCtx, cancel := context.WithTimeout(ctx, time.Duration(o.cfg.Bridge.AttestationWait)*time.Second)
		attestors, err := o.attested.WaitForQuorum(quorumCtx, attDigest, o.cfg.Operator.Threshold)
		cancel()
		if err != nil {
			return err
		}

		sig, err := o.signer.Sign(ctx, msg, attestors)
		if err != nil {
			return err
		}

		mintTx, err = o.evm.SubmitMint(ctx, sourceTx, common.HexToAddress(mapping.UserIdentity), new(big.Int).SetUint64(event.Amount), sig.Bytes())
		if err != nil {
			return err
		}
	}

	record := &models.ProcessedDeposit{
		SourceTxHash: event.TxHash,
		Amount:       event.Amount,
		Subaddress:   event.Address,
		UserIdentity: mapping.UserIdentity,
		MintTxHash:   mintTx,
	}
	if err := o.ledger.MarkDepositProcessed(ctx, record); err != nil {
		return err
	}
	o.deposits.Resolve(event.TxHash)
	metrics.DepositsProcessed.Inc()
	logrus.WithFields(logrus.Fields{
		"tx":        event.TxHash,
		"amount":    event.Amount,
		"recipient": mapping.UserIdentity,
		"mintTx":    mintTx,
	}).Info("✅ deposit bridged")

	o.announceProcessed(ctx, event.TxHash, processedNoticePayload{
		Action:        types.ActionMint,
		Key:           event.TxHash,
		Amount:        event.Amount,
		Subaddress:    event.Address,
		UserIdentity:  mapping.UserIdentity,
		CounterpartTx: mintTx,
	})
	if o.notifier != nil {
		o.notifier.DepositProcessed(record)
	}
	return nil
}

// handleWithdrawal runs the release pipeline for one confirmed burn.
func (o *Orchestrator) handleWithdrawal(ctx context.Context, event types.TransferEvent) error {
	done, err := o.ledger.IsWithdrawalProcessed(ctx, event.TxHash)
	if err != nil {
		return err
	}
	if done {
		o.burns.Resolve(event.TxHash)
		return nil
	}

	destination := event.Address
	if !plausibleMoneroAddress(destination) {
		logrus.WithFields(logrus.Fields{
			"tx":          event.TxHash,
			"destination": destination,
		}).Error("burn carries invalid destination, refusing release")
		o.burns.Resolve(event.TxHash)
		return nil
	}

	msg := types.ActionMessage{
		Kind:      types.ActionRelease,
		Asset:     o.cfg.Bridge.Asset,
		Amount:    event.Amount,
		Recipient: destination,
		Nonce:     event.TxHash,
	}
	attDigest := hex.EncodeToString(msg.AttestationDigest())
	o.attested.RecordLocal(attDigest)
	o.broadcastAttestation(ctx, event.TxHash, types.ActionRelease, attDigest)

	if !o.cfg.Operator.IsCoordinator() {
		o.burns.Resolve(event.TxHash)
		return nil
	}

	quorumCtx, cancel := context.WithTimeout(ctx, time.Duration(o.cfg.Bridge.AttestationWait)*time.Second)
	attestors, err := o.attested.WaitForQuorum(quorumCtx, attDigest, o.cfg.Operator.Threshold)
	cancel()
	if err != nil {
		return err
	}

	sig, err := o.signer.Sign(ctx, msg, attestors)
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"tx":        event.TxHash,
		"signature": sig.Hex(),
	}).Info("release authorized by operator group")

	moneroTx, err := o.monero.Transfer(ctx, o.cfg.Monero.AccountIndex, destination, event.Amount)
	if err != nil {
		return err
	}

	record := &models.ProcessedWithdrawal{
		BurnTxHash:    event.TxHash,
		Amount:        event.Amount,
		MoneroAddress: destination,
		MoneroTxHash:  moneroTx,
	}
	if err := o.ledger.MarkWithdrawalProcessed(ctx, record); err != nil {
		return err
	}
	o.burns.Resolve(event.TxHash)
	metrics.WithdrawalsProcessed.Inc()
	logrus.WithFields(logrus.Fields{
		"tx":          event.TxHash,
		"amount":      event.Amount,
		"destination": destination,
		"moneroTx":    moneroTx,
	}).Info("✅ withdrawal released")

	o.announceProcessed(ctx, event.TxHash, processedNoticePayload{
		Action:        types.ActionRelease,
		Key:           event.TxHash,
		Amount:        event.Amount,
		Destination:   destination,
		CounterpartTx: moneroTx,
	})
	if o.notifier != nil {
		o.notifier.WithdrawalProcessed(record)
	}
	return nil
}

func (o *Orchestrator) broadcastAttestation(ctx context.Context, key, action, digestHex string) {
	env, err := transport.NewEnvelope(transport.MsgAttestation, digestHex, transport.RoundAttestation, attestationPayload{
		Key:    key,
		Action: action,
		Digest: digestHex,
	})
	if err != nil {
		logrus.WithError(err).Error("cannot encode attestation")
		return
	}
	if err := o.transport.Broadcast(ctx, env); err != nil {
		logrus.WithError(err).WithField("tx", key).Warn("attestation broadcast failed")
	}
}

func (o *Orchestrator) announceProcessed(ctx context.Context, key string, payload processedNoticePayload) {
	env, err := transport.NewEnvelope(transport.MsgProcessed, key, transport.RoundNotice, payload)
	if err != nil {
		logrus.WithError(err).Error("cannot encode processed notice")
		return
	}
	if err := o.transport.Broadcast(ctx, env); err != nil {
		logrus.WithError(err).WithField("tx", key).Warn("processed notice broadcast failed")
	}
}

// onProcessedNotice copies the coordinator's completed action into the
// local ledger. Write-once semantics make replays harmless.
func (o *Orchestrator) onProcessedNotice(env *transport.Envelope) {
	if env.Sender != o.cfg.Operator.CoordinatorID || env.Sender == o.cfg.Operator.ParticipantID {
		return
	}
	var payload processedNoticePayload
	if err := env.DecodePayload(&payload); err != nil {
		logrus.WithError(err).Warn("undecodable processed notice")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch payload.Action {
	case types.ActionMint:
		record := &models.ProcessedDeposit{
			SourceTxHash: payload.Key,
			Amount:       payload.Amount,
			Subaddress:   payload.Subaddress,
			UserIdentity: payload.UserIdentity,
			MintTxHash:   payload.CounterpartTx,
		}
		if err := o.ledger.MarkDepositProcessed(ctx, record); err != nil {
			logrus.WithError(err).Warn("cannot record deposit notice")
			return
		}
		o.deposits.Resolve(payload.Key)
		if o.notifier != nil {
			o.notifier.DepositProcessed(record)
		}
	case types.ActionRelease:
		record := &models.ProcessedWithdrawal{
			BurnTxHash:    payload.Key,
			Amount:        payload.Amount,
			MoneroAddress: payload.Destination,
			MoneroTxHash:  payload.CounterpartTx,
		}
		if err := o.ledger.MarkWithdrawalProcessed(ctx, record); err != nil {
			logrus.WithError(err).Warn("cannot record withdrawal notice")
			return
		}
		o.burns.Resolve(payload.Key)
		if o.notifier != nil {
			o.notifier.WithdrawalProcessed(record)
		}
	default:
		logrus.WithField("action", payload.Action).Warn("processed notice with unknown action")
	}
}

// txHash32 decodes a 32-byte transaction hash, with or without the 0x
// prefix.
func txHash32(hash string) ([32]byte, error) {
	var out [32]byte
	decoded, err := hex.DecodeString(strings.TrimPrefix(hash, "0x"))
	if err != nil {
		return out, fmt.Errorf("tx hash %s is not hex: %w", hash, err)
	}
	if len(decoded) != len(out) {
		return out, fmt.Errorf("tx hash %s is %d bytes, want 32", hash, len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}

// plausibleMoneroAddress filters obviously malformed destinations
// before a release is attempted. The wallet RPC remains the final
// validator; this only stops garbage from cycling through signing.
func plausibleMoneroAddress(addr string) bool {
	if len(addr) != 95 && len(addr) != 106 {
		return false
	}
	switch addr[0] {
	case '4', '8', '5', '7', '9', 'A', 'B':
	default:
		return false
	}
	for _, r := range addr {
		switch {
		case r >= '1' && r <= '9':
		case r >= 'a' && r <= 'z' && r != 'l':
		case r >= 'A' && r <= 'Z' && r != 'I' && r != 'O':
		default:
			return false
		}
	}
	return true
}
