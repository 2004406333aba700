package services

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"bridge-backend/internal/config"
	"bridge-backend/internal/frost"
	"bridge-backend/internal/metrics"
	"bridge-backend/internal/models"
	"bridge-backend/internal/repository"
	"bridge-backend/internal/transport"
	"bridge-backend/internal/types"
)

const (
	maxDKGAttempts   = 5
	sessionRetention = 10 * time.Minute
	reaperInterval   = 2 * time.Second
)

type dkgInitPayload struct {
	Participants []uint32 `json:"participants"`
	Threshold    int      `json:"threshold"`
	Attempt      int      `json:"attempt"`
}

type dkgConfirmPayload struct {
	GroupKey string `json:"group_key"`
}

type signInitPayload struct {
	Message types.ActionMessage `json:"message"`
	Signers []uint32            `json:"signers"`
}

type signRequestPayload struct {
	Digest      string                     `json:"digest"`
	Commitments []*frost.SigningCommitment `json:"commitments"`
}

type attestationPayload struct {
	Key    string `json:"key"`
	Action string `json:"action"`
	Digest string `json:"digest"`
}

// dkgCeremony is one in-flight key generation attempt.
type dkgCeremony struct {
	id         string
	attempt    int
	dkg        *frost.DKG
	sharesSent bool
	pending    *frost.KeyShare
	confirms   map[uint32]string
	deadline   time.Time
}

type signOutcome struct {
	sig *frost.Signature
	err error
}

// outbound defers transport sends until service locks are released.
type outbound struct {
	to        uint32
	broadcast bool
	env       *transport.Envelope
}

// SigningService drives the threshold protocol over the operator
// transport: the DKG ceremony that establishes the group key, and a
// two-round signing session per bridge action. The coordinator opens
// and aggregates sessions; every operator, coordinator included, runs
// the participant logic through the same handlers.
type SigningService struct {
	cfg       config.OperatorConfig
	registry  *transport.Registry
	transport transport.Transport
	keyshares repository.KeyShareRepository
	state     repository.StateRepository
	attested  *AttestationStore
	sessions  *frost.SessionRegistry

	mu         sync.Mutex
	keyShare   *frost.KeyShare
	ceremony   *dkgCeremony
	pendingDKG map[string][]*transport.Envelope
	waiters    map[string]chan signOutcome
	started    map[string]time.Time
	keyReady   chan struct{}
	readyOnce  bool

	dkgFatal chan error
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewSigningService wires the protocol driver. Call Start after the
// transport is running.
func NewSigningService(
	cfg config.OperatorConfig,
	registry *transport.Registry,
	tp transport.Transport,
	keyshares repository.KeyShareRepository,
	state repository.StateRepository,
	attested *AttestationStore,
) *SigningService {
	return &SigningService{
		cfg:        cfg,
		registry:   registry,
		transport:  tp,
		keyshares:  keyshares,
		state:      state,
		attested:   attested,
		sessions:   frost.NewSessionRegistry(),
		pendingDKG: make(map[string][]*transport.Envelope),
		waiters:    make(map[string]chan signOutcome),
		started:    make(map[string]time.Time),
		keyReady:   make(chan struct{}),
		dkgFatal:   make(chan error, 1),
		stopChan:   make(chan struct{}),
	}
}

// Start launches the session reaper.
func (s *SigningService) Start() {
	s.wg.Add(1)
	go s.reaper()
}

// Stop halts the reaper.
func (s *SigningService) Stop() {
	close(s.stopChan)
	s.wg.Wait()
}

func (s *SigningService) sessionTimeout() time.Duration {
	return time.Duration(s.cfg.SessionTimeout) * time.Second
}

func (s *SigningService) dkgTimeout() time.Duration {
	return time.Duration(s.cfg.DKGTimeout) * time.Second
}

// KeyShare returns the active key share, nil before DKG completes.
func (s *SigningService) KeyShare() *frost.KeyShare {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keyShare
}

// GroupKeyHex returns the group public key, empty before DKG.
func (s *SigningService) GroupKeyHex() string {
	ks := s.KeyShare()
	if ks == nil {
		return ""
	}
	hexKey, err := ks.GroupKeyHex()
	if err != nil {
		return ""
	}
	return hexKey
}

// Sessions snapshots the session registry for inspection endpoints.
func (s *SigningService) Sessions() []frost.SessionInfo {
	return s.sessions.Snapshot()
}

// EnsureKey loads the stored key share or, when none exists, runs the
// DKG ceremony. The coordinator initiates; participants join when the
// coordinator's opening broadcast arrives. Blocks until a key is
// active, the ceremony is declared fatal, or ctx ends.
func (s *SigningService) EnsureKey(ctx context.Context) error {
	if s.KeyShare() != nil {
		return nil
	}

	record, err := s.keyshares.Load(ctx, s.cfg.ParticipantID)
	if err != nil {
		return err
	}
	if record != nil {
		ks, err := frost.DecodeKeyShare(
			record.ParticipantID,
			record.Threshold,
			record.GroupPublicKey,
			record.SecretShare,
			record.PublicShares,
		)
		if err != nil {
			return fmt.Errorf("stored key share is corrupt: %w", err)
		}
		s.activateKeyShare(ks)
		logrus.WithFields(logrus.Fields{
			"participant": ks.ID,
			"threshold":   ks.Threshold,
			"groupSize":   len(ks.Participants),
		}).Info("✅ key share loaded")
		return nil
	}

	if s.cfg.IsCoordinator() {
		logrus.WithField("operators", s.registry.Size()).Info("no key share found, initiating DKG")
		s.initiateDKG(ctx, s.registry.IDs(), 1)
	} else {
		logrus.Info("no key share found, waiting for DKG ceremony")
	}

	select {
	case <-s.keyReady:
		return nil
	case err := <-s.dkgFatal:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RestartDKG discards the active key and runs a fresh ceremony over
// the full operator set. Coordinator only; the group key changes, so
// the verifying contract must be rotated alongside.
func (s *SigningService) RestartDKG(ctx context.Context) error {
	if !s.cfg.IsCoordinator() {
		return &types.ThresholdProtocolError{Phase: "dkg", Reason: "only the coordinator can restart DKG"}
	}
	s.mu.Lock()
	s.keyShare = nil
	if s.readyOnce {
		s.keyReady = make(chan struct{})
		s.readyOnce = false
	}
	s.ceremony = nil
	s.mu.Unlock()

	s.initiateDKG(ctx, s.registry.IDs(), 1)
	return nil
}

func (s *SigningService) initiateDKG(ctx context.Context, participants []uint32, attempt int) {
	ceremonyID := "dkg-" + uuid.NewString()
	env, err := transport.NewEnvelope(transport.MsgDKGInit, ceremonyID, transport.RoundDKGInit, dkgInitPayload{
		Participants: participants,
		Threshold:    s.cfg.Threshold,
		Attempt:      attempt,
	})
	if err != nil {
		logrus.WithError(err).Error("failed to build DKG init")
		return
	}
	logrus.WithFields(logrus.Fields{
		"ceremony":     ceremonyID,
		"participants": participants,
		"attempt":      attempt,
	}).Info("initiating DKG ceremony")
	if err := s.transport.Broadcast(ctx, env); err != nil {
		logrus.WithError(err).Error("failed to broadcast DKG init")
	}
}

// activateKeyShare installs a key share and releases EnsureKey waiters.
func (s *SigningService) activateKeyShare(ks *frost.KeyShare) {
	s.mu.Lock()
	s.keyShare = ks
	if !s.readyOnce {
		close(s.keyReady)
		s.readyOnce = true
	}
	s.mu.Unlock()
}

// HandleEnvelope dispatches one authenticated transport message. It is
// the transport's single inbound handler.
func (s *SigningService) HandleEnvelope(env *transport.Envelope) {
	switch env.Type {
	case transport.MsgDKGInit:
		s.onDKGInit(env)
	case transport.MsgDKGCommitment:
		s.onDKGCommitment(env)
	case transport.MsgDKGShare:
		s.onDKGShare(env)
	case transport.MsgDKGConfirm:
		s.onDKGConfirm(env)
	case transport.MsgSignInit:
		s.onSignInit(env)
	case transport.MsgSignCommitment:
		s.onSignCommitment(env)
	case transport.MsgSignRequest:
		s.onSignRequest(env)
	case transport.MsgSignShare:
		s.onSignShare(env)
	case transport.MsgAttestation:
		s.onAttestation(env)
	default:
		logrus.WithField("type", env.Type).Warn("ignoring unknown message type")
	}
}

func (s *SigningService) flush(out []outbound) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, msg := range out {
		var err error
		if msg.broadcast {
			err = s.transport.Broadcast(ctx, msg.env)
		} else {
			err = s.transport.Send(ctx, msg.to, msg.env)
		}
		if err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"type": msg.env.Type,
				"to":   msg.to,
			}).Warn("transport send failed")
		}
	}
}

// ---- DKG handlers ----

func (s *SigningService) onDKGInit(env *transport.Envelope) {
	if env.Sender != s.cfg.CoordinatorID {
		logrus.WithField("sender", env.Sender).Warn("ignoring DKG init from non-coordinator")
		return
	}
	var payload dkgInitPayload
	if err := env.DecodePayload(&payload); err != nil {
		logrus.WithError(err).Warn("undecodable DKG init")
		return
	}
	if payload.Threshold != s.cfg.Threshold {
		logrus.WithFields(logrus.Fields{
			"got":  payload.Threshold,
			"want": s.cfg.Threshold,
		}).Error("DKG init with mismatched threshold, refusing")
		return
	}

	self := s.cfg.ParticipantID
	inSet := false
	for _, id := range payload.Participants {
		if id == self {
			inSet = true
			break
		}
	}
	if !inSet {
		logrus.WithField("ceremony", env.SessionID).Warn("excluded from DKG ceremony, standing by")
		s.mu.Lock()
		s.ceremony = nil
		s.mu.Unlock()
		return
	}

	dkg, err := frost.NewDKG(self, payload.Threshold, payload.Participants)
	if err != nil {
		logrus.WithError(err).Error("cannot join DKG ceremony")
		return
	}

	commitEnv, err := transport.NewEnvelope(transport.MsgDKGCommitment, env.SessionID, transport.RoundDKGCommit, dkg.Commitment())
	if err != nil {
		logrus.WithError(err).Error("cannot encode DKG commitment")
		return
	}

	s.mu.Lock()
	s.ceremony = &dkgCeremony{
		id:       env.SessionID,
		attempt:  payload.Attempt,
		dkg:      dkg,
		confirms: make(map[uint32]string),
		deadline: time.Now().Add(s.dkgTimeout()),
	}
	buffered := s.pendingDKG[env.SessionID]
	// Anything buffered for older ceremonies is dead once a new one opens.
	s.pendingDKG = make(map[string][]*transport.Envelope)
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"ceremony":     env.SessionID,
		"participants": payload.Participants,
		"attempt":      payload.Attempt,
	}).Info("joined DKG ceremony")

	s.flush([]outbound{{broadcast: true, env: commitEnv}})
	for _, pended := range buffered {
		s.HandleEnvelope(pended)
	}
}

// bufferDKG parks an envelope for a ceremony this operator has not
// joined yet. Peer reactions to the coordinator's init can outrun the
// init itself across senders.
func (s *SigningService) bufferDKG(env *transport.Envelope) {
	if len(s.pendingDKG[env.SessionID]) < 128 {
		s.pendingDKG[env.SessionID] = append(s.pendingDKG[env.SessionID], env)
	}
}

func (s *SigningService) onDKGCommitment(env *transport.Envelope) {
	var msg frost.DKGCommitment
	if err := env.DecodePayload(&msg); err != nil {
		logrus.WithError(err).Warn("undecodable DKG commitment")
		return
	}
	if msg.ParticipantID != env.Sender {
		logrus.WithFields(logrus.Fields{
			"sender":  env.Sender,
			"claimed": msg.ParticipantID,
		}).Warn("DKG commitment sender mismatch, dropping")
		return
	}

	s.mu.Lock()
	c := s.ceremony
	if c == nil || c.id != env.SessionID {
		s.bufferDKG(env)
		s.mu.Unlock()
		return
	}
	if err := c.dkg.HandleCommitment(&msg); err != nil {
		s.mu.Unlock()
		logrus.WithError(err).WithField("participant", msg.ParticipantID).Error("rejected DKG commitment")
		return
	}
	out := s.advanceDKG(c)
	s.mu.Unlock()
	s.flush(out)
}

func (s *SigningService) onDKGShare(env *transport.Envelope) {
	var msg frost.DKGShare
	if err := env.DecodePayload(&msg); err != nil {
		logrus.WithError(err).Warn("undecodable DKG share")
		return
	}
	if msg.From != env.Sender || msg.To != s.cfg.ParticipantID {
		logrus.WithFields(logrus.Fields{
			"sender": env.Sender,
			"from":   msg.From,
			"to":     msg.To,
		}).Warn("DKG share addressing mismatch, dropping")
		return
	}
	peer, ok := s.registry.Peer(env.Sender)
	if !ok {
		return
	}
	plain, err := transport.OpenShare(msg.Share, peer.BoxKey, s.registry.BoxSecret())
	if err != nil {
		logrus.WithError(err).WithField("participant", msg.From).Error("cannot open sealed DKG share")
		return
	}

	s.mu.Lock()
	c := s.ceremony
	if c == nil || c.id != env.SessionID {
		s.bufferDKG(env)
		s.mu.Unlock()
		return
	}
	if err := c.dkg.HandleShare(&frost.DKGShare{From: msg.From, To: msg.To, Share: plain}); err != nil {
		s.mu.Unlock()
		logrus.WithError(err).WithField("participant", msg.From).Error("rejected DKG share")
		return
	}
	out := s.advanceDKG(c)
	s.mu.Unlock()
	s.flush(out)
}

func (s *SigningService) onDKGConfirm(env *transport.Envelope) {
	var payload dkgConfirmPayload
	if err := env.DecodePayload(&payload); err != nil {
		logrus.WithError(err).Warn("undecodable DKG confirm")
		return
	}

	s.mu.Lock()
	c := s.ceremony
	if c == nil || c.id != env.SessionID {
		s.bufferDKG(env)
		s.mu.Unlock()
		return
	}
	c.confirms[env.Sender] = payload.GroupKey
	out := s.settleDKG(c)
	s.mu.Unlock()
	s.flush(out)
}

// advanceDKG moves the ceremony forward after new round data: sends
// sealed shares once all commitments verified, finalizes and
// broadcasts the derived group key once all shares verified. Caller
// holds s.mu.
func (s *SigningService) advanceDKG(c *dkgCeremony) []outbound {
	var out []outbound

	if c.dkg.CommitmentsComplete() && !c.sharesSent {
		for _, id := range c.dkg.Participants() {
			if id == s.cfg.ParticipantID {
				continue
			}
			share, err := c.dkg.ShareFor(id)
			if err != nil {
				logrus.WithError(err).WithField("participant", id).Error("cannot evaluate DKG share")
				continue
			}
			peer, ok := s.registry.Peer(id)
			if !ok {
				continue
			}
			sealed, err := transport.SealShare(share.Share, peer.BoxKey, s.registry.BoxSecret())
			if err != nil {
				logrus.WithError(err).Error("cannot seal DKG share")
				continue
			}
			env, err := transport.NewEnvelope(transport.MsgDKGShare, c.id, transport.RoundDKGShare, frost.DKGShare{
				From:  share.From,
				To:    share.To,
				Share: sealed,
			})
			if err != nil {
				logrus.WithError(err).Error("cannot encode DKG share")
				continue
			}
			out = append(out, outbound{to: id, env: env})
		}
		c.sharesSent = true
	}

	if c.dkg.Ready() && c.pending == nil {
		ks, err := c.dkg.Finalize()
		if err != nil {
			logrus.WithError(err).Error("DKG finalization failed")
			return out
		}
		hexKey, err := ks.GroupKeyHex()
		if err != nil {
			logrus.WithError(err).Error("cannot encode group key")
			return out
		}
		c.pending = ks
		env, err := transport.NewEnvelope(transport.MsgDKGConfirm, c.id, transport.RoundDKGConfirm, dkgConfirmPayload{GroupKey: hexKey})
		if err != nil {
			logrus.WithError(err).Error("cannot encode DKG confirm")
			return out
		}
		out = append(out, outbound{broadcast: true, env: env})
	}
	return out
}

// settleDKG resolves the ceremony once every participant confirmed its
// derived group key. Identical keys activate and persist the share;
// any disagreement scraps the ceremony, and the coordinator restarts
// it. Caller holds s.mu.
func (s *SigningService) settleDKG(c *dkgCeremony) []outbound {
	if c.pending == nil || len(c.confirms) < len(c.dkg.Participants()) {
		return nil
	}
	ownKey, err := c.pending.GroupKeyHex()
	if err != nil {
		logrus.WithError(err).Error("cannot encode group key")
		return nil
	}

	for id, key := range c.confirms {
		if key != ownKey {
			logrus.WithFields(logrus.Fields{
				"participant": id,
				"theirs":      key,
				"ours":        ownKey,
			}).Error("group key mismatch across participants")
			metrics.DKGCeremonies.WithLabelValues("key_mismatch").Inc()
			participants := c.dkg.Participants()
			attempt := c.attempt
			s.ceremony = nil
			if s.cfg.IsCoordinator() {
				if attempt >= maxDKGAttempts {
					s.failDKG("group keys diverged after repeated attempts")
					return nil
				}
				go s.initiateDKG(context.Background(), participants, attempt+1)
			}
			return nil
		}
	}

	groupKeyHex, secretHex, sharesJSON, err := c.pending.Encode()
	if err != nil {
		logrus.WithError(err).Error("cannot encode key share for storage")
		s.failDKG("key share encoding failed")
		return nil
	}
	record := &models.OperatorKeyShare{
		ParticipantID:  c.pending.ID,
		Threshold:      c.pending.Threshold,
		GroupSize:      len(c.pending.Participants),
		GroupPublicKey: groupKeyHex,
		PublicShares:   sharesJSON,
		SecretShare:    secretHex,
		CreatedAt:      time.Now(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.keyshares.Save(ctx, record); err != nil {
		logrus.WithError(err).Error("cannot persist key share")
		s.failDKG("key share persistence failed")
		return nil
	}
	if err := s.state.Set(ctx, models.StateKeyGroupPublicKey, groupKeyHex); err != nil {
		logrus.WithError(err).Warn("cannot record group key in bridge state")
	}

	ks := c.pending
	s.ceremony = nil
	s.keyShare = ks
	if !s.readyOnce {
		close(s.keyReady)
		s.readyOnce = true
	}
	metrics.DKGCeremonies.WithLabelValues("completed").Inc()
	logrus.WithFields(logrus.Fields{
		"groupKey":  groupKeyHex,
		"threshold": ks.Threshold,
		"groupSize": len(ks.Participants),
	}).Info("✅ DKG ceremony completed")
	return nil
}

// failDKG signals EnsureKey that no key will materialize. Caller holds
// s.mu.
func (s *SigningService) failDKG(reason string) {
	metrics.DKGCeremonies.WithLabelValues("fatal").Inc()
	err := &types.ThresholdProtocolError{Phase: "dkg", Reason: reason, Fatal: true}
	select {
	case s.dkgFatal <- err:
	default:
	}
}

// ---- signing: coordinator ----

// Sign runs one threshold signing session over the message. eligible
// lists operators whose attestation for this digest is already held;
// the signer set is the local operator plus the lowest-id eligible
// participants up to exactly T. Blocks until the session reaches a
// terminal state or ctx ends.
func (s *SigningService) Sign(ctx context.Context, msg types.ActionMessage, eligible []uint32) (*frost.Signature, error) {
	if !s.cfg.IsCoordinator() {
		return nil, &types.ThresholdProtocolError{Phase: "sign", Reason: "only the coordinator opens sessions"}
	}
	ks := s.KeyShare()
	if ks == nil {
		return nil, &types.ThresholdProtocolError{Phase: "sign", Reason: "no active group key"}
	}

	digest := msg.Digest()
	if !s.attested.HasLocal(hex.EncodeToString(msg.AttestationDigest())) {
		return nil, &types.ThresholdProtocolError{Phase: "sign", Reason: "coordinator has not attested this message"}
	}

	signers, err := s.chooseSigners(ks, eligible)
	if err != nil {
		return nil, err
	}

	sessionID := uuid.NewString()
	deadline := time.Now().Add(s.sessionTimeout())
	sess := frost.NewSession(sessionID, signers, digest, msg.Canonical(), deadline)
	if err := s.sessions.Add(sess); err != nil {
		return nil, err
	}

	nonce, err := frost.NewNonce(s.cfg.ParticipantID)
	if err != nil {
		s.sessions.Remove(sessionID)
		return nil, fmt.Errorf("nonce generation failed: %w", err)
	}
	sess.BindNonce(nonce)

	outcome := make(chan signOutcome, 1)
	s.mu.Lock()
	s.waiters[sessionID] = outcome
	s.started[sessionID] = time.Now()
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"session": sessionID,
		"signers": signers,
		"kind":    msg.Kind,
		"nonce":   msg.Nonce,
	}).Info("opening signing session")

	var out []outbound
	for _, id := range signers {
		if id == s.cfg.ParticipantID {
			continue
		}
		env, err := transport.NewEnvelope(transport.MsgSignInit, sessionID, transport.RoundSignInit, signInitPayload{
			Message: msg,
			Signers: signers,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, outbound{to: id, env: env})
	}

	complete, err := sess.AddCommitment(nonce.Commitment())
	if err != nil {
		return nil, err
	}
	if complete {
		out = append(out, s.beginShareCollection(sess, ks)...)
	}
	s.flush(out)

	select {
	case result := <-outcome:
		return result.sig, result.err
	case <-ctx.Done():
		if sess.Abort(frost.AbortTimeout) {
			s.finishSession(sess)
		}
		return nil, ctx.Err()
	}
}

// chooseSigners intersects eligible attestors with the DKG participant
// set and picks the local operator plus the lowest ids up to T.
func (s *SigningService) chooseSigners(ks *frost.KeyShare, eligible []uint32) ([]uint32, error) {
	inGroup := make(map[uint32]bool, len(ks.Participants))
	for _, id := range ks.Participants {
		inGroup[id] = true
	}

	signers := []uint32{s.cfg.ParticipantID}
	for _, id := range eligible {
		if len(signers) == ks.Threshold {
			break
		}
		if id == s.cfg.ParticipantID || !inGroup[id] {
			continue
		}
		signers = append(signers, id)
	}
	if !inGroup[s.cfg.ParticipantID] {
		return nil, &types.ThresholdProtocolError{Phase: "sign", Reason: "local operator outside the key group"}
	}
	if len(signers) < ks.Threshold {
		return nil, &types.ThresholdProtocolError{
			Phase:  "sign",
			Reason: fmt.Sprintf("only %d of %d required signers attested", len(signers), ks.Threshold),
		}
	}
	return signers, nil
}

// beginShareCollection transitions a session with complete commitments
// into round 2: distribute the commitment list and contribute the
// local signature share.
func (s *SigningService) beginShareCollection(sess *frost.Session, ks *frost.KeyShare) []outbound {
	if err := sess.BeginShareCollection(); err != nil {
		logrus.WithError(err).Error("cannot enter share collection")
		return nil
	}
	list := sess.CommitmentList()
	digestHex := hex.EncodeToString(sess.Digest())

	var out []outbound
	for _, id := range sess.Signers() {
		if id == s.cfg.ParticipantID {
			continue
		}
		env, err := transport.NewEnvelope(transport.MsgSignRequest, sess.ID(), transport.RoundSignRequest, signRequestPayload{
			Digest:      digestHex,
			Commitments: list,
		})
		if err != nil {
			logrus.WithError(err).Error("cannot encode sign request")
			continue
		}
		out = append(out, outbound{to: id, env: env})
	}

	share, err := frost.SignShare(ks, sess.Nonce(), list, sess.Digest())
	if err != nil {
		logrus.WithError(err).Error("cannot produce local signature share")
		s.abortSession(sess, frost.AbortVerificationFailed)
		return out
	}
	complete, err := sess.AddShare(share)
	if err != nil {
		logrus.WithError(err).Error("cannot record local signature share")
		return out
	}
	if complete {
		s.aggregate(sess, ks)
	}
	return out
}

// aggregate combines a complete share set, verifies the result and
// resolves the session.
func (s *SigningService) aggregate(sess *frost.Session, ks *frost.KeyShare) {
	sig, err := frost.Aggregate(sess.ShareList(), sess.CommitmentList(), ks.GroupPublicKey, sess.Digest())
	if err != nil {
		logrus.WithError(err).WithField("session", sess.ID()).Error("aggregation failed")
		s.abortSession(sess, frost.AbortVerificationFailed)
		return
	}
	if err := sess.MarkAggregated(sig); err != nil {
		logrus.WithError(err).Error("cannot mark session aggregated")
		return
	}
	if err := sess.MarkVerified(); err != nil {
		logrus.WithError(err).Error("cannot mark session verified")
		return
	}
	logrus.WithFields(logrus.Fields{
		"session":   sess.ID(),
		"signature": sig.Hex(),
	}).Info("✅ signing session verified")
	s.finishSession(sess)
}

func (s *SigningService) abortSession(sess *frost.Session, reason frost.AbortReason) {
	if sess.Abort(reason) {
		s.finishSession(sess)
	}
}

// finishSession releases the nonce, wakes the waiting caller and
// records metrics. Safe to call once per terminal session.
func (s *SigningService) finishSession(sess *frost.Session) {
	if nonce := sess.Nonce(); nonce != nil {
		nonce.Zero()
	}

	info := sess.Info()
	s.mu.Lock()
	outcome, waiting := s.waiters[sess.ID()]
	delete(s.waiters, sess.ID())
	startedAt, tracked := s.started[sess.ID()]
	delete(s.started, sess.ID())
	s.mu.Unlock()

	if tracked {
		metrics.SigningSessionDuration.Observe(time.Since(startedAt).Seconds())
		switch info.State {
		case frost.StateVerified:
			metrics.SigningSessions.WithLabelValues("verified", "").Inc()
		case frost.StateAborted:
			metrics.SigningSessions.WithLabelValues("aborted", string(info.Reason)).Inc()
		}
	}

	if waiting {
		if info.State == frost.StateVerified {
			outcome <- signOutcome{sig: sess.Signature()}
		} else {
			outcome <- signOutcome{err: &types.ThresholdProtocolError{
				SessionID: sess.ID(),
				Phase:     "sign",
				Reason:    string(info.Reason),
			}}
		}
	}
}

func (s *SigningService) onSignCommitment(env *transport.Envelope) {
	if !s.cfg.IsCoordinator() {
		return
	}
	sess, ok := s.sessions.Get(env.SessionID)
	if !ok {
		return
	}
	var commitment frost.SigningCommitment
	if err := env.DecodePayload(&commitment); err != nil {
		logrus.WithError(err).Warn("undecodable signing commitment")
		return
	}
	if commitment.ParticipantID != env.Sender {
		logrus.WithFields(logrus.Fields{
			"sender":  env.Sender,
			"claimed": commitment.ParticipantID,
		}).Warn("signing commitment sender mismatch")
		return
	}
	complete, err := sess.AddCommitment(&commitment)
	if err != nil {
		logrus.WithError(err).WithField("session", sess.ID()).Error("rejected signing commitment")
		s.abortSession(sess, frost.AbortMessageMismatch)
		return
	}
	if complete {
		ks := s.KeyShare()
		if ks == nil {
			s.abortSession(sess, frost.AbortVerificationFailed)
			return
		}
		s.flush(s.beginShareCollection(sess, ks))
	}
}

func (s *SigningService) onSignShare(env *transport.Envelope) {
	if !s.cfg.IsCoordinator() {
		return
	}
	sess, ok := s.sessions.Get(env.SessionID)
	if !ok {
		return
	}
	var share frost.SignatureShare
	if err := env.DecodePayload(&share); err != nil {
		logrus.WithError(err).Warn("undecodable signature share")
		return
	}
	if share.ParticipantID != env.Sender {
		logrus.WithFields(logrus.Fields{
			"sender":  env.Sender,
			"claimed": share.ParticipantID,
		}).Warn("signature share sender mismatch")
		return
	}
	ks := s.KeyShare()
	if ks == nil {
		return
	}
	publicShare, ok := ks.PublicShares[share.ParticipantID]
	if !ok {
		logrus.WithField("participant", share.ParticipantID).Warn("signature share from outside the key group")
		return
	}
	if err := frost.VerifyShare(&share, publicShare, ks.GroupPublicKey, sess.CommitmentList(), sess.Digest()); err != nil {
		logrus.WithError(err).WithField("session", sess.ID()).Error("invalid signature share")
		s.abortSession(sess, frost.AbortVerificationFailed)
		return
	}
	complete, err := sess.AddShare(&share)
	if err != nil {
		logrus.WithError(err).WithField("session", sess.ID()).Error("rejected signature share")
		s.abortSession(sess, frost.AbortMessageMismatch)
		return
	}
	if complete {
		s.aggregate(sess, ks)
	}
}

// ---- signing: participant ----

func (s *SigningService) onSignInit(env *transport.Envelope) {
	if env.Sender != s.cfg.CoordinatorID {
		logrus.WithField("sender", env.Sender).Warn("ignoring sign init from non-coordinator")
		return
	}
	if _, exists := s.sessions.Get(env.SessionID); exists {
		return
	}
	var payload signInitPayload
	if err := env.DecodePayload(&payload); err != nil {
		logrus.WithError(err).Warn("undecodable sign init")
		return
	}
	ks := s.KeyShare()
	if ks == nil {
		logrus.Warn("sign init before DKG completed, ignoring")
		return
	}

	inSet := false
	for _, id := range payload.Signers {
		if id == s.cfg.ParticipantID {
			inSet = true
			break
		}
	}
	if !inSet {
		return
	}

	// Binding check: refuse unless this operator independently attested
	// the underlying chain event. A forged or premature request dies
	// here, before any nonce exists.
	digest := payload.Message.Digest()
	if !s.attested.HasLocal(hex.EncodeToString(payload.Message.AttestationDigest())) {
		logrus.WithFields(logrus.Fields{
			"session": env.SessionID,
			"kind":    payload.Message.Kind,
			"nonce":   payload.Message.Nonce,
		}).Warn("refusing to sign unattested message")
		return
	}

	sess := frost.NewSession(env.SessionID, payload.Signers, digest, payload.Message.Canonical(), time.Now().Add(s.sessionTimeout()))
	if err := s.sessions.Add(sess); err != nil {
		logrus.WithError(err).Warn("cannot register session")
		return
	}
	nonce, err := frost.NewNonce(s.cfg.ParticipantID)
	if err != nil {
		logrus.WithError(err).Error("nonce generation failed")
		s.sessions.Remove(env.SessionID)
		return
	}
	sess.BindNonce(nonce)
	if _, err := sess.AddCommitment(nonce.Commitment()); err != nil {
		logrus.WithError(err).Error("cannot record own commitment")
		return
	}

	reply, err := transport.NewEnvelope(transport.MsgSignCommitment, env.SessionID, transport.RoundSignCommit, nonce.Commitment())
	if err != nil {
		logrus.WithError(err).Error("cannot encode signing commitment")
		return
	}
	logrus.WithFields(logrus.Fields{
		"session": env.SessionID,
		"kind":    payload.Message.Kind,
		"nonce":   payload.Message.Nonce,
	}).Info("joined signing session")
	s.flush([]outbound{{to: env.Sender, env: reply}})
}

func (s *SigningService) onSignRequest(env *transport.Envelope) {
	if env.Sender != s.cfg.CoordinatorID {
		return
	}
	sess, ok := s.sessions.Get(env.SessionID)
	if !ok {
		return
	}
	var payload signRequestPayload
	if err := env.DecodePayload(&payload); err != nil {
		logrus.WithError(err).Warn("undecodable sign request")
		return
	}

	// The request must target exactly the digest this operator
	// committed to, and must carry our commitment unaltered.
	if payload.Digest != hex.EncodeToString(sess.Digest()) {
		logrus.WithField("session", sess.ID()).Error("sign request digest mismatch")
		s.abortSession(sess, frost.AbortMessageMismatch)
		s.sessions.Remove(sess.ID())
		return
	}
	nonce := sess.Nonce()
	if nonce == nil {
		return
	}
	ownOK := false
	for _, c := range payload.Commitments {
		if c.ParticipantID == s.cfg.ParticipantID {
			own := nonce.Commitment()
			ownOK = hex.EncodeToString(c.Hiding) == hex.EncodeToString(own.Hiding) &&
				hex.EncodeToString(c.Binding) == hex.EncodeToString(own.Binding)
			break
		}
	}
	if !ownOK {
		logrus.WithField("session", sess.ID()).Error("sign request tampers with local commitment")
		s.abortSession(sess, frost.AbortMessageMismatch)
		s.sessions.Remove(sess.ID())
		return
	}

	ks := s.KeyShare()
	if ks == nil {
		return
	}
	share, err := frost.SignShare(ks, nonce, payload.Commitments, sess.Digest())
	if err != nil {
		logrus.WithError(err).WithField("session", sess.ID()).Error("cannot produce signature share")
		s.abortSession(sess, frost.AbortVerificationFailed)
		s.sessions.Remove(sess.ID())
		return
	}

	reply, err := transport.NewEnvelope(transport.MsgSignShare, sess.ID(), transport.RoundSignShare, share)
	if err != nil {
		logrus.WithError(err).Error("cannot encode signature share")
		return
	}
	// Participant duty ends with the share; the session entry is no
	// longer needed and the nonce is already consumed.
	s.sessions.Remove(sess.ID())
	logrus.WithField("session", sess.ID()).Info("signature share sent")
	s.flush([]outbound{{to: env.Sender, env: reply}})
}

// ---- attestations ----

func (s *SigningService) onAttestation(env *transport.Envelope) {
	var payload attestationPayload
	if err := env.DecodePayload(&payload); err != nil {
		logrus.WithError(err).Warn("undecodable attestation")
		return
	}
	if payload.Digest == "" {
		return
	}
	s.attested.Record(env.Sender, payload.Digest)
	logrus.WithFields(logrus.Fields{
		"operator": env.Sender,
		"key":      payload.Key,
		"action":   payload.Action,
	}).Debug("attestation recorded")
}

// ---- housekeeping ----

func (s *SigningService) reaper() {
	defer s.wg.Done()
	ticker := time.NewTicker(reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			now := time.Now()
			for _, sess := range s.sessions.Reap(now) {
				logrus.WithFields(logrus.Fields{
					"session": sess.ID(),
					"reason":  sess.Reason(),
				}).Warn("signing session expired")
				s.finishSession(sess)
			}
			s.sessions.Prune(now.Add(-sessionRetention))
			s.checkDKGDeadline(now)
		}
	}
}

// checkDKGDeadline excludes unresponsive participants when a ceremony
// overruns: the coordinator restarts with the survivors if they still
// meet the threshold, otherwise DKG is fatal.
func (s *SigningService) checkDKGDeadline(now time.Time) {
	s.mu.Lock()
	c := s.ceremony
	if c == nil || now.Before(c.deadline) {
		s.mu.Unlock()
		return
	}
	s.ceremony = nil
	delete(s.pendingDKG, c.id)

	if !s.cfg.IsCoordinator() {
		s.mu.Unlock()
		logrus.WithField("ceremony", c.id).Warn("DKG ceremony timed out, waiting for restart")
		metrics.DKGCeremonies.WithLabelValues("timeout").Inc()
		return
	}

	missing := c.dkg.Missing()
	excluded := make(map[uint32]bool, len(missing))
	for _, id := range missing {
		excluded[id] = true
	}
	if c.pending != nil {
		// Everyone delivered rounds but some never confirmed.
		for _, id := range c.dkg.Participants() {
			if _, ok := c.confirms[id]; !ok {
				excluded[id] = true
			}
		}
	}
	var survivors []uint32
	for _, id := range c.dkg.Participants() {
		if !excluded[id] {
			survivors = append(survivors, id)
		}
	}
	attempt := c.attempt
	threshold := s.cfg.Threshold

	metrics.DKGCeremonies.WithLabelValues("timeout").Inc()
	if len(survivors) < threshold || attempt >= maxDKGAttempts {
		s.failDKG(fmt.Sprintf("ceremony timed out with %d responsive participants, threshold %d", len(survivors), threshold))
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"ceremony":  c.id,
		"excluded":  missing,
		"survivors": survivors,
	}).Warn("DKG ceremony timed out, restarting with responsive participants")
	s.initiateDKG(context.Background(), survivors, attempt+1)
}
