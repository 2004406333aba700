package frost

import (
	"bytes"
	"fmt"
	"sync"
	"time"
)

// SessionState is the lifecycle position of a signing session.
type SessionState string

const (
	StateCollectingCommitments SessionState = "COLLECTING_COMMITMENTS"
	StateCommitmentsComplete   SessionState = "COMMITMENTS_COMPLETE"
	StateCollectingShares      SessionState = "COLLECTING_SHARES"
	StateAggregated            SessionState = "AGGREGATED"
	StateVerified              SessionState = "VERIFIED"
	StateAborted               SessionState = "ABORTED"
)

// AbortReason records why a session ended without a signature.
type AbortReason string

const (
	AbortTimeout            AbortReason = "timeout"
	AbortInsufficientShares AbortReason = "insufficient_shares"
	AbortVerificationFailed AbortReason = "verification_failure"
	AbortMessageMismatch    AbortReason = "message_mismatch"
)

// Session is the shared state machine for one signing attempt. The
// coordinator drives it through every state; participants use the same
// type for their local view. All methods are safe for concurrent use.
type Session struct {
	mu sync.Mutex

	id       string
	digest   []byte
	payload  []byte
	signers  []uint32
	state    SessionState
	reason   AbortReason
	created  time.Time
	deadline time.Time

	commitments map[uint32]*SigningCommitment
	shares      map[uint32]*SignatureShare
	signature   *Signature
	nonce       *Nonce
}

// SessionInfo is a point-in-time snapshot for inspection endpoints.
type SessionInfo struct {
	ID        string       `json:"id"`
	State     SessionState `json:"state"`
	Reason    AbortReason  `json:"reason,omitempty"`
	Signers   []uint32     `json:"signers"`
	CreatedAt time.Time    `json:"createdAt"`
	Deadline  time.Time    `json:"deadline"`
	Signed    bool         `json:"signed"`
}

// NewSession opens a session over the given digest for a fixed signer
// set. It starts collecting commitments immediately.
func NewSession(id string, signers []uint32, digest, payload []byte, deadline time.Time) *Session {
	return &Session{
		id:          id,
		digest:      digest,
		payload:     payload,
		signers:     sortedIDs(signers),
		state:       StateCollectingCommitments,
		created:     time.Now(),
		deadline:    deadline,
		commitments: make(map[uint32]*SigningCommitment, len(signers)),
		shares:      make(map[uint32]*SignatureShare, len(signers)),
	}
}

func (s *Session) ID() string        { return s.id }
func (s *Session) Digest() []byte    { return s.digest }
func (s *Session) Payload() []byte   { return s.payload }
func (s *Session) Signers() []uint32 { return s.signers }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reason returns the abort reason, empty unless aborted.
func (s *Session) Reason() AbortReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// BindNonce attaches this operator's nonce for the session.
func (s *Session) BindNonce(n *Nonce) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonce = n
}

// Nonce returns the operator's nonce for the session, if any.
func (s *Session) Nonce() *Nonce {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonce
}

// AddCommitment records a signer's nonce commitment. It reports
// whether the set is now complete, which also moves the session to
// COMMITMENTS_COMPLETE. A conflicting commitment from a signer that
// already committed is an error the caller aborts on.
func (s *Session) AddCommitment(c *SigningCommitment) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCollectingCommitments {
		return false, fmt.Errorf("session %s not collecting commitments (state %s)", s.id, s.state)
	}
	if !containsID(s.signers, c.ParticipantID) {
		return false, ErrUnknownSigner
	}
	if existing, ok := s.commitments[c.ParticipantID]; ok {
		if bytes.Equal(existing.Hiding, c.Hiding) && bytes.Equal(existing.Binding, c.Binding) {
			return false, nil
		}
		return false, fmt.Errorf("signer %d: conflicting nonce commitment", c.ParticipantID)
	}
	s.commitments[c.ParticipantID] = c
	if len(s.commitments) == len(s.signers) {
		s.state = StateCommitmentsComplete
		return true, nil
	}
	return false, nil
}

// CommitmentList returns the canonical, id-ordered commitment list.
func (s *Session) CommitmentList() []*SigningCommitment {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]*SigningCommitment, 0, len(s.commitments))
	for _, c := range s.commitments {
		list = append(list, c)
	}
	return sortCommitments(list)
}

// BeginShareCollection moves a session with a complete commitment set
// into round 2.
func (s *Session) BeginShareCollection() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCommitmentsComplete {
		return fmt.Errorf("session %s cannot collect shares from state %s", s.id, s.state)
	}
	s.state = StateCollectingShares
	return nil
}

// AddShare records a verified signature share and reports whether the
// set is complete. Verification happens in the signing service, which
// holds the key material.
func (s *Session) AddShare(share *SignatureShare) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCollectingShares {
		return false, fmt.Errorf("session %s not collecting shares (state %s)", s.id, s.state)
	}
	if !containsID(s.signers, share.ParticipantID) {
		return false, ErrUnknownSigner
	}
	if existing, ok := s.shares[share.ParticipantID]; ok {
		if bytes.Equal(existing.Share, share.Share) {
			return false, nil
		}
		return false, fmt.Errorf("signer %d: conflicting signature share", share.ParticipantID)
	}
	s.shares[share.ParticipantID] = share
	return len(s.shares) == len(s.signers), nil
}

// ShareList returns the collected shares in signer order.
func (s *Session) ShareList() []*SignatureShare {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]*SignatureShare, 0, len(s.shares))
	for _, id := range s.signers {
		if share, ok := s.shares[id]; ok {
			list = append(list, share)
		}
	}
	return list
}

// MarkAggregated stores the aggregate signature.
func (s *Session) MarkAggregated(sig *Signature) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCollectingShares {
		return fmt.Errorf("session %s cannot aggregate from state %s", s.id, s.state)
	}
	s.signature = sig
	s.state = StateAggregated
	return nil
}

// MarkVerified finalizes a session whose aggregate signature checked
// out against the group key.
func (s *Session) MarkVerified() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAggregated {
		return fmt.Errorf("session %s cannot verify from state %s", s.id, s.state)
	}
	s.state = StateVerified
	return nil
}

// Signature returns the aggregate signature once present.
func (s *Session) Signature() *Signature {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signature
}

// Abort terminates the session. The first reason wins; aborting a
// finished or already aborted session is a no-op. It reports whether
// this call performed the abort.
func (s *Session) Abort(reason AbortReason) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateVerified || s.state == StateAborted {
		return false
	}
	s.state = StateAborted
	s.reason = reason
	return true
}

// Expired reports whether the deadline passed while the session was
// still live.
func (s *Session) Expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.After(s.deadline) && s.state != StateVerified && s.state != StateAborted
}

// expire aborts an overdue session, picking the reason by where it
// stalled: share collection that never completed means the signer set
// could not deliver enough shares.
func (s *Session) expire() bool {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	reason := AbortTimeout
	if state == StateCollectingShares {
		reason = AbortInsufficientShares
	}
	return s.Abort(reason)
}

// Info snapshots the session for inspection endpoints.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	signers := make([]uint32, len(s.signers))
	copy(signers, s.signers)
	return SessionInfo{
		ID:        s.id,
		State:     s.state,
		Reason:    s.reason,
		Signers:   signers,
		CreatedAt: s.created,
		Deadline:  s.deadline,
		Signed:    s.signature != nil,
	}
}

// SessionRegistry tracks live and recently finished sessions by id.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionRegistry returns an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*Session)}
}

// Add registers a session. Registering an id twice is an error, since
// session ids are single-use.
func (r *SessionRegistry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID()]; ok {
		return fmt.Errorf("session %s already registered", s.ID())
	}
	r.sessions[s.ID()] = s
	return nil
}

// Get looks a session up by id.
func (r *SessionRegistry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove drops a session from the registry.
func (r *SessionRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Reap aborts every session whose deadline has passed and returns the
// sessions it aborted so the caller can release nonces and count
// metrics.
func (r *SessionRegistry) Reap(now time.Time) []*Session {
	r.mu.RLock()
	candidates := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		candidates = append(candidates, s)
	}
	r.mu.RUnlock()

	var expired []*Session
	for _, s := range candidates {
		if s.Expired(now) && s.expire() {
			expired = append(expired, s)
		}
	}
	return expired
}

// Prune removes terminal sessions created before the cutoff, keeping
// recent history visible to inspection endpoints.
func (r *SessionRegistry) Prune(cutoff time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sessions {
		info := s.Info()
		if (info.State == StateVerified || info.State == StateAborted) && info.CreatedAt.Before(cutoff) {
			delete(r.sessions, id)
		}
	}
}

// Snapshot lists every tracked session.
func (r *SessionRegistry) Snapshot() []SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		infos = append(infos, s.Info())
	}
	return infos
}
