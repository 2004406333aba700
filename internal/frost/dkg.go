package frost

import (
	"bytes"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// DKGCommitment is a participant's round-1 broadcast: the coefficient
// commitments of its secret polynomial plus a Schnorr proof of
// knowledge of the constant term. The proof stops rogue-key tricks
// where a participant picks commitments as a function of others'.
type DKGCommitment struct {
	ParticipantID uint32   `json:"participant_id"`
	Commitments   [][]byte `json:"commitments"`
	ProofR        []byte   `json:"proof_r"`
	ProofS        []byte   `json:"proof_s"`
}

// DKGShare is a round-2 point-to-point message carrying f_from(to).
// The transport seals it so only the recipient can read the scalar.
type DKGShare struct {
	From  uint32 `json:"from"`
	To    uint32 `json:"to"`
	Share []byte `json:"share"`
}

// DKG tracks one operator's view of a key generation ceremony. It is
// not safe for concurrent use; the signing service serializes access.
type DKG struct {
	id           uint32
	threshold    int
	participants []uint32

	poly        *polynomial
	commitments map[uint32][]*secp256k1.JacobianPoint
	rawCommits  map[uint32]*DKGCommitment
	shares      map[uint32]*secp256k1.ModNScalar
	rawShares   map[uint32][]byte

	// Shares can overtake their sender's broadcast commitment on the
	// wire; they wait here until the commitment lands.
	pendingShares map[uint32][]byte

	ownCommitment *DKGCommitment
}

// NewDKG starts a ceremony for the given participant set. The set must
// contain the local id and at least threshold members. The local
// polynomial, own commitment and own share are prepared immediately.
func NewDKG(id uint32, threshold int, participants []uint32) (*DKG, error) {
	if threshold < 1 {
		return nil, fmt.Errorf("threshold %d out of range", threshold)
	}
	ids := sortedIDs(participants)
	if len(ids) < threshold {
		return nil, fmt.Errorf("participant set %d smaller than threshold %d", len(ids), threshold)
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] == ids[i-1] {
			return nil, ErrDuplicateEntry
		}
	}
	if !containsID(ids, id) {
		return nil, ErrUnknownSigner
	}

	poly, err := newPolynomial(threshold - 1)
	if err != nil {
		return nil, err
	}

	d := &DKG{
		id:            id,
		threshold:     threshold,
		participants:  ids,
		poly:          poly,
		commitments:   make(map[uint32][]*secp256k1.JacobianPoint, len(ids)),
		rawCommits:    make(map[uint32]*DKGCommitment, len(ids)),
		shares:        make(map[uint32]*secp256k1.ModNScalar, len(ids)),
		rawShares:     make(map[uint32][]byte, len(ids)),
		pendingShares: make(map[uint32][]byte),
	}

	if err := d.prepareOwnCommitment(); err != nil {
		return nil, err
	}
	// Own share never crosses the wire.
	ownShare := poly.evaluate(id)
	d.shares[id] = ownShare
	d.rawShares[id] = scalarBytes(ownShare)
	return d, nil
}

func (d *DKG) prepareOwnCommitment() error {
	points := d.poly.commit()
	serialized := make([][]byte, len(points))
	for i, point := range points {
		b, err := serializePoint(point)
		if err != nil {
			return err
		}
		serialized[i] = b
	}

	// Schnorr proof of knowledge of the constant term a_0.
	k, err := randomScalar()
	if err != nil {
		return err
	}
	bigR := scalarBaseMult(k)
	bigRBytes, err := serializePoint(bigR)
	if err != nil {
		return err
	}
	c := hashToScalar(tagPoK, idBytes(d.id), serialized[0], bigRBytes)
	mu := new(secp256k1.ModNScalar).Set(c)
	mu.Mul(d.poly.coeffs[0])
	mu.Add(k)

	msg := &DKGCommitment{
		ParticipantID: d.id,
		Commitments:   serialized,
		ProofR:        bigRBytes,
		ProofS:        scalarBytes(mu),
	}
	d.ownCommitment = msg
	d.commitments[d.id] = points
	d.rawCommits[d.id] = msg
	return nil
}

// Commitment returns the local round-1 broadcast message. It is stable
// across calls so re-broadcasts carry identical bytes.
func (d *DKG) Commitment() *DKGCommitment {
	return d.ownCommitment
}

// ShareFor evaluates the local polynomial at the recipient's id.
func (d *DKG) ShareFor(to uint32) (*DKGShare, error) {
	if !containsID(d.participants, to) {
		return nil, ErrUnknownSigner
	}
	return &DKGShare{
		From:  d.id,
		To:    to,
		Share: scalarBytes(d.poly.evaluate(to)),
	}, nil
}

// HandleCommitment verifies and records a peer's round-1 message. A
// byte-identical replay is ignored; a conflicting second commitment
// from the same participant is an equivocation error the caller must
// treat as fatal for the ceremony.
func (d *DKG) HandleCommitment(msg *DKGCommitment) error {
	if msg == nil {
		return fmt.Errorf("nil commitment")
	}
	if !containsID(d.participants, msg.ParticipantID) {
		return ErrUnknownSigner
	}
	if existing, ok := d.rawCommits[msg.ParticipantID]; ok {
		if commitmentsEqual(existing, msg) {
			return nil
		}
		return fmt.Errorf("participant %d: conflicting commitment", msg.ParticipantID)
	}
	if len(msg.Commitments) != d.threshold {
		return fmt.Errorf("participant %d: %d commitments, want %d", msg.ParticipantID, len(msg.Commitments), d.threshold)
	}

	points := make([]*secp256k1.JacobianPoint, len(msg.Commitments))
	for i, raw := range msg.Commitments {
		point, err := parsePoint(raw)
		if err != nil {
			return fmt.Errorf("participant %d commitment %d: %w", msg.ParticipantID, i, err)
		}
		points[i] = point
	}

	// Verify the proof of knowledge: mu*G == R + c*A_0.
	bigR, err := parsePoint(msg.ProofR)
	if err != nil {
		return fmt.Errorf("participant %d proof: %w", msg.ParticipantID, err)
	}
	mu, err := parseScalar(msg.ProofS)
	if err != nil {
		return fmt.Errorf("participant %d proof: %w", msg.ParticipantID, err)
	}
	c := hashToScalar(tagPoK, idBytes(msg.ParticipantID), msg.Commitments[0], msg.ProofR)
	lhs := scalarBaseMult(mu)
	rhs := addPoints(bigR, mulPoint(c, points[0]))
	if !pointsEqual(lhs, rhs) {
		return fmt.Errorf("participant %d: proof of knowledge failed", msg.ParticipantID)
	}

	d.commitments[msg.ParticipantID] = points
	d.rawCommits[msg.ParticipantID] = msg

	if pending, ok := d.pendingShares[msg.ParticipantID]; ok {
		delete(d.pendingShares, msg.ParticipantID)
		return d.acceptShare(msg.ParticipantID, pending)
	}
	return nil
}

// HandleShare verifies and records a share addressed to this
// participant. Shares arriving before their sender's commitment are
// parked and verified once the commitment shows up.
func (d *DKG) HandleShare(msg *DKGShare) error {
	if msg == nil {
		return fmt.Errorf("nil share")
	}
	if msg.To != d.id {
		return fmt.Errorf("share addressed to %d, not %d", msg.To, d.id)
	}
	if !containsID(d.participants, msg.From) {
		return ErrUnknownSigner
	}
	if existing, ok := d.rawShares[msg.From]; ok {
		if bytes.Equal(existing, msg.Share) {
			return nil
		}
		return fmt.Errorf("participant %d: conflicting share", msg.From)
	}
	if _, ok := d.commitments[msg.From]; !ok {
		d.pendingShares[msg.From] = msg.Share
		return nil
	}
	return d.acceptShare(msg.From, msg.Share)
}

func (d *DKG) acceptShare(from uint32, raw []byte) error {
	share, err := parseScalar(raw)
	if err != nil {
		return fmt.Errorf("participant %d share: %w", from, err)
	}
	// f_from(id)*G must equal the commitment polynomial at id.
	lhs := scalarBaseMult(share)
	rhs := evalCommitments(d.commitments[from], d.id)
	if !pointsEqual(lhs, rhs) {
		return fmt.Errorf("participant %d: share fails commitment check", from)
	}
	d.shares[from] = share
	d.rawShares[from] = raw
	return nil
}

// Missing lists participants whose commitment or share has not been
// verified yet. The service uses it to decide who to exclude when a
// ceremony times out.
func (d *DKG) Missing() []uint32 {
	var missing []uint32
	for _, id := range d.participants {
		if _, ok := d.commitments[id]; !ok {
			missing = append(missing, id)
			continue
		}
		if _, ok := d.shares[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

// CommitmentsComplete reports whether every participant's round-1
// commitment has been verified, the gate for sending round-2 shares.
func (d *DKG) CommitmentsComplete() bool {
	return len(d.commitments) == len(d.participants)
}

// Ready reports whether every participant's commitment and share have
// been verified.
func (d *DKG) Ready() bool {
	return len(d.commitments) == len(d.participants) && len(d.shares) == len(d.participants)
}

// Finalize combines the verified shares into this operator's KeyShare.
// Every honest participant that saw the same commitments derives the
// same group public key and the same public share table.
func (d *DKG) Finalize() (*KeyShare, error) {
	if !d.Ready() {
		return nil, fmt.Errorf("ceremony incomplete: missing %v", d.Missing())
	}

	secret := new(secp256k1.ModNScalar)
	for _, id := range d.participants {
		secret.Add(d.shares[id])
	}

	groupKey := new(secp256k1.JacobianPoint)
	groupKey.Set(d.commitments[d.participants[0]][0])
	for _, id := range d.participants[1:] {
		groupKey = addPoints(groupKey, d.commitments[id][0])
	}

	publicShares := make(map[uint32]*secp256k1.JacobianPoint, len(d.participants))
	for _, member := range d.participants {
		acc := evalCommitments(d.commitments[d.participants[0]], member)
		for _, id := range d.participants[1:] {
			acc = addPoints(acc, evalCommitments(d.commitments[id], member))
		}
		publicShares[member] = acc
	}

	// Own secret must land exactly on the public share table.
	if !pointsEqual(scalarBaseMult(secret), publicShares[d.id]) {
		return nil, fmt.Errorf("combined share does not match commitments")
	}

	d.poly.zero()
	return &KeyShare{
		ID:             d.id,
		Threshold:      d.threshold,
		Participants:   d.participants,
		SecretShare:    secret,
		GroupPublicKey: groupKey,
		PublicShares:   publicShares,
	}, nil
}

// Participants returns the ceremony's member set.
func (d *DKG) Participants() []uint32 {
	return d.participants
}

func commitmentsEqual(a, b *DKGCommitment) bool {
	if a.ParticipantID != b.ParticipantID || len(a.Commitments) != len(b.Commitments) {
		return false
	}
	for i := range a.Commitments {
		if !bytes.Equal(a.Commitments[i], b.Commitments[i]) {
			return false
		}
	}
	return bytes.Equal(a.ProofR, b.ProofR) && bytes.Equal(a.ProofS, b.ProofS)
}
