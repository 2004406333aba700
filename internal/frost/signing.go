package frost

import (
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Nonce is a participant's one-time (hiding, binding) nonce pair for a
// single signing session. It is consumed by SignShare and can never
// produce a second share.
type Nonce struct {
	hiding   *secp256k1.ModNScalar
	binding  *secp256k1.ModNScalar
	consumed bool

	commitment *SigningCommitment
}

// SigningCommitment is the public image (D, E) of a nonce pair,
// broadcast in round 1 of signing.
type SigningCommitment struct {
	ParticipantID uint32 `json:"participant_id"`
	Hiding        []byte `json:"hiding"`
	Binding       []byte `json:"binding"`
}

// SignatureShare is one participant's round-2 contribution z_i.
type SignatureShare struct {
	ParticipantID uint32 `json:"participant_id"`
	Share         []byte `json:"share"`
}

// Signature is the aggregate Schnorr signature (R, z) satisfying
// z*G == R + c*Y for the group key Y.
type Signature struct {
	R []byte
	Z []byte
}

// Bytes returns R || z, 65 bytes.
func (s *Signature) Bytes() []byte {
	out := make([]byte, 0, len(s.R)+len(s.Z))
	out = append(out, s.R...)
	out = append(out, s.Z...)
	return out
}

// Hex returns the hex encoding of Bytes.
func (s *Signature) Hex() string {
	return hex.EncodeToString(s.Bytes())
}

// ParseSignature splits a 65-byte R || z encoding.
func ParseSignature(b []byte) (*Signature, error) {
	if len(b) != 65 {
		return nil, fmt.Errorf("signature length %d, want 65", len(b))
	}
	sig := &Signature{R: b[:33], Z: b[33:]}
	if _, err := parsePoint(sig.R); err != nil {
		return nil, err
	}
	if _, err := parseScalar(sig.Z); err != nil {
		return nil, err
	}
	return sig, nil
}

// NewNonce samples a fresh nonce pair for one session.
func NewNonce(participantID uint32) (*Nonce, error) {
	hiding, err := randomScalar()
	if err != nil {
		return nil, err
	}
	binding, err := randomScalar()
	if err != nil {
		return nil, err
	}
	hidingBytes, err := serializePoint(scalarBaseMult(hiding))
	if err != nil {
		return nil, err
	}
	bindingBytes, err := serializePoint(scalarBaseMult(binding))
	if err != nil {
		return nil, err
	}
	return &Nonce{
		hiding:  hiding,
		binding: binding,
		commitment: &SigningCommitment{
			ParticipantID: participantID,
			Hiding:        hidingBytes,
			Binding:       bindingBytes,
		},
	}, nil
}

// Commitment returns the public commitment of this nonce.
func (n *Nonce) Commitment() *SigningCommitment {
	return n.commitment
}

// Zero wipes the nonce scalars. Called when a session aborts so the
// pair can never be used against a different message.
func (n *Nonce) Zero() {
	n.hiding.Zero()
	n.binding.Zero()
	n.consumed = true
}

// sortCommitments orders a commitment list by participant id. The
// binding factor hashes the encoded list, so every participant must
// see it in one canonical order.
func sortCommitments(commitments []*SigningCommitment) []*SigningCommitment {
	out := make([]*SigningCommitment, len(commitments))
	copy(out, commitments)
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}

func encodeCommitmentList(commitments []*SigningCommitment) []byte {
	var encoded []byte
	for _, c := range commitments {
		encoded = append(encoded, idBytes(c.ParticipantID)...)
		encoded = append(encoded, c.Hiding...)
		encoded = append(encoded, c.Binding...)
	}
	return encoded
}

// bindingFactor derives rho_i, tying each participant's nonce to the
// exact digest and commitment set of this session.
func bindingFactor(id uint32, digest []byte, encodedList []byte) *secp256k1.ModNScalar {
	return bindingFactorFromParts(idBytes(id), digest, encodedList)
}

func bindingFactorFromParts(idPart, digest, encodedList []byte) *secp256k1.ModNScalar {
	return hashToScalar(tagBinding, idPart, digest, encodedList)
}

// groupCommitment computes R = sum(D_i + rho_i*E_i) over the signer
// set, together with each signer's binding factor.
func groupCommitment(commitments []*SigningCommitment, digest []byte) (*secp256k1.JacobianPoint, map[uint32]*secp256k1.ModNScalar, error) {
	if len(commitments) == 0 {
		return nil, nil, fmt.Errorf("empty commitment list")
	}
	ordered := sortCommitments(commitments)
	for i := 1; i < len(ordered); i++ {
		if ordered[i].ParticipantID == ordered[i-1].ParticipantID {
			return nil, nil, ErrDuplicateEntry
		}
	}
	encodedList := encodeCommitmentList(ordered)

	factors := make(map[uint32]*secp256k1.ModNScalar, len(ordered))
	var groupR *secp256k1.JacobianPoint
	for _, c := range ordered {
		hiding, err := parsePoint(c.Hiding)
		if err != nil {
			return nil, nil, fmt.Errorf("participant %d hiding commitment: %w", c.ParticipantID, err)
		}
		binding, err := parsePoint(c.Binding)
		if err != nil {
			return nil, nil, fmt.Errorf("participant %d binding commitment: %w", c.ParticipantID, err)
		}
		rho := bindingFactor(c.ParticipantID, digest, encodedList)
		factors[c.ParticipantID] = rho
		term := addPoints(hiding, mulPoint(rho, binding))
		if groupR == nil {
			groupR = term
		} else {
			groupR = addPoints(groupR, term)
		}
	}
	return groupR, factors, nil
}

// challenge derives the Schnorr challenge c = H(R, Y, digest).
func challenge(groupR, groupKey *secp256k1.JacobianPoint, digest []byte) (*secp256k1.ModNScalar, error) {
	rBytes, err := serializePoint(groupR)
	if err != nil {
		return nil, err
	}
	yBytes, err := serializePoint(groupKey)
	if err != nil {
		return nil, err
	}
	return hashToScalar(tagChallenge, rBytes, yBytes, digest), nil
}

// lagrangeCoefficient computes lambda_i at zero over the signer set,
// so that sum(lambda_i * s_i) reconstructs the group secret in the
// exponent only.
func lagrangeCoefficient(id uint32, signers []uint32) (*secp256k1.ModNScalar, error) {
	if !containsID(signers, id) {
		return nil, ErrUnknownSigner
	}
	xi := scalarFromID(id)
	num := new(secp256k1.ModNScalar).SetInt(1)
	den := new(secp256k1.ModNScalar).SetInt(1)
	for _, j := range signers {
		if j == id {
			continue
		}
		xj := scalarFromID(j)
		num.Mul(xj)
		diff := new(secp256k1.ModNScalar).NegateVal(xi)
		diff.Add(xj)
		if diff.IsZero() {
			return nil, ErrDuplicateEntry
		}
		den.Mul(diff)
	}
	den.InverseNonConst()
	num.Mul(den)
	return num, nil
}

func signerIDs(commitments []*SigningCommitment) []uint32 {
	ids := make([]uint32, 0, len(commitments))
	for _, c := range commitments {
		ids = append(ids, c.ParticipantID)
	}
	return sortedIDs(ids)
}

// SignShare produces this participant's signature share
// z_i = d_i + rho_i*e_i + lambda_i*s_i*c over the given digest and
// commitment set. The nonce is consumed; a second call fails.
func SignShare(ks *KeyShare, nonce *Nonce, commitments []*SigningCommitment, digest []byte) (*SignatureShare, error) {
	if nonce.consumed {
		return nil, ErrNonceConsumed
	}
	signers := signerIDs(commitments)
	if !containsID(signers, ks.ID) {
		return nil, ErrUnknownSigner
	}

	groupR, factors, err := groupCommitment(commitments, digest)
	if err != nil {
		return nil, err
	}
	c, err := challenge(groupR, ks.GroupPublicKey, digest)
	if err != nil {
		return nil, err
	}
	lambda, err := lagrangeCoefficient(ks.ID, signers)
	if err != nil {
		return nil, err
	}

	z := new(secp256k1.ModNScalar).Set(nonce.hiding)
	boundNonce := new(secp256k1.ModNScalar).Set(nonce.binding)
	boundNonce.Mul(factors[ks.ID])
	z.Add(boundNonce)
	keyTerm := new(secp256k1.ModNScalar).Set(lambda)
	keyTerm.Mul(ks.SecretShare)
	keyTerm.Mul(c)
	z.Add(keyTerm)

	nonce.Zero()
	return &SignatureShare{ParticipantID: ks.ID, Share: scalarBytes(z)}, nil
}

// VerifyShare checks one signature share against its sender's nonce
// commitment and public share:
// z_i*G == D_i + rho_i*E_i + c*lambda_i*Y_i.
func VerifyShare(share *SignatureShare, publicShare, groupKey *secp256k1.JacobianPoint, commitments []*SigningCommitment, digest []byte) error {
	z, err := parseScalar(share.Share)
	if err != nil {
		return fmt.Errorf("participant %d share: %w", share.ParticipantID, err)
	}
	var own *SigningCommitment
	for _, c := range commitments {
		if c.ParticipantID == share.ParticipantID {
			own = c
			break
		}
	}
	if own == nil {
		return ErrUnknownSigner
	}

	groupR, factors, err := groupCommitment(commitments, digest)
	if err != nil {
		return err
	}
	c, err := challenge(groupR, groupKey, digest)
	if err != nil {
		return err
	}
	lambda, err := lagrangeCoefficient(share.ParticipantID, signerIDs(commitments))
	if err != nil {
		return err
	}

	hiding, err := parsePoint(own.Hiding)
	if err != nil {
		return err
	}
	binding, err := parsePoint(own.Binding)
	if err != nil {
		return err
	}

	lhs := scalarBaseMult(z)
	keyCoeff := new(secp256k1.ModNScalar).Set(c)
	keyCoeff.Mul(lambda)
	rhs := addPoints(hiding, mulPoint(factors[share.ParticipantID], binding))
	rhs = addPoints(rhs, mulPoint(keyCoeff, publicShare))
	if !pointsEqual(lhs, rhs) {
		return fmt.Errorf("participant %d: signature share invalid", share.ParticipantID)
	}
	return nil
}

// Aggregate sums verified shares into the final signature. The caller
// must have verified each share first; Aggregate re-checks the result
// against the group key and fails closed if the sum does not verify.
func Aggregate(shares []*SignatureShare, commitments []*SigningCommitment, groupKey *secp256k1.JacobianPoint, digest []byte) (*Signature, error) {
	if len(shares) == 0 {
		return nil, fmt.Errorf("no shares to aggregate")
	}
	groupR, _, err := groupCommitment(commitments, digest)
	if err != nil {
		return nil, err
	}
	z := new(secp256k1.ModNScalar)
	for _, share := range shares {
		s, err := parseScalar(share.Share)
		if err != nil {
			return nil, fmt.Errorf("participant %d share: %w", share.ParticipantID, err)
		}
		z.Add(s)
	}
	rBytes, err := serializePoint(groupR)
	if err != nil {
		return nil, err
	}
	sig := &Signature{R: rBytes, Z: scalarBytes(z)}

	groupKeyBytes, err := serializePoint(groupKey)
	if err != nil {
		return nil, err
	}
	if err := Verify(sig, groupKeyBytes, digest); err != nil {
		return nil, err
	}
	return sig, nil
}

// Verify checks an aggregate signature: z*G == R + c*Y.
func Verify(sig *Signature, groupKeyBytes, digest []byte) error {
	groupR, err := parsePoint(sig.R)
	if err != nil {
		return fmt.Errorf("signature R: %w", err)
	}
	groupKey, err := parsePoint(groupKeyBytes)
	if err != nil {
		return fmt.Errorf("group key: %w", err)
	}
	z, err := parseScalar(sig.Z)
	if err != nil {
		return fmt.Errorf("signature z: %w", err)
	}
	c, err := challenge(groupR, groupKey, digest)
	if err != nil {
		return err
	}
	lhs := scalarBaseMult(z)
	rhs := addPoints(groupR, mulPoint(c, groupKey))
	if !pointsEqual(lhs, rhs) {
		return fmt.Errorf("aggregate signature does not verify")
	}
	return nil
}
