// Package frost implements a FROST-style threshold Schnorr scheme over
// secp256k1: a commitment-based DKG with proofs of knowledge, and the
// two-round signing protocol producing one aggregate signature valid
// under the group public key. No participant ever learns another's
// share and the group secret is never assembled anywhere.
//
// The package is purely computational; message delivery, timeouts and
// role logic belong to the signing service on top of it.
package frost

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Domain separation tags for the protocol hashes.
const (
	tagPoK       = "bridge/frost/pok/v1"
	tagBinding   = "bridge/frost/binding/v1"
	tagChallenge = "bridge/frost/challenge/v1"
)

var (
	ErrPointInfinity  = errors.New("point at infinity")
	ErrInvalidScalar  = errors.New("scalar out of range")
	ErrInvalidPoint   = errors.New("malformed curve point")
	ErrNonceConsumed  = errors.New("nonce already consumed")
	ErrUnknownSigner  = errors.New("signer not in set")
	ErrDuplicateEntry = errors.New("duplicate participant entry")
)

// KeyShare is one operator's long-term DKG output: its secret share,
// the group public key every participant derived identically, and the
// public share of every participant (needed to verify signature shares
// without ever seeing secrets).
type KeyShare struct {
	ID             uint32
	Threshold      int
	Participants   []uint32
	SecretShare    *secp256k1.ModNScalar
	GroupPublicKey *secp256k1.JacobianPoint
	PublicShares   map[uint32]*secp256k1.JacobianPoint
}

// GroupKeyBytes returns the compressed group public key.
func (ks *KeyShare) GroupKeyBytes() ([]byte, error) {
	return serializePoint(ks.GroupPublicKey)
}

// GroupKeyHex returns the compressed group public key as hex.
func (ks *KeyShare) GroupKeyHex() (string, error) {
	b, err := ks.GroupKeyBytes()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Encode flattens the share for durable storage. The secret scalar is
// hex; public shares are a participant->compressed-point JSON object.
func (ks *KeyShare) Encode() (groupKeyHex, secretHex, publicSharesJSON string, err error) {
	groupKeyHex, err = ks.GroupKeyHex()
	if err != nil {
		return "", "", "", err
	}
	secret := ks.SecretShare.Bytes()
	secretHex = hex.EncodeToString(secret[:])

	encoded := make(map[string]string, len(ks.PublicShares))
	for id, point := range ks.PublicShares {
		b, perr := serializePoint(point)
		if perr != nil {
			return "", "", "", perr
		}
		encoded[fmt.Sprintf("%d", id)] = hex.EncodeToString(b)
	}
	raw, err := json.Marshal(encoded)
	if err != nil {
		return "", "", "", err
	}
	return groupKeyHex, secretHex, string(raw), nil
}

// DecodeKeyShare rebuilds a KeyShare from its stored representation.
func DecodeKeyShare(id uint32, threshold int, groupKeyHex, secretHex, publicSharesJSON string) (*KeyShare, error) {
	groupKeyBytes, err := hex.DecodeString(groupKeyHex)
	if err != nil {
		return nil, fmt.Errorf("group key: %w", err)
	}
	groupKey, err := parsePoint(groupKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("group key: %w", err)
	}

	secretBytes, err := hex.DecodeString(secretHex)
	if err != nil {
		return nil, fmt.Errorf("secret share: %w", err)
	}
	secret, err := parseScalar(secretBytes)
	if err != nil {
		return nil, fmt.Errorf("secret share: %w", err)
	}

	var encoded map[string]string
	if err := json.Unmarshal([]byte(publicSharesJSON), &encoded); err != nil {
		return nil, fmt.Errorf("public shares: %w", err)
	}
	shares := make(map[uint32]*secp256k1.JacobianPoint, len(encoded))
	participants := make([]uint32, 0, len(encoded))
	for key, value := range encoded {
		var pid uint32
		if _, err := fmt.Sscanf(key, "%d", &pid); err != nil {
			return nil, fmt.Errorf("public shares: bad participant id %q", key)
		}
		pointBytes, err := hex.DecodeString(value)
		if err != nil {
			return nil, fmt.Errorf("public share %d: %w", pid, err)
		}
		point, err := parsePoint(pointBytes)
		if err != nil {
			return nil, fmt.Errorf("public share %d: %w", pid, err)
		}
		shares[pid] = point
		participants = append(participants, pid)
	}
	sort.Slice(participants, func(i, j int) bool { return participants[i] < participants[j] })

	return &KeyShare{
		ID:             id,
		Threshold:      threshold,
		Participants:   participants,
		SecretShare:    secret,
		GroupPublicKey: groupKey,
		PublicShares:   shares,
	}, nil
}

// ---- curve helpers ----

func serializePoint(point *secp256k1.JacobianPoint) ([]byte, error) {
	if point == nil || (point.X.IsZero() && point.Y.IsZero()) || point.Z.IsZero() {
		return nil, ErrPointInfinity
	}
	var affine secp256k1.JacobianPoint
	affine.Set(point)
	affine.ToAffine()
	return secp256k1.NewPublicKey(&affine.X, &affine.Y).SerializeCompressed(), nil
}

func parsePoint(b []byte) (*secp256k1.JacobianPoint, error) {
	pub, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return nil, ErrInvalidPoint
	}
	var point secp256k1.JacobianPoint
	pub.AsJacobian(&point)
	return &point, nil
}

func parseScalar(b []byte) (*secp256k1.ModNScalar, error) {
	if len(b) != 32 {
		return nil, ErrInvalidScalar
	}
	var b32 [32]byte
	copy(b32[:], b)
	var s secp256k1.ModNScalar
	if overflow := s.SetBytes(&b32); overflow != 0 {
		return nil, ErrInvalidScalar
	}
	return &s, nil
}

func scalarBytes(s *secp256k1.ModNScalar) []byte {
	b := s.Bytes()
	return b[:]
}

func randomScalar() (*secp256k1.ModNScalar, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return &priv.Key, nil
}

func scalarFromID(id uint32) *secp256k1.ModNScalar {
	var s secp256k1.ModNScalar
	s.SetInt(id)
	return &s
}

func scalarBaseMult(k *secp256k1.ModNScalar) *secp256k1.JacobianPoint {
	var point secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(k, &point)
	return &point
}

func addPoints(a, b *secp256k1.JacobianPoint) *secp256k1.JacobianPoint {
	var sum secp256k1.JacobianPoint
	secp256k1.AddNonConst(a, b, &sum)
	return &sum
}

func mulPoint(k *secp256k1.ModNScalar, point *secp256k1.JacobianPoint) *secp256k1.JacobianPoint {
	var scaled secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(k, point, &scaled)
	return &scaled
}

func pointsEqual(a, b *secp256k1.JacobianPoint) bool {
	sa, errA := serializePoint(a)
	sb, errB := serializePoint(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(sa) == string(sb)
}

// hashToScalar maps tagged input to a scalar mod the curve order.
func hashToScalar(tag string, parts ...[]byte) *secp256k1.ModNScalar {
	h := sha256.New()
	h.Write([]byte(tag))
	for _, part := range parts {
		var length [4]byte
		binary.BigEndian.PutUint32(length[:], uint32(len(part)))
		h.Write(length[:])
		h.Write(part)
	}
	var s secp256k1.ModNScalar
	s.SetByteSlice(h.Sum(nil))
	return &s
}

func idBytes(id uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], id)
	return b[:]
}

func sortedIDs(ids []uint32) []uint32 {
	out := make([]uint32, len(ids))
	copy(out, ids)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func containsID(ids []uint32, id uint32) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
