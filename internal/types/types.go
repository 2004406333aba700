package types

import (
	"bytes"
	"encoding/binary"
	"strconv"

	"github.com/ethereum/go-ethereum/crypto"
)

// Action kinds carried in signed bridge messages.
const (
	ActionMint    = "mint"    // deposit observed on Monero, wrapped tokens minted on the EVM chain
	ActionRelease = "release" // burn observed on the EVM chain, XMR released from the bridge wallet
)

// TransferEvent is the raw output of a chain observer: a transfer that
// reached the configured confirmation depth and has not been processed.
type TransferEvent struct {
	TxHash        string `json:"tx_hash"`
	Amount        uint64 `json:"amount"` // atomic units of the observed chain
	Height        uint64 `json:"height"`
	Confirmations uint64 `json:"confirmations"`
	Address       string `json:"address"`                // deposit subaddress, or release destination
	Counterparty  string `json:"counterparty,omitempty"` // burner identity on withdrawals
}

// DepositEvent is a confirmed Monero deposit with its recipient resolved.
type DepositEvent struct {
	SourceTxHash      string `json:"source_tx_hash"`
	Amount            uint64 `json:"amount"` // piconero
	Subaddress        string `json:"subaddress"`
	Height            uint64 `json:"height"`
	Confirmations     uint64 `json:"confirmations"`
	RecipientIdentity string `json:"recipient_identity"` // 0x address on the EVM chain
}

// WithdrawalRequest is a confirmed burn awaiting release on Monero.
type WithdrawalRequest struct {
	BurnTxHash         string `json:"burn_tx_hash"`
	Amount             uint64 `json:"amount"` // piconero equivalent
	DestinationAddress string `json:"destination_address"`
	RequesterIdentity  string `json:"requester_identity"`
	Height             uint64 `json:"height"`
	Confirmations      uint64 `json:"confirmations"`
}

// ActionMessage is the unit the operator group signs. Nonce is the
// source (or burn) transaction hash, so every action binds exactly one
// chain event and duplicate proofs are rejectable downstream.
type ActionMessage struct {
	Kind      string `json:"kind"`
	Asset     string `json:"asset"`
	Amount    uint64 `json:"amount"`
	Recipient string `json:"recipient"`
	Nonce     string `json:"nonce"`
}

// Canonical returns a deterministic length-prefixed encoding of the
// message. Field order is fixed; two messages encode equal bytes iff
// all fields are equal.
func (m ActionMessage) Canonical() []byte {
	var buf bytes.Buffer
	for _, field := range []string{m.Kind, m.Asset, strconv.FormatUint(m.Amount, 10), m.Recipient, m.Nonce} {
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(field)))
		buf.Write(l[:])
		buf.WriteString(field)
	}
	return buf.Bytes()
}

// Digest is the 32-byte Keccak-256 hash of the canonical encoding.
// This is the message handed to the threshold signer and the hash the
// bridge contract verifies the group signature against.
func (m ActionMessage) Digest() []byte {
	return crypto.Keccak256(m.Canonical())
}

// AttestationDigest is what operators attest after observing the
// underlying chain event. A release destination is on chain, so the
// full message is attestable; a mint recipient comes from the identity
// map, which only the allocating operator holds, so mints attest with
// the recipient cleared and the other operators accept the
// coordinator's resolution.
func (m ActionMessage) AttestationDigest() []byte {
	if m.Kind == ActionMint {
		m.Recipient = ""
	}
	return m.Digest()
}
